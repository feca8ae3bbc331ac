package peer

import (
	"net"

	log "github.com/sirupsen/logrus"
)

// interfaceIPs lists the addresses of the interfaces that are up, IPv4 first. Loopback and
// unspecified addresses are skipped.
func interfaceIPs() []net.IP {
	interfaces, err := net.Interfaces()
	if err != nil {
		log.Errorf("peer.interfaceIPs: failed to get network interfaces: %v", err)
		return nil
	}

	var v4, v6 []net.IP
	seen := make(map[string]struct{})

	for _, iface := range interfaces {
		if (iface.Flags&net.FlagUp) == 0 || (iface.Flags&net.FlagLoopback) != 0 {
			continue
		}

		ifaddrs, err := iface.Addrs()
		if err != nil {
			log.Warnf("peer.interfaceIPs: could not get addresses for interface %s: %v", iface.Name, err)
			continue
		}

		for _, addr := range ifaddrs {
			var ip net.IP
			switch v := addr.(type) {
			case *net.IPNet:
				ip = v.IP
			case *net.IPAddr:
				ip = v.IP
			}

			if ip == nil || ip.IsUnspecified() || ip.IsLoopback() || ip.IsLinkLocalUnicast() {
				continue
			}
			if _, dup := seen[ip.String()]; dup {
				continue
			}
			seen[ip.String()] = struct{}{}

			if ip.To4() != nil {
				v4 = append(v4, ip)
			} else {
				v6 = append(v6, ip)
			}
		}
	}

	return append(v4, v6...)
}

// DetectIP picks the address a peer advertises to the registry: the configured one when set,
// else the first usable interface address, else loopback.
func DetectIP(configured string) string {
	if configured != "" {
		return configured
	}

	if ips := interfaceIPs(); len(ips) > 0 {
		return ips[0].String()
	}

	log.Warnf("peer.DetectIP: no non-loopback address found, advertising %s", net.IPv4(127, 0, 0, 1))
	return "127.0.0.1"
}
