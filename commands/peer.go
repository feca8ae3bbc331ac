package commands

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"peerlink/config"
	"peerlink/datamodel/peer"
	"peerlink/metrics"
	"peerlink/net/rest"
	"peerlink/net/session"
	"peerlink/registry"
	swarmpeer "peerlink/swarm/peer"

	"golang.org/x/sync/errgroup"

	log "github.com/sirupsen/logrus"
)

const (
	rule     = "=================================================="
	thinRule = "--------------------------------------------------"
	prompt   = "Your message: "
)

// console is the interactive front end of a peer. Incoming messages are printed from the
// session receive loops, so every write to out goes through mu.
type console struct {
	agent *swarmpeer.Agent
	lines <-chan string

	mu  sync.Mutex
	out io.Writer
}

func (c *console) printf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, format, args...)
}

func (c *console) onEvent(ev session.Event) {
	switch ev.Kind {
	case session.EventMessage:
		c.printf("\n[%s] %s: %s\n%s", ev.At.Format("15:04:05"), ev.Peer, string(ev.Data), prompt)
	case session.EventDisconnected:
		c.printf("\n%s disconnected\n", ev.Peer)
	}
}

// readLines feeds stdin lines into a channel so reads can be abandoned on cancellation.
func readLines(in io.Reader) <-chan string {
	ch := make(chan string)
	go func() {
		defer close(ch)
		s := bufio.NewScanner(in)
		for s.Scan() {
			ch <- s.Text()
		}
	}()
	return ch
}

var errInputClosed = errors.New("input closed")

func (c *console) ask(ctx context.Context, question string) (string, error) {
	c.printf("%s", question)
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case line, ok := <-c.lines:
		if !ok {
			return "", errInputClosed
		}
		return strings.TrimSpace(line), nil
	}
}

func (c *console) printPeers(peers []*peer.Record) {
	if len(peers) == 0 {
		c.printf("\nNo online peers\n")
		return
	}

	c.printf("\nOnline peers (%d):\n%s\n", len(peers), thinRule)
	for i, p := range peers {
		status := p.Status
		if status == "" {
			status = "unknown"
		}
		c.printf("%d. %s - %s (%s)\n", i+1, p.Username, p.Endpoint(), status)
	}
	c.printf("%s\n", thinRule)
}

func (c *console) listPeers(ctx context.Context) []*peer.Record {
	peers, err := c.agent.ListPeers(ctx)
	if err != nil {
		c.printf("Error getting peers list: %v\n", err)
		return nil
	}
	c.printPeers(peers)
	return peers
}

func (c *console) peerInfo(ctx context.Context) error {
	target, err := c.ask(ctx, "Username: ")
	if err != nil || target == "" {
		return err
	}

	info, err := c.agent.PeerInfo(ctx, target)
	if errors.Is(err, registry.ErrNotFound) {
		c.printf("User '%s' not found\n", target)
		return nil
	}
	if err != nil {
		c.printf("Error: %v\n", err)
		return nil
	}

	c.printf("\nInfo for %s:\n", target)
	c.printf("  username: %s\n  ip: %s\n  port: %d\n  last_seen: %s\n  status: %s\n",
		info.Username, info.IP, info.Port, info.LastSeen.Format(time.RFC3339), info.Status)
	return nil
}

func (c *console) connect(ctx context.Context) error {
	peers := c.listPeers(ctx)
	if len(peers) == 0 {
		return nil
	}

	choice, err := c.ask(ctx, "Select peer number to connect: ")
	if err != nil {
		return err
	}
	idx, err := strconv.Atoi(choice)
	if err != nil {
		c.printf("Please enter a number\n")
		return nil
	}
	if idx < 1 || idx > len(peers) {
		c.printf("Invalid selection\n")
		return nil
	}

	target := peers[idx-1]
	c.printf("Connecting to %s at %s...\n", target.Username, target.Endpoint())

	s, err := c.agent.Connect(ctx, target)
	if err != nil {
		c.printf("Connection failed: %v\n", err)
		return nil
	}

	return c.chat(ctx, s.Peer, target.Username)
}

// chat sends every line to the session under key until "exit". The session stays open.
func (c *console) chat(ctx context.Context, key, name string) error {
	c.printf("\n--- Chat with %s ---\nType 'exit' to end chat\n%s\n", name, strings.Repeat("-", 30))

	for {
		msg, err := c.ask(ctx, prompt)
		if err != nil {
			return err
		}
		if strings.EqualFold(msg, "exit") {
			c.printf("Ending chat...\n")
			return nil
		}
		if msg == "" {
			continue
		}

		if err := c.agent.Send(key, msg); err != nil {
			c.printf("Connection lost!\n")
			return nil
		}
		c.printf("You: %s\n", msg)
	}
}

func (c *console) testServer(ctx context.Context) bool {
	if err := c.agent.Probe(ctx); err != nil {
		c.printf("Cannot connect to server: %v\n", err)
		return false
	}
	c.printf("STUN server is available\n")
	return true
}

func (c *console) register(ctx context.Context) {
	if c.agent.Username() == "" {
		c.printf("No username configured, restart with --username\n")
		return
	}
	if err := c.agent.Register(ctx); err != nil {
		c.printf("Error: %v\n", err)
		return
	}
	c.printf("Registered as %s at %s\n", c.agent.Username(), c.agent.Endpoint())
}

func (c *console) unregister(ctx context.Context) {
	err := c.agent.Unregister(ctx)
	switch {
	case errors.Is(err, swarmpeer.ErrNotRegistered):
		c.printf("You are not registered\n")
	case err != nil:
		c.printf("Error: %v\n", err)
	default:
		c.printf("Successfully unregistered\n")
	}
}

func (c *console) menu() {
	c.printf("\n%s\nMain Menu:\n", rule)
	c.printf("1. Get peers list\n2. Get peer info\n3. Connect to peer (P2P Chat)\n4. Test server connection\n")
	c.printf("5. Unregister\n6. Register\n0. Exit\n%s\n", rule)
}

// interactive runs the menu until the user exits, input ends or ctx is cancelled.
func (c *console) interactive(ctx context.Context) {
	for {
		c.menu()

		choice, err := c.ask(ctx, "Your choice: ")
		if err != nil {
			if errors.Is(err, errInputClosed) {
				c.printf("\nEOF received - exiting...\n")
			} else {
				c.printf("\nSIGINT received - exiting...\n")
			}
			return
		}

		needsRegistration := choice == "1" || choice == "2" || choice == "3"
		if needsRegistration && !c.agent.Registered() {
			c.printf("Please register first\n")
			continue
		}

		switch choice {
		case "1":
			c.listPeers(ctx)
		case "2":
			err = c.peerInfo(ctx)
		case "3":
			err = c.connect(ctx)
		case "4":
			c.testServer(ctx)
		case "5":
			c.unregister(ctx)
		case "6":
			c.register(ctx)
		case "0":
			c.printf("\nGoodbye!\n")
			return
		default:
			c.printf("Invalid choice\n")
		}

		if err != nil {
			c.printf("\nexiting...\n")
			return
		}
	}
}

func serveMetrics(ctx context.Context, addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s for metrics: %w", addr, err)
	}

	srv := &http.Server{Handler: metrics.Handler(metrics.NewRegistry()), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		srv.Close()
	}()

	log.Infof("Serving peer metrics on %s", l.Addr())
	if err := srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// RunPeer runs a peer with an interactive console on in/out and returns the process exit code.
// With auto set, a failed registration ends the run with code 1.
func RunPeer(ctx context.Context, cfg *config.Config, auto bool, in io.Reader, out io.Writer) int {
	c := &console{out: out, lines: readLines(in)}

	sessionOpts := session.Options{
		PollInterval:     cfg.Session.PollInterval.Duration(),
		DialTimeout:      cfg.Session.DialTimeout.Duration(),
		HandshakeTimeout: cfg.Session.HandshakeTimeout.Duration(),
		OnEvent:          c.onEvent,
	}

	c.agent = swarmpeer.New(rest.NewClient(cfg.Peer.Server, rest.DefaultClientTimeout), swarmpeer.Options{
		Username:         cfg.Peer.Username,
		Port:             cfg.Peer.Port,
		AdvertiseIP:      cfg.Peer.AdvertiseIP,
		Heartbeat:        cfg.Peer.Heartbeat.Duration(),
		RegisterAttempts: cfg.Peer.RegisterAttempts,
		RegisterBackoff:  cfg.Peer.RegisterBackoff.Duration(),
		Session:          sessionOpts,
	})

	c.printf("%s\nP2P Chat Client\n%s\n", rule, rule)

	rctx, cancel := context.WithCancel(ctx)
	defer cancel()

	wg, wctx := errgroup.WithContext(rctx)
	wg.Go(func() error {
		return c.agent.Run(wctx)
	})
	if cfg.Peer.MetricsListen != "" {
		wg.Go(func() error {
			return serveMetrics(wctx, cfg.Peer.MetricsListen)
		})
	}

	code := 0
	switch {
	case auto && cfg.Peer.Username != "":
		if err := c.agent.AutoRegister(wctx); err != nil {
			c.printf("Auto-registration failed\nAuto mode failed\n")
			code = 1
			break
		}
		c.printf("TCP server ready on %s\n", c.agent.Endpoint())
		c.interactive(wctx)
	case cfg.Peer.Username != "":
		c.register(wctx)
		c.interactive(wctx)
	default:
		c.interactive(wctx)
	}

	// Run unregisters and closes every session on the way out
	cancel()
	if err := wg.Wait(); err != nil {
		log.Errorf("Peer stopped with error: %v", err)
	}

	return code
}
