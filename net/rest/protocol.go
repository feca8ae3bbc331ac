package rest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"peerlink/datamodel/peer"
)

const (
	ServiceName = "P2P STUN Server"

	StatusSuccess = "success"
	StatusError   = "error"
	StatusHealthy = "healthy"

	StoreConnected    = "connected"
	StoreDisconnected = "disconnected"
)

// Port accepts either a JSON number or a numeric string. A fractional number is truncated.
type Port int

func (p *Port) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		n, err := strconv.Atoi(strings.TrimSpace(s))
		if err != nil {
			return fmt.Errorf("port must be an integer, got %q", s)
		}
		*p = Port(n)
		return nil
	}

	f, err := strconv.ParseFloat(string(b), 64)
	if err != nil || math.IsInf(f, 0) || math.Abs(f) > math.MaxInt32 {
		return fmt.Errorf("port must be an integer, got %s", b)
	}
	*p = Port(int(f))
	return nil
}

type RegisterRequest struct {
	Username string `json:"username"`
	IP       string `json:"ip"`
	Port     *Port  `json:"port"`
}

func (r *RegisterRequest) validate() error {
	switch {
	case r.Username == "":
		return errors.New("Field 'username' is required")
	case r.IP == "":
		return errors.New("Field 'ip' is required")
	case r.Port == nil:
		return errors.New("Field 'port' is required")
	}
	return nil
}

type UnregisterRequest struct {
	Username string `json:"username"`
}

func (r *UnregisterRequest) validate() error {
	if r.Username == "" {
		return errors.New("Username parameter is required")
	}
	return nil
}

type ErrorResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

type RegisterResponse struct {
	Status  string       `json:"status"`
	Message string       `json:"message"`
	Peer    *peer.Record `json:"peer"`
}

type PeersResponse struct {
	Status string         `json:"status"`
	Count  int            `json:"count"`
	Peers  []*peer.Record `json:"peers"`
}

type PeerInfoResponse struct {
	Status string       `json:"status"`
	Peer   *peer.Record `json:"peer"`
}

type UnregisterResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

type HealthResponse struct {
	Status    string    `json:"status"`
	Service   string    `json:"service"`
	Redis     string    `json:"redis"`
	Timestamp time.Time `json:"timestamp"`
}

type IndexResponse struct {
	Service   string            `json:"service"`
	Endpoints map[string]string `json:"endpoints"`
}
