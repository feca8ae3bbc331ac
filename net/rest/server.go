// Package rest exposes the rendezvous registry over HTTP/JSON and provides the matching client.
package rest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"peerlink/registry"

	"github.com/benbjohnson/clock"

	log "github.com/sirupsen/logrus"
)

const (
	maxBodySize     = 64 << 10
	shutdownTimeout = 5 * time.Second
)

type ServerOptions struct {
	Clock   clock.Clock
	Metrics http.Handler // served on /metrics when set
}

type Server struct {
	registry *registry.Registry
	clock    clock.Clock
	mux      *http.ServeMux
}

func NewServer(reg *registry.Registry, opts ServerOptions) *Server {
	s := &Server{
		registry: reg,
		clock:    opts.Clock,
		mux:      http.NewServeMux(),
	}
	if s.clock == nil {
		s.clock = clock.New()
	}

	s.mux.HandleFunc("POST /register", s.handleRegister)
	s.mux.HandleFunc("GET /peers", s.handlePeers)
	s.mux.HandleFunc("GET /peerinfo", s.handlePeerInfo)
	s.mux.HandleFunc("POST /unregister", s.handleUnregister)
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /{$}", s.handleIndex)
	if opts.Metrics != nil {
		s.mux.Handle("GET /metrics", opts.Metrics)
	}

	return s
}

func (s *Server) Handler() http.Handler {
	return s.mux
}

// Serve handles requests on l until ctx is cancelled, then shuts the HTTP server down gracefully.
func (s *Server) Serve(ctx context.Context, l net.Listener) error {
	srv := &http.Server{
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	go func() {
		<-ctx.Done()
		log.Infof("rest.Server: context cancelled, shutting down %s", l.Addr())

		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil {
			log.Warnf("rest.Server: error shutting down %s: %v", l.Addr(), err)
		}
	}()

	log.Infof("rest.Server: serving on %s", l.Addr())
	if err := srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Errorf("rest.Server: serve error on %s: %v", l.Addr(), err)
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warnf("rest.Server: failed to write response: %v", err)
	}
}

func writeError(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, &ErrorResponse{Status: StatusError, Message: message})
}

// fail maps a registry error onto a status code.
func fail(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, registry.ErrInvalidArgument):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, registry.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, registry.ErrStoreUnavailable):
		log.Errorf("rest.Server: %s: %v", op, err)
		writeError(w, http.StatusInternalServerError, "Database connection error")
	default:
		log.Errorf("rest.Server: %s: %v", op, err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
	}
}

// decodeBody reads a JSON object from the request body. An empty body is an error.
func decodeBody(r *http.Request, v any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		return err
	}
	if len(body) == 0 {
		return errors.New("No JSON data provided")
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("Invalid JSON: %v", err)
	}
	return nil
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	req := &RegisterRequest{}
	if err := decodeBody(r, req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := req.validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	rec, err := s.registry.Register(r.Context(), req.Username, req.IP, int(*req.Port))
	if err != nil {
		fail(w, "register", err)
		return
	}

	writeJSON(w, http.StatusCreated, &RegisterResponse{
		Status:  StatusSuccess,
		Message: "Registration successful",
		Peer:    rec,
	})
}

func (s *Server) handlePeers(w http.ResponseWriter, r *http.Request) {
	peers, err := s.registry.ListLive(r.Context(), r.URL.Query().Get("exclude"))
	if err != nil {
		fail(w, "peers", err)
		return
	}

	writeJSON(w, http.StatusOK, &PeersResponse{
		Status: StatusSuccess,
		Count:  len(peers),
		Peers:  peers,
	})
}

func (s *Server) handlePeerInfo(w http.ResponseWriter, r *http.Request) {
	username := r.URL.Query().Get("username")
	if username == "" {
		writeError(w, http.StatusBadRequest, "Username parameter is required")
		return
	}

	rec, err := s.registry.Lookup(r.Context(), username)
	if errors.Is(err, registry.ErrNotFound) {
		writeError(w, http.StatusNotFound, fmt.Sprintf("User '%s' not found", username))
		return
	}
	if err != nil {
		fail(w, "peerinfo", err)
		return
	}

	writeJSON(w, http.StatusOK, &PeerInfoResponse{Status: StatusSuccess, Peer: rec})
}

func (s *Server) handleUnregister(w http.ResponseWriter, r *http.Request) {
	req := &UnregisterRequest{}
	if err := decodeBody(r, req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := req.validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	removed, err := s.registry.Unregister(r.Context(), req.Username)
	if err != nil {
		fail(w, "unregister", err)
		return
	}
	if !removed {
		writeError(w, http.StatusNotFound, fmt.Sprintf("User '%s' not found", req.Username))
		return
	}

	writeJSON(w, http.StatusOK, &UnregisterResponse{
		Status:  StatusSuccess,
		Message: fmt.Sprintf("User '%s' removed", req.Username),
	})
}

// handleHealth always answers 200; an unreachable store only changes the reported state.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	state := StoreConnected
	if !s.registry.Health(r.Context()).StoreReachable {
		state = StoreDisconnected
	}

	writeJSON(w, http.StatusOK, &HealthResponse{
		Status:    StatusHealthy,
		Service:   ServiceName,
		Redis:     state,
		Timestamp: s.clock.Now(),
	})
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, &IndexResponse{
		Service: ServiceName,
		Endpoints: map[string]string{
			"register":   "POST /register",
			"peers":      "GET /peers",
			"peerinfo":   "GET /peerinfo?username=<username>",
			"unregister": "POST /unregister",
			"health":     "GET /health",
		},
	})
}
