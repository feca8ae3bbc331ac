// Package session manages direct peer-to-peer TCP sessions: a listening endpoint with its
// accept loop, outbound dials, and one receive loop per session. All blocking waits are
// bounded so the loops notice a shutdown within roughly one poll interval.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"syscall"
	"time"

	"peerlink/metrics"

	log "github.com/sirupsen/logrus"
)

const (
	DefaultPollInterval     = time.Second
	DefaultDialTimeout      = 10 * time.Second
	DefaultHandshakeTimeout = 5 * time.Second
	DefaultWriteTimeout     = 10 * time.Second

	readBufferSize = 4096
)

var (
	ErrNoSession        = errors.New("session: no such session")
	ErrShutdown         = errors.New("session: manager is shut down")
	ErrAlreadyListening = errors.New("session: already listening")
)

type Options struct {
	PollInterval     time.Duration
	DialTimeout      time.Duration
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	OnEvent          EventHandler
}

type Manager struct {
	opts  Options
	table *Table

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex // protects following fields
	listener *net.TCPListener
	live     map[*Session]struct{}     // every open session, including ones displaced from the table
	pending  map[*net.TCPConn]struct{} // accepted connections still waiting for their handshake

	wg sync.WaitGroup
}

func NewManager(opts Options) *Manager {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = DefaultDialTimeout
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = DefaultWriteTimeout
	}
	if opts.OnEvent == nil {
		opts.OnEvent = func(Event) {}
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		opts:    opts,
		table:   NewTable(),
		ctx:     ctx,
		cancel:  cancel,
		live:    make(map[*Session]struct{}),
		pending: make(map[*net.TCPConn]struct{}),
	}
}

func (m *Manager) Table() *Table {
	return m.table
}

// Listen binds port on all interfaces and starts the accept loop. Port 0 picks a free port.
// A bind failure is returned here and nothing is started.
func (m *Manager) Listen(port int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.ctx.Err() != nil {
		return ErrShutdown
	}
	if m.listener != nil {
		return ErrAlreadyListening
	}

	l, err := net.ListenTCP("tcp", &net.TCPAddr{IP: net.IPv4zero, Port: port})
	if err != nil {
		return fmt.Errorf("session: failed to listen on port %d: %w", port, err)
	}
	m.listener = l

	log.Infof("session.Manager: listening on %s", l.Addr())

	m.wg.Add(1)
	go m.acceptLoop(l)

	return nil
}

// Addr returns the bound listening address, or nil before Listen.
func (m *Manager) Addr() net.Addr {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.listener == nil {
		return nil
	}
	return m.listener.Addr()
}

func (m *Manager) acceptLoop(l *net.TCPListener) {
	defer m.wg.Done()

	var tempDelay time.Duration // how long to sleep on accept failure
	for {
		if m.ctx.Err() != nil {
			log.Infof("session.Manager: accept loop on %s stopping", l.Addr())
			return
		}

		l.SetDeadline(time.Now().Add(m.opts.PollInterval))
		conn, err := l.AcceptTCP()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				// Bounded wait elapsed, go round and check the stop signal
				continue
			}
			if m.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				log.Infof("session.Manager: accept loop on %s stopping: %v", l.Addr(), err)
				return
			}

			if tempDelay == 0 {
				tempDelay = 5 * time.Millisecond
			} else {
				tempDelay *= 2
			}
			if max := m.opts.PollInterval; tempDelay > max {
				tempDelay = max
			}
			log.Warnf("session.Manager: accept error on %s: %v; retrying in %v", l.Addr(), err, tempDelay)
			time.Sleep(tempDelay)
			continue
		}

		tempDelay = 0
		log.Debugf("session.Manager: accepted connection from %s", conn.RemoteAddr())

		m.wg.Add(1)
		go m.handleInbound(conn)
	}
}

// handleInbound reads the handshake of a freshly accepted connection. Anything that is not a
// valid handshake within the handshake timeout is closed and never reaches the table.
func (m *Manager) handleInbound(conn *net.TCPConn) {
	defer m.wg.Done()

	m.mu.Lock()
	if m.ctx.Err() != nil {
		m.mu.Unlock()
		conn.Close()
		return
	}
	m.pending[conn] = struct{}{}
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		delete(m.pending, conn)
		m.mu.Unlock()
	}()

	buf := make([]byte, maxHandshake)
	conn.SetReadDeadline(time.Now().Add(m.opts.HandshakeTimeout))
	n, err := conn.Read(buf)
	if err != nil && n == 0 {
		log.Warnf("session.Manager: no handshake from %s: %v", conn.RemoteAddr(), err)
		conn.Close()
		return
	}

	username, rest, err := ParseHandshake(buf[:n])
	if err != nil {
		log.Warnf("session.Manager: rejecting %s: %v", conn.RemoteAddr(), err)
		conn.Close()
		return
	}
	conn.SetReadDeadline(time.Time{})

	s := newSession(username, RoleInbound, conn)
	if !m.start(s, rest) {
		return
	}
	log.Infof("Connected to %s from %s", username, conn.RemoteAddr())
}

// Connect dials ip:port, identifies as self and starts a session keyed by "ip:port".
func (m *Manager) Connect(ctx context.Context, ip string, port int, self string) (*Session, error) {
	if m.ctx.Err() != nil {
		return nil, ErrShutdown
	}

	addr := net.JoinHostPort(ip, strconv.Itoa(port))
	dialer := &net.Dialer{
		Timeout:   m.opts.DialTimeout,
		KeepAlive: 15 * time.Second,
	}

	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		log.Errorf("session.Manager: connection to %s failed: %v", addr, err)
		return nil, fmt.Errorf("session: connect %s: %w", addr, err)
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		tc.SetKeepAlive(true)
	}

	conn.SetWriteDeadline(time.Now().Add(m.opts.WriteTimeout))
	if _, err := conn.Write(Handshake(self)); err != nil {
		conn.Close()
		log.Errorf("session.Manager: handshake to %s failed: %v", addr, err)
		return nil, fmt.Errorf("session: handshake %s: %w", addr, err)
	}
	conn.SetWriteDeadline(time.Time{})

	s := newSession(addr, RoleOutbound, conn)
	if !m.start(s, nil) {
		return nil, ErrShutdown
	}
	log.Infof("Connected to %s", addr)

	return s, nil
}

// start publishes a new session and launches its receive loop. It reports false, having closed
// the connection, if the manager was shut down in the meantime.
func (m *Manager) start(s *Session, initial []byte) bool {
	m.mu.Lock()
	if m.ctx.Err() != nil {
		m.mu.Unlock()
		s.close()
		return false
	}
	m.live[s] = struct{}{}
	prev := m.table.Put(s.Peer, s)
	m.wg.Add(1)
	m.mu.Unlock()

	if prev != nil {
		// Last connection wins; the old loop notices the closed conn and cleans up after itself
		log.Infof("session.Manager: %s replaces %s", s, prev)
		prev.close()
	}

	metrics.ActiveSessions.WithLabelValues(s.Role.String()).Inc()
	m.emit(Event{Kind: EventConnected, Peer: s.Peer, SessionID: s.ID, Role: s.Role, At: s.ConnectedAt})

	go m.receive(s, initial)
	return true
}

func (m *Manager) emit(ev Event) {
	m.opts.OnEvent(ev)
}

func (m *Manager) deliver(s *Session, data []byte) {
	metrics.BytesReceived.Add(float64(len(data)))
	m.emit(Event{
		Kind:      EventMessage,
		Peer:      s.Peer,
		SessionID: s.ID,
		Role:      s.Role,
		Data:      append([]byte(nil), data...),
		At:        time.Now(),
	})
}

// receive is the receive loop of one session and the only place a session is torn down.
func (m *Manager) receive(s *Session, initial []byte) {
	defer m.wg.Done()

	var reason error
	defer func() {
		m.teardown(s, reason)
	}()

	if len(initial) > 0 {
		m.deliver(s, initial)
	}

	buf := make([]byte, readBufferSize)
	for {
		if m.ctx.Err() != nil {
			log.Debugf("session.Manager: %s stopping on shutdown", s)
			return
		}

		s.conn.SetReadDeadline(time.Now().Add(m.opts.PollInterval))
		n, err := s.conn.Read(buf)
		if n > 0 {
			m.deliver(s, buf[:n])
		}
		if err == nil {
			continue
		}

		var ne net.Error
		switch {
		case errors.As(err, &ne) && ne.Timeout():
			continue
		case errors.Is(err, io.EOF):
			log.Infof("%s closed connection", s.Peer)
		case errors.Is(err, syscall.ECONNRESET), errors.Is(err, syscall.EPIPE):
			log.Infof("%s reset connection", s.Peer)
			reason = err
		case errors.Is(err, net.ErrClosed):
			// Closed locally: shutdown
			log.Debugf("session.Manager: %s closed locally", s)
		default:
			log.Errorf("Error receiving from %s: %v", s.Peer, err)
			reason = err
		}
		return
	}
}

func (m *Manager) teardown(s *Session, reason error) {
	s.close()
	m.table.RemoveIf(s.Peer, s)

	m.mu.Lock()
	delete(m.live, s)
	m.mu.Unlock()

	metrics.ActiveSessions.WithLabelValues(s.Role.String()).Dec()
	log.Infof("%s disconnected", s.Peer)

	m.emit(Event{Kind: EventDisconnected, Peer: s.Peer, SessionID: s.ID, Role: s.Role, At: time.Now(), Err: reason})
}

// Send writes data to the session stored under key. Failures are reported, not retried.
func (m *Manager) Send(key string, data []byte) error {
	s, ok := m.table.Get(key)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoSession, key)
	}
	if err := s.write(data, m.opts.WriteTimeout); err != nil {
		log.Errorf("Send failed: %v", err)
		return fmt.Errorf("session: send to %s: %w", key, err)
	}
	return nil
}

// Shutdown stops the accept loop, closes the listener and every session and clears the table.
// It does not wait for the loops to finish their own cleanup; see Wait.
func (m *Manager) Shutdown() {
	m.cancel()

	m.mu.Lock()
	if m.listener != nil {
		if err := m.listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			log.Warnf("session.Manager: error closing listener: %v", err)
		}
	}
	live := make([]*Session, 0, len(m.live))
	for s := range m.live {
		live = append(live, s)
	}
	for conn := range m.pending {
		// Unblocks the handshake read
		conn.Close()
	}
	m.mu.Unlock()

	for _, s := range live {
		s.close()
	}
	m.table.Clear()

	log.Infof("session.Manager: shut down, closed %d sessions", len(live))
}

// Wait blocks until the accept loop and every receive loop have returned.
func (m *Manager) Wait() {
	m.wg.Wait()
}
