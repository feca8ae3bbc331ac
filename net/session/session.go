package session

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

type Role int

const (
	RoleInbound Role = iota
	RoleOutbound
)

func (r Role) String() string {
	switch r {
	case RoleInbound:
		return "inbound"
	case RoleOutbound:
		return "outbound"
	}
	return fmt.Sprintf("Role(%d)", int(r))
}

type State int32

const (
	StateActive State = iota
	StateClosed
)

func (s State) String() string {
	if s == StateClosed {
		return "closed"
	}
	return "active"
}

// Session is one established direct connection. It is owned by its receive loop; everything
// else only holds a reference for lookups and writes.
type Session struct {
	ID          uuid.UUID
	Peer        string // Declared username for inbound sessions, ip:port for outbound ones
	Role        Role
	ConnectedAt time.Time
	RemoteAddr  net.Addr

	conn      net.Conn
	state     atomic.Int32
	closeOnce sync.Once
}

func newSession(peer string, role Role, conn net.Conn) *Session {
	return &Session{
		ID:          uuid.New(),
		Peer:        peer,
		Role:        role,
		ConnectedAt: time.Now(),
		RemoteAddr:  conn.RemoteAddr(),
		conn:        conn,
	}
}

func (s *Session) State() State {
	return State(s.state.Load())
}

func (s *Session) String() string {
	return fmt.Sprintf("%s[%s %s %s]", s.Peer, s.Role, s.RemoteAddr, s.ID.String()[:8])
}

func (s *Session) write(data []byte, timeout time.Duration) error {
	if s.State() == StateClosed {
		return net.ErrClosed
	}
	if timeout > 0 {
		s.conn.SetWriteDeadline(time.Now().Add(timeout))
	}
	_, err := s.conn.Write(data)
	return err
}

// close is safe to call from any goroutine, any number of times.
func (s *Session) close() error {
	var err error
	s.closeOnce.Do(func() {
		s.state.Store(int32(StateClosed))
		err = s.conn.Close()
	})
	return err
}

type EventKind int

const (
	EventConnected EventKind = iota
	EventMessage
	EventDisconnected
)

func (k EventKind) String() string {
	switch k {
	case EventConnected:
		return "connected"
	case EventMessage:
		return "message"
	case EventDisconnected:
		return "disconnected"
	}
	return fmt.Sprintf("EventKind(%d)", int(k))
}

// Event is what the manager reports to its consumer. Data is only set for EventMessage and is
// whatever a single read returned: it may hold part of a message, or several.
type Event struct {
	Kind      EventKind
	Peer      string
	SessionID uuid.UUID
	Role      Role
	Data      []byte
	At        time.Time
	Err       error // Reason for EventDisconnected, nil on a clean end of stream
}

// EventHandler is called from the session's receive loop (or the accept path for
// EventConnected), so events of one session arrive in stream order.
type EventHandler func(Event)
