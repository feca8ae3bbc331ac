// Package peer is the peer side of the system: it registers with the rendezvous registry,
// browses the live peers and drives direct sessions through a session.Manager.
package peer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"peerlink/datamodel/peer"
	"peerlink/helper/timer"
	"peerlink/net/rest"
	"peerlink/net/session"

	"golang.org/x/sync/errgroup"

	log "github.com/sirupsen/logrus"
)

const (
	DefaultRegisterAttempts = 10
	DefaultRegisterBackoff  = 2 * time.Second
)

var (
	ErrNotRegistered      = errors.New("peer: not registered")
	ErrRegistrationFailed = errors.New("peer: auto-registration failed")
)

type Options struct {
	Username    string
	Port        int    // Direct session port, 0 picks a free one
	AdvertiseIP string // Detected from the interfaces when empty

	Heartbeat        time.Duration // Re-registration period, 0 disables it
	RegisterAttempts int
	RegisterBackoff  time.Duration

	Session session.Options
}

type Agent struct {
	client *rest.Client
	opts   Options

	mu         sync.Mutex // protects following fields
	manager    *session.Manager
	registered bool
	ip         string
	port       int
}

func New(client *rest.Client, opts Options) *Agent {
	if opts.RegisterAttempts <= 0 {
		opts.RegisterAttempts = DefaultRegisterAttempts
	}
	if opts.RegisterBackoff <= 0 {
		opts.RegisterBackoff = DefaultRegisterBackoff
	}
	return &Agent{
		client:  client,
		opts:    opts,
		manager: session.NewManager(opts.Session),
	}
}

func (a *Agent) Username() string {
	return a.opts.Username
}

func (a *Agent) Registered() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.registered
}

// Manager returns the session manager currently in use. Unregistering shuts it down and
// swaps in a fresh one that starts listening on the next registration.
func (a *Agent) Manager() *session.Manager {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.manager
}

// Endpoint returns the advertised ip:port, or "" before the first registration.
func (a *Agent) Endpoint() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.ip == "" {
		return ""
	}
	return net.JoinHostPort(a.ip, fmt.Sprint(a.port))
}

// Probe checks that the registry answers its health endpoint.
func (a *Agent) Probe(ctx context.Context) error {
	h, err := a.client.Health(ctx)
	if err != nil {
		return err
	}
	log.Debugf("Agent.Probe: %s is %s, store %s", a.client.BaseURL(), h.Status, h.Redis)
	return nil
}

// listen makes sure the session manager is listening and returns the bound port. Lock is
// assumed to be held.
func (a *Agent) listen() (int, error) {
	if addr := a.manager.Addr(); addr != nil {
		return addr.(*net.TCPAddr).Port, nil
	}

	if err := a.manager.Listen(a.opts.Port); err != nil {
		return 0, err
	}
	return a.manager.Addr().(*net.TCPAddr).Port, nil
}

// Register makes a single registration attempt. The session listener is started first so the
// advertised port is the one actually bound.
func (a *Agent) Register(ctx context.Context) error {
	if a.opts.Username == "" {
		return fmt.Errorf("%w: username is required", ErrNotRegistered)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	port, err := a.listen()
	if err != nil {
		return err
	}
	ip := DetectIP(a.opts.AdvertiseIP)

	log.Infof("Registering %s at %s:%d with %s", a.opts.Username, ip, port, a.client.BaseURL())

	res, err := a.client.Register(ctx, a.opts.Username, ip, port)
	if err != nil {
		log.Errorf("Agent.Register: %v", err)
		return err
	}

	a.registered = true
	a.ip = ip
	a.port = port

	log.Infof("Success: %s", res.Message)
	return nil
}

// AutoRegister probes the registry and registers, retrying up to the configured number of
// attempts with a fixed backoff in between.
func (a *Agent) AutoRegister(ctx context.Context) error {
	log.Infof("Auto-registering as '%s'...", a.opts.Username)

	for attempt := 1; attempt <= a.opts.RegisterAttempts; attempt++ {
		err := a.Probe(ctx)
		if err == nil {
			err = a.Register(ctx)
		}
		if err == nil {
			return nil
		}

		log.Warnf("Attempt %d/%d - waiting for server: %v", attempt, a.opts.RegisterAttempts, err)
		if attempt == a.opts.RegisterAttempts {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(a.opts.RegisterBackoff):
		}
	}

	return ErrRegistrationFailed
}

// ListPeers returns the live peers other than this one.
func (a *Agent) ListPeers(ctx context.Context) ([]*peer.Record, error) {
	peers, err := a.client.Peers(ctx, a.opts.Username)
	if err != nil {
		return nil, err
	}

	others := peers[:0]
	for _, p := range peers {
		if p.Username != a.opts.Username {
			others = append(others, p)
		}
	}
	return others, nil
}

func (a *Agent) PeerInfo(ctx context.Context, username string) (*peer.Record, error) {
	return a.client.PeerInfo(ctx, username)
}

// Connect opens a direct session to p. The session is keyed by p's ip:port.
func (a *Agent) Connect(ctx context.Context, p *peer.Record) (*session.Session, error) {
	if !a.Registered() {
		return nil, ErrNotRegistered
	}
	log.Infof("Connecting to %s at %s...", p.Username, p.Endpoint())
	return a.Manager().Connect(ctx, p.IP, p.Port, a.opts.Username)
}

func (a *Agent) Send(key string, text string) error {
	return a.Manager().Send(key, []byte(text))
}

// Unregister removes this peer from the registry and shuts the session manager down.
func (a *Agent) Unregister(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.registered {
		return ErrNotRegistered
	}

	if err := a.client.Unregister(ctx, a.opts.Username); err != nil {
		log.Errorf("Agent.Unregister: %v", err)
		return err
	}

	a.registered = false
	a.manager.Shutdown()
	a.manager = session.NewManager(a.opts.Session)

	log.Infof("Successfully unregistered %s", a.opts.Username)
	return nil
}

// heartbeat refreshes the registration so the record stays inside the liveness window.
// Failures are logged and retried on the next tick. This is run via the RunWithTicker() helper.
// The lock is held through the refresh so a concurrent Unregister cannot be undone by it.
func (a *Agent) heartbeat(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.registered {
		return nil
	}

	if _, err := a.client.Register(ctx, a.opts.Username, a.ip, a.port); err != nil {
		log.Warnf("Agent.heartbeat: re-registration failed: %v", err)
		return nil
	}
	log.Debugf("Agent.heartbeat: refreshed %s", a.opts.Username)
	return nil
}

// Run keeps the agent alive until ctx is cancelled, then unregisters and closes every session.
func (a *Agent) Run(ctx context.Context) error {
	wg, cctx := errgroup.WithContext(ctx)

	if a.opts.Heartbeat > 0 {
		wg.Go(func() error {
			interval := &timer.Interval{
				Duration: a.opts.Heartbeat,
				Jitter:   a.opts.Heartbeat / 10,
			}
			err := timer.RunWithTicker(cctx, interval, a.heartbeat)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	}

	wg.Go(func() error {
		<-cctx.Done()
		return nil
	})

	err := wg.Wait()

	a.Close()
	return err
}

// Close unregisters if needed and shuts the session manager down.
func (a *Agent) Close() {
	if a.Registered() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.Unregister(ctx); err != nil {
			log.Warnf("Agent.Close: %v", err)
		}
	}
	a.Manager().Shutdown()
}
