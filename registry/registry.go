// Package registry implements the rendezvous registry: a presence directory peers register into
// and query. Liveness is evaluated lazily, on read. There is no background sweep: a stale record
// stays in the store until a listing observes it.
package registry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"peerlink/datamodel/keyvalue"
	"peerlink/datamodel/peer"
	"peerlink/metrics"

	"github.com/benbjohnson/clock"
	"golang.org/x/sync/singleflight"

	log "github.com/sirupsen/logrus"
)

const DefaultRetention = time.Hour

// HealthTimeout bounds a single store ping.
const HealthTimeout = 3 * time.Second

type Options struct {
	Clock          clock.Clock
	LivenessWindow time.Duration // peer.LivenessWindow when zero
	Retention      time.Duration // DefaultRetention when zero
}

type Health struct {
	StoreReachable bool
}

type Registry struct {
	store     keyvalue.Store
	clock     clock.Clock
	window    time.Duration
	retention time.Duration

	// Coalesces concurrent health probes into one ping
	sg singleflight.Group
}

func New(store keyvalue.Store, opts Options) *Registry {
	r := &Registry{
		store:     store,
		clock:     opts.Clock,
		window:    opts.LivenessWindow,
		retention: opts.Retention,
	}
	if r.clock == nil {
		r.clock = clock.New()
	}
	if r.window <= 0 {
		r.window = peer.LivenessWindow
	}
	if r.retention <= 0 {
		r.retention = DefaultRetention
	}
	return r
}

func unavailable(err error) error {
	return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
}

func validate(username, ip string, port int) error {
	switch {
	case username == "":
		return fmt.Errorf("%w: field 'username' is required", ErrInvalidArgument)
	case ip == "":
		return fmt.Errorf("%w: field 'ip' is required", ErrInvalidArgument)
	case port < 1 || port > 65535:
		return fmt.Errorf("%w: field 'port' must be between 1 and 65535, got %d", ErrInvalidArgument, port)
	}
	return nil
}

// Register stores a fresh record for username, replacing any previous one, and extends the
// retention of the whole store.
func (r *Registry) Register(ctx context.Context, username, ip string, port int) (*peer.Record, error) {
	if err := validate(username, ip, port); err != nil {
		return nil, err
	}

	rec := &peer.Record{
		Username: username,
		IP:       ip,
		Port:     port,
		LastSeen: r.clock.Now(),
		Status:   peer.StatusOnline,
	}

	raw, err := peer.Marshal(rec)
	if err != nil {
		return nil, err
	}

	if err := r.store.Put(ctx, keyvalue.Key(username), raw); err != nil {
		log.Errorf("Registry.Register(%s): %v", username, err)
		return nil, unavailable(err)
	}

	if err := r.store.Retain(ctx, r.retention); err != nil {
		log.Errorf("Registry.Register(%s): failed to extend retention: %v", username, err)
		return nil, unavailable(err)
	}

	metrics.Registrations.Inc()
	log.Infof("User '%s' registered: %s", username, rec.Endpoint())

	return rec, nil
}

// ListLive returns every live record except the one named excluding (if any). Stale records are
// deleted as they are found. Records that fail to decode are logged and skipped.
func (r *Registry) ListLive(ctx context.Context, excluding string) ([]*peer.Record, error) {
	pairs, err := r.store.Enumerate(ctx)
	if err != nil {
		log.Errorf("Registry.ListLive: %v", err)
		return nil, unavailable(err)
	}

	now := r.clock.Now()
	live := 0
	results := make([]*peer.Record, 0, len(pairs))

	for _, p := range pairs {
		rec, err := peer.Unmarshal(p.Value)
		if err != nil {
			metrics.MalformedRecords.Inc()
			log.Errorf("Registry.ListLive: skipping record %q: %v", string(p.Key), err)
			continue
		}

		if !rec.IsLive(now, r.window) {
			r.evict(ctx, p.Key)
			continue
		}

		live++
		if rec.Username == excluding {
			continue
		}
		results = append(results, rec)
	}

	metrics.LivePeers.Set(float64(live))

	return results, nil
}

// evict deletes a stale record. Another listing may have deleted it already, which is fine.
func (r *Registry) evict(ctx context.Context, key keyvalue.Key) {
	existed, err := r.store.Delete(ctx, key)
	if err != nil {
		log.Warnf("Registry.ListLive: failed to remove stale user %s: %v", string(key), err)
		return
	}
	if existed {
		metrics.Evictions.Inc()
		log.Infof("Removed old user: %s", string(key))
	}
}

// Lookup returns whatever is stored for username. Unlike ListLive it applies no liveness
// filter, so a stale record that no listing has purged yet is still returned.
func (r *Registry) Lookup(ctx context.Context, username string) (*peer.Record, error) {
	if username == "" {
		return nil, fmt.Errorf("%w: username parameter is required", ErrInvalidArgument)
	}

	raw, err := r.store.Get(ctx, keyvalue.Key(username))
	if errors.Is(err, keyvalue.ErrNotFound) {
		return nil, fmt.Errorf("%w: user '%s'", ErrNotFound, username)
	}
	if err != nil {
		log.Errorf("Registry.Lookup(%s): %v", username, err)
		return nil, unavailable(err)
	}

	rec, err := peer.Unmarshal(raw)
	if err != nil {
		metrics.MalformedRecords.Inc()
		log.Errorf("Registry.Lookup(%s): %v", username, err)
		return nil, err
	}
	return rec, nil
}

// Unregister deletes the record for username. It reports false if there was none.
func (r *Registry) Unregister(ctx context.Context, username string) (bool, error) {
	if username == "" {
		return false, fmt.Errorf("%w: username parameter is required", ErrInvalidArgument)
	}

	existed, err := r.store.Delete(ctx, keyvalue.Key(username))
	if err != nil {
		log.Errorf("Registry.Unregister(%s): %v", username, err)
		return false, unavailable(err)
	}

	if existed {
		metrics.Unregistrations.Inc()
		log.Infof("User removed: %s", username)
	}
	return existed, nil
}

// Health pings the store. It never fails: an unreachable store is reported in the result.
// Concurrent callers share one ping, which is not tied to any single caller's cancellation.
func (r *Registry) Health(ctx context.Context) Health {
	_, err, _ := r.sg.Do("ping", func() (interface{}, error) {
		pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), HealthTimeout)
		defer cancel()
		return nil, r.store.Ping(pctx)
	})
	if err != nil {
		log.Warnf("Registry.Health: store unreachable: %v", err)
		return Health{StoreReachable: false}
	}
	return Health{StoreReachable: true}
}
