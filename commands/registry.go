package commands

import (
	"context"
	"fmt"
	"net"

	"peerlink/config"
	"peerlink/datamodel/keyvalue"
	"peerlink/datastore/leveldb"
	"peerlink/datastore/memory"
	"peerlink/datastore/redis"
	"peerlink/metrics"
	"peerlink/net/rest"
	"peerlink/registry"

	"github.com/benbjohnson/clock"
	"golang.org/x/sync/errgroup"

	log "github.com/sirupsen/logrus"
)

func openStore(ctx context.Context, cfg *config.Config) (keyvalue.Store, error) {
	switch cfg.Registry.Store {
	case config.StoreMemory:
		return memory.New(clock.New()), nil
	case config.StoreLevelDB:
		return leveldb.NewStore(cfg.Registry.LevelDB.Path, clock.New())
	case config.StoreRedis:
		s := redis.New(redis.Options{
			Addr:        cfg.Registry.Redis.Addr,
			DB:          cfg.Registry.Redis.DB,
			DialTimeout: cfg.Registry.Redis.DialTimeout.Duration(),
		})
		// Redis may come up after us; the health endpoint reports it meanwhile
		if err := s.Ping(ctx); err != nil {
			log.Warnf("Redis at %s is not reachable yet: %v", cfg.Registry.Redis.Addr, err)
		} else {
			log.Infof("Connected to Redis at %s", cfg.Registry.Redis.Addr)
		}
		return s, nil
	}
	return nil, fmt.Errorf("%w: unknown store %q", config.ErrInvalidConfig, cfg.Registry.Store)
}

// RunRegistry serves the rendezvous registry until ctx is cancelled.
func RunRegistry(ctx context.Context, cfg *config.Config) error {
	log.Infof("Starting STUN Server...")

	store, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to open %s store: %w", cfg.Registry.Store, err)
	}
	defer store.Close()

	reg := registry.New(store, registry.Options{
		LivenessWindow: cfg.Registry.LivenessWindow.Duration(),
		Retention:      cfg.Registry.Retention.Duration(),
	})

	opts := rest.ServerOptions{}
	if cfg.Registry.MetricsEnabled {
		opts.Metrics = metrics.Handler(metrics.NewRegistry())
	}
	srv := rest.NewServer(reg, opts)

	l, err := net.Listen("tcp", cfg.Registry.Listen)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", cfg.Registry.Listen, err)
	}

	log.Infof("Registry listening on %s, store: %s", l.Addr(), cfg.Registry.Store)

	wg, cctx := errgroup.WithContext(ctx)
	wg.Go(func() error {
		return srv.Serve(cctx, l)
	})

	return wg.Wait()
}
