package commands

import (
	"context"
	"fmt"
	"io"
	"time"

	"peerlink/config"
	"peerlink/datamodel/peer"

	log "github.com/sirupsen/logrus"
)

// RunInfo prints every record held by the configured registry store, live or not. Nothing is
// evicted: this is a read-only look at what a listing would see.
func RunInfo(ctx context.Context, cfg *config.Config, out io.Writer) error {
	store, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to open %s store: %w", cfg.Registry.Store, err)
	}
	defer store.Close()

	pairs, err := store.Enumerate(ctx)
	if err != nil {
		return fmt.Errorf("failed to enumerate %s store: %w", cfg.Registry.Store, err)
	}

	now := time.Now()
	window := cfg.Registry.LivenessWindow.Duration()

	fmt.Fprintf(out, "Registry store (%s): %d records known\n", cfg.Registry.Store, len(pairs))
	for _, p := range pairs {
		rec, err := peer.Unmarshal(p.Value)
		if err != nil {
			log.Errorf("Failed to decode record %q: %v", string(p.Key), err)
			fmt.Fprintf(out, "  %s: malformed\n", string(p.Key))
			continue
		}

		state := "live"
		if !rec.IsLive(now, window) {
			state = "stale"
		}
		fmt.Fprintf(out, "  %s, last seen %v ago, %s\n", rec, now.Sub(rec.LastSeen).Truncate(time.Second), state)
	}

	return nil
}
