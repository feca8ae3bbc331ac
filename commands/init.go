package commands

import (
	"context"
	"errors"
	"fmt"
	"os"

	"peerlink/config"

	log "github.com/sirupsen/logrus"
)

var ErrConfigExists = errors.New("config file already exists")

// RunInit writes cfg, normally the defaults, to its file. An existing file is only replaced
// when force is set.
func RunInit(ctx context.Context, cfg *config.Config, force bool) error {
	log.Info("RunInit()")

	if _, err := os.Stat(cfg.File()); err == nil && !force {
		return fmt.Errorf("%w: %s", ErrConfigExists, cfg.File())
	}

	if err := cfg.Save(); err != nil {
		return fmt.Errorf("failed to write %s: %w", cfg.File(), err)
	}

	log.Infof("Wrote default configuration to %s", cfg.File())
	return nil
}
