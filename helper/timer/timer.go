// Package timer runs periodic jobs on a jittered ticker.
package timer

import (
	"context"
	"errors"
	"math/rand"
	"reflect"
	"runtime"
	"time"

	"github.com/lthibault/jitterbug/v2"

	log "github.com/sirupsen/logrus"
)

var ErrInvalidInterval = errors.New("timer: invalid interval")

type Interval struct {
	Duration time.Duration
	Jitter   time.Duration // Each tick lands within +/- Jitter of Duration
}

func (i *Interval) Validate() error {
	if i.Duration <= 0 {
		return ErrInvalidInterval
	}
	if i.Jitter < 0 || i.Jitter >= i.Duration {
		return ErrInvalidInterval
	}
	return nil
}

type tickerJitter struct {
	MaxJitter time.Duration
}

func (j tickerJitter) Jitter(d time.Duration) time.Duration {
	if j.MaxJitter <= 0 {
		return d
	}
	return d + (time.Duration(rand.Int63n(int64(2*j.MaxJitter))) - j.MaxJitter)
}

// RunWithTicker calls f every interval until ctx is cancelled or f returns an error.
// The first call happens one interval after start.
func RunWithTicker(ctx context.Context, interval *Interval, f func(ctx context.Context) error) error {
	if err := interval.Validate(); err != nil {
		return err
	}

	funcName := runtime.FuncForPC(reflect.ValueOf(f).Pointer()).Name()

	t := jitterbug.New(interval.Duration, tickerJitter{MaxJitter: interval.Jitter})
	defer t.Stop()

	log.Debugf("RunWithTicker: running %s every %v (jitter %v)", funcName, interval.Duration, interval.Jitter)

	for {
		select {
		case <-ctx.Done():
			log.Debugf("RunWithTicker: context cancelled for %s", funcName)
			return ctx.Err()
		case <-t.C:
			if err := f(ctx); err != nil {
				log.Errorf("RunWithTicker: %s returned error: %v", funcName, err)
				return err
			}
		}
	}
}
