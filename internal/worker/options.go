package worker

import (
	"context"
	"time"

	"github.com/ignite/newsletter-dispatch/internal/config"
)

// Options are the dispatch settings threaded into each dispatcher.
type Options struct {
	SleepBetweenSending time.Duration
	RestartConnection   bool
	HardLimit           int
	IdleInterval        time.Duration
	RefreshInterval     time.Duration
	StatusCheckEvery    int
	Test                bool
}

// NewOptions maps the dispatch config section onto Options.
func NewOptions(cfg config.DispatchConfig) Options {
	return Options{
		SleepBetweenSending: cfg.Sleep(),
		RestartConnection:   cfg.RestartConnectionBetweenSending,
		HardLimit:           cfg.HardLimit,
		IdleInterval:        cfg.IdleInterval(),
		RefreshInterval:     cfg.RefreshInterval(),
		StatusCheckEvery:    cfg.StatusCheckEvery,
		Test:                cfg.TestMode,
	}
}

func (o Options) withDefaults() Options {
	if o.HardLimit <= 0 {
		o.HardLimit = 10000
	}
	if o.IdleInterval <= 0 {
		o.IdleInterval = 10 * time.Minute
	}
	if o.RefreshInterval <= 0 {
		o.RefreshInterval = time.Minute
	}
	if o.StatusCheckEvery <= 0 {
		o.StatusCheckEvery = 50
	}
	return o
}

// sleepCtx waits for d or until ctx is done, whichever comes first.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
