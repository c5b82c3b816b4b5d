package sessions

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

// Reaper periodically closes sessions that stopped reporting.
type Reaper struct {
	manager  *Manager
	clock    clockwork.Clock
	interval time.Duration
	logger   *zap.Logger
}

// NewReaper creates a reaper. interval <= 0 runs a pass every quarter of the
// stale timeout, and at least once per second.
func NewReaper(manager *Manager, clock clockwork.Clock, interval time.Duration, logger *zap.Logger) *Reaper {
	if interval <= 0 {
		interval = manager.StaleTimeout() / 4
		if interval < time.Second {
			interval = time.Second
		}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reaper{manager: manager, clock: clock, interval: interval, logger: logger}
}

// Run reaps on every tick until ctx is done.
func (r *Reaper) Run(ctx context.Context) {
	ticker := r.clock.NewTicker(r.interval)
	defer ticker.Stop()
	r.logger.Info("session reaper started", zap.Duration("interval", r.interval))
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("session reaper stopping")
			return
		case <-ticker.Chan():
			if _, err := r.manager.ReapStale(ctx); err != nil {
				r.logger.Error("reap stale sessions", zap.Error(err))
			}
		}
	}
}
