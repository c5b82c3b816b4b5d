package timeline

import (
	"context"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/aura-broadcast/backend/internal/catalog"
	"github.com/aura-broadcast/backend/internal/metrics"
	"github.com/aura-broadcast/backend/internal/models"
)

// MaxScheduleLimit caps the number of upcoming slots returned.
const MaxScheduleLimit = 50

// Scheduler binds Resolve to a catalog snapshot, the configured epoch and a clock.
// It keeps no position state; every call recomputes from the clock.
type Scheduler struct {
	catalog catalog.Provider
	epoch   time.Time
	clock   clockwork.Clock
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// Schedule is the ordered eligible sequence with the current airing and what follows.
type Schedule struct {
	Sequence        []models.CatalogEntry `json:"sequence"`
	NowPlayingIndex *int                  `json:"nowPlayingIndex"`
	OffsetSeconds   int64                 `json:"offsetSeconds"`
	CycleDuration   int64                 `json:"cycleDuration"`
	Upcoming        []models.Slot         `json:"upcoming"`
}

// NewScheduler creates a scheduler. m may be nil.
func NewScheduler(provider catalog.Provider, epoch time.Time, clock clockwork.Clock, logger *zap.Logger, m *metrics.Metrics) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{catalog: provider, epoch: epoch, clock: clock, logger: logger, metrics: m}
}

// Epoch returns the configured epoch.
func (s *Scheduler) Epoch() time.Time { return s.epoch }

// Now resolves the on-air position. ok is false when off air; err is set only
// when the catalog snapshot could not be read.
func (s *Scheduler) Now(ctx context.Context) (pos models.Position, ok bool, err error) {
	entries, err := s.catalog.Snapshot(ctx)
	if err != nil {
		return models.Position{}, false, fmt.Errorf("catalog snapshot: %w", err)
	}
	now := s.clock.Now()
	pos, ok = Resolve(now, entries, s.epoch)
	if !ok {
		s.metrics.IncOffAir()
		return pos, false, nil
	}
	if pos.Skewed {
		s.logger.Warn("clock before epoch, elapsed clamped to zero",
			zap.Time("now", now), zap.Time("epoch", s.epoch))
	}
	return pos, true, nil
}

// CanonicalOffset returns the scheduler offset for contentRef when it is the
// asset currently on air. ok is false for anything not on air.
func (s *Scheduler) CanonicalOffset(ctx context.Context, contentRef string) (offset float64, ok bool, err error) {
	pos, onAir, err := s.Now(ctx)
	if err != nil || !onAir {
		return 0, false, err
	}
	if pos.Entry.ID != contentRef {
		return 0, false, nil
	}
	return float64(pos.OffsetSeconds), true, nil
}

// Schedule returns the eligible sequence and the next limit slots.
func (s *Scheduler) Schedule(ctx context.Context, limit int) (*Schedule, error) {
	if limit <= 0 {
		limit = 1
	}
	if limit > MaxScheduleLimit {
		limit = MaxScheduleLimit
	}
	entries, err := s.catalog.Snapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("catalog snapshot: %w", err)
	}
	now := s.clock.Now()
	out := &Schedule{Sequence: Eligible(now, entries)}
	pos, ok := Resolve(now, entries, s.epoch)
	if !ok {
		s.metrics.IncOffAir()
		return out, nil
	}
	idx := pos.Index
	out.NowPlayingIndex = &idx
	out.OffsetSeconds = pos.OffsetSeconds
	out.CycleDuration = pos.CycleDuration
	out.Upcoming = Upcoming(now, entries, s.epoch, limit)
	return out, nil
}
