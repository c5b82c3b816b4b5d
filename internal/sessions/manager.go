package sessions

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/aura-broadcast/backend/internal/drift"
	"github.com/aura-broadcast/backend/internal/metrics"
	"github.com/aura-broadcast/backend/internal/models"
)

// Defaults for Options.
const (
	DefaultStaleTimeout = 60 * time.Second
	DefaultWriteTimeout = 2 * time.Second
	DefaultHistoryLimit = 50
)

// CanonicalSource yields the scheduler offset for a content ref when it is on air.
type CanonicalSource interface {
	CanonicalOffset(ctx context.Context, contentRef string) (float64, bool, error)
}

// Options tunes a Manager. Zero values take the defaults.
type Options struct {
	Epsilon      float64
	StaleTimeout time.Duration
	WriteTimeout time.Duration
}

// ReportResult is the outcome of ReportOffset. CorrectedOffset is set when
// the report was rejected as a rewind; it holds the last accepted offset.
type ReportResult struct {
	Accepted        bool     `json:"accepted"`
	CorrectedOffset *float64 `json:"correctedOffset,omitempty"`
	Offset          float64  `json:"-"`
}

// Manager owns the viewer session lifecycle.
type Manager struct {
	store   Store
	canon   CanonicalSource
	clock   clockwork.Clock
	opts    Options
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// NewManager creates a session manager. canon, logger and m may be nil.
func NewManager(store Store, canon CanonicalSource, clock clockwork.Clock, opts Options, logger *zap.Logger, m *metrics.Metrics) *Manager {
	if opts.Epsilon <= 0 {
		opts.Epsilon = drift.DefaultEpsilon
	}
	if opts.StaleTimeout <= 0 {
		opts.StaleTimeout = DefaultStaleTimeout
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = DefaultWriteTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{store: store, canon: canon, clock: clock, opts: opts, logger: logger, metrics: m}
}

// StaleTimeout returns the configured staleness timeout.
func (m *Manager) StaleTimeout() time.Duration { return m.opts.StaleTimeout }

// Open starts a session seeded at the canonical offset of contentRef, or 0
// when contentRef is not on the timeline right now.
func (m *Manager) Open(ctx context.Context, subjectID, contentRef string, deviceInfo map[string]any) (*models.ViewerSession, error) {
	if subjectID == "" || contentRef == "" {
		return nil, fmt.Errorf("%w: subjectId and contentRef are required", ErrInvalidRequest)
	}
	var seed float64
	if m.canon != nil {
		off, ok, err := m.canon.CanonicalOffset(ctx, contentRef)
		switch {
		case err != nil:
			m.logger.Warn("canonical offset unavailable, seeding session at 0",
				zap.String("content_ref", contentRef), zap.Error(err))
		case ok:
			seed = off
		}
	}
	now := m.clock.Now()
	s := &models.ViewerSession{
		ID:                   uuid.New(),
		SubjectID:            subjectID,
		ContentRef:           contentRef,
		CurrentOffsetSeconds: seed,
		IsActive:             true,
		StartedAt:            now,
		LastSyncAt:           now,
		DeviceInfo:           deviceInfo,
	}
	if err := m.store.Create(ctx, s); err != nil {
		return nil, err
	}
	m.logger.Debug("session opened",
		zap.String("session_id", s.ID.String()),
		zap.String("content_ref", contentRef),
		zap.Float64("offset", seed))
	return s, nil
}

// Get returns a session, active or not.
func (m *Manager) Get(ctx context.Context, id uuid.UUID) (*models.ViewerSession, error) {
	return m.store.Get(ctx, id)
}

// ReportOffset folds a viewer-reported offset into the session under the
// anti-rewind floor. A rewind is a result value, not an error.
func (m *Manager) ReportOffset(ctx context.Context, id uuid.UUID, offset float64) (ReportResult, error) {
	if math.IsNaN(offset) || math.IsInf(offset, 0) || offset < 0 {
		return ReportResult{}, ErrInvalidOffset
	}
	ctx, cancel := context.WithTimeout(ctx, m.opts.WriteTimeout)
	defer cancel()

	upd, err := m.store.ApplyOffset(ctx, id, offset, m.opts.Epsilon, m.clock.Now())
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			m.metrics.IncReport(metrics.ReportNotFound)
		}
		return ReportResult{}, err
	}
	if !upd.Accepted {
		m.metrics.IncReport(metrics.ReportRejected)
		corrected := upd.Offset
		m.logger.Debug("rewind rejected",
			zap.String("session_id", id.String()),
			zap.Float64("reported", offset),
			zap.Float64("floor", corrected))
		return ReportResult{CorrectedOffset: &corrected, Offset: corrected}, nil
	}
	m.metrics.IncReport(metrics.ReportAccepted)
	return ReportResult{Accepted: true, Offset: upd.Offset}, nil
}

// Close ends a session. Closing twice returns the same terminal state.
func (m *Manager) Close(ctx context.Context, id uuid.UUID) (*models.ViewerSession, error) {
	return m.store.Close(ctx, id, m.clock.Now())
}

// ListActive returns active sessions, optionally for one contentRef.
func (m *Manager) ListActive(ctx context.Context, contentRef string) ([]models.ViewerSession, error) {
	return m.store.ListActive(ctx, contentRef)
}

// History returns the subject's sessions, newest first.
func (m *Manager) History(ctx context.Context, subjectID string, limit int) ([]models.ViewerSession, error) {
	if limit <= 0 || limit > DefaultHistoryLimit {
		limit = DefaultHistoryLimit
	}
	return m.store.ListBySubject(ctx, subjectID, limit)
}

// ReapStale closes every active session that has not reported within the
// staleness timeout. Reaped sessions answer ErrSessionNotFound afterwards.
func (m *Manager) ReapStale(ctx context.Context) (int, error) {
	now := m.clock.Now()
	n, err := m.store.ReapStale(ctx, now.Add(-m.opts.StaleTimeout), now)
	if err != nil {
		return 0, err
	}
	m.metrics.AddReaped(n)
	if n > 0 {
		m.logger.Info("reaped stale sessions", zap.Int("count", n))
	}
	return n, nil
}

// RefreshGauges updates the active-sessions gauge; used on /metrics scrapes.
func (m *Manager) RefreshGauges(ctx context.Context) {
	list, err := m.store.ListActive(ctx, "")
	if err != nil {
		m.logger.Warn("count active sessions", zap.Error(err))
		return
	}
	m.metrics.SetActiveSessions(len(list))
}
