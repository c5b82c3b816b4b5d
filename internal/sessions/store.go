package sessions

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/aura-broadcast/backend/internal/models"
)

var (
	// ErrSessionNotFound is returned for unknown, closed or reaped sessions.
	// Clients recover by opening a new session.
	ErrSessionNotFound = errors.New("session not found")
	ErrInvalidOffset   = errors.New("invalid offset")
	ErrInvalidRequest  = errors.New("invalid session request")
)

// OffsetUpdate is the outcome of a compare-and-set on a session offset.
type OffsetUpdate struct {
	Offset   float64 // stored offset after the update
	Accepted bool
}

// Store persists viewer sessions. ApplyOffset must be atomic per session and
// must not serialize updates across different sessions.
type Store interface {
	Create(ctx context.Context, s *models.ViewerSession) error
	// Get returns the session whether or not it is still active.
	Get(ctx context.Context, id uuid.UUID) (*models.ViewerSession, error)
	// ApplyOffset runs the anti-rewind floor against the stored offset and
	// writes the result with lastSyncAt = at. Inactive sessions yield ErrSessionNotFound.
	ApplyOffset(ctx context.Context, id uuid.UUID, offset, epsilon float64, at time.Time) (OffsetUpdate, error)
	// Close marks the session ended at at. Closing a closed session is a no-op
	// returning its terminal state.
	Close(ctx context.Context, id uuid.UUID, at time.Time) (*models.ViewerSession, error)
	// ListActive returns active sessions, filtered by contentRef when non-empty.
	ListActive(ctx context.Context, contentRef string) ([]models.ViewerSession, error)
	// ListBySubject returns a subject's sessions, newest first.
	ListBySubject(ctx context.Context, subjectID string, limit int) ([]models.ViewerSession, error)
	// ReapStale closes active sessions whose lastSyncAt is before cutoff.
	ReapStale(ctx context.Context, cutoff, at time.Time) (int, error)
}
