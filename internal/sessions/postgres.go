package sessions

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aura-broadcast/backend/internal/models"
)

const sessionColumns = `id, subject_id, content_ref, current_offset_seconds, is_active, started_at, last_sync_at, ended_at, device_info`

// PostgresStore persists sessions in viewer_sessions. The offset floor is
// enforced by a conditional UPDATE, which PostgreSQL re-evaluates under the
// row lock, so concurrent reports on one session cannot interleave.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a store on pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (r *PostgresStore) Create(ctx context.Context, s *models.ViewerSession) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO viewer_sessions (`+sessionColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		s.ID, s.SubjectID, s.ContentRef, s.CurrentOffsetSeconds, s.IsActive, s.StartedAt, s.LastSyncAt, s.EndedAt, s.DeviceInfo)
	if err != nil {
		return fmt.Errorf("insert viewer session: %w", err)
	}
	return nil
}

func (r *PostgresStore) Get(ctx context.Context, id uuid.UUID) (*models.ViewerSession, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+sessionColumns+` FROM viewer_sessions WHERE id = $1`, id)
	s, err := scanSession(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get viewer session: %w", err)
	}
	return s, nil
}

func (r *PostgresStore) ApplyOffset(ctx context.Context, id uuid.UUID, offset, epsilon float64, at time.Time) (OffsetUpdate, error) {
	var stored float64
	err := r.pool.QueryRow(ctx,
		`UPDATE viewer_sessions
		 SET current_offset_seconds = GREATEST(current_offset_seconds, $2), last_sync_at = $4
		 WHERE id = $1 AND is_active AND $2 >= current_offset_seconds - $3
		 RETURNING current_offset_seconds`,
		id, offset, epsilon, at).Scan(&stored)
	if err == nil {
		return OffsetUpdate{Offset: stored, Accepted: true}, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return OffsetUpdate{}, fmt.Errorf("update viewer session offset: %w", err)
	}

	// No row updated: either rejected by the floor or not an active session.
	var active bool
	err = r.pool.QueryRow(ctx,
		`SELECT current_offset_seconds, is_active FROM viewer_sessions WHERE id = $1`, id).Scan(&stored, &active)
	if errors.Is(err, pgx.ErrNoRows) || (err == nil && !active) {
		return OffsetUpdate{}, ErrSessionNotFound
	}
	if err != nil {
		return OffsetUpdate{}, fmt.Errorf("read viewer session offset: %w", err)
	}
	return OffsetUpdate{Offset: stored}, nil
}

func (r *PostgresStore) Close(ctx context.Context, id uuid.UUID, at time.Time) (*models.ViewerSession, error) {
	row := r.pool.QueryRow(ctx,
		`UPDATE viewer_sessions
		 SET is_active = FALSE, ended_at = COALESCE(ended_at, $2)
		 WHERE id = $1
		 RETURNING `+sessionColumns,
		id, at)
	s, err := scanSession(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("close viewer session: %w", err)
	}
	return s, nil
}

func (r *PostgresStore) ListActive(ctx context.Context, contentRef string) ([]models.ViewerSession, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+sessionColumns+` FROM viewer_sessions
		 WHERE is_active AND ($1 = '' OR content_ref = $1)
		 ORDER BY started_at`,
		contentRef)
	if err != nil {
		return nil, fmt.Errorf("list active sessions: %w", err)
	}
	return collectSessions(rows)
}

func (r *PostgresStore) ListBySubject(ctx context.Context, subjectID string, limit int) ([]models.ViewerSession, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.pool.Query(ctx,
		`SELECT `+sessionColumns+` FROM viewer_sessions
		 WHERE subject_id = $1 ORDER BY started_at DESC LIMIT $2`,
		subjectID, limit)
	if err != nil {
		return nil, fmt.Errorf("list subject sessions: %w", err)
	}
	return collectSessions(rows)
}

func (r *PostgresStore) ReapStale(ctx context.Context, cutoff, at time.Time) (int, error) {
	tag, err := r.pool.Exec(ctx,
		`UPDATE viewer_sessions SET is_active = FALSE, ended_at = $2
		 WHERE is_active AND last_sync_at < $1`,
		cutoff, at)
	if err != nil {
		return 0, fmt.Errorf("reap stale sessions: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func scanSession(row pgx.Row) (*models.ViewerSession, error) {
	var s models.ViewerSession
	err := row.Scan(&s.ID, &s.SubjectID, &s.ContentRef, &s.CurrentOffsetSeconds, &s.IsActive,
		&s.StartedAt, &s.LastSyncAt, &s.EndedAt, &s.DeviceInfo)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func collectSessions(rows pgx.Rows) ([]models.ViewerSession, error) {
	defer rows.Close()
	var list []models.ViewerSession
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, *s)
	}
	return list, rows.Err()
}
