package catalog

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aura-broadcast/backend/internal/models"
)

// PostgresProvider reads catalog_entries, which the catalog service owns.
type PostgresProvider struct {
	pool *pgxpool.Pool
}

// NewPostgresProvider creates a read-only catalog provider.
func NewPostgresProvider(pool *pgxpool.Pool) *PostgresProvider {
	return &PostgresProvider{pool: pool}
}

// Snapshot returns every entry that has not expired. Eligibility at a given
// instant is decided by the scheduler, so a cached snapshot stays correct
// for entries whose window opens later.
func (p *PostgresProvider) Snapshot(ctx context.Context) ([]models.CatalogEntry, error) {
	const q = `SELECT id, COALESCE(title, ''), COALESCE(object_key, ''), duration_seconds, COALESCE(available_from, created_at), available_until, created_at
		FROM catalog_entries
		WHERE duration_seconds > 0 AND (available_until IS NULL OR available_until >= NOW())
		ORDER BY created_at, id`
	rows, err := p.pool.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("query catalog: %w", err)
	}
	defer rows.Close()
	var list []models.CatalogEntry
	for rows.Next() {
		var e models.CatalogEntry
		if err := rows.Scan(&e.ID, &e.Title, &e.ObjectKey, &e.DurationSeconds, &e.AvailableFrom, &e.AvailableUntil, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan catalog entry: %w", err)
		}
		list = append(list, e)
	}
	return list, rows.Err()
}
