package catalog

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/aura-broadcast/backend/internal/models"
)

// DefaultTTL is how long a snapshot is served before the provider is asked again.
const DefaultTTL = 5 * time.Second

type snapshot struct {
	entries   []models.CatalogEntry
	fetchedAt time.Time
}

// Cache is a short-TTL snapshot cache in front of a Provider. Readers load an
// immutable snapshot pointer; a refresh builds a new snapshot and swaps it in.
type Cache struct {
	provider Provider
	ttl      time.Duration
	clock    clockwork.Clock
	logger   *zap.Logger
	current  atomic.Pointer[snapshot]
	refresh  singleflight.Group
}

// NewCache wraps provider. ttl <= 0 uses DefaultTTL.
func NewCache(provider Provider, ttl time.Duration, clock clockwork.Clock, logger *zap.Logger) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{provider: provider, ttl: ttl, clock: clock, logger: logger}
}

// Snapshot implements Provider. The returned slice is shared and must not be modified.
// When a refresh fails and an older snapshot exists, the older one is served.
func (c *Cache) Snapshot(ctx context.Context) ([]models.CatalogEntry, error) {
	if s := c.current.Load(); s != nil && c.clock.Since(s.fetchedAt) < c.ttl {
		return s.entries, nil
	}
	v, err, _ := c.refresh.Do("catalog", func() (any, error) {
		// Another caller may have refreshed while we waited.
		if s := c.current.Load(); s != nil && c.clock.Since(s.fetchedAt) < c.ttl {
			return s, nil
		}
		entries, err := c.provider.Snapshot(ctx)
		if err != nil {
			return nil, err
		}
		s := &snapshot{entries: entries, fetchedAt: c.clock.Now()}
		c.current.Store(s)
		return s, nil
	})
	if err != nil {
		if s := c.current.Load(); s != nil {
			c.logger.Warn("catalog refresh failed, serving stale snapshot", zap.Error(err), zap.Time("fetched_at", s.fetchedAt))
			return s.entries, nil
		}
		return nil, err
	}
	return v.(*snapshot).entries, nil
}

// Invalidate drops the current snapshot so the next read refreshes.
func (c *Cache) Invalidate() {
	c.current.Store(nil)
}
