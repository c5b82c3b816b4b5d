package catalog

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/aura-broadcast/backend/internal/models"
)

// ErrInvalidEntry is returned when a catalog entry fails validation on load.
var ErrInvalidEntry = errors.New("invalid catalog entry")

// Provider supplies a read-only snapshot of the catalog.
// Implementations must return a slice the caller may keep; it is never mutated afterwards.
type Provider interface {
	Snapshot(ctx context.Context) ([]models.CatalogEntry, error)
}

// StaticProvider serves a fixed set of entries (YAML file or tests).
type StaticProvider struct {
	entries []models.CatalogEntry
}

// NewStaticProvider copies entries into a provider.
func NewStaticProvider(entries []models.CatalogEntry) *StaticProvider {
	cp := make([]models.CatalogEntry, len(entries))
	copy(cp, entries)
	return &StaticProvider{entries: cp}
}

// Snapshot implements Provider.
func (p *StaticProvider) Snapshot(_ context.Context) ([]models.CatalogEntry, error) {
	cp := make([]models.CatalogEntry, len(p.entries))
	copy(cp, p.entries)
	return cp, nil
}

type catalogFile struct {
	Entries []models.CatalogEntry `yaml:"entries"`
}

// LoadFile reads a YAML catalog:
//
//	entries:
//	  - id: intro
//	    title: Intro
//	    duration_seconds: 120
//	    available_from: 2024-01-01T00:00:00Z
func LoadFile(path string) (*StaticProvider, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog file: %w", err)
	}
	var f catalogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse catalog file: %w", err)
	}
	seen := make(map[string]bool, len(f.Entries))
	for i, e := range f.Entries {
		if e.ID == "" {
			return nil, fmt.Errorf("%w: entry %d has no id", ErrInvalidEntry, i)
		}
		if seen[e.ID] {
			return nil, fmt.Errorf("%w: duplicate id %q", ErrInvalidEntry, e.ID)
		}
		seen[e.ID] = true
		if e.DurationSeconds <= 0 {
			return nil, fmt.Errorf("%w: %q has non-positive duration", ErrInvalidEntry, e.ID)
		}
		if f.Entries[i].CreatedAt.IsZero() {
			// File order is the timeline order when no creation time is given.
			f.Entries[i].CreatedAt = time.Unix(int64(i), 0).UTC()
		}
	}
	return NewStaticProvider(f.Entries), nil
}
