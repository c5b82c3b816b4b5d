package models

import "time"

// CatalogEntry is one asset supplied by the catalog provider. Read-only to this service.
type CatalogEntry struct {
	ID              string     `json:"id" yaml:"id"`
	Title           string     `json:"title" yaml:"title"`
	ObjectKey       string     `json:"objectKey,omitempty" yaml:"object_key"`
	DurationSeconds int64      `json:"durationSeconds" yaml:"duration_seconds"`
	AvailableFrom   time.Time  `json:"availableFrom" yaml:"available_from"`
	AvailableUntil  *time.Time `json:"availableUntil,omitempty" yaml:"available_until"`
	CreatedAt       time.Time  `json:"createdAt" yaml:"created_at"`
}

// EligibleAt reports whether the entry is on the timeline at now:
// availableFrom <= now <= availableUntil (unbounded when nil) and a positive duration.
func (e CatalogEntry) EligibleAt(now time.Time) bool {
	if e.DurationSeconds <= 0 {
		return false
	}
	if now.Before(e.AvailableFrom) {
		return false
	}
	if e.AvailableUntil != nil && now.After(*e.AvailableUntil) {
		return false
	}
	return true
}

// Position is the on-air asset and offset resolved for an instant.
type Position struct {
	Index         int          `json:"index"`
	Entry         CatalogEntry `json:"entry"`
	OffsetSeconds int64        `json:"offsetSeconds"`
	CycleDuration int64        `json:"cycleDuration"`
	// Skewed is set when now preceded the epoch and elapsed time was clamped to zero.
	Skewed bool `json:"-"`
}

// Slot is a scheduled airing of an entry within the timeline.
type Slot struct {
	Index    int          `json:"index"`
	Entry    CatalogEntry `json:"entry"`
	StartsAt time.Time    `json:"startsAt"`
	EndsAt   time.Time    `json:"endsAt"`
}
