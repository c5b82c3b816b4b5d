package timeline

import (
	"sort"
	"time"

	"github.com/aura-broadcast/backend/internal/models"
)

// Eligible returns the entries eligible at now in timeline order:
// createdAt ascending, id as tiebreak. The input slice is not modified.
func Eligible(now time.Time, entries []models.CatalogEntry) []models.CatalogEntry {
	out := make([]models.CatalogEntry, 0, len(entries))
	for _, e := range entries {
		if e.EligibleAt(now) {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Resolve maps (now, catalog snapshot, epoch) to the on-air entry and offset.
// It returns false when the eligible catalog is empty (off air). A now before
// epoch is clamped to zero elapsed and flagged on the returned Position.
func Resolve(now time.Time, entries []models.CatalogEntry, epoch time.Time) (models.Position, bool) {
	ordered := Eligible(now, entries)
	if len(ordered) == 0 {
		return models.Position{}, false
	}

	// prefix[i] is the cumulative duration before entry i.
	prefix := make([]int64, len(ordered)+1)
	for i, e := range ordered {
		prefix[i+1] = prefix[i] + e.DurationSeconds
	}
	cycle := prefix[len(ordered)]
	if cycle <= 0 {
		return models.Position{}, false
	}

	elapsed, skewed := elapsedSeconds(now, epoch)
	inCycle := elapsed % cycle

	// first i with prefix[i+1] > inCycle
	idx := sort.Search(len(ordered), func(i int) bool { return prefix[i+1] > inCycle })

	return models.Position{
		Index:         idx,
		Entry:         ordered[idx],
		OffsetSeconds: inCycle - prefix[idx],
		CycleDuration: cycle,
		Skewed:        skewed,
	}, true
}

// Upcoming returns the airing slots starting with the one on air at now,
// limit slots in total. It returns nil when off air.
func Upcoming(now time.Time, entries []models.CatalogEntry, epoch time.Time, limit int) []models.Slot {
	pos, ok := Resolve(now, entries, epoch)
	if !ok || limit <= 0 {
		return nil
	}
	ordered := Eligible(now, entries)

	// Slot boundaries sit on whole seconds after the epoch, matching Resolve.
	elapsed, _ := elapsedSeconds(now, epoch)
	start := epoch.Add(time.Duration(elapsed-pos.OffsetSeconds) * time.Second)

	slots := make([]models.Slot, 0, limit)
	idx := pos.Index
	for i := 0; i < limit; i++ {
		e := ordered[idx]
		end := start.Add(time.Duration(e.DurationSeconds) * time.Second)
		slots = append(slots, models.Slot{Index: idx, Entry: e, StartsAt: start, EndsAt: end})
		start = end
		idx = (idx + 1) % len(ordered)
	}
	return slots
}

func elapsedSeconds(now, epoch time.Time) (int64, bool) {
	if now.Before(epoch) {
		return 0, true
	}
	return int64(now.Sub(epoch) / time.Second), false
}
