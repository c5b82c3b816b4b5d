// Package drift holds the anti-rewind and drift correction policy shared by
// the session manager, the sync hub and clients.
package drift

// Defaults.
const (
	DefaultEpsilon   = 0.5 // seconds of measurement jitter tolerated below the floor
	DefaultThreshold = 5.0 // seconds behind the reference before a SYNC is pushed
	DefaultTolerance = 5.0 // seconds ahead of local playback before a client seeks
)

// Mode selects how the group reference offset is anchored.
type Mode int

const (
	// Canonical anchors the reference to the scheduler offset and ignores
	// peers running further ahead than the threshold allows.
	Canonical Mode = iota
	// Peer follows the furthest-advanced peer only.
	Peer
)

// ParseMode maps a config value to a Mode. Unknown values map to Canonical.
func ParseMode(s string) Mode {
	if s == "peer" {
		return Peer
	}
	return Canonical
}

// Floor applies the anti-rewind rule to a reported offset.
// A report below current-epsilon is rejected and the caller gets current back.
// Anything else is accepted; the returned offset never drops below current.
func Floor(current, reported, epsilon float64) (next float64, accepted bool) {
	if reported < current-epsilon {
		return current, false
	}
	if reported < current {
		return current, true
	}
	return reported, true
}

// Reference computes the offset a group of viewers should be at.
// canonical is the scheduler offset when the content is on air (hasCanonical).
// In Canonical mode the result is max(canonical, legitimate peers), where a peer
// is legitimate when it is at most threshold ahead of canonical. Without a
// canonical offset, or in Peer mode, it is the max of peers.
// ok is false when there is nothing to anchor on.
func Reference(mode Mode, canonical float64, hasCanonical bool, peers []float64, threshold float64) (ref float64, ok bool) {
	if mode == Canonical && hasCanonical {
		ref = canonical
		for _, p := range peers {
			if p > ref && p <= canonical+threshold {
				ref = p
			}
		}
		return ref, true
	}
	for _, p := range peers {
		if !ok || p > ref {
			ref, ok = p, true
		}
	}
	return ref, ok
}

// Behind reports whether a viewer at last has drifted more than threshold
// behind reference and must be pushed forward.
func Behind(reference, last, threshold float64) bool {
	return reference-last > threshold
}

// Corrector is the client side of a SYNC push: it only ever seeks forward,
// and only when the target is more than Tolerance ahead of local playback.
type Corrector struct {
	Tolerance float64
}

// NewCorrector returns a Corrector; tolerance <= 0 uses DefaultTolerance.
func NewCorrector(tolerance float64) Corrector {
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}
	return Corrector{Tolerance: tolerance}
}

// Apply returns the position to seek to for a SYNC carrying currentTime.
// seek is false for jitter and for any target behind local playback.
func (c Corrector) Apply(local, currentTime float64) (target float64, seek bool) {
	if currentTime > local+c.Tolerance {
		return currentTime, true
	}
	return local, false
}
