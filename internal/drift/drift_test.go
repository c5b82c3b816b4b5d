package drift

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFloor(t *testing.T) {
	tests := []struct {
		name     string
		current  float64
		reported float64
		next     float64
		accepted bool
	}{
		{"forward", 40, 45, 45, true},
		{"equal", 40, 40, 40, true},
		{"within jitter keeps floor", 40, 39.6, 40, true},
		{"rewind rejected", 40, 35, 40, false},
		{"just past epsilon", 40, 39.4, 40, false},
		{"from zero", 0, 12, 12, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			next, accepted := Floor(tt.current, tt.reported, DefaultEpsilon)
			assert.Equal(t, tt.next, next)
			assert.Equal(t, tt.accepted, accepted)
		})
	}
}

func TestFloor_NeverDecreases(t *testing.T) {
	current := 0.0
	reports := []float64{1, 5, 4.8, 3, 10, 9.9, 20, 2, 21}
	for _, r := range reports {
		next, _ := Floor(current, r, DefaultEpsilon)
		assert.GreaterOrEqual(t, next, current)
		current = next
	}
	assert.Equal(t, 21.0, current)
}

func TestReference_CanonicalMode(t *testing.T) {
	// peers behind canonical do not pull the reference back
	ref, ok := Reference(Canonical, 100, true, []float64{80, 95}, 5)
	assert.True(t, ok)
	assert.Equal(t, 100.0, ref)

	// a peer slightly ahead of canonical is legitimate
	ref, _ = Reference(Canonical, 100, true, []float64{80, 103}, 5)
	assert.Equal(t, 103.0, ref)

	// a peer far ahead of the broadcast clock is ignored
	ref, _ = Reference(Canonical, 100, true, []float64{500}, 5)
	assert.Equal(t, 100.0, ref)
}

func TestReference_WithoutCanonical(t *testing.T) {
	ref, ok := Reference(Canonical, 0, false, []float64{12, 30, 25}, 5)
	assert.True(t, ok)
	assert.Equal(t, 30.0, ref)

	_, ok = Reference(Canonical, 0, false, nil, 5)
	assert.False(t, ok)
}

func TestReference_PeerMode(t *testing.T) {
	ref, ok := Reference(Peer, 100, true, []float64{500, 20}, 5)
	assert.True(t, ok)
	assert.Equal(t, 500.0, ref)

	_, ok = Reference(Peer, 100, true, nil, 5)
	assert.False(t, ok)
}

func TestBehind(t *testing.T) {
	assert.True(t, Behind(100, 94, 5))
	assert.False(t, Behind(100, 95, 5))
	assert.False(t, Behind(100, 110, 5))
}

func TestCorrector_Apply(t *testing.T) {
	c := NewCorrector(0)
	assert.Equal(t, DefaultTolerance, c.Tolerance)

	target, seek := c.Apply(50, 60)
	assert.True(t, seek)
	assert.Equal(t, 60.0, target)

	// jitter
	target, seek = c.Apply(50, 54)
	assert.False(t, seek)
	assert.Equal(t, 50.0, target)

	// never backward
	target, seek = c.Apply(50, 10)
	assert.False(t, seek)
	assert.Equal(t, 50.0, target)
}

func TestParseMode(t *testing.T) {
	assert.Equal(t, Peer, ParseMode("peer"))
	assert.Equal(t, Canonical, ParseMode("canonical"))
	assert.Equal(t, Canonical, ParseMode(""))
}
