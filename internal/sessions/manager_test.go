package sessions

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aura-broadcast/backend/internal/metrics"
)

type fakeCanon struct {
	ref    string
	offset float64
	err    error
}

func (f fakeCanon) CanonicalOffset(_ context.Context, contentRef string) (float64, bool, error) {
	if f.err != nil {
		return 0, false, f.err
	}
	if contentRef != f.ref {
		return 0, false, nil
	}
	return f.offset, true, nil
}

func newTestManager(t *testing.T, canon CanonicalSource) (*Manager, *clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClock()
	m := NewManager(NewMemoryStore(), canon, clock, Options{}, nil, metrics.New())
	return m, clock
}

func TestManager_OpenSeedsFromCanonical(t *testing.T) {
	m, _ := newTestManager(t, fakeCanon{ref: "live", offset: 120})
	ctx := context.Background()

	s, err := m.Open(ctx, "viewer", "live", map[string]any{"ua": "test"})
	require.NoError(t, err)
	assert.True(t, s.IsActive)
	assert.Equal(t, 120.0, s.CurrentOffsetSeconds)

	vod, err := m.Open(ctx, "viewer", "on-demand", nil)
	require.NoError(t, err)
	assert.Equal(t, 0.0, vod.CurrentOffsetSeconds)
}

func TestManager_OpenSeedsZeroWhenCatalogFails(t *testing.T) {
	m, _ := newTestManager(t, fakeCanon{err: errors.New("down")})
	s, err := m.Open(context.Background(), "viewer", "live", nil)
	require.NoError(t, err)
	assert.Equal(t, 0.0, s.CurrentOffsetSeconds)
}

func TestManager_OpenValidates(t *testing.T) {
	m, _ := newTestManager(t, nil)
	_, err := m.Open(context.Background(), "", "live", nil)
	assert.ErrorIs(t, err, ErrInvalidRequest)
	_, err = m.Open(context.Background(), "viewer", "", nil)
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestManager_RewindRejected(t *testing.T) {
	m, _ := newTestManager(t, nil)
	ctx := context.Background()
	s, err := m.Open(ctx, "viewer", "ref", nil)
	require.NoError(t, err)

	res, err := m.ReportOffset(ctx, s.ID, 40)
	require.NoError(t, err)
	assert.True(t, res.Accepted)
	assert.Nil(t, res.CorrectedOffset)

	res, err = m.ReportOffset(ctx, s.ID, 35)
	require.NoError(t, err)
	assert.False(t, res.Accepted)
	require.NotNil(t, res.CorrectedOffset)
	assert.Equal(t, 40.0, *res.CorrectedOffset)

	got, err := m.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, 40.0, got.CurrentOffsetSeconds)
}

func TestManager_JitterWithinEpsilonKeepsFloor(t *testing.T) {
	m, _ := newTestManager(t, nil)
	ctx := context.Background()
	s, _ := m.Open(ctx, "viewer", "ref", nil)

	_, _ = m.ReportOffset(ctx, s.ID, 40)
	res, err := m.ReportOffset(ctx, s.ID, 39.7)
	require.NoError(t, err)
	assert.True(t, res.Accepted)

	got, _ := m.Get(ctx, s.ID)
	assert.Equal(t, 40.0, got.CurrentOffsetSeconds)
}

func TestManager_AcceptedSequenceIsMonotonic(t *testing.T) {
	m, _ := newTestManager(t, nil)
	ctx := context.Background()
	s, _ := m.Open(ctx, "viewer", "ref", nil)

	reports := []float64{1, 5, 4.8, 3, 10, 9.9, 12, 2, 15}
	last := 0.0
	for _, r := range reports {
		res, err := m.ReportOffset(ctx, s.ID, r)
		require.NoError(t, err)
		if !res.Accepted {
			require.NotNil(t, res.CorrectedOffset)
			assert.Equal(t, last, *res.CorrectedOffset)
		}
		assert.GreaterOrEqual(t, res.Offset, last)
		last = res.Offset
	}
	assert.Equal(t, 15.0, last)
}

func TestManager_InvalidOffset(t *testing.T) {
	m, _ := newTestManager(t, nil)
	ctx := context.Background()
	s, _ := m.Open(ctx, "viewer", "ref", nil)

	for _, bad := range []float64{-1, math.NaN(), math.Inf(1)} {
		_, err := m.ReportOffset(ctx, s.ID, bad)
		assert.ErrorIs(t, err, ErrInvalidOffset)
	}
}

func TestManager_UnknownSession(t *testing.T) {
	m, _ := newTestManager(t, nil)
	_, err := m.ReportOffset(context.Background(), uuid.New(), 10)
	assert.ErrorIs(t, err, ErrSessionNotFound)
	_, err = m.Close(context.Background(), uuid.New())
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestManager_CloseIsIdempotent(t *testing.T) {
	m, clock := newTestManager(t, nil)
	ctx := context.Background()
	s, _ := m.Open(ctx, "viewer", "ref", nil)

	first, err := m.Close(ctx, s.ID)
	require.NoError(t, err)
	assert.False(t, first.IsActive)
	require.NotNil(t, first.EndedAt)

	clock.Advance(time.Minute)
	second, err := m.Close(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, first.IsActive, second.IsActive)
	assert.Equal(t, *first.EndedAt, *second.EndedAt)

	_, err = m.ReportOffset(ctx, s.ID, 50)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestManager_ReapStale(t *testing.T) {
	m, clock := newTestManager(t, nil)
	ctx := context.Background()
	quiet, _ := m.Open(ctx, "a", "ref", nil)
	chatty, _ := m.Open(ctx, "b", "ref", nil)

	clock.Advance(45 * time.Second)
	_, err := m.ReportOffset(ctx, chatty.ID, 45)
	require.NoError(t, err)

	clock.Advance(20 * time.Second)
	n, err := m.ReapStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = m.ReportOffset(ctx, quiet.ID, 65)
	assert.ErrorIs(t, err, ErrSessionNotFound)
	_, err = m.ReportOffset(ctx, chatty.ID, 65)
	assert.NoError(t, err)

	active, _ := m.ListActive(ctx, "ref")
	require.Len(t, active, 1)
	assert.Equal(t, chatty.ID, active[0].ID)
}

func TestManager_ListActiveFiltersByContent(t *testing.T) {
	m, clock := newTestManager(t, nil)
	ctx := context.Background()
	_, _ = m.Open(ctx, "a", "x", nil)
	clock.Advance(time.Second)
	_, _ = m.Open(ctx, "b", "y", nil)
	clock.Advance(time.Second)
	closed, _ := m.Open(ctx, "c", "x", nil)
	_, _ = m.Close(ctx, closed.ID)

	x, _ := m.ListActive(ctx, "x")
	assert.Len(t, x, 1)
	all, _ := m.ListActive(ctx, "")
	assert.Len(t, all, 2)
}

func TestManager_HistoryNewestFirst(t *testing.T) {
	m, clock := newTestManager(t, nil)
	ctx := context.Background()
	first, _ := m.Open(ctx, "viewer", "x", nil)
	clock.Advance(time.Minute)
	second, _ := m.Open(ctx, "viewer", "y", nil)
	_, _ = m.Open(ctx, "someone-else", "x", nil)

	hist, err := m.History(ctx, "viewer", 0)
	require.NoError(t, err)
	require.Len(t, hist, 2)
	assert.Equal(t, second.ID, hist[0].ID)
	assert.Equal(t, first.ID, hist[1].ID)
}

func TestManager_ConcurrentReportsStayMonotonic(t *testing.T) {
	m, _ := newTestManager(t, nil)
	ctx := context.Background()
	s, _ := m.Open(ctx, "viewer", "ref", nil)

	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func(off float64) {
			defer wg.Done()
			_, err := m.ReportOffset(ctx, s.ID, off)
			assert.NoError(t, err)
		}(float64(i % 100))
	}
	wg.Wait()

	got, _ := m.Get(ctx, s.ID)
	assert.Equal(t, 99.0, got.CurrentOffsetSeconds)
}

func TestReaper_RunsOnTicks(t *testing.T) {
	clock := clockwork.NewFakeClock()
	m := NewManager(NewMemoryStore(), nil, clock, Options{StaleTimeout: 10 * time.Second}, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s, _ := m.Open(ctx, "viewer", "ref", nil)
	r := NewReaper(m, clock, 5*time.Second, nil)
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()

	require.NoError(t, clock.BlockUntilContext(ctx, 1))

	assert.Eventually(t, func() bool {
		clock.Advance(5 * time.Second)
		got, _ := m.Get(ctx, s.ID)
		return !got.IsActive
	}, time.Second, 10*time.Millisecond)

	cancel()
	<-done
}
