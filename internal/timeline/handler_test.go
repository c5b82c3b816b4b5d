package timeline

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aura-broadcast/backend/internal/catalog"
	"github.com/aura-broadcast/backend/internal/models"
)

type failingProvider struct{}

func (failingProvider) Snapshot(context.Context) ([]models.CatalogEntry, error) {
	return nil, errors.New("db down")
}

type stubSigner struct{}

func (stubSigner) PlaybackURL(_ context.Context, key string) (string, error) {
	return "https://cdn.example/" + key, nil
}

func newTestRouter(t *testing.T, provider catalog.Provider, now time.Time) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	clock := clockwork.NewFakeClockAt(now)
	sched := NewScheduler(provider, epoch, clock, nil, nil)
	h := NewHandler(sched, stubSigner{}, nil)
	r := gin.New()
	r.GET("/timeline/now", h.Now)
	r.GET("/timeline/schedule", h.Schedule)
	return r
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
}

func TestHandler_Now(t *testing.T) {
	entries := twoEntryCatalog()
	entries[1].ObjectKey = "media/2.mp4"
	r := newTestRouter(t, catalog.NewStaticProvider(entries), epoch.Add(150*time.Second))

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/timeline/now", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var env envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	var body NowResponse
	require.NoError(t, json.Unmarshal(env.Data, &body))
	assert.Equal(t, "2", body.ContentRef)
	assert.Equal(t, int64(50), body.OffsetSeconds)
	assert.Equal(t, int64(300), body.CycleDuration)
	assert.Equal(t, "https://cdn.example/media/2.mp4", body.PlaybackURL)
}

func TestHandler_Now_OffAir(t *testing.T) {
	r := newTestRouter(t, catalog.NewStaticProvider(nil), epoch.Add(time.Hour))

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/timeline/now", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Empty(t, rec.Body.String())
}

func TestHandler_Now_CatalogFailure(t *testing.T) {
	r := newTestRouter(t, failingProvider{}, epoch)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/timeline/now", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestHandler_Schedule(t *testing.T) {
	r := newTestRouter(t, catalog.NewStaticProvider(twoEntryCatalog()), epoch.Add(150*time.Second))

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/timeline/schedule?limit=2", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var env envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	var sched Schedule
	require.NoError(t, json.Unmarshal(env.Data, &sched))
	require.NotNil(t, sched.NowPlayingIndex)
	assert.Equal(t, 1, *sched.NowPlayingIndex)
	assert.Len(t, sched.Sequence, 2)
	assert.Len(t, sched.Upcoming, 2)
}

func TestHandler_Schedule_InvalidLimit(t *testing.T) {
	r := newTestRouter(t, catalog.NewStaticProvider(twoEntryCatalog()), epoch)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/timeline/schedule?limit=abc", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestScheduler_CanonicalOffset(t *testing.T) {
	clock := clockwork.NewFakeClockAt(epoch.Add(150 * time.Second))
	sched := NewScheduler(catalog.NewStaticProvider(twoEntryCatalog()), epoch, clock, nil, nil)

	off, ok, err := sched.CanonicalOffset(context.Background(), "2")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 50.0, off)

	_, ok, err = sched.CanonicalOffset(context.Background(), "1")
	require.NoError(t, err)
	assert.False(t, ok)

	clock.Advance(10 * time.Second)
	off, _, _ = sched.CanonicalOffset(context.Background(), "2")
	assert.Equal(t, 60.0, off)
}

func TestScheduler_Schedule_OffAir(t *testing.T) {
	clock := clockwork.NewFakeClockAt(epoch)
	sched := NewScheduler(catalog.NewStaticProvider(nil), epoch, clock, nil, nil)

	s, err := sched.Schedule(context.Background(), 5)
	require.NoError(t, err)
	assert.Nil(t, s.NowPlayingIndex)
	assert.Empty(t, s.Upcoming)
}
