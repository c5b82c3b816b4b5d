package syncclient

import (
	"context"
	"errors"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aura-broadcast/backend/internal/auth"
	"github.com/aura-broadcast/backend/internal/catalog"
	"github.com/aura-broadcast/backend/internal/drift"
	"github.com/aura-broadcast/backend/internal/middleware"
	"github.com/aura-broadcast/backend/internal/models"
	"github.com/aura-broadcast/backend/internal/realtime"
	"github.com/aura-broadcast/backend/internal/sessions"
	"github.com/aura-broadcast/backend/internal/timeline"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

type fakePlayer struct {
	mu  sync.Mutex
	pos float64
}

func (p *fakePlayer) Position() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pos
}

func (p *fakePlayer) Seek(offset float64) {
	p.mu.Lock()
	p.pos = offset
	p.mu.Unlock()
}

type server struct {
	url     string
	manager *sessions.Manager
	hub     *realtime.Hub
	clock   *clockwork.FakeClock
	token   string
}

// newServer runs the REST API and, when withSync is set, the /sync channel.
// "show" is on air at offset 120; "vod" is not scheduled.
func newServer(t *testing.T, withSync bool) *server {
	t.Helper()
	gin.SetMode(gin.TestMode)

	schedClock := clockwork.NewFakeClockAt(epoch.Add(120 * time.Second))
	clock := clockwork.NewFakeClock()
	provider := catalog.NewStaticProvider([]models.CatalogEntry{
		{ID: "show", DurationSeconds: 600, AvailableFrom: epoch, CreatedAt: epoch},
	})
	sched := timeline.NewScheduler(provider, epoch, schedClock, nil, nil)
	mgr := sessions.NewManager(sessions.NewMemoryStore(), sched, clock, sessions.Options{}, nil, nil)
	hub := realtime.NewHub(mgr, sched, nil, clock, realtime.Options{Mode: drift.Canonical}, nil, nil)
	jwtSvc := auth.NewJWTService("secret", 1)

	r := gin.New()
	th := timeline.NewHandler(sched, nil, nil)
	r.GET("/timeline/now", th.Now)
	sh := sessions.NewHandler(mgr, nil)
	g := r.Group("/sessions", middleware.JWT(jwtSvc))
	g.POST("", sh.Open)
	g.GET("/active", sh.Active)
	g.PUT("/:id/sync", sh.Sync)
	g.PUT("/:id/end", sh.End)
	if withSync {
		r.GET("/sync", middleware.JWT(jwtSvc), hub.ServeWs)
	}
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	tok, err := jwtSvc.Generate("alice", auth.RoleViewer)
	require.NoError(t, err)
	return &server{url: srv.URL, manager: mgr, hub: hub, clock: clock, token: tok}
}

func (s *server) client(ref string, player Player, mode drift.Mode) *Client {
	return New(Config{BaseURL: s.url, Token: s.token, ContentRef: ref, Mode: mode}, player, nil, s.clock, nil)
}

func TestOpen_SeeksToScheduledOffset(t *testing.T) {
	s := newServer(t, false)
	p := &fakePlayer{}
	c := s.client("show", p, drift.Canonical)

	id, err := c.Open(context.Background())
	require.NoError(t, err)
	assert.Equal(t, id, c.SessionID())
	assert.Equal(t, 120.0, p.Position())
}

func TestRun_RequiresSession(t *testing.T) {
	s := newServer(t, false)
	c := s.client("show", &fakePlayer{}, drift.Canonical)
	assert.ErrorIs(t, c.Run(context.Background()), ErrNoSession)
	assert.ErrorIs(t, c.End(context.Background()), ErrNoSession)
}

func TestRun_RewindIsPushedForward(t *testing.T) {
	s := newServer(t, true)
	p := &fakePlayer{}
	c := s.client("show", p, drift.Canonical)
	_, err := c.Open(context.Background())
	require.NoError(t, err)
	p.Seek(100)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	require.Eventually(t, func() bool { return s.hub.GroupSize("show") == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.False(t, c.Degraded())
	require.Eventually(t, func() bool {
		s.clock.Advance(DefaultReportInterval)
		return p.Position() == 120
	}, 3*time.Second, 20*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestRun_ClosedSessionEndsRun(t *testing.T) {
	s := newServer(t, true)
	c := s.client("show", &fakePlayer{}, drift.Canonical)
	id, err := c.Open(context.Background())
	require.NoError(t, err)
	_, err = s.manager.Close(context.Background(), id)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	assert.ErrorIs(t, c.Run(ctx), ErrSessionNotFound)
}

func TestRun_FallsBackToPolling(t *testing.T) {
	s := newServer(t, false)
	p := &fakePlayer{}
	c := s.client("vod", p, drift.Peer)
	id, err := c.Open(context.Background())
	require.NoError(t, err)
	p.Seek(50)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	require.Eventually(t, func() bool {
		sess, err := s.manager.Get(context.Background(), id)
		return err == nil && sess.CurrentOffsetSeconds == 50
	}, 2*time.Second, 10*time.Millisecond)
	assert.True(t, c.Degraded())

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestPoll_CatchesUpWithPeers(t *testing.T) {
	s := newServer(t, false)
	p := &fakePlayer{}
	c := s.client("vod", p, drift.Peer)
	id, err := c.Open(context.Background())
	require.NoError(t, err)
	p.Seek(10)

	peer, err := s.manager.Open(context.Background(), "bob", "vod", nil)
	require.NoError(t, err)
	_, err = s.manager.ReportOffset(context.Background(), peer.ID, 300)
	require.NoError(t, err)

	require.NoError(t, c.Poll(context.Background(), id))
	assert.Equal(t, 300.0, p.Position())
}

func TestPoll_WithinThresholdDoesNotSeek(t *testing.T) {
	s := newServer(t, false)
	p := &fakePlayer{}
	c := s.client("show", p, drift.Canonical)
	id, err := c.Open(context.Background())
	require.NoError(t, err)
	p.Seek(123)

	require.NoError(t, c.Poll(context.Background(), id))
	assert.Equal(t, 123.0, p.Position())
}

func TestPoll_RewindGetsCorrected(t *testing.T) {
	s := newServer(t, false)
	p := &fakePlayer{}
	c := s.client("show", p, drift.Canonical)
	id, err := c.Open(context.Background())
	require.NoError(t, err)
	p.Seek(30)

	require.NoError(t, c.Poll(context.Background(), id))
	assert.Equal(t, 120.0, p.Position())
}

func TestPoll_UnknownSession(t *testing.T) {
	s := newServer(t, false)
	c := s.client("show", &fakePlayer{}, drift.Canonical)
	err := c.Poll(context.Background(), uuid.New())
	assert.True(t, errors.Is(err, ErrSessionNotFound), err)
}

func TestEnd_Idempotent(t *testing.T) {
	s := newServer(t, false)
	c := s.client("show", &fakePlayer{}, drift.Canonical)
	id, err := c.Open(context.Background())
	require.NoError(t, err)

	require.NoError(t, c.End(context.Background()))
	require.NoError(t, c.End(context.Background()))
	sess, err := s.manager.Get(context.Background(), id)
	require.NoError(t, err)
	assert.False(t, sess.IsActive)
}

func TestWSURL(t *testing.T) {
	c := New(Config{BaseURL: "https://example.com/"}, &fakePlayer{}, nil, nil, nil)
	assert.Equal(t, "wss://example.com/sync", c.wsURL())
	c = New(Config{BaseURL: "http://localhost:8080"}, &fakePlayer{}, nil, nil, nil)
	assert.Equal(t, "ws://localhost:8080/sync", c.wsURL())
}
