package realtime

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/aura-broadcast/backend/internal/drift"
	"github.com/aura-broadcast/backend/internal/metrics"
	"github.com/aura-broadcast/backend/internal/models"
	"github.com/aura-broadcast/backend/internal/sessions"
)

const (
	// PingInterval and PongWait are used for heartbeat.
	PingInterval = 30 * time.Second
	PongWait     = 60 * time.Second
	writeWait    = 10 * time.Second
)

// Defaults for Options.
const (
	DefaultRegisterTimeout = 10 * time.Second
	DefaultDisconnectGrace = 10 * time.Second
	DefaultReportInterval  = 5 * time.Second
	DefaultOutboundQueue   = 32
	DefaultInboundMailbox  = 16
)

// SessionManager is the part of the session manager the hub drives.
type SessionManager interface {
	Get(ctx context.Context, id uuid.UUID) (*models.ViewerSession, error)
	ReportOffset(ctx context.Context, id uuid.UUID, offset float64) (sessions.ReportResult, error)
	Close(ctx context.Context, id uuid.UUID) (*models.ViewerSession, error)
}

// PeerBridge carries accepted reports between hub instances.
type PeerBridge interface {
	PublishReport(ctx context.Context, r PeerReport) error
	Subscribe(contentRef string, handler func(PeerReport)) (cancel func(), err error)
}

// Options tunes the hub. Zero values take the defaults.
type Options struct {
	Mode            drift.Mode
	Threshold       float64
	ReportInterval  time.Duration
	StaleTimeout    time.Duration
	RegisterTimeout time.Duration
	DisconnectGrace time.Duration
	OutboundQueue   int
	InboundMailbox  int
}

func (o *Options) setDefaults() {
	if o.Threshold <= 0 {
		o.Threshold = drift.DefaultThreshold
	}
	if o.ReportInterval <= 0 {
		o.ReportInterval = DefaultReportInterval
	}
	if o.StaleTimeout <= 0 {
		o.StaleTimeout = sessions.DefaultStaleTimeout
	}
	if o.RegisterTimeout <= 0 {
		o.RegisterTimeout = DefaultRegisterTimeout
	}
	if o.DisconnectGrace < 0 {
		o.DisconnectGrace = 0
	}
	if o.OutboundQueue <= 0 {
		o.OutboundQueue = DefaultOutboundQueue
	}
	if o.InboundMailbox <= 0 {
		o.InboundMailbox = DefaultInboundMailbox
	}
}

// Hub keeps contentRef -> group of connections, folds reports into a group
// reference offset and pushes SYNC to viewers that fell behind.
type Hub struct {
	groups  map[string]*group
	pending map[uuid.UUID]clockwork.Timer // grace-period closes by session
	mu      sync.RWMutex

	instance string
	manager  SessionManager
	canon    sessions.CanonicalSource
	bridge   PeerBridge
	clock    clockwork.Clock
	opts     Options
	logger   *zap.Logger
	metrics  *metrics.Metrics
}

// NewHub creates a hub. canon, bridge, logger and m may be nil.
func NewHub(manager SessionManager, canon sessions.CanonicalSource, bridge PeerBridge, clock clockwork.Clock, opts Options, logger *zap.Logger, m *metrics.Metrics) *Hub {
	opts.setDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		groups:   make(map[string]*group),
		pending:  make(map[uuid.UUID]clockwork.Timer),
		instance: uuid.NewString(),
		manager:  manager,
		canon:    canon,
		bridge:   bridge,
		clock:    clock,
		opts:     opts,
		logger:   logger,
		metrics:  m,
	}
}

// register validates the session and joins c to its content group.
func (h *Hub) register(ctx context.Context, c *Client, d *RegisterData) {
	s, err := h.manager.Get(ctx, d.SessionID)
	if err != nil || !s.IsActive {
		if err != nil && !errors.Is(err, sessions.ErrSessionNotFound) {
			h.logger.Warn("register: load session", zap.Error(err))
		}
		c.sendError(ErrCodeSessionNotFound, "session not found")
		return
	}
	if s.SubjectID != c.subjectID {
		c.sendError(ErrCodeForbidden, "session belongs to another subject")
		return
	}
	if d.ContentRef != "" && d.ContentRef != s.ContentRef {
		c.sendError(ErrCodeInvalidMessage, "contentRef does not match session")
		return
	}
	if prev, _ := c.membership(); prev != uuid.Nil {
		// Switching sessions on one socket releases the previous one.
		h.leave(c, prev != s.ID)
	}

	h.mu.Lock()
	if t, ok := h.pending[s.ID]; ok {
		t.Stop()
		delete(h.pending, s.ID)
	}
	g, ok := h.groups[s.ContentRef]
	created := !ok
	if created {
		g = newGroup(s.ContentRef)
		h.groups[s.ContentRef] = g
	}
	g.mu.Lock()
	// Membership is visible before c joins the slice, so a concurrent leave
	// of an older connection on the same session sees it as still held.
	c.join(s.ID, g)
	g.add(c)
	g.mu.Unlock()
	h.mu.Unlock()
	c.stopIdle()

	select {
	case <-c.done:
		// The socket went away while we were registering.
		h.disconnect(c)
		return
	default:
	}
	if created && h.bridge != nil {
		h.subscribe(g)
	}
	h.logger.Debug("client registered",
		zap.String("client_id", c.id),
		zap.String("session_id", s.ID.String()),
		zap.String("content_ref", s.ContentRef))

	// Bring a late joiner up to the group straight away.
	offsets := g.record(s.ID, s.CurrentOffsetSeconds, h.clock.Now(), true, h.opts.StaleTimeout)
	h.correct(ctx, g, offsets)
}

func (h *Hub) subscribe(g *group) {
	cancel, err := h.bridge.Subscribe(g.contentRef, h.foldRemote)
	if err != nil {
		h.logger.Warn("bridge subscribe", zap.String("content_ref", g.contentRef), zap.Error(err))
		return
	}
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		cancel()
		return
	}
	g.cancel = cancel
	g.mu.Unlock()
}

// report folds a REPORT into the session and the group reference.
func (h *Hub) report(ctx context.Context, c *Client, d *ReportData) {
	sessionID, g := c.membership()
	if g == nil {
		c.sendError(ErrCodeNotRegistered, "send REGISTER first")
		return
	}
	if d.SessionID != sessionID {
		c.sendError(ErrCodeInvalidMessage, "sessionId does not match registration")
		return
	}

	res, err := h.manager.ReportOffset(ctx, sessionID, d.Offset)
	switch {
	case errors.Is(err, sessions.ErrSessionNotFound):
		h.leave(c, false)
		c.sendError(ErrCodeSessionNotFound, "session not found")
		// The socket must register a new session or go away.
		c.armIdle()
		return
	case errors.Is(err, sessions.ErrInvalidOffset):
		c.sendError(ErrCodeInvalidMessage, err.Error())
		return
	case err != nil:
		h.logger.Warn("report offset", zap.String("session_id", sessionID.String()), zap.Error(err))
		return
	}

	if !res.Accepted {
		// Rewind attempt: send the viewer forward to its floor.
		c.sendSync(g.contentRef, res.Offset, h.clock.Now())
		return
	}

	now := h.clock.Now()
	offsets := g.record(sessionID, res.Offset, now, true, h.opts.StaleTimeout)
	if h.bridge != nil {
		pr := PeerReport{Instance: h.instance, SessionID: sessionID, ContentRef: g.contentRef, Offset: res.Offset, At: now.UnixMilli()}
		if err := h.bridge.PublishReport(ctx, pr); err != nil {
			h.logger.Debug("bridge publish", zap.Error(err))
		}
	}
	h.correct(ctx, g, offsets)
}

// correct computes the group reference and pushes SYNC to local laggards.
func (h *Hub) correct(ctx context.Context, g *group, offsets []float64) {
	var canonical float64
	var hasCanonical bool
	if h.canon != nil && h.opts.Mode == drift.Canonical {
		var err error
		canonical, hasCanonical, err = h.canon.CanonicalOffset(ctx, g.contentRef)
		if err != nil {
			h.logger.Debug("canonical offset unavailable", zap.String("content_ref", g.contentRef), zap.Error(err))
		}
	}
	ref, ok := drift.Reference(h.opts.Mode, canonical, hasCanonical, offsets, h.opts.Threshold)
	if !ok {
		return
	}
	lagging := g.laggards(ref, h.opts.Threshold)
	if len(lagging) == 0 {
		return
	}
	now := h.clock.Now()
	for _, c := range g.snapshot() {
		sid, _ := c.membership()
		for _, id := range lagging {
			if sid == id {
				c.sendSync(g.contentRef, ref, now)
				break
			}
		}
	}
}

// foldRemote merges a report published by another instance into the local group.
func (h *Hub) foldRemote(r PeerReport) {
	if r.Instance == h.instance {
		return
	}
	h.mu.RLock()
	g := h.groups[r.ContentRef]
	h.mu.RUnlock()
	if g == nil {
		return
	}
	offsets := g.record(r.SessionID, r.Offset, h.clock.Now(), false, h.opts.StaleTimeout)
	h.correct(context.Background(), g, offsets)
}

// leave removes c from its group. When release is set and no other local
// connection still carries the session, the session is closed once the
// disconnect grace period passes without a new REGISTER.
func (h *Hub) leave(c *Client, release bool) (uuid.UUID, bool) {
	sessionID, g := c.membership()
	if g == nil {
		return uuid.Nil, false
	}
	c.join(uuid.Nil, nil)

	var closeNow bool
	h.mu.Lock()
	g.mu.Lock()
	left := g.remove(c)
	held := g.holds(sessionID)
	if !held {
		delete(g.peers, sessionID)
	}
	var cancel func()
	if left == 0 {
		g.closed = true
		cancel = g.cancel
		if h.groups[g.contentRef] == g {
			delete(h.groups, g.contentRef)
		}
	}
	g.mu.Unlock()
	if release && !held {
		closeNow = h.scheduleCloseLocked(sessionID)
	}
	h.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if closeNow {
		h.closeSession(sessionID)
	}
	return sessionID, true
}

// scheduleCloseLocked arms the grace timer for sessionID and reports whether
// the caller must close it right away instead. h.mu must be held.
func (h *Hub) scheduleCloseLocked(sessionID uuid.UUID) bool {
	if h.opts.DisconnectGrace == 0 {
		return true
	}
	if old, ok := h.pending[sessionID]; ok {
		old.Stop()
	}
	var t clockwork.Timer
	t = h.clock.AfterFunc(h.opts.DisconnectGrace, func() {
		h.mu.Lock()
		if h.pending[sessionID] != t {
			// Cancelled by a REGISTER that raced with the timer.
			h.mu.Unlock()
			return
		}
		delete(h.pending, sessionID)
		h.mu.Unlock()
		h.closeSession(sessionID)
	})
	h.pending[sessionID] = t
	return false
}

// disconnect runs when the socket goes away. The session is closed after the
// grace period unless the viewer registers again first.
func (h *Hub) disconnect(c *Client) {
	sessionID, ok := h.leave(c, true)
	if !ok {
		return
	}
	h.logger.Debug("client disconnected", zap.String("client_id", c.id), zap.String("session_id", sessionID.String()))
}

func (h *Hub) closeSession(id uuid.UUID) {
	ctx, cancel := context.WithTimeout(context.Background(), writeWait)
	defer cancel()
	if _, err := h.manager.Close(ctx, id); err != nil && !errors.Is(err, sessions.ErrSessionNotFound) {
		h.logger.Warn("close session after disconnect", zap.String("session_id", id.String()), zap.Error(err))
	}
}

// GroupSize returns the number of local connections registered for contentRef.
func (h *Hub) GroupSize(contentRef string) int {
	h.mu.RLock()
	g := h.groups[contentRef]
	h.mu.RUnlock()
	if g == nil {
		return 0
	}
	return len(g.snapshot())
}

// Shutdown stops pending grace timers and closes their sessions right away.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	ids := make([]uuid.UUID, 0, len(h.pending))
	for id, t := range h.pending {
		t.Stop()
		ids = append(ids, id)
	}
	h.pending = make(map[uuid.UUID]clockwork.Timer)
	h.mu.Unlock()
	for _, id := range ids {
		h.closeSession(id)
	}
}
