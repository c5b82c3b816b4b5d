// Package syncclient is a Go client for the broadcast sync channel. It keeps a
// local Player in step with the shared timeline: it reports playback over the
// /sync WebSocket and applies SYNC pushes, and when the socket is unavailable
// it falls back to polling the REST API and correcting locally.
package syncclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/aura-broadcast/backend/internal/drift"
	"github.com/aura-broadcast/backend/pkg/response"
)

// Errors returned by the client.
var (
	// ErrSessionNotFound means the session expired or was closed; open a new one.
	ErrSessionNotFound = errors.New("session not found")
	ErrNoSession       = errors.New("no session opened")
)

// Defaults.
const (
	DefaultReportInterval = 5 * time.Second
	DefaultMaxBackoff     = 30 * time.Second
	DefaultHTTPTimeout    = 10 * time.Second
)

// Player is the local playback the client keeps in step.
// Implementations must be safe for concurrent use.
type Player interface {
	Position() float64
	Seek(offset float64)
}

// Config configures a Client.
type Config struct {
	BaseURL        string // e.g. http://localhost:8080
	Token          string // bearer token issued by the identity service
	ContentRef     string
	DeviceInfo     map[string]any
	ReportInterval time.Duration
	Tolerance      float64 // seconds; seek only when a target is further ahead than this
	Threshold      float64 // seconds; degraded mode corrects when further behind than this
	Mode           drift.Mode
	MaxBackoff     time.Duration
}

func (c *Config) applyDefaults() {
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")
	if c.ReportInterval <= 0 {
		c.ReportInterval = DefaultReportInterval
	}
	if c.Threshold <= 0 {
		c.Threshold = drift.DefaultThreshold
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = DefaultMaxBackoff
	}
}

// Client keeps one viewer session in sync.
type Client struct {
	cfg       Config
	player    Player
	corrector drift.Corrector
	http      *http.Client
	dialer    *websocket.Dialer
	clock     clockwork.Clock
	logger    *zap.Logger

	mu        sync.RWMutex
	sessionID uuid.UUID
	degraded  atomic.Bool
}

// New creates a client for player. httpClient may be nil.
func New(cfg Config, player Player, httpClient *http.Client, clock clockwork.Clock, logger *zap.Logger) *Client {
	cfg.applyDefaults()
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		cfg:       cfg,
		player:    player,
		corrector: drift.NewCorrector(cfg.Tolerance),
		http:      httpClient,
		dialer:    &websocket.Dialer{HandshakeTimeout: DefaultHTTPTimeout},
		clock:     clock,
		logger:    logger.With(zap.String("content_ref", cfg.ContentRef)),
	}
}

// SessionID returns the open session, or uuid.Nil.
func (c *Client) SessionID() uuid.UUID {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sessionID
}

// Degraded reports whether the client is currently polling instead of streaming.
func (c *Client) Degraded() bool { return c.degraded.Load() }

type openRequest struct {
	ContentRef string         `json:"contentRef"`
	DeviceInfo map[string]any `json:"deviceInfo,omitempty"`
}

type openResponse struct {
	SessionID     uuid.UUID `json:"sessionId"`
	OffsetSeconds float64   `json:"offsetSeconds"`
}

// Open opens a session for the configured content and seeks the player to
// the seeded offset.
func (c *Client) Open(ctx context.Context) (uuid.UUID, error) {
	var out openResponse
	err := c.do(ctx, http.MethodPost, "/sessions", openRequest{ContentRef: c.cfg.ContentRef, DeviceInfo: c.cfg.DeviceInfo}, &out)
	if err != nil {
		return uuid.Nil, fmt.Errorf("open session: %w", err)
	}
	c.mu.Lock()
	c.sessionID = out.SessionID
	c.mu.Unlock()
	c.player.Seek(out.OffsetSeconds)
	c.logger.Info("session opened", zap.String("session_id", out.SessionID.String()), zap.Float64("offset", out.OffsetSeconds))
	return out.SessionID, nil
}

// End closes the session. Ending an already closed session is not an error.
func (c *Client) End(ctx context.Context) error {
	id := c.SessionID()
	if id == uuid.Nil {
		return ErrNoSession
	}
	err := c.do(ctx, http.MethodPut, "/sessions/"+id.String()+"/end", nil, nil)
	if err != nil && !errors.Is(err, ErrSessionNotFound) {
		return fmt.Errorf("end session: %w", err)
	}
	return nil
}

// Run streams over /sync until ctx is done or the session is gone. While the
// socket is down it polls at the report interval and retries the socket with
// exponential backoff. It returns ErrSessionNotFound when the server no
// longer knows the session.
func (c *Client) Run(ctx context.Context) error {
	id := c.SessionID()
	if id == uuid.Nil {
		return ErrNoSession
	}
	backoff := c.cfg.ReportInterval
	for {
		err := c.stream(ctx, id, func() { backoff = c.cfg.ReportInterval })
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, ErrSessionNotFound) {
			return err
		}
		if !c.degraded.Swap(true) {
			c.logger.Warn("sync channel unavailable, polling", zap.Error(err))
		} else {
			c.logger.Debug("sync channel retry failed", zap.Error(err), zap.Duration("backoff", backoff))
		}
		if err := c.pollFor(ctx, id, backoff); err != nil {
			return err
		}
		backoff *= 2
		if backoff > c.cfg.MaxBackoff {
			backoff = c.cfg.MaxBackoff
		}
	}
}

// seekForward applies a correction target through the corrector.
func (c *Client) seekForward(target float64) bool {
	local := c.player.Position()
	to, seek := c.corrector.Apply(local, target)
	if seek {
		c.player.Seek(to)
		c.logger.Debug("seek forward", zap.Float64("from", local), zap.Float64("to", to))
	}
	return seek
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Code    string          `json:"code"`
	Error   string          `json:"error"`
}

// do sends a JSON request and decodes the data field of the response envelope
// into out. A 204 leaves out untouched and returns errNoContent.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNoContent {
		return errNoContent
	}
	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("decode %s %s: status %d: %w", method, path, resp.StatusCode, err)
	}
	if !env.Success {
		if env.Code == response.CodeSessionNotFound {
			return ErrSessionNotFound
		}
		return fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, env.Error)
	}
	if out != nil && len(env.Data) > 0 {
		return json.Unmarshal(env.Data, out)
	}
	return nil
}

var errNoContent = errors.New("no content")
