package syncclient

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aura-broadcast/backend/internal/drift"
)

type syncRequest struct {
	OffsetSeconds float64 `json:"offsetSeconds"`
}

type syncResult struct {
	Accepted        bool     `json:"accepted"`
	CorrectedOffset *float64 `json:"correctedOffset"`
}

type nowResult struct {
	ContentRef    string `json:"contentRef"`
	OffsetSeconds int64  `json:"offsetSeconds"`
}

type peerSession struct {
	ID                   uuid.UUID `json:"id"`
	CurrentOffsetSeconds float64   `json:"currentOffsetSeconds"`
}

// pollFor runs degraded mode for d: one poll immediately, then one per report interval.
func (c *Client) pollFor(ctx context.Context, id uuid.UUID, d time.Duration) error {
	deadline := c.clock.After(d)
	ticker := c.clock.NewTicker(c.cfg.ReportInterval)
	defer ticker.Stop()
	for {
		if err := c.Poll(ctx, id); err != nil {
			if errors.Is(err, ErrSessionNotFound) {
				return err
			}
			c.logger.Debug("poll failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline:
			return nil
		case <-ticker.Chan():
		}
	}
}

// Poll performs one degraded-mode round: report the local position over
// REST, then compute the group reference from the schedule and the active
// peers and seek forward if the player has fallen behind it.
func (c *Client) Poll(ctx context.Context, id uuid.UUID) error {
	var res syncResult
	err := c.do(ctx, http.MethodPut, "/sessions/"+id.String()+"/sync", syncRequest{OffsetSeconds: c.player.Position()}, &res)
	if err != nil {
		return err
	}
	if !res.Accepted && res.CorrectedOffset != nil {
		c.seekForward(*res.CorrectedOffset)
	}

	var canonical float64
	var onAir bool
	var now nowResult
	switch err := c.do(ctx, http.MethodGet, "/timeline/now", nil, &now); {
	case err == nil:
		if now.ContentRef == c.cfg.ContentRef {
			canonical, onAir = float64(now.OffsetSeconds), true
		}
	case errors.Is(err, errNoContent):
	default:
		c.logger.Debug("timeline unavailable", zap.Error(err))
	}

	var list []peerSession
	if err := c.do(ctx, http.MethodGet, "/sessions/active?contentRef="+url.QueryEscape(c.cfg.ContentRef), nil, &list); err != nil {
		return err
	}
	peers := make([]float64, 0, len(list))
	for _, p := range list {
		if p.ID != id {
			peers = append(peers, p.CurrentOffsetSeconds)
		}
	}

	ref, ok := drift.Reference(c.cfg.Mode, canonical, onAir, peers, c.cfg.Threshold)
	if ok && drift.Behind(ref, c.player.Position(), c.cfg.Threshold) {
		c.seekForward(ref)
	}
	return nil
}
