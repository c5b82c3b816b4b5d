package syncclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/aura-broadcast/backend/internal/realtime"
)

func (c *Client) wsURL() string {
	u := c.cfg.BaseURL
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u + "/sync"
}

// stream runs one WebSocket connection: REGISTER, then a REPORT every
// interval, applying SYNC pushes as they arrive. registered is called once the
// server has accepted the connection.
func (c *Client) stream(ctx context.Context, id uuid.UUID, registered func()) error {
	header := http.Header{}
	if c.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+c.cfg.Token)
	}
	conn, resp, err := c.dialer.DialContext(ctx, c.wsURL(), header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return fmt.Errorf("dial sync channel: %w", err)
	}
	defer conn.Close()

	var hello realtime.WSMessage
	if err := conn.ReadJSON(&hello); err != nil {
		return fmt.Errorf("read connected: %w", err)
	}
	if hello.Type != realtime.TypeConnected {
		return fmt.Errorf("unexpected first message %q", hello.Type)
	}
	if err := c.write(conn, realtime.TypeRegister, realtime.RegisterData{SessionID: id, ContentRef: c.cfg.ContentRef}); err != nil {
		return err
	}
	if c.degraded.Swap(false) {
		c.logger.Info("sync channel restored")
	}
	registered()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-gctx.Done()
		_ = conn.Close()
		return nil
	})
	g.Go(func() error { return c.readLoop(conn) })
	g.Go(func() error { return c.reportLoop(gctx, conn, id) })
	return g.Wait()
}

func (c *Client) write(conn *websocket.Conn, typ string, payload any) error {
	msg, err := realtime.Encode(typ, payload)
	if err != nil {
		return err
	}
	if err := conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("write %s: %w", typ, err)
	}
	return nil
}

func (c *Client) reportLoop(ctx context.Context, conn *websocket.Conn, id uuid.UUID) error {
	ticker := c.clock.NewTicker(c.cfg.ReportInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.Chan():
			report := realtime.ReportData{SessionID: id, Offset: c.player.Position(), At: c.clock.Now().UnixMilli()}
			if err := c.write(conn, realtime.TypeReport, report); err != nil {
				return err
			}
		}
	}
}

func (c *Client) readLoop(conn *websocket.Conn) error {
	for {
		var msg realtime.WSMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return fmt.Errorf("read sync channel: %w", err)
		}
		switch msg.Type {
		case realtime.TypeSync:
			var d realtime.SyncData
			if err := json.Unmarshal(msg.Data, &d); err != nil {
				c.logger.Debug("malformed SYNC", zap.Error(err))
				continue
			}
			c.seekForward(d.CurrentTime)
		case realtime.TypeError:
			var d realtime.ErrorData
			_ = json.Unmarshal(msg.Data, &d)
			if d.Code == realtime.ErrCodeSessionNotFound {
				return ErrSessionNotFound
			}
			c.logger.Warn("sync channel error", zap.String("code", d.Code), zap.String("message", d.Message))
		}
	}
}
