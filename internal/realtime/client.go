package realtime

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/aura-broadcast/backend/internal/middleware"
	"github.com/aura-broadcast/backend/pkg/response"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // the token is the gate, not the origin
	},
}

const maxFrameSize = 4096

// Client is one /sync connection. Reads land in a bounded mailbox served by a
// single task; writes go through a bounded queue that drops the oldest
// message when the consumer is slow.
type Client struct {
	id        string
	subjectID string
	hub       *Hub
	conn      *websocket.Conn
	logger    *zap.Logger

	send    chan WSMessage
	inbox   chan Inbound
	limiter *rate.Limiter
	done    chan struct{}
	once    sync.Once

	mu        sync.Mutex
	sessionID uuid.UUID
	group     *group
	idle      clockwork.Timer
}

// ServeWs handles the WebSocket upgrade on /sync. It must run behind
// middleware.JWT so the subject is known.
func (h *Hub) ServeWs(c *gin.Context) {
	subject := middleware.SubjectID(c)
	if subject == "" {
		response.Unauthorized(c, "missing subject")
		return
	}
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	client := h.newClient(conn, subject)
	client.run()
}

func (h *Hub) newClient(conn *websocket.Conn, subject string) *Client {
	// Allow a few reports per interval plus a burst for REGISTER and reconnect catch-up.
	limit := rate.Every(h.opts.ReportInterval / 4)
	return &Client{
		id:        uuid.NewString(),
		subjectID: subject,
		hub:       h,
		conn:      conn,
		logger:    h.logger,
		send:      make(chan WSMessage, h.opts.OutboundQueue),
		inbox:     make(chan Inbound, h.opts.InboundMailbox),
		limiter:   rate.NewLimiter(limit, 8),
		done:      make(chan struct{}),
	}
}

func (c *Client) run() {
	c.hub.metrics.AddConnections(1)
	defer c.hub.metrics.AddConnections(-1)

	msg, err := Encode(TypeConnected, ConnectedData{ConnectionID: c.id, Timestamp: c.hub.clock.Now().UnixMilli()})
	if err == nil {
		c.enqueue(msg)
	}

	c.armIdle()
	defer c.stopIdle()

	go c.writePump()
	go c.process()
	c.readPump()
}

func (c *Client) membership() (uuid.UUID, *group) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID, c.group
}

func (c *Client) join(sessionID uuid.UUID, g *group) {
	c.mu.Lock()
	c.sessionID, c.group = sessionID, g
	c.mu.Unlock()
}

// armIdle closes the connection if it is still unregistered after
// RegisterTimeout. It replaces any previously armed timer.
func (c *Client) armIdle() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.idle != nil {
		c.idle.Stop()
	}
	c.idle = c.hub.clock.AfterFunc(c.hub.opts.RegisterTimeout, func() {
		if sid, _ := c.membership(); sid == uuid.Nil {
			c.logger.Debug("closing connection idle without REGISTER", zap.String("client_id", c.id))
			c.shutdown()
		}
	})
}

func (c *Client) stopIdle() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.idle != nil {
		c.idle.Stop()
		c.idle = nil
	}
}

// shutdown stops every task of the connection; safe to call repeatedly.
func (c *Client) shutdown() {
	c.once.Do(func() {
		close(c.done)
		if c.conn != nil {
			_ = c.conn.Close()
		}
	})
}

func (c *Client) readPump() {
	defer func() {
		c.shutdown()
		c.hub.disconnect(c)
	}()

	c.conn.SetReadLimit(maxFrameSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(PongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(PongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug("websocket read", zap.String("client_id", c.id), zap.Error(err))
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(PongWait))

		in, err := DecodeInbound(raw)
		if err != nil {
			c.sendError(ErrCodeInvalidMessage, err.Error())
			continue
		}
		if in.Type == TypeReport && !c.limiter.Allow() {
			c.hub.metrics.IncInboundDropped()
			continue
		}
		select {
		case c.inbox <- in:
		default:
			c.hub.metrics.IncInboundDropped()
		}
	}
}

// process serves the mailbox one message at a time, so a connection's
// reports are applied in arrival order.
func (c *Client) process() {
	for {
		select {
		case <-c.done:
			return
		case in := <-c.inbox:
			ctx, cancel := context.WithTimeout(context.Background(), writeWait)
			switch in.Type {
			case TypeRegister:
				c.hub.register(ctx, c, in.Register)
			case TypeReport:
				c.hub.report(ctx, c, in.Report)
			}
			cancel()
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(PingInterval)
	defer func() {
		ticker.Stop()
		c.shutdown()
	}()

	for {
		select {
		case <-c.done:
			_ = c.conn.WriteControl(websocket.CloseMessage, []byte{}, time.Now().Add(time.Second))
			return
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// enqueue never blocks. When the queue is full the oldest message is dropped.
func (c *Client) enqueue(msg WSMessage) {
	select {
	case <-c.done:
		return
	default:
	}
	for i := 0; i < 2; i++ {
		select {
		case c.send <- msg:
			return
		default:
		}
		select {
		case <-c.send:
			c.hub.metrics.IncOutboundDropped()
		default:
		}
	}
	c.hub.metrics.IncOutboundDropped()
}

func (c *Client) sendSync(contentRef string, currentTime float64, now time.Time) {
	msg, err := Encode(TypeSync, SyncData{
		CurrentTime: currentTime,
		ContentRef:  contentRef,
		Playing:     true,
		Timestamp:   now.UnixMilli(),
	})
	if err != nil {
		return
	}
	c.hub.metrics.IncSyncPush()
	c.enqueue(msg)
}

func (c *Client) sendError(code, message string) {
	msg, err := Encode(TypeError, ErrorData{Code: code, Message: message})
	if err != nil {
		return
	}
	c.enqueue(msg)
}
