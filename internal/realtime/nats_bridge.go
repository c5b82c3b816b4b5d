package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// NATSConfig configures the NATS peer bridge.
type NATSConfig struct {
	URL           string
	SubjectPrefix string // subjects are <prefix>.<contentRef>
	MaxReconnects int
	ReconnectWait time.Duration
}

// DefaultNATSConfig returns defaults for url.
func DefaultNATSConfig(url string) NATSConfig {
	if url == "" {
		url = nats.DefaultURL
	}
	return NATSConfig{
		URL:           url,
		SubjectPrefix: "sync",
		MaxReconnects: -1, // forever
		ReconnectWait: 2 * time.Second,
	}
}

// NATSBridge implements PeerBridge over core NATS subjects. Reports are
// ephemeral, so there is no JetStream persistence behind it.
type NATSBridge struct {
	nc     *nats.Conn
	prefix string
	logger *zap.Logger
}

// NewNATSBridge connects to NATS.
func NewNATSBridge(cfg NATSConfig, logger *zap.Logger) (*NATSBridge, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts := []nats.Option{
		nats.Name("broadcast-sync-hub"),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	}
	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	return &NATSBridge{nc: nc, prefix: cfg.SubjectPrefix, logger: logger}, nil
}

// Tokens in a NATS subject cannot contain separators or wildcards.
var subjectToken = strings.NewReplacer(".", "_", " ", "_", "*", "_", ">", "_")

func (b *NATSBridge) subject(contentRef string) string {
	return b.prefix + "." + subjectToken.Replace(contentRef)
}

// PublishReport publishes r on its content subject.
func (b *NATSBridge) PublishReport(_ context.Context, r PeerReport) error {
	body, err := json.Marshal(r)
	if err != nil {
		return err
	}
	return b.nc.Publish(b.subject(r.ContentRef), body)
}

// Subscribe calls handler for every report on contentRef's subject until cancel is called.
func (b *NATSBridge) Subscribe(contentRef string, handler func(PeerReport)) (func(), error) {
	sub, err := b.nc.Subscribe(b.subject(contentRef), func(m *nats.Msg) {
		var r PeerReport
		if err := json.Unmarshal(m.Data, &r); err != nil {
			b.logger.Debug("drop malformed peer report", zap.String("subject", m.Subject), zap.Error(err))
			return
		}
		handler(r)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe: %w", err)
	}
	return func() { _ = sub.Unsubscribe() }, nil
}

// Close drains the connection.
func (b *NATSBridge) Close() {
	if err := b.nc.Drain(); err != nil {
		b.nc.Close()
	}
}
