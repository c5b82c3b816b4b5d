package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	channelPrefix  = "sync:"
	publishTimeout = 2 * time.Second
)

// PeerReport is an accepted REPORT shared between hub instances.
type PeerReport struct {
	Instance   string    `json:"instance"`
	SessionID  uuid.UUID `json:"sessionId"`
	ContentRef string    `json:"contentRef"`
	Offset     float64   `json:"offset"`
	At         int64     `json:"at"`
}

// RedisBridge implements PeerBridge using Redis pub/sub, one channel per contentRef.
type RedisBridge struct {
	client *redis.Client
	logger *zap.Logger
}

// NewRedisBridge creates a Redis pub/sub bridge for peer reports.
func NewRedisBridge(client *redis.Client, logger *zap.Logger) *RedisBridge {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisBridge{client: client, logger: logger}
}

// PublishReport publishes r on its content channel.
func (r *RedisBridge) PublishReport(ctx context.Context, rep PeerReport) error {
	body, err := json.Marshal(rep)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	return r.client.Publish(ctx, channelPrefix+rep.ContentRef, body).Err()
}

// Subscribe calls handler for every report on contentRef's channel until cancel is called.
func (r *RedisBridge) Subscribe(contentRef string, handler func(PeerReport)) (cancel func(), err error) {
	channel := channelPrefix + contentRef
	ctx, cancelCtx := context.WithCancel(context.Background())
	pubsub := r.client.Subscribe(ctx, channel)
	if _, err = pubsub.Receive(ctx); err != nil {
		cancelCtx()
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe: %w", err)
	}
	ch := pubsub.Channel()
	go func() {
		defer pubsub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var rep PeerReport
				if err := json.Unmarshal([]byte(msg.Payload), &rep); err != nil {
					r.logger.Debug("drop malformed peer report", zap.String("channel", channel), zap.Error(err))
					continue
				}
				handler(rep)
			}
		}
	}()
	return cancelCtx, nil
}
