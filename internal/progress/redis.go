package progress

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/tmarkov/reelvault/internal/models"
)

// progressChannel is the Redis pub/sub channel carrying progress events
// between replicas.
const progressChannel = "reelvault:progress"

// RedisBroadcaster relays progress events through Redis pub/sub so
// subscribers on any replica see events published by any other. Local
// delivery goes through the embedded Hub; Publish also pushes the event to
// Redis, and a listener goroutine feeds remote events back into the hub.
type RedisBroadcaster struct {
	hub    *Hub
	client *redis.Client
	cancel context.CancelFunc
}

// NewRedisBroadcaster connects to Redis, verifies the connection, and starts
// the relay listener.
func NewRedisBroadcaster(ctx context.Context, addr, password string) (*RedisBroadcaster, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	listenCtx, cancel := context.WithCancel(context.Background())
	b := &RedisBroadcaster{
		hub:    NewHub(),
		client: client,
		cancel: cancel,
	}

	go b.listen(listenCtx)

	slog.Info("redis progress relay initialized", "addr", addr)

	return b, nil
}

func (b *RedisBroadcaster) listen(ctx context.Context) {
	pubsub := b.client.Subscribe(ctx, progressChannel)
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var event models.ProgressEvent
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				slog.Warn("failed to decode progress event from redis", "error", err)
				continue
			}
			b.hub.Publish(event)
		}
	}
}

// Subscribe registers a listener via the local hub.
func (b *RedisBroadcaster) Subscribe(ctx context.Context, sessionID string) (<-chan models.ProgressEvent, func()) {
	return b.hub.Subscribe(ctx, sessionID)
}

// Publish pushes the event to Redis; local subscribers receive it when the
// relay loops it back. Publish failures fall back to local-only delivery.
func (b *RedisBroadcaster) Publish(event models.ProgressEvent) {
	payload, err := json.Marshal(event)
	if err != nil {
		slog.Warn("failed to encode progress event", "error", err)
		b.hub.Publish(event)
		return
	}

	if err := b.client.Publish(context.Background(), progressChannel, payload).Err(); err != nil {
		slog.Warn("failed to publish progress event to redis",
			"session_id", event.SessionID,
			"error", err,
		)
		b.hub.Publish(event)
	}
}

// Forget drops retained terminal state on this replica.
func (b *RedisBroadcaster) Forget(sessionID string) {
	b.hub.Forget(sessionID)
}

// Close stops the relay listener and closes the Redis connection.
func (b *RedisBroadcaster) Close() error {
	b.cancel()
	return b.client.Close()
}

var _ Broadcaster = (*RedisBroadcaster)(nil)
