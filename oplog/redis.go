package oplog

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"

	"collabtext/wire"
)

// RedisBus fans ops out over one Redis pub/sub channel per document, so
// several relay instances can serve the same document.
type RedisBus struct {
	rdb    *redis.Client
	prefix string
	logger *slog.Logger
}

// NewRedisBus wraps a connected client.
func NewRedisBus(rdb *redis.Client, logger *slog.Logger) *RedisBus {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisBus{rdb: rdb, prefix: "collabtext:doc:", logger: logger}
}

func (b *RedisBus) channel(docID string) string {
	return b.prefix + docID
}

func (b *RedisBus) Publish(ctx context.Context, docID string, f wire.Frame) error {
	payload, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	if err := b.rdb.Publish(ctx, b.channel(docID), payload).Err(); err != nil {
		return fmt.Errorf("publish to redis: %w", err)
	}
	return nil
}

func (b *RedisBus) Subscribe(ctx context.Context, docID string) (<-chan wire.Frame, func(), error) {
	pubsub := b.rdb.Subscribe(ctx, b.channel(docID))
	// Wait for the subscription so nothing published after we return is lost.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, nil, fmt.Errorf("subscribe to redis: %w", err)
	}

	out := make(chan wire.Frame, 256)
	var once sync.Once
	cancel := func() { once.Do(func() { _ = pubsub.Close() }) }

	go func() {
		defer close(out)
		for msg := range pubsub.Channel() {
			f, err := wire.Decode([]byte(msg.Payload))
			if err != nil {
				b.logger.Warn("Dropping undecodable frame from redis", slog.String("doc", docID), slog.String("error", err.Error()))
				continue
			}
			select {
			case out <- f:
			case <-ctx.Done():
				cancel()
				return
			}
		}
	}()
	go func() {
		<-ctx.Done()
		cancel()
	}()
	return out, cancel, nil
}
