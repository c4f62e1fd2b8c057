package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisBroker keeps each topic in a Redis list. Publish pushes on the left
// and consumers pop from the right, so every message reaches one consumer.
type RedisBroker struct {
	client *redis.Client
	prefix string
	logger *slog.Logger
}

// NewRedisBroker connects to addr and verifies the connection.
func NewRedisBroker(ctx context.Context, addr, prefix string, logger *slog.Logger) (*RedisBroker, error) {
	client := redis.NewClient(&redis.Options{
		Addr:       addr,
		MaxRetries: 3,
		PoolSize:   10,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis %s: %w", addr, err)
	}
	return newRedisBroker(client, prefix, logger), nil
}

func newRedisBroker(client *redis.Client, prefix string, logger *slog.Logger) *RedisBroker {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisBroker{client: client, prefix: prefix, logger: logger}
}

func (b *RedisBroker) key(topic string) string { return b.prefix + topic }

func (b *RedisBroker) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := b.client.LPush(ctx, b.key(topic), payload).Err(); err != nil {
		return fmt.Errorf("publish to %s: %w", topic, err)
	}
	return nil
}

func (b *RedisBroker) Consume(ctx context.Context, topic, _ string, h Handler) error {
	key := b.key(topic)
	for {
		res, err := b.client.BRPop(ctx, time.Second, key).Result()
		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			b.logger.Error("redis pop failed", "topic", topic, "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}
		// res is [key, value].
		if err := h(ctx, []byte(res[1])); err != nil {
			b.logger.Error("message handler failed", "topic", topic, "error", err)
		}
	}
}

func (b *RedisBroker) Close() error { return b.client.Close() }
