// Package dispatch hands local execution tasks to query runners through a
// message broker and reports their completion back to the scheduler.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// Topics.
const (
	TopicTasks       = "relay.tasks"
	TopicCompletions = "relay.completions"
)

// ErrClosed is returned by Publish after Close.
var ErrClosed = errors.New("broker closed")

// Handler processes one message. Errors are logged and the message is not
// redelivered; tasks left in_progress are recovered by the stale-task sweep.
type Handler func(ctx context.Context, payload []byte) error

// Broker is an at-least-once message transport with competing consumers per
// group.
type Broker interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	// Consume delivers messages of topic to h until ctx is cancelled.
	Consume(ctx context.Context, topic, group string, h Handler) error
	Close() error
}

// NewBroker creates the broker selected by cfg.
func NewBroker(ctx context.Context, cfg *Config, logger *slog.Logger) (Broker, error) {
	switch cfg.Broker {
	case BrokerMemory, "":
		return NewMemoryBroker(logger), nil
	case BrokerRedis:
		return NewRedisBroker(ctx, cfg.RedisAddr, "relay:", logger)
	case BrokerKafka:
		return NewKafkaBroker(cfg.KafkaBrokers, logger), nil
	}
	return nil, fmt.Errorf("unknown broker %q", cfg.Broker)
}

// MemoryBroker is an in-process broker for single-binary deployments and
// tests. Each topic is a buffered channel shared by every consumer.
type MemoryBroker struct {
	mu     sync.Mutex
	topics map[string]chan []byte
	done   chan struct{}
	closed bool
	logger *slog.Logger
}

// NewMemoryBroker creates an empty MemoryBroker.
func NewMemoryBroker(logger *slog.Logger) *MemoryBroker {
	if logger == nil {
		logger = slog.Default()
	}
	return &MemoryBroker{topics: map[string]chan []byte{}, done: make(chan struct{}), logger: logger}
}

func (b *MemoryBroker) topic(name string) (chan []byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	ch, ok := b.topics[name]
	if !ok {
		ch = make(chan []byte, 1024)
		b.topics[name] = ch
	}
	return ch, nil
}

func (b *MemoryBroker) Publish(ctx context.Context, topic string, payload []byte) error {
	ch, err := b.topic(topic)
	if err != nil {
		return err
	}
	select {
	case ch <- payload:
		return nil
	case <-b.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *MemoryBroker) Consume(ctx context.Context, topic, _ string, h Handler) error {
	ch, err := b.topic(topic)
	if err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-b.done:
			return nil
		case msg := <-ch:
			if err := h(ctx, msg); err != nil {
				b.logger.Error("message handler failed", "topic", topic, "error", err)
			}
		}
	}
}

func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed {
		b.closed = true
		close(b.done)
	}
	return nil
}
