package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/relaymesh/relay/pkg/tasks"
)

// TaskMessage asks a runner to execute a queued local task.
type TaskMessage struct {
	TaskID    string `json:"task_id"`
	RequestID string `json:"query_request_id"`
}

// Completion reports that a task reached a terminal state.
type Completion struct {
	TaskID string          `json:"task_id"`
	State  tasks.TaskState `json:"state"`
}

// Dispatcher publishes local tasks to runners and waits for their outcome.
// Completion messages wake waiters early; the task store is polled as a
// fallback because completions may be consumed by another relay instance.
type Dispatcher struct {
	broker Broker
	store  TaskStore
	cfg    *Config
	logger *slog.Logger

	mu      sync.Mutex
	waiters map[string][]chan struct{}
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(broker Broker, store TaskStore, cfg *Config, logger *slog.Logger) *Dispatcher {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		broker:  broker,
		store:   store,
		cfg:     cfg,
		logger:  logger,
		waiters: map[string][]chan struct{}{},
	}
}

// Listen consumes completion messages until ctx is cancelled.
func (d *Dispatcher) Listen(ctx context.Context) error {
	return d.broker.Consume(ctx, TopicCompletions, d.cfg.Group+"-completions", func(_ context.Context, payload []byte) error {
		var c Completion
		if err := json.Unmarshal(payload, &c); err != nil {
			return fmt.Errorf("decode completion: %w", err)
		}
		d.notify(c.TaskID)
		return nil
	})
}

// Submit publishes a task for execution.
func (d *Dispatcher) Submit(ctx context.Context, t *tasks.QueryTask) error {
	payload, err := json.Marshal(TaskMessage{TaskID: t.ID, RequestID: t.QueryRequestID})
	if err != nil {
		return err
	}
	if err := d.broker.Publish(ctx, TopicTasks, payload); err != nil {
		return err
	}
	d.logger.Debug("task dispatched", "task", t.ID)
	return nil
}

// Execute submits t to the runners and waits for its outcome.
func (d *Dispatcher) Execute(ctx context.Context, t *tasks.QueryTask) (*tasks.QueryTask, error) {
	if err := d.Submit(ctx, t); err != nil {
		return nil, err
	}
	return d.Await(ctx, t.ID)
}

// Await blocks until the task is terminal or ctx ends.
func (d *Dispatcher) Await(ctx context.Context, taskID string) (*tasks.QueryTask, error) {
	wake := d.register(taskID)
	defer d.unregister(taskID, wake)

	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()
	for {
		t, err := d.store.GetTask(ctx, taskID)
		if err != nil {
			return nil, err
		}
		if t == nil {
			return nil, fmt.Errorf("task %s not found", taskID)
		}
		if t.State.IsTerminal() {
			return t, nil
		}
		select {
		case <-ctx.Done():
			return t, ctx.Err()
		case <-wake:
		case <-ticker.C:
		}
	}
}

func (d *Dispatcher) register(taskID string) chan struct{} {
	ch := make(chan struct{}, 1)
	d.mu.Lock()
	d.waiters[taskID] = append(d.waiters[taskID], ch)
	d.mu.Unlock()
	return ch
}

func (d *Dispatcher) unregister(taskID string, ch chan struct{}) {
	d.mu.Lock()
	defer d.mu.Unlock()
	list := d.waiters[taskID]
	for i, c := range list {
		if c == ch {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(d.waiters, taskID)
	} else {
		d.waiters[taskID] = list
	}
}

func (d *Dispatcher) notify(taskID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, ch := range d.waiters[taskID] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
