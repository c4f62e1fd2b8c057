package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// WorkerPool is the query runner: it consumes task messages with a pool of
// goroutines, executes them and publishes completions.
type WorkerPool struct {
	broker Broker
	exec   *Executor
	store  TaskStore
	cfg    *Config
	logger *slog.Logger
	wg     sync.WaitGroup
}

// NewWorkerPool creates a new worker pool.
func NewWorkerPool(broker Broker, exec *Executor, store TaskStore, cfg *Config, logger *slog.Logger) *WorkerPool {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &WorkerPool{
		broker: broker,
		exec:   exec,
		store:  store,
		cfg:    cfg,
		logger: logger,
	}
}

// Run starts cfg.Concurrency consumers and the stale-task sweep. It blocks
// until ctx is cancelled, then waits for in-flight tasks to finish.
func (wp *WorkerPool) Run(ctx context.Context) {
	wp.logger.Info("query runner starting",
		"concurrency", wp.cfg.Concurrency,
		"broker", wp.cfg.Broker,
		"claimTimeout", wp.cfg.ClaimTimeout.String())

	wp.wg.Add(1)
	go func() {
		defer wp.wg.Done()
		wp.cleanupLoop(ctx)
	}()

	for i := 0; i < wp.cfg.Concurrency; i++ {
		wp.wg.Add(1)
		go func(workerID int) {
			defer wp.wg.Done()
			wp.logger.Info("worker started", "workerID", workerID)
			if err := wp.broker.Consume(ctx, TopicTasks, wp.cfg.Group, wp.handle); err != nil {
				wp.logger.Error("worker stopped", "workerID", workerID, "error", err)
				return
			}
			wp.logger.Info("worker stopped", "workerID", workerID)
		}(i)
	}

	<-ctx.Done()
	wp.logger.Info("query runner shutting down, waiting for workers to finish")
	wp.wg.Wait()
	wp.logger.Info("query runner stopped")
}

func (wp *WorkerPool) handle(ctx context.Context, payload []byte) error {
	var msg TaskMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return fmt.Errorf("decode task message: %w", err)
	}
	t, err := wp.exec.Run(ctx, msg.TaskID)
	if err != nil {
		return fmt.Errorf("run task %s: %w", msg.TaskID, err)
	}
	if !t.State.IsTerminal() {
		// Claimed by another runner.
		return nil
	}
	out, err := json.Marshal(Completion{TaskID: t.ID, State: t.State})
	if err != nil {
		return err
	}
	return wp.broker.Publish(ctx, TopicCompletions, out)
}

func (wp *WorkerPool) cleanupLoop(ctx context.Context) {
	if wp.cfg.ClaimTimeout <= 0 {
		return
	}
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			failed, err := wp.store.FailStaleTasks(ctx, wp.cfg.ClaimTimeout)
			if err != nil {
				wp.logger.Error("failed to fail stale tasks", "error", err)
			} else if failed > 0 {
				wp.logger.Info("failed stale tasks", "count", failed)
			}
		}
	}
}
