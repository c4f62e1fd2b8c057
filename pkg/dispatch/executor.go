package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/relaymesh/relay/pkg/execute"
	"github.com/relaymesh/relay/pkg/metrics"
	"github.com/relaymesh/relay/pkg/registry"
	"github.com/relaymesh/relay/pkg/results"
	"github.com/relaymesh/relay/pkg/tasks"
)

// SourceStore looks up the data source a task runs against.
type SourceStore interface {
	GetDataSource(ctx context.Context, id string) (*registry.DataSource, error)
}

// TaskStore is the subset of the task store used for execution.
type TaskStore interface {
	GetTask(ctx context.Context, id string) (*tasks.QueryTask, error)
	StartTask(ctx context.Context, id string) (bool, error)
	CompleteTask(ctx context.Context, id, location string) (bool, error)
	FailTask(ctx context.Context, id, reason string) (bool, error)
	FailStaleTasks(ctx context.Context, timeout time.Duration) (int64, error)
}

// Executor runs one local task end to end: it claims the task, executes its
// SQL, materializes the rows and records the outcome.
type Executor struct {
	tasks   TaskStore
	sources SourceStore
	engines *execute.Registry
	results results.Store
	prefix  string
	logger  *slog.Logger
}

// NewExecutor creates an Executor writing result blobs under prefix.
func NewExecutor(taskStore TaskStore, sources SourceStore, engines *execute.Registry, store results.Store, prefix string, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		tasks:   taskStore,
		sources: sources,
		engines: engines,
		results: store,
		prefix:  prefix,
		logger:  logger,
	}
}

// Run executes the task with the given id unless another worker already
// claimed it, and returns the task's state afterwards. Running a terminal
// task is a no-op, so duplicate deliveries are harmless.
func (x *Executor) Run(ctx context.Context, taskID string) (*tasks.QueryTask, error) {
	t, err := x.tasks.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, fmt.Errorf("task %s not found", taskID)
	}
	if t.State.IsTerminal() {
		return t, nil
	}
	started, err := x.tasks.StartTask(ctx, t.ID)
	if err != nil {
		return nil, err
	}
	if !started {
		return x.tasks.GetTask(ctx, t.ID)
	}

	begin := time.Now()
	location, execErr := x.materialize(ctx, t)
	metrics.TaskDuration.Observe(time.Since(begin).Seconds())

	if execErr != nil {
		x.logger.Warn("local task failed", "task", t.ID, "source", t.DataSourceName, "error", execErr)
		if _, err := x.tasks.FailTask(ctx, t.ID, execErr.Error()); err != nil {
			return nil, err
		}
		metrics.LocalTasksTotal.WithLabelValues(string(tasks.TaskFailed)).Inc()
		return x.tasks.GetTask(ctx, t.ID)
	}

	ok, err := x.tasks.CompleteTask(ctx, t.ID, location)
	if err != nil {
		return nil, err
	}
	if ok {
		metrics.LocalTasksTotal.WithLabelValues(string(tasks.TaskComplete)).Inc()
	} else if err := x.results.Delete(ctx, location); err != nil {
		x.logger.Warn("delete orphaned result", "task", t.ID, "location", location, "error", err)
	}
	return x.tasks.GetTask(ctx, t.ID)
}

// Execute runs t inline.
func (x *Executor) Execute(ctx context.Context, t *tasks.QueryTask) (*tasks.QueryTask, error) {
	return x.Run(ctx, t.ID)
}

func (x *Executor) materialize(ctx context.Context, t *tasks.QueryTask) (string, error) {
	ds, err := x.sources.GetDataSource(ctx, t.DataSourceID)
	if err != nil {
		return "", err
	}
	if ds == nil {
		return "", fmt.Errorf("%w: data source %s no longer exists", execute.ErrExecution, t.DataSourceID)
	}
	engine, err := x.engines.EngineFor(ctx, ds.Connection, *ds)
	if err != nil {
		return "", err
	}
	rows, err := engine.Execute(ctx, t.SQL, t.Schema)
	if err != nil {
		return "", err
	}
	defer rows.Close()

	key := results.Key(x.prefix, t.ID)
	n, err := results.WriteRecords(ctx, x.results, key, rows)
	if err != nil {
		return "", err
	}
	x.logger.Info("local task complete", "task", t.ID, "source", ds.Name, "rows", n)
	return key, nil
}
