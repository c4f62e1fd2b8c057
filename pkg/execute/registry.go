package execute

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	_ "github.com/apache/arrow-go/v18/arrow/flight/flightsql/driver"
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/microsoft/go-mssqldb"
	"github.com/relaymesh/relay/pkg/registry"
	_ "github.com/trinodb/trino-go-client/trino"
)

// DriverName returns the database/sql driver registered for a SQL
// connection kind.
func DriverName(kind registry.ConnectionKind) (string, error) {
	switch kind {
	case registry.KindPostgres:
		return "pgx", nil
	case registry.KindMySQL:
		return "mysql", nil
	case registry.KindSQLServer:
		return "sqlserver", nil
	case registry.KindSQLite:
		return "sqlite", nil
	case registry.KindTrino:
		return "trino", nil
	case registry.KindFlightSQL:
		return "flightsql", nil
	}
	return "", fmt.Errorf("no sql driver for connection kind %q", kind)
}

// Registry opens one engine per DataConnection and reuses it.
type Registry struct {
	mu      sync.Mutex
	engines map[string]Engine
	logger  *slog.Logger
}

// NewRegistry creates an empty Registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{engines: map[string]Engine{}, logger: logger}
}

// EngineFor returns the engine serving ds on conn, opening it on first use.
// File-directory sources are loaded into their engine before it is returned.
func (r *Registry) EngineFor(ctx context.Context, conn registry.DataConnection, ds registry.DataSource) (Engine, error) {
	r.mu.Lock()
	e, ok := r.engines[conn.ID]
	if !ok {
		var err error
		e, err = open(ctx, conn.Options)
		if err != nil {
			r.mu.Unlock()
			return nil, fmt.Errorf("connection %s: %w", conn.Name, err)
		}
		r.engines[conn.ID] = e
		r.logger.Info("opened execution engine", "connection", conn.Name, "kind", conn.Options.Kind)
	}
	r.mu.Unlock()

	if fe, ok := e.(*FileEngine); ok {
		if err := fe.Load(ctx, ds); err != nil {
			return nil, err
		}
	}
	return e, nil
}

// Put installs e as the engine of a connection, replacing any open one.
func (r *Registry) Put(connectionID string, e Engine) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.engines[connectionID]; ok {
		_ = old.Close()
	}
	r.engines[connectionID] = e
}

// Reset closes every engine so the next use reopens it with current
// connection options.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, e := range r.engines {
		if err := e.Close(); err != nil {
			r.logger.Warn("close execution engine", "connection", id, "error", err)
		}
	}
	r.engines = map[string]Engine{}
}

// Close closes every engine.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var errs []error
	for _, e := range r.engines {
		errs = append(errs, e.Close())
	}
	r.engines = map[string]Engine{}
	return errors.Join(errs...)
}

func open(ctx context.Context, opts registry.ConnectionOptions) (Engine, error) {
	if err := opts.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrExecution, err)
	}
	if opts.Kind == registry.KindFileDirectory {
		var src FileSource = LocalDir{Root: opts.File.Directory}
		if opts.File.S3 != nil {
			s3, err := NewS3Dir(*opts.File.S3)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrExecution, err)
			}
			src = s3
		}
		return NewFileEngine(src)
	}

	driver, err := DriverName(opts.Kind)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrExecution, err)
	}
	dsn, err := opts.SQL.ResolveDSN()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrExecution, err)
	}
	return OpenSQLEngine(ctx, driver, dsn)
}
