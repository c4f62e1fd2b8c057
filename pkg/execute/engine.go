// Package execute runs rewritten SQL against the backends behind local data
// connections.
package execute

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/relaymesh/relay/pkg/fragment"
)

// ErrExecution wraps every failure reported by an engine.
var ErrExecution = errors.New("execution failed")

// Engine executes SQL and streams the resulting rows.
type Engine interface {
	Execute(ctx context.Context, query string, schema []fragment.Field) (*Rows, error)
	Close() error
}

// Rows is a forward-only stream of records keyed by output column name.
type Rows struct {
	rows    *sql.Rows
	columns []string
	values  []any
	err     error
}

func newRows(rows *sql.Rows, schema []fragment.Field) (*Rows, error) {
	cols, err := rows.Columns()
	if err != nil {
		_ = rows.Close()
		return nil, fmt.Errorf("%w: read columns: %v", ErrExecution, err)
	}
	if len(schema) == len(cols) {
		for i, f := range schema {
			cols[i] = f.Name
		}
	}
	return &Rows{rows: rows, columns: cols, values: make([]any, len(cols))}, nil
}

// Columns returns the output column names.
func (r *Rows) Columns() []string { return r.columns }

// Next advances to the next record.
func (r *Rows) Next() bool {
	if r.err != nil || !r.rows.Next() {
		return false
	}
	ptrs := make([]any, len(r.values))
	for i := range r.values {
		ptrs[i] = &r.values[i]
	}
	if err := r.rows.Scan(ptrs...); err != nil {
		r.err = fmt.Errorf("%w: scan: %v", ErrExecution, err)
		return false
	}
	return true
}

// Record returns the current record.
func (r *Rows) Record() map[string]any {
	out := make(map[string]any, len(r.columns))
	for i, c := range r.columns {
		v := r.values[i]
		if b, ok := v.([]byte); ok {
			v = string(b)
		}
		out[c] = v
	}
	return out
}

// Err returns the first error met while iterating.
func (r *Rows) Err() error {
	if r.err != nil {
		return r.err
	}
	if err := r.rows.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrExecution, err)
	}
	return nil
}

// Close releases the underlying result set.
func (r *Rows) Close() error { return r.rows.Close() }

// SQLEngine executes SQL over a database/sql connection pool.
type SQLEngine struct {
	db *sql.DB
}

// NewSQLEngine wraps an open pool.
func NewSQLEngine(db *sql.DB) *SQLEngine {
	return &SQLEngine{db: db}
}

// OpenSQLEngine opens a pool for driverName and verifies it is reachable.
func OpenSQLEngine(ctx context.Context, driverName, dsn string) (*SQLEngine, error) {
	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", ErrExecution, driverName, err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: ping %s: %v", ErrExecution, driverName, err)
	}
	return &SQLEngine{db: db}, nil
}

// Execute runs query and returns its rows.
func (e *SQLEngine) Execute(ctx context.Context, query string, schema []fragment.Field) (*Rows, error) {
	rows, err := e.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrExecution, err)
	}
	return newRows(rows, schema)
}

// Close closes the pool.
func (e *SQLEngine) Close() error { return e.db.Close() }
