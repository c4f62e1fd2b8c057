package execute

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	_ "github.com/glebarez/go-sqlite"
	"github.com/google/uuid"
	"github.com/relaymesh/relay/pkg/fragment"
	"github.com/relaymesh/relay/pkg/registry"
)

// FileSource lists and opens the files of a file-directory connection.
type FileSource interface {
	// List returns the files under p: p itself when it names a file,
	// otherwise the files of the directory p, in name order.
	List(ctx context.Context, p string) ([]string, error)
	Open(ctx context.Context, file string) (io.ReadCloser, error)
}

// LocalDir serves files from a local directory.
type LocalDir struct {
	Root string
}

func (d LocalDir) List(_ context.Context, p string) ([]string, error) {
	full := filepath.Join(d.Root, filepath.FromSlash(p))
	info, err := os.Stat(full)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return []string{full}, nil
	}
	entries, err := os.ReadDir(full)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if !e.IsDir() && !strings.HasPrefix(e.Name(), ".") {
			out = append(out, filepath.Join(full, e.Name()))
		}
	}
	sort.Strings(out)
	return out, nil
}

func (d LocalDir) Open(_ context.Context, file string) (io.ReadCloser, error) {
	return os.Open(file)
}

// FileEngine loads CSV and JSON files into an embedded SQLite database, one
// table per DataSource, and runs queries there.
type FileEngine struct {
	src FileSource
	db  *sql.DB

	mu     sync.Mutex
	loaded map[string]bool
}

// NewFileEngine creates an engine over src backed by a private in-memory
// database.
func NewFileEngine(src FileSource) (*FileEngine, error) {
	dsn := "file:" + uuid.New().String() + "?mode=memory&cache=shared"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: open embedded database: %v", ErrExecution, err)
	}
	db.SetMaxOpenConns(1)
	return &FileEngine{src: src, db: db, loaded: map[string]bool{}}, nil
}

// Load materializes ds as a table named after it. Loading is done once per
// engine; call Reload to pick up changed files.
func (e *FileEngine) Load(ctx context.Context, ds registry.DataSource) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.loaded[ds.Name] {
		return nil
	}
	if err := e.load(ctx, ds); err != nil {
		return err
	}
	e.loaded[ds.Name] = true
	return nil
}

// Reload drops and reloads the table of ds.
func (e *FileEngine) Reload(ctx context.Context, ds registry.DataSource) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.loaded, ds.Name)
	if err := e.load(ctx, ds); err != nil {
		return err
	}
	e.loaded[ds.Name] = true
	return nil
}

func (e *FileEngine) load(ctx context.Context, ds registry.DataSource) error {
	files, err := e.src.List(ctx, ds.Options.Path)
	if err != nil {
		return fmt.Errorf("%w: list %s: %v", ErrExecution, ds.Options.Path, err)
	}
	format := ds.Options.Format
	if format == "" {
		format = formatOf(ds.Options.Path)
	}

	single := path.Ext(ds.Options.Path) != ""
	t := &table{}
	for _, f := range files {
		if !single && formatOf(f) != format {
			continue
		}
		rc, err := e.src.Open(ctx, f)
		if err != nil {
			return fmt.Errorf("%w: open %s: %v", ErrExecution, f, err)
		}
		switch format {
		case registry.FormatJSON:
			err = t.readJSON(rc)
		default:
			err = t.readCSV(rc)
		}
		_ = rc.Close()
		if err != nil {
			return fmt.Errorf("%w: read %s: %v", ErrExecution, f, err)
		}
	}
	if len(t.columns) == 0 {
		return fmt.Errorf("%w: data source %s has no columns", ErrExecution, ds.Name)
	}
	return t.store(ctx, e.db, ds.Name)
}

func formatOf(p string) registry.FileFormat {
	switch strings.ToLower(path.Ext(p)) {
	case ".json", ".jsonl", ".ndjson":
		return registry.FormatJSON
	}
	return registry.FormatCSV
}

// Execute runs query against the loaded tables.
func (e *FileEngine) Execute(ctx context.Context, query string, schema []fragment.Field) (*Rows, error) {
	rows, err := e.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrExecution, err)
	}
	return newRows(rows, schema)
}

// Close releases the embedded database.
func (e *FileEngine) Close() error { return e.db.Close() }
