package execute

import (
	"bufio"
	"context"
	"database/sql"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
)

// table accumulates rows read from one or more files before they are
// written to SQLite with inferred column types.
type table struct {
	columns []string
	index   map[string]int
	rows    [][]any
}

func (t *table) column(name string) int {
	if t.index == nil {
		t.index = map[string]int{}
	}
	if i, ok := t.index[name]; ok {
		return i
	}
	t.index[name] = len(t.columns)
	t.columns = append(t.columns, name)
	return len(t.columns) - 1
}

func (t *table) readCSV(r io.Reader) error {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil
	}
	if err != nil {
		return err
	}
	pos := make([]int, len(header))
	for i, h := range header {
		pos[i] = t.column(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))
	}
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		row := make([]any, len(t.columns))
		for i, v := range rec {
			if i < len(pos) && v != "" {
				row[pos[i]] = v
			}
		}
		t.rows = append(t.rows, row)
	}
}

// readJSON accepts a JSON array of objects or newline-delimited objects.
// Keys of each object are added in sorted order.
func (t *table) readJSON(r io.Reader) error {
	br := bufio.NewReader(r)
	dec := json.NewDecoder(br)
	dec.UseNumber()

	first, err := peekNonSpace(br)
	if errors.Is(err, io.EOF) {
		return nil
	}
	if err != nil {
		return err
	}
	if first == '[' {
		var objs []map[string]any
		if err := dec.Decode(&objs); err != nil {
			return err
		}
		for _, o := range objs {
			t.addObject(o)
		}
		return nil
	}
	for {
		var o map[string]any
		err := dec.Decode(&o)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		t.addObject(o)
	}
}

func peekNonSpace(br *bufio.Reader) (byte, error) {
	for {
		b, err := br.ReadByte()
		if err != nil {
			return 0, err
		}
		if b != ' ' && b != '\t' && b != '\n' && b != '\r' {
			return b, br.UnreadByte()
		}
	}
}

func (t *table) addObject(o map[string]any) {
	keys := make([]string, 0, len(o))
	for k := range o {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		t.column(k)
	}
	row := make([]any, len(t.columns))
	for _, k := range keys {
		switch v := o[k].(type) {
		case nil:
		case json.Number:
			row[t.index[k]] = v.String()
		case string:
			row[t.index[k]] = v
		case bool:
			row[t.index[k]] = v
		default:
			b, _ := json.Marshal(v)
			row[t.index[k]] = string(b)
		}
	}
	t.rows = append(t.rows, row)
}

// columnType returns INTEGER, REAL, BOOLEAN or TEXT for column i.
func (t *table) columnType(i int) string {
	typ := ""
	for _, row := range t.rows {
		if i >= len(row) || row[i] == nil {
			continue
		}
		var next string
		switch v := row[i].(type) {
		case bool:
			next = "BOOLEAN"
		case string:
			if _, err := strconv.ParseInt(v, 10, 64); err == nil {
				next = "INTEGER"
			} else if _, err := strconv.ParseFloat(v, 64); err == nil {
				next = "REAL"
			} else {
				return "TEXT"
			}
		}
		switch {
		case typ == "" || typ == next:
			typ = next
		case (typ == "INTEGER" && next == "REAL") || (typ == "REAL" && next == "INTEGER"):
			typ = "REAL"
		default:
			return "TEXT"
		}
	}
	if typ == "" {
		return "TEXT"
	}
	return typ
}

func (t *table) store(ctx context.Context, db *sql.DB, name string) error {
	defs := make([]string, len(t.columns))
	for i, c := range t.columns {
		defs[i] = quoteIdent(c) + " " + t.columnType(i)
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrExecution, err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, "DROP TABLE IF EXISTS "+quoteIdent(name)); err != nil {
		return fmt.Errorf("%w: drop %s: %v", ErrExecution, name, err)
	}
	if _, err := tx.ExecContext(ctx, "CREATE TABLE "+quoteIdent(name)+" ("+strings.Join(defs, ", ")+")"); err != nil {
		return fmt.Errorf("%w: create %s: %v", ErrExecution, name, err)
	}
	marks := strings.TrimSuffix(strings.Repeat("?, ", len(t.columns)), ", ")
	stmt, err := tx.PrepareContext(ctx, "INSERT INTO "+quoteIdent(name)+" VALUES ("+marks+")")
	if err != nil {
		return fmt.Errorf("%w: prepare insert: %v", ErrExecution, err)
	}
	defer stmt.Close()
	for _, row := range t.rows {
		args := make([]any, len(t.columns))
		copy(args, row)
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			return fmt.Errorf("%w: insert into %s: %v", ErrExecution, name, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: %v", ErrExecution, err)
	}
	return nil
}

func quoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}
