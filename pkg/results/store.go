// Package results materializes local task output as newline-delimited JSON
// blobs and serves them back as fragment streams.
package results

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
)

// ErrNotFound is returned by Open when no blob exists under the key.
var ErrNotFound = errors.New("result not found")

// Store keeps result blobs by key.
type Store interface {
	Put(ctx context.Context, key string, r io.Reader) error
	Open(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
}

// Key returns the blob key of a local task's result.
func Key(prefix, taskID string) string {
	return strings.TrimPrefix(path.Join(prefix, "task_"+taskID, "result.jsonl"), "/")
}

// Records is the row stream written by WriteRecords.
type Records interface {
	Next() bool
	Record() map[string]any
	Err() error
}

// WriteRecords streams recs into the store under key, one JSON object per
// line, and returns the number of rows written.
func WriteRecords(ctx context.Context, s Store, key string, recs Records) (int, error) {
	pr, pw := io.Pipe()
	n := 0
	go func() {
		enc := json.NewEncoder(pw)
		for recs.Next() {
			if err := enc.Encode(recs.Record()); err != nil {
				pw.CloseWithError(err)
				return
			}
			n++
		}
		pw.CloseWithError(recs.Err())
	}()
	if err := s.Put(ctx, key, pr); err != nil {
		_ = pr.CloseWithError(err)
		return 0, fmt.Errorf("write result %s: %w", key, err)
	}
	return n, nil
}
