// Package access composes the layered permissions of a DataSource into the
// effective permission of one principal.
package access

import (
	"context"
	"fmt"
	"sort"
	"strings"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/relaymesh/relay/pkg/identity"
	"github.com/relaymesh/relay/pkg/registry"
)

// ErrMissingDefaultPermission is returned when a DataSource has no default layer.
var ErrMissingDefaultPermission = registry.ErrMissingDefaultPermission

// Store is the subset of the registry holding permission layers.
type Store interface {
	DefaultPermission(ctx context.Context, dataSourceID string) (*registry.Permission, error)
	RelayPermission(ctx context.Context, dataSourceID, relayID string) (*registry.Permission, error)
	UserPermission(ctx context.Context, dataSourceID, userID string) (*registry.Permission, error)
}

// Permission is an effective permission: the DataField names a principal may
// read and the predicate every returned row must satisfy.
type Permission struct {
	Columns mapset.Set[string]
	Rows    string
}

// Allows reports whether column may be projected.
func (p Permission) Allows(column string) bool {
	return p.Columns != nil && p.Columns.Contains(column)
}

// AllowedColumns returns the allowed columns in sorted order.
func (p Permission) AllowedColumns() []string {
	if p.Columns == nil {
		return nil
	}
	out := p.Columns.ToSlice()
	sort.Strings(out)
	return out
}

// Compositor computes effective permissions from stored layers.
type Compositor struct {
	store Store
}

// NewCompositor creates a Compositor.
func NewCompositor(store Store) *Compositor {
	return &Compositor{store: store}
}

// Effective returns the permission of principal on a DataSource: the
// default layer narrowed by the relay or user override when one exists.
func (c *Compositor) Effective(ctx context.Context, dataSourceID string, principal identity.Principal) (Permission, error) {
	def, err := c.store.DefaultPermission(ctx, dataSourceID)
	if err != nil {
		return Permission{}, err
	}

	var override *registry.Permission
	switch principal.Kind {
	case identity.KindRelay:
		override, err = c.store.RelayPermission(ctx, dataSourceID, principal.ID())
	case identity.KindUser:
		override, err = c.store.UserPermission(ctx, dataSourceID, principal.ID())
	}
	if err != nil {
		return Permission{}, fmt.Errorf("compose permission: %w", err)
	}
	return Compose(def, override), nil
}

// Compose intersects the columns of every non-nil layer and ANDs their row
// predicates. Empty predicates count as true.
func Compose(layers ...*registry.Permission) Permission {
	var out Permission
	var rows []string
	for _, l := range layers {
		if l == nil {
			continue
		}
		cols := mapset.NewThreadUnsafeSet(l.AllowedColumns...)
		if out.Columns == nil {
			out.Columns = cols
		} else {
			out.Columns = out.Columns.Intersect(cols)
		}
		rows = append(rows, rowPredicate(l.AllowedRows))
	}
	if out.Columns == nil {
		out.Columns = mapset.NewThreadUnsafeSet[string]()
	}

	switch len(rows) {
	case 0:
		out.Rows = "true"
	case 1:
		out.Rows = rows[0]
	default:
		parts := make([]string, len(rows))
		for i, r := range rows {
			parts[i] = "(" + r + ")"
		}
		out.Rows = strings.Join(parts, " and ")
	}
	return out
}

func rowPredicate(rows string) string {
	if rows = strings.TrimSpace(rows); rows == "" {
		return "true"
	}
	return rows
}
