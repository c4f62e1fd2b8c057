// Package rewrite turns a logical query over an Entity into concrete SQL for
// a local DataSource or into the query forwarded to a peer Relay.
//
// Every Information reference is replaced by an expression in the caller's
// units over the target's columns, so projections and filters keep the
// caller's meaning on either path.
package rewrite

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/relaymesh/relay/pkg/fragment"
	"github.com/relaymesh/relay/pkg/query"
	"github.com/relaymesh/relay/pkg/registry"
	"github.com/relaymesh/relay/pkg/transform"
)

// ErrExcluded is returned when a candidate cannot serve the query: no field
// can be projected, or the filter references a field it cannot provide.
var ErrExcluded = errors.New("candidate excluded")

var plainColumn = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)*$`)

// binding is the replacement for one Information name.
type binding struct {
	sql     string
	info    registry.Information
	derived bool
	trans   transform.Transformation
}

// bindings maps Information names to their replacements.
type bindings map[string]binding

// expr returns the replacement as an expression, parenthesized unless it is
// a plain column or already bracketed.
func (b binding) expr(bare bool) query.Expr {
	raw := &query.Raw{SQL: b.sql}
	if bare || b.derived || plainColumn.MatchString(b.sql) {
		return raw
	}
	return &query.Paren{X: raw}
}

func (bs bindings) rewrite(e query.Expr) (query.Expr, error) {
	if c, ok := e.(*query.Column); ok {
		b, found := bs[c.Name]
		if !found {
			return nil, fmt.Errorf("%w: field %s is not available", ErrExcluded, c.Name)
		}
		return b.expr(true), nil
	}
	return query.RewriteColumns(e, func(c *query.Column) (query.Expr, error) {
		b, found := bs[c.Name]
		if !found {
			return nil, fmt.Errorf("%w: field %s is not available", ErrExcluded, c.Name)
		}
		return b.expr(false), nil
	})
}

// covers reports whether every column of e has a binding.
func (bs bindings) covers(e query.Expr) bool {
	if e == nil {
		return true
	}
	for _, c := range query.Columns(e) {
		if _, ok := bs[c.Name]; !ok {
			return false
		}
	}
	return true
}

// ordered returns the bound Information names by entity position.
func (bs bindings) ordered() []string {
	names := make([]string, 0, len(bs))
	for n := range bs {
		names = append(names, n)
	}
	sort.Slice(names, func(i, j int) bool {
		a, b := bs[names[i]].info, bs[names[j]].info
		if a.Position != b.Position {
			return a.Position < b.Position
		}
		return names[i] < names[j]
	})
	return names
}

// projection is the caller's select list narrowed to what a target can serve.
type projection struct {
	items  []query.Item
	schema []fragment.Field
	used   []string
}

// project narrows the items of sel to those bs can serve. Items referencing
// unbound fields are dropped; strict turns any drop into ErrExcluded.
func (bs bindings) project(sel *query.Select, strict bool) (*projection, error) {
	p := &projection{}
	seen := map[string]bool{}
	use := func(e query.Expr) {
		for _, c := range query.Columns(e) {
			if !seen[c.Name] {
				seen[c.Name] = true
				p.used = append(p.used, c.Name)
			}
		}
	}

	if sel.Star {
		for _, name := range bs.ordered() {
			col := &query.Column{Name: name}
			p.items = append(p.items, query.Item{Expr: col, Alias: name})
			p.schema = append(p.schema, fragment.Field{Name: name, Type: bs[name].info.DataType})
			use(col)
		}
	} else {
		for i, it := range sel.Items {
			if !bs.covers(it.Expr) {
				if strict {
					return nil, fmt.Errorf("%w: %s is not available", ErrExcluded, it.Expr)
				}
				continue
			}
			name := it.Name()
			if name == "" {
				name = fmt.Sprintf("expr%d", i+1)
			}
			p.items = append(p.items, query.Item{Expr: it.Expr, Alias: name})
			p.schema = append(p.schema, fragment.Field{Name: name, Type: bs.typeOf(it.Expr)})
			use(it.Expr)
		}
	}
	if len(p.items) == 0 {
		return nil, fmt.Errorf("%w: no accessible fields", ErrExcluded)
	}
	if sel.Where != nil && !bs.covers(sel.Where) {
		return nil, fmt.Errorf("%w: filter references an unavailable field", ErrExcluded)
	}
	use(sel.Where)
	return p, nil
}

// links returns the non-identity conversions of the used fields.
func (bs bindings) links(relay string, used []string) transform.Chain {
	var out transform.Chain
	for _, name := range used {
		b := bs[name]
		if b.derived || b.trans.IsIdentity() {
			continue
		}
		out = append(out, transform.Link{Relay: relay, Field: name, Transformation: b.trans})
	}
	return out
}

// typeOf infers the arrow-style type name of a projected expression.
func (bs bindings) typeOf(e query.Expr) string {
	switch x := e.(type) {
	case *query.Column:
		if b, ok := bs[x.Name]; ok && b.info.DataType != "" {
			return b.info.DataType
		}
	case *query.Paren:
		return bs.typeOf(x.X)
	case *query.Unary:
		if x.Op == "not" {
			return "Boolean"
		}
		return bs.typeOf(x.X)
	case *query.Binary:
		switch x.Op {
		case "+", "-", "*", "/":
			return "Float64"
		}
		return "Boolean"
	case *query.IsNull, *query.Between, *query.In, *query.Like:
		return "Boolean"
	case *query.Call:
		switch strings.ToLower(x.Name) {
		case "count":
			return "Int64"
		case "sum", "avg":
			return "Float64"
		case "min", "max":
			if len(x.Args) == 1 {
				return bs.typeOf(x.Args[0])
			}
		}
	case *query.Literal:
		if x.Text != "" && strings.ContainsAny(x.Text[:1], "0123456789.") {
			return "Float64"
		}
	}
	return "Utf8"
}

// rewriteItems replaces Information references in the projected items.
func (bs bindings) rewriteItems(items []query.Item) ([]query.Item, error) {
	out := make([]query.Item, len(items))
	for i, it := range items {
		e, err := bs.rewrite(it.Expr)
		if err != nil {
			return nil, err
		}
		out[i] = query.Item{Expr: e, Alias: it.Alias}
	}
	return out, nil
}

// nested reports whether q reads from a derived subquery.
func nested(q *query.Select) bool {
	return q.From.Sub != nil
}
