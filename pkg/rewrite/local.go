package rewrite

import (
	"fmt"
	"strings"

	"github.com/relaymesh/relay/pkg/access"
	"github.com/relaymesh/relay/pkg/fragment"
	"github.com/relaymesh/relay/pkg/mapping"
	"github.com/relaymesh/relay/pkg/query"
	"github.com/relaymesh/relay/pkg/transform"
)

// LocalPlan is the SQL to run against one DataSource.
type LocalPlan struct {
	SQL    string
	Schema []fragment.Field
	// Chain holds the conversions applied by this source's field mappings.
	// Links carry no relay name; the scheduler stamps its own.
	Chain transform.Chain
}

// Local rewrites q for a local candidate under the effective permission.
// Fields whose DataField is not allowed are treated as unmapped.
func Local(q *query.Select, cand mapping.LocalCandidate, perm access.Permission) (*LocalPlan, error) {
	bs := bindings{}
	for name, fm := range cand.Fields {
		if !perm.Allows(fm.DataField.Name) {
			continue
		}
		b := binding{info: fm.Information, derived: fm.LiteralDerived, trans: fm.Transformation}
		if fm.LiteralDerived {
			b.sql = "(" + fm.DataField.Path + ")"
		} else {
			b.sql = fm.Transformation.ApplyInverse(fm.DataField.Path)
		}
		bs[name] = b
	}

	inner := q.Innermost()
	proj, err := bs.project(inner, nested(q))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", cand.DataSource.Name, err)
	}
	items, err := bs.rewriteItems(proj.items)
	if err != nil {
		return nil, err
	}
	where, err := bs.rewrite(inner.Where)
	if err != nil {
		return nil, err
	}
	if rows := strings.TrimSpace(perm.Rows); rows != "" && rows != "true" {
		where = query.And(where, &query.Raw{SQL: rows})
	}

	out := &query.Select{Items: items, Where: where, Limit: inner.Limit}
	if cand.DataSource.SourceSQL != "" {
		out.From = query.Source{SQL: cand.DataSource.SourceSQL, Alias: cand.DataSource.Name}
	} else {
		out.From = query.Source{Entity: cand.DataSource.Name}
	}

	schema := proj.schema
	if nested(q) {
		schema = outerSchema(q, proj.schema)
	}
	return &LocalPlan{
		SQL:    q.WithInnermost(out).String(),
		Schema: schema,
		Chain:  bs.links("", proj.used),
	}, nil
}

// outerSchema names the columns of the outermost select of a nested query,
// taking types from the inner schema where a column passes through.
func outerSchema(q *query.Select, inner []fragment.Field) []fragment.Field {
	below := inner
	if q.From.Sub != nil && q.From.Sub.From.Sub != nil {
		below = outerSchema(q.From.Sub, inner)
	}
	if q.Star {
		return below
	}
	types := map[string]string{}
	for _, f := range below {
		types[f.Name] = f.Type
	}
	bs := bindings{}
	out := make([]fragment.Field, 0, len(q.Items))
	for i, it := range q.Items {
		name := it.Name()
		if name == "" {
			name = fmt.Sprintf("expr%d", i+1)
		}
		typ := bs.typeOf(it.Expr)
		if c, ok := it.Expr.(*query.Column); ok {
			if t, found := types[c.Name]; found {
				typ = t
			}
		}
		out = append(out, fragment.Field{Name: name, Type: typ})
	}
	return out
}
