package rewrite

import (
	"fmt"
	"strings"

	"github.com/relaymesh/relay/pkg/mapping"
	"github.com/relaymesh/relay/pkg/query"
	"github.com/relaymesh/relay/pkg/registry"
	"github.com/relaymesh/relay/pkg/transform"
)

// RemotePlan is the query forwarded to a peer Relay, in the peer's names.
type RemotePlan struct {
	Query *query.Select
	SQL   string
	Chain transform.Chain
}

// Remote rewrites q for a peer candidate. The returned chain is incoming
// followed by this hop's conversions.
func Remote(q *query.Select, cand mapping.RemoteCandidate, incoming transform.Chain) (*RemotePlan, error) {
	bs := bindings{}
	for name, im := range cand.Fields {
		b := binding{info: im.Information, derived: im.LiteralDerived, trans: im.Transformation}
		if im.LiteralDerived {
			b.sql = "(" + im.InfoMappedName + ")"
		} else {
			b.sql = im.Transformation.ApplyInverse(im.InfoMappedName)
		}
		bs[name] = b
	}

	inner := q.Innermost()
	proj, err := bs.project(inner, nested(q))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", cand.Relay.Name, err)
	}
	source := remoteSource(cand.Mapping)

	var out *query.Select
	if cand.Mapping.NeedsSubquery {
		sub := &query.Select{From: source}
		for _, name := range proj.used {
			sub.Items = append(sub.Items, query.Item{Expr: bs[name].expr(true), Alias: name})
		}
		out = &query.Select{
			Star:  inner.Star,
			From:  query.Source{Sub: sub, Alias: inner.EntityName()},
			Where: inner.Where,
			Limit: inner.Limit,
		}
		if !inner.Star {
			out.Items = tidy(proj.items)
		}
	} else {
		items, err := bs.rewriteItems(proj.items)
		if err != nil {
			return nil, err
		}
		where, err := bs.rewrite(inner.Where)
		if err != nil {
			return nil, err
		}
		out = &query.Select{Items: items, From: source, Where: where, Limit: inner.Limit}
	}

	sql := q.WithInnermost(out).String()
	fwd, err := query.Parse(sql)
	if err != nil {
		return nil, fmt.Errorf("forward to %s: %w", cand.Relay.Name, err)
	}
	return &RemotePlan{
		Query: fwd,
		SQL:   sql,
		Chain: incoming.Append(bs.links(cand.Relay.Name, proj.used)...),
	}, nil
}

// remoteSource is the peer entity, or the mapping's SQL template with its
// {info} blocks replaced by the peer's field names.
func remoteSource(m registry.RemoteEntityMapping) query.Source {
	if strings.TrimSpace(m.SQLTemplate) == "" {
		return query.Source{Entity: m.RemoteEntityName}
	}
	braces := m.CaptureBraces
	if braces < 1 {
		braces = 1
	}
	open, closing := strings.Repeat("{", braces), strings.Repeat("}", braces)
	sql := m.SQLTemplate
	for _, im := range m.InfoMappings {
		sql = strings.ReplaceAll(sql, open+im.Information.Name+closing, im.InfoMappedName)
	}
	return query.Source{SQL: sql, Alias: m.RemoteEntityName}
}

// tidy drops aliases that repeat a bare column's name.
func tidy(items []query.Item) []query.Item {
	out := make([]query.Item, len(items))
	for i, it := range items {
		if c, ok := it.Expr.(*query.Column); ok && c.Name == it.Alias {
			it.Alias = ""
		}
		out[i] = it
	}
	return out
}
