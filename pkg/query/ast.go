// Package query parses and prints the logical query language accepted by a
// Relay: a single-entity SELECT with projection, filter and limit, where the
// source may itself be a derived subquery.
package query

import (
	"strconv"
	"strings"
)

// Expr is a scalar SQL expression.
type Expr interface {
	String() string
	children() []*Expr
}

// Select is a parsed logical query.
type Select struct {
	Star  bool
	Items []Item
	From  Source
	Where Expr
	Limit *int
}

// Item is one projected expression.
type Item struct {
	Expr  Expr
	Alias string
}

// Name returns the output column name of the item: its alias, the column
// name for bare column references, or "" when neither applies.
func (i Item) Name() string {
	if i.Alias != "" {
		return i.Alias
	}
	if c, ok := i.Expr.(*Column); ok {
		return c.Name
	}
	return ""
}

// Source is a named entity, a derived subquery with an alias, or raw SQL
// with an alias spliced in by a rewrite.
type Source struct {
	Entity string
	Sub    *Select
	SQL    string
	Alias  string
}

// Column references a field, optionally qualified.
type Column struct {
	Qualifier string
	Name      string
}

// Literal is a number, string, boolean, null or typed literal, kept verbatim.
type Literal struct {
	Text string
}

// Raw is pre-rendered SQL spliced in by a rewrite.
type Raw struct {
	SQL string
}

// Binary is a binary operator application.
type Binary struct {
	Op          string
	Left, Right Expr
}

// Unary is prefix negation or NOT.
type Unary struct {
	Op string
	X  Expr
}

// Paren is a parenthesized expression.
type Paren struct {
	X Expr
}

// Call is a function call.
type Call struct {
	Name     string
	Star     bool
	Distinct bool
	Args     []Expr
}

// IsNull is "x IS [NOT] NULL".
type IsNull struct {
	X   Expr
	Not bool
}

// Between is "x [NOT] BETWEEN lo AND hi".
type Between struct {
	X, Lo, Hi Expr
	Not       bool
}

// In is "x [NOT] IN (...)".
type In struct {
	X    Expr
	List []Expr
	Not  bool
}

// Like is "x [NOT] LIKE pattern".
type Like struct {
	X, Pattern Expr
	Not        bool
}

// EntityName returns the entity at the innermost FROM clause.
func (s *Select) EntityName() string {
	if s.From.Sub != nil {
		return s.From.Sub.EntityName()
	}
	if s.From.SQL != "" {
		return s.From.Alias
	}
	return s.From.Entity
}

// Innermost returns the select that reads directly from an entity.
func (s *Select) Innermost() *Select {
	if s.From.Sub != nil {
		return s.From.Sub.Innermost()
	}
	return s
}

// WithInnermost returns a copy of s whose innermost select is replaced.
func (s *Select) WithInnermost(inner *Select) *Select {
	if s.From.Sub == nil {
		return inner
	}
	out := *s
	out.From.Sub = s.From.Sub.WithInnermost(inner)
	return &out
}

func (s *Select) String() string {
	var b strings.Builder
	b.WriteString("select ")
	if s.Star {
		b.WriteString("*")
	} else {
		for i, it := range s.Items {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(it.Expr.String())
			if it.Alias != "" {
				b.WriteString(" as ")
				b.WriteString(it.Alias)
			}
		}
	}
	b.WriteString(" from ")
	switch {
	case s.From.Sub != nil:
		b.WriteString("(")
		b.WriteString(s.From.Sub.String())
		b.WriteString(") as ")
		b.WriteString(s.From.Alias)
	case s.From.SQL != "":
		b.WriteString("(")
		b.WriteString(s.From.SQL)
		b.WriteString(") as ")
		b.WriteString(s.From.Alias)
	default:
		b.WriteString(s.From.Entity)
	}
	if s.Where != nil {
		b.WriteString(" where ")
		b.WriteString(s.Where.String())
	}
	if s.Limit != nil {
		b.WriteString(" limit ")
		b.WriteString(strconv.Itoa(*s.Limit))
	}
	return b.String()
}

func (c *Column) String() string {
	if c.Qualifier != "" {
		return c.Qualifier + "." + c.Name
	}
	return c.Name
}

func (l *Literal) String() string { return l.Text }
func (r *Raw) String() string     { return r.SQL }

func (b *Binary) String() string {
	return b.Left.String() + " " + b.Op + " " + b.Right.String()
}

func (u *Unary) String() string {
	if u.Op == "not" {
		return "not " + u.X.String()
	}
	return u.Op + u.X.String()
}

func (p *Paren) String() string { return "(" + p.X.String() + ")" }

func (c *Call) String() string {
	var b strings.Builder
	b.WriteString(c.Name)
	b.WriteString("(")
	switch {
	case c.Star:
		b.WriteString("*")
	default:
		if c.Distinct {
			b.WriteString("distinct ")
		}
		b.WriteString(joinExprs(c.Args))
	}
	b.WriteString(")")
	return b.String()
}

func (n *IsNull) String() string {
	if n.Not {
		return n.X.String() + " is not null"
	}
	return n.X.String() + " is null"
}

func (n *Between) String() string {
	op := " between "
	if n.Not {
		op = " not between "
	}
	return n.X.String() + op + n.Lo.String() + " and " + n.Hi.String()
}

func (n *In) String() string {
	op := " in ("
	if n.Not {
		op = " not in ("
	}
	return n.X.String() + op + joinExprs(n.List) + ")"
}

func (n *Like) String() string {
	op := " like "
	if n.Not {
		op = " not like "
	}
	return n.X.String() + op + n.Pattern.String()
}

func joinExprs(exprs []Expr) string {
	parts := make([]string, len(exprs))
	for i, e := range exprs {
		parts[i] = e.String()
	}
	return strings.Join(parts, ", ")
}

func (c *Column) children() []*Expr  { return nil }
func (l *Literal) children() []*Expr { return nil }
func (r *Raw) children() []*Expr     { return nil }
func (b *Binary) children() []*Expr  { return []*Expr{&b.Left, &b.Right} }
func (u *Unary) children() []*Expr   { return []*Expr{&u.X} }
func (p *Paren) children() []*Expr   { return []*Expr{&p.X} }
func (n *IsNull) children() []*Expr  { return []*Expr{&n.X} }
func (n *Like) children() []*Expr    { return []*Expr{&n.X, &n.Pattern} }

func (c *Call) children() []*Expr {
	out := make([]*Expr, len(c.Args))
	for i := range c.Args {
		out[i] = &c.Args[i]
	}
	return out
}

func (n *Between) children() []*Expr {
	return []*Expr{&n.X, &n.Lo, &n.Hi}
}

func (n *In) children() []*Expr {
	out := []*Expr{&n.X}
	for i := range n.List {
		out = append(out, &n.List[i])
	}
	return out
}
