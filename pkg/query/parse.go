package query

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrInvalidQuery is returned when a query cannot be parsed.
var ErrInvalidQuery = errors.New("invalid query")

// Parse parses a logical query. Unquoted identifiers and keywords are
// lower-cased; quoted identifiers keep their case.
func Parse(sql string) (*Select, error) {
	g, err := sqlParser.ParseString("", sql)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidQuery, err)
	}
	return convertSelect(g)
}

// MustParse is like Parse but panics on error.
func MustParse(sql string) *Select {
	s, err := Parse(sql)
	if err != nil {
		panic(err)
	}
	return s
}

// ParseExpr parses a standalone scalar expression such as a row filter.
func ParseExpr(expr string) (Expr, error) {
	s, err := Parse("select 1 from t where " + expr)
	if err != nil {
		return nil, err
	}
	return s.Where, nil
}

func convertSelect(g *gSelect) (*Select, error) {
	s := &Select{Star: g.Star}
	for _, it := range g.Items {
		e, err := convertExpr(it.Expr)
		if err != nil {
			return nil, err
		}
		s.Items = append(s.Items, Item{Expr: e, Alias: ident(it.Alias)})
	}
	switch {
	case g.From == nil:
		return nil, fmt.Errorf("%w: missing from clause", ErrInvalidQuery)
	case g.From.Sub != nil:
		sub, err := convertSelect(g.From.Sub)
		if err != nil {
			return nil, err
		}
		s.From = Source{Sub: sub, Alias: ident(g.From.Alias)}
	default:
		s.From = Source{Entity: ident(g.From.Entity)}
	}
	if g.Where != nil {
		w, err := convertExpr(g.Where)
		if err != nil {
			return nil, err
		}
		s.Where = w
	}
	if g.Limit != nil {
		if *g.Limit < 0 {
			return nil, fmt.Errorf("%w: negative limit", ErrInvalidQuery)
		}
		n := *g.Limit
		s.Limit = &n
	}
	return s, nil
}

func convertExpr(g *gExpr) (Expr, error) {
	var out Expr
	for _, a := range g.Or {
		e, err := convertAnd(a)
		if err != nil {
			return nil, err
		}
		if out == nil {
			out = e
			continue
		}
		out = &Binary{Op: "or", Left: out, Right: e}
	}
	return out, nil
}

func convertAnd(g *gAnd) (Expr, error) {
	var out Expr
	for _, n := range g.And {
		e, err := convertNot(n)
		if err != nil {
			return nil, err
		}
		if out == nil {
			out = e
			continue
		}
		out = &Binary{Op: "and", Left: out, Right: e}
	}
	return out, nil
}

func convertNot(g *gNot) (Expr, error) {
	if g.Not != nil {
		x, err := convertNot(g.Not)
		if err != nil {
			return nil, err
		}
		return &Unary{Op: "not", X: x}, nil
	}
	return convertPred(g.Pred)
}

func convertPred(g *gPred) (Expr, error) {
	left, err := convertAdd(g.Left)
	if err != nil {
		return nil, err
	}
	switch {
	case g.Compare != nil:
		right, err := convertAdd(g.Compare.Right)
		if err != nil {
			return nil, err
		}
		op := g.Compare.Op
		if op == "!=" {
			op = "<>"
		}
		return &Binary{Op: op, Left: left, Right: right}, nil
	case g.IsNull != nil:
		return &IsNull{X: left, Not: g.IsNull.Not}, nil
	case g.Between != nil:
		lo, err := convertAdd(g.Between.Lo)
		if err != nil {
			return nil, err
		}
		hi, err := convertAdd(g.Between.Hi)
		if err != nil {
			return nil, err
		}
		return &Between{X: left, Lo: lo, Hi: hi, Not: g.Between.Not}, nil
	case g.In != nil:
		in := &In{X: left, Not: g.In.Not}
		for _, item := range g.In.List {
			e, err := convertExpr(item)
			if err != nil {
				return nil, err
			}
			in.List = append(in.List, e)
		}
		return in, nil
	case g.Like != nil:
		pat, err := convertAdd(g.Like.Pattern)
		if err != nil {
			return nil, err
		}
		return &Like{X: left, Pattern: pat, Not: g.Like.Not}, nil
	}
	return left, nil
}

func convertAdd(g *gAdd) (Expr, error) {
	out, err := convertMul(g.Head)
	if err != nil {
		return nil, err
	}
	for _, t := range g.Tail {
		rhs, err := convertMul(t.Mul)
		if err != nil {
			return nil, err
		}
		out = &Binary{Op: t.Op, Left: out, Right: rhs}
	}
	return out, nil
}

func convertMul(g *gMul) (Expr, error) {
	out, err := convertUnary(g.Head)
	if err != nil {
		return nil, err
	}
	for _, t := range g.Tail {
		rhs, err := convertUnary(t.Unary)
		if err != nil {
			return nil, err
		}
		out = &Binary{Op: t.Op, Left: out, Right: rhs}
	}
	return out, nil
}

func convertUnary(g *gUnary) (Expr, error) {
	if g.Neg != nil {
		x, err := convertUnary(g.Neg)
		if err != nil {
			return nil, err
		}
		return &Unary{Op: "-", X: x}, nil
	}
	return convertPrimary(g.Primary)
}

func convertPrimary(g *gPrimary) (Expr, error) {
	switch {
	case g.Number != nil:
		if _, err := strconv.ParseFloat(*g.Number, 64); err != nil {
			return nil, fmt.Errorf("%w: bad number %q", ErrInvalidQuery, *g.Number)
		}
		return &Literal{Text: *g.Number}, nil
	case g.String != nil:
		return &Literal{Text: *g.String}, nil
	case g.Bool != nil:
		return &Literal{Text: strings.ToLower(*g.Bool)}, nil
	case g.Null:
		return &Literal{Text: "null"}, nil
	case g.Typed != nil:
		return &Literal{Text: strings.ToLower(g.Typed.Type) + " " + g.Typed.Value}, nil
	case g.Call != nil:
		c := &Call{Name: strings.ToLower(g.Call.Name), Star: g.Call.Star, Distinct: g.Call.Distinct}
		for _, a := range g.Call.Args {
			e, err := convertExpr(a)
			if err != nil {
				return nil, err
			}
			c.Args = append(c.Args, e)
		}
		return c, nil
	case g.Column != nil:
		parts := g.Column.Parts
		switch len(parts) {
		case 1:
			return &Column{Name: ident(parts[0])}, nil
		case 2:
			return &Column{Qualifier: ident(parts[0]), Name: ident(parts[1])}, nil
		default:
			return nil, fmt.Errorf("%w: column reference %q", ErrInvalidQuery, strings.Join(parts, "."))
		}
	case g.Sub != nil:
		x, err := convertExpr(g.Sub)
		if err != nil {
			return nil, err
		}
		return &Paren{X: x}, nil
	}
	return nil, fmt.Errorf("%w: empty expression", ErrInvalidQuery)
}

// ident lower-cases unquoted identifiers and unquotes quoted ones.
func ident(s string) string {
	if strings.HasPrefix(s, `"`) && strings.HasSuffix(s, `"`) && len(s) >= 2 {
		return strings.ReplaceAll(s[1:len(s)-1], `""`, `"`)
	}
	return strings.ToLower(s)
}
