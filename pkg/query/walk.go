package query

// Columns returns every column reference in expr, in source order.
func Columns(expr Expr) []*Column {
	var out []*Column
	walk(expr, func(e Expr) {
		if c, ok := e.(*Column); ok {
			out = append(out, c)
		}
	})
	return out
}

func walk(expr Expr, fn func(Expr)) {
	if expr == nil {
		return
	}
	fn(expr)
	for _, child := range expr.children() {
		walk(*child, fn)
	}
}

// RewriteColumns returns a copy of expr with every column replaced by the
// result of fn. The input expression is not modified.
func RewriteColumns(expr Expr, fn func(*Column) (Expr, error)) (Expr, error) {
	if expr == nil {
		return nil, nil
	}
	if c, ok := expr.(*Column); ok {
		return fn(c)
	}
	out := clone(expr)
	for _, child := range out.children() {
		r, err := RewriteColumns(*child, fn)
		if err != nil {
			return nil, err
		}
		*child = r
	}
	return out, nil
}

func clone(expr Expr) Expr {
	switch e := expr.(type) {
	case *Column:
		c := *e
		return &c
	case *Literal:
		c := *e
		return &c
	case *Raw:
		c := *e
		return &c
	case *Binary:
		c := *e
		return &c
	case *Unary:
		c := *e
		return &c
	case *Paren:
		c := *e
		return &c
	case *IsNull:
		c := *e
		return &c
	case *Like:
		c := *e
		return &c
	case *Between:
		c := *e
		return &c
	case *Call:
		c := *e
		c.Args = append([]Expr(nil), e.Args...)
		return &c
	case *In:
		c := *e
		c.List = append([]Expr(nil), e.List...)
		return &c
	}
	return expr
}

// And joins predicates with "and", parenthesizing each. Nil entries are skipped.
func And(preds ...Expr) Expr {
	var out Expr
	for _, p := range preds {
		if p == nil {
			continue
		}
		p = &Paren{X: p}
		if out == nil {
			out = p
			continue
		}
		out = &Binary{Op: "and", Left: out, Right: p}
	}
	return out
}
