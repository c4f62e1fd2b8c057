package transform

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/alecthomas/participle/v2"
	"github.com/alecthomas/participle/v2/lexer"
)

// valueToken stands in for the placeholder while parsing a template.
const valueToken = "$value"

var arithLexer = lexer.MustSimple([]lexer.SimpleRule{
	{Name: "Value", Pattern: `\$value`},
	{Name: "Number", Pattern: `[0-9]+(\.[0-9]+)?([eE][-+]?[0-9]+)?`},
	{Name: "Op", Pattern: `[-+*/()]`},
	{Name: "Whitespace", Pattern: `\s+`},
})

type arithExpr struct {
	Head *arithTerm     `parser:"@@"`
	Tail []*arithOpTerm `parser:"@@*"`
}

type arithOpTerm struct {
	Op   string     `parser:"@(\"+\" | \"-\")"`
	Term *arithTerm `parser:"@@"`
}

type arithTerm struct {
	Head *arithUnary      `parser:"@@"`
	Tail []*arithOpFactor `parser:"@@*"`
}

type arithOpFactor struct {
	Op     string      `parser:"@(\"*\" | \"/\")"`
	Factor *arithUnary `parser:"@@"`
}

type arithUnary struct {
	Neg     *arithUnary   `parser:"  \"-\" @@"`
	Primary *arithPrimary `parser:"| @@"`
}

type arithPrimary struct {
	Number *float64   `parser:"  @Number"`
	Value  bool       `parser:"| @Value"`
	Sub    *arithExpr `parser:"| \"(\" @@ \")\""`
}

var arithParser = participle.MustBuild[arithExpr](
	participle.Lexer(arithLexer),
	participle.Elide("Whitespace"),
)

func parseTemplate(tmpl, placeholder string) (*arithExpr, error) {
	if placeholder == "" {
		placeholder = DefaultPlaceholder
	}
	src := strings.ReplaceAll(tmpl, placeholder, valueToken)
	expr, err := arithParser.ParseString("", src)
	if err != nil {
		return nil, fmt.Errorf("parse template %q: %w", tmpl, err)
	}
	return expr, nil
}

// Eval evaluates an arithmetic template with placeholder bound to v.
// Only numbers, the placeholder, + - * / and parentheses are supported.
func Eval(tmpl, placeholder string, v float64) (float64, error) {
	expr, err := parseTemplate(tmpl, placeholder)
	if err != nil {
		return 0, err
	}
	return expr.eval(v)
}

func (e *arithExpr) eval(v float64) (float64, error) {
	acc, err := e.Head.eval(v)
	if err != nil {
		return 0, err
	}
	for _, t := range e.Tail {
		rhs, err := t.Term.eval(v)
		if err != nil {
			return 0, err
		}
		if t.Op == "+" {
			acc += rhs
		} else {
			acc -= rhs
		}
	}
	return acc, nil
}

func (t *arithTerm) eval(v float64) (float64, error) {
	acc, err := t.Head.eval(v)
	if err != nil {
		return 0, err
	}
	for _, f := range t.Tail {
		rhs, err := f.Factor.eval(v)
		if err != nil {
			return 0, err
		}
		if f.Op == "*" {
			acc *= rhs
			continue
		}
		if rhs == 0 {
			return 0, fmt.Errorf("division by zero")
		}
		acc /= rhs
	}
	return acc, nil
}

func (u *arithUnary) eval(v float64) (float64, error) {
	if u.Neg != nil {
		x, err := u.Neg.eval(v)
		return -x, err
	}
	return u.Primary.eval(v)
}

func (p *arithPrimary) eval(v float64) (float64, error) {
	switch {
	case p.Number != nil:
		return *p.Number, nil
	case p.Value:
		return v, nil
	default:
		return p.Sub.eval(v)
	}
}

// linear is a*v + b, or a constant when hasValue is false.
type linear struct {
	a, b     float64
	hasValue bool
}

func (e *arithExpr) linear() (linear, error) {
	acc, err := e.Head.linear()
	if err != nil {
		return acc, err
	}
	for _, t := range e.Tail {
		rhs, err := t.Term.linear()
		if err != nil {
			return acc, err
		}
		if t.Op == "-" {
			rhs.a, rhs.b = -rhs.a, -rhs.b
		}
		if acc.hasValue && rhs.hasValue {
			return acc, ErrNotInvertible
		}
		acc = linear{a: acc.a + rhs.a, b: acc.b + rhs.b, hasValue: acc.hasValue || rhs.hasValue}
	}
	return acc, nil
}

func (t *arithTerm) linear() (linear, error) {
	acc, err := t.Head.linear()
	if err != nil {
		return acc, err
	}
	for _, f := range t.Tail {
		rhs, err := f.Factor.linear()
		if err != nil {
			return acc, err
		}
		if rhs.hasValue {
			if f.Op == "/" || acc.hasValue {
				return acc, ErrNotInvertible
			}
			acc = linear{a: rhs.a * acc.b, b: rhs.b * acc.b, hasValue: true}
			continue
		}
		k := rhs.b
		if f.Op == "/" {
			if k == 0 {
				return acc, ErrNotInvertible
			}
			k = 1 / k
		}
		acc = linear{a: acc.a * k, b: acc.b * k, hasValue: acc.hasValue}
	}
	return acc, nil
}

func (u *arithUnary) linear() (linear, error) {
	if u.Neg != nil {
		x, err := u.Neg.linear()
		x.a, x.b = -x.a, -x.b
		return x, err
	}
	switch p := u.Primary; {
	case p.Number != nil:
		return linear{b: *p.Number}, nil
	case p.Value:
		return linear{a: 1, hasValue: true}, nil
	default:
		return p.Sub.linear()
	}
}

// DeriveInverse returns the inverse of a template that is linear in its
// placeholder (for example "{v}/100" yields "{v}*100").
func DeriveInverse(tmpl, placeholder string) (string, error) {
	if placeholder == "" {
		placeholder = DefaultPlaceholder
	}
	expr, err := parseTemplate(tmpl, placeholder)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrNotInvertible, err)
	}
	lin, err := expr.linear()
	if err != nil {
		return "", err
	}
	if !lin.hasValue || lin.a == 0 {
		return "", ErrNotInvertible
	}

	out := placeholder
	if lin.b != 0 {
		if lin.b > 0 {
			out = "(" + placeholder + "-" + formatNumber(lin.b) + ")"
		} else {
			out = "(" + placeholder + "+" + formatNumber(-lin.b) + ")"
		}
	}
	switch inv := 1 / lin.a; {
	case lin.a == 1:
	case isWhole(inv):
		out = out + "*" + formatNumber(math.Round(inv))
	default:
		out = out + "/" + formatNumber(lin.a)
	}
	return out, nil
}

func isWhole(f float64) bool {
	return math.Abs(f-math.Round(f)) < 1e-9
}

func formatNumber(f float64) string {
	if isWhole(f) {
		return strconv.FormatFloat(math.Round(f), 'f', -1, 64)
	}
	return strconv.FormatFloat(f, 'f', -1, 64)
}
