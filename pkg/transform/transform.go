// Package transform implements value transformations between a Relay's
// logical fields and the fields of a data source or peer Relay.
//
// A Transformation is a pair of text templates over a single placeholder.
// Forward maps a value expressed in the caller's units into source units;
// Inverse maps a source value back into the caller's units. Templates are
// applied by textual substitution when generating SQL and can be evaluated
// numerically for arithmetic templates.
package transform

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// DefaultPlaceholder is the placeholder used when none is declared.
const DefaultPlaceholder = "{v}"

var (
	// ErrNotInvertible is returned when an inverse template cannot be derived.
	ErrNotInvertible = errors.New("transformation is not invertible")
	// ErrMissingPlaceholder is returned when a template does not use its placeholder.
	ErrMissingPlaceholder = errors.New("template does not reference its placeholder")
)

var simpleOperand = regexp.MustCompile(`^([A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)*|[0-9]+(\.[0-9]+)?)$`)

// Transformation converts values between caller units and source units.
type Transformation struct {
	Placeholder string `json:"placeholder,omitempty" yaml:"placeholder,omitempty"`
	Forward     string `json:"forward_expr,omitempty" yaml:"forward_expr,omitempty"`
	Inverse     string `json:"inverse_expr,omitempty" yaml:"inverse_expr,omitempty"`
}

// Identity returns the transformation that leaves values unchanged.
func Identity() Transformation {
	return Transformation{
		Placeholder: DefaultPlaceholder,
		Forward:     DefaultPlaceholder,
		Inverse:     DefaultPlaceholder,
	}
}

// Normalize fills defaults: the placeholder, identity templates when both
// are empty, and a derived inverse when only the forward template is set.
func (t Transformation) Normalize() (Transformation, error) {
	if t.Placeholder == "" {
		t.Placeholder = DefaultPlaceholder
	}
	if strings.TrimSpace(t.Forward) == "" && strings.TrimSpace(t.Inverse) == "" {
		t.Forward, t.Inverse = t.Placeholder, t.Placeholder
		return t, nil
	}
	if strings.TrimSpace(t.Forward) == "" {
		fwd, err := DeriveInverse(t.Inverse, t.Placeholder)
		if err != nil {
			return t, fmt.Errorf("derive forward of %q: %w", t.Inverse, err)
		}
		t.Forward = fwd
	}
	if strings.TrimSpace(t.Inverse) == "" {
		inv, err := DeriveInverse(t.Forward, t.Placeholder)
		if err != nil {
			return t, fmt.Errorf("derive inverse of %q: %w", t.Forward, err)
		}
		t.Inverse = inv
	}
	for _, tmpl := range []string{t.Forward, t.Inverse} {
		if !strings.Contains(tmpl, t.Placeholder) {
			return t, fmt.Errorf("%q: %w", tmpl, ErrMissingPlaceholder)
		}
	}
	return t, nil
}

// IsIdentity reports whether both templates are the bare placeholder.
func (t Transformation) IsIdentity() bool {
	p := t.placeholder()
	fwd := strings.TrimSpace(t.Forward)
	inv := strings.TrimSpace(t.Inverse)
	return (fwd == "" || fwd == p) && (inv == "" || inv == p)
}

// ApplyForward substitutes expr into the forward template.
func (t Transformation) ApplyForward(expr string) string {
	return substitute(t.Forward, t.placeholder(), expr)
}

// ApplyInverse substitutes expr into the inverse template.
func (t Transformation) ApplyInverse(expr string) string {
	return substitute(t.Inverse, t.placeholder(), expr)
}

// EvalForward evaluates the forward template for a numeric value.
func (t Transformation) EvalForward(v float64) (float64, error) {
	return Eval(t.orPlaceholder(t.Forward), t.placeholder(), v)
}

// EvalInverse evaluates the inverse template for a numeric value.
func (t Transformation) EvalInverse(v float64) (float64, error) {
	return Eval(t.orPlaceholder(t.Inverse), t.placeholder(), v)
}

// Then returns the transformation equivalent to applying t and then next.
// Forward templates nest t inside next; inverse templates nest next inside t.
func (t Transformation) Then(next Transformation) Transformation {
	a, b := t.canonical(), next.canonical()
	if a.IsIdentity() {
		return b
	}
	if b.IsIdentity() {
		return a
	}
	return Transformation{
		Placeholder: DefaultPlaceholder,
		Forward:     b.ApplyForward(a.Forward),
		Inverse:     a.ApplyInverse(b.Inverse),
	}
}

// canonical rewrites both templates over DefaultPlaceholder.
func (t Transformation) canonical() Transformation {
	p := t.placeholder()
	return Transformation{
		Placeholder: DefaultPlaceholder,
		Forward:     strings.ReplaceAll(t.orPlaceholder(t.Forward), p, DefaultPlaceholder),
		Inverse:     strings.ReplaceAll(t.orPlaceholder(t.Inverse), p, DefaultPlaceholder),
	}
}

func (t Transformation) placeholder() string {
	if t.Placeholder == "" {
		return DefaultPlaceholder
	}
	return t.Placeholder
}

func (t Transformation) orPlaceholder(tmpl string) string {
	if strings.TrimSpace(tmpl) == "" {
		return t.placeholder()
	}
	return tmpl
}

func substitute(tmpl, placeholder, expr string) string {
	if strings.TrimSpace(tmpl) == "" {
		tmpl = placeholder
	}
	if strings.TrimSpace(tmpl) == placeholder {
		return expr
	}
	if !simpleOperand.MatchString(expr) {
		expr = "(" + expr + ")"
	}
	return strings.ReplaceAll(tmpl, placeholder, expr)
}
