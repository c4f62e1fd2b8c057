package transform

// Link is one hop's conversion for a single field.
type Link struct {
	Relay          string `json:"relay" yaml:"relay"`
	Field          string `json:"field" yaml:"field"`
	Transformation `yaml:",inline"`
}

// Chain is the ordered list of per-hop conversions carried by a fragment,
// from the requesting side outwards.
type Chain []Link

// Append returns a new chain with links added after the existing ones.
// The receiver is never modified.
func (c Chain) Append(links ...Link) Chain {
	out := make(Chain, 0, len(c)+len(links))
	out = append(out, c...)
	return append(out, links...)
}

// ForField returns the links that apply to field, in order.
func (c Chain) ForField(field string) Chain {
	var out Chain
	for _, l := range c {
		if l.Field == field {
			out = append(out, l)
		}
	}
	return out
}

// Collapse composes the chain into a single transformation. Its forward
// template maps requester units to leaf source units and its inverse maps
// leaf source values back to requester units.
func (c Chain) Collapse() Transformation {
	out := Identity()
	for _, l := range c {
		out = out.Then(l.Transformation)
	}
	return out
}
