// Package identity resolves the caller of a request, a peer Relay or a
// user, from its client certificate.
package identity

import (
	"context"

	"github.com/relaymesh/relay/pkg/registry"
)

// Kind classifies a Principal.
type Kind string

const (
	KindUnknown Kind = "unknown"
	KindRelay   Kind = "relay"
	KindUser    Kind = "user"
)

// Principal is the authenticated caller of a request.
type Principal struct {
	Kind        Kind
	Fingerprint string
	Subject     string
	Relay       *registry.Relay
	User        *registry.User
}

// Unknown is the principal of a request without a client certificate.
var Unknown = Principal{Kind: KindUnknown}

// ID returns the registry id of the relay or user, or "" when unknown.
func (p Principal) ID() string {
	switch {
	case p.Kind == KindRelay && p.Relay != nil:
		return p.Relay.ID
	case p.Kind == KindUser && p.User != nil:
		return p.User.ID
	}
	return ""
}

// RelayName returns the peer relay's name, or "" for other kinds.
func (p Principal) RelayName() string {
	if p.Kind == KindRelay && p.Relay != nil {
		return p.Relay.Name
	}
	return ""
}

type principalCtxKey struct{}

// WithPrincipal returns a new context with p attached.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalCtxKey{}, p)
}

// PrincipalFromContext retrieves the Principal from ctx.
// Returns Unknown and false if none is set.
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalCtxKey{}).(Principal)
	if !ok {
		return Unknown, false
	}
	return p, true
}
