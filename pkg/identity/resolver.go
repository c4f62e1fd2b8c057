package identity

import (
	"context"
	"crypto/x509"
	"fmt"

	"github.com/relaymesh/relay/pkg/cache"
	"github.com/relaymesh/relay/pkg/pki"
	"github.com/relaymesh/relay/pkg/registry"
)

// Store is the subset of the registry used to resolve principals.
type Store interface {
	GetRelayByFingerprint(ctx context.Context, fingerprint string) (*registry.Relay, error)
	GetUserByFingerprint(ctx context.Context, fingerprint string) (*registry.User, error)
	UpsertUser(ctx context.Context, id pki.Identity) (*registry.User, error)
}

// Resolver maps certificate fingerprints to principals. Known relays and
// users are cached for the configured identity TTL.
type Resolver struct {
	store Store
	cache *cache.LRUCache[string, Principal]
}

// NewResolver creates a Resolver. A nil or disabled cfg disables caching.
func NewResolver(store Store, cfg *cache.CacheConfig) *Resolver {
	r := &Resolver{store: store}
	if cfg != nil && cfg.Enabled {
		r.cache = cache.NewLRUCache[string, Principal](cfg.MaxSize, cfg.IdentityTTL)
	}
	return r
}

// Lookup returns the relay or user pinned to fingerprint. A fingerprint
// matching neither yields a KindUnknown principal; Lookup never registers.
func (r *Resolver) Lookup(ctx context.Context, fingerprint string) (Principal, error) {
	if r.cache != nil {
		if p, ok := r.cache.Get(fingerprint); ok {
			return p, nil
		}
	}

	relay, err := r.store.GetRelayByFingerprint(ctx, fingerprint)
	if err != nil {
		return Unknown, fmt.Errorf("lookup %s: %w", fingerprint, err)
	}
	if relay != nil {
		p := Principal{Kind: KindRelay, Fingerprint: fingerprint, Subject: relay.Subject, Relay: relay}
		r.remember(p)
		return p, nil
	}

	user, err := r.store.GetUserByFingerprint(ctx, fingerprint)
	if err != nil {
		return Unknown, fmt.Errorf("lookup %s: %w", fingerprint, err)
	}
	if user != nil {
		p := Principal{Kind: KindUser, Fingerprint: fingerprint, Subject: user.Subject, User: user}
		r.remember(p)
		return p, nil
	}
	return Principal{Kind: KindUnknown, Fingerprint: fingerprint}, nil
}

// Authenticate resolves the principal presenting cert, registering it as a
// user on first contact when it is not a known relay.
func (r *Resolver) Authenticate(ctx context.Context, cert *x509.Certificate) (Principal, error) {
	id := pki.IdentityOf(cert)
	p, err := r.Lookup(ctx, id.Fingerprint)
	if err != nil || p.Kind != KindUnknown {
		return p, err
	}
	user, err := r.store.UpsertUser(ctx, id)
	if err != nil {
		return Unknown, err
	}
	p = Principal{Kind: KindUser, Fingerprint: id.Fingerprint, Subject: user.Subject, User: user}
	r.remember(p)
	return p, nil
}

// Purge drops every cached principal.
func (r *Resolver) Purge() {
	if r.cache != nil {
		r.cache.InvalidateAll()
	}
}

func (r *Resolver) remember(p Principal) {
	if r.cache != nil {
		r.cache.Set(p.Fingerprint, p)
	}
}
