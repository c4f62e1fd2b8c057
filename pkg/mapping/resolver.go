// Package mapping resolves an Entity to the local data sources and peer
// relays that can answer queries against it.
package mapping

import (
	"context"
	"fmt"

	"github.com/relaymesh/relay/pkg/registry"
)

// ErrUnknownEntity is returned when the requested Entity is not registered.
var ErrUnknownEntity = registry.ErrUnknownEntity

// Store is the subset of the registry the resolver reads.
type Store interface {
	GetEntity(ctx context.Context, name string) (*registry.Entity, error)
	LocalMappings(ctx context.Context, entityID string) ([]registry.FieldMapping, error)
	RemoteMappings(ctx context.Context, entityID string) ([]registry.RemoteEntityMapping, error)
}

// LocalCandidate is a data source with the field mappings binding it to the
// entity, keyed by Information name.
type LocalCandidate struct {
	DataSource registry.DataSource
	Connection registry.DataConnection
	Fields     map[string]registry.FieldMapping
}

// RemoteCandidate is a peer relay with its entity and per-field mappings,
// keyed by Information name.
type RemoteCandidate struct {
	Relay   registry.Relay
	Mapping registry.RemoteEntityMapping
	Fields  map[string]registry.RemoteInfoMapping
}

// Candidates is the outcome of resolving one Entity.
type Candidates struct {
	Entity registry.Entity
	Local  []LocalCandidate
	Remote []RemoteCandidate
}

// Resolver joins stored mapping records for an Entity.
type Resolver struct {
	store Store
}

// NewResolver creates a Resolver.
func NewResolver(store Store) *Resolver {
	return &Resolver{store: store}
}

// Resolve returns the entity's local and remote candidates in creation order.
func (r *Resolver) Resolve(ctx context.Context, entityName string) (*Candidates, error) {
	e, err := r.store.GetEntity(ctx, entityName)
	if err != nil {
		return nil, err
	}
	out := &Candidates{Entity: *e}

	fms, err := r.store.LocalMappings(ctx, e.ID)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", entityName, err)
	}
	index := map[string]int{}
	for _, fm := range fms {
		i, ok := index[fm.DataSourceID]
		if !ok {
			i = len(out.Local)
			index[fm.DataSourceID] = i
			out.Local = append(out.Local, LocalCandidate{
				DataSource: fm.DataSource,
				Connection: fm.DataSource.Connection,
				Fields:     map[string]registry.FieldMapping{},
			})
		}
		out.Local[i].Fields[fm.Information.Name] = fm
	}

	rms, err := r.store.RemoteMappings(ctx, e.ID)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", entityName, err)
	}
	for _, rm := range rms {
		c := RemoteCandidate{Relay: rm.Relay, Mapping: rm, Fields: map[string]registry.RemoteInfoMapping{}}
		for _, im := range rm.InfoMappings {
			c.Fields[im.Information.Name] = im
		}
		out.Remote = append(out.Remote, c)
	}
	return out, nil
}
