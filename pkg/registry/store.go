package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/relaymesh/relay/pkg/pki"
	"gorm.io/gorm"
)

// Store provides database operations for registry records.
type Store struct {
	db *gorm.DB
}

// NewStore creates a new Store.
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// AutoMigrate creates or updates the registry tables.
func (s *Store) AutoMigrate() error {
	return s.db.AutoMigrate(AllModels()...)
}

// GetEntity returns the named Entity with its Information ordered by position.
func (s *Store) GetEntity(ctx context.Context, name string) (*Entity, error) {
	var e Entity
	err := s.db.WithContext(ctx).
		Preload("Information", func(db *gorm.DB) *gorm.DB { return db.Order("position ASC") }).
		Where("name = ?", name).First(&e).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEntity, name)
	}
	if err != nil {
		return nil, fmt.Errorf("get entity: %w", err)
	}
	return &e, nil
}

// ListEntities returns every Entity in creation order.
func (s *Store) ListEntities(ctx context.Context) ([]Entity, error) {
	var out []Entity
	err := s.db.WithContext(ctx).
		Preload("Information", func(db *gorm.DB) *gorm.DB { return db.Order("position ASC") }).
		Order("created_at ASC, created_seq ASC").Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("list entities: %w", err)
	}
	return out, nil
}

// GetDataSource returns a DataSource with its connection and fields.
func (s *Store) GetDataSource(ctx context.Context, id string) (*DataSource, error) {
	var ds DataSource
	err := s.db.WithContext(ctx).Preload("Connection").Preload("Fields").First(&ds, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get data source: %w", err)
	}
	return &ds, nil
}

// LocalMappings returns every FieldMapping onto the Entity's Information,
// ordered by data source creation and then by mapping creation.
func (s *Store) LocalMappings(ctx context.Context, entityID string) ([]FieldMapping, error) {
	var out []FieldMapping
	err := s.db.WithContext(ctx).
		Preload("DataSource.Connection").
		Preload("DataField").
		Preload("Information").
		Where("information_id IN (?)", s.db.Model(&Information{}).Select("id").Where("entity_id = ?", entityID)).
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("list local mappings: %w", err)
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if !a.DataSource.CreatedAt.Equal(b.DataSource.CreatedAt) {
			return a.DataSource.CreatedAt.Before(b.DataSource.CreatedAt)
		}
		if a.DataSource.Seq != b.DataSource.Seq {
			return a.DataSource.Seq < b.DataSource.Seq
		}
		return a.Information.Position < b.Information.Position
	})
	return out, nil
}

// RemoteMappings returns the Entity's peer mappings in creation order.
func (s *Store) RemoteMappings(ctx context.Context, entityID string) ([]RemoteEntityMapping, error) {
	var out []RemoteEntityMapping
	err := s.db.WithContext(ctx).
		Preload("Relay").
		Preload("InfoMappings.Information").
		Where("entity_id = ?", entityID).
		Order("created_at ASC, created_seq ASC").
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("list remote mappings: %w", err)
	}
	return out, nil
}

// GetRelay retrieves a relay by ID. Returns nil when absent.
func (s *Store) GetRelay(ctx context.Context, id string) (*Relay, error) {
	return s.findRelay(ctx, "id = ?", id)
}

// GetRelayByName retrieves a relay by name. Returns nil when absent.
func (s *Store) GetRelayByName(ctx context.Context, name string) (*Relay, error) {
	return s.findRelay(ctx, "name = ?", name)
}

// GetRelayByFingerprint retrieves a relay by pinned certificate fingerprint.
// Returns nil when absent.
func (s *Store) GetRelayByFingerprint(ctx context.Context, fingerprint string) (*Relay, error) {
	return s.findRelay(ctx, "fingerprint = ?", fingerprint)
}

// ListRelays returns all peer relays in creation order.
func (s *Store) ListRelays(ctx context.Context) ([]Relay, error) {
	var out []Relay
	if err := s.db.WithContext(ctx).Order("created_at ASC, created_seq ASC").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("list relays: %w", err)
	}
	return out, nil
}

func (s *Store) findRelay(ctx context.Context, cond string, arg string) (*Relay, error) {
	var r Relay
	err := s.db.WithContext(ctx).Where(cond, arg).First(&r).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get relay: %w", err)
	}
	return &r, nil
}

// GetUserByFingerprint retrieves a user by certificate fingerprint.
// Returns nil when absent.
func (s *Store) GetUserByFingerprint(ctx context.Context, fingerprint string) (*User, error) {
	var u User
	err := s.db.WithContext(ctx).Where("fingerprint = ?", fingerprint).First(&u).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	return &u, nil
}

// UpsertUser returns the user with id's fingerprint, registering it on first
// contact. Safe for concurrent use.
func (s *Store) UpsertUser(ctx context.Context, id pki.Identity) (*User, error) {
	if u, err := s.GetUserByFingerprint(ctx, id.Fingerprint); err != nil || u != nil {
		return u, err
	}
	u := &User{Fingerprint: id.Fingerprint, Subject: id.Subject, Issuer: id.Issuer, Attributes: map[string]string{}}
	if err := s.db.WithContext(ctx).Create(u).Error; err != nil {
		// Another request may have registered the same certificate.
		existing, lookupErr := s.GetUserByFingerprint(ctx, id.Fingerprint)
		if lookupErr == nil && existing != nil {
			return existing, nil
		}
		return nil, fmt.Errorf("register user: %w", err)
	}
	return u, nil
}

// GetPermission returns one permission layer. Returns nil when absent.
func (s *Store) GetPermission(ctx context.Context, scope PermissionScope, dataSourceID, principalID string) (*Permission, error) {
	var p Permission
	err := s.db.WithContext(ctx).
		Where("scope = ? AND data_source_id = ? AND principal_id = ?", scope, dataSourceID, principalID).
		First(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get %s permission: %w", scope, err)
	}
	return &p, nil
}

// DefaultPermission returns the DataSource's default layer.
func (s *Store) DefaultPermission(ctx context.Context, dataSourceID string) (*Permission, error) {
	p, err := s.GetPermission(ctx, ScopeDefault, dataSourceID, "")
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, fmt.Errorf("%w: data source %s", ErrMissingDefaultPermission, dataSourceID)
	}
	return p, nil
}

// RelayPermission returns the relay-scoped override. Returns nil when absent.
func (s *Store) RelayPermission(ctx context.Context, dataSourceID, relayID string) (*Permission, error) {
	return s.GetPermission(ctx, ScopeRelay, dataSourceID, relayID)
}

// UserPermission returns the user-scoped override. Returns nil when absent.
func (s *Store) UserPermission(ctx context.Context, dataSourceID, userID string) (*Permission, error) {
	return s.GetPermission(ctx, ScopeUser, dataSourceID, userID)
}
