// Package registry persists the Relay's logical schema, its data sources,
// the mappings between them, peer relays, users and permission layers.
package registry

import (
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/relaymesh/relay/pkg/transform"
	"gorm.io/gorm"
)

// seq orders rows created within the same clock tick.
var seq atomic.Int64

func init() {
	seq.Store(time.Now().UnixNano())
}

func stamp(id *string, s *int64) {
	if *id == "" {
		*id = uuid.New().String()
	}
	if *s == 0 {
		*s = seq.Add(1)
	}
}

// Entity is a virtual schema exposed by this Relay.
type Entity struct {
	ID          string        `gorm:"primaryKey;column:id;type:varchar(36)"`
	Name        string        `gorm:"column:name;uniqueIndex:idx_entity_name;not null"`
	Information []Information `gorm:"foreignKey:EntityID"`
	CreatedAt   time.Time     `gorm:"column:created_at"`
	Seq         int64         `gorm:"column:created_seq;not null"`
}

func (Entity) TableName() string { return "entities" }

func (e *Entity) BeforeCreate(*gorm.DB) error {
	stamp(&e.ID, &e.Seq)
	return nil
}

// Info returns the named Information or nil.
func (e *Entity) Info(name string) *Information {
	for i := range e.Information {
		if e.Information[i].Name == name {
			return &e.Information[i]
		}
	}
	return nil
}

// Information is a typed field of an Entity.
type Information struct {
	ID        string    `gorm:"primaryKey;column:id;type:varchar(36)"`
	EntityID  string    `gorm:"column:entity_id;type:varchar(36);uniqueIndex:idx_info_entity_name,priority:1;not null"`
	Name      string    `gorm:"column:name;uniqueIndex:idx_info_entity_name,priority:2;not null"`
	DataType  string    `gorm:"column:data_type;not null"`
	Position  int       `gorm:"column:position"`
	CreatedAt time.Time `gorm:"column:created_at"`
	Seq       int64     `gorm:"column:created_seq;not null"`
}

func (Information) TableName() string { return "information" }

func (i *Information) BeforeCreate(*gorm.DB) error {
	stamp(&i.ID, &i.Seq)
	return nil
}

// DataConnection is a physical backend.
type DataConnection struct {
	ID        string            `gorm:"primaryKey;column:id;type:varchar(36)"`
	Name      string            `gorm:"column:name;uniqueIndex:idx_connection_name;not null"`
	Options   ConnectionOptions `gorm:"column:options;type:text;serializer:json"`
	CreatedAt time.Time         `gorm:"column:created_at"`
	Seq       int64             `gorm:"column:created_seq;not null"`
}

func (DataConnection) TableName() string { return "data_connections" }

func (c *DataConnection) BeforeCreate(*gorm.DB) error {
	stamp(&c.ID, &c.Seq)
	return nil
}

// DataSource is a queryable object reachable through a DataConnection.
// An empty SourceSQL means the source is addressed by its name.
type DataSource struct {
	ID           string         `gorm:"primaryKey;column:id;type:varchar(36)"`
	ConnectionID string         `gorm:"column:data_connection_id;type:varchar(36);uniqueIndex:idx_source_conn_name,priority:1;not null"`
	Connection   DataConnection `gorm:"foreignKey:ConnectionID"`
	Name         string         `gorm:"column:name;uniqueIndex:idx_source_conn_name,priority:2;not null"`
	SourceSQL    string         `gorm:"column:source_sql;type:text"`
	Options      SourceOptions  `gorm:"column:source_options;type:text;serializer:json"`
	Fields       []DataField    `gorm:"foreignKey:DataSourceID"`
	CreatedAt    time.Time      `gorm:"column:created_at"`
	Seq          int64          `gorm:"column:created_seq;not null"`
}

func (DataSource) TableName() string { return "data_sources" }

func (d *DataSource) BeforeCreate(*gorm.DB) error {
	stamp(&d.ID, &d.Seq)
	return nil
}

// DataField is one physical column or path exposed by a DataSource.
type DataField struct {
	ID           string    `gorm:"primaryKey;column:id;type:varchar(36)"`
	DataSourceID string    `gorm:"column:data_source_id;type:varchar(36);uniqueIndex:idx_field_source_name,priority:1;not null"`
	Name         string    `gorm:"column:name;uniqueIndex:idx_field_source_name,priority:2;not null"`
	Path         string    `gorm:"column:path;not null"`
	CreatedAt    time.Time `gorm:"column:created_at"`
	Seq          int64     `gorm:"column:created_seq;not null"`
}

func (DataField) TableName() string { return "data_fields" }

func (f *DataField) BeforeCreate(*gorm.DB) error {
	stamp(&f.ID, &f.Seq)
	return nil
}

// FieldMapping binds a DataField to an Information. When LiteralDerived is
// set the field's path is a SQL expression copied verbatim and the
// transformation is not applied.
type FieldMapping struct {
	ID             string                   `gorm:"primaryKey;column:id;type:varchar(36)"`
	DataSourceID   string                   `gorm:"column:data_source_id;type:varchar(36);uniqueIndex:idx_fmap_source_info,priority:1;not null"`
	DataSource     DataSource               `gorm:"foreignKey:DataSourceID"`
	InformationID  string                   `gorm:"column:information_id;type:varchar(36);uniqueIndex:idx_fmap_source_info,priority:2;not null"`
	Information    Information              `gorm:"foreignKey:InformationID"`
	DataFieldID    string                   `gorm:"column:data_field_id;type:varchar(36);not null"`
	DataField      DataField                `gorm:"foreignKey:DataFieldID"`
	LiteralDerived bool                     `gorm:"column:literal_derived_field;default:false"`
	Transformation transform.Transformation `gorm:"column:transformation;type:text;serializer:json"`
	CreatedAt      time.Time                `gorm:"column:created_at"`
	Seq            int64                    `gorm:"column:created_seq;not null"`
}

func (FieldMapping) TableName() string { return "field_mappings" }

func (m *FieldMapping) BeforeCreate(*gorm.DB) error {
	stamp(&m.ID, &m.Seq)
	return nil
}

// Relay is a pinned peer node.
type Relay struct {
	ID             string    `gorm:"primaryKey;column:id;type:varchar(36)"`
	Name           string    `gorm:"column:name;uniqueIndex:idx_relay_name;not null"`
	RestEndpoint   string    `gorm:"column:rest_endpoint;not null"`
	FlightEndpoint string    `gorm:"column:flight_endpoint"`
	Fingerprint    string    `gorm:"column:fingerprint;uniqueIndex:idx_relay_fingerprint;not null"`
	Subject        string    `gorm:"column:subject"`
	Issuer         string    `gorm:"column:issuer"`
	CertificatePEM string    `gorm:"column:certificate_pem;type:text"`
	CreatedAt      time.Time `gorm:"column:created_at"`
	Seq            int64     `gorm:"column:created_seq;not null"`
}

func (Relay) TableName() string { return "relays" }

func (r *Relay) BeforeCreate(*gorm.DB) error {
	stamp(&r.ID, &r.Seq)
	return nil
}

// RemoteEntityMapping binds a local Entity to an entity on a peer Relay.
// SQLTemplate, when set, replaces the remote entity name as the forwarded
// source; it may reference Information as {name} blocks delimited by
// CaptureBraces braces on each side.
type RemoteEntityMapping struct {
	ID               string              `gorm:"primaryKey;column:id;type:varchar(36)"`
	EntityID         string              `gorm:"column:entity_id;type:varchar(36);uniqueIndex:idx_rmap_entity_relay,priority:1;not null"`
	Entity           Entity              `gorm:"foreignKey:EntityID"`
	RelayID          string              `gorm:"column:relay_id;type:varchar(36);uniqueIndex:idx_rmap_entity_relay,priority:2;not null"`
	Relay            Relay               `gorm:"foreignKey:RelayID"`
	RemoteEntityName string              `gorm:"column:remote_entity_name;not null"`
	SQLTemplate      string              `gorm:"column:sql_template;type:text"`
	CaptureBraces    int                 `gorm:"column:capture_braces;default:1"`
	NeedsSubquery    bool                `gorm:"column:needs_subquery_transformation;default:false"`
	InfoMappings     []RemoteInfoMapping `gorm:"foreignKey:EntityMappingID"`
	CreatedAt        time.Time           `gorm:"column:created_at"`
	Seq              int64               `gorm:"column:created_seq;not null"`
}

func (RemoteEntityMapping) TableName() string { return "remote_entity_mappings" }

func (m *RemoteEntityMapping) BeforeCreate(*gorm.DB) error {
	stamp(&m.ID, &m.Seq)
	return nil
}

// RemoteInfoMapping binds one Information to a peer field or, when
// LiteralDerived is set, to a verbatim expression over peer fields.
type RemoteInfoMapping struct {
	ID              string                   `gorm:"primaryKey;column:id;type:varchar(36)"`
	EntityMappingID string                   `gorm:"column:remote_entity_mapping_id;type:varchar(36);uniqueIndex:idx_rinfo_map_info,priority:1;not null"`
	InformationID   string                   `gorm:"column:information_id;type:varchar(36);uniqueIndex:idx_rinfo_map_info,priority:2;not null"`
	Information     Information              `gorm:"foreignKey:InformationID"`
	InfoMappedName  string                   `gorm:"column:info_mapped_name;not null"`
	LiteralDerived  bool                     `gorm:"column:literal_derived_field;default:false"`
	Transformation  transform.Transformation `gorm:"column:transformation;type:text;serializer:json"`
	CreatedAt       time.Time                `gorm:"column:created_at"`
	Seq             int64                    `gorm:"column:created_seq;not null"`
}

func (RemoteInfoMapping) TableName() string { return "remote_info_mappings" }

func (m *RemoteInfoMapping) BeforeCreate(*gorm.DB) error {
	stamp(&m.ID, &m.Seq)
	return nil
}

// User is an end-caller identity.
type User struct {
	ID          string            `gorm:"primaryKey;column:id;type:varchar(36)"`
	Fingerprint string            `gorm:"column:fingerprint;uniqueIndex:idx_user_fingerprint;not null"`
	Subject     string            `gorm:"column:subject"`
	Issuer      string            `gorm:"column:issuer"`
	Attributes  map[string]string `gorm:"column:attributes;type:text;serializer:json"`
	CreatedAt   time.Time         `gorm:"column:created_at"`
	Seq         int64             `gorm:"column:created_seq;not null"`
}

func (User) TableName() string { return "users" }

func (u *User) BeforeCreate(*gorm.DB) error {
	stamp(&u.ID, &u.Seq)
	return nil
}

// PermissionScope identifies a permission layer.
type PermissionScope string

const (
	ScopeDefault PermissionScope = "default"
	ScopeRelay   PermissionScope = "relay"
	ScopeUser    PermissionScope = "user"
)

// Permission is one access-control layer for a DataSource. AllowedColumns
// lists DataField names; AllowedRows is a predicate over the source's fields.
// PrincipalID is empty for the default layer.
type Permission struct {
	ID             string          `gorm:"primaryKey;column:id;type:varchar(36)"`
	Scope          PermissionScope `gorm:"column:scope;uniqueIndex:idx_perm_scope_source_principal,priority:1;not null"`
	DataSourceID   string          `gorm:"column:data_source_id;type:varchar(36);uniqueIndex:idx_perm_scope_source_principal,priority:2;not null"`
	PrincipalID    string          `gorm:"column:principal_id;type:varchar(36);uniqueIndex:idx_perm_scope_source_principal,priority:3"`
	AllowedColumns []string        `gorm:"column:allowed_columns;type:text;serializer:json"`
	AllowedRows    string          `gorm:"column:allowed_rows;type:text"`
	CreatedAt      time.Time       `gorm:"column:created_at"`
	Seq            int64           `gorm:"column:created_seq;not null"`
}

func (Permission) TableName() string { return "permissions" }

func (p *Permission) BeforeCreate(*gorm.DB) error {
	stamp(&p.ID, &p.Seq)
	return nil
}

// AllModels lists every registry model for migration.
func AllModels() []any {
	return []any{
		&Entity{}, &Information{}, &DataConnection{}, &DataSource{}, &DataField{},
		&FieldMapping{}, &Relay{}, &RemoteEntityMapping{}, &RemoteInfoMapping{},
		&User{}, &Permission{},
	}
}
