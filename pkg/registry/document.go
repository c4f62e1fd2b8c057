package registry

import (
	"bytes"
	"fmt"

	"github.com/relaymesh/relay/pkg/transform"
	"gopkg.in/yaml.v3"
)

// Document is a declarative description of a Relay's configuration. Each
// section is applied in field order: entities, data connections, local
// mappings, peer relays, remote mappings, users.
type Document struct {
	Entities        []EntityDecl         `json:"entities,omitempty" yaml:"entities,omitempty"`
	DataConnections []DataConnectionDecl `json:"data_connections,omitempty" yaml:"data_connections,omitempty"`
	LocalMappings   []LocalMappingDecl   `json:"local_mappings,omitempty" yaml:"local_mappings,omitempty"`
	PeerRelays      []PeerRelayDecl      `json:"peer_relays,omitempty" yaml:"peer_relays,omitempty"`
	RemoteMappings  []RemoteMappingDecl  `json:"remote_mappings,omitempty" yaml:"remote_mappings,omitempty"`
	Users           []UserDecl           `json:"users,omitempty" yaml:"users,omitempty"`
}

type EntityDecl struct {
	Name        string            `json:"name" yaml:"name"`
	Information []InformationDecl `json:"information" yaml:"information"`
}

type InformationDecl struct {
	Name     string `json:"name" yaml:"name"`
	DataType string `json:"data_type" yaml:"data_type"`
}

type DataConnectionDecl struct {
	Name              string            `json:"name" yaml:"name"`
	ConnectionOptions ConnectionOptions `json:"connection_options" yaml:"connection_options"`
	DataSources       []DataSourceDecl  `json:"data_sources" yaml:"data_sources"`
}

// DataSourceDecl declares a source. DefaultPermission is mandatory; a
// deny-all default is written as allowed_columns: [] and allowed_rows: "false".
type DataSourceDecl struct {
	Name              string               `json:"name" yaml:"name"`
	SourceSQL         string               `json:"source_sql,omitempty" yaml:"source_sql,omitempty"`
	SourceOptions     SourceOptions        `json:"source_options,omitempty" yaml:"source_options,omitempty"`
	Fields            []DataFieldDecl      `json:"fields" yaml:"fields"`
	DefaultPermission *PermissionRulesDecl `json:"default_permission,omitempty" yaml:"default_permission,omitempty"`
}

type DataFieldDecl struct {
	Name string `json:"name" yaml:"name"`
	Path string `json:"path" yaml:"path"`
}

// PermissionRulesDecl lists allowed DataField names and a row predicate.
type PermissionRulesDecl struct {
	AllowedColumns []string `json:"allowed_columns" yaml:"allowed_columns"`
	AllowedRows    string   `json:"allowed_rows" yaml:"allowed_rows"`
}

type LocalMappingDecl struct {
	EntityName string                  `json:"entity_name" yaml:"entity_name"`
	Mappings   []ConnectionMappingDecl `json:"mappings" yaml:"mappings"`
}

type ConnectionMappingDecl struct {
	DataConnectionName string              `json:"data_con_name" yaml:"data_con_name"`
	SourceMappings     []SourceMappingDecl `json:"source_mappings" yaml:"source_mappings"`
}

type SourceMappingDecl struct {
	DataSourceName string             `json:"data_source_name" yaml:"data_source_name"`
	FieldMappings  []FieldMappingDecl `json:"field_mappings" yaml:"field_mappings"`
}

type FieldMappingDecl struct {
	Info           string                   `json:"info" yaml:"info"`
	Field          string                   `json:"field" yaml:"field"`
	LiteralDerived bool                     `json:"literal_derived_field,omitempty" yaml:"literal_derived_field,omitempty"`
	Transformation transform.Transformation `json:"transformation,omitempty" yaml:"transformation,omitempty"`
}

type PeerRelayDecl struct {
	Name           string           `json:"name" yaml:"name"`
	RestEndpoint   string           `json:"rest_endpoint" yaml:"rest_endpoint"`
	FlightEndpoint string           `json:"flight_endpoint,omitempty" yaml:"flight_endpoint,omitempty"`
	Certificate    string           `json:"x509_cert" yaml:"x509_cert"`
	Permissions    []PermissionDecl `json:"permissions,omitempty" yaml:"permissions,omitempty"`
}

// PermissionDecl grants overrides on the sources of one data connection.
type PermissionDecl struct {
	DataConnectionName string                 `json:"data_con_name" yaml:"data_con_name"`
	SourcePermissions  []SourcePermissionDecl `json:"source_permissions" yaml:"source_permissions"`
}

type SourcePermissionDecl struct {
	DataSourceName      string `json:"data_source_name" yaml:"data_source_name"`
	PermissionRulesDecl `yaml:",inline"`
}

type RemoteMappingDecl struct {
	EntityName string                 `json:"entity_name" yaml:"entity_name"`
	Mappings   []PeerRelayMappingDecl `json:"mappings" yaml:"mappings"`
}

type PeerRelayMappingDecl struct {
	RelayName        string           `json:"relay_name" yaml:"relay_name"`
	RemoteEntityName string           `json:"remote_entity_name" yaml:"remote_entity_name"`
	EntityMap        *EntityMapDecl   `json:"entity_map,omitempty" yaml:"entity_map,omitempty"`
	NeedsSubquery    bool             `json:"needs_subquery_transformation,omitempty" yaml:"needs_subquery_transformation,omitempty"`
	RelayMappings    []RemoteInfoDecl `json:"relay_mappings" yaml:"relay_mappings"`
}

// EntityMapDecl replaces the remote entity with a SQL template whose
// {info} blocks are resolved to remote expressions.
type EntityMapDecl struct {
	SQL           string `json:"sql" yaml:"sql"`
	CaptureBraces int    `json:"num_capture_braces,omitempty" yaml:"num_capture_braces,omitempty"`
}

type RemoteInfoDecl struct {
	LocalInfo      string                   `json:"local_info" yaml:"local_info"`
	InfoMappedName string                   `json:"info_mapped_name" yaml:"info_mapped_name"`
	LiteralDerived bool                     `json:"literal_derived_field,omitempty" yaml:"literal_derived_field,omitempty"`
	Transformation transform.Transformation `json:"transformation,omitempty" yaml:"transformation,omitempty"`
}

type UserDecl struct {
	Certificate string            `json:"x509_cert" yaml:"x509_cert"`
	Attributes  map[string]string `json:"attributes,omitempty" yaml:"attributes,omitempty"`
	Permissions []PermissionDecl  `json:"permissions,omitempty" yaml:"permissions,omitempty"`
}

// ParseDocument decodes a YAML (or JSON) config document. Unknown keys are
// rejected.
func ParseDocument(data []byte) (*Document, error) {
	var doc Document
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}
	return &doc, nil
}

// Merge appends other's declarations to d.
func (d *Document) Merge(other *Document) {
	d.Entities = append(d.Entities, other.Entities...)
	d.DataConnections = append(d.DataConnections, other.DataConnections...)
	d.LocalMappings = append(d.LocalMappings, other.LocalMappings...)
	d.PeerRelays = append(d.PeerRelays, other.PeerRelays...)
	d.RemoteMappings = append(d.RemoteMappings, other.RemoteMappings...)
	d.Users = append(d.Users, other.Users...)
}
