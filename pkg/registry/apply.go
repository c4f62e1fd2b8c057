package registry

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/relaymesh/relay/pkg/pki"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ApplyResult counts the declarations applied per section.
type ApplyResult struct {
	Entities        int `json:"entities"`
	DataConnections int `json:"data_connections"`
	DataSources     int `json:"data_sources"`
	FieldMappings   int `json:"field_mappings"`
	PeerRelays      int `json:"peer_relays"`
	RemoteMappings  int `json:"remote_mappings"`
	Users           int `json:"users"`
	Permissions     int `json:"permissions"`
}

// Apply validates doc and upserts its declarations by name inside one
// transaction. Nothing is committed when any declaration is invalid.
func (s *Store) Apply(ctx context.Context, doc *Document) (*ApplyResult, error) {
	res := &ApplyResult{}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		a := &applier{tx: tx, res: res}
		for _, e := range doc.Entities {
			if err := a.entity(e); err != nil {
				return err
			}
		}
		for _, c := range doc.DataConnections {
			if err := a.connection(c); err != nil {
				return err
			}
		}
		for _, m := range doc.LocalMappings {
			if err := a.localMapping(m); err != nil {
				return err
			}
		}
		for _, r := range doc.PeerRelays {
			if err := a.peerRelay(r); err != nil {
				return err
			}
		}
		for _, m := range doc.RemoteMappings {
			if err := a.remoteMapping(m); err != nil {
				return err
			}
		}
		for _, u := range doc.Users {
			if err := a.user(u); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

type applier struct {
	tx  *gorm.DB
	res *ApplyResult
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidDocument, fmt.Sprintf(format, args...))
}

// upsert loads the row matching cond into out, applies set and saves it,
// creating the row when none matches. Associations are never written.
func upsert[T any](tx *gorm.DB, out *T, cond map[string]any, set func(*T)) error {
	err := tx.Where(cond).First(out).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		set(out)
		return tx.Omit(clause.Associations).Create(out).Error
	case err != nil:
		return err
	}
	set(out)
	return tx.Omit(clause.Associations).Save(out).Error
}

func (a *applier) entity(d EntityDecl) error {
	if strings.TrimSpace(d.Name) == "" {
		return invalid("entity without name")
	}
	var e Entity
	if err := upsert(a.tx, &e, map[string]any{"name": d.Name}, func(e *Entity) { e.Name = d.Name }); err != nil {
		return fmt.Errorf("upsert entity %s: %w", d.Name, err)
	}
	seen := map[string]bool{}
	for pos, info := range d.Information {
		if info.Name == "" || info.DataType == "" {
			return invalid("entity %s: information requires name and data_type", d.Name)
		}
		if seen[info.Name] {
			return invalid("entity %s: duplicate information %s", d.Name, info.Name)
		}
		seen[info.Name] = true
		var row Information
		err := upsert(a.tx, &row, map[string]any{"entity_id": e.ID, "name": info.Name}, func(r *Information) {
			r.EntityID, r.Name, r.DataType, r.Position = e.ID, info.Name, info.DataType, pos
		})
		if err != nil {
			return fmt.Errorf("upsert information %s.%s: %w", d.Name, info.Name, err)
		}
	}
	a.res.Entities++
	return nil
}

func (a *applier) connection(d DataConnectionDecl) error {
	if err := d.ConnectionOptions.Validate(); err != nil {
		return invalid("data connection %s: %v", d.Name, err)
	}
	var c DataConnection
	err := upsert(a.tx, &c, map[string]any{"name": d.Name}, func(c *DataConnection) {
		c.Name, c.Options = d.Name, d.ConnectionOptions
	})
	if err != nil {
		return fmt.Errorf("upsert data connection %s: %w", d.Name, err)
	}
	for _, src := range d.DataSources {
		if err := a.source(c, src); err != nil {
			return err
		}
	}
	a.res.DataConnections++
	return nil
}

func (a *applier) source(c DataConnection, d DataSourceDecl) error {
	if d.DefaultPermission == nil {
		return fmt.Errorf("data source %s.%s: %w", c.Name, d.Name, ErrMissingDefaultPermission)
	}
	if c.Options.Kind == KindFileDirectory && d.Options().Path == "" {
		return invalid("data source %s.%s: file sources require source_options.path", c.Name, d.Name)
	}
	var ds DataSource
	err := upsert(a.tx, &ds, map[string]any{"data_connection_id": c.ID, "name": d.Name}, func(ds *DataSource) {
		ds.ConnectionID, ds.Name, ds.SourceSQL, ds.Options = c.ID, d.Name, d.SourceSQL, d.Options()
	})
	if err != nil {
		return fmt.Errorf("upsert data source %s.%s: %w", c.Name, d.Name, err)
	}
	for _, f := range d.Fields {
		if f.Name == "" || f.Path == "" {
			return invalid("data source %s.%s: field requires name and path", c.Name, d.Name)
		}
		var row DataField
		err := upsert(a.tx, &row, map[string]any{"data_source_id": ds.ID, "name": f.Name}, func(r *DataField) {
			r.DataSourceID, r.Name, r.Path = ds.ID, f.Name, f.Path
		})
		if err != nil {
			return fmt.Errorf("upsert data field %s: %w", f.Name, err)
		}
	}
	if err := a.permission(ScopeDefault, ds.ID, "", *d.DefaultPermission); err != nil {
		return err
	}
	a.res.DataSources++
	return nil
}

// Options returns the declared source options with the format defaulted to CSV.
func (d DataSourceDecl) Options() SourceOptions {
	o := d.SourceOptions
	if o.Path != "" && o.Format == "" {
		o.Format = FormatCSV
	}
	return o
}

func (a *applier) permission(scope PermissionScope, dataSourceID, principalID string, d PermissionRulesDecl) error {
	rows := strings.TrimSpace(d.AllowedRows)
	if rows == "" {
		rows = "true"
	}
	cols := append([]string{}, d.AllowedColumns...)
	var p Permission
	err := upsert(a.tx, &p, map[string]any{"scope": scope, "data_source_id": dataSourceID, "principal_id": principalID}, func(p *Permission) {
		p.Scope, p.DataSourceID, p.PrincipalID, p.AllowedColumns, p.AllowedRows = scope, dataSourceID, principalID, cols, rows
	})
	if err != nil {
		return fmt.Errorf("upsert %s permission: %w", scope, err)
	}
	a.res.Permissions++
	return nil
}

func (a *applier) lookupEntity(name string) (*Entity, error) {
	var e Entity
	err := a.tx.Preload("Information").Where("name = ?", name).First(&e).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEntity, name)
	}
	if err != nil {
		return nil, fmt.Errorf("lookup entity %s: %w", name, err)
	}
	return &e, nil
}

func (a *applier) lookupSource(conName, sourceName string) (*DataSource, error) {
	var c DataConnection
	err := a.tx.Where("name = ?", conName).First(&c).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, invalid("unknown data connection %s", conName)
	}
	if err != nil {
		return nil, fmt.Errorf("lookup data connection %s: %w", conName, err)
	}
	var ds DataSource
	err = a.tx.Preload("Fields").Where("data_connection_id = ? AND name = ?", c.ID, sourceName).First(&ds).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, invalid("unknown data source %s.%s", conName, sourceName)
	}
	if err != nil {
		return nil, fmt.Errorf("lookup data source %s.%s: %w", conName, sourceName, err)
	}
	return &ds, nil
}

func (a *applier) localMapping(d LocalMappingDecl) error {
	e, err := a.lookupEntity(d.EntityName)
	if err != nil {
		return fmt.Errorf("local mapping: %w", err)
	}
	for _, cm := range d.Mappings {
		for _, sm := range cm.SourceMappings {
			ds, err := a.lookupSource(cm.DataConnectionName, sm.DataSourceName)
			if err != nil {
				return fmt.Errorf("local mapping %s: %w", d.EntityName, err)
			}
			for _, fm := range sm.FieldMappings {
				if err := a.fieldMapping(e, ds, fm); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func (a *applier) fieldMapping(e *Entity, ds *DataSource, d FieldMappingDecl) error {
	info := e.Info(d.Info)
	if info == nil {
		return fmt.Errorf("local mapping: %w: information %s.%s", ErrUnknownEntity, e.Name, d.Info)
	}
	var field *DataField
	for i := range ds.Fields {
		if ds.Fields[i].Name == d.Field {
			field = &ds.Fields[i]
		}
	}
	if field == nil {
		return invalid("local mapping %s.%s: unknown field %s on %s", e.Name, d.Info, d.Field, ds.Name)
	}
	t, err := d.Transformation.Normalize()
	if err != nil {
		return invalid("local mapping %s.%s: %v", e.Name, d.Info, err)
	}
	var m FieldMapping
	err = upsert(a.tx, &m, map[string]any{"data_source_id": ds.ID, "information_id": info.ID}, func(m *FieldMapping) {
		m.DataSourceID, m.InformationID, m.DataFieldID = ds.ID, info.ID, field.ID
		m.LiteralDerived, m.Transformation = d.LiteralDerived, t
	})
	if err != nil {
		return fmt.Errorf("upsert field mapping %s.%s: %w", e.Name, d.Info, err)
	}
	a.res.FieldMappings++
	return nil
}

func (a *applier) peerRelay(d PeerRelayDecl) error {
	if d.Name == "" || d.RestEndpoint == "" {
		return invalid("peer relay requires name and rest_endpoint")
	}
	cert, err := pki.ParsePEM([]byte(d.Certificate))
	if err != nil {
		return invalid("peer relay %s: pinned certificate: %v", d.Name, err)
	}
	id := pki.IdentityOf(cert)
	var r Relay
	err = upsert(a.tx, &r, map[string]any{"name": d.Name}, func(r *Relay) {
		r.Name, r.RestEndpoint, r.FlightEndpoint = d.Name, d.RestEndpoint, d.FlightEndpoint
		r.Fingerprint, r.Subject, r.Issuer, r.CertificatePEM = id.Fingerprint, id.Subject, id.Issuer, d.Certificate
	})
	if err != nil {
		return fmt.Errorf("upsert peer relay %s: %w", d.Name, err)
	}
	if err := a.overrides(ScopeRelay, r.ID, d.Permissions); err != nil {
		return fmt.Errorf("peer relay %s: %w", d.Name, err)
	}
	a.res.PeerRelays++
	return nil
}

func (a *applier) overrides(scope PermissionScope, principalID string, decls []PermissionDecl) error {
	for _, pd := range decls {
		for _, sp := range pd.SourcePermissions {
			ds, err := a.lookupSource(pd.DataConnectionName, sp.DataSourceName)
			if err != nil {
				return err
			}
			if err := a.permission(scope, ds.ID, principalID, sp.PermissionRulesDecl); err != nil {
				return err
			}
		}
	}
	return nil
}

func (a *applier) remoteMapping(d RemoteMappingDecl) error {
	e, err := a.lookupEntity(d.EntityName)
	if err != nil {
		return fmt.Errorf("remote mapping: %w", err)
	}
	for _, pm := range d.Mappings {
		var r Relay
		err := a.tx.Where("name = ?", pm.RelayName).First(&r).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return invalid("remote mapping %s: unknown relay %s", d.EntityName, pm.RelayName)
		}
		if err != nil {
			return fmt.Errorf("lookup relay %s: %w", pm.RelayName, err)
		}
		if pm.RemoteEntityName == "" {
			return invalid("remote mapping %s: remote_entity_name is required", d.EntityName)
		}
		tmpl, braces := "", 1
		if pm.EntityMap != nil {
			tmpl = pm.EntityMap.SQL
			if pm.EntityMap.CaptureBraces > 0 {
				braces = pm.EntityMap.CaptureBraces
			}
		}
		var m RemoteEntityMapping
		err = upsert(a.tx, &m, map[string]any{"entity_id": e.ID, "relay_id": r.ID}, func(m *RemoteEntityMapping) {
			m.EntityID, m.RelayID, m.RemoteEntityName = e.ID, r.ID, pm.RemoteEntityName
			m.SQLTemplate, m.CaptureBraces, m.NeedsSubquery = tmpl, braces, pm.NeedsSubquery
		})
		if err != nil {
			return fmt.Errorf("upsert remote mapping %s -> %s: %w", d.EntityName, pm.RelayName, err)
		}
		for _, rm := range pm.RelayMappings {
			if err := a.remoteInfo(e, &m, rm); err != nil {
				return err
			}
		}
		a.res.RemoteMappings++
	}
	return nil
}

func (a *applier) remoteInfo(e *Entity, m *RemoteEntityMapping, d RemoteInfoDecl) error {
	info := e.Info(d.LocalInfo)
	if info == nil {
		return fmt.Errorf("remote mapping: %w: information %s.%s", ErrUnknownEntity, e.Name, d.LocalInfo)
	}
	if d.InfoMappedName == "" {
		return invalid("remote mapping %s.%s: info_mapped_name is required", e.Name, d.LocalInfo)
	}
	t, err := d.Transformation.Normalize()
	if err != nil {
		return invalid("remote mapping %s.%s: %v", e.Name, d.LocalInfo, err)
	}
	var row RemoteInfoMapping
	return upsert(a.tx, &row, map[string]any{"remote_entity_mapping_id": m.ID, "information_id": info.ID}, func(r *RemoteInfoMapping) {
		r.EntityMappingID, r.InformationID, r.InfoMappedName = m.ID, info.ID, d.InfoMappedName
		r.LiteralDerived, r.Transformation = d.LiteralDerived, t
	})
}

func (a *applier) user(d UserDecl) error {
	cert, err := pki.ParsePEM([]byte(d.Certificate))
	if err != nil {
		return invalid("user certificate: %v", err)
	}
	id := pki.IdentityOf(cert)
	attrs := d.Attributes
	if attrs == nil {
		attrs = map[string]string{}
	}
	var u User
	err = upsert(a.tx, &u, map[string]any{"fingerprint": id.Fingerprint}, func(u *User) {
		u.Fingerprint, u.Subject, u.Issuer, u.Attributes = id.Fingerprint, id.Subject, id.Issuer, attrs
	})
	if err != nil {
		return fmt.Errorf("upsert user %s: %w", id.Subject, err)
	}
	if err := a.overrides(ScopeUser, u.ID, d.Permissions); err != nil {
		return fmt.Errorf("user %s: %w", id.Subject, err)
	}
	a.res.Users++
	return nil
}
