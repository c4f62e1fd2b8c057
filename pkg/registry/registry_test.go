package registry_test

import (
	"context"
	"errors"
	"testing"

	"github.com/relaymesh/relay/pkg/pki"
	"github.com/relaymesh/relay/pkg/pki/pkitest"
	"github.com/relaymesh/relay/pkg/registry"
	"github.com/relaymesh/relay/pkg/registry/registrytest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplyLineitem(t *testing.T) {
	store, _ := registrytest.NewStore(t)
	ctx := context.Background()
	cert, certPEM := pkitest.SelfSigned(t, "na-data-relay")

	res, err := store.Apply(ctx, registrytest.Lineitem(t.TempDir(), string(certPEM)))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Entities)
	assert.Equal(t, 1, res.DataSources)
	assert.Equal(t, 2, res.FieldMappings)
	assert.Equal(t, 1, res.PeerRelays)
	assert.Equal(t, 1, res.RemoteMappings)

	e, err := store.GetEntity(ctx, "lineitem")
	require.NoError(t, err)
	require.Len(t, e.Information, 2)
	assert.Equal(t, "discount", e.Information[0].Name)
	assert.Equal(t, "quantity", e.Information[1].Name)

	relay, err := store.GetRelayByFingerprint(ctx, pki.Fingerprint(cert))
	require.NoError(t, err)
	require.NotNil(t, relay)
	assert.Equal(t, "na_data_relay", relay.Name)

	remotes, err := store.RemoteMappings(ctx, e.ID)
	require.NoError(t, err)
	require.Len(t, remotes, 1)
	require.Len(t, remotes[0].InfoMappings, 1)
	assert.Equal(t, "discount_percent", remotes[0].InfoMappings[0].InfoMappedName)
	assert.Equal(t, "{v}/100", remotes[0].InfoMappings[0].Transformation.Forward)
	assert.Equal(t, "na_data_relay", remotes[0].Relay.Name)

	locals, err := store.LocalMappings(ctx, e.ID)
	require.NoError(t, err)
	require.Len(t, locals, 2)
	assert.Equal(t, "csv_tpch", locals[0].DataSource.Name)
	assert.Equal(t, "discount_csv", locals[0].DataField.Path)
	assert.True(t, locals[0].Transformation.IsIdentity())
	assert.Equal(t, registry.KindFileDirectory, locals[0].DataSource.Connection.Options.Kind)
}

func TestApplyIsIdempotent(t *testing.T) {
	store, db := registrytest.NewStore(t)
	ctx := context.Background()
	doc := registrytest.Lineitem(t.TempDir(), "")

	_, err := store.Apply(ctx, doc)
	require.NoError(t, err)
	first, err := store.GetEntity(ctx, "lineitem")
	require.NoError(t, err)

	_, err = store.Apply(ctx, doc)
	require.NoError(t, err)
	second, err := store.GetEntity(ctx, "lineitem")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	var count int64
	require.NoError(t, db.Model(&registry.FieldMapping{}).Count(&count).Error)
	assert.Equal(t, int64(2), count)
	require.NoError(t, db.Model(&registry.Permission{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestApplyMissingDefaultPermission(t *testing.T) {
	store, db := registrytest.NewStore(t)
	doc := registrytest.Lineitem(t.TempDir(), "")
	doc.DataConnections[0].DataSources[0].DefaultPermission = nil

	_, err := store.Apply(context.Background(), doc)
	require.Error(t, err)
	assert.True(t, errors.Is(err, registry.ErrMissingDefaultPermission))

	var count int64
	require.NoError(t, db.Model(&registry.Entity{}).Count(&count).Error)
	assert.Zero(t, count, "failed apply must not commit")
}

func TestApplyUnknownEntity(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*registry.Document)
	}{
		{"local mapping entity", func(d *registry.Document) { d.LocalMappings[0].EntityName = "orders" }},
		{"local mapping info", func(d *registry.Document) {
			d.LocalMappings[0].Mappings[0].SourceMappings[0].FieldMappings[0].Info = "price"
		}},
		{"remote mapping info", func(d *registry.Document) { d.RemoteMappings[0].Mappings[0].RelayMappings[0].LocalInfo = "price" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, _ := registrytest.NewStore(t)
			_, certPEM := pkitest.SelfSigned(t, "peer")
			doc := registrytest.Lineitem(t.TempDir(), string(certPEM))
			tt.mutate(doc)
			_, err := store.Apply(context.Background(), doc)
			require.Error(t, err)
			assert.True(t, errors.Is(err, registry.ErrUnknownEntity), err.Error())
		})
	}
}

func TestApplyValidation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*registry.Document)
	}{
		{"relay without certificate", func(d *registry.Document) { d.PeerRelays[0].Certificate = "" }},
		{"unknown relay", func(d *registry.Document) { d.RemoteMappings[0].Mappings[0].RelayName = "ghost" }},
		{"unknown field", func(d *registry.Document) {
			d.LocalMappings[0].Mappings[0].SourceMappings[0].FieldMappings[0].Field = "nope"
		}},
		{"unknown connection", func(d *registry.Document) { d.LocalMappings[0].Mappings[0].DataConnectionName = "nope" }},
		{"bad connection options", func(d *registry.Document) {
			d.DataConnections[0].ConnectionOptions = registry.ConnectionOptions{Kind: registry.KindPostgres}
		}},
		{"non invertible transformation", func(d *registry.Document) {
			d.RemoteMappings[0].Mappings[0].RelayMappings[0].Transformation.Inverse = ""
			d.RemoteMappings[0].Mappings[0].RelayMappings[0].Transformation.Forward = "{v}*{v}"
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, _ := registrytest.NewStore(t)
			_, certPEM := pkitest.SelfSigned(t, "peer")
			doc := registrytest.Lineitem(t.TempDir(), string(certPEM))
			tt.mutate(doc)
			_, err := store.Apply(context.Background(), doc)
			require.Error(t, err)
			assert.True(t, errors.Is(err, registry.ErrInvalidDocument), err.Error())
		})
	}
}

func TestApplyOverridesAndUsers(t *testing.T) {
	store, _ := registrytest.NewStore(t)
	ctx := context.Background()
	_, relayPEM := pkitest.SelfSigned(t, "peer")
	userCert, userPEM := pkitest.SelfSigned(t, "alice")

	doc := registrytest.Lineitem(t.TempDir(), string(relayPEM))
	override := []registry.PermissionDecl{{
		DataConnectionName: "local_files",
		SourcePermissions: []registry.SourcePermissionDecl{{
			DataSourceName:      "csv_tpch",
			PermissionRulesDecl: registry.PermissionRulesDecl{AllowedColumns: []string{"discount_csv"}, AllowedRows: "quantity_csv < 10"},
		}},
	}}
	doc.PeerRelays[0].Permissions = override
	doc.Users = []registry.UserDecl{{Certificate: string(userPEM), Attributes: map[string]string{"team": "ops"}, Permissions: override}}
	registrytest.MustApply(t, store, doc)

	e, err := store.GetEntity(ctx, "lineitem")
	require.NoError(t, err)
	locals, err := store.LocalMappings(ctx, e.ID)
	require.NoError(t, err)
	dsID := locals[0].DataSourceID

	def, err := store.DefaultPermission(ctx, dsID)
	require.NoError(t, err)
	assert.Equal(t, []string{"discount_csv", "quantity_csv"}, def.AllowedColumns)

	relay, err := store.GetRelayByName(ctx, "na_data_relay")
	require.NoError(t, err)
	rp, err := store.RelayPermission(ctx, dsID, relay.ID)
	require.NoError(t, err)
	require.NotNil(t, rp)
	assert.Equal(t, "quantity_csv < 10", rp.AllowedRows)

	user, err := store.GetUserByFingerprint(ctx, pki.Fingerprint(userCert))
	require.NoError(t, err)
	require.NotNil(t, user)
	assert.Equal(t, "ops", user.Attributes["team"])
	up, err := store.UserPermission(ctx, dsID, user.ID)
	require.NoError(t, err)
	require.NotNil(t, up)

	none, err := store.UserPermission(ctx, dsID, "nobody")
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestGetEntityUnknown(t *testing.T) {
	store, _ := registrytest.NewStore(t)
	_, err := store.GetEntity(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, errors.Is(err, registry.ErrUnknownEntity))
}

func TestUpsertUserRegistersOnce(t *testing.T) {
	store, _ := registrytest.NewStore(t)
	ctx := context.Background()
	cert, _ := pkitest.SelfSigned(t, "bob")
	id := pki.IdentityOf(cert)

	first, err := store.UpsertUser(ctx, id)
	require.NoError(t, err)
	second, err := store.UpsertUser(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Contains(t, second.Subject, "bob")
}

func TestParseDocument(t *testing.T) {
	doc, err := registry.ParseDocument([]byte(`
entities:
  - name: lineitem
    information:
      - name: discount
        data_type: Float64
data_connections:
  - name: pg
    connection_options:
      kind: postgres
      sql:
        dsn_env: PG_DSN
    data_sources:
      - name: lineitem_pg
        source_sql: select * from tpch.lineitem
        fields:
          - name: l_discount
            path: l_discount
        default_permission:
          allowed_columns: [l_discount]
          allowed_rows: "true"
remote_mappings:
  - entity_name: lineitem
    mappings:
      - relay_name: eu
        remote_entity_name: lineitem
        needs_subquery_transformation: true
        relay_mappings:
          - local_info: discount
            info_mapped_name: discount_percent
            transformation:
              forward_expr: "{v}/100"
`))
	require.NoError(t, err)
	require.Len(t, doc.DataConnections, 1)
	assert.Equal(t, registry.KindPostgres, doc.DataConnections[0].ConnectionOptions.Kind)
	assert.Equal(t, "PG_DSN", doc.DataConnections[0].ConnectionOptions.SQL.DSNEnv)
	assert.Equal(t, "true", doc.DataConnections[0].DataSources[0].DefaultPermission.AllowedRows)
	assert.True(t, doc.RemoteMappings[0].Mappings[0].NeedsSubquery)
	assert.Equal(t, "{v}/100", doc.RemoteMappings[0].Mappings[0].RelayMappings[0].Transformation.Forward)

	_, err = registry.ParseDocument([]byte("entities:\n  - name: x\n    bogus: 1\n"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, registry.ErrInvalidDocument))
}

func TestConnectionOptionsValidate(t *testing.T) {
	tests := []struct {
		name    string
		opts    registry.ConnectionOptions
		wantErr bool
	}{
		{"sqlite dsn", registry.ConnectionOptions{Kind: registry.KindSQLite, SQL: &registry.SQLOptions{DSN: "file:x.db"}}, false},
		{"mysql env", registry.ConnectionOptions{Kind: registry.KindMySQL, SQL: &registry.SQLOptions{DSNEnv: "X"}}, false},
		{"sql missing block", registry.ConnectionOptions{Kind: registry.KindSQLServer}, true},
		{"file local", registry.ConnectionOptions{Kind: registry.KindFileDirectory, File: &registry.FileOptions{Directory: "/data"}}, false},
		{"file s3", registry.ConnectionOptions{Kind: registry.KindFileDirectory, File: &registry.FileOptions{S3: &registry.S3Options{Endpoint: "s3:9000", Bucket: "b"}}}, false},
		{"file both", registry.ConnectionOptions{Kind: registry.KindFileDirectory, File: &registry.FileOptions{Directory: "/d", S3: &registry.S3Options{Endpoint: "e", Bucket: "b"}}}, true},
		{"mixed blocks", registry.ConnectionOptions{Kind: registry.KindSQLite, SQL: &registry.SQLOptions{DSN: "x"}, File: &registry.FileOptions{Directory: "/d"}}, true},
		{"trino dsn", registry.ConnectionOptions{Kind: registry.KindTrino, SQL: &registry.SQLOptions{DSN: "http://relay@trino:8080?catalog=tpch&schema=tiny"}}, false},
		{"trino missing dsn", registry.ConnectionOptions{Kind: registry.KindTrino, SQL: &registry.SQLOptions{}}, true},
		{"trino with file block", registry.ConnectionOptions{Kind: registry.KindTrino, File: &registry.FileOptions{Directory: "/d"}}, true},
		{"flightsql env", registry.ConnectionOptions{Kind: registry.KindFlightSQL, SQL: &registry.SQLOptions{DSNEnv: "FLIGHT_DSN"}}, false},
		{"flightsql missing block", registry.ConnectionOptions{Kind: registry.KindFlightSQL}, true},
		{"unknown kind", registry.ConnectionOptions{Kind: "oracle"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.opts.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestResolveDSN(t *testing.T) {
	t.Setenv("RELAY_TEST_DSN", "postgres://u:p@h/db")
	dsn, err := (&registry.SQLOptions{DSNEnv: "RELAY_TEST_DSN"}).ResolveDSN()
	require.NoError(t, err)
	assert.Equal(t, "postgres://u:p@h/db", dsn)

	_, err = (&registry.SQLOptions{DSNEnv: "RELAY_TEST_DSN_UNSET"}).ResolveDSN()
	assert.Error(t, err)
}
