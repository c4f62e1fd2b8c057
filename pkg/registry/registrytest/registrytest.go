// Package registrytest provides in-memory registries and fixture documents
// for tests.
package registrytest

import (
	"context"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/relaymesh/relay/pkg/registry"
	"github.com/relaymesh/relay/pkg/transform"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// OpenDB opens a private shared-cache in-memory SQLite database so that
// concurrent goroutines in one test see the same data.
func OpenDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := "file:" + uuid.New().String() + "?mode=memory&cache=shared&_pragma=busy_timeout(5000)"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	return db
}

// NewStore returns a migrated registry store over OpenDB.
func NewStore(t *testing.T) (*registry.Store, *gorm.DB) {
	t.Helper()
	db := OpenDB(t)
	store := registry.NewStore(db)
	require.NoError(t, store.AutoMigrate())
	return store, db
}

// MustApply applies doc and fails the test on error.
func MustApply(t *testing.T, store *registry.Store, doc *registry.Document) {
	t.Helper()
	_, err := store.Apply(context.Background(), doc)
	require.NoError(t, err)
}

// Lineitem returns a document declaring the lineitem entity, a local CSV
// source csv_tpch mapped without transformation and, when relayPEM is not
// empty, a peer relay na_data_relay mapped with discount -> discount_percent
// via {v}/100.
func Lineitem(dir, relayPEM string) *registry.Document {
	doc := &registry.Document{
		Entities: []registry.EntityDecl{{
			Name: "lineitem",
			Information: []registry.InformationDecl{
				{Name: "discount", DataType: "Float64"},
				{Name: "quantity", DataType: "Int64"},
			},
		}},
		DataConnections: []registry.DataConnectionDecl{{
			Name: "local_files",
			ConnectionOptions: registry.ConnectionOptions{
				Kind: registry.KindFileDirectory,
				File: &registry.FileOptions{Directory: dir},
			},
			DataSources: []registry.DataSourceDecl{{
				Name:          "csv_tpch",
				SourceOptions: registry.SourceOptions{Path: "lineitem.csv", Format: registry.FormatCSV},
				Fields: []registry.DataFieldDecl{
					{Name: "discount_csv", Path: "discount_csv"},
					{Name: "quantity_csv", Path: "quantity_csv"},
				},
				DefaultPermission: &registry.PermissionRulesDecl{
					AllowedColumns: []string{"discount_csv", "quantity_csv"},
					AllowedRows:    "true",
				},
			}},
		}},
		LocalMappings: []registry.LocalMappingDecl{{
			EntityName: "lineitem",
			Mappings: []registry.ConnectionMappingDecl{{
				DataConnectionName: "local_files",
				SourceMappings: []registry.SourceMappingDecl{{
					DataSourceName: "csv_tpch",
					FieldMappings: []registry.FieldMappingDecl{
						{Info: "discount", Field: "discount_csv"},
						{Info: "quantity", Field: "quantity_csv"},
					},
				}},
			}},
		}},
	}
	if relayPEM == "" {
		return doc
	}
	doc.PeerRelays = []registry.PeerRelayDecl{{
		Name:         "na_data_relay",
		RestEndpoint: "https://na-data-relay.example:8000",
		Certificate:  relayPEM,
	}}
	doc.RemoteMappings = []registry.RemoteMappingDecl{{
		EntityName: "lineitem",
		Mappings: []registry.PeerRelayMappingDecl{{
			RelayName:        "na_data_relay",
			RemoteEntityName: "lineitem",
			RelayMappings: []registry.RemoteInfoDecl{{
				LocalInfo:      "discount",
				InfoMappedName: "discount_percent",
				Transformation: transform.Transformation{Forward: "{v}/100", Inverse: "{v}*100"},
			}},
		}},
	}}
	return doc
}
