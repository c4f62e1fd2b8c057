// Package relayconf loads the configuration of the relay binaries from
// RELAY_* environment variables and an optional config file.
package relayconf

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/relaymesh/relay/pkg/audit"
	"github.com/relaymesh/relay/pkg/cache"
	"github.com/relaymesh/relay/pkg/db"
	"github.com/relaymesh/relay/pkg/dispatch"
	"github.com/relaymesh/relay/pkg/ha"
	"github.com/relaymesh/relay/pkg/identity"
	"github.com/relaymesh/relay/pkg/propagation"
	"github.com/relaymesh/relay/pkg/results"
)

// Result store kinds.
const (
	ResultStoreFS = "fs"
	ResultStoreS3 = "s3"
)

// TLSConfig locates the PEM files used for the server listener and for
// calls to peer relays.
type TLSConfig struct {
	CACertFile     string
	ServerCertFile string
	ServerKeyFile  string
	ClientCertFile string
	ClientKeyFile  string
}

// Enabled reports whether the listener serves TLS.
func (t TLSConfig) Enabled() bool {
	return t.ServerCertFile != "" && t.ServerKeyFile != ""
}

// ResultStoreConfig selects where materialized fragments are written.
type ResultStoreConfig struct {
	Kind      string
	Dir       string
	Bucket    string
	Region    string
	Endpoint  string
	AccessKey string
	SecretKey string
	UseSSL    bool
}

// Config is the full configuration of relay-server and query-runner.
type Config struct {
	Name           string
	Listen         string
	RestURL        string
	FlightEndpoint string
	// Bootstrap is a config document applied at startup when set.
	Bootstrap string

	Database         db.Config
	TLS              TLSConfig
	ClientCertHeader string
	AllowedOrigins   []string
	RetentionDays    int

	Operator    identity.OperatorConfig
	Dispatch    *dispatch.Config
	Propagation *propagation.Config
	Results     ResultStoreConfig
	Cache       *cache.CacheConfig
	HA          *ha.HAConfig
	Audit       *audit.AuditConfig
}

// Load reads the configuration. A file named by RELAY_CONFIG_FILE is read
// first; environment variables override it.
func Load() (*Config, error) {
	return load(viper.New())
}

func load(v *viper.Viper) (*Config, error) {
	v.SetEnvPrefix("RELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if path := os.Getenv("RELAY_CONFIG_FILE"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	dsp := dispatch.DefaultConfig()
	dsp.Mode = v.GetString("execution_mode")
	dsp.Broker = v.GetString("broker")
	dsp.RedisAddr = v.GetString("redis_addr")
	dsp.KafkaBrokers = list(v.GetString("kafka_brokers"))
	dsp.Group = v.GetString("runner_group")
	dsp.Concurrency = v.GetInt("runner_concurrency")
	dsp.PollInterval = time.Duration(v.GetInt("dispatch_poll_interval_seconds")) * time.Second
	dsp.ClaimTimeout = time.Duration(v.GetInt("task_claim_timeout_minutes")) * time.Minute
	dsp.ResultPrefix = v.GetString("result_prefix")

	cfg := &Config{
		Name:           v.GetString("name"),
		Listen:         v.GetString("listen"),
		RestURL:        strings.TrimRight(v.GetString("rest_url"), "/"),
		FlightEndpoint: v.GetString("flight_endpoint"),
		Bootstrap:      v.GetString("bootstrap_config"),
		Database: db.Config{
			Type:         v.GetString("database_type"),
			DSN:          v.GetString("database_dsn"),
			MaxOpenConns: v.GetInt("database_max_open_conns"),
		},
		TLS: TLSConfig{
			CACertFile:     v.GetString("ca_cert_file"),
			ServerCertFile: v.GetString("server_cert_file"),
			ServerKeyFile:  v.GetString("server_key_file"),
			ClientCertFile: v.GetString("client_cert_file"),
			ClientKeyFile:  v.GetString("client_key_file"),
		},
		ClientCertHeader: v.GetString("client_cert_header"),
		AllowedOrigins:   list(v.GetString("allowed_origins")),
		RetentionDays:    v.GetInt("retention_days"),
		Operator: identity.OperatorConfig{
			PublicKeyPath:     v.GetString("admin_jwt_public_key"),
			RoleClaim:         v.GetString("admin_jwt_role_claim"),
			OperatorRoleValue: v.GetString("admin_jwt_operator_role"),
			Issuer:            v.GetString("admin_jwt_issuer"),
			Audience:          v.GetString("admin_jwt_audience"),
		},
		Dispatch: dsp,
		Propagation: &propagation.Config{
			RelayName:     v.GetString("name"),
			RemoteTimeout: time.Duration(v.GetInt("remote_timeout_seconds")) * time.Second,
			Ceiling:       time.Duration(v.GetInt("request_ceiling_seconds")) * time.Second,
			Concurrency:   v.GetInt("fanout_concurrency"),
		},
		Results: ResultStoreConfig{
			Kind:      v.GetString("result_store"),
			Dir:       v.GetString("result_dir"),
			Bucket:    v.GetString("result_bucket"),
			Region:    v.GetString("result_region"),
			Endpoint:  v.GetString("result_endpoint"),
			AccessKey: v.GetString("result_access_key"),
			SecretKey: v.GetString("result_secret_key"),
			UseSSL:    v.GetBool("result_use_ssl"),
		},
		Cache: cache.CacheConfigFromEnv(),
		HA:    ha.HAConfigFromEnv(),
		Audit: audit.AuditConfigFromEnv(),
	}
	cfg.Propagation.FragmentEndpoint = cfg.FlightEndpoint
	if cfg.Propagation.FragmentEndpoint == "" {
		cfg.Propagation.FragmentEndpoint = cfg.RestURL
	}
	return cfg, cfg.Validate()
}

func setDefaults(v *viper.Viper) {
	d := dispatch.DefaultConfig()
	p := propagation.DefaultConfig()
	for k, val := range map[string]any{
		"name":                           "relay",
		"listen":                         ":8000",
		"database_type":                  "sqlite",
		"database_dsn":                   "file:relay.db?_pragma=busy_timeout(5000)",
		"database_max_open_conns":        0,
		"execution_mode":                 d.Mode,
		"broker":                         d.Broker,
		"redis_addr":                     d.RedisAddr,
		"kafka_brokers":                  strings.Join(d.KafkaBrokers, ","),
		"runner_group":                   d.Group,
		"runner_concurrency":             d.Concurrency,
		"dispatch_poll_interval_seconds": int(d.PollInterval / time.Second),
		"task_claim_timeout_minutes":     int(d.ClaimTimeout / time.Minute),
		"result_prefix":                  d.ResultPrefix,
		"result_store":                   ResultStoreFS,
		"result_dir":                     "data/results",
		"result_region":                  "us-east-1",
		"result_use_ssl":                 true,
		"remote_timeout_seconds":         int(p.RemoteTimeout / time.Second),
		"request_ceiling_seconds":        int(p.Ceiling / time.Second),
		"fanout_concurrency":             p.Concurrency,
		"retention_days":                 30,
		"admin_jwt_role_claim":           "role",
		"admin_jwt_operator_role":        "operator",
	} {
		v.SetDefault(k, val)
	}
	// AutomaticEnv only consults keys viper knows about.
	for _, k := range []string{
		"rest_url", "flight_endpoint", "bootstrap_config",
		"ca_cert_file", "server_cert_file", "server_key_file", "client_cert_file", "client_key_file",
		"client_cert_header", "allowed_origins",
		"result_bucket", "result_endpoint", "result_access_key", "result_secret_key",
		"admin_jwt_public_key", "admin_jwt_issuer", "admin_jwt_audience",
	} {
		_ = v.BindEnv(k)
	}
}

// Validate checks the values that cannot be defaulted.
func (c *Config) Validate() error {
	var errs []error
	if c.Name == "" {
		errs = append(errs, errors.New("RELAY_NAME must not be empty"))
	}
	switch c.Dispatch.Mode {
	case dispatch.ModeInline, dispatch.ModeAsync:
	default:
		errs = append(errs, fmt.Errorf("RELAY_EXECUTION_MODE must be inline or async, got %q", c.Dispatch.Mode))
	}
	switch c.Dispatch.Broker {
	case dispatch.BrokerMemory, dispatch.BrokerRedis, dispatch.BrokerKafka:
	default:
		errs = append(errs, fmt.Errorf("RELAY_BROKER must be memory, redis or kafka, got %q", c.Dispatch.Broker))
	}
	switch c.Results.Kind {
	case ResultStoreFS:
	case ResultStoreS3:
		if c.Results.Bucket == "" || c.Results.Endpoint == "" {
			errs = append(errs, errors.New("RELAY_RESULT_BUCKET and RELAY_RESULT_ENDPOINT are required for the s3 result store"))
		}
	default:
		errs = append(errs, fmt.Errorf("RELAY_RESULT_STORE must be fs or s3, got %q", c.Results.Kind))
	}
	if (c.TLS.ServerCertFile == "") != (c.TLS.ServerKeyFile == "") {
		errs = append(errs, errors.New("RELAY_SERVER_CERT_FILE and RELAY_SERVER_KEY_FILE must be set together"))
	}
	if (c.TLS.ClientCertFile == "") != (c.TLS.ClientKeyFile == "") {
		errs = append(errs, errors.New("RELAY_CLIENT_CERT_FILE and RELAY_CLIENT_KEY_FILE must be set together"))
	}
	return errors.Join(errs...)
}

// OpenResultStore opens the configured result store.
func (c *Config) OpenResultStore() (results.Store, error) {
	if c.Results.Kind == ResultStoreS3 {
		s, err := results.NewS3Store(results.S3Config{
			Endpoint:        c.Results.Endpoint,
			Bucket:          c.Results.Bucket,
			Region:          c.Results.Region,
			AccessKeyID:     c.Results.AccessKey,
			SecretAccessKey: c.Results.SecretKey,
			UseSSL:          c.Results.UseSSL,
		})
		if err != nil {
			return nil, err
		}
		return s, nil
	}
	return results.NewFSStore(c.Results.Dir)
}

func list(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
