// Package ha provides primitives for running several relay-server replicas
// against one database: migration locking and a database lease electing the
// replica that runs singleton maintenance loops.
package ha

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// HAConfig holds configuration for high-availability features.
type HAConfig struct {
	// LeaderElectionEnabled controls whether replicas compete for the
	// maintenance lease. When false, the instance behaves as the sole
	// leader (suitable for single-replica deployments).
	LeaderElectionEnabled bool

	// LeaseName identifies the lease row.
	LeaseName string

	// LeaseDuration is how long a lease stays valid without renewal.
	LeaseDuration time.Duration

	// RenewDeadline is how long the leader keeps leading while renewals
	// fail with errors.
	RenewDeadline time.Duration

	// RetryPeriod is the interval between acquire or renew attempts.
	RetryPeriod time.Duration

	// MigrationLockEnabled controls whether database migration locking
	// is used to prevent concurrent schema changes.
	MigrationLockEnabled bool

	// Identity is the unique identity of this instance. Defaults to POD_NAME
	// or the hostname.
	Identity string
}

// DefaultHAConfig returns an HAConfig with sensible defaults.
func DefaultHAConfig() *HAConfig {
	return &HAConfig{
		LeaderElectionEnabled: false,
		LeaseName:             "relay-maintenance",
		LeaseDuration:         15 * time.Second,
		RenewDeadline:         10 * time.Second,
		RetryPeriod:           2 * time.Second,
		MigrationLockEnabled:  true,
		Identity:              defaultIdentity(),
	}
}

// HAConfigFromEnv reads HA configuration from environment variables,
// falling back to defaults for any unset variable.
//
// Environment variables:
//   - RELAY_LEADER_ELECTION_ENABLED: "true" or "false" (default: "false")
//   - RELAY_LEADER_LEASE_NAME: lease row name (default: "relay-maintenance")
//   - RELAY_LEADER_LEASE_DURATION: seconds (default: 15)
//   - RELAY_LEADER_RENEW_DEADLINE: seconds (default: 10)
//   - RELAY_LEADER_RETRY_PERIOD: seconds (default: 2)
//   - RELAY_MIGRATION_LOCK_ENABLED: "true" or "false" (default: "true")
//   - POD_NAME: replica identity
func HAConfigFromEnv() *HAConfig {
	cfg := DefaultHAConfig()

	if v := os.Getenv("RELAY_LEADER_ELECTION_ENABLED"); v != "" {
		cfg.LeaderElectionEnabled = strings.EqualFold(v, "true") || v == "1"
	}
	if v := os.Getenv("RELAY_LEADER_LEASE_NAME"); v != "" {
		cfg.LeaseName = v
	}
	seconds(&cfg.LeaseDuration, "RELAY_LEADER_LEASE_DURATION")
	seconds(&cfg.RenewDeadline, "RELAY_LEADER_RENEW_DEADLINE")
	seconds(&cfg.RetryPeriod, "RELAY_LEADER_RETRY_PERIOD")
	if v := os.Getenv("RELAY_MIGRATION_LOCK_ENABLED"); v != "" {
		cfg.MigrationLockEnabled = strings.EqualFold(v, "true") || v == "1"
	}
	return cfg
}

func seconds(dst *time.Duration, env string) {
	if v := os.Getenv(env); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			*dst = time.Duration(secs) * time.Second
		}
	}
}

func defaultIdentity() string {
	if v := os.Getenv("POD_NAME"); v != "" {
		return v
	}
	hostname, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return hostname
}
