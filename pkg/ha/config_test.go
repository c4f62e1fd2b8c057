package ha

import (
	"testing"
	"time"
)

func TestDefaultHAConfig(t *testing.T) {
	cfg := DefaultHAConfig()

	if cfg.LeaderElectionEnabled {
		t.Error("LeaderElectionEnabled should be false by default")
	}
	if cfg.LeaseName != "relay-maintenance" {
		t.Errorf("LeaseName = %q, want %q", cfg.LeaseName, "relay-maintenance")
	}
	if cfg.LeaseDuration != 15*time.Second {
		t.Errorf("LeaseDuration = %v, want %v", cfg.LeaseDuration, 15*time.Second)
	}
	if cfg.RenewDeadline != 10*time.Second {
		t.Errorf("RenewDeadline = %v, want %v", cfg.RenewDeadline, 10*time.Second)
	}
	if cfg.RetryPeriod != 2*time.Second {
		t.Errorf("RetryPeriod = %v, want %v", cfg.RetryPeriod, 2*time.Second)
	}
	if !cfg.MigrationLockEnabled {
		t.Error("MigrationLockEnabled should be true by default")
	}
	if cfg.Identity == "" {
		t.Error("Identity should default to the hostname")
	}
}

func TestDefaultHAConfig_IdentityFromPodName(t *testing.T) {
	t.Setenv("POD_NAME", "relay-server-abc-123")

	cfg := DefaultHAConfig()
	if cfg.Identity != "relay-server-abc-123" {
		t.Errorf("Identity = %q, want %q", cfg.Identity, "relay-server-abc-123")
	}
}

func TestHAConfigFromEnv(t *testing.T) {
	t.Setenv("RELAY_LEADER_ELECTION_ENABLED", "true")
	t.Setenv("RELAY_LEADER_LEASE_NAME", "custom")
	t.Setenv("RELAY_LEADER_LEASE_DURATION", "30")
	t.Setenv("RELAY_LEADER_RENEW_DEADLINE", "20")
	t.Setenv("RELAY_LEADER_RETRY_PERIOD", "5")
	t.Setenv("RELAY_MIGRATION_LOCK_ENABLED", "false")

	cfg := HAConfigFromEnv()
	if !cfg.LeaderElectionEnabled {
		t.Error("LeaderElectionEnabled should be true")
	}
	if cfg.LeaseName != "custom" {
		t.Errorf("LeaseName = %q, want %q", cfg.LeaseName, "custom")
	}
	if cfg.LeaseDuration != 30*time.Second {
		t.Errorf("LeaseDuration = %v, want 30s", cfg.LeaseDuration)
	}
	if cfg.RenewDeadline != 20*time.Second {
		t.Errorf("RenewDeadline = %v, want 20s", cfg.RenewDeadline)
	}
	if cfg.RetryPeriod != 5*time.Second {
		t.Errorf("RetryPeriod = %v, want 5s", cfg.RetryPeriod)
	}
	if cfg.MigrationLockEnabled {
		t.Error("MigrationLockEnabled should be false")
	}
}

func TestHAConfigFromEnv_InvalidDurations(t *testing.T) {
	t.Setenv("RELAY_LEADER_LEASE_DURATION", "abc")
	t.Setenv("RELAY_LEADER_RETRY_PERIOD", "-1")

	cfg := HAConfigFromEnv()
	if cfg.LeaseDuration != 15*time.Second {
		t.Errorf("LeaseDuration = %v, want default 15s", cfg.LeaseDuration)
	}
	if cfg.RetryPeriod != 2*time.Second {
		t.Errorf("RetryPeriod = %v, want default 2s", cfg.RetryPeriod)
	}
}
