package cache

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// CacheConfig holds configuration for the caching layer.
type CacheConfig struct {
	// Enabled controls whether caching is active. When false, identities
	// are resolved on every request and schema listings are not cached.
	Enabled bool

	// IdentityTTL bounds how long a resolved certificate fingerprint is reused.
	IdentityTTL time.Duration

	// SchemaTTL is the TTL for cached /admin/entities responses.
	SchemaTTL time.Duration

	// MaxSize is the maximum number of entries per cache instance.
	MaxSize int
}

// DefaultCacheConfig returns a CacheConfig with sensible defaults.
func DefaultCacheConfig() *CacheConfig {
	return &CacheConfig{
		Enabled:     true,
		IdentityTTL: 30 * time.Second,
		SchemaTTL:   60 * time.Second,
		MaxSize:     1000,
	}
}

// CacheConfigFromEnv reads cache configuration from environment variables,
// falling back to defaults for any unset variable.
//
// Environment variables:
//   - RELAY_CACHE_ENABLED: "true" or "false" (default: "true")
//   - RELAY_CACHE_IDENTITY_TTL: duration in seconds (default: 30)
//   - RELAY_CACHE_SCHEMA_TTL: duration in seconds (default: 60)
//   - RELAY_CACHE_MAX_SIZE: max entries per cache (default: 1000)
func CacheConfigFromEnv() *CacheConfig {
	cfg := DefaultCacheConfig()

	if v := os.Getenv("RELAY_CACHE_ENABLED"); v != "" {
		cfg.Enabled = strings.EqualFold(v, "true") || v == "1"
	}

	if v := os.Getenv("RELAY_CACHE_IDENTITY_TTL"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			cfg.IdentityTTL = time.Duration(secs) * time.Second
		}
	}

	if v := os.Getenv("RELAY_CACHE_SCHEMA_TTL"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			cfg.SchemaTTL = time.Duration(secs) * time.Second
		}
	}

	if v := os.Getenv("RELAY_CACHE_MAX_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MaxSize = n
		}
	}

	return cfg
}
