package dispatch

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Execution modes.
const (
	ModeInline = "inline"
	ModeAsync  = "async"
)

// Broker kinds.
const (
	BrokerMemory = "memory"
	BrokerRedis  = "redis"
	BrokerKafka  = "kafka"
)

// Config controls how local tasks are executed and how runners behave.
type Config struct {
	Mode         string        // inline or async. Default inline.
	Broker       string        // memory, redis or kafka. Default memory.
	RedisAddr    string        // Default localhost:6379.
	KafkaBrokers []string      // Default localhost:9092.
	Group        string        // Consumer group shared by query runners. Default relay-runners.
	Concurrency  int           // Concurrent task consumers per runner. Default 4.
	PollInterval time.Duration // How often an awaiting scheduler re-reads task state. Default 2s.
	ClaimTimeout time.Duration // Max time a task can stay in_progress before it is failed. Default 10m.
	ResultPrefix string        // Key prefix for result blobs. Default results.
}

// DefaultConfig returns the default dispatch configuration.
func DefaultConfig() *Config {
	return &Config{
		Mode:         ModeInline,
		Broker:       BrokerMemory,
		RedisAddr:    "localhost:6379",
		KafkaBrokers: []string{"localhost:9092"},
		Group:        "relay-runners",
		Concurrency:  4,
		PollInterval: 2 * time.Second,
		ClaimTimeout: 10 * time.Minute,
		ResultPrefix: "results",
	}
}

// ConfigFromEnv loads config from environment variables.
// RELAY_EXECUTION_MODE, RELAY_BROKER, RELAY_REDIS_ADDR, RELAY_KAFKA_BROKERS,
// RELAY_RUNNER_GROUP, RELAY_RUNNER_CONCURRENCY, RELAY_DISPATCH_POLL_INTERVAL_SECONDS,
// RELAY_TASK_CLAIM_TIMEOUT_MINUTES, RELAY_RESULT_PREFIX
func ConfigFromEnv() *Config {
	cfg := DefaultConfig()

	if v := os.Getenv("RELAY_EXECUTION_MODE"); v == ModeInline || v == ModeAsync {
		cfg.Mode = v
	}
	if v := os.Getenv("RELAY_BROKER"); v != "" {
		cfg.Broker = v
	}
	if v := os.Getenv("RELAY_REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("RELAY_KAFKA_BROKERS"); v != "" {
		cfg.KafkaBrokers = splitList(v)
	}
	if v := os.Getenv("RELAY_RUNNER_GROUP"); v != "" {
		cfg.Group = v
	}
	if v := os.Getenv("RELAY_RUNNER_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Concurrency = n
		}
	}
	if v := os.Getenv("RELAY_DISPATCH_POLL_INTERVAL_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.PollInterval = time.Duration(n) * time.Second
		}
	}
	if v := os.Getenv("RELAY_TASK_CLAIM_TIMEOUT_MINUTES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.ClaimTimeout = time.Duration(n) * time.Minute
		}
	}
	if v, ok := os.LookupEnv("RELAY_RESULT_PREFIX"); ok {
		cfg.ResultPrefix = v
	}

	return cfg
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
