package propagation

import "time"

// Config controls the scheduler of one relay.
type Config struct {
	// RelayName is this relay's own name. It is added to the visited set of
	// forwarded queries and stamped on the transformation links of local
	// fragments.
	RelayName string
	// FragmentEndpoint is advertised as the source of local fragments.
	FragmentEndpoint string
	// RemoteTimeout bounds each forwarded query. Default 60s.
	RemoteTimeout time.Duration
	// Ceiling bounds a whole request; children still running when it
	// elapses are failed and the request ends partially_failed. Default 5m.
	Ceiling time.Duration
	// Concurrency is the size of the fan-out goroutine pool. Default 32.
	Concurrency int
	// ReplayPollInterval is how often a duplicate submission re-reads the
	// original request while waiting for it to finish. Default 100ms.
	ReplayPollInterval time.Duration
}

// DefaultConfig returns the default scheduler configuration.
func DefaultConfig() *Config {
	return &Config{
		RelayName:          "relay",
		RemoteTimeout:      60 * time.Second,
		Ceiling:            5 * time.Minute,
		Concurrency:        32,
		ReplayPollInterval: 100 * time.Millisecond,
	}
}

func (c *Config) withDefaults() *Config {
	d := DefaultConfig()
	out := *c
	if out.RelayName == "" {
		out.RelayName = d.RelayName
	}
	if out.RemoteTimeout <= 0 {
		out.RemoteTimeout = d.RemoteTimeout
	}
	if out.Ceiling <= 0 {
		out.Ceiling = d.Ceiling
	}
	if out.Concurrency <= 0 {
		out.Concurrency = d.Concurrency
	}
	if out.ReplayPollInterval <= 0 {
		out.ReplayPollInterval = d.ReplayPollInterval
	}
	return &out
}
