// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package clusterrpc

import (
	"fmt"
	"os"
	"time"

	gjson "github.com/goccy/go-json"
)

const (
	DefaultTimeout         = 10 * time.Second
	DefaultGraceTimeout    = 3 * time.Second
	DefaultSendInterval    = 10 * time.Second
	DefaultFailoverRetries = 2
	DefaultFailbackRetries = 5
	DefaultPendingSize     = 1000
	DefaultHashReplicas    = 100
)

// Duration is a time.Duration that reads "10s" style strings or integer
// nanoseconds from JSON.
type Duration time.Duration

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := gjson.Unmarshal(data, &s); err == nil {
		v, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration string %q: %w", s, err)
		}
		*d = Duration(v)
		return nil
	}
	var n int64
	if err := gjson.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("duration must be a string (e.g. \"10s\") or nanoseconds")
	}
	*d = Duration(n)
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return gjson.Marshal(time.Duration(d).String())
}

// Config is the client configuration surface.
type Config struct {
	Servers []ServerDescriptor `json:"servers"`

	// Transport names a registered transport: tcp, ws, http or grpc.
	Transport string `json:"transport"`

	// Router selects the routing strategy: rd, rr, wrr, la, ch or df.
	Router Strategy `json:"router"`
	// HashFieldIndex picks the message argument used as the consistent
	// hash key. A negative value always hashes the whole message.
	HashFieldIndex int `json:"hash_field_index"`
	HashReplicas   int `json:"hash_replicas"`

	FailMode     FailMode `json:"fail_mode"`
	Retries      int      `json:"retries"`
	SendInterval Duration `json:"send_interval"`

	PendingSize  int      `json:"pending_size"`
	LazyConnect  bool     `json:"lazy_connect"`
	Timeout      Duration `json:"timeout"`
	GraceTimeout Duration `json:"grace_timeout"`
	Heartbeat    Duration `json:"heartbeat"`
}

// DefaultConfig returns a config with every default filled in.
func DefaultConfig() Config {
	return Config{
		Transport:    TransportTCP,
		Router:       StrategyRandom,
		HashReplicas: DefaultHashReplicas,
		FailMode:     FailFast,
		SendInterval: Duration(DefaultSendInterval),
		PendingSize:  DefaultPendingSize,
		Timeout:      Duration(DefaultTimeout),
		GraceTimeout: Duration(DefaultGraceTimeout),
	}
}

// ParseConfig reads a JSON config on top of DefaultConfig.
func ParseConfig(data []byte) (Config, error) {
	cfg := DefaultConfig()
	if err := gjson.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadConfig reads a JSON config file.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	return ParseConfig(data)
}

// Validate checks the config for values the client cannot run with.
func (c *Config) Validate() error {
	switch c.Router {
	case StrategyRandom, StrategyRoundRobin, StrategyWeightedRoundRobin,
		StrategyLeastActive, StrategyConsistentHash, StrategyDefault:
	default:
		return fmt.Errorf("%w: unknown router %q", ErrInvalidConfig, c.Router)
	}
	switch c.FailMode {
	case FailOver, FailFast, FailSafe, FailBack:
	default:
		return fmt.Errorf("%w: unknown fail mode %q", ErrInvalidConfig, c.FailMode)
	}
	if c.Transport != "" && !HasTransport(c.Transport) {
		return fmt.Errorf("%w: unknown transport %q", ErrInvalidConfig, c.Transport)
	}
	if c.Retries < 0 || c.PendingSize < 0 || c.HashReplicas < 0 {
		return fmt.Errorf("%w: negative retries, pending_size or hash_replicas", ErrInvalidConfig)
	}
	seen := make(map[string]struct{}, len(c.Servers))
	for _, s := range c.Servers {
		if s.ID == "" || s.Type == "" {
			return fmt.Errorf("%w: server needs id and type: %+v", ErrInvalidConfig, s)
		}
		if _, dup := seen[s.ID]; dup {
			return fmt.Errorf("%w: duplicate server id %q", ErrInvalidConfig, s.ID)
		}
		seen[s.ID] = struct{}{}
	}
	return nil
}

// retries returns the configured retry count or the mode's default.
func (c *Config) retries() int {
	if c.Retries > 0 {
		return c.Retries
	}
	if c.FailMode == FailBack {
		return DefaultFailbackRetries
	}
	return DefaultFailoverRetries
}
