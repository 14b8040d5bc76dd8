package voice

import "time"

// Config holds configuration for the Coordinator.
type Config struct {
	ConnectTimeoutMs int `json:"connect_timeout_ms"` // Per attempt.
	ConnectAttempts  int `json:"connect_attempts"`
	ConnectBackoffMs int `json:"connect_backoff_ms"` // Multiplied by the attempt number.
}

func DefaultConfig() Config {
	return Config{
		ConnectTimeoutMs: 20000,
		ConnectAttempts:  3,
		ConnectBackoffMs: 1000,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.ConnectTimeoutMs <= 0 {
		c.ConnectTimeoutMs = d.ConnectTimeoutMs
	}
	if c.ConnectAttempts <= 0 {
		c.ConnectAttempts = d.ConnectAttempts
	}
	if c.ConnectBackoffMs < 0 {
		c.ConnectBackoffMs = d.ConnectBackoffMs
	}
	return c
}

func (c Config) connectTimeout() time.Duration {
	return time.Duration(c.ConnectTimeoutMs) * time.Millisecond
}

func (c Config) connectBackoff() time.Duration {
	return time.Duration(c.ConnectBackoffMs) * time.Millisecond
}
