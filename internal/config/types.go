// Package config loads, validates, and watches the adbot configuration file.
//
// The file is JSON or YAML (YAML is coerced to JSON and both go through the
// same strict decoder). All durations are Go duration strings ("30s", "10m").
// A small set of operational knobs can be overridden via ADBOT_* environment
// variables; worker tokens support ${VAR} expansion so secrets stay out of
// the file.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"
)

type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Storage   StorageConfig   `json:"storage"`
	Telegram  TelegramConfig  `json:"telegram"`
	Workers   []WorkerConfig  `json:"workers"`
	Registry  RegistryConfig  `json:"registry,omitempty"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Posting   PostingConfig   `json:"posting,omitempty"`
	Throttle  ThrottleConfig  `json:"throttle,omitempty"`
	Monitor   MonitorConfig   `json:"monitor,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type StorageConfig struct {
	Path string `json:"path"`
	// BusyTimeout is a Go duration string (sqlite busy_timeout pragma).
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

type TelegramConfig struct {
	// RatePerSec is the global outbound send rate shared by all workers.
	RatePerSec int `json:"rate_per_sec,omitempty"`
	// APITimeout bounds each Bot API HTTP call. Go duration string.
	APITimeout string `json:"api_timeout,omitempty"`
}

// WorkerConfig declares one sending identity. Token values may reference
// environment variables with ${VAR} syntax.
type WorkerConfig struct {
	ID    string `json:"id"`
	Token string `json:"token"`
}

type RegistryConfig struct {
	// BaseCooldown is the per-worker rest period after a send. Default 30m.
	BaseCooldown string `json:"base_cooldown,omitempty"`
}

type SchedulerConfig struct {
	Enabled bool `json:"enabled"`
	// TickInterval is the pause between the end of one cycle and the next
	// scan. Default 1m.
	TickInterval string `json:"tick_interval,omitempty"`
	// MaxInFlight bounds concurrent deliveries; 0 follows the active worker
	// count.
	MaxInFlight int `json:"max_in_flight,omitempty"`
	HistorySize int `json:"history_size,omitempty"`
}

type PostingConfig struct {
	SendTimeout string      `json:"send_timeout,omitempty"`
	Retry       RetryConfig `json:"retry,omitempty"`
}

type RetryConfig struct {
	// MaxRetries is the number of transient retries after the first attempt.
	MaxRetries int    `json:"max_retries,omitempty"`
	BaseDelay  string `json:"base_delay,omitempty"`
	// Multiplier scales the delay per retry (exponential backoff). Default 2.
	Multiplier float64 `json:"multiplier,omitempty"`
	// Jitter is the +/- fraction applied to each delay. Default 0.2.
	Jitter float64 `json:"jitter,omitempty"`
}

type ThrottleConfig struct {
	DefaultMinInterval string `json:"default_min_interval,omitempty"`
	BatchSize          int    `json:"batch_size,omitempty"`
	BatchPause         string `json:"batch_pause,omitempty"`
}

type MonitorConfig struct {
	HealthInterval string `json:"health_interval,omitempty"`
}

// Validate checks structural invariants and that every duration string
// parses. Called before a config is committed, both at startup and on
// hot reload.
func (c *Config) Validate() error {
	if len(c.Workers) == 0 {
		return fmt.Errorf("workers: at least one worker is required")
	}
	seen := make(map[string]struct{}, len(c.Workers))
	for i, w := range c.Workers {
		id := strings.TrimSpace(w.ID)
		if id == "" {
			return fmt.Errorf("workers[%d]: id is empty", i)
		}
		if _, dup := seen[id]; dup {
			return fmt.Errorf("workers[%d]: duplicate id %q", i, id)
		}
		seen[id] = struct{}{}
		if strings.TrimSpace(w.Token) == "" {
			return fmt.Errorf("workers[%d] (%s): token is empty", i, id)
		}
	}

	if strings.TrimSpace(c.Storage.Path) == "" {
		return fmt.Errorf("storage.path is required")
	}

	for _, d := range []struct{ path, raw string }{
		{"storage.busy_timeout", c.Storage.BusyTimeout},
		{"telegram.api_timeout", c.Telegram.APITimeout},
		{"registry.base_cooldown", c.Registry.BaseCooldown},
		{"scheduler.tick_interval", c.Scheduler.TickInterval},
		{"posting.send_timeout", c.Posting.SendTimeout},
		{"posting.retry.base_delay", c.Posting.Retry.BaseDelay},
		{"throttle.default_min_interval", c.Throttle.DefaultMinInterval},
		{"throttle.batch_pause", c.Throttle.BatchPause},
		{"monitor.health_interval", c.Monitor.HealthInterval},
	} {
		if _, err := ParseDurationField(d.path, d.raw); err != nil {
			return err
		}
	}

	if c.Posting.Retry.Multiplier < 0 {
		return fmt.Errorf("posting.retry.multiplier must be >= 0")
	}
	if j := c.Posting.Retry.Jitter; j < 0 || j > 1 {
		return fmt.Errorf("posting.retry.jitter must be in [0, 1]")
	}
	return nil
}

// WorkerIDs returns worker ids in configured order. Rotation order follows
// this slice.
func (c *Config) WorkerIDs() []string {
	ids := make([]string, 0, len(c.Workers))
	for _, w := range c.Workers {
		ids = append(ids, w.ID)
	}
	return ids
}

// WorkerTokens returns worker id -> token with ${VAR} references expanded.
func (c *Config) WorkerTokens() map[string]string {
	out := make(map[string]string, len(c.Workers))
	for _, w := range c.Workers {
		out[w.ID] = strings.TrimSpace(os.ExpandEnv(w.Token))
	}
	return out
}

// Duration returns a parsed duration field, falling back to def when the
// field is empty or zero. Validate has already rejected malformed values.
func Duration(raw string, def time.Duration) time.Duration {
	d, err := ParseDurationField("", raw)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
