package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Config is the on-disk configuration (JSON or YAML).
//
// Hot-reloadable sections: logging, rate_limit, drain.
// Everything else is read once at startup.
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	RateLimit RateLimitConfig `json:"rate_limit"`
	Retry     RetryConfig     `json:"retry"`
	Circuit   CircuitConfig   `json:"circuit"`
	Drain     DrainConfig     `json:"drain"`
	Storage   *StorageConfig  `json:"storage,omitempty"`
	HTTP      HTTPConfig      `json:"http"`
	Backends  []BackendConfig `json:"backends"`
}

type LoggingConfig struct {
	Level   string        `json:"level"`
	Console bool          `json:"console"`
	File    LoggingFile   `json:"file"`
	Buffer  LoggingBuffer `json:"buffer"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingBuffer keeps recent entries in memory for GET /v1/logs.
// Size 0 disables it.
type LoggingBuffer struct {
	Size       int    `json:"size"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// RateLimitConfig is the global sliding-window send limit.
//
// Limit is a pointer so an explicit 0 (deny everything) differs from
// omitted (default 100). Window defaults to "1m".
type RateLimitConfig struct {
	Limit  *int   `json:"limit,omitempty"`
	Window string `json:"window,omitempty"`
}

// RetryConfig controls attempts per backend.
//
// Defaults: max_retries 3, initial_delay "1s", max_delay "10s",
// retry_validation true.
type RetryConfig struct {
	MaxRetries      int    `json:"max_retries,omitempty"`
	InitialDelay    string `json:"initial_delay,omitempty"`
	MaxDelay        string `json:"max_delay,omitempty"`
	RetryValidation *bool  `json:"retry_validation,omitempty"`
}

// CircuitConfig applies to every backend's breaker. Defaults: 5 failures, "30s".
type CircuitConfig struct {
	Threshold int    `json:"threshold,omitempty"`
	Timeout   string `json:"timeout,omitempty"`
}

// DrainConfig schedules periodic queue drains.
//
// Schedule accepts "cron:<expr>", "every:<dur>", "@every <dur>", a 5/6-field
// cron expression, an "HH:MM" interval or a bare Go duration.
// Concurrency > 1 drains through batched concurrent sends.
type DrainConfig struct {
	Enabled     bool   `json:"enabled"`
	Schedule    string `json:"schedule,omitempty"`
	Timezone    string `json:"timezone,omitempty"`
	Concurrency int    `json:"concurrency,omitempty"`
	// Timeout bounds one drain run (Go duration). Empty means no bound.
	Timeout string `json:"timeout,omitempty"`
}

// StorageConfig controls the delivery audit trail.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/courier.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
	Retention   string `json:"retention,omitempty"`    // sqlite only
}

type HTTPConfig struct {
	Enabled     bool     `json:"enabled"`
	Addr        string   `json:"addr,omitempty"` // default "127.0.0.1:8080"
	CORSOrigins []string `json:"cors_origins,omitempty"`
	// Pprof mounts net/http/pprof under /debug/pprof.
	Pprof bool `json:"pprof,omitempty"`
	// Server timeouts (Go duration strings).
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
}

// Backend types.
const (
	BackendSimulated = "simulated"
	BackendTelegram  = "telegram"
	BackendNSQ       = "nsq"
)

// BackendConfig describes one delivery backend. Backends are tried in list
// order. Fields apply per type:
//   - simulated: rule, region, failure_rate, errors, min_latency, max_latency, qps, burst
//   - telegram: token, parse_mode, disable_preview
//   - nsq: nsqd_address, topic
type BackendConfig struct {
	Name string `json:"name"`
	Type string `json:"type"`

	Rule        string   `json:"rule,omitempty"`
	Region      string   `json:"region,omitempty"`
	FailureRate float64  `json:"failure_rate,omitempty"`
	Errors      []string `json:"errors,omitempty"`
	MinLatency  string   `json:"min_latency,omitempty"`
	MaxLatency  string   `json:"max_latency,omitempty"`
	QPS         float64  `json:"qps,omitempty"`
	Burst       int      `json:"burst,omitempty"`

	Token          string `json:"token,omitempty"`
	ParseMode      string `json:"parse_mode,omitempty"`
	DisablePreview bool   `json:"disable_preview,omitempty"`

	NsqdAddress string `json:"nsqd_address,omitempty"`
	Topic       string `json:"topic,omitempty"`
}

// ---- resolved values ----

// RateLimitSettings is RateLimitConfig with defaults applied.
type RateLimitSettings struct {
	Limit  int
	Window time.Duration
}

func (c RateLimitConfig) Resolve() (RateLimitSettings, error) {
	s := RateLimitSettings{Limit: 100}
	if c.Limit != nil {
		if *c.Limit < 0 {
			return s, errors.New("rate_limit.limit: must be >= 0")
		}
		s.Limit = *c.Limit
	}
	w, err := ParseDurationOrDefault("rate_limit.window", c.Window, time.Minute)
	if err != nil {
		return s, err
	}
	s.Window = w
	return s, nil
}

type RetrySettings struct {
	MaxRetries      int
	InitialDelay    time.Duration
	MaxDelay        time.Duration
	RetryValidation bool
}

func (c RetryConfig) Resolve() (RetrySettings, error) {
	s := RetrySettings{MaxRetries: 3, RetryValidation: true}
	if c.MaxRetries < 0 {
		return s, errors.New("retry.max_retries: must be >= 0")
	}
	if c.MaxRetries > 0 {
		s.MaxRetries = c.MaxRetries
	}
	var err error
	if s.InitialDelay, err = ParseDurationOrDefault("retry.initial_delay", c.InitialDelay, time.Second); err != nil {
		return s, err
	}
	if s.MaxDelay, err = ParseDurationOrDefault("retry.max_delay", c.MaxDelay, 10*time.Second); err != nil {
		return s, err
	}
	if s.MaxDelay < s.InitialDelay {
		return s, fmt.Errorf("retry.max_delay (%s) must be >= retry.initial_delay (%s)", s.MaxDelay, s.InitialDelay)
	}
	if c.RetryValidation != nil {
		s.RetryValidation = *c.RetryValidation
	}
	return s, nil
}

type CircuitSettings struct {
	Threshold int
	Timeout   time.Duration
}

func (c CircuitConfig) Resolve() (CircuitSettings, error) {
	s := CircuitSettings{Threshold: 5}
	if c.Threshold < 0 {
		return s, errors.New("circuit.threshold: must be >= 0")
	}
	if c.Threshold > 0 {
		s.Threshold = c.Threshold
	}
	t, err := ParseDurationOrDefault("circuit.timeout", c.Timeout, 30*time.Second)
	if err != nil {
		return s, err
	}
	s.Timeout = t
	return s, nil
}

// Validate checks everything that can be checked without building
// components. Schedule syntax is validated by the drain package.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	if _, err := c.RateLimit.Resolve(); err != nil {
		return err
	}
	if _, err := c.Retry.Resolve(); err != nil {
		return err
	}
	if _, err := c.Circuit.Resolve(); err != nil {
		return err
	}
	if c.Drain.Enabled && strings.TrimSpace(c.Drain.Schedule) == "" {
		return errors.New("drain.schedule is required when drain is enabled")
	}
	if _, err := ParseDurationField("drain.timeout", c.Drain.Timeout); err != nil {
		return err
	}
	if c.Drain.Timezone != "" {
		if _, err := time.LoadLocation(c.Drain.Timezone); err != nil {
			return fmt.Errorf("drain.timezone: %w", err)
		}
	}
	if c.Storage != nil {
		if _, err := ParseDurationField("storage.busy_timeout", c.Storage.BusyTimeout); err != nil {
			return err
		}
		if _, err := ParseDurationField("storage.retention", c.Storage.Retention); err != nil {
			return err
		}
	}
	if _, err := ParseDurationField("http.read_timeout", c.HTTP.ReadTimeout); err != nil {
		return err
	}
	if _, err := ParseDurationField("http.write_timeout", c.HTTP.WriteTimeout); err != nil {
		return err
	}
	return c.validateBackends()
}

func (c *Config) validateBackends() error {
	if len(c.Backends) == 0 {
		return errors.New("backends: at least one backend is required")
	}
	seen := map[string]struct{}{}
	for i, b := range c.Backends {
		path := fmt.Sprintf("backends[%d]", i)
		name := strings.TrimSpace(b.Name)
		if name == "" {
			return fmt.Errorf("%s.name is required", path)
		}
		if _, dup := seen[name]; dup {
			return fmt.Errorf("%s.name: duplicate %q", path, name)
		}
		seen[name] = struct{}{}

		switch strings.ToLower(strings.TrimSpace(b.Type)) {
		case BackendSimulated:
			if b.FailureRate < 0 || b.FailureRate > 1 {
				return fmt.Errorf("%s.failure_rate: must be within [0,1]", path)
			}
			if _, err := ParseDurationField(path+".min_latency", b.MinLatency); err != nil {
				return err
			}
			if _, err := ParseDurationField(path+".max_latency", b.MaxLatency); err != nil {
				return err
			}
		case BackendTelegram:
			if strings.TrimSpace(b.Token) == "" {
				return fmt.Errorf("%s.token is required for telegram", path)
			}
		case BackendNSQ:
			if strings.TrimSpace(b.NsqdAddress) == "" || strings.TrimSpace(b.Topic) == "" {
				return fmt.Errorf("%s: nsqd_address and topic are required for nsq", path)
			}
		default:
			return fmt.Errorf("%s.type: unknown backend type %q", path, b.Type)
		}
	}
	return nil
}
