// Package config loads the executor's own configuration knobs (worker and
// resource limits, retry defaults, cache backend selection, log level).
// It mirrors the teacher's internal/cmn/config split of a typed Config
// struct exposing Validate() from a loader that layers environment
// overrides on top of a YAML file (internal/cmn/config/config_test.go's
// TestConfig_Validate table is the structural template for the tests
// below). Unlike the teacher's server Config, this one only covers
// execution knobs — HTTP/auth/UI config is out of scope here.
package config

import "fmt"

// CacheBackendKind selects which cache.Backend implementation the executor
// should construct.
type CacheBackendKind string

const (
	CacheBackendNone       CacheBackendKind = ""
	CacheBackendMemory     CacheBackendKind = "memory"
	CacheBackendDisk       CacheBackendKind = "disk"
	CacheBackendSharedDisk CacheBackendKind = "shared-disk"
	CacheBackendRedis      CacheBackendKind = "redis"
)

// Scheduler holds admission-control limits for the local scheduler.
type Scheduler struct {
	MaxWorkers int `mapstructure:"max_workers" yaml:"max_workers"`
	MaxCPU     int `mapstructure:"max_cpu" yaml:"max_cpu"`
	MaxGPU     int `mapstructure:"max_gpu" yaml:"max_gpu"`
}

// RetryPolicy mirrors spec.md §6's retry_policy knob: {max_retries: 0, timeout_s: none, backoff_s: 0}.
type RetryPolicy struct {
	MaxRetries int     `mapstructure:"max_retries" yaml:"max_retries"`
	TimeoutS   float64 `mapstructure:"timeout_s" yaml:"timeout_s"` // 0 means unset
	BackoffS   float64 `mapstructure:"backoff_s" yaml:"backoff_s"`
	// BackoffStrategy selects how BackoffS grows across retries: "",
	// "constant" (default), "exponential", or "linear".
	BackoffStrategy string `mapstructure:"backoff_strategy" yaml:"backoff_strategy"`
}

// Cache configures which backend the executor attaches, and where it points.
type Cache struct {
	Backend  CacheBackendKind `mapstructure:"backend" yaml:"backend"`
	Root     string           `mapstructure:"root" yaml:"root"`         // disk / shared-disk root dir
	RedisURL string           `mapstructure:"redis_url" yaml:"redis_url"`
	Prefix   string           `mapstructure:"prefix" yaml:"prefix"`
}

// LogLevel is a string-typed level so YAML/env values stay human readable.
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

// Config is the complete set of executor construction knobs.
type Config struct {
	Scheduler Scheduler   `mapstructure:"scheduler" yaml:"scheduler"`
	Retry     RetryPolicy `mapstructure:"retry" yaml:"retry"`
	Cache     Cache       `mapstructure:"cache" yaml:"cache"`
	LogLevel  LogLevel    `mapstructure:"log_level" yaml:"log_level"`
}

// Default returns the spec.md §6 defaults: a 1-worker/1-cpu local
// scheduler, no retries, no cache attached.
func Default() *Config {
	return &Config{
		Scheduler: Scheduler{MaxWorkers: 1, MaxCPU: 1, MaxGPU: 0},
		Retry:     RetryPolicy{MaxRetries: 0, TimeoutS: 0, BackoffS: 0},
		Cache:     Cache{Backend: CacheBackendNone},
		LogLevel:  LogLevelInfo,
	}
}

// Validate reports whether the config is internally consistent.
func (c *Config) Validate() error {
	if c.Scheduler.MaxWorkers <= 0 {
		return fmt.Errorf("config: invalid max_workers %d: must be positive", c.Scheduler.MaxWorkers)
	}
	if c.Scheduler.MaxCPU < 0 {
		return fmt.Errorf("config: invalid max_cpu %d: must be non-negative", c.Scheduler.MaxCPU)
	}
	if c.Scheduler.MaxGPU < 0 {
		return fmt.Errorf("config: invalid max_gpu %d: must be non-negative", c.Scheduler.MaxGPU)
	}
	if c.Retry.MaxRetries < 0 {
		return fmt.Errorf("config: invalid max_retries %d: must be non-negative", c.Retry.MaxRetries)
	}
	if c.Retry.TimeoutS < 0 {
		return fmt.Errorf("config: invalid timeout_s %v: must be non-negative", c.Retry.TimeoutS)
	}
	if c.Retry.BackoffS < 0 {
		return fmt.Errorf("config: invalid backoff_s %v: must be non-negative", c.Retry.BackoffS)
	}
	switch c.Retry.BackoffStrategy {
	case "", "constant", "exponential", "linear":
	default:
		return fmt.Errorf("config: unknown backoff_strategy %q", c.Retry.BackoffStrategy)
	}
	switch c.Cache.Backend {
	case CacheBackendNone, CacheBackendMemory, CacheBackendDisk, CacheBackendSharedDisk, CacheBackendRedis:
	default:
		return fmt.Errorf("config: unknown cache backend %q", c.Cache.Backend)
	}
	if c.Cache.Backend == CacheBackendRedis && c.Cache.RedisURL == "" {
		return fmt.Errorf("config: cache backend %q requires redis_url", CacheBackendRedis)
	}
	return nil
}
