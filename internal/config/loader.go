package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/goccy/go-yaml"
	"github.com/spf13/viper"
)

// Load reads a YAML config file from path (if non-empty and present),
// layers PIPELINE_-prefixed environment variables on top via viper, and
// returns a validated Config. An empty path yields Default() overridden
// only by environment variables.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("config: read %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	v := viper.New()
	v.SetEnvPrefix("pipeline")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	bindEnvOverride(v, "scheduler.max_workers", &cfg.Scheduler.MaxWorkers)
	bindEnvOverride(v, "scheduler.max_cpu", &cfg.Scheduler.MaxCPU)
	bindEnvOverride(v, "scheduler.max_gpu", &cfg.Scheduler.MaxGPU)
	bindEnvOverride(v, "retry.max_retries", &cfg.Retry.MaxRetries)
	bindEnvFloatOverride(v, "retry.timeout_s", &cfg.Retry.TimeoutS)
	bindEnvFloatOverride(v, "retry.backoff_s", &cfg.Retry.BackoffS)
	bindEnvStringOverride(v, "retry.backoff_strategy", &cfg.Retry.BackoffStrategy)
	bindEnvStringOverride(v, "cache.backend", (*string)(&cfg.Cache.Backend))
	bindEnvStringOverride(v, "cache.redis_url", &cfg.Cache.RedisURL)
	bindEnvStringOverride(v, "log_level", (*string)(&cfg.LogLevel))

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func bindEnvOverride(v *viper.Viper, key string, dst *int) {
	_ = v.BindEnv(key)
	if val := v.GetInt(key); val != 0 {
		*dst = val
	}
}

func bindEnvFloatOverride(v *viper.Viper, key string, dst *float64) {
	_ = v.BindEnv(key)
	if val := v.GetFloat64(key); val != 0 {
		*dst = val
	}
}

func bindEnvStringOverride(v *viper.Viper, key string, dst *string) {
	_ = v.BindEnv(key)
	if val := v.GetString(key); val != "" {
		*dst = val
	}
}
