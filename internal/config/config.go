// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper. The
// engine packages never read files or environment themselves; they take
// validated values from here at wiring time.
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Auth         AuthConfig         `mapstructure:"auth"`
	Logging      LoggingConfig      `mapstructure:"logging"`
	Checkpoints  CheckpointsConfig  `mapstructure:"checkpoints"`
	Fingerprints FingerprintsConfig `mapstructure:"fingerprints"`
	Queue        QueueConfig        `mapstructure:"queue"`
	Adaptive     AdaptiveConfig     `mapstructure:"adaptive"`
	Retry        RetryConfig        `mapstructure:"retry"`
	Breaker      BreakerConfig      `mapstructure:"breaker"`
	RateLimit    RateLimitConfig    `mapstructure:"ratelimit"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port           int `mapstructure:"port"`
	TimeoutSeconds int `mapstructure:"timeout_seconds"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// CheckpointsConfig sets where stage progress records live and how often
// they are flushed.
type CheckpointsConfig struct {
	Dir                     string `mapstructure:"dir"`
	AutoSaveEveryUpdates    int    `mapstructure:"autosave_every_updates"`
	AutoSaveIntervalSeconds int    `mapstructure:"autosave_interval_seconds"`
}

// FingerprintsConfig selects and tunes the dedup store backend.
type FingerprintsConfig struct {
	Provider               string `mapstructure:"provider"`
	DSN                    string `mapstructure:"dsn"`
	Table                  string `mapstructure:"table"`
	MaxConns               int32  `mapstructure:"max_conns"`
	MinConns               int32  `mapstructure:"min_conns"`
	MaxConnLifetimeSeconds int    `mapstructure:"max_conn_lifetime_seconds"`
}

// Fingerprint store providers.
const (
	ProviderMemory   = "memory"
	ProviderPostgres = "postgres"
)

// QueueConfig bounds the stage hand-off queue and its batch drain.
type QueueConfig struct {
	Capacity    int `mapstructure:"capacity"`
	BatchSize   int `mapstructure:"batch_size"`
	BatchWaitMs int `mapstructure:"batch_wait_ms"`
}

// AdaptiveConfig tunes the AIMD concurrency controller.
type AdaptiveConfig struct {
	Initial                 int     `mapstructure:"initial"`
	Min                     int     `mapstructure:"min"`
	Max                     int     `mapstructure:"max"`
	IncreaseIntervalSeconds int     `mapstructure:"increase_interval_seconds"`
	IncreaseStep            int     `mapstructure:"increase_step"`
	TargetSuccessRate       float64 `mapstructure:"target_success_rate"`
	DecreaseFactor          float64 `mapstructure:"decrease_factor"`
	MinSamples              int     `mapstructure:"min_samples"`
}

// RetryConfig bounds per-item retry behavior.
type RetryConfig struct {
	MaxAttempts int `mapstructure:"max_attempts"`
	BaseDelayMs int `mapstructure:"base_delay_ms"`
	MaxDelayMs  int `mapstructure:"max_delay_ms"`
}

// BreakerConfig tunes the per-target circuit breaker.
type BreakerConfig struct {
	FailureThreshold int `mapstructure:"failure_threshold"`
	CooldownSeconds  int `mapstructure:"cooldown_seconds"`
}

// RateLimitConfig throttles executor attempts per remote target. Zero RPS
// disables the limiter.
type RateLimitConfig struct {
	TargetRPS   float64 `mapstructure:"target_rps"`
	TargetBurst int     `mapstructure:"target_burst"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CRAWLPIPE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// setDefaults registers every key so AutomaticEnv can override any of them;
// keys unknown to viper are invisible to Unmarshal even when set in the
// environment.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.timeout_seconds", 60)
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.api_key", "")
	v.SetDefault("logging.development", false)
	v.SetDefault("checkpoints.dir", "checkpoints")
	v.SetDefault("checkpoints.autosave_every_updates", 20)
	v.SetDefault("checkpoints.autosave_interval_seconds", 5)
	v.SetDefault("fingerprints.provider", ProviderMemory)
	v.SetDefault("fingerprints.dsn", "")
	v.SetDefault("fingerprints.table", "fingerprints")
	v.SetDefault("fingerprints.max_conns", 8)
	v.SetDefault("fingerprints.min_conns", 1)
	v.SetDefault("fingerprints.max_conn_lifetime_seconds", 1800)
	v.SetDefault("queue.capacity", 64)
	v.SetDefault("queue.batch_size", 32)
	v.SetDefault("queue.batch_wait_ms", 250)
	v.SetDefault("adaptive.initial", 4)
	v.SetDefault("adaptive.min", 1)
	v.SetDefault("adaptive.max", 64)
	v.SetDefault("adaptive.increase_interval_seconds", 5)
	v.SetDefault("adaptive.increase_step", 2)
	v.SetDefault("adaptive.target_success_rate", 0.95)
	v.SetDefault("adaptive.decrease_factor", 0.5)
	v.SetDefault("adaptive.min_samples", 5)
	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.base_delay_ms", 250)
	v.SetDefault("retry.max_delay_ms", 5000)
	v.SetDefault("breaker.failure_threshold", 5)
	v.SetDefault("breaker.cooldown_seconds", 30)
	v.SetDefault("ratelimit.target_rps", 0.0)
	v.SetDefault("ratelimit.target_burst", 1)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Server.TimeoutSeconds <= 0 {
		return fmt.Errorf("server.timeout_seconds must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.Checkpoints.Dir == "" {
		return fmt.Errorf("checkpoints.dir is required")
	}
	switch c.Fingerprints.Provider {
	case ProviderMemory:
	case ProviderPostgres:
		if c.Fingerprints.DSN == "" {
			return fmt.Errorf("fingerprints.dsn must be set for the postgres provider")
		}
	default:
		return fmt.Errorf("fingerprints.provider must be %q or %q", ProviderMemory, ProviderPostgres)
	}
	if c.Queue.Capacity <= 0 {
		return fmt.Errorf("queue.capacity must be > 0")
	}
	if c.Queue.BatchSize <= 0 {
		return fmt.Errorf("queue.batch_size must be > 0")
	}
	if c.Queue.BatchSize > c.Queue.Capacity {
		return fmt.Errorf("queue.batch_size must not exceed queue.capacity")
	}
	if c.Adaptive.Min <= 0 || c.Adaptive.Max < c.Adaptive.Min {
		return fmt.Errorf("adaptive.min must be > 0 and adaptive.max >= adaptive.min")
	}
	if c.Adaptive.TargetSuccessRate <= 0 || c.Adaptive.TargetSuccessRate > 1 {
		return fmt.Errorf("adaptive.target_success_rate must be in (0, 1]")
	}
	if c.Adaptive.DecreaseFactor <= 0 || c.Adaptive.DecreaseFactor >= 1 {
		return fmt.Errorf("adaptive.decrease_factor must be in (0, 1)")
	}
	if c.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("retry.max_attempts must be > 0")
	}
	if c.Breaker.FailureThreshold <= 0 {
		return fmt.Errorf("breaker.failure_threshold must be > 0")
	}
	if c.RateLimit.TargetRPS < 0 {
		return fmt.Errorf("ratelimit.target_rps must be >= 0")
	}
	return nil
}

// ServerTimeout converts the server timeout into a duration.
func (c Config) ServerTimeout() time.Duration {
	return time.Duration(c.Server.TimeoutSeconds) * time.Second
}

// BatchWait converts the queue drain wait into a duration.
func (c Config) BatchWait() time.Duration {
	return time.Duration(c.Queue.BatchWaitMs) * time.Millisecond
}
