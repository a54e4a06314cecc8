// Package config loads and validates the scheduler's YAML
// configuration. Environment variables in the form ${VAR_NAME} are
// expanded before parsing.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/relaymux/relaymux/internal/eligibility"
	"github.com/relaymux/relaymux/internal/resilience"
	"github.com/relaymux/relaymux/pkg/sched"
)

// Config represents the complete scheduler configuration.
type Config struct {
	Scheduling   SchedulingConfig   `yaml:"scheduling"`
	Eligibility  EligibilityConfig  `yaml:"eligibility"`
	Affinity     AffinityConfig     `yaml:"affinity"`
	MetricsCache MetricsCacheConfig `yaml:"metrics_cache"`
	Resilience   ResilienceConfig   `yaml:"resilience"`
	Logging      LoggingConfig      `yaml:"logging"`
	Redis        RedisConfig        `yaml:"redis"`
}

// SchedulingConfig contains strategy and scoring settings.
type SchedulingConfig struct {
	Strategy            string        `yaml:"strategy"` // random, round_robin, weighted, priority, least_recent, intelligent
	CursorTTL           time.Duration `yaml:"cursor_ttl"`
	CostWeight          float64       `yaml:"cost_weight"`
	PerformanceWeight   float64       `yaml:"performance_weight"`
	AvailabilityWeight  float64       `yaml:"availability_weight"`
	ErrorWeight         float64       `yaml:"error_weight"`
	ExplorationExponent float64       `yaml:"exploration_exponent"`
}

// EligibilityConfig contains account health filter settings.
type EligibilityConfig struct {
	FlagshipMarkers []string      `yaml:"flagship_markers"`
	WindowDuration  time.Duration `yaml:"window_duration"`
	LegacyCooldown  time.Duration `yaml:"legacy_cooldown"`
}

// AffinityConfig contains sticky-session settings.
type AffinityConfig struct {
	Enabled bool          `yaml:"enabled"`
	TTL     time.Duration `yaml:"ttl"`
}

// MetricsCacheConfig contains performance aggregate cache settings.
type MetricsCacheConfig struct {
	TTL    time.Duration `yaml:"ttl"`
	Window time.Duration `yaml:"window"`
}

// ResilienceConfig contains circuit breaker and outbound limiter
// settings.
type ResilienceConfig struct {
	FailureThreshold   int           `yaml:"failure_threshold"`
	RecoveryTimeout    time.Duration `yaml:"recovery_timeout"`
	HalfOpenRetryCount int           `yaml:"half_open_retry_count"`
	OutboundRate       float64       `yaml:"outbound_rate"` // requests/sec per service, 0 disables
	OutboundBurst      int           `yaml:"outbound_burst"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level     string `yaml:"level"`  // debug, info, warn, error
	Format    string `yaml:"format"` // json, text
	AddSource bool   `yaml:"add_source"`
}

// RedisConfig contains optional Redis settings for distributed cursor
// and affinity stores. An empty address keeps everything in memory.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	scoring := sched.DefaultScoringConfig()
	return &Config{
		Scheduling: SchedulingConfig{
			Strategy:            string(sched.DefaultStrategy),
			CursorTTL:           time.Hour,
			CostWeight:          scoring.CostWeight,
			PerformanceWeight:   scoring.PerformanceWeight,
			AvailabilityWeight:  scoring.AvailabilityWeight,
			ErrorWeight:         scoring.ErrorWeight,
			ExplorationExponent: scoring.ExplorationExponent,
		},
		Eligibility: EligibilityConfig{
			FlagshipMarkers: []string{"opus"},
			WindowDuration:  5 * time.Hour,
			LegacyCooldown:  time.Hour,
		},
		Affinity: AffinityConfig{
			Enabled: true,
			TTL:     time.Hour,
		},
		MetricsCache: MetricsCacheConfig{
			TTL:    60 * time.Second,
			Window: 5 * time.Minute,
		},
		Resilience: ResilienceConfig{
			FailureThreshold:   5,
			RecoveryTimeout:    30 * time.Second,
			HalfOpenRetryCount: 3,
			OutboundRate:       0,
			OutboundBurst:      1,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// LoadFromFile reads and parses a YAML configuration file.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if _, err := sched.ParseStrategy(c.Scheduling.Strategy); err != nil {
		return fmt.Errorf("scheduling.strategy: %w", err)
	}
	if err := c.Scheduling.Scoring().Validate(); err != nil {
		return fmt.Errorf("scheduling scoring: %w", err)
	}
	if c.Scheduling.CursorTTL < 0 {
		return fmt.Errorf("scheduling.cursor_ttl cannot be negative")
	}

	if c.Eligibility.WindowDuration < 0 {
		return fmt.Errorf("eligibility.window_duration cannot be negative")
	}
	if c.Eligibility.LegacyCooldown < 0 {
		return fmt.Errorf("eligibility.legacy_cooldown cannot be negative")
	}

	if c.Affinity.TTL < 0 {
		return fmt.Errorf("affinity.ttl cannot be negative")
	}

	if c.MetricsCache.TTL < 0 {
		return fmt.Errorf("metrics_cache.ttl cannot be negative")
	}
	if c.MetricsCache.Window < 0 {
		return fmt.Errorf("metrics_cache.window cannot be negative")
	}

	if c.Resilience.FailureThreshold < 0 {
		return fmt.Errorf("resilience.failure_threshold cannot be negative")
	}
	if c.Resilience.RecoveryTimeout < 0 {
		return fmt.Errorf("resilience.recovery_timeout cannot be negative")
	}
	if c.Resilience.OutboundRate < 0 {
		return fmt.Errorf("resilience.outbound_rate cannot be negative")
	}

	switch c.Logging.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of debug, info, warn, error; got %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "", "json", "text":
	default:
		return fmt.Errorf("logging.format must be json or text; got %q", c.Logging.Format)
	}

	return nil
}

// Scoring returns the scoring weights as a sched.ScoringConfig.
func (s SchedulingConfig) Scoring() sched.ScoringConfig {
	return sched.ScoringConfig{
		CostWeight:          s.CostWeight,
		PerformanceWeight:   s.PerformanceWeight,
		AvailabilityWeight:  s.AvailabilityWeight,
		ErrorWeight:         s.ErrorWeight,
		ExplorationExponent: s.ExplorationExponent,
	}
}

// SchedConfig converts the scheduling section into engine configuration.
func (s SchedulingConfig) SchedConfig() sched.Config {
	strategy, err := sched.ParseStrategy(s.Strategy)
	if err != nil {
		strategy = sched.DefaultStrategy
	}
	return sched.Config{
		Strategy:  strategy,
		Scoring:   s.Scoring(),
		CursorTTL: s.CursorTTL,
	}
}

// FilterConfig converts the eligibility section into filter
// configuration.
func (e EligibilityConfig) FilterConfig() eligibility.Config {
	cfg := eligibility.DefaultConfig()
	if len(e.FlagshipMarkers) > 0 {
		cfg.FlagshipMarkers = e.FlagshipMarkers
	}
	if e.WindowDuration > 0 {
		cfg.WindowDuration = e.WindowDuration
	}
	if e.LegacyCooldown > 0 {
		cfg.LegacyCooldown = e.LegacyCooldown
	}
	return cfg
}

// ManagerConfig converts the resilience section into manager
// configuration.
func (r ResilienceConfig) ManagerConfig() resilience.ManagerConfig {
	cfg := resilience.DefaultManagerConfig()
	if r.FailureThreshold > 0 {
		cfg.Breaker.FailureThreshold = r.FailureThreshold
	}
	if r.RecoveryTimeout > 0 {
		cfg.Breaker.RecoveryTimeout = r.RecoveryTimeout
	}
	if r.HalfOpenRetryCount > 0 {
		cfg.Breaker.HalfOpenRetryCount = r.HalfOpenRetryCount
	}
	cfg.DefaultRate = r.OutboundRate
	if r.OutboundBurst > 0 {
		cfg.DefaultBurst = r.OutboundBurst
	}
	return cfg
}
