package relaymux

import (
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/relaymux/relaymux/internal/affinity"
	"github.com/relaymux/relaymux/internal/config"
	"github.com/relaymux/relaymux/internal/observability"
	"github.com/relaymux/relaymux/pkg/account"
	"github.com/relaymux/relaymux/strategies"
)

// NewFromConfigFile builds a scheduler from a YAML configuration file.
// Explicit options override file settings.
func NewFromConfigFile(store account.Store, groups account.GroupDirectory, path string, opts ...Option) (*Scheduler, error) {
	cfg, err := config.LoadFromFile(path)
	if err != nil {
		return nil, err
	}
	return NewFromConfig(store, groups, cfg, opts...)
}

// NewFromConfig builds a scheduler from a parsed configuration. A
// Redis address switches the round-robin cursors and sticky sessions
// to Redis-backed stores so multiple instances agree.
func NewFromConfig(store account.Store, groups account.GroupDirectory, cfg *config.Config, opts ...Option) (*Scheduler, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	base := []Option{
		WithLogger(newLogger(cfg.Logging)),
		WithConfig(cfg.Scheduling.SchedConfig()),
		WithEligibilityConfig(cfg.Eligibility.FilterConfig()),
		WithResilienceConfig(cfg.Resilience.ManagerConfig()),
		WithMetricsCache(cfg.MetricsCache.TTL, cfg.MetricsCache.Window),
	}

	var sessions affinity.Store = affinity.NewNopStore()
	if cfg.Affinity.Enabled {
		sessions = affinity.NewMemoryStore()
	}

	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		base = append(base, WithCursorStore(strategies.NewRedisCursorStore(client, cfg.Scheduling.CursorTTL)))
		if cfg.Affinity.Enabled {
			sessions = affinity.NewRedisStore(client)
		}
	}
	base = append(base, WithAffinityStore(sessions, cfg.Affinity.TTL))

	return New(store, groups, append(base, opts...)...)
}

func newLogger(cfg config.LoggingConfig) *observability.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	return observability.NewLogger(observability.LoggerConfig{
		Level:      level,
		AddSource:  cfg.AddSource,
		JSONFormat: cfg.Format != "text",
	})
}
