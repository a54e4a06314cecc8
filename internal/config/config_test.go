package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaymux/relaymux/pkg/sched"
)

func TestDefaultConfig_IsValid(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadFromFile(t *testing.T) {
	path := writeConfig(t, `
scheduling:
  strategy: intelligent
  cursor_ttl: 30m
  cost_weight: 0.5
  performance_weight: 0.2
  availability_weight: 0.1
  error_weight: 0.2
  exploration_exponent: 3
eligibility:
  flagship_markers: ["opus", "ultra"]
  window_duration: 5h
affinity:
  enabled: true
  ttl: 2h
resilience:
  failure_threshold: 7
  recovery_timeout: 45s
logging:
  level: debug
  format: text
redis:
  addr: localhost:6379
`)

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)

	assert.Equal(t, "intelligent", cfg.Scheduling.Strategy)
	assert.Equal(t, 30*time.Minute, cfg.Scheduling.CursorTTL)
	assert.Equal(t, 3.0, cfg.Scheduling.ExplorationExponent)
	assert.Equal(t, []string{"opus", "ultra"}, cfg.Eligibility.FlagshipMarkers)
	assert.Equal(t, 2*time.Hour, cfg.Affinity.TTL)
	assert.Equal(t, 7, cfg.Resilience.FailureThreshold)
	assert.Equal(t, 45*time.Second, cfg.Resilience.RecoveryTimeout)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)

	// Unset sections keep their defaults.
	assert.Equal(t, 60*time.Second, cfg.MetricsCache.TTL)
}

func TestLoadFromFile_ExpandsEnv(t *testing.T) {
	t.Setenv("RELAYMUX_REDIS_ADDR", "redis.internal:6379")
	path := writeConfig(t, `
redis:
  addr: ${RELAYMUX_REDIS_ADDR}
`)

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, "redis.internal:6379", cfg.Redis.Addr)
}

func TestLoadFromFile_Missing(t *testing.T) {
	_, err := LoadFromFile(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestValidate_RejectsBadStrategy(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Scheduling.Strategy = "fastest"
	assert.Error(t, cfg.Validate())
}

func TestValidate_RejectsBadWeights(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Scheduling.CostWeight = 0.9
	assert.Error(t, cfg.Validate())
}

func TestValidate_RejectsBadLogging(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Logging.Level = "verbose"
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Logging.Format = "xml"
	assert.Error(t, cfg.Validate())
}

func TestSchedulingConfig_SchedConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Scheduling.Strategy = "weighted"
	sc := cfg.Scheduling.SchedConfig()
	assert.Equal(t, sched.StrategyWeighted, sc.Strategy)
	assert.Equal(t, cfg.Scheduling.CursorTTL, sc.CursorTTL)
	require.NoError(t, sc.Validate())
}

func TestEligibilityConfig_FilterConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Eligibility.WindowDuration = 3 * time.Hour
	fc := cfg.Eligibility.FilterConfig()
	assert.Equal(t, 3*time.Hour, fc.WindowDuration)
	assert.Equal(t, []string{"opus"}, fc.FlagshipMarkers)
}

func TestResilienceConfig_ManagerConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Resilience.FailureThreshold = 9
	cfg.Resilience.OutboundRate = 20
	mc := cfg.Resilience.ManagerConfig()
	assert.Equal(t, 9, mc.Breaker.FailureThreshold)
	assert.Equal(t, 20.0, mc.DefaultRate)
}
