// Package sched provides the public scheduling types: strategy names,
// configuration, selection contexts and results, and the interfaces
// implemented by the strategy engine.
package sched

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/relaymux/relaymux/pkg/account"
)

// Strategy identifies a selection algorithm.
type Strategy string

const (
	// StrategyRandom picks uniformly among candidates.
	StrategyRandom Strategy = "random"

	// StrategyRoundRobin cycles through candidates with a persisted
	// cursor per scope key.
	StrategyRoundRobin Strategy = "round_robin"

	// StrategyWeighted samples proportionally to scheduling weight.
	StrategyWeighted Strategy = "weighted"

	// StrategyPriority picks the lowest priority value, breaking ties
	// by least recent use.
	StrategyPriority Strategy = "priority"

	// StrategyLeastRecent picks the account used least recently.
	StrategyLeastRecent Strategy = "least_recent"

	// StrategyIntelligent scores candidates on cost, latency,
	// availability and error rate, then samples proportionally to the
	// score raised to the exploration exponent.
	StrategyIntelligent Strategy = "intelligent"
)

// DefaultStrategy is used when no policy names one.
const DefaultStrategy = StrategyLeastRecent

// strategyPrecedence resolves conflicts between group policies.
// Earlier entries win.
var strategyPrecedence = []Strategy{
	StrategyPriority,
	StrategyWeighted,
	StrategyRoundRobin,
	StrategyLeastRecent,
	StrategyRandom,
}

// ParseStrategy validates a strategy name.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case StrategyRandom, StrategyRoundRobin, StrategyWeighted,
		StrategyPriority, StrategyLeastRecent, StrategyIntelligent:
		return Strategy(s), nil
	case "":
		return DefaultStrategy, nil
	default:
		return "", fmt.Errorf("unknown scheduling strategy: %s", s)
	}
}

// ResolvePolicies picks one strategy from possibly disagreeing group
// policies. A policy naming intelligent wins outright, since a group
// that opted into cost-aware scoring should not be downgraded by a
// sibling's static preference. Otherwise the precedence list decides.
// Unknown names are ignored; with no usable policy the default applies.
func ResolvePolicies(policies []account.Policy) Strategy {
	named := make(map[Strategy]bool, len(policies))
	for _, p := range policies {
		s, err := ParseStrategy(p.Strategy)
		if err != nil || p.Strategy == "" {
			continue
		}
		named[s] = true
	}
	if named[StrategyIntelligent] {
		return StrategyIntelligent
	}
	for _, s := range strategyPrecedence {
		if named[s] {
			return s
		}
	}
	return DefaultStrategy
}

// ScoringConfig tunes the intelligent strategy's composite score.
type ScoringConfig struct {
	CostWeight         float64 `yaml:"cost_weight"`
	PerformanceWeight  float64 `yaml:"performance_weight"`
	AvailabilityWeight float64 `yaml:"availability_weight"`
	ErrorWeight        float64 `yaml:"error_weight"`

	// ExplorationExponent shapes the stochastic pick: selection
	// probability is proportional to totalScore^exponent.
	ExplorationExponent float64 `yaml:"exploration_exponent"`
}

// DefaultScoringConfig returns the production scoring weights.
func DefaultScoringConfig() ScoringConfig {
	return ScoringConfig{
		CostWeight:          0.4,
		PerformanceWeight:   0.25,
		AvailabilityWeight:  0.15,
		ErrorWeight:         0.2,
		ExplorationExponent: 2,
	}
}

// weightSumTolerance bounds how far the four weights may drift from 1.
const weightSumTolerance = 0.01

// Validate rejects weight sets that do not sum to 1.
func (c ScoringConfig) Validate() error {
	sum := c.CostWeight + c.PerformanceWeight + c.AvailabilityWeight + c.ErrorWeight
	if math.Abs(sum-1.0) > weightSumTolerance {
		return fmt.Errorf("scoring weights must sum to 1.0, got %.4f", sum)
	}
	if c.ExplorationExponent <= 0 {
		return fmt.Errorf("exploration exponent must be positive, got %v", c.ExplorationExponent)
	}
	return nil
}

// Config contains strategy engine configuration.
type Config struct {
	// Strategy is the engine-level default, overridable per group.
	Strategy Strategy

	// Scoring tunes the intelligent strategy.
	Scoring ScoringConfig

	// CursorTTL bounds round-robin cursor memory.
	CursorTTL time.Duration
}

// DefaultConfig returns sensible scheduling defaults.
func DefaultConfig() Config {
	return Config{
		Strategy:  DefaultStrategy,
		Scoring:   DefaultScoringConfig(),
		CursorTTL: time.Hour,
	}
}

// Validate rejects invalid engine configuration at load time.
func (c Config) Validate() error {
	if _, err := ParseStrategy(string(c.Strategy)); err != nil {
		return err
	}
	return c.Scoring.Validate()
}

// Metrics is the cached per-account performance aggregate.
type Metrics struct {
	TotalRequests     int64
	ErrorCount        int64
	AvgResponseTimeMs float64
	AvgCostPerRequest float64
	SuccessRate       float64

	// Derived scores in [0,1], higher is better.
	CostScore         float64
	PerformanceScore  float64
	AvailabilityScore float64
	ErrorScore        float64
}

// Score derivation constants. Cost decays exponentially so small cost
// differences are amplified; latency maps linearly between the floor
// and ceiling onto [1, 0].
const (
	costDecayScaleUSD  = 0.01
	latencyFloorMs     = 2000.0
	latencyCeilMs      = 10000.0
	unseenAvailability = 0.8
	errorRateDecay     = 10.0
)

// ComputeScores fills the derived scores from the raw aggregates.
func (m *Metrics) ComputeScores() {
	m.CostScore = math.Exp(-m.AvgCostPerRequest / costDecayScaleUSD)

	perf := 1.0 - (m.AvgResponseTimeMs-latencyFloorMs)/(latencyCeilMs-latencyFloorMs)
	m.PerformanceScore = math.Min(1, math.Max(0, perf))

	if m.TotalRequests > 0 {
		errorRate := float64(m.ErrorCount) / float64(m.TotalRequests)
		m.AvailabilityScore = 1.0 - errorRate
		m.ErrorScore = math.Exp(-errorRateDecay * errorRate)
	} else {
		m.AvailabilityScore = unseenAvailability
		m.ErrorScore = 1.0
	}
}

// UnseenMetrics returns the neutral metrics assumed for an account
// with no recorded usage.
func UnseenMetrics() *Metrics {
	m := &Metrics{SuccessRate: 1.0}
	m.ComputeScores()
	return m
}

// CompositeScore combines the derived scores using the configured
// weights.
func (c ScoringConfig) CompositeScore(m *Metrics) float64 {
	if m == nil {
		m = UnseenMetrics()
	}
	return c.CostWeight*m.CostScore +
		c.PerformanceWeight*m.PerformanceScore +
		c.AvailabilityWeight*m.AvailabilityScore +
		c.ErrorWeight*m.ErrorScore
}

// Candidate pairs an eligible account with its cached metrics.
// Metrics may be nil when the account has no recorded usage.
type Candidate struct {
	Account *account.Account
	Metrics *Metrics
}

// Selector is one selection algorithm over a non-empty candidate set.
type Selector interface {
	// Strategy returns the algorithm's name.
	Strategy() Strategy

	// Select picks one candidate. The scope key identifies the
	// caller-pool scope for stateful strategies such as round-robin.
	Select(ctx context.Context, candidates []*Candidate, scopeKey string) (*account.Account, error)
}

// CursorStore persists round-robin cursors keyed by scope.
type CursorStore interface {
	// NextIndex advances the cursor for the key and returns the
	// current position modulo the candidate count.
	NextIndex(ctx context.Context, key string, modulo int) (int, error)

	// Reset clears the cursor for the key.
	Reset(ctx context.Context, key string) error

	// Close releases resources held by the store.
	Close() error
}

// SelectionContext carries request attributes that influence routing.
type SelectionContext struct {
	Caller     account.CallerContext
	SessionKey string
	Model      string

	// EstimatedTokens is the caller's size estimate for the request.
	// Carried for future capacity-aware strategies; no current strategy
	// reads it.
	EstimatedTokens int
}

// Selection is the result of one scheduling decision.
type Selection struct {
	AccountID string
	Reason    string
	Score     float64
}

// Selection reasons reported to callers.
const (
	ReasonStickySession   = "sticky_session"
	ReasonSingleCandidate = "single_candidate"
	ReasonStrategyPrefix  = "strategy:"
)

// Stats is the scheduler-wide telemetry snapshot.
type Stats struct {
	TotalSelections   int64              `json:"total_selections"`
	StrategyUsage     map[Strategy]int64 `json:"strategy_usage"`
	AffinityHits      int64              `json:"affinity_hits"`
	AffinityMisses    int64              `json:"affinity_misses"`
	MetricsCacheHits  int64              `json:"metrics_cache_hits"`
	MetricsCacheMiss  int64              `json:"metrics_cache_misses"`
	CircuitStates     map[string]string  `json:"circuit_states"`
	PoolExhaustedHits int64              `json:"pool_exhausted"`
}
