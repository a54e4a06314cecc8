// Package relaymux is the routing core of an LLM API relay. It picks
// one upstream account per request from a caller-scoped pool, honoring
// account health, subscription tier, session affinity and the
// configured scheduling strategy, and feeds request outcomes back into
// account eligibility.
package relaymux

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/relaymux/relaymux/internal/affinity"
	"github.com/relaymux/relaymux/internal/eligibility"
	"github.com/relaymux/relaymux/internal/metricscache"
	"github.com/relaymux/relaymux/internal/observability"
	"github.com/relaymux/relaymux/internal/resilience"
	"github.com/relaymux/relaymux/pkg/account"
	relayerrors "github.com/relaymux/relaymux/pkg/errors"
	"github.com/relaymux/relaymux/pkg/sched"
	"github.com/relaymux/relaymux/strategies"
)

// UsageRecorder is implemented by account stores that accept usage
// samples. Outcome reporting appends samples when the store supports
// it.
type UsageRecorder interface {
	AppendUsage(ctx context.Context, sample account.UsageSample) error
}

// Scheduler is the routing core facade.
type Scheduler struct {
	store    account.Store
	groups   account.GroupDirectory
	filter   *eligibility.Filter
	metrics  *metricscache.Cache
	affinity *affinity.Manager
	engine   *strategies.Engine
	resmgr   *resilience.Manager
	retries  *resilience.Coordinator
	logger   *observability.Logger
	cfg      sched.Config
	now      func() time.Time

	mu            sync.Mutex
	selections    int64
	strategyUsage map[sched.Strategy]int64
	exhausted     int64
}

// Option customizes scheduler construction.
type Option func(*options)

type options struct {
	logger        *observability.Logger
	cfg           sched.Config
	filterCfg     eligibility.Config
	resilience    resilience.ManagerConfig
	cursors       sched.CursorStore
	affinityStore affinity.Store
	affinityTTL   time.Duration
	cacheTTL      time.Duration
	cacheWindow   time.Duration
	now           func() time.Time
}

// WithLogger sets the scheduler's logger.
func WithLogger(l *observability.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithConfig sets the strategy engine configuration.
func WithConfig(cfg sched.Config) Option {
	return func(o *options) { o.cfg = cfg }
}

// WithEligibilityConfig sets the account health filter configuration.
func WithEligibilityConfig(cfg eligibility.Config) Option {
	return func(o *options) { o.filterCfg = cfg }
}

// WithResilienceConfig sets circuit breaker and outbound limiter
// configuration.
func WithResilienceConfig(cfg resilience.ManagerConfig) Option {
	return func(o *options) { o.resilience = cfg }
}

// WithCursorStore sets the round-robin cursor store, e.g. a
// Redis-backed one for multi-instance deployments.
func WithCursorStore(s sched.CursorStore) Option {
	return func(o *options) { o.cursors = s }
}

// WithAffinityStore sets the sticky-session store and TTL. A zero TTL
// keeps the default.
func WithAffinityStore(s affinity.Store, ttl time.Duration) Option {
	return func(o *options) {
		o.affinityStore = s
		o.affinityTTL = ttl
	}
}

// WithMetricsCache tunes the performance aggregate cache.
func WithMetricsCache(ttl, window time.Duration) Option {
	return func(o *options) {
		o.cacheTTL = ttl
		o.cacheWindow = window
	}
}

// WithClock overrides the scheduler's clock. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// New creates a scheduler over the account store and group directory.
// The group directory may be nil when group pools are not used.
func New(store account.Store, groups account.GroupDirectory, opts ...Option) (*Scheduler, error) {
	if store == nil {
		return nil, fmt.Errorf("account store is required")
	}

	o := &options{
		cfg:        sched.DefaultConfig(),
		filterCfg:  eligibility.DefaultConfig(),
		resilience: resilience.DefaultManagerConfig(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = observability.Nop()
	}

	engine, err := strategies.NewEngine(o.cfg, o.cursors)
	if err != nil {
		return nil, err
	}

	filter := eligibility.New(store, groups, o.filterCfg, o.logger)
	resmgr := resilience.NewManager(o.resilience)

	s := &Scheduler{
		store:         store,
		groups:        groups,
		filter:        filter,
		metrics:       metricscache.New(store, o.cacheTTL, o.cacheWindow),
		affinity:      affinity.NewManager(o.affinityStore, o.affinityTTL),
		engine:        engine,
		resmgr:        resmgr,
		retries:       resilience.NewCoordinator(resmgr, nil, filter, o.logger),
		logger:        o.logger,
		cfg:           o.cfg,
		now:           o.now,
		strategyUsage: make(map[sched.Strategy]int64),
	}
	return s, nil
}

// SelectAccount picks one account for the request. Sticky sessions are
// honored first; otherwise the resolved strategy selects from the
// eligible pool. The winner's usage bookkeeping is persisted and, when
// the request carries a session key, the session is bound to it.
func (s *Scheduler) SelectAccount(ctx context.Context, req sched.SelectionContext) (*sched.Selection, error) {
	result, err := s.filter.Eligible(ctx, req.Caller, req.Model)
	if err != nil {
		return nil, err
	}
	if len(result.Candidates) == 0 {
		s.mu.Lock()
		s.exhausted++
		s.mu.Unlock()
		observability.PoolExhaustedTotal.Inc()
		s.logger.Warn("no eligible account",
			"caller", req.Caller.CallerID, "model", req.Model, "pool", result.PoolTier)
		return nil, &relayerrors.PoolExhaustedError{
			CallerID: req.Caller.CallerID,
			Model:    req.Model,
		}
	}

	if req.SessionKey != "" {
		if sel := s.stickyLookup(ctx, req.SessionKey, result.Candidates); sel != nil {
			if err := s.recordSelection(ctx, sel.AccountID); err != nil {
				return nil, err
			}
			s.mu.Lock()
			s.selections++
			s.mu.Unlock()
			return sel, nil
		}
	}

	strategy := s.resolveStrategy(ctx, result.GroupIDs)
	selector, err := s.engine.Selector(strategy)
	if err != nil {
		return nil, err
	}

	candidates, err := s.buildCandidates(ctx, strategy, result.Candidates)
	if err != nil {
		return nil, err
	}

	chosen, err := selector.Select(ctx, candidates, s.scopeKey(req.Caller.CallerID, result.GroupIDs))
	if err != nil {
		return nil, err
	}

	if err := s.recordSelection(ctx, chosen.ID); err != nil {
		return nil, err
	}
	if req.SessionKey != "" {
		if err := s.affinity.Bind(ctx, req.SessionKey, chosen.ID); err != nil {
			s.logger.Warn("session bind failed", "account", chosen.ID, "error", err)
		}
	}

	s.mu.Lock()
	s.selections++
	s.strategyUsage[strategy]++
	s.mu.Unlock()
	observability.SelectionsTotal.WithLabelValues(string(strategy)).Inc()

	sel := &sched.Selection{
		AccountID: chosen.ID,
		Reason:    sched.ReasonStrategyPrefix + string(strategy),
	}
	if len(result.Candidates) == 1 {
		sel.Reason = sched.ReasonSingleCandidate
	}
	if strategy == sched.StrategyIntelligent {
		if m, err := s.metrics.Get(ctx, chosen.ID); err == nil {
			sel.Score = s.cfg.Scoring.CompositeScore(m)
		}
	}
	return sel, nil
}

// stickyLookup returns a selection when the session maps to an account
// that is still in the eligible pool. A mapping to an account that
// dropped out is evicted so the session rebinds to the new winner.
func (s *Scheduler) stickyLookup(ctx context.Context, sessionKey string, pool []*account.Account) *sched.Selection {
	accountID, ok, err := s.affinity.Lookup(ctx, sessionKey)
	if err != nil {
		s.logger.Warn("affinity lookup failed", "error", err)
		return nil
	}
	if !ok {
		observability.AffinityLookups.WithLabelValues("miss").Inc()
		return nil
	}
	for _, a := range pool {
		if a.ID == accountID {
			observability.AffinityLookups.WithLabelValues("hit").Inc()
			return &sched.Selection{AccountID: accountID, Reason: sched.ReasonStickySession}
		}
	}

	observability.AffinityLookups.WithLabelValues("stale").Inc()
	if err := s.affinity.Evict(ctx, sessionKey); err != nil {
		s.logger.Warn("stale affinity evict failed", "account", accountID, "error", err)
	}
	return nil
}

// resolveStrategy merges the group policies into one strategy, falling
// back to the engine-level default.
func (s *Scheduler) resolveStrategy(ctx context.Context, groupIDs []string) sched.Strategy {
	if s.groups == nil || len(groupIDs) == 0 {
		return s.cfg.Strategy
	}
	policies := make([]account.Policy, 0, len(groupIDs))
	for _, gid := range groupIDs {
		p, err := s.groups.GroupPolicy(ctx, gid)
		if err != nil {
			s.logger.Warn("group policy lookup failed", "group", gid, "error", err)
			continue
		}
		policies = append(policies, p)
	}
	if len(policies) == 0 {
		return s.cfg.Strategy
	}
	return sched.ResolvePolicies(policies)
}

// buildCandidates attaches cached metrics only for the intelligent
// strategy; the others never read them.
func (s *Scheduler) buildCandidates(ctx context.Context, strategy sched.Strategy, pool []*account.Account) ([]*sched.Candidate, error) {
	candidates := make([]*sched.Candidate, len(pool))
	for i, a := range pool {
		c := &sched.Candidate{Account: a}
		if strategy == sched.StrategyIntelligent {
			m, err := s.metrics.Get(ctx, a.ID)
			if err != nil {
				return nil, fmt.Errorf("load metrics for account %s: %w", a.ID, err)
			}
			c.Metrics = m
		}
		candidates[i] = c
	}
	return candidates, nil
}

// scopeKey identifies a caller-pool scope for stateful strategies. The
// group set is order-independent.
func (s *Scheduler) scopeKey(callerID string, groupIDs []string) string {
	if len(groupIDs) == 0 {
		return callerID
	}
	sorted := make([]string, len(groupIDs))
	copy(sorted, groupIDs)
	sort.Strings(sorted)
	return callerID + ":" + strings.Join(sorted, ",")
}

// recordSelection persists the winner's usage bookkeeping.
func (s *Scheduler) recordSelection(ctx context.Context, accountID string) error {
	a, err := s.store.Get(ctx, accountID)
	if err != nil {
		return fmt.Errorf("load selected account: %w", err)
	}
	now := s.now()
	return s.store.PersistFields(ctx, accountID, account.Fields{
		account.FieldUsageCount:      a.UsageCount + 1,
		account.FieldLastUsedAt:      now,
		account.FieldLastScheduledAt: now,
	})
}

// Outcome reports how a relayed request finished.
type Outcome struct {
	AccountID   string
	ServiceName string
	Success     bool
	Err         error
	LatencyMs   float64
	Cost        float64

	// ResetEpoch is the upstream rate-limit reset time, when known.
	ResetEpoch *time.Time
}

// ReportOutcome feeds a request outcome back into account health, the
// circuit breaker and the metrics cache. Rate-limited and unauthorized
// accounts lose their sticky sessions so affected sessions rebind.
func (s *Scheduler) ReportOutcome(ctx context.Context, o Outcome) error {
	if o.AccountID == "" {
		return fmt.Errorf("outcome requires an account id")
	}

	if rec, ok := s.store.(UsageRecorder); ok {
		sample := account.UsageSample{
			AccountID: o.AccountID,
			Timestamp: s.now(),
			LatencyMs: o.LatencyMs,
			Cost:      o.Cost,
			Success:   o.Success,
		}
		if err := rec.AppendUsage(ctx, sample); err != nil {
			s.logger.Warn("usage append failed", "account", o.AccountID, "error", err)
		}
	}
	s.metrics.Invalidate(o.AccountID)

	if o.ServiceName != "" {
		breaker := s.resmgr.Breaker(o.ServiceName)
		if o.Success {
			breaker.RecordSuccess()
		} else {
			breaker.RecordFailure()
		}
	}

	if o.Success || o.Err == nil {
		return nil
	}

	re := relayerrors.Wrap(o.Err)
	switch re.Type {
	case relayerrors.TypeAPIRateLimit:
		reset := o.ResetEpoch
		if reset == nil && !re.ResetEpoch.IsZero() {
			reset = &re.ResetEpoch
		}
		if err := s.filter.MarkRateLimited(ctx, o.AccountID, reset); err != nil {
			return err
		}
		observability.AccountsFlagged.WithLabelValues("rate_limited").Inc()
		return s.evictSessions(ctx, o.AccountID)

	case relayerrors.TypeAuthTokenExpired:
		if err := s.filter.MarkUnauthorized(ctx, o.AccountID); err != nil {
			return err
		}
		observability.AccountsFlagged.WithLabelValues("unauthorized").Inc()
		return s.evictSessions(ctx, o.AccountID)
	}
	return nil
}

func (s *Scheduler) evictSessions(ctx context.Context, accountID string) error {
	if err := s.affinity.EvictAccount(ctx, accountID); err != nil {
		s.logger.Warn("session eviction failed", "account", accountID, "error", err)
	}
	return nil
}

// Execute runs an outbound operation for the account under the
// service's circuit breaker and the per-class retry policies. Failures
// flow back into account health through the retry coordinator.
func (s *Scheduler) Execute(ctx context.Context, service, accountID string, op resilience.Operation) error {
	return s.retries.ExecuteWithAccount(ctx, service, accountID, op)
}

// ResetAccountErrorState clears an account's error, unauthorized and
// rate-limit state. This is the operator path back from unauthorized.
func (s *Scheduler) ResetAccountErrorState(ctx context.Context, accountID string) error {
	return s.filter.ResetErrorState(ctx, accountID)
}

// Stats returns a scheduler-wide telemetry snapshot.
func (s *Scheduler) Stats() sched.Stats {
	s.mu.Lock()
	usage := make(map[sched.Strategy]int64, len(s.strategyUsage))
	for k, v := range s.strategyUsage {
		usage[k] = v
	}
	st := sched.Stats{
		TotalSelections:   s.selections,
		StrategyUsage:     usage,
		PoolExhaustedHits: s.exhausted,
	}
	s.mu.Unlock()

	st.AffinityHits, st.AffinityMisses = s.affinity.Stats()
	st.MetricsCacheHits, st.MetricsCacheMiss = s.metrics.Stats()
	st.CircuitStates = s.resmgr.States()
	return st
}

// Close releases resources held by the scheduler.
func (s *Scheduler) Close() error {
	if err := s.engine.Close(); err != nil {
		return err
	}
	return s.affinity.Close()
}
