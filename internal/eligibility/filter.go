// Package eligibility derives the candidate account set for a request
// and owns account health transitions: rate-limit windows, their
// self-healing expiry, and terminal unauthorized flagging.
package eligibility

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/relaymux/relaymux/internal/observability"
	"github.com/relaymux/relaymux/pkg/account"
)

// Pool tiers, in narrowing priority order.
const (
	PoolDedicated = "dedicated"
	PoolGroup     = "group"
	PoolGlobal    = "global"
)

// Config tunes the filter.
type Config struct {
	// FlagshipMarkers are model-name substrings that mark a request as
	// flagship-class, requiring the max subscription tier.
	FlagshipMarkers []string

	// WindowDuration is the upstream's rolling rate-limit window.
	WindowDuration time.Duration

	// LegacyCooldown is the fixed fallback cooldown applied when no
	// window can be derived.
	LegacyCooldown time.Duration
}

// DefaultConfig returns the production filter settings.
func DefaultConfig() Config {
	return Config{
		FlagshipMarkers: []string{"opus"},
		WindowDuration:  5 * time.Hour,
		LegacyCooldown:  time.Hour,
	}
}

// Result is the narrowed pool plus the scope it was drawn from.
type Result struct {
	Candidates []*account.Account
	GroupIDs   []string
	PoolTier   string
}

// Filter derives eligible candidates and manages account health state.
type Filter struct {
	store  account.Store
	groups account.GroupDirectory
	cfg    Config
	logger *observability.Logger
	now    func() time.Time

	// locks serializes health transitions per account id.
	locks sync.Map // map[string]*sync.Mutex
}

// New creates a filter over the given store and group directory.
func New(store account.Store, groups account.GroupDirectory, cfg Config, logger *observability.Logger) *Filter {
	if logger == nil {
		logger = observability.Nop()
	}
	if cfg.WindowDuration <= 0 {
		cfg.WindowDuration = 5 * time.Hour
	}
	if cfg.LegacyCooldown <= 0 {
		cfg.LegacyCooldown = time.Hour
	}
	return &Filter{
		store:  store,
		groups: groups,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
	}
}

// SetClock overrides the filter's clock. Intended for tests.
func (f *Filter) SetClock(now func() time.Time) { f.now = now }

// Eligible returns the candidate accounts usable for the request.
// The caller-scoped pool (dedicated binding, else group pool, else
// global pool) is filtered by status, schedulability, rate-limit state
// and model capability. An empty result means the request must fail;
// there is no silent cross-tier fallback.
func (f *Filter) Eligible(ctx context.Context, caller account.CallerContext, model string) (*Result, error) {
	pool, groupIDs, tier, err := f.pool(ctx, caller)
	if err != nil {
		return nil, err
	}

	now := f.now()
	candidates := make([]*account.Account, 0, len(pool))
	for _, a := range pool {
		if a.Status == account.StatusRateLimited {
			if a.RateLimitWindow.Active(now) {
				continue
			}
			healed, err := f.healRateLimit(ctx, a.ID)
			if err != nil {
				f.logger.Warn("rate limit self-heal failed", "account", a.ID, "error", err)
				continue
			}
			if healed == nil {
				continue
			}
			a = healed
		}

		if a.Status != account.StatusActive && a.Status != account.StatusCreated {
			continue
		}
		if !a.Schedulable {
			continue
		}
		if !f.tierCompatible(a, model) {
			continue
		}
		candidates = append(candidates, a)
	}

	return &Result{Candidates: candidates, GroupIDs: groupIDs, PoolTier: tier}, nil
}

// pool narrows to the first non-empty tier: dedicated binding, the
// caller's group accounts, then the global shared pool.
func (f *Filter) pool(ctx context.Context, caller account.CallerContext) ([]*account.Account, []string, string, error) {
	if caller.DedicatedAccountID != "" {
		a, err := f.store.Get(ctx, caller.DedicatedAccountID)
		switch {
		case err == nil:
			return []*account.Account{a}, nil, PoolDedicated, nil
		case errors.Is(err, account.ErrNotFound):
			f.logger.Warn("dedicated account missing, falling back to group pool",
				"caller", caller.CallerID, "account", caller.DedicatedAccountID)
		default:
			return nil, nil, "", fmt.Errorf("load dedicated account: %w", err)
		}
	}

	var groupIDs []string
	if f.groups != nil && caller.CallerID != "" {
		ids, err := f.groups.CallerGroups(ctx, caller.CallerID)
		if err != nil {
			return nil, nil, "", fmt.Errorf("load caller groups: %w", err)
		}
		groupIDs = ids
	}

	if len(groupIDs) > 0 {
		seen := make(map[string]bool)
		var pool []*account.Account
		for _, gid := range groupIDs {
			accountIDs, err := f.groups.GroupAccounts(ctx, gid)
			if err != nil {
				return nil, nil, "", fmt.Errorf("load group %s accounts: %w", gid, err)
			}
			for _, id := range accountIDs {
				if seen[id] {
					continue
				}
				seen[id] = true
				a, err := f.store.Get(ctx, id)
				if errors.Is(err, account.ErrNotFound) {
					continue
				}
				if err != nil {
					return nil, nil, "", fmt.Errorf("load account %s: %w", id, err)
				}
				pool = append(pool, a)
			}
		}
		if len(pool) > 0 {
			return pool, groupIDs, PoolGroup, nil
		}
	}

	pool, err := f.store.List(ctx)
	if err != nil {
		return nil, nil, "", fmt.Errorf("load global pool: %w", err)
	}
	return pool, groupIDs, PoolGlobal, nil
}

// tierCompatible gates flagship-class models to the max tier. Records
// without tier metadata are treated as compatible to tolerate legacy
// accounts.
func (f *Filter) tierCompatible(a *account.Account, model string) bool {
	if a.SubscriptionTier == "" {
		return true
	}
	if !f.flagshipModel(model) {
		return true
	}
	return a.SubscriptionTier == account.TierMax
}

func (f *Filter) flagshipModel(model string) bool {
	lower := strings.ToLower(model)
	for _, marker := range f.cfg.FlagshipMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// healRateLimit atomically clears an expired rate-limit window and
// reinstates the account. Returns nil when a concurrent failure report
// re-limited the account first.
func (f *Filter) healRateLimit(ctx context.Context, accountID string) (*account.Account, error) {
	mu := f.lock(accountID)
	mu.Lock()
	defer mu.Unlock()

	a, err := f.store.Get(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if a.Status != account.StatusRateLimited {
		return a, nil
	}
	if a.RateLimitWindow.Active(f.now()) {
		return nil, nil
	}

	err = f.store.PersistFields(ctx, accountID, account.Fields{
		account.FieldStatus:          account.StatusActive,
		account.FieldRateLimitWindow: nil,
	})
	if err != nil {
		return nil, err
	}
	a.Status = account.StatusActive
	a.RateLimitWindow = nil
	f.logger.Info("rate limit window expired, account reinstated", "account", accountID)
	return a, nil
}

// MarkRateLimited opens (or reuses) a rate-limit window for the
// account. With an authoritative reset epoch the window is anchored to
// it; otherwise the window starts at the current hour boundary. When
// the account has never been used there is nothing to anchor a rolling
// window to, so a fixed legacy cooldown applies.
func (f *Filter) MarkRateLimited(ctx context.Context, accountID string, resetEpoch *time.Time) error {
	mu := f.lock(accountID)
	mu.Lock()
	defer mu.Unlock()

	a, err := f.store.Get(ctx, accountID)
	if err != nil {
		return err
	}

	now := f.now()
	var window *account.RateLimitWindow
	switch {
	case resetEpoch != nil:
		window = &account.RateLimitWindow{
			WindowStart: resetEpoch.Add(-f.cfg.WindowDuration),
			WindowEnd:   *resetEpoch,
		}
	case a.RateLimitWindow.Active(now):
		window = a.RateLimitWindow
	case !a.LastUsedAt.IsZero():
		start := now.Truncate(time.Hour)
		window = &account.RateLimitWindow{
			WindowStart: start,
			WindowEnd:   start.Add(f.cfg.WindowDuration),
		}
	default:
		// Legacy path: no usage to anchor a rolling window.
		window = &account.RateLimitWindow{
			WindowStart: now,
			WindowEnd:   now.Add(f.cfg.LegacyCooldown),
		}
	}

	err = f.store.PersistFields(ctx, accountID, account.Fields{
		account.FieldStatus:          account.StatusRateLimited,
		account.FieldRateLimitWindow: window,
	})
	if err != nil {
		return err
	}
	f.logger.Warn("account rate limited",
		"account", accountID, "window_end", window.WindowEnd)
	return nil
}

// MarkUnauthorized flags the account as unauthorized and pulls it out
// of scheduling. The state is terminal until ResetErrorState.
func (f *Filter) MarkUnauthorized(ctx context.Context, accountID string) error {
	mu := f.lock(accountID)
	mu.Lock()
	defer mu.Unlock()

	err := f.store.PersistFields(ctx, accountID, account.Fields{
		account.FieldStatus:      account.StatusUnauthorized,
		account.FieldSchedulable: false,
	})
	if err != nil {
		return err
	}
	f.logger.Error("account unauthorized, removed from scheduling", "account", accountID)
	return nil
}

// ResetErrorState clears error, unauthorized and rate-limit state.
// This is the only path back from unauthorized.
func (f *Filter) ResetErrorState(ctx context.Context, accountID string) error {
	mu := f.lock(accountID)
	mu.Lock()
	defer mu.Unlock()

	err := f.store.PersistFields(ctx, accountID, account.Fields{
		account.FieldStatus:          account.StatusActive,
		account.FieldSchedulable:     true,
		account.FieldRateLimitWindow: nil,
	})
	if err != nil {
		return err
	}
	f.logger.Info("account error state reset", "account", accountID)
	return nil
}

func (f *Filter) lock(accountID string) *sync.Mutex {
	if mu, ok := f.locks.Load(accountID); ok {
		return mu.(*sync.Mutex)
	}
	mu, _ := f.locks.LoadOrStore(accountID, &sync.Mutex{})
	return mu.(*sync.Mutex)
}
