// Package account defines upstream credential slot records and the
// external collaborator interfaces the scheduling core consumes.
// Durable storage, credential material, and token refresh live outside
// this module; the core only reads and writes the fields below.
package account

import (
	"context"
	"errors"
	"time"
)

// SubscriptionTier gates which model classes an account may serve.
type SubscriptionTier string

const (
	TierFree SubscriptionTier = "free"
	TierPro  SubscriptionTier = "pro"
	TierMax  SubscriptionTier = "max"
)

// Status is the lifecycle state of an account.
type Status string

const (
	StatusCreated      Status = "created"
	StatusActive       Status = "active"
	StatusError        Status = "error"
	StatusRateLimited  Status = "rate_limited"
	StatusUnauthorized Status = "unauthorized"
)

// ErrNotFound is returned when an account id is unknown to the store.
var ErrNotFound = errors.New("account not found")

// RateLimitWindow is the upstream provider's rolling throttle range.
// The account is ineligible while now < WindowEnd.
type RateLimitWindow struct {
	WindowStart time.Time `json:"window_start"`
	WindowEnd   time.Time `json:"window_end"`
}

// Active reports whether the window still covers the given instant.
func (w *RateLimitWindow) Active(now time.Time) bool {
	return w != nil && now.Before(w.WindowEnd)
}

// Account is one upstream credential slot.
type Account struct {
	ID               string           `json:"id"`
	Name             string           `json:"name"`
	SubscriptionTier SubscriptionTier `json:"subscription_tier,omitempty"`

	Status      Status `json:"status"`
	Schedulable bool   `json:"schedulable"`

	// Priority is 1-100, lower is scheduled first.
	Priority int `json:"priority"`
	// SchedulingWeight is 1-10, used by the weighted strategy.
	SchedulingWeight int `json:"scheduling_weight"`
	// SequentialOrder breaks ties between otherwise equal accounts.
	SequentialOrder int `json:"sequential_order"`

	UsageCount      int64     `json:"usage_count"`
	LastUsedAt      time.Time `json:"last_used_at,omitempty"`
	LastScheduledAt time.Time `json:"last_scheduled_at,omitempty"`

	RateLimitWindow *RateLimitWindow `json:"rate_limit_window,omitempty"`
}

// Clone returns a deep copy so callers can mutate snapshots freely.
func (a *Account) Clone() *Account {
	if a == nil {
		return nil
	}
	cp := *a
	if a.RateLimitWindow != nil {
		w := *a.RateLimitWindow
		cp.RateLimitWindow = &w
	}
	return &cp
}

// RateLimited reports whether the account is throttled at the given instant.
func (a *Account) RateLimited(now time.Time) bool {
	return a.Status == StatusRateLimited && a.RateLimitWindow.Active(now)
}

// UsageSample is one entry of the external usage log.
type UsageSample struct {
	AccountID string    `json:"account_id"`
	Timestamp time.Time `json:"timestamp"`
	LatencyMs float64   `json:"latency_ms"`
	Cost      float64   `json:"cost"`
	Success   bool      `json:"success"`
}

// Field names accepted by Store.PersistFields. The core never writes
// anything outside this set.
const (
	FieldStatus          = "status"
	FieldSchedulable     = "schedulable"
	FieldUsageCount      = "usage_count"
	FieldLastUsedAt      = "last_used_at"
	FieldLastScheduledAt = "last_scheduled_at"
	FieldRateLimitWindow = "rate_limit_window"
)

// Fields is a sparse field update for PersistFields.
type Fields map[string]any

// Store is the external account store boundary.
type Store interface {
	// Get returns the current record for the account id.
	Get(ctx context.Context, accountID string) (*Account, error)

	// List returns the global shared pool.
	List(ctx context.Context) ([]*Account, error)

	// PersistFields writes a sparse field update for one account.
	PersistFields(ctx context.Context, accountID string, fields Fields) error

	// UsageWindow returns usage samples for the account in [start, end).
	UsageWindow(ctx context.Context, accountID string, start, end time.Time) ([]UsageSample, error)
}

// Policy is a group-level scheduling policy.
type Policy struct {
	Strategy string `json:"strategy" yaml:"strategy"`
}

// GroupDirectory is the external group membership boundary.
type GroupDirectory interface {
	// CallerGroups returns the group ids the caller belongs to.
	CallerGroups(ctx context.Context, callerID string) ([]string, error)

	// GroupAccounts returns the account ids bound to the group.
	GroupAccounts(ctx context.Context, groupID string) ([]string, error)

	// GroupPolicy returns the scheduling policy configured for the group.
	GroupPolicy(ctx context.Context, groupID string) (Policy, error)
}

// CallerContext identifies the requesting caller and any dedicated
// account binding provisioned for it.
type CallerContext struct {
	CallerID           string
	DedicatedAccountID string
}
