package account

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is a concurrency-safe in-memory Store. The production
// deployment backs the scheduler with a durable store; this
// implementation serves embedded setups and tests.
type MemoryStore struct {
	mu       sync.RWMutex
	accounts map[string]*Account
	usage    map[string][]UsageSample
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts: make(map[string]*Account),
		usage:    make(map[string][]UsageSample),
	}
}

// Put inserts or replaces an account record.
func (s *MemoryStore) Put(a *Account) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts[a.ID] = a.Clone()
}

// Get returns a copy of the record for the account id.
func (s *MemoryStore) Get(_ context.Context, accountID string) (*Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.accounts[accountID]
	if !ok {
		return nil, ErrNotFound
	}
	return a.Clone(), nil
}

// List returns copies of every account, ordered by sequential order
// then id for deterministic iteration.
func (s *MemoryStore) List(_ context.Context) ([]*Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Account, 0, len(s.accounts))
	for _, a := range s.accounts {
		out = append(out, a.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SequentialOrder != out[j].SequentialOrder {
			return out[i].SequentialOrder < out[j].SequentialOrder
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// PersistFields applies a sparse field update under the store lock.
func (s *MemoryStore) PersistFields(_ context.Context, accountID string, fields Fields) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[accountID]
	if !ok {
		return ErrNotFound
	}
	for name, value := range fields {
		switch name {
		case FieldStatus:
			if v, ok := value.(Status); ok {
				a.Status = v
			}
		case FieldSchedulable:
			if v, ok := value.(bool); ok {
				a.Schedulable = v
			}
		case FieldUsageCount:
			if v, ok := value.(int64); ok {
				a.UsageCount = v
			}
		case FieldLastUsedAt:
			if v, ok := value.(time.Time); ok {
				a.LastUsedAt = v
			}
		case FieldLastScheduledAt:
			if v, ok := value.(time.Time); ok {
				a.LastScheduledAt = v
			}
		case FieldRateLimitWindow:
			switch v := value.(type) {
			case *RateLimitWindow:
				a.RateLimitWindow = v
			case nil:
				a.RateLimitWindow = nil
			}
		}
	}
	return nil
}

// AppendUsage records a usage sample for later UsageWindow queries.
func (s *MemoryStore) AppendUsage(_ context.Context, sample UsageSample) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.usage[sample.AccountID] = append(s.usage[sample.AccountID], sample)
	return nil
}

// UsageWindow returns samples for the account in [start, end).
func (s *MemoryStore) UsageWindow(_ context.Context, accountID string, start, end time.Time) ([]UsageSample, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []UsageSample
	for _, sample := range s.usage[accountID] {
		if sample.Timestamp.Before(start) || !sample.Timestamp.Before(end) {
			continue
		}
		out = append(out, sample)
	}
	return out, nil
}

// StaticGroups is a fixed in-memory GroupDirectory for embedded setups
// and tests.
type StaticGroups struct {
	mu       sync.RWMutex
	members  map[string][]string // caller id -> group ids
	accounts map[string][]string // group id -> account ids
	policies map[string]Policy
}

// NewStaticGroups creates an empty group directory.
func NewStaticGroups() *StaticGroups {
	return &StaticGroups{
		members:  make(map[string][]string),
		accounts: make(map[string][]string),
		policies: make(map[string]Policy),
	}
}

// AddMember adds a caller to a group.
func (g *StaticGroups) AddMember(callerID, groupID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.members[callerID] = append(g.members[callerID], groupID)
}

// SetGroup binds account ids and a policy to a group.
func (g *StaticGroups) SetGroup(groupID string, accountIDs []string, policy Policy) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.accounts[groupID] = append([]string(nil), accountIDs...)
	g.policies[groupID] = policy
}

// CallerGroups returns the group ids the caller belongs to.
func (g *StaticGroups) CallerGroups(_ context.Context, callerID string) ([]string, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]string(nil), g.members[callerID]...), nil
}

// GroupAccounts returns the account ids bound to the group.
func (g *StaticGroups) GroupAccounts(_ context.Context, groupID string) ([]string, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]string(nil), g.accounts[groupID]...), nil
}

// GroupPolicy returns the scheduling policy configured for the group.
func (g *StaticGroups) GroupPolicy(_ context.Context, groupID string) (Policy, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.policies[groupID], nil
}
