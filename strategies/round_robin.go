package strategies

import (
	"context"
	"sort"

	"github.com/relaymux/relaymux/pkg/account"
	"github.com/relaymux/relaymux/pkg/sched"
)

// RoundRobin cycles through candidates using a persisted cursor keyed
// by the caller-pool scope, so independent scopes rotate independently.
type RoundRobin struct {
	base
	cursors sched.CursorStore
}

// NewRoundRobin creates a round-robin selector backed by the given
// cursor store.
func NewRoundRobin(cursors sched.CursorStore) *RoundRobin {
	return &RoundRobin{base: newBase(), cursors: cursors}
}

// Strategy returns the algorithm's name.
func (r *RoundRobin) Strategy() sched.Strategy { return sched.StrategyRoundRobin }

// Select advances the scope's cursor and returns the candidate at the
// cursor position. Candidates are ordered by sequential order so the
// rotation is stable regardless of how the pool was assembled.
func (r *RoundRobin) Select(ctx context.Context, candidates []*sched.Candidate, scopeKey string) (*account.Account, error) {
	if len(candidates) == 0 {
		return nil, ErrNoCandidates
	}
	if len(candidates) == 1 {
		return candidates[0].Account, nil
	}

	ordered := make([]*sched.Candidate, len(candidates))
	copy(ordered, candidates)
	sort.SliceStable(ordered, func(i, j int) bool {
		a, b := ordered[i].Account, ordered[j].Account
		if a.SequentialOrder != b.SequentialOrder {
			return a.SequentialOrder < b.SequentialOrder
		}
		return a.ID < b.ID
	})

	index, err := r.cursors.NextIndex(ctx, scopeKey, len(ordered))
	if err != nil || index < 0 || index >= len(ordered) {
		// Cursor store unavailable: degrade to a uniform pick rather
		// than failing the request.
		index = r.intn(len(ordered))
	}
	return ordered[index].Account, nil
}
