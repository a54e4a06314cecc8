package strategies

import (
	"context"
	"sort"

	"github.com/relaymux/relaymux/pkg/account"
	"github.com/relaymux/relaymux/pkg/sched"
)

// Priority picks the candidate with the lowest priority value,
// breaking ties by least recent use so equal-priority accounts share
// traffic instead of starving.
type Priority struct {
	base
}

// NewPriority creates a priority selector.
func NewPriority() *Priority {
	return &Priority{base: newBase()}
}

// Strategy returns the algorithm's name.
func (p *Priority) Strategy() sched.Strategy { return sched.StrategyPriority }

// Select sorts ascending by priority, then lastUsedAt, then sequential
// order, and returns the head. Candidates are shuffled before the
// stable sort so full ties do not always resolve to the same account.
func (p *Priority) Select(_ context.Context, candidates []*sched.Candidate, _ string) (*account.Account, error) {
	if len(candidates) == 0 {
		return nil, ErrNoCandidates
	}
	if len(candidates) == 1 {
		return candidates[0].Account, nil
	}

	sorted := make([]*sched.Candidate, len(candidates))
	copy(sorted, candidates)
	p.shuffle(len(sorted), func(i, j int) {
		sorted[i], sorted[j] = sorted[j], sorted[i]
	})
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i].Account, sorted[j].Account
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		if !a.LastUsedAt.Equal(b.LastUsedAt) {
			return a.LastUsedAt.Before(b.LastUsedAt)
		}
		return a.SequentialOrder < b.SequentialOrder
	})
	return sorted[0].Account, nil
}
