package strategies

import (
	"context"
	"sort"

	"github.com/relaymux/relaymux/pkg/account"
	"github.com/relaymux/relaymux/pkg/sched"
)

// LeastRecent picks the candidate used least recently. Accounts that
// were never used (zero lastUsedAt) sort first.
type LeastRecent struct {
	base
}

// NewLeastRecent creates a least-recently-used selector.
func NewLeastRecent() *LeastRecent {
	return &LeastRecent{base: newBase()}
}

// Strategy returns the algorithm's name.
func (l *LeastRecent) Strategy() sched.Strategy { return sched.StrategyLeastRecent }

// Select sorts ascending by lastUsedAt, then lastScheduledAt, then
// sequential order, and returns the head. Candidates are shuffled
// before the stable sort so full ties do not always resolve to the
// same account.
func (l *LeastRecent) Select(_ context.Context, candidates []*sched.Candidate, _ string) (*account.Account, error) {
	if len(candidates) == 0 {
		return nil, ErrNoCandidates
	}
	if len(candidates) == 1 {
		return candidates[0].Account, nil
	}

	sorted := make([]*sched.Candidate, len(candidates))
	copy(sorted, candidates)
	l.shuffle(len(sorted), func(i, j int) {
		sorted[i], sorted[j] = sorted[j], sorted[i]
	})
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i].Account, sorted[j].Account
		if !a.LastUsedAt.Equal(b.LastUsedAt) {
			return a.LastUsedAt.Before(b.LastUsedAt)
		}
		if !a.LastScheduledAt.Equal(b.LastScheduledAt) {
			return a.LastScheduledAt.Before(b.LastScheduledAt)
		}
		return a.SequentialOrder < b.SequentialOrder
	})
	return sorted[0].Account, nil
}
