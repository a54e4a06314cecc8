package strategies

import (
	"context"

	"github.com/relaymux/relaymux/pkg/account"
	"github.com/relaymux/relaymux/pkg/sched"
)

// Random picks uniformly among candidates.
type Random struct {
	base
}

// NewRandom creates a uniform random selector.
func NewRandom() *Random {
	return &Random{base: newBase()}
}

// Strategy returns the algorithm's name.
func (r *Random) Strategy() sched.Strategy { return sched.StrategyRandom }

// Select picks one candidate uniformly at random.
func (r *Random) Select(_ context.Context, candidates []*sched.Candidate, _ string) (*account.Account, error) {
	if len(candidates) == 0 {
		return nil, ErrNoCandidates
	}
	if len(candidates) == 1 {
		return candidates[0].Account, nil
	}
	return candidates[r.intn(len(candidates))].Account, nil
}
