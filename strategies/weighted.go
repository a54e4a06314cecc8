package strategies

import (
	"context"
	"math"

	"github.com/relaymux/relaymux/pkg/account"
	"github.com/relaymux/relaymux/pkg/sched"
)

// Weighted samples candidates proportionally to their scheduling
// weight by replicating each candidate into a discrete pool and picking
// uniformly from it. Weights are normalized to [0.1, 1.0] before
// replication, so each candidate contributes between 1 and 10 copies.
type Weighted struct {
	base
}

// NewWeighted creates a weighted random selector.
func NewWeighted() *Weighted {
	return &Weighted{base: newBase()}
}

// Strategy returns the algorithm's name.
func (w *Weighted) Strategy() sched.Strategy { return sched.StrategyWeighted }

// Select builds the replication pool and picks uniformly from it.
func (w *Weighted) Select(_ context.Context, candidates []*sched.Candidate, _ string) (*account.Account, error) {
	if len(candidates) == 0 {
		return nil, ErrNoCandidates
	}
	if len(candidates) == 1 {
		return candidates[0].Account, nil
	}

	pool := make([]int, 0, len(candidates)*10)
	for i, c := range candidates {
		for n := 0; n < weightCopies(c.Account.SchedulingWeight); n++ {
			pool = append(pool, i)
		}
	}
	return candidates[pool[w.intn(len(pool))]].Account, nil
}

// weightCopies converts a 1-10 scheduling weight into the number of
// pool copies: ceil(clamp(weight/10, 0.1, 1.0) * 10).
func weightCopies(weight int) int {
	normalized := float64(weight) / 10.0
	if normalized < 0.1 {
		normalized = 0.1
	}
	if normalized > 1.0 {
		normalized = 1.0
	}
	return int(math.Ceil(normalized * 10))
}
