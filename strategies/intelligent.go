package strategies

import (
	"context"
	"math"

	"github.com/relaymux/relaymux/pkg/account"
	"github.com/relaymux/relaymux/pkg/sched"
)

// Intelligent scores each candidate on cost, latency, availability and
// error rate, then samples with probability proportional to the
// composite score raised to the exploration exponent. The stochastic
// pick avoids funneling all traffic to a single "best" account while
// still biasing strongly toward better ones.
type Intelligent struct {
	base
	scoring sched.ScoringConfig
}

// NewIntelligent creates a cost-aware selector. The scoring config must
// already be validated.
func NewIntelligent(scoring sched.ScoringConfig) *Intelligent {
	return &Intelligent{base: newBase(), scoring: scoring}
}

// Strategy returns the algorithm's name.
func (s *Intelligent) Strategy() sched.Strategy { return sched.StrategyIntelligent }

// Select samples one candidate proportionally to score^exponent.
// All-zero scores degrade to a uniform pick.
func (s *Intelligent) Select(_ context.Context, candidates []*sched.Candidate, _ string) (*account.Account, error) {
	if len(candidates) == 0 {
		return nil, ErrNoCandidates
	}
	if len(candidates) == 1 {
		return candidates[0].Account, nil
	}

	weights := make([]float64, len(candidates))
	var total float64
	for i, c := range candidates {
		score := s.scoring.CompositeScore(c.Metrics)
		weights[i] = math.Pow(score, s.scoring.ExplorationExponent)
		total += weights[i]
	}

	if total <= 0 {
		return candidates[s.intn(len(candidates))].Account, nil
	}

	target := s.float64() * total
	var cumulative float64
	for i, w := range weights {
		cumulative += w
		if target <= cumulative {
			return candidates[i].Account, nil
		}
	}
	return candidates[len(candidates)-1].Account, nil
}
