// Package strategies provides the selection algorithms used by the
// account scheduler. Each selector implements sched.Selector over a
// candidate set the eligibility filter has already narrowed.
package strategies

import (
	"errors"
	"math/rand"
	"sync"
	"time"
)

// ErrNoCandidates is returned when a selector is invoked with an empty
// candidate set. Callers are expected to treat an empty pool as
// exhausted before reaching a selector.
var ErrNoCandidates = errors.New("candidate set is empty")

// base carries the shared rng used by stochastic selectors.
type base struct {
	rngMu sync.Mutex
	rng   *rand.Rand
}

func newBase() base {
	return base{rng: rand.New(rand.NewSource(time.Now().UnixNano()))}
}

func (b *base) intn(n int) int {
	b.rngMu.Lock()
	defer b.rngMu.Unlock()
	return b.rng.Intn(n)
}

func (b *base) float64() float64 {
	b.rngMu.Lock()
	defer b.rngMu.Unlock()
	return b.rng.Float64()
}

func (b *base) shuffle(n int, swap func(i, j int)) {
	b.rngMu.Lock()
	defer b.rngMu.Unlock()
	b.rng.Shuffle(n, swap)
}
