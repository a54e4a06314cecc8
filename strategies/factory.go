package strategies

import (
	"fmt"

	"github.com/relaymux/relaymux/pkg/sched"
)

// Engine holds one selector per strategy so per-request strategy
// resolution is a map lookup rather than a construction.
type Engine struct {
	selectors map[sched.Strategy]sched.Selector
	cursors   sched.CursorStore
}

// NewEngine validates the configuration and builds all selectors.
// The cursor store backs the round-robin strategy; pass nil to use an
// in-memory store with the configured TTL.
func NewEngine(cfg sched.Config, cursors sched.CursorStore) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid scheduling config: %w", err)
	}
	if cursors == nil {
		cursors = NewMemoryCursorStore(cfg.CursorTTL)
	}

	e := &Engine{
		selectors: make(map[sched.Strategy]sched.Selector),
		cursors:   cursors,
	}
	for _, s := range []sched.Selector{
		NewRandom(),
		NewRoundRobin(cursors),
		NewWeighted(),
		NewPriority(),
		NewLeastRecent(),
		NewIntelligent(cfg.Scoring),
	} {
		e.selectors[s.Strategy()] = s
	}
	return e, nil
}

// Selector returns the selector for the strategy.
func (e *Engine) Selector(strategy sched.Strategy) (sched.Selector, error) {
	s, ok := e.selectors[strategy]
	if !ok {
		return nil, fmt.Errorf("unknown scheduling strategy: %s", strategy)
	}
	return s, nil
}

// Close releases the engine's cursor store.
func (e *Engine) Close() error {
	if e.cursors != nil {
		return e.cursors.Close()
	}
	return nil
}
