package resilience

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// Manager hands out circuit breakers and outbound rate limiters keyed
// by logical service name. Service-name cardinality is low, so one
// mutex per breaker is adequate.
type Manager struct {
	mu       sync.RWMutex
	breakers map[string]*CircuitBreaker
	limiters map[string]*rate.Limiter

	breakerCfg   BreakerConfig
	defaultRate  rate.Limit
	defaultBurst int
}

// ManagerConfig contains configuration for the resilience manager.
type ManagerConfig struct {
	Breaker BreakerConfig
	// DefaultRate caps outbound requests per second per service.
	// Zero disables the limiter.
	DefaultRate float64
	// DefaultBurst is the limiter's burst size.
	DefaultBurst int
}

// DefaultManagerConfig returns sensible defaults.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		Breaker:      DefaultBreakerConfig(),
		DefaultRate:  0,
		DefaultBurst: 1,
	}
}

// NewManager creates a resilience manager.
func NewManager(cfg ManagerConfig) *Manager {
	if cfg.DefaultBurst <= 0 {
		cfg.DefaultBurst = 1
	}
	return &Manager{
		breakers:     make(map[string]*CircuitBreaker),
		limiters:     make(map[string]*rate.Limiter),
		breakerCfg:   cfg.Breaker,
		defaultRate:  rate.Limit(cfg.DefaultRate),
		defaultBurst: cfg.DefaultBurst,
	}
}

// Breaker returns or creates the breaker for the service.
func (m *Manager) Breaker(service string) *CircuitBreaker {
	m.mu.RLock()
	cb, ok := m.breakers[service]
	m.mu.RUnlock()
	if ok {
		return cb
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if cb, ok = m.breakers[service]; ok {
		return cb
	}
	cb = NewCircuitBreaker(service, m.breakerCfg)
	m.breakers[service] = cb
	return cb
}

// Wait blocks until the service's outbound limiter admits a request,
// or the context is done. A zero default rate admits immediately.
func (m *Manager) Wait(ctx context.Context, service string) error {
	if m.defaultRate <= 0 {
		return nil
	}

	m.mu.RLock()
	l, ok := m.limiters[service]
	m.mu.RUnlock()
	if !ok {
		m.mu.Lock()
		if l, ok = m.limiters[service]; !ok {
			l = rate.NewLimiter(m.defaultRate, m.defaultBurst)
			m.limiters[service] = l
		}
		m.mu.Unlock()
	}
	return l.Wait(ctx)
}

// States returns the current breaker state per service.
func (m *Manager) States() map[string]string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]string, len(m.breakers))
	for name, cb := range m.breakers {
		out[name] = cb.State().String()
	}
	return out
}
