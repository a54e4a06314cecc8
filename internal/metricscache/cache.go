// Package metricscache maintains short-TTL per-account performance
// aggregates derived from the external usage log. Entries are
// recomputed lazily on expiry; concurrent recomputation for the same
// account is tolerated since the computation is idempotent.
package metricscache

import (
	"context"
	"sync/atomic"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/relaymux/relaymux/internal/observability"
	"github.com/relaymux/relaymux/pkg/account"
	"github.com/relaymux/relaymux/pkg/sched"
)

const (
	// DefaultTTL is how long a computed aggregate stays fresh.
	DefaultTTL = 60 * time.Second

	// DefaultWindow is the rolling usage window aggregated per account.
	DefaultWindow = 5 * time.Minute
)

// Cache computes and caches per-account performance metrics.
type Cache struct {
	store  account.Store
	cache  *gocache.Cache
	window time.Duration
	now    func() time.Time

	hits   atomic.Int64
	misses atomic.Int64
}

// New creates a metrics cache over the account store's usage log.
func New(store account.Store, ttl, window time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if window <= 0 {
		window = DefaultWindow
	}
	return &Cache{
		store:  store,
		cache:  gocache.New(ttl, 2*ttl),
		window: window,
		now:    time.Now,
	}
}

// SetClock overrides the cache's clock. Intended for tests.
func (c *Cache) SetClock(now func() time.Time) { c.now = now }

// Get returns the cached metrics for the account, recomputing from the
// usage log when the entry is missing or expired.
func (c *Cache) Get(ctx context.Context, accountID string) (*sched.Metrics, error) {
	if v, ok := c.cache.Get(accountID); ok {
		c.hits.Add(1)
		observability.MetricsCacheLookups.WithLabelValues("hit").Inc()
		return v.(*sched.Metrics), nil
	}
	c.misses.Add(1)
	observability.MetricsCacheLookups.WithLabelValues("miss").Inc()

	m, err := c.compute(ctx, accountID)
	if err != nil {
		return nil, err
	}
	c.cache.Set(accountID, m, gocache.DefaultExpiration)
	return m, nil
}

// Invalidate drops the cached entry so the next Get recomputes.
func (c *Cache) Invalidate(accountID string) {
	c.cache.Delete(accountID)
}

// Stats returns cumulative hit and miss counts.
func (c *Cache) Stats() (hits, misses int64) {
	return c.hits.Load(), c.misses.Load()
}

func (c *Cache) compute(ctx context.Context, accountID string) (*sched.Metrics, error) {
	end := c.now()
	samples, err := c.store.UsageWindow(ctx, accountID, end.Add(-c.window), end)
	if err != nil {
		return nil, err
	}
	if len(samples) == 0 {
		return sched.UnseenMetrics(), nil
	}

	m := &sched.Metrics{TotalRequests: int64(len(samples))}
	var latencySum, costSum float64
	for _, s := range samples {
		latencySum += s.LatencyMs
		costSum += s.Cost
		if !s.Success {
			m.ErrorCount++
		}
	}
	m.AvgResponseTimeMs = latencySum / float64(len(samples))
	m.AvgCostPerRequest = costSum / float64(len(samples))
	m.SuccessRate = 1.0 - float64(m.ErrorCount)/float64(m.TotalRequests)
	m.ComputeScores()
	return m, nil
}
