package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "relaymux"

var (
	// SelectionsTotal counts scheduling decisions by strategy.
	SelectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "selections_total",
			Help:      "Account selections by strategy",
		},
		[]string{"strategy"},
	)

	// PoolExhaustedTotal counts requests that found no eligible account.
	PoolExhaustedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pool_exhausted_total",
			Help:      "Requests rejected because no eligible account remained",
		},
	)

	// AffinityLookups counts sticky-session lookups by result.
	AffinityLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "affinity_lookups_total",
			Help:      "Session affinity lookups by result (hit, miss, stale)",
		},
		[]string{"result"},
	)

	// MetricsCacheLookups counts performance cache lookups by result.
	MetricsCacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "metrics_cache_lookups_total",
			Help:      "Performance metrics cache lookups by result (hit, miss)",
		},
		[]string{"result"},
	)

	// CircuitState exposes breaker state per service
	// (0=closed, 1=open, 2=half_open).
	CircuitState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_state",
			Help:      "Circuit breaker state per service (0=closed, 1=open, 2=half_open)",
		},
		[]string{"service"},
	)

	// RetryAttempts counts retry attempts by service and error class.
	RetryAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retry_attempts_total",
			Help:      "Retry attempts by service and classified error type",
		},
		[]string{"service", "error_type"},
	)

	// AccountsFlagged counts accounts marked rate-limited or
	// unauthorized through outcome feedback.
	AccountsFlagged = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "accounts_flagged_total",
			Help:      "Accounts flagged by outcome feedback (rate_limited, unauthorized)",
		},
		[]string{"reason"},
	)
)
