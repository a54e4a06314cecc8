package resilience

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/relaymux/relaymux/internal/observability"
	relayerrors "github.com/relaymux/relaymux/pkg/errors"
)

// BackoffKind selects the delay curve for a retry policy.
type BackoffKind int

const (
	// BackoffNone surfaces the error without retrying.
	BackoffNone BackoffKind = iota
	// BackoffFixed waits the base delay between attempts.
	BackoffFixed
	// BackoffLinear waits base*attempt between attempts.
	BackoffLinear
	// BackoffExponential waits base*multiplier^(attempt-1).
	BackoffExponential
)

// Policy maps one error class to its retry behavior.
type Policy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Multiplier float64
	// Jitter is the fraction of random noise applied to the delay.
	Jitter  float64
	Backoff BackoffKind
	// RespectRetryAfter takes the upstream retry-after hint when it
	// exceeds the computed delay.
	RespectRetryAfter bool
}

// DefaultPolicies returns the per-class retry table. Auth expiry never
// retries internally: the caller must refresh the token first, so it
// surfaces after exactly one attempt.
func DefaultPolicies() map[relayerrors.ErrorType]Policy {
	exponential := Policy{
		MaxRetries: 3,
		BaseDelay:  500 * time.Millisecond,
		MaxDelay:   30 * time.Second,
		Multiplier: 2,
		Jitter:     0.2,
		Backoff:    BackoffExponential,
	}
	return map[relayerrors.ErrorType]Policy{
		relayerrors.TypeNetwork:     exponential,
		relayerrors.TypeConnection:  exponential,
		relayerrors.TypeServerError: exponential,
		relayerrors.TypeTimeout: {
			MaxRetries: 2,
			BaseDelay:  time.Second,
			MaxDelay:   10 * time.Second,
			Jitter:     0.1,
			Backoff:    BackoffLinear,
		},
		relayerrors.TypeAPIRateLimit: {
			MaxRetries:        2,
			BaseDelay:         5 * time.Second,
			MaxDelay:          time.Minute,
			Backoff:           BackoffFixed,
			RespectRetryAfter: true,
		},
		relayerrors.TypeAuthTokenExpired: {Backoff: BackoffNone},
		relayerrors.TypeValidation:       {Backoff: BackoffNone},
		relayerrors.TypeClientError:      {Backoff: BackoffNone},
		relayerrors.TypeUnknown:          {Backoff: BackoffNone},
	}
}

// ErrorRecord is one attempt's classified failure.
type ErrorRecord struct {
	Type      relayerrors.ErrorType `json:"type"`
	Message   string                `json:"message"`
	Attempt   int                   `json:"attempt"`
	Timestamp time.Time             `json:"timestamp"`
}

// RetryContext accumulates per-attempt outcomes for one invocation.
type RetryContext struct {
	OperationID string        `json:"operation_id"`
	ServiceName string        `json:"service_name"`
	Attempts    int           `json:"attempts"`
	Errors      []ErrorRecord `json:"errors"`
	StartedAt   time.Time     `json:"started_at"`
}

// OperationError is the enriched error surfaced when an operation's
// retries are exhausted or its class never retries.
type OperationError struct {
	Context *RetryContext
	cause   *relayerrors.RelayError
}

// Error implements the error interface.
func (e *OperationError) Error() string {
	return fmt.Sprintf("operation %s failed after %d attempt(s): %v",
		e.Context.OperationID, e.Context.Attempts, e.cause)
}

// Unwrap returns the final classified failure.
func (e *OperationError) Unwrap() error { return e.cause }

// AccountHealthSink receives account-level failure signals. It couples
// retry outcomes back into scheduling eligibility.
type AccountHealthSink interface {
	MarkRateLimited(ctx context.Context, accountID string, resetEpoch *time.Time) error
	MarkUnauthorized(ctx context.Context, accountID string) error
}

// Operation is one outbound call wrapped by the coordinator.
type Operation func(ctx context.Context) error

// Coordinator executes operations under circuit breaker protection and
// per-class retry policies.
type Coordinator struct {
	manager  *Manager
	policies map[relayerrors.ErrorType]Policy
	sink     AccountHealthSink
	logger   *observability.Logger

	rngMu sync.Mutex
	rng   *rand.Rand
}

// NewCoordinator creates a retry coordinator. A nil policies map uses
// DefaultPolicies; a nil sink disables account health feedback.
func NewCoordinator(manager *Manager, policies map[relayerrors.ErrorType]Policy, sink AccountHealthSink, logger *observability.Logger) *Coordinator {
	if policies == nil {
		policies = DefaultPolicies()
	}
	if logger == nil {
		logger = observability.Nop()
	}
	return &Coordinator{
		manager:  manager,
		policies: policies,
		sink:     sink,
		logger:   logger,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Execute runs the operation for a service with no account attribution.
func (c *Coordinator) Execute(ctx context.Context, service string, op Operation) error {
	return c.ExecuteWithAccount(ctx, service, "", op)
}

// ExecuteWithAccount runs the operation, retrying per the classified
// error's policy. When the call is attributed to an account, rate-limit
// and auth failures are reported to the health sink.
func (c *Coordinator) ExecuteWithAccount(ctx context.Context, service, accountID string, op Operation) error {
	rc := &RetryContext{
		OperationID: uuid.NewString(),
		ServiceName: service,
		StartedAt:   time.Now(),
	}
	breaker := c.manager.Breaker(service)

	for attempt := 1; ; attempt++ {
		if !breaker.Allow() {
			return &CircuitOpenError{Service: service}
		}
		if err := c.manager.Wait(ctx, service); err != nil {
			return err
		}

		err := op(ctx)
		if err == nil {
			breaker.RecordSuccess()
			return nil
		}
		breaker.RecordFailure()

		re := relayerrors.Wrap(err)
		if re.Service == "" {
			re.Service = service
		}
		if re.AccountID == "" {
			re.AccountID = accountID
		}

		rc.Attempts = attempt
		rc.Errors = append(rc.Errors, ErrorRecord{
			Type:      re.Type,
			Message:   re.Message,
			Attempt:   attempt,
			Timestamp: time.Now(),
		})
		observability.RetryAttempts.WithLabelValues(service, string(re.Type)).Inc()
		c.reportAccountHealth(ctx, re)

		policy, ok := c.policies[re.Type]
		if !ok {
			policy = c.policies[relayerrors.TypeUnknown]
		}
		if policy.Backoff == BackoffNone || attempt > policy.MaxRetries {
			c.logger.Warn("operation failed",
				"operation", rc.OperationID,
				"service", service,
				"error_type", re.Type,
				"attempts", attempt)
			return &OperationError{Context: rc, cause: re}
		}

		delay := c.delay(policy, attempt, re.RetryAfter)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// delay computes the backoff for the attempt, capped, jittered, and
// floored by any respected retry-after hint.
func (c *Coordinator) delay(policy Policy, attempt int, retryAfter time.Duration) time.Duration {
	var d time.Duration
	switch policy.Backoff {
	case BackoffFixed:
		d = policy.BaseDelay
	case BackoffLinear:
		d = policy.BaseDelay * time.Duration(attempt)
	case BackoffExponential:
		d = time.Duration(float64(policy.BaseDelay) * math.Pow(policy.Multiplier, float64(attempt-1)))
	}
	if policy.MaxDelay > 0 && d > policy.MaxDelay {
		d = policy.MaxDelay
	}
	if policy.Jitter > 0 {
		c.rngMu.Lock()
		noise := 1 + policy.Jitter*(2*c.rng.Float64()-1)
		c.rngMu.Unlock()
		d = time.Duration(float64(d) * noise)
	}
	if policy.RespectRetryAfter && retryAfter > d {
		d = retryAfter
	}
	return d
}

func (c *Coordinator) reportAccountHealth(ctx context.Context, re *relayerrors.RelayError) {
	if c.sink == nil || re.AccountID == "" {
		return
	}
	switch re.Type {
	case relayerrors.TypeAPIRateLimit:
		var reset *time.Time
		if !re.ResetEpoch.IsZero() {
			reset = &re.ResetEpoch
		}
		if err := c.sink.MarkRateLimited(ctx, re.AccountID, reset); err != nil {
			c.logger.Warn("failed to mark account rate limited",
				"account", re.AccountID, "error", err)
			return
		}
		observability.AccountsFlagged.WithLabelValues("rate_limited").Inc()
	case relayerrors.TypeAuthTokenExpired:
		if err := c.sink.MarkUnauthorized(ctx, re.AccountID); err != nil {
			c.logger.Warn("failed to mark account unauthorized",
				"account", re.AccountID, "error", err)
			return
		}
		observability.AccountsFlagged.WithLabelValues("unauthorized").Inc()
	}
}
