package resilience

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	relayerrors "github.com/relaymux/relaymux/pkg/errors"
)

// fastPolicies shrinks the delays so retry tests run in milliseconds.
func fastPolicies() map[relayerrors.ErrorType]Policy {
	policies := DefaultPolicies()
	for t, p := range policies {
		p.BaseDelay = time.Millisecond
		p.MaxDelay = 5 * time.Millisecond
		policies[t] = p
	}
	return policies
}

type recordingSink struct {
	mu           sync.Mutex
	rateLimited  []string
	unauthorized []string
	resetEpoch   *time.Time
}

func (s *recordingSink) MarkRateLimited(_ context.Context, accountID string, resetEpoch *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rateLimited = append(s.rateLimited, accountID)
	s.resetEpoch = resetEpoch
	return nil
}

func (s *recordingSink) MarkUnauthorized(_ context.Context, accountID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unauthorized = append(s.unauthorized, accountID)
	return nil
}

func TestCoordinator_SuccessFirstAttempt(t *testing.T) {
	c := NewCoordinator(NewManager(DefaultManagerConfig()), fastPolicies(), nil, nil)

	calls := 0
	err := c.Execute(context.Background(), "svc", func(context.Context) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestCoordinator_RetriesTransientThenSucceeds(t *testing.T) {
	c := NewCoordinator(NewManager(DefaultManagerConfig()), fastPolicies(), nil, nil)

	calls := 0
	err := c.Execute(context.Background(), "svc", func(context.Context) error {
		calls++
		if calls < 3 {
			return relayerrors.New(relayerrors.TypeServerError, "upstream 500")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestCoordinator_ExhaustsRetries(t *testing.T) {
	c := NewCoordinator(NewManager(DefaultManagerConfig()), fastPolicies(), nil, nil)

	calls := 0
	err := c.Execute(context.Background(), "svc", func(context.Context) error {
		calls++
		return relayerrors.New(relayerrors.TypeNetwork, "dial failed")
	})
	require.Error(t, err)
	assert.Equal(t, 4, calls) // 1 initial + 3 retries

	var opErr *OperationError
	require.ErrorAs(t, err, &opErr)
	assert.Equal(t, 4, opErr.Context.Attempts)
	assert.Len(t, opErr.Context.Errors, 4)
	assert.NotEmpty(t, opErr.Context.OperationID)

	var re *relayerrors.RelayError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, relayerrors.TypeNetwork, re.Type)
}

func TestCoordinator_ValidationNeverRetries(t *testing.T) {
	c := NewCoordinator(NewManager(DefaultManagerConfig()), fastPolicies(), nil, nil)

	calls := 0
	err := c.Execute(context.Background(), "svc", func(context.Context) error {
		calls++
		return relayerrors.New(relayerrors.TypeValidation, "bad request")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestCoordinator_AuthExpirySurfacesAfterOneAttempt(t *testing.T) {
	sink := &recordingSink{}
	c := NewCoordinator(NewManager(DefaultManagerConfig()), fastPolicies(), sink, nil)

	calls := 0
	err := c.ExecuteWithAccount(context.Background(), "svc", "acc-1", func(context.Context) error {
		calls++
		e := relayerrors.New(relayerrors.TypeAuthTokenExpired, "token expired")
		return e
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, []string{"acc-1"}, sink.unauthorized)
}

func TestCoordinator_RateLimitReportsResetEpoch(t *testing.T) {
	sink := &recordingSink{}
	policies := fastPolicies()
	policies[relayerrors.TypeAPIRateLimit] = Policy{Backoff: BackoffNone}
	c := NewCoordinator(NewManager(DefaultManagerConfig()), policies, sink, nil)

	reset := time.Now().Add(time.Hour)
	err := c.ExecuteWithAccount(context.Background(), "svc", "acc-1", func(context.Context) error {
		e := relayerrors.New(relayerrors.TypeAPIRateLimit, "too many requests")
		e.ResetEpoch = reset
		return e
	})
	require.Error(t, err)
	assert.Equal(t, []string{"acc-1"}, sink.rateLimited)
	require.NotNil(t, sink.resetEpoch)
	assert.True(t, sink.resetEpoch.Equal(reset))
}

func TestCoordinator_OpenBreakerShortCircuits(t *testing.T) {
	mgr := NewManager(ManagerConfig{Breaker: BreakerConfig{
		FailureThreshold:   1,
		RecoveryTimeout:    time.Minute,
		HalfOpenRetryCount: 1,
	}})
	c := NewCoordinator(mgr, fastPolicies(), nil, nil)

	mgr.Breaker("svc").RecordFailure()

	calls := 0
	err := c.Execute(context.Background(), "svc", func(context.Context) error {
		calls++
		return nil
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCircuitOpen))
	assert.Equal(t, 0, calls)
}

func TestCoordinator_ContextCancelStopsBackoff(t *testing.T) {
	policies := fastPolicies()
	slow := policies[relayerrors.TypeNetwork]
	slow.BaseDelay = time.Minute
	slow.MaxDelay = time.Minute
	slow.Jitter = 0
	policies[relayerrors.TypeNetwork] = slow
	c := NewCoordinator(NewManager(DefaultManagerConfig()), policies, nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := c.Execute(ctx, "svc", func(context.Context) error {
		return relayerrors.New(relayerrors.TypeNetwork, "dial failed")
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Less(t, time.Since(start), time.Second)
}

func TestCoordinator_ClassifiesUnwrappedErrors(t *testing.T) {
	c := NewCoordinator(NewManager(DefaultManagerConfig()), fastPolicies(), nil, nil)

	err := c.Execute(context.Background(), "svc", func(context.Context) error {
		return fmt.Errorf("invalid request payload")
	})
	require.Error(t, err)

	var re *relayerrors.RelayError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, relayerrors.TypeValidation, re.Type)
	assert.Equal(t, "svc", re.Service)
}

func TestCoordinator_DelayCurves(t *testing.T) {
	c := NewCoordinator(NewManager(DefaultManagerConfig()), nil, nil, nil)

	exponential := Policy{
		BaseDelay:  100 * time.Millisecond,
		MaxDelay:   time.Second,
		Multiplier: 2,
		Backoff:    BackoffExponential,
	}
	assert.Equal(t, 100*time.Millisecond, c.delay(exponential, 1, 0))
	assert.Equal(t, 200*time.Millisecond, c.delay(exponential, 2, 0))
	assert.Equal(t, 400*time.Millisecond, c.delay(exponential, 3, 0))
	// Capped at MaxDelay.
	assert.Equal(t, time.Second, c.delay(exponential, 10, 0))

	linear := Policy{BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second, Backoff: BackoffLinear}
	assert.Equal(t, 300*time.Millisecond, c.delay(linear, 3, 0))

	fixed := Policy{BaseDelay: 100 * time.Millisecond, Backoff: BackoffFixed, RespectRetryAfter: true}
	assert.Equal(t, 100*time.Millisecond, c.delay(fixed, 5, 0))
	// A longer retry-after hint wins.
	assert.Equal(t, 2*time.Second, c.delay(fixed, 1, 2*time.Second))
}

func TestCoordinator_JitterBounded(t *testing.T) {
	c := NewCoordinator(NewManager(DefaultManagerConfig()), nil, nil, nil)
	policy := Policy{
		BaseDelay:  100 * time.Millisecond,
		MaxDelay:   time.Second,
		Multiplier: 2,
		Jitter:     0.2,
		Backoff:    BackoffExponential,
	}
	for i := 0; i < 100; i++ {
		d := c.delay(policy, 1, 0)
		assert.GreaterOrEqual(t, d, 80*time.Millisecond)
		assert.LessOrEqual(t, d, 120*time.Millisecond)
	}
}
