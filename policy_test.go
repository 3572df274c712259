package xdispatch

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetryPolicy_RetriesTransientFailures(t *testing.T) {
	p := NewRetryPolicy(RetryConfig{MaxAttempts: 3})

	var calls atomic.Int32
	err := p.Execute(context.Background(), func(ctx context.Context) error {
		if calls.Add(1) < 3 {
			return errors.New("connection reset")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
}

func TestRetryPolicy_GivesUpAfterMaxAttempts(t *testing.T) {
	p := NewRetryPolicy(RetryConfig{MaxAttempts: 2, Backoff: func(int) time.Duration { return time.Millisecond }})

	var calls atomic.Int32
	boom := errors.New("boom")
	err := p.Execute(context.Background(), func(ctx context.Context) error {
		calls.Add(1)
		return boom
	})
	require.ErrorIs(t, err, boom)
	assert.Equal(t, int32(2), calls.Load())
}

func TestRetryPolicy_DoesNotRetryPermanentErrors(t *testing.T) {
	permanent := []error{
		configError("", nil, ErrNoMapper),
		&ResourceLimitError{MessageID: "m", Outstanding: 1, Limit: 1},
		&OnceOnlyError{RequestID: "r", ContextKey: "k"},
		fmt.Errorf("%w: orders", ErrCircuitOpen),
		context.Canceled,
	}
	for _, perr := range permanent {
		t.Run(perr.Error(), func(t *testing.T) {
			p := NewRetryPolicy(RetryConfig{MaxAttempts: 5})
			var calls atomic.Int32
			err := p.Execute(context.Background(), func(ctx context.Context) error {
				calls.Add(1)
				return perr
			})
			require.ErrorIs(t, err, perr)
			assert.Equal(t, int32(1), calls.Load())
		})
	}
}

func TestRetryPolicy_StopsWhenContextDone(t *testing.T) {
	p := NewRetryPolicy(RetryConfig{MaxAttempts: 10, Backoff: func(int) time.Duration { return time.Hour }})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	var calls atomic.Int32
	err := p.Execute(ctx, func(ctx context.Context) error {
		calls.Add(1)
		return errors.New("unavailable")
	})
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestExponentialBackoff(t *testing.T) {
	b := ExponentialBackoff(50*time.Millisecond, 300*time.Millisecond)
	assert.Equal(t, 50*time.Millisecond, b(1))
	assert.Equal(t, 100*time.Millisecond, b(2))
	assert.Equal(t, 200*time.Millisecond, b(3))
	assert.Equal(t, 300*time.Millisecond, b(4))
	assert.Equal(t, 300*time.Millisecond, b(10))
}

func TestCircuitBreakerPolicy_OpensAfterConsecutiveFailures(t *testing.T) {
	cfg := DefaultBreakerConfig("orders")
	cfg.ConsecutiveFailures = 2
	cfg.Timeout = time.Hour
	p := NewCircuitBreakerPolicy(cfg)

	fail := func(ctx context.Context) error { return errors.New("broker down") }
	require.Error(t, p.Execute(context.Background(), fail))
	assert.Equal(t, gobreaker.StateClosed, p.State())
	require.Error(t, p.Execute(context.Background(), fail))
	assert.Equal(t, gobreaker.StateOpen, p.State())

	var called bool
	err := p.Execute(context.Background(), func(ctx context.Context) error {
		called = true
		return nil
	})
	require.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, called)
}

func TestCircuitBreakerPolicy_IgnoresPermanentErrors(t *testing.T) {
	cfg := DefaultBreakerConfig("orders")
	cfg.ConsecutiveFailures = 1
	p := NewCircuitBreakerPolicy(cfg)

	for i := 0; i < 3; i++ {
		err := p.Execute(context.Background(), func(ctx context.Context) error {
			return configError("", nil, ErrNoProducer)
		})
		require.ErrorIs(t, err, ErrNoProducer)
	}
	assert.Equal(t, gobreaker.StateClosed, p.State())
}

func TestPolicyRegistry_ChainOuterFirst(t *testing.T) {
	var order []string
	named := func(name string) Policy {
		return PolicyFunc(func(ctx context.Context, fn func(ctx context.Context) error) error {
			order = append(order, name+":in")
			err := fn(ctx)
			order = append(order, name+":out")
			return err
		})
	}
	r := NewPolicyRegistry()
	require.NoError(t, r.Register("outer", named("outer")))
	require.NoError(t, r.Register("inner", named("inner")))

	pol, err := r.Chain("outer", "inner")
	require.NoError(t, err)
	require.NoError(t, pol.Execute(context.Background(), func(ctx context.Context) error {
		order = append(order, "fn")
		return nil
	}))
	assert.Equal(t, []string{"outer:in", "inner:in", "fn", "inner:out", "outer:out"}, order)
}

func TestPolicyRegistry_RegisterAndLookup(t *testing.T) {
	r := DefaultPolicies()
	_, err := r.Get(PolicyRetry)
	require.NoError(t, err)
	_, err = r.Get(PolicyCircuitBreaker)
	require.NoError(t, err)

	assert.Error(t, r.Register(PolicyRetry, NewRetryPolicy(DefaultRetryConfig())))
	assert.Error(t, r.Register("", NewRetryPolicy(DefaultRetryConfig())))
	assert.Error(t, r.Register("nil", nil))

	_, err = r.Get("missing")
	require.ErrorIs(t, err, ErrPolicyNotFound)
	assert.True(t, IsConfigurationError(err))

	_, err = r.Chain(PolicyRetry, "missing")
	require.ErrorIs(t, err, ErrPolicyNotFound)

	pol, err := r.Chain()
	require.NoError(t, err)
	assert.NoError(t, pol.Execute(context.Background(), func(ctx context.Context) error { return nil }))
}

func TestRetryable(t *testing.T) {
	assert.False(t, Retryable(nil))
	assert.True(t, Retryable(errors.New("timeout talking to broker")))
	assert.True(t, Retryable(&DispatchError{MessageID: "m", Topic: "t", Err: errors.New("nack")}))
	assert.False(t, Retryable(&DispatchError{MessageID: "m", Topic: "t", Err: fmt.Errorf("%w: t", ErrCircuitOpen)}))
	assert.False(t, Retryable(fmt.Errorf("wrapped: %w", ErrMessageNotFound)))
	assert.False(t, Retryable(context.DeadlineExceeded))
}
