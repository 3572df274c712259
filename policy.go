package xdispatch

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

// Well-known policy keys used around Post, ClearOutbox and Repost.
const (
	PolicyRetry          = "xdispatch.retry"
	PolicyCircuitBreaker = "xdispatch.circuit-breaker"
)

// Policy is a resilience strategy executed around fn.
type Policy interface {
	Execute(ctx context.Context, fn func(ctx context.Context) error) error
}

// PolicyFunc adapts a plain function to Policy.
type PolicyFunc func(ctx context.Context, fn func(ctx context.Context) error) error

func (f PolicyFunc) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	return f(ctx, fn)
}

// Wrap composes policies so outer guards inner.
func Wrap(outer, inner Policy) Policy {
	return PolicyFunc(func(ctx context.Context, fn func(ctx context.Context) error) error {
		return outer.Execute(ctx, func(ctx context.Context) error {
			return inner.Execute(ctx, fn)
		})
	})
}

// PolicyRegistry holds named policies. Registered policies are not replaced.
type PolicyRegistry struct {
	mu       sync.RWMutex
	policies map[string]Policy
}

// NewPolicyRegistry returns an empty registry.
func NewPolicyRegistry() *PolicyRegistry {
	return &PolicyRegistry{policies: make(map[string]Policy)}
}

// DefaultPolicies returns a registry holding the stock retry and circuit
// breaker policies under PolicyRetry and PolicyCircuitBreaker.
func DefaultPolicies() *PolicyRegistry {
	r := NewPolicyRegistry()
	_ = r.Register(PolicyRetry, NewRetryPolicy(DefaultRetryConfig()))
	_ = r.Register(PolicyCircuitBreaker, NewCircuitBreakerPolicy(DefaultBreakerConfig(PolicyCircuitBreaker)))
	return r
}

// Register adds p under name.
func (r *PolicyRegistry) Register(name string, p Policy) error {
	if name == "" {
		return errors.New("policy name must not be empty")
	}
	if p == nil {
		return errors.New("policy must not be nil")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.policies[name]; ok {
		return fmt.Errorf("policy %q already registered", name)
	}
	r.policies[name] = p
	return nil
}

// Get returns the policy registered under name.
func (r *PolicyRegistry) Get(name string) (Policy, error) {
	r.mu.RLock()
	p, ok := r.policies[name]
	r.mu.RUnlock()
	if !ok {
		return nil, configError(name, nil, ErrPolicyNotFound)
	}
	return p, nil
}

// Chain composes the named policies, the first being outermost.
func (r *PolicyRegistry) Chain(names ...string) (Policy, error) {
	if len(names) == 0 {
		return PolicyFunc(func(ctx context.Context, fn func(ctx context.Context) error) error {
			return fn(ctx)
		}), nil
	}
	pol, err := r.Get(names[len(names)-1])
	if err != nil {
		return nil, err
	}
	for i := len(names) - 2; i >= 0; i-- {
		outer, err := r.Get(names[i])
		if err != nil {
			return nil, err
		}
		pol = Wrap(outer, pol)
	}
	return pol, nil
}

// Retryable reports whether err is a transient failure worth retrying.
// Configuration, resource-limit, once-only, open-breaker and context errors
// are not.
func Retryable(err error) bool {
	switch {
	case err == nil:
		return false
	case IsConfigurationError(err),
		errors.Is(err, ErrOutboxLimitReached),
		errors.Is(err, ErrOnceOnly),
		errors.Is(err, ErrCircuitOpen),
		errors.Is(err, ErrMessageNotFound),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return false
	default:
		return true
	}
}

// RetryConfig controls the retry policy.
type RetryConfig struct {
	// MaxAttempts is the total number of attempts including the first execution.
	MaxAttempts int
	// Backoff computes the base wait before the next attempt.
	Backoff func(attempt int) time.Duration
	// RetryIf returns true if the error should be retried. Defaults to Retryable.
	RetryIf func(err error) bool
	// Jitter adds up to [0, Jitter] random delay to the base backoff.
	Jitter time.Duration
}

// DefaultRetryConfig is three attempts with exponential backoff from 50ms.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 3,
		Backoff:     ExponentialBackoff(50*time.Millisecond, time.Second),
		RetryIf:     Retryable,
		Jitter:      10 * time.Millisecond,
	}
}

// ExponentialBackoff doubles base per attempt, capped at max.
func ExponentialBackoff(base, max time.Duration) func(attempt int) time.Duration {
	return func(attempt int) time.Duration {
		d := base
		for i := 1; i < attempt; i++ {
			d *= 2
			if d >= max {
				return max
			}
		}
		return d
	}
}

// RetryPolicy provides bounded, selective retries.
type RetryPolicy struct {
	cfg RetryConfig
}

func NewRetryPolicy(cfg RetryConfig) *RetryPolicy {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.RetryIf == nil {
		cfg.RetryIf = Retryable
	}
	return &RetryPolicy{cfg: cfg}
}

func (p *RetryPolicy) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	var lastErr error
	for i := 1; i <= p.cfg.MaxAttempts; i++ {
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if ctx.Err() != nil {
			return lastErr
		}
		if i == p.cfg.MaxAttempts || !p.cfg.RetryIf(lastErr) {
			return lastErr
		}
		if p.cfg.Backoff != nil {
			wait := p.cfg.Backoff(i)
			if p.cfg.Jitter > 0 {
				wait += time.Duration(rand.Int63n(int64(p.cfg.Jitter)))
			}
			select {
			case <-ctx.Done():
				return lastErr
			case <-time.After(wait):
			}
		}
	}
	return lastErr
}

// BreakerConfig configures a gobreaker-backed circuit breaker.
type BreakerConfig struct {
	Name string
	// ConsecutiveFailures trips the breaker.
	ConsecutiveFailures uint32
	// Timeout is how long the breaker stays open before going half-open.
	Timeout time.Duration
	// Interval clears counts while closed; zero never clears.
	Interval time.Duration
	// MaxRequests allowed through while half-open.
	MaxRequests   uint32
	OnStateChange func(name string, from, to gobreaker.State)
}

// DefaultBreakerConfig trips after five consecutive failures for 30s.
func DefaultBreakerConfig(name string) BreakerConfig {
	return BreakerConfig{
		Name:                name,
		ConsecutiveFailures: 5,
		Timeout:             30 * time.Second,
		MaxRequests:         1,
	}
}

func (c BreakerConfig) settings() gobreaker.Settings {
	threshold := c.ConsecutiveFailures
	if threshold == 0 {
		threshold = 5
	}
	return gobreaker.Settings{
		Name:        c.Name,
		MaxRequests: c.MaxRequests,
		Interval:    c.Interval,
		Timeout:     c.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: c.OnStateChange,
		// only transient failures count against the breaker
		IsSuccessful: func(err error) bool { return err == nil || !Retryable(err) },
	}
}

// CircuitBreakerPolicy fails fast with ErrCircuitOpen while open.
type CircuitBreakerPolicy struct {
	cb *gobreaker.CircuitBreaker
}

func NewCircuitBreakerPolicy(cfg BreakerConfig) *CircuitBreakerPolicy {
	return &CircuitBreakerPolicy{cb: gobreaker.NewCircuitBreaker(cfg.settings())}
}

func (p *CircuitBreakerPolicy) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	return runBreaker(p.cb, func() error { return fn(ctx) })
}

// State returns the breaker state.
func (p *CircuitBreakerPolicy) State() gobreaker.State { return p.cb.State() }

func runBreaker(cb *gobreaker.CircuitBreaker, fn func() error) error {
	_, err := cb.Execute(func() (interface{}, error) {
		return nil, fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %s", ErrCircuitOpen, cb.Name())
	}
	return err
}
