package xdispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/trickstertwo/xlog"
)

// UseLogging logs each request passing through the step with its duration
// and outcome.
func UseLogging(step int, timing Timing) Descriptor {
	return Descriptor{
		Name:   "logging",
		Step:   step,
		Timing: timing,
		builtin: func(env *buildEnv) (Decorator, error) {
			return DecoratorFunc(func(ctx context.Context, req Request, next Next) error {
				start := env.clock.Now()
				err := next(ctx, req)
				ev := loggerFor(ctx, env.logger).With(
					xlog.Str("request_type", typeName(TypeOf(req))),
					xlog.Str("request_id", req.RequestID()),
					xlog.Str("handler", env.targetKind),
					xlog.Dur("duration", env.clock.Since(start)),
				)
				if err != nil {
					ev.Warn().Err(err).Msg("xdispatch: request failed")
					return err
				}
				ev.Debug().Msg("xdispatch: request handled")
				return nil
			}), nil
		},
	}
}

// UseValidation rejects requests whose Validate method fails.
func UseValidation(step int) Descriptor {
	return Descriptor{
		Name:   "validation",
		Step:   step,
		Timing: Before,
		builtin: func(env *buildEnv) (Decorator, error) {
			return DecoratorFunc(func(ctx context.Context, req Request, next Next) error {
				if v, ok := req.(Validatable); ok {
					if err := v.Validate(); err != nil {
						return &HandlerError{
							RequestID:   req.RequestID(),
							RequestType: typeName(TypeOf(req)),
							Handler:     env.targetKind,
							Err:         fmt.Errorf("validation: %w", err),
						}
					}
				}
				return next(ctx, req)
			}), nil
		},
	}
}

// UseTimeout bounds the rest of the chain with a deadline. Cancellation is
// cooperative: nodes stop at the next ctx check.
func UseTimeout(step int, d time.Duration) Descriptor {
	return Descriptor{
		Name:   "timeout",
		Step:   step,
		Timing: Before,
		builtin: func(env *buildEnv) (Decorator, error) {
			if d <= 0 {
				return nil, fmt.Errorf("timeout must be > 0, got %v", d)
			}
			return DecoratorFunc(func(ctx context.Context, req Request, next Next) error {
				tctx, cancel := context.WithTimeout(ctx, d)
				defer cancel()
				return next(tctx, req)
			}), nil
		},
	}
}

// UseRecovery converts a panic in the rest of the chain into an error.
func UseRecovery(step int) Descriptor {
	return Descriptor{
		Name:   "recovery",
		Step:   step,
		Timing: Before,
		builtin: func(env *buildEnv) (Decorator, error) {
			return DecoratorFunc(func(ctx context.Context, req Request, next Next) (err error) {
				defer func() {
					if r := recover(); r != nil {
						err = fmt.Errorf("panic recovered: %v", r)
					}
				}()
				return next(ctx, req)
			}), nil
		},
	}
}

// UsePolicy runs the rest of the chain inside the named policies, the first
// being outermost. Unknown names fail the build.
func UsePolicy(step int, names ...string) Descriptor {
	return Descriptor{
		Name:   "policy",
		Step:   step,
		Timing: Before,
		builtin: func(env *buildEnv) (Decorator, error) {
			if env.policies == nil {
				return nil, ErrPolicyNotFound
			}
			pol, err := env.policies.Chain(names...)
			if err != nil {
				return nil, err
			}
			return DecoratorFunc(func(ctx context.Context, req Request, next Next) error {
				return pol.Execute(ctx, func(ctx context.Context) error {
					return next(ctx, req)
				})
			}), nil
		},
	}
}

// UseFallback hands failures of the rest of the chain to the target's
// Fallback method. With breakerOnly set only ErrCircuitOpen is handed over.
// Targets without a Fallback method see their errors unchanged.
func UseFallback(step int, breakerOnly bool) Descriptor {
	return Descriptor{
		Name:   "fallback",
		Step:   step,
		Timing: Before,
		builtin: func(env *buildEnv) (Decorator, error) {
			fb, _ := env.target.(FallbackHandler)
			return DecoratorFunc(func(ctx context.Context, req Request, next Next) error {
				err := next(ctx, req)
				if err == nil || fb == nil {
					return err
				}
				if breakerOnly && !errors.Is(err, ErrCircuitOpen) {
					return err
				}
				return fb.Fallback(ctx, req, err)
			}), nil
		},
	}
}
