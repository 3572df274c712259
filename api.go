package xdispatch

import (
	"context"
)

// Handler is a target handler: the node a pipeline is built for.
// Returning an error stops the pipeline; After decorators do not run.
type Handler interface {
	Handle(ctx context.Context, req Request) error
}

// HandlerFunc adapts a plain function to Handler.
type HandlerFunc func(ctx context.Context, req Request) error

func (f HandlerFunc) Handle(ctx context.Context, req Request) error { return f(ctx, req) }

// Next forwards a request to the successor node.
type Next func(ctx context.Context, req Request) error

// Decorator is a pipeline step woven around a target handler.
// Before decorators decide whether to call next; After decorators run once
// the target succeeded and also receive next to continue the chain.
type Decorator interface {
	Handle(ctx context.Context, req Request, next Next) error
}

// DecoratorFunc adapts a plain function to Decorator.
type DecoratorFunc func(ctx context.Context, req Request, next Next) error

func (f DecoratorFunc) Handle(ctx context.Context, req Request, next Next) error {
	return f(ctx, req, next)
}

// Initializer is implemented by factory-created decorators that accept the
// Params of their Descriptor.
type Initializer interface {
	Init(params ...any) error
}

// FallbackHandler is implemented by target handlers offering a degraded path
// used by the fallback decorator.
type FallbackHandler interface {
	Fallback(ctx context.Context, req Request, cause error) error
}

// Validatable is implemented by requests that can check their own invariants.
type Validatable interface {
	Validate() error
}

// HandlerFactory creates handler and decorator instances by kind and takes
// them back at the end of the call. Supplied by the host application.
type HandlerFactory interface {
	Create(kind string) (any, error)
	Release(h any)
}

// Observer receives lifecycle events. Implementations should be non-blocking.
type Observer interface {
	OnEvent(e LifecycleEvent)
}

// HealthChecker provides health status for production monitoring.
type HealthChecker interface {
	Health(ctx context.Context) HealthStatus
}

// API is the complete CommandProcessor surface.
type API interface {
	Send(ctx context.Context, req Request) error
	Publish(ctx context.Context, evt Request) error
	Post(ctx context.Context, req Request) error
	DepositPost(ctx context.Context, req Request) (string, error)
	DepositPostBatch(ctx context.Context, reqs ...Request) ([]string, error)
	ClearOutbox(ctx context.Context, ids ...string) error
	Repost(ctx context.Context, messageID string) error
	Receive(ctx context.Context, msg Message) error
	Metrics() Metrics
	Health(ctx context.Context) HealthStatus
	AddObserver(obs Observer) (remove func())
	Close(ctx context.Context) error
}

var _ API = (*CommandProcessor)(nil)
var _ HealthChecker = (*CommandProcessor)(nil)
