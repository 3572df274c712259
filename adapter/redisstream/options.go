package redisstream

import (
	"github.com/redis/go-redis/v9"
	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"

	"github.com/trickstertwo/xdispatch"
)

type options struct {
	b      *xdispatch.ProcessorBuilder
	client *redis.Client
	cfg    Config
}

// Option configures the xdispatch.CommandProcessor construction when calling Use.
type Option func(*options)

// WithLogger injects a custom xlog logger.
func WithLogger(l *xlog.Logger) Option {
	return func(o *options) { o.b.WithLogger(l) }
}

// WithClock injects a custom xclock clock.
func WithClock(c xclock.Clock) Option {
	return func(o *options) { o.b.WithClock(c) }
}

func WithRegistry(r *xdispatch.SubscriberRegistry) Option {
	return func(o *options) { o.b.WithRegistry(r) }
}

func WithHandlerFactory(f xdispatch.HandlerFactory) Option {
	return func(o *options) { o.b.WithHandlerFactory(f) }
}

func WithMappers(m *xdispatch.MapperRegistry) Option {
	return func(o *options) { o.b.WithMappers(m) }
}

// WithOnceOnly enables a Redis inbox (KeyPrefix, InboxTTL) for every handler in scope.
func WithOnceOnly(scope xdispatch.InboxScope, action xdispatch.OnExists) Option {
	return func(o *options) {
		o.b.WithInbox(xdispatch.InboxConfig{
			Inbox:          NewInbox(o.client, o.cfg.KeyPrefix, o.cfg.InboxTTL),
			Scope:          scope,
			OnceOnly:       true,
			ActionOnExists: action,
		})
	}
}

func WithPolicies(p *xdispatch.PolicyRegistry) Option {
	return func(o *options) { o.b.WithPolicies(p) }
}

func WithMediatorConfig(cfg xdispatch.MediatorConfig) Option {
	return func(o *options) { o.b.WithMediatorConfig(cfg) }
}

// WithSweep starts the background sweeper. isLeader may be nil.
func WithSweep(isLeader func() bool) Option {
	return func(o *options) { o.b.WithSweep(isLeader) }
}

// WithObserver attaches observers for lifecycle events.
func WithObserver(obs ...xdispatch.Observer) Option {
	return func(o *options) { o.b.WithObserver(obs...) }
}
