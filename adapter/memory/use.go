package memory

import (
	"fmt"

	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xdispatch"
	"github.com/trickstertwo/xlog"
)

// Use builds a CommandProcessor whose outbox, inbox and producer all live
// in memory. The producer serves every topic; reach it with ProducerOf.
//
// Example:
//
//	proc := memory.Use(memory.Config{BufferSize: 4096, Record: true},
//	    memory.WithRegistry(reg),
//	    memory.WithHandlerFactory(factory),
//	    memory.WithMappers(mappers),
//	    memory.WithLogger(logger),
//	)
func Use(cfg Config, opts ...Option) *xdispatch.CommandProcessor {
	prod, err := xdispatch.NewProducer(ProducerName, cfg.toMap())
	if err != nil {
		panic(fmt.Errorf("memory.Use: %w", err))
	}
	b := xdispatch.NewProcessorBuilder().
		WithOutbox(NewOutbox()).
		WithFallbackProducer(prod)

	for _, o := range opts {
		if o != nil {
			o(b)
		}
	}

	proc, err := b.Build()
	if err != nil {
		panic(fmt.Errorf("memory.Use: %w", err))
	}
	return proc
}

// ProducerOf returns the memory producer serving topic on proc.
func ProducerOf(proc *xdispatch.CommandProcessor, topic string) (*Producer, bool) {
	if proc.Mediator() == nil {
		return nil, false
	}
	p, err := proc.Mediator().Producers().Lookup(topic)
	if err != nil {
		return nil, false
	}
	mp, ok := p.(*Producer)
	return mp, ok
}

// Option configures the xdispatch.CommandProcessor when calling Use.
type Option func(*xdispatch.ProcessorBuilder)

// WithLogger injects a custom xlog logger.
func WithLogger(l *xlog.Logger) Option {
	return func(b *xdispatch.ProcessorBuilder) { b.WithLogger(l) }
}

// WithClock injects a custom xclock clock.
func WithClock(c xclock.Clock) Option {
	return func(b *xdispatch.ProcessorBuilder) { b.WithClock(c) }
}

func WithRegistry(r *xdispatch.SubscriberRegistry) Option {
	return func(b *xdispatch.ProcessorBuilder) { b.WithRegistry(r) }
}

func WithHandlerFactory(f xdispatch.HandlerFactory) Option {
	return func(b *xdispatch.ProcessorBuilder) { b.WithHandlerFactory(f) }
}

func WithMappers(m *xdispatch.MapperRegistry) Option {
	return func(b *xdispatch.ProcessorBuilder) { b.WithMappers(m) }
}

// WithOnceOnly enables a memory inbox for every handler in scope.
func WithOnceOnly(scope xdispatch.InboxScope, action xdispatch.OnExists) Option {
	return func(b *xdispatch.ProcessorBuilder) {
		b.WithInbox(xdispatch.InboxConfig{
			Inbox:          NewInbox(),
			Scope:          scope,
			OnceOnly:       true,
			ActionOnExists: action,
		})
	}
}

func WithPolicies(p *xdispatch.PolicyRegistry) Option {
	return func(b *xdispatch.ProcessorBuilder) { b.WithPolicies(p) }
}

func WithMediatorConfig(cfg xdispatch.MediatorConfig) Option {
	return func(b *xdispatch.ProcessorBuilder) { b.WithMediatorConfig(cfg) }
}

// WithSweep starts the background sweeper.
func WithSweep() Option {
	return func(b *xdispatch.ProcessorBuilder) { b.WithSweep(nil) }
}

// WithObserver attaches observers for lifecycle events.
func WithObserver(obs ...xdispatch.Observer) Option {
	return func(b *xdispatch.ProcessorBuilder) { b.WithObserver(obs...) }
}

// WithObserverPool configures the async observer pool.
func WithObserverPool(workers, bufferSize int) Option {
	return func(b *xdispatch.ProcessorBuilder) { b.WithObserverPool(workers, bufferSize) }
}
