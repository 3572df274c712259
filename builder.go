package xdispatch

import (
	"context"
	"fmt"

	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
)

type producerBinding struct {
	topic string
	name  string
	cfg   map[string]any
	inst  Producer
}

// ProcessorBuilder constructs CommandProcessor instances (Builder pattern).
type ProcessorBuilder struct {
	registry  *SubscriberRegistry
	factory   HandlerFactory
	mappers   *MapperRegistry
	producers *ProducerRegistry
	bindings  []producerBinding
	fallback  *producerBinding

	outbox      Outbox
	mediatorCfg MediatorConfig
	archiver    Archiver
	sweep       bool
	isLeader    func() bool

	inbox    *InboxConfig
	policies *PolicyRegistry

	observers       []Observer
	observerWorkers int
	observerBuffer  int
	logger          *xlog.Logger
	clock           xclock.Clock
}

// NewProcessorBuilder returns a new builder with sensible defaults.
func NewProcessorBuilder() *ProcessorBuilder {
	return &ProcessorBuilder{
		mediatorCfg:     DefaultMediatorConfig(),
		observerWorkers: 4,
		observerBuffer:  1000,
	}
}

func (b *ProcessorBuilder) WithRegistry(r *SubscriberRegistry) *ProcessorBuilder {
	b.registry = r
	return b
}

func (b *ProcessorBuilder) WithHandlerFactory(f HandlerFactory) *ProcessorBuilder {
	b.factory = f
	return b
}

func (b *ProcessorBuilder) WithMappers(m *MapperRegistry) *ProcessorBuilder {
	b.mappers = m
	return b
}

// WithProducers uses a ready producer registry.
func (b *ProcessorBuilder) WithProducers(r *ProducerRegistry) *ProcessorBuilder {
	b.producers = r
	return b
}

// WithProducer routes topic to a ready Producer instance (e.g. from an adapter's New).
func (b *ProcessorBuilder) WithProducer(topic string, p Producer) *ProcessorBuilder {
	b.bindings = append(b.bindings, producerBinding{topic: topic, inst: p})
	return b
}

// WithNamedProducer routes topic to a producer built by the factory
// registered under name.
func (b *ProcessorBuilder) WithNamedProducer(topic, name string, cfg map[string]any) *ProcessorBuilder {
	b.bindings = append(b.bindings, producerBinding{topic: topic, name: name, cfg: cfg})
	return b
}

// WithFallbackProducer routes every topic without its own producer to p.
func (b *ProcessorBuilder) WithFallbackProducer(p Producer) *ProcessorBuilder {
	b.fallback = &producerBinding{inst: p}
	return b
}

func (b *ProcessorBuilder) WithOutbox(o Outbox) *ProcessorBuilder {
	b.outbox = o
	return b
}

func (b *ProcessorBuilder) WithMediatorConfig(cfg MediatorConfig) *ProcessorBuilder {
	b.mediatorCfg = cfg
	return b
}

func (b *ProcessorBuilder) WithArchiver(a Archiver) *ProcessorBuilder {
	b.archiver = a
	return b
}

// WithSweep starts the background sweeper on Build. isLeader may be nil.
func (b *ProcessorBuilder) WithSweep(isLeader func() bool) *ProcessorBuilder {
	b.sweep = true
	b.isLeader = isLeader
	return b
}

// WithInbox enables the global inbox.
func (b *ProcessorBuilder) WithInbox(cfg InboxConfig) *ProcessorBuilder {
	b.inbox = &cfg
	return b
}

func (b *ProcessorBuilder) WithPolicies(p *PolicyRegistry) *ProcessorBuilder {
	b.policies = p
	return b
}

func (b *ProcessorBuilder) WithObserver(obs ...Observer) *ProcessorBuilder {
	for _, o := range obs {
		if o != nil {
			b.observers = append(b.observers, o)
		}
	}
	return b
}

// WithObserverPool sizes the async observer pool.
func (b *ProcessorBuilder) WithObserverPool(workers, buffer int) *ProcessorBuilder {
	b.observerWorkers = workers
	b.observerBuffer = buffer
	return b
}

func (b *ProcessorBuilder) WithLogger(l *xlog.Logger) *ProcessorBuilder {
	b.logger = l
	return b
}

func (b *ProcessorBuilder) WithClock(c xclock.Clock) *ProcessorBuilder {
	b.clock = c
	return b
}

func (b *ProcessorBuilder) Build() (*CommandProcessor, error) {
	clk := b.clock
	if clk == nil {
		clk = xclock.Default()
	}
	lg := b.logger
	if lg == nil {
		lg = xlog.Default()
	}
	reg := b.registry
	if reg == nil {
		reg = NewSubscriberRegistry()
	}
	mappers := b.mappers
	if mappers == nil {
		mappers = NewMapperRegistry()
	}
	policies := b.policies
	if policies == nil {
		policies = DefaultPolicies()
	}

	p := &CommandProcessor{
		registry: reg,
		mappers:  mappers,
		policies: policies,
		clock:    clk,
		logger:   lg,
		metrics:  &processorMetrics{},
	}
	p.observerPool = NewObserverPool(b.observerWorkers, b.observerBuffer)

	pb := NewPipelineBuilder(reg, b.factory).
		WithLogger(lg).
		WithClock(clk).
		WithPolicies(policies).
		withNotify(p.notifyAsync)
	if b.inbox != nil {
		pb.WithInbox(*b.inbox)
	}
	p.pipelines = pb

	producers, err := b.buildProducers()
	if err != nil {
		_ = p.observerPool.Close(context.Background())
		return nil, err
	}

	if b.outbox != nil {
		m, err := NewOutboxMediator(b.outbox, producers, b.mediatorCfg,
			WithMediatorLogger(lg),
			WithMediatorClock(clk),
			WithArchiver(b.archiver),
			withMediatorNotify(p.notifyAsync),
		)
		if err != nil {
			_ = p.observerPool.Close(context.Background())
			return nil, err
		}
		p.mediator = m
		if b.sweep {
			p.sweeper = NewSweeper(m, b.isLeader)
			p.sweeper.Start(context.Background())
		}
	}

	// Attach logging observer first unless one was supplied.
	hasLoggingObserver := false
	for _, o := range b.observers {
		if _, ok := o.(LoggingObserver); ok {
			hasLoggingObserver = true
			break
		}
	}
	if !hasLoggingObserver {
		p.AddObserver(LoggingObserver{Logger: lg})
	}
	for _, o := range b.observers {
		p.AddObserver(o)
	}

	return p, nil
}

func (b *ProcessorBuilder) buildProducers() (*ProducerRegistry, error) {
	producers := b.producers
	if producers == nil {
		producers = NewProducerRegistry()
	}
	for _, s := range b.bindings {
		inst := s.inst
		if inst == nil {
			var err error
			inst, err = NewProducer(s.name, s.cfg)
			if err != nil {
				return nil, fmt.Errorf("producer for topic %q: %w", s.topic, err)
			}
		}
		if err := producers.Register(s.topic, inst); err != nil {
			return nil, err
		}
	}
	if b.fallback != nil {
		producers.SetFallback(b.fallback.inst)
	}
	return producers, nil
}

// New constructs a CommandProcessor via Builder and returns a close func for convenience.
func New(init func(b *ProcessorBuilder)) (*CommandProcessor, func() error, error) {
	b := NewProcessorBuilder()
	if init != nil {
		init(b)
	}
	p, err := b.Build()
	if err != nil {
		return nil, nil, err
	}
	closeFn := func() error { return p.Close(context.Background()) }
	return p, closeFn, nil
}
