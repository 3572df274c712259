package xdispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
)

// activeCallKey marks a ctx as running inside a processor call that owns
// the RequestContext stored next to it. Nested calls made by handlers
// share it instead of acquiring it again.
const activeCallKey ctxKey = "xdispatch:active-call"

// CommandProcessor is the dispatch façade: in-process Send and Publish,
// and outbox-backed Post.
type CommandProcessor struct {
	registry  *SubscriberRegistry
	pipelines *PipelineBuilder
	mappers   *MapperRegistry
	mediator  *OutboxMediator
	policies  *PolicyRegistry
	sweeper   *Sweeper
	clock     xclock.Clock
	logger    *xlog.Logger

	observerPool *ObserverPool

	metrics   *processorMetrics
	closed    atomic.Bool
	closeOnce sync.Once
}

// processorMetrics uses lock-free atomics.
type processorMetrics struct {
	sentCount      atomic.Uint64
	publishedCount atomic.Uint64
	postedCount    atomic.Uint64
	errorCount     atomic.Uint64
	processingNs   atomic.Int64
}

// Registry returns the subscriber registry.
func (p *CommandProcessor) Registry() *SubscriberRegistry { return p.registry }

// Mediator returns the outbox mediator, nil without an outbox.
func (p *CommandProcessor) Mediator() *OutboxMediator { return p.mediator }

// begin adopts or creates the RequestContext of a top-level call.
func (p *CommandProcessor) begin(ctx context.Context) (context.Context, func(), error) {
	if p.closed.Load() {
		return ctx, nil, ErrProcessorClosed
	}
	rc, ok := RequestContextFrom(ctx)
	if ok && ctx.Value(activeCallKey) == rc {
		return ctx, func() {}, nil
	}
	if !ok {
		rc = NewRequestContext()
	}
	if !rc.acquire() {
		return ctx, nil, configError("", nil, ErrContextInUse)
	}
	if rc.policies == nil {
		rc.policies = p.policies
	}
	if rc.logger == nil {
		rc.logger = p.logger
	}
	if rc.clock == nil {
		rc.clock = p.clock
	}
	ctx = InjectAll(ctx, rc, rc.logger, rc.clock)
	ctx = context.WithValue(ctx, activeCallKey, rc)
	return ctx, rc.release, nil
}

// Send dispatches a command to its single handler.
func (p *CommandProcessor) Send(ctx context.Context, req Request) error {
	if req == nil {
		return ErrNilRequest
	}
	ctx, done, err := p.begin(ctx)
	if err != nil {
		return err
	}
	defer done()

	t := TypeOf(req)
	p.metrics.sentCount.Add(1)
	switch n := p.registry.Count(t); {
	case n == 0:
		return p.fail(configError("", t, ErrNoHandler))
	case n > 1:
		return p.fail(configError("", t, fmt.Errorf("%w: %s", ErrMoreThanOneHandler, strings.Join(p.registry.HandlerKinds(t), ", "))))
	}

	start := p.clock.Now()
	p.notifyAsync(LifecycleEvent{Type: SendStart, RequestType: typeName(t), RequestID: req.RequestID()})

	pipes, lt, err := p.pipelines.Build(ctx, req)
	if err != nil {
		return p.fail(err)
	}
	defer lt.Release()
	if len(pipes) != 1 {
		// registration changed between Count and Build
		return p.fail(configError("", t, ErrMoreThanOneHandler))
	}

	err = pipes[0].Run(ctx, req)
	duration := p.clock.Since(start)
	p.recordProcessingTime(duration.Nanoseconds())
	p.notifyAsync(LifecycleEvent{
		Type:        SendDone,
		RequestType: typeName(t),
		RequestID:   req.RequestID(),
		Handler:     pipes[0].HandlerKind,
		Duration:    duration,
		Err:         err,
	})
	if err != nil {
		p.metrics.errorCount.Add(1)
	}
	return err
}

// Publish dispatches an event to every handler registered for it, one after
// another in registration order. The first failure is returned and the
// remaining handlers do not run.
func (p *CommandProcessor) Publish(ctx context.Context, evt Request) error {
	if evt == nil {
		return ErrNilRequest
	}
	ctx, done, err := p.begin(ctx)
	if err != nil {
		return err
	}
	defer done()

	t := TypeOf(evt)
	p.metrics.publishedCount.Add(1)
	start := p.clock.Now()
	p.notifyAsync(LifecycleEvent{Type: PublishStart, RequestType: typeName(t), RequestID: evt.RequestID()})

	pipes, lt, err := p.pipelines.Build(ctx, evt)
	if err != nil {
		return p.fail(err)
	}
	defer lt.Release()

	if len(pipes) == 0 {
		p.logger.Debug().
			Str("request_type", typeName(t)).
			Str("request_id", evt.RequestID()).
			Msg("xdispatch: no handlers for event")
	}

	for _, pipe := range pipes {
		if err = pipe.Run(ctx, evt); err != nil {
			break
		}
	}

	duration := p.clock.Since(start)
	p.recordProcessingTime(duration.Nanoseconds())
	p.notifyAsync(LifecycleEvent{
		Type:        PublishDone,
		RequestType: typeName(t),
		RequestID:   evt.RequestID(),
		Duration:    duration,
		Err:         err,
	})
	if err != nil {
		p.metrics.errorCount.Add(1)
	}
	return err
}

// Post deposits the request's message in the outbox and immediately tries
// to dispatch it, inside the circuit breaker wrapping the retry policy.
// A message that could not be sent stays in the outbox for the sweep.
func (p *CommandProcessor) Post(ctx context.Context, req Request) error {
	if req == nil {
		return ErrNilRequest
	}
	ctx, done, err := p.begin(ctx)
	if err != nil {
		return err
	}
	defer done()

	p.metrics.postedCount.Add(1)
	msg, err := p.externalize(ctx, req)
	if err != nil {
		return p.fail(err)
	}
	pol, err := p.postPolicy(ctx)
	if err != nil {
		return p.fail(err)
	}
	err = pol.Execute(ctx, func(ctx context.Context) error {
		if err := p.mediator.Deposit(ctx, msg); err != nil {
			return err
		}
		return p.mediator.Clear(ctx, msg.ID())
	})
	if err != nil {
		return p.fail(err)
	}
	return nil
}

// DepositPost writes the request's message to the outbox without sending
// it and returns the message id. Pass a ctx carrying the outbox adapter's
// transaction to make the write atomic with the caller's own writes.
func (p *CommandProcessor) DepositPost(ctx context.Context, req Request) (string, error) {
	ids, err := p.DepositPostBatch(ctx, req)
	if err != nil {
		return "", err
	}
	return ids[0], nil
}

// DepositPostBatch deposits the messages of reqs in a single outbox write.
func (p *CommandProcessor) DepositPostBatch(ctx context.Context, reqs ...Request) ([]string, error) {
	if len(reqs) == 0 {
		return nil, nil
	}
	ctx, done, err := p.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer done()

	msgs := make([]Message, 0, len(reqs))
	ids := make([]string, 0, len(reqs))
	for _, req := range reqs {
		if req == nil {
			return nil, ErrNilRequest
		}
		msg, err := p.externalize(ctx, req)
		if err != nil {
			return nil, p.fail(err)
		}
		msgs = append(msgs, msg)
		ids = append(ids, msg.ID())
	}
	if err := p.mediator.Deposit(ctx, msgs...); err != nil {
		return nil, p.fail(err)
	}
	return ids, nil
}

// ClearOutbox dispatches previously deposited messages.
func (p *CommandProcessor) ClearOutbox(ctx context.Context, ids ...string) error {
	ctx, done, err := p.begin(ctx)
	if err != nil {
		return err
	}
	defer done()

	if p.mediator == nil {
		return p.fail(configError("", nil, ErrNoOutbox))
	}
	pol, err := p.postPolicy(ctx)
	if err != nil {
		return p.fail(err)
	}
	if err := pol.Execute(ctx, func(ctx context.Context) error {
		return p.mediator.Clear(ctx, ids...)
	}); err != nil {
		return p.fail(err)
	}
	return nil
}

// Repost re-reads a message from the outbox and sends it again, even when
// it was already dispatched.
func (p *CommandProcessor) Repost(ctx context.Context, messageID string) error {
	ctx, done, err := p.begin(ctx)
	if err != nil {
		return err
	}
	defer done()

	if p.mediator == nil {
		return p.fail(configError("", nil, ErrNoOutbox))
	}
	rec, err := p.mediator.Outbox().Get(ctx, messageID)
	if err != nil {
		return p.fail(fmt.Errorf("repost message %s: %w", messageID, err))
	}
	pol, err := p.postPolicy(ctx)
	if err != nil {
		return p.fail(err)
	}
	if err := pol.Execute(ctx, func(ctx context.Context) error {
		return p.mediator.Resend(ctx, rec.Message)
	}); err != nil {
		return p.fail(err)
	}
	return nil
}

// Receive maps an inbound message back to its request by topic and
// dispatches it: commands through Send, events through Publish.
func (p *CommandProcessor) Receive(ctx context.Context, msg Message) error {
	if msg.Header.Type == MessageTypeQuit {
		return nil
	}
	mapper, err := p.mappers.ForTopic(msg.Topic())
	if err != nil {
		return p.fail(err)
	}
	req, err := mapper.MapToRequest(ctx, msg)
	if err != nil {
		return p.fail(fmt.Errorf("receive message %s: %w", msg.ID(), err))
	}
	if req.RequestKind() == KindEvent {
		return p.Publish(ctx, req)
	}
	return p.Send(ctx, req)
}

// externalize maps req and checks it can be routed.
func (p *CommandProcessor) externalize(ctx context.Context, req Request) (Message, error) {
	if p.mediator == nil {
		return Message{}, configError("", TypeOf(req), ErrNoOutbox)
	}
	mapper, err := p.mappers.For(TypeOf(req))
	if err != nil {
		return Message{}, err
	}
	msg, err := mapper.MapToMessage(ctx, req)
	if err != nil {
		return Message{}, fmt.Errorf("map %s %s: %w", typeName(TypeOf(req)), req.RequestID(), err)
	}
	if _, err := p.mediator.Producers().Lookup(msg.Topic()); err != nil {
		return Message{}, err
	}
	return msg, nil
}

// postPolicy is the circuit breaker wrapping the retry policy, taken from
// the call's policy registry.
func (p *CommandProcessor) postPolicy(ctx context.Context) (Policy, error) {
	reg := p.policies
	if rc, ok := RequestContextFrom(ctx); ok && rc.Policies() != nil {
		reg = rc.Policies()
	}
	return reg.Chain(PolicyCircuitBreaker, PolicyRetry)
}

func (p *CommandProcessor) fail(err error) error {
	p.metrics.errorCount.Add(1)
	p.notifyAsync(LifecycleEvent{Type: Error, Err: err})
	return err
}

// Metrics returns current processor metrics.
func (p *CommandProcessor) Metrics() Metrics {
	m := Metrics{
		Sent:                p.metrics.sentCount.Load(),
		Published:           p.metrics.publishedCount.Load(),
		Posted:              p.metrics.postedCount.Load(),
		Errors:              p.metrics.errorCount.Load(),
		AvgProcessingTimeMs: float64(p.metrics.processingNs.Load()) / 1e6,
	}
	m.EventsDropped = p.observerPool.Stats().Dropped
	if p.mediator != nil {
		m.Deposited = p.mediator.deposited.Load()
		m.Dispatched = p.mediator.dispatched.Load()
		m.DispatchFailures = p.mediator.failed.Load()
		m.Outstanding = p.mediator.Outstanding()
	}
	return m
}

// Health reports processor health for Kubernetes probes.
func (p *CommandProcessor) Health(ctx context.Context) HealthStatus {
	if p.closed.Load() {
		return HealthStatus{
			Status:    "unhealthy",
			Timestamp: p.clock.Now(),
			Message:   "command processor is closed",
		}
	}

	metrics := p.Metrics()
	status := "healthy"
	var notes []string

	// degraded if error rate > 5%
	calls := metrics.Sent + metrics.Published + metrics.Posted
	if metrics.Errors > 0 && calls > 0 {
		if float64(metrics.Errors)/float64(calls) > 0.05 {
			status = "degraded"
			notes = append(notes, "error rate above 5%")
		}
	}
	if p.mediator != nil {
		if limit := p.mediator.Config().MaxOutstanding; limit > 0 && metrics.Outstanding*10 >= limit*9 {
			status = "degraded"
			notes = append(notes, "outbox near its outstanding limit")
		}
		if tripped := p.mediator.TrippedTopics(); len(tripped) > 0 {
			status = "degraded"
			notes = append(notes, "tripped topics: "+strings.Join(tripped, ", "))
		}
	}

	return HealthStatus{
		Status:    status,
		Metrics:   metrics,
		Timestamp: p.clock.Now(),
		Message:   strings.Join(notes, "; "),
	}
}

// Close stops the sweeper, drains the observer pool and closes producers.
// It is safe to call more than once.
func (p *CommandProcessor) Close(ctx context.Context) error {
	var errs []error

	p.closeOnce.Do(func() {
		p.closed.Store(true)

		if p.sweeper != nil {
			p.sweeper.Stop()
		}

		drainCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := p.observerPool.Close(drainCtx); err != nil {
			p.logger.Warn().Err(err).Msg("xdispatch: observer pool did not drain")
			errs = append(errs, err)
		}
		cancel()

		if p.mediator != nil {
			if err := p.mediator.Producers().Close(ctx); err != nil {
				p.logger.Error().Err(err).Msg("xdispatch: producer close failed")
				errs = append(errs, err)
			}
		}
	})

	return errors.Join(errs...)
}

// AddObserver subscribes obs to lifecycle events and returns a func that
// unsubscribes it.
func (p *CommandProcessor) AddObserver(obs Observer) (remove func()) {
	return p.observerPool.Subscribe(obs)
}

// notifyAsync hands e to the observer pool without blocking.
func (p *CommandProcessor) notifyAsync(e LifecycleEvent) {
	if p.closed.Load() {
		return
	}
	p.observerPool.Notify(e)
}

// recordProcessingTime keeps an exponential moving average.
func (p *CommandProcessor) recordProcessingTime(ns int64) {
	const alpha = 0.2
	current := p.metrics.processingNs.Load()
	if current == 0 {
		p.metrics.processingNs.Store(ns)
		return
	}
	p.metrics.processingNs.Store(int64(float64(ns)*alpha + float64(current)*(1-alpha)))
}
