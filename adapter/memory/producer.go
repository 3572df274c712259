package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/trickstertwo/xdispatch"
)

const ProducerName = "memory"

func init() {
	err := xdispatch.RegisterProducer(ProducerName, func(cfg map[string]any) (xdispatch.Producer, error) {
		return NewProducer(ConfigFromMap(cfg)), nil
	})
	if err != nil {
		panic(fmt.Errorf("xdispatch/memory: register producer: %w", err))
	}
}

var errClosed = errors.New("memory producer is closed")

// Handler consumes messages delivered by the memory producer. Returning an
// error queues the message for its group again.
type Handler func(ctx context.Context, msg xdispatch.Message) error

// Producer is an in-process xdispatch.DelayedProducer for tests and local
// runs. A message sent to a topic is queued once per subscribed group and
// the workers of a group share its queue.
type Producer struct {
	cfg Config

	mu     sync.RWMutex
	groups map[string][]*group // by topic, in subscribe order
	fail   error
	sent   []xdispatch.Message
	closed bool

	stats counters
}

type counters struct {
	sent, delayed, consumed, acked, nacked, redelivered, sendErrors atomic.Uint64
}

type group struct {
	name  string
	queue chan xdispatch.Message
}

var _ xdispatch.DelayedProducer = (*Producer)(nil)

func NewProducer(cfg Config) *Producer {
	cfg.BufferSize = max(1, cfg.BufferSize)
	cfg.Concurrency = max(1, cfg.Concurrency)
	return &Producer{cfg: cfg, groups: make(map[string][]*group)}
}

// SetError makes every following Send fail with err. Pass nil to reset.
func (p *Producer) SetError(err error) {
	p.mu.Lock()
	p.fail = err
	p.mu.Unlock()
}

// Send queues msg for every group subscribed to its topic. Without
// subscribers the message is only recorded.
func (p *Producer) Send(ctx context.Context, msg xdispatch.Message) error {
	p.mu.RLock()
	closed, fail, targets := p.closed, p.fail, p.groups[msg.Topic()]
	p.mu.RUnlock()
	switch {
	case closed:
		return errClosed
	case fail != nil:
		p.stats.sendErrors.Add(1)
		return fail
	}

	for _, g := range targets {
		select {
		case g.queue <- msg:
		case <-ctx.Done():
			p.stats.sendErrors.Add(1)
			return ctx.Err()
		}
	}

	if p.cfg.Record {
		p.mu.Lock()
		p.sent = append(p.sent, msg)
		p.mu.Unlock()
	}
	p.stats.sent.Add(1)
	return nil
}

// SendWithDelay sends msg once delay has passed. The error of that later
// Send is lost; the outbox keeps the message outstanding until it is
// confirmed another way.
func (p *Producer) SendWithDelay(ctx context.Context, msg xdispatch.Message, delay time.Duration) error {
	if delay <= 0 {
		return p.Send(ctx, msg)
	}
	p.mu.RLock()
	closed := p.closed
	p.mu.RUnlock()
	if closed {
		return errClosed
	}
	p.stats.delayed.Add(1)
	time.AfterFunc(delay, func() { _ = p.Send(context.Background(), msg) })
	return nil
}

// Sent returns the recorded messages in send order.
func (p *Producer) Sent() []xdispatch.Message {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]xdispatch.Message(nil), p.sent...)
}

// Subscribe starts Concurrency workers consuming topic for group. They stop
// when ctx is done or the returned func is called.
func (p *Producer) Subscribe(ctx context.Context, topic, group string, handler Handler) (stop func() error, err error) {
	if topic == "" || group == "" || handler == nil {
		return nil, errors.New("memory: topic, group and handler are required")
	}
	g, err := p.join(topic, group)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	for range p.cfg.Concurrency {
		wg.Go(func() { p.consume(ctx, g, handler) })
	}
	var once sync.Once
	return func() error {
		once.Do(func() {
			cancel()
			wg.Wait()
		})
		return nil
	}, nil
}

func (p *Producer) join(topic, name string) (*group, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, errClosed
	}
	for _, g := range p.groups[topic] {
		if g.name == name {
			return g, nil
		}
	}
	g := &group{name: name, queue: make(chan xdispatch.Message, p.cfg.BufferSize)}
	p.groups[topic] = append(p.groups[topic], g)
	return g, nil
}

func (p *Producer) consume(ctx context.Context, g *group, handler Handler) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-g.queue:
			p.stats.consumed.Add(1)
			if err := handler(ctx, msg); err != nil {
				p.stats.nacked.Add(1)
				p.requeue(ctx, g, msg)
				continue
			}
			p.stats.acked.Add(1)
		}
	}
}

func (p *Producer) requeue(ctx context.Context, g *group, msg xdispatch.Message) {
	p.stats.redelivered.Add(1)
	put := func() {
		select {
		case g.queue <- msg:
		case <-ctx.Done():
		}
	}
	if p.cfg.RedeliveryDelay <= 0 {
		put()
		return
	}
	time.AfterFunc(p.cfg.RedeliveryDelay, put)
}

// Close drops all subscriptions. Later sends fail; a second Close is a no-op.
func (p *Producer) Close(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.closed = true
		p.groups = make(map[string][]*group)
	}
	return nil
}

// Stats counts producer and consumer activity.
type Stats struct {
	Sent        uint64
	Delayed     uint64
	Consumed    uint64
	Acked       uint64
	Nacked      uint64
	Redelivered uint64
	SendErrors  uint64
}

func (p *Producer) Stats() Stats {
	return Stats{
		Sent:        p.stats.sent.Load(),
		Delayed:     p.stats.delayed.Load(),
		Consumed:    p.stats.consumed.Load(),
		Acked:       p.stats.acked.Load(),
		Nacked:      p.stats.nacked.Load(),
		Redelivered: p.stats.redelivered.Load(),
		SendErrors:  p.stats.sendErrors.Load(),
	}
}
