package xdispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Producer sends a message to a broker. Send returns once the broker has
// confirmed the message.
type Producer interface {
	Send(ctx context.Context, msg Message) error
	Close(ctx context.Context) error
}

// DelayedProducer can ask the broker to deliver a message later.
type DelayedProducer interface {
	Producer
	SendWithDelay(ctx context.Context, msg Message, delay time.Duration) error
}

// ProducerFactory constructs producers from a config blob.
type ProducerFactory func(cfg map[string]any) (Producer, error)

// ErrUnknownProducer is returned when no factory is registered under a name.
type ErrUnknownProducer struct{ name string }

func (e ErrUnknownProducer) Error() string { return fmt.Sprintf("producer %q not registered", e.name) }

var (
	producerFactoriesMu sync.RWMutex
	producerFactories   = map[string]ProducerFactory{}
)

// RegisterProducer registers a backend adapter.
func RegisterProducer(name string, factory ProducerFactory) error {
	if name == "" {
		return errors.New("producer name must not be empty")
	}
	if factory == nil {
		return errors.New("producer factory must not be nil")
	}
	producerFactoriesMu.Lock()
	producerFactories[name] = factory
	producerFactoriesMu.Unlock()
	return nil
}

// NewProducer constructs a producer by name with config.
func NewProducer(name string, cfg map[string]any) (Producer, error) {
	producerFactoriesMu.RLock()
	f, ok := producerFactories[name]
	producerFactoriesMu.RUnlock()
	if !ok {
		return nil, ErrUnknownProducer{name: name}
	}
	return f(cfg)
}

// ProducerRegistry routes topics to producers. A producer may serve many topics.
type ProducerRegistry struct {
	mu       sync.RWMutex
	byTopic  map[string]Producer
	fallback Producer
}

func NewProducerRegistry() *ProducerRegistry {
	return &ProducerRegistry{byTopic: make(map[string]Producer)}
}

// Register routes topic to p.
func (r *ProducerRegistry) Register(topic string, p Producer) error {
	if topic == "" {
		return errors.New("topic must not be empty")
	}
	if p == nil {
		return errors.New("producer must not be nil")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byTopic[topic]; ok {
		return fmt.Errorf("producer already registered for topic %q", topic)
	}
	r.byTopic[topic] = p
	return nil
}

// SetFallback routes every topic without its own producer to p.
func (r *ProducerRegistry) SetFallback(p Producer) {
	r.mu.Lock()
	r.fallback = p
	r.mu.Unlock()
}

// Lookup returns the producer for topic.
func (r *ProducerRegistry) Lookup(topic string) (Producer, error) {
	r.mu.RLock()
	p, ok := r.byTopic[topic]
	if !ok {
		p = r.fallback
	}
	r.mu.RUnlock()
	if p == nil {
		return nil, configError("", nil, fmt.Errorf("%w: %q", ErrNoProducer, topic))
	}
	return p, nil
}

// Topics returns the explicitly routed topics.
func (r *ProducerRegistry) Topics() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.byTopic))
	for t := range r.byTopic {
		out = append(out, t)
	}
	return out
}

// Close closes every distinct producer once, concurrently.
func (r *ProducerRegistry) Close(ctx context.Context) error {
	r.mu.RLock()
	seen := make(map[Producer]struct{}, len(r.byTopic)+1)
	list := make([]Producer, 0, len(r.byTopic)+1)
	for _, p := range r.byTopic {
		if _, ok := seen[p]; !ok {
			seen[p] = struct{}{}
			list = append(list, p)
		}
	}
	if r.fallback != nil {
		if _, ok := seen[r.fallback]; !ok {
			list = append(list, r.fallback)
		}
	}
	r.mu.RUnlock()

	var g errgroup.Group
	errs := make([]error, len(list))
	for i, p := range list {
		g.Go(func() error {
			errs[i] = p.Close(ctx)
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}
