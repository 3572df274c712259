package xdispatch

import (
	"errors"
	"fmt"
	"sync"
)

// Timing places a decorator before or after the target handler.
type Timing uint8

const (
	Before Timing = iota + 1
	After
)

func (t Timing) String() string {
	switch t {
	case Before:
		return "before"
	case After:
		return "after"
	default:
		return "unknown"
	}
}

// Descriptor declares one decorator of a target handler's pipeline.
// Descriptors are read only when a pipeline shape is first built.
type Descriptor struct {
	Name   string
	Step   int
	Timing Timing
	// Kind is passed to HandlerFactory.Create.
	Kind string
	// Params are handed to decorators implementing Initializer.
	Params []any

	builtin func(env *buildEnv) (Decorator, error)
	inbox   *InboxOptions
	noInbox bool
}

// Decorate declares a factory-created decorator.
func Decorate(kind string, step int, timing Timing, params ...any) Descriptor {
	return Descriptor{Name: kind, Step: step, Timing: timing, Kind: kind, Params: params}
}

type registration struct {
	handlerKind string
	descriptors []Descriptor
}

// SubscriberRegistry maps request types to the target handlers registered
// for them, in registration order.
type SubscriberRegistry struct {
	mu   sync.RWMutex
	subs map[RequestType][]registration
}

// NewSubscriberRegistry returns an empty registry.
func NewSubscriberRegistry() *SubscriberRegistry {
	return &SubscriberRegistry{subs: make(map[RequestType][]registration)}
}

// Register adds handlerKind as a target for requests of type T.
func Register[T Request](reg *SubscriberRegistry, handlerKind string, descs ...Descriptor) error {
	return reg.Add(TypeFor[T](), handlerKind, descs...)
}

// Add adds handlerKind as a target for t with its decorator table.
// Registering the same handler kind twice for one request type is an error.
func (r *SubscriberRegistry) Add(t RequestType, handlerKind string, descs ...Descriptor) error {
	if t == nil {
		return errors.New("request type must not be nil")
	}
	if handlerKind == "" {
		return errors.New("handler kind must not be empty")
	}
	for _, d := range descs {
		if d.builtin == nil && d.inbox == nil && !d.noInbox && d.Kind == "" {
			return fmt.Errorf("descriptor %q for handler %q has no kind", d.Name, handlerKind)
		}
		if d.Timing != Before && d.Timing != After {
			return fmt.Errorf("descriptor %q for handler %q has invalid timing", d.Name, handlerKind)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.subs[t] {
		if existing.handlerKind == handlerKind {
			return fmt.Errorf("handler %q already registered for %s", handlerKind, typeName(t))
		}
	}
	r.subs[t] = append(r.subs[t], registration{
		handlerKind: handlerKind,
		descriptors: append([]Descriptor(nil), descs...),
	})
	return nil
}

// Count returns the number of target handlers registered for t.
func (r *SubscriberRegistry) Count(t RequestType) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs[t])
}

// HandlerKinds returns the handler kinds registered for t.
func (r *SubscriberRegistry) HandlerKinds(t RequestType) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.subs[t]))
	for _, s := range r.subs[t] {
		out = append(out, s.handlerKind)
	}
	return out
}

func (r *SubscriberRegistry) lookup(t RequestType) []registration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]registration(nil), r.subs[t]...)
}
