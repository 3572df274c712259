package xdispatch

import (
	"fmt"
	"sync"
)

// Releaser is implemented by instances that hold per-call resources.
type Releaser interface {
	Release()
}

// SimpleHandlerFactory is a HandlerFactory over constructor functions keyed
// by kind. Release calls Release on instances implementing Releaser.
type SimpleHandlerFactory struct {
	mu    sync.RWMutex
	ctors map[string]func() (any, error)
}

func NewSimpleHandlerFactory() *SimpleHandlerFactory {
	return &SimpleHandlerFactory{ctors: make(map[string]func() (any, error))}
}

// Register sets the constructor for kind.
func (f *SimpleHandlerFactory) Register(kind string, ctor func() (any, error)) *SimpleHandlerFactory {
	f.mu.Lock()
	f.ctors[kind] = ctor
	f.mu.Unlock()
	return f
}

// RegisterHandler registers a constructor that cannot fail.
func (f *SimpleHandlerFactory) RegisterHandler(kind string, ctor func() Handler) *SimpleHandlerFactory {
	return f.Register(kind, func() (any, error) { return ctor(), nil })
}

// RegisterDecorator registers a decorator constructor that cannot fail.
func (f *SimpleHandlerFactory) RegisterDecorator(kind string, ctor func() Decorator) *SimpleHandlerFactory {
	return f.Register(kind, func() (any, error) { return ctor(), nil })
}

func (f *SimpleHandlerFactory) Create(kind string) (any, error) {
	f.mu.RLock()
	ctor, ok := f.ctors[kind]
	f.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no constructor for %q", kind)
	}
	return ctor()
}

func (f *SimpleHandlerFactory) Release(h any) {
	if r, ok := h.(Releaser); ok {
		r.Release()
	}
}
