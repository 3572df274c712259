package xdispatch

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
)

type nodeVariant uint8

const (
	targetNode nodeVariant = iota + 1
	decoratorNode
)

// node is one link of a handler chain. Exactly one of target and decorator
// is set, according to variant.
type node struct {
	name      string
	variant   nodeVariant
	target    Handler
	decorator Decorator
	successor *node
}

func (n *node) run(ctx context.Context, req Request) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	switch n.variant {
	case targetNode:
		if err := n.target.Handle(ctx, req); err != nil {
			return err
		}
		if n.successor == nil {
			return nil
		}
		return n.successor.run(ctx, req)
	case decoratorNode:
		return n.decorator.Handle(ctx, req, n.forward)
	default:
		return fmt.Errorf("node %q has no variant", n.name)
	}
}

func (n *node) forward(ctx context.Context, req Request) error {
	if n.successor == nil {
		return nil
	}
	return n.successor.run(ctx, req)
}

// Pipeline is a built handler chain for one target handler.
type Pipeline struct {
	HandlerKind string
	head        *node
}

// Run executes the chain from its head.
func (p *Pipeline) Run(ctx context.Context, req Request) error {
	err := p.head.run(ctx, req)
	if err == nil {
		return nil
	}
	var he *HandlerError
	if errors.As(err, &he) {
		return err
	}
	return &HandlerError{
		RequestID:   req.RequestID(),
		RequestType: typeName(TypeOf(req)),
		Handler:     p.HandlerKind,
		Err:         err,
	}
}

// Names returns the node names in execution order.
func (p *Pipeline) Names() []string {
	var out []string
	for n := p.head; n != nil; n = n.successor {
		out = append(out, n.name)
	}
	return out
}

// Lifetime tracks the factory-created instances of one call and hands them
// back to the factory exactly once, in chain order.
type Lifetime struct {
	factory  HandlerFactory
	mu       sync.Mutex
	tracked  []any
	released bool
}

func (l *Lifetime) track(h ...any) {
	l.mu.Lock()
	l.tracked = append(l.tracked, h...)
	l.mu.Unlock()
}

// Release returns every tracked instance to the factory. Later calls are no-ops.
func (l *Lifetime) Release() {
	if l == nil {
		return
	}
	l.mu.Lock()
	if l.released {
		l.mu.Unlock()
		return
	}
	l.released = true
	tracked := l.tracked
	l.tracked = nil
	l.mu.Unlock()

	for _, h := range tracked {
		func() {
			defer func() { _ = recover() }()
			l.factory.Release(h)
		}()
	}
}

// Len returns the number of instances awaiting release.
func (l *Lifetime) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.tracked)
}

// shape is the ordered descriptor list of one target handler.
type shape struct {
	handlerKind string
	before      []Descriptor // execution order
	after       []Descriptor // execution order
}

type shapeKey struct {
	requestType RequestType
	handlerKind string
	factoryKind string
}

// buildEnv is what built-in decorators may close over.
type buildEnv struct {
	req        Request
	targetKind string
	target     Handler
	logger     *xlog.Logger
	clock      xclock.Clock
	policies   *PolicyRegistry
	inbox      Inbox
	notify     func(LifecycleEvent)
}

// PipelineBuilder turns subscriber registrations into runnable chains.
// Shapes are cached; instances are created per call.
type PipelineBuilder struct {
	registry *SubscriberRegistry
	factory  HandlerFactory
	inbox    *InboxConfig
	logger   *xlog.Logger
	clock    xclock.Clock
	policies *PolicyRegistry
	notify   func(LifecycleEvent)

	shapes sync.Map // shapeKey -> *shape
}

// NewPipelineBuilder returns a builder over reg using factory for instances.
func NewPipelineBuilder(reg *SubscriberRegistry, factory HandlerFactory) *PipelineBuilder {
	return &PipelineBuilder{
		registry: reg,
		factory:  factory,
		logger:   xlog.Default(),
		clock:    xclock.Default(),
		policies: DefaultPolicies(),
	}
}

// WithInbox enables global once-only injection. Shapes cached by earlier
// builds are dropped.
func (pb *PipelineBuilder) WithInbox(cfg InboxConfig) *PipelineBuilder {
	pb.inbox = &cfg
	pb.shapes.Clear()
	return pb
}

func (pb *PipelineBuilder) WithLogger(l *xlog.Logger) *PipelineBuilder {
	if l != nil {
		pb.logger = l
	}
	return pb
}

func (pb *PipelineBuilder) WithClock(c xclock.Clock) *PipelineBuilder {
	if c != nil {
		pb.clock = c
	}
	return pb
}

func (pb *PipelineBuilder) WithPolicies(p *PolicyRegistry) *PipelineBuilder {
	if p != nil {
		pb.policies = p
	}
	return pb
}

func (pb *PipelineBuilder) withNotify(fn func(LifecycleEvent)) *PipelineBuilder {
	pb.notify = fn
	return pb
}

// Build returns one pipeline per target handler registered for the request's
// type, in registration order, plus the Lifetime owning their instances.
// The caller must Release the Lifetime when the call ends. On error nothing
// is left to release.
func (pb *PipelineBuilder) Build(ctx context.Context, req Request) ([]*Pipeline, *Lifetime, error) {
	if req == nil {
		return nil, nil, ErrNilRequest
	}
	t := TypeOf(req)
	regs := pb.registry.lookup(t)
	if len(regs) == 0 {
		return nil, &Lifetime{factory: pb.factory}, nil
	}
	if pb.factory == nil {
		return nil, nil, configError("", t, ErrNoHandlerFactory)
	}

	lt := &Lifetime{factory: pb.factory}
	pipes := make([]*Pipeline, 0, len(regs))
	for _, reg := range regs {
		if err := ctx.Err(); err != nil {
			lt.Release()
			return nil, nil, err
		}
		sh := pb.shapeFor(t, req.RequestKind(), reg)
		p, err := pb.assemble(ctx, req, sh, lt)
		if err != nil {
			lt.Release()
			return nil, nil, err
		}
		pipes = append(pipes, p)
	}
	return pipes, lt, nil
}

func (pb *PipelineBuilder) shapeFor(t RequestType, kind Kind, reg registration) *shape {
	key := shapeKey{requestType: t, handlerKind: reg.handlerKind, factoryKind: fmt.Sprintf("%T", pb.factory)}
	if v, ok := pb.shapes.Load(key); ok {
		return v.(*shape)
	}

	var (
		before, after []Descriptor
		inbox         *Descriptor
		optOut        bool
	)
	for _, d := range reg.descriptors {
		switch {
		case d.noInbox:
			optOut = true
		case d.inbox != nil:
			inbox = &d
		case d.Timing == After:
			after = append(after, d)
		default:
			before = append(before, d)
		}
	}

	byStepDesc := func(a, b Descriptor) int { return cmp.Compare(b.Step, a.Step) }
	slices.SortStableFunc(before, byStepDesc)
	slices.SortStableFunc(after, byStepDesc)

	// Before steps are prepended one by one so the lowest step becomes the head.
	chain := make([]Descriptor, 0, len(before)+1)
	for _, d := range before {
		chain = slices.Insert(chain, 0, d)
	}

	switch {
	case inbox != nil:
		chain = append(chain, pb.resolveInbox(*inbox.inbox))
	case !optOut && pb.inbox != nil && pb.inbox.covers(kind):
		chain = append(chain, pb.resolveInbox(InboxOptions{
			OnceOnly:       pb.inbox.OnceOnly,
			ActionOnExists: pb.inbox.ActionOnExists,
		}))
	}

	sh := &shape{handlerKind: reg.handlerKind, before: chain, after: after}
	actual, _ := pb.shapes.LoadOrStore(key, sh)
	return actual.(*shape)
}

func (pb *PipelineBuilder) resolveInbox(opts InboxOptions) Descriptor {
	if opts.ContextKey == "" && pb.inbox != nil {
		opts.ContextKey = pb.inbox.ContextKey
	}
	return inboxDescriptor(opts)
}

func (pb *PipelineBuilder) assemble(ctx context.Context, req Request, sh *shape, lt *Lifetime) (*Pipeline, error) {
	t := TypeOf(req)

	raw, err := pb.create(sh.handlerKind, t)
	if err != nil {
		return nil, err
	}
	target, ok := raw.(Handler)
	if !ok {
		pb.factory.Release(raw)
		return nil, configError(sh.handlerKind, t, fmt.Errorf("%w: %T is not a Handler", ErrInvalidHandler, raw))
	}

	env := &buildEnv{
		req:        req,
		targetKind: sh.handlerKind,
		target:     target,
		logger:     pb.logger,
		clock:      pb.clock,
		policies:   pb.policies,
		notify:     pb.notify,
	}
	if rc, ok := RequestContextFrom(ctx); ok && rc.Policies() != nil {
		env.policies = rc.Policies()
	}
	if pb.inbox != nil {
		env.inbox = pb.inbox.Inbox
	}

	// created holds factory-made instances by chain position so they are
	// released in chain order.
	order := make([]*node, 0, len(sh.before)+1+len(sh.after))
	created := make([]any, 0, cap(order))
	targetTracked := false
	fail := func(inst any, err error) (*Pipeline, error) {
		if inst != nil {
			created = append(created, inst)
		}
		if !targetTracked {
			created = append(created, target)
		}
		lt.track(created...)
		return nil, err
	}

	for _, d := range sh.before {
		n, inst, err := pb.decorator(d, env)
		if err != nil {
			return fail(inst, err)
		}
		order = append(order, n)
		if inst != nil {
			created = append(created, inst)
		}
	}
	order = append(order, &node{name: sh.handlerKind, variant: targetNode, target: target})
	created = append(created, target)
	targetTracked = true
	for _, d := range sh.after {
		n, inst, err := pb.decorator(d, env)
		if err != nil {
			return fail(inst, err)
		}
		order = append(order, n)
		if inst != nil {
			created = append(created, inst)
		}
	}

	for i := len(order) - 2; i >= 0; i-- {
		order[i].successor = order[i+1]
	}
	lt.track(created...)
	return &Pipeline{HandlerKind: sh.handlerKind, head: order[0]}, nil
}

// decorator creates the node for d. inst is non-nil when the factory made it.
func (pb *PipelineBuilder) decorator(d Descriptor, env *buildEnv) (*node, any, error) {
	t := TypeOf(env.req)
	if d.builtin != nil {
		dec, err := d.builtin(env)
		if err != nil {
			return nil, nil, configError(d.Name, t, err)
		}
		return &node{name: d.Name, variant: decoratorNode, decorator: dec}, nil, nil
	}

	raw, err := pb.create(d.Kind, t)
	if err != nil {
		return nil, nil, err
	}
	dec, ok := raw.(Decorator)
	if !ok {
		pb.factory.Release(raw)
		return nil, nil, configError(d.Kind, t, fmt.Errorf("%w: %T is not a Decorator", ErrInvalidHandler, raw))
	}
	if in, ok := raw.(Initializer); ok {
		if err := in.Init(d.Params...); err != nil {
			return nil, raw, configError(d.Kind, t, err)
		}
	}
	return &node{name: d.Name, variant: decoratorNode, decorator: dec}, raw, nil
}

func (pb *PipelineBuilder) create(kind string, t RequestType) (h any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = configError(kind, t, fmt.Errorf("factory panic: %v", r))
		}
	}()
	h, err = pb.factory.Create(kind)
	if err != nil {
		return nil, configError(kind, t, err)
	}
	if h == nil {
		return nil, configError(kind, t, fmt.Errorf("%w: factory returned nil", ErrInvalidHandler))
	}
	return h, nil
}
