package xdispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type placeOrder struct {
	Command
	OrderID string `json:"order_id"`
}

type orderPlaced struct {
	Event
	OrderID string `json:"order_id"`
}

// trace records the order in which chain nodes run and are released.
type trace struct {
	mu    sync.Mutex
	steps []string
}

func (t *trace) add(s string) {
	t.mu.Lock()
	t.steps = append(t.steps, s)
	t.mu.Unlock()
}

func (t *trace) list() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.steps...)
}

type traceDecorator struct {
	name   string
	tr     *trace
	params []any
}

func (d *traceDecorator) Handle(ctx context.Context, req Request, next Next) error {
	d.tr.add(d.name)
	return next(ctx, req)
}

func (d *traceDecorator) Init(params ...any) error {
	for _, p := range params {
		if p == "bad" {
			return errors.New("bad param")
		}
	}
	d.params = params
	return nil
}

type traceHandler struct {
	name string
	tr   *trace
	err  error
}

func (h *traceHandler) Handle(ctx context.Context, req Request) error {
	h.tr.add(h.name)
	return h.err
}

// testFactory builds trace nodes by kind and records releases by name.
type testFactory struct {
	tr       *trace
	mu       sync.Mutex
	errs     map[string]error
	created  []any
	released []string
}

func newTestFactory(tr *trace) *testFactory {
	return &testFactory{tr: tr, errs: map[string]error{}}
}

func (f *testFactory) Create(kind string) (any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var h any
	switch {
	case kind == "not-a-handler":
		h = struct{ Name string }{kind}
	case kind == "nil":
		return nil, nil
	case kind == "panics":
		panic("constructor exploded")
	case len(kind) > 7 && kind[:7] == "target:":
		h = &traceHandler{name: kind[7:], tr: f.tr, err: f.errs[kind[7:]]}
	default:
		h = &traceDecorator{name: kind, tr: f.tr}
	}
	f.created = append(f.created, h)
	return h, nil
}

func (f *testFactory) Release(h any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch v := h.(type) {
	case *traceHandler:
		f.released = append(f.released, v.name)
	case *traceDecorator:
		f.released = append(f.released, v.name)
	default:
		f.released = append(f.released, fmt.Sprintf("%v", v))
	}
}

func (f *testFactory) releasedNames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.released...)
}

func TestPipeline_BeforeStepsAscendingThenTargetThenAfter(t *testing.T) {
	tr := &trace{}
	f := newTestFactory(tr)
	reg := NewSubscriberRegistry()
	require.NoError(t, Register[placeOrder](reg, "target:place",
		Decorate("A", 2, Before),
		Decorate("B", 1, Before),
		Decorate("C", 1, After),
	))

	pb := NewPipelineBuilder(reg, f)
	pipes, lt, err := pb.Build(context.Background(), placeOrder{Command: NewCommand()})
	require.NoError(t, err)
	require.Len(t, pipes, 1)
	assert.Equal(t, []string{"B", "A", "target:place", "C"}, pipes[0].Names())
	assert.Equal(t, "target:place", pipes[0].HandlerKind)

	require.NoError(t, pipes[0].Run(context.Background(), placeOrder{Command: NewCommand()}))
	assert.Equal(t, []string{"B", "A", "place", "C"}, tr.list())

	assert.Equal(t, 4, lt.Len())
	lt.Release()
	lt.Release()
	assert.Equal(t, []string{"B", "A", "place", "C"}, f.releasedNames())
}

func TestPipeline_AfterStepsDescending(t *testing.T) {
	tr := &trace{}
	reg := NewSubscriberRegistry()
	require.NoError(t, Register[placeOrder](reg, "target:place",
		Decorate("low", 1, After),
		Decorate("high", 5, After),
	))

	pipes, lt, err := NewPipelineBuilder(reg, newTestFactory(tr)).Build(context.Background(), placeOrder{Command: NewCommand()})
	require.NoError(t, err)
	defer lt.Release()
	assert.Equal(t, []string{"target:place", "high", "low"}, pipes[0].Names())
}

func TestPipeline_TargetFailureSkipsAfterAndWraps(t *testing.T) {
	tr := &trace{}
	f := newTestFactory(tr)
	boom := errors.New("boom")
	f.errs["place"] = boom

	reg := NewSubscriberRegistry()
	require.NoError(t, Register[placeOrder](reg, "target:place",
		Decorate("B", 1, Before),
		Decorate("C", 1, After),
	))
	pipes, lt, err := NewPipelineBuilder(reg, f).Build(context.Background(), placeOrder{Command: NewCommand()})
	require.NoError(t, err)
	defer lt.Release()

	cmd := placeOrder{Command: NewCommand()}
	err = pipes[0].Run(context.Background(), cmd)
	require.ErrorIs(t, err, boom)

	var he *HandlerError
	require.ErrorAs(t, err, &he)
	assert.Equal(t, cmd.ID, he.RequestID)
	assert.Equal(t, "target:place", he.Handler)
	assert.Equal(t, []string{"B", "place"}, tr.list())
}

func TestPipeline_OneChainPerHandlerInRegistrationOrder(t *testing.T) {
	tr := &trace{}
	reg := NewSubscriberRegistry()
	require.NoError(t, Register[orderPlaced](reg, "target:bill"))
	require.NoError(t, Register[orderPlaced](reg, "target:ship"))
	require.Error(t, Register[orderPlaced](reg, "target:ship"))

	pipes, lt, err := NewPipelineBuilder(reg, newTestFactory(tr)).Build(context.Background(), orderPlaced{Event: NewEvent()})
	require.NoError(t, err)
	defer lt.Release()
	require.Len(t, pipes, 2)
	assert.Equal(t, "target:bill", pipes[0].HandlerKind)
	assert.Equal(t, "target:ship", pipes[1].HandlerKind)
}

func TestPipeline_NoRegistrationsBuildsNothing(t *testing.T) {
	pipes, lt, err := NewPipelineBuilder(NewSubscriberRegistry(), nil).Build(context.Background(), orderPlaced{Event: NewEvent()})
	require.NoError(t, err)
	assert.Empty(t, pipes)
	assert.Equal(t, 0, lt.Len())
}

func TestPipeline_ConfigurationErrors(t *testing.T) {
	tests := []struct {
		name    string
		kind    string
		descs   []Descriptor
		factory bool
		target  error
	}{
		{name: "no factory", kind: "target:place", factory: false, target: ErrNoHandlerFactory},
		{name: "target is not a handler", kind: "not-a-handler", factory: true, target: ErrInvalidHandler},
		{name: "factory returns nil", kind: "nil", factory: true, target: ErrInvalidHandler},
		{name: "decorator is not a decorator", kind: "target:place", descs: []Descriptor{Decorate("target:other", 1, Before)}, factory: true, target: ErrInvalidHandler},
		{name: "decorator init fails", kind: "target:place", descs: []Descriptor{Decorate("A", 1, Before, "bad")}, factory: true},
		{name: "factory panics", kind: "panics", factory: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg := NewSubscriberRegistry()
			require.NoError(t, Register[placeOrder](reg, tt.kind, tt.descs...))
			var f HandlerFactory
			if tt.factory {
				f = newTestFactory(&trace{})
			}

			pipes, lt, err := NewPipelineBuilder(reg, f).Build(context.Background(), placeOrder{Command: NewCommand()})
			require.Error(t, err)
			assert.Nil(t, pipes)
			assert.Nil(t, lt)
			assert.True(t, IsConfigurationError(err), "got %v", err)
			if tt.target != nil {
				assert.ErrorIs(t, err, tt.target)
			}
		})
	}
}

func TestPipeline_FailedBuildReleasesCreatedInstances(t *testing.T) {
	f := newTestFactory(&trace{})
	reg := NewSubscriberRegistry()
	require.NoError(t, Register[placeOrder](reg, "target:place",
		Decorate("A", 1, Before),
		Decorate("B", 2, Before, "bad"),
	))

	_, _, err := NewPipelineBuilder(reg, f).Build(context.Background(), placeOrder{Command: NewCommand()})
	require.Error(t, err)
	assert.ElementsMatch(t, []string{"A", "B", "place"}, f.releasedNames())
}

func TestPipeline_InitializerReceivesParams(t *testing.T) {
	f := newTestFactory(&trace{})
	reg := NewSubscriberRegistry()
	require.NoError(t, Register[placeOrder](reg, "target:place", Decorate("A", 1, Before, "x", 2)))

	_, lt, err := NewPipelineBuilder(reg, f).Build(context.Background(), placeOrder{Command: NewCommand()})
	require.NoError(t, err)
	defer lt.Release()

	var dec *traceDecorator
	for _, h := range f.created {
		if d, ok := h.(*traceDecorator); ok {
			dec = d
		}
	}
	require.NotNil(t, dec)
	assert.Equal(t, []any{"x", 2}, dec.params)
}

func TestPipeline_CancelledContextStopsChain(t *testing.T) {
	tr := &trace{}
	reg := NewSubscriberRegistry()
	require.NoError(t, Register[placeOrder](reg, "target:place", Decorate("A", 1, Before)))
	pipes, lt, err := NewPipelineBuilder(reg, newTestFactory(tr)).Build(context.Background(), placeOrder{Command: NewCommand()})
	require.NoError(t, err)
	defer lt.Release()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = pipes[0].Run(ctx, placeOrder{Command: NewCommand()})
	require.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, tr.list())
}

func shapeCount(pb *PipelineBuilder) int {
	n := 0
	pb.shapes.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

func TestPipeline_ShapeCachedInstancesFresh(t *testing.T) {
	tr := &trace{}
	f := newTestFactory(tr)
	reg := NewSubscriberRegistry()
	require.NoError(t, Register[placeOrder](reg, "target:place",
		Decorate("A", 1, Before),
		Decorate("C", 1, After),
	))
	pb := NewPipelineBuilder(reg, f)
	ctx := context.Background()

	first, lt1, err := pb.Build(ctx, placeOrder{Command: NewCommand()})
	require.NoError(t, err)
	defer lt1.Release()
	key := shapeKey{requestType: TypeOf(placeOrder{}), handlerKind: "target:place", factoryKind: fmt.Sprintf("%T", f)}
	cached, ok := pb.shapes.Load(key)
	require.True(t, ok)

	second, lt2, err := pb.Build(ctx, placeOrder{Command: NewCommand()})
	require.NoError(t, err)
	defer lt2.Release()

	again, ok := pb.shapes.Load(key)
	require.True(t, ok)
	assert.Same(t, cached.(*shape), again.(*shape))
	assert.Equal(t, 1, shapeCount(pb))
	assert.Equal(t, first[0].Names(), second[0].Names())

	f.mu.Lock()
	created := append([]any(nil), f.created...)
	f.mu.Unlock()
	require.Len(t, created, 6)
	for _, a := range created[:3] {
		for _, b := range created[3:] {
			assert.NotSame(t, a, b)
		}
	}
	assert.NotSame(t, first[0].head, second[0].head)
}

func TestPipeline_WithInboxDropsCachedShapes(t *testing.T) {
	reg := NewSubscriberRegistry()
	require.NoError(t, Register[placeOrder](reg, "target:place"))
	pb := NewPipelineBuilder(reg, newTestFactory(&trace{}))
	ctx := context.Background()

	pipes, lt, err := pb.Build(ctx, placeOrder{Command: NewCommand()})
	require.NoError(t, err)
	lt.Release()
	assert.Equal(t, []string{"target:place"}, pipes[0].Names())

	pb.WithInbox(InboxConfig{Inbox: newMapInbox()})
	assert.Equal(t, 0, shapeCount(pb))

	pipes, lt, err = pb.Build(ctx, placeOrder{Command: NewCommand()})
	require.NoError(t, err)
	defer lt.Release()
	assert.Equal(t, []string{"inbox", "target:place"}, pipes[0].Names())
}

func TestSubscriberRegistry_RejectsInvalidDescriptors(t *testing.T) {
	reg := NewSubscriberRegistry()
	assert.Error(t, Register[placeOrder](reg, ""))
	assert.Error(t, Register[placeOrder](reg, "h", Descriptor{Name: "x", Timing: Before}))
	assert.Error(t, Register[placeOrder](reg, "h", Descriptor{Name: "x", Kind: "x"}))
	assert.Equal(t, 0, reg.Count(TypeFor[placeOrder]()))
}
