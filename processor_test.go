package xdispatch_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trickstertwo/xdispatch"
	"github.com/trickstertwo/xdispatch/adapter/memory"
)

type orderPlaced struct {
	xdispatch.Event
	OrderID string `json:"order_id"`
}

type shipOrder struct {
	xdispatch.Command
	OrderID string `json:"order_id"`
}

type sendReminder struct {
	xdispatch.Command
	UserID string `json:"user_id"`
}

// received collects requests reaching the test handlers.
type received struct {
	mu   sync.Mutex
	reqs []xdispatch.Request
}

func (r *received) add(req xdispatch.Request) {
	r.mu.Lock()
	r.reqs = append(r.reqs, req)
	r.mu.Unlock()
}

func (r *received) all() []xdispatch.Request {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]xdispatch.Request(nil), r.reqs...)
}

type fixture struct {
	proc   *xdispatch.CommandProcessor
	prod   *memory.Producer
	outbox *memory.Outbox
	got    *received
}

// singleShotPolicies disables retries around Post so failures surface at once.
func singleShotPolicies() *xdispatch.PolicyRegistry {
	r := xdispatch.NewPolicyRegistry()
	_ = r.Register(xdispatch.PolicyRetry, xdispatch.NewRetryPolicy(xdispatch.RetryConfig{MaxAttempts: 1}))
	cb := xdispatch.DefaultBreakerConfig(xdispatch.PolicyCircuitBreaker)
	cb.ConsecutiveFailures = 100
	_ = r.Register(xdispatch.PolicyCircuitBreaker, xdispatch.NewCircuitBreakerPolicy(cb))
	return r
}

func newFixture(t *testing.T, mcfg xdispatch.MediatorConfig, opts ...memory.Option) fixture {
	t.Helper()
	got := &received{}

	reg := xdispatch.NewSubscriberRegistry()
	require.NoError(t, xdispatch.Register[orderPlaced](reg, "bill"))
	require.NoError(t, xdispatch.Register[shipOrder](reg, "ship"))
	record := func() xdispatch.Handler {
		return xdispatch.HandlerFunc(func(ctx context.Context, req xdispatch.Request) error {
			got.add(req)
			return nil
		})
	}
	factory := xdispatch.NewSimpleHandlerFactory().
		RegisterHandler("bill", record).
		RegisterHandler("ship", record)

	mappers := xdispatch.NewMapperRegistry()
	require.NoError(t, xdispatch.RegisterMapper[orderPlaced](mappers, "orders", xdispatch.NewJSONMapper[orderPlaced]("orders")))
	require.NoError(t, xdispatch.RegisterMapper[shipOrder](mappers, "shipping", xdispatch.NewJSONMapper[shipOrder]("shipping")))
	reminders := xdispatch.NewJSONMapper[sendReminder]("reminders")
	reminders.Bag = map[string]string{xdispatch.BagDelay: "20ms"}
	require.NoError(t, xdispatch.RegisterMapper[sendReminder](mappers, "reminders", reminders))

	all := append([]memory.Option{
		memory.WithRegistry(reg),
		memory.WithHandlerFactory(factory),
		memory.WithMappers(mappers),
		memory.WithPolicies(singleShotPolicies()),
		memory.WithMediatorConfig(mcfg),
	}, opts...)
	proc := memory.Use(memory.Config{BufferSize: 64, Concurrency: 1, Record: true}, all...)
	t.Cleanup(func() { _ = proc.Close(context.Background()) })

	prod, ok := memory.ProducerOf(proc, "orders")
	require.True(t, ok)
	outbox, ok := proc.Mediator().Outbox().(*memory.Outbox)
	require.True(t, ok)
	return fixture{proc: proc, prod: prod, outbox: outbox, got: got}
}

func testMediatorConfig() xdispatch.MediatorConfig {
	cfg := xdispatch.DefaultMediatorConfig()
	cfg.MinimumAge = 0
	return cfg
}

func TestPost_DepositsAndDispatches(t *testing.T) {
	f := newFixture(t, testMediatorConfig())
	ctx := context.Background()

	evt := orderPlaced{Event: xdispatch.NewEvent(), OrderID: "o-1"}
	require.NoError(t, f.proc.Post(ctx, evt))

	sent := f.prod.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, evt.ID, sent[0].ID())
	assert.Equal(t, "orders", sent[0].Topic())
	assert.Equal(t, 1, sent[0].Header.HandledCount)

	rec, err := f.outbox.Get(ctx, evt.ID)
	require.NoError(t, err)
	assert.True(t, rec.Dispatched)
	require.NotNil(t, rec.DispatchedAt)

	m := f.proc.Metrics()
	assert.Equal(t, uint64(1), m.Posted)
	assert.Equal(t, uint64(1), m.Deposited)
	assert.Equal(t, uint64(1), m.Dispatched)
	assert.Equal(t, 0, m.Outstanding)
}

func TestDepositPost_IsIdempotentAndClearDispatchesOnce(t *testing.T) {
	f := newFixture(t, testMediatorConfig())
	ctx := context.Background()

	evt := orderPlaced{Event: xdispatch.NewEvent(), OrderID: "o-2"}
	id1, err := f.proc.DepositPost(ctx, evt)
	require.NoError(t, err)
	id2, err := f.proc.DepositPost(ctx, evt)
	require.NoError(t, err)
	assert.Equal(t, evt.ID, id1)
	assert.Equal(t, id1, id2)
	assert.Equal(t, 1, f.outbox.Len())
	assert.Empty(t, f.prod.Sent())

	require.NoError(t, f.proc.ClearOutbox(ctx, id1))
	require.NoError(t, f.proc.ClearOutbox(ctx, id1))
	assert.Len(t, f.prod.Sent(), 1)

	n, err := f.outbox.OutstandingCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestDepositPostBatch_ThenClear(t *testing.T) {
	f := newFixture(t, testMediatorConfig())
	ctx := context.Background()

	ids, err := f.proc.DepositPostBatch(ctx,
		orderPlaced{Event: xdispatch.NewEvent(), OrderID: "o-3"},
		shipOrder{Command: xdispatch.NewCommand(), OrderID: "o-3"},
	)
	require.NoError(t, err)
	require.Len(t, ids, 2)
	assert.Equal(t, 2, f.outbox.Len())

	require.NoError(t, f.proc.ClearOutbox(ctx, ids...))
	sent := f.prod.Sent()
	require.Len(t, sent, 2)
	assert.Equal(t, "orders", sent[0].Topic())
	assert.Equal(t, "shipping", sent[1].Topic())
}

func TestClearOutbox_UnknownIDFails(t *testing.T) {
	f := newFixture(t, testMediatorConfig())
	err := f.proc.ClearOutbox(context.Background(), "missing")
	require.ErrorIs(t, err, xdispatch.ErrMessageNotFound)
}

func TestDeposit_RejectsOverOutstandingLimit(t *testing.T) {
	cfg := testMediatorConfig()
	cfg.MaxOutstanding = 2
	f := newFixture(t, cfg)
	ctx := context.Background()

	first, err := f.proc.DepositPost(ctx, orderPlaced{Event: xdispatch.NewEvent()})
	require.NoError(t, err)
	_, err = f.proc.DepositPost(ctx, orderPlaced{Event: xdispatch.NewEvent()})
	require.NoError(t, err)

	third := orderPlaced{Event: xdispatch.NewEvent()}
	_, err = f.proc.DepositPost(ctx, third)
	require.ErrorIs(t, err, xdispatch.ErrOutboxLimitReached)
	var rle *xdispatch.ResourceLimitError
	require.ErrorAs(t, err, &rle)
	assert.Equal(t, third.ID, rle.MessageID)
	assert.Equal(t, 2, rle.Limit)
	assert.Equal(t, 2, f.outbox.Len())

	h := f.proc.Health(ctx)
	assert.Equal(t, "degraded", h.Status)
	assert.Contains(t, h.Message, "outstanding limit")

	// dispatching frees a slot
	require.NoError(t, f.proc.ClearOutbox(ctx, first))
	_, err = f.proc.DepositPost(ctx, third)
	require.NoError(t, err)
}

func TestDeposit_RepeatedIDDoesNotCountAgainstLimit(t *testing.T) {
	cfg := testMediatorConfig()
	cfg.MaxOutstanding = 2
	cfg.OutstandingCheckInterval = time.Hour
	f := newFixture(t, cfg)
	ctx := context.Background()
	m := f.proc.Mediator()

	evt := orderPlaced{Event: xdispatch.NewEvent()}
	for range 3 {
		_, err := f.proc.DepositPost(ctx, evt)
		require.NoError(t, err)
	}
	assert.Equal(t, 1, m.Outstanding())
	assert.Equal(t, uint64(1), f.proc.Metrics().Deposited)

	_, err := f.proc.DepositPost(ctx, orderPlaced{Event: xdispatch.NewEvent()})
	require.NoError(t, err)
	assert.Equal(t, 2, f.outbox.Len())
	assert.Equal(t, 2, m.Outstanding())

	// a stored id is still accepted once the cap is reached
	_, err = f.proc.DepositPost(ctx, evt)
	require.NoError(t, err)
	_, err = f.proc.DepositPost(ctx, orderPlaced{Event: xdispatch.NewEvent()})
	require.ErrorIs(t, err, xdispatch.ErrOutboxLimitReached)
	assert.Equal(t, 2, m.Outstanding())
}

func TestRepost_KeepsOutstandingCount(t *testing.T) {
	cfg := testMediatorConfig()
	cfg.MaxOutstanding = 2
	cfg.OutstandingCheckInterval = time.Hour
	f := newFixture(t, cfg)
	ctx := context.Background()
	m := f.proc.Mediator()

	a := orderPlaced{Event: xdispatch.NewEvent()}
	require.NoError(t, f.proc.Post(ctx, a))
	_, err := f.proc.DepositPost(ctx, orderPlaced{Event: xdispatch.NewEvent()})
	require.NoError(t, err)
	assert.Equal(t, 1, m.Outstanding())

	require.NoError(t, f.proc.Repost(ctx, a.ID))
	require.NoError(t, f.proc.ClearOutbox(ctx, a.ID))
	assert.Equal(t, 1, m.Outstanding())

	_, err = f.proc.DepositPost(ctx, orderPlaced{Event: xdispatch.NewEvent()})
	require.NoError(t, err)
	_, err = f.proc.DepositPost(ctx, orderPlaced{Event: xdispatch.NewEvent()})
	require.ErrorIs(t, err, xdispatch.ErrOutboxLimitReached)

	n, err := f.outbox.OutstandingCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, n, m.Outstanding())
}

func TestPost_ProducerFailureLeavesMessageOutstanding(t *testing.T) {
	f := newFixture(t, testMediatorConfig())
	ctx := context.Background()
	brokerDown := errors.New("broker down")
	f.prod.SetError(brokerDown)

	evt := orderPlaced{Event: xdispatch.NewEvent(), OrderID: "o-4"}
	err := f.proc.Post(ctx, evt)
	require.ErrorIs(t, err, brokerDown)
	var de *xdispatch.DispatchError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, evt.ID, de.MessageID)
	assert.Equal(t, "orders", de.Topic)

	rec, err := f.outbox.Get(ctx, evt.ID)
	require.NoError(t, err)
	assert.False(t, rec.Dispatched)
	assert.Equal(t, uint64(1), f.proc.Metrics().DispatchFailures)

	f.prod.SetError(nil)
	require.NoError(t, f.proc.ClearOutbox(ctx, evt.ID))
	assert.Len(t, f.prod.Sent(), 1)
}

func TestClearOutstanding_SkipsTrippedTopics(t *testing.T) {
	cfg := testMediatorConfig()
	cfg.TopicFailureThreshold = 1
	cfg.TopicCooldown = time.Hour
	f := newFixture(t, cfg)
	ctx := context.Background()

	f.prod.SetError(errors.New("orders broker down"))
	require.Error(t, f.proc.Post(ctx, orderPlaced{Event: xdispatch.NewEvent()}))
	f.prod.SetError(nil)

	ship := shipOrder{Command: xdispatch.NewCommand(), OrderID: "o-5"}
	_, err := f.proc.DepositPost(ctx, ship)
	require.NoError(t, err)

	m := f.proc.Mediator()
	assert.True(t, m.Tripped("orders"))
	assert.False(t, m.Tripped("shipping"))

	n, err := m.ClearOutstanding(ctx, 0, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	sent := f.prod.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, ship.ID, sent[0].ID())

	outstanding, err := f.outbox.OutstandingCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, outstanding)

	h := f.proc.Health(ctx)
	assert.Equal(t, "degraded", h.Status)
	assert.Contains(t, h.Message, "orders")
}

func TestClearOutstanding_TrippedTopicLeavesRoomInBatch(t *testing.T) {
	cfg := testMediatorConfig()
	cfg.TopicFailureThreshold = 1
	cfg.TopicCooldown = time.Hour
	f := newFixture(t, cfg)
	ctx := context.Background()

	f.prod.SetError(errors.New("orders broker down"))
	require.Error(t, f.proc.Post(ctx, orderPlaced{Event: xdispatch.NewEvent()}))
	f.prod.SetError(nil)

	_, err := f.proc.DepositPost(ctx, orderPlaced{Event: xdispatch.NewEvent()})
	require.NoError(t, err)
	ship := shipOrder{Command: xdispatch.NewCommand(), OrderID: "o-7"}
	_, err = f.proc.DepositPost(ctx, ship)
	require.NoError(t, err)

	n, err := f.proc.Mediator().ClearOutstanding(ctx, 0, 2)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	sent := f.prod.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, ship.ID, sent[0].ID())

	outstanding, err := f.outbox.OutstandingCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, outstanding)
}

func TestRepost_SendsDispatchedMessageAgain(t *testing.T) {
	f := newFixture(t, testMediatorConfig())
	ctx := context.Background()

	evt := orderPlaced{Event: xdispatch.NewEvent()}
	require.NoError(t, f.proc.Post(ctx, evt))
	require.NoError(t, f.proc.Repost(ctx, evt.ID))

	sent := f.prod.Sent()
	require.Len(t, sent, 2)
	assert.Equal(t, sent[0].ID(), sent[1].ID())
	assert.Equal(t, sent[0].Body.Bytes, sent[1].Body.Bytes)

	require.ErrorIs(t, f.proc.Repost(ctx, "missing"), xdispatch.ErrMessageNotFound)
}

func TestReceive_RoutesEventsAndCommands(t *testing.T) {
	f := newFixture(t, testMediatorConfig())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for _, topic := range []string{"orders", "shipping"} {
		unsubscribe, err := f.prod.Subscribe(ctx, topic, "workers", f.proc.Receive)
		require.NoError(t, err)
		t.Cleanup(func() { _ = unsubscribe() })
	}

	evt := orderPlaced{Event: xdispatch.NewEvent(), OrderID: "o-6"}
	cmd := shipOrder{Command: xdispatch.NewCommand(), OrderID: "o-6"}
	require.NoError(t, f.proc.Post(ctx, evt))
	require.NoError(t, f.proc.Post(ctx, cmd))

	require.Eventually(t, func() bool { return len(f.got.all()) == 2 }, 2*time.Second, 10*time.Millisecond)
	assert.ElementsMatch(t, []xdispatch.Request{evt, cmd}, f.got.all())
	assert.Equal(t, uint64(1), f.proc.Metrics().Published)
	assert.Equal(t, uint64(1), f.proc.Metrics().Sent)
}

func TestReceive_QuitAndUnknownTopic(t *testing.T) {
	f := newFixture(t, testMediatorConfig())
	ctx := context.Background()

	quit := xdispatch.NewMessage(xdispatch.Header{Topic: "orders", Type: xdispatch.MessageTypeQuit}, xdispatch.Body{})
	require.NoError(t, f.proc.Receive(ctx, quit))

	err := f.proc.Receive(ctx, xdispatch.NewMessage(xdispatch.Header{Topic: "payments"}, xdispatch.Body{Bytes: []byte(`{}`)}))
	require.ErrorIs(t, err, xdispatch.ErrNoMapper)
	assert.True(t, xdispatch.IsConfigurationError(err))

	err = f.proc.Receive(ctx, xdispatch.NewMessage(xdispatch.Header{Topic: "orders"}, xdispatch.Body{Bytes: []byte(`not json`)}))
	assert.Error(t, err)
	assert.Empty(t, f.got.all())
}

func TestPost_DelayedMessageUsesDelayedProducer(t *testing.T) {
	f := newFixture(t, testMediatorConfig())

	require.NoError(t, f.proc.Post(context.Background(), sendReminder{Command: xdispatch.NewCommand(), UserID: "u-1"}))
	assert.Equal(t, uint64(1), f.prod.Stats().Delayed)
	require.Eventually(t, func() bool { return len(f.prod.Sent()) == 1 }, time.Second, 5*time.Millisecond)
}

func TestPost_ConfigurationErrors(t *testing.T) {
	f := newFixture(t, testMediatorConfig())
	type unmapped struct{ xdispatch.Event }

	err := f.proc.Post(context.Background(), unmapped{Event: xdispatch.NewEvent()})
	require.ErrorIs(t, err, xdispatch.ErrNoMapper)
	assert.True(t, xdispatch.IsConfigurationError(err))
	assert.Equal(t, 0, f.outbox.Len())

	bare, err := xdispatch.NewProcessorBuilder().Build()
	require.NoError(t, err)
	defer func() { _ = bare.Close(context.Background()) }()
	require.ErrorIs(t, bare.Post(context.Background(), orderPlaced{Event: xdispatch.NewEvent()}), xdispatch.ErrNoOutbox)
	require.ErrorIs(t, bare.ClearOutbox(context.Background(), "x"), xdispatch.ErrNoOutbox)
	require.ErrorIs(t, bare.Repost(context.Background(), "x"), xdispatch.ErrNoOutbox)
}

func TestSweeper_DispatchesAndArchives(t *testing.T) {
	cfg := testMediatorConfig()
	cfg.SweepInterval = 10 * time.Millisecond
	cfg.ArchiveAfter = time.Nanosecond
	f := newFixture(t, cfg, memory.WithSweep())

	_, err := f.proc.DepositPost(context.Background(), orderPlaced{Event: xdispatch.NewEvent()})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(f.prod.Sent()) == 1 }, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return f.outbox.Len() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestSweeper_SkipsWhenNotLeader(t *testing.T) {
	f := newFixture(t, testMediatorConfig())
	ctx := context.Background()

	_, err := f.proc.DepositPost(ctx, orderPlaced{Event: xdispatch.NewEvent()})
	require.NoError(t, err)

	s := xdispatch.NewSweeper(f.proc.Mediator(), func() bool { return false })
	s.Start(ctx)
	time.Sleep(20 * time.Millisecond)
	s.Stop()
	assert.Empty(t, f.prod.Sent())

	xdispatch.NewSweeper(f.proc.Mediator(), nil).Sweep(ctx)
	assert.Len(t, f.prod.Sent(), 1)
}

func TestSweeper_RestartsAfterContextEnds(t *testing.T) {
	cfg := testMediatorConfig()
	cfg.SweepInterval = 10 * time.Millisecond
	f := newFixture(t, cfg)
	s := xdispatch.NewSweeper(f.proc.Mediator(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)
	assert.True(t, s.Running())
	cancel()
	require.Eventually(t, func() bool { return !s.Running() }, time.Second, 5*time.Millisecond)

	s.Start(context.Background())
	defer s.Stop()
	assert.True(t, s.Running())

	_, err := f.proc.DepositPost(context.Background(), orderPlaced{Event: xdispatch.NewEvent()})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(f.prod.Sent()) == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestClose_ClosesProducers(t *testing.T) {
	f := newFixture(t, testMediatorConfig())
	require.NoError(t, f.proc.Close(context.Background()))

	require.ErrorIs(t, f.proc.Post(context.Background(), orderPlaced{Event: xdispatch.NewEvent()}), xdispatch.ErrProcessorClosed)
	assert.Error(t, f.prod.Send(context.Background(), xdispatch.NewMessage(xdispatch.Header{Topic: "orders"}, xdispatch.Body{})))
}
