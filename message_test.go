package xdispatch

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMessage_AssignsIDAndCopiesInputs(t *testing.T) {
	bag := map[string]string{"tenant": "acme"}
	body := []byte(`{"a":1}`)
	m := NewMessage(Header{Topic: "orders", Bag: bag}, Body{Bytes: body, ContentType: "application/json"})

	assert.NotEmpty(t, m.ID())
	assert.Equal(t, MessageTypeNone, m.Header.Type)

	bag["tenant"] = "other"
	body[0] = '['
	assert.Equal(t, "acme", m.Header.Bag["tenant"])
	assert.Equal(t, `{"a":1}`, string(m.Body.Bytes))
}

func TestMessage_Equal(t *testing.T) {
	ts := time.Now()
	a := NewMessage(Header{ID: "m-1", Topic: "orders", Type: MessageTypeEvent, Timestamp: ts, Bag: map[string]string{"k": "v"}},
		Body{Bytes: []byte("x"), ContentType: "text/plain"})
	b := NewMessage(Header{ID: "m-1", Topic: "orders", Type: MessageTypeEvent, Timestamp: ts.UTC(), Bag: map[string]string{"k": "v"}},
		Body{Bytes: []byte("x"), ContentType: "text/plain"})
	assert.True(t, a.Equal(b))

	assert.False(t, a.Equal(a.WithBag("k", "w")))
	assert.False(t, a.Equal(a.WithHandledCount(1)))
	assert.False(t, a.Equal(NewMessage(a.Header, Body{Bytes: []byte("y"), ContentType: "text/plain"})))
}

func TestMessage_WithHelpersDoNotMutate(t *testing.T) {
	m := NewMessage(Header{ID: "m-1", Topic: "orders"}, Body{})
	m2 := m.WithHandledCount(3).WithBag(BagDelay, "2s")

	assert.Equal(t, 0, m.Header.HandledCount)
	assert.Empty(t, m.Header.Bag)
	assert.Equal(t, 3, m2.Header.HandledCount)

	d, ok := m2.Delay()
	require.True(t, ok)
	assert.Equal(t, 2*time.Second, d)

	_, ok = m.WithBag(BagDelay, "soon").Delay()
	assert.False(t, ok)
	_, ok = m.WithBag(BagDelay, "-1s").Delay()
	assert.False(t, ok)
}

func TestMessageTypeFor(t *testing.T) {
	assert.Equal(t, MessageTypeCommand, MessageTypeFor(KindCommand))
	assert.Equal(t, MessageTypeEvent, MessageTypeFor(KindEvent))
	assert.Equal(t, MessageTypeNone, MessageTypeFor(Kind(0)))
}

func TestTransportHeaders_RoundTrip(t *testing.T) {
	m := NewMessage(Header{
		ID:            "m-1",
		Topic:         "orders",
		Type:          MessageTypeCommand,
		Timestamp:     time.Date(2026, 3, 1, 12, 0, 0, 123456789, time.UTC),
		CorrelationID: "c-1",
		HandledCount:  2,
		Bag:           map[string]string{"tenant": "acme", BagPartitionKey: "u-1"},
	}, Body{Bytes: []byte(`{}`), ContentType: "application/json"})

	h := m.TransportHeaders()
	assert.Equal(t, "m-1", h[HeaderID])
	assert.Equal(t, "2026-03-01T12:00:00.123456789Z", h[HeaderTimestamp])
	assert.Equal(t, "acme", h[HeaderBagPrefix+"tenant"])

	back := MessageFromTransportHeaders(h, m.Body.Bytes)
	assert.True(t, m.Equal(back), "got %+v", back)
}

func TestTransportHeaders_OmitsEmptyValues(t *testing.T) {
	h := NewMessage(Header{ID: "m-1", Topic: "orders"}, Body{}).TransportHeaders()
	assert.NotContains(t, h, HeaderTimestamp)
	assert.NotContains(t, h, HeaderCorrelationID)
	assert.NotContains(t, h, HeaderContentType)

	back := MessageFromTransportHeaders(map[string]string{"unrelated": "x"}, nil)
	assert.NotEmpty(t, back.ID())
	assert.Empty(t, back.Header.Bag)
}

func TestJSONMapper_RoundTrip(t *testing.T) {
	m := NewJSONMapper[orderPlaced]("orders")
	m.CorrelationPath = "order_id"
	m.Bag = map[string]string{"source": "test"}

	evt := orderPlaced{Event: NewEvent(), OrderID: "o-7"}
	msg, err := m.MapToMessage(context.Background(), evt)
	require.NoError(t, err)
	assert.Equal(t, evt.ID, msg.ID())
	assert.Equal(t, "orders", msg.Topic())
	assert.Equal(t, MessageTypeEvent, msg.Header.Type)
	assert.Equal(t, "o-7", msg.Header.CorrelationID)
	assert.Equal(t, "test", msg.Header.Bag["source"])
	assert.Equal(t, "application/json", msg.Body.ContentType)
	assert.WithinDuration(t, time.Now(), msg.Header.Timestamp, time.Minute)

	back, err := m.MapToRequest(context.Background(), msg)
	require.NoError(t, err)
	assert.Equal(t, evt, back)

	_, err = m.MapToMessage(context.Background(), placeOrder{Command: NewCommand()})
	assert.Error(t, err)
	_, err = m.MapToRequest(context.Background(), NewMessage(Header{ID: "x"}, Body{Bytes: []byte("{")}))
	assert.Error(t, err)
}

func TestMapperRegistry(t *testing.T) {
	r := NewMapperRegistry()
	require.NoError(t, RegisterMapper[orderPlaced](r, "orders", NewJSONMapper[orderPlaced]("orders")))
	assert.Error(t, RegisterMapper[orderPlaced](r, "orders-v2", NewJSONMapper[orderPlaced]("orders-v2")))
	assert.Error(t, RegisterMapper[placeOrder](r, "orders", NewJSONMapper[placeOrder]("orders")))

	_, err := r.For(TypeFor[orderPlaced]())
	require.NoError(t, err)
	_, err = r.ForTopic("orders")
	require.NoError(t, err)

	_, err = r.For(TypeFor[placeOrder]())
	require.ErrorIs(t, err, ErrNoMapper)
	_, err = r.ForTopic("payments")
	require.ErrorIs(t, err, ErrNoMapper)
	assert.True(t, IsConfigurationError(err))
}

func TestCodecRegistry(t *testing.T) {
	c, err := NewCodec("json")
	require.NoError(t, err)
	assert.Equal(t, "application/json", c.ContentType())

	_, err = NewCodec("msgpack")
	assert.Error(t, err)
	assert.Error(t, RegisterCodec("", func() Codec { return JSONCodec{} }))
	assert.Error(t, RegisterCodec("nil", nil))
	assert.Contains(t, Codecs(), "json")
}

func TestMediatorConfig_MapRoundTrip(t *testing.T) {
	cfg := DefaultMediatorConfig()
	cfg.MaxOutstanding = 250
	cfg.SendTimeout = 3 * time.Second
	cfg.ArchiveAfter = time.Hour
	cfg.TopicFailureThreshold = 2

	assert.Equal(t, cfg, MediatorConfigFromMap(cfg.toMap()))
	assert.Equal(t, DefaultMediatorConfig(), MediatorConfigFromMap(nil))
}

func TestMediatorConfig_Validate(t *testing.T) {
	require.NoError(t, DefaultMediatorConfig().Validate())

	bad := []func(*MediatorConfig){
		func(c *MediatorConfig) { c.MaxOutstanding = -1 },
		func(c *MediatorConfig) { c.MaxOutstanding = 1; c.OutstandingCheckInterval = 0 },
		func(c *MediatorConfig) { c.ClearBatchSize = 0 },
		func(c *MediatorConfig) { c.SweepInterval = 0 },
		func(c *MediatorConfig) { c.ArchiveAfter = time.Hour; c.ArchiveBatchSize = 0 },
		func(c *MediatorConfig) { c.TopicFailureThreshold = 0 },
		func(c *MediatorConfig) { c.TopicCooldown = 0 },
	}
	for i, mutate := range bad {
		cfg := DefaultMediatorConfig()
		mutate(&cfg)
		assert.Error(t, cfg.Validate(), "case %d", i)
	}
}
