package cloudevents

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trickstertwo/xdispatch"
)

type orderPlaced struct {
	xdispatch.Event
	OrderID string `json:"order_id"`
	Total   int    `json:"total"`
}

func newMapper() *Mapper[orderPlaced] {
	m := New[orderPlaced]("orders", "/shop/orders", "com.example.order.placed")
	m.SubjectPath = "order_id"
	m.Extensions = map[string]string{"tenant": "acme"}
	return m
}

func TestMapper_RoundTrip(t *testing.T) {
	m := newMapper()
	req := orderPlaced{Event: xdispatch.Event{ID: "evt-1"}, OrderID: "o-9", Total: 42}

	msg, err := m.MapToMessage(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "evt-1", msg.ID())
	assert.Equal(t, "orders", msg.Topic())
	assert.Equal(t, xdispatch.MessageTypeEvent, msg.Header.Type)
	assert.Equal(t, "o-9", msg.Header.CorrelationID)
	assert.Equal(t, ContentType, msg.Body.ContentType)
	assert.WithinDuration(t, time.Now(), msg.Header.Timestamp, time.Minute)

	e, err := Decode(msg)
	require.NoError(t, err)
	assert.Equal(t, "com.example.order.placed", e.Type())
	assert.Equal(t, "/shop/orders", e.Source())
	assert.Equal(t, "o-9", e.Subject())
	assert.Equal(t, "acme", e.Extensions()["tenant"])
	assert.True(t, e.Time().Equal(msg.Header.Timestamp))

	got, err := m.MapToRequest(context.Background(), msg)
	require.NoError(t, err)
	assert.Equal(t, req, got)
}

func TestMapper_RejectsOtherType(t *testing.T) {
	other := New[orderPlaced]("orders", "/shop/orders", "com.example.order.cancelled")
	msg, err := other.MapToMessage(context.Background(), orderPlaced{Event: xdispatch.NewEvent()})
	require.NoError(t, err)

	_, err = newMapper().MapToRequest(context.Background(), msg)
	assert.Error(t, err)
}

func TestMapper_RejectsWrongRequest(t *testing.T) {
	_, err := newMapper().MapToMessage(context.Background(), xdispatch.NewEvent())
	assert.Error(t, err)
}

func TestDecode_InvalidBody(t *testing.T) {
	_, err := Decode(xdispatch.NewMessage(xdispatch.Header{ID: "x"}, xdispatch.Body{Bytes: []byte("{not json")}))
	assert.Error(t, err)

	_, err = Decode(xdispatch.NewMessage(xdispatch.Header{ID: "x"}, xdispatch.Body{Bytes: []byte(`{"specversion":"1.0"}`)}))
	assert.Error(t, err)
}
