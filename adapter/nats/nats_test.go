package nats

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trickstertwo/xdispatch"
)

func testMessage() xdispatch.Message {
	return xdispatch.NewMessage(xdispatch.Header{
		ID:            "m-1",
		Topic:         "orders.placed",
		Type:          xdispatch.MessageTypeEvent,
		Timestamp:     time.Date(2026, 1, 2, 3, 4, 5, 6, time.UTC),
		CorrelationID: "o-1",
		HandledCount:  1,
		Bag:           map[string]string{"Tenant": "acme"},
	}, xdispatch.Body{Bytes: []byte(`{"order_id":"o-1"}`), ContentType: "application/json"})
}

func TestConfigFromMap_RoundTrip(t *testing.T) {
	cfg := Defaults()
	cfg.URL = "nats://example:4222"
	cfg.SubjectPrefix = "svc."
	cfg.JetStream = true
	assert.Equal(t, cfg, ConfigFromMap(cfg.toMap()))
}

func TestToMsg_FromMsg(t *testing.T) {
	msg := testMessage()
	nm := toMsg("svc.orders.placed", msg)

	assert.Equal(t, "svc.orders.placed", nm.Subject)
	assert.Equal(t, "m-1", nm.Header.Get(xdispatch.HeaderID))
	assert.Equal(t, "acme", nm.Header.Get(xdispatch.HeaderBagPrefix+"Tenant"))
	assert.Equal(t, msg.Body.Bytes, nm.Data)

	assert.True(t, msg.Equal(fromMsg(nm)))
}

// Requires a NATS server at XDISPATCH_NATS_URL.
func TestProducer_SendAndSubscribe(t *testing.T) {
	url := os.Getenv("XDISPATCH_NATS_URL")
	if url == "" {
		t.Skip("XDISPATCH_NATS_URL not set")
	}
	cfg := Defaults()
	cfg.URL = url
	cfg.SubjectPrefix = "xdispatch-test."

	conn, err := Connect(cfg, nil)
	if err != nil {
		t.Skipf("NATS not available: %v", err)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	got := make(chan xdispatch.Message, 1)
	stop, err := Subscribe(ctx, conn, "xdispatch-test.orders.placed", "", func(_ context.Context, m xdispatch.Message) error {
		got <- m
		return nil
	}, nil)
	require.NoError(t, err)
	defer stop()

	p, err := NewProducerWithConn(conn, cfg)
	require.NoError(t, err)
	require.NoError(t, p.Send(ctx, testMessage()))

	select {
	case m := <-got:
		assert.True(t, testMessage().Equal(m))
	case <-ctx.Done():
		t.Fatal("message not received")
	}
	assert.Equal(t, uint64(1), p.Published())
}
