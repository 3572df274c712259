package kafka

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trickstertwo/xdispatch"
)

func testMessage(bag map[string]string) xdispatch.Message {
	return xdispatch.NewMessage(xdispatch.Header{
		ID:        "m-1",
		Topic:     "orders",
		Type:      xdispatch.MessageTypeCommand,
		Timestamp: time.Date(2026, 3, 4, 5, 6, 7, 8, time.UTC),
		Bag:       bag,
	}, xdispatch.Body{Bytes: []byte(`{}`), ContentType: "application/json"})
}

func TestConfigFromMap_RoundTrip(t *testing.T) {
	cfg := Defaults()
	cfg.Brokers = []string{"k1:9092", "k2:9092"}
	cfg.TopicPrefix = "prod."
	cfg.RequiredAcks = 1
	assert.Equal(t, cfg, ConfigFromMap(cfg.toMap()))
}

func TestConfig_Validate(t *testing.T) {
	cfg := Defaults()
	require.NoError(t, cfg.Validate())

	cfg.Brokers = nil
	assert.Error(t, cfg.Validate())

	cfg = Defaults()
	cfg.RequiredAcks = 3
	assert.Error(t, cfg.Validate())
}

func TestToRecord_KeyAndHeaders(t *testing.T) {
	rec := toRecord(testMessage(nil))
	assert.Equal(t, []byte("m-1"), rec.Key)
	assert.Equal(t, []byte(`{}`), rec.Value)
	for i := 1; i < len(rec.Headers); i++ {
		assert.Less(t, rec.Headers[i-1].Key, rec.Headers[i].Key)
	}

	rec = toRecord(testMessage(map[string]string{xdispatch.BagPartitionKey: "customer-7"}))
	assert.Equal(t, []byte("customer-7"), rec.Key)
}

func TestFromRecord_RoundTrip(t *testing.T) {
	msg := testMessage(map[string]string{"tenant": "acme"})
	assert.True(t, msg.Equal(FromRecord(toRecord(msg))))
}

func TestProducer_ClosedRejectsSend(t *testing.T) {
	p, err := NewProducer(Defaults())
	require.NoError(t, err)
	require.NoError(t, p.Close(context.Background()))
	assert.Error(t, p.Send(context.Background(), testMessage(nil)))
}
