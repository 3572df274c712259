// Package kafka provides a Kafka producer for xdispatch on segmentio/kafka-go.
//
// Producer name: "kafka"
//
// One writer is kept per topic. The record key is the bag's partition key
// (xdispatch.BagPartitionKey) or else the message id, so redeliveries of a
// message land on the same partition.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/trickstertwo/xdispatch"
)

const ProducerName = "kafka"

func init() {
	if err := xdispatch.RegisterProducer(ProducerName, func(cfg map[string]any) (xdispatch.Producer, error) {
		return NewProducer(ConfigFromMap(cfg))
	}); err != nil {
		panic(fmt.Errorf("xdispatch: failed to register producer %q: %w", ProducerName, err))
	}
}

// Config for the Kafka producer.
type Config struct {
	Brokers []string
	// TopicPrefix is prepended to the message topic.
	TopicPrefix  string
	BatchSize    int
	BatchTimeout time.Duration
	// RequiredAcks: 0 none, 1 leader, -1 all (default).
	RequiredAcks int
	WriteTimeout time.Duration
}

func Defaults() Config {
	return Config{
		Brokers:      []string{"localhost:9092"},
		BatchSize:    100,
		BatchTimeout: 10 * time.Millisecond,
		RequiredAcks: int(kafka.RequireAll),
		WriteTimeout: 10 * time.Second,
	}
}

func (c Config) Validate() error {
	if len(c.Brokers) == 0 {
		return fmt.Errorf("config: brokers required")
	}
	if c.RequiredAcks < -1 || c.RequiredAcks > 1 {
		return fmt.Errorf("config: required_acks must be -1, 0 or 1, got %d", c.RequiredAcks)
	}
	return nil
}

func (c Config) toMap() map[string]any {
	return map[string]any{
		"brokers":       strings.Join(c.Brokers, ","),
		"topic_prefix":  c.TopicPrefix,
		"batch_size":    c.BatchSize,
		"batch_timeout": c.BatchTimeout,
		"required_acks": c.RequiredAcks,
		"write_timeout": c.WriteTimeout,
	}
}

// ConfigFromMap safely converts generic map to Config with defaults.
// brokers is a comma-separated string or a []string.
func ConfigFromMap(m map[string]any) Config {
	c := Defaults()
	getInt := func(k string, d int) int {
		switch v := m[k].(type) {
		case int:
			return v
		case int64:
			return int(v)
		case float64:
			return int(v)
		}
		return d
	}
	getDur := func(k string, d time.Duration) time.Duration {
		switch v := m[k].(type) {
		case time.Duration:
			return v
		case string:
			if p, err := time.ParseDuration(v); err == nil {
				return p
			}
		}
		return d
	}

	switch v := m["brokers"].(type) {
	case string:
		if v != "" {
			c.Brokers = strings.Split(v, ",")
		}
	case []string:
		if len(v) > 0 {
			c.Brokers = slices.Clone(v)
		}
	}
	if v, ok := m["topic_prefix"].(string); ok {
		c.TopicPrefix = v
	}
	c.BatchSize = max(1, getInt("batch_size", c.BatchSize))
	c.BatchTimeout = getDur("batch_timeout", c.BatchTimeout)
	c.RequiredAcks = getInt("required_acks", c.RequiredAcks)
	c.WriteTimeout = getDur("write_timeout", c.WriteTimeout)
	return c
}

// Producer writes messages to Kafka, one synchronous writer per topic.
type Producer struct {
	cfg Config

	mu      sync.Mutex
	writers map[string]*kafka.Writer
	closed  bool
}

var _ xdispatch.Producer = (*Producer)(nil)

// NewProducer validates cfg. Brokers are dialed on first send.
func NewProducer(cfg Config) (*Producer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Producer{cfg: cfg, writers: make(map[string]*kafka.Writer)}, nil
}

func (p *Producer) writer(topic string) (*kafka.Writer, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, errors.New("kafka producer is closed")
	}
	if w, ok := p.writers[topic]; ok {
		return w, nil
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(p.cfg.Brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchSize:    p.cfg.BatchSize,
		BatchTimeout: p.cfg.BatchTimeout,
		RequiredAcks: kafka.RequiredAcks(p.cfg.RequiredAcks),
		WriteTimeout: p.cfg.WriteTimeout,
	}
	p.writers[topic] = w
	return w, nil
}

func (p *Producer) Send(ctx context.Context, msg xdispatch.Message) error {
	topic := p.cfg.TopicPrefix + msg.Topic()
	w, err := p.writer(topic)
	if err != nil {
		return err
	}
	if err := w.WriteMessages(ctx, toRecord(msg)); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}
	return nil
}

// Close closes all writers.
func (p *Producer) Close(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true

	var errs []error
	for topic, w := range p.writers {
		if err := w.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close writer for %s: %w", topic, err))
		}
	}
	p.writers = nil
	return errors.Join(errs...)
}

// toRecord maps a Message onto a Kafka record. Headers are sorted by key.
func toRecord(m xdispatch.Message) kafka.Message {
	key := m.Header.Bag[xdispatch.BagPartitionKey]
	if key == "" {
		key = m.ID()
	}

	th := m.TransportHeaders()
	headers := make([]kafka.Header, 0, len(th))
	for k, v := range th {
		headers = append(headers, kafka.Header{Key: k, Value: []byte(v)})
	}
	slices.SortFunc(headers, func(a, b kafka.Header) int { return strings.Compare(a.Key, b.Key) })

	rec := kafka.Message{
		Key:     []byte(key),
		Value:   m.Body.Bytes,
		Headers: headers,
	}
	if !m.Header.Timestamp.IsZero() {
		rec.Time = m.Header.Timestamp
	}
	return rec
}

// FromRecord rebuilds the Message carried by a consumed record.
func FromRecord(rec kafka.Message) xdispatch.Message {
	headers := make(map[string]string, len(rec.Headers))
	for _, h := range rec.Headers {
		headers[h.Key] = string(h.Value)
	}
	return xdispatch.MessageFromTransportHeaders(headers, rec.Value)
}
