// Package nats provides a NATS producer and subscriber for xdispatch.
//
// Producer name: "nats"
//
// The message header travels in NATS headers (see xdispatch.TransportHeaders)
// and the body is the NATS payload. With JetStream enabled, Send waits for the
// stream's PubAck and sets Nats-Msg-Id to the message id so the server drops
// redelivered duplicates within its dedupe window.
package nats

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/trickstertwo/xlog"

	"github.com/trickstertwo/xdispatch"
)

const ProducerName = "nats"

func init() {
	if err := xdispatch.RegisterProducer(ProducerName, func(cfg map[string]any) (xdispatch.Producer, error) {
		return NewProducer(ConfigFromMap(cfg))
	}); err != nil {
		panic(fmt.Errorf("xdispatch: failed to register producer %q: %w", ProducerName, err))
	}
}

// Config for the NATS adapter.
type Config struct {
	URL            string
	Name           string
	ConnectTimeout time.Duration
	FlushTimeout   time.Duration
	MaxReconnects  int
	// SubjectPrefix is prepended to the topic to form the subject.
	SubjectPrefix string
	// JetStream publishes through JetStream and waits for the PubAck.
	JetStream bool
}

func Defaults() Config {
	return Config{
		URL:            nats.DefaultURL,
		Name:           "xdispatch",
		ConnectTimeout: 5 * time.Second,
		FlushTimeout:   time.Second,
		MaxReconnects:  60,
	}
}

func (c Config) toMap() map[string]any {
	return map[string]any{
		"url":             c.URL,
		"name":            c.Name,
		"connect_timeout": c.ConnectTimeout,
		"flush_timeout":   c.FlushTimeout,
		"max_reconnects":  c.MaxReconnects,
		"subject_prefix":  c.SubjectPrefix,
		"jetstream":       c.JetStream,
	}
}

// ConfigFromMap safely converts generic map to Config with defaults.
func ConfigFromMap(m map[string]any) Config {
	c := Defaults()
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

	if v, ok := m["url"].(string); ok && v != "" {
		c.URL = v
	}
	if v, ok := m["name"].(string); ok && v != "" {
		c.Name = v
	}
	c.ConnectTimeout = getDur("connect_timeout", c.ConnectTimeout)
	c.FlushTimeout = getDur("flush_timeout", c.FlushTimeout)
	switch v := m["max_reconnects"].(type) {
	case int:
		c.MaxReconnects = v
	case float64:
		c.MaxReconnects = int(v)
	}
	if v, ok := m["subject_prefix"].(string); ok {
		c.SubjectPrefix = v
	}
	if v, ok := m["jetstream"].(bool); ok {
		c.JetStream = v
	}
	return c
}

// Connect dials NATS with cfg, logging disconnects and reconnects.
func Connect(cfg Config, logger *xlog.Logger) (*nats.Conn, error) {
	if logger == nil {
		logger = xlog.Default()
	}
	return nats.Connect(
		cfg.URL,
		nats.Name(cfg.Name),
		nats.Timeout(cfg.ConnectTimeout),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn().Err(err).Msg("nats disconnected")
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info().Str("url", c.ConnectedUrl()).Msg("nats reconnected")
		}),
	)
}

// Producer publishes messages to SubjectPrefix+topic.
type Producer struct {
	cfg   Config
	conn  *nats.Conn
	js    nats.JetStreamContext
	owned bool

	closed    atomic.Bool
	published atomic.Uint64
}

var _ xdispatch.Producer = (*Producer)(nil)

// NewProducer dials NATS; Close drains the connection.
func NewProducer(cfg Config) (*Producer, error) {
	conn, err := Connect(cfg, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	p, err := NewProducerWithConn(conn, cfg)
	if err != nil {
		conn.Close()
		return nil, err
	}
	p.owned = true
	return p, nil
}

// NewProducerWithConn shares conn; Close leaves it open.
func NewProducerWithConn(conn *nats.Conn, cfg Config) (*Producer, error) {
	p := &Producer{cfg: cfg, conn: conn}
	if cfg.JetStream {
		js, err := conn.JetStream()
		if err != nil {
			return nil, fmt.Errorf("jetstream: %w", err)
		}
		p.js = js
	}
	return p, nil
}

func (p *Producer) Send(ctx context.Context, msg xdispatch.Message) error {
	if p.closed.Load() {
		return errors.New("nats producer is closed")
	}
	nm := toMsg(p.cfg.SubjectPrefix+msg.Topic(), msg)

	if p.js != nil {
		if _, err := p.js.PublishMsg(nm, nats.Context(ctx), nats.MsgId(msg.ID())); err != nil {
			return fmt.Errorf("failed to publish to %s: %w", nm.Subject, err)
		}
		p.published.Add(1)
		return nil
	}

	if err := p.conn.PublishMsg(nm); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", nm.Subject, err)
	}
	// core NATS has no ack; a flush round trip confirms the server has it
	fctx, cancel := context.WithTimeout(ctx, p.cfg.FlushTimeout)
	defer cancel()
	if err := p.conn.FlushWithContext(fctx); err != nil {
		return fmt.Errorf("flush %s: %w", nm.Subject, err)
	}
	p.published.Add(1)
	return nil
}

func (p *Producer) Close(_ context.Context) error {
	if p.closed.Swap(true) {
		return nil
	}
	if p.owned {
		return p.conn.Drain()
	}
	return nil
}

// Published returns the number of acknowledged sends.
func (p *Producer) Published() uint64 { return p.published.Load() }

// toMsg maps a Message onto a NATS message for subject.
func toMsg(subject string, m xdispatch.Message) *nats.Msg {
	nm := nats.NewMsg(subject)
	for k, v := range m.TransportHeaders() {
		nm.Header.Set(k, v)
	}
	nm.Data = m.Body.Bytes
	return nm
}

// fromMsg rebuilds the Message carried by nm.
func fromMsg(nm *nats.Msg) xdispatch.Message {
	headers := make(map[string]string, len(nm.Header))
	for k, v := range nm.Header {
		if len(v) > 0 {
			headers[k] = v[0]
		}
	}
	return xdispatch.MessageFromTransportHeaders(headers, nm.Data)
}
