package redisstream

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/redis/go-redis/v9"

	"github.com/trickstertwo/xdispatch"
)

const ProducerName = "redis-streams"

func init() {
	if err := xdispatch.RegisterProducer(ProducerName, func(cfg map[string]any) (xdispatch.Producer, error) {
		return NewProducer(ConfigFromMap(cfg))
	}); err != nil {
		panic(fmt.Errorf("xdispatch: failed to register producer %q: %w", ProducerName, err))
	}
}

// Producer appends messages to the stream named StreamPrefix+topic.
type Producer struct {
	cfg    Config
	client *redis.Client
	owned  bool

	closed atomic.Bool

	published     atomic.Uint64
	publishErrors atomic.Uint64
}

var _ xdispatch.Producer = (*Producer)(nil)

// NewProducer dials Redis and returns a Producer that closes the client on Close.
func NewProducer(cfg Config) (*Producer, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("config: addr required")
	}
	client, err := NewClient(cfg)
	if err != nil {
		return nil, err
	}
	p := NewProducerWithClient(client, cfg)
	p.owned = true
	return p, nil
}

// NewProducerWithClient shares an existing client; Close leaves it open.
func NewProducerWithClient(client *redis.Client, cfg Config) *Producer {
	return &Producer{cfg: cfg, client: client}
}

// Stream returns the stream name for topic.
func (p *Producer) Stream(topic string) string { return p.cfg.StreamPrefix + topic }

// Send appends msg with XADD.
func (p *Producer) Send(ctx context.Context, msg xdispatch.Message) error {
	return p.SendBatch(ctx, msg)
}

// SendBatch appends msgs in one pipeline round trip.
func (p *Producer) SendBatch(ctx context.Context, msgs ...xdispatch.Message) error {
	if p.closed.Load() {
		return fmt.Errorf("redis-streams producer is closed")
	}
	if len(msgs) == 0 {
		return nil
	}

	pipe := p.client.Pipeline()
	for _, m := range msgs {
		args := &redis.XAddArgs{
			Stream: p.Stream(m.Topic()),
			ID:     "*", // Let Redis generate ID
			Values: encodeMessage(m),
		}
		// Approximate trimming to keep stream bounded
		if p.cfg.MaxLenApprox > 0 {
			args.MaxLen = p.cfg.MaxLenApprox
			args.Approx = true
		}
		pipe.XAdd(ctx, args)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		p.publishErrors.Add(uint64(len(msgs)))
		return err
	}
	p.published.Add(uint64(len(msgs)))
	return nil
}

// Close releases the client if the producer dialed it.
func (p *Producer) Close(_ context.Context) error {
	if p.closed.Swap(true) {
		return nil
	}
	if p.owned {
		return p.client.Close()
	}
	return nil
}

// ProducerStats reports producer counters.
type ProducerStats struct {
	Published     uint64
	PublishErrors uint64
}

func (p *Producer) Stats() ProducerStats {
	return ProducerStats{
		Published:     p.published.Load(),
		PublishErrors: p.publishErrors.Load(),
	}
}
