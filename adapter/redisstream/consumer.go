package redisstream

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/trickstertwo/xlog"

	"github.com/trickstertwo/xdispatch"
)

// Handler consumes one decoded message. CommandProcessor.Receive fits.
type Handler func(ctx context.Context, msg xdispatch.Message) error

// Consumer reads streams through a consumer group and hands messages to a
// Handler. Messages are acknowledged after the handler returns nil. A failed
// message goes to DeadLetter when set and is acknowledged; otherwise it stays
// pending for the claim loop to redeliver.
type Consumer struct {
	cfg    Config
	client *redis.Client
	logger *xlog.Logger

	metrics *consumerMetrics
}

type consumerMetrics struct {
	consumed      atomic.Uint64
	acked         atomic.Uint64
	nacked        atomic.Uint64
	deadLettered  atomic.Uint64
	claimed       atomic.Uint64
	consumeErrors atomic.Uint64
}

// NewConsumer wraps client. A nil logger falls back to xlog.Default().
func NewConsumer(client *redis.Client, cfg Config, logger *xlog.Logger) (*Consumer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = xlog.Default()
	}
	return &Consumer{cfg: cfg, client: client, logger: logger, metrics: &consumerMetrics{}}, nil
}

type delivery struct {
	stream string
	id     string
	msg    xdispatch.Message
}

// Subscribe consumes the stream for topic under group until ctx is done or
// the returned close func is called.
func (c *Consumer) Subscribe(ctx context.Context, topic, group string, handler Handler) (func() error, error) {
	if topic == "" || handler == nil {
		return nil, errors.New("redisstream: topic and handler are required")
	}
	if group == "" {
		group = c.cfg.Group
	}
	stream := c.cfg.StreamPrefix + topic

	// Ensure consumer group exists (idempotent)
	if c.cfg.AutoCreate {
		if err := c.client.XGroupCreateMkStream(ctx, stream, group, "0").Err(); err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
			return nil, fmt.Errorf("redisstream: create group %q on %q: %w", group, stream, err)
		}
	}

	innerCtx, cancel := context.WithCancel(ctx)
	wg := &sync.WaitGroup{}

	workers := max(1, c.cfg.Concurrency)
	// Buffered work channel (buffer = 2x workers for burst absorption)
	workCh := make(chan delivery, workers*2)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for d := range workCh {
				c.handle(innerCtx, group, d, handler)
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer func() {
			close(workCh) // Signal workers to exit
			wg.Done()
		}()
		c.pollerLoop(innerCtx, stream, group, ">", workCh)
	}()

	if c.cfg.ClaimMinIdle > 0 && c.cfg.ClaimInterval > 0 && c.cfg.ClaimBatch > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.claimLoop(innerCtx, stream, group, handler)
		}()
	}

	return func() error {
		cancel()
		wg.Wait()
		return nil
	}, nil
}

// pollerLoop reads from Redis Streams and distributes messages to workers.
func (c *Consumer) pollerLoop(ctx context.Context, stream, group, start string, workCh chan<- delivery) {
	xArgs := &redis.XReadGroupArgs{
		Group:    group,
		Consumer: c.cfg.Consumer,
		Streams:  []string{stream, start},
		Count:    int64(max(1, c.cfg.BatchSize)),
		Block:    c.cfg.Block,
	}

	backoff := time.Millisecond * 100
	maxBackoff := time.Second * 5

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		res, err := c.client.XReadGroup(ctx, xArgs).Result()
		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return
			}
			if errors.Is(err, redis.Nil) {
				// Block timeout (expected), continue polling
				backoff = time.Millisecond * 100
				continue
			}

			c.metrics.consumeErrors.Add(1)
			c.logger.Warn().Str("stream", stream).Err(err).Msg("xreadgroup failed")
			select {
			case <-time.After(backoff):
				backoff = min(backoff*2, maxBackoff)
			case <-ctx.Done():
				return
			}
			continue
		}
		backoff = time.Millisecond * 100

		for _, s := range res {
			for _, m := range s.Messages {
				c.metrics.consumed.Add(1)
				select {
				case workCh <- delivery{stream: s.Stream, id: m.ID, msg: decodeMessage(m.ID, m.Values)}:
				case <-ctx.Done():
					return
				}
			}
		}
	}
}

func (c *Consumer) handle(ctx context.Context, group string, d delivery, handler Handler) {
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
			}
		}()
		return handler(ctx, d.msg)
	}()
	if err == nil {
		if aerr := c.ack(ctx, d.stream, group, d.id); aerr != nil {
			c.logger.Warn().Str("stream", d.stream).Str("entry_id", d.id).Err(aerr).Msg("xack failed")
		}
		return
	}

	c.metrics.nacked.Add(1)
	c.logger.Warn().
		Str("stream", d.stream).
		Str("message_id", d.msg.ID()).
		Err(err).
		Msg("handler failed")
	if c.cfg.DeadLetter == "" {
		// No dead-letter: leave pending to allow consumer group redelivery
		return
	}
	if derr := c.deadLetter(ctx, group, d, err); derr != nil {
		c.logger.Error().Str("stream", d.stream).Str("entry_id", d.id).Err(derr).Msg("dead-letter failed")
	}
}

func (c *Consumer) ack(ctx context.Context, stream, group, id string) error {
	if err := c.client.XAck(ctx, stream, group, id).Err(); err != nil {
		return err
	}
	c.metrics.acked.Add(1)
	return nil
}

// deadLetter copies d to the dead-letter stream with the failure reason,
// then acknowledges d on its own stream.
func (c *Consumer) deadLetter(ctx context.Context, group string, d delivery, reason error) error {
	values := encodeMessage(d.msg)
	values["orig_stream"] = d.stream
	values["orig_id"] = d.id
	values[fieldError] = reason.Error()

	if err := c.client.XAdd(ctx, &redis.XAddArgs{
		Stream: c.cfg.DeadLetter,
		ID:     "*",
		Values: values,
	}).Err(); err != nil {
		return err
	}
	c.metrics.deadLettered.Add(1)
	return c.ack(ctx, d.stream, group, d.id)
}

// claimLoop periodically claims entries idle on other (crashed) consumers
// and runs them through handler.
func (c *Consumer) claimLoop(ctx context.Context, stream, group string, handler Handler) {
	ticker := time.NewTicker(c.cfg.ClaimInterval)
	defer ticker.Stop()

	batch := int64(max(1, c.cfg.ClaimBatch))
	minIdle := c.cfg.ClaimMinIdle

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		pending, err := c.client.XPendingExt(ctx, &redis.XPendingExtArgs{
			Stream: stream,
			Group:  group,
			Start:  "-",
			End:    "+",
			Count:  batch,
			Idle:   minIdle,
		}).Result()
		if err != nil || len(pending) == 0 {
			continue
		}

		ids := make([]string, 0, len(pending))
		for _, p := range pending {
			ids = append(ids, p.ID)
		}

		claimed, err := c.client.XClaim(ctx, &redis.XClaimArgs{
			Stream:   stream,
			Group:    group,
			Consumer: c.cfg.Consumer,
			MinIdle:  minIdle,
			Messages: ids,
		}).Result()
		if err != nil {
			continue
		}
		for _, m := range claimed {
			c.metrics.claimed.Add(1)
			c.handle(ctx, group, delivery{stream: stream, id: m.ID, msg: decodeMessage(m.ID, m.Values)}, handler)
		}
	}
}

// ConsumerStats reports consumer counters.
type ConsumerStats struct {
	Consumed      uint64
	Acked         uint64
	Nacked        uint64
	DeadLettered  uint64
	Claimed       uint64
	ConsumeErrors uint64
}

func (c *Consumer) Stats() ConsumerStats {
	return ConsumerStats{
		Consumed:      c.metrics.consumed.Load(),
		Acked:         c.metrics.acked.Load(),
		Nacked:        c.metrics.nacked.Load(),
		DeadLettered:  c.metrics.deadLettered.Load(),
		Claimed:       c.metrics.claimed.Load(),
		ConsumeErrors: c.metrics.consumeErrors.Load(),
	}
}
