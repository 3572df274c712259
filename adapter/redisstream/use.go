package redisstream

import (
	"fmt"

	"github.com/trickstertwo/xdispatch"
)

// Use builds a CommandProcessor on one Redis connection: a Redis outbox and
// a Streams producer serving every topic. Closing the processor closes the
// connection. It panics when Redis is unreachable or the build fails.
func Use(cfg Config, opts ...Option) *xdispatch.CommandProcessor {
	if err := cfg.Validate(); err != nil {
		panic(fmt.Errorf("redisstream.Use: %w", err))
	}
	client, err := NewClient(cfg)
	if err != nil {
		panic(fmt.Errorf("redisstream.Use: %w", err))
	}

	prod := NewProducerWithClient(client, cfg)
	prod.owned = true

	o := &options{
		b: xdispatch.NewProcessorBuilder().
			WithOutbox(NewOutbox(client, cfg.KeyPrefix)).
			WithFallbackProducer(prod),
		client: client,
		cfg:    cfg,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}

	proc, err := o.b.Build()
	if err != nil {
		_ = client.Close()
		panic(fmt.Errorf("redisstream.Use: %w", err))
	}
	return proc
}
