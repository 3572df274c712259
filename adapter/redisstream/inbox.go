package redisstream

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/trickstertwo/xdispatch"
)

// Inbox records handled (request id, context key) pairs as plain keys.
// With a TTL entries expire and a late redelivery is handled again.
type Inbox struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

var _ xdispatch.Inbox = (*Inbox)(nil)

func NewInbox(client *redis.Client, prefix string, ttl time.Duration) *Inbox {
	return &Inbox{client: client, prefix: prefix, ttl: ttl}
}

func (i *Inbox) key(requestID, contextKey string) string {
	return i.prefix + "inbox:" + contextKey + ":" + requestID
}

func (i *Inbox) Exists(ctx context.Context, requestID, contextKey string) (bool, error) {
	n, err := i.client.Exists(ctx, i.key(requestID, contextKey)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Add is idempotent; an existing entry keeps its original expiry.
func (i *Inbox) Add(ctx context.Context, requestID, contextKey string) error {
	return i.client.SetNX(ctx, i.key(requestID, contextKey), "1", i.ttl).Err()
}
