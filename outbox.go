package xdispatch

import (
	"context"
	"time"
)

// Outbox is durable storage for messages awaiting dispatch.
//
// Add is idempotent on message id: a second Add of a stored id is a no-op.
// MarkDispatched is monotonic: once dispatched a record never reverts, and
// concurrent marks of one id must not fail; exactly one of them reports the
// change. Implementations joining a
// caller's transaction read it from ctx (see the adapter's WithTx).
type Outbox interface {
	// Add stores msgs and returns how many were not already stored. Either
	// all new ones are stored or none are.
	Add(ctx context.Context, msgs ...Message) (int, error)
	// Get returns the record for id or ErrMessageNotFound.
	Get(ctx context.Context, id string) (OutboxRecord, error)
	// List pages through all records by timestamp; page starts at 1.
	List(ctx context.Context, page, size int) ([]OutboxRecord, error)
	// OutstandingMessages returns up to limit undispatched messages
	// timestamped at or before olderThan, oldest first. Messages on
	// skipTopics are left out before the limit applies.
	OutstandingMessages(ctx context.Context, olderThan time.Time, limit int, skipTopics ...string) ([]Message, error)
	// OutstandingCount returns the number of undispatched messages.
	OutstandingCount(ctx context.Context) (int, error)
	// MarkDispatched flags id as dispatched and reports whether this call
	// changed it; false means it was already dispatched.
	MarkDispatched(ctx context.Context, id string, at time.Time) (bool, error)
	// DispatchedMessages returns up to limit records dispatched at or before
	// dispatchedBefore.
	DispatchedMessages(ctx context.Context, dispatchedBefore time.Time, limit int) ([]OutboxRecord, error)
	Delete(ctx context.Context, ids ...string) error
}

// Archiver receives dispatched records before they are deleted from the outbox.
type Archiver interface {
	Archive(ctx context.Context, records []OutboxRecord) error
}
