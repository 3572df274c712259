package memory

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/trickstertwo/xdispatch"
)

// Outbox is an in-memory xdispatch.Outbox (dev/testing). It does not
// survive a restart.
type Outbox struct {
	mu      sync.RWMutex
	records map[string]*xdispatch.OutboxRecord
	order   []string // insertion order
}

var _ xdispatch.Outbox = (*Outbox)(nil)

func NewOutbox() *Outbox {
	return &Outbox{records: make(map[string]*xdispatch.OutboxRecord)}
}

// Add stores msgs; ids already present are left untouched.
func (o *Outbox) Add(ctx context.Context, msgs ...xdispatch.Message) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, m := range msgs {
		if m.ID() == "" {
			return 0, fmt.Errorf("memory outbox: message without id")
		}
	}
	added := 0
	for _, m := range msgs {
		if _, ok := o.records[m.ID()]; ok {
			continue
		}
		o.records[m.ID()] = &xdispatch.OutboxRecord{Message: xdispatch.NewMessage(m.Header, m.Body)}
		o.order = append(o.order, m.ID())
		added++
	}
	return added, nil
}

func (o *Outbox) Get(ctx context.Context, id string) (xdispatch.OutboxRecord, error) {
	if err := ctx.Err(); err != nil {
		return xdispatch.OutboxRecord{}, err
	}
	o.mu.RLock()
	defer o.mu.RUnlock()
	rec, ok := o.records[id]
	if !ok {
		return xdispatch.OutboxRecord{}, fmt.Errorf("%w: %s", xdispatch.ErrMessageNotFound, id)
	}
	return copyRecord(rec), nil
}

func (o *Outbox) List(ctx context.Context, page, size int) ([]xdispatch.OutboxRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if page < 1 {
		page = 1
	}
	if size < 1 {
		return nil, nil
	}
	o.mu.RLock()
	defer o.mu.RUnlock()
	start := (page - 1) * size
	if start >= len(o.order) {
		return nil, nil
	}
	ids := o.byTimestamp()
	end := min(start+size, len(ids))
	out := make([]xdispatch.OutboxRecord, 0, end-start)
	for _, id := range ids[start:end] {
		out = append(out, copyRecord(o.records[id]))
	}
	return out, nil
}

// byTimestamp returns ids ordered by message timestamp, ties in insertion
// order. Callers hold o.mu.
func (o *Outbox) byTimestamp() []string {
	ids := slices.Clone(o.order)
	slices.SortStableFunc(ids, func(a, b string) int {
		return o.records[a].Message.Header.Timestamp.Compare(o.records[b].Message.Header.Timestamp)
	})
	return ids
}

func (o *Outbox) OutstandingMessages(ctx context.Context, olderThan time.Time, limit int, skipTopics ...string) ([]xdispatch.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	o.mu.RLock()
	defer o.mu.RUnlock()
	var out []xdispatch.Message
	for _, id := range o.byTimestamp() {
		rec := o.records[id]
		if rec.Dispatched || rec.Message.Header.Timestamp.After(olderThan) || slices.Contains(skipTopics, rec.Message.Topic()) {
			continue
		}
		out = append(out, xdispatch.NewMessage(rec.Message.Header, rec.Message.Body))
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (o *Outbox) OutstandingCount(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	o.mu.RLock()
	defer o.mu.RUnlock()
	n := 0
	for _, rec := range o.records {
		if !rec.Dispatched {
			n++
		}
	}
	return n, nil
}

// MarkDispatched flags id as dispatched at at. A second mark keeps the
// first timestamp.
func (o *Outbox) MarkDispatched(ctx context.Context, id string, at time.Time) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	rec, ok := o.records[id]
	if !ok {
		return false, fmt.Errorf("%w: %s", xdispatch.ErrMessageNotFound, id)
	}
	if rec.Dispatched {
		return false, nil
	}
	at = at.Round(0)
	rec.Dispatched = true
	rec.DispatchedAt = &at
	return true, nil
}

func (o *Outbox) DispatchedMessages(ctx context.Context, dispatchedBefore time.Time, limit int) ([]xdispatch.OutboxRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	o.mu.RLock()
	defer o.mu.RUnlock()
	var out []xdispatch.OutboxRecord
	for _, id := range o.order {
		rec := o.records[id]
		if !rec.Dispatched || rec.DispatchedAt.After(dispatchedBefore) {
			continue
		}
		out = append(out, copyRecord(rec))
	}
	slices.SortStableFunc(out, func(a, b xdispatch.OutboxRecord) int {
		return a.DispatchedAt.Compare(*b.DispatchedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (o *Outbox) Delete(ctx context.Context, ids ...string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	drop := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if _, ok := o.records[id]; ok {
			delete(o.records, id)
			drop[id] = struct{}{}
		}
	}
	if len(drop) == 0 {
		return nil
	}
	o.order = slices.DeleteFunc(o.order, func(id string) bool {
		_, ok := drop[id]
		return ok
	})
	return nil
}

// Len returns the number of stored records.
func (o *Outbox) Len() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.records)
}

func copyRecord(rec *xdispatch.OutboxRecord) xdispatch.OutboxRecord {
	out := xdispatch.OutboxRecord{
		Message:    xdispatch.NewMessage(rec.Message.Header, rec.Message.Body),
		Dispatched: rec.Dispatched,
	}
	if rec.DispatchedAt != nil {
		at := *rec.DispatchedAt
		out.DispatchedAt = &at
	}
	return out
}
