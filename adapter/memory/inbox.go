package memory

import (
	"context"
	"sync"

	"github.com/trickstertwo/xdispatch"
)

type inboxKey struct {
	requestID  string
	contextKey string
}

// Inbox is an in-memory xdispatch.Inbox (dev/testing).
type Inbox struct {
	mu      sync.RWMutex
	handled map[inboxKey]struct{}
}

var _ xdispatch.Inbox = (*Inbox)(nil)

func NewInbox() *Inbox {
	return &Inbox{handled: make(map[inboxKey]struct{})}
}

func (i *Inbox) Exists(ctx context.Context, requestID, contextKey string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	i.mu.RLock()
	_, ok := i.handled[inboxKey{requestID, contextKey}]
	i.mu.RUnlock()
	return ok, nil
}

func (i *Inbox) Add(ctx context.Context, requestID, contextKey string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	i.mu.Lock()
	i.handled[inboxKey{requestID, contextKey}] = struct{}{}
	i.mu.Unlock()
	return nil
}

// Len returns the number of recorded pairs.
func (i *Inbox) Len() int {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return len(i.handled)
}
