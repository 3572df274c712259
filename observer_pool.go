package xdispatch

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
)

// ObserverPool delivers lifecycle events to its subscribed observers on a
// fixed set of worker goroutines. Notify never blocks: an event that does
// not fit in the queue is counted as dropped.
type ObserverPool struct {
	queue   chan LifecycleEvent
	stop    chan struct{}
	workers int
	wg      sync.WaitGroup
	closed  atomic.Bool

	subMu  sync.Mutex
	nextID uint64
	subs   atomic.Pointer[[]subscription]

	dropped   atomic.Uint64
	processed atomic.Uint64
	panicked  atomic.Uint64
}

type subscription struct {
	id  uint64
	obs Observer
}

// NewObserverPool starts workers goroutines reading a queue of buffer events.
// Non-positive values fall back to 4 workers and 1024 slots.
func NewObserverPool(workers, buffer int) *ObserverPool {
	if workers < 1 {
		workers = 4
	}
	if buffer < 1 {
		buffer = 1024
	}
	op := &ObserverPool{
		queue:   make(chan LifecycleEvent, buffer),
		stop:    make(chan struct{}),
		workers: workers,
	}
	op.subs.Store(&[]subscription{})
	for range workers {
		op.wg.Go(op.run)
	}
	return op
}

// Subscribe adds obs and returns a func that removes it again. Removal is
// by subscription, so the same observer may be subscribed twice.
func (op *ObserverPool) Subscribe(obs Observer) (unsubscribe func()) {
	if obs == nil {
		return func() {}
	}
	op.subMu.Lock()
	op.nextID++
	id := op.nextID
	cur := *op.subs.Load()
	next := make([]subscription, len(cur), len(cur)+1)
	copy(next, cur)
	next = append(next, subscription{id: id, obs: obs})
	op.subs.Store(&next)
	op.subMu.Unlock()

	var once sync.Once
	return func() { once.Do(func() { op.unsubscribe(id) }) }
}

func (op *ObserverPool) unsubscribe(id uint64) {
	op.subMu.Lock()
	defer op.subMu.Unlock()
	cur := *op.subs.Load()
	next := make([]subscription, 0, len(cur))
	for _, s := range cur {
		if s.id != id {
			next = append(next, s)
		}
	}
	op.subs.Store(&next)
}

// Observers reports how many observers are subscribed.
func (op *ObserverPool) Observers() int { return len(*op.subs.Load()) }

// Notify queues e for delivery.
func (op *ObserverPool) Notify(e LifecycleEvent) {
	if op.closed.Load() || op.Observers() == 0 {
		return
	}
	select {
	case op.queue <- e:
	default:
		op.dropped.Add(1)
	}
}

func (op *ObserverPool) run() {
	for {
		select {
		case e := <-op.queue:
			op.deliver(e)
		case <-op.stop:
			for {
				select {
				case e := <-op.queue:
					op.deliver(e)
				default:
					return
				}
			}
		}
	}
}

// deliver hands e to the observers subscribed at the time it is dequeued.
func (op *ObserverPool) deliver(e LifecycleEvent) {
	for _, s := range *op.subs.Load() {
		op.call(s.obs, e)
	}
	op.processed.Add(1)
}

func (op *ObserverPool) call(obs Observer, e LifecycleEvent) {
	defer func() {
		if r := recover(); r != nil {
			op.panicked.Add(1)
		}
	}()
	obs.OnEvent(e)
}

// Close stops accepting events and waits for the queue to drain, or for ctx
// to end first. Later calls return nil.
func (op *ObserverPool) Close(ctx context.Context) error {
	if op.closed.Swap(true) {
		return nil
	}
	close(op.stop)

	done := make(chan struct{})
	go func() {
		op.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", ErrObserverPoolShutdownTimeout, ctx.Err())
	}
}

func (op *ObserverPool) Stats() PoolStats {
	return PoolStats{
		Dropped:    op.dropped.Load(),
		Processed:  op.processed.Load(),
		Panicked:   op.panicked.Load(),
		Queued:     len(op.queue),
		Observers:  op.Observers(),
		Workers:    op.workers,
		BufferSize: cap(op.queue),
	}
}
