package xdispatch

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/trickstertwo/xlog"
)

// Sweeper periodically clears outstanding outbox messages and, when
// configured, archives old dispatched ones.
type Sweeper struct {
	mediator *OutboxMediator
	interval time.Duration
	minAge   time.Duration
	batch    int
	logger   *xlog.Logger
	isLeader func() bool

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	done    chan struct{}
}

// NewSweeper returns a sweeper driven by the mediator's configuration.
// isLeader may be nil; when set, ticks are skipped while it returns false
// so only one process of a deployment sweeps.
func NewSweeper(m *OutboxMediator, isLeader func() bool) *Sweeper {
	cfg := m.Config()
	if isLeader == nil {
		isLeader = func() bool { return true }
	}
	return &Sweeper{
		mediator: m,
		interval: cfg.SweepInterval,
		minAge:   cfg.MinimumAge,
		batch:    cfg.ClearBatchSize,
		logger:   m.logger,
		isLeader: isLeader,
	}
}

// Start launches the sweep loop. It is a no-op when already running.
func (s *Sweeper) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.done = make(chan struct{})
	go s.run(ctx, s.stopCh, s.done)
}

// Running reports whether the sweep loop is active.
func (s *Sweeper) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Stop ends the loop and waits for an in-progress pass to finish.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	close(s.stopCh)
	done := s.done
	s.running = false
	s.mu.Unlock()
	<-done
}

func (s *Sweeper) run(ctx context.Context, stopCh, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.mu.Lock()
			if s.stopCh == stopCh {
				s.running = false
			}
			s.mu.Unlock()
			return
		case <-stopCh:
			return
		case <-ticker.C:
			if !s.isLeader() {
				continue
			}
			s.Sweep(ctx)
		}
	}
}

// Sweep runs one pass: clear, then archive if retention is configured.
func (s *Sweeper) Sweep(ctx context.Context) {
	sent, err := s.mediator.ClearOutstanding(ctx, s.minAge, s.batch)
	if err != nil {
		s.logger.Warn().Err(err).Str("sent", strconv.Itoa(sent)).Msg("xdispatch: sweep finished with errors")
	} else if sent > 0 {
		s.logger.Debug().Str("sent", strconv.Itoa(sent)).Msg("xdispatch: sweep dispatched messages")
	}

	cfg := s.mediator.Config()
	if cfg.ArchiveAfter <= 0 {
		return
	}
	if n, err := s.mediator.Archive(ctx, cfg.ArchiveAfter, cfg.ArchiveBatchSize); err != nil {
		s.logger.Warn().Err(err).Msg("xdispatch: archive failed")
	} else if n > 0 {
		s.logger.Debug().Str("archived", strconv.Itoa(n)).Msg("xdispatch: archived dispatched messages")
	}
}
