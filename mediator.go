package xdispatch

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker"
	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
)

// MediatorConfig tunes deposit admission, clearing and the per-topic breakers.
type MediatorConfig struct {
	// MaxOutstanding caps undispatched messages; zero disables the cap.
	MaxOutstanding int
	// OutstandingCheckInterval is how often the local count is refreshed
	// from the outbox.
	OutstandingCheckInterval time.Duration

	// ClearBatchSize bounds one ClearOutstanding pass.
	ClearBatchSize int
	// MinimumAge keeps the sweep away from messages a foreground Post is
	// still clearing.
	MinimumAge time.Duration
	// SweepInterval is the sweeper tick.
	SweepInterval time.Duration
	// SendTimeout bounds one producer send; zero leaves it to ctx.
	SendTimeout time.Duration

	// ArchiveAfter is the retention of dispatched records; zero keeps them.
	ArchiveAfter     time.Duration
	ArchiveBatchSize int

	// TopicFailureThreshold consecutive send failures trip a topic.
	TopicFailureThreshold uint32
	// TopicCooldown is how long a tripped topic is skipped.
	TopicCooldown time.Duration
}

// DefaultMediatorConfig has no outstanding limit and sweeps every five seconds.
func DefaultMediatorConfig() MediatorConfig {
	return MediatorConfig{
		MaxOutstanding:           0,
		OutstandingCheckInterval: time.Second,
		ClearBatchSize:           100,
		MinimumAge:               5 * time.Second,
		SweepInterval:            5 * time.Second,
		ArchiveBatchSize:         500,
		TopicFailureThreshold:    5,
		TopicCooldown:            30 * time.Second,
	}
}

// Validate checks the config.
func (c MediatorConfig) Validate() error {
	if c.MaxOutstanding < 0 {
		return fmt.Errorf("config: max_outstanding must be >= 0, got %d", c.MaxOutstanding)
	}
	if c.MaxOutstanding > 0 && c.OutstandingCheckInterval <= 0 {
		return fmt.Errorf("config: outstanding_check_interval must be > 0 if max_outstanding is set")
	}
	if c.ClearBatchSize < 1 {
		return fmt.Errorf("config: clear_batch_size must be >= 1, got %d", c.ClearBatchSize)
	}
	if c.MinimumAge < 0 {
		return fmt.Errorf("config: minimum_age must be >= 0, got %v", c.MinimumAge)
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("config: sweep_interval must be > 0, got %v", c.SweepInterval)
	}
	if c.ArchiveAfter > 0 && c.ArchiveBatchSize < 1 {
		return fmt.Errorf("config: archive_batch_size must be >= 1 if archive_after is set")
	}
	if c.TopicFailureThreshold < 1 {
		return fmt.Errorf("config: topic_failure_threshold must be >= 1, got %d", c.TopicFailureThreshold)
	}
	if c.TopicCooldown <= 0 {
		return fmt.Errorf("config: topic_cooldown must be > 0, got %v", c.TopicCooldown)
	}
	return nil
}

func (c MediatorConfig) toMap() map[string]any {
	return map[string]any{
		"max_outstanding":            c.MaxOutstanding,
		"outstanding_check_interval": c.OutstandingCheckInterval,
		"clear_batch_size":           c.ClearBatchSize,
		"minimum_age":                c.MinimumAge,
		"sweep_interval":             c.SweepInterval,
		"send_timeout":               c.SendTimeout,
		"archive_after":              c.ArchiveAfter,
		"archive_batch_size":         c.ArchiveBatchSize,
		"topic_failure_threshold":    c.TopicFailureThreshold,
		"topic_cooldown":             c.TopicCooldown,
	}
}

// MediatorConfigFromMap converts a generic map to MediatorConfig over defaults.
func MediatorConfigFromMap(m map[string]any) MediatorConfig {
	c := DefaultMediatorConfig()

	if v, ok := m["max_outstanding"].(int); ok && v >= 0 {
		c.MaxOutstanding = v
	}
	if v, ok := m["outstanding_check_interval"].(time.Duration); ok && v > 0 {
		c.OutstandingCheckInterval = v
	}
	if v, ok := m["clear_batch_size"].(int); ok && v > 0 {
		c.ClearBatchSize = v
	}
	if v, ok := m["minimum_age"].(time.Duration); ok && v >= 0 {
		c.MinimumAge = v
	}
	if v, ok := m["sweep_interval"].(time.Duration); ok && v > 0 {
		c.SweepInterval = v
	}
	if v, ok := m["send_timeout"].(time.Duration); ok {
		c.SendTimeout = v
	}
	if v, ok := m["archive_after"].(time.Duration); ok {
		c.ArchiveAfter = v
	}
	if v, ok := m["archive_batch_size"].(int); ok && v > 0 {
		c.ArchiveBatchSize = v
	}
	if v, ok := m["topic_failure_threshold"].(uint32); ok && v > 0 {
		c.TopicFailureThreshold = v
	}
	if v, ok := m["topic_cooldown"].(time.Duration); ok && v > 0 {
		c.TopicCooldown = v
	}

	return c
}

// OutboxMediator moves messages from the outbox to producers.
//
// Deposit writes; Clear and ClearOutstanding read outstanding messages,
// send them and mark them dispatched. A failed send leaves the record
// outstanding for the next sweep.
type OutboxMediator struct {
	outbox    Outbox
	producers *ProducerRegistry
	cfg       MediatorConfig
	clock     xclock.Clock
	logger    *xlog.Logger
	archiver  Archiver
	notify    func(LifecycleEvent)

	outstanding atomic.Int64
	lastCheckNs atomic.Int64
	refreshMu   sync.Mutex

	breakersMu sync.Mutex
	breakers   map[string]*gobreaker.CircuitBreaker

	// ids currently being sent by this mediator
	inflight sync.Map

	deposited  atomic.Uint64
	dispatched atomic.Uint64
	failed     atomic.Uint64
}

// MediatorOption configures an OutboxMediator.
type MediatorOption func(*OutboxMediator)

func WithMediatorLogger(l *xlog.Logger) MediatorOption {
	return func(m *OutboxMediator) {
		if l != nil {
			m.logger = l
		}
	}
}

func WithMediatorClock(c xclock.Clock) MediatorOption {
	return func(m *OutboxMediator) {
		if c != nil {
			m.clock = c
		}
	}
}

// WithArchiver makes Archive copy dispatched records to a before deleting them.
func WithArchiver(a Archiver) MediatorOption {
	return func(m *OutboxMediator) { m.archiver = a }
}

func withMediatorNotify(fn func(LifecycleEvent)) MediatorOption {
	return func(m *OutboxMediator) { m.notify = fn }
}

// NewOutboxMediator validates cfg and returns a mediator over outbox and producers.
func NewOutboxMediator(outbox Outbox, producers *ProducerRegistry, cfg MediatorConfig, opts ...MediatorOption) (*OutboxMediator, error) {
	if outbox == nil {
		return nil, configError("", nil, ErrNoOutbox)
	}
	if producers == nil {
		producers = NewProducerRegistry()
	}
	if err := cfg.Validate(); err != nil {
		return nil, configError("", nil, err)
	}
	m := &OutboxMediator{
		outbox:    outbox,
		producers: producers,
		cfg:       cfg,
		clock:     xclock.Default(),
		logger:    xlog.Default(),
		breakers:  make(map[string]*gobreaker.CircuitBreaker),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Config returns the mediator configuration.
func (m *OutboxMediator) Config() MediatorConfig { return m.cfg }

// Outbox returns the underlying store.
func (m *OutboxMediator) Outbox() Outbox { return m.outbox }

// Producers returns the producer registry.
func (m *OutboxMediator) Producers() *ProducerRegistry { return m.producers }

// Deposit writes msgs to the outbox in one call. It fails with a
// *ResourceLimitError when the outstanding cap would be exceeded. Ids
// already in the outbox are not counted against the cap.
func (m *OutboxMediator) Deposit(ctx context.Context, msgs ...Message) error {
	if len(msgs) == 0 {
		return nil
	}
	n := int64(len(msgs))
	if err := m.admit(ctx, n); err != nil {
		var rle *ResourceLimitError
		if errors.As(err, &rle) {
			if m.stored(ctx, msgs) {
				return nil
			}
			rle.MessageID = msgs[0].ID()
			m.logger.Warn().
				Str("message_id", rle.MessageID).
				Str("outstanding", strconv.Itoa(rle.Outstanding)).
				Str("limit", strconv.Itoa(rle.Limit)).
				Msg("xdispatch: outbox limit reached")
		}
		return err
	}
	added, err := m.outbox.Add(ctx, msgs...)
	if err != nil {
		m.release(n)
		return fmt.Errorf("deposit message %s: %w", msgs[0].ID(), err)
	}
	if dup := n - int64(added); dup > 0 {
		m.release(dup)
	}
	if added == 0 {
		return nil
	}
	m.deposited.Add(uint64(added))
	for _, msg := range msgs {
		m.emit(LifecycleEvent{Type: Deposited, MessageID: msg.ID(), Topic: msg.Topic()})
	}
	return nil
}

// admit reserves n slots against MaxOutstanding.
func (m *OutboxMediator) admit(ctx context.Context, n int64) error {
	limit := int64(m.cfg.MaxOutstanding)
	if limit <= 0 {
		m.outstanding.Add(n)
		return nil
	}
	m.refreshOutstanding(ctx)
	for {
		cur := m.outstanding.Load()
		if cur+n > limit {
			return &ResourceLimitError{Outstanding: int(cur), Limit: int(limit)}
		}
		if m.outstanding.CompareAndSwap(cur, cur+n) {
			return nil
		}
	}
}

// stored reports whether every message of msgs is already in the outbox.
func (m *OutboxMediator) stored(ctx context.Context, msgs []Message) bool {
	for _, msg := range msgs {
		if _, err := m.outbox.Get(ctx, msg.ID()); err != nil {
			return false
		}
	}
	return true
}

func (m *OutboxMediator) release(n int64) {
	for {
		cur := m.outstanding.Load()
		next := cur - n
		if next < 0 {
			next = 0
		}
		if m.outstanding.CompareAndSwap(cur, next) {
			return
		}
	}
}

// refreshOutstanding re-reads the outstanding count from the outbox at most
// once per OutstandingCheckInterval.
func (m *OutboxMediator) refreshOutstanding(ctx context.Context) {
	now := m.clock.Now().UnixNano()
	last := m.lastCheckNs.Load()
	if last != 0 && time.Duration(now-last) < m.cfg.OutstandingCheckInterval {
		return
	}
	if !m.refreshMu.TryLock() {
		return
	}
	defer m.refreshMu.Unlock()

	count, err := m.outbox.OutstandingCount(ctx)
	if err != nil {
		m.logger.Warn().Err(err).Msg("xdispatch: outstanding count refresh failed")
		return
	}
	m.outstanding.Store(int64(count))
	m.lastCheckNs.Store(now)
}

// Outstanding returns the locally tracked number of undispatched messages.
func (m *OutboxMediator) Outstanding() int { return int(m.outstanding.Load()) }

// Clear dispatches the given messages if they are still outstanding.
// Failures are joined; the remaining ids are still attempted.
func (m *OutboxMediator) Clear(ctx context.Context, ids ...string) error {
	var errs []error
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		rec, err := m.outbox.Get(ctx, id)
		if err != nil {
			errs = append(errs, fmt.Errorf("clear message %s: %w", id, err))
			continue
		}
		if rec.Dispatched {
			continue
		}
		if err := m.dispatch(ctx, rec.Message); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Resend dispatches msg whether or not it was dispatched before. Only a
// send that moves the record out of the outstanding set frees a slot.
func (m *OutboxMediator) Resend(ctx context.Context, msg Message) error {
	return m.dispatch(ctx, msg)
}

// ClearOutstanding dispatches up to batch outstanding messages older than
// minAge, grouped by topic. Messages on topics whose breaker is open are
// left out of the batch.
// It returns the number of messages dispatched.
func (m *OutboxMediator) ClearOutstanding(ctx context.Context, minAge time.Duration, batch int) (int, error) {
	if batch < 1 {
		batch = m.cfg.ClearBatchSize
	}
	tripped := m.TrippedTopics()
	for _, topic := range tripped {
		m.logger.Debug().Str("topic", topic).Msg("xdispatch: topic tripped, skipping")
		m.emit(LifecycleEvent{Type: TopicTripped, Topic: topic})
	}
	msgs, err := m.outbox.OutstandingMessages(ctx, m.clock.Now().Add(-minAge), batch, tripped...)
	if err != nil {
		return 0, fmt.Errorf("read outstanding messages: %w", err)
	}
	if len(msgs) == 0 {
		return 0, nil
	}

	var topics []string
	byTopic := make(map[string][]Message)
	for _, msg := range msgs {
		if _, ok := byTopic[msg.Topic()]; !ok {
			topics = append(topics, msg.Topic())
		}
		byTopic[msg.Topic()] = append(byTopic[msg.Topic()], msg)
	}

	sent := 0
	var errs []error
	for _, topic := range topics {
		// opened since the batch was read
		if m.Tripped(topic) {
			continue
		}
		for _, msg := range byTopic[topic] {
			if err := ctx.Err(); err != nil {
				return sent, errors.Join(append(errs, err)...)
			}
			err := m.dispatch(ctx, msg)
			if err == nil {
				sent++
				continue
			}
			errs = append(errs, err)
			if errors.Is(err, ErrCircuitOpen) {
				break
			}
		}
	}
	return sent, errors.Join(errs...)
}

func (m *OutboxMediator) dispatch(ctx context.Context, msg Message) error {
	id := msg.ID()
	if _, busy := m.inflight.LoadOrStore(id, struct{}{}); busy {
		// another goroutine of this mediator is sending it
		return nil
	}
	defer m.inflight.Delete(id)

	p, err := m.producers.Lookup(msg.Topic())
	if err != nil {
		return err
	}

	msg = msg.WithHandledCount(msg.Header.HandledCount + 1)
	start := m.clock.Now()
	err = runBreaker(m.breakerFor(msg.Topic()), func() error {
		return m.send(ctx, p, msg)
	})
	if err != nil {
		m.failed.Add(1)
		m.logger.Warn().
			Str("message_id", id).
			Str("topic", msg.Topic()).
			Err(err).
			Msg("xdispatch: dispatch failed")
		m.emit(LifecycleEvent{Type: DispatchFailed, MessageID: id, Topic: msg.Topic(), Err: err})
		return &DispatchError{MessageID: id, Topic: msg.Topic(), Err: err}
	}

	marked, err := m.outbox.MarkDispatched(ctx, id, m.clock.Now())
	if err != nil {
		// sent but still outstanding: the sweep sends it again
		return fmt.Errorf("mark message %s dispatched: %w", id, err)
	}
	if marked {
		m.release(1)
	}
	m.dispatched.Add(1)
	m.emit(LifecycleEvent{Type: Dispatched, MessageID: id, Topic: msg.Topic(), Duration: m.clock.Since(start)})
	return nil
}

func (m *OutboxMediator) send(ctx context.Context, p Producer, msg Message) error {
	if m.cfg.SendTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.cfg.SendTimeout)
		defer cancel()
	}
	if delay, ok := msg.Delay(); ok {
		if dp, ok := p.(DelayedProducer); ok {
			return dp.SendWithDelay(ctx, msg, delay)
		}
	}
	return p.Send(ctx, msg)
}

func (m *OutboxMediator) breakerFor(topic string) *gobreaker.CircuitBreaker {
	m.breakersMu.Lock()
	defer m.breakersMu.Unlock()
	if cb, ok := m.breakers[topic]; ok {
		return cb
	}
	cfg := BreakerConfig{
		Name:                topic,
		ConsecutiveFailures: m.cfg.TopicFailureThreshold,
		Timeout:             m.cfg.TopicCooldown,
		MaxRequests:         1,
		OnStateChange: func(name string, from, to gobreaker.State) {
			m.logger.Info().
				Str("topic", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("xdispatch: topic breaker state changed")
		},
	}
	cb := gobreaker.NewCircuitBreaker(cfg.settings())
	m.breakers[topic] = cb
	return cb
}

// Tripped reports whether topic's breaker is open.
func (m *OutboxMediator) Tripped(topic string) bool {
	m.breakersMu.Lock()
	cb, ok := m.breakers[topic]
	m.breakersMu.Unlock()
	return ok && cb.State() == gobreaker.StateOpen
}

// TrippedTopics lists topics whose breaker is open.
func (m *OutboxMediator) TrippedTopics() []string {
	m.breakersMu.Lock()
	defer m.breakersMu.Unlock()
	var out []string
	for topic, cb := range m.breakers {
		if cb.State() == gobreaker.StateOpen {
			out = append(out, topic)
		}
	}
	return out
}

// Archive removes up to batch records dispatched more than olderThan ago,
// handing them to the Archiver first when one is configured.
func (m *OutboxMediator) Archive(ctx context.Context, olderThan time.Duration, batch int) (int, error) {
	if batch < 1 {
		batch = m.cfg.ArchiveBatchSize
	}
	recs, err := m.outbox.DispatchedMessages(ctx, m.clock.Now().Add(-olderThan), batch)
	if err != nil {
		return 0, fmt.Errorf("read dispatched messages: %w", err)
	}
	if len(recs) == 0 {
		return 0, nil
	}
	if m.archiver != nil {
		if err := m.archiver.Archive(ctx, recs); err != nil {
			return 0, fmt.Errorf("archive %d messages: %w", len(recs), err)
		}
	}
	ids := make([]string, len(recs))
	for i, r := range recs {
		ids[i] = r.Message.ID()
	}
	if err := m.outbox.Delete(ctx, ids...); err != nil {
		return 0, fmt.Errorf("delete %d archived messages: %w", len(ids), err)
	}
	m.emit(LifecycleEvent{Type: Archived, MessageID: ids[0]})
	return len(ids), nil
}

func (m *OutboxMediator) emit(e LifecycleEvent) {
	if m.notify != nil {
		m.notify(e)
	}
}
