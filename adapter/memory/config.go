package memory

import "time"

// Config controls the memory producer.
type Config struct {
	// BufferSize is the queue size of each subscribed group.
	BufferSize int
	// Concurrency is the number of workers per subscription.
	Concurrency int
	// RedeliveryDelay is the wait before a message a handler failed is
	// queued again. Zero requeues at once.
	RedeliveryDelay time.Duration
	// Record keeps every sent message for Sent.
	Record bool
}

func Defaults() Config {
	return Config{BufferSize: 1024, Concurrency: 1, Record: true}
}

func (c Config) toMap() map[string]any {
	return map[string]any{
		"buffer_size":      c.BufferSize,
		"concurrency":      c.Concurrency,
		"redelivery_delay": c.RedeliveryDelay,
		"record":           c.Record,
	}
}

// ConfigFromMap reads the keys written by toMap on top of Defaults. Numbers
// may be any integer type or float64; durations a time.Duration, a
// nanosecond float64 or a string for time.ParseDuration.
func ConfigFromMap(m map[string]any) Config {
	c := Defaults()
	if n, ok := number(m["buffer_size"]); ok {
		c.BufferSize = max(1, n)
	}
	if n, ok := number(m["concurrency"]); ok {
		c.Concurrency = max(1, n)
	}
	if d, ok := duration(m["redelivery_delay"]); ok {
		c.RedeliveryDelay = d
	}
	if b, ok := m["record"].(bool); ok {
		c.Record = b
	}
	return c
}

func number(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int32:
		return int(n), true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	}
	return 0, false
}

func duration(v any) (time.Duration, bool) {
	switch d := v.(type) {
	case time.Duration:
		return d, true
	case float64:
		return time.Duration(d), true
	case string:
		p, err := time.ParseDuration(d)
		return p, err == nil
	}
	return 0, false
}
