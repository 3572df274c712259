package redisstream

import (
	"errors"
	"fmt"
	"os"
	"time"
)

// Config for the Redis adapters.
type Config struct {
	// Connection
	Addr          string
	Username      string
	Password      string
	DB            int
	TLS           bool
	TLSServerName string

	// Producer
	StreamPrefix string
	MaxLenApprox int64

	// Consumer group
	Group       string
	Consumer    string
	Concurrency int
	BatchSize   int
	Block       time.Duration
	AutoCreate  bool
	DeadLetter  string

	// Pending entry recovery (automatic crash recovery)
	ClaimMinIdle  time.Duration
	ClaimBatch    int
	ClaimInterval time.Duration

	// Outbox and inbox keys
	KeyPrefix string
	InboxTTL  time.Duration
}

// Defaults names the consumer after the host and process id.
func Defaults() Config {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "xdispatch"
	}

	return Config{
		Addr:          "127.0.0.1:6379",
		Group:         "xdispatch",
		Consumer:      fmt.Sprintf("xdispatch-%s-%d", hostname, os.Getpid()),
		Concurrency:   8,
		BatchSize:     128,
		Block:         5 * time.Second,
		AutoCreate:    true,
		ClaimBatch:    128,
		ClaimInterval: 15 * time.Second,
		KeyPrefix:     "xdispatch:",
	}
}

// Validate reports every invalid field at once.
func (c Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf("redisstream config: "+format, args...))
		}
	}
	check(c.Addr != "", "addr required")
	check(c.Group != "", "group required")
	check(c.Consumer != "", "consumer required")
	check(c.Concurrency >= 1, "concurrency must be >= 1, got %d", c.Concurrency)
	check(c.BatchSize >= 1, "batch_size must be >= 1, got %d", c.BatchSize)
	check(c.Block > 0, "block must be > 0, got %v", c.Block)
	check(c.ClaimMinIdle <= 0 || c.ClaimInterval > 0, "claim_interval must be > 0 when claim_min_idle is set")
	check(c.InboxTTL >= 0, "inbox_ttl must be >= 0, got %v", c.InboxTTL)
	return errors.Join(errs...)
}

// toMap converts Config to the generic map expected by the producer factory.
func (c Config) toMap() map[string]any {
	return map[string]any{
		"addr":            c.Addr,
		"username":        c.Username,
		"password":        c.Password,
		"db":              c.DB,
		"tls":             c.TLS,
		"tls_server_name": c.TLSServerName,
		"stream_prefix":   c.StreamPrefix,
		"max_len_approx":  c.MaxLenApprox,
		"group":           c.Group,
		"consumer":        c.Consumer,
		"concurrency":     c.Concurrency,
		"batch_size":      c.BatchSize,
		"block":           c.Block,
		"auto_create":     c.AutoCreate,
		"dead_letter":     c.DeadLetter,
		"claim_min_idle":  c.ClaimMinIdle,
		"claim_batch":     c.ClaimBatch,
		"claim_interval":  c.ClaimInterval,
		"key_prefix":      c.KeyPrefix,
		"inbox_ttl":       c.InboxTTL,
	}
}

// ConfigFromMap reads the keys written by toMap on top of Defaults. Counts
// and sizes must be positive to apply; durations may be time.Duration or
// strings such as "5s".
func ConfigFromMap(m map[string]any) Config {
	c := Defaults()

	setString(m, "addr", &c.Addr, false)
	setString(m, "username", &c.Username, true)
	setString(m, "password", &c.Password, true)
	if v, ok := int64Of(m["db"]); ok {
		c.DB = int(v)
	}
	setBool(m, "tls", &c.TLS)
	setString(m, "tls_server_name", &c.TLSServerName, true)

	setString(m, "stream_prefix", &c.StreamPrefix, true)
	if v, ok := int64Of(m["max_len_approx"]); ok && v > 0 {
		c.MaxLenApprox = v
	}

	setString(m, "group", &c.Group, false)
	setString(m, "consumer", &c.Consumer, false)
	setPositive(m, "concurrency", &c.Concurrency)
	setPositive(m, "batch_size", &c.BatchSize)
	if v, ok := durationOf(m["block"]); ok && v > 0 {
		c.Block = v
	}
	setBool(m, "auto_create", &c.AutoCreate)
	setString(m, "dead_letter", &c.DeadLetter, true)

	if v, ok := durationOf(m["claim_min_idle"]); ok {
		c.ClaimMinIdle = v
	}
	setPositive(m, "claim_batch", &c.ClaimBatch)
	if v, ok := durationOf(m["claim_interval"]); ok && v > 0 {
		c.ClaimInterval = v
	}

	setString(m, "key_prefix", &c.KeyPrefix, true)
	if v, ok := durationOf(m["inbox_ttl"]); ok && v >= 0 {
		c.InboxTTL = v
	}
	return c
}

func setString(m map[string]any, key string, dst *string, allowEmpty bool) {
	if v, ok := m[key].(string); ok && (allowEmpty || v != "") {
		*dst = v
	}
}

func setBool(m map[string]any, key string, dst *bool) {
	if v, ok := m[key].(bool); ok {
		*dst = v
	}
}

func setPositive(m map[string]any, key string, dst *int) {
	if v, ok := int64Of(m[key]); ok && v > 0 {
		*dst = int(v)
	}
}

func int64Of(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case float64:
		return int64(n), true
	}
	return 0, false
}

func durationOf(v any) (time.Duration, bool) {
	switch d := v.(type) {
	case time.Duration:
		return d, true
	case string:
		p, err := time.ParseDuration(d)
		return p, err == nil
	}
	return 0, false
}
