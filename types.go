package xdispatch

import (
	"time"
)

// EventType enumerates lifecycle events for the Observer pattern.
type EventType string

const (
	SendStart      EventType = "send_start"
	SendDone       EventType = "send_done"
	PublishStart   EventType = "publish_start"
	PublishDone    EventType = "publish_done"
	Deposited      EventType = "deposited"
	Dispatched     EventType = "dispatched"
	DispatchFailed EventType = "dispatch_failed"
	TopicTripped   EventType = "topic_tripped"
	Duplicate      EventType = "duplicate"
	Archived       EventType = "archived"
	Error          EventType = "error"
)

// LifecycleEvent carries telemetry for observers.
type LifecycleEvent struct {
	Type        EventType
	RequestType string
	RequestID   string
	MessageID   string
	Topic       string
	Handler     string
	Duration    time.Duration
	Err         error
}

// PoolStats describes the observer pool.
type PoolStats struct {
	Dropped    uint64 // queue was full
	Processed  uint64
	Panicked   uint64 // observer calls that panicked
	Queued     int
	Observers  int
	Workers    int
	BufferSize int
}

// Metrics defines observable telemetry for the processor.
type Metrics struct {
	Sent                uint64
	Published           uint64
	Posted              uint64
	Deposited           uint64
	Dispatched          uint64
	DispatchFailures    uint64
	Errors              uint64
	EventsDropped       uint64
	Outstanding         int
	AvgProcessingTimeMs float64
}

// HealthStatus indicates processor health for Kubernetes probes.
type HealthStatus struct {
	Status    string // "healthy", "degraded", "unhealthy"
	Metrics   Metrics
	Timestamp time.Time
	Message   string
}
