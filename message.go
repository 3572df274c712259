package xdispatch

import (
	"bytes"
	"maps"
	"time"

	"github.com/google/uuid"
)

// MessageType classifies a transport message.
type MessageType string

const (
	MessageTypeNone     MessageType = "none"
	MessageTypeCommand  MessageType = "command"
	MessageTypeEvent    MessageType = "event"
	MessageTypeDocument MessageType = "document"
	MessageTypeQuit     MessageType = "quit"
)

// MessageTypeFor maps a request kind onto the message type used on the wire.
func MessageTypeFor(k Kind) MessageType {
	switch k {
	case KindCommand:
		return MessageTypeCommand
	case KindEvent:
		return MessageTypeEvent
	default:
		return MessageTypeNone
	}
}

// Bag keys understood by the mediator.
const (
	// BagDelay holds a time.Duration string; producers implementing
	// DelayedProducer deliver the message after that delay.
	BagDelay = "xdispatch-delay"
	// BagPartitionKey is forwarded as the broker key where supported.
	BagPartitionKey = "xdispatch-partition-key"
)

// Header describes a Message for routing and diagnostics.
type Header struct {
	// ID is the message identifier; outbox records are keyed by it.
	ID string
	// Topic selects the producer (routing key).
	Topic string
	// Type is the message classification.
	Type MessageType
	// Timestamp is the production time (from the injected clock).
	Timestamp time.Time
	// CorrelationID links replies and follow-up messages.
	CorrelationID string
	// HandledCount counts delivery attempts.
	HandledCount int
	// Bag carries transport headers.
	Bag map[string]string
}

// Body is the encoded payload.
type Body struct {
	Bytes       []byte
	ContentType string
}

// Message is the transport envelope produced from a Request by a mapper.
// Treat it as immutable: NewMessage and the With* helpers copy their inputs.
type Message struct {
	Header Header
	Body   Body
}

// NewMessage builds a Message, copying the bag and the body bytes.
// An empty header ID is replaced with a fresh UUID.
func NewMessage(h Header, b Body) Message {
	if h.ID == "" {
		h.ID = uuid.NewString()
	}
	if h.Type == "" {
		h.Type = MessageTypeNone
	}
	h.Bag = maps.Clone(h.Bag)
	if h.Bag == nil {
		h.Bag = map[string]string{}
	}
	if !h.Timestamp.IsZero() {
		// strip the monotonic reading so round-tripped timestamps compare equal
		h.Timestamp = h.Timestamp.Round(0)
	}
	b.Bytes = bytes.Clone(b.Bytes)
	return Message{Header: h, Body: b}
}

// ID is shorthand for Header.ID.
func (m Message) ID() string { return m.Header.ID }

// Topic is shorthand for Header.Topic.
func (m Message) Topic() string { return m.Header.Topic }

// Equal reports whether header and body are identical.
func (m Message) Equal(o Message) bool {
	h, oh := m.Header, o.Header
	if h.ID != oh.ID || h.Topic != oh.Topic || h.Type != oh.Type ||
		h.CorrelationID != oh.CorrelationID || h.HandledCount != oh.HandledCount ||
		!h.Timestamp.Equal(oh.Timestamp) {
		return false
	}
	if len(h.Bag) != len(oh.Bag) || !maps.Equal(h.Bag, oh.Bag) {
		return false
	}
	return m.Body.ContentType == o.Body.ContentType && bytes.Equal(m.Body.Bytes, o.Body.Bytes)
}

// WithHandledCount returns a copy of m with HandledCount set to n.
func (m Message) WithHandledCount(n int) Message {
	h := m.Header
	h.HandledCount = n
	return NewMessage(h, m.Body)
}

// WithBag returns a copy of m with key set in the bag.
func (m Message) WithBag(key, value string) Message {
	h := m.Header
	h.Bag = maps.Clone(h.Bag)
	if h.Bag == nil {
		h.Bag = map[string]string{}
	}
	h.Bag[key] = value
	return NewMessage(h, m.Body)
}

// Delay returns the delivery delay requested through the bag, if any.
func (m Message) Delay() (time.Duration, bool) {
	v, ok := m.Header.Bag[BagDelay]
	if !ok || v == "" {
		return 0, false
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return 0, false
	}
	return d, true
}

// OutboxRecord is a stored Message plus its dispatch state.
type OutboxRecord struct {
	Message      Message
	Dispatched   bool
	DispatchedAt *time.Time
}
