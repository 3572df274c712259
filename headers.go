package xdispatch

import (
	"strconv"
	"strings"
	"time"
)

// Transport header names used by broker producers that carry the message
// header out of band (NATS headers, Kafka record headers, AMQP tables).
const (
	HeaderID            = "xdispatch-id"
	HeaderTopic         = "xdispatch-topic"
	HeaderType          = "xdispatch-type"
	HeaderTimestamp     = "xdispatch-timestamp" // RFC 3339, nanoseconds
	HeaderCorrelationID = "xdispatch-correlation-id"
	HeaderHandledCount  = "xdispatch-handled-count"
	HeaderContentType   = "content-type"
	HeaderBagPrefix     = "xdispatch-bag-"
)

// TransportHeaders flattens the header and content type of m. Bag entries
// are prefixed with HeaderBagPrefix.
func (m Message) TransportHeaders() map[string]string {
	h := m.Header
	out := make(map[string]string, 7+len(h.Bag))
	out[HeaderID] = h.ID
	out[HeaderTopic] = h.Topic
	out[HeaderType] = string(h.Type)
	out[HeaderHandledCount] = strconv.Itoa(h.HandledCount)
	if !h.Timestamp.IsZero() {
		out[HeaderTimestamp] = h.Timestamp.UTC().Format(time.RFC3339Nano)
	}
	if h.CorrelationID != "" {
		out[HeaderCorrelationID] = h.CorrelationID
	}
	if m.Body.ContentType != "" {
		out[HeaderContentType] = m.Body.ContentType
	}
	for k, v := range h.Bag {
		out[HeaderBagPrefix+k] = v
	}
	return out
}

// MessageFromTransportHeaders rebuilds a Message from headers written by
// TransportHeaders. Unknown headers are ignored; a missing id gets a fresh one.
func MessageFromTransportHeaders(headers map[string]string, body []byte) Message {
	h := Header{Bag: map[string]string{}}
	b := Body{Bytes: body}
	for k, v := range headers {
		switch k {
		case HeaderID:
			h.ID = v
		case HeaderTopic:
			h.Topic = v
		case HeaderType:
			h.Type = MessageType(v)
		case HeaderTimestamp:
			if ts, err := time.Parse(time.RFC3339Nano, v); err == nil {
				h.Timestamp = ts
			}
		case HeaderCorrelationID:
			h.CorrelationID = v
		case HeaderHandledCount:
			if n, err := strconv.Atoi(v); err == nil {
				h.HandledCount = n
			}
		case HeaderContentType:
			b.ContentType = v
		default:
			if bk, ok := strings.CutPrefix(k, HeaderBagPrefix); ok {
				h.Bag[bk] = v
			}
		}
	}
	return NewMessage(h, b)
}
