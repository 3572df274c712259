package redisstream

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/trickstertwo/xdispatch"
)

// encodeMessage flattens msg into XADD values; bag entries get fieldBagPrefix.
func encodeMessage(msg xdispatch.Message) map[string]any {
	h := msg.Header
	vals := make(map[string]any, 8+len(h.Bag))
	vals[fieldID] = h.ID
	vals[fieldTopic] = h.Topic
	vals[fieldType] = string(h.Type)
	vals[fieldTimestamp] = unixNano(h.Timestamp)
	vals[fieldHandledCount] = h.HandledCount
	// raw body bytes (binary-safe, no base64 encoding overhead)
	vals[fieldBody] = msg.Body.Bytes
	if h.CorrelationID != "" {
		vals[fieldCorrelationID] = h.CorrelationID
	}
	if msg.Body.ContentType != "" {
		vals[fieldContentType] = msg.Body.ContentType
	}
	for k, v := range h.Bag {
		vals[fieldBagPrefix+k] = v
	}
	return vals
}

// decodeMessage reconstructs a Message from stream entry values. Entries
// written by other producers without an id field take the stream entry id.
func decodeMessage(entryID string, vals map[string]any) xdispatch.Message {
	h := xdispatch.Header{
		ID:   entryID,
		Type: xdispatch.MessageTypeNone,
		Bag:  make(map[string]string, 4),
	}
	var b xdispatch.Body

	for k, v := range vals {
		switch k {
		case fieldID:
			if s := asString(v); s != "" {
				h.ID = s
			}
		case fieldTopic:
			h.Topic = asString(v)
		case fieldType:
			if s := asString(v); s != "" {
				h.Type = xdispatch.MessageType(s)
			}
		case fieldTimestamp:
			if ns, ok := toInt64(v); ok && ns > 0 {
				h.Timestamp = time.Unix(0, ns).UTC()
			}
		case fieldCorrelationID:
			h.CorrelationID = asString(v)
		case fieldHandledCount:
			if n, ok := toInt64(v); ok {
				h.HandledCount = int(n)
			}
		case fieldContentType:
			b.ContentType = asString(v)
		case fieldBody:
			switch p := v.(type) {
			case []byte:
				b.Bytes = p
			case string:
				b.Bytes = []byte(p)
			}
		default:
			if strings.HasPrefix(k, fieldBagPrefix) {
				h.Bag[strings.TrimPrefix(k, fieldBagPrefix)] = asString(v)
			}
		}
	}
	return xdispatch.NewMessage(h, b)
}

// Helper functions for type conversion

func asString(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case []byte:
		return string(s)
	default:
		return fmt.Sprintf("%v", s)
	}
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int32:
		return int64(n), true
	case int:
		return int64(n), true
	case float64:
		return int64(n), true
	case string:
		if n == "" {
			return 0, false
		}
		if i, err := strconv.ParseInt(n, 10, 64); err == nil {
			return i, true
		}
		if f, err := strconv.ParseFloat(n, 64); err == nil {
			return int64(f), true
		}
	case []byte:
		return toInt64(string(n))
	}
	return 0, false
}
