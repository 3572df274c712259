package xdispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/tidwall/gjson"
	"github.com/trickstertwo/xclock"
)

// MessageMapper converts a request to a transport message and back.
type MessageMapper interface {
	MapToMessage(ctx context.Context, req Request) (Message, error)
	MapToRequest(ctx context.Context, msg Message) (Request, error)
}

// MapperRegistry holds one mapper per request type, and remembers which
// request type each topic carries for the inbound path.
type MapperRegistry struct {
	mu      sync.RWMutex
	byType  map[RequestType]MessageMapper
	byTopic map[string]RequestType
}

func NewMapperRegistry() *MapperRegistry {
	return &MapperRegistry{
		byType:  make(map[RequestType]MessageMapper),
		byTopic: make(map[string]RequestType),
	}
}

// RegisterMapper registers m for requests of type T published on topic.
func RegisterMapper[T Request](r *MapperRegistry, topic string, m MessageMapper) error {
	return r.Register(TypeFor[T](), topic, m)
}

// Register registers m for t. An empty topic skips inbound routing.
func (r *MapperRegistry) Register(t RequestType, topic string, m MessageMapper) error {
	if t == nil {
		return errors.New("request type must not be nil")
	}
	if m == nil {
		return errors.New("mapper must not be nil")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byType[t]; ok {
		return fmt.Errorf("mapper already registered for %s", typeName(t))
	}
	if topic != "" {
		if other, ok := r.byTopic[topic]; ok {
			return fmt.Errorf("topic %q already carries %s", topic, typeName(other))
		}
		r.byTopic[topic] = t
	}
	r.byType[t] = m
	return nil
}

// For returns the mapper registered for t.
func (r *MapperRegistry) For(t RequestType) (MessageMapper, error) {
	r.mu.RLock()
	m, ok := r.byType[t]
	r.mu.RUnlock()
	if !ok {
		return nil, configError("", t, ErrNoMapper)
	}
	return m, nil
}

// ForTopic returns the mapper for the request type carried on topic.
func (r *MapperRegistry) ForTopic(topic string) (MessageMapper, error) {
	r.mu.RLock()
	t, ok := r.byTopic[topic]
	var m MessageMapper
	if ok {
		m = r.byType[t]
	}
	r.mu.RUnlock()
	if m == nil {
		return nil, configError("", nil, fmt.Errorf("%w: topic %q", ErrNoMapper, topic))
	}
	return m, nil
}

// JSONMapper maps requests of type T to JSON-bodied messages on one topic.
type JSONMapper[T Request] struct {
	Topic string
	Codec Codec
	Clock xclock.Clock
	// CorrelationPath is a gjson path read from the body into the
	// CorrelationID header, e.g. "order_id".
	CorrelationPath string
	// Bag is copied into every outgoing message.
	Bag map[string]string
}

// NewJSONMapper returns a mapper for T on topic using the json codec.
func NewJSONMapper[T Request](topic string) *JSONMapper[T] {
	return &JSONMapper[T]{Topic: topic, Codec: JSONCodec{}, Clock: xclock.Default()}
}

func (m *JSONMapper[T]) MapToMessage(ctx context.Context, req Request) (Message, error) {
	if _, ok := req.(T); !ok {
		return Message{}, fmt.Errorf("json mapper for %s got %T", typeName(TypeFor[T]()), req)
	}
	body, err := m.Codec.Marshal(req)
	if err != nil {
		return Message{}, fmt.Errorf("encode %s %s: %w", typeName(TypeOf(req)), req.RequestID(), err)
	}
	clk := m.Clock
	if c, ok := ClockFromContext(ctx); ok {
		clk = c
	}
	h := Header{
		ID:        req.RequestID(),
		Topic:     m.Topic,
		Type:      MessageTypeFor(req.RequestKind()),
		Timestamp: clk.Now(),
		Bag:       m.Bag,
	}
	if m.CorrelationPath != "" {
		if v := gjson.GetBytes(body, m.CorrelationPath); v.Exists() {
			h.CorrelationID = v.String()
		}
	}
	return NewMessage(h, Body{Bytes: body, ContentType: m.Codec.ContentType()}), nil
}

func (m *JSONMapper[T]) MapToRequest(_ context.Context, msg Message) (Request, error) {
	if !gjson.ValidBytes(msg.Body.Bytes) {
		return nil, fmt.Errorf("message %s: body is not valid json", msg.ID())
	}
	var v T
	if err := m.Codec.Unmarshal(msg.Body.Bytes, &v); err != nil {
		return nil, fmt.Errorf("decode message %s: %w", msg.ID(), err)
	}
	return v, nil
}
