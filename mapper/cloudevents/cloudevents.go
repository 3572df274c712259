// Package cloudevents maps requests to CloudEvents 1.0 in structured JSON
// mode: the message body is the whole event and the request is its data.
package cloudevents

import (
	"context"
	"fmt"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/goccy/go-json"
	"github.com/tidwall/gjson"
	"github.com/trickstertwo/xclock"

	"github.com/trickstertwo/xdispatch"
)

// ContentType is the body content type of structured-mode events.
const ContentType = cloudevents.ApplicationCloudEventsJSON

// Mapper is an xdispatch.MessageMapper for T.
type Mapper[T xdispatch.Request] struct {
	Topic  string
	Source string
	// Type is the CloudEvents type; inbound events of another type are rejected.
	Type  string
	Clock xclock.Clock
	// SubjectPath is a gjson path read from the data into the subject
	// attribute and the CorrelationID header, e.g. "order_id".
	SubjectPath string
	// Extensions are set on every outgoing event.
	Extensions map[string]string
}

var _ xdispatch.MessageMapper = (*Mapper[xdispatch.Event])(nil)

// New returns a mapper for T whose event type is ceType.
func New[T xdispatch.Request](topic, source, ceType string) *Mapper[T] {
	return &Mapper[T]{Topic: topic, Source: source, Type: ceType, Clock: xclock.Default()}
}

func (m *Mapper[T]) MapToMessage(ctx context.Context, req xdispatch.Request) (xdispatch.Message, error) {
	if _, ok := req.(T); !ok {
		return xdispatch.Message{}, fmt.Errorf("cloudevents mapper for %s got %T", xdispatch.TypeFor[T](), req)
	}
	data, err := json.Marshal(req)
	if err != nil {
		return xdispatch.Message{}, fmt.Errorf("encode %T %s: %w", req, req.RequestID(), err)
	}

	clk := m.Clock
	if c, ok := xdispatch.ClockFromContext(ctx); ok {
		clk = c
	}
	now := clk.Now()

	e := cloudevents.NewEvent()
	e.SetID(req.RequestID())
	e.SetSource(m.Source)
	e.SetType(m.Type)
	e.SetTime(now)
	for k, v := range m.Extensions {
		e.SetExtension(k, v)
	}
	var subject string
	if m.SubjectPath != "" {
		if v := gjson.GetBytes(data, m.SubjectPath); v.Exists() {
			subject = v.String()
			e.SetSubject(subject)
		}
	}
	if err := e.SetData(cloudevents.ApplicationJSON, data); err != nil {
		return xdispatch.Message{}, fmt.Errorf("set data: %w", err)
	}
	if err := e.Validate(); err != nil {
		return xdispatch.Message{}, fmt.Errorf("invalid event %s: %w", e.ID(), err)
	}

	body, err := json.Marshal(e)
	if err != nil {
		return xdispatch.Message{}, fmt.Errorf("encode event %s: %w", e.ID(), err)
	}
	return xdispatch.NewMessage(xdispatch.Header{
		ID:            req.RequestID(),
		Topic:         m.Topic,
		Type:          xdispatch.MessageTypeFor(req.RequestKind()),
		Timestamp:     now,
		CorrelationID: subject,
	}, xdispatch.Body{Bytes: body, ContentType: ContentType}), nil
}

func (m *Mapper[T]) MapToRequest(_ context.Context, msg xdispatch.Message) (xdispatch.Request, error) {
	e, err := Decode(msg)
	if err != nil {
		return nil, err
	}
	if m.Type != "" && e.Type() != m.Type {
		return nil, fmt.Errorf("message %s: event type %q, want %q", msg.ID(), e.Type(), m.Type)
	}
	var v T
	if err := json.Unmarshal(e.Data(), &v); err != nil {
		return nil, fmt.Errorf("decode data of %s: %w", msg.ID(), err)
	}
	return v, nil
}

// Decode parses and validates the structured-mode event in msg's body.
func Decode(msg xdispatch.Message) (*cloudevents.Event, error) {
	if !gjson.ValidBytes(msg.Body.Bytes) {
		return nil, fmt.Errorf("message %s: body is not valid json", msg.ID())
	}
	e := cloudevents.NewEvent()
	if err := json.Unmarshal(msg.Body.Bytes, &e); err != nil {
		return nil, fmt.Errorf("decode event %s: %w", msg.ID(), err)
	}
	if err := e.Validate(); err != nil {
		return nil, fmt.Errorf("invalid event %s: %w", msg.ID(), err)
	}
	return &e, nil
}
