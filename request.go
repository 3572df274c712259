package xdispatch

import (
	"reflect"

	"github.com/google/uuid"
)

// Kind discriminates commands from events.
type Kind uint8

const (
	KindCommand Kind = iota + 1
	KindEvent
)

func (k Kind) String() string {
	switch k {
	case KindCommand:
		return "command"
	case KindEvent:
		return "event"
	default:
		return "unknown"
	}
}

// Request is a typed value routed to handlers. Its identity never changes
// after construction.
type Request interface {
	RequestID() string
	RequestKind() Kind
}

// Command is embedded by command types. A command is owned by exactly one handler.
type Command struct {
	ID string `json:"id"`
}

// NewCommand returns a Command base with a fresh id.
func NewCommand() Command { return Command{ID: uuid.NewString()} }

func (c Command) RequestID() string { return c.ID }
func (Command) RequestKind() Kind   { return KindCommand }

// Event is embedded by event types. An event fans out to zero or more handlers.
type Event struct {
	ID string `json:"id"`
}

// NewEvent returns an Event base with a fresh id.
func NewEvent() Event { return Event{ID: uuid.NewString()} }

func (e Event) RequestID() string { return e.ID }
func (Event) RequestKind() Kind   { return KindEvent }

// RequestType is the registry key for a request: its dynamic Go type.
type RequestType = reflect.Type

// TypeOf returns the registry key for a request value.
func TypeOf(req Request) RequestType {
	return reflect.TypeOf(req)
}

// TypeFor returns the registry key for the request type T.
func TypeFor[T Request]() RequestType {
	return reflect.TypeFor[T]()
}

func typeName(t RequestType) string {
	if t == nil {
		return "<nil>"
	}
	return t.String()
}
