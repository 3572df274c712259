// Package jsonschema wraps a message mapper so that message bodies are
// checked against a JSON Schema in both directions. Catching a missing
// required field here keeps it from decoding into a zero value.
package jsonschema

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	jschema "github.com/santhosh-tekuri/jsonschema/v6"
	"github.com/tidwall/gjson"

	"github.com/trickstertwo/xdispatch"
)

// ErrInvalidBody is wrapped by every validation failure.
var ErrInvalidBody = errors.New("jsonschema: body does not match schema")

// Mapper validates around another xdispatch.MessageMapper.
type Mapper struct {
	next   xdispatch.MessageMapper
	schema *jschema.Schema
	uri    string
	// Path selects the part of the body to validate with a gjson path.
	// Empty validates the whole body; "data" suits structured CloudEvents.
	Path string
}

var _ xdispatch.MessageMapper = (*Mapper)(nil)

// New compiles schemaJSON under uri and wraps next with it. The uri only
// names the schema for the compiler and need not resolve.
func New(next xdispatch.MessageMapper, uri, schemaJSON string) (*Mapper, error) {
	if next == nil {
		return nil, errors.New("jsonschema: mapper must not be nil")
	}
	doc, err := jschema.UnmarshalJSON(strings.NewReader(schemaJSON))
	if err != nil {
		return nil, fmt.Errorf("jsonschema: parse schema %s: %w", uri, err)
	}
	c := jschema.NewCompiler()
	if err := c.AddResource(uri, doc); err != nil {
		return nil, fmt.Errorf("jsonschema: add schema %s: %w", uri, err)
	}
	sch, err := c.Compile(uri)
	if err != nil {
		return nil, fmt.Errorf("jsonschema: compile schema %s: %w", uri, err)
	}
	return &Mapper{next: next, schema: sch, uri: uri}, nil
}

// Must is New that panics on error.
func Must(next xdispatch.MessageMapper, uri, schemaJSON string) *Mapper {
	m, err := New(next, uri, schemaJSON)
	if err != nil {
		panic(err)
	}
	return m
}

// WithPath sets Path and returns m.
func (m *Mapper) WithPath(path string) *Mapper {
	m.Path = path
	return m
}

func (m *Mapper) MapToMessage(ctx context.Context, req xdispatch.Request) (xdispatch.Message, error) {
	msg, err := m.next.MapToMessage(ctx, req)
	if err != nil {
		return xdispatch.Message{}, err
	}
	if err := m.validate(msg); err != nil {
		return xdispatch.Message{}, err
	}
	return msg, nil
}

func (m *Mapper) MapToRequest(ctx context.Context, msg xdispatch.Message) (xdispatch.Request, error) {
	if err := m.validate(msg); err != nil {
		return nil, err
	}
	return m.next.MapToRequest(ctx, msg)
}

func (m *Mapper) validate(msg xdispatch.Message) error {
	body := msg.Body.Bytes
	if m.Path != "" {
		r := gjson.GetBytes(body, m.Path)
		if !r.Exists() {
			return fmt.Errorf("%w: message %s has no %q", ErrInvalidBody, msg.ID(), m.Path)
		}
		body = []byte(r.Raw)
	}
	inst, err := jschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: message %s: %v", ErrInvalidBody, msg.ID(), err)
	}
	if err := m.schema.Validate(inst); err != nil {
		return fmt.Errorf("%w: message %s against %s: %v", ErrInvalidBody, msg.ID(), m.uri, err)
	}
	return nil
}
