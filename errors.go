package xdispatch

import (
	"errors"
	"fmt"
)

var (
	ErrNoHandler          = errors.New("no handler registered")
	ErrMoreThanOneHandler = errors.New("more than one handler registered")
	ErrNoMapper           = errors.New("no message mapper registered")
	ErrNoProducer         = errors.New("no producer registered for topic")
	ErrNoOutbox           = errors.New("no outbox configured")
	ErrNoInbox            = errors.New("no inbox configured")
	ErrNoHandlerFactory   = errors.New("no handler factory configured")
	ErrInvalidHandler     = errors.New("factory returned an unusable handler")
	ErrContextInUse       = errors.New("request context already in use by another call")

	ErrOutboxLimitReached = errors.New("outbox outstanding message limit reached")
	ErrOnceOnly           = errors.New("request already handled")
	ErrMessageNotFound    = errors.New("message not found")
	ErrProcessorClosed    = errors.New("command processor is closed")
	ErrCircuitOpen        = errors.New("circuit breaker is open")
	ErrPolicyNotFound     = errors.New("policy not registered")
	ErrNilRequest         = errors.New("nil request")

	ErrObserverPoolShutdownTimeout = errors.New("observer pool shutdown timeout")
)

// ConfigurationError reports a wiring defect. It is never retried.
type ConfigurationError struct {
	// HandlerKind names the handler or decorator being built, if any.
	HandlerKind string
	// RequestType names the request being dispatched, if any.
	RequestType string
	Err         error
}

func (e *ConfigurationError) Error() string {
	switch {
	case e.HandlerKind != "" && e.RequestType != "":
		return fmt.Sprintf("xdispatch: configuration: handler %q for %s: %v", e.HandlerKind, e.RequestType, e.Err)
	case e.RequestType != "":
		return fmt.Sprintf("xdispatch: configuration: %s: %v", e.RequestType, e.Err)
	case e.HandlerKind != "":
		return fmt.Sprintf("xdispatch: configuration: handler %q: %v", e.HandlerKind, e.Err)
	default:
		return fmt.Sprintf("xdispatch: configuration: %v", e.Err)
	}
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

func configError(kind string, t RequestType, err error) error {
	ce := &ConfigurationError{HandlerKind: kind, Err: err}
	if t != nil {
		ce.RequestType = typeName(t)
	}
	return ce
}

// IsConfigurationError reports whether err is or wraps a ConfigurationError.
func IsConfigurationError(err error) bool {
	var ce *ConfigurationError
	return errors.As(err, &ce)
}

// ResourceLimitError is returned when admission control rejects a deposit.
type ResourceLimitError struct {
	MessageID   string
	Outstanding int
	Limit       int
}

func (e *ResourceLimitError) Error() string {
	return fmt.Sprintf("xdispatch: message %s rejected: %d outstanding, limit %d: %v",
		e.MessageID, e.Outstanding, e.Limit, ErrOutboxLimitReached)
}

func (e *ResourceLimitError) Unwrap() error { return ErrOutboxLimitReached }

// OnceOnlyError is returned when a request reaches a handler it was already handled by.
type OnceOnlyError struct {
	RequestID  string
	ContextKey string
}

func (e *OnceOnlyError) Error() string {
	return fmt.Sprintf("xdispatch: request %s already handled by %q", e.RequestID, e.ContextKey)
}

func (e *OnceOnlyError) Unwrap() error { return ErrOnceOnly }

// DispatchError wraps a failed producer send for one message.
type DispatchError struct {
	MessageID string
	Topic     string
	Err       error
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("xdispatch: dispatch message %s to %q: %v", e.MessageID, e.Topic, e.Err)
}

func (e *DispatchError) Unwrap() error { return e.Err }

// HandlerError annotates an error raised inside a pipeline with the request identity.
type HandlerError struct {
	RequestID   string
	RequestType string
	Handler     string
	Err         error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("xdispatch: %s %s in %q: %v", e.RequestType, e.RequestID, e.Handler, e.Err)
}

func (e *HandlerError) Unwrap() error { return e.Err }
