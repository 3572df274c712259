package xdispatch

import (
	"slices"

	"github.com/trickstertwo/xlog"
)

// ObserverFunc lets a plain function satisfy Observer.
type ObserverFunc func(e LifecycleEvent)

func (f ObserverFunc) OnEvent(e LifecycleEvent) { f(e) }

// LoggingObserver writes lifecycle events to Logger: failures at warn,
// everything else at debug. Empty event fields are left out of the line.
type LoggingObserver struct {
	Logger *xlog.Logger
	// Skip lists event types that are not logged.
	Skip []EventType
}

func (o LoggingObserver) OnEvent(e LifecycleEvent) {
	if o.Logger == nil || slices.Contains(o.Skip, e.Type) {
		return
	}
	lg := o.Logger.With(xlog.Str("event", string(e.Type)))
	for _, kv := range [...][2]string{
		{"request_type", e.RequestType},
		{"request_id", e.RequestID},
		{"handler", e.Handler},
		{"message_id", e.MessageID},
		{"topic", e.Topic},
	} {
		if kv[1] != "" {
			lg = lg.With(xlog.Str(kv[0], kv[1]))
		}
	}
	if e.Duration > 0 {
		lg = lg.With(xlog.Dur("duration", e.Duration))
	}

	switch {
	case e.Err != nil:
		lg.Warn().Err(e.Err).Msg("xdispatch: " + string(e.Type))
	case e.Type == TopicTripped:
		lg.Warn().Msg("xdispatch: topic tripped")
	default:
		lg.Debug().Msg("xdispatch: " + string(e.Type))
	}
}
