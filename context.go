package xdispatch

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
)

// ctxKey is the base for all context keys in xdispatch (prevents collisions).
type ctxKey string

const (
	requestCtxKey ctxKey = "xdispatch:request-context"
	loggerCtxKey  ctxKey = "xdispatch:logger"
	clockCtxKey   ctxKey = "xdispatch:clock"
)

// RequestContext is the per-call bag threaded through every handler and
// mediator call made on behalf of one Send/Publish/Post.
type RequestContext struct {
	mu  sync.RWMutex
	bag map[string]any

	policies *PolicyRegistry
	logger   *xlog.Logger
	clock    xclock.Clock

	inUse atomic.Bool
}

// NewRequestContext returns an empty context. The processor fills in the
// policy registry, logger and clock when it adopts it.
func NewRequestContext() *RequestContext {
	return &RequestContext{bag: make(map[string]any)}
}

// Set stores a value in the bag.
func (rc *RequestContext) Set(key string, v any) {
	rc.mu.Lock()
	rc.bag[key] = v
	rc.mu.Unlock()
}

// Get reads a value from the bag.
func (rc *RequestContext) Get(key string) (any, bool) {
	rc.mu.RLock()
	v, ok := rc.bag[key]
	rc.mu.RUnlock()
	return v, ok
}

// Policies returns the active policy registry.
func (rc *RequestContext) Policies() *PolicyRegistry { return rc.policies }

// Logger returns the logger for this call.
func (rc *RequestContext) Logger() *xlog.Logger { return rc.logger }

// Clock returns the clock for this call.
func (rc *RequestContext) Clock() xclock.Clock { return rc.clock }

// acquire marks rc as owned by a top-level call. A context can serve one
// call at a time.
func (rc *RequestContext) acquire() bool { return rc.inUse.CompareAndSwap(false, true) }

func (rc *RequestContext) release() { rc.inUse.Store(false) }

// WithRequestContext attaches a caller-supplied RequestContext; the next
// processor call made with the returned ctx adopts it instead of creating one.
func WithRequestContext(ctx context.Context, rc *RequestContext) context.Context {
	if rc == nil {
		return ctx
	}
	return context.WithValue(ctx, requestCtxKey, rc)
}

// RequestContextFrom returns the RequestContext of the running call.
func RequestContextFrom(ctx context.Context) (*RequestContext, bool) {
	if v := ctx.Value(requestCtxKey); v != nil {
		if rc, ok := v.(*RequestContext); ok && rc != nil {
			return rc, true
		}
	}
	return nil, false
}

func injectLogger(ctx context.Context, l *xlog.Logger) context.Context {
	if l == nil {
		return ctx
	}
	return context.WithValue(ctx, loggerCtxKey, l)
}

// LoggerFromContext returns the logger injected for the running call.
func LoggerFromContext(ctx context.Context) (*xlog.Logger, bool) {
	if v := ctx.Value(loggerCtxKey); v != nil {
		if l, ok := v.(*xlog.Logger); ok && l != nil {
			return l, true
		}
	}
	return nil, false
}

func loggerFor(ctx context.Context, fallback *xlog.Logger) *xlog.Logger {
	if l, ok := LoggerFromContext(ctx); ok {
		return l
	}
	if fallback != nil {
		return fallback
	}
	return xlog.Default()
}

func injectClock(ctx context.Context, c xclock.Clock) context.Context {
	if c == nil {
		return ctx
	}
	return context.WithValue(ctx, clockCtxKey, c)
}

// ClockFromContext returns the clock injected for the running call.
func ClockFromContext(ctx context.Context) (xclock.Clock, bool) {
	if v := ctx.Value(clockCtxKey); v != nil {
		if c, ok := v.(xclock.Clock); ok && c != nil {
			return c, true
		}
	}
	return nil, false
}

// InjectAll attaches logger, clock and request context in one go.
func InjectAll(ctx context.Context, rc *RequestContext, logger *xlog.Logger, clock xclock.Clock) context.Context {
	ctx = WithRequestContext(ctx, rc)
	ctx = injectLogger(ctx, logger)
	ctx = injectClock(ctx, clock)
	return ctx
}
