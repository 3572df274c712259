package xdispatch

import (
	"context"
)

// Inbox records which (request id, context key) pairs have been handled.
// Add must be idempotent and both calls safe for concurrent use.
type Inbox interface {
	Exists(ctx context.Context, requestID, contextKey string) (bool, error)
	Add(ctx context.Context, requestID, contextKey string) error
}

// InboxScope selects which requests the global inbox applies to.
type InboxScope uint8

const (
	InboxScopeAll InboxScope = iota
	InboxScopeCommands
	InboxScopeEvents
)

// OnExists is the action taken when a once-only request was already handled.
type OnExists uint8

const (
	// OnceOnlyThrow fails the pipeline with an *OnceOnlyError.
	OnceOnlyThrow OnExists = iota
	// OnceOnlySkip returns nil without invoking the rest of the chain.
	OnceOnlySkip
	// OnceOnlyAllow handles the request again.
	OnceOnlyAllow
)

func (a OnExists) String() string {
	switch a {
	case OnceOnlyThrow:
		return "throw"
	case OnceOnlySkip:
		return "skip"
	case OnceOnlyAllow:
		return "allow"
	default:
		return "unknown"
	}
}

// InboxConfig switches on the inbox for every matching handler.
type InboxConfig struct {
	Inbox          Inbox
	Scope          InboxScope
	OnceOnly       bool
	ActionOnExists OnExists
	// ContextKey, when set, replaces the handler kind as the dedup key so a
	// family of handlers shares one record.
	ContextKey string
}

func (c *InboxConfig) covers(k Kind) bool {
	if c == nil || c.Inbox == nil {
		return false
	}
	switch c.Scope {
	case InboxScopeCommands:
		return k == KindCommand
	case InboxScopeEvents:
		return k == KindEvent
	default:
		return true
	}
}

// InboxOptions is the per-handler inbox configuration.
type InboxOptions struct {
	OnceOnly       bool
	ActionOnExists OnExists
	ContextKey     string
}

// UseInbox places the inbox immediately before the target with opts,
// overriding the global configuration for this handler.
func UseInbox(opts InboxOptions) Descriptor {
	return Descriptor{Name: "inbox", Timing: Before, inbox: &opts}
}

// NoGlobalInbox opts a handler out of the global inbox.
func NoGlobalInbox() Descriptor {
	return Descriptor{Name: "no-inbox", Timing: Before, noInbox: true}
}

func inboxDescriptor(opts InboxOptions) Descriptor {
	return Descriptor{
		Name:   "inbox",
		Timing: Before,
		builtin: func(env *buildEnv) (Decorator, error) {
			if env.inbox == nil {
				return nil, ErrNoInbox
			}
			key := opts.ContextKey
			if key == "" {
				key = env.targetKind
			}
			return &inboxDecorator{inbox: env.inbox, opts: opts, contextKey: key, env: env}, nil
		},
	}
}

type inboxDecorator struct {
	inbox      Inbox
	opts       InboxOptions
	contextKey string
	env        *buildEnv
}

func (d *inboxDecorator) Handle(ctx context.Context, req Request, next Next) error {
	id := req.RequestID()
	if d.opts.OnceOnly {
		exists, err := d.inbox.Exists(ctx, id, d.contextKey)
		if err != nil {
			return err
		}
		if exists {
			if d.env.notify != nil {
				d.env.notify(LifecycleEvent{
					Type:        Duplicate,
					RequestType: typeName(TypeOf(req)),
					RequestID:   id,
					Handler:     d.env.targetKind,
				})
			}
			switch d.opts.ActionOnExists {
			case OnceOnlyThrow:
				return &OnceOnlyError{RequestID: id, ContextKey: d.contextKey}
			case OnceOnlySkip:
				loggerFor(ctx, d.env.logger).Warn().
					Str("request_id", id).
					Str("context_key", d.contextKey).
					Msg("xdispatch: request already handled, skipping")
				return nil
			}
		}
	}

	if err := next(ctx, req); err != nil {
		return err
	}
	return d.inbox.Add(ctx, id, d.contextKey)
}
