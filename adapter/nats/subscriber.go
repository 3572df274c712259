package nats

import (
	"context"
	"errors"
	"sync"

	"github.com/nats-io/nats.go"
	"github.com/trickstertwo/xlog"

	"github.com/trickstertwo/xdispatch"
)

// Handler consumes one decoded message. CommandProcessor.Receive fits.
type Handler func(ctx context.Context, msg xdispatch.Message) error

// Subscribe delivers messages on subject to handler until ctx is done or the
// returned close func is called. A non-empty queue load-balances across
// subscribers of the same group. Core NATS has no redelivery: handler errors
// are logged and the message is dropped.
func Subscribe(ctx context.Context, conn *nats.Conn, subject, queue string, handler Handler, logger *xlog.Logger) (func() error, error) {
	if subject == "" || handler == nil {
		return nil, errors.New("nats: subject and handler are required")
	}
	if logger == nil {
		logger = xlog.Default()
	}

	cb := func(nm *nats.Msg) {
		msg := fromMsg(nm)
		if err := handler(ctx, msg); err != nil {
			logger.Warn().
				Str("subject", nm.Subject).
				Str("message_id", msg.ID()).
				Err(err).
				Msg("handler failed")
		}
	}

	var (
		sub *nats.Subscription
		err error
	)
	if queue != "" {
		sub, err = conn.QueueSubscribe(subject, queue, cb)
	} else {
		sub, err = conn.Subscribe(subject, cb)
	}
	if err != nil {
		return nil, err
	}

	stop := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = sub.Unsubscribe()
		case <-stop:
		}
	}()

	var (
		once     sync.Once
		closeErr error
	)
	return func() error {
		once.Do(func() {
			close(stop)
			if err := sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrBadSubscription) {
				closeErr = err
			}
		})
		return closeErr
	}, nil
}
