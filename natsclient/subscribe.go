package natsclient

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/nats-io/nats.go"

	"github.com/c360/runway/errors"
)

// MessageHandler processes one delivered message. For a given token,
// invocations are sequential and in arrival order.
type MessageHandler func(subject string, data []byte)

// Message is one queued delivery
type message struct {
	subject string
	data    []byte
}

// SubscriptionToken is a handle for one subscription. Delivery runs on a
// dedicated goroutine per token; a slow handler delays only its own
// subscription, and overflowing the token's buffer drops the newest
// messages rather than blocking the connection's reader.
type SubscriptionToken struct {
	subject string
	client  *Client
	sub     *nats.Subscription
	logger  *slog.Logger

	queue   chan message
	done    chan struct{}
	exited  chan struct{}
	once    sync.Once
	dropped atomic.Int64
}

const defaultTokenBuffer = 256

// SubscribeChannel subscribes to an exact subject
func (c *Client) SubscribeChannel(subject string, handler MessageHandler) (*SubscriptionToken, error) {
	return c.subscribe(subject, handler)
}

// PatternSubscribe subscribes to a wildcard subject pattern such as
// "events.>" or "config.*.updated"
func (c *Client) PatternSubscribe(pattern string, handler MessageHandler) (*SubscriptionToken, error) {
	return c.subscribe(pattern, handler)
}

func (c *Client) subscribe(subject string, handler MessageHandler) (*SubscriptionToken, error) {
	if handler == nil {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "Client", "subscribe", "handler validation")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed.Load() {
		return nil, errors.WrapInvalid(errors.ErrAlreadyStopped, "Client", "subscribe", "client state check")
	}
	if c.conn == nil || !c.conn.IsConnected() {
		return nil, errors.WrapTransient(errors.ErrNoConnection, "Client", "subscribe", "connection check")
	}

	token := &SubscriptionToken{
		subject: subject,
		client:  c,
		logger:  c.logger,
		queue:   make(chan message, defaultTokenBuffer),
		done:    make(chan struct{}),
		exited:  make(chan struct{}),
	}

	sub, err := c.conn.Subscribe(subject, func(msg *nats.Msg) {
		select {
		case token.queue <- message{subject: msg.Subject, data: msg.Data}:
		default:
			// Queue full: drop rather than block the reader loop.
			if token.dropped.Add(1) == 1 {
				token.logger.Warn("subscription queue full, dropping messages", "subject", subject)
			}
		}
	})
	if err != nil {
		return nil, errors.WrapTransient(
			errors.ErrSubscriptionFailed,
			"Client", "subscribe", "subject subscribe")
	}

	token.sub = sub
	c.tokens[token] = struct{}{}

	go token.deliverLoop(handler)
	return token, nil
}

// Subject returns the subscribed subject or pattern
func (t *SubscriptionToken) Subject() string {
	return t.subject
}

// Dropped returns the number of messages dropped due to a full buffer
func (t *SubscriptionToken) Dropped() int64 {
	return t.dropped.Load()
}

// Unsubscribe detaches the handler. It blocks until any in-flight handler
// invocation returns; afterwards the handler is never invoked again.
// Unsubscribe is idempotent and must not be called from the handler.
func (t *SubscriptionToken) Unsubscribe() {
	if t == nil {
		return
	}
	t.client.mu.Lock()
	delete(t.client.tokens, t)
	t.client.mu.Unlock()

	t.stop()
}

func (t *SubscriptionToken) stop() {
	t.once.Do(func() {
		if t.sub != nil {
			if err := t.sub.Unsubscribe(); err != nil {
				t.logger.Debug("unsubscribe error", "subject", t.subject, "error", err)
			}
		}
		close(t.done)
	})
	<-t.exited
}

func (t *SubscriptionToken) deliverLoop(handler MessageHandler) {
	defer close(t.exited)

	for {
		select {
		case <-t.done:
			return
		case msg := <-t.queue:
			// A racing Unsubscribe wins over a queued message.
			select {
			case <-t.done:
				return
			default:
			}
			handler(msg.subject, msg.data)
		}
	}
}
