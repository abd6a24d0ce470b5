package core

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/multierr"
)

// Message represents a message on the event bus
type Message interface {
	// Address returns the address the message was sent to
	Address() string

	// Body returns the message body
	Body() interface{}

	// Headers returns the message headers
	Headers() map[string]string

	// Reply answers a message obtained through Request. It is a no-op error
	// for published or sent messages.
	Reply(body interface{}) error

	// Fail answers a Request with an error.
	Fail(code string, message string) error

	// DecodeBody decodes the message body into v
	DecodeBody(v interface{}) error
}

// EventBus provides publish-subscribe and point-to-point messaging between
// deployed verticles. Handlers always run on the event loop of the
// deployment that registered them.
type EventBus interface {
	// Publish delivers body to every consumer of address.
	Publish(address string, body interface{}) error

	// Send delivers body to one consumer of address, chosen round-robin.
	Send(address string, body interface{}) error

	// Request sends body to one consumer and waits for its reply.
	Request(ctx context.Context, address string, body interface{}) (Message, error)

	// Consumer registers handler on address for the deployment owning ctx.
	// The consumer is unregistered when that deployment stops or fails.
	Consumer(ctx FluxorContext, address string, handler MessageHandler) (Consumer, error)

	// Close closes the event bus
	Close() error
}

// Consumer represents a registered message handler
type Consumer interface {
	// Address returns the address the consumer listens on
	Address() string

	// IsRegistered reports whether messages are still delivered
	IsRegistered() bool

	// Unregister unregisters the consumer
	Unregister() error
}

// MessageHandler handles incoming messages. A returned error is logged and,
// for requests, sent back to the requester.
type MessageHandler func(ctx FluxorContext, msg Message) error

var ErrNoReplyAddress = &Error{Code: "NO_REPLY_ADDRESS", Message: "message does not expect a reply"}

// ReplyError is the error a requester receives when the handler fails.
type ReplyError struct {
	Code    string
	Message string
}

func (e *ReplyError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

type message struct {
	address string
	body    interface{}
	headers map[string]string
	reply   chan<- replyResult
	replied atomic.Bool
}

type replyResult struct {
	msg Message
	err error
}

func newMessage(address string, body interface{}, reply chan<- replyResult) *message {
	return &message{
		address: address,
		body:    body,
		headers: make(map[string]string),
		reply:   reply,
	}
}

func (m *message) Address() string            { return m.address }
func (m *message) Body() interface{}          { return m.body }
func (m *message) Headers() map[string]string { return m.headers }

func (m *message) Reply(body interface{}) error {
	return m.respond(replyResult{msg: newMessage(m.address, body, nil)})
}

func (m *message) Fail(code string, message string) error {
	return m.respond(replyResult{err: &ReplyError{Code: code, Message: message}})
}

func (m *message) respond(r replyResult) error {
	if m.reply == nil {
		return ErrNoReplyAddress
	}
	if !m.replied.CompareAndSwap(false, true) {
		return fmt.Errorf("message on %s already answered", m.address)
	}
	// buffered with capacity one; never blocks
	m.reply <- r
	return nil
}

// DecodeBody decodes the body into v. []byte and string bodies are treated
// as JSON; other values are round-tripped through JSON.
func (m *message) DecodeBody(v interface{}) error {
	var data []byte
	switch b := m.body.(type) {
	case []byte:
		data = b
	case string:
		data = []byte(b)
	default:
		var err error
		if data, err = json.Marshal(b); err != nil {
			return fmt.Errorf("encode body: %w", err)
		}
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode body: %w", err)
	}
	return nil
}

type consumer struct {
	bus        *eventBus
	address    string
	owner      FluxorContext
	handler    MessageHandler
	registered atomic.Bool
}

func (c *consumer) Address() string { return c.address }

func (c *consumer) IsRegistered() bool { return c.registered.Load() }

func (c *consumer) Unregister() error {
	if !c.registered.CompareAndSwap(true, false) {
		return nil
	}
	c.bus.remove(c)
	return nil
}

// eventBus is the in-process EventBus owned by a GoCMD.
type eventBus struct {
	mu        sync.RWMutex
	consumers map[string][]*consumer
	next      map[string]*atomic.Uint64
	closed    bool
	logger    Logger
}

func newEventBus(logger Logger) *eventBus {
	return &eventBus{
		consumers: make(map[string][]*consumer),
		next:      make(map[string]*atomic.Uint64),
		logger:    logger,
	}
}

func (eb *eventBus) Consumer(ctx FluxorContext, address string, handler MessageHandler) (Consumer, error) {
	if ctx == nil {
		return nil, ErrContextClosed
	}
	if err := ValidateAddress(address); err != nil {
		return nil, err
	}
	if handler == nil {
		return nil, ErrInvalidHandler
	}
	if ctx.Context().Err() != nil {
		return nil, ErrContextClosed
	}

	c := &consumer{bus: eb, address: address, owner: ctx, handler: handler}
	c.registered.Store(true)

	eb.mu.Lock()
	defer eb.mu.Unlock()
	if eb.closed {
		return nil, ErrEventBusClosed
	}
	// checked under eb.mu: a stop request marks the deployment before it
	// unregisters the owner's consumers
	if a, ok := ctx.(interface{ acceptsConsumers() bool }); ok && !a.acceptsConsumers() {
		return nil, newError(ErrContextClosed.Code, "deployment %s is stopping", ctx.DeploymentID())
	}
	eb.consumers[address] = append(eb.consumers[address], c)
	if eb.next[address] == nil {
		eb.next[address] = &atomic.Uint64{}
	}
	return c, nil
}

func (eb *eventBus) Publish(address string, body interface{}) error {
	targets, err := eb.lookup(address, body)
	if err != nil {
		return err
	}
	var errs error
	for _, c := range targets {
		errs = multierr.Append(errs, eb.deliver(c, newMessage(address, body, nil)))
	}
	return errs
}

func (eb *eventBus) Send(address string, body interface{}) error {
	c, err := eb.pick(address, body)
	if err != nil {
		return err
	}
	return eb.deliver(c, newMessage(address, body, nil))
}

func (eb *eventBus) Request(ctx context.Context, address string, body interface{}) (Message, error) {
	c, err := eb.pick(address, body)
	if err != nil {
		return nil, err
	}
	replies := make(chan replyResult, 1)
	if err := eb.deliver(c, newMessage(address, body, replies)); err != nil {
		return nil, err
	}
	select {
	case r := <-replies:
		return r.msg, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.owner.Context().Done():
		// queued work is dropped when the owner's loop closes
		select {
		case r := <-replies:
			return r.msg, r.err
		default:
			return nil, newError(ErrContextClosed.Code, "consumer on %s stopped before replying", address)
		}
	}
}

func (eb *eventBus) Close() error {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	if eb.closed {
		return nil
	}
	eb.closed = true
	for _, list := range eb.consumers {
		for _, c := range list {
			c.registered.Store(false)
		}
	}
	eb.consumers = make(map[string][]*consumer)
	return nil
}

func (eb *eventBus) lookup(address string, body interface{}) ([]*consumer, error) {
	if err := ValidateAddress(address); err != nil {
		return nil, err
	}
	if err := ValidateBody(body); err != nil {
		return nil, err
	}
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	if eb.closed {
		return nil, ErrEventBusClosed
	}
	list := eb.consumers[address]
	out := make([]*consumer, len(list))
	copy(out, list)
	return out, nil
}

func (eb *eventBus) pick(address string, body interface{}) (*consumer, error) {
	targets, err := eb.lookup(address, body)
	if err != nil {
		return nil, err
	}
	if len(targets) == 0 {
		return nil, newError(ErrNoHandlers.Code, "no handlers for address: %s", address)
	}
	eb.mu.RLock()
	counter := eb.next[address]
	eb.mu.RUnlock()
	if counter == nil {
		return targets[0], nil
	}
	n := counter.Add(1) - 1
	return targets[n%uint64(len(targets))], nil
}

// deliver queues the handler on the owner's event loop. The registration is
// checked again on the loop so nothing runs after the owner stopped.
func (eb *eventBus) deliver(c *consumer, msg *message) error {
	return c.owner.RunOnContext(func() {
		if !c.IsRegistered() {
			if msg.reply != nil {
				_ = msg.Fail(ErrNoHandlers.Code, "consumer unregistered before delivery")
			}
			return
		}
		if err := eb.invoke(c, msg); err != nil {
			eb.logger.Warnf("handler on %s failed: %v", c.address, err)
			if msg.reply != nil {
				_ = msg.Fail("HANDLER_FAILED", err.Error())
			}
		}
	})
}

func (eb *eventBus) invoke(c *consumer, msg *message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return c.handler(c.owner, msg)
}

func (eb *eventBus) remove(target *consumer) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	list := eb.consumers[target.address]
	for i, c := range list {
		if c == target {
			eb.consumers[target.address] = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	if len(eb.consumers[target.address]) == 0 {
		delete(eb.consumers, target.address)
	}
}

// unregisterOwner drops every consumer registered by a deployment.
func (eb *eventBus) unregisterOwner(deploymentID string) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	for address, list := range eb.consumers {
		kept := list[:0:0]
		for _, c := range list {
			if c.owner.DeploymentID() == deploymentID {
				c.registered.Store(false)
				continue
			}
			kept = append(kept, c)
		}
		if len(kept) == 0 {
			delete(eb.consumers, address)
		} else {
			eb.consumers[address] = kept
		}
	}
}
