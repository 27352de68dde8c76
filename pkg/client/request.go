package client

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/lightforgemedia/go-eventbus-bridge/pkg/envelope"
)

// Result is passed to reply callbacks. Exactly one of Message and Err is set.
type Result struct {
	Message *Message
	Err     error
}

// Failed reports whether the request did not receive a reply.
func (r Result) Failed() bool {
	return r.Err != nil
}

// replyState resolves a request exactly once.
type replyState struct {
	resolved atomic.Bool
	timer    *time.Timer
	cb       func(Result)
}

// claim marks the request resolved by a reply, failure or close and stops
// the timeout. It returns false if something else resolved it first.
func (r *replyState) claim() bool {
	if !r.resolved.CompareAndSwap(false, true) {
		return false
	}
	if r.timer != nil {
		r.timer.Stop()
	}
	return true
}

// expire marks the request resolved by its timeout.
func (r *replyState) expire() bool {
	return r.resolved.CompareAndSwap(false, true)
}

// Send delivers body to one handler of address. Headers and other delivery
// options are merged over the client defaults. Send never blocks on the
// network; while disconnected the message is queued.
func (c *Client) Send(address string, body any, opts ...DeliveryOption) error {
	return c.deliver(envelope.TypeSend, address, body, nil, opts)
}

// Publish delivers body to every handler of address.
func (c *Client) Publish(address string, body any, opts ...DeliveryOption) error {
	return c.deliver(envelope.TypePublish, address, body, nil, opts)
}

// Request sends body to address and calls cb once with the reply, the
// bridge's failure, ErrReplyTimeout, or ErrClientClosed.
func (c *Client) Request(address string, body any, cb func(Result), opts ...DeliveryOption) error {
	return c.request(address, body, cb, nil, opts)
}

// RequestWait is the blocking form of Request. Cancelling ctx abandons the
// wait but not the request, which still resolves through its own timeout.
func (c *Client) RequestWait(ctx context.Context, address string, body any, opts ...DeliveryOption) (*Message, error) {
	ch := make(chan Result, 1)
	if err := c.Request(address, body, func(r Result) { ch <- r }, opts...); err != nil {
		return nil, err
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		return r.Message, r.Err
	}
}

func (c *Client) deliveryOptions(opts []DeliveryOption) (DeliveryOptions, error) {
	c.mu.Lock()
	base := c.defaults
	c.mu.Unlock()
	return base.merge(opts)
}

func (c *Client) deliver(typ, address string, body any, direct *session, opts []DeliveryOption) error {
	if address == "" {
		return ErrInvalidAddress
	}
	d, err := c.deliveryOptions(opts)
	if err != nil {
		return err
	}
	var env *envelope.Envelope
	if typ == envelope.TypePublish {
		env, err = envelope.NewPublish(c.config.codec, address, body, d.Headers)
	} else {
		env, err = envelope.NewSend(c.config.codec, address, body, d.Headers, "")
	}
	if err != nil {
		return err
	}
	data, err := envelope.Encode(c.config.codec, env)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.enqueueLocked(pendingTask{typ: typ, address: address, data: data}, direct)
}

func (c *Client) request(address string, body any, cb func(Result), direct *session, opts []DeliveryOption) error {
	if address == "" {
		return ErrInvalidAddress
	}
	if cb == nil {
		return ErrNilHandler
	}
	d, err := c.deliveryOptions(opts)
	if err != nil {
		return err
	}
	replyAddress := uuid.NewString()
	env, err := envelope.NewSend(c.config.codec, address, body, d.Headers, replyAddress)
	if err != nil {
		return err
	}
	data, err := envelope.Encode(c.config.codec, env)
	if err != nil {
		return err
	}

	rs := &replyState{cb: cb}
	reg := &registration{address: replyAddress, reply: rs}
	reg.onMessage = func(m *Message) {
		if rs.claim() {
			c.finishReply(reg, Result{Message: m})
		}
	}
	reg.onError = func(err error) {
		if rs.claim() {
			c.finishReply(reg, Result{Err: err})
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateClosed {
		return ErrClientClosed
	}
	if _, err := c.targetLocked(direct); err != nil {
		return err
	}
	c.registerLocked(reg, direct)
	rs.timer = time.AfterFunc(d.SendTimeout, func() {
		if rs.expire() {
			c.metrics.replyTimeouts.Inc()
			c.logger.Debug(fmt.Sprintf("Client %s: Request to '%s' timed out after %v", c.id, address, d.SendTimeout))
			c.finishReply(reg, Result{Err: ErrReplyTimeout})
		}
	})
	c.metrics.pendingReplies.Inc()
	return c.enqueueLocked(pendingTask{typ: envelope.TypeSend, address: address, data: data}, direct)
}

// finishReply drops the one-shot registration and hands res to the caller.
func (c *Client) finishReply(reg *registration, res Result) {
	c.unregister(reg)
	c.metrics.pendingReplies.Dec()
	c.invokeReply(reg, res)
}

func (c *Client) invokeReply(reg *registration, res Result) {
	c.invokeHandler(reg.address, func() { reg.reply.cb(res) })
}
