package client

import (
	"fmt"

	"github.com/lightforgemedia/go-eventbus-bridge/pkg/envelope"
)

// Consumer registers fn on address. Messages for the address are handed to
// one local handler at a time, rotating over the handlers in registration
// order. The bridge learns about the address once a connection is ready;
// registering alone does not open one.
func (c *Client) Consumer(address string, fn func(*Message)) (*Consumer, error) {
	return c.ConsumerWithError(address, fn, nil)
}

// ConsumerWithError is Consumer with a callback for failures the bridge
// reports on address. Failures go to every handler of the address.
func (c *Client) ConsumerWithError(address string, fn func(*Message), errFn func(error)) (*Consumer, error) {
	if address == "" {
		return nil, ErrInvalidAddress
	}
	if fn == nil {
		return nil, ErrNilHandler
	}
	reg := &registration{address: address, onMessage: fn, onError: errFn}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateClosed {
		return nil, ErrClientClosed
	}
	c.registerLocked(reg, nil)
	c.logger.Debug(fmt.Sprintf("Client %s: Registered handler on '%s'", c.id, address))
	return &Consumer{client: c, reg: reg}, nil
}

// registerLocked adds reg and tells the bridge about a new address when a
// session can take the write. Otherwise the register is replayed when the
// next session becomes ready.
func (c *Client) registerLocked(reg *registration, direct *session) {
	e, isNew := c.reg.add(reg)
	if !isNew || e.registered {
		return
	}
	s, _ := c.targetLocked(direct)
	if s == nil {
		return
	}
	if err := s.writeEnvLocked(envelope.NewRegister(e.address)); err != nil {
		c.logger.Error(fmt.Sprintf("Client %s: Failed to encode register for '%s': %v", c.id, e.address, err))
		return
	}
	e.registered = true
}

func (c *Client) unregister(reg *registration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, emptied := c.reg.remove(reg)
	if e == nil || !emptied {
		return
	}
	if e.registered && c.sess != nil {
		if err := c.sess.writeEnvLocked(envelope.NewUnregister(e.address)); err != nil {
			c.logger.Error(fmt.Sprintf("Client %s: Failed to encode unregister for '%s': %v", c.id, e.address, err))
		}
	}
	if reg.reply == nil {
		c.logger.Debug(fmt.Sprintf("Client %s: Unregistered last handler on '%s'", c.id, e.address))
	}
}

func (c *Client) handleEnvelope(env *envelope.Envelope) {
	switch {
	case env.IsDelivery():
		c.dispatchMessage(env)
	case env.IsError():
		c.dispatchFailure(env)
	case env.Type == envelope.TypePong:
	default:
		c.logger.Debug(fmt.Sprintf("Client %s: Ignoring unexpected '%s' envelope", c.id, env.Type))
	}
}

func (c *Client) dispatchMessage(env *envelope.Envelope) {
	if env.Address == "" {
		c.logger.Debug(fmt.Sprintf("Client %s: Dropping message without address", c.id))
		return
	}
	c.mu.Lock()
	h := c.reg.next(env.Address)
	c.mu.Unlock()
	if h == nil {
		c.logger.Debug(fmt.Sprintf("Client %s: No handler for '%s', dropping message", c.id, env.Address))
		return
	}
	c.metrics.dispatched.WithLabelValues(envelope.TypeMessage).Inc()
	msg := c.newMessage(env)
	c.invokeHandler(env.Address, func() { h.onMessage(msg) })
}

func (c *Client) dispatchFailure(env *envelope.Envelope) {
	if env.Address == "" {
		c.logger.Warn(fmt.Sprintf("Client %s: Bridge error without address: %s", c.id, env.Message))
		return
	}
	c.mu.Lock()
	handlers := c.reg.handlers(env.Address)
	c.mu.Unlock()
	if len(handlers) == 0 {
		c.logger.Debug(fmt.Sprintf("Client %s: No handler for failure on '%s': %s", c.id, env.Address, env.Message))
		return
	}
	c.metrics.dispatched.WithLabelValues(envelope.TypeError).Inc()
	failure := env.Failure()
	for _, h := range handlers {
		if h.onError == nil {
			continue
		}
		c.invokeHandler(env.Address, func() { h.onError(failure) })
	}
}

// invokeHandler runs an application callback. A panic is recovered and
// reported to the exception hook as a HandlerError.
func (c *Client) invokeHandler(address string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error(fmt.Sprintf("Client %s: Handler for '%s' panicked: %v", c.id, address, r))
			c.reportException(&HandlerError{Address: address, Value: r})
		}
	}()
	fn()
}
