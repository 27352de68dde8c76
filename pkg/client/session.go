package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/lightforgemedia/go-eventbus-bridge/pkg/envelope"
	"github.com/lightforgemedia/go-eventbus-bridge/pkg/frame"
	"github.com/lightforgemedia/go-eventbus-bridge/pkg/transport"
)

// session is one established connection with its pumps. The outbox is
// guarded by the client mutex.
type session struct {
	client *Client
	conn   transport.Conn

	ctx    context.Context
	cancel context.CancelFunc

	outbox [][]byte
	wake   chan struct{}
}

func newSession(c *Client, conn transport.Conn) *session {
	ctx, cancel := context.WithCancel(context.Background())
	return &session{
		client: c,
		conn:   conn,
		ctx:    ctx,
		cancel: cancel,
		wake:   make(chan struct{}, 1),
	}
}

func (s *session) start() {
	go s.readPump()
	go s.writePump()
	if iv := s.client.config.pingInterval; iv > 0 {
		go s.keepalive(iv)
	}
}

// stop cancels the pumps and closes the transport. It may run on one of the
// pumps, so it does not wait for them.
func (s *session) stop() {
	s.cancel()
	if err := s.conn.Close(); err != nil {
		s.client.logger.Debug(fmt.Sprintf("Client %s: Error closing connection: %v", s.client.id, err))
	}
}

// writeLocked appends data to the outbox and wakes the write pump.
func (s *session) writeLocked(typ string, data []byte) {
	s.outbox = append(s.outbox, data)
	s.client.metrics.sent.WithLabelValues(typ).Inc()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *session) writeEnvLocked(env *envelope.Envelope) error {
	data, err := envelope.Encode(s.client.config.codec, env)
	if err != nil {
		return err
	}
	s.writeLocked(env.Type, data)
	return nil
}

func (s *session) readPump() {
	c := s.client
	defer c.logger.Debug(fmt.Sprintf("Client %s: readPump stopped", c.id))

	for {
		data, err := s.conn.ReadFrame(s.ctx)
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			c.sessionFailed(s, classifyReadError(err))
			return
		}
		c.metrics.received.Inc()

		env, err := envelope.Decode(c.config.codec, data)
		if err != nil {
			c.sessionFailed(s, &ProtocolError{Err: err})
			return
		}
		c.handleEnvelope(env)
	}
}

// classifyReadError maps a read failure onto the error taxonomy. A clean
// close from the bridge returns nil.
func classifyReadError(err error) error {
	switch {
	case errors.Is(err, io.EOF):
		return nil
	case errors.Is(err, frame.ErrFrameTooLarge),
		errors.Is(err, frame.ErrInvalidUTF8),
		errors.Is(err, io.ErrUnexpectedEOF):
		return &ProtocolError{Err: err}
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return &TransportError{Op: "read", Err: fmt.Errorf("idle timeout: %w", err)}
	}
	return &TransportError{Op: "read", Err: err}
}

func (s *session) writePump() {
	c := s.client
	defer c.logger.Debug(fmt.Sprintf("Client %s: writePump stopped", c.id))

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.wake:
		}

		c.mu.Lock()
		batch := s.outbox
		s.outbox = nil
		c.mu.Unlock()
		if len(batch) == 0 {
			continue
		}

		ctx, cancel := context.WithTimeout(s.ctx, c.config.writeTimeout)
		err := s.conn.WriteFrames(ctx, batch)
		cancel()
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			c.sessionFailed(s, &TransportError{Op: "write", Err: err})
			return
		}
	}
}

func (s *session) keepalive(interval time.Duration) {
	c := s.client
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			if c.sess == s {
				if err := s.writeEnvLocked(envelope.NewPing()); err != nil {
					c.logger.Error(fmt.Sprintf("Client %s: Failed to encode ping: %v", c.id, err))
				}
			}
			c.mu.Unlock()
		}
	}
}

// Session is handed to the connected hook. Its operations write straight to
// the new connection, ahead of anything queued on the Client.
type Session struct {
	client *Client
	sess   *session
}

// Send sends body to address on this connection only.
func (s *Session) Send(address string, body any, opts ...DeliveryOption) error {
	return s.client.deliver(envelope.TypeSend, address, body, s.sess, opts)
}

// Publish publishes body to address on this connection only.
func (s *Session) Publish(address string, body any, opts ...DeliveryOption) error {
	return s.client.deliver(envelope.TypePublish, address, body, s.sess, opts)
}

// Request sends body to address on this connection and calls cb with the
// reply, failure or timeout.
func (s *Session) Request(address string, body any, cb func(Result), opts ...DeliveryOption) error {
	return s.client.request(address, body, cb, s.sess, opts)
}
