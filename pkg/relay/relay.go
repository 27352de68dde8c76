// Package relay bridges event bus addresses and NATS subjects.
//
// Forward copies messages from a bus address onto a NATS subject; Ingest
// copies messages from a NATS subject into the bus. Requests are relayed in
// both directions: a bus message with a reply address becomes a NATS request
// and a NATS message with a reply subject becomes a bus request.
package relay

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/lightforgemedia/go-eventbus-bridge/pkg/client"
	"github.com/nats-io/nats.go"
)

// HeaderError carries the failure text on a NATS reply to a relayed request
// that the bus did not answer.
const HeaderError = "Eventbus-Error"

const defaultRequestTimeout = 10 * time.Second

// Mode selects how ingested NATS messages enter the bus.
type Mode int

const (
	// ModeSend delivers each message to one bus handler.
	ModeSend Mode = iota
	// ModePublish delivers each message to every bus handler.
	ModePublish
)

// Bus is the part of *client.Client the relay uses.
type Bus interface {
	Consumer(address string, fn func(*client.Message)) (*client.Consumer, error)
	Send(address string, body any, opts ...client.DeliveryOption) error
	Publish(address string, body any, opts ...client.DeliveryOption) error
	Request(address string, body any, cb func(client.Result), opts ...client.DeliveryOption) error
}

// Conn is the part of a NATS connection the relay uses. Wrap adapts a
// *nats.Conn.
type Conn interface {
	PublishMsg(m *nats.Msg) error
	RequestMsg(m *nats.Msg, timeout time.Duration) (*nats.Msg, error)
	QueueSubscribe(subject, queue string, cb nats.MsgHandler) (Subscription, error)
}

// Subscription is an active NATS subscription.
type Subscription interface {
	Unsubscribe() error
}

type natsConn struct {
	nc *nats.Conn
}

// Wrap adapts nc to Conn.
func Wrap(nc *nats.Conn) Conn {
	return natsConn{nc: nc}
}

func (c natsConn) PublishMsg(m *nats.Msg) error { return c.nc.PublishMsg(m) }

func (c natsConn) RequestMsg(m *nats.Msg, timeout time.Duration) (*nats.Msg, error) {
	return c.nc.RequestMsg(m, timeout)
}

func (c natsConn) QueueSubscribe(subject, queue string, cb nats.MsgHandler) (Subscription, error) {
	return c.nc.QueueSubscribe(subject, queue, cb)
}

// Option configures a Relay.
type Option func(*Relay)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Relay) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithQueueGroup sets the NATS queue group used by Ingest, so several relays
// share the load of one subject.
func WithQueueGroup(queue string) Option {
	return func(r *Relay) {
		r.queue = queue
	}
}

// WithRequestTimeout bounds relayed requests in both directions.
func WithRequestTimeout(d time.Duration) Option {
	return func(r *Relay) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// Relay moves messages between the bus and NATS.
type Relay struct {
	bus     Bus
	nc      Conn
	logger  *slog.Logger
	queue   string
	timeout time.Duration

	mu        sync.Mutex
	consumers []*client.Consumer
	subs      []Subscription
	closed    bool
}

// New creates a relay between bus and nc.
func New(bus Bus, nc Conn, opts ...Option) *Relay {
	r := &Relay{
		bus:     bus,
		nc:      nc,
		logger:  slog.Default(),
		timeout: defaultRequestTimeout,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

var errClosed = errors.New("relay: closed")

// Forward publishes every bus message arriving on address to subject. Bus
// headers become NATS headers. When the bus message expects a reply the
// NATS subject is requested and its answer is sent back.
func (r *Relay) Forward(address, subject string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return errClosed
	}
	cons, err := r.bus.Consumer(address, func(m *client.Message) {
		r.forward(m, subject)
	})
	if err != nil {
		return fmt.Errorf("relay: forward %s -> %s: %w", address, subject, err)
	}
	r.consumers = append(r.consumers, cons)
	r.logger.Info("Relay forwarding", "address", address, "subject", subject)
	return nil
}

func (r *Relay) forward(m *client.Message, subject string) {
	msg := nats.NewMsg(subject)
	msg.Data = m.Body
	for k, v := range m.Headers {
		msg.Header.Set(k, v)
	}

	if m.ReplyAddress == "" {
		if err := r.nc.PublishMsg(msg); err != nil {
			r.logger.Error("Relay publish failed", "subject", subject, "error", err)
		}
		return
	}
	// RequestMsg blocks; the bus dispatch loop must not.
	go func() {
		resp, err := r.nc.RequestMsg(msg, r.timeout)
		if err != nil {
			r.logger.Warn("Relay request failed", "subject", subject, "error", err)
			return
		}
		if err := m.Reply(payload(resp.Data), client.Headers(firstValues(resp.Header))); err != nil {
			r.logger.Error("Relay reply failed", "address", m.ReplyAddress, "error", err)
		}
	}()
}

// Ingest delivers every NATS message on subject to address with mode. A
// NATS message carrying a reply subject is relayed as a bus request and the
// bus reply is published to that subject.
func (r *Relay) Ingest(subject, address string, mode Mode) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return errClosed
	}
	sub, err := r.nc.QueueSubscribe(subject, r.queue, func(msg *nats.Msg) {
		r.ingest(msg, address, mode)
	})
	if err != nil {
		return fmt.Errorf("relay: ingest %s -> %s: %w", subject, address, err)
	}
	r.subs = append(r.subs, sub)
	r.logger.Info("Relay ingesting", "subject", subject, "address", address)
	return nil
}

func (r *Relay) ingest(msg *nats.Msg, address string, mode Mode) {
	body := payload(msg.Data)
	headers := client.Headers(firstValues(msg.Header))

	if msg.Reply != "" {
		reply := msg.Reply
		err := r.bus.Request(address, body, func(res client.Result) {
			r.respond(reply, res)
		}, headers, client.Timeout(r.timeout))
		if err != nil {
			r.respond(reply, client.Result{Err: err})
		}
		return
	}

	var err error
	if mode == ModePublish {
		err = r.bus.Publish(address, body, headers)
	} else {
		err = r.bus.Send(address, body, headers)
	}
	if err != nil {
		r.logger.Error("Relay ingest failed", "subject", msg.Subject, "address", address, "error", err)
	}
}

func (r *Relay) respond(subject string, res client.Result) {
	out := nats.NewMsg(subject)
	if res.Err != nil {
		out.Header.Set(HeaderError, res.Err.Error())
	} else {
		out.Data = res.Message.Body
		for k, v := range res.Message.Headers {
			out.Header.Set(k, v)
		}
	}
	if err := r.nc.PublishMsg(out); err != nil {
		r.logger.Error("Relay response failed", "subject", subject, "error", err)
	}
}

// Close stops every forward and ingest. The bus client and the NATS
// connection stay open.
func (r *Relay) Close() error {
	r.mu.Lock()
	consumers, subs := r.consumers, r.subs
	r.consumers, r.subs = nil, nil
	r.closed = true
	r.mu.Unlock()

	for _, c := range consumers {
		c.Unregister()
	}
	var errs []error
	for _, s := range subs {
		if err := s.Unsubscribe(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// payload turns NATS data into a bus body. JSON passes through; anything
// else is sent as a JSON string.
func payload(data []byte) any {
	if len(data) == 0 {
		return nil
	}
	if json.Valid(data) {
		return json.RawMessage(data)
	}
	return string(data)
}

func firstValues(h nats.Header) map[string]string {
	if len(h) == 0 {
		return nil
	}
	out := make(map[string]string, len(h))
	for k := range h {
		out[k] = h.Get(k)
	}
	return out
}
