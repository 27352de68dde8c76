// Package client implements a client for the event bus bridge protocol.
//
// A Client owns one multiplexed connection to the bridge. It registers local
// handlers on addresses, sends and publishes messages, correlates requests
// with their replies and queues outbound operations while the connection is
// down. Lost connections are re-established automatically and every live
// address is registered again before queued operations are flushed.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cskr/pubsub"
	"github.com/google/uuid"
	"github.com/lightforgemedia/go-eventbus-bridge/pkg/envelope"
	"github.com/lightforgemedia/go-eventbus-bridge/pkg/transport"
)

// State is the connection state of a Client.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Client is an event bus bridge client. It is safe for concurrent use.
type Client struct {
	config  clientConfig
	id      string
	logger  *slog.Logger
	dialer  transport.Dialer
	metrics *metrics

	// events is the lifecycle bus. Close shuts it down and sets it to nil;
	// reopening creates a new one.
	eventsMu sync.RWMutex
	events   *pubsub.PubSub

	mu             sync.Mutex
	state          State
	sess           *session
	ready          bool // connected hook finished and the queue was flushed
	gen            uint64
	dialCancel     context.CancelFunc
	attempts       int
	reconnectTimer *time.Timer
	reg            *registry
	pending        []pendingTask
	defaults       DeliveryOptions

	connectedHook func(*Session, func())
	closeHook     func()
	exceptionHook func(error)
}

// New creates a Client without connecting it. The first operation that
// needs the wire, or an explicit Connect, opens the connection.
func New(opts ...Option) (*Client, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}

	dialer := cfg.dialer
	if dialer == nil {
		d, err := transport.NewDialer(cfg.transport)
		if err != nil {
			return nil, fmt.Errorf("client: %w", err)
		}
		dialer = d
	}

	id := uuid.NewString()
	m := newMetrics(id)
	if cfg.registerer != nil {
		if err := m.register(cfg.registerer); err != nil {
			return nil, fmt.Errorf("client: register metrics: %w", err)
		}
	}

	c := &Client{
		config:   cfg,
		id:       id,
		logger:   cfg.logger,
		dialer:   dialer,
		metrics:  m,
		events:   pubsub.New(eventQueueLength),
		state:    StateDisconnected,
		reg:      newRegistry(),
		defaults: cfg.defaults,
	}
	c.logger.Debug(fmt.Sprintf("Client %s: created for %s transport", c.id, cfg.transport.Kind))
	return c, nil
}

// Dial creates a Client and waits until its connection is ready. The client
// is closed again if ctx is done first.
func Dial(ctx context.Context, opts ...Option) (*Client, error) {
	c, err := New(opts...)
	if err != nil {
		return nil, err
	}
	c.Connect()
	if err := c.WaitReady(ctx); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

// ID returns the identifier used in this client's logs and metrics.
func (c *Client) ID() string {
	return c.id
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsConnected reports whether the transport is established.
func (c *Client) IsConnected() bool {
	return c.State() == StateConnected
}

// Connect opens the connection in the background. It is a no-op while a
// connection is being established or is up, and reopens a closed client.
func (c *Client) Connect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateClosed {
		c.logger.Info(fmt.Sprintf("Client %s: Reopening closed client", c.id))
		c.state = StateDisconnected
		c.eventsMu.Lock()
		if c.events == nil {
			c.events = pubsub.New(eventQueueLength)
		}
		c.eventsMu.Unlock()
	}
	c.connectLocked()
}

// connectLocked starts a dial unless one is underway or the session is up.
func (c *Client) connectLocked() {
	if c.state != StateDisconnected {
		return
	}
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	c.state = StateConnecting
	c.gen++
	gen := c.gen
	ctx, cancel := context.WithTimeout(context.Background(), c.config.connectTimeout)
	c.dialCancel = cancel
	go c.dial(ctx, cancel, gen)
}

func (c *Client) dial(ctx context.Context, cancel context.CancelFunc, gen uint64) {
	defer cancel()
	c.emit(Event{Kind: EventConnecting})
	conn, err := c.dialer.Dial(ctx)

	c.mu.Lock()
	if gen != c.gen || c.state != StateConnecting {
		// Closed or superseded while dialing.
		c.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		return
	}
	c.dialCancel = nil
	if err != nil {
		c.state = StateDisconnected
		attempt := c.attempts
		c.scheduleReconnectLocked()
		c.mu.Unlock()

		terr := &TransportError{Op: "dial", Err: err}
		c.logger.Warn(fmt.Sprintf("Client %s: Connection attempt failed: %v", c.id, err), "attempt", attempt)
		c.reportException(terr)
		c.emit(Event{Kind: EventDisconnected, Attempt: attempt, Err: terr})
		return
	}

	s := newSession(c, conn)
	c.sess = s
	c.state = StateConnected
	c.ready = false
	c.attempts = 0
	hook := c.connectedHook
	s.start()
	c.mu.Unlock()

	c.metrics.connected.Set(1)
	c.logger.Info(fmt.Sprintf("Client %s: Connected to %s", c.id, c.endpoint()))
	c.emit(Event{Kind: EventConnected})

	if hook == nil {
		c.markReady(s)
		return
	}
	var once sync.Once
	done := func() { once.Do(func() { c.markReady(s) }) }
	c.safeCall("connected hook", func() { hook(&Session{client: c, sess: s}, done) })
}

// markReady flushes registrations and the pending queue onto s, in that
// order, unless s has already been replaced.
func (c *Client) markReady(s *session) {
	c.mu.Lock()
	if c.sess != s || c.ready {
		c.mu.Unlock()
		return
	}
	c.ready = true
	replayed := 0
	for _, e := range c.reg.live() {
		if e.registered {
			continue
		}
		if err := s.writeEnvLocked(envelope.NewRegister(e.address)); err != nil {
			c.logger.Error(fmt.Sprintf("Client %s: Failed to encode register for '%s': %v", c.id, e.address, err))
			continue
		}
		e.registered = true
		replayed++
	}
	flushed := c.flushLocked(s)
	c.mu.Unlock()

	c.logger.Debug(fmt.Sprintf("Client %s: Session ready, replayed %d registrations and %d queued operations", c.id, replayed, flushed))
	c.emit(Event{Kind: EventReady})
}

// sessionFailed tears down s. A nil err means the bridge closed the
// connection cleanly.
func (c *Client) sessionFailed(s *session, err error) {
	c.mu.Lock()
	if c.sess != s {
		c.mu.Unlock()
		return
	}
	c.sess = nil
	c.ready = false
	c.state = StateDisconnected
	c.reg.forgetServer()
	closeHook := c.closeHook
	c.scheduleReconnectLocked()
	c.mu.Unlock()

	s.stop()
	c.metrics.connected.Set(0)
	if err != nil {
		c.logger.Warn(fmt.Sprintf("Client %s: Connection lost: %v", c.id, err))
		c.reportException(err)
	} else {
		c.logger.Info(fmt.Sprintf("Client %s: Connection closed by bridge", c.id))
	}
	if closeHook != nil {
		c.safeCall("close hook", closeHook)
	}
	c.emit(Event{Kind: EventDisconnected, Err: err})
}

// scheduleReconnectLocked arms the reconnect timer if policy allows it.
func (c *Client) scheduleReconnectLocked() {
	if !c.config.autoReconnect || c.state == StateClosed {
		return
	}
	if c.config.maxReconnectTries > 0 && c.attempts >= c.config.maxReconnectTries {
		c.logger.Warn(fmt.Sprintf("Client %s: Giving up after %d reconnect attempts", c.id, c.attempts))
		go c.emit(Event{Kind: EventGaveUp, Attempt: c.attempts})
		return
	}
	c.attempts++
	attempt := c.attempts
	delay := c.backoff(attempt)

	var t *time.Timer
	t = time.AfterFunc(delay, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.reconnectTimer != t {
			return
		}
		c.reconnectTimer = nil
		c.metrics.reconnects.Inc()
		c.logger.Info(fmt.Sprintf("Client %s: Reconnect attempt %d", c.id, attempt))
		c.connectLocked()
	})
	c.reconnectTimer = t
	c.logger.Debug(fmt.Sprintf("Client %s: Reconnecting in %v", c.id, delay), "attempt", attempt)
}

// backoff doubles the interval per attempt up to the configured maximum.
func (c *Client) backoff(attempt int) time.Duration {
	d := c.config.reconnectInterval
	ceiling := c.config.reconnectIntervalMax
	for i := 1; i < attempt && d < ceiling; i++ {
		d *= 2
	}
	if d > ceiling {
		d = ceiling
	}
	return d
}

// Close shuts the connection down and stops reconnecting. Outstanding
// requests fail with ErrClientClosed and every handler is dropped. Further
// operations fail until Connect is called again.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return nil
	}
	s := c.sess
	c.sess = nil
	c.ready = false
	c.state = StateClosed
	c.gen++
	if c.dialCancel != nil {
		c.dialCancel()
		c.dialCancel = nil
	}
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	c.attempts = 0
	regs := c.reg.clear()
	dropped := len(c.pending)
	c.pending = nil
	closeHook := c.closeHook
	c.eventsMu.Lock()
	events := c.events
	c.events = nil
	c.eventsMu.Unlock()
	c.mu.Unlock()

	c.metrics.queued.Set(0)
	c.metrics.connected.Set(0)
	if s != nil {
		s.stop()
	}
	for _, r := range regs {
		if r.reply != nil && r.reply.claim() {
			c.metrics.pendingReplies.Dec()
			c.invokeReply(r, Result{Err: ErrClientClosed})
		}
	}
	c.logger.Info(fmt.Sprintf("Client %s: Closed", c.id), "dropped_operations", dropped)
	if s != nil && closeHook != nil {
		c.safeCall("close hook", closeHook)
	}
	if events != nil {
		// Watchers get the Closed event, then their channels are closed.
		events.Pub(Event{Kind: EventClosed, Time: time.Now()}, eventTopic)
		events.Shutdown()
	}
	return nil
}

// WaitReady blocks until the connection is up and its queue flushed, or ctx
// is done.
func (c *Client) WaitReady(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	events := c.Watch(ctx)
	for {
		c.mu.Lock()
		ready, state := c.ready, c.state
		c.mu.Unlock()
		if ready {
			return nil
		}
		if state == StateClosed {
			return ErrClientClosed
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case _, ok := <-events:
			if !ok {
				// The bus was shut down by Close; a reopen brings a new one.
				events = c.Watch(ctx)
			}
		}
	}
}

// ConnectedHandler sets a hook run each time a connection is established.
// Queued operations stay queued until the hook calls ready; the Session it
// receives writes straight to the new connection, for handshakes such as
// authentication.
func (c *Client) ConnectedHandler(hook func(s *Session, ready func())) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connectedHook = hook
}

// CloseHandler sets a hook run when an established connection goes away.
func (c *Client) CloseHandler(hook func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeHook = hook
}

// ExceptionHandler sets the hook receiving transport, protocol and handler
// errors. Without one they are only logged.
func (c *Client) ExceptionHandler(hook func(error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.exceptionHook = hook
}

// SetDefaultDelivery replaces the options every call starts from.
func (c *Client) SetDefaultDelivery(opts DeliveryOptions) error {
	if opts.SendTimeout <= 0 {
		return ErrInvalidTimeout
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.defaults = DeliveryOptions{SendTimeout: opts.SendTimeout, Headers: copyHeaders(opts.Headers)}
	return nil
}

// DefaultDelivery returns a copy of the current default options.
func (c *Client) DefaultDelivery() DeliveryOptions {
	c.mu.Lock()
	defer c.mu.Unlock()
	return DeliveryOptions{SendTimeout: c.defaults.SendTimeout, Headers: copyHeaders(c.defaults.Headers)}
}

func (c *Client) reportException(err error) {
	c.mu.Lock()
	hook := c.exceptionHook
	c.mu.Unlock()

	var herr *HandlerError
	if errors.As(err, &herr) {
		c.metrics.handlerPanics.Inc()
	}
	if hook == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error(fmt.Sprintf("Client %s: Exception handler panicked: %v", c.id, r))
		}
	}()
	hook(err)
}

// safeCall runs an application hook, reporting a panic as a HandlerError.
func (c *Client) safeCall(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error(fmt.Sprintf("Client %s: Panic in %s: %v", c.id, name, r))
			c.reportException(&HandlerError{Address: name, Value: r})
		}
	}()
	fn()
}

func (c *Client) endpoint() string {
	t := c.config.transport
	return fmt.Sprintf("%s://%s:%d", t.Kind, t.Host, t.Port)
}
