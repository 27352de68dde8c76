// Package testutil provides test helpers for the event bus bridge client: an
// in-process fake bridge, a test logger and polling helpers.
package testutil

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/coder/websocket"
	"github.com/lightforgemedia/go-eventbus-bridge/pkg/envelope"
	"github.com/lightforgemedia/go-eventbus-bridge/pkg/transport"
)

var (
	// Default logger for tests
	defaultSlogHandler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level:     slog.LevelDebug,
		AddSource: true,
	})
	DefaultLogger = slog.New(defaultSlogHandler)
)

// Bridge is a minimal in-process event bus bridge. It records every inbound
// envelope, answers pings, and routes send, publish and replies between the
// connections that registered the target address.
type Bridge struct {
	T    *testing.T
	Kind transport.Kind
	Host string
	Port int

	listener net.Listener
	server   *httptest.Server

	mu        sync.Mutex
	conns     map[*BridgeConn]struct{}
	accepted  int
	received  []*envelope.Envelope
	addresses map[string][]*BridgeConn
	handler   func(*BridgeConn, *envelope.Envelope) bool
	routing   bool
}

// BridgeConn is one client connection accepted by the Bridge.
type BridgeConn struct {
	bridge *Bridge
	conn   transport.Conn
	cancel context.CancelFunc
	done   chan struct{}
}

// NewBridge starts a fake bridge for kind on a loopback port. It is shut
// down when the test ends.
func NewBridge(t *testing.T, kind transport.Kind) *Bridge {
	t.Helper()
	b := &Bridge{
		T:         t,
		Kind:      kind,
		conns:     make(map[*BridgeConn]struct{}),
		addresses: make(map[string][]*BridgeConn),
		routing:   true,
	}

	switch kind {
	case transport.WebSocket:
		mux := http.NewServeMux()
		mux.HandleFunc(transport.DefaultWebSocketPath, func(w http.ResponseWriter, r *http.Request) {
			wsconn, err := websocket.Accept(w, r, nil)
			if err != nil {
				t.Logf("Bridge: Accept error: %v", err)
				return
			}
			b.serve(transport.NewWebSocketConn(wsconn, 0, 0))
		})
		b.server = httptest.NewServer(mux)
		b.setAddr(strings.TrimPrefix(b.server.URL, "http://"))
	default:
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			t.Fatalf("Bridge: listen: %v", err)
		}
		b.listener = ln
		b.setAddr(ln.Addr().String())
		go b.acceptLoop()
	}

	t.Cleanup(b.Close)
	return b
}

func (b *Bridge) setAddr(addr string) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		b.T.Fatalf("Bridge: bad address %q: %v", addr, err)
	}
	b.Host = host
	b.Port, _ = strconv.Atoi(port)
}

func (b *Bridge) acceptLoop() {
	for {
		nc, err := b.listener.Accept()
		if err != nil {
			return
		}
		go b.serve(transport.NewStreamConn(nc, 0, 0))
	}
}

// serve runs one connection until it closes.
func (b *Bridge) serve(conn transport.Conn) {
	ctx, cancel := context.WithCancel(context.Background())
	bc := &BridgeConn{bridge: b, conn: conn, cancel: cancel, done: make(chan struct{})}
	b.mu.Lock()
	b.conns[bc] = struct{}{}
	b.accepted++
	b.mu.Unlock()

	defer func() {
		cancel()
		conn.Close()
		b.forget(bc)
		close(bc.done)
	}()

	for {
		data, err := conn.ReadFrame(ctx)
		if err != nil {
			return
		}
		env, err := envelope.Decode(envelope.JSON, data)
		if err != nil {
			b.T.Logf("Bridge: bad envelope %q: %v", data, err)
			return
		}
		b.mu.Lock()
		b.received = append(b.received, env)
		handler := b.handler
		b.mu.Unlock()

		if handler != nil && handler(bc, env) {
			continue
		}
		b.route(bc, env)
	}
}

func (b *Bridge) route(from *BridgeConn, env *envelope.Envelope) {
	switch env.Type {
	case envelope.TypePing:
		from.Push(&envelope.Envelope{Type: envelope.TypePong})
	case envelope.TypeRegister:
		b.mu.Lock()
		b.addresses[env.Address] = append(b.addresses[env.Address], from)
		b.mu.Unlock()
	case envelope.TypeUnregister:
		b.mu.Lock()
		b.addresses[env.Address] = without(b.addresses[env.Address], from)
		b.mu.Unlock()
	case envelope.TypeSend, envelope.TypePublish:
		b.mu.Lock()
		if !b.routing {
			b.mu.Unlock()
			return
		}
		targets := append([]*BridgeConn(nil), b.addresses[env.Address]...)
		b.mu.Unlock()
		if env.Type == envelope.TypeSend && len(targets) > 1 {
			targets = targets[:1]
		}
		out := &envelope.Envelope{
			Type:         envelope.TypeMessage,
			Address:      env.Address,
			Headers:      env.Headers,
			Body:         env.Body,
			ReplyAddress: env.ReplyAddress,
		}
		for _, t := range targets {
			t.Push(out)
		}
	}
}

func (b *Bridge) forget(bc *BridgeConn) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.conns, bc)
	for addr, list := range b.addresses {
		b.addresses[addr] = without(list, bc)
	}
}

func without(list []*BridgeConn, bc *BridgeConn) []*BridgeConn {
	out := list[:0:0]
	for _, c := range list {
		if c != bc {
			out = append(out, c)
		}
	}
	return out
}

// Handle installs fn ahead of the built-in routing. Returning true marks the
// envelope as handled.
func (b *Bridge) Handle(fn func(conn *BridgeConn, env *envelope.Envelope) bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handler = fn
}

// SetRouting turns delivery of send and publish envelopes on or off.
// Registrations and pings are still processed.
func (b *Bridge) SetRouting(on bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.routing = on
}

// Push writes env to every open connection.
func (b *Bridge) Push(env *envelope.Envelope) error {
	var errs []error
	for _, bc := range b.Conns() {
		errs = append(errs, bc.Push(env))
	}
	return errors.Join(errs...)
}

// PushRaw writes an already encoded frame payload to every open connection.
func (b *Bridge) PushRaw(data []byte) error {
	var errs []error
	for _, bc := range b.Conns() {
		errs = append(errs, bc.conn.WriteFrames(context.Background(), [][]byte{data}))
	}
	return errors.Join(errs...)
}

// Conns returns the open connections.
func (b *Bridge) Conns() []*BridgeConn {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*BridgeConn, 0, len(b.conns))
	for bc := range b.conns {
		out = append(out, bc)
	}
	return out
}

// Accepted returns how many connections the bridge has accepted so far.
func (b *Bridge) Accepted() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.accepted
}

// Received returns a copy of every envelope received so far, in order.
func (b *Bridge) Received() []*envelope.Envelope {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*envelope.Envelope(nil), b.received...)
}

// ReceivedOfType filters Received by envelope type.
func (b *Bridge) ReceivedOfType(typ string) []*envelope.Envelope {
	var out []*envelope.Envelope
	for _, env := range b.Received() {
		if env.Type == typ {
			out = append(out, env)
		}
	}
	return out
}

// Reset forgets the recorded envelopes.
func (b *Bridge) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.received = nil
}

// Registered reports whether some connection registered address.
func (b *Bridge) Registered(address string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.addresses[address]) > 0
}

// DropConnections closes every open connection from the bridge side.
func (b *Bridge) DropConnections() {
	for _, bc := range b.Conns() {
		bc.Close()
	}
}

// Close drops all connections and stops accepting new ones.
func (b *Bridge) Close() {
	if b.listener != nil {
		b.listener.Close()
	}
	b.DropConnections()
	if b.server != nil {
		b.server.Close()
	}
}

// Push writes env to this connection.
func (bc *BridgeConn) Push(env *envelope.Envelope) error {
	data, err := envelope.Encode(envelope.JSON, env)
	if err != nil {
		return err
	}
	return bc.conn.WriteFrames(context.Background(), [][]byte{data})
}

// Close closes the connection and waits for its read loop to exit.
func (bc *BridgeConn) Close() {
	bc.cancel()
	bc.conn.Close()
	<-bc.done
}
