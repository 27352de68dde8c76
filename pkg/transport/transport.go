// Package transport carries protocol frames between the client and the bridge
// over a TCP stream (optionally TLS, optionally through a proxy) or a
// WebSocket connection.
package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/lightforgemedia/go-eventbus-bridge/pkg/frame"
)

// Kind selects the wire transport.
type Kind string

const (
	Stream    Kind = "stream"
	WebSocket Kind = "websocket"
)

// DefaultWebSocketPath is the bridge's default WebSocket endpoint.
const DefaultWebSocketPath = "/eventbus/websocket"

var (
	ErrUnsupportedProxy = errors.New("transport: unsupported proxy type")
	ErrUnknownKind      = errors.New("transport: unknown transport kind")
)

// Conn is an established connection that moves whole frames.
type Conn interface {
	// ReadFrame blocks until one frame payload is available.
	ReadFrame(ctx context.Context) ([]byte, error)
	// WriteFrames writes a batch of frame payloads and flushes once.
	WriteFrames(ctx context.Context, frames [][]byte) error
	Close() error
}

// Dialer opens connections to one bridge endpoint.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context) (Conn, error)

func (f DialerFunc) Dial(ctx context.Context) (Conn, error) { return f(ctx) }

// Config describes how to reach the bridge.
type Config struct {
	Kind Kind
	Host string
	Port int

	// TLS enables TLS when non-nil. ServerName defaults to Host.
	TLS *tls.Config
	// Proxy routes the connection through an HTTP or SOCKS proxy when non-nil.
	Proxy *ProxyConfig

	// IdleTimeout closes the connection when nothing is read for this long.
	// Zero disables it.
	IdleTimeout time.Duration
	// WebSocketPath is the request path for WebSocket connections.
	WebSocketPath string
	// MaxFrameSize bounds inbound frames. Zero means frame.DefaultMaxSize.
	MaxFrameSize int
}

func (c Config) address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

func (c Config) maxFrameSize() int {
	if c.MaxFrameSize <= 0 {
		return frame.DefaultMaxSize
	}
	return c.MaxFrameSize
}

func (c Config) tlsConfig() *tls.Config {
	cfg := c.TLS.Clone()
	if cfg.ServerName == "" {
		cfg.ServerName = c.Host
	}
	return cfg
}

// NewDialer returns the Dialer for cfg.Kind.
func NewDialer(cfg Config) (Dialer, error) {
	if cfg.Proxy != nil {
		if err := cfg.Proxy.validate(); err != nil {
			return nil, err
		}
	}
	switch cfg.Kind {
	case Stream, "":
		return &streamDialer{cfg: cfg}, nil
	case WebSocket:
		if cfg.WebSocketPath == "" {
			cfg.WebSocketPath = DefaultWebSocketPath
		}
		return &wsDialer{cfg: cfg}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, cfg.Kind)
	}
}
