// Package eventbusbridge is a client for event bus bridges that speak the
// length-prefixed JSON envelope protocol over TCP or WebSocket.
//
// Most programs only need this package; the sub-packages under pkg/ hold the
// pieces.
package eventbusbridge

import (
	"context"

	"github.com/lightforgemedia/go-eventbus-bridge/pkg/client"
	"github.com/lightforgemedia/go-eventbus-bridge/pkg/config"
	"github.com/lightforgemedia/go-eventbus-bridge/pkg/envelope"
	"github.com/lightforgemedia/go-eventbus-bridge/pkg/relay"
	"github.com/lightforgemedia/go-eventbus-bridge/pkg/transport"
	"github.com/nats-io/nats.go"
)

// Re-export core types
type (
	Client          = client.Client
	Options         = client.Options
	Option          = client.Option
	Message         = client.Message
	Result          = client.Result
	Consumer        = client.Consumer
	Session         = client.Session
	DeliveryOptions = client.DeliveryOptions
	DeliveryOption  = client.DeliveryOption
	Event           = client.Event
	State           = client.State
	Codec           = envelope.Codec
	Failure         = envelope.Failure
	ProxyConfig     = transport.ProxyConfig
	Relay           = relay.Relay
)

// Re-export error types
var (
	ErrClientClosed   = client.ErrClientClosed
	ErrReplyTimeout   = client.ErrReplyTimeout
	ErrNotConnected   = client.ErrNotConnected
	ErrNoReplyAddress = client.ErrNoReplyAddress
	ErrInvalidTimeout = client.ErrInvalidTimeout
)

const (
	Stream    = transport.Stream
	WebSocket = transport.WebSocket
)

// DefaultOptions returns the default client options.
func DefaultOptions() Options {
	return client.DefaultOptions()
}

// NewClient creates a client without connecting it.
func NewClient(opts Options, extra ...Option) (*Client, error) {
	return client.NewWithOptions(opts, extra...)
}

// Dial creates a client and waits until it is connected and its consumers
// are registered.
func Dial(ctx context.Context, opts ...Option) (*Client, error) {
	return client.Dial(ctx, opts...)
}

// LoadClient creates a client from a YAML config file.
func LoadClient(path string, extra ...Option) (*Client, error) {
	f, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	return f.NewClient(extra...)
}

// NewNATSRelay relays between cli and a NATS connection.
func NewNATSRelay(cli *Client, nc *nats.Conn, opts ...relay.Option) *Relay {
	return relay.New(cli, relay.Wrap(nc), opts...)
}
