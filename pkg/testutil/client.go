package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/lightforgemedia/go-eventbus-bridge/pkg/client"
)

// ClientOptions contains options for creating a test client
type ClientOptions struct {
	Logger            bool // Use the default logger
	SendTimeout       time.Duration
	AutoReconnect     bool
	MaxReconnectTries int
	ReconnectInterval time.Duration
	PingInterval      time.Duration
	WaitForConnection bool // Wait until the connection is ready
	ConnectionTimeout time.Duration
}

// DefaultClientOptions returns the default options for creating a test client
func DefaultClientOptions() ClientOptions {
	return ClientOptions{
		Logger:            true,
		SendTimeout:       2 * time.Second,
		AutoReconnect:     true,
		ReconnectInterval: 50 * time.Millisecond,
		PingInterval:      -1,
		WaitForConnection: true,
		ConnectionTimeout: 2 * time.Second,
	}
}

// NewTestClient creates a client for b with the default test options and
// any additional options provided.
func NewTestClient(t *testing.T, b *Bridge, opts ...client.Option) *client.Client {
	t.Helper()
	return NewTestClientWithOptions(t, b, DefaultClientOptions(), opts...)
}

// NewTestClientWithOptions creates a client for b with the specified options.
func NewTestClientWithOptions(t *testing.T, b *Bridge, options ClientOptions, opts ...client.Option) *client.Client {
	t.Helper()

	clientOpts := client.DefaultOptions()
	clientOpts.Transport = b.Kind
	clientOpts.Host = b.Host
	clientOpts.Port = b.Port
	if options.Logger {
		clientOpts.Logger = DefaultLogger
	}
	if options.SendTimeout > 0 {
		clientOpts.SendTimeout = options.SendTimeout
	}
	clientOpts.AutoReconnect = options.AutoReconnect
	clientOpts.MaxReconnectTries = options.MaxReconnectTries
	clientOpts.ReconnectInterval = options.ReconnectInterval
	clientOpts.ReconnectIntervalMax = options.ReconnectInterval
	clientOpts.PingInterval = options.PingInterval

	cli, err := client.NewWithOptions(clientOpts, opts...)
	if err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}
	t.Cleanup(func() {
		cli.Close()
	})

	if options.WaitForConnection {
		cli.Connect()
		ctx, cancel := context.WithTimeout(context.Background(), options.ConnectionTimeout)
		defer cancel()
		if err := cli.WaitReady(ctx); err != nil {
			t.Fatalf("Client did not connect: %v", err)
		}
	}
	return cli
}
