package client

import (
	"crypto/tls"
	"errors"
	"log/slog"
	"time"

	"github.com/lightforgemedia/go-eventbus-bridge/pkg/envelope"
	"github.com/lightforgemedia/go-eventbus-bridge/pkg/frame"
	"github.com/lightforgemedia/go-eventbus-bridge/pkg/transport"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	defaultHost              = "localhost"
	defaultPort              = 7000
	defaultConnectTimeout    = 60 * time.Second
	defaultPingInterval      = 5 * time.Second
	defaultReconnectInterval = 3 * time.Second
	defaultSendTimeout       = 30 * time.Second
	defaultWriteTimeout      = 10 * time.Second
)

type clientConfig struct {
	logger               *slog.Logger
	transport            transport.Config
	dialer               transport.Dialer // overrides transport when set
	connectTimeout       time.Duration
	writeTimeout         time.Duration
	pingInterval         time.Duration // <= 0 disables keepalive
	autoReconnect        bool
	reconnectInterval    time.Duration
	reconnectIntervalMax time.Duration
	maxReconnectTries    int // 0 means unlimited
	defaults             DeliveryOptions
	codec                envelope.Codec
	registerer           prometheus.Registerer
}

func defaultConfig() clientConfig {
	return clientConfig{
		logger: slog.Default(),
		transport: transport.Config{
			Kind:          transport.Stream,
			Host:          defaultHost,
			Port:          defaultPort,
			WebSocketPath: transport.DefaultWebSocketPath,
			MaxFrameSize:  frame.DefaultMaxSize,
		},
		connectTimeout:       defaultConnectTimeout,
		writeTimeout:         defaultWriteTimeout,
		pingInterval:         defaultPingInterval,
		autoReconnect:        true,
		reconnectInterval:    defaultReconnectInterval,
		reconnectIntervalMax: defaultReconnectInterval,
		defaults:             DeliveryOptions{SendTimeout: defaultSendTimeout},
		codec:                envelope.JSON,
	}
}

// Option configures the Client.
type Option func(*clientConfig)

// WithLogger sets a custom logging implementation.
func WithLogger(logger *slog.Logger) Option {
	return func(c *clientConfig) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithAddress sets the bridge host and port.
func WithAddress(host string, port int) Option {
	return func(c *clientConfig) {
		c.transport.Host = host
		c.transport.Port = port
	}
}

// WithTransport selects the stream or WebSocket transport.
func WithTransport(kind transport.Kind) Option {
	return func(c *clientConfig) {
		c.transport.Kind = kind
	}
}

// WithTLS enables TLS with cfg. Trust material is the caller's business.
func WithTLS(cfg *tls.Config) Option {
	return func(c *clientConfig) {
		c.transport.TLS = cfg
	}
}

// WithProxy routes connections through a proxy.
func WithProxy(p transport.ProxyConfig) Option {
	return func(c *clientConfig) {
		c.transport.Proxy = &p
	}
}

// WithWebSocketPath sets the WebSocket request path.
func WithWebSocketPath(path string) Option {
	return func(c *clientConfig) {
		if path != "" {
			c.transport.WebSocketPath = path
		}
	}
}

// WithMaxFrameSize bounds inbound frames.
func WithMaxFrameSize(n int) Option {
	return func(c *clientConfig) {
		if n > 0 {
			c.transport.MaxFrameSize = n
		}
	}
}

// WithConnectTimeout bounds each dial, including TLS and proxy handshakes.
func WithConnectTimeout(d time.Duration) Option {
	return func(c *clientConfig) {
		if d > 0 {
			c.connectTimeout = d
		}
	}
}

// WithIdleTimeout drops the connection when nothing is read for d.
func WithIdleTimeout(d time.Duration) Option {
	return func(c *clientConfig) {
		if d >= 0 {
			c.transport.IdleTimeout = d
		}
	}
}

// WithWriteTimeout bounds each batched write to the transport.
func WithWriteTimeout(d time.Duration) Option {
	return func(c *clientConfig) {
		if d > 0 {
			c.writeTimeout = d
		}
	}
}

// WithPingInterval sets the keepalive interval.
// interval <= 0: Disables pings.
func WithPingInterval(interval time.Duration) Option {
	return func(c *clientConfig) {
		c.pingInterval = interval
	}
}

// WithAutoReconnect enables automatic reconnection.
// maxTries = 0 means unlimited attempts. When maxInterval is larger than
// interval the delay doubles per failed attempt up to maxInterval.
func WithAutoReconnect(maxTries int, interval, maxInterval time.Duration) Option {
	return func(c *clientConfig) {
		c.autoReconnect = true
		if maxTries >= 0 {
			c.maxReconnectTries = maxTries
		}
		if interval > 0 {
			c.reconnectInterval = interval
		}
		if maxInterval >= c.reconnectInterval {
			c.reconnectIntervalMax = maxInterval
		} else {
			c.reconnectIntervalMax = c.reconnectInterval
		}
	}
}

// WithoutAutoReconnect disables automatic reconnection.
func WithoutAutoReconnect() Option {
	return func(c *clientConfig) {
		c.autoReconnect = false
	}
}

// WithSendTimeout sets the default reply timeout for Request.
func WithSendTimeout(d time.Duration) Option {
	return func(c *clientConfig) {
		if d > 0 {
			c.defaults.SendTimeout = d
		}
	}
}

// WithDefaultHeaders sets headers added to every send and publish.
func WithDefaultHeaders(h map[string]string) Option {
	return func(c *clientConfig) {
		c.defaults.Headers = copyHeaders(h)
	}
}

// WithCodec selects the JSON codec.
func WithCodec(codec envelope.Codec) Option {
	return func(c *clientConfig) {
		if codec != nil {
			c.codec = codec
		}
	}
}

// WithMetrics registers the client's collectors with reg.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(c *clientConfig) {
		c.registerer = reg
	}
}

// WithDialer replaces the built-in transports.
func WithDialer(d transport.Dialer) Option {
	return func(c *clientConfig) {
		c.dialer = d
	}
}

// Options contains configuration values for NewWithOptions.
// All fields have reasonable defaults provided by DefaultOptions().
type Options struct {
	Logger *slog.Logger

	Transport     transport.Kind
	Host          string
	Port          int
	TLS           *tls.Config
	Proxy         *transport.ProxyConfig
	WebSocketPath string
	MaxFrameSize  int

	ConnectTimeout time.Duration
	IdleTimeout    time.Duration
	WriteTimeout   time.Duration

	// PingInterval: 0 means library default (5s), negative disables pings.
	PingInterval time.Duration

	AutoReconnect        bool
	ReconnectInterval    time.Duration
	ReconnectIntervalMax time.Duration
	MaxReconnectTries    int

	SendTimeout    time.Duration
	DefaultHeaders map[string]string

	Codec      envelope.Codec
	Registerer prometheus.Registerer
}

// DefaultOptions returns an Options struct populated with library defaults.
func DefaultOptions() Options {
	cfg := defaultConfig()
	return Options{
		Logger:               cfg.logger,
		Transport:            cfg.transport.Kind,
		Host:                 cfg.transport.Host,
		Port:                 cfg.transport.Port,
		WebSocketPath:        cfg.transport.WebSocketPath,
		MaxFrameSize:         cfg.transport.MaxFrameSize,
		ConnectTimeout:       cfg.connectTimeout,
		WriteTimeout:         cfg.writeTimeout,
		PingInterval:         cfg.pingInterval,
		AutoReconnect:        cfg.autoReconnect,
		ReconnectInterval:    cfg.reconnectInterval,
		ReconnectIntervalMax: cfg.reconnectIntervalMax,
		SendTimeout:          cfg.defaults.SendTimeout,
		Codec:                cfg.codec,
	}
}

// NewWithOptions creates a Client from an Options struct. Zero values keep
// the library defaults. Additional functional options override the struct.
func NewWithOptions(opts Options, extra ...Option) (*Client, error) {
	if err := validateOptions(opts); err != nil {
		return nil, err
	}
	fns := []Option{
		WithLogger(opts.Logger),
		WithCodec(opts.Codec),
		WithConnectTimeout(opts.ConnectTimeout),
		WithIdleTimeout(opts.IdleTimeout),
		WithWriteTimeout(opts.WriteTimeout),
		WithSendTimeout(opts.SendTimeout),
		WithWebSocketPath(opts.WebSocketPath),
		WithMaxFrameSize(opts.MaxFrameSize),
		WithMetrics(opts.Registerer),
	}
	if opts.Transport != "" {
		fns = append(fns, WithTransport(opts.Transport))
	}
	if opts.Host != "" || opts.Port != 0 {
		host, port := opts.Host, opts.Port
		if host == "" {
			host = defaultHost
		}
		if port == 0 {
			port = defaultPort
		}
		fns = append(fns, WithAddress(host, port))
	}
	if opts.TLS != nil {
		fns = append(fns, WithTLS(opts.TLS))
	}
	if opts.Proxy != nil {
		fns = append(fns, WithProxy(*opts.Proxy))
	}
	// PingInterval: 0 means default, negative means disable.
	if opts.PingInterval != 0 {
		fns = append(fns, WithPingInterval(opts.PingInterval))
	}
	if opts.AutoReconnect {
		fns = append(fns, WithAutoReconnect(opts.MaxReconnectTries, opts.ReconnectInterval, opts.ReconnectIntervalMax))
	} else {
		fns = append(fns, WithoutAutoReconnect())
	}
	if opts.DefaultHeaders != nil {
		fns = append(fns, WithDefaultHeaders(opts.DefaultHeaders))
	}
	return New(append(fns, extra...)...)
}

func validateOptions(opts Options) error {
	if opts.Port < 0 || opts.Port > 65535 {
		return errors.New("Port must be between 0 and 65535")
	}
	if opts.ConnectTimeout < 0 {
		return errors.New("ConnectTimeout must be non-negative")
	}
	if opts.IdleTimeout < 0 {
		return errors.New("IdleTimeout must be non-negative")
	}
	if opts.SendTimeout < 0 {
		return errors.New("SendTimeout must be non-negative")
	}
	if opts.MaxReconnectTries < 0 {
		return errors.New("MaxReconnectTries must be non-negative")
	}
	if opts.MaxFrameSize < 0 {
		return errors.New("MaxFrameSize must be non-negative")
	}
	return nil
}
