// Package config loads client settings from YAML files and keeps a running
// client in sync with them.
package config

import (
	"bytes"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/lightforgemedia/go-eventbus-bridge/pkg/client"
	"github.com/lightforgemedia/go-eventbus-bridge/pkg/envelope"
	"github.com/lightforgemedia/go-eventbus-bridge/pkg/transport"
	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration written as a Go duration string ("1.5s") or
// as integer milliseconds.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var ms int64
	if err := node.Decode(&ms); err == nil {
		*d = Duration(time.Duration(ms) * time.Millisecond)
		return nil
	}
	var s string
	if err := node.Decode(&s); err != nil {
		return fmt.Errorf("line %d: duration must be a string or milliseconds", node.Line)
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*d = Duration(v)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// File is the on-disk client configuration. Omitted fields keep the client
// defaults.
type File struct {
	Host          string `yaml:"host"`
	Port          int    `yaml:"port"`
	Transport     string `yaml:"transport"`
	WebSocketPath string `yaml:"websocketPath"`
	MaxFrameSize  int    `yaml:"maxFrameSize"`
	Codec         string `yaml:"codec"`

	TLS   *TLS   `yaml:"tls"`
	Proxy *Proxy `yaml:"proxy"`

	ConnectTimeout Duration `yaml:"connectTimeout"`
	IdleTimeout    Duration `yaml:"idleTimeout"`
	WriteTimeout   Duration `yaml:"writeTimeout"`
	PingInterval   Duration `yaml:"pingInterval"`

	Reconnect Reconnect `yaml:"reconnect"`
	Delivery  Delivery  `yaml:"delivery"`
}

// TLS enables TLS. Certificates and trust stores stay with the caller, who
// can still pass a full *tls.Config through client.WithTLS.
type TLS struct {
	Enabled            bool   `yaml:"enabled"`
	ServerName         string `yaml:"serverName"`
	InsecureSkipVerify bool   `yaml:"insecureSkipVerify"`
}

// Proxy routes the connection through an HTTP or SOCKS proxy.
type Proxy struct {
	Type     string `yaml:"type"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// Reconnect configures automatic reconnection. Enabled defaults to true.
type Reconnect struct {
	Enabled     *bool    `yaml:"enabled"`
	Interval    Duration `yaml:"interval"`
	MaxInterval Duration `yaml:"maxInterval"`
	MaxTries    int      `yaml:"maxTries"`
}

// Delivery holds the defaults applied to every send, publish and request.
type Delivery struct {
	SendTimeout Duration          `yaml:"sendTimeout"`
	Headers     map[string]string `yaml:"headers"`
}

// Load reads and parses the file at path.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	f, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return f, nil
}

// Parse decodes and validates a YAML document. Unknown keys are rejected.
func Parse(data []byte) (*File, error) {
	var f File
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	// An empty document decodes to io.EOF and means all defaults.
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	if err := f.validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

func (f *File) validate() error {
	switch transport.Kind(f.Transport) {
	case "", transport.Stream, transport.WebSocket:
	default:
		return fmt.Errorf("unknown transport %q", f.Transport)
	}
	if f.Codec != "" && envelope.ByName(f.Codec) == nil {
		return fmt.Errorf("unknown codec %q", f.Codec)
	}
	if f.Port < 0 || f.Port > 65535 {
		return fmt.Errorf("port %d out of range", f.Port)
	}
	if f.Delivery.SendTimeout < 0 {
		return errors.New("delivery.sendTimeout must be positive")
	}
	if f.Reconnect.MaxTries < 0 {
		return errors.New("reconnect.maxTries must not be negative")
	}
	if f.Proxy != nil {
		switch transport.ProxyType(f.Proxy.Type) {
		case transport.ProxyHTTP, transport.ProxySOCKS4, transport.ProxySOCKS5:
		default:
			return fmt.Errorf("unknown proxy type %q", f.Proxy.Type)
		}
	}
	return nil
}

// Options converts the file into client.Options on top of the defaults.
func (f *File) Options() client.Options {
	opts := client.DefaultOptions()
	if f.Host != "" {
		opts.Host = f.Host
	}
	if f.Port != 0 {
		opts.Port = f.Port
	}
	if f.Transport != "" {
		opts.Transport = transport.Kind(f.Transport)
	}
	if f.WebSocketPath != "" {
		opts.WebSocketPath = f.WebSocketPath
	}
	if f.MaxFrameSize > 0 {
		opts.MaxFrameSize = f.MaxFrameSize
	}
	if codec := envelope.ByName(f.Codec); codec != nil {
		opts.Codec = codec
	}
	if f.TLS != nil && f.TLS.Enabled {
		opts.TLS = &tls.Config{
			ServerName:         f.TLS.ServerName,
			InsecureSkipVerify: f.TLS.InsecureSkipVerify,
		}
	}
	if f.Proxy != nil {
		opts.Proxy = &transport.ProxyConfig{
			Type:     transport.ProxyType(f.Proxy.Type),
			Host:     f.Proxy.Host,
			Port:     f.Proxy.Port,
			Username: f.Proxy.Username,
			Password: f.Proxy.Password,
		}
	}
	if f.ConnectTimeout > 0 {
		opts.ConnectTimeout = time.Duration(f.ConnectTimeout)
	}
	if f.IdleTimeout > 0 {
		opts.IdleTimeout = time.Duration(f.IdleTimeout)
	}
	if f.WriteTimeout > 0 {
		opts.WriteTimeout = time.Duration(f.WriteTimeout)
	}
	if f.PingInterval != 0 {
		opts.PingInterval = time.Duration(f.PingInterval)
	}
	if f.Reconnect.Enabled != nil {
		opts.AutoReconnect = *f.Reconnect.Enabled
	}
	if f.Reconnect.Interval > 0 {
		opts.ReconnectInterval = time.Duration(f.Reconnect.Interval)
		opts.ReconnectIntervalMax = opts.ReconnectInterval
	}
	if f.Reconnect.MaxInterval > 0 {
		opts.ReconnectIntervalMax = time.Duration(f.Reconnect.MaxInterval)
	}
	opts.MaxReconnectTries = f.Reconnect.MaxTries
	if f.Delivery.SendTimeout > 0 {
		opts.SendTimeout = time.Duration(f.Delivery.SendTimeout)
	}
	if len(f.Delivery.Headers) > 0 {
		opts.DefaultHeaders = f.Delivery.Headers
	}
	return opts
}

// DeliveryOptions returns the delivery defaults of the file, falling back
// to base for anything the file leaves out.
func (f *File) DeliveryOptions(base client.DeliveryOptions) client.DeliveryOptions {
	out := base
	if f.Delivery.SendTimeout > 0 {
		out.SendTimeout = time.Duration(f.Delivery.SendTimeout)
	}
	if f.Delivery.Headers != nil {
		out.Headers = f.Delivery.Headers
	}
	return out
}

// NewClient creates a client from the file. Extra options override it.
func (f *File) NewClient(extra ...client.Option) (*client.Client, error) {
	return client.NewWithOptions(f.Options(), extra...)
}

// Apply pushes the delivery defaults of f into a running client, over the
// client's current defaults. Connection settings only take effect for new
// clients. Use Watcher.Track to follow a file across reloads.
func Apply(cli *client.Client, f *File) error {
	return cli.SetDefaultDelivery(f.DeliveryOptions(cli.DefaultDelivery()))
}
