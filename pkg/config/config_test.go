package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/lightforgemedia/go-eventbus-bridge/pkg/client"
	"github.com/lightforgemedia/go-eventbus-bridge/pkg/envelope"
	"github.com/lightforgemedia/go-eventbus-bridge/pkg/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sample = `
host: bus.internal
port: 7443
transport: websocket
websocketPath: /bridge
codec: sonnet
tls:
  enabled: true
  serverName: bus.example.com
proxy:
  type: SOCKS5
  host: proxy.local
  port: 1080
  username: u
  password: p
connectTimeout: 5s
idleTimeout: 1m
pingInterval: 2500
reconnect:
  interval: 500ms
  maxInterval: 4s
  maxTries: 5
delivery:
  sendTimeout: 10s
  headers:
    app: billing
`

func TestParseOptions(t *testing.T) {
	f, err := Parse([]byte(sample))
	require.NoError(t, err)

	opts := f.Options()
	assert.Equal(t, "bus.internal", opts.Host)
	assert.Equal(t, 7443, opts.Port)
	assert.Equal(t, transport.WebSocket, opts.Transport)
	assert.Equal(t, "/bridge", opts.WebSocketPath)
	assert.Equal(t, envelope.Sonnet, opts.Codec)
	require.NotNil(t, opts.TLS)
	assert.Equal(t, "bus.example.com", opts.TLS.ServerName)
	require.NotNil(t, opts.Proxy)
	assert.Equal(t, transport.ProxySOCKS5, opts.Proxy.Type)
	assert.Equal(t, 1080, opts.Proxy.Port)
	assert.Equal(t, 5*time.Second, opts.ConnectTimeout)
	assert.Equal(t, time.Minute, opts.IdleTimeout)
	assert.Equal(t, 2500*time.Millisecond, opts.PingInterval)
	assert.True(t, opts.AutoReconnect)
	assert.Equal(t, 500*time.Millisecond, opts.ReconnectInterval)
	assert.Equal(t, 4*time.Second, opts.ReconnectIntervalMax)
	assert.Equal(t, 5, opts.MaxReconnectTries)
	assert.Equal(t, 10*time.Second, opts.SendTimeout)
	assert.Equal(t, map[string]string{"app": "billing"}, opts.DefaultHeaders)
}

func TestParseDefaults(t *testing.T) {
	f, err := Parse(nil)
	require.NoError(t, err)
	assert.Equal(t, client.DefaultOptions().Port, f.Options().Port)
	assert.Equal(t, client.DefaultOptions().SendTimeout, f.Options().SendTimeout)

	f, err = Parse([]byte("reconnect:\n  enabled: false\n"))
	require.NoError(t, err)
	assert.False(t, f.Options().AutoReconnect)
}

func TestParseRejects(t *testing.T) {
	for name, doc := range map[string]string{
		"unknown key":       "hots: x\n",
		"bad transport":     "transport: udp\n",
		"bad codec":         "codec: xml\n",
		"bad duration":      "connectTimeout: soon\n",
		"bad proxy":         "proxy:\n  type: FTP\n",
		"negative tries":    "reconnect:\n  maxTries: -1\n",
		"port out of range": "port: 99999\n",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestApplyUpdatesDelivery(t *testing.T) {
	cli, err := client.New(client.WithDefaultHeaders(map[string]string{"old": "1"}))
	require.NoError(t, err)
	defer cli.Close()

	f, err := Parse([]byte("delivery:\n  headers:\n    new: \"2\"\n"))
	require.NoError(t, err)
	require.NoError(t, Apply(cli, f))

	d := cli.DefaultDelivery()
	assert.Equal(t, map[string]string{"new": "2"}, d.Headers)
	assert.Equal(t, client.DefaultOptions().SendTimeout, d.SendTimeout)
}

func TestWatcherReloads(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "client.yaml")
	require.NoError(t, os.WriteFile(path, []byte("delivery:\n  sendTimeout: 1s\n"), 0o644))

	w, err := NewWatcher(path,
		WithLogger(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))),
		WithDebounce(50*time.Millisecond),
	)
	require.NoError(t, err)
	assert.Equal(t, Duration(time.Second), w.Current().Delivery.SendTimeout)

	cli, err := client.New()
	require.NoError(t, err)
	defer cli.Close()
	require.NoError(t, w.Track(cli))
	assert.Equal(t, time.Second, cli.DefaultDelivery().SendTimeout)

	reloaded := make(chan *File, 4)
	w.OnChange(func(f *File) { reloaded <- f })
	require.NoError(t, w.Start())
	defer w.Stop()

	// Other files in the directory are ignored.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.yaml"), []byte("ignored: true\n"), 0o644))
	require.NoError(t, os.WriteFile(path, []byte("delivery:\n  sendTimeout: 3s\n  headers:\n    v: \"2\"\n"), 0o644))

	select {
	case f := <-reloaded:
		assert.Equal(t, Duration(3*time.Second), f.Delivery.SendTimeout)
	case <-time.After(3 * time.Second):
		t.Fatal("config was not reloaded")
	}
	assert.Equal(t, 3*time.Second, cli.DefaultDelivery().SendTimeout)
	assert.Equal(t, map[string]string{"v": "2"}, cli.DefaultDelivery().Headers)
	assert.NoError(t, w.Stop())
}

func TestWatcherRevertsRemovedSettings(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "client.yaml")
	require.NoError(t, os.WriteFile(path, []byte("delivery:\n  sendTimeout: 2s\n  headers:\n    v: \"1\"\n"), 0o644))

	w, err := NewWatcher(path, WithDebounce(50*time.Millisecond))
	require.NoError(t, err)

	cli, err := client.New(client.WithDefaultHeaders(map[string]string{"app": "base"}))
	require.NoError(t, err)
	defer cli.Close()
	require.NoError(t, w.Track(cli))
	assert.Equal(t, map[string]string{"v": "1"}, cli.DefaultDelivery().Headers)
	assert.Equal(t, 2*time.Second, cli.DefaultDelivery().SendTimeout)

	reloaded := make(chan *File, 4)
	w.OnChange(func(f *File) { reloaded <- f })
	require.NoError(t, w.Start())
	defer w.Stop()

	require.NoError(t, os.WriteFile(path, []byte("host: bus.internal\n"), 0o644))
	select {
	case <-reloaded:
	case <-time.After(3 * time.Second):
		t.Fatal("config was not reloaded")
	}
	assert.Equal(t, map[string]string{"app": "base"}, cli.DefaultDelivery().Headers)
	assert.Equal(t, client.DefaultOptions().SendTimeout, cli.DefaultDelivery().SendTimeout)
}
