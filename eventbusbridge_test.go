package eventbusbridge

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/lightforgemedia/go-eventbus-bridge/pkg/client"
	"github.com/lightforgemedia/go-eventbus-bridge/pkg/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultOptions(t *testing.T) {
	opts := DefaultOptions()
	assert.Equal(t, "localhost", opts.Host)
	assert.True(t, opts.AutoReconnect)
}

func TestLoadClientRoundTrip(t *testing.T) {
	b := testutil.NewBridge(t, WebSocket)

	path := filepath.Join(t.TempDir(), "client.yaml")
	doc := "host: " + b.Host + "\nport: " + strconv.Itoa(b.Port) + "\ntransport: websocket\npingInterval: -1\n"
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	cli, err := LoadClient(path, client.WithLogger(testutil.DefaultLogger))
	require.NoError(t, err)
	defer cli.Close()

	got := make(chan *Message, 1)
	_, err = cli.Consumer("greetings", func(m *Message) { got <- m })
	require.NoError(t, err)

	cli.Connect()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, cli.WaitReady(ctx))
	require.NoError(t, testutil.WaitFor(t, "greetings registered", 2*time.Second, func() bool { return b.Registered("greetings") }))

	require.NoError(t, cli.Send("greetings", "hello"))
	select {
	case m := <-got:
		var s string
		require.NoError(t, m.DecodeBody(&s))
		assert.Equal(t, "hello", s)
	case <-time.After(2 * time.Second):
		t.Fatal("message not delivered")
	}
}

func TestLoadClientMissingFile(t *testing.T) {
	_, err := LoadClient(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestNewClientRejectsBadOptions(t *testing.T) {
	opts := DefaultOptions()
	opts.SendTimeout = -time.Second
	_, err := NewClient(opts)
	assert.Error(t, err)
}
