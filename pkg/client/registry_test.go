package client

import (
	"context"
	"testing"
	"time"

	"github.com/lightforgemedia/go-eventbus-bridge/pkg/transport"
	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryRoundRobinAndOrder(t *testing.T) {
	r := newRegistry()
	a1 := &registration{address: "a"}
	a2 := &registration{address: "a"}
	b1 := &registration{address: "b"}

	_, isNew := r.add(a1)
	assert.True(t, isNew)
	_, isNew = r.add(b1)
	assert.True(t, isNew)
	_, isNew = r.add(a2)
	assert.False(t, isNew)

	assert.Same(t, a1, r.next("a"))
	assert.Same(t, a2, r.next("a"))
	assert.Same(t, a1, r.next("a"))
	assert.Nil(t, r.next("missing"))

	live := r.live()
	require.Len(t, live, 2)
	assert.Equal(t, "a", live[0].address)
	assert.Equal(t, "b", live[1].address)

	e, emptied := r.remove(a1)
	require.NotNil(t, e)
	assert.False(t, emptied)
	assert.Same(t, a2, r.next("a"))

	e, emptied = r.remove(a1)
	assert.Nil(t, e, "second removal is a no-op")
	assert.False(t, emptied)

	_, emptied = r.remove(a2)
	assert.True(t, emptied)
	assert.Equal(t, 1, r.len())
	assert.Equal(t, "b", r.live()[0].address)
}

func TestRegistryForgetAndClear(t *testing.T) {
	r := newRegistry()
	e, _ := r.add(&registration{address: "x"})
	e.registered = true
	r.add(&registration{address: "y"})

	r.forgetServer()
	assert.False(t, e.registered)

	regs := r.clear()
	assert.Len(t, regs, 2)
	assert.Equal(t, 0, r.len())
	assert.Empty(t, r.live())
}

func TestBackoff(t *testing.T) {
	c := &Client{config: defaultConfig()}
	c.config.reconnectInterval = 100 * time.Millisecond
	c.config.reconnectIntervalMax = time.Second

	want := []time.Duration{100, 200, 400, 800, 1000, 1000}
	for i, w := range want {
		assert.Equal(t, w*time.Millisecond, c.backoff(i+1), "attempt %d", i+1)
	}

	c.config.reconnectIntervalMax = c.config.reconnectInterval
	assert.Equal(t, 100*time.Millisecond, c.backoff(5))
}

func TestMetricsTrackQueue(t *testing.T) {
	reg := prometheus.NewRegistry()
	block := transport.DialerFunc(func(ctx context.Context) (transport.Conn, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	c, err := New(WithDialer(block), WithMetrics(reg), WithoutAutoReconnect())
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.Send("a", 1))
	require.NoError(t, c.Publish("b", 2))
	assert.Equal(t, float64(2), promtest.ToFloat64(c.metrics.queued))
	assert.Equal(t, StateConnecting, c.State())

	results := make(chan Result, 1)
	require.NoError(t, c.Request("c", 3, func(r Result) { results <- r }))
	assert.Equal(t, float64(1), promtest.ToFloat64(c.metrics.pendingReplies))

	families, err := reg.Gather()
	require.NoError(t, err)
	names := map[string]bool{}
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["eventbus_client_queued_operations"])
	assert.True(t, names["eventbus_client_pending_replies"])

	require.NoError(t, c.Close())
	r := <-results
	assert.ErrorIs(t, r.Err, ErrClientClosed)
	assert.Equal(t, float64(0), promtest.ToFloat64(c.metrics.queued))
	assert.Equal(t, float64(0), promtest.ToFloat64(c.metrics.pendingReplies))
}

func TestNewWithOptionsValidation(t *testing.T) {
	_, err := NewWithOptions(Options{Port: 70000})
	assert.Error(t, err)
	_, err = NewWithOptions(Options{SendTimeout: -time.Second})
	assert.Error(t, err)

	c, err := NewWithOptions(DefaultOptions())
	require.NoError(t, err)
	assert.Equal(t, defaultPingInterval, c.config.pingInterval)
	assert.Equal(t, defaultSendTimeout, c.defaults.SendTimeout)
	assert.True(t, c.config.autoReconnect)
	assert.Equal(t, transport.DefaultWebSocketPath, c.config.transport.WebSocketPath)

	opts := DefaultOptions()
	opts.PingInterval = -1
	opts.AutoReconnect = false
	c, err = NewWithOptions(opts)
	require.NoError(t, err)
	assert.LessOrEqual(t, c.config.pingInterval, time.Duration(0))
	assert.False(t, c.config.autoReconnect)

	_, err = New(WithProxy(transport.ProxyConfig{Type: transport.ProxySOCKS4, Host: "p", Port: 1}))
	assert.ErrorIs(t, err, transport.ErrUnsupportedProxy)
}
