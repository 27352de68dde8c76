package transport_test

import (
	"bufio"
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/lightforgemedia/go-eventbus-bridge/pkg/frame"
	"github.com/lightforgemedia/go-eventbus-bridge/pkg/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func hostPort(t *testing.T, addr string) (string, int) {
	t.Helper()
	host, p, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	port, err := strconv.Atoi(p)
	require.NoError(t, err)
	return host, port
}

// echoListener accepts one connection and echoes every frame back.
func echoListener(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		r := frame.NewReader(conn, 0)
		for {
			f, err := r.ReadFrame()
			if err != nil {
				return
			}
			if _, err := conn.Write(frame.Encode(f)); err != nil {
				return
			}
		}
	}()
	return ln
}

func TestStreamDialerRoundTrip(t *testing.T) {
	ln := echoListener(t)
	host, port := hostPort(t, ln.Addr().String())

	d, err := transport.NewDialer(transport.Config{Kind: transport.Stream, Host: host, Port: port})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, err := d.Dial(ctx)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteFrames(ctx, [][]byte{[]byte(`{"type":"ping"}`), []byte(`{"type":"register","address":"a"}`)}))
	f1, err := conn.ReadFrame(ctx)
	require.NoError(t, err)
	f2, err := conn.ReadFrame(ctx)
	require.NoError(t, err)
	assert.Equal(t, `{"type":"ping"}`, string(f1))
	assert.Equal(t, `{"type":"register","address":"a"}`, string(f2))
}

func TestStreamIdleTimeout(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		c, err := ln.Accept()
		if err == nil {
			time.Sleep(time.Second)
			c.Close()
		}
	}()
	host, port := hostPort(t, ln.Addr().String())
	d, err := transport.NewDialer(transport.Config{Host: host, Port: port, IdleTimeout: 50 * time.Millisecond})
	require.NoError(t, err)
	conn, err := d.Dial(context.Background())
	require.NoError(t, err)
	defer conn.Close()

	start := time.Now()
	_, err = conn.ReadFrame(context.Background())
	require.Error(t, err)
	var ne net.Error
	require.ErrorAs(t, err, &ne)
	assert.True(t, ne.Timeout())
	assert.Less(t, time.Since(start), 900*time.Millisecond)
}

func TestWebSocketDialerRoundTrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/bridge" {
			http.NotFound(w, r)
			return
		}
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close(websocket.StatusNormalClosure, "")
		for {
			typ, data, err := c.Read(r.Context())
			if err != nil {
				return
			}
			assert.Equal(t, websocket.MessageBinary, typ)
			if err := c.Write(r.Context(), websocket.MessageText, data); err != nil {
				return
			}
		}
	}))
	defer srv.Close()
	host, port := hostPort(t, strings.TrimPrefix(srv.URL, "http://"))

	d, err := transport.NewDialer(transport.Config{Kind: transport.WebSocket, Host: host, Port: port, WebSocketPath: "bridge"})
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, err := d.Dial(ctx)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteFrames(ctx, [][]byte{[]byte(`{"type":"ping"}`)}))
	got, err := conn.ReadFrame(ctx)
	require.NoError(t, err)
	assert.Equal(t, `{"type":"ping"}`, string(got))
}

func TestWebSocketDialerWrongPath(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()
	host, port := hostPort(t, strings.TrimPrefix(srv.URL, "http://"))
	d, err := transport.NewDialer(transport.Config{Kind: transport.WebSocket, Host: host, Port: port})
	require.NoError(t, err)
	_, err = d.Dial(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), transport.DefaultWebSocketPath)
}

func TestHTTPConnectProxy(t *testing.T) {
	target := echoListener(t)

	proxyLn, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer proxyLn.Close()
	gotAuth := make(chan string, 1)
	go func() {
		c, err := proxyLn.Accept()
		if err != nil {
			return
		}
		defer c.Close()
		br := bufio.NewReader(c)
		req, err := http.ReadRequest(br)
		if err != nil {
			return
		}
		gotAuth <- req.Header.Get("Proxy-Authorization")
		up, err := net.Dial("tcp", req.Host)
		if err != nil {
			io.WriteString(c, "HTTP/1.1 502 Bad Gateway\r\n\r\n")
			return
		}
		defer up.Close()
		io.WriteString(c, "HTTP/1.1 200 Connection established\r\n\r\n")
		go io.Copy(up, br)
		io.Copy(c, up)
	}()

	host, port := hostPort(t, target.Addr().String())
	phost, pport := hostPort(t, proxyLn.Addr().String())
	d, err := transport.NewDialer(transport.Config{
		Host: host, Port: port,
		Proxy: &transport.ProxyConfig{Type: transport.ProxyHTTP, Host: phost, Port: pport, Username: "u", Password: "p"},
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, err := d.Dial(ctx)
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, "Basic dTpw", <-gotAuth)

	require.NoError(t, conn.WriteFrames(ctx, [][]byte{[]byte("through-proxy")}))
	got, err := conn.ReadFrame(ctx)
	require.NoError(t, err)
	assert.Equal(t, "through-proxy", string(got))
}

func TestUnsupportedProxyAndKind(t *testing.T) {
	_, err := transport.NewDialer(transport.Config{Proxy: &transport.ProxyConfig{Type: transport.ProxySOCKS4}})
	assert.ErrorIs(t, err, transport.ErrUnsupportedProxy)

	_, err = transport.NewDialer(transport.Config{Kind: "carrier-pigeon"})
	assert.ErrorIs(t, err, transport.ErrUnknownKind)
}
