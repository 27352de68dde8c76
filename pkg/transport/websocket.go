package transport

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/lightforgemedia/go-eventbus-bridge/pkg/frame"
)

type wsDialer struct {
	cfg Config
}

func (d *wsDialer) url() string {
	scheme := "ws"
	if d.cfg.TLS != nil {
		scheme = "wss"
	}
	path := d.cfg.WebSocketPath
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	u := url.URL{Scheme: scheme, Host: d.cfg.address(), Path: path}
	return u.String()
}

func (d *wsDialer) dialOptions() (*websocket.DialOptions, error) {
	tr := http.DefaultTransport.(*http.Transport).Clone()
	if d.cfg.TLS != nil {
		tr.TLSClientConfig = d.cfg.tlsConfig()
	}
	if d.cfg.Proxy != nil {
		pu, err := d.cfg.Proxy.url()
		if err != nil {
			return nil, err
		}
		tr.Proxy = http.ProxyURL(pu)
	}
	return &websocket.DialOptions{HTTPClient: &http.Client{Transport: tr}}, nil
}

func (d *wsDialer) Dial(ctx context.Context) (Conn, error) {
	opts, err := d.dialOptions()
	if err != nil {
		return nil, err
	}
	target := d.url()
	conn, httpResp, err := websocket.Dial(ctx, target, opts)
	if err != nil {
		if httpResp != nil {
			return nil, fmt.Errorf("dial %s failed (status: %s): %w", target, httpResp.Status, err)
		}
		return nil, fmt.Errorf("dial %s: %w", target, err)
	}
	return NewWebSocketConn(conn, d.cfg.MaxFrameSize, d.cfg.IdleTimeout), nil
}

// WebSocketConn maps one frame to one binary WebSocket message.
type WebSocketConn struct {
	conn *websocket.Conn
	max  int
	idle time.Duration
}

// NewWebSocketConn wraps an established WebSocket connection.
func NewWebSocketConn(conn *websocket.Conn, maxFrame int, idle time.Duration) *WebSocketConn {
	if maxFrame <= 0 {
		maxFrame = frame.DefaultMaxSize
	}
	conn.SetReadLimit(int64(maxFrame))
	return &WebSocketConn{conn: conn, max: maxFrame, idle: idle}
}

// ReadFrame implements Conn. Text messages are accepted as well as binary
// ones since some bridges answer in text frames. A normal or going-away
// close from the peer is reported as io.EOF.
func (w *WebSocketConn) ReadFrame(ctx context.Context) ([]byte, error) {
	if w.idle > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.idle)
		defer cancel()
	}
	_, data, err := w.conn.Read(ctx)
	if err != nil {
		switch websocket.CloseStatus(err) {
		case websocket.StatusNormalClosure, websocket.StatusGoingAway:
			return nil, io.EOF
		}
		return nil, err
	}
	if err := frame.Validate(data, w.max); err != nil {
		return nil, err
	}
	return data, nil
}

// WriteFrames implements Conn.
func (w *WebSocketConn) WriteFrames(ctx context.Context, frames [][]byte) error {
	for _, f := range frames {
		if err := w.conn.Write(ctx, websocket.MessageBinary, f); err != nil {
			return err
		}
	}
	return nil
}

// Close implements Conn.
func (w *WebSocketConn) Close() error {
	return w.conn.Close(websocket.StatusNormalClosure, "client closing")
}
