package transport

import (
	"bufio"
	"context"
	"encoding/base64"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/net/proxy"
)

// ProxyType is the proxy protocol.
type ProxyType string

const (
	ProxyHTTP   ProxyType = "HTTP"
	ProxySOCKS4 ProxyType = "SOCKS4"
	ProxySOCKS5 ProxyType = "SOCKS5"
)

// ProxyConfig describes an intermediate proxy.
type ProxyConfig struct {
	Type     ProxyType
	Host     string
	Port     int
	Username string
	Password string
}

func (p *ProxyConfig) address() string {
	return net.JoinHostPort(p.Host, strconv.Itoa(p.Port))
}

func (p *ProxyConfig) validate() error {
	switch p.Type {
	case ProxyHTTP, ProxySOCKS5:
		return nil
	case ProxySOCKS4:
		// Neither net/http nor x/net/proxy speak SOCKS4.
		return fmt.Errorf("%w: %s", ErrUnsupportedProxy, p.Type)
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedProxy, p.Type)
	}
}

func (p *ProxyConfig) url() (*url.URL, error) {
	u := &url.URL{Host: p.address()}
	switch p.Type {
	case ProxyHTTP:
		u.Scheme = "http"
	case ProxySOCKS5:
		u.Scheme = "socks5"
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedProxy, p.Type)
	}
	if p.Username != "" {
		u.User = url.UserPassword(p.Username, p.Password)
	}
	return u, nil
}

func (p *ProxyConfig) dial(ctx context.Context, target string) (net.Conn, error) {
	switch p.Type {
	case ProxySOCKS5:
		var auth *proxy.Auth
		if p.Username != "" {
			auth = &proxy.Auth{User: p.Username, Password: p.Password}
		}
		d, err := proxy.SOCKS5("tcp", p.address(), auth, &net.Dialer{})
		if err != nil {
			return nil, err
		}
		if cd, ok := d.(proxy.ContextDialer); ok {
			return cd.DialContext(ctx, "tcp", target)
		}
		return d.Dial("tcp", target)
	case ProxyHTTP:
		return p.dialConnect(ctx, target)
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupportedProxy, p.Type)
}

// dialConnect opens a tunnel with an HTTP CONNECT request.
func (p *ProxyConfig) dialConnect(ctx context.Context, target string) (net.Conn, error) {
	var nd net.Dialer
	conn, err := nd.DialContext(ctx, "tcp", p.address())
	if err != nil {
		return nil, err
	}
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
		defer conn.SetDeadline(time.Time{})
	}

	req := &http.Request{
		Method: http.MethodConnect,
		URL:    &url.URL{Opaque: target},
		Host:   target,
		Header: make(http.Header),
	}
	if p.Username != "" {
		creds := base64.StdEncoding.EncodeToString([]byte(p.Username + ":" + p.Password))
		req.Header.Set("Proxy-Authorization", "Basic "+creds)
	}
	if err := req.Write(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("proxy CONNECT write: %w", err)
	}
	br := bufio.NewReader(conn)
	resp, err := http.ReadResponse(br, req)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("proxy CONNECT read: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		conn.Close()
		return nil, fmt.Errorf("proxy CONNECT to %s refused: %s", target, resp.Status)
	}
	if br.Buffered() > 0 {
		return &bufferedConn{Conn: conn, r: br}, nil
	}
	return conn, nil
}

// bufferedConn keeps bytes the proxy sent right after its CONNECT response.
type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *bufferedConn) Read(p []byte) (int, error) {
	return c.r.Read(p)
}
