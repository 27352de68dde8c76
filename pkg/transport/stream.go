package transport

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/binary"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/lightforgemedia/go-eventbus-bridge/pkg/frame"
)

type streamDialer struct {
	cfg Config
}

func (d *streamDialer) Dial(ctx context.Context) (Conn, error) {
	target := d.cfg.address()
	var (
		raw net.Conn
		err error
	)
	if d.cfg.Proxy != nil {
		raw, err = d.cfg.Proxy.dial(ctx, target)
	} else {
		var nd net.Dialer
		raw, err = nd.DialContext(ctx, "tcp", target)
	}
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", target, err)
	}

	if d.cfg.TLS != nil {
		tc := tls.Client(raw, d.cfg.tlsConfig())
		if err := tc.HandshakeContext(ctx); err != nil {
			raw.Close()
			return nil, fmt.Errorf("tls handshake with %s: %w", target, err)
		}
		raw = tc
	}
	return NewStreamConn(raw, d.cfg.MaxFrameSize, d.cfg.IdleTimeout), nil
}

// StreamConn frames a net.Conn with 4 byte length prefixes.
type StreamConn struct {
	conn   net.Conn
	reader *frame.Reader
	idle   time.Duration

	writeMu sync.Mutex
	writer  *bufio.Writer
}

// NewStreamConn wraps an established connection. maxFrame <= 0 means
// frame.DefaultMaxSize.
func NewStreamConn(conn net.Conn, maxFrame int, idle time.Duration) *StreamConn {
	if maxFrame <= 0 {
		maxFrame = frame.DefaultMaxSize
	}
	return &StreamConn{
		conn:   conn,
		reader: frame.NewReader(conn, maxFrame),
		idle:   idle,
		writer: bufio.NewWriter(conn),
	}
}

// ReadFrame implements Conn. Cancelling ctx does not interrupt a blocked read;
// close the connection for that.
func (s *StreamConn) ReadFrame(_ context.Context) ([]byte, error) {
	if s.idle > 0 {
		if err := s.conn.SetReadDeadline(time.Now().Add(s.idle)); err != nil {
			return nil, err
		}
	}
	return s.reader.ReadFrame()
}

// WriteFrames implements Conn.
func (s *StreamConn) WriteFrames(ctx context.Context, frames [][]byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if deadline, ok := ctx.Deadline(); ok {
		if err := s.conn.SetWriteDeadline(deadline); err != nil {
			return err
		}
		defer s.conn.SetWriteDeadline(time.Time{})
	}
	var hdr [frame.HeaderSize]byte
	for _, f := range frames {
		binary.BigEndian.PutUint32(hdr[:], uint32(len(f)))
		if _, err := s.writer.Write(hdr[:]); err != nil {
			return err
		}
		if _, err := s.writer.Write(f); err != nil {
			return err
		}
	}
	return s.writer.Flush()
}

// Close implements Conn.
func (s *StreamConn) Close() error {
	return s.conn.Close()
}
