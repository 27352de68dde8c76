// Package frame implements the length-prefixed framing used by the event bus
// bridge on stream sockets.
//
// Every frame is a 4 byte big-endian length followed by that many bytes of
// UTF-8 encoded JSON:
//
//	[0-3]  length  uint32
//	[4-]   payload length bytes
package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"unicode/utf8"
)

const (
	// HeaderSize is the size of the length prefix.
	HeaderSize = 4
	// DefaultMaxSize bounds a single frame payload unless configured otherwise.
	DefaultMaxSize = 64 * 1024
)

var (
	ErrFrameTooLarge = errors.New("frame: payload exceeds maximum size")
	ErrInvalidUTF8   = errors.New("frame: payload is not valid UTF-8")
)

// Encode prefixes text with its big-endian length.
func Encode(text []byte) []byte {
	buf := make([]byte, HeaderSize+len(text))
	binary.BigEndian.PutUint32(buf, uint32(len(text)))
	copy(buf[HeaderSize:], text)
	return buf
}

// AppendEncoded appends the encoded frame for text to dst.
func AppendEncoded(dst, text []byte) []byte {
	dst = binary.BigEndian.AppendUint32(dst, uint32(len(text)))
	return append(dst, text...)
}

// Split extracts every complete frame buffered in buf, in order. The bytes of
// an incomplete trailing frame are returned as rest and must be passed again,
// prefixed to the next read. max <= 0 disables the size check.
//
// The returned frames alias buf.
func Split(buf []byte, max int) (frames [][]byte, rest []byte, err error) {
	for {
		if len(buf) < HeaderSize {
			return frames, buf, nil
		}
		n := binary.BigEndian.Uint32(buf)
		if err := checkSize(n, max); err != nil {
			return frames, buf, err
		}
		end := HeaderSize + int(n)
		if len(buf) < end {
			return frames, buf, nil
		}
		payload := buf[HeaderSize:end]
		if !utf8.Valid(payload) {
			return frames, buf, ErrInvalidUTF8
		}
		frames = append(frames, payload)
		buf = buf[end:]
	}
}

func checkSize(n uint32, max int) error {
	// The bridge writes a signed int; anything with the sign bit set is garbage.
	if n > 1<<31-1 {
		return fmt.Errorf("%w: length prefix %d", ErrFrameTooLarge, n)
	}
	if max > 0 && int(n) > max {
		return fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, n, max)
	}
	return nil
}

// Reader reads frames from a byte stream, tolerating partial reads and
// multiple frames per read.
type Reader struct {
	r       io.Reader
	max     int
	buf     []byte
	pending [][]byte
	chunk   []byte
	// err is a protocol error seen after the frames in pending. It is
	// returned once they have all been handed out.
	err error
}

// NewReader wraps r. max <= 0 disables the frame size check.
func NewReader(r io.Reader, max int) *Reader {
	return &Reader{r: r, max: max, chunk: make([]byte, 32*1024)}
}

// ReadFrame returns the next complete frame payload. The returned slice is
// owned by the caller. Frames that arrived before a malformed one are
// returned first; the protocol error follows them and then sticks.
func (fr *Reader) ReadFrame() ([]byte, error) {
	for len(fr.pending) == 0 {
		if fr.err != nil {
			return nil, fr.err
		}
		n, err := fr.r.Read(fr.chunk)
		if n > 0 {
			fr.buf = append(fr.buf, fr.chunk[:n]...)
			frames, rest, splitErr := Split(fr.buf, fr.max)
			for _, f := range frames {
				fr.pending = append(fr.pending, append([]byte(nil), f...))
			}
			fr.buf = append(fr.buf[:0], rest...)
			if splitErr != nil {
				fr.err = splitErr
				continue
			}
		}
		if len(fr.pending) > 0 {
			break
		}
		if err != nil {
			if errors.Is(err, io.EOF) && len(fr.buf) > 0 {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, err
		}
	}
	f := fr.pending[0]
	fr.pending[0] = nil
	fr.pending = fr.pending[1:]
	return f, nil
}

// Buffered reports the number of bytes held for an incomplete frame.
func (fr *Reader) Buffered() int {
	return len(fr.buf)
}

// Validate checks a message-oriented payload (one WebSocket message) the same
// way Split checks stream payloads.
func Validate(payload []byte, max int) error {
	if max > 0 && len(payload) > max {
		return fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, len(payload), max)
	}
	if !utf8.Valid(payload) {
		return ErrInvalidUTF8
	}
	return nil
}
