package frame_test

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"testing"

	"github.com/lightforgemedia/go-eventbus-bridge/pkg/frame"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// chunkReader hands out at most n bytes per Read to simulate partial reads.
type chunkReader struct {
	data []byte
	n    int
}

func (c *chunkReader) Read(p []byte) (int, error) {
	if len(c.data) == 0 {
		return 0, io.EOF
	}
	n := c.n
	if n > len(p) {
		n = len(p)
	}
	if n > len(c.data) {
		n = len(c.data)
	}
	copy(p, c.data[:n])
	c.data = c.data[n:]
	return n, nil
}

func TestEncodeLayout(t *testing.T) {
	out := frame.Encode([]byte(`{"type":"ping"}`))
	require.Len(t, out, 4+15)
	assert.Equal(t, uint32(15), binary.BigEndian.Uint32(out))
	assert.Equal(t, `{"type":"ping"}`, string(out[4:]))
}

func TestSplitRoundTrip(t *testing.T) {
	inputs := []string{"", "a", `{"type":"send","address":"x","body":"héllo"}`, "日本語テキスト"}
	for _, s := range inputs {
		frames, rest, err := frame.Split(frame.Encode([]byte(s)), 0)
		require.NoError(t, err)
		require.Len(t, frames, 1)
		assert.Equal(t, s, string(frames[0]))
		assert.Empty(t, rest)
	}
}

func TestSplitMultipleAndPartial(t *testing.T) {
	var buf []byte
	buf = frame.AppendEncoded(buf, []byte("one"))
	buf = frame.AppendEncoded(buf, []byte("two"))
	third := frame.Encode([]byte("three"))
	buf = append(buf, third[:6]...)

	frames, rest, err := frame.Split(buf, 0)
	require.NoError(t, err)
	require.Len(t, frames, 2)
	assert.Equal(t, "one", string(frames[0]))
	assert.Equal(t, "two", string(frames[1]))
	assert.Equal(t, third[:6], rest)

	frames, rest, err = frame.Split(append(rest, third[6:]...), 0)
	require.NoError(t, err)
	require.Len(t, frames, 1)
	assert.Equal(t, "three", string(frames[0]))
	assert.Empty(t, rest)
}

func TestSplitHeaderOnly(t *testing.T) {
	frames, rest, err := frame.Split([]byte{0, 0}, 0)
	require.NoError(t, err)
	assert.Empty(t, frames)
	assert.Equal(t, []byte{0, 0}, rest)
}

func TestSplitRejectsOversizedFrame(t *testing.T) {
	buf := frame.Encode(bytes.Repeat([]byte("x"), 20))
	_, _, err := frame.Split(buf, 10)
	assert.ErrorIs(t, err, frame.ErrFrameTooLarge)

	_, _, err = frame.Split([]byte{0xff, 0xff, 0xff, 0xff}, 0)
	assert.ErrorIs(t, err, frame.ErrFrameTooLarge)
}

func TestSplitRejectsInvalidUTF8(t *testing.T) {
	_, _, err := frame.Split(frame.Encode([]byte{0xff, 0xfe}), 0)
	assert.ErrorIs(t, err, frame.ErrInvalidUTF8)
}

func TestReaderArbitraryChunking(t *testing.T) {
	payloads := []string{`{"a":1}`, "", `{"type":"rec","address":"reply","body":{"ok":true}}`, "ünïcödé"}
	var stream []byte
	for _, p := range payloads {
		stream = frame.AppendEncoded(stream, []byte(p))
	}

	for chunk := 1; chunk <= len(stream); chunk++ {
		r := frame.NewReader(&chunkReader{data: append([]byte(nil), stream...), n: chunk}, 0)
		for i, want := range payloads {
			got, err := r.ReadFrame()
			require.NoError(t, err, "chunk=%d frame=%d", chunk, i)
			assert.Equal(t, want, string(got), "chunk=%d frame=%d", chunk, i)
		}
		_, err := r.ReadFrame()
		assert.ErrorIs(t, err, io.EOF, "chunk=%d", chunk)
		assert.Zero(t, r.Buffered())
	}
}

func TestReaderTruncatedStream(t *testing.T) {
	enc := frame.Encode([]byte("truncated"))
	r := frame.NewReader(bytes.NewReader(enc[:7]), 0)
	_, err := r.ReadFrame()
	assert.True(t, errors.Is(err, io.ErrUnexpectedEOF), "got %v", err)
}

func TestReaderPropagatesProtocolError(t *testing.T) {
	r := frame.NewReader(bytes.NewReader(frame.Encode(bytes.Repeat([]byte("y"), 64))), 16)
	_, err := r.ReadFrame()
	assert.ErrorIs(t, err, frame.ErrFrameTooLarge)
}

func TestReaderDeliversFramesBeforeProtocolError(t *testing.T) {
	var stream []byte
	stream = frame.AppendEncoded(stream, []byte(`{"type":"message","address":"a"}`))
	stream = frame.AppendEncoded(stream, []byte(`{"type":"pong"}`))
	stream = frame.AppendEncoded(stream, []byte{0xff, 0xfe})
	r := frame.NewReader(bytes.NewReader(stream), 0)

	f, err := r.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, `{"type":"message","address":"a"}`, string(f))
	f, err = r.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, `{"type":"pong"}`, string(f))

	_, err = r.ReadFrame()
	assert.ErrorIs(t, err, frame.ErrInvalidUTF8)
	_, err = r.ReadFrame()
	assert.ErrorIs(t, err, frame.ErrInvalidUTF8, "error is sticky")
}

func TestValidate(t *testing.T) {
	assert.NoError(t, frame.Validate([]byte(`{"type":"pong"}`), 0))
	assert.ErrorIs(t, frame.Validate([]byte{0xc3, 0x28}, 0), frame.ErrInvalidUTF8)
	assert.ErrorIs(t, frame.Validate(make([]byte, 11), 10), frame.ErrFrameTooLarge)
}
