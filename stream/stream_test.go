package stream_test

import (
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yrf105/tihi-server/bytearray"
	"github.com/yrf105/tihi-server/stream"
)

// chunkedStream is an in-memory Stream that delivers reads/writes in
// fixed-size pieces regardless of the caller's buffer size, so ReadExact
// and WriteExact are genuinely exercised across multiple loop iterations
// rather than completing in one call.
type chunkedStream struct {
	chunk  int
	in     []byte
	out    []byte
	failAt int // if >= 0, once len(out) reaches failAt Read returns io.ErrUnexpectedEOF and Write returns an error
}

func (c *chunkedStream) Read(p []byte) (int, error) {
	if c.failAt >= 0 && len(c.out) >= c.failAt {
		return 0, io.ErrUnexpectedEOF
	}
	if len(c.in) == 0 {
		return 0, io.EOF
	}
	n := c.chunk
	if n > len(p) {
		n = len(p)
	}
	if n > len(c.in) {
		n = len(c.in)
	}
	copy(p, c.in[:n])
	c.in = c.in[n:]
	return n, nil
}

func (c *chunkedStream) Write(p []byte) (int, error) {
	if c.failAt >= 0 && len(c.out) >= c.failAt {
		return 0, errors.New("write failed")
	}
	n := c.chunk
	if n > len(p) {
		n = len(p)
	}
	c.out = append(c.out, p[:n]...)
	return n, nil
}

func (c *chunkedStream) ReadByteArray(ba *bytearray.ByteArray, length int) (int, error) {
	buf := make([]byte, length)
	n, err := c.Read(buf)
	if n > 0 {
		ba.Write(buf[:n])
	}
	return n, err
}

// WriteByteArray mirrors SocketStream's real rewind behaviour: bytes the
// underlying Write didn't accept are pushed back onto ba's read cursor
// rather than lost, so a caller looping WriteExactByteArray sees them
// again on the next call.
func (c *chunkedStream) WriteByteArray(ba *bytearray.ByteArray, length int) (int, error) {
	buf := make([]byte, length)
	n := ba.Read(buf)
	written, err := c.Write(buf[:n])
	if written < n {
		ba.SetPosition(ba.Position() - (n - written))
	}
	return written, err
}

func (c *chunkedStream) Close() error { return nil }

func TestReadExactAccumulatesAcrossShortReads(t *testing.T) {
	s := &chunkedStream{chunk: 3, in: []byte("hello world"), failAt: -1}
	buf := make([]byte, 11)
	n, err := stream.ReadExact(s, buf)
	require.NoError(t, err)
	assert.Equal(t, 11, n)
	assert.Equal(t, "hello world", string(buf))
}

func TestReadExactReturnsShortCountAndErrorOnFailure(t *testing.T) {
	s := &chunkedStream{chunk: 4, in: []byte("0123456789"), failAt: -1}
	s.in = s.in[:6] // only 6 bytes available before EOF
	buf := make([]byte, 10)
	n, err := stream.ReadExact(s, buf)
	require.Error(t, err)
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, 6, n)
}

func TestWriteExactAccumulatesAcrossShortWrites(t *testing.T) {
	s := &chunkedStream{chunk: 5, failAt: -1}
	n, err := stream.WriteExact(s, []byte("a long message to send"))
	require.NoError(t, err)
	assert.Equal(t, 22, n)
	assert.Equal(t, "a long message to send", string(s.out))
}

func TestWriteExactStopsOnUnderlyingError(t *testing.T) {
	s := &chunkedStream{chunk: 4, failAt: 8}
	n, err := stream.WriteExact(s, []byte("0123456789abcdef"))
	require.Error(t, err)
	assert.Equal(t, 8, n)
}

func TestReadExactByteArrayAccumulatesAcrossShortReads(t *testing.T) {
	s := &chunkedStream{chunk: 3, in: []byte("abcdefgh"), failAt: -1}
	ba := bytearray.New(4)
	n, err := stream.ReadExactByteArray(s, ba, 8)
	require.NoError(t, err)
	assert.Equal(t, 8, n)
	got := make([]byte, 8)
	ba.Read(got)
	assert.Equal(t, "abcdefgh", string(got))
}

func TestWriteExactByteArrayDrainsAcrossShortWrites(t *testing.T) {
	s := &chunkedStream{chunk: 3, failAt: -1}
	ba := bytearray.New(4)
	ba.Write([]byte("drain-me"))
	n, err := stream.WriteExactByteArray(s, ba, 8)
	require.NoError(t, err)
	assert.Equal(t, 8, n)
	assert.Equal(t, "drain-me", string(s.out))
}

func TestStreamInterfaceIsNotTiedToSocketStream(t *testing.T) {
	// NewSocketStream itself requires a live fd-backed Socket, which is
	// already exercised end to end by the socket package's loopback
	// tests; here we only confirm the zero-value-safe wiring compiles
	// and that ReadExact/WriteExact are generic over the Stream
	// interface, not tied to *SocketStream specifically.
	var _ stream.Stream = (*chunkedStream)(nil)
}
