// Package stream implements the thin read_exact/write_exact adapters
// described in spec.md §6, grounded on the original tihi::Stream /
// tihi::SocketStream (stream.h/.cc, socket_stream.h/.cc).
package stream

import (
	"github.com/yrf105/tihi-server/bytearray"
	"github.com/yrf105/tihi-server/socket"
)

// Stream is anything that can read/write a byte slice and report the
// ByteArray-accumulating variants, the Go equivalent of the original's
// abstract Stream base class.
type Stream interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	ReadByteArray(ba *bytearray.ByteArray, length int) (int, error)
	WriteByteArray(ba *bytearray.ByteArray, length int) (int, error)
	Close() error
}

// SocketStream adapts a *socket.Socket to the Stream interface.
type SocketStream struct {
	sock *socket.Socket
}

// NewSocketStream wraps sock as a Stream.
func NewSocketStream(sock *socket.Socket) *SocketStream {
	return &SocketStream{sock: sock}
}

func (s *SocketStream) Read(p []byte) (int, error)  { return s.sock.Recv(p) }
func (s *SocketStream) Write(p []byte) (int, error) { return s.sock.Send(p) }

func (s *SocketStream) ReadByteArray(ba *bytearray.ByteArray, length int) (int, error) {
	return s.sock.RecvByteArray(ba, length)
}

func (s *SocketStream) WriteByteArray(ba *bytearray.ByteArray, length int) (int, error) {
	return s.sock.SendByteArray(ba, length)
}

func (s *SocketStream) Close() error { return s.sock.Close() }

// ReadExact loops Read until len(buf) bytes have been collected or the
// underlying Read returns <= 0, in which case that (short count, error)
// pair is returned immediately -- exactly the original's read_exact.
func ReadExact(s Stream, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := s.Read(buf[total:])
		if n > 0 {
			total += n
		}
		if n <= 0 {
			return total, err
		}
	}
	return total, nil
}

// WriteExact loops Write until all of buf has been sent or Write returns
// <= 0.
func WriteExact(s Stream, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := s.Write(buf[total:])
		if n > 0 {
			total += n
		}
		if n <= 0 {
			return total, err
		}
	}
	return total, nil
}

// ReadExactByteArray is ReadExact's ByteArray-accumulating variant: it
// loops ReadByteArray until length bytes have flowed into ba.
func ReadExactByteArray(s Stream, ba *bytearray.ByteArray, length int) (int, error) {
	total := 0
	for total < length {
		n, err := s.ReadByteArray(ba, length-total)
		if n > 0 {
			total += n
		}
		if n <= 0 {
			return total, err
		}
	}
	return total, nil
}

// WriteExactByteArray loops WriteByteArray until length bytes have been
// drained from ba.
func WriteExactByteArray(s Stream, ba *bytearray.ByteArray, length int) (int, error) {
	total := 0
	for total < length {
		n, err := s.WriteByteArray(ba, length-total)
		if n > 0 {
			total += n
		}
		if n <= 0 {
			return total, err
		}
	}
	return total, nil
}
