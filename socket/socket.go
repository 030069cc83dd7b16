// Package socket's Socket type is the POSIX-like facade over package
// hook described in spec.md §6, grounded on the original tihi::Socket
// (socket.h/.cc): bind/listen/accept/connect/send/recv plus scatter-
// gather ByteArray variants and cancellation, all fiber-suspending when
// called from inside an IOManager worker.
package socket

import (
	"fmt"
	"time"

	"golang.org/x/sys/unix"

	"github.com/yrf105/tihi-server/bytearray"
	"github.com/yrf105/tihi-server/hook"
)

// Socket wraps one fd with the address family it was created for.
type Socket struct {
	fd     int
	family Family
	typ    int
}

// NewTCP creates a non-listening TCP socket for the given family
// (FamilyIPv4 or FamilyIPv6).
func NewTCP(family Family) (*Socket, error) {
	return newSocket(family, unix.SOCK_STREAM)
}

// NewUnixStream creates a stream-oriented Unix domain socket.
func NewUnixStream() (*Socket, error) {
	return newSocket(FamilyUnix, unix.SOCK_STREAM)
}

func newSocket(family Family, typ int) (*Socket, error) {
	domain := domainFor(family)
	fd, err := hook.Socket(domain, typ, 0)
	if err != nil {
		return nil, fmt.Errorf("socket: socket(%s): %w", familyName(family), err)
	}
	return &Socket{fd: fd, family: family, typ: typ}, nil
}

// FD exposes the raw descriptor, for tests and for stream.SocketStream.
func (s *Socket) FD() int { return s.fd }

// SetReuseAddr sets SO_REUSEADDR, conventional for listening sockets.
func (s *Socket) SetReuseAddr(v bool) error {
	n := 0
	if v {
		n = 1
	}
	return unix.SetsockoptInt(s.fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, n)
}

// Bind binds the socket to addr.
func (s *Socket) Bind(addr Address) error {
	sa, err := addr.toSockaddr()
	if err != nil {
		return err
	}
	return unix.Bind(s.fd, sa)
}

// Listen marks the socket as accepting connections with the given
// backlog.
func (s *Socket) Listen(backlog int) error {
	return unix.Listen(s.fd, backlog)
}

// LocalAddress returns the address the socket is bound to, the original's
// Socket::getLocalAddress -- most useful after Bind with an ephemeral port
// (0) to discover which port the kernel actually assigned.
func (s *Socket) LocalAddress() (Address, error) {
	sa, err := unix.Getsockname(s.fd)
	if err != nil {
		return Address{}, fmt.Errorf("socket: getsockname: %w", err)
	}
	return fromSockaddr(sa), nil
}

// Accept blocks the calling fiber until a connection is ready, then
// returns a Socket wrapping the new connection and its peer Address.
func (s *Socket) Accept() (*Socket, Address, error) {
	nfd, sa, err := hook.Accept(s.fd)
	if err != nil {
		return nil, Address{}, err
	}
	return &Socket{fd: nfd, family: s.family, typ: s.typ}, fromSockaddr(sa), nil
}

// Connect connects to addr, suspending the calling fiber until the
// connection completes, fails, or timeout elapses. A timeout of 0 uses
// hook.ConnectTimeout()'s configured default.
func (s *Socket) Connect(addr Address, timeout time.Duration) error {
	sa, err := addr.toSockaddr()
	if err != nil {
		return err
	}
	if timeout <= 0 {
		timeout = hook.ConnectTimeout()
	}
	return hook.Connect(s.fd, sa, timeout)
}

// Send writes p, suspending the calling fiber on backpressure.
func (s *Socket) Send(p []byte) (int, error) {
	return hook.Write(s.fd, p)
}

// Recv reads into p, suspending the calling fiber until data or EOF
// arrives.
func (s *Socket) Recv(p []byte) (int, error) {
	return hook.Read(s.fd, p)
}

// SendByteArray drains up to ba.ReadableBytes() from ba via a single
// writev(2) against the unread region's own chunk buffers (no copy), the
// original's Socket::send(const iovec*, size_t, int) gather write (there
// sendmsg with a nil msg_name; writev is its equivalent for a connected
// stream socket with no destination address to carry).
func (s *Socket) SendByteArray(ba *bytearray.ByteArray, length int) (int, error) {
	if length < 0 || length > ba.ReadableBytes() {
		length = ba.ReadableBytes()
	}
	if length == 0 {
		return 0, nil
	}
	iovs := ba.GatherReadBuffers(length)
	written, err := hook.Writev(s.fd, iovs)
	if written > 0 {
		ba.SetPosition(ba.Position() + written)
	}
	return written, err
}

// RecvByteArray reads up to length bytes directly into ba via a single
// readv(2) against its scatter-write buffers (no copy), the original's
// Socket::recv(iovec*, size_t, int) scatter read (there recvmsg with a
// nil msg_name).
func (s *Socket) RecvByteArray(ba *bytearray.ByteArray, length int) (int, error) {
	if length <= 0 {
		return 0, nil
	}
	iovs := ba.ScatterWriteBuffers(length)
	n, err := hook.Readv(s.fd, iovs)
	if n > 0 {
		ba.CommitWrite(n)
	}
	return n, err
}

// Close closes the socket, cancelling any pending waits first.
func (s *Socket) Close() error {
	return hook.Close(s.fd)
}

// CancelRead cancels a pending read/accept wait on this socket as if it
// had failed, waking the suspended fiber.
func (s *Socket) CancelRead() bool { return hook.CancelRead(s.fd) }

// CancelWrite cancels a pending write/connect wait.
func (s *Socket) CancelWrite() bool { return hook.CancelWrite(s.fd) }

// SetRecvTimeout sets SO_RCVTIMEO-equivalent behaviour in the fd table.
func (s *Socket) SetRecvTimeout(d time.Duration) { hook.SetRecvTimeout(s.fd, d) }

// SetSendTimeout sets SO_SNDTIMEO-equivalent behaviour in the fd table.
func (s *Socket) SetSendTimeout(d time.Duration) { hook.SetSendTimeout(s.fd, d) }

// SetNonblock sets the user-visible non-blocking bit (pass-through mode
// for reads/writes on this fd).
func (s *Socket) SetNonblock(v bool) { hook.SetNonblock(s.fd, v) }
