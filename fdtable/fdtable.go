// Package fdtable implements the process-wide fd-to-metadata mapping
// described in spec.md §4.5, grounded on the original tihi::FdManager /
// tihi::FdCtx (fd_manager.h/.cc): lazily created on first syscall
// observing an fd, destroyed on close, growing its backing slice by 1.5x.
package fdtable

import (
	"sync"

	"golang.org/x/sys/unix"
)

// TimeoutKind distinguishes the two per-direction socket timeouts.
type TimeoutKind int

const (
	TimeoutRecv TimeoutKind = iota
	TimeoutSend
)

// NoTimeout marks a direction with no configured timeout (-1 in spec.md).
const NoTimeout int64 = -1

// Meta is the per-fd record: is-socket, kernel/user non-blocking bits,
// per-direction timeouts, and the closed flag.
type Meta struct {
	mu sync.Mutex

	fd int

	isInit    bool
	isSocket  bool
	sysNonblk bool // kernel-level non-blocking bit, owned by the hook layer
	userNonblk bool // user-requested non-blocking bit, fcntl-visible
	closed    bool

	recvTimeoutMS int64
	sendTimeoutMS int64
}

// FD returns the file descriptor this record describes.
func (m *Meta) FD() int { return m.fd }

// IsSocket reports whether fstat identified this fd as a socket.
func (m *Meta) IsSocket() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.isSocket
}

// SystemNonblocking reports the kernel-level O_NONBLOCK bit the hook layer
// forces on managed sockets, independent of the user's requested mode.
func (m *Meta) SystemNonblocking() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sysNonblk
}

// UserNonblocking reports the non-blocking bit as the user last requested
// it via fcntl(F_SETFL); the hook layer keeps the socket's user-visible
// behaviour blocking by default even though the kernel bit is forced on.
func (m *Meta) UserNonblocking() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.userNonblk
}

// SetUserNonblocking records the user's requested non-blocking mode.
func (m *Meta) SetUserNonblocking(v bool) {
	m.mu.Lock()
	m.userNonblk = v
	m.mu.Unlock()
}

// Closed reports whether Close was already observed for this fd.
func (m *Meta) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// Timeout returns the configured timeout in ms for the given direction,
// or NoTimeout if none was set.
func (m *Meta) Timeout(kind TimeoutKind) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if kind == TimeoutRecv {
		return m.recvTimeoutMS
	}
	return m.sendTimeoutMS
}

// SetTimeout stores a SO_RCVTIMEO/SO_SNDTIMEO-style timeout in ms.
func (m *Meta) SetTimeout(kind TimeoutKind, ms int64) {
	m.mu.Lock()
	if kind == TimeoutRecv {
		m.recvTimeoutMS = ms
	} else {
		m.sendTimeoutMS = ms
	}
	m.mu.Unlock()
}

// Table is the process-wide fd table.
type Table struct {
	mu   sync.RWMutex
	fds  []*Meta // indexed by fd; nil entries for unobserved fds
}

// New creates an empty Table.
func New() *Table {
	return &Table{}
}

// Get returns the Meta for fd, lazily creating it (via fstat-based
// classification) if autoCreate is true and no entry exists yet.
func (t *Table) Get(fd int, autoCreate bool) *Meta {
	if fd < 0 {
		return nil
	}

	t.mu.RLock()
	if fd < len(t.fds) && t.fds[fd] != nil {
		m := t.fds[fd]
		t.mu.RUnlock()
		return m
	}
	t.mu.RUnlock()

	if !autoCreate {
		return nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if fd < len(t.fds) && t.fds[fd] != nil {
		return t.fds[fd]
	}

	if fd >= len(t.fds) {
		newCap := len(t.fds)
		if newCap == 0 {
			newCap = 64
		}
		for newCap <= fd {
			newCap = newCap + newCap/2 + 1 // grow by 1.5x
		}
		grown := make([]*Meta, newCap)
		copy(grown, t.fds)
		t.fds = grown
	}

	m := &Meta{fd: fd, recvTimeoutMS: NoTimeout, sendTimeoutMS: NoTimeout}
	initMeta(m)
	t.fds[fd] = m
	return m
}

// initMeta performs the fstat-based classification and, for sockets,
// forces the kernel non-blocking bit on while leaving the user-visible
// mode blocking, per spec.md §4.5.
func initMeta(m *Meta) {
	var st unix.Stat_t
	if err := unix.Fstat(m.fd, &st); err == nil {
		m.isSocket = st.Mode&unix.S_IFMT == unix.S_IFSOCK
	}
	if m.isSocket {
		flags, err := unix.FcntlInt(uintptr(m.fd), unix.F_GETFL, 0)
		if err == nil {
			_, _ = unix.FcntlInt(uintptr(m.fd), unix.F_SETFL, flags|unix.O_NONBLOCK)
		}
		m.sysNonblk = true
	}
	m.isInit = true
}

// Close removes fd from the table (marking it closed first, so any
// concurrent waiter sees Closed()==true before the real close completes)
// and invokes the real close syscall.
func (t *Table) Close(fd int) error {
	t.mu.Lock()
	var m *Meta
	if fd >= 0 && fd < len(t.fds) {
		m = t.fds[fd]
		t.fds[fd] = nil
	}
	t.mu.Unlock()

	if m != nil {
		m.mu.Lock()
		m.closed = true
		m.mu.Unlock()
	}

	return unix.Close(fd)
}
