// Package hook implements the POSIX-shaped wrapper layer described in
// spec.md §4.6, grounded on the original tihi::hook (hook.h/.cc).
//
// Go offers no equivalent of dlsym(RTLD_NEXT, ...): there is no portable
// way to transparently intercept calls application code makes directly to
// the standard library's syscall wrappers. This package instead exposes
// explicit functions that application code calls directly when it wants
// fiber-suspending I/O: Sleep, Socket, Connect, Accept, Read, Readv,
// Recvfrom, Write, Writev, Sendto, Close, SetNonblock/IsUserNonblocking
// (the fcntl non-blocking bit) and SetRecvTimeout/SetSendTimeout (the
// setsockopt timeouts). There are no separate usleep, nanosleep, recv,
// recvmsg, send, sendmsg, ioctl or getsockopt wrappers, and no general
// fcntl/setsockopt wrapper. golang.org/x/sys/unix supplies the underlying
// non-blocking syscalls. A per-goroutine "hook enabled" flag (true inside
// the workers of an IOManager built with WithHookedWorkers, false
// elsewhere) selects between pass-through and suspending behaviour,
// matching t_hook_enable's role in the original.
package hook

import (
	"fmt"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/yrf105/tihi-server/config"
	"github.com/yrf105/tihi-server/fdtable"
	"github.com/yrf105/tihi-server/fiber"
	"github.com/yrf105/tihi-server/internal/gid"
	"github.com/yrf105/tihi-server/internal/obslog"
	"github.com/yrf105/tihi-server/internal/syserr"
	"github.com/yrf105/tihi-server/iomanager"
	"github.com/yrf105/tihi-server/scheduler"
	"github.com/yrf105/tihi-server/thread"
	"github.com/yrf105/tihi-server/timer"
)

// threadFlag is a per-goroutine-thread boolean, the Go realisation of the
// original's `static thread_local bool t_hook_enable`.
type threadFlag struct {
	mu sync.Mutex
	m  map[uint64]bool
}

func (f *threadFlag) set(v bool) {
	f.mu.Lock()
	if f.m == nil {
		f.m = make(map[uint64]bool)
	}
	f.m[gid.Current()] = v
	f.mu.Unlock()
}

func (f *threadFlag) get() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.m[gid.Current()]
}

// connectTimeoutMS is the default connect timeout, config key
// tcp.connect.timeout per spec.md §6.
var connectTimeoutMS = config.Lookup("tcp.connect.timeout", int64(5000), "tcp connect timeout in ms")

// enabled tracks, per goroutine, whether hooked behaviour is active.
// Workers of an IOManager constructed with WithHookedWorkers enable it for
// their own lifetime via EnableCurrentThread; every other goroutine,
// including workers of an IOManager built without that option, defaults
// to disabled (real pass-through syscalls).
var enabled threadFlag

// EnableCurrentThread turns on hooked behaviour for the calling
// OS-thread-bound goroutine. WithHookedWorkers installs it as the
// per-worker init of an IOManager.
func EnableCurrentThread() { enabled.set(true) }

// WithHookedWorkers returns an iomanager.Option that enables hooked
// syscall behaviour for every worker of the constructed IOManager, for
// the lifetime of each worker goroutine.
func WithHookedWorkers() iomanager.Option {
	return iomanager.WithWorkerInit(EnableCurrentThread)
}

// DisableCurrentThread turns hooked behaviour back off.
func DisableCurrentThread() { enabled.set(false) }

// Enabled reports whether the calling goroutine currently has hooked
// behaviour active.
func Enabled() bool { return enabled.get() }

// currentIOM resolves the IOManager owning the calling goroutine's
// registered thread (thread.Register stores the owning scheduler, and an
// IOManager's workers are registered with the IOManager itself as that
// scheduler, since IOManager composes *scheduler.Scheduler). Returns nil
// if the calling goroutine is not a worker of any IOManager.
func currentIOM() *iomanager.IOManager {
	t := thread.Current()
	if t == nil {
		return nil
	}
	iom, _ := t.Scheduler().(*iomanager.IOManager)
	return iom
}

// timerInfo is the shared cancellation flag threaded between a
// condition timer and the I/O wait it guards, per spec.md §4.6.
type timerInfo struct {
	cancelled unix.Errno
}

// CancelRead cancels a pending read/accept wait on fd as if it had
// failed, waking the suspended fiber with an error. Reports whether a
// wait was actually pending.
func CancelRead(fd int) bool {
	iom := currentIOM()
	if iom == nil {
		return false
	}
	return iom.CancelEvent(fd, iomanager.Read)
}

// CancelWrite cancels a pending write/connect wait on fd.
func CancelWrite(fd int) bool {
	iom := currentIOM()
	if iom == nil {
		return false
	}
	return iom.CancelEvent(fd, iomanager.Write)
}

// Sleep hooks sleep(): schedules the current fiber to resume after d and
// yields, rather than blocking the OS thread.
func Sleep(d time.Duration) {
	if !Enabled() {
		time.Sleep(d)
		return
	}
	iom := currentIOM()
	if iom == nil {
		time.Sleep(d)
		return
	}
	f := fiber.Current()
	iom.AddTimer(d.Milliseconds(), func() {
		iom.Schedule(&scheduler.Runnable{Fiber: f, Pinned: scheduler.AnyThread})
	}, false)
	f.YieldSuspended()
}

// Socket hooks socket(2): issues the real syscall, then registers the
// resulting fd in the fd table.
func Socket(domain, typ, proto int) (int, error) {
	fd, err := unix.Socket(domain, typ, proto)
	if err != nil {
		return -1, syserr.Wrap("socket", -1, err)
	}
	if iom := currentIOM(); iom != nil {
		iom.FdTable().Get(fd, true)
	}
	return fd, nil
}

// Close hooks close(2): cancels all pending waits on fd, removes it from
// the fd table, then performs the real close.
func Close(fd int) error {
	if iom := currentIOM(); iom != nil {
		iom.CancelAll(fd)
		return syserr.Wrap("close", fd, iom.FdTable().Close(fd))
	}
	return syserr.Wrap("close", fd, unix.Close(fd))
}

// Connect hooks connect(2) with a timeout, implementing the
// non-blocking-connect algorithm from spec.md §4.6.
func Connect(fd int, sa unix.Sockaddr, timeout time.Duration) error {
	if !Enabled() {
		return unix.Connect(fd, sa)
	}
	iom := currentIOM()
	if iom == nil {
		return unix.Connect(fd, sa)
	}

	meta := iom.FdTable().Get(fd, true)
	if meta.Closed() {
		return syserr.Wrap("connect", fd, unix.EBADF)
	}
	if !meta.IsSocket() || meta.UserNonblocking() {
		return unix.Connect(fd, sa)
	}

	err := unix.Connect(fd, sa)
	if err == nil {
		return nil
	}
	if err != unix.EINPROGRESS {
		return syserr.Wrap("connect", fd, err)
	}

	tinfo := &timerInfo{}
	var tmr *timer.Timer

	if timeout > 0 {
		// The weak reference is to the waiting fiber, not tinfo: tinfo is
		// captured strongly by the callback below (it has to be, to set
		// the cancellation flag), so a weak reference to it could never
		// observe collection. The fiber is not captured by the callback,
		// so if it were ever released independently of this timer the
		// guard actually skips a pointless resume.
		tmr = iomanager.AddConditionTimer(iom, timeout.Milliseconds(), fiber.Current(), func() {
			if tinfo.cancelled != 0 {
				return
			}
			tinfo.cancelled = unix.ETIMEDOUT
			iom.CancelEvent(fd, iomanager.Write)
		}, false)
	}

	if aerr := iom.AddEvent(fd, iomanager.Write, nil); aerr != nil {
		if tmr != nil {
			tmr.Cancel()
		}
		return aerr
	}

	fiber.Current().YieldSuspended()

	if tmr != nil {
		tmr.Cancel()
	}
	if tinfo.cancelled != 0 {
		return syserr.Wrap("connect", fd, tinfo.cancelled)
	}

	soErr, gerr := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if gerr != nil {
		return syserr.Wrap("getsockopt", fd, gerr)
	}
	if soErr != 0 {
		return syserr.Wrap("connect", fd, unix.Errno(soErr))
	}
	return nil
}

// ConnectTimeout returns the currently configured default connect
// timeout.
func ConnectTimeout() time.Duration {
	return time.Duration(connectTimeoutMS.Value()) * time.Millisecond
}

// ioFunc is the shape of a retryable, EAGAIN-capable syscall wrapper used
// by doIO, e.g. func() (int, error) { return unix.Read(fd, p) }.
type ioFunc func() (int, error)

// doIO implements the generic retry/EAGAIN/timeout/cancellation algorithm
// from spec.md §4.6.
func doIO(fd int, dir iomanager.Direction, kind fdtable.TimeoutKind, call ioFunc, name string) (int, error) {
	if !Enabled() {
		return call()
	}
	iom := currentIOM()
	if iom == nil {
		return call()
	}

	meta := iom.FdTable().Get(fd, true)
	if meta == nil || !meta.IsSocket() || meta.UserNonblocking() {
		return call()
	}
	if meta.Closed() {
		return -1, syserr.Wrap(name, fd, unix.EBADF)
	}

	timeoutMS := meta.Timeout(kind)
	tinfo := &timerInfo{}

	for {
		n, err := call()
		for err == unix.EINTR {
			n, err = call()
		}
		if err != unix.EAGAIN && err != unix.EWOULDBLOCK {
			return n, syserr.Wrap(name, fd, err)
		}

		var tmr *timer.Timer
		if timeoutMS != fdtable.NoTimeout {
			// See the comment in Connect: the weak reference targets the
			// waiting fiber rather than tinfo, which the callback must
			// capture strongly to record the cancellation.
			tmr = iomanager.AddConditionTimer(iom, timeoutMS, fiber.Current(), func() {
				if tinfo.cancelled != 0 {
					return
				}
				tinfo.cancelled = unix.ETIMEDOUT
				iom.CancelEvent(fd, dir)
			}, false)
		}

		if aerr := iom.AddEvent(fd, dir, nil); aerr != nil {
			obslog.L().Err().Str("component", "hook").Log(fmt.Sprintf("%s: addEvent(fd=%d): %v", name, fd, aerr))
			if tmr != nil {
				tmr.Cancel()
			}
			return -1, aerr
		}

		fiber.Current().YieldSuspended()

		if tmr != nil {
			tmr.Cancel()
		}
		if tinfo.cancelled != 0 {
			return -1, syserr.Wrap(name, fd, tinfo.cancelled)
		}
		// retry the real call
	}
}

// Read hooks read(2).
func Read(fd int, p []byte) (int, error) {
	return doIO(fd, iomanager.Read, fdtable.TimeoutRecv, func() (int, error) { return unix.Read(fd, p) }, "read")
}

// Write hooks write(2).
func Write(fd int, p []byte) (int, error) {
	return doIO(fd, iomanager.Write, fdtable.TimeoutSend, func() (int, error) { return unix.Write(fd, p) }, "write")
}

// Readv hooks readv(2): a single scatter read into the buffers named by
// iovs, suspending the calling fiber on EAGAIN the same way Read does.
func Readv(fd int, iovs []unix.Iovec) (int, error) {
	return doIO(fd, iomanager.Read, fdtable.TimeoutRecv, func() (int, error) { return unix.Readv(fd, iovs) }, "readv")
}

// Writev hooks writev(2): a single gather write from the buffers named by
// iovs, suspending the calling fiber on EAGAIN the same way Write does.
func Writev(fd int, iovs []unix.Iovec) (int, error) {
	return doIO(fd, iomanager.Write, fdtable.TimeoutSend, func() (int, error) { return unix.Writev(fd, iovs) }, "writev")
}

// Recvfrom hooks recvfrom(2).
func Recvfrom(fd int, p []byte, flags int) (int, unix.Sockaddr, error) {
	var from unix.Sockaddr
	var rerr error
	n, err := doIO(fd, iomanager.Read, fdtable.TimeoutRecv, func() (int, error) {
		var nn int
		nn, from, rerr = unix.Recvfrom(fd, p, flags)
		return nn, rerr
	}, "recvfrom")
	if err != nil {
		return n, nil, err
	}
	return n, from, nil
}

// Sendto hooks sendto(2).
func Sendto(fd int, p []byte, flags int, to unix.Sockaddr) (int, error) {
	return doIO(fd, iomanager.Write, fdtable.TimeoutSend, func() (int, error) {
		return len(p), unix.Sendto(fd, p, flags, to)
	}, "sendto")
}

// Accept hooks accept(2): waits for readability the same way doIO does,
// but the kernel call itself has no data to transfer.
func Accept(fd int) (int, unix.Sockaddr, error) {
	var sa unix.Sockaddr
	nfd, err := doIO(fd, iomanager.Read, fdtable.TimeoutRecv, func() (int, error) {
		nfd, a, aerr := unix.Accept(fd)
		sa = a
		return nfd, aerr
	}, "accept")
	if err != nil {
		return -1, nil, err
	}
	if iom := currentIOM(); iom != nil {
		iom.FdTable().Get(nfd, true)
	}
	return nfd, sa, nil
}

// SetNonblock hooks fcntl(F_SETFL, O_NONBLOCK): records the user-visible
// bit but never actually clears the kernel-level non-blocking mode the fd
// table forces on managed sockets.
func SetNonblock(fd int, nonblocking bool) {
	if iom := currentIOM(); iom != nil {
		iom.FdTable().Get(fd, true).SetUserNonblocking(nonblocking)
		return
	}
	_ = unix.SetNonblock(fd, nonblocking)
}

// IsUserNonblocking hooks fcntl(F_GETFL)'s non-blocking bit
// substitution: the real flags come from the kernel, but the
// non-blocking bit reported to the user comes from the fd table.
func IsUserNonblocking(fd int) bool {
	if iom := currentIOM(); iom != nil {
		return iom.FdTable().Get(fd, true).UserNonblocking()
	}
	return false
}

// SetRecvTimeout hooks setsockopt(SO_RCVTIMEO): stored in the fd table in
// ms and not forwarded to the kernel (the non-blocking retry loop in doIO
// implements the timeout instead).
func SetRecvTimeout(fd int, d time.Duration) {
	if iom := currentIOM(); iom != nil {
		iom.FdTable().Get(fd, true).SetTimeout(fdtable.TimeoutRecv, d.Milliseconds())
	}
}

// SetSendTimeout hooks setsockopt(SO_SNDTIMEO).
func SetSendTimeout(fd int, d time.Duration) {
	if iom := currentIOM(); iom != nil {
		iom.FdTable().Get(fd, true).SetTimeout(fdtable.TimeoutSend, d.Milliseconds())
	}
}
