// Package syserr provides the POSIX-shaped error wrapper described in
// SPEC_FULL.md §11.3: every hook-layer failure is wrapped in a
// *SyscallError carrying the failing operation, fd, and errno, the same
// shape as the standard library's os.SyscallError, specialised so
// errors.Is(err, syscall.ETIMEDOUT) and similar checks keep working.
package syserr

import (
	"fmt"
	"syscall"
)

// SyscallError names the failing operation and fd alongside the errno,
// per spec.md §7's "errno + component + operation" error taxonomy.
type SyscallError struct {
	Op  string
	Fd  int
	Err syscall.Errno
}

func (e *SyscallError) Error() string {
	return fmt.Sprintf("%s(fd=%d): %s", e.Op, e.Fd, e.Err.Error())
}

// Unwrap exposes the underlying errno so errors.Is(err, syscall.EAGAIN)
// and errors.As(err, &syscall.Errno(0)) work on a wrapped error.
func (e *SyscallError) Unwrap() error { return e.Err }

// Wrap builds a *SyscallError from a raw error returned by an
// x/sys/unix call, or returns nil/err unchanged when err is nil or not a
// syscall.Errno (e.g. already a higher-level error).
func Wrap(op string, fd int, err error) error {
	if err == nil {
		return nil
	}
	errno, ok := err.(syscall.Errno)
	if !ok {
		return err
	}
	return &SyscallError{Op: op, Fd: fd, Err: errno}
}
