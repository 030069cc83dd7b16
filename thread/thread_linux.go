//go:build linux

package thread

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// setOSThreadName sets the kernel-visible thread name (comm), truncated to
// the 15-byte limit the kernel enforces for PR_SET_NAME, purely for
// diagnostics (top/htop, /proc/<pid>/task/<tid>/comm).
func setOSThreadName(name string) {
	if len(name) > 15 {
		name = name[:15]
	}
	b := append([]byte(name), 0)
	_ = unix.Prctl(unix.PR_SET_NAME, uintptr(unsafe.Pointer(&b[0])), 0, 0, 0)
}
