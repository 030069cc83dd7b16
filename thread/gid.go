package thread

import "github.com/yrf105/tihi-server/internal/gid"

// GoroutineID parses the running goroutine's id out of runtime.Stack,
// grounded on the teacher's getGoroutineID helper in its event loop --
// Go exposes no public API for this, so the debug stack trace is the only
// portable source. Its cost is paid on every Register, Unregister and
// Current call.
func GoroutineID() uint64 { return gid.Current() }
