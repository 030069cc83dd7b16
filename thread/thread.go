// Package thread models "one OS thread carrying thread-local identity and
// a thread-local current-fiber / current-scheduler pointer" (spec.md §2
// item 3). Go has no portable thread-local-storage primitive, but
// runtime.LockOSThread binds a goroutine to its OS thread for the
// goroutine's lifetime, and the goroutine id obtained via GoroutineID is
// then a stable stand-in for OS thread identity -- the same substitution
// the "native lightweight-task runtime" design note (SPEC_FULL.md §10)
// makes for fibers.
package thread

import (
	"runtime"
	"sync"

	"github.com/yrf105/tihi-server/fiber"
)

// Thread is the thread-local record for one worker.
type Thread struct {
	gid  uint64
	Name string

	mu       sync.Mutex
	curFiber *fiber.Fiber
	curSched any
}

var (
	registryMu sync.RWMutex
	registry   = map[uint64]*Thread{}
)

// Register binds the calling goroutine to its OS thread and installs a
// Thread record for it, keyed by goroutine id. Must be called once, from
// the goroutine that will act as a worker's thread-main context, before
// any fiber is resumed on it.
func Register(name string) *Thread {
	runtime.LockOSThread()
	gid := GoroutineID()

	t := &Thread{gid: gid, Name: name}

	registryMu.Lock()
	registry[gid] = t
	registryMu.Unlock()

	setOSThreadName(name)
	return t
}

// Unregister removes the calling goroutine's Thread record and releases
// the OS thread binding. Call from the same goroutine that Registered.
func Unregister() {
	gid := GoroutineID()
	registryMu.Lock()
	delete(registry, gid)
	registryMu.Unlock()
	runtime.UnlockOSThread()
}

// Current returns the Thread record for the calling goroutine, or nil if
// it was never Registered.
func Current() *Thread {
	gid := GoroutineID()
	registryMu.RLock()
	t := registry[gid]
	registryMu.RUnlock()
	return t
}

// GID returns this thread's stand-in OS thread identity.
func (t *Thread) GID() uint64 { return t.gid }

// CurrentFiber returns the fiber presently RUNNING on this thread, or nil
// when the thread is in its thread-main context (no worker fiber
// running), per the invariant in spec.md §3.
func (t *Thread) CurrentFiber() *fiber.Fiber {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.curFiber
}

// SetCurrentFiber updates the thread's notion of the running fiber. nil
// means control has returned to the thread-main context.
func (t *Thread) SetCurrentFiber(f *fiber.Fiber) {
	t.mu.Lock()
	t.curFiber = f
	t.mu.Unlock()
}

// Scheduler returns the scheduler currently owning this thread, as an
// opaque value (avoids an import cycle with package scheduler).
func (t *Thread) Scheduler() any {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.curSched
}

// SetScheduler records which scheduler owns this thread.
func (t *Thread) SetScheduler(s any) {
	t.mu.Lock()
	t.curSched = s
	t.mu.Unlock()
}
