// Package fiber implements the stackful-coroutine abstraction of the
// runtime as a goroutine paired with a synchronous handshake, the
// substitute sanctioned for a native lightweight-task runtime: see
// SPEC_FULL.md §10.
package fiber

import (
	"sync"
	"sync/atomic"

	"github.com/yrf105/tihi-server/config"
	"github.com/yrf105/tihi-server/internal/gid"
	"github.com/yrf105/tihi-server/internal/invariant"
)

// running maps the goroutine id of a fiber's own trampoline goroutine to
// the Fiber it is executing, so that code running inside a fiber's
// closure can find "myself" (e.g. to call YieldSuspended) without the
// closure needing to close over its own *Fiber. Populated by the
// trampoline itself for the duration of a Resume.
var running sync.Map // gid uint64 -> *Fiber

// Current returns the Fiber executing on the calling goroutine, or nil if
// the calling goroutine is not a fiber's trampoline (e.g. it is a
// worker's thread-main context).
func Current() *Fiber {
	v, ok := running.Load(gid.Current())
	if !ok {
		return nil
	}
	return v.(*Fiber)
}

// State mirrors the fiber state machine: INIT, READY, RUNNING, SUSPENDED,
// DONE, FAILED.
type State uint32

const (
	StateInit State = iota
	StateReady
	StateRunning
	StateSuspended
	StateDone
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateReady:
		return "READY"
	case StateRunning:
		return "RUNNING"
	case StateSuspended:
		return "SUSPENDED"
	case StateDone:
		return "DONE"
	case StateFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

var nextID atomic.Uint64

// YieldReason distinguishes how a fiber last gave up control, so the
// scheduler's run loop can decide whether to re-enqueue it.
type YieldReason int

const (
	yieldNone YieldReason = iota
	yieldReady
	yieldSuspended
)

// Fiber is a stackful coroutine realised as a goroutine plus a two-channel
// handshake. Resume() and the yield_* methods block synchronously on these
// channels so that, from the caller's perspective, exactly one of
// {caller, fiber} is ever making progress -- the same "one running per
// thread" invariant the original stack-switching implementation upholds.
type Fiber struct {
	id      uint64
	state   atomic.Uint32
	closure func()

	resumeCh chan struct{}
	yieldCh  chan YieldReason

	started bool
	err     any // recovered panic value from a FAILED closure, if any

	// StackSize records the configured stack size for diagnostics/parity
	// with the original API; Go goroutine stacks grow dynamically and are
	// not pre-sized, so this is bookkeeping only.
	StackSize int
}

// DefaultStackSize is the default of the fiber.stack_size config key
// (1 MiB).
const DefaultStackSize = 1 << 20

// stackSizeVar is the fiber.stack_size config key; New uses its value
// when called with size <= 0.
var stackSizeVar = config.Lookup("fiber.stack_size", int64(DefaultStackSize), "fiber stack size in bytes")

// New creates a fiber in state INIT that will run closure when first
// resumed.
func New(closure func(), stackSize int) *Fiber {
	if closure == nil {
		invariant.Violation("fiber.New: nil closure")
	}
	if stackSize <= 0 {
		stackSize = int(stackSizeVar.Value())
	}
	f := &Fiber{
		id:        nextID.Add(1),
		closure:   closure,
		resumeCh:  make(chan struct{}),
		yieldCh:   make(chan YieldReason),
		StackSize: stackSize,
	}
	f.state.Store(uint32(StateInit))
	return f
}

// ID returns the fiber's monotonic identity.
func (f *Fiber) ID() uint64 { return f.id }

// State returns the current state.
func (f *Fiber) State() State { return State(f.state.Load()) }

// Err returns the recovered panic value of a FAILED fiber, or nil.
func (f *Fiber) Err() any { return f.err }

// The fiber currently RUNNING on a worker thread is recorded by package
// thread (Thread.SetCurrentFiber), which owns that thread-local slot;
// Fiber exposes only the mechanics of running/yielding.

// Resume switches control into the fiber. Must only be called by the
// thread-main "carrier" context that currently owns this fiber -- never
// by another worker fiber. Blocks until the fiber yields or finishes.
func (f *Fiber) Resume() {
	switch f.State() {
	case StateRunning, StateDone, StateFailed:
		invariant.Violation("fiber %d: resume called while in state %s", f.id, f.State())
	}

	f.state.Store(uint32(StateRunning))

	if !f.started {
		f.started = true
		go f.trampoline()
	}

	f.resumeCh <- struct{}{}
	reason := <-f.yieldCh

	switch reason {
	case yieldReady:
		f.state.Store(uint32(StateReady))
	case yieldSuspended:
		f.state.Store(uint32(StateSuspended))
	case yieldNone:
		// trampoline returned: state already set to DONE/FAILED.
	}
}

// trampoline is the goroutine body: it blocks for the first resume, runs
// the closure exactly once, and on any return path -- normal, panic, or
// a deliberate yield -- hands control back across yieldCh. After the
// closure returns, the trampoline never re-enters; any further send on
// resumeCh would deadlock permanently, which is the Go-native expression
// of "resuming a DONE fiber is a fatal invariant violation" (callers are
// prevented from reaching that state by the State() check in Resume).
func (f *Fiber) trampoline() {
	<-f.resumeCh

	myGID := gid.Current()
	running.Store(myGID, f)
	defer running.Delete(myGID)

	defer func() {
		if r := recover(); r != nil {
			f.err = r
			f.state.Store(uint32(StateFailed))
			f.yieldCh <- yieldNone
			return
		}
		f.state.Store(uint32(StateDone))
		f.yieldCh <- yieldNone
	}()

	f.closure()
}

// yield is called from within the fiber's own goroutine to suspend it and
// switch back to the resuming context.
func (f *Fiber) yield(reason YieldReason) {
	if f.State() != StateRunning {
		invariant.Violation("fiber %d: yield called while not RUNNING (state=%s)", f.id, f.State())
	}
	f.yieldCh <- reason
	<-f.resumeCh
}

// YieldSuspended suspends the fiber; it will only run again when some
// waiter (timer, epoll, application code) explicitly Resumes it.
func (f *Fiber) YieldSuspended() { f.yield(yieldSuspended) }

// YieldReady suspends the fiber but signals the scheduler it is
// immediately runnable again, so it is re-enqueued.
func (f *Fiber) YieldReady() { f.yield(yieldReady) }

// Reset reinitialises a fiber in INIT or DONE state to run a new closure,
// reusing its goroutine-handshake machinery as the original reuses the
// stack buffer of a carrier fiber for cached closures.
func (f *Fiber) Reset(closure func()) {
	switch f.State() {
	case StateInit, StateDone, StateFailed:
	default:
		invariant.Violation("fiber %d: reset called while in state %s", f.id, f.State())
	}
	f.closure = closure
	f.started = false
	f.err = nil
	f.state.Store(uint32(StateInit))
}
