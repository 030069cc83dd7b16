// Package scheduler implements the work-stealing-free multi-threaded
// fiber scheduler: a pool of worker threads consuming a single FIFO of
// runnable units, grounded on the original tihi::Scheduler
// (scheduler.h/.cc) and on the teacher's container/list-style waiter
// bookkeeping (xtaci/gaio's fdDesc{readers, writers list.List}).
//
// The original's deep virtual hierarchy (Scheduler -> IOManager) is
// replaced, per the capability-trait design note, with a small Delegate
// interface a composing type (iomanager.IOManager) can install to
// override tickling, the stopping predicate, and the idle behaviour,
// instead of inheriting from Scheduler.
package scheduler

import (
	"container/list"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/yrf105/tihi-server/fiber"
	"github.com/yrf105/tihi-server/internal/invariant"
	"github.com/yrf105/tihi-server/internal/obslog"
	"github.com/yrf105/tihi-server/thread"
)

// idleBasePause is how long the base scheduler's idle fiber sleeps
// between checks of Stopping() when it has no blocking wait primitive of
// its own (IOManager's idle supplies epoll_wait instead of sleeping).
const idleBasePause = 2 * time.Millisecond

func idleSleep() { time.Sleep(idleBasePause) }

// AnyThread is the sentinel pinned-thread id meaning "no preference".
const AnyThread = -1

// Runnable is the tagged variant queued for execution: either a fiber
// handle or a standalone closure, with an optional thread pin.
type Runnable struct {
	Fiber   *fiber.Fiber
	Func    func()
	Pinned  int // AnyThread, or an index into the scheduler's thread slots
}

// Wakeable is the "tickle" capability: wake one idle worker.
type Wakeable interface {
	Tickle()
}

// StoppingPredicate reports whether the scheduler (and anything it
// composes, such as an IOManager's pending I/O) has fully quiesced.
type StoppingPredicate interface {
	Stopping() bool
}

// IdleHook is run, inside a dedicated idle fiber, by any worker that finds
// no runnable work. Implementations must periodically check Stopping()
// and yield (fiber.YieldSuspended-style return) rather than busy-spin.
type IdleHook interface {
	Idle()
}

// Delegate bundles the three capability traits a composing type (notably
// iomanager.IOManager) installs to customise scheduler behaviour.
type Delegate interface {
	Wakeable
	StoppingPredicate
	IdleHook
}

// Scheduler is a pool of worker threads consuming a single FIFO of
// Runnables.
type Scheduler struct {
	name string

	mu    sync.Mutex
	queue *list.List // of *Runnable

	delegate Delegate
	owner    any

	threadSlots   []int  // slot index -> goroutine-thread gid, filled once Start runs
	threadSlotsMu sync.Mutex

	useCaller    bool
	callerThread *thread.Thread

	threadCount       int
	activeThreadCount atomic.Int32
	idleThreadCount   atomic.Int32

	stopping atomic.Bool
	started  atomic.Bool

	idleCarrier sync.Map // gid -> *fiber.Fiber, cached idle fiber per worker
	funcCarrier sync.Map // gid -> *fiber.Fiber, cached closure-carrier fiber per worker

	workerInit func() // run once per worker goroutine, before its run loop

	wg sync.WaitGroup
}

// New creates a Scheduler with nThreads workers. If useCaller is true, one
// of those workers is the constructing goroutine, which participates only
// from the moment it calls Stop (see Start), and is then required to be
// the one that calls Stop.
func New(nThreads int, useCaller bool, name string) *Scheduler {
	if nThreads < 1 {
		invariant.Violation("scheduler %q: nThreads must be >= 1", name)
	}
	s := &Scheduler{
		name:        name,
		queue:       list.New(),
		useCaller:   useCaller,
		threadCount: nThreads,
	}
	s.delegate = baseDelegate{s}
	s.owner = s
	return s
}

// SetDelegate installs a composing type's Wakeable/StoppingPredicate/
// IdleHook implementation, replacing the scheduler's own default
// behaviour. Must be called before Start.
func (s *Scheduler) SetDelegate(d Delegate) { s.delegate = d }

// SetOwner records the composing type (e.g. *iomanager.IOManager) that
// embeds this Scheduler, so workers can register it as "the scheduler
// owning this thread" instead of the bare *Scheduler. Defaults to the
// Scheduler itself.
func (s *Scheduler) SetOwner(o any) { s.owner = o }

// SetWorkerInit installs a function run once by every worker goroutine
// (including the caller-participation slot) immediately after its thread
// identity is registered, before it enters the run loop. Must be called
// before Start.
func (s *Scheduler) SetWorkerInit(f func()) { s.workerInit = f }

// Name returns the scheduler's diagnostic name.
func (s *Scheduler) Name() string { return s.name }

type baseDelegate struct{ s *Scheduler }

// Tickle is a no-op in the base scheduler: workers are already running
// goroutines and will notice new queue entries on their next poll.
func (baseDelegate) Tickle() {}

// Stopping implements the "gated predicate" decided in SPEC_FULL.md §14:
// stopping_ && fibers_.empty() && active_count == 0.
func (b baseDelegate) Stopping() bool {
	s := b.s
	s.mu.Lock()
	empty := s.queue.Len() == 0
	s.mu.Unlock()
	return s.stopping.Load() && empty && s.activeThreadCount.Load() == 0
}

// Idle is the base idle loop: repeatedly yield while not stopping. There
// is no natural blocking primitive at this layer (IOManager supplies one
// via epoll_wait), so the base scheduler parks briefly between checks
// rather than spinning the CPU.
func (b baseDelegate) Idle() {
	f := fiber.Current()
	for !b.Stopping() {
		idleSleep()
		f.YieldSuspended()
	}
}

// Start launches the non-caller worker goroutines. If useCaller is true,
// the constructing goroutine does NOT participate yet -- it only takes up
// its worker slot when it later calls Stop, matching the original's
// "use_caller thread resumes its root fiber from inside stop()" sequence:
// the caller is free to do other setup (schedule work, accept
// connections) between Start and Stop. Idempotent once running.
func (s *Scheduler) Start() {
	if !s.started.CompareAndSwap(false, true) {
		return
	}

	n := s.threadCount
	nonCaller := n
	if s.useCaller {
		nonCaller = n - 1
	}
	s.wg.Add(nonCaller)

	for i := 0; i < nonCaller; i++ {
		slot := i
		go s.workerMain(slot, true)
	}
}

// workerMain is the per-worker entry point; it registers the OS-thread
// identity, then runs the worker loop until Stopping() holds, and calls
// thread.Unregister on return. join controls whether this call also
// signals s.wg on return (false for the caller-participation slot run from Stop,
// which the caller itself is responsible for waiting on by virtue of
// having called Stop synchronously).
func (s *Scheduler) workerMain(slot int, join bool) {
	name := fmt.Sprintf("%s-%d", s.name, slot)
	t := thread.Register(name)
	t.SetScheduler(s.owner)
	if s.workerInit != nil {
		s.workerInit()
	}
	if join {
		defer s.wg.Done()
		defer thread.Unregister()
	} else {
		s.callerThread = t
		defer thread.Unregister()
	}
	s.run(t)
}

// run implements the per-worker loop documented in spec.md §4.2.
func (s *Scheduler) run(t *thread.Thread) {
	for {
		r, tickleOther, isActive := s.popRunnable(t.GID())
		if tickleOther {
			s.delegate.Tickle()
		}

		if r == nil {
			if isActive {
				s.activeThreadCount.Add(-1)
				continue
			}
			if s.runIdleOnce(t) {
				return // shutdown reached
			}
			continue
		}

		s.runOne(t, r)
		s.activeThreadCount.Add(-1)
	}
}

// popRunnable scans the FIFO for the first entry pinned to gid or
// unpinned. Returns tickleOther=true if a pinned-elsewhere entry was
// skipped (so that owner is woken), and isActive=true if an entry was
// popped.
func (s *Scheduler) popRunnable(gid uint64) (r *Runnable, tickleOther bool, isActive bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	slot := s.slotForGID(gid)

	for e := s.queue.Front(); e != nil; e = e.Next() {
		cand := e.Value.(*Runnable)
		if cand.Pinned == AnyThread || cand.Pinned == slot {
			s.queue.Remove(e)
			s.activeThreadCount.Add(1)
			return cand, tickleOther, true
		}
		tickleOther = true
	}
	return nil, tickleOther, false
}

func (s *Scheduler) slotForGID(gid uint64) int {
	s.threadSlotsMu.Lock()
	defer s.threadSlotsMu.Unlock()
	for i, g := range s.threadSlots {
		if g == int(gid) {
			return i
		}
	}
	s.threadSlots = append(s.threadSlots, int(gid))
	return len(s.threadSlots) - 1
}

// runOne resumes a popped Runnable's fiber (creating a carrier fiber for
// a bare closure) and applies the scheduler's re-enqueue rule on return.
func (s *Scheduler) runOne(t *thread.Thread, r *Runnable) {
	f := r.Fiber
	if f == nil {
		f = s.carrierFor(t.GID(), r.Func)
	}

	switch f.State() {
	case fiber.StateDone, fiber.StateFailed:
		return
	}

	t.SetCurrentFiber(f)
	f.Resume()
	t.SetCurrentFiber(nil)

	switch f.State() {
	case fiber.StateReady:
		s.Schedule(&Runnable{Fiber: f, Pinned: r.Pinned})
	case fiber.StateFailed:
		if err := f.Err(); err != nil {
			obslog.L().Err().Str("component", "scheduler").Log(fmt.Sprintf("fiber %d failed: %v", f.ID(), err))
		}
	}
}

// carrierFor returns this worker's cached closure-carrier fiber, resetting
// it to run fn, matching "reuse a cached carrier fiber ... or create one".
func (s *Scheduler) carrierFor(gid uint64, fn func()) *fiber.Fiber {
	if v, ok := s.funcCarrier.Load(gid); ok {
		f := v.(*fiber.Fiber)
		switch f.State() {
		case fiber.StateInit, fiber.StateDone, fiber.StateFailed:
			f.Reset(fn)
			return f
		}
	}
	f := fiber.New(fn, 0)
	s.funcCarrier.Store(gid, f)
	return f
}

// runIdleOnce resumes this worker's idle fiber once. Returns true if the
// idle fiber reached DONE, meaning shutdown was observed and this worker
// should exit its loop.
func (s *Scheduler) runIdleOnce(t *thread.Thread) bool {
	f := s.idleFiberFor(t.GID())
	if f.State() == fiber.StateDone {
		return true
	}
	s.idleThreadCount.Add(1)
	t.SetCurrentFiber(f)
	f.Resume()
	t.SetCurrentFiber(nil)
	s.idleThreadCount.Add(-1)
	return f.State() == fiber.StateDone
}

func (s *Scheduler) idleFiberFor(gid uint64) *fiber.Fiber {
	if v, ok := s.idleCarrier.Load(gid); ok {
		return v.(*fiber.Fiber)
	}
	f := fiber.New(func() { s.delegate.Idle() }, 0)
	s.idleCarrier.Store(gid, f)
	return f
}

// HasIdleThread reports whether any worker is currently parked in its idle
// fiber, the original's hasIdleThread().
func (s *Scheduler) HasIdleThread() bool { return s.idleThreadCount.Load() > 0 }

// ActiveThreadCount returns the number of workers presently running a
// popped Runnable.
func (s *Scheduler) ActiveThreadCount() int32 { return s.activeThreadCount.Load() }

// QueueLen returns the current FIFO depth (diagnostic use).
func (s *Scheduler) QueueLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.Len()
}

// Schedule enqueues a single Runnable, O(1), waking one idle worker via
// Tickle() if the queue was empty beforehand.
func (s *Scheduler) Schedule(r *Runnable) {
	s.mu.Lock()
	needTickle := s.queue.Len() == 0
	s.queue.PushBack(r)
	s.mu.Unlock()
	if needTickle {
		s.delegate.Tickle()
	}
}

// ScheduleFunc is shorthand for Schedule(&Runnable{Func: fn, Pinned: AnyThread}).
func (s *Scheduler) ScheduleFunc(fn func()) {
	s.Schedule(&Runnable{Func: fn, Pinned: AnyThread})
}

// ScheduleBatch atomically enqueues many Runnables under a single lock
// acquisition, the original's bulk schedule(begin, end).
func (s *Scheduler) ScheduleBatch(rs []*Runnable) {
	if len(rs) == 0 {
		return
	}
	s.mu.Lock()
	needTickle := s.queue.Len() == 0
	for _, r := range rs {
		s.queue.PushBack(r)
	}
	s.mu.Unlock()
	if needTickle {
		s.delegate.Tickle()
	}
}

// Stop requests shutdown: sets the stopping flag, tickles every worker
// (plus the caller thread if participating), waits for quiescence, and
// joins all non-caller workers.
func (s *Scheduler) Stop() {
	s.stopping.Store(true)
	for i := 0; i < s.threadCount; i++ {
		s.delegate.Tickle()
	}
	if s.useCaller {
		// The caller becomes the final worker slot now, running until
		// quiescence is observed, exactly as the original resumes its
		// root fiber from inside stop().
		s.workerMain(s.threadCount-1, false)
	}
	s.wg.Wait()
}

// Stopping reports the delegate's current stopping predicate.
func (s *Scheduler) Stopping() bool { return s.delegate.Stopping() }

// StoppingFlag reports the raw "shutdown requested" flag, without the
// queue/active-count gating delegate.Stopping() applies. Composing types
// (iomanager.IOManager) use this to build their own gated predicate that
// additionally accounts for pending I/O and timers.
func (s *Scheduler) StoppingFlag() bool { return s.stopping.Load() }

// Tickle wakes one idle worker via the installed delegate.
func (s *Scheduler) Tickle() { s.delegate.Tickle() }
