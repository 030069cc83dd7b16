// Package timer implements the ordered set of deadlines described in
// spec.md §4.3, grounded on the original tihi::TimerManager
// (timer.h/.cc) and on the container/heap-based timedHeap pattern used by
// xtaci/gaio and the teacher's own timerHeap in eventloop/loop.go.
//
// The original's "weak reference condition" used to break
// fiber<->timer<->condition reference cycles is realised with Go 1.24's
// weak.Pointer, the direct idiomatic counterpart: see AddConditionTimer.
package timer

import (
	"container/heap"
	"sync"
	"time"
	"weak"

	"github.com/yrf105/tihi-server/clock"
)

// rollbackThreshold is the clock-rollback detection window: if the clock
// ever reports a time more than an hour behind the last observed time,
// every existing timer is treated as expired. See SPEC_FULL.md §14.3.
const rollbackThreshold = int64(time.Hour / time.Millisecond)

// Timer is a single scheduled deadline. Cancel, Refresh, and Reset mutate
// it in place under the owning Manager's lock.
type Timer struct {
	mgr       *Manager
	deadline  int64 // ms
	periodMS  int64 // 0 for one-shot
	recurring bool
	cb        func()
	cancelled bool
	index     int // heap index, maintained by container/heap
}

// Cancel removes the timer from its manager's set. Returns false if the
// timer had already fired or was already cancelled.
func (t *Timer) Cancel() bool {
	t.mgr.mu.Lock()
	defer t.mgr.mu.Unlock()
	if t.cancelled || t.index < 0 {
		return false
	}
	heap.Remove(&t.mgr.heap, t.index)
	t.cancelled = true
	return true
}

// Refresh removes and reinserts the timer with deadline = now + period,
// useful for sliding deadlines on activity.
func (t *Timer) Refresh() bool {
	t.mgr.mu.Lock()
	defer t.mgr.mu.Unlock()
	if t.cancelled || t.index < 0 {
		return false
	}
	heap.Remove(&t.mgr.heap, t.index)
	t.deadline = clock.NowMS() + t.periodMS
	heap.Push(&t.mgr.heap, t)
	t.mgr.maybeWakeLocked(t)
	return true
}

// Reset changes the timer's period and, if fromNow is true, rebases its
// deadline from the current time; otherwise it rebases from the timer's
// original base deadline (deadline - old period).
func (t *Timer) Reset(ms int64, fromNow bool) bool {
	t.mgr.mu.Lock()
	defer t.mgr.mu.Unlock()
	if t.cancelled || t.index < 0 {
		return false
	}
	base := t.deadline - t.periodMS
	heap.Remove(&t.mgr.heap, t.index)
	t.periodMS = ms
	if fromNow {
		t.deadline = clock.NowMS() + ms
	} else {
		t.deadline = base + ms
	}
	heap.Push(&t.mgr.heap, t)
	t.mgr.maybeWakeLocked(t)
	return true
}

// OnInsertedAtFront is invoked when a newly added timer becomes the new
// earliest deadline, so a worker blocked in an I/O wait can recompute its
// timeout. Set by the composing type (iomanager.IOManager); nil means no
// notification is delivered (the base Manager has nothing to wake).
type OnInsertedAtFront func()

// Manager is the set of Timers ordered by deadline; the order among timers
// with equal deadlines is not defined.
type Manager struct {
	mu   sync.Mutex
	heap timerHeap

	tickled     bool
	lastSeenNow int64

	onInsertedAtFront OnInsertedAtFront
}

// NewManager creates an empty timer set.
func NewManager(onInsertedAtFront OnInsertedAtFront) *Manager {
	return &Manager{onInsertedAtFront: onInsertedAtFront, lastSeenNow: clock.NowMS()}
}

// AddTimer inserts a one-shot (or, if recurring, repeating) timer firing
// ms from now.
func (m *Manager) AddTimer(ms int64, cb func(), recurring bool) *Timer {
	return m.addTimer(ms, cb, recurring)
}

func (m *Manager) addTimer(ms int64, cb func(), recurring bool) *Timer {
	t := &Timer{mgr: m, periodMS: ms, recurring: recurring, cb: cb, deadline: clock.NowMS() + ms}
	m.mu.Lock()
	heap.Push(&m.heap, t)
	m.maybeWakeLocked(t)
	m.mu.Unlock()
	return t
}

// AddConditionTimer wraps cb so that, on fire, if the weakly-referenced
// condition has already been garbage collected, the callback is skipped
// instead of run -- the Go-native form of the original's weak-reference
// guarded condition timer, used to avoid fiber<->timer ownership cycles.
func AddConditionTimer[T any](m *Manager, ms int64, cond *T, cb func(), recurring bool) *Timer {
	wp := weak.Make(cond)
	return m.addTimer(ms, func() {
		if wp.Value() == nil {
			return
		}
		cb()
	}, recurring)
}

// maybeWakeLocked fires onInsertedAtFront if t became the heap's new
// minimum and the tickled latch is not already raised. Caller must hold
// m.mu.
func (m *Manager) maybeWakeLocked(t *Timer) {
	if m.heap.Len() == 0 || m.heap[0] != t {
		return
	}
	if m.tickled {
		return
	}
	m.tickled = true
	if m.onInsertedAtFront != nil {
		m.onInsertedAtFront()
	}
}

// infiniteMS signals "no timer pending" to callers of NextTimeoutMS.
const infiniteMS int64 = -1

// NextTimeoutMS returns the number of milliseconds until the next
// deadline (0 if already overdue), or infiniteMS if the set is empty.
// Clears the tickled latch, per the original's next_timer_ms.
func (m *Manager) NextTimeoutMS() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tickled = false

	if m.checkRollbackLocked() {
		return 0
	}

	if m.heap.Len() == 0 {
		return infiniteMS
	}
	now := clock.NowMS()
	next := m.heap[0].deadline
	if next <= now {
		return 0
	}
	return next - now
}

// checkRollbackLocked implements the clock-rollback defence: if now is
// more than an hour behind the last observed time, every timer's deadline
// is pulled to now so ExpiredCallbacks drains all of them. Caller must
// hold m.mu.
func (m *Manager) checkRollbackLocked() bool {
	now := clock.NowMS()
	rolled := now < m.lastSeenNow-rollbackThreshold
	if now > m.lastSeenNow || rolled {
		m.lastSeenNow = now
	}
	if !rolled {
		return false
	}
	for _, t := range m.heap {
		t.deadline = now
	}
	return true
}

// ExpiredCallbacks drains every timer with deadline <= now into the
// returned slice's callbacks, re-inserting recurring timers with an
// updated deadline.
func (m *Manager) ExpiredCallbacks() []func() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := clock.NowMS()
	var out []func()
	for m.heap.Len() > 0 && m.heap[0].deadline <= now {
		t := heap.Pop(&m.heap).(*Timer)
		if t.cancelled {
			continue
		}
		out = append(out, t.cb)
		if t.recurring {
			// Re-arm from the previous deadline, not from now, so a
			// handler that runs long doesn't push every later tick back
			// by the same amount. If one or more whole periods were
			// missed regardless, skip ahead rather than firing a burst
			// of catch-up callbacks.
			t.deadline += t.periodMS
			if t.deadline <= now {
				t.deadline = now + t.periodMS
			}
			heap.Push(&m.heap, t)
		} else {
			t.cancelled = true
		}
	}
	return out
}

// HasTimer reports whether any timer remains in the set.
func (m *Manager) HasTimer() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.heap.Len() > 0
}

// timerHeap implements container/heap.Interface ordered by deadline;
// equal deadlines are compared by current heap position, which does not
// give them a stable or insertion order.
type timerHeap []*Timer

func (h timerHeap) Len() int { return len(h) }
func (h timerHeap) Less(i, j int) bool {
	if h[i].deadline != h[j].deadline {
		return h[i].deadline < h[j].deadline
	}
	return i < j
}
func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *timerHeap) Push(x any) {
	t := x.(*Timer)
	t.index = len(*h)
	*h = append(*h, t)
}
func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}
