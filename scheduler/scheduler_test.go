package scheduler_test

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/yrf105/tihi-server/scheduler"
)

func TestSingleThreadedUseCallerRunsScheduledWorkOnlyAfterStop(t *testing.T) {
	s := scheduler.New(1, true, "test")
	s.Start()

	var ran atomic.Bool
	s.ScheduleFunc(func() { ran.Store(true) })

	// Start spawned zero non-caller workers (nThreads=1, useCaller=true),
	// so nothing has run yet.
	assert.False(t, ran.Load())

	s.Stop()
	assert.True(t, ran.Load())
}

func TestMultiThreadedWithoutCallerDrainsQueueConcurrently(t *testing.T) {
	s := scheduler.New(4, false, "test")
	s.Start()

	const n = 50
	var wg sync.WaitGroup
	wg.Add(n)
	var count atomic.Int32
	for i := 0; i < n; i++ {
		s.ScheduleFunc(func() {
			count.Add(1)
			wg.Done()
		})
	}
	wg.Wait()
	assert.Equal(t, int32(n), count.Load())

	s.Stop()
}

func TestScheduleBatchRunsAllEntries(t *testing.T) {
	s := scheduler.New(2, false, "test")
	s.Start()

	const n = 10
	var count atomic.Int32
	var wg sync.WaitGroup
	wg.Add(n)
	rs := make([]*scheduler.Runnable, n)
	for i := 0; i < n; i++ {
		rs[i] = &scheduler.Runnable{
			Func: func() {
				count.Add(1)
				wg.Done()
			},
			Pinned: scheduler.AnyThread,
		}
	}
	s.ScheduleBatch(rs)
	wg.Wait()
	assert.Equal(t, int32(n), count.Load())

	s.Stop()
}

func TestStoppingFlagIsSetOnlyAfterStop(t *testing.T) {
	s := scheduler.New(2, false, "test")
	s.Start()
	assert.False(t, s.StoppingFlag())
	assert.False(t, s.Stopping())

	s.Stop()
	assert.True(t, s.StoppingFlag())
	assert.True(t, s.Stopping())
}

func TestQueueLenReflectsPendingWorkBeforeStart(t *testing.T) {
	s := scheduler.New(1, false, "test")

	s.ScheduleFunc(func() {})
	s.ScheduleFunc(func() {})
	s.ScheduleFunc(func() {})
	assert.Equal(t, 3, s.QueueLen(), "nothing drains the queue before Start spawns workers")

	s.Start()
	s.Stop()
	assert.Zero(t, s.QueueLen())
}
