package fiber_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yrf105/tihi-server/fiber"
)

func TestNewFiberStartsInStateInit(t *testing.T) {
	f := fiber.New(func() {}, 0)
	assert.Equal(t, fiber.StateInit, f.State())
	assert.Equal(t, fiber.DefaultStackSize, f.StackSize)
}

func TestResumeRunsClosureToCompletion(t *testing.T) {
	ran := false
	f := fiber.New(func() { ran = true }, 0)
	f.Resume()
	assert.True(t, ran)
	assert.Equal(t, fiber.StateDone, f.State())
}

func TestYieldSuspendedRoundTrips(t *testing.T) {
	var steps []string
	f := fiber.New(func() {
		steps = append(steps, "before")
		fiber.Current().YieldSuspended()
		steps = append(steps, "after")
	}, 0)

	f.Resume()
	assert.Equal(t, fiber.StateSuspended, f.State())
	assert.Equal(t, []string{"before"}, steps)

	f.Resume()
	assert.Equal(t, fiber.StateDone, f.State())
	assert.Equal(t, []string{"before", "after"}, steps)
}

func TestYieldReadyReportsReadyState(t *testing.T) {
	f := fiber.New(func() {
		fiber.Current().YieldReady()
	}, 0)
	f.Resume()
	assert.Equal(t, fiber.StateReady, f.State())
	f.Resume()
	assert.Equal(t, fiber.StateDone, f.State())
}

func TestPanicInClosureSetsFailedStateAndErr(t *testing.T) {
	f := fiber.New(func() {
		panic("boom")
	}, 0)
	f.Resume()
	assert.Equal(t, fiber.StateFailed, f.State())
	assert.Equal(t, "boom", f.Err())
}

func TestResumeOfRunningFiberPanics(t *testing.T) {
	reachedRunning := make(chan struct{})
	unblock := make(chan struct{})
	f := fiber.New(func() {
		close(reachedRunning)
		<-unblock
		fiber.Current().YieldSuspended()
	}, 0)

	go f.Resume()
	<-reachedRunning
	assert.Panics(t, func() { f.Resume() })
	close(unblock)
}

func TestResetAllowsRerunningADoneFiber(t *testing.T) {
	count := 0
	f := fiber.New(func() { count++ }, 0)
	f.Resume()
	require.Equal(t, fiber.StateDone, f.State())

	f.Reset(func() { count++ })
	f.Resume()
	assert.Equal(t, 2, count)
}

func TestCurrentIsNilOutsideFiber(t *testing.T) {
	assert.Nil(t, fiber.Current())
}
