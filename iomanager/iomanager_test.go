package iomanager_test

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yrf105/tihi-server/iomanager"
)

func newIOM(t *testing.T) *iomanager.IOManager {
	t.Helper()
	iom, err := iomanager.New(2, false, "test")
	require.NoError(t, err)
	t.Cleanup(iom.Stop)
	return iom
}

func TestAddEventFiresCallbackWhenFDBecomesReadable(t *testing.T) {
	iom := newIOM(t)

	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()
	defer w.Close()

	fired := make(chan struct{})
	require.NoError(t, iom.AddEvent(int(r.Fd()), iomanager.Read, func() { close(fired) }))
	assert.Equal(t, int64(1), iom.PendingEventCount())

	_, err = w.Write([]byte("x"))
	require.NoError(t, err)

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("callback never fired")
	}
	assert.Equal(t, int64(0), iom.PendingEventCount())
}

func TestAddEventSameDirectionTwicePanics(t *testing.T) {
	iom := newIOM(t)
	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()
	defer w.Close()

	require.NoError(t, iom.AddEvent(int(r.Fd()), iomanager.Read, func() {}))
	assert.Panics(t, func() {
		_ = iom.AddEvent(int(r.Fd()), iomanager.Read, func() {})
	})
}

func TestDelEventDisarmsWithoutFiring(t *testing.T) {
	iom := newIOM(t)
	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()
	defer w.Close()

	called := make(chan struct{}, 1)
	require.NoError(t, iom.AddEvent(int(r.Fd()), iomanager.Read, func() { called <- struct{}{} }))
	assert.True(t, iom.DelEvent(int(r.Fd()), iomanager.Read))
	assert.Equal(t, int64(0), iom.PendingEventCount())

	_, err = w.Write([]byte("x"))
	require.NoError(t, err)

	select {
	case <-called:
		t.Fatal("disarmed waiter must not fire")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestCancelEventFiresWaiterImmediately(t *testing.T) {
	iom := newIOM(t)
	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()
	defer w.Close()

	fired := make(chan struct{})
	require.NoError(t, iom.AddEvent(int(r.Fd()), iomanager.Read, func() { close(fired) }))
	assert.True(t, iom.CancelEvent(int(r.Fd()), iomanager.Read))

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("cancel must fire the waiter")
	}
	assert.Equal(t, int64(0), iom.PendingEventCount())
}

func TestCancelAllFiresEveryArmedDirection(t *testing.T) {
	iom := newIOM(t)
	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()
	defer w.Close()

	readFired := make(chan struct{})
	writeFired := make(chan struct{})
	require.NoError(t, iom.AddEvent(int(w.Fd()), iomanager.Write, func() { close(writeFired) }))
	require.NoError(t, iom.AddEvent(int(r.Fd()), iomanager.Read, func() { close(readFired) }))

	iom.CancelAll(int(w.Fd()))
	select {
	case <-writeFired:
	case <-time.After(2 * time.Second):
		t.Fatal("write waiter must fire on CancelAll")
	}

	iom.CancelAll(int(r.Fd()))
	select {
	case <-readFired:
	case <-time.After(2 * time.Second):
		t.Fatal("read waiter must fire on CancelAll")
	}
}

func TestAddTimerFiresViaScheduledCallback(t *testing.T) {
	iom := newIOM(t)
	fired := make(chan struct{})
	iom.AddTimer(10, func() { close(fired) }, false)

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("timer callback never fired")
	}
}
