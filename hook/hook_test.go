package hook_test

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"golang.org/x/sys/unix"

	"github.com/yrf105/tihi-server/hook"
)

// These tests run on the package test goroutine, which is never an
// IOManager worker, so hook.Enabled() is false and every call below takes
// the pass-through path -- a real (if un-suspending) exercise of the same
// code a disabled worker thread would take.

func TestSocketAndCloseRoundTripWhenDisabled(t *testing.T) {
	fd, err := hook.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	assert.Positive(t, fd)
	assert.NoError(t, hook.Close(fd))
}

func TestCloseOfBadFDReturnsWrappedErrno(t *testing.T) {
	err := hook.Close(99999)
	require.Error(t, err)
	assert.ErrorIs(t, err, unix.EBADF)
}

func TestReadWritePassThroughOnPipeWhenDisabled(t *testing.T) {
	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()
	defer w.Close()

	n, err := hook.Write(int(w.Fd()), []byte("hi"))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	buf := make([]byte, 2)
	n, err = hook.Read(int(r.Fd()), buf)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, "hi", string(buf))
}

func TestReadvWritevPassThroughOnPipeWhenDisabled(t *testing.T) {
	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()
	defer w.Close()

	wbuf1, wbuf2 := []byte("ab"), []byte("cd")
	wiovs := []unix.Iovec{{Base: &wbuf1[0]}, {Base: &wbuf2[0]}}
	wiovs[0].SetLen(len(wbuf1))
	wiovs[1].SetLen(len(wbuf2))

	n, err := hook.Writev(int(w.Fd()), wiovs)
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	rbuf1, rbuf2 := make([]byte, 2), make([]byte, 2)
	riovs := []unix.Iovec{{Base: &rbuf1[0]}, {Base: &rbuf2[0]}}
	riovs[0].SetLen(len(rbuf1))
	riovs[1].SetLen(len(rbuf2))

	n, err = hook.Readv(int(r.Fd()), riovs)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, "ab", string(rbuf1))
	assert.Equal(t, "cd", string(rbuf2))
}

func TestEnableCurrentThreadTogglesEnabled(t *testing.T) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		assert.False(t, hook.Enabled())
		hook.EnableCurrentThread()
		assert.True(t, hook.Enabled())
		hook.DisableCurrentThread()
		assert.False(t, hook.Enabled())
	}()
	<-done
}

func TestSetNonblockWithoutIOManagerIsBestEffort(t *testing.T) {
	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()
	defer w.Close()
	// Outside any IOManager worker, SetNonblock/IsUserNonblocking fall back
	// to syscall-level behaviour and a constant false report respectively.
	hook.SetNonblock(int(r.Fd()), true)
	assert.False(t, hook.IsUserNonblocking(int(r.Fd())))
}

func TestConnectTimeoutHasAPositiveDefault(t *testing.T) {
	assert.Positive(t, hook.ConnectTimeout())
}
