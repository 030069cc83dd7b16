package syserr_test

import (
	"errors"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yrf105/tihi-server/internal/syserr"
)

func TestWrapReturnsNilForNilError(t *testing.T) {
	assert.NoError(t, syserr.Wrap("read", 3, nil))
}

func TestWrapReturnsNonErrnoErrorUnchanged(t *testing.T) {
	plain := errors.New("boom")
	got := syserr.Wrap("read", 3, plain)
	assert.Same(t, plain, got)
}

func TestWrapBuildsSyscallErrorFromErrno(t *testing.T) {
	got := syserr.Wrap("connect", 7, syscall.ETIMEDOUT)
	var se *syserr.SyscallError
	require.ErrorAs(t, got, &se)
	assert.Equal(t, "connect", se.Op)
	assert.Equal(t, 7, se.Fd)
	assert.Equal(t, syscall.ETIMEDOUT, se.Err)
}

func TestWrappedErrorSupportsErrorsIs(t *testing.T) {
	got := syserr.Wrap("read", 5, syscall.EAGAIN)
	assert.ErrorIs(t, got, syscall.EAGAIN)
	assert.NotErrorIs(t, got, syscall.ETIMEDOUT)
}

func TestErrorMessageIncludesOpFdAndErrno(t *testing.T) {
	got := syserr.Wrap("close", 42, syscall.EBADF)
	assert.Contains(t, got.Error(), "close")
	assert.Contains(t, got.Error(), "42")
	assert.Contains(t, got.Error(), syscall.EBADF.Error())
}
