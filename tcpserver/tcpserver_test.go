package tcpserver_test

import (
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yrf105/tihi-server/hook"
	"github.com/yrf105/tihi-server/iomanager"
	"github.com/yrf105/tihi-server/socket"
	"github.com/yrf105/tihi-server/tcpserver"
)

func newHookedIOM(t *testing.T) *iomanager.IOManager {
	t.Helper()
	iom, err := iomanager.New(2, false, "test", hook.WithHookedWorkers())
	require.NoError(t, err)
	t.Cleanup(iom.Stop)
	return iom
}

func TestServerEchoesOverLoopback(t *testing.T) {
	iom := newHookedIOM(t)

	srv := tcpserver.New(iom, iom, func(sock *socket.Socket) {
		defer sock.Close()
		buf := make([]byte, 64)
		n, err := sock.Recv(buf)
		if err != nil || n <= 0 {
			return
		}
		_, _ = sock.Send(buf[:n])
	})

	require.NoError(t, srv.Bind(socket.NewIPv4(net.IPv4(127, 0, 0, 1), 0)))
	addrs, err := srv.ListenAddresses()
	require.NoError(t, err)
	require.Len(t, addrs, 1)

	srv.Start()
	assert.False(t, srv.IsStopped())

	done := make(chan string, 1)
	iom.ScheduleFunc(func() {
		cli, err := socket.NewTCP(socket.FamilyIPv4)
		if err != nil {
			done <- ""
			return
		}
		defer cli.Close()
		if err := cli.Connect(addrs[0], time.Second); err != nil {
			done <- ""
			return
		}
		if _, err := cli.Send([]byte("echo-me")); err != nil {
			done <- ""
			return
		}
		buf := make([]byte, 64)
		n, err := cli.Recv(buf)
		if err != nil {
			done <- ""
			return
		}
		done <- string(buf[:n])
	})

	select {
	case got := <-done:
		assert.Equal(t, "echo-me", got)
	case <-time.After(5 * time.Second):
		t.Fatal("echo round trip never completed")
	}

	srv.Stop()
	assert.True(t, srv.IsStopped())
}

func TestStartIsIdempotentAndStopMarksStopped(t *testing.T) {
	iom := newHookedIOM(t)

	srv := tcpserver.New(iom, iom, func(sock *socket.Socket) { sock.Close() })
	require.NoError(t, srv.Bind(socket.NewIPv4(net.IPv4(127, 0, 0, 1), 0)))

	assert.True(t, srv.IsStopped(), "a server that has never Start'd reports stopped")
	srv.Start()
	assert.False(t, srv.IsStopped())
	srv.Start() // second call is a no-op, not a second accept loop
	assert.False(t, srv.IsStopped())

	srv.Stop()
	assert.True(t, srv.IsStopped())
}

func TestAcceptRateLimitDropsExcessConnectionsFromSamePeer(t *testing.T) {
	iom := newHookedIOM(t)

	var accepted atomic.Int64
	srv := tcpserver.New(iom, iom, func(sock *socket.Socket) {
		defer sock.Close()
		accepted.Add(1)
		buf := make([]byte, 1)
		_, _ = sock.Recv(buf)
	})

	require.NoError(t, srv.Bind(socket.NewIPv4(net.IPv4(127, 0, 0, 1), 0)))
	addrs, err := srv.ListenAddresses()
	require.NoError(t, err)
	srv.Start()
	defer srv.Stop()

	const attempts = 30
	for i := 0; i < attempts; i++ {
		iom.ScheduleFunc(func() {
			cli, err := socket.NewTCP(socket.FamilyIPv4)
			if err != nil {
				return
			}
			if err := cli.Connect(addrs[0], time.Second); err != nil {
				return
			}
			// leave the connection open briefly; the rate limiter
			// acts at accept time regardless of what the client does
			// afterwards.
			time.Sleep(20 * time.Millisecond)
			cli.Close()
		})
	}

	time.Sleep(500 * time.Millisecond)
	// The per-IP limiter caps accepts at (well under) the burst of
	// attempts made in under a second from the same loopback address.
	assert.Less(t, int(accepted.Load()), attempts)
}
