// Command echo-server is the accept/echo demo from spec.md scenario S3:
// bind an ephemeral TCP port, accept connections, and echo every byte a
// client sends back to it until the client closes.
package main

import (
	"fmt"
	"net"
	"os"
	"time"

	"github.com/yrf105/tihi-server/hook"
	"github.com/yrf105/tihi-server/iomanager"
	"github.com/yrf105/tihi-server/socket"
	"github.com/yrf105/tihi-server/tcpserver"
)

func main() {
	iom, err := iomanager.New(1, true, "echo", hook.WithHookedWorkers())
	if err != nil {
		fmt.Fprintln(os.Stderr, "echo-server:", err)
		os.Exit(1)
	}

	srv := tcpserver.New(iom, iom, handleClient)
	addr := socket.NewIPv4(net.IPv4zero, 0)
	if err := srv.Bind(addr); err != nil {
		fmt.Fprintln(os.Stderr, "echo-server:", err)
		os.Exit(1)
	}
	srv.Start()

	// Demo lifetime bound: a plain goroutine (not a fiber -- it never
	// touches fiber-suspending I/O) closes the listener after a minute
	// so the demo terminates instead of serving forever. tcpserver.Stop
	// is safe to call from any goroutine; it only enqueues a closure
	// onto the accept worker.
	go func() {
		time.Sleep(60 * time.Second)
		srv.Stop()
	}()

	// iom.Stop both runs the scheduler loop (this IOManager has no
	// worker goroutines of its own -- the calling goroutine is the only
	// one servicing the accept loop and client fibers) and blocks until
	// every listener and client fiber has quiesced.
	iom.Stop()
}

func handleClient(sock *socket.Socket) {
	defer sock.Close()
	buf := make([]byte, 4096)
	for {
		n, err := sock.Recv(buf)
		if n <= 0 || err != nil {
			return
		}
		if _, err := sock.Send(buf[:n]); err != nil {
			return
		}
	}
}
