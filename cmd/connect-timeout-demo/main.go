// Command connect-timeout-demo exercises spec.md scenario S4: connecting
// to an address nothing answers on, with a short timeout, and reporting
// that the connect attempt fails with ETIMEDOUT after roughly that long.
package main

import (
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"golang.org/x/sys/unix"

	"github.com/yrf105/tihi-server/hook"
	"github.com/yrf105/tihi-server/iomanager"
	"github.com/yrf105/tihi-server/socket"
)

func main() {
	iom, err := iomanager.New(1, true, "connect-demo", hook.WithHookedWorkers())
	if err != nil {
		fmt.Fprintln(os.Stderr, "connect-timeout-demo:", err)
		os.Exit(1)
	}

	// 10.255.255.1 is a non-routable RFC 5737-adjacent address commonly
	// used to force a connect attempt that never completes.
	target := socket.NewIPv4(net.IPv4(10, 255, 255, 1), 9)

	iom.ScheduleFunc(func() {
		before := iom.PendingEventCount()
		start := time.Now()

		sock, err := socket.NewTCP(socket.FamilyIPv4)
		if err != nil {
			fmt.Fprintln(os.Stderr, "connect-timeout-demo: new socket:", err)
			return
		}

		err = sock.Connect(target, 200*time.Millisecond)
		elapsed := time.Since(start)

		if errors.Is(err, unix.ETIMEDOUT) {
			fmt.Printf("connect timed out after %v (expected ~200ms)\n", elapsed)
		} else if err != nil {
			fmt.Printf("connect failed with unexpected error after %v: %v\n", elapsed, err)
		} else {
			fmt.Println("connect unexpectedly succeeded")
		}

		_ = sock.Close()
		after := iom.PendingEventCount()
		fmt.Printf("pending_event_count before=%d after=%d\n", before, after)
	})

	// Stop both joins the non-caller workers and, since this IOManager
	// was constructed with useCaller=true and there are no other
	// workers, makes the calling goroutine itself drain the queue --
	// which runs the closure scheduled above to completion before
	// Stop returns.
	iom.Stop()
}
