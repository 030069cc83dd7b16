// Package gid extracts the running goroutine's id from runtime.Stack, the
// only portable source available since Go exposes no public goroutine-id
// API. Grounded on the teacher's getGoroutineID helper in its event loop
// (eventloop/loop.go), which parses the same "goroutine N [...]"
// prefix.
package gid

import (
	"bytes"
	"runtime"
	"strconv"
)

// Current returns the calling goroutine's id, or 0 if it could not be
// parsed.
func Current() uint64 {
	buf := make([]byte, 64)
	n := runtime.Stack(buf, false)
	buf = buf[:n]

	const prefix = "goroutine "
	if !bytes.HasPrefix(buf, []byte(prefix)) {
		return 0
	}
	buf = buf[len(prefix):]

	idx := bytes.IndexByte(buf, ' ')
	if idx < 0 {
		return 0
	}
	id, err := strconv.ParseUint(string(buf[:idx]), 10, 64)
	if err != nil {
		return 0
	}
	return id
}
