// Package obslog wires the runtime's structured logging to logiface +
// stumpy, matching the usage the logiface-stumpy example demonstrates:
// a process-wide logger built once via stumpy.L.New, with per-component
// category fields attached on every call site rather than baked into a
// free-form message prefix.
package obslog

import (
	"os"
	"sync"

	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
)

var (
	once   sync.Once
	logger *logiface.Logger[*stumpy.Event]
)

// L returns the process-wide logger, building it on first use.
func L() *logiface.Logger[*stumpy.Event] {
	once.Do(func() {
		logger = stumpy.L.New(
			stumpy.L.WithStumpy(
				stumpy.WithTimeField("ts"),
				stumpy.WithWriter(os.Stderr),
			),
		)
	})
	return logger
}

// Category returns name unchanged. Call sites attach the component name
// themselves as a "component" field, mirroring the teacher's
// LogEntry.Category field.
func Category(name string) string { return name }
