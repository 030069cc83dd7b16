// Package invariant centralises the "programmer invariant violation" error
// class from the error taxonomy: logged at critical level, then fatal.
package invariant

import (
	"fmt"

	"github.com/yrf105/tihi-server/internal/obslog"
)

// Violation logs the formatted message at Crit and panics. Use it for
// conditions that should never occur given correct caller behaviour --
// resuming a running fiber, arming an already-armed direction, double
// close, and similar assertion failures.
func Violation(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	obslog.L().Crit().Str("component", "invariant").Log(msg)
	panic("invariant violation: " + msg)
}
