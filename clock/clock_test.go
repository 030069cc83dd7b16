package clock_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/yrf105/tihi-server/clock"
)

func TestNowMSIsCloseToWallClock(t *testing.T) {
	got := clock.NowMS()
	want := time.Now().UnixMilli()
	assert.InDelta(t, want, got, 50)
}

func TestNowMSIsMonotonicallyNonDecreasing(t *testing.T) {
	a := clock.NowMS()
	time.Sleep(5 * time.Millisecond)
	b := clock.NowMS()
	assert.GreaterOrEqual(t, b, a)
}

func TestSinceReportsElapsedMilliseconds(t *testing.T) {
	start := clock.NowMS()
	time.Sleep(20 * time.Millisecond)
	elapsed := clock.Since(start)
	assert.GreaterOrEqual(t, elapsed, int64(15))
	assert.Less(t, elapsed, int64(2000))
}
