package gid_test

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/yrf105/tihi-server/internal/gid"
)

func TestCurrentReturnsNonZeroID(t *testing.T) {
	assert.NotZero(t, gid.Current())
}

func TestCurrentDiffersAcrossGoroutines(t *testing.T) {
	a := gid.Current()

	var b uint64
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		b = gid.Current()
	}()
	wg.Wait()

	assert.NotEqual(t, a, b)
}
