// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package workerspool

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPool_WaitToStart(t *testing.T) {
	pool := New(3)
	var running, maxRunning atomic.Int32
	var wg sync.WaitGroup
	release := make(chan struct{})
	for range 3 {
		wg.Add(1)
		pool.WaitToStart(func() {
			defer wg.Done()
			n := running.Add(1)
			for {
				m := maxRunning.Load()
				if n <= m || maxRunning.CompareAndSwap(m, n) {
					break
				}
			}
			<-release
			running.Add(-1)
		})
	}
	close(release)
	wg.Wait()
	assert.LessOrEqual(t, maxRunning.Load(), int32(3))

	// No parallelism: runs inline.
	pool = New(0)
	var count int
	pool.WaitToStart(func() { count++ })
	assert.Equal(t, 1, count)
}

func TestPool_RunChunks(t *testing.T) {
	for _, parallelism := range []int{0, 1, 3, 8, -1} {
		pool := New(parallelism)
		const n = 10
		var seen [n]atomic.Int32
		numChunks := pool.RunChunks(n, func(_, start, end int) {
			for ii := start; ii < end; ii++ {
				seen[ii].Add(1)
			}
		})
		require.Equal(t, pool.NumChunks(n), numChunks, "parallelism=%d", parallelism)
		for ii := range seen {
			assert.Equal(t, int32(1), seen[ii].Load(), "parallelism=%d, index %d", parallelism, ii)
		}
	}
	assert.Equal(t, 0, New(4).RunChunks(0, func(_, _, _ int) { t.Fatal("should not run") }))
}
