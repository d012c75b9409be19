// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package workerspool limits the number of goroutines used by the CPU device to compute
// a layer over slices of a batch.
package workerspool

import (
	"runtime"
	"sync"
)

// Pool of workers. The zero value is not usable, create it with New.
type Pool struct {
	// maxParallelism is the limit of tasks running at the same time.
	// 0 disables parallelism (tasks run inline) and -1 makes it unlimited.
	maxParallelism int
	mu             sync.Mutex
	cond           sync.Cond // Signaled whenever numRunning is decreased.
	numRunning     int
}

// New returns a Pool with the given parallelism. If maxParallelism is 0 it runs everything inline,
// if negative parallelism is unlimited. Use runtime.NumCPU() for the usual default, see NewDefault.
func New(maxParallelism int) *Pool {
	w := &Pool{maxParallelism: maxParallelism}
	w.cond = sync.Cond{L: &w.mu}
	return w
}

// NewDefault returns a Pool with parallelism set to runtime.NumCPU().
func NewDefault() *Pool {
	return New(runtime.NumCPU())
}

// IsUnlimited returns whether parallelism is unlimited (maxParallelism < 0)
func (w *Pool) IsUnlimited() bool {
	return w.maxParallelism < 0
}

// MaxParallelism returns the configured parallelism.
func (w *Pool) MaxParallelism() int {
	return w.maxParallelism
}

// lockedIsFull returns whether all available workers are in use.
//
// It must be called with w.mu acquired.
func (w *Pool) lockedIsFull() bool {
	if w.maxParallelism == 0 {
		return true
	} else if w.maxParallelism < 0 {
		return false
	}
	return w.numRunning >= w.maxParallelism
}

// WaitToStart waits until there is a worker available and starts task in a goroutine.
//
// If parallelism is disabled the task runs inline and WaitToStart returns when it is finished.
func (w *Pool) WaitToStart(task func()) {
	if w.IsUnlimited() {
		go task()
		return
	} else if w.maxParallelism == 0 {
		task()
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	for w.lockedIsFull() {
		w.cond.Wait()
	}
	w.numRunning++
	go func() {
		task()
		w.mu.Lock()
		w.numRunning--
		w.cond.Signal()
		w.mu.Unlock()
	}()
}

// RunChunks splits the range [0, n) into at most MaxParallelism contiguous chunks and runs
// fn(chunkIdx, start, end) for each of them, returning when all are finished.
//
// It returns the number of chunks used, so callers can size per-chunk accumulators with
// NumChunks beforehand.
func (w *Pool) RunChunks(n int, fn func(chunkIdx, start, end int)) int {
	numChunks := w.NumChunks(n)
	if numChunks <= 1 {
		if n > 0 {
			fn(0, 0, n)
		}
		return numChunks
	}
	chunkSize := (n + numChunks - 1) / numChunks
	var wg sync.WaitGroup
	for chunkIdx := range numChunks {
		start := chunkIdx * chunkSize
		end := min(start+chunkSize, n)
		wg.Add(1)
		w.WaitToStart(func() {
			defer wg.Done()
			fn(chunkIdx, start, end)
		})
	}
	wg.Wait()
	return numChunks
}

// NumChunks returns the number of chunks RunChunks uses for a range of size n.
func (w *Pool) NumChunks(n int) int {
	if n <= 0 {
		return 0
	}
	parallelism := w.maxParallelism
	if parallelism < 0 {
		parallelism = runtime.NumCPU()
	}
	if parallelism <= 1 {
		return 1
	}
	numChunks := min(parallelism, n)
	chunkSize := (n + numChunks - 1) / numChunks
	return (n + chunkSize - 1) / chunkSize
}
