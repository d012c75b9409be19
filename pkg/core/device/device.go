// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package device resolves the compute device used to train and evaluate models.
//
// The only device this build provides is "cpu": a group of workers that layers use to split
// their computation over the batch dimension. Asking for an accelerator ("cuda", "gpu", ...)
// fails with a *DeviceError.
package device

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/gomlx/lottery/internal/workerspool"
	"github.com/pkg/errors"
)

// DeviceError is returned when the requested compute device is not available.
type DeviceError struct {
	Requested string
	Reason    string
}

// Error implements error.
func (e *DeviceError) Error() string {
	return fmt.Sprintf("device %q not available: %s", e.Requested, e.Reason)
}

// Device is a CPU replication group.
type Device struct {
	name string
	pool *workerspool.Pool
}

// New returns the device for the given name.
//
// Valid names are "" or "cpu" (parallelism runtime.NumCPU()) and "cpu:N" for N workers
// (0 disables parallelism).
func New(name string) (*Device, error) {
	kind, arg, hasArg := strings.Cut(strings.ToLower(strings.TrimSpace(name)), ":")
	switch kind {
	case "", "cpu":
		pool := workerspool.NewDefault()
		if hasArg {
			n, err := strconv.Atoi(arg)
			if err != nil || n < 0 {
				return nil, &DeviceError{Requested: name, Reason: "invalid number of CPU workers"}
			}
			pool = workerspool.New(n)
		}
		return &Device{
			name: fmt.Sprintf("cpu:%d", pool.MaxParallelism()),
			pool: pool,
		}, nil
	case "cuda", "gpu", "mps", "tpu":
		return nil, &DeviceError{Requested: name, Reason: "this build only supports CPU devices"}
	default:
		return nil, &DeviceError{Requested: name, Reason: "unknown device type"}
	}
}

// MustNew is like New, but panics on error.
func MustNew(name string) *Device {
	d, err := New(name)
	if err != nil {
		panic(errors.WithStack(err))
	}
	return d
}

// Default returns a CPU device using all cores.
func Default() *Device {
	return MustNew("cpu")
}

// Name of the device, e.g. "cpu:8".
func (d *Device) Name() string { return d.name }

// String implements fmt.Stringer.
func (d *Device) String() string { return d.name }

// Parallelism returns the number of workers.
func (d *Device) Parallelism() int { return d.pool.MaxParallelism() }

// NumChunks returns how many chunks ParallelFor will split a range of n items into.
func (d *Device) NumChunks(n int) int { return d.pool.NumChunks(n) }

// ParallelFor splits [0, n) into contiguous chunks and runs fn on each chunk using the
// device workers. It returns when all chunks are done.
func (d *Device) ParallelFor(n int, fn func(chunkIdx, start, end int)) {
	d.pool.RunChunks(n, fn)
}
