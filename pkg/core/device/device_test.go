// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package device

import (
	"runtime"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	d, err := New("")
	require.NoError(t, err)
	assert.Equal(t, runtime.NumCPU(), d.Parallelism())

	d, err = New("CPU:2")
	require.NoError(t, err)
	assert.Equal(t, "cpu:2", d.Name())
	assert.Equal(t, 2, d.Parallelism())

	for _, name := range []string{"cuda", "cuda:0", "gpu", "cpu:x", "cpu:-1", "quantum"} {
		_, err = New(name)
		var devErr *DeviceError
		require.Truef(t, errors.As(err, &devErr), "device %q should fail with DeviceError, got %v", name, err)
		assert.Equal(t, name, devErr.Requested)
	}
}

func TestParallelFor(t *testing.T) {
	d := MustNew("cpu:4")
	values := make([]int, 11)
	d.ParallelFor(len(values), func(_, start, end int) {
		for ii := start; ii < end; ii++ {
			values[ii] = ii * ii
		}
	})
	for ii, v := range values {
		assert.Equal(t, ii*ii, v)
	}
}
