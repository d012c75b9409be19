// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package layers implements the CPU building blocks of the networks: dense and convolution
// layers, batch normalization, activations, pooling and residual blocks.
//
// All layers work on float32 tensors laid out "channels first": images are shaped
// [batchSize, channels, height, width]. Layers that hold variables create them under the
// scope given at construction, with the kernels always named "weights" so they can be
// pruned.
//
// Layers are not safe for concurrent use: Forward caches what Backward needs. The
// parallelism comes from the device, which splits the batch dimension among its workers.
package layers

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/lottery/pkg/core/device"
	"github.com/gomlx/lottery/pkg/core/tensors"
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

// orDefault returns dev, or the default CPU device if dev is nil.
func orDefault(dev *device.Device) *device.Device {
	if dev == nil {
		return device.Default()
	}
	return dev
}

// matrix wraps a row-major slice as a blas32.General.
func matrix(data []float32, rows, cols int) blas32.General {
	return blas32.General{Rows: rows, Cols: cols, Stride: cols, Data: data}
}

// gemm computes c = alpha * op(a) * op(b) + beta * c.
func gemm(transA, transB bool, alpha float32, a, b blas32.General, beta float32, c blas32.General) {
	tA, tB := blas.NoTrans, blas.NoTrans
	if transA {
		tA = blas.Trans
	}
	if transB {
		tB = blas.Trans
	}
	blas32.Gemm(tA, tB, alpha, a, b, beta, c)
}

// assertRank panics if x doesn't have the given rank.
func assertRank(layer string, x *tensors.Tensor, rank int) {
	if x.Rank() != rank {
		exceptions.Panicf("%s: expected input of rank %d, got shape %s", layer, rank, x.ShapeString())
	}
}

// assertForwarded panics if Backward is called without a training Forward before.
func assertForwarded(layer string, cached *tensors.Tensor) {
	if cached == nil {
		exceptions.Panicf("%s: Backward called without a training Forward", layer)
	}
}

// addInto adds src to dst, element-wise.
func addInto(dst, src []float32) {
	for ii, v := range src {
		dst[ii] += v
	}
}
