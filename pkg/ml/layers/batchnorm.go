// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package layers

import (
	"math"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/lottery/pkg/core/device"
	"github.com/gomlx/lottery/pkg/core/tensors"
	"github.com/gomlx/lottery/pkg/ml/initializer"
	"github.com/gomlx/lottery/pkg/ml/model"
)

const (
	// BatchNormMomentum is the weight of the current batch when updating the running statistics.
	BatchNormMomentum = 0.1

	// BatchNormEpsilon is added to the variance before taking the square root.
	BatchNormEpsilon = 1e-5
)

// BatchNorm normalizes each channel (axis 1) over the batch and spatial dimensions.
//
// It works on inputs shaped [batchSize, channels] or [batchSize, channels, height, width].
//
// Variables: "scale" and "offset" (trainable), "mean" and "variance" (running averages, not
// trainable). In inference mode the running averages are used.
type BatchNorm struct {
	dev                   *device.Device
	channels              int
	scale, offset         *model.Variable
	runningMean, runningV *model.Variable

	// Cached for Backward.
	shape  []int
	xHat   []float32
	invStd []float32
}

var _ model.Layer = (*BatchNorm)(nil)

// NewBatchNorm creates a batch normalization layer for the given number of channels under scope.
func NewBatchNorm(scope *model.Scope, dev *device.Device, channels int) *BatchNorm {
	if channels <= 0 {
		exceptions.Panicf("batch normalization %s: invalid number of channels %d", scope.Path(), channels)
	}
	return &BatchNorm{
		dev:         orDefault(dev),
		channels:    channels,
		scale:       scope.Variable("scale", initializer.One, channels),
		offset:      scope.Variable("offset", initializer.Zero, channels),
		runningMean: scope.NonTrainable("mean", initializer.Zero, channels),
		runningV:    scope.NonTrainable("variance", initializer.One, channels),
	}
}

// layout returns the batch size and the spatial size (1 for rank-2 inputs).
func (bn *BatchNorm) layout(x *tensors.Tensor) (batchSize, spatial int) {
	if x.Rank() != 2 && x.Rank() != 4 {
		exceptions.Panicf("BatchNorm: expected input of rank 2 or 4, got shape %s", x.ShapeString())
	}
	if x.Dim(1) != bn.channels {
		exceptions.Panicf("BatchNorm: expected %d channels, got shape %s", bn.channels, x.ShapeString())
	}
	spatial = 1
	for _, dim := range x.Shape()[2:] {
		spatial *= dim
	}
	return x.Dim(0), spatial
}

// Forward implements model.Layer.
func (bn *BatchNorm) Forward(x *tensors.Tensor, training bool) *tensors.Tensor {
	batchSize, spatial := bn.layout(x)
	y := tensors.FromShape(x.Shape()...)
	count := batchSize * spatial
	if count == 0 {
		return y
	}
	xData, yData := x.Flat(), y.Flat()
	scale, offset := bn.scale.Value.Flat(), bn.offset.Value.Flat()

	if !training {
		mean, variance := bn.runningMean.Value.Flat(), bn.runningV.Value.Flat()
		bn.dev.ParallelFor(bn.channels, func(_, start, end int) {
			for ch := start; ch < end; ch++ {
				invStd := float32(1 / math.Sqrt(float64(variance[ch])+BatchNormEpsilon))
				a := scale[ch] * invStd
				b := offset[ch] - mean[ch]*a
				for example := range batchSize {
					base := (example*bn.channels + ch) * spatial
					for ii := base; ii < base+spatial; ii++ {
						yData[ii] = xData[ii]*a + b
					}
				}
			}
		})
		return y
	}

	xHat := make([]float32, len(xData))
	invStds := make([]float32, bn.channels)
	runningMean, runningVar := bn.runningMean.Value.Flat(), bn.runningV.Value.Flat()
	bn.dev.ParallelFor(bn.channels, func(_, start, end int) {
		for ch := start; ch < end; ch++ {
			var sum float64
			for example := range batchSize {
				base := (example*bn.channels + ch) * spatial
				for _, v := range xData[base : base+spatial] {
					sum += float64(v)
				}
			}
			mean := sum / float64(count)
			var sumSq float64
			for example := range batchSize {
				base := (example*bn.channels + ch) * spatial
				for _, v := range xData[base : base+spatial] {
					diff := float64(v) - mean
					sumSq += diff * diff
				}
			}
			variance := sumSq / float64(count)
			invStd := 1 / math.Sqrt(variance+BatchNormEpsilon)
			invStds[ch] = float32(invStd)
			for example := range batchSize {
				base := (example*bn.channels + ch) * spatial
				for ii := base; ii < base+spatial; ii++ {
					xHat[ii] = float32((float64(xData[ii]) - mean) * invStd)
					yData[ii] = scale[ch]*xHat[ii] + offset[ch]
				}
			}

			// Running averages use the unbiased variance.
			unbiased := variance
			if count > 1 {
				unbiased = sumSq / float64(count-1)
			}
			runningMean[ch] = float32((1-BatchNormMomentum)*float64(runningMean[ch]) + BatchNormMomentum*mean)
			runningVar[ch] = float32((1-BatchNormMomentum)*float64(runningVar[ch]) + BatchNormMomentum*unbiased)
		}
	})
	bn.shape = x.Shape()
	bn.xHat = xHat
	bn.invStd = invStds
	return y
}

// Backward implements model.Layer.
func (bn *BatchNorm) Backward(gradOutput *tensors.Tensor) *tensors.Tensor {
	if bn.xHat == nil {
		exceptions.Panicf("BatchNorm: Backward called without a training Forward")
	}
	gradOutput.AssertDims(bn.shape...)
	xHat, invStds := bn.xHat, bn.invStd
	bn.xHat, bn.invStd = nil, nil
	gradX := tensors.FromShape(bn.shape...)
	batchSize, spatial := bn.layout(gradX)
	count := float64(batchSize * spatial)
	dy, dx := gradOutput.Flat(), gradX.Flat()
	scale := bn.scale.Value.Flat()
	gradScale, gradOffset := bn.scale.Grad.Flat(), bn.offset.Grad.Flat()
	bn.dev.ParallelFor(bn.channels, func(_, start, end int) {
		for ch := start; ch < end; ch++ {
			var sumDy, sumDyXHat float64
			for example := range batchSize {
				base := (example*bn.channels + ch) * spatial
				for ii := base; ii < base+spatial; ii++ {
					sumDy += float64(dy[ii])
					sumDyXHat += float64(dy[ii]) * float64(xHat[ii])
				}
			}
			gradScale[ch] += float32(sumDyXHat)
			gradOffset[ch] += float32(sumDy)
			factor := float64(scale[ch]) * float64(invStds[ch]) / count
			for example := range batchSize {
				base := (example*bn.channels + ch) * spatial
				for ii := base; ii < base+spatial; ii++ {
					dx[ii] = float32(factor * (count*float64(dy[ii]) - sumDy - float64(xHat[ii])*sumDyXHat))
				}
			}
		}
	})
	return gradX
}
