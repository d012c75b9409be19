// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package layers

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/lottery/pkg/core/device"
	"github.com/gomlx/lottery/pkg/core/tensors"
	"github.com/gomlx/lottery/pkg/ml/model"
)

// MaxPool2D takes the maximum over non-overlapping windows (window size equals the stride)
// of inputs shaped [batchSize, channels, height, width]. Trailing rows and columns that don't
// fill a window are dropped.
type MaxPool2D struct {
	dev    *device.Device
	window int

	inputShape []int
	argMax     []int32
}

var _ model.Layer = (*MaxPool2D)(nil)

// NewMaxPool2D creates a max-pooling layer with the given window (and stride).
func NewMaxPool2D(dev *device.Device, window int) *MaxPool2D {
	if window <= 0 {
		exceptions.Panicf("MaxPool2D: invalid window %d", window)
	}
	return &MaxPool2D{dev: orDefault(dev), window: window}
}

// Forward implements model.Layer.
func (p *MaxPool2D) Forward(x *tensors.Tensor, training bool) *tensors.Tensor {
	assertRank("MaxPool2D", x, 4)
	batchSize, channels, height, width := x.Dim(0), x.Dim(1), x.Dim(2), x.Dim(3)
	outHeight, outWidth := height/p.window, width/p.window
	if outHeight == 0 || outWidth == 0 {
		exceptions.Panicf("MaxPool2D: input %s smaller than window %d", x.ShapeString(), p.window)
	}
	y := tensors.FromShape(batchSize, channels, outHeight, outWidth)
	xData, yData := x.Flat(), y.Flat()
	var argMax []int32
	if training {
		argMax = make([]int32, len(yData))
	}
	planes := batchSize * channels
	p.dev.ParallelFor(planes, func(_, start, end int) {
		for plane := start; plane < end; plane++ {
			in := xData[plane*height*width : (plane+1)*height*width]
			for oh := range outHeight {
				for ow := range outWidth {
					best := (oh*p.window)*width + ow*p.window
					for kh := range p.window {
						for kw := range p.window {
							idx := (oh*p.window+kh)*width + ow*p.window + kw
							if in[idx] > in[best] {
								best = idx
							}
						}
					}
					outIdx := (plane*outHeight+oh)*outWidth + ow
					yData[outIdx] = in[best]
					if argMax != nil {
						argMax[outIdx] = int32(plane*height*width + best)
					}
				}
			}
		}
	})
	if training {
		p.inputShape = x.Shape()
		p.argMax = argMax
	}
	return y
}

// Backward implements model.Layer: the gradient flows only to the maximum of each window.
func (p *MaxPool2D) Backward(gradOutput *tensors.Tensor) *tensors.Tensor {
	if p.argMax == nil {
		exceptions.Panicf("MaxPool2D: Backward called without a training Forward")
	}
	if gradOutput.Size() != len(p.argMax) {
		exceptions.Panicf("MaxPool2D: gradient shape %s doesn't match the forward output", gradOutput.ShapeString())
	}
	gradX := tensors.FromShape(p.inputShape...)
	dx := gradX.Flat()
	for ii, g := range gradOutput.Flat() {
		dx[p.argMax[ii]] += g
	}
	p.argMax = nil
	return gradX
}

// GlobalAvgPool averages each channel over its spatial dimensions: [batchSize, channels,
// height, width] becomes [batchSize, channels].
type GlobalAvgPool struct {
	inputShape []int
}

var _ model.Layer = (*GlobalAvgPool)(nil)

// NewGlobalAvgPool returns a global average pooling layer.
func NewGlobalAvgPool() *GlobalAvgPool { return &GlobalAvgPool{} }

// Forward implements model.Layer.
func (p *GlobalAvgPool) Forward(x *tensors.Tensor, training bool) *tensors.Tensor {
	assertRank("GlobalAvgPool", x, 4)
	batchSize, channels := x.Dim(0), x.Dim(1)
	spatial := x.Dim(2) * x.Dim(3)
	y := tensors.FromShape(batchSize, channels)
	xData, yData := x.Flat(), y.Flat()
	for plane := range batchSize * channels {
		var sum float32
		for _, v := range xData[plane*spatial : (plane+1)*spatial] {
			sum += v
		}
		yData[plane] = sum / float32(spatial)
	}
	if training {
		p.inputShape = x.Shape()
	}
	return y
}

// Backward implements model.Layer.
func (p *GlobalAvgPool) Backward(gradOutput *tensors.Tensor) *tensors.Tensor {
	if p.inputShape == nil {
		exceptions.Panicf("GlobalAvgPool: Backward called without a training Forward")
	}
	shape := p.inputShape
	p.inputShape = nil
	gradOutput.AssertDims(shape[0], shape[1])
	spatial := shape[2] * shape[3]
	gradX := tensors.FromShape(shape...)
	dx := gradX.Flat()
	for plane, g := range gradOutput.Flat() {
		g /= float32(spatial)
		for ii := plane * spatial; ii < (plane+1)*spatial; ii++ {
			dx[ii] = g
		}
	}
	return gradX
}

// Flatten reshapes [batchSize, d1, d2, ...] to [batchSize, d1*d2*...].
type Flatten struct {
	inputShape []int
}

var _ model.Layer = (*Flatten)(nil)

// NewFlatten returns a Flatten layer.
func NewFlatten() *Flatten { return &Flatten{} }

// Forward implements model.Layer.
func (f *Flatten) Forward(x *tensors.Tensor, training bool) *tensors.Tensor {
	if x.Rank() < 1 {
		exceptions.Panicf("Flatten: scalar input")
	}
	if training {
		f.inputShape = x.Shape()
	}
	return x.Reshape(x.Dim(0), -1)
}

// Backward implements model.Layer.
func (f *Flatten) Backward(gradOutput *tensors.Tensor) *tensors.Tensor {
	if f.inputShape == nil {
		exceptions.Panicf("Flatten: Backward called without a training Forward")
	}
	shape := f.inputShape
	f.inputShape = nil
	return gradOutput.Reshape(shape...)
}
