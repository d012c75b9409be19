// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package layers

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/lottery/pkg/core/device"
	"github.com/gomlx/lottery/pkg/core/tensors"
	"github.com/gomlx/lottery/pkg/ml/initializer"
	"github.com/gomlx/lottery/pkg/ml/model"
)

// This file contains all parts of the Conv2D implementation.

// ConvBuilder is a helper to build a 2D convolution. Create it with Convolution, set the desired parameters,
// and when all is set, call Done.
type ConvBuilder struct {
	scope                       *model.Scope
	dev                         *device.Device
	inputChannels, outChannels  int
	kernelSize, stride, padding int
	padSame                     bool
	bias                        bool
	kernelInit                  initializer.Initializer
}

// Convolution prepares a 2D convolution with square kernels, created under scope.
//
// It returns a ConvBuilder object for configuration. Once it is set up, call ConvBuilder.Done
// and it will return the layer.
//
// Defaults: stride 1, "same" padding, no bias and He initialization.
//
// The weights are shaped [outChannels, inputChannels, kernelSize, kernelSize].
func Convolution(scope *model.Scope, dev *device.Device, inputChannels, outChannels, kernelSize int) *ConvBuilder {
	return &ConvBuilder{
		scope:         scope,
		dev:           dev,
		inputChannels: inputChannels,
		outChannels:   outChannels,
		kernelSize:    kernelSize,
		stride:        1,
		padSame:       true,
		kernelInit:    initializer.He(),
	}
}

// Strides sets the stride of the convolution. Default is 1.
func (b *ConvBuilder) Strides(stride int) *ConvBuilder {
	b.stride = stride
	return b
}

// PadSame adds kernelSize/2 of zero padding on each side, so with stride 1 the output has
// the same spatial dimensions as the input. This is the default.
func (b *ConvBuilder) PadSame() *ConvBuilder {
	b.padSame = true
	return b
}

// NoPadding disables padding ("valid" convolution).
func (b *ConvBuilder) NoPadding() *ConvBuilder {
	b.padSame = false
	b.padding = 0
	return b
}

// UseBias configures whether to add a bias term per output channel. Default is false,
// since convolutions are usually followed by batch normalization.
func (b *ConvBuilder) UseBias(useBias bool) *ConvBuilder {
	b.bias = useBias
	return b
}

// KernelInitializer sets the initializer of the weights.
func (b *ConvBuilder) KernelInitializer(init initializer.Initializer) *ConvBuilder {
	b.kernelInit = init
	return b
}

// Done creates the variables and returns the layer.
func (b *ConvBuilder) Done() *Conv2D {
	if b.inputChannels <= 0 || b.outChannels <= 0 || b.kernelSize <= 0 || b.stride <= 0 {
		exceptions.Panicf("convolution %s: invalid configuration in=%d, out=%d, kernel=%d, stride=%d",
			b.scope.Path(), b.inputChannels, b.outChannels, b.kernelSize, b.stride)
	}
	padding := b.padding
	if b.padSame {
		padding = b.kernelSize / 2
	}
	c := &Conv2D{
		dev:           orDefault(b.dev),
		inputChannels: b.inputChannels,
		outChannels:   b.outChannels,
		kernelSize:    b.kernelSize,
		stride:        b.stride,
		padding:       padding,
	}
	c.weights = b.scope.Variable(model.WeightsName, b.kernelInit,
		b.outChannels, b.inputChannels, b.kernelSize, b.kernelSize)
	if b.bias {
		c.biases = b.scope.Variable(model.BiasesName, initializer.Zero, b.outChannels)
	}
	return c
}

// Conv2D is a 2D convolution over inputs shaped [batchSize, channels, height, width].
//
// It is implemented with im2col followed by a matrix multiplication per example. Examples
// are split among the device workers.
type Conv2D struct {
	dev                         *device.Device
	weights, biases             *model.Variable
	inputChannels, outChannels  int
	kernelSize, stride, padding int

	x *tensors.Tensor
}

var _ model.Layer = (*Conv2D)(nil)

// Weights returns the kernel variable.
func (c *Conv2D) Weights() *model.Variable { return c.weights }

// OutputSize returns the spatial output dimension for an input dimension.
func (c *Conv2D) OutputSize(inputSize int) int {
	return (inputSize+2*c.padding-c.kernelSize)/c.stride + 1
}

// convGeometry holds the dimensions of one convolution call.
type convGeometry struct {
	channels, height, width int
	outHeight, outWidth     int
	colRows                 int // channels * kernelSize * kernelSize
}

func (g convGeometry) inputSize() int  { return g.channels * g.height * g.width }
func (g convGeometry) outputSize() int { return g.outHeight * g.outWidth }

func (c *Conv2D) geometry(x *tensors.Tensor) convGeometry {
	assertRank("Conv2D", x, 4)
	if x.Dim(1) != c.inputChannels {
		exceptions.Panicf("Conv2D: expected %d input channels, got shape %s", c.inputChannels, x.ShapeString())
	}
	g := convGeometry{
		channels:  c.inputChannels,
		height:    x.Dim(2),
		width:     x.Dim(3),
		outHeight: c.OutputSize(x.Dim(2)),
		outWidth:  c.OutputSize(x.Dim(3)),
		colRows:   c.inputChannels * c.kernelSize * c.kernelSize,
	}
	if g.outHeight <= 0 || g.outWidth <= 0 {
		exceptions.Panicf("Conv2D: input %s too small for kernel %d (padding %d)",
			x.ShapeString(), c.kernelSize, c.padding)
	}
	return g
}

// im2col unrolls the patches of one example into col, shaped [colRows, outHeight*outWidth].
func (c *Conv2D) im2col(g convGeometry, input, col []float32) {
	k := c.kernelSize
	outSize := g.outputSize()
	for ch := range g.channels {
		plane := input[ch*g.height*g.width : (ch+1)*g.height*g.width]
		for kh := range k {
			for kw := range k {
				row := col[((ch*k+kh)*k+kw)*outSize : ((ch*k+kh)*k+kw+1)*outSize]
				for oh := range g.outHeight {
					ih := oh*c.stride + kh - c.padding
					dst := row[oh*g.outWidth : (oh+1)*g.outWidth]
					if ih < 0 || ih >= g.height {
						clear(dst)
						continue
					}
					for ow := range g.outWidth {
						iw := ow*c.stride + kw - c.padding
						if iw < 0 || iw >= g.width {
							dst[ow] = 0
						} else {
							dst[ow] = plane[ih*g.width+iw]
						}
					}
				}
			}
		}
	}
}

// col2im accumulates col, shaped [colRows, outHeight*outWidth], back into the input gradient.
func (c *Conv2D) col2im(g convGeometry, col, gradInput []float32) {
	k := c.kernelSize
	outSize := g.outputSize()
	for ch := range g.channels {
		plane := gradInput[ch*g.height*g.width : (ch+1)*g.height*g.width]
		for kh := range k {
			for kw := range k {
				row := col[((ch*k+kh)*k+kw)*outSize : ((ch*k+kh)*k+kw+1)*outSize]
				for oh := range g.outHeight {
					ih := oh*c.stride + kh - c.padding
					if ih < 0 || ih >= g.height {
						continue
					}
					for ow := range g.outWidth {
						iw := ow*c.stride + kw - c.padding
						if iw >= 0 && iw < g.width {
							plane[ih*g.width+iw] += row[oh*g.outWidth+ow]
						}
					}
				}
			}
		}
	}
}

// Forward implements model.Layer.
func (c *Conv2D) Forward(x *tensors.Tensor, training bool) *tensors.Tensor {
	g := c.geometry(x)
	batchSize := x.Dim(0)
	y := tensors.FromShape(batchSize, c.outChannels, g.outHeight, g.outWidth)
	outSize := g.outputSize()
	weights := matrix(c.weights.Value.Flat(), c.outChannels, g.colRows)
	xData, yData := x.Flat(), y.Flat()
	c.dev.ParallelFor(batchSize, func(_, start, end int) {
		col := make([]float32, g.colRows*outSize)
		for example := start; example < end; example++ {
			c.im2col(g, xData[example*g.inputSize():(example+1)*g.inputSize()], col)
			out := yData[example*c.outChannels*outSize : (example+1)*c.outChannels*outSize]
			gemm(false, false, 1, weights, matrix(col, g.colRows, outSize), 0,
				matrix(out, c.outChannels, outSize))
			if c.biases != nil {
				for oc, b := range c.biases.Value.Flat() {
					channel := out[oc*outSize : (oc+1)*outSize]
					for ii := range channel {
						channel[ii] += b
					}
				}
			}
		}
	})
	if training {
		c.x = x
	}
	return y
}

// Backward implements model.Layer.
//
// Each worker accumulates the kernel gradient of its examples in its own buffer; the
// buffers are summed into the variable gradient at the end.
func (c *Conv2D) Backward(gradOutput *tensors.Tensor) *tensors.Tensor {
	assertForwarded("Conv2D", c.x)
	x := c.x
	c.x = nil
	g := c.geometry(x)
	batchSize := x.Dim(0)
	gradOutput.AssertDims(batchSize, c.outChannels, g.outHeight, g.outWidth)
	gradX := tensors.FromShape(x.Shape()...)
	outSize := g.outputSize()

	numChunks := c.dev.NumChunks(batchSize)
	gradWeightsChunks := make([][]float32, numChunks)
	gradBiasesChunks := make([][]float32, numChunks)
	weights := matrix(c.weights.Value.Flat(), c.outChannels, g.colRows)
	xData, dyData, dxData := x.Flat(), gradOutput.Flat(), gradX.Flat()
	c.dev.ParallelFor(batchSize, func(chunkIdx, start, end int) {
		col := make([]float32, g.colRows*outSize)
		gradCol := make([]float32, g.colRows*outSize)
		gradWeights := make([]float32, c.outChannels*g.colRows)
		var gradBiases []float32
		if c.biases != nil {
			gradBiases = make([]float32, c.outChannels)
		}
		for example := start; example < end; example++ {
			c.im2col(g, xData[example*g.inputSize():(example+1)*g.inputSize()], col)
			dy := dyData[example*c.outChannels*outSize : (example+1)*c.outChannels*outSize]
			dyMatrix := matrix(dy, c.outChannels, outSize)

			// dW += dy·colᵀ
			gemm(false, true, 1, dyMatrix, matrix(col, g.colRows, outSize), 1,
				matrix(gradWeights, c.outChannels, g.colRows))
			// dcol = Wᵀ·dy
			gemm(true, false, 1, weights, dyMatrix, 0, matrix(gradCol, g.colRows, outSize))
			c.col2im(g, gradCol, dxData[example*g.inputSize():(example+1)*g.inputSize()])

			for oc := range gradBiases {
				var sum float32
				for _, v := range dy[oc*outSize : (oc+1)*outSize] {
					sum += v
				}
				gradBiases[oc] += sum
			}
		}
		gradWeightsChunks[chunkIdx] = gradWeights
		gradBiasesChunks[chunkIdx] = gradBiases
	})

	for chunkIdx := range numChunks {
		if gradWeightsChunks[chunkIdx] == nil {
			continue
		}
		addInto(c.weights.Grad.Flat(), gradWeightsChunks[chunkIdx])
		if c.biases != nil {
			addInto(c.biases.Grad.Flat(), gradBiasesChunks[chunkIdx])
		}
	}
	return gradX
}
