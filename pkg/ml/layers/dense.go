// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package layers

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/lottery/pkg/core/device"
	"github.com/gomlx/lottery/pkg/core/tensors"
	"github.com/gomlx/lottery/pkg/ml/initializer"
	"github.com/gomlx/lottery/pkg/ml/model"
)

// Dense is a fully connected layer: y = x·W + b, with W shaped [inputDim, outputDim].
type Dense struct {
	dev             *device.Device
	weights, biases *model.Variable
	inputDim        int
	outputDim       int

	x *tensors.Tensor
}

var _ model.Layer = (*Dense)(nil)

// DenseConfig holds the optional settings of a Dense layer.
type DenseConfig struct {
	scope                *model.Scope
	dev                  *device.Device
	inputDim, outputDim  int
	useBias              bool
	kernelInit, biasInit initializer.Initializer
}

// NewDense starts the configuration of a dense layer, created under scope. Call Done to create it.
//
// Defaults: biases enabled, He initialization of the weights.
func NewDense(scope *model.Scope, dev *device.Device, inputDim, outputDim int) *DenseConfig {
	return &DenseConfig{
		scope:      scope,
		dev:        dev,
		inputDim:   inputDim,
		outputDim:  outputDim,
		useBias:    true,
		kernelInit: initializer.He(),
		biasInit:   initializer.Zero,
	}
}

// UseBias configures whether to add a bias term. Default is true.
func (c *DenseConfig) UseBias(useBias bool) *DenseConfig {
	c.useBias = useBias
	return c
}

// Initializers sets the initializers of the weights and the biases.
func (c *DenseConfig) Initializers(kernelInit, biasInit initializer.Initializer) *DenseConfig {
	c.kernelInit, c.biasInit = kernelInit, biasInit
	return c
}

// Done creates the variables and returns the layer.
func (c *DenseConfig) Done() *Dense {
	if c.inputDim <= 0 || c.outputDim <= 0 {
		exceptions.Panicf("dense %s: invalid dimensions %d -> %d", c.scope.Path(), c.inputDim, c.outputDim)
	}
	d := &Dense{dev: orDefault(c.dev), inputDim: c.inputDim, outputDim: c.outputDim}
	d.weights = c.scope.Variable(model.WeightsName, c.kernelInit, c.inputDim, c.outputDim)
	if c.useBias {
		d.biases = c.scope.Variable(model.BiasesName, c.biasInit, c.outputDim)
	}
	return d
}

// Weights returns the kernel variable.
func (d *Dense) Weights() *model.Variable { return d.weights }

// Forward implements model.Layer. x must be shaped [batchSize, inputDim].
func (d *Dense) Forward(x *tensors.Tensor, training bool) *tensors.Tensor {
	assertRank("Dense", x, 2)
	if x.Dim(1) != d.inputDim {
		exceptions.Panicf("Dense: expected input with %d features, got shape %s", d.inputDim, x.ShapeString())
	}
	batchSize := x.Dim(0)
	y := tensors.FromShape(batchSize, d.outputDim)
	if batchSize == 0 {
		return y
	}
	weights := matrix(d.weights.Value.Flat(), d.inputDim, d.outputDim)
	xData, yData := x.Flat(), y.Flat()
	d.dev.ParallelFor(batchSize, func(_, start, end int) {
		rows := end - start
		yRows := yData[start*d.outputDim : end*d.outputDim]
		gemm(false, false, 1, matrix(xData[start*d.inputDim:end*d.inputDim], rows, d.inputDim),
			weights, 0, matrix(yRows, rows, d.outputDim))
		if d.biases != nil {
			bias := d.biases.Value.Flat()
			for row := range rows {
				addInto(yRows[row*d.outputDim:(row+1)*d.outputDim], bias)
			}
		}
	})
	if training {
		d.x = x
	}
	return y
}

// Backward implements model.Layer.
func (d *Dense) Backward(gradOutput *tensors.Tensor) *tensors.Tensor {
	assertForwarded("Dense", d.x)
	x := d.x
	d.x = nil
	batchSize := x.Dim(0)
	gradOutput.AssertDims(batchSize, d.outputDim)
	gradX := tensors.FromShape(batchSize, d.inputDim)
	if batchSize == 0 {
		return gradX
	}
	dy := matrix(gradOutput.Flat(), batchSize, d.outputDim)

	// dW += xᵀ·dy
	gemm(true, false, 1, matrix(x.Flat(), batchSize, d.inputDim), dy, 1,
		matrix(d.weights.Grad.Flat(), d.inputDim, d.outputDim))
	// dx = dy·Wᵀ
	weights := matrix(d.weights.Value.Flat(), d.inputDim, d.outputDim)
	dyData, dxData := gradOutput.Flat(), gradX.Flat()
	d.dev.ParallelFor(batchSize, func(_, start, end int) {
		gemm(false, true, 1, matrix(dyData[start*d.outputDim:end*d.outputDim], end-start, d.outputDim),
			weights, 0, matrix(dxData[start*d.inputDim:end*d.inputDim], end-start, d.inputDim))
	})
	if d.biases != nil {
		gradBias := d.biases.Grad.Flat()
		for row := range batchSize {
			addInto(gradBias, dyData[row*d.outputDim:(row+1)*d.outputDim])
		}
	}
	return gradX
}
