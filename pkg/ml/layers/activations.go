// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package layers

import (
	"github.com/gomlx/lottery/pkg/core/tensors"
	"github.com/gomlx/lottery/pkg/ml/model"
)

// Relu is the rectified linear unit activation, max(x, 0).
type Relu struct {
	y *tensors.Tensor
}

var _ model.Layer = (*Relu)(nil)

// NewRelu returns a Relu activation layer.
func NewRelu() *Relu { return &Relu{} }

// Forward implements model.Layer.
func (r *Relu) Forward(x *tensors.Tensor, training bool) *tensors.Tensor {
	y := tensors.FromShape(x.Shape()...)
	yData := y.Flat()
	for ii, v := range x.Flat() {
		if v > 0 {
			yData[ii] = v
		}
	}
	if training {
		r.y = y
	}
	return y
}

// Backward implements model.Layer.
func (r *Relu) Backward(gradOutput *tensors.Tensor) *tensors.Tensor {
	assertForwarded("Relu", r.y)
	y := r.y
	r.y = nil
	gradOutput.AssertDims(y.Shape()...)
	gradX := tensors.FromShape(y.Shape()...)
	dx, dy := gradX.Flat(), gradOutput.Flat()
	for ii, v := range y.Flat() {
		if v > 0 {
			dx[ii] = dy[ii]
		}
	}
	return gradX
}
