// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package model

import (
	"math/rand/v2"

	"github.com/gomlx/lottery/pkg/core/tensors"
)

// Initializer sets the initial value of a variable, drawing random numbers from rng.
type Initializer func(rng *rand.Rand, value *tensors.Tensor)

// Layer is one differentiable stage of a network.
//
// Forward with training=true caches whatever Backward needs; Backward must be called at
// most once after each training Forward. It accumulates the gradients of the layer
// variables (Variable.Grad) and returns the gradient with respect to the layer input.
//
// Forward with training=false runs in inference mode: no caching and no updates of
// running statistics.
//
// Layers panic (with exceptions.Panicf) on malformed inputs.
type Layer interface {
	Forward(x *tensors.Tensor, training bool) *tensors.Tensor
	Backward(gradOutput *tensors.Tensor) *tensors.Tensor
}

// Network is a Layer that maps a batch of inputs to logits shaped [batchSize, numClasses],
// and owns its parameters.
type Network interface {
	Layer

	// Params returns the variables of the network.
	Params() *Params
}

// Sequential chains layers. It implements Network.
type Sequential struct {
	params *Params
	layers []Layer
}

var _ Network = (*Sequential)(nil)

// NewSequential creates a network that applies layers in order.
func NewSequential(params *Params, layers ...Layer) *Sequential {
	return &Sequential{params: params, layers: layers}
}

// Params implements Network.
func (s *Sequential) Params() *Params { return s.params }

// Layers returns the layers in order.
func (s *Sequential) Layers() []Layer { return s.layers }

// Append adds layers at the end.
func (s *Sequential) Append(layers ...Layer) *Sequential {
	s.layers = append(s.layers, layers...)
	return s
}

// Forward implements Layer.
func (s *Sequential) Forward(x *tensors.Tensor, training bool) *tensors.Tensor {
	for _, layer := range s.layers {
		x = layer.Forward(x, training)
	}
	return x
}

// Backward implements Layer.
func (s *Sequential) Backward(gradOutput *tensors.Tensor) *tensors.Tensor {
	grad := gradOutput
	for ii := len(s.layers) - 1; ii >= 0; ii-- {
		grad = s.layers[ii].Backward(grad)
	}
	return grad
}
