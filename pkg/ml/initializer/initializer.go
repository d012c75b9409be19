// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package initializer implements the variable initializers used by the layers.
package initializer

import (
	"math"
	"math/rand/v2"

	"github.com/gomlx/lottery/pkg/core/tensors"
	"github.com/gomlx/lottery/pkg/ml/model"
)

// Initializer is an alias to model.Initializer.
type Initializer = model.Initializer

var (
	// Zero initializes variables with zero.
	Zero Initializer = func(_ *rand.Rand, value *tensors.Tensor) {
		value.Zero()
	}

	// One initializes variables with one.
	One Initializer = func(_ *rand.Rand, value *tensors.Tensor) {
		value.Fill(1)
	}
)

// Constant initializes all elements to c.
func Constant(c float32) Initializer {
	return func(_ *rand.Rand, value *tensors.Tensor) {
		value.Fill(c)
	}
}

// Normal returns an initializer that generates random normal values with the given standard deviation
// and mean set to 0.
func Normal(stddev float64) Initializer {
	return func(rng *rand.Rand, value *tensors.Tensor) {
		data := value.Flat()
		for ii := range data {
			data[ii] = float32(rng.NormFloat64() * stddev)
		}
	}
}

// Uniform returns an initializer that generates random uniform values from [minValue, maxValue).
func Uniform(minValue, maxValue float64) Initializer {
	return func(rng *rand.Rand, value *tensors.Tensor) {
		data := value.Flat()
		for ii := range data {
			data[ii] = float32(minValue + rng.Float64()*(maxValue-minValue))
		}
	}
}

// computeFanIn of a variable expected to be the parameters of either a dense layer, shaped
// [inputDim, outputDim], or a convolution, shaped [outChannels, inChannels, kernelH, kernelW].
func computeFanIn(dimensions []int) int {
	switch len(dimensions) {
	case 0:
		return 1
	case 1:
		return 0
	case 2:
		return dimensions[0]
	default:
		fanIn := 1
		for _, dim := range dimensions[1:] {
			fanIn *= dim
		}
		return fanIn
	}
}

// He returns the initializer that tries to preserve the variance of 1, calculated for the Relu activation functions.
//
// It initializes biases (anything with rank <= 1) to zeros.
//
// [1] https://arxiv.org/pdf/1502.01852
func He() Initializer {
	return func(rng *rand.Rand, value *tensors.Tensor) {
		if value.Rank() <= 1 {
			value.Zero()
			return
		}
		scale := max(1.0, float64(computeFanIn(value.Shape())))
		Normal(math.Sqrt(2.0/scale))(rng, value)
	}
}

// LinearDefault mimics the usual initialization of classification layers: uniform in
// ±1/sqrt(fanIn).
func LinearDefault() Initializer {
	return func(rng *rand.Rand, value *tensors.Tensor) {
		fanIn := max(1, computeFanIn(value.Shape()))
		if value.Rank() <= 1 {
			// Biases don't know their fan-in: use the output dimension as a proxy.
			fanIn = max(1, value.Size())
		}
		limit := 1.0 / math.Sqrt(float64(fanIn))
		Uniform(-limit, limit)(rng, value)
	}
}
