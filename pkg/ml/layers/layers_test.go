// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package layers

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/gomlx/lottery/pkg/core/device"
	"github.com/gomlx/lottery/pkg/core/tensors"
	"github.com/gomlx/lottery/pkg/ml/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func randomTensor(rng *rand.Rand, dims ...int) *tensors.Tensor {
	t := tensors.FromShape(dims...)
	for ii := range t.Flat() {
		t.Flat()[ii] = float32(rng.NormFloat64())
	}
	return t
}

// projectedLoss returns Σ layer(x)·r, a scalar whose gradient with respect to the output is r.
func projectedLoss(layer model.Layer, x, r *tensors.Tensor) float64 {
	y := layer.Forward(x, true)
	var loss float64
	for ii, v := range y.Flat() {
		loss += float64(v) * float64(r.Flat()[ii])
	}
	return loss
}

// checkGradients compares the gradients computed by Backward with central finite differences,
// with respect to the input and to every trainable variable of params.
func checkGradients(t *testing.T, layer model.Layer, params *model.Params, x *tensors.Tensor) {
	t.Helper()
	const (
		epsilon = 1e-2
		atol    = 5e-3
		rtol    = 2e-2
	)
	rng := rand.New(rand.NewPCG(7, 11))
	y := layer.Forward(x, true)
	r := randomTensor(rng, y.Shape()...)
	params.ZeroGrads()
	gradX := layer.Backward(r)
	require.True(t, gradX.SameShape(x), "input gradient shaped %s, input %s", gradX.ShapeString(), x.ShapeString())

	compare := func(what string, values []float32, analytic []float32) {
		for ii := range values {
			original := values[ii]
			values[ii] = original + epsilon
			plus := projectedLoss(layer, x, r)
			values[ii] = original - epsilon
			minus := projectedLoss(layer, x, r)
			values[ii] = original
			numeric := (plus - minus) / (2 * epsilon)
			tolerance := atol + rtol*math.Abs(numeric)
			if !assert.InDelta(t, numeric, float64(analytic[ii]), tolerance, "%s[%d]", what, ii) {
				return
			}
		}
	}
	compare("input", x.Flat(), gradX.Flat())
	for v := range params.All() {
		if v.Trainable {
			compare(v.ScopeAndName(), v.Value.Flat(), v.Grad.Flat())
		}
	}
}

func TestDense(t *testing.T) {
	params := model.NewParams(1)
	dev := device.MustNew("cpu:3")
	dense := NewDense(params.In("dense"), dev, 4, 3).Done()
	assert.Equal(t, "/dense/weights", dense.Weights().ScopeAndName())
	dense.Weights().Value = tensors.FromValues([]float32{1, 0, 0, 0, 1, 0, 0, 0, 1, 1, 1, 1}, 4, 3)
	x := tensors.FromValues([]float32{1, 2, 3, 4, -1, -2, -3, -4}, 2, 4)
	y := dense.Forward(x, false)
	assert.Equal(t, []float32{5, 6, 7, -5, -6, -7}, y.Flat())

	rng := rand.New(rand.NewPCG(1, 2))
	params = model.NewParams(2)
	dense = NewDense(params.In("dense"), dev, 5, 4).Done()
	for v := range params.All() {
		v.Value = randomTensor(rng, v.Value.Shape()...)
	}
	checkGradients(t, dense, params, randomTensor(rng, 7, 5))
}

func TestConvolution(t *testing.T) {
	params := model.NewParams(1)
	conv := Convolution(params.In("conv"), device.MustNew("cpu:0"), 1, 1, 3).Done()
	conv.Weights().Value.Fill(1)
	x := tensors.FromShape(1, 1, 3, 3)
	x.Fill(1)
	// Same padding: corners see 4 values, edges 6 and the center 9.
	y := conv.Forward(x, false)
	assert.Equal(t, []int{1, 1, 3, 3}, y.Shape())
	assert.Equal(t, []float32{4, 6, 4, 6, 9, 6, 4, 6, 4}, y.Flat())

	for _, parallelism := range []string{"cpu:0", "cpu:4"} {
		t.Run(parallelism, func(t *testing.T) {
			rng := rand.New(rand.NewPCG(3, 4))
			params := model.NewParams(3)
			conv := Convolution(params.In("conv"), device.MustNew(parallelism), 2, 3, 3).
				Strides(2).UseBias(true).Done()
			x := randomTensor(rng, 5, 2, 5, 6)
			assert.Equal(t, []int{5, 3, 3, 3}, conv.Forward(x, false).Shape())
			checkGradients(t, conv, params, x)
		})
	}
}

func TestBatchNorm(t *testing.T) {
	rng := rand.New(rand.NewPCG(5, 6))
	params := model.NewParams(5)
	dev := device.MustNew("cpu:2")
	bn := NewBatchNorm(params.In("bn"), dev, 3)
	assert.Equal(t, 2, len(params.Trainable()))

	x := randomTensor(rng, 4, 3, 2, 2)
	y := bn.Forward(x, true)
	// Each channel of the output is normalized.
	for ch := range 3 {
		var sum, sumSq float64
		for example := range 4 {
			for ii := range 4 {
				v := float64(y.Flat()[(example*3+ch)*4+ii])
				sum += v
				sumSq += v * v
			}
		}
		assert.InDelta(t, 0, sum/16, 1e-5)
		assert.InDelta(t, 1, sumSq/16, 1e-3)
	}
	mean, _ := params.Get("/bn/mean")
	assert.NotZero(t, mean.Value.CountNonZero(), "running mean must be updated in training")

	// Inference uses the running averages and doesn't update them.
	before := mean.Value.Clone()
	bn.Forward(x, false)
	assert.True(t, before.Equal(mean.Value))

	for v := range params.All() {
		if v.Trainable {
			v.Value = randomTensor(rng, v.Value.Shape()...)
		}
	}
	checkGradients(t, bn, params, randomTensor(rng, 4, 3, 2, 2))
	rank2 := model.NewParams(6)
	checkGradients(t, NewBatchNorm(rank2.In("bn"), dev, 3), rank2, randomTensor(rng, 6, 3))
}

func TestReluAndPooling(t *testing.T) {
	dev := device.MustNew("cpu:2")
	relu := NewRelu()
	y := relu.Forward(tensors.FromValues([]float32{-1, 2, 0, 3}, 2, 2), true)
	assert.Equal(t, []float32{0, 2, 0, 3}, y.Flat())
	gradX := relu.Backward(tensors.FromValues([]float32{10, 20, 30, 40}, 2, 2))
	assert.Equal(t, []float32{0, 20, 0, 40}, gradX.Flat())

	pool := NewMaxPool2D(dev, 2)
	x := tensors.FromValues([]float32{
		1, 5, 2, 0, 9,
		3, 4, 8, 1, 9,
		0, 0, 1, 1, 9,
		7, 0, 1, 2, 9,
	}, 1, 1, 4, 5)
	y = pool.Forward(x, true)
	assert.Equal(t, []int{1, 1, 2, 2}, y.Shape())
	assert.Equal(t, []float32{5, 8, 7, 2}, y.Flat())
	gradX = pool.Backward(tensors.FromValues([]float32{1, 2, 3, 4}, 1, 1, 2, 2))
	assert.Equal(t, float32(1), gradX.Flat()[1])
	assert.Equal(t, float32(2), gradX.Flat()[7])
	assert.Equal(t, float32(3), gradX.Flat()[15])
	assert.Equal(t, float32(4), gradX.Flat()[18])
	assert.Equal(t, 4, gradX.CountNonZero())

	avg := NewGlobalAvgPool()
	x = tensors.FromValues([]float32{1, 2, 3, 4, 10, 10, 10, 10}, 1, 2, 2, 2)
	y = avg.Forward(x, true)
	assert.Equal(t, []float32{2.5, 10}, y.Flat())
	gradX = avg.Backward(tensors.FromValues([]float32{4, 8}, 1, 2))
	assert.Equal(t, []float32{1, 1, 1, 1, 2, 2, 2, 2}, gradX.Flat())

	flatten := NewFlatten()
	y = flatten.Forward(x, true)
	assert.Equal(t, []int{1, 8}, y.Shape())
	assert.Equal(t, []int{1, 2, 2, 2}, flatten.Backward(y).Shape())

	assert.Panics(t, func() { NewRelu().Backward(y) })
}

func TestBottleneck(t *testing.T) {
	rng := rand.New(rand.NewPCG(9, 10))
	dev := device.MustNew("cpu:2")

	params := model.NewParams(9)
	identity := NewBottleneck(params.In("block_000"), dev, 8, 2, 1)
	// 3 convolutions and 3 batch normalizations.
	assert.Equal(t, 3, len(params.Prunable()))
	assert.Equal(t, 3+6, len(params.Trainable()))
	x := randomTensor(rng, 2, 8, 4, 4)
	y := identity.Forward(x, true)
	assert.Equal(t, []int{2, 8, 4, 4}, y.Shape())
	assert.Equal(t, x.Shape(), identity.Backward(y).Shape())

	params = model.NewParams(10)
	projection := NewBottleneck(params.In("block_001"), dev, 4, 2, 2)
	_, found := params.Get("/block_001/shortcut_conv/weights")
	assert.True(t, found)
	assert.Equal(t, 4, len(params.Prunable()))
	x = randomTensor(rng, 2, 4, 4, 4)
	y = projection.Forward(x, true)
	assert.Equal(t, []int{2, 8, 2, 2}, y.Shape())
	gradX := projection.Backward(randomTensor(rng, 2, 8, 2, 2))
	assert.Equal(t, x.Shape(), gradX.Shape())
	for v := range params.All() {
		if v.Trainable {
			assert.NotZero(t, v.Grad.CountNonZero(), "variable %s has no gradient", v.ScopeAndName())
		}
	}
}
