// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package pruning

import (
	"math/rand/v2"
	"testing"

	"github.com/gomlx/lottery/pkg/ml/initializer"
	"github.com/gomlx/lottery/pkg/ml/model"
	"github.com/gomlx/lottery/pkg/ml/train/optimizers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWeightFraction(t *testing.T) {
	fractions := WeightFractions()
	require.Len(t, fractions, NumRounds)
	assert.Equal(t, 0.0, fractions[0])
	assert.InDelta(t, 20.0, fractions[1], 1e-9)
	assert.InDelta(t, 36.0, fractions[2], 1e-9)
	assert.GreaterOrEqual(t, fractions[MaxRound], 95.0)
	assert.Less(t, fractions[MaxRound], 100.0)
	for round := 1; round < NumRounds; round++ {
		assert.Greater(t, fractions[round], fractions[round-1], "round %d", round)
	}
	assert.Panics(t, func() { WeightFraction(-1) })
	assert.Panics(t, func() { WeightFraction(NumRounds) })
}

func TestPercentile(t *testing.T) {
	values := []float64{4, 1, 3, 2}
	assert.Equal(t, 1.0, Percentile(values, 0))
	assert.Equal(t, 4.0, Percentile(values, 100))
	assert.InDelta(t, 2.5, Percentile(values, 50), 1e-12)
	assert.InDelta(t, 1.75, Percentile(values, 25), 1e-12)
	assert.Equal(t, []float64{4, 1, 3, 2}, values, "input is not modified")
	assert.InDelta(t, 7.0, Percentile([]float32{7}, 30), 1e-12)
	assert.Panics(t, func() { Percentile([]float64{}, 50) })
	assert.Panics(t, func() { Percentile(values, 101) })
}

// twoLayerParams creates 2 layers with 4 weights each (and biases, which are never pruned).
func twoLayerParams(t *testing.T) *model.Params {
	params := model.NewParams(0)
	layer0 := params.In("layer_0")
	w0 := layer0.Variable(model.WeightsName, nil, 2, 2)
	layer0.Variable(model.BiasesName, initializer.Constant(0.01), 2)
	layer1 := params.In("layer_1")
	w1 := layer1.Variable(model.WeightsName, nil, 4)
	layer1.Variable(model.BiasesName, initializer.Constant(0.01), 4)
	copy(w0.Value.Flat(), []float32{0.1, -0.2, 0.3, -0.4})
	copy(w1.Value.Flat(), []float32{0.5, -0.6, 0.7, 0.8})
	require.Len(t, params.Prunable(), 2)
	return params
}

func TestTwoLayerScenario(t *testing.T) {
	for _, opt := range []optimizers.Interface{SGD.New(), Adam.New()} {
		t.Run(opt.Name(), func(t *testing.T) {
			params := twoLayerParams(t)
			masks, stats := BuildMasks(params, 1)

			// 20th percentile of {0.1, ..., 0.8}: rank 0.2*7=1.4, between 0.2 and 0.3.
			assert.InDelta(t, 0.24, stats.Threshold, 1e-6)
			assert.Equal(t, 2, stats.Zeros)
			assert.Equal(t, 8, stats.Total)
			assert.InDelta(t, 0.25, stats.PrunedFraction(), 1e-12)
			require.Len(t, masks, 2)
			assert.Equal(t, "/layer_0/weights", masks[0].Name)
			assert.Equal(t, []float32{0, 0, 1, 1}, masks[0].Values.Flat())
			assert.Equal(t, []float32{1, 1, 1, 1}, masks[1].Values.Flat())

			// A masked step with nonzero gradients, momentum and weight decay.
			for range 3 {
				params.ZeroGrads()
				require.NoError(t, ApplyMasks(params, masks))
				for _, v := range params.Trainable() {
					v.Grad.Fill(0.5)
				}
				require.NoError(t, opt.Step(params))
				require.NoError(t, ApplyMasks(params, masks))
				w0, _ := params.Get("/layer_0/weights")
				assert.Equal(t, float32(0), w0.Value.Flat()[0])
				assert.Equal(t, float32(0), w0.Value.Flat()[1])
				assert.NotEqual(t, float32(0.3), w0.Value.Flat()[2], "kept weights are trained")
			}
			b0, _ := params.Get("/layer_0/biases")
			assert.Equal(t, 2, b0.Value.CountNonZero(), "biases are never masked")
		})
	}
}

func TestOptimizerStepPerturbsPrunedWeights(t *testing.T) {
	// Without masking after the step, momentum moves pruned weights away from zero.
	params := twoLayerParams(t)
	masks, _ := BuildMasks(params, 1)
	opt := SGD.New()
	for range 2 {
		require.NoError(t, ApplyMasks(params, masks))
		for _, v := range params.Trainable() {
			v.Grad.Fill(0.5)
		}
		require.NoError(t, opt.Step(params))
	}
	w0, _ := params.Get("/layer_0/weights")
	assert.NotEqual(t, float32(0), w0.Value.Flat()[0])
}

// randomParams creates 3 prunable variables with normally distributed values.
func randomParams(seed uint64) *model.Params {
	params := model.NewParams(seed)
	params.In("conv_000").Variable(model.WeightsName, initializer.Normal(1), 8, 3, 3, 3)
	params.In("conv_000").Variable(model.BiasesName, initializer.Normal(1), 8)
	params.In("conv_001").Variable(model.WeightsName, initializer.Normal(0.1), 16, 8, 3, 3)
	params.In("bn_001").Variable("scale", initializer.Normal(1), 16)
	params.In("classifier").Variable(model.WeightsName, initializer.Normal(0.5), 16, 10)
	return params
}

func TestBuildMasks(t *testing.T) {
	params := randomParams(7)
	prunable := params.Prunable()
	require.Len(t, prunable, 3)
	for round := range NumRounds {
		masks, stats := BuildMasks(params, round)
		require.Len(t, masks, len(prunable))
		for ii, v := range prunable {
			assert.Equal(t, v.ScopeAndName(), masks[ii].Name)
			assert.Equal(t, v.Value.Shape(), masks[ii].Values.Shape())
			for _, value := range masks[ii].Values.Flat() {
				require.True(t, value == 0 || value == 1)
			}
		}
		zeros, total := masks.Stats()
		assert.Equal(t, stats.Zeros, zeros)
		assert.Equal(t, stats.Total, total)
		// All values are distinct, so the fraction pruned is the percentile up to rounding to whole weights.
		assert.InDelta(t, WeightFraction(round)/100, stats.PrunedFraction(), 2/float64(total), "round %d", round)

		// Deterministic.
		masks2, stats2 := BuildMasks(params, round)
		assert.Equal(t, stats, stats2)
		for ii := range masks {
			assert.True(t, masks[ii].Values.Equal(masks2[ii].Values))
		}
	}

	masks, stats := BuildMasks(params, 0)
	assert.Equal(t, 0, stats.Zeros)
	assert.Equal(t, 0.0, stats.PrunedFraction())
	assert.True(t, masks.IsRefinementOf(AllOnesMasks(params)))
	assert.Contains(t, stats.String(), "Fraction of weights pruned = 0/")
}

func TestMasksRefinement(t *testing.T) {
	params := randomParams(3)
	previous, _ := BuildMasks(params, 0)
	for round := 1; round <= 5; round++ {
		require.NoError(t, ApplyMasks(params, previous))
		masks, stats := BuildMasks(params, round)
		assert.True(t, masks.IsRefinementOf(previous), "round %d", round)
		assert.False(t, previous.IsRefinementOf(masks), "round %d prunes strictly more", round)
		assert.Greater(t, stats.Zeros, 0)
		previous = masks
	}
	assert.False(t, previous.IsRefinementOf(previous[:1]))
}

func TestApplyMasksErrors(t *testing.T) {
	params := randomParams(1)
	masks := AllOnesMasks(params)
	assert.NoError(t, ApplyMasks(params, nil))
	assert.NoError(t, ApplyMasks(params, masks))

	other := twoLayerParams(t)
	assert.Error(t, ApplyMasks(other, masks), "unknown variable")
	masks[0].Name = "/classifier/weights"
	assert.Error(t, ApplyMasks(params, masks), "shape mismatch")
}

func TestPermuteMasks(t *testing.T) {
	params := randomParams(5)
	masks, _ := BuildMasks(params, 3)
	original := masks.Clone()
	permuted := PermuteMasks(masks, rand.New(rand.NewPCG(1, 2)))
	require.Len(t, permuted, len(masks))
	changed := false
	for ii := range masks {
		assert.True(t, masks[ii].Values.Equal(original[ii].Values), "input not modified")
		assert.Equal(t, masks[ii].Name, permuted[ii].Name)
		assert.Equal(t, masks[ii].Values.Shape(), permuted[ii].Values.Shape())
		assert.Equal(t, masks[ii].Ones(), permuted[ii].Ones())
		if !masks[ii].Values.Equal(permuted[ii].Values) {
			changed = true
		}
	}
	assert.True(t, changed)

	// Same generator state, same permutation.
	again := PermuteMasks(masks, rand.New(rand.NewPCG(1, 2)))
	for ii := range permuted {
		assert.True(t, permuted[ii].Values.Equal(again[ii].Values))
	}
}
