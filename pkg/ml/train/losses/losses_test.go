// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package losses

import (
	"math"
	"testing"

	"github.com/gomlx/lottery/pkg/core/tensors"
	"github.com/stretchr/testify/assert"
)

func TestCrossEntropy(t *testing.T) {
	// Uniform logits: the loss is log(numClasses).
	logits := tensors.FromShape(2, 4)
	loss, grad := SparseCategoricalCrossEntropyLogits(logits, []int32{0, 3})
	assert.InDelta(t, math.Log(4), loss, 1e-6)
	assert.InDelta(t, (0.25-1)/2, grad.Flat()[0], 1e-6)
	assert.InDelta(t, 0.25/2, grad.Flat()[1], 1e-6)
	assert.InDelta(t, (0.25-1)/2, grad.Flat()[7], 1e-6)

	// Gradient rows sum to zero.
	logits = tensors.FromValues([]float32{1, 2, 3, -1, 0, 5}, 2, 3)
	_, grad = SparseCategoricalCrossEntropyLogits(logits, []int32{2, 0})
	for row := range 2 {
		var sum float64
		for _, v := range grad.Flat()[row*3 : (row+1)*3] {
			sum += float64(v)
		}
		assert.InDelta(t, 0, sum, 1e-6)
	}

	// Large logits don't overflow.
	perExample := PerExampleCrossEntropy(tensors.FromValues([]float32{1000, 0}, 1, 2), []int32{1})
	assert.InDelta(t, 1000, perExample[0], 1e-6)

	assert.Panics(t, func() { PerExampleCrossEntropy(logits, []int32{3, 0}) })
	assert.Panics(t, func() { PerExampleCrossEntropy(logits, []int32{0}) })
}

func TestMeanMatchesPerExample(t *testing.T) {
	logits := tensors.FromValues([]float32{0.1, 0.7, -0.3, 2, 1, 0, -2, 3, 0.5}, 3, 3)
	labels := []int32{1, 0, 2}
	loss, _ := SparseCategoricalCrossEntropyLogits(logits, labels)
	var sum float64
	for _, l := range PerExampleCrossEntropy(logits, labels) {
		sum += l
	}
	assert.InDelta(t, sum/3, loss, 1e-9)
}

func TestCountCorrect(t *testing.T) {
	logits := tensors.FromValues([]float32{0.1, 0.7, -0.3, 2, 1, 0, -2, 3, 0.5, 1, 1, 0}, 4, 3)
	assert.Equal(t, []int{1, 0, 1, 0}, Argmax(logits))
	assert.Equal(t, 3, CountCorrect(logits, []int32{1, 0, 2, 0}))
}
