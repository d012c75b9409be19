// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"math"
	"testing"

	"github.com/gomlx/lottery/pkg/core/tensors"
	"github.com/gomlx/lottery/pkg/ml/checkpoints"
	"github.com/gomlx/lottery/pkg/ml/initializer"
	"github.com/gomlx/lottery/pkg/ml/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComputeStats(t *testing.T) {
	stats := ComputeStats("/conv_000/weights", tensors.FromValues([]float32{0, -3, 0, 4}, 2, 2))
	assert.True(t, stats.Prunable)
	assert.Equal(t, 4, stats.Size)
	assert.Equal(t, 2, stats.NonZero)
	assert.InDelta(t, 0.5, stats.Density(), 1e-12)
	assert.InDelta(t, 1.75, stats.MAV, 1e-12)
	assert.InDelta(t, 2.5, stats.RMS, 1e-12)
	assert.Equal(t, 4.0, stats.MaxAV)
	assert.False(t, stats.HasNaN)

	stats = ComputeStats("/bn_000/scale", tensors.FromValues([]float32{1, float32(math.NaN())}, 2))
	assert.False(t, stats.Prunable)
	assert.True(t, stats.HasNaN)
	assert.Equal(t, 1, stats.NonZero)
}

func TestCheckpointStats(t *testing.T) {
	params := model.NewParams(0)
	w := params.In("dense_000").Variable(model.WeightsName, initializer.One, 2, 5)
	params.In("dense_000").Variable(model.BiasesName, initializer.One, 5)
	params.In("classifier").Variable(model.WeightsName, initializer.One, 5, 2)
	copy(w.Value.Flat(), []float32{0, 0, 0, 0, 1, 1, 1, 1, 1, 1})
	ckpt := checkpoints.FromParams(params)

	stats := CheckpointStats(ckpt)
	require.Len(t, stats, 3)
	assert.Equal(t, "/dense_000/weights", stats[0].Name)
	assert.Equal(t, "/dense_000/biases", stats[1].Name)
	nonZero, total := PrunableDensity(stats)
	assert.Equal(t, 6+10, nonZero)
	assert.Equal(t, 20, total)
}
