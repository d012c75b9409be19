// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package pruning

import (
	"io"
	"math"
	"testing"

	"github.com/gomlx/lottery/pkg/ml/checkpoints"
	"github.com/gomlx/lottery/pkg/ml/datasets"
	"github.com/gomlx/lottery/pkg/ml/models"
	"github.com/gomlx/lottery/pkg/ml/train/losses"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvaluate(t *testing.T) {
	net := buildTestMLP(t, testNumClasses, 7)
	ds := syntheticDataset(t, 50, 16, 7)
	before := checkpoints.FromParams(net.Params())

	result, err := Evaluate(net, ds)
	require.NoError(t, err)
	assert.Equal(t, 50, result.NumExamples)
	assert.GreaterOrEqual(t, result.Accuracy, 0.0)
	assert.LessOrEqual(t, result.Accuracy, 100.0)
	assert.Greater(t, result.Loss, 0.0)
	assert.InDelta(t, math.Round(result.Accuracy*1000), result.Accuracy*1000, 1e-6)
	assert.InDelta(t, math.Round(result.Loss*10000), result.Loss*10000, 1e-6)

	// The loss is the mean over examples, independent of the batching.
	var total float64
	ds.Reset()
	for {
		images, labels, err := ds.Yield()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		for _, loss := range losses.PerExampleCrossEntropy(net.Forward(images, false), labels) {
			total += loss
		}
	}
	assert.InDelta(t, total/50, result.Loss, 1e-4)
	again, err := Evaluate(net, ds.BatchSize(7, false))
	require.NoError(t, err)
	assert.InDelta(t, result.Loss, again.Loss, 1.1e-4)
	assert.Equal(t, result.Accuracy, again.Accuracy)

	for v := range net.Params().All() {
		assert.True(t, v.Value.Equal(before.Variables[v.ScopeAndName()]), v.ScopeAndName())
	}

	_, err = Evaluate(net, datasets.Take(ds, 0))
	assert.Error(t, err)
}

func TestEvaluateChanceLevel(t *testing.T) {
	net := buildTestMLP(t, testNumClasses, 8)
	ds, err := datasets.NewSynthetic(datasets.SyntheticConfig{
		NumExamples:  1000,
		NumClasses:   testNumClasses,
		Channels:     1,
		Size:         testImageSize,
		Noise:        0.1,
		RandomLabels: true,
		Seed:         8,
	})
	require.NoError(t, err)
	result, err := Evaluate(net, ds.BatchSize(100, false))
	require.NoError(t, err)
	assert.InDelta(t, 10.0, result.Accuracy, 4.0)
}

func TestEvaluateBatchNormUnchanged(t *testing.T) {
	net, err := models.Build(models.VGG19, testNumClasses, models.Width(1.0/16), models.Seed(9))
	require.NoError(t, err)
	ds, err := datasets.NewSynthetic(datasets.SyntheticConfig{
		NumExamples: 4,
		NumClasses:  testNumClasses,
		Channels:    3,
		Size:        models.ImageSize,
		Noise:       0.5,
		Seed:        9,
	})
	require.NoError(t, err)
	before := checkpoints.FromParams(net.Params())
	result, err := Evaluate(net, ds.BatchSize(2, false))
	require.NoError(t, err)
	assert.Equal(t, 4, result.NumExamples)
	for v := range net.Params().All() {
		assert.True(t, v.Value.Equal(before.Variables[v.ScopeAndName()]), v.ScopeAndName())
	}
}
