// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package pruning

import (
	"context"
	"math"
	"testing"

	"github.com/gomlx/lottery/pkg/ml/checkpoints"
	"github.com/gomlx/lottery/pkg/ml/datasets"
	"github.com/gomlx/lottery/pkg/ml/model"
	"github.com/gomlx/lottery/pkg/ml/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testImageSize  = 4
	testNumClasses = 10
)

// buildTestMLP builds a small MLP for 1x4x4 images.
func buildTestMLP(t *testing.T, numClasses int, seed uint64) *model.Sequential {
	net, err := models.Build(models.MLP, numClasses,
		models.Width(0.1), models.InputChannels(1), models.InputSize(testImageSize), models.Seed(seed))
	require.NoError(t, err)
	return net
}

// syntheticDataset of 1x4x4 images, yielding batches of batchSize.
func syntheticDataset(t *testing.T, numExamples, batchSize int, seed uint64) *datasets.InMemoryDataset {
	ds, err := datasets.NewSynthetic(datasets.SyntheticConfig{
		NumExamples: numExamples,
		NumClasses:  testNumClasses,
		Channels:    1,
		Size:        testImageSize,
		Noise:       0.1,
		Seed:        seed,
	})
	require.NoError(t, err)
	return ds.BatchSize(batchSize, false)
}

// requireMasked checks that params are zero wherever masks are zero.
func requireMasked(t *testing.T, params *model.Params, masks Masks) {
	for _, m := range masks {
		v, found := params.Get(m.Name)
		require.True(t, found, m.Name)
		values := v.Value.Flat()
		for ii, keep := range m.Values.Flat() {
			if keep == 0 {
				require.Equal(t, float32(0), values[ii], "%s[%d]", m.Name, ii)
			}
		}
	}
}

func TestTrainerRunEpoch(t *testing.T) {
	for _, optType := range OptimizerTypes {
		t.Run(optType.String(), func(t *testing.T) {
			net := buildTestMLP(t, testNumClasses, 1)
			ds := syntheticDataset(t, 64, 16, 1)
			masks, stats := BuildMasks(net.Params(), 3)
			require.Greater(t, stats.Zeros, 0)
			handler, err := checkpoints.New(t.TempDir())
			require.NoError(t, err)

			opt := optType.New()
			initialLR := opt.LearningRate()
			var steps []StepInfo
			trainer := &Trainer{
				Network:      net,
				Optimizer:    opt,
				Masks:        masks,
				Checkpoints:  handler,
				RunID:        "test",
				Round:        3,
				Epochs:       2,
				AnnealEpochs: []int{2},
				OnStep: func(step StepInfo) error {
					steps = append(steps, step)
					return nil
				},
			}

			result, err := trainer.RunEpoch(context.Background(), ds, 1)
			require.NoError(t, err)
			assert.Equal(t, 3, result.Round)
			assert.Equal(t, 1, result.Epoch)
			assert.Equal(t, 4, result.NumBatches)
			assert.Equal(t, 64, result.NumExamples)
			assert.InDelta(t, initialLR, result.LearningRate, 1e-12)
			assert.Greater(t, result.Loss, 0.0)
			assert.False(t, math.IsNaN(result.Loss))
			require.Len(t, steps, 4)
			for ii, step := range steps {
				assert.Equal(t, ii, step.Batch)
				assert.Equal(t, 16, step.BatchSize)
				assert.Equal(t, 1, step.Epoch)
			}
			requireMasked(t, net.Params(), masks)
			assert.False(t, handler.Exists(3, 1), "only the final epoch is saved")

			result, err = trainer.RunEpoch(context.Background(), ds, 2)
			require.NoError(t, err)
			assert.InDelta(t, initialLR/AnnealFactor, result.LearningRate, 1e-12)
			assert.InDelta(t, initialLR/AnnealFactor, opt.LearningRate(), 1e-12)
			assert.Len(t, steps, 8)
			requireMasked(t, net.Params(), masks)

			require.True(t, handler.Exists(3, 2))
			ckpt, err := handler.Load(3, 2)
			require.NoError(t, err)
			assert.Equal(t, "test", ckpt.RunID)
			require.NotNil(t, ckpt.Optimizer)
			assert.Equal(t, optType.String(), ckpt.Optimizer.Name)
			for v := range net.Params().All() {
				assert.True(t, v.Value.Equal(ckpt.Variables[v.ScopeAndName()]), v.ScopeAndName())
			}
		})
	}
}

func TestTrainerLearns(t *testing.T) {
	net := buildTestMLP(t, testNumClasses, 2)
	ds := syntheticDataset(t, 200, 20, 2)
	trainer := &Trainer{Network: net, Optimizer: SGD.New(), Epochs: 10}
	first, err := trainer.RunEpoch(context.Background(), ds, 1)
	require.NoError(t, err)
	var last EpochResult
	for epoch := 2; epoch <= 10; epoch++ {
		last, err = trainer.RunEpoch(context.Background(), ds, epoch)
		require.NoError(t, err)
	}
	assert.Less(t, last.Loss, first.Loss)
}

func TestTrainerErrors(t *testing.T) {
	net := buildTestMLP(t, testNumClasses, 3)
	ds := syntheticDataset(t, 32, 8, 3)
	trainer := &Trainer{Network: net, Optimizer: SGD.New(), Epochs: 2}

	_, err := trainer.RunEpoch(context.Background(), ds, 0)
	assert.Error(t, err)
	_, err = trainer.RunEpoch(context.Background(), ds, 3)
	assert.Error(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = trainer.RunEpoch(ctx, ds, 1)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)

	_, err = trainer.RunEpoch(context.Background(), datasets.Take(ds, 0), 1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no training examples")

	// Hook errors interrupt the epoch.
	trainer.OnStep = func(step StepInfo) error {
		if step.Batch == 1 {
			return assert.AnError
		}
		return nil
	}
	_, err = trainer.RunEpoch(context.Background(), ds, 1)
	assert.ErrorIs(t, err, assert.AnError)

	// Masks that don't match the network.
	trainer.OnStep = nil
	trainer.Masks = AllOnesMasks(randomParams(0))
	_, err = trainer.RunEpoch(context.Background(), ds, 1)
	assert.Error(t, err)
}
