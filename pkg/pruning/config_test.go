// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package pruning

import (
	"testing"

	"github.com/gomlx/lottery/pkg/ml/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validSettings() Settings {
	return Settings{
		Architecture:  models.VGG19,
		Optimizer:     "sgd",
		SourceDataset: "cifar10",
		TargetDataset: "cifar10",
		BatchSize:     64,
		ModelsPath:    "/tmp/models",
		InitPath:      "/tmp/init.ckpt",
	}
}

func TestParse(t *testing.T) {
	arch, err := ParseArchitecture("resnet50")
	require.NoError(t, err)
	assert.Equal(t, ResNet50, arch)
	assert.Equal(t, 90, arch.Epochs())
	assert.Equal(t, []int{50, 65, 80}, arch.AnnealEpochs())
	assert.Equal(t, 160, VGG19.Epochs())
	assert.Equal(t, []int{80, 120}, VGG19.AnnealEpochs())

	_, err = ParseArchitecture("alexnet")
	var configErr *ConfigError
	require.ErrorAs(t, err, &configErr)
	assert.Equal(t, "architecture", configErr.Field)
	assert.Equal(t, "alexnet", configErr.Value)
	assert.Contains(t, err.Error(), "alexnet")

	opt, err := ParseOptimizer("adam")
	require.NoError(t, err)
	assert.Equal(t, Adam, opt)
	_, err = ParseOptimizer("rmsprop")
	require.ErrorAs(t, err, &configErr)
	assert.Equal(t, "optimizer", configErr.Field)

	n, err := DatasetClasses("cifar100")
	require.NoError(t, err)
	assert.Equal(t, 100, n)
	_, err = DatasetClasses("imagenet")
	require.ErrorAs(t, err, &configErr)
}

func TestOptimizerTypeNew(t *testing.T) {
	sgd := SGD.New()
	assert.Equal(t, "sgd", sgd.Name())
	assert.InDelta(t, 0.1, sgd.LearningRate(), 1e-12)
	adam := Adam.New()
	assert.Equal(t, "adam", adam.Name())
	assert.InDelta(t, 3e-4, adam.LearningRate(), 1e-12)

	// Each call returns a fresh optimizer.
	sgd.SetLearningRate(0.01)
	assert.InDelta(t, 0.1, SGD.New().LearningRate(), 1e-12)
	assert.Panics(t, func() { OptimizerType(7).New() })
}

func TestResolveConfig(t *testing.T) {
	cfg, err := ResolveConfig(validSettings())
	require.NoError(t, err)
	assert.Equal(t, VGG19, cfg.Architecture)
	assert.Equal(t, SGD, cfg.Optimizer)
	assert.Equal(t, 10, cfg.NumClasses)
	assert.True(t, cfg.EqualClasses)
	assert.Equal(t, 160, cfg.Epochs)
	assert.Equal(t, []int{80, 120}, cfg.AnnealEpochs)
	assert.Equal(t, 0, cfg.StartRound)
	assert.Equal(t, MaxRound, cfg.LastRound)

	// Transfer to a dataset with a different number of classes.
	s := validSettings()
	s.TargetDataset = "cifar100"
	cfg, err = ResolveConfig(s)
	require.NoError(t, err)
	assert.Equal(t, 100, cfg.NumClasses)
	assert.False(t, cfg.EqualClasses)

	// SVHN and CIFAR-10 have the same number of classes.
	s.TargetDataset = "svhn"
	cfg, err = ResolveConfig(s)
	require.NoError(t, err)
	assert.True(t, cfg.EqualClasses)

	// Overriding the epochs drops the anneal epochs past the end.
	s = validSettings()
	s.Architecture = "resnet50"
	s.Epochs = 60
	s.StartRound, s.LastRound = 2, 5
	cfg, err = ResolveConfig(s)
	require.NoError(t, err)
	assert.Equal(t, 60, cfg.Epochs)
	assert.Equal(t, []int{50}, cfg.AnnealEpochs)
	assert.Equal(t, 2, cfg.StartRound)
	assert.Equal(t, 5, cfg.LastRound)

	// Random tickets don't need an initialization.
	s = validSettings()
	s.Random, s.InitPath = true, ""
	cfg, err = ResolveConfig(s)
	require.NoError(t, err)
	assert.True(t, cfg.Random)
}

func TestResolveConfigErrors(t *testing.T) {
	testCases := []struct {
		name   string
		modify func(s *Settings)
		field  string
	}{
		{"architecture", func(s *Settings) { s.Architecture = "lenet" }, "architecture"},
		{"optimizer", func(s *Settings) { s.Optimizer = "" }, "optimizer"},
		{"source", func(s *Settings) { s.SourceDataset = "mnist" }, "source dataset"},
		{"target", func(s *Settings) { s.TargetDataset = "mnist" }, "target dataset"},
		{"batch size", func(s *Settings) { s.BatchSize = 0 }, "batch size"},
		{"epochs", func(s *Settings) { s.Epochs = -1 }, "epochs"},
		{"last round", func(s *Settings) { s.LastRound = MaxRound + 1 }, "last round"},
		{"start round negative", func(s *Settings) { s.StartRound = -1 }, "start round"},
		{"start after last", func(s *Settings) { s.StartRound, s.LastRound = 4, 3 }, "start round"},
		{"models path", func(s *Settings) { s.ModelsPath = "" }, "models path"},
		{"init path", func(s *Settings) { s.InitPath = "" }, "init path"},
		{"save init without path", func(s *Settings) { s.Random, s.InitPath, s.SaveInit = true, "", true }, "init path"},
		{"save init late", func(s *Settings) { s.SaveInit, s.StartRound = true, 1 }, "start round"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			s := validSettings()
			tc.modify(&s)
			_, err := ResolveConfig(s)
			var configErr *ConfigError
			require.ErrorAs(t, err, &configErr)
			assert.Equal(t, tc.field, configErr.Field)
		})
	}
}
