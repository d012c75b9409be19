// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package models

import (
	"testing"

	"github.com/gomlx/lottery/pkg/core/device"
	"github.com/gomlx/lottery/pkg/core/tensors"
	"github.com/gomlx/lottery/pkg/ml/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func countInScope(params *model.Params, scope string) int {
	count := 0
	for v := range params.All() {
		if v.InScope(scope) {
			count++
		}
	}
	return count
}

func TestBuild(t *testing.T) {
	dev := device.MustNew("cpu:2")
	testCases := []struct {
		name        string
		numPrunable int
	}{
		{MLP, 3},
		{VGG19, 16 + 1},
		// Stem, 3 convolutions per block, 4 projection shortcuts and the classifier.
		{ResNet50, 1 + 16*3 + 4 + 1},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			net, err := Build(tc.name, 10, Width(1.0/16), Seed(1), Device(dev))
			require.NoError(t, err)
			params := net.Params()
			assert.Len(t, params.Prunable(), tc.numPrunable)
			assert.Equal(t, 2, countInScope(params, model.ClassifierScope), "classifier weights and biases")
			classifierWeights, found := params.Get(model.ClassifierScope + "/" + model.WeightsName)
			require.True(t, found)
			assert.Equal(t, 10, classifierWeights.Value.Dim(1))

			x := tensors.FromShape(2, 3, ImageSize, ImageSize)
			x.Fill(0.5)
			logits := net.Forward(x, false)
			assert.Equal(t, []int{2, 10}, logits.Shape())
			t.Log(Describe(tc.name, net))
		})
	}
}

func TestBuildIsDeterministic(t *testing.T) {
	net1, err := Build(VGG19, 100, Width(1.0/16), Seed(7))
	require.NoError(t, err)
	net2, err := Build(VGG19, 100, Width(1.0/16), Seed(7))
	require.NoError(t, err)
	values2 := net2.Params().Values()
	for v := range net1.Params().All() {
		assert.True(t, v.Value.Equal(values2[v.ScopeAndName()]), "variable %s differs", v.ScopeAndName())
	}

	// Only the classifier depends on the number of classes.
	net3, err := Build(VGG19, 10, Width(1.0/16), Seed(7))
	require.NoError(t, err)
	for v := range net3.Params().All() {
		if !v.InScope(model.ClassifierScope) {
			assert.True(t, v.Value.Equal(values2[v.ScopeAndName()]), "variable %s differs", v.ScopeAndName())
		}
	}
}

func TestBuildErrors(t *testing.T) {
	_, err := Build("alexnet", 10)
	assert.Error(t, err)
	_, err = Build(MLP, 0)
	assert.Error(t, err)
	_, err = Build(MLP, 10, Width(0))
	assert.Error(t, err)
	assert.True(t, IsValid(ResNet50))
	assert.False(t, IsValid("alexnet"))
}

func TestMLPTraining(t *testing.T) {
	net, err := Build(MLP, 4, Width(1.0/30), InputChannels(1), InputSize(4))
	require.NoError(t, err)
	x := tensors.FromShape(3, 1, 4, 4)
	x.Fill(1)
	logits := net.Forward(x, true)
	assert.Equal(t, []int{3, 4}, logits.Shape())
	net.Params().ZeroGrads()
	gradX := net.Backward(logits)
	assert.Equal(t, x.Shape(), gradX.Shape())
}
