// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package layers

import (
	"github.com/gomlx/lottery/pkg/core/device"
	"github.com/gomlx/lottery/pkg/core/tensors"
	"github.com/gomlx/lottery/pkg/ml/model"
)

// BottleneckExpansion is the ratio between the output channels of a Bottleneck block and its
// inner ("planes") channels.
const BottleneckExpansion = 4

// Bottleneck is the ResNet residual block 1x1 -> 3x3 -> 1x1 convolutions, each followed by
// batch normalization, added to a shortcut and passed through a Relu.
//
// The shortcut is the identity, unless the block changes the spatial dimensions or the number
// of channels, in which case it is a strided 1x1 convolution followed by batch normalization.
type Bottleneck struct {
	main     *model.Sequential
	shortcut *model.Sequential // nil for identity.
	relu     *Relu
}

var _ model.Layer = (*Bottleneck)(nil)

// NewBottleneck creates a bottleneck block under scope, taking inputChannels and returning
// planes*BottleneckExpansion channels. The stride is applied in the 3x3 convolution.
func NewBottleneck(scope *model.Scope, dev *device.Device, inputChannels, planes, stride int) *Bottleneck {
	outChannels := planes * BottleneckExpansion
	block := &Bottleneck{
		main: model.NewSequential(scope.Params(),
			Convolution(scope.In("conv_1"), dev, inputChannels, planes, 1).Done(),
			NewBatchNorm(scope.In("bn_1"), dev, planes),
			NewRelu(),
			Convolution(scope.In("conv_2"), dev, planes, planes, 3).Strides(stride).Done(),
			NewBatchNorm(scope.In("bn_2"), dev, planes),
			NewRelu(),
			Convolution(scope.In("conv_3"), dev, planes, outChannels, 1).Done(),
			NewBatchNorm(scope.In("bn_3"), dev, outChannels),
		),
		relu: NewRelu(),
	}
	if stride != 1 || inputChannels != outChannels {
		block.shortcut = model.NewSequential(scope.Params(),
			Convolution(scope.In("shortcut_conv"), dev, inputChannels, outChannels, 1).Strides(stride).NoPadding().Done(),
			NewBatchNorm(scope.In("shortcut_bn"), dev, outChannels),
		)
	}
	return block
}

// Forward implements model.Layer.
func (b *Bottleneck) Forward(x *tensors.Tensor, training bool) *tensors.Tensor {
	sum := b.main.Forward(x, training)
	shortcut := x
	if b.shortcut != nil {
		shortcut = b.shortcut.Forward(x, training)
	}
	sum.AssertDims(shortcut.Shape()...)
	addInto(sum.Flat(), shortcut.Flat())
	return b.relu.Forward(sum, training)
}

// Backward implements model.Layer.
func (b *Bottleneck) Backward(gradOutput *tensors.Tensor) *tensors.Tensor {
	grad := b.relu.Backward(gradOutput)
	gradX := b.main.Backward(grad)
	gradShortcut := grad
	if b.shortcut != nil {
		gradShortcut = b.shortcut.Backward(grad)
	}
	addInto(gradX.Flat(), gradShortcut.Flat())
	return gradX
}
