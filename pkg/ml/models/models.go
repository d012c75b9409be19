// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package models builds the classifiers used by the pruning experiments: VGG19 and ResNet50
// in their CIFAR variants (32x32 inputs), and a small MLP used for testing.
//
// Every model places its final classification layer under the scope "classifier"
// (model.ClassifierScope), so it can be excluded from rewinding when the number of classes
// of the initialization differs from the one being trained.
package models

import (
	"fmt"
	"math"
	"slices"

	"github.com/gomlx/lottery/pkg/core/device"
	"github.com/gomlx/lottery/pkg/ml/initializer"
	"github.com/gomlx/lottery/pkg/ml/layers"
	"github.com/gomlx/lottery/pkg/ml/model"
	"github.com/pkg/errors"
)

// Names of the supported models.
const (
	VGG19    = "vgg19"
	ResNet50 = "resnet50"
	MLP      = "mlp"
)

// ValidModels lists the names accepted by Build.
var ValidModels = []string{VGG19, ResNet50, MLP}

// ImageSize is the spatial size (height and width) of the images the models expect.
const ImageSize = 32

type config struct {
	width         float64
	seed          uint64
	dev           *device.Device
	inputChannels int
	imageSize     int
}

// Option configures Build.
type Option func(*config)

// Width multiplies the number of channels (or hidden units) of every layer, except the input
// and the number of classes. Use small values for fast tests. Default is 1.
func Width(multiplier float64) Option {
	return func(c *config) { c.width = multiplier }
}

// Seed for the initialization of the variables. Default is 0.
func Seed(seed uint64) Option {
	return func(c *config) { c.seed = seed }
}

// Device used by the layers. Default is device.Default().
func Device(dev *device.Device) Option {
	return func(c *config) { c.dev = dev }
}

// InputChannels sets the number of channels of the input images. Default is 3.
func InputChannels(channels int) Option {
	return func(c *config) { c.inputChannels = channels }
}

// InputSize sets the height and width of the input images. Only the MLP uses it: the
// convolutional models pool down to a global average. Default is ImageSize.
func InputSize(size int) Option {
	return func(c *config) { c.imageSize = size }
}

// scaled applies the width multiplier to a number of channels, keeping at least 1.
func (c *config) scaled(channels int) int {
	return max(1, int(math.Round(float64(channels)*c.width)))
}

// Build creates the model with the given name for numClasses classes.
func Build(name string, numClasses int, opts ...Option) (*model.Sequential, error) {
	cfg := &config{width: 1, inputChannels: 3, imageSize: ImageSize}
	for _, opt := range opts {
		opt(cfg)
	}
	if numClasses <= 0 {
		return nil, errors.Errorf("invalid number of classes %d for model %q", numClasses, name)
	}
	if cfg.width <= 0 {
		return nil, errors.Errorf("invalid width multiplier %g for model %q", cfg.width, name)
	}
	if cfg.dev == nil {
		cfg.dev = device.Default()
	}
	params := model.NewParams(cfg.seed)
	switch name {
	case VGG19:
		return buildVGG19(cfg, params, numClasses), nil
	case ResNet50:
		return buildResNet50(cfg, params, numClasses), nil
	case MLP:
		return buildMLP(cfg, params, numClasses), nil
	default:
		return nil, errors.Errorf("unknown model %q, valid models are %v", name, ValidModels)
	}
}

// classifier creates the final dense layer under model.ClassifierScope.
func classifier(cfg *config, params *model.Params, inputDim, numClasses int) model.Layer {
	return layers.NewDense(params.Root().In(classifierScopeName), cfg.dev, inputDim, numClasses).
		Initializers(initializer.LinearDefault(), initializer.LinearDefault()).
		Done()
}

var classifierScopeName = model.ClassifierScope[1:]

// vgg19Config lists the output channels of each 3x3 convolution, and 0 for a 2x2 max-pooling.
var vgg19Config = []int{64, 64, 0, 128, 128, 0, 256, 256, 256, 256, 0, 512, 512, 512, 512, 0, 512, 512, 512, 512, 0}

// buildVGG19: 16 convolutions with batch normalization, 5 max-poolings down to 1x1 and a
// dense classifier.
func buildVGG19(cfg *config, params *model.Params, numClasses int) *model.Sequential {
	net := model.NewSequential(params)
	channels := cfg.inputChannels
	convIdx := 0
	for _, outChannels := range vgg19Config {
		if outChannels == 0 {
			net.Append(layers.NewMaxPool2D(cfg.dev, 2))
			continue
		}
		outChannels = cfg.scaled(outChannels)
		net.Append(
			layers.Convolution(params.Root().Inf("conv_%03d", convIdx), cfg.dev, channels, outChannels, 3).
				UseBias(true).Done(),
			layers.NewBatchNorm(params.Root().Inf("bn_%03d", convIdx), cfg.dev, outChannels),
			layers.NewRelu(),
		)
		channels = outChannels
		convIdx++
	}
	// Global average pooling makes the model work on inputs other than 32x32 as well; for
	// 32x32 inputs the feature map is already 1x1.
	net.Append(layers.NewGlobalAvgPool(), classifier(cfg, params, channels, numClasses))
	return net
}

// resnet50Stages lists, for each stage, the number of bottleneck blocks, the inner channels
// ("planes") and the stride of the first block.
var resnet50Stages = []struct{ blocks, planes, stride int }{
	{3, 64, 1},
	{4, 128, 2},
	{6, 256, 2},
	{3, 512, 2},
}

// buildResNet50: 3x3 stem (CIFAR variant, no initial max-pooling), 16 bottleneck blocks
// (3-4-6-3), global average pooling and a dense classifier.
func buildResNet50(cfg *config, params *model.Params, numClasses int) *model.Sequential {
	channels := cfg.scaled(64)
	net := model.NewSequential(params,
		layers.Convolution(params.Root().In("stem_conv"), cfg.dev, cfg.inputChannels, channels, 3).Done(),
		layers.NewBatchNorm(params.Root().In("stem_bn"), cfg.dev, channels),
		layers.NewRelu(),
	)
	blockIdx := 0
	for _, stage := range resnet50Stages {
		planes := cfg.scaled(stage.planes)
		for ii := range stage.blocks {
			stride := 1
			if ii == 0 {
				stride = stage.stride
			}
			net.Append(layers.NewBottleneck(params.Root().Inf("block_%03d", blockIdx), cfg.dev, channels, planes, stride))
			channels = planes * layers.BottleneckExpansion
			blockIdx++
		}
	}
	net.Append(layers.NewGlobalAvgPool(), classifier(cfg, params, channels, numClasses))
	return net
}

// mlpHiddenUnits of the hidden layers of the MLP, before applying the width multiplier.
var mlpHiddenUnits = []int{300, 100}

// buildMLP: the LeNet-300-100 fully connected network, on flattened images.
func buildMLP(cfg *config, params *model.Params, numClasses int) *model.Sequential {
	net := model.NewSequential(params, layers.NewFlatten())
	inputDim := cfg.inputChannels * cfg.imageSize * cfg.imageSize
	for ii, units := range mlpHiddenUnits {
		units = cfg.scaled(units)
		net.Append(
			layers.NewDense(params.Root().Inf("dense_%03d", ii), cfg.dev, inputDim, units).Done(),
			layers.NewRelu(),
		)
		inputDim = units
	}
	net.Append(classifier(cfg, params, inputDim, numClasses))
	return net
}

// Describe returns a one-line summary of the model: name, number of variables, prunable
// tensors and parameters.
func Describe(name string, net model.Network) string {
	params := net.Params()
	numPrunable := 0
	for _, v := range params.Prunable() {
		numPrunable += v.Value.Size()
	}
	return fmt.Sprintf("%s: %d variables, %d prunable tensors, %d parameters (%d prunable)",
		name, params.Len(), len(params.Prunable()), params.NumElements(), numPrunable)
}

// IsValid returns whether name is a model known to Build.
func IsValid(name string) bool {
	return slices.Contains(ValidModels, name)
}
