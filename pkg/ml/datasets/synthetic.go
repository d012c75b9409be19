// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package datasets

import (
	"math/rand/v2"

	"github.com/gomlx/lottery/pkg/core/tensors"
	"github.com/pkg/errors"
)

// SyntheticConfig describes a synthetic image classification dataset: each class has a random
// prototype image, and each example is its class prototype plus Gaussian noise.
type SyntheticConfig struct {
	Name        string
	NumExamples int
	NumClasses  int
	Channels    int
	Size        int // Height and width.

	// Noise is the standard deviation of the noise added to the prototypes (which have
	// standard deviation 1).
	Noise float64

	// RandomLabels assigns labels independently of the images, so nothing can be learned.
	RandomLabels bool

	Seed uint64
}

// NewSynthetic generates a synthetic dataset. The same configuration always generates the same data.
func NewSynthetic(cfg SyntheticConfig) (*InMemoryDataset, error) {
	if cfg.NumExamples <= 0 || cfg.NumClasses <= 0 || cfg.Channels <= 0 || cfg.Size <= 0 {
		return nil, errors.Errorf("invalid synthetic dataset configuration %+v", cfg)
	}
	if cfg.Name == "" {
		cfg.Name = "synthetic"
	}
	rng := rand.New(rand.NewPCG(cfg.Seed, cfg.Seed+1))
	exampleSize := cfg.Channels * cfg.Size * cfg.Size
	prototypes := make([][]float32, cfg.NumClasses)
	for class := range prototypes {
		prototypes[class] = make([]float32, exampleSize)
		for ii := range prototypes[class] {
			prototypes[class][ii] = float32(rng.NormFloat64())
		}
	}

	images := tensors.FromShape(cfg.NumExamples, cfg.Channels, cfg.Size, cfg.Size)
	labels := make([]int32, cfg.NumExamples)
	data := images.Flat()
	for example := range cfg.NumExamples {
		class := example % cfg.NumClasses
		labels[example] = int32(class)
		if cfg.RandomLabels {
			labels[example] = int32(rng.IntN(cfg.NumClasses))
		}
		pixels := data[example*exampleSize : (example+1)*exampleSize]
		for ii := range pixels {
			pixels[ii] = prototypes[class][ii] + float32(cfg.Noise*rng.NormFloat64())
		}
	}
	return InMemoryFromData(cfg.Name, images, labels)
}
