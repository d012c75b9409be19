// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package datasets provides the image classification datasets used by the pruning
// experiments (CIFAR-10, CIFAR-100, SVHN and Fashion-MNIST), a synthetic dataset for tests,
// and the batching of in-memory data.
//
// All datasets yield images shaped [batchSize, 3, 32, 32] (channels first), normalized per
// channel, and int32 labels.
package datasets

import (
	"fmt"
	"io"
	"path/filepath"
	"slices"

	"github.com/gomlx/lottery/pkg/core/tensors"
	"github.com/gomlx/lottery/pkg/support/fsutil"
	"github.com/pkg/errors"
)

// Dataset yields batches of examples.
type Dataset interface {
	// Name identifies the dataset, used for logging.
	Name() string

	// Yield returns the next batch of images, shaped [batchSize, channels, height, width], and
	// their labels. At the end of the epoch it returns io.EOF, until Reset is called.
	Yield() (images *tensors.Tensor, labels []int32, err error)

	// Reset restarts the dataset from its beginning (reshuffling it if so configured).
	Reset()
}

// Names of the supported datasets.
const (
	Cifar10      = "cifar10"
	Cifar100     = "cifar100"
	SVHN         = "svhn"
	FashionMNIST = "fashionmnist"
)

// ValidDatasets lists the datasets accepted by Load.
var ValidDatasets = []string{Cifar10, Cifar100, SVHN, FashionMNIST}

// numClasses per dataset.
var numClasses = map[string]int{
	Cifar10:      10,
	Cifar100:     100,
	SVHN:         10,
	FashionMNIST: 10,
}

// NumClasses returns the number of classes of the named dataset, and false if the name is unknown.
func NumClasses(name string) (int, bool) {
	n, found := numClasses[name]
	return n, found
}

// Load returns the named dataset, downloading it into dataDir if not there yet.
//
// If train is true it returns the training split, shuffled at every epoch with a generator
// seeded with seed; otherwise it returns the test split, in its original order. Partial last
// batches are kept.
func Load(name, dataDir string, batchSize int, train bool, seed uint64) (*InMemoryDataset, error) {
	if !slices.Contains(ValidDatasets, name) {
		return nil, errors.Errorf("unknown dataset %q, valid datasets are %v", name, ValidDatasets)
	}
	if batchSize <= 0 {
		return nil, errors.Errorf("invalid batch size %d", batchSize)
	}
	dataDir, err := fsutil.ReplaceTildeInDir(dataDir)
	if err != nil {
		return nil, err
	}
	var ds *InMemoryDataset
	switch name {
	case Cifar10:
		ds, err = LoadCifar10(dataDir, train)
	case Cifar100:
		ds, err = LoadCifar100(dataDir, train)
	case SVHN:
		ds, err = LoadSVHN(dataDir, train)
	case FashionMNIST:
		ds, err = LoadFashionMNIST(dataDir, train)
	}
	if err != nil {
		return nil, errors.WithMessagef(err, "loading dataset %q from %q", name, filepath.Clean(dataDir))
	}
	ds.BatchSize(batchSize, false)
	if train {
		ds.WithSeed(seed).Shuffle()
	}
	return ds, nil
}

// takeDataset implements a Dataset that only yields `take` batches.
type takeDataset struct {
	ds          Dataset
	count, take int
}

// Take returns a wrapper to `ds`, a Dataset that only yields `n` batches.
func Take(ds Dataset, n int) Dataset {
	return &takeDataset{
		ds:   ds,
		take: n,
	}
}

// Name implements Dataset. It returns the dataset name.
func (ds *takeDataset) Name() string {
	return fmt.Sprintf("%s [Take %d]", ds.ds.Name(), ds.take)
}

// Reset implements Dataset.
func (ds *takeDataset) Reset() {
	ds.ds.Reset()
	ds.count = 0
}

// Yield implements Dataset.
func (ds *takeDataset) Yield() (images *tensors.Tensor, labels []int32, err error) {
	if ds.count >= ds.take {
		err = io.EOF
		return
	}
	ds.count++
	return ds.ds.Yield()
}
