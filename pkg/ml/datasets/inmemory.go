// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package datasets

import (
	"io"
	"math"
	"math/rand/v2"
	"slices"

	"github.com/gomlx/lottery/pkg/core/tensors"
	"github.com/pkg/errors"
)

// InMemoryDataset holds all examples in memory and yields them in batches, optionally
// shuffled at every epoch.
//
// It is not safe for concurrent use.
type InMemoryDataset struct {
	name        string
	exampleDims []int
	exampleSize int
	numExamples int
	images      []float32
	labels      []int32

	batchSize           int
	dropIncompleteBatch bool
	takeN               int

	rng     *rand.Rand
	shuffle []int // nil if not shuffling.
	next    int
}

var _ Dataset = (*InMemoryDataset)(nil)

// InMemoryFromData creates a dataset from images, shaped [numExamples, <example dims...>],
// and one label per example. The data is used directly, not copied.
//
// It yields one example at a time until BatchSize is configured.
func InMemoryFromData(name string, images *tensors.Tensor, labels []int32) (*InMemoryDataset, error) {
	if images.Rank() < 2 {
		return nil, errors.Errorf("dataset %q: images must be shaped [numExamples, ...], got %s", name, images.ShapeString())
	}
	numExamples := images.Dim(0)
	if len(labels) != numExamples {
		return nil, errors.Errorf("dataset %q: %d labels for %d examples", name, len(labels), numExamples)
	}
	exampleDims := slices.Clone(images.Shape()[1:])
	return &InMemoryDataset{
		name:        name,
		exampleDims: exampleDims,
		exampleSize: tensors.Size(exampleDims),
		numExamples: numExamples,
		images:      images.Flat(),
		labels:      labels,
		batchSize:   1,
		rng:         rand.New(rand.NewPCG(0, 0)),
	}, nil
}

// Name implements Dataset.
func (mds *InMemoryDataset) Name() string { return mds.name }

// SetName changes the name of the dataset.
func (mds *InMemoryDataset) SetName(name string) *InMemoryDataset {
	mds.name = name
	return mds
}

// NumExamples returns the number of examples.
func (mds *InMemoryDataset) NumExamples() int { return mds.numExamples }

// ExampleDims returns the dimensions of one example, e.g. [3, 32, 32].
func (mds *InMemoryDataset) ExampleDims() []int { return mds.exampleDims }

// Labels returns the labels of all examples, in storage order.
func (mds *InMemoryDataset) Labels() []int32 { return mds.labels }

// Memory returns the approximate memory used by the examples, in bytes.
func (mds *InMemoryDataset) Memory() int64 {
	return int64(len(mds.images))*4 + int64(len(mds.labels))*4
}

// Copy returns a dataset sharing the same (read-only) data, with its own batching state.
func (mds *InMemoryDataset) Copy() *InMemoryDataset {
	c := *mds
	c.shuffle = slices.Clone(mds.shuffle)
	c.rng = rand.New(rand.NewPCG(mds.rng.Uint64(), mds.rng.Uint64()))
	c.next = 0
	return &c
}

// BatchSize configures the InMemoryDataset to return batches of the given size. If dropIncompleteBatch is true,
// it will simply drop examples if there are not enough to fill a batch -- this can only happen on the last
// batch of an epoch. Otherwise, it will return a partially filled batch.
//
// It returns the modified InMemoryDataset, so calls can be cascaded if one wants.
func (mds *InMemoryDataset) BatchSize(n int, dropIncompleteBatch bool) *InMemoryDataset {
	mds.batchSize = max(1, n)
	mds.dropIncompleteBatch = dropIncompleteBatch
	return mds
}

// WithSeed sets the seed of the random number generator used for shuffling. If the dataset is
// configured with Shuffle, this re-shuffles the dataset immediately.
func (mds *InMemoryDataset) WithSeed(seed uint64) *InMemoryDataset {
	mds.rng = rand.New(rand.NewPCG(seed, seed^0x5851f42d4c957f2d))
	if mds.shuffle != nil {
		mds.shuffleOrder()
	}
	return mds
}

// Shuffle the dataset yield order. At each call to Reset it is reshuffled.
//
// It returns the modified InMemoryDataset, so calls can be cascaded if one wants.
func (mds *InMemoryDataset) Shuffle() *InMemoryDataset {
	mds.shuffleOrder()
	return mds
}

func (mds *InMemoryDataset) shuffleOrder() {
	if mds.shuffle == nil {
		mds.shuffle = make([]int, mds.numExamples)
	}
	for ii := range mds.shuffle {
		mds.shuffle[ii] = ii
	}
	mds.rng.Shuffle(len(mds.shuffle), func(i, j int) {
		mds.shuffle[i], mds.shuffle[j] = mds.shuffle[j], mds.shuffle[i]
	})
}

// TakeN configures dataset to only take N examples per epoch before returning io.EOF.
// If set to 0 or -1, it takes as many as there is data.
func (mds *InMemoryDataset) TakeN(n int) *InMemoryDataset {
	mds.takeN = n
	return mds
}

// Reset implements Dataset.
func (mds *InMemoryDataset) Reset() {
	mds.next = 0
	if mds.shuffle != nil {
		mds.shuffleOrder()
	}
}

// epochSize is the number of examples yielded per epoch.
func (mds *InMemoryDataset) epochSize() int {
	if mds.takeN > 0 {
		return min(mds.takeN, mds.numExamples)
	}
	return mds.numExamples
}

// Yield implements Dataset.
func (mds *InMemoryDataset) Yield() (images *tensors.Tensor, labels []int32, err error) {
	remaining := mds.epochSize() - mds.next
	n := min(mds.batchSize, remaining)
	if n <= 0 || (mds.dropIncompleteBatch && n < mds.batchSize) {
		return nil, nil, io.EOF
	}
	images = tensors.FromShape(append([]int{n}, mds.exampleDims...)...)
	labels = make([]int32, n)
	data := images.Flat()
	for ii := range n {
		idx := mds.next + ii
		if mds.shuffle != nil {
			idx = mds.shuffle[idx]
		}
		copy(data[ii*mds.exampleSize:(ii+1)*mds.exampleSize], mds.images[idx*mds.exampleSize:(idx+1)*mds.exampleSize])
		labels[ii] = mds.labels[idx]
	}
	mds.next += n
	return images, labels, nil
}

// Normalize subtracts mean and divides by stddev, per channel (axis 0 of the examples), in place.
func (mds *InMemoryDataset) Normalize(mean, stddev []float32) error {
	if len(mds.exampleDims) == 0 || len(mean) != mds.exampleDims[0] || len(stddev) != mds.exampleDims[0] {
		return errors.Errorf("dataset %q: normalization with %d means and %d stddevs for examples shaped %v",
			mds.name, len(mean), len(stddev), mds.exampleDims)
	}
	channelSize := mds.exampleSize / mds.exampleDims[0]
	for ii := range mds.images {
		ch := (ii / channelSize) % len(mean)
		mds.images[ii] = (mds.images[ii] - mean[ch]) / stddev[ch]
	}
	return nil
}

// ChannelStats returns the mean and standard deviation of each channel over all examples.
func (mds *InMemoryDataset) ChannelStats() (mean, stddev []float32) {
	channels := mds.exampleDims[0]
	channelSize := mds.exampleSize / channels
	sum := make([]float64, channels)
	sumSq := make([]float64, channels)
	for ii, v := range mds.images {
		ch := (ii / channelSize) % channels
		sum[ch] += float64(v)
		sumSq[ch] += float64(v) * float64(v)
	}
	count := float64(mds.numExamples * channelSize)
	mean = make([]float32, channels)
	stddev = make([]float32, channels)
	for ch := range channels {
		m := sum[ch] / count
		mean[ch] = float32(m)
		stddev[ch] = float32(math.Sqrt(max(0, sumSq[ch]/count-m*m)))
	}
	return
}
