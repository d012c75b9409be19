// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package pruning

import (
	"context"
	"io"
	"slices"
	"time"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/lottery/pkg/core/tensors"
	"github.com/gomlx/lottery/pkg/ml/checkpoints"
	"github.com/gomlx/lottery/pkg/ml/datasets"
	"github.com/gomlx/lottery/pkg/ml/model"
	"github.com/gomlx/lottery/pkg/ml/train/losses"
	"github.com/gomlx/lottery/pkg/ml/train/optimizers"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// StepInfo describes a training step (one batch), passed to the OnStep hooks.
type StepInfo struct {
	Round, Epoch int

	// Batch index within the epoch, starting from 0.
	Batch int

	BatchSize int
	Loss      float64
	Duration  time.Duration
}

// EpochResult summarizes one training epoch.
type EpochResult struct {
	Round, Epoch int

	// Loss is the mean training loss over the examples of the epoch.
	Loss float64

	// LearningRate used during the epoch, after annealing.
	LearningRate float64

	NumBatches, NumExamples int
}

// Trainer trains a network for the epochs of one pruning round, keeping the pruned
// weights at zero.
type Trainer struct {
	Network   model.Network
	Optimizer optimizers.Interface

	// Masks enforced at every step. If nil, nothing is masked.
	Masks Masks

	// Checkpoints, if not nil, is where the checkpoint of the final epoch is saved.
	Checkpoints *checkpoints.Handler
	RunID       string

	Round int

	// Epochs is the number of epochs of the round: epochs are numbered 1 to Epochs.
	Epochs int

	// AnnealEpochs are the epochs at the start of which the learning rate is divided by AnnealFactor.
	AnnealEpochs []int

	// OnStep, if set, is called after every step. An error interrupts the training.
	OnStep func(step StepInfo) error
}

// RunEpoch trains for one epoch over ds (which is reset first), and saves a checkpoint if
// epoch is the final one.
//
// For each batch it zeroes the gradients, applies the masks, runs the forward and backward
// passes of the cross-entropy loss, takes an optimizer step and applies the masks again, so
// pruned weights are exactly zero after each step.
//
// The context is checked between batches.
func (t *Trainer) RunEpoch(ctx context.Context, ds datasets.Dataset, epoch int) (EpochResult, error) {
	result := EpochResult{Round: t.Round, Epoch: epoch}
	if epoch < 1 || epoch > t.Epochs {
		return result, errors.Errorf("epoch %d out of range [1, %d]", epoch, t.Epochs)
	}
	if slices.Contains(t.AnnealEpochs, epoch) {
		t.Optimizer.SetLearningRate(t.Optimizer.LearningRate() / AnnealFactor)
		klog.V(1).Infof("round %d, epoch %d: learning rate annealed to %g", t.Round, epoch, t.Optimizer.LearningRate())
	}
	result.LearningRate = t.Optimizer.LearningRate()

	params := t.Network.Params()
	ds.Reset()
	var totalLoss float64
	for {
		if err := ctx.Err(); err != nil {
			return result, errors.Wrapf(err, "training round %d interrupted at epoch %d", t.Round, epoch)
		}
		images, labels, err := ds.Yield()
		if err == io.EOF {
			break
		}
		if err != nil {
			return result, errors.WithMessagef(err, "reading dataset %q", ds.Name())
		}
		start := time.Now()
		var loss float64
		err = exceptions.TryCatch[error](func() {
			loss = t.step(params, images, labels)
		})
		if err != nil {
			return result, errors.WithMessagef(err, "round %d, epoch %d, batch %d", t.Round, epoch, result.NumBatches)
		}
		if t.OnStep != nil {
			err = t.OnStep(StepInfo{
				Round: t.Round, Epoch: epoch, Batch: result.NumBatches,
				BatchSize: len(labels), Loss: loss, Duration: time.Since(start),
			})
			if err != nil {
				return result, err
			}
		}
		totalLoss += loss * float64(len(labels))
		result.NumBatches++
		result.NumExamples += len(labels)
	}
	if result.NumExamples == 0 {
		return result, errors.Errorf("dataset %q has no training examples", ds.Name())
	}
	result.Loss = totalLoss / float64(result.NumExamples)
	klog.V(1).Infof("round %d, epoch %d: train loss %.4f", t.Round, epoch, result.Loss)

	if epoch == t.Epochs && t.Checkpoints != nil {
		if err := t.Checkpoints.Save(t.Round, epoch, t.RunID, params, t.Optimizer.State()); err != nil {
			return result, err
		}
	}
	return result, nil
}

// step trains on one batch and returns its loss. Errors are thrown as panics.
func (t *Trainer) step(params *model.Params, images *tensors.Tensor, labels []int32) float64 {
	params.ZeroGrads()
	if err := ApplyMasks(params, t.Masks); err != nil {
		panic(err)
	}
	logits := t.Network.Forward(images, true)
	loss, grad := losses.SparseCategoricalCrossEntropyLogits(logits, labels)
	t.Network.Backward(grad)
	if err := t.Optimizer.Step(params); err != nil {
		panic(err)
	}
	if err := ApplyMasks(params, t.Masks); err != nil {
		panic(err)
	}
	return loss
}
