// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package losses implements the softmax cross-entropy loss used to train the classifiers, with
// its gradient, and the top-1 accuracy count.
package losses

import (
	"math"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/lottery/pkg/core/tensors"
)

// checkLabels panics if logits is not [batchSize, numClasses] with one valid label per example.
func checkLabels(logits *tensors.Tensor, labels []int32) (batchSize, numClasses int) {
	if logits.Rank() != 2 {
		exceptions.Panicf("losses: logits must be shaped [batchSize, numClasses], got %s", logits.ShapeString())
	}
	batchSize, numClasses = logits.Dim(0), logits.Dim(1)
	if len(labels) != batchSize {
		exceptions.Panicf("losses: %d labels for logits shaped %s", len(labels), logits.ShapeString())
	}
	for ii, label := range labels {
		if label < 0 || int(label) >= numClasses {
			exceptions.Panicf("losses: label %d of example %d out of range for %d classes", label, ii, numClasses)
		}
	}
	return
}

// logSumExp returns the log of the softmax normalization term, log Σ exp(logits), of one
// row, computed stably.
func logSumExp(row []float32) float64 {
	maxLogit := math.Inf(-1)
	for _, v := range row {
		maxLogit = max(maxLogit, float64(v))
	}
	var sum float64
	for _, v := range row {
		sum += math.Exp(float64(v) - maxLogit)
	}
	return maxLogit + math.Log(sum)
}

// PerExampleCrossEntropy returns the softmax cross-entropy of each example, given the logits
// shaped [batchSize, numClasses] and the sparse labels.
func PerExampleCrossEntropy(logits *tensors.Tensor, labels []int32) []float64 {
	batchSize, numClasses := checkLabels(logits, labels)
	losses := make([]float64, batchSize)
	data := logits.Flat()
	for example := range batchSize {
		row := data[example*numClasses : (example+1)*numClasses]
		losses[example] = logSumExp(row) - float64(row[labels[example]])
	}
	return losses
}

// SparseCategoricalCrossEntropyLogits returns the mean over the batch of the softmax
// cross-entropy, and its gradient with respect to the logits, (softmax(logits) - onehot(label)) / batchSize.
func SparseCategoricalCrossEntropyLogits(logits *tensors.Tensor, labels []int32) (float64, *tensors.Tensor) {
	batchSize, numClasses := checkLabels(logits, labels)
	grad := tensors.FromShape(batchSize, numClasses)
	if batchSize == 0 {
		return 0, grad
	}
	data, gradData := logits.Flat(), grad.Flat()
	var total float64
	for example := range batchSize {
		row := data[example*numClasses : (example+1)*numClasses]
		gradRow := gradData[example*numClasses : (example+1)*numClasses]
		lse := logSumExp(row)
		total += lse - float64(row[labels[example]])
		for ii, v := range row {
			gradRow[ii] = float32(math.Exp(float64(v)-lse) / float64(batchSize))
		}
		gradRow[labels[example]] -= float32(1 / float64(batchSize))
	}
	return total / float64(batchSize), grad
}

// Argmax returns the predicted class of each example: the index of its largest logit, the
// first one in case of ties.
func Argmax(logits *tensors.Tensor) []int {
	if logits.Rank() != 2 {
		exceptions.Panicf("losses: logits must be shaped [batchSize, numClasses], got %s", logits.ShapeString())
	}
	batchSize, numClasses := logits.Dim(0), logits.Dim(1)
	predictions := make([]int, batchSize)
	data := logits.Flat()
	for example := range batchSize {
		row := data[example*numClasses : (example+1)*numClasses]
		best := 0
		for ii, v := range row {
			if v > row[best] {
				best = ii
			}
		}
		predictions[example] = best
	}
	return predictions
}

// CountCorrect returns how many examples have the label as their top-1 prediction.
func CountCorrect(logits *tensors.Tensor, labels []int32) int {
	checkLabels(logits, labels)
	correct := 0
	for ii, prediction := range Argmax(logits) {
		if prediction == int(labels[ii]) {
			correct++
		}
	}
	return correct
}
