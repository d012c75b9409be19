// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package pruning

import (
	"io"
	"math"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/lottery/pkg/ml/datasets"
	"github.com/gomlx/lottery/pkg/ml/model"
	"github.com/gomlx/lottery/pkg/ml/train/losses"
	"github.com/pkg/errors"
)

// EvalResult is the outcome of Evaluate.
type EvalResult struct {
	// Loss is the mean cross-entropy per example, rounded to 4 decimal places.
	Loss float64

	// Accuracy is the percentage of examples correctly classified (top-1), rounded to
	// 3 decimal places.
	Accuracy float64

	NumExamples int
}

func roundTo(value float64, decimals int) float64 {
	scale := math.Pow(10, float64(decimals))
	return math.Round(value*scale) / scale
}

// Evaluate runs net in inference mode over all the batches of ds (which is reset first).
// The network is not changed.
//
// It returns an error if ds has no examples.
func Evaluate(net model.Network, ds datasets.Dataset) (EvalResult, error) {
	var result EvalResult
	var totalLoss float64
	var correct int
	ds.Reset()
	for {
		images, labels, err := ds.Yield()
		if err == io.EOF {
			break
		}
		if err != nil {
			return result, errors.WithMessagef(err, "reading dataset %q", ds.Name())
		}
		err = exceptions.TryCatch[error](func() {
			logits := net.Forward(images, false)
			for _, loss := range losses.PerExampleCrossEntropy(logits, labels) {
				totalLoss += loss
			}
			correct += losses.CountCorrect(logits, labels)
		})
		if err != nil {
			return result, errors.WithMessagef(err, "evaluating on %q", ds.Name())
		}
		result.NumExamples += len(labels)
	}
	if result.NumExamples == 0 {
		return result, errors.Errorf("evaluation dataset %q has no examples", ds.Name())
	}
	result.Loss = roundTo(totalLoss/float64(result.NumExamples), 4)
	result.Accuracy = roundTo(100*float64(correct)/float64(result.NumExamples), 3)
	return result, nil
}
