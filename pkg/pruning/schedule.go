// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package pruning

import (
	"math"

	"github.com/gomlx/exceptions"
)

const (
	// MaxRound is the last pruning round. Rounds are numbered from 0 (no pruning) to MaxRound.
	MaxRound = 30

	// NumRounds is the number of pruning rounds.
	NumRounds = MaxRound + 1

	// PruneRate is the fraction of the surviving weights removed at each round.
	PruneRate = 0.2
)

// WeightFraction returns the cumulative percentage of the prunable weights removed by round:
// 0 at round 0, approaching 100 as rounds progress (≈99.88 at round 30).
//
// It panics if round is not in [0, MaxRound].
func WeightFraction(round int) float64 {
	if round < 0 || round > MaxRound {
		exceptions.Panicf("pruning round %d out of range [0, %d]", round, MaxRound)
	}
	return 100 * (1 - math.Pow(1-PruneRate, float64(round)))
}

// WeightFractions returns the percentages for all rounds, see WeightFraction.
func WeightFractions() []float64 {
	fractions := make([]float64, NumRounds)
	for round := range fractions {
		fractions[round] = WeightFraction(round)
	}
	return fractions
}
