// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package pruning

import (
	"fmt"
	"math"
	"math/rand/v2"
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/lottery/pkg/core/tensors"
	"github.com/gomlx/lottery/pkg/ml/model"
	"github.com/pkg/errors"
	"golang.org/x/exp/constraints"
)

// Mask of a prunable variable: 1 for the weights kept, 0 for the ones pruned.
type Mask struct {
	// Name is the scope and name of the masked variable.
	Name   string
	Values *tensors.Tensor
}

// Ones returns the number of weights kept.
func (m *Mask) Ones() int { return m.Values.CountNonZero() }

// Masks of all the prunable variables of a model, in traversal order.
type Masks []*Mask

// Clone returns a deep copy.
func (ms Masks) Clone() Masks {
	c := make(Masks, len(ms))
	for ii, m := range ms {
		c[ii] = &Mask{Name: m.Name, Values: m.Values.Clone()}
	}
	return c
}

// Stats returns the number of pruned weights and the total number of weights.
func (ms Masks) Stats() (zeros, total int) {
	for _, m := range ms {
		total += m.Values.Size()
		zeros += m.Values.Size() - m.Ones()
	}
	return
}

// IsRefinementOf returns whether ms prunes at least the weights pruned by previous: both
// must mask the same variables with the same shapes, and every weight kept by ms must have
// been kept by previous.
func (ms Masks) IsRefinementOf(previous Masks) bool {
	if len(ms) != len(previous) {
		return false
	}
	for ii, m := range ms {
		prev := previous[ii]
		if m.Name != prev.Name || !m.Values.SameShape(prev.Values) {
			return false
		}
		prevValues := prev.Values.Flat()
		for jj, v := range m.Values.Flat() {
			if v != 0 && prevValues[jj] == 0 {
				return false
			}
		}
	}
	return true
}

// MaskStats reports the outcome of BuildMasks.
type MaskStats struct {
	// Zeros is the number of pruned weights, out of Total prunable weights.
	Zeros, Total int

	// Threshold of the absolute values: weights with |w| <= Threshold are pruned.
	// It is 0 for round 0, where nothing is pruned.
	Threshold float64
}

// PrunedFraction returns the fraction of prunable weights that are pruned.
func (s MaskStats) PrunedFraction() float64 {
	if s.Total == 0 {
		return 0
	}
	return float64(s.Zeros) / float64(s.Total)
}

// String implements fmt.Stringer.
func (s MaskStats) String() string {
	return fmt.Sprintf("Fraction of weights pruned = %d/%d = %g", s.Zeros, s.Total, s.PrunedFraction())
}

// Percentile returns the percent-th percentile (percent in [0, 100]) of values, linearly
// interpolating between the closest ranks (the default method of NumPy's percentile).
//
// It panics if values is empty or percent is out of range.
func Percentile[T constraints.Float](values []T, percent float64) float64 {
	if len(values) == 0 {
		exceptions.Panicf("percentile of empty values")
	}
	if percent < 0 || percent > 100 || math.IsNaN(percent) {
		exceptions.Panicf("percentile %g out of range [0, 100]", percent)
	}
	sorted := make([]float64, len(values))
	for ii, v := range values {
		sorted[ii] = float64(v)
	}
	slices.Sort(sorted)
	rank := percent / 100 * float64(len(sorted)-1)
	lower := int(math.Floor(rank))
	upper := int(math.Ceil(rank))
	if lower == upper {
		return sorted[lower]
	}
	return sorted[lower] + (sorted[upper]-sorted[lower])*(rank-float64(lower))
}

// AllOnesMasks returns masks that keep every prunable weight of params.
func AllOnesMasks(params *model.Params) Masks {
	prunable := params.Prunable()
	masks := make(Masks, len(prunable))
	for ii, v := range prunable {
		values := tensors.FromShape(v.Value.Shape()...)
		values.Fill(1)
		masks[ii] = &Mask{Name: v.ScopeAndName(), Values: values}
	}
	return masks
}

// BuildMasks computes the masks of round from the current values of params: a single
// threshold is taken at the WeightFraction(round) percentile of the absolute values of all
// prunable weights, and only the weights above it are kept.
//
// Round 0 returns AllOnesMasks.
func BuildMasks(params *model.Params, round int) (Masks, MaskStats) {
	fraction := WeightFraction(round)
	prunable := params.Prunable()
	if round == 0 || len(prunable) == 0 {
		masks := AllOnesMasks(params)
		_, total := masks.Stats()
		return masks, MaskStats{Total: total}
	}

	numWeights := 0
	for _, v := range prunable {
		numWeights += v.Value.Size()
	}
	flat := make([]float64, 0, numWeights)
	for _, v := range prunable {
		for _, w := range v.Value.Flat() {
			flat = append(flat, math.Abs(float64(w)))
		}
	}
	stats := MaskStats{Threshold: Percentile(flat, fraction)}
	masks := make(Masks, len(prunable))
	for ii, v := range prunable {
		values := tensors.FromShape(v.Value.Shape()...)
		maskData := values.Flat()
		for jj, w := range v.Value.Flat() {
			if math.Abs(float64(w)) > stats.Threshold {
				maskData[jj] = 1
			} else {
				stats.Zeros++
			}
		}
		stats.Total += len(maskData)
		masks[ii] = &Mask{Name: v.ScopeAndName(), Values: values}
	}
	return masks, stats
}

// ApplyMasks multiplies each masked variable of params by its mask, in place: pruned weights
// are set to exactly zero. A nil masks is a no-op.
func ApplyMasks(params *model.Params, masks Masks) error {
	for _, m := range masks {
		v, found := params.Get(m.Name)
		if !found {
			return errors.Errorf("mask for unknown variable %q", m.Name)
		}
		if !v.Value.SameShape(m.Values) {
			return errors.Errorf("mask for %q shaped %s, but variable is shaped %s",
				m.Name, m.Values.ShapeString(), v.Value.ShapeString())
		}
		w := v.Value.Flat()
		for ii, keep := range m.Values.Flat() {
			if keep == 0 {
				w[ii] = 0
			}
		}
	}
	return nil
}

// PermuteMasks returns new masks with the entries of each mask randomly shuffled: shapes and
// the number of kept weights of each mask are preserved. Used by random-ticket mode.
func PermuteMasks(masks Masks, rng *rand.Rand) Masks {
	permuted := masks.Clone()
	for _, m := range permuted {
		data := m.Values.Flat()
		rng.Shuffle(len(data), func(i, j int) {
			data[i], data[j] = data[j], data[i]
		})
	}
	return permuted
}
