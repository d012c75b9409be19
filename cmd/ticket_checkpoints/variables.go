// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"math"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/lottery/pkg/core/tensors"
	"github.com/gomlx/lottery/pkg/ml/checkpoints"
	"github.com/gomlx/lottery/pkg/ml/model"
)

// VariableStats of the values of one variable.
type VariableStats struct {
	Name     string
	Prunable bool
	Size     int
	NonZero  int

	// MAV is the mean absolute value, RMS the root-mean-square and MaxAV the max absolute value.
	MAV, RMS, MaxAV float64

	// HasNaN is true if any value is NaN or infinite.
	HasNaN bool
}

// Density is the fraction of non-zero values.
func (s VariableStats) Density() float64 {
	if s.Size == 0 {
		return 0
	}
	return float64(s.NonZero) / float64(s.Size)
}

// ComputeStats of a variable's values.
func ComputeStats(name string, value *tensors.Tensor) VariableStats {
	stats := VariableStats{Name: name, Prunable: model.IsPrunable(name), Size: value.Size()}
	var sumAbs, sumSq float64
	for _, v := range value.Flat() {
		x := float64(v)
		if math.IsNaN(x) || math.IsInf(x, 0) {
			stats.HasNaN = true
			continue
		}
		if x != 0 {
			stats.NonZero++
		}
		abs := math.Abs(x)
		sumAbs += abs
		sumSq += x * x
		stats.MaxAV = max(stats.MaxAV, abs)
	}
	if stats.Size > 0 {
		stats.MAV = sumAbs / float64(stats.Size)
		stats.RMS = math.Sqrt(sumSq / float64(stats.Size))
	}
	return stats
}

// CheckpointStats returns the stats of all variables of the checkpoint, in the order they were saved.
func CheckpointStats(ckpt *checkpoints.Checkpoint) []VariableStats {
	stats := make([]VariableStats, 0, len(ckpt.Names))
	for _, name := range ckpt.Names {
		stats = append(stats, ComputeStats(name, ckpt.Variables[name]))
	}
	return stats
}

// PrunableDensity returns the number of non-zero prunable weights and the total number of prunable weights.
func PrunableDensity(stats []VariableStats) (nonZero, total int) {
	for _, s := range stats {
		if s.Prunable {
			nonZero += s.NonZero
			total += s.Size
		}
	}
	return
}

// ListVariables of a checkpoint, with their shape, density, MAV, RMS and MaxAV values.
// Fully pruned variables and variables with NaN values are highlighted.
func ListVariables(ckpt *checkpoints.Checkpoint, onlyPrunable bool) {
	fmt.Println(titleStyle.Render(fmt.Sprintf("Variables of %q", ckpt.Path)))
	table := newPlainTableWithReds(true, lipgloss.Left, lipgloss.Left, lipgloss.Right)
	table.Table.Headers("Name", "Shape", "Size", "Non-zero", "Density", "MAV", "RMS", "MaxAV")
	for _, s := range CheckpointStats(ckpt) {
		if onlyPrunable && !s.Prunable {
			continue
		}
		table.Row(s.HasNaN || (s.Prunable && s.NonZero == 0),
			s.Name, ckpt.Variables[s.Name].ShapeString(),
			humanize.Comma(int64(s.Size)), humanize.Comma(int64(s.NonZero)),
			fmt.Sprintf("%.2f%%", 100*s.Density()),
			fmt.Sprintf("%.3g", s.MAV), fmt.Sprintf("%.3g", s.RMS), fmt.Sprintf("%.3g", s.MaxAV))
	}
	fmt.Println(table.Table.Render())
}
