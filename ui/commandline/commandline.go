// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package commandline contains convenience UI tools for running pruning experiments on the command line.
package commandline

import (
	"fmt"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/gomlx/lottery/pkg/pruning"
)

// SprintReport pretty-prints the results of each round of the report as a table.
// Rounds that were not evaluated have empty test columns.
func SprintReport(report *pruning.Report) string {
	cellStyle := lipgloss.NewStyle().Padding(0, 1).Align(lipgloss.Right)
	headerStyle := lipgloss.NewStyle().Padding(0, 1).Bold(true).Reverse(true)
	table := lgtable.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color(tableBorderColor))).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == lgtable.HeaderRow {
				return headerStyle
			}
			return cellStyle
		}).
		Headers("Round", "Pruned", "Train Loss", "Test Loss", "Test Accuracy", "Duration")
	for _, result := range report.Rounds {
		pruned := "0"
		if result.Stats.Total > 0 {
			pruned = fmt.Sprintf("%.2f%%", 100*result.Stats.PrunedFraction())
		}
		testLoss, testAccuracy := "", ""
		if result.Evaluated {
			testLoss = fmt.Sprintf("%.4f", result.Eval.Loss)
			testAccuracy = fmt.Sprintf("%.3f%%", result.Eval.Accuracy)
		}
		table.Row(
			fmt.Sprint(result.Round), pruned, fmt.Sprintf("%.4f", result.TrainLoss),
			testLoss, testAccuracy, FormatDuration(result.Duration))
	}
	return fmt.Sprintf("Run %s:\n%s", report.RunID, table.String())
}
