// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// ticket_checkpoints reports on the checkpoints of a pruning run: given a checkpoints
// directory it lists the rounds saved with the density of the prunable weights of each;
// given a checkpoint (or initialization snapshot) file it reports on its variables.
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/lottery/pkg/ml/checkpoints"
	"github.com/gomlx/lottery/pkg/support/fsutil"
	"github.com/gomlx/lottery/ui/plots"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"
)

var (
	flagSummary = flag.Bool("summary", true, "Display a summary of the checkpoint or of the checkpoints directory.")
	flagVars    = flag.Bool("vars", false, "Lists the variables of a checkpoint, with their density.")
	flagPruned  = flag.Bool("prunable", false, "With -vars, only list the prunable variables.")
	flagMetrics = flag.Bool("metrics", false,
		fmt.Sprintf("Lists the metrics of each round saved in file %q of a checkpoints directory.", plots.PointsFileName))
	flagMetricsNames = flag.String("metrics_names", "", "Comma-separate list of metric names to include in metrics report.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	args := flag.Args()
	if len(args) != 1 {
		klog.Errorf("Expected one checkpoints directory or checkpoint file to read from. See 'ticket_checkpoints -help'.")
		os.Exit(1)
	}
	target := must.M1(fsutil.ReplaceTildeInDir(args[0]))
	info, err := os.Stat(target)
	if err != nil {
		klog.Exitf("Can't read %q: %v", target, err)
	}
	if info.IsDir() {
		reportDir(target)
		return
	}
	reportFile(target)
}

// reportDir lists the checkpoints of a directory.
func reportDir(dir string) {
	handler := must.M1(checkpoints.New(dir))
	if *flagSummary {
		entries := must.M1(handler.List())
		fmt.Println(titleStyle.Render(fmt.Sprintf("Checkpoints in %q", dir)))
		table := newPlainTable(true, lipgloss.Right)
		table.Headers("Round", "Epoch", "Run", "Prunable", "Remaining", "File size")
		for _, entry := range entries {
			ckpt, err := handler.Load(entry.Round, entry.Epoch)
			if err != nil {
				klog.Errorf("Skipping: %v", err)
				continue
			}
			nonZero, total := PrunableDensity(CheckpointStats(ckpt))
			remaining := "-"
			if total > 0 {
				remaining = fmt.Sprintf("%.2f%%", 100*float64(nonZero)/float64(total))
			}
			var size string
			if info, err := os.Stat(ckpt.Path); err == nil {
				size = humanize.Bytes(uint64(info.Size()))
			}
			table.Row(fmt.Sprint(entry.Round), fmt.Sprint(entry.Epoch), shortRunID(ckpt.RunID),
				humanize.Comma(int64(total)), remaining, size)
		}
		fmt.Println(table.Render())
	}
	if *flagMetrics {
		metrics(dir)
	}
	if *flagVars {
		klog.Errorf("-vars requires a checkpoint file, not a directory")
	}
}

// reportFile reports on a single checkpoint or snapshot file.
func reportFile(filePath string) {
	ckpt, err := checkpoints.Read(filePath)
	if err != nil {
		klog.Exitf("%+v", err)
	}
	if *flagSummary {
		fmt.Println(titleStyle.Render("Summary"))
		table := newPlainTable(false, lipgloss.Right, lipgloss.Left)
		table.Row("checkpoint", filePath)
		if ckpt.Optimizer == nil {
			table.Row("kind", "initialization snapshot")
		} else {
			table.Row("round", fmt.Sprint(ckpt.Round))
			table.Row("epoch", fmt.Sprint(ckpt.Epoch))
			table.Row("optimizer", fmt.Sprintf("%s (lr=%g, step %s)", ckpt.Optimizer.Name,
				ckpt.Optimizer.LearningRate, humanize.Comma(ckpt.Optimizer.Step)))
		}
		if ckpt.RunID != "" {
			table.Row("run", ckpt.RunID)
		}
		stats := CheckpointStats(ckpt)
		nonZero, total := PrunableDensity(stats)
		table.Row("# variables", humanize.Comma(int64(len(stats))))
		table.Row("# parameters", humanize.Comma(int64(ckpt.NumElements())))
		table.Row("# bytes", humanize.Bytes(uint64(4*ckpt.NumElements())))
		if total > 0 {
			table.Row("# prunable", humanize.Comma(int64(total)))
			table.Row("remaining", fmt.Sprintf("%s (%.2f%%)", humanize.Comma(int64(nonZero)),
				100*float64(nonZero)/float64(total)))
		}
		fmt.Println(table.Render())
	}
	if *flagVars {
		ListVariables(ckpt, *flagPruned)
	}
	if *flagMetrics {
		klog.Errorf("-metrics requires a checkpoints directory, not a file")
	}
}

func metrics(dir string) {
	rawPoints, err := plots.LoadPointsFromCheckpoint(dir)
	if err != nil {
		klog.Errorf("No metrics: %v", err)
		return
	}
	var names []string
	if *flagMetricsNames != "" {
		names = strings.Split(*flagMetricsNames, ",")
	}
	fmt.Println(titleStyle.Render("Metrics"))
	fmt.Println(plots.NewPoints(rawPoints).TableForMetrics(names...))
}

func shortRunID(runID string) string {
	if len(runID) > 8 {
		return runID[:8]
	}
	return runID
}
