// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package commandline

import (
	"fmt"
	"io"
	"os"
	"slices"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/lottery/pkg/pruning"
	"github.com/muesli/termenv"
	"github.com/schollz/progressbar/v3"
)

// ExtraMetricFn is any function that will give extra values to display along the progress bar.
// It is called at each time the progress bar is updated, and it should return a name and the current value when it is called.
type ExtraMetricFn func() (name, value string)

// Output where the progress bar is drawn.
var Output io.Writer = os.Stdout

// progressBar holds the progress bar of the current pruning round.
type progressBar struct {
	output io.Writer
	bar    *progressbar.ProgressBar

	// lipgloss-based rich and asynchronous display for the command-line.
	termenv          *termenv.Output
	statsStyle       lipgloss.Style
	statsTable       *lgtable.Table
	isFirstOutput    bool
	updates          chan progressBarUpdate
	asyncUpdatesDone sync.WaitGroup

	lastUpdate    time.Time
	stepDurations []time.Duration
	numSteps      int
	pruned        string

	extraMetricFns []ExtraMetricFn
}

// ProgressbarStyle to use. Defaults to the ASCII version.
// Consider "progressbar.ThemeUnicode" for a prettier version.
// But it requires some of the graphical symbols to be supported.
var ProgressbarStyle = progressbar.ThemeASCII

const ProgressBarName = "lottery.ui.commandline.progressBar"

var (
	normalStyle       = lipgloss.NewStyle().Padding(0, 1)
	rightAlignedStyle = lipgloss.NewStyle().Align(lipgloss.Right).Padding(0, 1)
	tableBorderColor  = "#705090"
)

type progressBarUpdate struct {
	// epochs finished since the last update.
	epochs  int
	metrics [][2]string
}

// maxUpdateFrequency is the time between updates to the commandline display of stats.
var maxUpdateFrequency = time.Millisecond * 200

// maxStepDurations kept to compute the median step duration.
const maxStepDurations = 100

func (pBar *progressBar) onRoundStart(p *pruning.Pruner, round int) error {
	pBar.finish()
	epochs := p.Config().Epochs
	pBar.pruned = fmt.Sprintf("%.1f%% (target)", pruning.WeightFraction(round))
	pBar.stepDurations = pBar.stepDurations[:0]
	pBar.numSteps = 0
	pBar.lastUpdate = time.Time{}
	pBar.bar = progressbar.NewOptions(epochs,
		progressbar.OptionSetDescription(fmt.Sprintf("      [bold]Round %d", round)),
		progressbar.OptionUseANSICodes(true),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("epochs"),
		progressbar.OptionSetTheme(ProgressbarStyle),
		progressbar.OptionSetWriter(pBar.output),
	)
	pBar.isFirstOutput = true
	pBar.updates = make(chan progressBarUpdate, 100) // Large buffer so things are not blocked.
	pBar.asyncUpdatesDone.Add(1)
	go pBar.drawUpdates(pBar.updates)
	return nil
}

func (pBar *progressBar) onStep(_ *pruning.Pruner, step pruning.StepInfo) error {
	pBar.numSteps++
	if len(pBar.stepDurations) == maxStepDurations {
		pBar.stepDurations = pBar.stepDurations[1:]
	}
	pBar.stepDurations = append(pBar.stepDurations, step.Duration)
	if time.Since(pBar.lastUpdate) < maxUpdateFrequency {
		return nil
	}
	pBar.lastUpdate = time.Now()
	pBar.send(progressBarUpdate{metrics: pBar.stepMetrics(step)})
	return nil
}

func (pBar *progressBar) stepMetrics(step pruning.StepInfo) [][2]string {
	return [][2]string{
		{"Epoch", humanize.Comma(int64(step.Epoch))},
		{"Batch", humanize.Comma(int64(step.Batch + 1))},
		{"Steps", humanize.Comma(int64(pBar.numSteps))},
		{"Pruned", pBar.pruned},
		{"Median train step duration", FormatDuration(pBar.medianStepDuration())},
		{"Batch loss", fmt.Sprintf("%.4f", step.Loss)},
	}
}

func (pBar *progressBar) onEpochEnd(_ *pruning.Pruner, result pruning.EpochResult) error {
	// Epoch ticks advance the bar, so they are never dropped.
	pBar.updates <- progressBarUpdate{
		epochs: 1,
		metrics: [][2]string{
			{"Epoch", humanize.Comma(int64(result.Epoch))},
			{"Batch", humanize.Comma(int64(result.NumBatches))},
			{"Steps", humanize.Comma(int64(pBar.numSteps))},
			{"Pruned", pBar.pruned},
			{"Median train step duration", FormatDuration(pBar.medianStepDuration())},
			{"Epoch loss", fmt.Sprintf("%.4f (lr=%g)", result.Loss, result.LearningRate)},
		},
	}
	return nil
}

func (pBar *progressBar) onRoundEnd(_ *pruning.Pruner, result pruning.RoundResult) error {
	pBar.finish()
	summary := fmt.Sprintf("Round %d: train loss %.4f", result.Round, result.TrainLoss)
	if result.Evaluated {
		summary += fmt.Sprintf(", test loss %.4f, test accuracy %.3f%%", result.Eval.Loss, result.Eval.Accuracy)
	}
	_, err := fmt.Fprintf(pBar.output, "%s (%s)\n", summary, FormatDuration(result.Duration))
	return err
}

// onRunEnd closes the bar of a round interrupted by an error.
func (pBar *progressBar) onRunEnd(_ *pruning.Pruner, _ *pruning.Report, _ error) error {
	pBar.finish()
	return nil
}

// send an update without blocking the training.
func (pBar *progressBar) send(update progressBarUpdate) {
	select {
	case pBar.updates <- update:
	default:
	}
}

// finish closes the updates of the current round, if any, and waits for them to be drawn.
func (pBar *progressBar) finish() {
	if pBar.updates == nil {
		return
	}
	close(pBar.updates)
	pBar.updates = nil
	pBar.asyncUpdatesDone.Wait()
	pBar.termenv.ShowCursor()
	_, _ = fmt.Fprintln(pBar.output)
}

func (pBar *progressBar) medianStepDuration() time.Duration {
	if len(pBar.stepDurations) == 0 {
		return 0
	}
	sorted := slices.Clone(pBar.stepDurations)
	slices.Sort(sorted)
	return sorted[len(sorted)/2]
}

// drawUpdates asynchronously: this is handy if the training is faster than the terminal, in particular
// if running on cloud, with a relatively slow network connection.
func (pBar *progressBar) drawUpdates(updates <-chan progressBarUpdate) {
	defer pBar.asyncUpdatesDone.Done()
	numLinesPrinted := 0
	for update := range updates {
		// Exhaust the updates in the buffer:
		epochs := update.epochs
	exhaust:
		for {
			select {
			case newUpdate, ok := <-updates:
				if !ok {
					break exhaust
				}
				epochs += newUpdate.epochs
				update = newUpdate
			default:
				break exhaust
			}
		}

		// Create the table to be printed.
		pBar.statsTable.Data(lgtable.NewStringData())
		for _, metric := range update.metrics {
			pBar.statsTable.Row(metric[0], metric[1])
		}
		for _, extraMetric := range pBar.extraMetricFns {
			name, value := extraMetric()
			pBar.statsTable.Row(name, value)
		}

		// For command-line, we clear the previous lines that will be overwritten.
		pBar.termenv.HideCursor()
		if !pBar.isFirstOutput {
			pBar.termenv.CursorPrevLine(numLinesPrinted)
		}
		pBar.isFirstOutput = false

		// Print update.
		_, _ = fmt.Fprintln(pBar.output, pBar.statsStyle.Render(pBar.statsTable.String()))
		_ = pBar.bar.Add(epochs) // Prints progress bar line.
		_, _ = fmt.Fprintln(pBar.output)
		numLinesPrinted = len(update.metrics) + len(pBar.extraMetricFns) + 2 + 1
		pBar.termenv.ShowCursor()
		time.Sleep(maxUpdateFrequency)
	}
}

// AttachProgressBar creates a commandline progress bar and attaches it to the Pruner, so that
// at every round it will display a progress bar over the epochs, with the training statistics,
// and a summary line at the end of the round.
//
// Optionally, one can provide extraMetrics: functions that are called at every update of
// the progress bar and should return a name (title) and a value to be included in the
// updated print-out.
func AttachProgressBar(p *pruning.Pruner, extraMetrics ...ExtraMetricFn) {
	attachProgressBar(p, extraMetrics...)
}

func attachProgressBar(p *pruning.Pruner, extraMetrics ...ExtraMetricFn) *progressBar {
	pBar := &progressBar{
		output:         Output,
		extraMetricFns: extraMetrics,
	}
	pBar.termenv = termenv.NewOutput(pBar.output)
	pBar.statsStyle = lipgloss.NewStyle().PaddingLeft(8)
	pBar.statsTable = lgtable.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color(tableBorderColor))).
		StyleFunc(func(row, col int) lipgloss.Style {
			if col == 0 {
				return rightAlignedStyle
			}
			return normalStyle
		})
	p.OnRoundStart(ProgressBarName, 0, pBar.onRoundStart)
	p.OnStep(ProgressBarName, 0, pBar.onStep)
	p.OnEpochEnd(ProgressBarName, 0, pBar.onEpochEnd)
	p.OnRoundEnd(ProgressBarName, 0, pBar.onRoundEnd)
	p.OnRunEnd(ProgressBarName, 0, pBar.onRunEnd)
	return pBar
}
