// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package plots collects the results of the pruning rounds as plot points, saves them
// along with the checkpoints, and draws the test accuracy as a function of the weights
// remaining.
package plots

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"sort"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/gomlx/lottery/pkg/pruning"
	"github.com/gomlx/lottery/pkg/support/fsutil"
	"github.com/pkg/errors"
	"golang.org/x/exp/maps"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
)

// PointsFileName is the file within the checkpoints directory where the plot points of
// each round are appended.
const PointsFileName = "pruning_plot_points.json"

// Metric names.
const (
	TestAccuracy = "Test Accuracy"
	TestLoss     = "Test Loss"
	TrainLoss    = "Train Loss"
)

// Point represents one metric of one pruning round. It is used to save/load plots.
type Point struct {
	// MetricName of this point.
	MetricName string

	// MetricType is "loss" or "accuracy".
	// It's used in plotting to aggregate similar metric types in the same plot.
	MetricType string

	// Step is the pruning round, stored as a float64.
	Step float64

	// Remaining is the percentage of prunable weights not pruned in the round.
	Remaining float64

	// Value is the metric captured.
	Value float64
}

// RoundPoints returns the points of one round: the train loss, and if evaluated the test loss and accuracy.
func RoundPoints(result pruning.RoundResult) []Point {
	remaining := 100.0
	if result.Stats.Total > 0 {
		remaining = 100 * (1 - result.Stats.PrunedFraction())
	}
	step := float64(result.Round)
	points := []Point{{MetricName: TrainLoss, MetricType: "loss", Step: step, Remaining: remaining, Value: result.TrainLoss}}
	if result.Evaluated {
		points = append(points,
			Point{MetricName: TestLoss, MetricType: "loss", Step: step, Remaining: remaining, Value: result.Eval.Loss},
			Point{MetricName: TestAccuracy, MetricType: "accuracy", Step: step, Remaining: remaining, Value: result.Eval.Accuracy})
	}
	return points
}

// ReportPoints returns the points of all rounds of the report.
func ReportPoints(report *pruning.Report) []Point {
	var points []Point
	for _, result := range report.Rounds {
		points = append(points, RoundPoints(result)...)
	}
	return points
}

// AttachPointsWriter appends the points of each round of the pruner to the file
// PointsFileName in its checkpoints directory, as rounds end.
func AttachPointsWriter(p *pruning.Pruner) {
	filePath := filepath.Join(p.Checkpoints().Dir(), PointsFileName)
	p.OnRoundEnd("plots.PointsWriter", 100, func(_ *pruning.Pruner, result pruning.RoundResult) error {
		return AppendPoints(filePath, RoundPoints(result))
	})
}

// AppendPoints writes the points to the end of the file, creating it if needed.
func AppendPoints(filePath string, points []Point) error {
	f, err := os.OpenFile(filePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0664)
	if err != nil {
		return errors.Wrapf(err, "failed to open Plots file %q for append", filePath)
	}
	enc := json.NewEncoder(f)
	for _, point := range points {
		if err = enc.Encode(point); err != nil {
			_ = f.Close()
			return errors.Wrapf(err, "failed to encode point %v", point)
		}
	}
	return f.Close()
}

// LoadPointsFromCheckpoint loads all plot points saved in file PointsFileName in a
// checkpoints directory.
func LoadPointsFromCheckpoint(checkpointDir string) ([]Point, error) {
	checkpointDir, err := fsutil.ReplaceTildeInDir(checkpointDir)
	if err != nil {
		return nil, err
	}
	return LoadPoints(filepath.Join(checkpointDir, PointsFileName))
}

// LoadPoints parses all plot points saved in the given file.
func LoadPoints(filePath string) ([]Point, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read Plots file %q", filePath)
	}
	defer func() { _ = f.Close() }()

	dec := json.NewDecoder(f)
	var points []Point
	for {
		var point Point
		err := dec.Decode(&point)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Wrapf(err, "error while decoding plots file %q", filePath)
		}
		points = append(points, point)
	}
	return points, nil
}

// Points is a collection of Point objects organized by their Step (round) value.
type Points map[float64][]Point

// NewPoints create a Points object from a collection of individual `Point`.
//
// If a round appears more than once (a resumed run), its latest points are kept.
func NewPoints(rawPoints []Point) Points {
	points := make(Points)
	seen := make(map[float64]map[string]int)
	for _, p := range rawPoints {
		if seen[p.Step] == nil {
			seen[p.Step] = make(map[string]int)
		}
		if idx, found := seen[p.Step][p.MetricName]; found {
			points[p.Step][idx] = p
			continue
		}
		seen[p.Step][p.MetricName] = len(points[p.Step])
		points[p.Step] = append(points[p.Step], p)
	}
	return points
}

// Map executes the given function on all individual points, in `Step` order.
func (points Points) Map(fn func(p *Point)) {
	sortedKeys := maps.Keys(points)
	slices.Sort(sortedKeys)
	for _, step := range sortedKeys {
		stepPoints := points[step]
		for ii := range stepPoints {
			fn(&stepPoints[ii])
		}
	}
}

// Extract converts the Points structure back to a list of individual points, sorted by Step.
func (points Points) Extract() (rawPoints []Point) {
	points.Map(func(p *Point) {
		rawPoints = append(rawPoints, *p)
	})
	return
}

// Metric returns the points of the named metric, sorted by Step.
func (points Points) Metric(name string) []Point {
	var selected []Point
	points.Map(func(p *Point) {
		if p.MetricName == name {
			selected = append(selected, *p)
		}
	})
	return selected
}

// MetricsNames return the list of metrics names in the whole collection, sorted alphabetically by their type and
// then by their name.
func (points Points) MetricsNames() []string {
	nameToType := make(map[string]string)
	points.Map(func(p *Point) {
		nameToType[p.MetricName] = p.MetricType
	})
	names := maps.Keys(nameToType)
	slices.Sort(names)
	sort.SliceStable(names, func(i, j int) bool {
		return nameToType[names[i]] < nameToType[names[j]]
	})
	return names
}

// TableForMetrics returns a table with the round and remaining weights in the first
// columns, followed by the columns given by the `metrics` names.
// If `metrics` is empty, it will include all metrics in the table.
func (points Points) TableForMetrics(metrics ...string) string {
	cellStyle := lipgloss.NewStyle().Padding(0, 1)
	rightStyle := cellStyle.Align(lipgloss.Right)
	headerStyle := lipgloss.NewStyle().Padding(0, 1).Bold(true).Reverse(true)
	table := lgtable.New().
		Border(lipgloss.RoundedBorder()).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == lgtable.HeaderRow {
				return headerStyle
			}
			return rightStyle
		})

	if len(metrics) == 0 {
		metrics = points.MetricsNames()
	}
	headers := []string{"Round", "Remaining"}
	headers = append(headers, metrics...)
	table.Headers(headers...)

	sortedKeys := maps.Keys(points)
	slices.Sort(sortedKeys)
	for _, step := range sortedKeys {
		row := make([]string, 2+len(metrics))
		row[0] = fmt.Sprintf("%.0f", step)
		for _, pt := range points[step] {
			row[1] = fmt.Sprintf("%.1f%%", pt.Remaining)
			idx := slices.Index(metrics, pt.MetricName)
			if idx != -1 {
				row[idx+2] = fmt.Sprintf("%.4g", pt.Value)
			}
		}
		table.Row(row...)
	}
	return table.String()
}

func (points Points) String() string {
	return points.TableForMetrics()
}

// Plot size used by SavePlot.
var (
	PlotWidth  = 6 * vg.Inch
	PlotHeight = 4 * vg.Inch
)

// SavePlot draws the given metrics (all "accuracy" metrics if none given) as a function of
// the percentage of weights remaining, on a logarithmic scale, and saves it to filePath.
// The image format is taken from the file extension, e.g. ".png" or ".svg".
func SavePlot(points Points, filePath string, metrics ...string) error {
	if len(metrics) == 0 {
		for _, name := range points.MetricsNames() {
			if points.Metric(name)[0].MetricType == "accuracy" {
				metrics = append(metrics, name)
			}
		}
	}
	if len(metrics) == 0 {
		return errors.Errorf("no metrics to plot in %q", filePath)
	}
	p := plot.New()
	p.Title.Text = "Iterative magnitude pruning"
	p.X.Label.Text = "Weights remaining (%)"
	p.Y.Label.Text = metrics[0]
	p.X.Scale = plot.LogScale{}
	p.X.Tick.Marker = plot.LogTicks{Prec: -1}
	p.Legend.Top = true
	p.Add(plotter.NewGrid())

	var lines []any
	for _, name := range metrics {
		selected := points.Metric(name)
		if len(selected) == 0 {
			return errors.Errorf("metric %q has no points", name)
		}
		xys := make(plotter.XYs, len(selected))
		for ii, pt := range selected {
			xys[ii].X, xys[ii].Y = pt.Remaining, pt.Value
		}
		lines = append(lines, name, xys)
	}
	if err := plotutil.AddLinePoints(p, lines...); err != nil {
		return errors.Wrapf(err, "failed to plot metrics %v", metrics)
	}
	if err := p.Save(PlotWidth, PlotHeight, filePath); err != nil {
		return errors.Wrapf(err, "failed to save plot to %q", filePath)
	}
	return nil
}
