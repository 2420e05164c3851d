// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package plots records metrics collected during training, and renders them as PNG line plots with gonum/plot.
package plots

import (
	"encoding/json"
	"math"
	"os"
	"slices"

	"github.com/pkg/errors"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
)

// Point represents a training plot point.
type Point struct {
	// MetricName of this point. Points with the same name are drawn as one line.
	MetricName string

	// MetricType typically will be "loss", "accuracy" or "learning_rate".
	// It's used to aggregate similar metric types in the same plot.
	MetricType string

	// Step is the global step this metric was measured.
	Step float64

	// Value is the metric captured.
	Value float64
}

// Points is a collection of plot points, in the order they were added.
type Points []Point

// Add a point. Non-finite values are ignored.
func (ps *Points) Add(metricName, metricType string, step, value float64) {
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return
	}
	*ps = append(*ps, Point{MetricName: metricName, MetricType: metricType, Step: step, Value: value})
}

// OfType returns the points of the given metric type.
func (ps Points) OfType(metricType string) Points {
	var filtered Points
	for _, p := range ps {
		if p.MetricType == metricType {
			filtered = append(filtered, p)
		}
	}
	return filtered
}

// MetricNames returns the names of the metrics, in order of first appearance.
func (ps Points) MetricNames() []string {
	var names []string
	for _, p := range ps {
		if !slices.Contains(names, p.MetricName) {
			names = append(names, p.MetricName)
		}
	}
	return names
}

// SaveJSON writes the points to filePath, so they can be plotted by other tools.
func (ps Points) SaveJSON(filePath string) error {
	data, err := json.MarshalIndent(ps, "", "  ")
	if err != nil {
		return errors.Wrap(err, "failed to encode plot points")
	}
	if err = os.WriteFile(filePath, data, 0o644); err != nil {
		return errors.Wrapf(err, "failed to write plot points to %q", filePath)
	}
	return nil
}

// Size of the saved plots.
var (
	PlotWidth  = 8 * vg.Inch
	PlotHeight = 5 * vg.Inch
)

// SaveLinePlot renders one line per metric name in points, and saves it to filePath.
// The image format is given by the file extension (e.g. ".png").
func SaveLinePlot(filePath, title, xLabel, yLabel string, points Points) error {
	if len(points) == 0 {
		return errors.Errorf("SaveLinePlot(%q): no points to plot", filePath)
	}
	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = xLabel
	p.Y.Label.Text = yLabel
	p.Add(plotter.NewGrid())
	for ii, name := range points.MetricNames() {
		var xys plotter.XYs
		for _, point := range points {
			if point.MetricName == name {
				xys = append(xys, plotter.XY{X: point.Step, Y: point.Value})
			}
		}
		line, err := plotter.NewLine(xys)
		if err != nil {
			return errors.Wrapf(err, "SaveLinePlot(%q): invalid points for metric %q", filePath, name)
		}
		line.Color = plotutil.Color(ii)
		line.Dashes = plotutil.Dashes(ii)
		p.Add(line)
		p.Legend.Add(name, line)
	}
	if err := p.Save(PlotWidth, PlotHeight, filePath); err != nil {
		return errors.Wrapf(err, "failed to save plot to %q", filePath)
	}
	return nil
}
