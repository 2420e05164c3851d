// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package observers

import (
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/muesli/termenv"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"
)

// ProgressbarStyle to use. Defaults to the ASCII version.
var ProgressbarStyle = progressbar.ThemeASCII

var tableBorderColor = "#705090"

// Console is an Observer that displays a progress bar of the training steps, and a table with the metrics at the
// end of each epoch. It also logs the metrics with klog.
type Console struct {
	w        io.Writer
	renderer *lipgloss.Renderer
	bar      *progressbar.ProgressBar
	stage    string
	lastLoss float64
}

var _ Observer = &Console{}

// NewConsole creates a Console observer writing to w. If w is nil, it writes to os.Stdout.
//
// Colors are used only if w is a terminal that supports them.
func NewConsole(w io.Writer) *Console {
	if w == nil {
		w = os.Stdout
	}
	c := &Console{w: w}
	c.renderer = lipgloss.NewRenderer(w)
	c.renderer.SetColorProfile(termenv.NewOutput(w).EnvColorProfile())
	return c
}

// OnTrainBegin implements Observer.
func (c *Console) OnTrainBegin(info TrainInfo) error {
	c.stage = info.Stage
	klog.Infof("-- %s --", info.Stage)
	c.bar = progressbar.NewOptions(info.NumSteps,
		progressbar.OptionSetDescription(fmt.Sprintf("stage %s", info.Stage)),
		progressbar.OptionSetWriter(c.w),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("steps"),
		progressbar.OptionSetTheme(ProgressbarStyle),
		progressbar.OptionOnCompletion(func() { _, _ = fmt.Fprintln(c.w) }),
	)
	return nil
}

// OnBatchEnd implements Observer.
func (c *Console) OnBatchEnd(info BatchInfo) error {
	c.lastLoss = info.Loss
	if c.bar == nil {
		return nil
	}
	c.bar.Describe(fmt.Sprintf("stage %s [loss=%.4f]", c.stage, info.SmoothLoss))
	if err := c.bar.Add(1); err != nil {
		return errors.Wrap(err, "observers.Console: failed to update progress bar")
	}
	return nil
}

// OnEpochEnd implements Observer.
func (c *Console) OnEpochEnd(epochMetrics EpochMetrics) error {
	table := lgtable.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(c.renderer.NewStyle().Foreground(lipgloss.Color(tableBorderColor))).
		StyleFunc(func(row, col int) lipgloss.Style {
			if col == 0 {
				return c.renderer.NewStyle().Align(lipgloss.Right).Padding(0, 1)
			}
			return c.renderer.NewStyle().Padding(0, 1)
		})
	table.Row("Stage", c.stage)
	table.Row("Epoch", strconv.Itoa(epochMetrics.Epoch))
	table.Row("Global step", humanize.Comma(int64(epochMetrics.Step)))
	table.Row("Train loss (last batch)", fmt.Sprintf("%.4f", epochMetrics.TrainLoss))
	table.Row("Train loss (epoch mean)", fmt.Sprintf("%.4f", epochMetrics.MeanTrainLoss))
	if epochMetrics.HasValidation {
		v := epochMetrics.Validation
		table.Row("Validation loss", fmt.Sprintf("%.4f", v.Loss))
		table.Row("Accuracy", fmt.Sprintf("%.2f%%", 100*v.Accuracy))
		table.Row("Top-5 accuracy", fmt.Sprintf("%.2f%%", 100*v.Top5))
		klog.Infof("stage %s epoch %d: trn_loss=%.4f %s", c.stage, epochMetrics.Epoch, epochMetrics.TrainLoss, v)
	} else {
		klog.Infof("stage %s epoch %d: trn_loss=%.4f", c.stage, epochMetrics.Epoch, epochMetrics.TrainLoss)
	}
	_, err := fmt.Fprintln(c.w, "\n"+table.String())
	return errors.Wrap(err, "observers.Console: failed to print epoch metrics")
}

// OnTrainEnd implements Observer.
func (c *Console) OnTrainEnd() error {
	if c.bar != nil {
		_ = c.bar.Finish()
		c.bar = nil
	}
	klog.Infof("-- %s done: last loss %.4f --", c.stage, c.lastLoss)
	return nil
}
