// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package observers

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gomlx/dawnbench/ui/plots"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// TimestampLayout is the layout of the timestamp that prefixes each line of the log file.
const TimestampLayout = "2006-01-02T15:04:05"

// DefaultPrintEvery is the default number of batches between batch records in the log file.
const DefaultPrintEvery = 50

// File is an Observer that appends records to a log file, one line per record, prefixed with a timestamp and a tab.
// Each record is written (and reaches the operating system) immediately.
//
// Batch records are written every printEvery batches. The batch count is not reset between epochs.
//
// Optionally (see WithPlots) it renders the loss and learning rate plots at the end of training.
type File struct {
	path       string
	printEvery int
	now        func() time.Time

	plotsDir, stage string
	points          plots.Points

	f            *os.File
	batch, epoch int
	lastLoss     float64
}

var _ Observer = &File{}

// FileOption configures a File observer.
type FileOption func(f *File)

// WithClock sets the function used to timestamp the records. Default is time.Now.
func WithClock(now func() time.Time) FileOption {
	return func(f *File) { f.now = now }
}

// WithPrintEvery sets the number of batches between batch records. Default is DefaultPrintEvery.
func WithPrintEvery(n int) FileOption {
	return func(f *File) { f.printEvery = max(n, 1) }
}

// WithPlots makes the observer save `<stage>_loss.png` and `<stage>_lr.png` into dir at the end of training.
func WithPlots(dir string) FileOption {
	return func(f *File) { f.plotsDir = dir }
}

// NewFile creates a File observer that appends to path. The file (and its directory) is only created at the
// start of training.
func NewFile(path string, options ...FileOption) *File {
	f := &File{path: path, printEvery: DefaultPrintEvery, now: time.Now}
	for _, option := range options {
		option(f)
	}
	return f
}

// Path of the log file.
func (f *File) Path() string { return f.path }

func (f *File) log(format string, args ...any) error {
	if f.f == nil {
		return errors.Errorf("observers.File(%q): log file not open", f.path)
	}
	line := f.now().Format(TimestampLayout) + "\t" + fmt.Sprintf(format, args...) + "\n"
	if _, err := f.f.WriteString(line); err != nil {
		return errors.Wrapf(err, "observers.File(%q): failed to write", f.path)
	}
	return nil
}

// OnTrainBegin implements Observer: it opens the log file for appending.
func (f *File) OnTrainBegin(info TrainInfo) error {
	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return errors.Wrapf(err, "observers.File: failed to create directory for %q", f.path)
	}
	file, err := os.OpenFile(f.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return errors.Wrapf(err, "observers.File: failed to open %q", f.path)
	}
	f.f = file
	f.stage = info.Stage
	f.batch, f.epoch = 0, 0
	f.points = nil
	return f.log("\ton_train_begin")
}

// OnBatchEnd implements Observer.
func (f *File) OnBatchEnd(info BatchInfo) error {
	f.lastLoss = info.Loss
	f.batch++
	f.points.Add("train_loss", "loss", float64(info.Step), info.Loss)
	f.points.Add("learning_rate", "learning_rate", float64(info.Step), info.LearningRate)
	if f.batch%f.printEvery == 0 {
		return f.log("Epoch: %d Batch: %d Metrics: %v", f.epoch, f.batch, info.Loss)
	}
	return nil
}

// OnEpochEnd implements Observer.
func (f *File) OnEpochEnd(epochMetrics EpochMetrics) error {
	record := fmt.Sprintf("\tEpoch:%d\ttrn_loss:%v", f.epoch, f.lastLoss)
	if epochMetrics.HasValidation {
		v := epochMetrics.Validation
		record += fmt.Sprintf("\tval_loss:%v\tacc:%v\ttop5:%v", v.Loss, v.Accuracy, v.Top5)
		f.points.Add("val_loss", "loss", float64(epochMetrics.Step), v.Loss)
	}
	f.epoch++
	return f.log("%s", record)
}

// OnTrainEnd implements Observer: it writes the last record, closes the file and saves the plots.
func (f *File) OnTrainEnd() error {
	if f.f == nil {
		return nil
	}
	err := f.log("\ton_train_end")
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return err
	}
	if f.plotsDir != "" {
		return f.savePlots()
	}
	return nil
}

// Close the log file, if open. It is safe to call more than once, and it's used to release the file when training
// is interrupted by an error.
func (f *File) Close() error {
	if f.f == nil {
		return nil
	}
	err := f.f.Close()
	f.f = nil
	if err != nil {
		return errors.Wrapf(err, "observers.File: failed to close %q", f.path)
	}
	return nil
}

func (f *File) savePlots() error {
	if err := os.MkdirAll(f.plotsDir, 0o755); err != nil {
		return errors.Wrapf(err, "observers.File: failed to create plots directory %q", f.plotsDir)
	}
	for _, p := range []struct {
		metricType, suffix, yLabel string
	}{
		{"loss", "_loss.png", "loss"},
		{"learning_rate", "_lr.png", "learning rate"},
	} {
		points := f.points.OfType(p.metricType)
		if len(points) == 0 {
			klog.V(1).Infof("observers.File: no %s points to plot for stage %q", p.metricType, f.stage)
			continue
		}
		path := filepath.Join(f.plotsDir, f.stage+p.suffix)
		title := fmt.Sprintf("Stage %s: %s", f.stage, p.yLabel)
		if err := plots.SaveLinePlot(path, title, "step", p.yLabel, points); err != nil {
			return err
		}
	}
	return nil
}
