// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package stages runs progressive-resolution training: a sequence of stages, each one with its own dataset
// resolution and hyperparameters, training the same model.
//
// For each stage the Controller builds the train, validation and augmented-validation sources, wraps each of them
// in its own datasets.Prefetcher (closing the ones of the previous stage), and runs exactly one fit cycle with the
// stage's learning rate and weight decay. Any error is fatal: there is no retry or rollback.
//
// Example:
//
//	cfg := stages.DefaultConfig(dataDir)
//	cfg.SaveDir = saveDir
//	controller, err := stages.New(cfg, device.New())
//	if err != nil { klog.Fatalf("%+v", err) }
//	defer controller.Close()
//	results, err := controller.Run(ctx)
package stages

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/gomlx/dawnbench/pkg/core/device"
	"github.com/gomlx/dawnbench/pkg/core/dtypes"
	"github.com/gomlx/dawnbench/pkg/ml/checkpoints"
	"github.com/gomlx/dawnbench/pkg/ml/datasets"
	"github.com/gomlx/dawnbench/pkg/ml/models"
	"github.com/gomlx/dawnbench/pkg/ml/train"
	"github.com/gomlx/dawnbench/pkg/ml/train/metrics"
	"github.com/gomlx/dawnbench/pkg/ml/train/observers"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

const (
	// TrainMinScale is the minimum fraction of the image area kept by the random-resized-crop of the training data.
	TrainMinScale = 0.08

	// LogsDir is the subdirectory of the save directory with the log files and plots of each stage.
	LogsDir = "training_logs"

	// LogSuffix is appended to the stage name to name its log file.
	LogSuffix = "_log.txt"

	// ThroughputLogPeriod is the period between throughput reports in the logs.
	ThroughputLogPeriod = time.Minute
)

// Sources of the batches of a stage. All sources must have the same number of classes.
type Sources struct {
	Train, Val, Aug train.Dataset
	NumClasses      int
}

// SourcesFn builds the Sources of a stage.
type SourcesFn func(ctx context.Context, cfg *Config, stage Stage) (*Sources, error)

// ImageFolderSources is the default SourcesFn: it reads the images from the `train` and `val` subdirectories of
// the stage's data directory.
//
//   - Train: random-resized-crop and horizontal flip, sharded across ranks and reshuffled every epoch.
//   - Val: resize and center crop, batches twice as large, in order.
//   - Aug: the validation images with the training transforms, in order.
func ImageFolderSources(ctx context.Context, cfg *Config, stage Stage) (*Sources, error) {
	trainFolder, err := datasets.ScanImageFolder(ctx, filepath.Join(stage.DataDir, "train"), cfg.Workers)
	if err != nil {
		return nil, err
	}
	valFolder, err := datasets.ScanImageFolder(ctx, filepath.Join(stage.DataDir, "val"), cfg.Workers)
	if err != nil {
		return nil, err
	}
	if !slices.Equal(trainFolder.Classes, valFolder.Classes) {
		return nil, errors.Errorf("classes in %q (%d) don't match classes in %q (%d)",
			trainFolder.Dir, trainFolder.NumClasses(), valFolder.Dir, valFolder.NumClasses())
	}
	sampler, err := datasets.Distributed(trainFolder.Len(), cfg.WorldSize, cfg.Rank, true, cfg.Seed)
	if err != nil {
		return nil, err
	}
	batchSize := cfg.StageBatchSize(stage)
	trainTransforms := datasets.TrainTransforms(stage.Size, TrainMinScale)
	return &Sources{
		Train: datasets.NewLoader("train:"+stage.Name, trainFolder, trainTransforms, stage.Size, batchSize).
			WithSampler(sampler).Workers(cfg.Workers).Seed(cfg.Seed),
		Val: datasets.NewLoader("val:"+stage.Name, valFolder, datasets.ValTransforms(stage.Size), stage.Size, 2*batchSize).
			Workers(cfg.Workers),
		Aug: datasets.NewLoader("aug:"+stage.Name, valFolder, trainTransforms, stage.Size, batchSize).
			Workers(cfg.Workers).Seed(cfg.Seed),
		NumClasses: trainFolder.NumClasses(),
	}, nil
}

// StageResult summarizes a completed stage.
type StageResult struct {
	Stage string

	// Steps trained in the stage.
	Steps int

	// TrainLoss is the mean training loss of the last epoch.
	TrainLoss float64

	// Validation metrics at the end of the last epoch, and Augmented the metrics over the augmented
	// validation source at the end of the stage.
	Validation, Augmented metrics.Result

	// Prefetcher statistics at the end of the stage.
	TrainStats, ValStats, AugStats datasets.PrefetcherStats
}

// String implements fmt.Stringer.
func (r StageResult) String() string {
	return fmt.Sprintf("stage %s: %d steps, trn_loss=%.4f, %s, aug: %s",
		r.Stage, r.Steps, r.TrainLoss, r.Validation, r.Augmented)
}

// Controller sequences the stages of a training run.
type Controller struct {
	cfg       *Config
	dev       *device.Device
	sourcesFn SourcesFn
	console   io.Writer
	extra     []observers.Observer
	handler   *checkpoints.Handler
	infof     func(format string, args ...any)

	learner *models.Learner
	step    int

	// Prefetchers of the current stage.
	trainP, valP, augP *datasets.Prefetcher
}

// Option configures a Controller.
type Option func(c *Controller)

// WithSources sets the function that builds the sources of each stage. Default is ImageFolderSources.
func WithSources(fn SourcesFn) Option {
	return func(c *Controller) { c.sourcesFn = fn }
}

// WithConsole sets where the progress bar and the metrics tables are written. Default is os.Stdout.
func WithConsole(w io.Writer) Option {
	return func(c *Controller) { c.console = w }
}

// WithObserver adds an observer to every stage.
func WithObserver(observer observers.Observer) Option {
	return func(c *Controller) { c.extra = append(c.extra, observer) }
}

// New validates the configuration and creates a Controller. If the run saves to disk (see Config.SavesToDisk),
// the checkpoint directories are created.
func New(cfg *Config, dev *device.Device, options ...Option) (*Controller, error) {
	if err := cfg.Validate(dev); err != nil {
		return nil, errors.WithMessage(err, "invalid configuration")
	}
	c := &Controller{cfg: cfg, dev: dev, sourcesFn: ImageFolderSources, console: os.Stdout, infof: klog.Infof}
	for _, option := range options {
		option(c)
	}
	if cfg.SavesToDisk() {
		handler, err := checkpoints.PrepareDirs(cfg.SaveDir)
		if err != nil {
			return nil, err
		}
		c.handler = handler
	}
	return c, nil
}

// Learner returns the learner training the model. It is nil until the first stage starts.
func (c *Controller) Learner() *models.Learner { return c.learner }

// Step returns the global number of training steps executed so far, across stages.
func (c *Controller) Step() int { return c.step }

// Run all stages of the schedule, in order. It stops at the first error.
func (c *Controller) Run(ctx context.Context) ([]StageResult, error) {
	results := make([]StageResult, 0, len(c.cfg.Schedule))
	for _, stage := range c.cfg.Schedule {
		if err := ctx.Err(); err != nil {
			return results, errors.Wrapf(err, "interrupted before stage %q", stage.Name)
		}
		result, err := c.RunStage(ctx, stage)
		if err != nil {
			return results, errors.WithMessagef(err, "stage %q", stage.Name)
		}
		results = append(results, result)
	}
	klog.Infof("Finished %d stages, %d steps", len(results), c.step)
	return results, nil
}

// RunStage rebuilds the data pipeline for the stage and runs its fit cycle.
func (c *Controller) RunStage(ctx context.Context, stage Stage) (result StageResult, err error) {
	result.Stage = stage.Name
	sources, err := c.sourcesFn(ctx, c.cfg, stage)
	if err != nil {
		return result, errors.WithMessage(err, "failed to build data sources")
	}
	if c.learner == nil {
		model, err := models.New(c.cfg.Arch, sources.NumClasses, c.cfg.Seed)
		if err != nil {
			return result, err
		}
		c.learner = models.NewLearner(c.dev, model)
	} else if n := c.learner.Model().NumClasses(); n != sources.NumClasses {
		return result, errors.Errorf("stage has %d classes, but the model was created for %d", sources.NumClasses, n)
	}
	if err = c.rebind(sources); err != nil {
		return result, err
	}
	c.learner.SetHyperparameters(stage.LR, stage.WD)
	klog.Infof("stage %s: %s, lr=%g, wd=%g, %d epoch(s), train=%s", stage.Name, stage.DataDir, stage.LR, stage.WD,
		stage.Epochs, c.trainP.Name())

	observer, closeFn := c.observers(stage)
	defer closeFn()

	loop := train.NewLoop(c.learner)
	loop.LoopStep = c.step
	observers.Attach(loop, stage.Name, observer, c.learner.LearningRate, func() (metrics.Result, error) {
		var err error
		result.Validation, err = c.learner.Evaluate(c.valP)
		return result.Validation, err
	})
	loop.OnStep("interrupt", -100, func(*train.Loop, float64) error {
		return errors.Wrap(ctx.Err(), "training interrupted")
	})
	c.attachLogging(loop, stage)
	result.TrainLoss, err = loop.RunEpochs(c.trainP, stage.Epochs)
	result.Steps = loop.LoopStep - c.step
	c.step = loop.LoopStep
	if err != nil {
		return result, err
	}
	if result.Augmented, err = c.learner.Evaluate(c.augP); err != nil {
		return result, errors.WithMessage(err, "evaluation of the augmented validation data")
	}
	result.TrainStats, result.ValStats, result.AugStats = c.trainP.Stats(), c.valP.Stats(), c.augP.Stats()
	klog.Infof("%s", result)
	klog.V(1).Infof("stage %s prefetchers: train %+v, val %+v, aug %+v",
		stage.Name, result.TrainStats, result.ValStats, result.AugStats)
	return result, nil
}

// rebind closes the prefetchers of the previous stage and creates new ones for the sources.
func (c *Controller) rebind(sources *Sources) error {
	c.closePrefetchers()
	options := []datasets.PrefetcherOption{datasets.WithStopAfter(c.cfg.StopAfter)}
	if c.cfg.FP16 {
		options = append(options, datasets.WithInputDType(dtypes.Float16))
	}
	var err error
	for _, p := range []struct {
		target **datasets.Prefetcher
		source train.Dataset
	}{
		{&c.trainP, sources.Train},
		{&c.valP, sources.Val},
		{&c.augP, sources.Aug},
	} {
		if *p.target, err = datasets.NewPrefetcher(c.dev, p.source, options...); err != nil {
			c.closePrefetchers()
			return err
		}
	}
	return nil
}

func (c *Controller) closePrefetchers() {
	for _, p := range []**datasets.Prefetcher{&c.trainP, &c.valP, &c.augP} {
		if *p != nil {
			(*p).Close()
			*p = nil
		}
	}
}

// observers of a stage: the console, and on the main process saving to disk, the log file (with plots) and the
// checkpointer. The returned function releases the log file if training is interrupted.
func (c *Controller) observers(stage Stage) (observers.Observer, func()) {
	all := observers.Multi{observers.NewConsole(c.console)}
	closeFn := func() {}
	if c.cfg.SavesToDisk() {
		logsDir := filepath.Join(c.cfg.SaveDir, LogsDir)
		file := observers.NewFile(filepath.Join(logsDir, stage.Name+LogSuffix),
			observers.WithPrintEvery(c.cfg.PrintEvery), observers.WithPlots(logsDir))
		closeFn = func() {
			if err := file.Close(); err != nil {
				klog.Errorf("%+v", err)
			}
		}
		all = append(all, file, newCheckpointer(c.handler, c.cfg.Arch, c.learner.Model()))
	}
	all = append(all, c.extra...)
	return all, closeFn
}

// attachLogging registers the loop hooks that report the progress to klog. They are active on every rank, even
// those that don't write log files.
func (c *Controller) attachLogging(loop *train.Loop, stage Stage) {
	train.EveryNSteps(loop, c.cfg.PrintEvery, "klog", 0, func(loop *train.Loop, loss float64) error {
		klog.V(1).Infof("stage %s epoch %d step %d: loss=%.4f", stage.Name, loop.Epoch, loop.LoopStep, loss)
		return nil
	})
	start := time.Now()
	throughput := func(loop *train.Loop, steps int) error {
		elapsed := time.Since(start)
		c.infof("stage %s: %d steps in %s (%.1f steps/s, median step %s)", stage.Name, steps,
			elapsed.Round(time.Second), float64(steps)/elapsed.Seconds(), loop.MedianTrainStepDuration())
		return nil
	}
	// OnStep hooks run before LoopStep is incremented, OnEnd hooks after.
	train.PeriodicCallback(loop, ThroughputLogPeriod, false, "throughput", 0, func(loop *train.Loop, _ float64) error {
		return throughput(loop, loop.LoopStep-loop.StartStep+1)
	})
	loop.OnEnd("throughput", 0, func(loop *train.Loop, _ float64) error {
		return throughput(loop, loop.LoopStep-loop.StartStep)
	})
	train.NTimesDuringLoop(loop, 10, "prefetcher stats", 0, func(*train.Loop, float64) error {
		klog.V(2).Infof("stage %s prefetcher %q: %+v", stage.Name, c.trainP.Name(), c.trainP.Stats())
		return nil
	})
}

// Close releases the prefetchers of the last stage.
func (c *Controller) Close() {
	c.closePrefetchers()
}
