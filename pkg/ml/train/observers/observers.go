// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package observers report the progress of training: Console prints to the terminal, File appends to a log file
// (and renders plots), and NoOp does nothing.
//
// Observers are attached to a train.Loop with Attach, and receive the four lifecycle events of a training run.
package observers

import (
	"math"

	"github.com/gomlx/dawnbench/pkg/ml/train"
	"github.com/gomlx/dawnbench/pkg/ml/train/metrics"
	"github.com/pkg/errors"
)

// TrainInfo describes a training run, given to Observer.OnTrainBegin.
type TrainInfo struct {
	// Stage name.
	Stage string

	// NumSteps is the number of steps expected in the run, or -1 if unknown.
	NumSteps int
}

// BatchInfo is given to Observer.OnBatchEnd after each training step.
type BatchInfo struct {
	// Step is the global step just executed, counting from 0.
	Step  int
	Epoch int

	// Loss of the batch, and SmoothLoss its exponential moving average over the stage (see LossSmoothing).
	Loss, SmoothLoss float64

	LearningRate float64
}

// EpochMetrics is given to Observer.OnEpochEnd.
type EpochMetrics struct {
	Epoch int

	// Step is the global step at the end of the epoch.
	Step int

	// TrainLoss is the loss of the last batch of the epoch, and MeanTrainLoss the mean over the epoch.
	TrainLoss, MeanTrainLoss float64

	// Validation metrics, if HasValidation.
	Validation    metrics.Result
	HasValidation bool
}

// Observer of a training run.
type Observer interface {
	OnTrainBegin(info TrainInfo) error
	OnBatchEnd(info BatchInfo) error
	OnEpochEnd(epochMetrics EpochMetrics) error
	OnTrainEnd() error
}

// NoOp is an Observer that ignores all events.
type NoOp struct{}

var _ Observer = NoOp{}

func (NoOp) OnTrainBegin(TrainInfo) error { return nil }
func (NoOp) OnBatchEnd(BatchInfo) error { return nil }
func (NoOp) OnEpochEnd(EpochMetrics) error { return nil }
func (NoOp) OnTrainEnd() error { return nil }

// Multi forwards events to each of the observers, in order. It stops at the first error.
type Multi []Observer

var _ Observer = Multi{}

// OnTrainBegin implements Observer.
func (m Multi) OnTrainBegin(info TrainInfo) error {
	for _, o := range m {
		if err := o.OnTrainBegin(info); err != nil {
			return err
		}
	}
	return nil
}

// OnBatchEnd implements Observer.
func (m Multi) OnBatchEnd(info BatchInfo) error {
	for _, o := range m {
		if err := o.OnBatchEnd(info); err != nil {
			return err
		}
	}
	return nil
}

// OnEpochEnd implements Observer.
func (m Multi) OnEpochEnd(epochMetrics EpochMetrics) error {
	for _, o := range m {
		if err := o.OnEpochEnd(epochMetrics); err != nil {
			return err
		}
	}
	return nil
}

// OnTrainEnd implements Observer. All observers are called, and the first error is returned.
func (m Multi) OnTrainEnd() error {
	var firstErr error
	for _, o := range m {
		if err := o.OnTrainEnd(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Evaluator returns the validation metrics, called at the end of each epoch.
type Evaluator func() (metrics.Result, error)

// LossSmoothing is the weight of each new batch loss in BatchInfo.SmoothLoss.
const LossSmoothing = 0.02

// AttachName is the name of the loop hooks created by Attach.
const AttachName = "dawnbench.observers"

// Attach registers the observer in the loop.
//
// The learningRate function (if not nil) is queried after each step. The evaluate function (if not nil) is called at
// the end of each epoch, before OnEpochEnd, and its error interrupts the training.
func Attach(loop *train.Loop, stage string, observer Observer, learningRate func() float64, evaluate Evaluator) {
	var lastLoss float64
	var smoothLoss *metrics.MovingAverage
	loop.OnStart(AttachName, 0, func(loop *train.Loop, _ train.Dataset) error {
		smoothLoss = &metrics.MovingAverage{NewExampleWeight: LossSmoothing}
		numSteps := -1
		if loop.EndStep >= 0 {
			numSteps = loop.EndStep - loop.StartStep
		}
		lastLoss = math.NaN()
		return observer.OnTrainBegin(TrainInfo{Stage: stage, NumSteps: numSteps})
	})
	loop.OnStep(AttachName, 0, func(loop *train.Loop, loss float64) error {
		lastLoss = loss
		info := BatchInfo{Step: loop.LoopStep, Epoch: loop.Epoch, Loss: loss, SmoothLoss: smoothLoss.Observe(loss)}
		if learningRate != nil {
			info.LearningRate = learningRate()
		}
		return observer.OnBatchEnd(info)
	})
	loop.OnEpochEnd(AttachName, 0, func(loop *train.Loop, epochLoss float64) error {
		epochMetrics := EpochMetrics{
			Epoch:         loop.Epoch,
			Step:          loop.LoopStep,
			TrainLoss:     lastLoss,
			MeanTrainLoss: epochLoss,
		}
		if evaluate != nil {
			result, err := evaluate()
			if err != nil {
				return errors.WithMessagef(err, "evaluation at the end of epoch %d", loop.Epoch)
			}
			epochMetrics.Validation = result
			epochMetrics.HasValidation = true
		}
		return observer.OnEpochEnd(epochMetrics)
	})
	loop.OnEnd(AttachName, 0, func(*train.Loop, float64) error {
		return observer.OnTrainEnd()
	})
}
