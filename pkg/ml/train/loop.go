// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package train implements the training loop: it pulls batches from a Dataset, feeds them to a Trainer,
// and calls the registered hooks (progress bars, logging, checkpointing, evaluation).
package train

import (
	"io"
	"iter"
	"math"
	"slices"
	"sort"
	"time"

	"github.com/gomlx/dawnbench/pkg/core/tensors"
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
)

// Trainer executes one training step on a batch: forward, loss, backward and parameter update.
// It is implemented by models.Learner.
type Trainer interface {
	// TrainStep trains on one batch and returns its (mean) loss.
	TrainStep(input, target *tensors.Tensor) (loss float64, err error)
}

// Priority for hooks, the lowest values are run first. Defaults to 0, but negative
// values are ok.
type Priority int

// OnStartFn is the type of OnStart hooks.
type OnStartFn func(loop *Loop, ds Dataset) error

// OnStepFn is the type of OnStep hooks. It's given the loss of the step just executed.
type OnStepFn func(loop *Loop, loss float64) error

// OnEpochEndFn is the type of OnEpochEnd hooks. It's given the mean loss of the epoch just finished.
type OnEpochEndFn func(loop *Loop, epochLoss float64) error

// OnEndFn is the type of OnEnd hooks. It's given the loss of the last step.
type OnEndFn func(loop *Loop, loss float64) error

// Loop will run a training loop, invoking Trainer.TrainStep every step,
// and calling the appropriate hooks.
//
// It also converts panics during a train step into errors.
//
// By itself it doesn't do much, but one can attach functionality to it, like
// checkpointing, logging, evaluation, etc.
//
// The public attributes are meant for reading only, don't change them -- behavior
// can be undefined.
type Loop struct {
	// Trainer associated with this loop.
	Trainer Trainer

	// LoopStep currently being executed. It is never reset, so it counts steps across multiple runs
	// of the same loop.
	LoopStep int

	// StartStep is the value of LoopStep at the start of a run.
	StartStep int

	// EndStep is one-past the last step to be executed. If -1 the end step is not known.
	// It is adjusted at the end of each epoch, once the number of steps per epoch is known.
	EndStep int

	// Epoch is set to the current running epoch, starting from 0.
	Epoch int

	// SharedData allows for cross-tools to publish and consume information. Keys (strings)
	// and semantics/type of their values are not specified by loop.
	SharedData map[string]any

	// TrainStepDurations collected during training.
	TrainStepDurations []time.Duration

	onStart    *priorityHooks[*hookWithName[OnStartFn]]
	onStep     *priorityHooks[*hookWithName[OnStepFn]]
	onEpochEnd *priorityHooks[*hookWithName[OnEpochEndFn]]
	onEnd      *priorityHooks[*hookWithName[OnEndFn]]

	finalizeYieldedTensors bool
}

// NewLoop creates a new training loop trainer.
func NewLoop(trainer Trainer) *Loop {
	return &Loop{
		Trainer:    trainer,
		SharedData: make(map[string]any),
		onStart:    newPriorityHooks[*hookWithName[OnStartFn]](),
		onStep:     newPriorityHooks[*hookWithName[OnStepFn]](),
		onEpochEnd: newPriorityHooks[*hookWithName[OnEpochEndFn]](),
		onEnd:      newPriorityHooks[*hookWithName[OnEndFn]](),
	}
}

// start of loop: it calls the OnStart hooks.
func (loop *Loop) start(ds Dataset) error {
	for hook := range loop.onStart.All() {
		if err := hook.fn(loop, ds); err != nil {
			return errors.WithMessagef(err, "OnStart(hook %q)", hook.name)
		}
	}
	return nil
}

// step executes one train step, frees the batch and calls the OnStep hooks.
func (loop *Loop) step(input, target *tensors.Tensor) (loss float64, err error) {
	startTime := time.Now()
	if exception := exceptions.TryCatch[error](func() {
		loss, err = loop.Trainer.TrainStep(input, target)
	}); exception != nil {
		err = errors.WithMessage(exception, "panic during TrainStep")
	}
	loop.TrainStepDurations = append(loop.TrainStepDurations, time.Since(startTime))
	if loop.finalizeYieldedTensors {
		input.Finalize()
		target.Finalize()
	}
	if err != nil {
		return 0, err
	}

	for hook := range loop.onStep.All() {
		if err := hook.fn(loop, loss); err != nil {
			return 0, errors.WithMessagef(err, "train.Loop.OnStep(hook %q)", hook.name)
		}
	}

	if math.IsNaN(loss) {
		return 0, errors.Errorf("batch loss is NaN, training interrupted")
	}
	if math.IsInf(loss, 0) {
		return 0, errors.Errorf("batch loss is infinity (%f), training interrupted", loss)
	}
	return loss, nil
}

// epochEnd calls the OnEpochEnd hooks.
func (loop *Loop) epochEnd(epochLoss float64) error {
	for hook := range loop.onEpochEnd.All() {
		if err := hook.fn(loop, epochLoss); err != nil {
			return errors.WithMessagef(err, "OnEpochEnd(hook %q)", hook.name)
		}
	}
	return nil
}

// end of loop: it calls the OnEnd hooks.
func (loop *Loop) end(loss float64) error {
	for hook := range loop.onEnd.All() {
		if err := hook.fn(loop, loss); err != nil {
			return errors.WithMessagef(err, "OnEnd(hook %q)", hook.name)
		}
	}
	return nil
}

func checkYield(input, target *tensors.Tensor) error {
	for ii, t := range []*tensors.Tensor{input, target} {
		if t == nil || !t.Ok() {
			return errors.Errorf(
				"dataset yielded an invalid %s tensor -- likely it has already been finalized (freed). "+
					"The training loop by default immediately frees the yielded tensor after use. If the dataset "+
					"is trying to reuse tensors, implement DatasetCustomOwnership and return false.",
				[]string{"input", "target"}[ii])
		}
	}
	if input.Rank() == 0 || target.Rank() == 0 || input.Dim(0) != target.Dim(0) {
		return errors.Errorf("dataset yielded mismatched batch: input %s, target %s", input, target)
	}
	return nil
}

// finalizeValid finalizes the tensors that are not nil and not yet finalized.
func finalizeValid(ts ...*tensors.Tensor) {
	for _, t := range ts {
		if t != nil {
			t.Finalize()
		}
	}
}

// RunEpochs runs those many epochs over ds. StartStep is adjusted to the current
// LoopStep, so it can be called multiple times, and it will simply pick up
// where it left off last time.
//
// Loop.Epoch is set to the current running epoch. EndStep starts with the estimate given by
// HasLen (or -1) and is adjusted after each epoch.
//
// Dataset.Reset is called at the start of each epoch: that's what begins a new iteration.
//
// It returns the mean loss of the last epoch.
//
// Note: input and target yielded by the dataset are immediately finalized (freed) after use in each step,
// unless the dataset implements DatasetCustomOwnership.
func (loop *Loop) RunEpochs(ds Dataset, epochs int) (epochLoss float64, err error) {
	loop.finalizeYieldedTensors = IsOwnershipTransferred(ds)
	loop.StartStep = loop.LoopStep
	loop.EndStep = -1
	if n := Len(ds); n >= 0 {
		loop.EndStep = loop.StartStep + n*epochs
	}
	loop.TrainStepDurations = nil
	if err = loop.start(ds); err != nil {
		return 0, err
	}

	var lastLoss float64
	for loop.Epoch = 0; loop.Epoch < epochs; loop.Epoch++ {
		ds.Reset()
		var sumLoss float64
		yieldsPerEpoch := 0
		for {
			input, target, err := ds.Yield()
			if err != nil {
				if err == io.EOF {
					loop.EndStep = loop.LoopStep + yieldsPerEpoch*(epochs-loop.Epoch-1)
					break
				}
				return 0, errors.WithMessagef(err, "Loop.RunEpochs(epoch %d of %d): failed reading from Dataset %q",
					loop.Epoch, epochs, ds.Name())
			}
			if err = checkYield(input, target); err != nil {
				if loop.finalizeYieldedTensors {
					finalizeValid(input, target)
				}
				return 0, err
			}
			lastLoss, err = loop.step(input, target)
			if err != nil {
				return 0, errors.WithMessagef(err, "Loop.RunEpochs(%d): failed train step (LoopStep=%d)",
					epochs, loop.LoopStep)
			}
			sumLoss += lastLoss
			yieldsPerEpoch++
			loop.LoopStep++
		}
		epochLoss = math.NaN()
		if yieldsPerEpoch > 0 {
			epochLoss = sumLoss / float64(yieldsPerEpoch)
		}
		if err = loop.epochEnd(epochLoss); err != nil {
			return 0, errors.WithMessagef(err, "Loop.RunEpochs(%d): failed epoch %d end", epochs, loop.Epoch)
		}
	}
	if err = loop.end(lastLoss); err != nil {
		return 0, errors.WithMessagef(err, "Loop.RunEpochs(%d): failed end (LoopStep=%d)", epochs, loop.LoopStep)
	}
	return epochLoss, nil
}

// MedianTrainStepDuration returns the median duration of each training step. It returns 1 millisecond
// if no training step was recorded (to avoid potential division by 0).
func (loop *Loop) MedianTrainStepDuration() time.Duration {
	if len(loop.TrainStepDurations) == 0 {
		return time.Millisecond
	}
	times := slices.Clone(loop.TrainStepDurations)
	slices.Sort(times)
	return times[len(times)/2]
}

// OnStart adds a hook with given priority and name (for error reporting) to the start of a loop.
func (loop *Loop) OnStart(name string, priority Priority, fn OnStartFn) {
	loop.onStart.Add(priority, &hookWithName[OnStartFn]{name: name, fn: fn})
}

// OnStep adds a hook with given priority and name (for error reporting) to each step of a loop.
// The function `fn` is called after each `Trainer.TrainStep`.
func (loop *Loop) OnStep(name string, priority Priority, fn OnStepFn) {
	loop.onStep.Add(priority, &hookWithName[OnStepFn]{name: name, fn: fn})
}

// OnEpochEnd adds a hook with given priority and name (for error reporting) called at the end of each epoch,
// after the dataset is exhausted.
func (loop *Loop) OnEpochEnd(name string, priority Priority, fn OnEpochEndFn) {
	loop.onEpochEnd.Add(priority, &hookWithName[OnEpochEndFn]{name: name, fn: fn})
}

// OnEnd adds a hook with given priority and name (for error reporting) to the end of a loop,
// after the last call to `Trainer.TrainStep`.
func (loop *Loop) OnEnd(name string, priority Priority, fn OnEndFn) {
	loop.onEnd.Add(priority, &hookWithName[OnEndFn]{name: name, fn: fn})
}

// hookWithName stores a hook name and function.
type hookWithName[F any] struct {
	name string
	fn   F
}

// priorityHooks organizes hooks for type F per priority.
type priorityHooks[H any] struct {
	hooks map[Priority][]H
}

func newPriorityHooks[H any]() *priorityHooks[H] {
	return &priorityHooks[H]{
		hooks: make(map[Priority][]H),
	}
}

// Add hook at the given priority.
func (h *priorityHooks[H]) Add(priority Priority, hook H) {
	h.hooks[priority] = append(h.hooks[priority], hook)
}

// All returns an iterator over all registered hooks in priority order.
func (h *priorityHooks[H]) All() iter.Seq[H] {
	return func(yield func(H) bool) {
		keys := make([]Priority, 0, len(h.hooks))
		for key := range h.hooks {
			keys = append(keys, key)
		}
		sort.Slice(keys, func(i, j int) bool {
			return keys[i] < keys[j]
		})
		for _, key := range keys {
			for _, hook := range h.hooks[key] {
				if !yield(hook) {
					return
				}
			}
		}
	}
}
