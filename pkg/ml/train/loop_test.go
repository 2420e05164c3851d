// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package train

import (
	"io"
	"math"
	"testing"
	"time"

	"github.com/gomlx/dawnbench/pkg/core/tensors"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingDataset yields numBatches batches whose target holds the batch index.
type countingDataset struct {
	numBatches, next int
	resets           int
	failAt           int
	mismatchAt       int
	yielded          []*tensors.Tensor
}

func (ds *countingDataset) Name() string { return "counting" }
func (ds *countingDataset) Len() int     { return ds.numBatches }
func (ds *countingDataset) Reset() {
	ds.next = 0
	ds.resets++
}
func (ds *countingDataset) Yield() (input, target *tensors.Tensor, err error) {
	if ds.next >= ds.numBatches {
		return nil, nil, io.EOF
	}
	if ds.failAt > 0 && ds.next == ds.failAt {
		return nil, nil, errors.New("disk on fire")
	}
	input = tensors.FromFloat32([]float32{float32(ds.next), 1}, 1, 2)
	target = tensors.FromInt64([]int64{int64(ds.next)}, 1)
	if ds.mismatchAt > 0 && ds.next == ds.mismatchAt {
		target = tensors.FromInt64([]int64{int64(ds.next), int64(ds.next)}, 2)
	}
	ds.yielded = append(ds.yielded, input, target)
	ds.next++
	return
}

// recordingTrainer returns the target value as the loss.
type recordingTrainer struct {
	seen    []int64
	lossFn  func(step int) float64
	panicAt int
}

func (tr *recordingTrainer) TrainStep(input, target *tensors.Tensor) (float64, error) {
	labels, err := target.Int64s()
	if err != nil {
		return 0, err
	}
	step := len(tr.seen)
	tr.seen = append(tr.seen, labels[0])
	if tr.panicAt > 0 && step == tr.panicAt {
		panic(errors.New("model exploded"))
	}
	if tr.lossFn != nil {
		return tr.lossFn(step), nil
	}
	return float64(labels[0]), nil
}

func TestRunEpochs(t *testing.T) {
	ds := &countingDataset{numBatches: 4}
	trainer := &recordingTrainer{}
	loop := NewLoop(trainer)

	var calls []string
	loop.OnStart("start", 0, func(loop *Loop, ds Dataset) error {
		calls = append(calls, "start")
		assert.Equal(t, 8, loop.EndStep)
		return nil
	})
	loop.OnStep("late", 10, func(loop *Loop, loss float64) error {
		calls = append(calls, "late")
		return nil
	})
	loop.OnStep("early", -10, func(loop *Loop, loss float64) error {
		calls = append(calls, "early")
		return nil
	})
	var epochLosses []float64
	loop.OnEpochEnd("epoch", 0, func(loop *Loop, epochLoss float64) error {
		epochLosses = append(epochLosses, epochLoss)
		return nil
	})
	ended := false
	loop.OnEnd("end", 0, func(loop *Loop, loss float64) error {
		ended = true
		assert.Equal(t, 3.0, loss)
		return nil
	})

	epochLoss, err := loop.RunEpochs(ds, 2)
	require.NoError(t, err)
	assert.Equal(t, 1.5, epochLoss)
	assert.Equal(t, []float64{1.5, 1.5}, epochLosses)
	assert.Equal(t, []int64{0, 1, 2, 3, 0, 1, 2, 3}, trainer.seen)
	assert.Equal(t, 2, ds.resets)
	assert.Equal(t, 8, loop.LoopStep)
	assert.True(t, ended)
	assert.Equal(t, "start", calls[0])
	assert.Equal(t, []string{"early", "late"}, calls[1:3])
	assert.Len(t, loop.TrainStepDurations, 8)
	assert.Greater(t, loop.MedianTrainStepDuration(), time.Duration(0))

	// Yielded tensors are freed after each step.
	for _, tensor := range ds.yielded {
		assert.False(t, tensor.Ok())
	}
}

func TestRunEpochsErrors(t *testing.T) {
	// Dataset failures are returned.
	loop := NewLoop(&recordingTrainer{})
	_, err := loop.RunEpochs(&countingDataset{numBatches: 4, failAt: 2}, 1)
	require.ErrorContains(t, err, "disk on fire")

	// Mismatched batches are rejected, and their tensors freed.
	loop = NewLoop(&recordingTrainer{})
	mismatched := &countingDataset{numBatches: 4, mismatchAt: 1}
	_, err = loop.RunEpochs(mismatched, 1)
	require.ErrorContains(t, err, "mismatched batch")
	require.Len(t, mismatched.yielded, 4)
	for ii, tensor := range mismatched.yielded {
		assert.False(t, tensor.Ok(), "yielded tensor #%d should have been finalized", ii)
	}

	// Panics in the trainer are converted to errors.
	loop = NewLoop(&recordingTrainer{panicAt: 1})
	_, err = loop.RunEpochs(&countingDataset{numBatches: 4}, 1)
	require.ErrorContains(t, err, "model exploded")

	// NaN losses interrupt training.
	loop = NewLoop(&recordingTrainer{lossFn: func(int) float64 { return math.NaN() }})
	_, err = loop.RunEpochs(&countingDataset{numBatches: 4}, 1)
	require.ErrorContains(t, err, "NaN")

	// Hook errors are returned.
	loop = NewLoop(&recordingTrainer{})
	loop.OnEpochEnd("failing", 0, func(*Loop, float64) error { return errors.New("eval failed") })
	_, err = loop.RunEpochs(&countingDataset{numBatches: 2}, 1)
	require.ErrorContains(t, err, "eval failed")
}

func TestCallbacks(t *testing.T) {
	loop := NewLoop(&recordingTrainer{})
	everyThree, nTimes, periodic := 0, 0, 0
	EveryNSteps(loop, 3, "every3", 0, func(*Loop, float64) error {
		everyThree++
		return nil
	})
	NTimesDuringLoop(loop, 5, "5times", 0, func(*Loop, float64) error {
		nTimes++
		return nil
	})
	PeriodicCallback(loop, time.Hour, true, "hourly", 0, func(*Loop, float64) error {
		periodic++
		return nil
	})
	_, err := loop.RunEpochs(&countingDataset{numBatches: 20}, 1)
	require.NoError(t, err)
	assert.Equal(t, 6, everyThree)
	assert.Equal(t, 6, nTimes) // 5 evenly spaced calls, plus the last step.
	assert.Equal(t, 1, periodic) // Only at the end.
}
