// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package models

import (
	"io"
	"math"

	"github.com/gomlx/dawnbench/pkg/core/device"
	"github.com/gomlx/dawnbench/pkg/core/tensors"
	"github.com/gomlx/dawnbench/pkg/ml/train"
	"github.com/gomlx/dawnbench/pkg/ml/train/metrics"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// DefaultMomentum of the SGD optimizer.
const DefaultMomentum = 0.9

// Learner trains a Model with SGD (with momentum and weight decay), minimizing the softmax cross-entropy loss.
//
// Every step is enqueued on the device main stream, so it runs after the input copies the stream was made to wait
// on (see datasets.Prefetcher). The calling goroutine then waits for the loss.
//
// It implements train.Trainer.
type Learner struct {
	dev   *device.Device
	model Model

	learningRate, weightDecay, momentum float64
	velocity                            [][]float32
}

var _ train.Trainer = &Learner{}

// NewLearner creates a Learner for model, running on dev.
// The learning rate and weight decay default to 0: set them with SetHyperparameters.
func NewLearner(dev *device.Device, model Model) *Learner {
	l := &Learner{dev: dev, model: model, momentum: DefaultMomentum}
	for _, p := range model.Params() {
		l.velocity = append(l.velocity, make([]float32, p.Size()))
	}
	return l
}

// Model returns the model being trained.
func (l *Learner) Model() Model { return l.model }

// SetHyperparameters sets the learning rate and weight decay used by the following steps.
func (l *Learner) SetHyperparameters(learningRate, weightDecay float64) {
	l.learningRate, l.weightDecay = learningRate, weightDecay
}

// LearningRate currently in use.
func (l *Learner) LearningRate() float64 { return l.learningRate }

// WeightDecay currently in use.
func (l *Learner) WeightDecay() float64 { return l.weightDecay }

// batchValues reads the inputs and labels of a batch. It must be called from the main stream.
func (l *Learner) batchValues(input, target *tensors.Tensor) (values []float32, labels []int64, err error) {
	values, err = input.Float32s()
	if err != nil {
		return nil, nil, errors.WithMessage(err, "reading batch input")
	}
	labels, err = target.Int64s()
	if err != nil {
		return nil, nil, errors.WithMessage(err, "reading batch target")
	}
	if input.Rank() == 0 || len(labels) != input.Dim(0) {
		return nil, nil, errors.Errorf("batch input %s doesn't match target %s", input, target)
	}
	numClasses := l.model.NumClasses()
	for ii, label := range labels {
		if label < 0 || int(label) >= numClasses {
			return nil, nil, errors.Errorf("label #%d=%d out of range for %d classes", ii, label, numClasses)
		}
	}
	return values, labels, nil
}

// TrainStep implements train.Trainer: it runs the forward and backward passes and updates the parameters.
// It returns the mean loss of the batch.
func (l *Learner) TrainStep(input, target *tensors.Tensor) (loss float64, err error) {
	event := l.dev.MainStream().Enqueue(func() error {
		values, labels, err := l.batchValues(input, target)
		if err != nil {
			return err
		}
		logits, backward, err := l.model.Forward(values, input.Shape())
		if err != nil {
			return err
		}
		var dLogits []float32
		loss, dLogits = softmaxCrossEntropy(logits, l.model.NumClasses(), labels)
		l.update(backward(dLogits))
		return nil
	})
	if err = event.Wait(); err != nil {
		return 0, errors.WithMessage(err, "Learner.TrainStep")
	}
	return loss, nil
}

// softmaxCrossEntropy returns the mean loss and its gradient with respect to the logits.
func softmaxCrossEntropy(logits []float32, numClasses int, labels []int64) (loss float64, dLogits []float32) {
	batchSize := len(labels)
	dLogits = make([]float32, len(logits))
	scale := 1 / float64(batchSize)
	for b, label := range labels {
		row := logits[b*numClasses : (b+1)*numClasses]
		loss += metrics.CrossEntropy(row, label)
		maxLogit := math.Inf(-1)
		for _, v := range row {
			maxLogit = math.Max(maxLogit, float64(v))
		}
		var sumExp float64
		for _, v := range row {
			sumExp += math.Exp(float64(v) - maxLogit)
		}
		d := dLogits[b*numClasses : (b+1)*numClasses]
		for k, v := range row {
			p := math.Exp(float64(v)-maxLogit) / sumExp
			if int64(k) == label {
				p -= 1
			}
			d[k] = float32(p * scale)
		}
	}
	return loss * scale, dLogits
}

// update applies one SGD step. Weight decay is added to the gradient (L2 regularization).
func (l *Learner) update(grads [][]float32) {
	lr, wd, momentum := float32(l.learningRate), float32(l.weightDecay), float32(l.momentum)
	for ii, p := range l.model.Params() {
		g, v := grads[ii], l.velocity[ii]
		for jj, value := range p.Values {
			step := g[jj] + wd*value
			v[jj] = momentum*v[jj] + step
			p.Values[jj] = value - lr*v[jj]
		}
	}
}

// Evaluate runs the model over one epoch of ds and returns the loss, accuracy and top-5 accuracy.
// The parameters are not changed.
//
// The yielded tensors are finalized after use, unless ds implements train.DatasetCustomOwnership.
func (l *Learner) Evaluate(ds train.Dataset) (metrics.Result, error) {
	evaluator := metrics.NewEvaluator()
	finalize := train.IsOwnershipTransferred(ds)
	ds.Reset()
	for {
		input, target, err := ds.Yield()
		if err == io.EOF {
			break
		}
		if err != nil {
			return metrics.Result{}, errors.WithMessagef(err, "Evaluate(%q)", ds.Name())
		}
		event := l.dev.MainStream().Enqueue(func() error {
			values, labels, err := l.batchValues(input, target)
			if err != nil {
				return err
			}
			logits, _, err := l.model.Forward(values, input.Shape())
			if err != nil {
				return err
			}
			return evaluator.Update(logits, l.model.NumClasses(), labels)
		})
		err = event.Wait()
		if finalize {
			input.Finalize()
			target.Finalize()
		}
		if err != nil {
			return metrics.Result{}, errors.WithMessagef(err, "Evaluate(%q)", ds.Name())
		}
	}
	result := evaluator.Result()
	klog.V(1).Infof("Evaluate(%q): %s", ds.Name(), result)
	return result, nil
}

// SetParams replaces the values of the model parameters, matching them by name. All parameters of the model
// must be given, with the same dimensions.
func (l *Learner) SetParams(params []*Param) error {
	byName := make(map[string]*Param, len(params))
	for _, p := range params {
		byName[p.Name] = p
	}
	for _, p := range l.model.Params() {
		loaded, found := byName[p.Name]
		if !found {
			return errors.Errorf("SetParams: missing parameter %q", p.Name)
		}
		if len(loaded.Values) != len(p.Values) {
			return errors.Errorf("SetParams: parameter %q has %d values, model expects %d (dims %v)",
				p.Name, len(loaded.Values), len(p.Values), p.Dims)
		}
	}
	for _, p := range l.model.Params() {
		copy(p.Values, byName[p.Name].Values)
	}
	return nil
}
