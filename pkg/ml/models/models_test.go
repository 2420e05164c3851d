// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package models

import (
	"math/rand/v2"
	"testing"

	"github.com/gomlx/dawnbench/pkg/core/device"
	"github.com/gomlx/dawnbench/pkg/core/tensors"
	"github.com/gomlx/dawnbench/pkg/ml/datasets"
	"github.com/gomlx/dawnbench/pkg/ml/train"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry(t *testing.T) {
	assert.Equal(t, []string{"linear", "linear8"}, Names())
	assert.True(t, IsRegistered("linear"))
	assert.False(t, IsRegistered("resnet50"))
	_, err := New("resnet50", 10, 0)
	require.Error(t, err)
	_, err = New("linear", 0, 0)
	require.Error(t, err)
	assert.Panics(t, func() { Register("linear", nil) })

	m, err := New("linear8", 7, 1)
	require.NoError(t, err)
	assert.Equal(t, 7, m.NumClasses())
	assert.Equal(t, []int{8 * 8 * 3, 7}, m.Params()[0].Dims)
}

func TestPooledLinearGradients(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 1))
	m := NewPooledLinear(2, 3, rng)
	dims := []int{2, 4, 6, 3}
	input := make([]float32, 2*4*6*3)
	for ii := range input {
		input[ii] = float32(rng.NormFloat64())
	}
	labels := []int64{2, 0}

	lossFn := func() float64 {
		logits, _, err := m.Forward(input, dims)
		require.NoError(t, err)
		loss, _ := softmaxCrossEntropy(logits, 3, labels)
		return loss
	}
	logits, backward, err := m.Forward(input, dims)
	require.NoError(t, err)
	require.Len(t, logits, 2*3)
	_, dLogits := softmaxCrossEntropy(logits, 3, labels)
	grads := backward(dLogits)

	// Compare with finite differences.
	const eps = 1e-2
	for pIdx, p := range m.Params() {
		for _, ii := range []int{0, p.Size() / 2, p.Size() - 1} {
			original := p.Values[ii]
			p.Values[ii] = original + eps
			lossPlus := lossFn()
			p.Values[ii] = original - eps
			lossMinus := lossFn()
			p.Values[ii] = original
			numeric := (lossPlus - lossMinus) / (2 * eps)
			assert.InDelta(t, numeric, float64(grads[pIdx][ii]), 1e-3, "param %s[%d]", p.Name, ii)
		}
	}

	_, _, err = m.Forward(input, []int{2, 4, 6})
	require.Error(t, err)
	_, _, err = m.Forward(make([]float32, 1*1*1*3), []int{1, 1, 1, 3})
	require.Error(t, err, "image smaller than the pooling grid")
}

// separableDataset returns examples whose class is given by the brightness of the left or right half of the image.
func separableDataset(t *testing.T, numExamples, batchSize int) *datasets.InMemoryDataset {
	rng := rand.New(rand.NewPCG(3, 3))
	const size = 8
	examples := make([][]float32, numExamples)
	labels := make([]int64, numExamples)
	for ii := range examples {
		label := int64(ii % 2)
		values := make([]float32, size*size*3)
		for y := range size {
			for x := range size {
				for c := range 3 {
					v := float32(rng.NormFloat64() * 0.1)
					if (x < size/2) == (label == 0) {
						v += 1
					}
					values[(y*size+x)*3+c] = v
				}
			}
		}
		examples[ii] = values
		labels[ii] = label
	}
	ds, err := datasets.InMemory("separable", []int{size, size, 3}, examples, labels)
	require.NoError(t, err)
	return ds.BatchSize(batchSize, false)
}

func TestLearner(t *testing.T) {
	dev := device.New()
	defer dev.Close()
	model := must.M1(New("linear", 2, 42))
	learner := NewLearner(dev, model)
	learner.SetHyperparameters(0.1, 2e-5)
	assert.Equal(t, 0.1, learner.LearningRate())
	assert.Equal(t, 2e-5, learner.WeightDecay())

	ds := separableDataset(t, 64, 16)
	before, err := learner.Evaluate(ds)
	require.NoError(t, err)
	assert.Equal(t, 64, before.Examples)

	loop := train.NewLoop(learner)
	_, err = loop.RunEpochs(ds, 5)
	require.NoError(t, err)

	after, err := learner.Evaluate(ds)
	require.NoError(t, err)
	assert.Less(t, after.Loss, before.Loss)
	assert.Equal(t, 1.0, after.Accuracy)
	assert.Equal(t, 1.0, after.Top5)

	// Invalid labels are reported as errors, not panics.
	_, err = learner.TrainStep(tensors.FromFloat32(make([]float32, 8*8*3), 1, 8, 8, 3), tensors.FromInt64([]int64{5}))
	require.Error(t, err)
}

func TestSetParams(t *testing.T) {
	dev := device.New()
	defer dev.Close()
	source := must.M1(New("linear", 3, 1))
	target := NewLearner(dev, must.M1(New("linear", 3, 2)))
	require.NoError(t, target.SetParams(source.Params()))
	for ii, p := range target.Model().Params() {
		assert.Equal(t, source.Params()[ii].Values, p.Values)
	}

	wrong := must.M1(New("linear", 4, 1))
	require.Error(t, target.SetParams(wrong.Params()))
	require.Error(t, target.SetParams(nil))
}
