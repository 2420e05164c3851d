// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package models

import (
	"math"
	"math/rand/v2"

	"github.com/pkg/errors"
)

func init() {
	Register("linear", func(numClasses int, rng *rand.Rand) Model { return NewPooledLinear(4, numClasses, rng) })
	Register("linear8", func(numClasses int, rng *rand.Rand) Model { return NewPooledLinear(8, numClasses, rng) })
}

// PooledLinear averages the image into a grid of poolSize x poolSize cells (per channel), and applies a linear
// (softmax regression) layer on the pooled features.
//
// It's independent of the image size, so it can be trained across the progressive resolution stages.
type PooledLinear struct {
	poolSize, channels, numClasses int
	weights, bias                  *Param
}

// NewPooledLinear creates a PooledLinear model for RGB images. Weights are initialized with a scaled
// uniform distribution, biases with zero.
func NewPooledLinear(poolSize, numClasses int, rng *rand.Rand) *PooledLinear {
	const channels = 3
	numFeatures := poolSize * poolSize * channels
	m := &PooledLinear{
		poolSize:   poolSize,
		channels:   channels,
		numClasses: numClasses,
		weights:    &Param{Name: "linear/weights", Dims: []int{numFeatures, numClasses}, Values: make([]float32, numFeatures*numClasses)},
		bias:       &Param{Name: "linear/bias", Dims: []int{numClasses}, Values: make([]float32, numClasses)},
	}
	limit := math.Sqrt(6 / float64(numFeatures+numClasses))
	for ii := range m.weights.Values {
		m.weights.Values[ii] = float32((2*rng.Float64() - 1) * limit)
	}
	return m
}

// NumClasses implements Model.
func (m *PooledLinear) NumClasses() int { return m.numClasses }

// Params implements Model.
func (m *PooledLinear) Params() []*Param { return []*Param{m.weights, m.bias} }

// pool averages each image into poolSize x poolSize cells. Returns features shaped [batchSize, numFeatures].
func (m *PooledLinear) pool(input []float32, dims []int) ([]float32, error) {
	if len(dims) != 4 || dims[3] != m.channels {
		return nil, errors.Errorf("PooledLinear: input must be shaped [batch, height, width, %d], got %v", m.channels, dims)
	}
	batchSize, height, width := dims[0], dims[1], dims[2]
	if height < m.poolSize || width < m.poolSize {
		return nil, errors.Errorf("PooledLinear: images %dx%d smaller than pool grid %d", height, width, m.poolSize)
	}
	numFeatures := m.poolSize * m.poolSize * m.channels
	features := make([]float32, batchSize*numFeatures)
	counts := make([]float32, m.poolSize*m.poolSize)
	for y := range height {
		for x := range width {
			counts[(y*m.poolSize/height)*m.poolSize+x*m.poolSize/width]++
		}
	}
	for b := range batchSize {
		image := input[b*height*width*m.channels : (b+1)*height*width*m.channels]
		feat := features[b*numFeatures : (b+1)*numFeatures]
		for y := range height {
			cy := y * m.poolSize / height
			for x := range width {
				cell := cy*m.poolSize + x*m.poolSize/width
				pixel := image[(y*width+x)*m.channels:]
				for c := range m.channels {
					feat[cell*m.channels+c] += pixel[c]
				}
			}
		}
		for cell, count := range counts {
			for c := range m.channels {
				feat[cell*m.channels+c] /= count
			}
		}
	}
	return features, nil
}

// Forward implements Model.
func (m *PooledLinear) Forward(input []float32, dims []int) (logits []float32, backward func(dLogits []float32) [][]float32, err error) {
	features, err := m.pool(input, dims)
	if err != nil {
		return nil, nil, err
	}
	batchSize := dims[0]
	numFeatures, numClasses := m.weights.Dims[0], m.numClasses
	w, bias := m.weights.Values, m.bias.Values
	logits = make([]float32, batchSize*numClasses)
	for b := range batchSize {
		out := logits[b*numClasses : (b+1)*numClasses]
		copy(out, bias)
		for f, v := range features[b*numFeatures : (b+1)*numFeatures] {
			row := w[f*numClasses : (f+1)*numClasses]
			for k := range out {
				out[k] += v * row[k]
			}
		}
	}
	backward = func(dLogits []float32) [][]float32 {
		dW := make([]float32, len(w))
		dBias := make([]float32, numClasses)
		for b := range batchSize {
			d := dLogits[b*numClasses : (b+1)*numClasses]
			for k, v := range d {
				dBias[k] += v
			}
			for f, v := range features[b*numFeatures : (b+1)*numFeatures] {
				row := dW[f*numClasses : (f+1)*numClasses]
				for k := range row {
					row[k] += v * d[k]
				}
			}
		}
		return [][]float32{dW, dBias}
	}
	return logits, backward, nil
}
