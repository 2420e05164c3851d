// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package metrics

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCrossEntropy(t *testing.T) {
	// Uniform logits: loss is log(numClasses).
	assert.InDelta(t, math.Log(4), CrossEntropy([]float32{1, 1, 1, 1}, 2), 1e-6)
	// Large logits don't overflow.
	assert.InDelta(t, 0.0, CrossEntropy([]float32{1000, 0, 0}, 0), 1e-6)
}

func TestInTopK(t *testing.T) {
	logits := []float32{0.1, 0.5, 0.3, 0.9, 0.2, 0.05, 0.0}
	assert.True(t, InTopK(logits, 3, 1))
	assert.False(t, InTopK(logits, 1, 1))
	assert.True(t, InTopK(logits, 1, 2))
	assert.True(t, InTopK(logits, 4, 5))
	assert.False(t, InTopK(logits, 6, 5))
}

func TestEvaluator(t *testing.T) {
	e := NewEvaluator()
	// Two examples, 6 classes: the first is correct, the second is in the top-5 only.
	logits := []float32{
		5, 0, 0, 0, 0, 0,
		6, 5, 4, 3, 2, 1,
	}
	require.NoError(t, e.Update(logits, 6, []int64{0, 3}))
	r := e.Result()
	assert.Equal(t, 2, r.Examples)
	assert.InDelta(t, 0.5, r.Accuracy, 1e-9)
	assert.InDelta(t, 1.0, r.Top5, 1e-9)
	assert.Greater(t, r.Loss, 0.0)
	assert.Contains(t, r.String(), "acc=50.00%")

	require.Error(t, e.Update(logits, 6, []int64{0}))
	require.Error(t, e.Update(logits, 6, []int64{0, 9}))
}

func TestMovingAverage(t *testing.T) {
	m := &MovingAverage{NewExampleWeight: 0.5}
	assert.True(t, math.IsNaN(m.Value()))
	assert.Equal(t, 4.0, m.Observe(4))
	assert.Equal(t, 3.0, m.Observe(2))
	assert.Equal(t, 2.0, m.Observe(1))
}
