// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package datasets

import (
	"io"
	"testing"

	"github.com/gomlx/dawnbench/pkg/core/device"
	"github.com/gomlx/dawnbench/pkg/core/dtypes"
	"github.com/gomlx/dawnbench/pkg/core/tensors"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingSource yields numBatches batches: batch i has inputs filled with float32(offset+i) and labels offset+i.
type countingSource struct {
	name                  string
	numBatches, batchSize int
	offset                int
	failAt                int // If >= 0, Yield fails at this batch.

	next, resets int
	yielded      []*tensors.Tensor // Host tensors returned by Yield.
}

func newCountingSource(name string, numBatches, batchSize, offset int) *countingSource {
	return &countingSource{name: name, numBatches: numBatches, batchSize: batchSize, offset: offset, failAt: -1}
}

func (s *countingSource) Name() string { return s.name }
func (s *countingSource) Len() int     { return s.numBatches }
func (s *countingSource) Reset() {
	s.next = 0
	s.resets++
}

func (s *countingSource) Yield() (input, target *tensors.Tensor, err error) {
	if s.next == s.failAt {
		return nil, nil, errors.Errorf("disk on fire reading batch %d", s.next)
	}
	if s.next >= s.numBatches {
		return nil, nil, io.EOF
	}
	value := s.offset + s.next
	s.next++
	values := make([]float32, s.batchSize*2)
	labels := make([]int64, s.batchSize)
	for ii := range values {
		values[ii] = float32(value)
	}
	for ii := range labels {
		labels[ii] = int64(value)
	}
	input, target = tensors.FromFloat32(values, s.batchSize, 2), tensors.FromInt64(labels)
	s.yielded = append(s.yielded, input, target)
	return input, target, nil
}

// collect yields all batches of p, and returns the label of each batch (all examples of a batch share it).
func collect(t *testing.T, dev *device.Device, p *Prefetcher) []int64 {
	var got []int64
	for batch, err := range p.All() {
		require.NoError(t, err)
		require.True(t, batch.Input.IsOnDevice())
		require.NoError(t, dev.MainStream().Synchronize())
		labels, err := batch.Target.Int64s()
		require.NoError(t, err)
		values, err := batch.Input.Float32s()
		require.NoError(t, err)
		for _, v := range values {
			require.Equal(t, float32(labels[0]), v)
		}
		got = append(got, labels[0])
		batch.Input.Finalize()
		batch.Target.Finalize()
	}
	return got
}

func TestPrefetcherOrder(t *testing.T) {
	dev := device.New()
	defer dev.Close()
	source := newCountingSource("count", 10, 3, 0)
	p, err := NewPrefetcher(dev, source)
	require.NoError(t, err)
	defer p.Close()
	assert.Equal(t, "count", p.Name())
	assert.Equal(t, 10, p.Len())

	got := collect(t, dev, p)
	require.Len(t, got, 10)
	for ii, label := range got {
		require.Equal(t, int64(ii), label)
	}
	stats := p.Stats()
	assert.Equal(t, PrefetcherStats{CopiesIssued: 10, CopiesWaited: 10, Yielded: 10}, stats)
	assert.Equal(t, int64(0), dev.MemoryUsed(), "all device memory should have been released")
}

func TestPrefetcherAtMostOneInFlight(t *testing.T) {
	dev := device.New()
	defer dev.Close()
	var kinds []TraceKind
	var maxInFlight int
	p, err := NewPrefetcher(dev, newCountingSource("count", 5, 2, 0), WithTrace(func(ev TraceEvent) {
		kinds = append(kinds, ev.Kind)
		require.Contains(t, []int{0, 1}, ev.InFlight, "event %v", ev)
		maxInFlight = max(maxInFlight, ev.InFlight)
	}))
	require.NoError(t, err)
	defer p.Close()

	p.Reset()
	assert.Equal(t, []TraceKind{CopyIssued}, kinds, "Reset should issue exactly the first copy")
	for {
		input, target, err := p.Yield()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		assert.LessOrEqual(t, p.Stats().InFlight(), 1)
		input.Finalize()
		target.Finalize()
	}
	assert.Equal(t, 1, maxInFlight)
	want := []TraceKind{CopyIssued}
	for range 4 {
		want = append(want, CopyWaited, CopyIssued)
	}
	want = append(want, CopyWaited, Exhausted)
	assert.Equal(t, want, kinds)
	assert.Equal(t, 0, p.Stats().InFlight())
}

func TestPrefetcherStopAfter(t *testing.T) {
	dev := device.New()
	defer dev.Close()
	for _, tc := range []struct{ stopAfter, numBatches, want int }{
		{0, 10, 1},
		{3, 10, 4},
		{9, 10, 10},
		{20, 10, 10},
		{-1, 10, 10},
	} {
		source := newCountingSource("count", tc.numBatches, 1, 0)
		p, err := NewPrefetcher(dev, source, WithStopAfter(tc.stopAfter))
		require.NoError(t, err)
		assert.Equal(t, source.Len(), p.Len(), "Len must not depend on stopAfter=%d", tc.stopAfter)
		got := collect(t, dev, p)
		assert.Len(t, got, tc.want, "stopAfter=%d", tc.stopAfter)
		assert.Equal(t, 0, p.Stats().InFlight(), "stopAfter=%d", tc.stopAfter)
		p.Close()
	}
	assert.Equal(t, 0, dev.NumStreams())
	assert.Equal(t, int64(0), dev.MemoryUsed())
}

func TestPrefetcherExhaustion(t *testing.T) {
	dev := device.New()
	defer dev.Close()
	source := newCountingSource("count", 2, 1, 0)
	p, err := NewPrefetcher(dev, source)
	require.NoError(t, err)
	defer p.Close()

	_, _, err = p.Yield()
	require.Error(t, err, "Yield before Reset should fail")
	require.NotEqual(t, io.EOF, err)
	assert.Equal(t, 0, source.resets, "no batch should be pulled before Reset")

	assert.Len(t, collect(t, dev, p), 2)
	for range 3 {
		_, _, err = p.Yield()
		require.Equal(t, io.EOF, err, "exhausted prefetcher must stay exhausted")
	}

	// A new iteration restarts the source.
	assert.Len(t, collect(t, dev, p), 2)
	assert.Equal(t, 2, source.resets)

	// An empty source ends immediately.
	empty, err := NewPrefetcher(dev, newCountingSource("empty", 0, 1, 0))
	require.NoError(t, err)
	defer empty.Close()
	assert.Empty(t, collect(t, dev, empty))
	assert.Equal(t, 0, empty.Stats().CopiesIssued)
}

func TestPrefetcherExampleCount(t *testing.T) {
	dev := device.New()
	defer dev.Close()
	const numExamples, batchSize = 10, 4
	examples := make([][]float32, numExamples)
	labels := make([]int64, numExamples)
	for ii := range examples {
		examples[ii] = []float32{float32(ii), float32(-ii)}
		labels[ii] = int64(ii)
	}
	source, err := InMemory("mem", []int{2}, examples, labels)
	require.NoError(t, err)
	source.BatchSize(batchSize, false)

	p, err := NewPrefetcher(dev, source)
	require.NoError(t, err)
	defer p.Close()
	assert.Equal(t, 3, p.Len())

	var batchSizes []int
	var allLabels []int64
	for batch, err := range p.All() {
		require.NoError(t, err)
		require.NoError(t, dev.MainStream().Synchronize())
		batchSizes = append(batchSizes, batch.Input.Dim(0))
		require.Equal(t, batch.Input.Dim(0), batch.Target.Dim(0))
		got, err := batch.Target.Int64s()
		require.NoError(t, err)
		allLabels = append(allLabels, got...)
		batch.Input.Finalize()
		batch.Target.Finalize()
	}
	assert.Equal(t, []int{4, 4, 2}, batchSizes, "the last (smaller) batch must be preserved")
	assert.Equal(t, labels, allLabels)
}

func TestPrefetcherSwitchSource(t *testing.T) {
	dev := device.New()
	defer dev.Close()
	first, err := NewPrefetcher(dev, newCountingSource("first", 10, 2, 100))
	require.NoError(t, err)
	first.Reset()
	for range 3 {
		input, target, err := first.Yield()
		require.NoError(t, err)
		input.Finalize()
		target.Finalize()
	}
	// Closing in the middle of an iteration discards the pending batch.
	first.Close()
	assert.Equal(t, 0, dev.NumStreams())
	assert.Equal(t, int64(0), dev.MemoryUsed())
	_, _, err = first.Yield()
	require.ErrorIs(t, err, ErrPrefetcherClosed)

	second, err := NewPrefetcher(dev, newCountingSource("second", 4, 2, 200))
	require.NoError(t, err)
	defer second.Close()
	got := collect(t, dev, second)
	assert.Equal(t, []int64{200, 201, 202, 203}, got)
}

func TestPrefetcherSourceError(t *testing.T) {
	dev := device.New()
	defer dev.Close()
	source := newCountingSource("broken", 10, 1, 0)
	source.failAt = 2
	p, err := NewPrefetcher(dev, source)
	require.NoError(t, err)
	defer p.Close()

	p.Reset()
	for range 2 {
		input, target, err := p.Yield()
		require.NoError(t, err)
		input.Finalize()
		target.Finalize()
	}
	_, _, err = p.Yield()
	require.Error(t, err)
	assert.NotEqual(t, io.EOF, err)
	assert.Contains(t, err.Error(), "disk on fire")
}

func TestPrefetcherOutOfMemory(t *testing.T) {
	// Each batch uses 4*2*4 bytes of input plus 4*8 bytes of labels: 64 bytes.
	dev := device.New(device.WithMemory(100))
	defer dev.Close()
	source := newCountingSource("big", 5, 4, 0)
	p, err := NewPrefetcher(dev, source)
	require.NoError(t, err)
	defer p.Close()

	p.Reset()
	// The first batch fits, but it is held while the next one is copied: the target copy fails.
	input, target, err := p.Yield()
	require.NoError(t, err)
	defer input.Finalize()
	defer target.Finalize()
	_, _, err = p.Yield()
	require.Error(t, err)
	assert.ErrorIs(t, err, device.ErrOutOfMemory)
	require.Len(t, source.yielded, 4)
	for ii, host := range source.yielded {
		assert.False(t, host.Ok(), "host tensor #%d should have been finalized", ii)
	}

	// Not even the input of the first batch fits.
	tiny := device.New(device.WithMemory(20))
	defer tiny.Close()
	source = newCountingSource("big", 5, 4, 0)
	p2, err := NewPrefetcher(tiny, source)
	require.NoError(t, err)
	defer p2.Close()
	p2.Reset()
	_, _, err = p2.Yield()
	assert.ErrorIs(t, err, device.ErrOutOfMemory)
	require.Len(t, source.yielded, 2)
	assert.False(t, source.yielded[0].Ok())
	assert.False(t, source.yielded[1].Ok())
	assert.Equal(t, int64(0), tiny.MemoryUsed())
}

func TestPrefetcherHalfPrecision(t *testing.T) {
	dev := device.New()
	defer dev.Close()
	p, err := NewPrefetcher(dev, newCountingSource("half", 3, 2, 0), WithInputDType(dtypes.Float16))
	require.NoError(t, err)
	defer p.Close()
	for batch, err := range p.All() {
		require.NoError(t, err)
		assert.Equal(t, dtypes.Float16, batch.Input.DType())
		assert.Equal(t, dtypes.Int64, batch.Target.DType())
		batch.Input.Finalize()
		batch.Target.Finalize()
	}

	noHalf := device.New(device.WithHalfPrecision(false))
	defer noHalf.Close()
	_, err = NewPrefetcher(noHalf, newCountingSource("half", 3, 2, 0), WithInputDType(dtypes.Float16))
	require.Error(t, err)
}
