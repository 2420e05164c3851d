// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package datasets

import (
	"fmt"
	"io"
	"iter"

	"github.com/gomlx/dawnbench/pkg/core/device"
	"github.com/gomlx/dawnbench/pkg/core/dtypes"
	"github.com/gomlx/dawnbench/pkg/core/tensors"
	"github.com/gomlx/dawnbench/pkg/ml/train"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ErrPrefetcherClosed is returned by Prefetcher.Yield after Prefetcher.Close.
var ErrPrefetcherClosed = errors.New("prefetcher closed")

// Batch is a pair of input and target tensors yielded by Prefetcher.All.
type Batch struct {
	Input, Target *tensors.Tensor
}

// TraceKind enumerates the events reported to a Prefetcher trace function.
type TraceKind int

const (
	// CopyIssued is reported after the copy of a batch is enqueued on the copy stream.
	CopyIssued TraceKind = iota

	// CopyWaited is reported after the main stream is made to wait on the copy of the batch being yielded.
	CopyWaited

	// Exhausted is reported when the iteration ends: the source returned io.EOF or an error, or the cap
	// given by WithStopAfter was reached.
	Exhausted
)

// String implements fmt.Stringer.
func (k TraceKind) String() string {
	switch k {
	case CopyIssued:
		return "CopyIssued"
	case CopyWaited:
		return "CopyWaited"
	case Exhausted:
		return "Exhausted"
	default:
		return fmt.Sprintf("TraceKind(%d)", int(k))
	}
}

// TraceEvent describes a state change of a Prefetcher.
type TraceEvent struct {
	Kind TraceKind

	// Batch is the index (within the current iteration) of the batch the event refers to.
	Batch int

	// InFlight is the number of copies issued and not yet waited by the main stream, after the event.
	// It is always 0 or 1.
	InFlight int
}

// PrefetcherStats are counters accumulated over the lifetime of a Prefetcher.
type PrefetcherStats struct {
	CopiesIssued, CopiesWaited, Yielded int
}

// InFlight is the number of copies issued but not yet waited on.
func (s PrefetcherStats) InFlight() int {
	return s.CopiesIssued - s.CopiesWaited
}

// Prefetcher wraps a source train.Dataset and yields its batches already on the device, overlapping the
// transfer of the next batch with the computation on the current one.
//
// It owns a dedicated copy stream: when batch i is yielded, the copy of batch i+1 has already been enqueued on
// the copy stream, and the device main stream has been made to wait for the copy of batch i. Neither step
// blocks the calling goroutine: the copy and the computation are ordered by the streams, not by the host.
//
// At most one batch is pending at any time. The order of the source is preserved: no batch is reordered,
// duplicated or skipped.
//
// The Prefetcher is not safe for concurrent use: it's meant to be driven by the one training loop.
type Prefetcher struct {
	name   string
	device *device.Device
	source train.Dataset
	stream *device.Stream

	inputDType dtypes.DType
	stopAfter  int
	trace      func(TraceEvent)

	// Prefetch slot: the pending batch (already being copied) and the copy event.
	nextInput, nextTarget *tensors.Tensor
	nextEvent             *device.Event
	hasNext               bool

	started, closed bool
	err             error // Error to surface in the next Yield.
	count           int   // Batches yielded in the current iteration.
	stats           PrefetcherStats
}

var (
	_ train.Dataset      = &Prefetcher{}
	_ train.HasLen       = &Prefetcher{}
	_ train.HasShortName = &Prefetcher{}
)

// PrefetcherOption configures a Prefetcher in NewPrefetcher.
type PrefetcherOption func(p *Prefetcher)

// WithStopAfter terminates each iteration after the batch yielded when the count of yielded batches exceeds
// stopAfter: that is, stopAfter+1 batches are yielded. A negative value (the default) disables the cap.
//
// It's used for smoke tests of the full pipeline.
func WithStopAfter(stopAfter int) PrefetcherOption {
	return func(p *Prefetcher) { p.stopAfter = stopAfter }
}

// WithInputDType converts the float inputs to dtype during the copy. Use dtypes.Float16 for mixed-precision
// training. Targets (labels) are never converted.
func WithInputDType(dtype dtypes.DType) PrefetcherOption {
	return func(p *Prefetcher) { p.inputDType = dtype }
}

// WithTrace sets a function called synchronously on every TraceEvent.
func WithTrace(trace func(TraceEvent)) PrefetcherOption {
	return func(p *Prefetcher) { p.trace = trace }
}

// NewPrefetcher binds a prefetcher to the source and creates its copy stream on dev.
// No batch is pulled from the source until Reset is called.
//
// The caller must call Close to release the copy stream.
func NewPrefetcher(dev *device.Device, source train.Dataset, options ...PrefetcherOption) (*Prefetcher, error) {
	if dev == nil {
		return nil, errors.New("NewPrefetcher: device cannot be nil")
	}
	if source == nil {
		return nil, errors.New("NewPrefetcher: source dataset cannot be nil")
	}
	p := &Prefetcher{
		name:       source.Name(),
		device:     dev,
		source:     source,
		inputDType: dtypes.InvalidDType,
		stopAfter:  -1,
	}
	for _, option := range options {
		option(p)
	}
	if p.inputDType == dtypes.Float16 && !dev.SupportsHalf() {
		return nil, errors.Errorf("NewPrefetcher(%q): %s has no half-precision support", p.name, dev)
	}
	stream, err := dev.NewStream("copy:" + p.name)
	if err != nil {
		return nil, errors.WithMessagef(err, "NewPrefetcher(%q)", p.name)
	}
	p.stream = stream
	return p, nil
}

// Name implements train.Dataset.
func (p *Prefetcher) Name() string { return p.name }

// ShortName implements train.HasShortName.
func (p *Prefetcher) ShortName() string { return train.ShortName(p.source) }

// Len implements train.HasLen. It is the length of the source, regardless of the WithStopAfter cap,
// or -1 if unknown.
func (p *Prefetcher) Len() int { return train.Len(p.source) }

// Stats returns the counters of the prefetcher.
func (p *Prefetcher) Stats() PrefetcherStats { return p.stats }

func (p *Prefetcher) emit(kind TraceKind, batch int) {
	if p.trace != nil {
		p.trace(TraceEvent{Kind: kind, Batch: batch, InFlight: p.stats.InFlight()})
	}
}

// Reset implements train.Dataset: it begins a new iteration. It resets the source, and issues the copy of its
// first batch.
//
// A pending batch from a previous iteration is discarded.
func (p *Prefetcher) Reset() {
	if p.closed {
		return
	}
	p.discardPending()
	p.started = true
	p.err = nil
	p.count = 0
	p.source.Reset()
	p.preload()
}

// preload pulls the next batch from the source and issues its asynchronous copy on the copy stream.
func (p *Prefetcher) preload() {
	input, target, err := p.source.Yield()
	if err != nil {
		if err != io.EOF {
			p.err = errors.WithMessagef(err, "Prefetcher(%q): failed reading batch #%d from source", p.name, p.count)
		}
		p.emit(Exhausted, p.count)
		return
	}
	deviceInput, _, err := p.device.CopyToDeviceAs(p.stream, input, p.inputDType)
	if err != nil {
		input.Finalize()
		target.Finalize()
		p.err = errors.WithMessagef(err, "Prefetcher(%q): failed to copy input of batch #%d", p.name, p.count)
		p.emit(Exhausted, p.count)
		return
	}
	deviceTarget, event, err := p.device.CopyToDevice(p.stream, target)
	if err != nil {
		deviceInput.Finalize()
		input.Finalize()
		target.Finalize()
		p.err = errors.WithMessagef(err, "Prefetcher(%q): failed to copy target of batch #%d", p.name, p.count)
		p.emit(Exhausted, p.count)
		return
	}
	// The copies hold on to the host storage they read from, so the host tensors can be released now.
	input.Finalize()
	target.Finalize()

	// The copy stream is FIFO, so the event of the target copy also covers the input copy.
	p.nextInput, p.nextTarget, p.nextEvent = deviceInput, deviceTarget, event
	p.hasNext = true
	p.stats.CopiesIssued++
	p.emit(CopyIssued, p.count)
}

// Yield implements train.Dataset. It returns the next batch, already on the device, or io.EOF at the end of
// the iteration.
//
// The contents of the yielded tensors are only valid for operations enqueued on the device main stream.
// Ownership of the tensors is transferred to the caller, who should Finalize them after use.
func (p *Prefetcher) Yield() (input, target *tensors.Tensor, err error) {
	if p.closed {
		return nil, nil, errors.WithMessagef(ErrPrefetcherClosed, "Prefetcher(%q).Yield", p.name)
	}
	if !p.started {
		return nil, nil, errors.Errorf("Prefetcher(%q).Yield called before Reset", p.name)
	}
	if !p.hasNext {
		if p.err != nil {
			return nil, nil, p.err
		}
		return nil, nil, io.EOF
	}

	// The main stream waits for the copy: the caller is not blocked.
	p.device.MainStream().WaitEvent(p.nextEvent)
	p.stats.CopiesWaited++
	p.emit(CopyWaited, p.count)

	input, target = p.nextInput, p.nextTarget
	p.nextInput, p.nextTarget, p.nextEvent = nil, nil, nil
	p.hasNext = false
	p.count++
	p.stats.Yielded++

	if p.stopAfter >= 0 && p.count > p.stopAfter {
		klog.V(1).Infof("Prefetcher(%q): stopping after %d batches", p.name, p.count)
		p.emit(Exhausted, p.count)
	} else {
		p.preload()
	}
	return input, target, nil
}

// All returns an iterator over a new iteration of the prefetcher: it calls Reset, and yields all batches until
// the end of the iteration. An error other than io.EOF is yielded once, and ends the iteration.
func (p *Prefetcher) All() iter.Seq2[Batch, error] {
	return func(yield func(Batch, error) bool) {
		p.Reset()
		for {
			input, target, err := p.Yield()
			if err == io.EOF {
				return
			}
			if err != nil {
				yield(Batch{}, err)
				return
			}
			if !yield(Batch{Input: input, Target: target}, nil) {
				return
			}
		}
	}
}

// discardPending releases the pending batch, if any, once its copy completes.
func (p *Prefetcher) discardPending() {
	if !p.hasNext {
		return
	}
	if err := p.nextEvent.Wait(); err != nil {
		klog.Warningf("Prefetcher(%q): discarded batch copy had failed: %v", p.name, err)
	}
	p.stats.CopiesWaited++
	p.nextInput.Finalize()
	p.nextTarget.Finalize()
	p.nextInput, p.nextTarget, p.nextEvent = nil, nil, nil
	p.hasNext = false
}

// Close discards any pending batch and releases the copy stream. The prefetcher cannot be used afterwards.
// It is safe to call it more than once.
func (p *Prefetcher) Close() {
	if p.closed {
		return
	}
	p.discardPending()
	p.closed = true
	p.device.ReleaseStream(p.stream)
	p.stream = nil
}
