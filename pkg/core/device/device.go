// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package device

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/dawnbench/pkg/core/dtypes"
	"github.com/gomlx/dawnbench/pkg/core/tensors"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ErrOutOfMemory is returned (wrapped) when an allocation doesn't fit in the device memory.
var ErrOutOfMemory = errors.New("out of device memory")

// Device is an accelerator with bounded memory, a main (compute) stream, and any number of extra streams.
type Device struct {
	num          int
	capacity     int64 // 0 means unlimited.
	supportsHalf bool

	used, peak atomic.Int64

	main *Stream

	mu      sync.Mutex
	streams map[*Stream]struct{}
	closed  bool
}

// Option configures a Device in New.
type Option func(d *Device)

// WithNum sets the device number (e.g. the local rank of a distributed run). Default is 0.
func WithNum(num int) Option {
	return func(d *Device) { d.num = num }
}

// WithMemory limits the device memory to the given number of bytes. 0 (the default) means unlimited.
func WithMemory(numBytes int64) Option {
	return func(d *Device) { d.capacity = numBytes }
}

// WithHalfPrecision sets whether the device supports half-precision (Float16) storage. Default is true.
func WithHalfPrecision(enabled bool) Option {
	return func(d *Device) { d.supportsHalf = enabled }
}

// New creates a Device and starts its main stream.
func New(options ...Option) *Device {
	d := &Device{
		supportsHalf: true,
		streams:      make(map[*Stream]struct{}),
	}
	for _, option := range options {
		option(d)
	}
	d.main = newStream("main", d.num)
	klog.V(1).Infof("created %s", d)
	return d
}

// String implements fmt.Stringer.
func (d *Device) String() string {
	memory := "unlimited memory"
	if d.capacity > 0 {
		memory = humanize.IBytes(uint64(d.capacity)) + " memory"
	}
	return fmt.Sprintf("device #%d (%s, half-precision=%v)", d.num, memory, d.supportsHalf)
}

// Num returns the device number.
func (d *Device) Num() int { return d.num }

// SupportsHalf returns whether the device can store Float16 tensors.
func (d *Device) SupportsHalf() bool { return d.supportsHalf }

// MainStream is the stream where the computation runs.
func (d *Device) MainStream() *Stream { return d.main }

// NewStream creates a new stream owned by the caller. Release it with Device.ReleaseStream.
func (d *Device) NewStream(name string) (*Stream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, errors.Errorf("NewStream(%q): %s is closed", name, d)
	}
	s := newStream(name, d.num)
	d.streams[s] = struct{}{}
	return s, nil
}

// ReleaseStream closes the stream, after its pending operations complete.
func (d *Device) ReleaseStream(s *Stream) {
	d.mu.Lock()
	delete(d.streams, s)
	d.mu.Unlock()
	s.Close()
}

// NumStreams returns the number of streams created with NewStream not yet released.
func (d *Device) NumStreams() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.streams)
}

// MemoryUsed returns the number of bytes currently allocated.
func (d *Device) MemoryUsed() int64 { return d.used.Load() }

// MemoryPeak returns the highest number of bytes allocated at any time.
func (d *Device) MemoryPeak() int64 { return d.peak.Load() }

// Allocate reserves numBytes of device memory. It returns the storage and the function that frees it
// (safe to call more than once).
func (d *Device) Allocate(numBytes int) ([]byte, func(), error) {
	n := int64(numBytes)
	used := d.used.Add(n)
	if d.capacity > 0 && used > d.capacity {
		d.used.Add(-n)
		return nil, nil, errors.Wrapf(ErrOutOfMemory, "%s: allocating %s with %s in use",
			d, humanize.IBytes(uint64(n)), humanize.IBytes(uint64(used-n)))
	}
	for {
		peak := d.peak.Load()
		if used <= peak || d.peak.CompareAndSwap(peak, used) {
			break
		}
	}
	var once sync.Once
	release := func() {
		once.Do(func() { d.used.Add(-n) })
	}
	return make([]byte, numBytes), release, nil
}

// CopyToDevice issues an asynchronous copy of t to the device, on the given stream.
//
// The storage is allocated immediately, and an allocation failure (ErrOutOfMemory) is returned synchronously.
// The contents of the returned tensor are only valid once the returned Event completes.
func (d *Device) CopyToDevice(s *Stream, t *tensors.Tensor) (*tensors.Tensor, *Event, error) {
	return d.CopyToDeviceAs(s, t, t.DType())
}

// CopyToDeviceAs is like CopyToDevice, but converts floating point tensors to dtype during the copy.
// Non-float tensors (e.g. labels) are copied as is.
//
// Converting to Float16 requires a device with half-precision support.
func (d *Device) CopyToDeviceAs(s *Stream, t *tensors.Tensor, dtype dtypes.DType) (*tensors.Tensor, *Event, error) {
	if !t.Ok() {
		return nil, nil, errors.Errorf("CopyToDevice(%s): tensor already finalized", t)
	}
	from := t.DType()
	if !from.IsFloat() || dtype == dtypes.InvalidDType {
		dtype = from
	}
	if dtype == dtypes.Float16 && !d.supportsHalf {
		return nil, nil, errors.Errorf("CopyToDevice(%s): %s doesn't support %s", t, d, dtype)
	}
	storage, release, err := d.Allocate(t.Size() * dtype.Size())
	if err != nil {
		return nil, nil, errors.WithMessagef(err, "CopyToDevice(%s)", t)
	}
	onDevice := tensors.NewOnDevice(dtype, t.Shape(), d.num, storage, release)
	src := t.Bytes()
	event := s.Enqueue(func() error {
		return tensors.ConvertInto(storage, dtype, src, from)
	})
	return onDevice, event, nil
}

// Close releases all streams, waiting for their pending operations.
func (d *Device) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	streams := make([]*Stream, 0, len(d.streams))
	for s := range d.streams {
		streams = append(streams, s)
	}
	d.streams = make(map[*Stream]struct{})
	d.mu.Unlock()
	for _, s := range streams {
		s.Close()
	}
	d.main.Close()
}
