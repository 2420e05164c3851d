// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package tensors implement a `Tensor`, a dense multidimensional array stored either locally (host memory)
// or on a device (see package device).
//
// Tensors are created locally with FromFloat32, FromInt64 or FromBytes, and transferred to a device
// with device.Device.CopyToDevice. Device tensors are created by the device package only, and their
// storage must be released with Tensor.Finalize once they are no longer used: the device memory is
// a limited resource, and Go's garbage collector has no notion of it.
//
// The contents of an on-device tensor are only valid after the event returned by the copy (or by whatever
// stream operation produced it) is complete. Reading them before that is a race.
package tensors

import (
	"encoding/binary"
	"fmt"
	"math"
	"slices"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/dawnbench/pkg/core/dtypes"
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// LocalDevice is the DeviceNum reported by tensors stored in host memory.
const LocalDevice = -1

// Tensor is a dense multidimensional array. Its shape is given by a dtype and the dimensions of each axis.
//
// Tensors are immutable once created: the image pipeline produces them, and the training step consumes them.
type Tensor struct {
	dtype dtypes.DType
	dims  []int
	data  []byte

	deviceNum int

	mu        sync.Mutex
	release   func()
	finalized bool
}

func checkSize(dtype dtypes.DType, dims []int, numBytes int) {
	size := 1
	for axis, dim := range dims {
		if dim < 0 {
			exceptions.Panicf("tensors: invalid negative dimension %d for axis %d (dims=%v)", dim, axis, dims)
		}
		size *= dim
	}
	if size*dtype.Size() != numBytes {
		exceptions.Panicf("tensors: dims %v of %s require %d bytes, got %d", dims, dtype, size*dtype.Size(), numBytes)
	}
}

// FromBytes creates a local tensor with the given raw (little-endian) data. It takes ownership of data.
//
// It panics if the length of data doesn't match dtype and dims.
func FromBytes(dtype dtypes.DType, dims []int, data []byte) *Tensor {
	checkSize(dtype, dims, len(data))
	return &Tensor{
		dtype:     dtype,
		dims:      slices.Clone(dims),
		data:      data,
		deviceNum: LocalDevice,
	}
}

// FromFloat32 creates a local Float32 tensor with the given flat values and dimensions.
// If no dimensions are given, it is shaped as a vector.
func FromFloat32(values []float32, dims ...int) *Tensor {
	if len(dims) == 0 {
		dims = []int{len(values)}
	}
	data := make([]byte, 4*len(values))
	for ii, v := range values {
		binary.LittleEndian.PutUint32(data[4*ii:], math.Float32bits(v))
	}
	return FromBytes(dtypes.Float32, dims, data)
}

// FromInt64 creates a local Int64 tensor with the given flat values and dimensions.
// If no dimensions are given, it is shaped as a vector.
func FromInt64(values []int64, dims ...int) *Tensor {
	if len(dims) == 0 {
		dims = []int{len(values)}
	}
	data := make([]byte, 8*len(values))
	for ii, v := range values {
		binary.LittleEndian.PutUint64(data[8*ii:], uint64(v))
	}
	return FromBytes(dtypes.Int64, dims, data)
}

// NewOnDevice wraps storage owned by a device. The release function is called once by Finalize.
//
// It is meant to be used by device implementations.
func NewOnDevice(dtype dtypes.DType, dims []int, deviceNum int, data []byte, release func()) *Tensor {
	checkSize(dtype, dims, len(data))
	return &Tensor{
		dtype:     dtype,
		dims:      slices.Clone(dims),
		data:      data,
		deviceNum: deviceNum,
		release:   release,
	}
}

// DType of the tensor elements.
func (t *Tensor) DType() dtypes.DType { return t.dtype }

// Shape returns a copy of the dimensions of the tensor.
func (t *Tensor) Shape() []int { return slices.Clone(t.dims) }

// Rank is the number of axes.
func (t *Tensor) Rank() int { return len(t.dims) }

// Dim returns the dimension of the given axis. Negative axes are counted from the end.
func (t *Tensor) Dim(axis int) int {
	if axis < 0 {
		axis += len(t.dims)
	}
	if axis < 0 || axis >= len(t.dims) {
		exceptions.Panicf("Tensor.Dim(%d) out-of-bounds for rank %d", axis, len(t.dims))
	}
	return t.dims[axis]
}

// Size is the number of elements.
func (t *Tensor) Size() int {
	size := 1
	for _, dim := range t.dims {
		size *= dim
	}
	return size
}

// Memory is the number of bytes used by the tensor storage.
func (t *Tensor) Memory() int { return len(t.data) }

// Bytes returns the raw little-endian storage of the tensor. It must not be modified.
func (t *Tensor) Bytes() []byte { return t.data }

// IsOnDevice returns whether the tensor storage is owned by a device.
func (t *Tensor) IsOnDevice() bool { return t.deviceNum != LocalDevice }

// DeviceNum returns the device holding the storage, or LocalDevice.
func (t *Tensor) DeviceNum() int { return t.deviceNum }

// Ok returns whether the tensor has not been finalized.
func (t *Tensor) Ok() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.finalized
}

// Finalize releases the storage of the tensor. It is a no-op if called more than once.
// Device tensors return their memory to the device.
func (t *Tensor) Finalize() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.finalized {
		return
	}
	t.finalized = true
	t.data = nil
	if t.release != nil {
		t.release()
		t.release = nil
	}
}

// Float32s decodes the tensor as a flat slice of float32. Float16 tensors are converted.
func (t *Tensor) Float32s() ([]float32, error) {
	if !t.Ok() {
		return nil, errors.New("Tensor.Float32s() called on a finalized tensor")
	}
	values := make([]float32, t.Size())
	switch t.dtype {
	case dtypes.Float32:
		for ii := range values {
			values[ii] = math.Float32frombits(binary.LittleEndian.Uint32(t.data[4*ii:]))
		}
	case dtypes.Float16:
		for ii := range values {
			values[ii] = float16.Frombits(binary.LittleEndian.Uint16(t.data[2*ii:])).Float32()
		}
	case dtypes.Uint8:
		for ii := range values {
			values[ii] = float32(t.data[ii])
		}
	default:
		return nil, errors.Errorf("Tensor.Float32s() not supported for dtype %s", t.dtype)
	}
	return values, nil
}

// Int64s decodes an Int64 tensor as a flat slice.
func (t *Tensor) Int64s() ([]int64, error) {
	if !t.Ok() {
		return nil, errors.New("Tensor.Int64s() called on a finalized tensor")
	}
	if t.dtype != dtypes.Int64 {
		return nil, errors.Errorf("Tensor.Int64s() requires an Int64 tensor, got %s", t.dtype)
	}
	values := make([]int64, t.Size())
	for ii := range values {
		values[ii] = int64(binary.LittleEndian.Uint64(t.data[8*ii:]))
	}
	return values, nil
}

// String implements fmt.Stringer. It doesn't print the values.
func (t *Tensor) String() string {
	where := "local"
	if t.IsOnDevice() {
		where = fmt.Sprintf("device #%d", t.deviceNum)
	}
	return fmt.Sprintf("(%s)%v [%s, %s]", t.dtype, t.dims, where, humanize.IBytes(uint64(len(t.data))))
}
