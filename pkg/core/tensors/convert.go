// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tensors

import (
	"encoding/binary"
	"math"

	"github.com/gomlx/dawnbench/pkg/core/dtypes"
	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// ConvertInto converts the raw storage src of dtype `from` into dst of dtype `to`.
// Both must hold the same number of elements.
//
// Identical dtypes are a plain copy; Float32 <-> Float16 is the only conversion supported, it
// is what mixed-precision uses to store device inputs.
func ConvertInto(dst []byte, to dtypes.DType, src []byte, from dtypes.DType) error {
	if from == to {
		if len(dst) != len(src) {
			return errors.Errorf("ConvertInto: size mismatch, %d bytes into %d bytes", len(src), len(dst))
		}
		copy(dst, src)
		return nil
	}
	if from.Size() == 0 || to.Size() == 0 {
		return errors.Errorf("ConvertInto: invalid dtypes %s -> %s", from, to)
	}
	n := len(src) / from.Size()
	if n*to.Size() != len(dst) {
		return errors.Errorf("ConvertInto(%s -> %s): %d elements don't fit in %d bytes", from, to, n, len(dst))
	}
	switch {
	case from == dtypes.Float32 && to == dtypes.Float16:
		for ii := 0; ii < n; ii++ {
			v := math.Float32frombits(binary.LittleEndian.Uint32(src[4*ii:]))
			binary.LittleEndian.PutUint16(dst[2*ii:], float16.Fromfloat32(v).Bits())
		}
	case from == dtypes.Float16 && to == dtypes.Float32:
		for ii := 0; ii < n; ii++ {
			v := float16.Frombits(binary.LittleEndian.Uint16(src[2*ii:])).Float32()
			binary.LittleEndian.PutUint32(dst[4*ii:], math.Float32bits(v))
		}
	default:
		return errors.Errorf("ConvertInto: conversion %s -> %s not supported", from, to)
	}
	return nil
}
