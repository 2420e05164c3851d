// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package dtypes includes the DType enum for the data types stored in tensors.
//
// Only the types used by the image pipeline and the on-device models are supported:
// Float32 (images and model parameters), Float16 (mixed-precision storage of device inputs),
// Int64 (class labels) and Uint8 (raw pixels).
package dtypes

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// DType is the data type of the elements of a tensor.
type DType int

const (
	InvalidDType DType = iota
	Float32
	Float16
	Int64
	Uint8
)

var dtypeNames = map[DType]string{
	InvalidDType: "InvalidDType",
	Float32:      "Float32",
	Float16:      "Float16",
	Int64:        "Int64",
	Uint8:        "Uint8",
}

// String implements fmt.Stringer.
func (dtype DType) String() string {
	if name, found := dtypeNames[dtype]; found {
		return name
	}
	return fmt.Sprintf("DType(%d)", int(dtype))
}

// Size returns the number of bytes used by one element of the dtype.
// It returns 0 for InvalidDType.
func (dtype DType) Size() int {
	switch dtype {
	case Float32:
		return 4
	case Float16:
		return 2
	case Int64:
		return 8
	case Uint8:
		return 1
	default:
		return 0
	}
}

// IsFloat returns whether dtype is one of the floating point types.
func (dtype DType) IsFloat() bool {
	return dtype == Float32 || dtype == Float16
}

// Parse converts a dtype name (case-insensitive, "half" and "fp16" are accepted as aliases
// of Float16) to a DType.
func Parse(name string) (DType, error) {
	lower := strings.ToLower(name)
	switch lower {
	case "half", "fp16":
		return Float16, nil
	case "float", "fp32":
		return Float32, nil
	}
	for dtype, dtypeName := range dtypeNames {
		if dtype != InvalidDType && strings.ToLower(dtypeName) == lower {
			return dtype, nil
		}
	}
	return InvalidDType, errors.Errorf("unknown dtype %q", name)
}
