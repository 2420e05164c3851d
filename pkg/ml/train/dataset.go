// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package train

import (
	"github.com/gomlx/dawnbench/pkg/core/tensors"
)

// Dataset for a train.Loop provides the data, one batch at a time: an input tensor (images) and a
// target tensor (class labels).
//
// Dataset has to also provide a Dataset.Name(), used for logging.
//
// The Dataset interface allows for extensions/customizations by defining extra optional interfaces that
// a Dataset optionally can implement. See HasLen, HasShortName and DatasetCustomOwnership.
type Dataset interface {
	// Name identifies the dataset. Used for debugging, pretty-printing and plots.
	Name() string

	// Reset restarts the dataset from the beginning: it's the start of a new epoch.
	// It must be called before the first Yield.
	Reset()

	// Yield one batch or an error.
	//
	// The `input` and `target` ownership is transferred to the caller (usually a training or evaluation
	// function). It's expected that they will be finalized (Tensor.Finalize) immediately after use.
	// If you don't want that behavior, implement DatasetCustomOwnership and return false.
	//
	// If the error is `io.EOF` the training/evaluation epoch terminates normally: it is not a failure.
	// Any other errors should interrupt the training/evaluation and be returned to the user.
	Yield() (input, target *tensors.Tensor, err error)
}

// HasLen is implemented by datasets that know the number of batches in one epoch.
//
// It's optional, and it's only used as an upper-bound estimate (for progress bars).
type HasLen interface {
	// Len returns the number of batches per epoch.
	Len() int
}

// HasShortName allows a dataset to specify a short name (used when displaying a short version of metric names).
// It defaults to the first 3 letters of the dataset name.
//
// It's optional.
type HasShortName interface {
	// ShortName returns the short name of the dataset.
	ShortName() string
}

// DatasetCustomOwnership allows a dataset to specify whether the ownership of the yielded tensors are transferred
// to the caller (the training loop). The training loops can finalize the yielded values after use.
// It defaults to yes.
type DatasetCustomOwnership interface {
	// IsOwnershipTransferred specifies whether caller owns the yielded tensors -- and can finalize (free) them after use.
	// It defaults to true.
	IsOwnershipTransferred() bool
}

// ShortName returns the dataset short name, if it implements HasShortName, or the first 3 letters of its name.
func ShortName(ds Dataset) string {
	if sn, ok := ds.(HasShortName); ok {
		return sn.ShortName()
	}
	name := ds.Name()
	if len(name) > 3 {
		name = name[:3]
	}
	return name
}

// Len returns the number of batches per epoch of ds, or -1 if it doesn't implement HasLen.
func Len(ds Dataset) int {
	if l, ok := ds.(HasLen); ok {
		return l.Len()
	}
	return -1
}

// IsOwnershipTransferred checks whether the yielded tensors of ds should be finalized by the caller.
func IsOwnershipTransferred(ds Dataset) bool {
	dsOwnership, ok := ds.(DatasetCustomOwnership)
	if !ok {
		return true
	}
	return dsOwnership.IsOwnershipTransferred()
}
