/*
 *	Copyright 2023 Jan Pfeifer
 *
 *	Licensed under the Apache License, Version 2.0 (the "License");
 *	you may not use this file except in compliance with the License.
 *	You may obtain a copy of the License at
 *
 *	http://www.apache.org/licenses/LICENSE-2.0
 *
 *	Unless required by applicable law or agreed to in writing, software
 *	distributed under the License is distributed on an "AS IS" BASIS,
 *	WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 *	See the License for the specific language governing permissions and
 *	limitations under the License.
 */

// Package datasets is a collection of datasets (train.Dataset) that feed the training loop:
// `ImageFolder` and `Loader` read and batch images from disk, `InMemory` holds synthetic or pre-loaded examples,
// and `Prefetcher` overlaps the host to device transfer of the next batch with the
// computation of the current one.
package datasets

import (
	"io"
	"math/rand/v2"
	"slices"

	"github.com/gomlx/dawnbench/pkg/core/tensors"
	"github.com/pkg/errors"
)

// InMemoryDataset yields batches of examples held in host memory. Each example is a flat float32 vector
// (e.g. an image already decoded and normalized) of the same shape, and an int64 label.
//
// It's used for synthetic data and tests.
type InMemoryDataset struct {
	name      string
	dims      []int // Dimensions of one example.
	examples  [][]float32
	labels    []int64
	batchSize int
	dropLast  bool

	shuffle bool
	rng     *rand.Rand
	order   []int
	next    int
}

// InMemory creates a dataset with the given examples, each shaped `dims`.
// It defaults to batches of 1 example, in order.
func InMemory(name string, dims []int, examples [][]float32, labels []int64) (*InMemoryDataset, error) {
	if len(examples) != len(labels) {
		return nil, errors.Errorf("InMemory(%q): %d examples but %d labels", name, len(examples), len(labels))
	}
	size := 1
	for _, dim := range dims {
		size *= dim
	}
	for ii, example := range examples {
		if len(example) != size {
			return nil, errors.Errorf("InMemory(%q): example #%d has %d values, dims %v require %d",
				name, ii, len(example), dims, size)
		}
	}
	return &InMemoryDataset{
		name:      name,
		dims:      slices.Clone(dims),
		examples:  examples,
		labels:    labels,
		batchSize: 1,
	}, nil
}

// BatchSize sets the number of examples per batch. If dropIncompleteBatch is false (the default), the
// last batch of an epoch may be smaller.
//
// It returns the updated InMemoryDataset, so calls can be cascaded.
func (mds *InMemoryDataset) BatchSize(n int, dropIncompleteBatch bool) *InMemoryDataset {
	mds.batchSize = max(n, 1)
	mds.dropLast = dropIncompleteBatch
	return mds
}

// Shuffle the examples at every Reset, using the given seed.
//
// It returns the updated InMemoryDataset, so calls can be cascaded.
func (mds *InMemoryDataset) Shuffle(seed uint64) *InMemoryDataset {
	mds.shuffle = true
	mds.rng = rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	return mds
}

// Name implements train.Dataset.
func (mds *InMemoryDataset) Name() string { return mds.name }

// NumExamples in the dataset.
func (mds *InMemoryDataset) NumExamples() int { return len(mds.examples) }

// Len implements train.HasLen.
func (mds *InMemoryDataset) Len() int {
	return numBatches(len(mds.examples), mds.batchSize, mds.dropLast)
}

func numBatches(numExamples, batchSize int, dropLast bool) int {
	if dropLast {
		return numExamples / batchSize
	}
	return (numExamples + batchSize - 1) / batchSize
}

// Reset implements train.Dataset.
func (mds *InMemoryDataset) Reset() {
	mds.next = 0
	if mds.order == nil {
		mds.order = make([]int, len(mds.examples))
		for ii := range mds.order {
			mds.order[ii] = ii
		}
	}
	if mds.shuffle {
		mds.rng.Shuffle(len(mds.order), func(i, j int) {
			mds.order[i], mds.order[j] = mds.order[j], mds.order[i]
		})
	}
}

// Yield implements train.Dataset.
func (mds *InMemoryDataset) Yield() (input, target *tensors.Tensor, err error) {
	if mds.order == nil {
		return nil, nil, errors.Errorf("InMemoryDataset(%q).Yield called before Reset", mds.name)
	}
	remaining := len(mds.order) - mds.next
	if remaining <= 0 || (mds.dropLast && remaining < mds.batchSize) {
		return nil, nil, io.EOF
	}
	n := min(remaining, mds.batchSize)
	exampleSize := len(mds.examples[0])
	values := make([]float32, 0, n*exampleSize)
	labels := make([]int64, n)
	for ii := range n {
		idx := mds.order[mds.next+ii]
		values = append(values, mds.examples[idx]...)
		labels[ii] = mds.labels[idx]
	}
	mds.next += n
	dims := append([]int{n}, mds.dims...)
	return tensors.FromFloat32(values, dims...), tensors.FromInt64(labels), nil
}
