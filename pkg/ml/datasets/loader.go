// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package datasets

import (
	"fmt"
	"io"
	"math/rand/v2"

	"github.com/gomlx/dawnbench/internal/workerspool"
	"github.com/gomlx/dawnbench/pkg/core/tensors"
	"github.com/gomlx/dawnbench/pkg/ml/train"
	"github.com/pkg/errors"
)

// Loader is a train.Dataset that reads batches of images from an ImageFolder: it visits the examples in the order
// given by its Sampler, decodes and transforms each image in parallel, and yields batches of normalized
// float32 images shaped [batchSize, size, size, 3] and int64 labels shaped [batchSize].
//
// The last batch of an epoch may be smaller than the batch size.
//
// Every Reset starts a new epoch: random transforms and shuffling samplers produce a different (deterministic,
// given the seed) result every epoch.
type Loader struct {
	name      string
	folder    *ImageFolder
	sampler   Sampler
	transform Transform
	size      int
	batchSize int
	seed      uint64
	pool      *workerspool.Pool

	epoch   int
	indices []int
	next    int
}

var (
	_ train.Dataset = &Loader{}
	_ train.HasLen  = &Loader{}
)

// NewLoader creates a Loader of the images in folder, transformed to size x size, in batches of batchSize.
//
// It defaults to visiting the images in order (Sequential sampler), with 4 decoding workers.
func NewLoader(name string, folder *ImageFolder, transform Transform, size, batchSize int) *Loader {
	pool := workerspool.New()
	pool.SetMaxParallelism(4)
	return &Loader{
		name:      name,
		folder:    folder,
		sampler:   Sequential(folder.Len()),
		transform: transform,
		size:      size,
		batchSize: max(batchSize, 1),
		pool:      pool,
		epoch:     -1,
	}
}

// WithSampler sets the order in which images are visited.
//
// It returns the updated Loader, so calls can be cascaded.
func (l *Loader) WithSampler(sampler Sampler) *Loader {
	l.sampler = sampler
	return l
}

// Workers sets the number of images decoded in parallel. 0 disables parallelism.
//
// It returns the updated Loader, so calls can be cascaded.
func (l *Loader) Workers(n int) *Loader {
	l.pool.SetMaxParallelism(n)
	return l
}

// Seed sets the seed of the random transforms.
//
// It returns the updated Loader, so calls can be cascaded.
func (l *Loader) Seed(seed uint64) *Loader {
	l.seed = seed
	return l
}

// Name implements train.Dataset.
func (l *Loader) Name() string { return l.name }

// String implements fmt.Stringer.
func (l *Loader) String() string {
	return fmt.Sprintf("Loader(%q: %s, %d images, size %d, batch %d)",
		l.name, l.folder.Dir, l.sampler.Len(), l.size, l.batchSize)
}

// Len implements train.HasLen.
func (l *Loader) Len() int {
	return numBatches(l.sampler.Len(), l.batchSize, false)
}

// Reset implements train.Dataset. It starts a new epoch.
func (l *Loader) Reset() {
	l.epoch++
	l.indices = l.sampler.Indices(l.epoch)
	l.next = 0
}

// Yield implements train.Dataset.
func (l *Loader) Yield() (input, target *tensors.Tensor, err error) {
	if l.epoch < 0 {
		return nil, nil, errors.Errorf("Loader(%q).Yield called before Reset", l.name)
	}
	if l.next >= len(l.indices) {
		return nil, nil, io.EOF
	}
	batchIndices := l.indices[l.next:min(l.next+l.batchSize, len(l.indices))]
	l.next += len(batchIndices)

	n := len(batchIndices)
	exampleSize := l.size * l.size * 3
	values := make([]float32, n*exampleSize)
	labels := make([]int64, n)
	err = l.pool.Map(n, func(i int) error {
		idx := batchIndices[i]
		img, label, err := l.folder.Load(idx)
		if err != nil {
			return err
		}
		rng := rand.New(rand.NewPCG(l.seed^uint64(l.epoch), uint64(idx)))
		img = l.transform.Apply(img, rng)
		labels[i] = label
		return ToNormalizedHWC(img, l.size, values[i*exampleSize:(i+1)*exampleSize])
	})
	if err != nil {
		return nil, nil, errors.WithMessagef(err, "Loader(%q): failed to load batch", l.name)
	}
	return tensors.FromFloat32(values, n, l.size, l.size, 3), tensors.FromInt64(labels), nil
}
