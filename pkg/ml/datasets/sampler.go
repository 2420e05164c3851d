// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package datasets

import (
	"math/rand/v2"

	"github.com/pkg/errors"
)

// Sampler generates the order in which the examples of a dataset are visited in each epoch.
type Sampler interface {
	// Indices of the examples to visit in the given epoch, in order.
	Indices(epoch int) []int

	// Len is the number of indices returned per epoch.
	Len() int
}

// SequentialSampler visits the examples in order.
type SequentialSampler struct {
	n int
}

// Sequential returns a sampler that visits the n examples in order.
func Sequential(n int) *SequentialSampler { return &SequentialSampler{n: n} }

// Len implements Sampler.
func (s *SequentialSampler) Len() int { return s.n }

// Indices implements Sampler.
func (s *SequentialSampler) Indices(int) []int {
	indices := make([]int, s.n)
	for ii := range indices {
		indices[ii] = ii
	}
	return indices
}

// RandomSampler visits the examples in a different random permutation every epoch.
// The permutation is a function of the seed and the epoch only.
type RandomSampler struct {
	n    int
	seed uint64
}

// Random returns a sampler that shuffles the n examples every epoch.
func Random(n int, seed uint64) *RandomSampler { return &RandomSampler{n: n, seed: seed} }

// Len implements Sampler.
func (s *RandomSampler) Len() int { return s.n }

// Indices implements Sampler.
func (s *RandomSampler) Indices(epoch int) []int {
	return permutation(s.n, s.seed, epoch)
}

func permutation(n int, seed uint64, epoch int) []int {
	rng := rand.New(rand.NewPCG(seed, uint64(epoch)))
	return rng.Perm(n)
}

// DistributedSampler restricts the examples to the shard of one rank out of worldSize.
//
// The (optionally shuffled) indices are padded, by repeating the first ones, to a multiple of worldSize, so every
// rank gets the same number of examples. Rank r takes every worldSize-th index starting at r.
// All ranks must use the same seed, so they agree on the permutation.
type DistributedSampler struct {
	n, worldSize, rank int
	shuffle            bool
	seed               uint64
}

// Distributed returns a sampler over the shard `rank` of n examples split among worldSize ranks.
func Distributed(n, worldSize, rank int, shuffle bool, seed uint64) (*DistributedSampler, error) {
	if worldSize < 1 {
		return nil, errors.Errorf("Distributed sampler: world size must be >= 1, got %d", worldSize)
	}
	if rank < 0 || rank >= worldSize {
		return nil, errors.Errorf("Distributed sampler: rank %d out of range for world size %d", rank, worldSize)
	}
	return &DistributedSampler{n: n, worldSize: worldSize, rank: rank, shuffle: shuffle, seed: seed}, nil
}

// Len implements Sampler.
func (s *DistributedSampler) Len() int {
	return (s.n + s.worldSize - 1) / s.worldSize
}

// Indices implements Sampler.
func (s *DistributedSampler) Indices(epoch int) []int {
	var all []int
	if s.shuffle {
		all = permutation(s.n, s.seed, epoch)
	} else {
		all = Sequential(s.n).Indices(epoch)
	}
	if s.n == 0 {
		return nil
	}
	total := s.Len() * s.worldSize
	for ii := 0; len(all) < total; ii++ {
		all = append(all, all[ii%s.n])
	}
	shard := make([]int, 0, s.Len())
	for ii := s.rank; ii < total; ii += s.worldSize {
		shard = append(shard, all[ii])
	}
	return shard
}
