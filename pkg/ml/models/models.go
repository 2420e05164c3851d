// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package models holds the table of model architectures that can be trained, and the Learner that trains them
// on a device.
//
// Architectures are registered by name (see Register), and selected with the `-arch` flag.
package models

import (
	"math/rand/v2"
	"slices"
	"sort"
	"sync"

	"github.com/pkg/errors"
)

// Param is a trainable parameter (weights) of a model.
type Param struct {
	Name   string
	Dims   []int
	Values []float32
}

// Size is the number of values in the parameter.
func (p *Param) Size() int { return len(p.Values) }

// Model is a classifier of images. Inputs are batches of images shaped [batchSize, height, width, channels], and
// the outputs are the logits shaped [batchSize, numClasses].
//
// Models are executed on the device main stream, one call at a time: they don't need to be safe for concurrent use.
type Model interface {
	// NumClasses is the number of outputs per example.
	NumClasses() int

	// Params returns the trainable parameters. The optimizer updates their values in place.
	Params() []*Param

	// Forward computes the logits of the input. It also returns the function that, given the gradient of the loss
	// with respect to the logits, returns the gradient with respect to each of Params, in the same order.
	Forward(input []float32, dims []int) (logits []float32, backward func(dLogits []float32) [][]float32, err error)
}

// Constructor creates a new model with freshly initialized parameters.
type Constructor func(numClasses int, rng *rand.Rand) Model

var (
	registryMu sync.Mutex
	registry   = make(map[string]Constructor)
)

// Register a model constructor under name. It panics if the name is already taken.
func Register(name string, constructor Constructor) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, found := registry[name]; found {
		panic(errors.Errorf("models.Register(%q): model name already registered", name))
	}
	registry[name] = constructor
}

// Names returns the sorted names of the registered models.
func Names() []string {
	registryMu.Lock()
	defer registryMu.Unlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// IsRegistered returns whether a model with the given name exists.
func IsRegistered(name string) bool {
	return slices.Contains(Names(), name)
}

// New creates a model registered under name, with parameters initialized from seed.
func New(name string, numClasses int, seed uint64) (Model, error) {
	registryMu.Lock()
	constructor, found := registry[name]
	registryMu.Unlock()
	if !found {
		return nil, errors.Errorf("unknown model architecture %q, registered models are %q", name, Names())
	}
	if numClasses < 1 {
		return nil, errors.Errorf("model %q requires at least 1 class, got %d", name, numClasses)
	}
	return constructor(numClasses, rand.New(rand.NewPCG(seed, 0x5eed))), nil
}
