// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package stages

import (
	"github.com/gomlx/dawnbench/pkg/core/device"
	"github.com/gomlx/dawnbench/pkg/ml/models"
	"github.com/pkg/errors"
)

// Config of a training run. It's filled from the command line and passed to every component.
type Config struct {
	// DataDir is the root of the dataset, with the `train` and `val` subdirectories.
	DataDir string

	// SaveDir where logs, plots and checkpoints are saved. If empty nothing is saved.
	SaveDir string

	// Arch is the name of a registered model, see models.Register.
	Arch string

	// Workers decoding images in parallel, per data loader.
	Workers int

	// BatchSize overrides the batch size of every stage, if > 0.
	BatchSize int

	// FP16 stores the inputs on the device in half precision. It requires a device with half-precision support.
	FP16 bool

	// Schedule of stages to run, in order. See DefaultSchedule.
	Schedule []Stage

	// StopAfter caps the prefetchers at StopAfter+1 batches per epoch, for smoke tests. Disabled if < 0.
	StopAfter int

	// PrintEvery is the number of batches between records in the log files.
	PrintEvery int

	// Seed for the model initialization and the data shuffling and augmentation.
	Seed uint64

	// Rank of this process and WorldSize the number of processes training together.
	Rank, WorldSize int
}

// DefaultConfig returns a Config with the defaults of the command line, for the dataset at dataDir.
func DefaultConfig(dataDir string) *Config {
	return &Config{
		DataDir:    dataDir,
		Arch:       "linear",
		Workers:    4,
		Schedule:   DefaultSchedule(dataDir),
		StopAfter:  -1,
		PrintEvery: 50,
		WorldSize:  1,
	}
}

// IsMain returns whether this process is responsible for the log files and checkpoints.
func (cfg *Config) IsMain() bool { return cfg.Rank == 0 }

// SavesToDisk returns whether log files and checkpoints are written: only by the main process, and only if
// SaveDir is set.
func (cfg *Config) SavesToDisk() bool { return cfg.IsMain() && cfg.SaveDir != "" }

// StageBatchSize returns the training batch size of the stage, taking BatchSize into account.
func (cfg *Config) StageBatchSize(stage Stage) int {
	if cfg.BatchSize > 0 {
		return cfg.BatchSize
	}
	return stage.BatchSize
}

// Validate the configuration against the device where it will run. It's called before any work is done.
func (cfg *Config) Validate(dev *device.Device) error {
	if cfg.DataDir == "" {
		return errors.New("missing data directory")
	}
	if !models.IsRegistered(cfg.Arch) {
		return errors.Errorf("unknown model architecture %q, valid values are %q", cfg.Arch, models.Names())
	}
	if cfg.Workers < 1 {
		return errors.Errorf("workers must be >= 1, got %d", cfg.Workers)
	}
	if cfg.BatchSize < 0 {
		return errors.Errorf("batch size must be >= 0, got %d", cfg.BatchSize)
	}
	if cfg.PrintEvery < 1 {
		return errors.Errorf("print every must be >= 1, got %d", cfg.PrintEvery)
	}
	if cfg.WorldSize < 1 || cfg.Rank < 0 || cfg.Rank >= cfg.WorldSize {
		return errors.Errorf("invalid rank %d for world size %d", cfg.Rank, cfg.WorldSize)
	}
	if len(cfg.Schedule) == 0 {
		return errors.New("no stages to run")
	}
	for ii, stage := range cfg.Schedule {
		if err := stage.Validate(); err != nil {
			return errors.WithMessagef(err, "stage #%d", ii)
		}
	}
	if cfg.FP16 && (dev == nil || !dev.SupportsHalf()) {
		return errors.Errorf("fp16 mode requires a device with half-precision support, %s has none", dev)
	}
	return nil
}
