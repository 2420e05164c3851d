// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package stages

import (
	"bytes"
	"os"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// RootPlaceholder in Stage.DataDir is replaced by the dataset root directory.
const RootPlaceholder = "{root}"

// Stage is one phase of training with a fixed input resolution and hyperparameters.
type Stage struct {
	// Name of the stage, used to name the log file and checkpoints.
	Name string `yaml:"name"`

	// DataDir with the `train` and `val` subdirectories. RootPlaceholder is replaced by the dataset root.
	DataDir string `yaml:"data_dir"`

	// Size in pixels of the (square) images fed to the model.
	Size int `yaml:"size"`

	// BatchSize for training. Validation uses twice as much.
	BatchSize int `yaml:"batch_size"`

	// LR is the learning rate and WD the weight decay.
	LR float64 `yaml:"lr"`
	WD float64 `yaml:"wd"`

	// Epochs in the fit cycle of the stage.
	Epochs int `yaml:"epochs"`
}

// Validate returns an error describing the first invalid field.
func (s Stage) Validate() error {
	switch {
	case s.Name == "":
		return errors.New("stage has no name")
	case s.DataDir == "":
		return errors.Errorf("stage %q has no data_dir", s.Name)
	case s.Size <= 0:
		return errors.Errorf("stage %q: size must be > 0, got %d", s.Name, s.Size)
	case s.BatchSize <= 0:
		return errors.Errorf("stage %q: batch_size must be > 0, got %d", s.Name, s.BatchSize)
	case s.LR <= 0:
		return errors.Errorf("stage %q: lr must be > 0, got %g", s.Name, s.LR)
	case s.WD < 0:
		return errors.Errorf("stage %q: wd must be >= 0, got %g", s.Name, s.WD)
	case s.Epochs <= 0:
		return errors.Errorf("stage %q: epochs must be > 0, got %d", s.Name, s.Epochs)
	}
	return nil
}

// DefaultWeightDecay used by all stages of DefaultSchedule.
const DefaultWeightDecay = 2e-5

// DefaultSchedule returns the three progressive-resolution stages: the 160 pixels resampled dataset, the 320 pixels
// resampled dataset and finally the original dataset at root. The resampled datasets are expected in `<root>-sz/160`
// and `<root>-sz/320`.
func DefaultSchedule(root string) []Stage {
	return []Stage{
		{Name: "1", DataDir: root + "-sz/160", Size: 128, BatchSize: 256, LR: 0.03, WD: DefaultWeightDecay, Epochs: 1},
		{Name: "2", DataDir: root + "-sz/320", Size: 128, BatchSize: 256, LR: 0.1, WD: DefaultWeightDecay, Epochs: 1},
		{Name: "3", DataDir: root, Size: 128, BatchSize: 256, LR: 0.1, WD: DefaultWeightDecay, Epochs: 1},
	}
}

type scheduleFile struct {
	Stages []Stage `yaml:"stages"`
}

// ParseSchedule parses a YAML schedule, replacing RootPlaceholder in the data directories by root:
//
//	stages:
//	  - name: warmup
//	    data_dir: "{root}-sz/160"
//	    size: 128
//	    batch_size: 256
//	    lr: 0.03
//	    wd: 2e-5
//	    epochs: 1
func ParseSchedule(data []byte, root string) ([]Stage, error) {
	var file scheduleFile
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&file); err != nil {
		return nil, errors.Wrap(err, "failed to parse stages schedule")
	}
	if len(file.Stages) == 0 {
		return nil, errors.New("stages schedule has no stages")
	}
	seen := make(map[string]bool, len(file.Stages))
	for ii := range file.Stages {
		stage := &file.Stages[ii]
		stage.DataDir = strings.ReplaceAll(stage.DataDir, RootPlaceholder, root)
		if err := stage.Validate(); err != nil {
			return nil, errors.WithMessagef(err, "stages schedule #%d", ii)
		}
		if seen[stage.Name] {
			return nil, errors.Errorf("stages schedule #%d: duplicate stage name %q", ii, stage.Name)
		}
		seen[stage.Name] = true
	}
	return file.Stages, nil
}

// LoadSchedule reads and parses a YAML schedule file, see ParseSchedule.
func LoadSchedule(path, root string) ([]Stage, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read stages schedule")
	}
	stages, err := ParseSchedule(data, root)
	return stages, errors.WithMessagef(err, "file %q", path)
}
