// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package stages

import (
	"bytes"
	"context"
	"fmt"
	"image/color"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/gomlx/dawnbench/pkg/core/device"
	"github.com/gomlx/dawnbench/pkg/core/tensors"
	"github.com/gomlx/dawnbench/pkg/ml/checkpoints"
	"github.com/gomlx/dawnbench/pkg/ml/datasets"
	"github.com/gomlx/dawnbench/pkg/ml/train"
	"github.com/gomlx/dawnbench/pkg/ml/train/observers"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultSchedule(t *testing.T) {
	schedule := DefaultSchedule("/data/imagenet")
	require.Len(t, schedule, 3)
	want := []struct {
		name, dir string
		lr        float64
	}{
		{"1", "/data/imagenet-sz/160", 0.03},
		{"2", "/data/imagenet-sz/320", 0.1},
		{"3", "/data/imagenet", 0.1},
	}
	for ii, stage := range schedule {
		require.NoError(t, stage.Validate())
		assert.Equal(t, want[ii].name, stage.Name)
		assert.Equal(t, want[ii].dir, stage.DataDir)
		assert.Equal(t, want[ii].lr, stage.LR)
		assert.Equal(t, 128, stage.Size)
		assert.Equal(t, 256, stage.BatchSize)
		assert.Equal(t, 2e-5, stage.WD)
		assert.Equal(t, 1, stage.Epochs)
	}
}

func TestParseSchedule(t *testing.T) {
	schedule, err := ParseSchedule([]byte(`
stages:
  - name: small
    data_dir: "{root}-sz/160"
    size: 64
    batch_size: 32
    lr: 0.05
    wd: 1e-4
    epochs: 2
  - name: full
    data_dir: "{root}"
    size: 128
    batch_size: 16
    lr: 0.01
    wd: 0
    epochs: 1
`), "/data/in")
	require.NoError(t, err)
	require.Len(t, schedule, 2)
	assert.Equal(t, Stage{Name: "small", DataDir: "/data/in-sz/160", Size: 64, BatchSize: 32, LR: 0.05, WD: 1e-4, Epochs: 2},
		schedule[0])
	assert.Equal(t, "/data/in", schedule[1].DataDir)

	for name, data := range map[string]string{
		"empty":          "stages: []",
		"unknown field":  "stages:\n  - {name: a, data_dir: x, size: 8, batch_size: 1, lr: 1, epochs: 1, momentum: 0.9}",
		"missing size":   "stages:\n  - {name: a, data_dir: x, batch_size: 1, lr: 1, epochs: 1}",
		"duplicate name": "stages:\n  - {name: a, data_dir: x, size: 8, batch_size: 1, lr: 1, epochs: 1}\n  - {name: a, data_dir: y, size: 8, batch_size: 1, lr: 1, epochs: 1}",
		"not yaml":       "stages: [",
	} {
		_, err := ParseSchedule([]byte(data), "/data")
		assert.Error(t, err, name)
	}

	path := filepath.Join(t.TempDir(), "stages.yaml")
	must.M(os.WriteFile(path, []byte("stages:\n  - {name: a, data_dir: \"{root}/a\", size: 8, batch_size: 1, lr: 1, epochs: 1}\n"), 0o644))
	schedule, err = LoadSchedule(path, "/r")
	require.NoError(t, err)
	assert.Equal(t, "/r/a", schedule[0].DataDir)
	_, err = LoadSchedule(filepath.Join(t.TempDir(), "missing.yaml"), "/r")
	require.Error(t, err)
}

func TestConfigValidate(t *testing.T) {
	dev := device.New(device.WithHalfPrecision(false))
	defer dev.Close()
	cfg := DefaultConfig("/data/imagenet")
	require.NoError(t, cfg.Validate(dev))

	cfg.Arch = "resnet50"
	require.ErrorContains(t, cfg.Validate(dev), "unknown model architecture")
	cfg.Arch = "linear"

	cfg.FP16 = true
	require.ErrorContains(t, cfg.Validate(dev), "half-precision")
	halfDev := device.New(device.WithHalfPrecision(true))
	defer halfDev.Close()
	require.NoError(t, cfg.Validate(halfDev))
	cfg.FP16 = false

	cfg.Rank = 1
	require.Error(t, cfg.Validate(dev))
	cfg.WorldSize = 2
	require.NoError(t, cfg.Validate(dev))
	assert.False(t, cfg.IsMain())

	cfg.DataDir = ""
	require.Error(t, cfg.Validate(dev))

	_, err := New(cfg, dev)
	require.Error(t, err, "New validates the configuration")
}

// recordingDataset logs the name of the source of every batch pulled.
type recordingDataset struct {
	train.Dataset
	log *[]string
}

func (r *recordingDataset) Len() int { return train.Len(r.Dataset) }

func (r *recordingDataset) Yield() (input, target *tensors.Tensor, err error) {
	input, target, err = r.Dataset.Yield()
	if err == nil {
		*r.log = append(*r.log, r.Name())
	}
	return
}

const (
	testNumClasses  = 3
	testNumExamples = 12
)

// inMemorySources builds separable in-memory datasets: each class has its own color.
func inMemorySources(log *[]string) SourcesFn {
	return func(_ context.Context, cfg *Config, stage Stage) (*Sources, error) {
		newDataset := func(name string, batchSize int) (train.Dataset, error) {
			examples := make([][]float32, testNumExamples)
			labels := make([]int64, testNumExamples)
			for ii := range examples {
				label := ii % testNumClasses
				labels[ii] = int64(label)
				examples[ii] = make([]float32, stage.Size*stage.Size*3)
				for jj := range examples[ii] {
					if jj%3 == label {
						examples[ii][jj] = 1
					}
				}
			}
			ds, err := datasets.InMemory(name+":"+stage.Name, []int{stage.Size, stage.Size, 3}, examples, labels)
			if err != nil {
				return nil, err
			}
			return &recordingDataset{Dataset: ds.BatchSize(batchSize, false), log: log}, nil
		}
		batchSize := cfg.StageBatchSize(stage)
		sources := &Sources{NumClasses: testNumClasses}
		var err error
		if sources.Train, err = newDataset("train", batchSize); err != nil {
			return nil, err
		}
		if sources.Val, err = newDataset("val", 2*batchSize); err != nil {
			return nil, err
		}
		if sources.Aug, err = newDataset("aug", batchSize); err != nil {
			return nil, err
		}
		return sources, nil
	}
}

func testSchedule() []Stage {
	return []Stage{
		{Name: "1", DataDir: "mem", Size: 8, BatchSize: 4, LR: 0.5, Epochs: 2},
		{Name: "2", DataDir: "mem", Size: 16, BatchSize: 4, LR: 0.5, WD: 1e-4, Epochs: 1},
		{Name: "3", DataDir: "mem", Size: 12, BatchSize: 4, LR: 0.1, WD: 1e-4, Epochs: 1},
	}
}

// streamsObserver records the number of device streams at the start of each stage.
type streamsObserver struct {
	observers.NoOp
	dev     *device.Device
	streams []int
	stages  []string
}

func (s *streamsObserver) OnTrainBegin(info observers.TrainInfo) error {
	s.streams = append(s.streams, s.dev.NumStreams())
	s.stages = append(s.stages, info.Stage)
	return nil
}

func TestRun(t *testing.T) {
	dev := device.New()
	defer dev.Close()
	saveDir := t.TempDir()
	cfg := DefaultConfig("mem")
	cfg.Schedule = testSchedule()
	cfg.SaveDir = saveDir
	cfg.PrintEvery = 1
	cfg.Seed = 42

	var log []string
	var console bytes.Buffer
	streams := &streamsObserver{dev: dev}
	controller, err := New(cfg, dev, WithSources(inMemorySources(&log)), WithConsole(&console), WithObserver(streams))
	require.NoError(t, err)
	var infos []string
	controller.infof = func(format string, args ...any) { infos = append(infos, fmt.Sprintf(format, args...)) }
	results, err := controller.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 3)

	// One copy stream per prefetcher (train, val, aug): the previous stage's prefetchers were closed.
	assert.Equal(t, []int{3, 3, 3}, streams.streams)
	assert.Equal(t, []string{"1", "2", "3"}, streams.stages)

	const batchesPerEpoch = testNumExamples / 4
	for ii, result := range results {
		stage := cfg.Schedule[ii]
		assert.Equal(t, stage.Name, result.Stage)
		assert.Equal(t, batchesPerEpoch*stage.Epochs, result.Steps)
		assert.Equal(t, batchesPerEpoch*stage.Epochs, result.TrainStats.Yielded)
		assert.Equal(t, 0, result.TrainStats.InFlight())
		assert.Equal(t, 0, result.ValStats.InFlight())
		assert.Equal(t, 0, result.AugStats.InFlight())
		assert.Equal(t, testNumExamples, result.Validation.Examples)
		assert.Equal(t, testNumExamples, result.Augmented.Examples)
	}
	assert.Equal(t, batchesPerEpoch*4, controller.Step())
	// The throughput reported at the end of each stage counts exactly the steps of the stage.
	for _, result := range results {
		prefix := fmt.Sprintf("stage %s: %d steps in ", result.Stage, result.Steps)
		assert.True(t, slices.ContainsFunc(infos, func(line string) bool { return strings.HasPrefix(line, prefix) }),
			"missing %q in %q", prefix, infos)
	}
	assert.Greater(t, results[2].Validation.Accuracy, 0.9, "separable data should be learned")

	// Once a stage starts, no batch of a previous stage's sources is ever pulled again.
	lastStage := ""
	for _, name := range log {
		stageName := name[strings.Index(name, ":")+1:]
		require.GreaterOrEqual(t, stageName, lastStage, "batch of %q pulled after stage %q started", name, lastStage)
		lastStage = stageName
	}

	controller.Close()
	assert.Equal(t, 0, dev.NumStreams())

	// Logs, plots and checkpoints.
	for _, stage := range cfg.Schedule {
		contents := string(must.M1(os.ReadFile(filepath.Join(saveDir, LogsDir, stage.Name+LogSuffix))))
		assert.Contains(t, contents, "\t\ton_train_begin\n")
		assert.Contains(t, contents, "\tval_loss:")
		assert.True(t, strings.HasSuffix(contents, "\t\ton_train_end\n"))
		for _, plot := range []string{"_loss.png", "_lr.png"} {
			_, err := os.Stat(filepath.Join(saveDir, LogsDir, stage.Name+plot))
			assert.NoError(t, err)
		}
	}
	handler := must.M1(checkpoints.PrepareDirs(saveDir))
	for _, name := range []string{"1", "1_best_model", "2", "2_best_model", "3", "3_best_model"} {
		assert.True(t, handler.Exists(name), "checkpoint %q", name)
	}
	metadata, params, err := handler.Load("3")
	require.NoError(t, err)
	assert.Equal(t, "linear", metadata.Arch)
	assert.Equal(t, "3", metadata.Stage)
	assert.Equal(t, controller.Step(), metadata.Step)
	assert.Contains(t, metadata.Metrics, "val_loss")
	require.NoError(t, controller.Learner().SetParams(params))
	assert.Contains(t, console.String(), "stage 3")
}

func TestRunStopAfterAndRank(t *testing.T) {
	dev := device.New()
	defer dev.Close()
	cfg := DefaultConfig("mem")
	cfg.Schedule = testSchedule()
	cfg.SaveDir = t.TempDir()
	cfg.StopAfter = 0
	cfg.Rank, cfg.WorldSize = 1, 2
	var log []string
	controller, err := New(cfg, dev, WithSources(inMemorySources(&log)), WithConsole(&bytes.Buffer{}))
	require.NoError(t, err)
	defer controller.Close()
	results, err := controller.Run(context.Background())
	require.NoError(t, err)
	for ii, result := range results {
		// stop_after=0 yields a single batch per epoch.
		assert.Equal(t, cfg.Schedule[ii].Epochs, result.Steps)
		assert.Equal(t, 8, result.Validation.Examples)
	}

	// Only rank 0 writes to the save directory.
	entries, err := os.ReadDir(cfg.SaveDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestRunErrors(t *testing.T) {
	dev := device.New()
	defer dev.Close()
	cfg := DefaultConfig("mem")
	cfg.Schedule = testSchedule()
	var log []string
	working := inMemorySources(&log)

	// Sources failing in the second stage abort the run.
	controller, err := New(cfg, dev, WithConsole(&bytes.Buffer{}),
		WithSources(func(ctx context.Context, cfg *Config, stage Stage) (*Sources, error) {
			if stage.Name == "2" {
				return nil, errors.New("disk is gone")
			}
			return working(ctx, cfg, stage)
		}))
	require.NoError(t, err)
	results, err := controller.Run(context.Background())
	require.ErrorContains(t, err, "disk is gone")
	require.ErrorContains(t, err, `stage "2"`)
	assert.Len(t, results, 1)
	controller.Close()

	// Device memory exhaustion while prefetching is fatal.
	smallDev := device.New(device.WithMemory(100))
	defer smallDev.Close()
	controller, err = New(cfg, smallDev, WithConsole(&bytes.Buffer{}), WithSources(working))
	require.NoError(t, err)
	_, err = controller.Run(context.Background())
	require.ErrorIs(t, err, device.ErrOutOfMemory)
	controller.Close()

	// Cancelled context.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	controller, err = New(cfg, dev, WithConsole(&bytes.Buffer{}), WithSources(working))
	require.NoError(t, err)
	_, err = controller.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	controller.Close()

	// Cancelling during a stage interrupts its training at the next step.
	ctx, cancel = context.WithCancel(context.Background())
	defer cancel()
	longCfg := DefaultConfig("mem")
	longCfg.Schedule = []Stage{{Name: "long", DataDir: "mem", Size: 8, BatchSize: 1, LR: 0.1, Epochs: 5}}
	controller, err = New(longCfg, dev, WithConsole(&bytes.Buffer{}), WithSources(working),
		WithObserver(&cancellingObserver{cancel: cancel}))
	require.NoError(t, err)
	defer controller.Close()
	results, err = controller.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	require.ErrorContains(t, err, "training interrupted")
	assert.Empty(t, results)
	assert.Equal(t, 1, controller.Step(), "only the step before the cancellation should complete")
}

// cancellingObserver cancels the run after the first batch.
type cancellingObserver struct {
	observers.NoOp
	cancel context.CancelFunc
}

func (o *cancellingObserver) OnBatchEnd(observers.BatchInfo) error {
	o.cancel()
	return nil
}

func TestImageFolderSources(t *testing.T) {
	root := filepath.Join(t.TempDir(), "imagenet")
	classes := []string{"cat", "dog"}
	for _, split := range []struct {
		name     string
		perClass int
	}{{"train", 5}, {"val", 3}} {
		for label, class := range classes {
			dir := filepath.Join(root, split.name, class)
			must.M(os.MkdirAll(dir, 0o755))
			for ii := range split.perClass {
				img := imaging.New(20, 16, color.NRGBA{R: uint8(200 * label), G: 80, B: 40, A: 255})
				must.M(imaging.Save(img, filepath.Join(dir, string(rune('a'+ii))+".png")))
			}
		}
	}
	cfg := DefaultConfig(root)
	cfg.Workers = 2
	cfg.Rank, cfg.WorldSize = 1, 2
	stage := Stage{Name: "3", DataDir: root, Size: 8, BatchSize: 2, LR: 0.1, Epochs: 1}
	sources, err := ImageFolderSources(context.Background(), cfg, stage)
	require.NoError(t, err)
	assert.Equal(t, 2, sources.NumClasses)
	// 10 train images sharded across 2 ranks, in batches of 2.
	assert.Equal(t, 3, train.Len(sources.Train))
	// 6 val images in batches of 4 (twice the training batch size), and the augmented ones in batches of 2.
	assert.Equal(t, 2, train.Len(sources.Val))
	assert.Equal(t, 3, train.Len(sources.Aug))

	sources.Val.Reset()
	input, target, err := sources.Val.Yield()
	require.NoError(t, err)
	assert.Equal(t, []int{4, 8, 8, 3}, input.Shape())
	assert.Equal(t, []int64{0, 0, 0, 1}, must.M1(target.Int64s()))

	// Mismatched classes.
	must.M(os.MkdirAll(filepath.Join(root, "val", "emu"), 0o755))
	_, err = ImageFolderSources(context.Background(), cfg, stage)
	require.Error(t, err)
}
