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

// dawnbench trains an ImageNet classifier with progressive resizing: three stages of increasing image resolution,
// with the data loading overlapped with training by double-buffered device prefetchers.
//
// Usage:
//
//	dawnbench [flags] DATA_DIR
//
// DATA_DIR must hold the `train` and `val` image folders, and the resampled copies of the dataset are expected
// in `DATA_DIR-sz/160` and `DATA_DIR-sz/320` (see -stages to change that).
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/dawnbench/pkg/core/device"
	"github.com/gomlx/dawnbench/pkg/core/distributed"
	"github.com/gomlx/dawnbench/pkg/ml/models"
	"github.com/gomlx/dawnbench/pkg/ml/stages"
	"github.com/gomlx/dawnbench/pkg/support/fsutil"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var (
	flagSaveDir   = flag.String("save_dir", "~/imagenet_training", "Directory to save logs, plots and models. If empty nothing is saved.")
	flagArch      = flag.String("arch", "linear", fmt.Sprintf("Model architecture, one of %q.", models.Names()))
	flagWorkers   = flag.Int("workers", 4, "Number of images decoded in parallel, per data loader.")
	flagBatchSize = flag.Int("batch_size", 256, "Training batch size. If set it overrides the batch size of every stage.")
	flagFP16      = flag.Bool("fp16", false, "Store the inputs on the device in half precision.")
	flagSeed      = flag.Uint64("seed", 0, "Seed for the model initialization and the data shuffling and augmentation.")
	flagStages    = flag.String("stages", "", "YAML file with the schedule of stages. {root} in data_dir is replaced by DATA_DIR. "+
		"Defaults to the 3 progressive resizing stages.")
	flagStopAfter  = flag.Int("stop_after", -1, "If >= 0, stop every epoch after stop_after+1 batches. Used for smoke tests.")
	flagPrintEvery = flag.Int("print_every", 50, "Number of batches between records in the log files.")

	// Distributed training.
	flagDistURL     = flag.String("dist_url", "file://sync.file", "URL used to set up distributed training, only file://<path> is supported.")
	flagDistBackend = flag.String("dist_backend", "nccl", "Distributed backend.")
	flagWorldSize   = flag.Int("world_size", 1, "Number of distributed processes.")
	flagRank        = flag.Int("rank", 0, "Rank of this process.")

	// Device.
	flagDeviceMemory = flag.String("device_memory", "0", "Device memory, e.g. \"8GiB\". 0 means unlimited.")
	flagHalfBackend  = flag.Bool("half_precision_backend", true, "Whether the device supports half precision, required by -fp16.")
	flagNumDevices   = flag.Int("num_devices", 1, "Number of local devices, ranks are assigned to devices round-robin.")
)

func main() {
	klog.InitFlags(nil)
	flag.Usage = func() {
		_, _ = fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s [flags] DATA_DIR\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() != 1 {
		flag.Usage()
		klog.Fatalf("DATA_DIR is required")
	}
	klog.Infof("Running with args: %q", os.Args[1:])

	cfg, err := buildConfig(flag.Arg(0))
	if err != nil {
		klog.Fatalf("Invalid flags: %+v", err)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if err := run(ctx, cfg); err != nil {
		klog.Fatalf("Training failed: %+v", err)
	}
	fmt.Println("Finished!")
}

// buildConfig from the flags, for the dataset at dataDir.
func buildConfig(dataDir string) (*stages.Config, error) {
	dataDir, err := fsutil.ExistingDir(dataDir)
	if err != nil {
		return nil, errors.WithMessage(err, "invalid DATA_DIR")
	}
	cfg := stages.DefaultConfig(dataDir)
	if cfg.SaveDir, err = fsutil.ExpandHome(*flagSaveDir); err != nil {
		return nil, err
	}
	if *flagStages != "" {
		stagesPath, err := fsutil.ExpandHome(*flagStages)
		if err != nil {
			return nil, err
		}
		if cfg.Schedule, err = stages.LoadSchedule(stagesPath, dataDir); err != nil {
			return nil, err
		}
	}
	flag.Visit(func(f *flag.Flag) {
		if f.Name == "batch_size" {
			cfg.BatchSize = *flagBatchSize
		}
	})
	cfg.Arch = *flagArch
	cfg.Workers = *flagWorkers
	cfg.FP16 = *flagFP16
	cfg.Seed = *flagSeed
	cfg.StopAfter = *flagStopAfter
	cfg.PrintEvery = *flagPrintEvery
	cfg.Rank, cfg.WorldSize = *flagRank, *flagWorldSize
	return cfg, nil
}

// newDevice creates the device of this process, as configured by the flags.
func newDevice(rank int) (*device.Device, error) {
	memory, err := humanize.ParseBytes(*flagDeviceMemory)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid -device_memory=%q", *flagDeviceMemory)
	}
	return device.New(
		device.WithNum(distributed.DeviceIndex(rank, *flagNumDevices)),
		device.WithMemory(int64(memory)),
		device.WithHalfPrecision(*flagHalfBackend),
	), nil
}

// run validates the configuration, joins the distributed group and trains all stages.
func run(ctx context.Context, cfg *stages.Config) error {
	dev, err := newDevice(cfg.Rank)
	if err != nil {
		return err
	}
	defer dev.Close()
	klog.Infof("Device: %s", dev)

	// Configuration errors are reported before joining the group.
	controller, err := stages.New(cfg, dev)
	if err != nil {
		return err
	}
	defer controller.Close()

	group, err := distributed.Rendezvous(ctx, distributed.Config{
		URL: *flagDistURL, Backend: *flagDistBackend, WorldSize: cfg.WorldSize, Rank: cfg.Rank,
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := group.Leave(); err != nil {
			klog.Errorf("Failed to leave distributed group: %+v", err)
		}
	}()
	klog.Infof("Distributed: %s", group)

	results, err := controller.Run(ctx)
	if err != nil {
		return err
	}
	for _, result := range results {
		fmt.Println(result)
	}
	if cfg.SavesToDisk() {
		fmt.Printf("Logs and models saved to %q\n", cfg.SaveDir)
	}
	klog.V(1).Infof("Peak device memory: %s", humanize.IBytes(uint64(dev.MemoryPeak())))
	return nil
}
