// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package stages

import (
	"math"
	"time"

	"github.com/gomlx/dawnbench/pkg/ml/checkpoints"
	"github.com/gomlx/dawnbench/pkg/ml/models"
	"github.com/gomlx/dawnbench/pkg/ml/train/observers"
	"k8s.io/klog/v2"
)

// BestModelSuffix is appended to the stage name for the checkpoint with the best validation loss.
const BestModelSuffix = "_best_model"

// checkpointer is an observers.Observer that saves the model of a stage:
//
//   - `<stage>_best_model` whenever the validation loss improves;
//   - `<stage>` at the end of the stage.
type checkpointer struct {
	handler *checkpoints.Handler
	arch    string
	model   models.Model
	now     func() time.Time

	stage    string
	bestLoss float64
	last     checkpoints.Metadata
}

var _ observers.Observer = &checkpointer{}

func newCheckpointer(handler *checkpoints.Handler, arch string, model models.Model) *checkpointer {
	return &checkpointer{handler: handler, arch: arch, model: model, now: time.Now}
}

func (c *checkpointer) metadata(epoch, step int) checkpoints.Metadata {
	return checkpoints.Metadata{Arch: c.arch, Stage: c.stage, Epoch: epoch, Step: step, SavedAt: c.now()}
}

// OnTrainBegin implements observers.Observer.
func (c *checkpointer) OnTrainBegin(info observers.TrainInfo) error {
	c.stage = info.Stage
	c.bestLoss = math.Inf(1)
	c.last = c.metadata(0, 0)
	return nil
}

// OnBatchEnd implements observers.Observer.
func (c *checkpointer) OnBatchEnd(info observers.BatchInfo) error {
	c.last.Epoch, c.last.Step = info.Epoch, info.Step
	return nil
}

// OnEpochEnd implements observers.Observer.
func (c *checkpointer) OnEpochEnd(epochMetrics observers.EpochMetrics) error {
	c.last = c.metadata(epochMetrics.Epoch, epochMetrics.Step)
	c.last.Metrics = map[string]float64{"trn_loss": epochMetrics.TrainLoss}
	if !epochMetrics.HasValidation {
		return nil
	}
	v := epochMetrics.Validation
	c.last.Metrics["val_loss"] = v.Loss
	c.last.Metrics["acc"] = v.Accuracy
	c.last.Metrics["top5"] = v.Top5
	if !(v.Loss < c.bestLoss) {
		return nil
	}
	c.bestLoss = v.Loss
	klog.V(1).Infof("stage %s epoch %d: best validation loss so far %.4f", c.stage, epochMetrics.Epoch, v.Loss)
	return c.handler.Save(c.stage+BestModelSuffix, c.last, c.model.Params())
}

// OnTrainEnd implements observers.Observer.
func (c *checkpointer) OnTrainEnd() error {
	c.last.SavedAt = c.now()
	return c.handler.Save(c.stage, c.last, c.model.Params())
}
