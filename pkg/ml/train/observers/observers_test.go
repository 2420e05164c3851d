// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package observers

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gomlx/dawnbench/pkg/core/tensors"
	"github.com/gomlx/dawnbench/pkg/ml/datasets"
	"github.com/gomlx/dawnbench/pkg/ml/train"
	"github.com/gomlx/dawnbench/pkg/ml/train/metrics"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// halvingTrainer returns losses 1, 0.5, 0.25, ...
type halvingTrainer struct{ loss float64 }

func (h *halvingTrainer) TrainStep(_, _ *tensors.Tensor) (float64, error) {
	if h.loss == 0 {
		h.loss = 1
	} else {
		h.loss /= 2
	}
	return h.loss, nil
}

func newDataset(t *testing.T, numBatches int) train.Dataset {
	examples := make([][]float32, numBatches)
	labels := make([]int64, numBatches)
	for ii := range examples {
		examples[ii] = []float32{float32(ii)}
	}
	return must.M1(datasets.InMemory("test", []int{1}, examples, labels))
}

func fixedClock() time.Time {
	return time.Date(2018, 4, 20, 13, 14, 15, 0, time.UTC)
}

func TestFile(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "training_logs", "1_log.txt")
	fileObs := NewFile(logPath, WithClock(fixedClock), WithPrintEvery(2), WithPlots(filepath.Join(dir, "training_logs")))

	loop := train.NewLoop(&halvingTrainer{})
	evaluations := 0
	Attach(loop, "1", fileObs, func() float64 { return 0.03 }, func() (metrics.Result, error) {
		evaluations++
		return metrics.Result{Loss: 2.5, Accuracy: 0.25, Top5: 0.75, Examples: 8}, nil
	})
	_, err := loop.RunEpochs(newDataset(t, 3), 2)
	require.NoError(t, err)
	assert.Equal(t, 2, evaluations)

	contents := string(must.M1(os.ReadFile(logPath)))
	want := []string{
		"2018-04-20T13:14:15\t\ton_train_begin",
		"2018-04-20T13:14:15\tEpoch: 0 Batch: 2 Metrics: 0.5",
		"2018-04-20T13:14:15\t\tEpoch:0\ttrn_loss:0.25\tval_loss:2.5\tacc:0.25\ttop5:0.75",
		"2018-04-20T13:14:15\tEpoch: 1 Batch: 4 Metrics: 0.125",
		"2018-04-20T13:14:15\tEpoch: 1 Batch: 6 Metrics: 0.03125",
		"2018-04-20T13:14:15\t\tEpoch:1\ttrn_loss:0.03125\tval_loss:2.5\tacc:0.25\ttop5:0.75",
		"2018-04-20T13:14:15\t\ton_train_end",
	}
	assert.Equal(t, strings.Join(want, "\n")+"\n", contents)

	for _, name := range []string{"1_loss.png", "1_lr.png"} {
		_, err := os.Stat(filepath.Join(dir, "training_logs", name))
		assert.NoError(t, err, "plot %s", name)
	}

	// A second run appends to the same file.
	loop = train.NewLoop(&halvingTrainer{})
	Attach(loop, "1", NewFile(logPath, WithClock(fixedClock)), nil, nil)
	_, err = loop.RunEpochs(newDataset(t, 1), 1)
	require.NoError(t, err)
	contents = string(must.M1(os.ReadFile(logPath)))
	assert.True(t, strings.HasPrefix(contents, want[0]))
	assert.True(t, strings.HasSuffix(contents, "\tEpoch:0\ttrn_loss:1\n2018-04-20T13:14:15\t\ton_train_end\n"))
}

func TestEvaluationErrorInterruptsTraining(t *testing.T) {
	dir := t.TempDir()
	fileObs := NewFile(filepath.Join(dir, "log.txt"))
	loop := train.NewLoop(&halvingTrainer{})
	Attach(loop, "2", fileObs, nil, func() (metrics.Result, error) {
		return metrics.Result{}, errors.New("validation set is gone")
	})
	_, err := loop.RunEpochs(newDataset(t, 2), 1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "validation set is gone")
	require.NoError(t, fileObs.Close())
	require.NoError(t, fileObs.Close())
}

func TestConsole(t *testing.T) {
	var buf bytes.Buffer
	console := NewConsole(&buf)
	loop := train.NewLoop(&halvingTrainer{})
	Attach(loop, "3", Multi{console, NoOp{}}, nil, func() (metrics.Result, error) {
		return metrics.Result{Loss: 1.25, Accuracy: 0.5, Top5: 0.9}, nil
	})
	_, err := loop.RunEpochs(newDataset(t, 4), 1)
	require.NoError(t, err)
	output := buf.String()
	assert.Contains(t, output, "stage 3")
	assert.Contains(t, output, "Validation loss")
	assert.Contains(t, output, "1.2500")
	assert.Contains(t, output, "50.00%")
}

type failingObserver struct {
	NoOp
	ended bool
}

func (f *failingObserver) OnBatchEnd(BatchInfo) error { return errors.New("observer failed") }
func (f *failingObserver) OnTrainEnd() error {
	f.ended = true
	return nil
}

func TestMulti(t *testing.T) {
	first, second := &failingObserver{}, &failingObserver{}
	m := Multi{first, second}
	require.NoError(t, m.OnTrainBegin(TrainInfo{}))
	require.Error(t, m.OnBatchEnd(BatchInfo{}))
	require.NoError(t, m.OnTrainEnd())
	assert.True(t, first.ended)
	assert.True(t, second.ended)
}

type batchRecorder struct {
	NoOp
	batches []BatchInfo
}

func (r *batchRecorder) OnBatchEnd(info BatchInfo) error {
	r.batches = append(r.batches, info)
	return nil
}

func TestSmoothLoss(t *testing.T) {
	recorder := &batchRecorder{}
	loop := train.NewLoop(&halvingTrainer{})
	Attach(loop, "1", recorder, nil, nil)
	_, err := loop.RunEpochs(newDataset(t, 3), 1)
	require.NoError(t, err)
	require.Len(t, recorder.batches, 3)
	// Early in the stage the smoothed loss is the running mean of the batch losses.
	for ii, want := range []struct{ loss, smooth float64 }{{1, 1}, {0.5, 0.75}, {0.25, 1.75 / 3}} {
		assert.Equal(t, want.loss, recorder.batches[ii].Loss, "batch %d", ii)
		assert.InDelta(t, want.smooth, recorder.batches[ii].SmoothLoss, 1e-9, "batch %d", ii)
	}

	// Each run of the loop starts a new average.
	recorder.batches = nil
	_, err = loop.RunEpochs(newDataset(t, 1), 1)
	require.NoError(t, err)
	require.Len(t, recorder.batches, 1)
	assert.Equal(t, 0.125, recorder.batches[0].SmoothLoss)
}
