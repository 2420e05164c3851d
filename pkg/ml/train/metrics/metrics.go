// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package metrics holds the evaluation metrics of the classifier: mean cross-entropy loss, accuracy and
// top-k accuracy. They are accumulated over batches of logits and labels.
package metrics

import (
	"fmt"
	"math"

	"github.com/pkg/errors"
)

const (
	// LossMetricType is the type of loss metrics.
	// Used to aggregate metrics of the same type in the same plot.
	LossMetricType = "loss"

	// AccuracyMetricType is the type of accuracy metrics.
	AccuracyMetricType = "accuracy"
)

// Interface for a metric accumulated over batches.
type Interface interface {
	// Name of the metric.
	Name() string

	// ShortName is a shortened version of the name (preferably 5 characters or less) to be used in progress bars.
	ShortName() string

	// MetricType is a key for metrics that share the same quantity or semantics.
	MetricType() string

	// Update the metric with the logits (shaped [batchSize, numClasses]) and labels of one batch.
	Update(logits []float32, numClasses int, labels []int64) error

	// Value returns the current value of the metric: the mean over all examples seen since the last Reset.
	Value() float64

	// Reset the accumulated state.
	Reset()

	// PrettyPrint a value of the metric.
	PrettyPrint(value float64) string
}

func checkBatch(logits []float32, numClasses int, labels []int64) error {
	if numClasses <= 0 || len(logits) != numClasses*len(labels) {
		return errors.Errorf("metrics: logits of size %d don't match %d labels x %d classes",
			len(logits), len(labels), numClasses)
	}
	for ii, label := range labels {
		if label < 0 || int(label) >= numClasses {
			return errors.Errorf("metrics: label #%d=%d out of range for %d classes", ii, label, numClasses)
		}
	}
	return nil
}

// meanMetric accumulates a per-example value.
type meanMetric struct {
	name, shortName, metricType string
	perExample                  func(logits []float32, label int64) float64
	pPrint                      func(value float64) string

	sum   float64
	count int
}

func (m *meanMetric) Name() string       { return m.name }
func (m *meanMetric) ShortName() string  { return m.shortName }
func (m *meanMetric) MetricType() string { return m.metricType }

func (m *meanMetric) Update(logits []float32, numClasses int, labels []int64) error {
	if err := checkBatch(logits, numClasses, labels); err != nil {
		return errors.WithMessagef(err, "metric %q", m.name)
	}
	for ii, label := range labels {
		m.sum += m.perExample(logits[ii*numClasses:(ii+1)*numClasses], label)
	}
	m.count += len(labels)
	return nil
}

func (m *meanMetric) Value() float64 {
	if m.count == 0 {
		return math.NaN()
	}
	return m.sum / float64(m.count)
}

func (m *meanMetric) Reset() {
	m.sum = 0
	m.count = 0
}

func (m *meanMetric) PrettyPrint(value float64) string {
	return m.pPrint(value)
}

func lossPPrint(value float64) string { return fmt.Sprintf("%.4f", value) }

func accuracyPPrint(value float64) string { return fmt.Sprintf("%.2f%%", 100*value) }

// NewSparseCategoricalCrossEntropy returns the mean cross-entropy loss of logits given integer labels.
func NewSparseCategoricalCrossEntropy(name, shortName string) Interface {
	return &meanMetric{
		name: name, shortName: shortName, metricType: LossMetricType,
		perExample: func(logits []float32, label int64) float64 {
			return CrossEntropy(logits, label)
		},
		pPrint: lossPPrint,
	}
}

// NewSparseCategoricalAccuracy returns the mean accuracy of the argmax of the logits.
func NewSparseCategoricalAccuracy(name, shortName string) Interface {
	return NewTopKAccuracy(name, shortName, 1)
}

// NewTopKAccuracy returns the fraction of examples whose label is among the k largest logits.
func NewTopKAccuracy(name, shortName string, k int) Interface {
	return &meanMetric{
		name: name, shortName: shortName, metricType: AccuracyMetricType,
		perExample: func(logits []float32, label int64) float64 {
			if InTopK(logits, label, k) {
				return 1
			}
			return 0
		},
		pPrint: accuracyPPrint,
	}
}

// CrossEntropy of the softmax of logits with respect to label, computed in a numerically stable way.
func CrossEntropy(logits []float32, label int64) float64 {
	maxLogit := math.Inf(-1)
	for _, l := range logits {
		maxLogit = math.Max(maxLogit, float64(l))
	}
	var sumExp float64
	for _, l := range logits {
		sumExp += math.Exp(float64(l) - maxLogit)
	}
	return math.Log(sumExp) + maxLogit - float64(logits[label])
}

// InTopK returns whether the logit of label is among the k largest. Ties are resolved in favor of the label.
func InTopK(logits []float32, label int64, k int) bool {
	target := logits[label]
	larger := 0
	for _, l := range logits {
		if l > target {
			larger++
			if larger >= k {
				return false
			}
		}
	}
	return true
}

// Result holds the evaluation metrics reported at the end of an epoch.
type Result struct {
	Loss, Accuracy, Top5 float64
	Examples             int
}

// String implements fmt.Stringer.
func (r Result) String() string {
	return fmt.Sprintf("loss=%s acc=%s top5=%s (%d examples)",
		lossPPrint(r.Loss), accuracyPPrint(r.Accuracy), accuracyPPrint(r.Top5), r.Examples)
}

// Evaluator accumulates the metrics of Result over batches.
type Evaluator struct {
	loss, accuracy, top5 Interface
	examples             int
}

// NewEvaluator creates an Evaluator with loss, accuracy and top-5 accuracy metrics.
func NewEvaluator() *Evaluator {
	return &Evaluator{
		loss:     NewSparseCategoricalCrossEntropy("Loss", "loss"),
		accuracy: NewSparseCategoricalAccuracy("Accuracy", "acc"),
		top5:     NewTopKAccuracy("Top-5 Accuracy", "top5", 5),
	}
}

// Update all metrics with one batch.
func (e *Evaluator) Update(logits []float32, numClasses int, labels []int64) error {
	for _, m := range []Interface{e.loss, e.accuracy, e.top5} {
		if err := m.Update(logits, numClasses, labels); err != nil {
			return err
		}
	}
	e.examples += len(labels)
	return nil
}

// Result returns the accumulated metrics.
func (e *Evaluator) Result() Result {
	return Result{
		Loss:     e.loss.Value(),
		Accuracy: e.accuracy.Value(),
		Top5:     e.top5.Value(),
		Examples: e.examples,
	}
}

// MovingAverage is an exponential moving average, used for the smoothed training loss reported to observers.
type MovingAverage struct {
	// NewExampleWeight is the weight of each new observation. The first observations are weighted
	// more (1/count) until count reaches 1/NewExampleWeight.
	NewExampleWeight float64

	value float64
	count int
}

// Observe a new value and return the updated average.
func (m *MovingAverage) Observe(x float64) float64 {
	m.count++
	weight := math.Max(m.NewExampleWeight, 1/float64(m.count))
	m.value = m.value*(1-weight) + x*weight
	return m.value
}

// Value returns the current average, NaN if nothing was observed.
func (m *MovingAverage) Value() float64 {
	if m.count == 0 {
		return math.NaN()
	}
	return m.value
}
