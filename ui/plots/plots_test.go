// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package plots

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSaveLinePlot(t *testing.T) {
	var points Points
	for step := range 20 {
		points.Add("train_loss", "loss", float64(step), 2/float64(step+1))
		points.Add("learning_rate", "learning_rate", float64(step), 0.1)
	}
	points.Add("val_loss", "loss", 19, 0.5)
	points.Add("val_loss", "loss", 20, math.NaN())
	assert.Len(t, points, 41)
	assert.Equal(t, []string{"train_loss", "val_loss"}, points.OfType("loss").MetricNames())

	dir := t.TempDir()
	pngPath := filepath.Join(dir, "1_loss.png")
	require.NoError(t, SaveLinePlot(pngPath, "Stage 1", "step", "loss", points.OfType("loss")))
	data, err := os.ReadFile(pngPath)
	require.NoError(t, err)
	assert.Equal(t, "\x89PNG", string(data[:4]))

	require.NoError(t, points.SaveJSON(filepath.Join(dir, "points.json")))
	require.Error(t, SaveLinePlot(filepath.Join(dir, "empty.png"), "", "", "", nil))
}
