package engine

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultTuningValidates(t *testing.T) {
	assert.NoError(t, DefaultTuning().Validate())
}

func TestLoadTuning_EmptyPathReturnsDefaults(t *testing.T) {
	tuning, err := LoadTuning("")
	require.NoError(t, err)
	assert.Equal(t, DefaultTuning(), tuning)
}

func TestLoadTuning_OverridesSubsetOfFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tuning.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
window_days: 7
trend:
  emergent_min_freq: 10
  stable_min_freq: 4
insight:
  materiality_pct: 20
`), 0o600))

	tuning, err := LoadTuning(path)
	require.NoError(t, err)
	assert.Equal(t, 7, tuning.WindowDays)
	assert.Equal(t, 10, tuning.Trend.EmergentMinFreq)
	assert.Equal(t, 4, tuning.Trend.StableMinFreq)
	assert.InDelta(t, 20.0, tuning.Insight.MaterialityPct, 1e-9)
	// Untouched sections keep their defaults.
	assert.Equal(t, DefaultTuning().Anomaly, tuning.Anomaly)
	assert.Equal(t, DefaultTuning().Cluster, tuning.Cluster)
}

func TestLoadTuning_RejectsInvertedBands(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tuning.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
anomaly:
  low_sigma: 5
  medium_sigma: 2
`), 0o600))

	_, err := LoadTuning(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sigma bands")
}

func TestLoadTuning_MissingFile(t *testing.T) {
	_, err := LoadTuning(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestValidate_TrendThresholdOrdering(t *testing.T) {
	tuning := DefaultTuning()
	tuning.Trend.EmergentMinFreq = 2
	tuning.Trend.StableMinFreq = 3
	assert.Error(t, tuning.Validate())
}
