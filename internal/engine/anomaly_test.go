package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syntegra/insights-cli/internal/model"
)

var detectedAt = time.Date(2025, 6, 30, 0, 0, 0, 0, time.UTC)

// history with median 100 and sample standard deviation near 6.5.
func flatHistory() []float64 {
	return []float64{90, 95, 100, 105, 110, 100, 100}
}

func TestAnomalyEvaluate_BelowLowBand(t *testing.T) {
	d := NewAnomalyDetector(DefaultTuning().Anomaly)
	// Deviation well under one sigma.
	a := d.Evaluate(1, "total_sales", flatHistory(), 103, detectedAt)
	assert.Nil(t, a)
}

func TestAnomalyEvaluate_SeverityScalesWithDeviation(t *testing.T) {
	d := NewAnomalyDetector(DefaultTuning().Anomaly)
	history := flatHistory()

	low := d.Evaluate(1, "total_sales", history, 115, detectedAt)
	require.NotNil(t, low)
	assert.Equal(t, model.SeverityLow, low.Severity)

	high := d.Evaluate(1, "total_sales", history, 135, detectedAt)
	require.NotNil(t, high)
	assert.Equal(t, model.SeverityHigh, high.Severity)

	// Larger deviation never classifies lower.
	assert.Greater(t, high.Severity.Rank(), low.Severity.Rank())
	assert.Greater(t, high.Deviation, low.Deviation)
}

func TestAnomalyEvaluate_CriticalBand(t *testing.T) {
	d := NewAnomalyDetector(DefaultTuning().Anomaly)
	a := d.Evaluate(1, "avg_ticket", flatHistory(), 250, detectedAt)
	require.NotNil(t, a)
	assert.Equal(t, model.SeverityCritical, a.Severity)
	assert.Equal(t, "zscore_median", a.Method)
	assert.Contains(t, a.Reason, "above")
}

func TestAnomalyEvaluate_NegativeDeviation(t *testing.T) {
	d := NewAnomalyDetector(DefaultTuning().Anomaly)
	a := d.Evaluate(1, "total_sales", flatHistory(), 60, detectedAt)
	require.NotNil(t, a)
	assert.Contains(t, a.Reason, "below")
	assert.Positive(t, a.Deviation)
}

func TestAnomalyEvaluate_ShortHistory(t *testing.T) {
	d := NewAnomalyDetector(DefaultTuning().Anomaly)
	a := d.Evaluate(1, "total_sales", []float64{100, 100, 100}, 900, detectedAt)
	assert.Nil(t, a)
}

func TestAnomalyEvaluate_ZeroSpread(t *testing.T) {
	d := NewAnomalyDetector(DefaultTuning().Anomaly)
	a := d.Evaluate(1, "total_sales", []float64{100, 100, 100, 100, 100}, 900, detectedAt)
	assert.Nil(t, a)
}

func TestAnomalyEvaluate_MedianResistsPastOutliers(t *testing.T) {
	d := NewAnomalyDetector(DefaultTuning().Anomaly)
	// One historic spike should not drag the baseline toward itself.
	history := []float64{100, 102, 98, 101, 99, 1000}
	a := d.Evaluate(1, "total_sales", history, 100, detectedAt)
	assert.Nil(t, a)
}

func TestMedian(t *testing.T) {
	assert.InDelta(t, 3, median([]float64{5, 1, 3}), 1e-9)
	assert.InDelta(t, 2.5, median([]float64{4, 1, 2, 3}), 1e-9)
}

func TestSampleStdDev(t *testing.T) {
	assert.Zero(t, sampleStdDev([]float64{42}))
	assert.InDelta(t, 1.0, sampleStdDev([]float64{1, 2, 3}), 1e-9)
}
