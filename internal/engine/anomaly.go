package engine

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/syntegra/insights-cli/internal/model"
)

// anomalyMethod names the detection algorithm in the audit log.
const anomalyMethod = "zscore_median"

// AnomalyDetector flags metric values that deviate from their own history.
// The baseline is the median rather than the mean so that past outliers do
// not mask new ones.
type AnomalyDetector struct {
	tuning AnomalyTuning
}

// NewAnomalyDetector returns a detector with the given sigma bands.
func NewAnomalyDetector(tuning AnomalyTuning) *AnomalyDetector {
	return &AnomalyDetector{tuning: tuning}
}

// Evaluate scores one current value against its history. It returns nil when
// the history is too short, the history has no spread, or the deviation is
// below the lowest band.
func (d *AnomalyDetector) Evaluate(clientID int64, kpiName string, history []float64, current float64, at time.Time) *model.AnomalyRecord {
	if len(history) < d.tuning.MinHistory {
		return nil
	}

	baseline := median(history)
	spread := sampleStdDev(history)
	if spread == 0 {
		return nil
	}

	z := (current - baseline) / spread
	severity, ok := d.classify(math.Abs(z))
	if !ok {
		return nil
	}

	direction := "above"
	if z < 0 {
		direction = "below"
	}
	return &model.AnomalyRecord{
		ClientID:      clientID,
		KPIName:       kpiName,
		DetectedAt:    at,
		Value:         current,
		ExpectedValue: round2(baseline),
		Deviation:     round2(math.Abs(z)),
		Reason:        fmt.Sprintf("%s is %.1f standard deviations %s its median of %.2f", kpiName, math.Abs(z), direction, baseline),
		Severity:      severity,
		Method:        anomalyMethod,
		Metadata: map[string]any{
			"baseline":     baseline,
			"spread":       spread,
			"history_size": len(history),
		},
	}
}

func (d *AnomalyDetector) classify(absZ float64) (model.Severity, bool) {
	switch {
	case absZ >= d.tuning.CriticalSigma:
		return model.SeverityCritical, true
	case absZ >= d.tuning.HighSigma:
		return model.SeverityHigh, true
	case absZ >= d.tuning.MediumSigma:
		return model.SeverityMedium, true
	case absZ >= d.tuning.LowSigma:
		return model.SeverityLow, true
	default:
		return "", false
	}
}

func median(values []float64) float64 {
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)

	mid := len(sorted) / 2
	if len(sorted)%2 == 0 {
		return (sorted[mid-1] + sorted[mid]) / 2
	}
	return sorted[mid]
}

// sampleStdDev is the n-1 standard deviation; zero for fewer than two values.
func sampleStdDev(values []float64) float64 {
	if len(values) < 2 {
		return 0
	}
	mean := 0.0
	for _, v := range values {
		mean += v
	}
	mean /= float64(len(values))

	sum := 0.0
	for _, v := range values {
		d := v - mean
		sum += d * d
	}
	return math.Sqrt(sum / float64(len(values)-1))
}
