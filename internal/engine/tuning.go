// Package engine contains the analytics computation stages: KPI aggregation,
// keyword trend detection, anomaly scoring, client clustering, and insight
// synthesis. Engines are pure computation; the pipeline wires them to storage.
package engine

import (
	"os"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

// Tuning collects the numeric thresholds of all stages. Values ship with
// defaults and may be overridden from a YAML file.
type Tuning struct {
	WindowDays int           `yaml:"window_days" mapstructure:"window_days"`
	Trend      TrendTuning   `yaml:"trend" mapstructure:"trend"`
	Anomaly    AnomalyTuning `yaml:"anomaly" mapstructure:"anomaly"`
	Cluster    ClusterTuning `yaml:"cluster" mapstructure:"cluster"`
	Insight    InsightTuning `yaml:"insight" mapstructure:"insight"`
}

// TrendTuning controls keyword trend classification.
type TrendTuning struct {
	// EmergentMinFreq is the window frequency at which a term is emergent.
	EmergentMinFreq int `yaml:"emergent_min_freq" mapstructure:"emergent_min_freq"`
	// StableMinFreq is the minimum frequency for a term to be reported at all.
	StableMinFreq int `yaml:"stable_min_freq" mapstructure:"stable_min_freq"`
}

// AnomalyTuning controls the robust z-score detector.
type AnomalyTuning struct {
	// MinHistory is how many historical values a metric needs before
	// detection runs on it.
	MinHistory int `yaml:"min_history" mapstructure:"min_history"`
	// HistoryLimit caps how far back the detector looks.
	HistoryLimit int `yaml:"history_limit" mapstructure:"history_limit"`
	// Sigma band lower bounds. Deviations below LowSigma are not anomalies.
	LowSigma      float64 `yaml:"low_sigma" mapstructure:"low_sigma"`
	MediumSigma   float64 `yaml:"medium_sigma" mapstructure:"medium_sigma"`
	HighSigma     float64 `yaml:"high_sigma" mapstructure:"high_sigma"`
	CriticalSigma float64 `yaml:"critical_sigma" mapstructure:"critical_sigma"`
}

// ClusterTuning controls k-means client segmentation.
type ClusterTuning struct {
	K             int   `yaml:"k" mapstructure:"k"`
	MaxIterations int   `yaml:"max_iterations" mapstructure:"max_iterations"`
	Seed          int64 `yaml:"seed" mapstructure:"seed"`
}

// InsightTuning controls the synthesizer.
type InsightTuning struct {
	// MaterialityPct is the absolute KPI delta, in percent, below which a
	// movement is not worth a finding.
	MaterialityPct float64 `yaml:"materiality_pct" mapstructure:"materiality_pct"`
	// MaxFindings caps the findings list per insight.
	MaxFindings int `yaml:"max_findings" mapstructure:"max_findings"`
	// SentimentMajorityPct is the share a sentiment label needs to count as
	// predominant.
	SentimentMajorityPct float64 `yaml:"sentiment_majority_pct" mapstructure:"sentiment_majority_pct"`
}

// DefaultTuning returns the shipped thresholds.
func DefaultTuning() Tuning {
	return Tuning{
		WindowDays: 30,
		Trend: TrendTuning{
			EmergentMinFreq: 5,
			StableMinFreq:   3,
		},
		Anomaly: AnomalyTuning{
			MinHistory:    5,
			HistoryLimit:  30,
			LowSigma:      1.0,
			MediumSigma:   2.5,
			HighSigma:     4.0,
			CriticalSigma: 6.0,
		},
		Cluster: ClusterTuning{
			K:             5,
			MaxIterations: 50,
			Seed:          42,
		},
		Insight: InsightTuning{
			MaterialityPct:       15.0,
			MaxFindings:          8,
			SentimentMajorityPct: 50.0,
		},
	}
}

// LoadTuning reads threshold overrides from a YAML file on top of the
// defaults. An empty path returns the defaults unchanged.
func LoadTuning(path string) (Tuning, error) {
	tuning := DefaultTuning()
	if path == "" {
		return tuning, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return tuning, eris.Wrapf(err, "engine: read tuning file %s", path)
	}
	if err := yaml.Unmarshal(data, &tuning); err != nil {
		return tuning, eris.Wrapf(err, "engine: parse tuning file %s", path)
	}
	if err := tuning.Validate(); err != nil {
		return tuning, err
	}
	return tuning, nil
}

// Validate rejects threshold combinations that would misclassify signals.
func (t Tuning) Validate() error {
	if t.WindowDays <= 0 {
		return eris.New("engine: window_days must be positive")
	}
	if t.Trend.StableMinFreq < 1 || t.Trend.EmergentMinFreq < t.Trend.StableMinFreq {
		return eris.New("engine: trend thresholds must satisfy 1 <= stable_min_freq <= emergent_min_freq")
	}
	if !(t.Anomaly.LowSigma < t.Anomaly.MediumSigma &&
		t.Anomaly.MediumSigma < t.Anomaly.HighSigma &&
		t.Anomaly.HighSigma < t.Anomaly.CriticalSigma) {
		return eris.New("engine: anomaly sigma bands must be strictly increasing")
	}
	if t.Cluster.K < 1 {
		return eris.New("engine: cluster k must be at least 1")
	}
	if t.Insight.MaxFindings < 1 {
		return eris.New("engine: insight max_findings must be at least 1")
	}
	return nil
}
