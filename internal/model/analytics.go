package model

import (
	"time"
)

// TrendStatus classifies a term's recent frequency trajectory.
type TrendStatus string

const (
	TrendEmergent  TrendStatus = "emergent"
	TrendStable    TrendStatus = "stable"
	TrendDeclining TrendStatus = "declining"
)

// Severity is the ordered classification of anomaly magnitude.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// severityRank orders severities for threshold comparisons.
var severityRank = map[Severity]int{
	SeverityLow:      1,
	SeverityMedium:   2,
	SeverityHigh:     3,
	SeverityCritical: 4,
}

// Rank returns the ordinal position of the severity (low=1 .. critical=4).
// Unknown severities rank 0.
func (s Severity) Rank() int {
	return severityRank[s]
}

// AtLeast reports whether s is at or above the given severity.
func (s Severity) AtLeast(min Severity) bool {
	return s.Rank() >= min.Rank()
}

// RiskLevel is the four-tier risk classification of an insight.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// OpportunityLevel is the three-tier opportunity classification of an insight.
type OpportunityLevel string

const (
	OpportunityLow    OpportunityLevel = "low"
	OpportunityMedium OpportunityLevel = "medium"
	OpportunityHigh   OpportunityLevel = "high"
)

// Window is a bounded time range over which a metric or signal is computed.
type Window struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// NewWindow returns a window covering the given number of days ending at end.
func NewWindow(end time.Time, days int) Window {
	return Window{Start: end.AddDate(0, 0, -days), End: end}
}

// Contains reports whether t falls inside the window (start inclusive, end
// exclusive, matching the period queries in the store). Half-open bounds keep
// a record at a window boundary out of the adjacent period.
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.Start) && t.Before(w.End)
}

// Days returns the window length in whole days, rounded down.
func (w Window) Days() int {
	return int(w.End.Sub(w.Start).Hours() / 24)
}

// KPIRecord is one computed metric value for a client and period. At most one
// current row exists per (client, kpi_name, period_start); recomputation
// overwrites.
type KPIRecord struct {
	ID           string         `json:"id"`
	ClientID     int64          `json:"client_id"`
	SourceID     *int64         `json:"source_id,omitempty"`
	KPIName      string         `json:"kpi_name"`
	KPIValue     float64        `json:"kpi_value"`
	PeriodStart  time.Time      `json:"period_start"`
	PeriodEnd    time.Time      `json:"period_end"`
	CalculatedAt time.Time      `json:"calculated_at"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// TextAnalysis is one analyzed text record produced by the upstream text
// pipeline. Consumed read-only.
type TextAnalysis struct {
	ID             string    `json:"id"`
	ClientID       int64     `json:"client_id"`
	SourceID       *int64    `json:"source_id,omitempty"`
	Text           string    `json:"text"`
	Sentiment      string    `json:"sentiment"`
	SentimentScore float64   `json:"sentiment_score"`
	Keywords       []string  `json:"keywords"`
	Embedding      []float32 `json:"embedding,omitempty"`
	Language       string    `json:"language,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// TrendSignal is one detected keyword trend for a sector and period. One row
// per (sector, term, period_start); recomputation upserts.
type TrendSignal struct {
	ID          string         `json:"id"`
	Sector      string         `json:"sector"`
	Term        string         `json:"term"`
	PeriodStart time.Time      `json:"period_start"`
	PeriodEnd   time.Time      `json:"period_end"`
	Frequency   int            `json:"frequency"`
	DeltaPct    *float64       `json:"delta_pct,omitempty"`
	Status      TrendStatus    `json:"status"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

// ClusterAssignment places a client in a similarity group. One active row per
// (client, cluster_id), overwritten on recomputation.
type ClusterAssignment struct {
	ID                 string             `json:"id"`
	ClientID           int64              `json:"client_id"`
	ClusterID          int                `json:"cluster_id"`
	ClusterName        string             `json:"cluster_name,omitempty"`
	Features           map[string]float64 `json:"features"`
	Centroid           map[string]float64 `json:"centroid"`
	DistanceToCentroid float64            `json:"distance_to_centroid"`
	SilhouetteScore    float64            `json:"silhouette_score"`
	CreatedAt          time.Time          `json:"created_at"`
	UpdatedAt          time.Time          `json:"updated_at"`
}

// AnomalyRecord is one detected outlier. The anomaly log is append-only:
// detection runs insert, never overwrite.
type AnomalyRecord struct {
	ID            string         `json:"id"`
	ClientID      int64          `json:"client_id"`
	SourceID      *int64         `json:"source_id,omitempty"`
	KPIName       string         `json:"kpi_name"`
	DetectedAt    time.Time      `json:"detected_at"`
	Value         float64        `json:"value"`
	ExpectedValue float64        `json:"expected_value"`
	Deviation     float64        `json:"deviation"`
	Reason        string         `json:"reason"`
	Severity      Severity       `json:"severity"`
	Method        string         `json:"method"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// Insight is the synthesized per-client-per-day artifact combining sentiment,
// KPI, trend, and anomaly signals. At most one row per (client, calendar day
// of GeneratedAt).
type Insight struct {
	ID               string           `json:"id"`
	ClientID         int64            `json:"client_id"`
	SummaryText      string           `json:"summary_text"`
	KeyFindings      []string         `json:"key_findings"`
	RiskLevel        RiskLevel        `json:"risk_level"`
	OpportunityLevel OpportunityLevel `json:"opportunity_level"`
	Metrics          map[string]any   `json:"metrics,omitempty"`
	GeneratedAt      time.Time        `json:"generated_at"`
	CreatedAt        time.Time        `json:"created_at"`
}
