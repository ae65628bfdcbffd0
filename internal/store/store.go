package store

import (
	"context"
	"time"

	"github.com/syntegra/insights-cli/internal/model"
	"github.com/syntegra/insights-cli/internal/record"
)

// InsightFilter specifies criteria for listing insights.
type InsightFilter struct {
	RiskLevel        model.RiskLevel        `json:"risk_level,omitempty"`
	OpportunityLevel model.OpportunityLevel `json:"opportunity_level,omitempty"`
	Limit            int                    `json:"limit,omitempty"`
	Offset           int                    `json:"offset,omitempty"`
}

// GlobalStats aggregates system-wide counts for the read API.
type GlobalStats struct {
	TotalClients            int `json:"total_clients"`
	TotalInsights           int `json:"total_insights"`
	TotalKPIs               int `json:"total_kpis"`
	TotalTrends             int `json:"total_trends"`
	TotalTextRecords        int `json:"total_text_records"`
	HighRiskClients         int `json:"high_risk_clients"`
	HighOpportunityClients  int `json:"high_opportunity_clients"`
	EmergentTrends          int `json:"emergent_trends"`
}

// SearchResult is one free-text match over insights, trends, or KPIs.
type SearchResult struct {
	Type      string    `json:"type"`
	ClientID  int64     `json:"client_id,omitempty"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// Store defines the persistence interface for the analytics pipeline.
// Each engine exclusively owns writes to its own entity; the synthesizer
// reads all four signal entities and owns ai_insights.
type Store interface {
	// Window selection
	ActiveClients(ctx context.Context, since time.Time) ([]int64, error)
	ListSectors(ctx context.Context, since time.Time) ([]string, error)

	// Upstream inputs (read-only)
	ListCanonicalRecords(ctx context.Context, clientID int64, w model.Window) ([]record.Canonical, error)
	ListTextAnalyses(ctx context.Context, clientID int64, w model.Window) ([]model.TextAnalysis, error)
	ListSectorTextAnalyses(ctx context.Context, sector string, w model.Window) ([]model.TextAnalysis, error)

	// KPI summary
	UpsertKPIs(ctx context.Context, clientID int64, w model.Window, kpis map[string]float64) (int, error)
	ListKPIs(ctx context.Context, clientID int64, since time.Time) ([]model.KPIRecord, error)
	ListKPINames(ctx context.Context, clientID int64) ([]string, error)
	KPIHistory(ctx context.Context, clientID int64, kpiName string, limit int) ([]model.KPIRecord, error)

	// Trend signals
	UpsertTrendSignals(ctx context.Context, signals []model.TrendSignal) (int, error)
	ListTrendSignals(ctx context.Context, since time.Time, status model.TrendStatus, limit int) ([]model.TrendSignal, error)

	// Anomaly log (append-only)
	AppendAnomalies(ctx context.Context, anomalies []model.AnomalyRecord) error
	ListAnomalies(ctx context.Context, clientID int64, since time.Time, minSeverity model.Severity) ([]model.AnomalyRecord, error)

	// Clusters
	UpsertClusterAssignments(ctx context.Context, assignments []model.ClusterAssignment) (int, error)

	// Insights
	UpsertInsight(ctx context.Context, insight *model.Insight) error
	GetLatestInsight(ctx context.Context, clientID int64) (*model.Insight, error)
	ListInsights(ctx context.Context, filter InsightFilter) ([]model.Insight, error)
	LatestInsights(ctx context.Context, limit int) ([]model.Insight, error)
	GlobalStats(ctx context.Context) (*GlobalStats, error)
	SearchInsights(ctx context.Context, query string, limit int) ([]SearchResult, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}
