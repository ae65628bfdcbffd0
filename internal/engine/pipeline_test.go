package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syntegra/insights-cli/internal/model"
	"github.com/syntegra/insights-cli/internal/record"
	"github.com/syntegra/insights-cli/internal/store"
)

// memStore is an in-memory Store for pipeline tests.
type memStore struct {
	mu        sync.Mutex
	sectors   map[int64]string
	records   map[int64][]record.Canonical
	texts     map[int64][]model.TextAnalysis
	kpis      map[int64]map[string][]model.KPIRecord
	trends    map[string]model.TrendSignal
	anomalies []model.AnomalyRecord
	clusters  map[int64]model.ClusterAssignment
	insights  map[int64]*model.Insight
}

func newMemStore() *memStore {
	return &memStore{
		sectors:  map[int64]string{},
		records:  map[int64][]record.Canonical{},
		texts:    map[int64][]model.TextAnalysis{},
		kpis:     map[int64]map[string][]model.KPIRecord{},
		trends:   map[string]model.TrendSignal{},
		clusters: map[int64]model.ClusterAssignment{},
		insights: map[int64]*model.Insight{},
	}
}

var _ store.Store = (*memStore)(nil)

func (m *memStore) ActiveClients(ctx context.Context, since time.Time) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := map[int64]bool{}
	var ids []int64
	for id := range m.records {
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	for id := range m.texts {
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (m *memStore) ListSectors(ctx context.Context, since time.Time) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := map[string]bool{}
	var sectors []string
	for id := range m.texts {
		sector := m.sectors[id]
		if sector == "" {
			sector = "general"
		}
		if !seen[sector] {
			seen[sector] = true
			sectors = append(sectors, sector)
		}
	}
	return sectors, nil
}

func (m *memStore) ListCanonicalRecords(ctx context.Context, clientID int64, w model.Window) ([]record.Canonical, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []record.Canonical
	for _, rec := range m.records[clientID] {
		if w.Contains(rec.CreatedAt) {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (m *memStore) ListTextAnalyses(ctx context.Context, clientID int64, w model.Window) ([]model.TextAnalysis, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.TextAnalysis(nil), m.texts[clientID]...), nil
}

func (m *memStore) ListSectorTextAnalyses(ctx context.Context, sector string, w model.Window) ([]model.TextAnalysis, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.TextAnalysis
	for id, texts := range m.texts {
		s := m.sectors[id]
		if s == "" {
			s = "general"
		}
		if s == sector {
			out = append(out, texts...)
		}
	}
	return out, nil
}

func (m *memStore) UpsertKPIs(ctx context.Context, clientID int64, w model.Window, kpis map[string]float64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.kpis[clientID] == nil {
		m.kpis[clientID] = map[string][]model.KPIRecord{}
	}
	for name, value := range kpis {
		rec := model.KPIRecord{
			ClientID: clientID, KPIName: name, KPIValue: value,
			PeriodStart: w.Start, PeriodEnd: w.End, CalculatedAt: time.Now(),
		}
		// Newest first, replacing any row for the same period.
		history := m.kpis[clientID][name]
		if len(history) > 0 && history[0].PeriodStart.Equal(w.Start) {
			history[0] = rec
		} else {
			history = append([]model.KPIRecord{rec}, history...)
		}
		m.kpis[clientID][name] = history
	}
	return len(kpis), nil
}

func (m *memStore) ListKPIs(ctx context.Context, clientID int64, since time.Time) ([]model.KPIRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.KPIRecord
	for _, history := range m.kpis[clientID] {
		out = append(out, history...)
	}
	return out, nil
}

func (m *memStore) ListKPINames(ctx context.Context, clientID int64) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var names []string
	for name := range m.kpis[clientID] {
		names = append(names, name)
	}
	return names, nil
}

func (m *memStore) KPIHistory(ctx context.Context, clientID int64, kpiName string, limit int) ([]model.KPIRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	history := m.kpis[clientID][kpiName]
	if limit > 0 && len(history) > limit {
		history = history[:limit]
	}
	return append([]model.KPIRecord(nil), history...), nil
}

func (m *memStore) UpsertTrendSignals(ctx context.Context, signals []model.TrendSignal) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, sig := range signals {
		m.trends[sig.Sector+"|"+sig.Term] = sig
	}
	return len(signals), nil
}

func (m *memStore) ListTrendSignals(ctx context.Context, since time.Time, status model.TrendStatus, limit int) ([]model.TrendSignal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.TrendSignal
	for _, sig := range m.trends {
		if status == "" || sig.Status == status {
			out = append(out, sig)
		}
	}
	return out, nil
}

func (m *memStore) AppendAnomalies(ctx context.Context, anomalies []model.AnomalyRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.anomalies = append(m.anomalies, anomalies...)
	return nil
}

func (m *memStore) ListAnomalies(ctx context.Context, clientID int64, since time.Time, minSeverity model.Severity) ([]model.AnomalyRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.AnomalyRecord
	for _, a := range m.anomalies {
		if a.ClientID == clientID && a.Severity.AtLeast(minSeverity) {
			out = append(out, a)
		}
	}
	return out, nil
}

func (m *memStore) UpsertClusterAssignments(ctx context.Context, assignments []model.ClusterAssignment) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range assignments {
		m.clusters[a.ClientID] = a
	}
	return len(assignments), nil
}

func (m *memStore) UpsertInsight(ctx context.Context, insight *model.Insight) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.insights[insight.ClientID] = insight
	return nil
}

func (m *memStore) GetLatestInsight(ctx context.Context, clientID int64) (*model.Insight, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.insights[clientID], nil
}

func (m *memStore) ListInsights(ctx context.Context, filter store.InsightFilter) ([]model.Insight, error) {
	return nil, nil
}

func (m *memStore) LatestInsights(ctx context.Context, limit int) ([]model.Insight, error) {
	return nil, nil
}

func (m *memStore) GlobalStats(ctx context.Context) (*store.GlobalStats, error) {
	return &store.GlobalStats{}, nil
}

func (m *memStore) SearchInsights(ctx context.Context, query string, limit int) ([]store.SearchResult, error) {
	return nil, nil
}

func (m *memStore) Migrate(ctx context.Context) error { return nil }
func (m *memStore) Ping(ctx context.Context) error    { return nil }
func (m *memStore) Close() error                      { return nil }

func seedClient(st *memStore, clientID int64, sector string, amounts []float64, texts []model.TextAnalysis, at time.Time) {
	st.sectors[clientID] = sector
	for _, a := range amounts {
		st.records[clientID] = append(st.records[clientID], record.Canonical{
			Kind:      record.KindRetail,
			Payload:   map[string]any{"amount": a, "product": "espresso"},
			CreatedAt: at,
		})
	}
	st.texts[clientID] = texts
}

func TestPipeline_ComputeClient(t *testing.T) {
	st := newMemStore()
	end := time.Date(2025, 6, 30, 0, 0, 0, 0, time.UTC)
	seedClient(st, 1, "tech", []float64{100, 200, 300}, nil, end.AddDate(0, 0, -5))

	p := NewPipeline(st, DefaultTuning())
	res, err := p.ComputeClient(context.Background(), 1, end)
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.ClientID)
	assert.Greater(t, res.KPIs, 0)

	history, err := st.KPIHistory(context.Background(), 1, "total_sales", 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.InDelta(t, 600.0, history[0].KPIValue, 1e-9)
}

func TestPipeline_RunBatch(t *testing.T) {
	st := newMemStore()
	end := time.Date(2025, 6, 30, 0, 0, 0, 0, time.UTC)
	at := end.AddDate(0, 0, -5)

	machineTexts := make([]model.TextAnalysis, 6)
	for i := range machineTexts {
		machineTexts[i] = model.TextAnalysis{Sentiment: "positive", SentimentScore: 0.8, Keywords: []string{"machine"}}
	}
	seedClient(st, 1, "tech", []float64{100, 200}, machineTexts, at)
	seedClient(st, 2, "tech", []float64{50, 60, 70}, []model.TextAnalysis{
		{Sentiment: "negative", SentimentScore: -0.5, Keywords: []string{"outage"}},
	}, at)

	p := NewPipeline(st, DefaultTuning())
	result, err := p.RunBatch(context.Background(), end, 2)
	require.NoError(t, err)

	assert.Equal(t, 2, result.Clients)
	assert.Empty(t, result.Failed)
	assert.Greater(t, result.KPIs, 0)
	assert.Equal(t, 1, result.Trends) // "machine" at frequency 6, sector-wide
	assert.Equal(t, 2, result.Clusters)
	assert.Equal(t, 2, result.Insights)

	sig, ok := st.trends["tech|machine"]
	require.True(t, ok)
	assert.Equal(t, model.TrendEmergent, sig.Status)
	assert.Equal(t, 6, sig.Frequency)

	insight, err := st.GetLatestInsight(context.Background(), 1)
	require.NoError(t, err)
	require.NotNil(t, insight)
	assert.Equal(t, model.OpportunityHigh, insight.OpportunityLevel)
	assert.NotEmpty(t, insight.KeyFindings)
}

func TestPipeline_RunBatch_NoActiveClients(t *testing.T) {
	p := NewPipeline(newMemStore(), DefaultTuning())
	result, err := p.RunBatch(context.Background(), time.Now(), 2)
	require.NoError(t, err)
	assert.Zero(t, result.Clients)
	assert.Zero(t, result.Insights)
}
