package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syntegra/insights-cli/internal/config"
	"github.com/syntegra/insights-cli/internal/engine"
	"github.com/syntegra/insights-cli/internal/model"
	"github.com/syntegra/insights-cli/internal/record"
	"github.com/syntegra/insights-cli/internal/store"
)

// stubStore serves canned data for handler tests.
type stubStore struct {
	mu        sync.Mutex
	insights  map[int64]*model.Insight
	kpis      []model.KPIRecord
	trends    []model.TrendSignal
	anomalies []model.AnomalyRecord
	results   []store.SearchResult
	pingErr   error
}

var _ store.Store = (*stubStore)(nil)

func (f *stubStore) ActiveClients(ctx context.Context, since time.Time) ([]int64, error) {
	return nil, nil
}
func (f *stubStore) ListSectors(ctx context.Context, since time.Time) ([]string, error) {
	return nil, nil
}
func (f *stubStore) ListCanonicalRecords(ctx context.Context, clientID int64, w model.Window) ([]record.Canonical, error) {
	return nil, nil
}
func (f *stubStore) ListTextAnalyses(ctx context.Context, clientID int64, w model.Window) ([]model.TextAnalysis, error) {
	return nil, nil
}
func (f *stubStore) ListSectorTextAnalyses(ctx context.Context, sector string, w model.Window) ([]model.TextAnalysis, error) {
	return nil, nil
}
func (f *stubStore) UpsertKPIs(ctx context.Context, clientID int64, w model.Window, kpis map[string]float64) (int, error) {
	return len(kpis), nil
}
func (f *stubStore) ListKPIs(ctx context.Context, clientID int64, since time.Time) ([]model.KPIRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.kpis, nil
}
func (f *stubStore) ListKPINames(ctx context.Context, clientID int64) ([]string, error) {
	return nil, nil
}
func (f *stubStore) KPIHistory(ctx context.Context, clientID int64, kpiName string, limit int) ([]model.KPIRecord, error) {
	return nil, nil
}
func (f *stubStore) UpsertTrendSignals(ctx context.Context, signals []model.TrendSignal) (int, error) {
	return len(signals), nil
}
func (f *stubStore) ListTrendSignals(ctx context.Context, since time.Time, status model.TrendStatus, limit int) ([]model.TrendSignal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.trends, nil
}
func (f *stubStore) AppendAnomalies(ctx context.Context, anomalies []model.AnomalyRecord) error {
	return nil
}
func (f *stubStore) ListAnomalies(ctx context.Context, clientID int64, since time.Time, minSeverity model.Severity) ([]model.AnomalyRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.AnomalyRecord
	for _, a := range f.anomalies {
		if a.Severity.AtLeast(minSeverity) {
			out = append(out, a)
		}
	}
	return out, nil
}
func (f *stubStore) UpsertClusterAssignments(ctx context.Context, assignments []model.ClusterAssignment) (int, error) {
	return len(assignments), nil
}
func (f *stubStore) UpsertInsight(ctx context.Context, insight *model.Insight) error {
	return nil
}
func (f *stubStore) GetLatestInsight(ctx context.Context, clientID int64) (*model.Insight, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.insights[clientID], nil
}
func (f *stubStore) ListInsights(ctx context.Context, filter store.InsightFilter) ([]model.Insight, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.Insight
	for _, in := range f.insights {
		if filter.RiskLevel != "" && in.RiskLevel != filter.RiskLevel {
			continue
		}
		out = append(out, *in)
	}
	return out, nil
}
func (f *stubStore) LatestInsights(ctx context.Context, limit int) ([]model.Insight, error) {
	return f.ListInsights(ctx, store.InsightFilter{Limit: limit})
}
func (f *stubStore) GlobalStats(ctx context.Context) (*store.GlobalStats, error) {
	return &store.GlobalStats{TotalClients: 3, TotalInsights: 9}, nil
}
func (f *stubStore) SearchInsights(ctx context.Context, query string, limit int) ([]store.SearchResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.results, nil
}
func (f *stubStore) Migrate(ctx context.Context) error { return nil }
func (f *stubStore) Ping(ctx context.Context) error    { return f.pingErr }
func (f *stubStore) Close() error                      { return nil }

func newTestServer(t *testing.T, st *stubStore, cfg config.ServerConfig) *httptest.Server {
	t.Helper()
	tuning := engine.DefaultTuning()
	srv := NewServer(":0", st, engine.NewPipeline(st, tuning), tuning, cfg)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func get(t *testing.T, url string) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return resp, body
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t, &stubStore{}, config.ServerConfig{})
	resp, body := get(t, ts.URL+"/api/v1/health")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
}

func TestListInsights(t *testing.T) {
	st := &stubStore{insights: map[int64]*model.Insight{
		1: {ClientID: 1, RiskLevel: model.RiskHigh, OpportunityLevel: model.OpportunityLow},
	}}
	ts := newTestServer(t, st, config.ServerConfig{})

	resp, body := get(t, ts.URL+"/api/v1/insights?risk_level=high")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 1, body["total"])

	resp, body = get(t, ts.URL+"/api/v1/insights?risk_level=low")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 0, body["total"])
	assert.NotNil(t, body["data"])
}

func TestSearchRequiresQuery(t *testing.T) {
	ts := newTestServer(t, &stubStore{}, config.ServerConfig{})
	resp, body := get(t, ts.URL+"/api/v1/insights/search")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, body["error"], "q is required")
}

func TestSearch(t *testing.T) {
	st := &stubStore{results: []store.SearchResult{{Type: "trend", Content: "trend: machine"}}}
	ts := newTestServer(t, st, config.ServerConfig{})

	resp, body := get(t, ts.URL+"/api/v1/insights/search?q=machine")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 1, body["total"])
	assert.Equal(t, "machine", body["query"])
}

func TestClientInsight_NotFound(t *testing.T) {
	ts := newTestServer(t, &stubStore{}, config.ServerConfig{})
	resp, _ := get(t, ts.URL+"/api/v1/clients/42/insight")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestClientInsight(t *testing.T) {
	st := &stubStore{
		insights: map[int64]*model.Insight{7: {ClientID: 7, SummaryText: "steady period", RiskLevel: model.RiskLow}},
		kpis:     []model.KPIRecord{{ClientID: 7, KPIName: "total_sales", KPIValue: 480}},
		trends:   []model.TrendSignal{{Term: "machine", Status: model.TrendEmergent, Frequency: 6}},
	}
	ts := newTestServer(t, st, config.ServerConfig{})

	resp, body := get(t, ts.URL+"/api/v1/clients/7/insight")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	insight, ok := body["insight"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "steady period", insight["summary_text"])
	assert.Len(t, body["kpis"], 1)
	assert.Len(t, body["trends"], 1)
}

func TestClientInsight_BadID(t *testing.T) {
	ts := newTestServer(t, &stubStore{}, config.ServerConfig{})
	resp, _ := get(t, ts.URL+"/api/v1/clients/abc/insight")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestClientAnomalies_SeverityFilter(t *testing.T) {
	st := &stubStore{anomalies: []model.AnomalyRecord{
		{KPIName: "total_sales", Severity: model.SeverityHigh},
		{KPIName: "avg_ticket", Severity: model.SeverityLow},
	}}
	ts := newTestServer(t, st, config.ServerConfig{})

	resp, body := get(t, ts.URL+"/api/v1/clients/1/anomalies?min_severity=medium")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 1, body["total"])

	resp, _ = get(t, ts.URL+"/api/v1/clients/1/anomalies?min_severity=extreme")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestGlobalStats(t *testing.T) {
	ts := newTestServer(t, &stubStore{}, config.ServerConfig{})
	resp, body := get(t, ts.URL+"/api/v1/stats/global")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 3, body["total_clients"])
	assert.EqualValues(t, 9, body["total_insights"])
}

func TestRecompute_RateLimited(t *testing.T) {
	ts := newTestServer(t, &stubStore{}, config.ServerConfig{RecomputePerMin: 1, RecomputeBurst: 1})

	resp, err := http.Post(ts.URL+"/api/v1/recompute/1", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	// Burst exhausted; the next request inside the window is rejected.
	resp, err = http.Post(ts.URL+"/api/v1/recompute/1", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
}

func TestHealth_DatabaseDown(t *testing.T) {
	ts := newTestServer(t, &stubStore{pingErr: assert.AnError}, config.ServerConfig{})
	resp, _ := get(t, ts.URL+"/api/v1/health")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}
