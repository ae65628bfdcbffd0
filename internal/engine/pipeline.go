package engine

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/syntegra/insights-cli/internal/model"
	"github.com/syntegra/insights-cli/internal/store"
)

// Pipeline wires the computation stages to storage and orders them: KPIs
// before anomalies (detection reads KPI history), everything before
// synthesis.
type Pipeline struct {
	store   store.Store
	tuning  Tuning
	kpi     *KPIEngine
	trend   *TrendEngine
	anomaly *AnomalyDetector
	cluster *ClusterEngine
	synth   *Synthesizer
}

// NewPipeline assembles a pipeline from a store and tuning.
func NewPipeline(st store.Store, tuning Tuning) *Pipeline {
	return &Pipeline{
		store:   st,
		tuning:  tuning,
		kpi:     NewKPIEngine(),
		trend:   NewTrendEngine(tuning.Trend),
		anomaly: NewAnomalyDetector(tuning.Anomaly),
		cluster: NewClusterEngine(tuning.Cluster),
		synth:   NewSynthesizer(tuning.Insight),
	}
}

// ClientResult summarizes one client's compute run.
type ClientResult struct {
	ClientID  int64 `json:"client_id"`
	KPIs      int   `json:"kpis"`
	Anomalies int   `json:"anomalies"`
}

// BatchResult summarizes a full batch run.
type BatchResult struct {
	Clients   int     `json:"clients"`
	KPIs      int     `json:"kpis"`
	Trends    int     `json:"trends"`
	Anomalies int     `json:"anomalies"`
	Clusters  int     `json:"clusters"`
	Insights  int     `json:"insights"`
	Failed    []int64 `json:"failed,omitempty"`
}

// ComputeClient runs KPI aggregation and anomaly detection for one client
// over the window ending at end.
func (p *Pipeline) ComputeClient(ctx context.Context, clientID int64, end time.Time) (*ClientResult, error) {
	w := model.NewWindow(end, p.tuning.WindowDays)
	prev := model.NewWindow(w.Start, p.tuning.WindowDays)

	current, err := p.store.ListCanonicalRecords(ctx, clientID, w)
	if err != nil {
		return nil, eris.Wrapf(err, "pipeline: load records for client %d", clientID)
	}
	previous, err := p.store.ListCanonicalRecords(ctx, clientID, prev)
	if err != nil {
		return nil, eris.Wrapf(err, "pipeline: load previous records for client %d", clientID)
	}

	kpis := p.kpi.Compute(current, previous)
	written, err := p.store.UpsertKPIs(ctx, clientID, w, kpis)
	if err != nil {
		return nil, err
	}

	anomalies, err := p.detectAnomalies(ctx, clientID, kpis, end)
	if err != nil {
		return nil, err
	}

	zap.L().Info("pipeline: client computed",
		zap.Int64("client_id", clientID),
		zap.Int("records", len(current)),
		zap.Int("kpis", written),
		zap.Int("anomalies", len(anomalies)),
	)
	return &ClientResult{ClientID: clientID, KPIs: written, Anomalies: len(anomalies)}, nil
}

// detectAnomalies scores each freshly computed metric against its stored
// history, excluding the row the current run just wrote.
func (p *Pipeline) detectAnomalies(ctx context.Context, clientID int64, kpis map[string]float64, end time.Time) ([]model.AnomalyRecord, error) {
	names := make([]string, 0, len(kpis))
	for name := range kpis {
		names = append(names, name)
	}
	sort.Strings(names)

	var anomalies []model.AnomalyRecord
	for _, name := range names {
		history, err := p.store.KPIHistory(ctx, clientID, name, p.tuning.Anomaly.HistoryLimit+1)
		if err != nil {
			return nil, err
		}
		if len(history) < 2 {
			continue
		}
		values := make([]float64, 0, len(history)-1)
		for _, rec := range history[1:] {
			values = append(values, rec.KPIValue)
		}
		if a := p.anomaly.Evaluate(clientID, name, values, kpis[name], end); a != nil {
			anomalies = append(anomalies, *a)
		}
	}

	if err := p.store.AppendAnomalies(ctx, anomalies); err != nil {
		return nil, err
	}
	return anomalies, nil
}

// ComputeTrends counts keyword frequencies per sector across all active
// clients and upserts the resulting signals. Returns signals written.
func (p *Pipeline) ComputeTrends(ctx context.Context, end time.Time) (int, error) {
	w := model.NewWindow(end, p.tuning.WindowDays)
	sectors, err := p.store.ListSectors(ctx, w.Start)
	if err != nil {
		return 0, err
	}

	total := 0
	for _, sector := range sectors {
		texts, err := p.store.ListSectorTextAnalyses(ctx, sector, w)
		if err != nil {
			return total, err
		}
		signals := p.trend.Compute(sector, texts, w)
		n, err := p.store.UpsertTrendSignals(ctx, signals)
		if err != nil {
			return total, err
		}
		total += n
		zap.L().Info("pipeline: sector trends computed",
			zap.String("sector", sector),
			zap.Int("texts", len(texts)),
			zap.Int("signals", n),
		)
	}
	return total, nil
}

// ComputeClusters segments the given clients on their latest KPI values and
// sentiment aggregates. Returns assignments written.
func (p *Pipeline) ComputeClusters(ctx context.Context, clientIDs []int64, end time.Time) (int, error) {
	w := model.NewWindow(end, p.tuning.WindowDays)

	features := make(map[int64]map[string]float64, len(clientIDs))
	for _, clientID := range clientIDs {
		f, err := p.clientFeatures(ctx, clientID, w)
		if err != nil {
			return 0, err
		}
		if len(f) > 0 {
			features[clientID] = f
		}
	}

	assignments := p.cluster.Assign(features)
	return p.store.UpsertClusterAssignments(ctx, assignments)
}

// clientFeatures builds the clustering feature map: the most recent value of
// each KPI plus sentiment aggregates from the window's texts.
func (p *Pipeline) clientFeatures(ctx context.Context, clientID int64, w model.Window) (map[string]float64, error) {
	kpis, err := p.store.ListKPIs(ctx, clientID, w.Start)
	if err != nil {
		return nil, err
	}
	features := make(map[string]float64)
	for _, rec := range kpis {
		// Rows arrive newest first; keep the first value per name.
		if _, ok := features[rec.KPIName]; !ok {
			features[rec.KPIName] = rec.KPIValue
		}
	}

	texts, err := p.store.ListTextAnalyses(ctx, clientID, w)
	if err != nil {
		return nil, err
	}
	if len(texts) > 0 {
		scoreSum := 0.0
		positive := 0
		for _, t := range texts {
			scoreSum += t.SentimentScore
			if t.Sentiment == "positive" {
				positive++
			}
		}
		features["sentiment_avg_score"] = scoreSum / float64(len(texts))
		features["sentiment_positive_share"] = float64(positive) / float64(len(texts)) * 100
	}
	return features, nil
}

// SynthesizeClient builds and stores the client's insight for the window
// ending at end. Returns nil when there is nothing to synthesize.
func (p *Pipeline) SynthesizeClient(ctx context.Context, clientID int64, end time.Time) (*model.Insight, error) {
	w := model.NewWindow(end, p.tuning.WindowDays)

	texts, err := p.store.ListTextAnalyses(ctx, clientID, w)
	if err != nil {
		return nil, err
	}

	names, err := p.store.ListKPINames(ctx, clientID)
	if err != nil {
		return nil, err
	}
	history := make(map[string][]model.KPIRecord, len(names))
	for _, name := range names {
		h, err := p.store.KPIHistory(ctx, clientID, name, p.tuning.Anomaly.HistoryLimit)
		if err != nil {
			return nil, err
		}
		if len(h) > 0 {
			history[name] = h
		}
	}

	trends, err := p.store.ListTrendSignals(ctx, w.Start, model.TrendEmergent, 20)
	if err != nil {
		return nil, err
	}
	// Low-severity anomalies stay in the audit log but don't shape the insight.
	anomalies, err := p.store.ListAnomalies(ctx, clientID, w.Start, model.SeverityMedium)
	if err != nil {
		return nil, err
	}

	insight := p.synth.Synthesize(SynthesisInputs{
		ClientID:    clientID,
		Texts:       texts,
		KPIHistory:  history,
		Trends:      trends,
		Anomalies:   anomalies,
		GeneratedAt: end,
	})
	if insight == nil {
		zap.L().Debug("pipeline: nothing to synthesize", zap.Int64("client_id", clientID))
		return nil, nil
	}

	if err := p.store.UpsertInsight(ctx, insight); err != nil {
		return nil, err
	}
	zap.L().Info("pipeline: insight synthesized",
		zap.Int64("client_id", clientID),
		zap.String("risk_level", string(insight.RiskLevel)),
		zap.String("opportunity_level", string(insight.OpportunityLevel)),
		zap.Int("findings", len(insight.KeyFindings)),
	)
	return insight, nil
}

// RunBatch processes every active client: per-client KPI and anomaly stages
// run concurrently, then sector trends and clustering, then per-client
// synthesis. One client's failure is recorded and skipped, not fatal.
func (p *Pipeline) RunBatch(ctx context.Context, end time.Time, concurrency int) (*BatchResult, error) {
	if concurrency < 1 {
		concurrency = 4
	}
	since := end.AddDate(0, 0, -p.tuning.WindowDays)

	clients, err := p.store.ActiveClients(ctx, since)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: list active clients")
	}
	result := &BatchResult{Clients: len(clients)}
	if len(clients) == 0 {
		zap.L().Info("pipeline: no active clients in window")
		return result, nil
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for _, clientID := range clients {
		g.Go(func() error {
			res, err := p.ComputeClient(gctx, clientID, end)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				zap.L().Error("pipeline: client compute failed",
					zap.Int64("client_id", clientID),
					zap.Error(err),
				)
				result.Failed = append(result.Failed, clientID)
				return nil
			}
			result.KPIs += res.KPIs
			result.Anomalies += res.Anomalies
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return result, eris.Wrap(err, "pipeline: compute stage")
	}

	trends, err := p.ComputeTrends(ctx, end)
	if err != nil {
		return result, eris.Wrap(err, "pipeline: trend stage")
	}
	result.Trends = trends

	clusters, err := p.ComputeClusters(ctx, clients, end)
	if err != nil {
		return result, eris.Wrap(err, "pipeline: cluster stage")
	}
	result.Clusters = clusters

	sg, sctx := errgroup.WithContext(ctx)
	sg.SetLimit(concurrency)
	for _, clientID := range clients {
		sg.Go(func() error {
			insight, err := p.SynthesizeClient(sctx, clientID, end)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				zap.L().Error("pipeline: synthesis failed",
					zap.Int64("client_id", clientID),
					zap.Error(err),
				)
				result.Failed = append(result.Failed, clientID)
				return nil
			}
			if insight != nil {
				result.Insights++
			}
			return nil
		})
	}
	if err := sg.Wait(); err != nil {
		return result, eris.Wrap(err, "pipeline: synthesis stage")
	}

	sort.Slice(result.Failed, func(i, j int) bool { return result.Failed[i] < result.Failed[j] })
	return result, nil
}
