// Package api exposes the synthesized analytics over a REST read API.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/syntegra/insights-cli/internal/config"
	"github.com/syntegra/insights-cli/internal/engine"
	"github.com/syntegra/insights-cli/internal/model"
	"github.com/syntegra/insights-cli/internal/store"
)

// Server is the REST read API server. All state it serves is computed by the
// pipeline; the only write path is the rate-limited recompute trigger.
type Server struct {
	store    store.Store
	pipeline *engine.Pipeline
	tuning   engine.Tuning
	router   *chi.Mux
	server   *http.Server
	limiter  *rate.Limiter
}

// NewServer creates an API server bound to addr.
func NewServer(addr string, st store.Store, pipeline *engine.Pipeline, tuning engine.Tuning, cfg config.ServerConfig) *Server {
	perMin := cfg.RecomputePerMin
	if perMin <= 0 {
		perMin = 6
	}
	burst := cfg.RecomputeBurst
	if burst < 1 {
		burst = 1
	}
	origins := cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	s := &Server{
		store:    st,
		pipeline: pipeline,
		tuning:   tuning,
		router:   chi.NewRouter(),
		limiter:  rate.NewLimiter(rate.Limit(perMin/60.0), burst),
	}

	// Middleware
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(60 * time.Second))
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	// API routes
	s.router.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.health)

		r.Get("/insights", s.listInsights)
		r.Get("/insights/latest", s.latestInsights)
		r.Get("/insights/search", s.searchInsights)

		r.Get("/clients/{clientID}/insight", s.clientInsight)
		r.Get("/clients/{clientID}/kpis", s.clientKPIs)
		r.Get("/clients/{clientID}/anomalies", s.clientAnomalies)

		r.Get("/trends", s.listTrends)
		r.Get("/stats/global", s.globalStats)

		r.Post("/recompute/{clientID}", s.recompute)
	})

	s.server = &http.Server{
		Addr:    addr,
		Handler: s.router,
	}
	return s
}

// Handler exposes the route tree for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start starts the API server.
func (s *Server) Start() error {
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the API server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		s.respondError(w, http.StatusServiceUnavailable, "database unreachable")
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// listInsights returns insights filtered by risk and opportunity level.
// Query parameters: risk_level, opportunity_level, limit, offset.
func (s *Server) listInsights(w http.ResponseWriter, r *http.Request) {
	filter := store.InsightFilter{
		RiskLevel:        model.RiskLevel(r.URL.Query().Get("risk_level")),
		OpportunityLevel: model.OpportunityLevel(r.URL.Query().Get("opportunity_level")),
		Limit:            queryInt(r, "limit", 50, 200),
		Offset:           queryInt(r, "offset", 0, 1<<30),
	}

	insights, err := s.store.ListInsights(r.Context(), filter)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{
		"data":   emptyIfNilInsights(insights),
		"total":  len(insights),
		"limit":  filter.Limit,
		"offset": filter.Offset,
	})
}

// latestInsights returns the most recently generated insights across all
// clients.
func (s *Server) latestInsights(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 5, 100)
	insights, err := s.store.LatestInsights(r.Context(), limit)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{
		"data":  emptyIfNilInsights(insights),
		"total": len(insights),
	})
}

// searchInsights runs free-text search over insights, trend terms, and KPI
// names. Query parameters: q (required), limit.
func (s *Server) searchInsights(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("q")
	if query == "" {
		s.respondError(w, http.StatusBadRequest, "query parameter q is required")
		return
	}

	results, err := s.store.SearchInsights(r.Context(), query, queryInt(r, "limit", 20, 100))
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if results == nil {
		results = []store.SearchResult{}
	}
	s.respondJSON(w, http.StatusOK, map[string]any{
		"query": query,
		"data":  results,
		"total": len(results),
	})
}

// clientInsight returns the client's latest insight together with its
// surrounding signals: current KPIs and recent emergent trends.
func (s *Server) clientInsight(w http.ResponseWriter, r *http.Request) {
	clientID, ok := s.clientID(w, r)
	if !ok {
		return
	}

	insight, err := s.store.GetLatestInsight(r.Context(), clientID)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if insight == nil {
		s.respondError(w, http.StatusNotFound, "no insight for client")
		return
	}

	since := time.Now().UTC().AddDate(0, 0, -s.tuning.WindowDays)
	kpis, err := s.store.ListKPIs(r.Context(), clientID, since)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	trends, err := s.store.ListTrendSignals(r.Context(), since, model.TrendEmergent, 10)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]any{
		"insight": insight,
		"kpis":    kpis,
		"trends":  trends,
	})
}

// clientKPIs returns the client's KPI rows since the current window start.
func (s *Server) clientKPIs(w http.ResponseWriter, r *http.Request) {
	clientID, ok := s.clientID(w, r)
	if !ok {
		return
	}

	days := queryInt(r, "days", s.tuning.WindowDays, 365)
	since := time.Now().UTC().AddDate(0, 0, -days)
	kpis, err := s.store.ListKPIs(r.Context(), clientID, since)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{
		"data":  kpis,
		"total": len(kpis),
	})
}

// clientAnomalies returns the client's recent anomalies at or above the
// given severity. Query parameters: days, min_severity.
func (s *Server) clientAnomalies(w http.ResponseWriter, r *http.Request) {
	clientID, ok := s.clientID(w, r)
	if !ok {
		return
	}

	minSeverity := model.SeverityLow
	if raw := r.URL.Query().Get("min_severity"); raw != "" {
		minSeverity = model.Severity(raw)
		if minSeverity.Rank() == 0 {
			s.respondError(w, http.StatusBadRequest, "invalid min_severity")
			return
		}
	}

	days := queryInt(r, "days", s.tuning.WindowDays, 365)
	since := time.Now().UTC().AddDate(0, 0, -days)
	anomalies, err := s.store.ListAnomalies(r.Context(), clientID, since, minSeverity)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{
		"data":  anomalies,
		"total": len(anomalies),
	})
}

// listTrends returns recent trend signals, optionally filtered by status.
func (s *Server) listTrends(w http.ResponseWriter, r *http.Request) {
	status := model.TrendStatus(r.URL.Query().Get("status"))
	days := queryInt(r, "days", s.tuning.WindowDays, 365)
	since := time.Now().UTC().AddDate(0, 0, -days)

	trends, err := s.store.ListTrendSignals(r.Context(), since, status, queryInt(r, "limit", 20, 100))
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{
		"data":  trends,
		"total": len(trends),
	})
}

func (s *Server) globalStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.GlobalStats(r.Context())
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, stats)
}

// recompute triggers an asynchronous pipeline run for one client. The
// endpoint is rate limited because a run touches every signal table.
func (s *Server) recompute(w http.ResponseWriter, r *http.Request) {
	clientID, ok := s.clientID(w, r)
	if !ok {
		return
	}
	if !s.limiter.Allow() {
		s.respondError(w, http.StatusTooManyRequests, "recompute rate limit exceeded")
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		end := time.Now().UTC()
		if _, err := s.pipeline.ComputeClient(ctx, clientID, end); err != nil {
			zap.L().Error("api: recompute failed", zap.Int64("client_id", clientID), zap.Error(err))
			return
		}
		if _, err := s.pipeline.SynthesizeClient(ctx, clientID, end); err != nil {
			zap.L().Error("api: recompute synthesis failed", zap.Int64("client_id", clientID), zap.Error(err))
		}
	}()

	s.respondJSON(w, http.StatusAccepted, map[string]any{
		"status":    "recompute scheduled",
		"client_id": clientID,
	})
}

func (s *Server) clientID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "clientID"), 10, 64)
	if err != nil || id <= 0 {
		s.respondError(w, http.StatusBadRequest, "invalid client id")
		return 0, false
	}
	return id, true
}

func queryInt(r *http.Request, name string, fallback, max int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return fallback
	}
	if v > max {
		return max
	}
	return v
}

func emptyIfNilInsights(insights []model.Insight) []model.Insight {
	if insights == nil {
		return []model.Insight{}
	}
	return insights
}

// respondJSON writes a JSON response.
func (s *Server) respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data) //nolint:errcheck
}

// respondError writes an error response.
func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, map[string]string{"error": message})
}
