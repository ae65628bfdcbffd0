package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/syntegra/insights-cli/internal/db"
	"github.com/syntegra/insights-cli/internal/model"
	"github.com/syntegra/insights-cli/internal/record"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// Pool returns the underlying database pool for subsystems that need direct
// query access.
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

const postgresMigration = `
CREATE EXTENSION IF NOT EXISTS vector;

DO $$ BEGIN
	CREATE TYPE trend_status AS ENUM ('emergent', 'stable', 'declining');
EXCEPTION WHEN duplicate_object THEN NULL; END $$;

DO $$ BEGIN
	CREATE TYPE anomaly_severity AS ENUM ('low', 'medium', 'high', 'critical');
EXCEPTION WHEN duplicate_object THEN NULL; END $$;

CREATE TABLE IF NOT EXISTS clients (
	id         BIGSERIAL PRIMARY KEY,
	name       TEXT NOT NULL,
	sector     TEXT,
	is_active  BOOLEAN NOT NULL DEFAULT TRUE,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS data_sources (
	id          BIGSERIAL PRIMARY KEY,
	client_id   BIGINT NOT NULL REFERENCES clients(id) ON DELETE CASCADE,
	name        TEXT NOT NULL,
	source_type TEXT NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS processed_data (
	id          BIGSERIAL PRIMARY KEY,
	client_id   BIGINT NOT NULL REFERENCES clients(id) ON DELETE CASCADE,
	source_id   BIGINT REFERENCES data_sources(id) ON DELETE SET NULL,
	source_type TEXT NOT NULL,
	data        JSONB NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_processed_data_client_created ON processed_data(client_id, created_at);

CREATE TABLE IF NOT EXISTS kpi_summary (
	id            TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	client_id     BIGINT NOT NULL REFERENCES clients(id) ON DELETE CASCADE,
	source_id     BIGINT REFERENCES data_sources(id) ON DELETE SET NULL,
	kpi_name      TEXT NOT NULL,
	kpi_value     DOUBLE PRECISION NOT NULL,
	period_start  TIMESTAMPTZ NOT NULL,
	period_end    TIMESTAMPTZ NOT NULL,
	calculated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	metadata      JSONB,
	UNIQUE (client_id, kpi_name, period_start)
);

CREATE INDEX IF NOT EXISTS idx_kpi_summary_client_calculated ON kpi_summary(client_id, calculated_at);

CREATE TABLE IF NOT EXISTS text_summary (
	id              TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	client_id       BIGINT NOT NULL REFERENCES clients(id) ON DELETE CASCADE,
	source_id       BIGINT REFERENCES data_sources(id) ON DELETE SET NULL,
	text_field      TEXT NOT NULL,
	sentiment       TEXT,
	sentiment_score DOUBLE PRECISION,
	keywords        JSONB,
	embedding       vector(384),
	language        TEXT,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_text_summary_client_created ON text_summary(client_id, created_at);
CREATE INDEX IF NOT EXISTS idx_text_summary_embedding ON text_summary USING ivfflat (embedding vector_cosine_ops) WITH (lists = 100);

CREATE TABLE IF NOT EXISTS trend_signals (
	id           TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	sector       TEXT NOT NULL,
	term         TEXT NOT NULL,
	period_start TIMESTAMPTZ NOT NULL,
	period_end   TIMESTAMPTZ NOT NULL,
	frequency    INTEGER NOT NULL CHECK (frequency >= 0),
	delta_pct    DOUBLE PRECISION,
	status       trend_status NOT NULL,
	metadata     JSONB,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (sector, term, period_start)
);

CREATE INDEX IF NOT EXISTS idx_trend_signals_created ON trend_signals(created_at);

CREATE TABLE IF NOT EXISTS clusters (
	id                   TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	client_id            BIGINT NOT NULL REFERENCES clients(id) ON DELETE CASCADE,
	cluster_id           INTEGER NOT NULL,
	cluster_name         TEXT,
	features             JSONB NOT NULL,
	centroid             JSONB,
	distance_to_centroid DOUBLE PRECISION,
	silhouette_score     DOUBLE PRECISION,
	created_at           TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at           TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (client_id, cluster_id)
);

CREATE TABLE IF NOT EXISTS anomaly_log (
	id             TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	client_id      BIGINT NOT NULL REFERENCES clients(id) ON DELETE CASCADE,
	source_id      BIGINT REFERENCES data_sources(id) ON DELETE SET NULL,
	kpi_name       TEXT NOT NULL,
	detected_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	value          DOUBLE PRECISION NOT NULL,
	expected_value DOUBLE PRECISION NOT NULL,
	deviation      DOUBLE PRECISION NOT NULL,
	reason         TEXT,
	severity       anomaly_severity NOT NULL,
	method         TEXT NOT NULL,
	metadata       JSONB
);

CREATE INDEX IF NOT EXISTS idx_anomaly_log_client_detected ON anomaly_log(client_id, detected_at);

CREATE TABLE IF NOT EXISTS ai_insights (
	id                TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	client_id         BIGINT NOT NULL REFERENCES clients(id) ON DELETE CASCADE,
	summary_text      TEXT NOT NULL,
	key_findings      JSONB NOT NULL DEFAULT '[]'::jsonb,
	risk_level        TEXT NOT NULL,
	opportunity_level TEXT NOT NULL,
	metrics           JSONB,
	generated_at      TIMESTAMPTZ NOT NULL,
	created_at        TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE UNIQUE INDEX IF NOT EXISTS uq_ai_insights_client_day ON ai_insights (client_id, (date(generated_at AT TIME ZONE 'UTC')));
CREATE INDEX IF NOT EXISTS idx_ai_insights_generated ON ai_insights(generated_at DESC);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// ActiveClients returns the distinct clients with text or canonical-record
// activity since the cutoff. A pure read; an empty result is not an error.
func (s *PostgresStore) ActiveClients(ctx context.Context, since time.Time) ([]int64, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT DISTINCT client_id FROM text_summary WHERE created_at >= $1
		 UNION
		 SELECT DISTINCT client_id FROM processed_data WHERE created_at >= $1
		 ORDER BY 1`,
		since,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: active clients")
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, eris.Wrap(err, "postgres: scan client id")
		}
		ids = append(ids, id)
	}
	return ids, eris.Wrap(rows.Err(), "postgres: active clients iterate")
}

// ListSectors returns the distinct sectors of clients with text activity
// since the cutoff. Clients without a sector fall under "general".
func (s *PostgresStore) ListSectors(ctx context.Context, since time.Time) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT DISTINCT COALESCE(NULLIF(c.sector, ''), 'general')
		 FROM clients c
		 JOIN text_summary ts ON ts.client_id = c.id
		 WHERE ts.created_at >= $1
		 ORDER BY 1`,
		since,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list sectors")
	}
	defer rows.Close()

	var sectors []string
	for rows.Next() {
		var sector string
		if err := rows.Scan(&sector); err != nil {
			return nil, eris.Wrap(err, "postgres: scan sector")
		}
		sectors = append(sectors, sector)
	}
	return sectors, eris.Wrap(rows.Err(), "postgres: list sectors iterate")
}

// ListCanonicalRecords loads canonical records for a client inside the
// window. Rows with an unknown source kind are skipped and logged, not
// surfaced as errors.
func (s *PostgresStore) ListCanonicalRecords(ctx context.Context, clientID int64, w model.Window) ([]record.Canonical, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, source_type, data, created_at FROM processed_data
		 WHERE client_id = $1 AND created_at >= $2 AND created_at < $3
		 ORDER BY created_at`,
		clientID, w.Start, w.End,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list canonical records")
	}
	defer rows.Close()

	var records []record.Canonical
	for rows.Next() {
		var (
			id         int64
			sourceType string
			data       []byte
			createdAt  time.Time
		)
		if err := rows.Scan(&id, &sourceType, &data, &createdAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan canonical record")
		}

		kind, err := record.ParseKind(sourceType)
		if err != nil {
			zap.L().Warn("postgres: skipping record with unknown source kind",
				zap.Int64("record_id", id),
				zap.String("source_type", sourceType),
			)
			continue
		}

		var payload map[string]any
		if err := json.Unmarshal(data, &payload); err != nil {
			zap.L().Warn("postgres: skipping record with malformed payload",
				zap.Int64("record_id", id),
				zap.Error(err),
			)
			continue
		}

		records = append(records, record.Canonical{
			ID:        id,
			Kind:      kind,
			Payload:   payload,
			CreatedAt: createdAt,
		})
	}
	return records, eris.Wrap(rows.Err(), "postgres: list canonical records iterate")
}

func (s *PostgresStore) ListTextAnalyses(ctx context.Context, clientID int64, w model.Window) ([]model.TextAnalysis, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, client_id, source_id, text_field, sentiment, sentiment_score, keywords, language, created_at
		 FROM text_summary
		 WHERE client_id = $1 AND created_at >= $2 AND created_at < $3
		 ORDER BY created_at DESC`,
		clientID, w.Start, w.End,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list text analyses")
	}
	defer rows.Close()
	return scanTextAnalyses(rows)
}

func scanTextAnalyses(rows pgx.Rows) ([]model.TextAnalysis, error) {
	var analyses []model.TextAnalysis
	for rows.Next() {
		var (
			ta           model.TextAnalysis
			sentiment    *string
			score        *float64
			keywordsJSON []byte
			language     *string
		)
		if err := rows.Scan(&ta.ID, &ta.ClientID, &ta.SourceID, &ta.Text, &sentiment, &score, &keywordsJSON, &language, &ta.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan text analysis")
		}
		if sentiment != nil {
			ta.Sentiment = *sentiment
		}
		if score != nil {
			ta.SentimentScore = *score
		}
		if language != nil {
			ta.Language = *language
		}
		if len(keywordsJSON) > 0 {
			if err := json.Unmarshal(keywordsJSON, &ta.Keywords); err != nil {
				return nil, eris.Wrap(err, "postgres: unmarshal keywords")
			}
		}
		analyses = append(analyses, ta)
	}
	return analyses, eris.Wrap(rows.Err(), "postgres: scan text analyses iterate")
}

// ListSectorTextAnalyses loads the window's text analyses for every client
// in a sector. Trend detection counts terms sector-wide, not per client.
func (s *PostgresStore) ListSectorTextAnalyses(ctx context.Context, sector string, w model.Window) ([]model.TextAnalysis, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT ts.id, ts.client_id, ts.source_id, ts.text_field, ts.sentiment, ts.sentiment_score, ts.keywords, ts.language, ts.created_at
		 FROM text_summary ts
		 JOIN clients c ON c.id = ts.client_id
		 WHERE COALESCE(NULLIF(c.sector, ''), 'general') = $1
		   AND ts.created_at >= $2 AND ts.created_at < $3
		 ORDER BY ts.created_at DESC`,
		sector, w.Start, w.End,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list sector text analyses %s", sector)
	}
	defer rows.Close()
	return scanTextAnalyses(rows)
}

// UpsertKPIs writes one row per metric, keyed (client_id, kpi_name,
// period_start). Recomputation overwrites value and timestamps; non-finite
// values are skipped rather than failing the batch.
func (s *PostgresStore) UpsertKPIs(ctx context.Context, clientID int64, w model.Window, kpis map[string]float64) (int, error) {
	if len(kpis) == 0 {
		return 0, nil
	}

	names := make([]string, 0, len(kpis))
	for name := range kpis {
		names = append(names, name)
	}
	sort.Strings(names)

	now := time.Now().UTC()
	rows := make([][]any, 0, len(names))
	for _, name := range names {
		value := kpis[name]
		if math.IsNaN(value) || math.IsInf(value, 0) {
			zap.L().Warn("postgres: skipping non-finite kpi value",
				zap.Int64("client_id", clientID),
				zap.String("kpi_name", name),
			)
			continue
		}
		rows = append(rows, []any{uuid.New().String(), clientID, name, value, w.Start, w.End, now})
	}

	n, err := db.Upsert(ctx, s.pool, db.UpsertConfig{
		Table:        "kpi_summary",
		Columns:      []string{"id", "client_id", "kpi_name", "kpi_value", "period_start", "period_end", "calculated_at"},
		ConflictKeys: []string{"client_id", "kpi_name", "period_start"},
		UpdateCols:   []string{"kpi_value", "period_end", "calculated_at"},
	}, rows)
	if err != nil {
		return 0, eris.Wrapf(err, "postgres: upsert kpis for client %d", clientID)
	}
	return int(n), nil
}

func (s *PostgresStore) ListKPIs(ctx context.Context, clientID int64, since time.Time) ([]model.KPIRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, client_id, source_id, kpi_name, kpi_value, period_start, period_end, calculated_at
		 FROM kpi_summary
		 WHERE client_id = $1 AND calculated_at >= $2
		 ORDER BY calculated_at DESC`,
		clientID, since,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list kpis")
	}
	defer rows.Close()
	return scanKPIRows(rows)
}

func (s *PostgresStore) ListKPINames(ctx context.Context, clientID int64) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT DISTINCT kpi_name FROM kpi_summary WHERE client_id = $1 ORDER BY kpi_name`,
		clientID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list kpi names")
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, eris.Wrap(err, "postgres: scan kpi name")
		}
		names = append(names, name)
	}
	return names, eris.Wrap(rows.Err(), "postgres: list kpi names iterate")
}

// KPIHistory returns the most recent values of one metric, newest first.
func (s *PostgresStore) KPIHistory(ctx context.Context, clientID int64, kpiName string, limit int) ([]model.KPIRecord, error) {
	if limit <= 0 {
		limit = 30
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, client_id, source_id, kpi_name, kpi_value, period_start, period_end, calculated_at
		 FROM kpi_summary
		 WHERE client_id = $1 AND kpi_name = $2
		 ORDER BY period_start DESC
		 LIMIT $3`,
		clientID, kpiName, limit,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: kpi history %s", kpiName)
	}
	defer rows.Close()
	return scanKPIRows(rows)
}

func scanKPIRows(rows pgx.Rows) ([]model.KPIRecord, error) {
	var kpis []model.KPIRecord
	for rows.Next() {
		var k model.KPIRecord
		if err := rows.Scan(&k.ID, &k.ClientID, &k.SourceID, &k.KPIName, &k.KPIValue, &k.PeriodStart, &k.PeriodEnd, &k.CalculatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan kpi")
		}
		kpis = append(kpis, k)
	}
	return kpis, eris.Wrap(rows.Err(), "postgres: kpi rows iterate")
}

// UpsertTrendSignals writes signals keyed (sector, term, period_start),
// overwriting frequency, delta, and status on recomputation.
func (s *PostgresStore) UpsertTrendSignals(ctx context.Context, signals []model.TrendSignal) (int, error) {
	if len(signals) == 0 {
		return 0, nil
	}

	written := 0
	for _, sig := range signals {
		metadata, err := json.Marshal(sig.Metadata)
		if err != nil {
			return written, eris.Wrapf(err, "postgres: marshal trend metadata %s", sig.Term)
		}
		_, err = s.pool.Exec(ctx,
			`INSERT INTO trend_signals (id, sector, term, period_start, period_end, frequency, delta_pct, status, metadata)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8::trend_status, $9)
			 ON CONFLICT (sector, term, period_start) DO UPDATE SET
			   period_end = EXCLUDED.period_end,
			   frequency = EXCLUDED.frequency,
			   delta_pct = EXCLUDED.delta_pct,
			   status = EXCLUDED.status,
			   metadata = EXCLUDED.metadata`,
			uuid.New().String(), sig.Sector, sig.Term, sig.PeriodStart, sig.PeriodEnd,
			sig.Frequency, sig.DeltaPct, string(sig.Status), metadata,
		)
		if err != nil {
			return written, eris.Wrapf(err, "postgres: upsert trend signal %s", sig.Term)
		}
		written++
	}
	return written, nil
}

func (s *PostgresStore) ListTrendSignals(ctx context.Context, since time.Time, status model.TrendStatus, limit int) ([]model.TrendSignal, error) {
	if limit <= 0 {
		limit = 20
	}

	query := `SELECT id, sector, term, period_start, period_end, frequency, delta_pct, status, created_at
	          FROM trend_signals WHERE created_at >= $1`
	args := []any{since}
	if status != "" {
		query += fmt.Sprintf(` AND status = $%d::trend_status`, len(args)+1)
		args = append(args, string(status))
	}
	query += fmt.Sprintf(` ORDER BY frequency DESC, term LIMIT $%d`, len(args)+1)
	args = append(args, limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list trend signals")
	}
	defer rows.Close()

	var signals []model.TrendSignal
	for rows.Next() {
		var sig model.TrendSignal
		var status string
		if err := rows.Scan(&sig.ID, &sig.Sector, &sig.Term, &sig.PeriodStart, &sig.PeriodEnd, &sig.Frequency, &sig.DeltaPct, &status, &sig.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan trend signal")
		}
		sig.Status = model.TrendStatus(status)
		signals = append(signals, sig)
	}
	return signals, eris.Wrap(rows.Err(), "postgres: list trend signals iterate")
}

// AppendAnomalies inserts detection results into the append-only log. There
// is no conflict target: re-running detection grows the audit trail.
func (s *PostgresStore) AppendAnomalies(ctx context.Context, anomalies []model.AnomalyRecord) error {
	if len(anomalies) == 0 {
		return nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin anomaly append")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	for _, a := range anomalies {
		metadata, err := json.Marshal(a.Metadata)
		if err != nil {
			return eris.Wrapf(err, "postgres: marshal anomaly metadata %s", a.KPIName)
		}
		_, err = tx.Exec(ctx,
			`INSERT INTO anomaly_log (id, client_id, source_id, kpi_name, detected_at, value, expected_value, deviation, reason, severity, method, metadata)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10::anomaly_severity, $11, $12)`,
			uuid.New().String(), a.ClientID, a.SourceID, a.KPIName, a.DetectedAt,
			a.Value, a.ExpectedValue, a.Deviation, a.Reason, string(a.Severity), a.Method, metadata,
		)
		if err != nil {
			return eris.Wrapf(err, "postgres: append anomaly %s", a.KPIName)
		}
	}

	return eris.Wrap(tx.Commit(ctx), "postgres: commit anomaly append")
}

func (s *PostgresStore) ListAnomalies(ctx context.Context, clientID int64, since time.Time, minSeverity model.Severity) ([]model.AnomalyRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, client_id, source_id, kpi_name, detected_at, value, expected_value, deviation, reason, severity, method
		 FROM anomaly_log
		 WHERE client_id = $1 AND detected_at >= $2
		 ORDER BY detected_at DESC`,
		clientID, since,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list anomalies")
	}
	defer rows.Close()

	var anomalies []model.AnomalyRecord
	for rows.Next() {
		var (
			a        model.AnomalyRecord
			reason   *string
			severity string
		)
		if err := rows.Scan(&a.ID, &a.ClientID, &a.SourceID, &a.KPIName, &a.DetectedAt, &a.Value, &a.ExpectedValue, &a.Deviation, &reason, &severity, &a.Method); err != nil {
			return nil, eris.Wrap(err, "postgres: scan anomaly")
		}
		if reason != nil {
			a.Reason = *reason
		}
		a.Severity = model.Severity(severity)
		if !a.Severity.AtLeast(minSeverity) {
			continue
		}
		anomalies = append(anomalies, a)
	}
	return anomalies, eris.Wrap(rows.Err(), "postgres: list anomalies iterate")
}

// UpsertClusterAssignments writes one row per (client_id, cluster_id),
// refreshing membership and updated_at on recomputation.
func (s *PostgresStore) UpsertClusterAssignments(ctx context.Context, assignments []model.ClusterAssignment) (int, error) {
	if len(assignments) == 0 {
		return 0, nil
	}

	now := time.Now().UTC()
	rows := make([][]any, 0, len(assignments))
	for _, a := range assignments {
		features, err := json.Marshal(a.Features)
		if err != nil {
			return 0, eris.Wrapf(err, "postgres: marshal cluster features for client %d", a.ClientID)
		}
		centroid, err := json.Marshal(a.Centroid)
		if err != nil {
			return 0, eris.Wrapf(err, "postgres: marshal centroid for client %d", a.ClientID)
		}
		rows = append(rows, []any{
			uuid.New().String(), a.ClientID, a.ClusterID, a.ClusterName,
			features, centroid, a.DistanceToCentroid, a.SilhouetteScore, now,
		})
	}

	n, err := db.Upsert(ctx, s.pool, db.UpsertConfig{
		Table: "clusters",
		Columns: []string{
			"id", "client_id", "cluster_id", "cluster_name",
			"features", "centroid", "distance_to_centroid", "silhouette_score", "updated_at",
		},
		ConflictKeys: []string{"client_id", "cluster_id"},
		UpdateCols: []string{
			"cluster_name", "features", "centroid",
			"distance_to_centroid", "silhouette_score", "updated_at",
		},
	}, rows)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: upsert cluster assignments")
	}
	return int(n), nil
}

// UpsertInsight enforces at most one insight per (client, calendar day of
// generated_at). The conflict target is the expression index on
// date(generated_at); a racing writer that still trips the unique constraint
// retries the update path once instead of failing.
func (s *PostgresStore) UpsertInsight(ctx context.Context, insight *model.Insight) error {
	if insight.ID == "" {
		insight.ID = uuid.New().String()
	}
	if insight.GeneratedAt.IsZero() {
		insight.GeneratedAt = time.Now().UTC()
	}

	findings, err := json.Marshal(insight.KeyFindings)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal key findings")
	}
	metrics, err := json.Marshal(insight.Metrics)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal insight metrics")
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO ai_insights (id, client_id, summary_text, key_findings, risk_level, opportunity_level, metrics, generated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (client_id, (date(generated_at AT TIME ZONE 'UTC'))) DO UPDATE SET
		   summary_text = EXCLUDED.summary_text,
		   key_findings = EXCLUDED.key_findings,
		   risk_level = EXCLUDED.risk_level,
		   opportunity_level = EXCLUDED.opportunity_level,
		   metrics = EXCLUDED.metrics,
		   generated_at = EXCLUDED.generated_at`,
		insight.ID, insight.ClientID, insight.SummaryText, findings,
		string(insight.RiskLevel), string(insight.OpportunityLevel), metrics, insight.GeneratedAt,
	)
	if err == nil {
		return nil
	}

	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != "23505" {
		return eris.Wrapf(err, "postgres: upsert insight for client %d", insight.ClientID)
	}

	zap.L().Debug("postgres: insight upsert raced, retrying update path",
		zap.Int64("client_id", insight.ClientID),
	)
	tag, err := s.pool.Exec(ctx,
		`UPDATE ai_insights SET
		   summary_text = $1, key_findings = $2, risk_level = $3,
		   opportunity_level = $4, metrics = $5, generated_at = $6
		 WHERE client_id = $7 AND date(generated_at AT TIME ZONE 'UTC') = date($6 AT TIME ZONE 'UTC')`,
		insight.SummaryText, findings, string(insight.RiskLevel),
		string(insight.OpportunityLevel), metrics, insight.GeneratedAt, insight.ClientID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: insight update retry for client %d", insight.ClientID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("insight row vanished during retry for client %d", insight.ClientID)
	}
	return nil
}

const insightColumns = `id, client_id, summary_text, key_findings, risk_level, opportunity_level, metrics, generated_at, created_at`

func (s *PostgresStore) GetLatestInsight(ctx context.Context, clientID int64) (*model.Insight, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+insightColumns+` FROM ai_insights
		 WHERE client_id = $1
		 ORDER BY generated_at DESC LIMIT 1`,
		clientID,
	)
	insight, err := scanInsight(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "postgres: latest insight for client %d", clientID)
	}
	return insight, nil
}

func (s *PostgresStore) ListInsights(ctx context.Context, filter InsightFilter) ([]model.Insight, error) {
	query := `SELECT ` + insightColumns + ` FROM ai_insights WHERE true`
	args := []any{}

	if filter.RiskLevel != "" {
		args = append(args, string(filter.RiskLevel))
		query += fmt.Sprintf(` AND risk_level = $%d`, len(args))
	}
	if filter.OpportunityLevel != "" {
		args = append(args, string(filter.OpportunityLevel))
		query += fmt.Sprintf(` AND opportunity_level = $%d`, len(args))
	}
	query += ` ORDER BY generated_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit)
	query += fmt.Sprintf(` LIMIT $%d`, len(args))

	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(` OFFSET $%d`, len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list insights")
	}
	defer rows.Close()
	return scanInsightRows(rows)
}

func (s *PostgresStore) LatestInsights(ctx context.Context, limit int) ([]model.Insight, error) {
	if limit <= 0 {
		limit = 5
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+insightColumns+` FROM ai_insights ORDER BY generated_at DESC LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: latest insights")
	}
	defer rows.Close()
	return scanInsightRows(rows)
}

func (s *PostgresStore) GlobalStats(ctx context.Context) (*GlobalStats, error) {
	var stats GlobalStats
	err := s.pool.QueryRow(ctx,
		`SELECT
		   (SELECT COUNT(DISTINCT client_id) FROM ai_insights),
		   (SELECT COUNT(*) FROM ai_insights),
		   (SELECT COUNT(*) FROM kpi_summary),
		   (SELECT COUNT(*) FROM trend_signals),
		   (SELECT COUNT(*) FROM text_summary),
		   (SELECT COUNT(*) FROM ai_insights WHERE risk_level IN ('high', 'critical')),
		   (SELECT COUNT(*) FROM ai_insights WHERE opportunity_level = 'high'),
		   (SELECT COUNT(*) FROM trend_signals WHERE status = 'emergent')`,
	).Scan(
		&stats.TotalClients, &stats.TotalInsights, &stats.TotalKPIs, &stats.TotalTrends,
		&stats.TotalTextRecords, &stats.HighRiskClients, &stats.HighOpportunityClients, &stats.EmergentTrends,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: global stats")
	}
	return &stats, nil
}

// SearchInsights performs free-text search over insight summaries and
// findings, plus trend terms and KPI names.
func (s *PostgresStore) SearchInsights(ctx context.Context, query string, limit int) ([]SearchResult, error) {
	if limit <= 0 {
		limit = 20
	}
	pattern := "%" + query + "%"

	rows, err := s.pool.Query(ctx,
		`SELECT client_id, LEFT(summary_text, 200), generated_at FROM ai_insights
		 WHERE summary_text ILIKE $1
		    OR EXISTS (
		      SELECT 1 FROM jsonb_array_elements_text(key_findings) AS finding
		      WHERE finding ILIKE $1
		    )
		 ORDER BY generated_at DESC
		 LIMIT $2`,
		pattern, limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: search insights")
	}
	defer rows.Close()

	var results []SearchResult
	for rows.Next() {
		var r SearchResult
		r.Type = "insight"
		if err := rows.Scan(&r.ClientID, &r.Content, &r.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan insight search result")
		}
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "postgres: search insights iterate")
	}

	trendRows, err := s.pool.Query(ctx,
		`SELECT term, sector, frequency, created_at FROM trend_signals
		 WHERE term ILIKE $1 OR sector ILIKE $1
		 ORDER BY frequency DESC, created_at DESC
		 LIMIT $2`,
		pattern, limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: search trends")
	}
	defer trendRows.Close()

	for trendRows.Next() {
		var (
			term, sector string
			frequency    int
			createdAt    time.Time
		)
		if err := trendRows.Scan(&term, &sector, &frequency, &createdAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan trend search result")
		}
		results = append(results, SearchResult{
			Type:      "trend",
			Content:   fmt.Sprintf("trend: %s (sector: %s, freq: %d)", term, sector, frequency),
			CreatedAt: createdAt,
		})
	}
	if err := trendRows.Err(); err != nil {
		return nil, eris.Wrap(err, "postgres: search trends iterate")
	}

	kpiRows, err := s.pool.Query(ctx,
		`SELECT client_id, kpi_name, kpi_value, calculated_at FROM kpi_summary
		 WHERE kpi_name ILIKE $1
		 ORDER BY calculated_at DESC
		 LIMIT $2`,
		pattern, limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: search kpis")
	}
	defer kpiRows.Close()

	for kpiRows.Next() {
		var (
			clientID     int64
			name         string
			value        float64
			calculatedAt time.Time
		)
		if err := kpiRows.Scan(&clientID, &name, &value, &calculatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan kpi search result")
		}
		results = append(results, SearchResult{
			Type:      "kpi",
			ClientID:  clientID,
			Content:   fmt.Sprintf("kpi: %s = %.2f", name, value),
			CreatedAt: calculatedAt,
		})
	}
	if err := kpiRows.Err(); err != nil {
		return nil, eris.Wrap(err, "postgres: search kpis iterate")
	}

	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

func scanInsight(row pgx.Row) (*model.Insight, error) {
	var (
		in           model.Insight
		findingsJSON []byte
		metricsJSON  []byte
		risk, opp    string
	)
	if err := row.Scan(&in.ID, &in.ClientID, &in.SummaryText, &findingsJSON, &risk, &opp, &metricsJSON, &in.GeneratedAt, &in.CreatedAt); err != nil {
		return nil, err
	}
	in.RiskLevel = model.RiskLevel(risk)
	in.OpportunityLevel = model.OpportunityLevel(opp)
	if len(findingsJSON) > 0 {
		if err := json.Unmarshal(findingsJSON, &in.KeyFindings); err != nil {
			return nil, eris.Wrap(err, "unmarshal key findings")
		}
	}
	if len(metricsJSON) > 0 {
		if err := json.Unmarshal(metricsJSON, &in.Metrics); err != nil {
			return nil, eris.Wrap(err, "unmarshal insight metrics")
		}
	}
	return &in, nil
}

func scanInsightRows(rows pgx.Rows) ([]model.Insight, error) {
	var insights []model.Insight
	for rows.Next() {
		insight, err := scanInsight(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan insight")
		}
		insights = append(insights, *insight)
	}
	return insights, eris.Wrap(rows.Err(), "postgres: insight rows iterate")
}
