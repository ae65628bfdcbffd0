package db

import (
	"context"
	"testing"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUpsert_EmptyRows(t *testing.T) {
	n, err := Upsert(context.Background(), nil, UpsertConfig{
		Table:        "kpi_summary",
		Columns:      []string{"id", "kpi_name"},
		ConflictKeys: []string{"id"},
	}, nil)
	assert.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestUpsert_NoColumns(t *testing.T) {
	_, err := Upsert(context.Background(), nil, UpsertConfig{
		Table:        "kpi_summary",
		ConflictKeys: []string{"id"},
	}, [][]any{{1, "a"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no columns specified")
}

func TestUpsert_NoConflictKeys(t *testing.T) {
	_, err := Upsert(context.Background(), nil, UpsertConfig{
		Table:   "kpi_summary",
		Columns: []string{"id", "kpi_name"},
	}, [][]any{{1, "a"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no conflict keys specified")
}

func TestUpsert_RowArityMismatch(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	_, err = Upsert(context.Background(), mock, UpsertConfig{
		Table:        "kpi_summary",
		Columns:      []string{"id", "kpi_name"},
		ConflictKeys: []string{"id"},
	}, [][]any{{1}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "row 0 has 1 values, want 2")
}

func TestUpsert_BuildsOnConflictStatement(t *testing.T) {
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectExec(`INSERT INTO "trend_signals" .+ ON CONFLICT \("sector", "term", "period_start"\) DO UPDATE SET "frequency" = EXCLUDED\."frequency"`).
		WithArgs("tech", "machine", "2025-06-01", 6).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	n, err := Upsert(context.Background(), mock, UpsertConfig{
		Table:        "trend_signals",
		Columns:      []string{"sector", "term", "period_start", "frequency"},
		ConflictKeys: []string{"sector", "term", "period_start"},
	}, [][]any{{"tech", "machine", "2025-06-01", 6}})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestQuoteAndJoin(t *testing.T) {
	result := quoteAndJoin([]string{"id", "term", "frequency"})
	assert.Equal(t, `"id", "term", "frequency"`, result)
}
