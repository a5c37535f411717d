package aggregate

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marketflow/collector/internal/config"
	"github.com/marketflow/collector/internal/telemetry"
)

func newMockAggregator(t *testing.T) (*Aggregator, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	bus := telemetry.NewBus(16)
	t.Cleanup(bus.Close)

	cfg := config.AggregateConfig{
		Grace:        2 * time.Second,
		MaxLateness:  30 * time.Second,
		GridInterval: time.Minute,
		GridWindow:   24 * time.Hour,
		UpdateLate:   true,
	}
	return New(sqlx.NewDb(db, "postgres"), cfg, telemetry.NewMetrics(), bus, 5*time.Second), mock
}

func bookColumns() []string {
	return []string{"symbol_id", "ts_exchange", "ts_ingest", "update_id",
		"best_bid", "best_ask", "bid_qty", "ask_qty", "spread", "mid"}
}

func TestRollupOnceUpsertsClosedSeconds(t *testing.T) {
	agg, mock := newMockAggregator(t)
	now := time.Date(2026, 8, 25, 12, 0, 10, 0, time.UTC)
	tickTs := now.Add(-5 * time.Second)

	mock.ExpectQuery(`SELECT symbol_id, ts_exchange, ts_ingest, update_id`).
		WillReturnRows(sqlmock.NewRows(bookColumns()).
			AddRow(1, tickTs, tickTs, 10, 100.0, 102.0, 1.0, 1.0, 2.0, 101.0).
			AddRow(1, tickTs.Add(200*time.Millisecond), tickTs, 11, 101.0, 103.0, 1.0, 1.0, 2.0, 102.0))

	mock.ExpectExec(`INSERT INTO marketdata\.bt_1s`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	mock.ExpectQuery(`SELECT symbol_id, ts_exchange, ts_ingest, agg_trade_id`).
		WillReturnRows(sqlmock.NewRows([]string{"symbol_id", "ts_exchange", "ts_ingest",
			"agg_trade_id", "price", "qty", "is_buyer_maker"}))

	require.NoError(t, agg.RollupOnce(context.Background(), now))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRollupOnceEmptyWindowSkipsUpserts(t *testing.T) {
	agg, mock := newMockAggregator(t)
	now := time.Date(2026, 8, 25, 12, 0, 10, 0, time.UTC)

	mock.ExpectQuery(`SELECT symbol_id, ts_exchange, ts_ingest, update_id`).
		WillReturnRows(sqlmock.NewRows(bookColumns()))
	mock.ExpectQuery(`SELECT symbol_id, ts_exchange, ts_ingest, agg_trade_id`).
		WillReturnRows(sqlmock.NewRows([]string{"symbol_id", "ts_exchange", "ts_ingest",
			"agg_trade_id", "price", "qty", "is_buyer_maker"}))

	require.NoError(t, agg.RollupOnce(context.Background(), now))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRollupOnceAdvancesWatermark(t *testing.T) {
	agg, mock := newMockAggregator(t)
	now := time.Date(2026, 8, 25, 12, 0, 10, 0, time.UTC)

	for i := 0; i < 2; i++ {
		mock.ExpectQuery(`SELECT symbol_id, ts_exchange, ts_ingest, update_id`).
			WillReturnRows(sqlmock.NewRows(bookColumns()))
		mock.ExpectQuery(`SELECT symbol_id, ts_exchange, ts_ingest, agg_trade_id`).
			WillReturnRows(sqlmock.NewRows([]string{"symbol_id", "ts_exchange", "ts_ingest",
				"agg_trade_id", "price", "qty", "is_buyer_maker"}))
	}

	require.NoError(t, agg.RollupOnce(context.Background(), now))
	first := agg.watermark
	require.NoError(t, agg.RollupOnce(context.Background(), now.Add(time.Second)))
	assert.True(t, agg.watermark.After(first))
}

func expectEmptyWindows(mock sqlmock.Sqlmock, start, end time.Time) {
	mock.ExpectQuery(`SELECT symbol_id, ts_exchange, ts_ingest, update_id`).
		WithArgs(start, end).
		WillReturnRows(sqlmock.NewRows(bookColumns()))
	mock.ExpectQuery(`SELECT symbol_id, ts_exchange, ts_ingest, agg_trade_id`).
		WithArgs(start, end).
		WillReturnRows(sqlmock.NewRows([]string{"symbol_id", "ts_exchange", "ts_ingest",
			"agg_trade_id", "price", "qty", "is_buyer_maker"}))
}

func TestRollupOnceKeepsLatenessHorizon(t *testing.T) {
	agg, mock := newMockAggregator(t)
	now := time.Date(2026, 8, 25, 12, 0, 10, 0, time.UTC)
	end1 := now.Add(-2 * time.Second).Truncate(time.Second)
	expectEmptyWindows(mock, end1.Add(-30*time.Second), end1)
	require.NoError(t, agg.RollupOnce(context.Background(), now))

	// The second pass still reaches MaxLateness behind its own end, not
	// just the grace overlap past the watermark.
	now2 := now.Add(time.Second)
	end2 := now2.Add(-2 * time.Second).Truncate(time.Second)
	expectEmptyWindows(mock, end2.Add(-30*time.Second), end2)
	require.NoError(t, agg.RollupOnce(context.Background(), now2))

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRollupOnceRecoversStalledWatermark(t *testing.T) {
	agg, mock := newMockAggregator(t)
	now := time.Date(2026, 8, 25, 12, 0, 10, 0, time.UTC)
	end := now.Add(-2 * time.Second).Truncate(time.Second)

	// After a long stall the window opens back to the watermark so the
	// gap seconds are recomputed from raw.
	agg.watermark = end.Add(-10 * time.Minute)
	expectEmptyWindows(mock, agg.watermark.Add(-2*time.Second), end)

	require.NoError(t, agg.RollupOnce(context.Background(), now))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRefreshGridRunsInsertAndTrim(t *testing.T) {
	agg, mock := newMockAggregator(t)
	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)

	mock.ExpectExec(`INSERT INTO marketdata\.core_1s_24h`).
		WillReturnResult(sqlmock.NewResult(0, 86400))
	mock.ExpectExec(`DELETE FROM marketdata\.core_1s_24h`).
		WillReturnResult(sqlmock.NewResult(0, 60))

	require.NoError(t, agg.RefreshGrid(context.Background(), now))
	assert.False(t, agg.gridWatermark.IsZero())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestConflictClause(t *testing.T) {
	agg, _ := newMockAggregator(t)

	clause := agg.conflictClause("(symbol_id, ts_second)", []string{"vwap"})
	assert.Contains(t, clause, "DO UPDATE SET vwap = EXCLUDED.vwap")

	agg.cfg.UpdateLate = false
	clause = agg.conflictClause("(symbol_id, ts_second)", []string{"vwap"})
	assert.Contains(t, clause, "DO NOTHING")
}
