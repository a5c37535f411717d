package store

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marketflow/collector/internal/models"
	"github.com/marketflow/collector/internal/telemetry"
)

func newMockManager(t *testing.T) (*Manager, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewManagerFromDB(sqlx.NewDb(db, "postgres"), 5*time.Second), mock
}

func bookEvent(symbolID, updateID int64) models.Event {
	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	return models.Event{
		Channel:  models.ChannelBookTicker,
		SymbolID: symbolID,
		BookTicker: &models.BookTicker{
			SymbolID:   symbolID,
			TsExchange: now,
			TsIngest:   now,
			UpdateID:   updateID,
			BestBid:    100,
			BestAsk:    101,
			BidQty:     1,
			AskQty:     1,
			Spread:     1,
			Mid:        100.5,
		},
	}
}

func TestBuildInsertBookTicker(t *testing.T) {
	query, args, err := buildInsert("book_ticker", []models.Event{bookEvent(1, 10), bookEvent(1, 11)})
	require.NoError(t, err)

	assert.Contains(t, query, "INSERT INTO marketdata.book_ticker")
	assert.Contains(t, query, "ON CONFLICT (symbol_id, ts_exchange, update_id) DO NOTHING")
	assert.Contains(t, query, "$20", "two rows of ten columns")
	assert.NotContains(t, query, "$21")
	assert.Len(t, args, 20)
}

func TestBuildInsertRejectsMissingPayload(t *testing.T) {
	_, _, err := buildInsert("trades", []models.Event{{Channel: models.ChannelAggTrade}})
	assert.Error(t, err)
}

func TestBuildInsertUnknownTable(t *testing.T) {
	_, _, err := buildInsert("klines", []models.Event{bookEvent(1, 1)})
	assert.Error(t, err)
}

func TestWriterFlushesOnSizeThreshold(t *testing.T) {
	mgr, mock := newMockManager(t)
	bus := telemetry.NewBus(16)
	defer bus.Close()

	bw := NewBatchWriter(mgr, map[string]BatchLimit{
		"book_ticker": {Size: 2, MaxAge: time.Minute},
	}, bus, telemetry.NewMetrics())

	mock.ExpectExec(`INSERT INTO marketdata\.book_ticker`).
		WillReturnResult(sqlmock.NewResult(0, 2))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	bw.Start(ctx)

	require.NoError(t, bw.Enqueue(ctx, bookEvent(1, 1)))
	require.NoError(t, bw.Enqueue(ctx, bookEvent(1, 2)))

	drainCtx, drainCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer drainCancel()
	require.NoError(t, bw.Drain(drainCtx))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWriterFinalFlushOnDrain(t *testing.T) {
	mgr, mock := newMockManager(t)
	bus := telemetry.NewBus(16)
	defer bus.Close()

	bw := NewBatchWriter(mgr, map[string]BatchLimit{
		"book_ticker": {Size: 100, MaxAge: time.Minute},
	}, bus, telemetry.NewMetrics())

	mock.ExpectExec(`INSERT INTO marketdata\.book_ticker`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	bw.Start(ctx)

	require.NoError(t, bw.Enqueue(ctx, bookEvent(1, 1)))

	drainCtx, drainCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer drainCancel()
	require.NoError(t, bw.Drain(drainCtx))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWriterBisectsConstraintFailures(t *testing.T) {
	mgr, mock := newMockManager(t)
	bus := telemetry.NewBus(16)
	defer bus.Close()
	metrics := telemetry.NewMetrics()

	bw := NewBatchWriter(mgr, map[string]BatchLimit{
		"book_ticker": {Size: 2, MaxAge: time.Minute},
	}, bus, metrics)

	notNull := &pq.Error{Code: "23502"}
	// Full batch fails, then each half is retried: the first half is
	// the poison row, the second commits.
	mock.ExpectExec(`INSERT INTO marketdata\.book_ticker`).WillReturnError(notNull)
	mock.ExpectExec(`INSERT INTO marketdata\.book_ticker`).WillReturnError(notNull)
	mock.ExpectExec(`INSERT INTO marketdata\.book_ticker`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	bw.Start(ctx)

	require.NoError(t, bw.Enqueue(ctx, bookEvent(1, 1)))
	require.NoError(t, bw.Enqueue(ctx, bookEvent(1, 2)))

	drainCtx, drainCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer drainCancel()
	require.NoError(t, bw.Drain(drainCtx))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEnqueueUnknownChannel(t *testing.T) {
	mgr, _ := newMockManager(t)
	bus := telemetry.NewBus(16)
	defer bus.Close()

	bw := NewBatchWriter(mgr, map[string]BatchLimit{
		"trades": {Size: 10, MaxAge: time.Second},
	}, bus, telemetry.NewMetrics())

	err := bw.Enqueue(context.Background(), bookEvent(1, 1))
	assert.Error(t, err, "no writer configured for book_ticker")
}

func TestIsConstraintError(t *testing.T) {
	assert.True(t, isConstraintError(&pq.Error{Code: "23502"}))
	assert.True(t, isConstraintError(fmt.Errorf("store: insert: %w", &pq.Error{Code: "23514"})))
	assert.False(t, isConstraintError(fmt.Errorf("connection refused")))
	assert.False(t, isConstraintError(&pq.Error{Code: "57P01"}))
	assert.False(t, isConstraintError(nil))
}

func TestDepthReportsPendingRows(t *testing.T) {
	mgr, _ := newMockManager(t)
	bus := telemetry.NewBus(16)
	defer bus.Close()

	bw := NewBatchWriter(mgr, map[string]BatchLimit{
		"book_ticker": {Size: 10, MaxAge: time.Minute},
	}, bus, telemetry.NewMetrics())

	// Not started: events sit in the channel.
	require.NoError(t, bw.Enqueue(context.Background(), bookEvent(1, 1)))
	assert.Equal(t, 1, bw.Depth("book_ticker"))
	assert.Equal(t, 0, bw.Depth("unknown"))
}

func TestBuildInsertDepthEncodesLevelsAsJSON(t *testing.T) {
	now := time.Now().UTC()
	ev := models.Event{
		Channel:  models.ChannelDepth,
		SymbolID: 1,
		DepthDelta: &models.DepthDelta{
			SymbolID:      1,
			TsExchange:    now,
			TsIngest:      now,
			FirstUpdateID: 1,
			FinalUpdateID: 2,
			Bids:          []models.PriceLevel{{"100.1", "2"}},
			Asks:          []models.PriceLevel{},
		},
	}
	query, args, err := buildInsert("depth_events", []models.Event{ev})
	require.NoError(t, err)
	assert.True(t, strings.Contains(query, "depth_events"))
	require.Len(t, args, 8)
	assert.JSONEq(t, `[["100.1","2"]]`, string(args[6].([]byte)))
	assert.JSONEq(t, `[]`, string(args[7].([]byte)))
}
