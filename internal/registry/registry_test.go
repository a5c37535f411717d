package registry

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockRegistry(t *testing.T) (*Registry, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return New(sqlx.NewDb(db, "postgres"), 5*time.Second), mock
}

func TestWarmFillsCache(t *testing.T) {
	reg, mock := newMockRegistry(t)

	mock.ExpectQuery(`SELECT id, venue, symbol FROM marketdata\.symbols`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "venue", "symbol"}).
			AddRow(1, Venue, "BTCUSDT").
			AddRow(2, Venue, "ETHUSDT"))

	require.NoError(t, reg.Warm(context.Background()))
	assert.Equal(t, 2, reg.CacheSize())

	// Warmed symbols resolve without touching the store.
	id, err := reg.Resolve(context.Background(), Venue, "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, int64(1), id)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestResolveInsertsUnknownSymbol(t *testing.T) {
	reg, mock := newMockRegistry(t)

	mock.ExpectQuery(`INSERT INTO marketdata\.symbols`).
		WithArgs(Venue, "SOLUSDT").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(7))

	id, err := reg.Resolve(context.Background(), Venue, "SOLUSDT")
	require.NoError(t, err)
	assert.Equal(t, int64(7), id)
	assert.Equal(t, 1, reg.CacheSize())

	// Second resolve is served from cache: no expectation queued.
	id, err = reg.Resolve(context.Background(), Venue, "SOLUSDT")
	require.NoError(t, err)
	assert.Equal(t, int64(7), id)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestResolveSurfacesStoreError(t *testing.T) {
	reg, mock := newMockRegistry(t)

	mock.ExpectQuery(`INSERT INTO marketdata\.symbols`).
		WillReturnError(fmt.Errorf("connection refused"))

	_, err := reg.Resolve(context.Background(), Venue, "ADAUSDT")
	assert.Error(t, err)
	assert.Equal(t, 0, reg.CacheSize())
}

func TestEnsureAllResolvesEverySymbol(t *testing.T) {
	reg, mock := newMockRegistry(t)

	for i, code := range []string{"BTCUSDT", "ETHUSDT"} {
		mock.ExpectQuery(`INSERT INTO marketdata\.symbols`).
			WithArgs(Venue, code).
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(i + 1))
	}
	require.NoError(t, reg.EnsureAll(context.Background(), []string{"BTCUSDT", "ETHUSDT"}))
	assert.Equal(t, 2, reg.CacheSize())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListActive(t *testing.T) {
	reg, mock := newMockRegistry(t)

	mock.ExpectQuery(`SELECT id, venue, symbol, instrument_class`).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "venue", "symbol", "instrument_class",
			"base_asset", "quote_asset", "is_active", "tick_size", "lot_size",
		}).AddRow(1, Venue, "BTCUSDT", "perpetual", "BTC", "USDT", true, 0.1, 0.001))

	active, err := reg.ListActive(context.Background())
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "BTCUSDT", active[0].Symbol)
	assert.Equal(t, 0.1, active[0].TickSize)
}

func TestDeactivateUnknownID(t *testing.T) {
	reg, mock := newMockRegistry(t)

	mock.ExpectExec(`UPDATE marketdata\.symbols SET is_active = false`).
		WithArgs(int64(99)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := reg.Deactivate(context.Background(), 99)
	assert.Error(t, err)
}
