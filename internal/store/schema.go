package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
)

// schemaDDL creates the marketdata schema. Statements are idempotent
// so migrate can run on every deploy.
var schemaDDL = []string{
	`CREATE SCHEMA IF NOT EXISTS marketdata`,

	`CREATE TABLE IF NOT EXISTS marketdata.symbols (
		id               BIGSERIAL PRIMARY KEY,
		venue            TEXT NOT NULL,
		symbol           TEXT NOT NULL,
		instrument_class TEXT NOT NULL DEFAULT 'perpetual',
		base_asset       TEXT,
		quote_asset      TEXT,
		is_active        BOOLEAN NOT NULL DEFAULT true,
		tick_size        DOUBLE PRECISION,
		lot_size         DOUBLE PRECISION,
		created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
		UNIQUE (venue, symbol)
	)`,

	`CREATE TABLE IF NOT EXISTS marketdata.book_ticker (
		ts_exchange TIMESTAMPTZ NOT NULL,
		ts_ingest   TIMESTAMPTZ NOT NULL,
		symbol_id   BIGINT NOT NULL REFERENCES marketdata.symbols(id),
		update_id   BIGINT NOT NULL DEFAULT 0,
		best_bid    DOUBLE PRECISION NOT NULL,
		best_ask    DOUBLE PRECISION NOT NULL,
		bid_qty     DOUBLE PRECISION NOT NULL,
		ask_qty     DOUBLE PRECISION NOT NULL,
		spread      DOUBLE PRECISION NOT NULL,
		mid         DOUBLE PRECISION NOT NULL,
		UNIQUE (symbol_id, ts_exchange, update_id)
	)`,
	`CREATE INDEX IF NOT EXISTS book_ticker_symbol_ts_idx
		ON marketdata.book_ticker (symbol_id, ts_exchange DESC)`,

	`CREATE TABLE IF NOT EXISTS marketdata.trades (
		ts_exchange    TIMESTAMPTZ NOT NULL,
		ts_ingest      TIMESTAMPTZ NOT NULL,
		symbol_id      BIGINT NOT NULL REFERENCES marketdata.symbols(id),
		agg_trade_id   BIGINT NOT NULL,
		price          DOUBLE PRECISION NOT NULL,
		qty            DOUBLE PRECISION NOT NULL,
		is_buyer_maker BOOLEAN NOT NULL,
		UNIQUE (symbol_id, agg_trade_id, ts_exchange)
	)`,
	`CREATE INDEX IF NOT EXISTS trades_symbol_ts_idx
		ON marketdata.trades (symbol_id, ts_exchange DESC)`,

	`CREATE TABLE IF NOT EXISTS marketdata.depth_events (
		ts_exchange          TIMESTAMPTZ NOT NULL,
		ts_ingest            TIMESTAMPTZ NOT NULL,
		symbol_id            BIGINT NOT NULL REFERENCES marketdata.symbols(id),
		first_update_id      BIGINT NOT NULL,
		final_update_id      BIGINT NOT NULL,
		prev_final_update_id BIGINT,
		bids                 JSONB NOT NULL,
		asks                 JSONB NOT NULL,
		UNIQUE (symbol_id, ts_exchange, final_update_id)
	)`,
	`CREATE INDEX IF NOT EXISTS depth_events_symbol_ts_idx
		ON marketdata.depth_events (symbol_id, ts_exchange DESC)`,

	`CREATE TABLE IF NOT EXISTS marketdata.mark_price (
		ts_exchange       TIMESTAMPTZ NOT NULL,
		ts_ingest         TIMESTAMPTZ NOT NULL,
		symbol_id         BIGINT NOT NULL REFERENCES marketdata.symbols(id),
		mark_price        DOUBLE PRECISION NOT NULL,
		index_price       DOUBLE PRECISION,
		funding_rate      DOUBLE PRECISION,
		next_funding_time TIMESTAMPTZ,
		UNIQUE (symbol_id, ts_exchange)
	)`,

	`CREATE TABLE IF NOT EXISTS marketdata.force_orders (
		ts_exchange TIMESTAMPTZ NOT NULL,
		ts_ingest   TIMESTAMPTZ NOT NULL,
		symbol_id   BIGINT NOT NULL REFERENCES marketdata.symbols(id),
		side        TEXT NOT NULL,
		price       DOUBLE PRECISION NOT NULL,
		qty         DOUBLE PRECISION NOT NULL,
		raw_payload JSONB,
		UNIQUE (symbol_id, ts_exchange, side, price, qty)
	)`,

	`CREATE TABLE IF NOT EXISTS marketdata.bt_1s (
		symbol_id    BIGINT NOT NULL REFERENCES marketdata.symbols(id),
		ts_second    TIMESTAMPTZ NOT NULL,
		mid_open     DOUBLE PRECISION NOT NULL,
		mid_high     DOUBLE PRECISION NOT NULL,
		mid_low      DOUBLE PRECISION NOT NULL,
		mid_close    DOUBLE PRECISION NOT NULL,
		spread_avg   DOUBLE PRECISION NOT NULL,
		spread_max   DOUBLE PRECISION NOT NULL,
		update_count BIGINT NOT NULL,
		vw_mid       DOUBLE PRECISION,
		PRIMARY KEY (symbol_id, ts_second)
	)`,

	`CREATE TABLE IF NOT EXISTS marketdata.trade_1s (
		symbol_id   BIGINT NOT NULL REFERENCES marketdata.symbols(id),
		ts_second   TIMESTAMPTZ NOT NULL,
		trade_count BIGINT NOT NULL,
		volume_sum  DOUBLE PRECISION NOT NULL,
		value_sum   DOUBLE PRECISION NOT NULL,
		vwap        DOUBLE PRECISION,
		buy_count   BIGINT NOT NULL,
		sell_count  BIGINT NOT NULL,
		buy_volume  DOUBLE PRECISION NOT NULL,
		sell_volume DOUBLE PRECISION NOT NULL,
		price_min   DOUBLE PRECISION NOT NULL,
		price_max   DOUBLE PRECISION NOT NULL,
		imbalance   DOUBLE PRECISION,
		PRIMARY KEY (symbol_id, ts_second)
	)`,

	`CREATE TABLE IF NOT EXISTS marketdata.core_1s_24h (
		symbol_id    BIGINT NOT NULL REFERENCES marketdata.symbols(id),
		ts_second    TIMESTAMPTZ NOT NULL,
		mid_ffill    DOUBLE PRECISION,
		spread_ffill DOUBLE PRECISION,
		trade_count  BIGINT NOT NULL DEFAULT 0,
		volume_sum   DOUBLE PRECISION NOT NULL DEFAULT 0,
		vwap         DOUBLE PRECISION,
		update_count BIGINT NOT NULL DEFAULT 0,
		PRIMARY KEY (symbol_id, ts_second)
	)`,
}

// hypertableDDL converts the event tables when TimescaleDB is
// installed. Failures degrade to plain partitionless tables; the
// retention manager falls back to DELETEs in that mode.
var hypertableDDL = []string{
	`SELECT create_hypertable('marketdata.book_ticker', 'ts_exchange',
		chunk_time_interval => INTERVAL '1 hour', if_not_exists => TRUE, migrate_data => TRUE)`,
	`SELECT create_hypertable('marketdata.trades', 'ts_exchange',
		chunk_time_interval => INTERVAL '1 hour', if_not_exists => TRUE, migrate_data => TRUE)`,
	`SELECT create_hypertable('marketdata.depth_events', 'ts_exchange',
		chunk_time_interval => INTERVAL '1 hour', if_not_exists => TRUE, migrate_data => TRUE)`,
	`SELECT create_hypertable('marketdata.mark_price', 'ts_exchange',
		chunk_time_interval => INTERVAL '1 hour', if_not_exists => TRUE, migrate_data => TRUE)`,
	`SELECT create_hypertable('marketdata.force_orders', 'ts_exchange',
		chunk_time_interval => INTERVAL '1 day', if_not_exists => TRUE, migrate_data => TRUE)`,
	`SELECT create_hypertable('marketdata.bt_1s', 'ts_second',
		chunk_time_interval => INTERVAL '1 day', if_not_exists => TRUE, migrate_data => TRUE)`,
	`SELECT create_hypertable('marketdata.trade_1s', 'ts_second',
		chunk_time_interval => INTERVAL '1 day', if_not_exists => TRUE, migrate_data => TRUE)`,
}

// Migrate applies the schema and attempts hypertable conversion.
func (m *Manager) Migrate(ctx context.Context) error {
	for _, stmt := range schemaDDL {
		if _, err := m.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("store: migrate: %w (statement: %.80s)", err, stmt)
		}
	}

	if !m.HasTimescale(ctx) {
		log.Warn().Msg("TimescaleDB extension not found, using plain tables with DELETE-based retention")
		return nil
	}

	for _, stmt := range hypertableDDL {
		if _, err := m.db.ExecContext(ctx, stmt); err != nil {
			if strings.Contains(err.Error(), "already a hypertable") {
				continue
			}
			return fmt.Errorf("store: create hypertable: %w", err)
		}
	}
	log.Info().Msg("Schema migrated with TimescaleDB hypertables")
	return nil
}

// HasTimescale reports whether the timescaledb extension is installed.
func (m *Manager) HasTimescale(ctx context.Context) bool {
	var installed bool
	err := m.db.QueryRowxContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM pg_extension WHERE extname = 'timescaledb')`).Scan(&installed)
	return err == nil && installed
}
