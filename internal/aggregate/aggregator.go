package aggregate

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"

	"github.com/marketflow/collector/internal/config"
	"github.com/marketflow/collector/internal/models"
	"github.com/marketflow/collector/internal/telemetry"
)

// Aggregator recomputes closed seconds from the raw tables and keeps
// the 24h flat grid fresh. Recomputation over a sliding window makes
// the rollups idempotent: late rows inside the lateness horizon are
// folded in on the next pass.
type Aggregator struct {
	db      *sqlx.DB
	cfg     config.AggregateConfig
	metrics *telemetry.Metrics
	bus     *telemetry.Bus
	timeout time.Duration

	watermark     time.Time
	gridWatermark time.Time
}

// New builds an aggregator over the given connection pool.
func New(db *sqlx.DB, cfg config.AggregateConfig, metrics *telemetry.Metrics, bus *telemetry.Bus, queryTimeout time.Duration) *Aggregator {
	if queryTimeout <= 0 {
		queryTimeout = 30 * time.Second
	}
	return &Aggregator{db: db, cfg: cfg, metrics: metrics, bus: bus, timeout: queryTimeout}
}

// Run drives the rollup and grid loops until ctx is cancelled.
func (a *Aggregator) Run(ctx context.Context) {
	rollupTick := time.NewTicker(time.Second)
	defer rollupTick.Stop()
	gridTick := time.NewTicker(a.cfg.GridInterval)
	defer gridTick.Stop()

	log.Info().Dur("grace", a.cfg.Grace).Dur("max_lateness", a.cfg.MaxLateness).
		Dur("grid_interval", a.cfg.GridInterval).Msg("Aggregator started")

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-rollupTick.C:
			if err := a.RollupOnce(ctx, now); err != nil && ctx.Err() == nil {
				log.Error().Err(err).Msg("Rollup pass failed")
				a.bus.Emit(telemetry.KindAbort, "aggregator", map[string]interface{}{"error": err.Error()})
			}
		case now := <-gridTick.C:
			if err := a.RefreshGrid(ctx, now); err != nil && ctx.Err() == nil {
				log.Error().Err(err).Msg("Grid refresh failed")
				a.bus.Emit(telemetry.KindAbort, "grid", map[string]interface{}{"error": err.Error()})
			}
		}
	}
}

// RollupOnce recomputes bt_1s and trade_1s for every second closed by
// the grace period, reaching back MaxLateness to absorb stragglers.
func (a *Aggregator) RollupOnce(ctx context.Context, now time.Time) error {
	end := now.UTC().Add(-a.cfg.Grace).Truncate(time.Second)
	// Every pass re-walks the full lateness horizon: a raw row can
	// commit up to MaxLateness after its second closes and must still
	// be folded in. After a stall the watermark reaches further back
	// so the gap is recomputed too.
	start := end.Add(-a.cfg.MaxLateness)
	if !a.watermark.IsZero() {
		if wm := a.watermark.Add(-a.cfg.Grace); wm.Before(start) {
			start = wm
		}
	}
	if !start.Before(end) {
		return nil
	}

	if err := a.rollupBookWindow(ctx, start, end); err != nil {
		return err
	}
	if err := a.rollupTradeWindow(ctx, start, end); err != nil {
		return err
	}
	a.watermark = end
	return nil
}

func (a *Aggregator) rollupBookWindow(ctx context.Context, start, end time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	var ticks []models.BookTicker
	err := a.db.SelectContext(ctx, &ticks, `
		SELECT symbol_id, ts_exchange, ts_ingest, update_id,
		       best_bid, best_ask, bid_qty, ask_qty, spread, mid
		FROM marketdata.book_ticker
		WHERE ts_exchange >= $1 AND ts_exchange < $2
		ORDER BY symbol_id, ts_exchange, update_id`, start, end)
	if err != nil {
		return fmt.Errorf("aggregate: select book window: %w", err)
	}

	rows := RollupBook(ticks)
	if len(rows) == 0 {
		return nil
	}
	return a.upsertBookSeconds(ctx, rows)
}

func (a *Aggregator) rollupTradeWindow(ctx context.Context, start, end time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	var trades []models.Trade
	err := a.db.SelectContext(ctx, &trades, `
		SELECT symbol_id, ts_exchange, ts_ingest, agg_trade_id, price, qty, is_buyer_maker
		FROM marketdata.trades
		WHERE ts_exchange >= $1 AND ts_exchange < $2
		ORDER BY symbol_id, ts_exchange, agg_trade_id`, start, end)
	if err != nil {
		return fmt.Errorf("aggregate: select trade window: %w", err)
	}

	rows := RollupTrades(trades)
	if len(rows) == 0 {
		return nil
	}
	return a.upsertTradeSeconds(ctx, rows)
}

func (a *Aggregator) upsertBookSeconds(ctx context.Context, rows []BookSecond) error {
	cols := 10
	values := make([]string, 0, len(rows))
	args := make([]interface{}, 0, len(rows)*cols)
	for i, r := range rows {
		base := i * cols
		values = append(values, placeholderTuple(base, cols))
		args = append(args, r.SymbolID, r.TsSecond, r.MidOpen, r.MidHigh, r.MidLow,
			r.MidClose, r.SpreadAvg, r.SpreadMax, r.UpdateCount, r.VwMid)
	}

	query := `INSERT INTO marketdata.bt_1s
		(symbol_id, ts_second, mid_open, mid_high, mid_low, mid_close,
		 spread_avg, spread_max, update_count, vw_mid)
		VALUES ` + strings.Join(values, ", ") + a.conflictClause(`(symbol_id, ts_second)`, []string{
		"mid_open", "mid_high", "mid_low", "mid_close",
		"spread_avg", "spread_max", "update_count", "vw_mid",
	})
	if _, err := a.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("aggregate: upsert bt_1s: %w", err)
	}
	return nil
}

func (a *Aggregator) upsertTradeSeconds(ctx context.Context, rows []TradeSecond) error {
	cols := 13
	values := make([]string, 0, len(rows))
	args := make([]interface{}, 0, len(rows)*cols)
	for i, r := range rows {
		base := i * cols
		values = append(values, placeholderTuple(base, cols))
		args = append(args, r.SymbolID, r.TsSecond, r.TradeCount, r.VolumeSum, r.ValueSum,
			r.VWAP, r.BuyCount, r.SellCount, r.BuyVolume, r.SellVolume,
			r.PriceMin, r.PriceMax, r.Imbalance)
	}

	query := `INSERT INTO marketdata.trade_1s
		(symbol_id, ts_second, trade_count, volume_sum, value_sum, vwap,
		 buy_count, sell_count, buy_volume, sell_volume, price_min, price_max, imbalance)
		VALUES ` + strings.Join(values, ", ") + a.conflictClause(`(symbol_id, ts_second)`, []string{
		"trade_count", "volume_sum", "value_sum", "vwap", "buy_count", "sell_count",
		"buy_volume", "sell_volume", "price_min", "price_max", "imbalance",
	})
	if _, err := a.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("aggregate: upsert trade_1s: %w", err)
	}
	return nil
}

// conflictClause renders the upsert tail. With late updates disabled
// the first write of a second wins.
func (a *Aggregator) conflictClause(key string, cols []string) string {
	if !a.cfg.UpdateLate {
		return " ON CONFLICT " + key + " DO NOTHING"
	}
	sets := make([]string, len(cols))
	for i, c := range cols {
		sets[i] = c + " = EXCLUDED." + c
	}
	return " ON CONFLICT " + key + " DO UPDATE SET " + strings.Join(sets, ", ")
}

// RefreshGrid extends core_1s_24h up to the latest closed second,
// carrying the last observation forward across empty seconds. The
// first pass after startup backfills the whole grid window.
func (a *Aggregator) RefreshGrid(ctx context.Context, now time.Time) error {
	end := now.UTC().Add(-a.cfg.Grace).Truncate(time.Second)
	start := end.Add(-a.cfg.GridWindow)
	if !a.gridWatermark.IsZero() && a.gridWatermark.After(start) {
		// Overlap one interval so late rollup updates are re-filled.
		start = a.gridWatermark.Add(-a.cfg.GridInterval)
	}
	if !start.Before(end) {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	// The seed row carries the last known value into the window so
	// forward fill never restarts from NULL at the boundary.
	query := `
		WITH grid AS (
			SELECT s.id AS symbol_id, gs.ts_second
			FROM marketdata.symbols s
			CROSS JOIN generate_series($1::timestamptz, $2::timestamptz - interval '1 second',
			                           interval '1 second') AS gs(ts_second)
			WHERE s.is_active
		),
		seed AS (
			SELECT DISTINCT ON (symbol_id) symbol_id, mid_ffill, spread_ffill
			FROM marketdata.core_1s_24h
			WHERE ts_second < $1
			ORDER BY symbol_id, ts_second DESC
		),
		joined AS (
			SELECT g.symbol_id, g.ts_second,
			       b.mid_close, b.spread_avg, b.update_count,
			       t.trade_count, t.volume_sum, t.vwap,
			       count(b.mid_close) OVER w AS fill_group
			FROM grid g
			LEFT JOIN marketdata.bt_1s b USING (symbol_id, ts_second)
			LEFT JOIN marketdata.trade_1s t USING (symbol_id, ts_second)
			WINDOW w AS (PARTITION BY g.symbol_id ORDER BY g.ts_second)
		),
		filled AS (
			SELECT j.symbol_id, j.ts_second,
			       COALESCE(max(j.mid_close) OVER fg, sd.mid_ffill) AS mid_ffill,
			       COALESCE(max(j.spread_avg) OVER fg, sd.spread_ffill) AS spread_ffill,
			       COALESCE(j.trade_count, 0) AS trade_count,
			       COALESCE(j.volume_sum, 0) AS volume_sum,
			       j.vwap,
			       COALESCE(j.update_count, 0) AS update_count
			FROM joined j
			LEFT JOIN seed sd USING (symbol_id)
			WINDOW fg AS (PARTITION BY j.symbol_id, j.fill_group)
		)
		INSERT INTO marketdata.core_1s_24h
			(symbol_id, ts_second, mid_ffill, spread_ffill, trade_count, volume_sum, vwap, update_count)
		SELECT symbol_id, ts_second, mid_ffill, spread_ffill, trade_count, volume_sum, vwap, update_count
		FROM filled
		ON CONFLICT (symbol_id, ts_second) DO UPDATE SET
			mid_ffill = EXCLUDED.mid_ffill,
			spread_ffill = EXCLUDED.spread_ffill,
			trade_count = EXCLUDED.trade_count,
			volume_sum = EXCLUDED.volume_sum,
			vwap = EXCLUDED.vwap,
			update_count = EXCLUDED.update_count`

	if _, err := a.db.ExecContext(ctx, query, start, end); err != nil {
		return fmt.Errorf("aggregate: refresh grid: %w", err)
	}

	// The grid only covers the trailing window; shed the head.
	if _, err := a.db.ExecContext(ctx,
		`DELETE FROM marketdata.core_1s_24h WHERE ts_second < $1`,
		end.Add(-a.cfg.GridWindow)); err != nil {
		return fmt.Errorf("aggregate: trim grid: %w", err)
	}

	a.gridWatermark = end
	a.metrics.GridRefreshes.Inc()
	log.Debug().Time("start", start).Time("end", end).Msg("Flat grid refreshed")
	return nil
}

// Coverage reports the fraction of expected grid rows present for one
// symbol over the trailing window; a healthy grid reads 1.0.
func (a *Aggregator) Coverage(ctx context.Context, symbolID int64) (float64, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	end := a.gridWatermark
	if end.IsZero() {
		return 0, nil
	}
	start := end.Add(-a.cfg.GridWindow)

	var got int64
	err := a.db.QueryRowxContext(ctx, `
		SELECT count(*) FROM marketdata.core_1s_24h
		WHERE symbol_id = $1 AND ts_second >= $2 AND ts_second < $3`,
		symbolID, start, end).Scan(&got)
	if err != nil {
		return 0, fmt.Errorf("aggregate: coverage: %w", err)
	}
	expected := end.Sub(start) / time.Second
	if expected <= 0 {
		return 0, nil
	}
	return float64(got) / float64(expected), nil
}

func placeholderTuple(base, cols int) string {
	parts := make([]string, cols)
	for i := 0; i < cols; i++ {
		parts[i] = fmt.Sprintf("$%d", base+i+1)
	}
	return "(" + strings.Join(parts, ", ") + ")"
}
