// Package validate runs data-quality checks over the collected tables
// and produces the pass/fail report served by the control plane.
package validate

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/marketflow/collector/internal/store"
	"github.com/marketflow/collector/internal/telemetry"
)

// Check is one named validation result. Offenders lists the symbols
// that failed the check.
type Check struct {
	Name      string   `json:"name"`
	Passed    bool     `json:"passed"`
	Detail    string   `json:"detail,omitempty"`
	Symbols   int      `json:"symbols_affected,omitempty"`
	Offenders []string `json:"offenders,omitempty"`
}

// Report aggregates every check plus a per-symbol verdict: a symbol
// passes unless it is named by any failing check.
type Report struct {
	Passed         bool            `json:"passed"`
	Checks         []Check         `json:"checks"`
	SymbolVerdicts map[string]bool `json:"symbol_verdicts,omitempty"`
	GeneratedAt    time.Time       `json:"generated_at"`
}

// Validator inspects the marketdata schema. Thresholds follow the
// ingestion SLOs: data at most 5 minutes stale, at least one event per
// minute per active symbol, no malformed rows in the trailing hour.
type Validator struct {
	store *store.Manager
	bus   *telemetry.Bus

	Freshness  time.Duration
	RateWindow time.Duration
	MinPerMin  float64
}

// New builds a validator with default thresholds.
func New(st *store.Manager, bus *telemetry.Bus) *Validator {
	return &Validator{
		store:      st,
		bus:        bus,
		Freshness:  5 * time.Minute,
		RateWindow: 10 * time.Minute,
		MinPerMin:  1,
	}
}

// Run executes every check and publishes the outcome.
func (v *Validator) Run(ctx context.Context) (*Report, error) {
	report := &Report{Passed: true, GeneratedAt: time.Now().UTC()}

	verdicts := make(map[string]bool)
	if names, err := v.activeSymbols(ctx); err != nil {
		log.Warn().Err(err).Msg("Active symbol list unavailable, per-symbol verdicts limited to offenders")
	} else {
		for _, n := range names {
			verdicts[n] = true
		}
	}

	checks := []func(context.Context) (Check, error){
		v.checkStructure,
		v.checkFreshness,
		v.checkQuality,
		v.checkFrequency,
	}
	for _, fn := range checks {
		check, err := fn(ctx)
		if err != nil {
			return nil, err
		}
		report.Checks = append(report.Checks, check)
		if !check.Passed {
			report.Passed = false
			for _, sym := range check.Offenders {
				verdicts[sym] = false
			}
		}
	}
	report.SymbolVerdicts = verdicts

	failing := 0
	for _, ok := range verdicts {
		if !ok {
			failing++
		}
	}
	v.bus.Emit(telemetry.KindValidation, "validator", map[string]interface{}{
		"passed": report.Passed, "checks": len(report.Checks), "symbols_failing": failing,
	})
	log.Info().Bool("passed", report.Passed).Int("checks", len(report.Checks)).
		Int("symbols_failing", failing).Msg("Validation run complete")
	return report, nil
}

func (v *Validator) activeSymbols(ctx context.Context) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, v.store.QueryTimeout())
	defer cancel()

	var names []string
	err := v.store.DB().SelectContext(ctx, &names, `
		SELECT symbol FROM marketdata.symbols WHERE is_active ORDER BY symbol`)
	if err != nil {
		return nil, fmt.Errorf("validate: active symbols: %w", err)
	}
	return names, nil
}

// checkStructure verifies every expected table exists.
func (v *Validator) checkStructure(ctx context.Context) (Check, error) {
	ctx, cancel := context.WithTimeout(ctx, v.store.QueryTimeout())
	defer cancel()

	expected := []string{
		"symbols", "book_ticker", "trades", "depth_events",
		"mark_price", "force_orders", "bt_1s", "trade_1s", "core_1s_24h",
	}
	var missing []string
	for _, table := range expected {
		var exists bool
		err := v.store.DB().QueryRowxContext(ctx, `
			SELECT EXISTS (SELECT 1 FROM information_schema.tables
			               WHERE table_schema = 'marketdata' AND table_name = $1)`, table).Scan(&exists)
		if err != nil {
			return Check{}, fmt.Errorf("validate: structure: %w", err)
		}
		if !exists {
			missing = append(missing, table)
		}
	}

	if len(missing) > 0 {
		return Check{Name: "structure", Passed: false,
			Detail: fmt.Sprintf("missing tables: %v", missing)}, nil
	}
	return Check{Name: "structure", Passed: true}, nil
}

// checkFreshness names every active symbol whose newest book tick is
// older than the freshness threshold.
func (v *Validator) checkFreshness(ctx context.Context) (Check, error) {
	ctx, cancel := context.WithTimeout(ctx, v.store.QueryTimeout())
	defer cancel()

	var stale []string
	err := v.store.DB().SelectContext(ctx, &stale, `
		SELECT s.symbol FROM marketdata.symbols s
		WHERE s.is_active
		  AND NOT EXISTS (
			SELECT 1 FROM marketdata.book_ticker bt
			WHERE bt.symbol_id = s.id
			  AND bt.ts_exchange > now() - make_interval(secs => $1))
		ORDER BY s.symbol`,
		v.Freshness.Seconds())
	if err != nil {
		return Check{}, fmt.Errorf("validate: freshness: %w", err)
	}

	if len(stale) > 0 {
		return Check{Name: "freshness", Passed: false, Symbols: len(stale), Offenders: stale,
			Detail: fmt.Sprintf("%d symbols without a book tick in %s", len(stale), v.Freshness)}, nil
	}
	return Check{Name: "freshness", Passed: true}, nil
}

type malformedCount struct {
	Symbol string `db:"symbol"`
	Bad    int64  `db:"bad"`
}

// checkQuality scans the trailing hour for rows that should have been
// rejected at normalization: inverted books, non-positive prices or
// quantities.
func (v *Validator) checkQuality(ctx context.Context) (Check, error) {
	ctx, cancel := context.WithTimeout(ctx, v.store.QueryTimeout())
	defer cancel()

	var badBooks []malformedCount
	err := v.store.DB().SelectContext(ctx, &badBooks, `
		SELECT s.symbol, count(*) AS bad
		FROM marketdata.book_ticker bt
		JOIN marketdata.symbols s ON s.id = bt.symbol_id
		WHERE bt.ts_exchange > now() - interval '1 hour'
		  AND (bt.best_bid <= 0 OR bt.best_ask <= 0 OR bt.best_ask < bt.best_bid
		       OR bt.bid_qty < 0 OR bt.ask_qty < 0)
		GROUP BY s.symbol ORDER BY s.symbol`)
	if err != nil {
		return Check{}, fmt.Errorf("validate: quality books: %w", err)
	}
	var badTrades []malformedCount
	err = v.store.DB().SelectContext(ctx, &badTrades, `
		SELECT s.symbol, count(*) AS bad
		FROM marketdata.trades tr
		JOIN marketdata.symbols s ON s.id = tr.symbol_id
		WHERE tr.ts_exchange > now() - interval '1 hour'
		  AND (tr.price <= 0 OR tr.qty <= 0)
		GROUP BY s.symbol ORDER BY s.symbol`)
	if err != nil {
		return Check{}, fmt.Errorf("validate: quality trades: %w", err)
	}

	var bookRows, tradeRows int64
	seen := make(map[string]bool)
	for _, c := range badBooks {
		bookRows += c.Bad
		seen[c.Symbol] = true
	}
	for _, c := range badTrades {
		tradeRows += c.Bad
		seen[c.Symbol] = true
	}
	if bookRows+tradeRows > 0 {
		offenders := make([]string, 0, len(seen))
		for sym := range seen {
			offenders = append(offenders, sym)
		}
		sort.Strings(offenders)
		return Check{Name: "quality", Passed: false, Symbols: len(offenders), Offenders: offenders,
			Detail: fmt.Sprintf("%d malformed book rows, %d malformed trade rows in last hour", bookRows, tradeRows)}, nil
	}
	return Check{Name: "quality", Passed: true}, nil
}

// checkFrequency requires a minimum book-tick rate per active symbol
// over the rate window.
func (v *Validator) checkFrequency(ctx context.Context) (Check, error) {
	ctx, cancel := context.WithTimeout(ctx, v.store.QueryTimeout())
	defer cancel()

	minEvents := int64(v.MinPerMin * v.RateWindow.Minutes())
	var slow []string
	err := v.store.DB().SelectContext(ctx, &slow, `
		SELECT s.symbol
		FROM marketdata.symbols s
		LEFT JOIN marketdata.book_ticker bt
		  ON bt.symbol_id = s.id
		 AND bt.ts_exchange > now() - make_interval(secs => $1)
		WHERE s.is_active
		GROUP BY s.symbol
		HAVING count(bt.*) < $2
		ORDER BY s.symbol`, v.RateWindow.Seconds(), minEvents)
	if err != nil {
		return Check{}, fmt.Errorf("validate: frequency: %w", err)
	}

	if len(slow) > 0 {
		return Check{Name: "frequency", Passed: false, Symbols: len(slow), Offenders: slow,
			Detail: fmt.Sprintf("%d symbols below %.0f events/min over %s", len(slow), v.MinPerMin, v.RateWindow)}, nil
	}
	return Check{Name: "frequency", Passed: true}, nil
}
