// Package registry maintains the canonical (venue, symbol) → id
// mapping. Ids are assigned by the store and stable across restarts;
// rows are created lazily and only ever deactivated, never deleted.
package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"

	"github.com/marketflow/collector/internal/models"
)

// Venue is the only venue this collector ingests.
const Venue = "binance-futures"

// Registry resolves symbols with an in-memory cache in front of the
// symbols table. Many readers, single writer behind the mutex.
type Registry struct {
	db      *sqlx.DB
	timeout time.Duration

	mu    sync.RWMutex
	cache map[string]int64 // "venue|code" → id
}

// New creates a registry. Call Warm before serving the hot path.
func New(db *sqlx.DB, timeout time.Duration) *Registry {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Registry{
		db:      db,
		timeout: timeout,
		cache:   make(map[string]int64),
	}
}

// Warm loads the full symbol table into the cache.
func (r *Registry) Warm(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	rows := []struct {
		ID     int64  `db:"id"`
		Venue  string `db:"venue"`
		Symbol string `db:"symbol"`
	}{}
	err := r.db.SelectContext(ctx, &rows, `SELECT id, venue, symbol FROM marketdata.symbols`)
	if err != nil {
		return fmt.Errorf("warm symbol cache: %w", err)
	}

	r.mu.Lock()
	for _, row := range rows {
		r.cache[cacheKey(row.Venue, row.Symbol)] = row.ID
	}
	size := len(r.cache)
	r.mu.Unlock()

	log.Info().Int("symbols", size).Msg("Symbol cache warmed")
	return nil
}

// Resolve returns the id for (venue, code), inserting the row when it
// is first observed. On store unavailability it fails fast; upstream
// buffering absorbs the pause.
func (r *Registry) Resolve(ctx context.Context, venue, code string) (int64, error) {
	key := cacheKey(venue, code)

	r.mu.RLock()
	id, ok := r.cache[key]
	r.mu.RUnlock()
	if ok {
		return id, nil
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	err := r.db.QueryRowxContext(ctx, `
		INSERT INTO marketdata.symbols (venue, symbol, instrument_class, is_active)
		VALUES ($1, $2, 'perpetual', true)
		ON CONFLICT (venue, symbol) DO UPDATE SET updated_at = now()
		RETURNING id`, venue, code).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("resolve symbol %s/%s: %w", venue, code, err)
	}

	r.mu.Lock()
	r.cache[key] = id
	r.mu.Unlock()

	log.Info().Str("venue", venue).Str("symbol", code).Int64("symbol_id", id).Msg("Registered new symbol")
	return id, nil
}

// EnsureAll preloads a configured symbol set so ingestion does not pay
// insert latency on first frames.
func (r *Registry) EnsureAll(ctx context.Context, codes []string) error {
	for _, code := range codes {
		if _, err := r.Resolve(ctx, Venue, code); err != nil {
			return err
		}
	}
	return nil
}

// UpdateMetadata stores instrument metadata fetched from the venue
// exchange-info endpoint.
func (r *Registry) UpdateMetadata(ctx context.Context, venue string, inst models.Symbol) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	_, err := r.db.ExecContext(ctx, `
		UPDATE marketdata.symbols
		SET instrument_class = $3, base_asset = $4, quote_asset = $5,
		    tick_size = $6, lot_size = $7, updated_at = now()
		WHERE venue = $1 AND symbol = $2`,
		venue, inst.Symbol, inst.InstrumentClass, inst.BaseAsset, inst.QuoteAsset,
		inst.TickSize, inst.LotSize)
	if err != nil {
		return fmt.Errorf("update symbol metadata %s/%s: %w", venue, inst.Symbol, err)
	}
	return nil
}

// ListActive returns active symbols in id order.
func (r *Registry) ListActive(ctx context.Context) ([]models.Symbol, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var out []models.Symbol
	err := r.db.SelectContext(ctx, &out, `
		SELECT id, venue, symbol, instrument_class,
		       COALESCE(base_asset, '') AS base_asset,
		       COALESCE(quote_asset, '') AS quote_asset,
		       is_active,
		       COALESCE(tick_size, 0) AS tick_size,
		       COALESCE(lot_size, 0) AS lot_size
		FROM marketdata.symbols
		WHERE is_active = true
		ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list active symbols: %w", err)
	}
	return out, nil
}

// Deactivate flags a symbol inactive. The id stays valid for history.
func (r *Registry) Deactivate(ctx context.Context, id int64) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx,
		`UPDATE marketdata.symbols SET is_active = false, updated_at = now() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("deactivate symbol %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("deactivate symbol %d: not found", id)
	}
	return nil
}

// CacheSize reports how many symbols are resolvable without a store
// round trip.
func (r *Registry) CacheSize() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.cache)
}

func cacheKey(venue, code string) string {
	return venue + "|" + code
}
