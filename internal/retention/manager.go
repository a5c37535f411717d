// Package retention enforces per-table age policies: chunk compression
// and dropping on TimescaleDB, DELETE-based pruning on plain Postgres.
package retention

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/marketflow/collector/internal/config"
	"github.com/marketflow/collector/internal/store"
	"github.com/marketflow/collector/internal/telemetry"
)

// timeColumns maps each managed table to its partitioning column.
var timeColumns = map[string]string{
	"book_ticker":  "ts_exchange",
	"trades":       "ts_exchange",
	"depth_events": "ts_exchange",
	"mark_price":   "ts_exchange",
	"force_orders": "ts_exchange",
	"bt_1s":        "ts_second",
	"trade_1s":     "ts_second",
}

// Manager runs the retention sweep on an interval. A table is never
// worked by two sweeps at once; a sweep that overruns the interval
// simply delays the next one.
type Manager struct {
	store   *store.Manager
	cfg     config.RetentionConfig
	metrics *telemetry.Metrics
	bus     *telemetry.Bus

	mu      sync.Mutex
	running map[string]bool
}

// NewManager builds a retention manager over the shared store.
func NewManager(st *store.Manager, cfg config.RetentionConfig, metrics *telemetry.Metrics, bus *telemetry.Bus) *Manager {
	return &Manager{
		store:   st,
		cfg:     cfg,
		metrics: metrics,
		bus:     bus,
		running: make(map[string]bool),
	}
}

// Run sweeps on the configured interval until ctx is cancelled. The
// first sweep runs one interval after startup so ingestion settles
// first.
func (m *Manager) Run(ctx context.Context) {
	interval := m.cfg.Interval
	if interval <= 0 {
		interval = time.Hour
	}
	tick := time.NewTicker(interval)
	defer tick.Stop()

	log.Info().Dur("interval", interval).Int("tables", len(m.cfg.Policies)).Msg("Retention manager started")

	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			m.Sweep(ctx)
		}
	}
}

// Sweep applies every configured policy once. Per-table failures are
// reported and do not stop the remaining tables.
func (m *Manager) Sweep(ctx context.Context) {
	timescale := m.store.HasTimescale(ctx)

	for table, policy := range m.cfg.Policies {
		if _, ok := timeColumns[table]; !ok {
			log.Warn().Str("table", table).Msg("Retention policy for unknown table, skipped")
			continue
		}
		if !m.acquire(table) {
			log.Warn().Str("table", table).Msg("Retention already running for table, skipped")
			continue
		}
		if err := m.sweepTable(ctx, table, policy, timescale); err != nil && ctx.Err() == nil {
			log.Error().Err(err).Str("table", table).Msg("Retention sweep failed")
			m.bus.Emit(telemetry.KindRetention, table, map[string]interface{}{"error": err.Error()})
		}
		m.release(table)
	}
}

func (m *Manager) sweepTable(ctx context.Context, table string, policy config.TablePolicy, timescale bool) error {
	if policy.CompressAfter > 0 {
		result := "ok"
		if err := m.compress(ctx, table, policy.CompressAfter, timescale); err != nil {
			result = "error"
			m.metrics.RetentionRuns.WithLabelValues(table, "compress", result).Inc()
			return err
		}
		m.metrics.RetentionRuns.WithLabelValues(table, "compress", result).Inc()
	}

	if policy.DropAfter > 0 {
		result := "ok"
		dropped, err := m.drop(ctx, table, policy.DropAfter, timescale)
		if err != nil {
			result = "error"
			m.metrics.RetentionRuns.WithLabelValues(table, "drop", result).Inc()
			return err
		}
		m.metrics.RetentionRuns.WithLabelValues(table, "drop", result).Inc()
		if dropped > 0 {
			m.bus.Emit(telemetry.KindRetention, table, map[string]interface{}{
				"policy": "drop", "rows_or_chunks": dropped,
			})
			log.Info().Str("table", table).Int64("removed", dropped).
				Dur("older_than", policy.DropAfter).Msg("Retention drop applied")
		}
	}
	return nil
}

// compress squeezes chunks older than the threshold. Without
// TimescaleDB compression is a no-op; raw rows simply live until the
// drop policy removes them.
func (m *Manager) compress(ctx context.Context, table string, after time.Duration, timescale bool) error {
	if !timescale {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()

	query := `
		SELECT coalesce(count(compress_chunk(c.chunk_schema || '.' || c.chunk_name)), 0)
		FROM timescaledb_information.chunks c
		WHERE c.hypertable_schema = 'marketdata'
		  AND c.hypertable_name = $1
		  AND c.range_end < now() - make_interval(secs => $2)
		  AND NOT c.is_compressed`

	var compressed int64
	if err := m.store.DB().QueryRowxContext(ctx, query, table, after.Seconds()).Scan(&compressed); err != nil {
		return fmt.Errorf("retention: compress %s: %w", table, err)
	}
	if compressed > 0 {
		log.Info().Str("table", table).Int64("chunks", compressed).Msg("Chunks compressed")
	}
	return nil
}

// drop removes data older than the threshold: whole chunks under
// TimescaleDB, plain DELETE otherwise.
func (m *Manager) drop(ctx context.Context, table string, after time.Duration, timescale bool) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()

	if timescale {
		var dropped int64
		query := `SELECT coalesce(count(*), 0) FROM drop_chunks('marketdata.' || $1::text, older_than => now() - make_interval(secs => $2))`
		if err := m.store.DB().QueryRowxContext(ctx, query, table, after.Seconds()).Scan(&dropped); err != nil {
			return 0, fmt.Errorf("retention: drop chunks %s: %w", table, err)
		}
		return dropped, nil
	}

	query := fmt.Sprintf(`DELETE FROM marketdata.%s WHERE %s < now() - make_interval(secs => $1)`,
		table, timeColumns[table])
	res, err := m.store.DB().ExecContext(ctx, query, after.Seconds())
	if err != nil {
		return 0, fmt.Errorf("retention: delete %s: %w", table, err)
	}
	rows, _ := res.RowsAffected()
	return rows, nil
}

func (m *Manager) acquire(table string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running[table] {
		return false
	}
	m.running[table] = true
	return true
}

func (m *Manager) release(table string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.running, table)
}
