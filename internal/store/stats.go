package store

import (
	"context"
	"fmt"
	"time"
)

// SymbolStats is one symbol's activity over a window.
type SymbolStats struct {
	Symbol     string     `db:"symbol" json:"symbol"`
	BookTicks  int64      `db:"book_ticks" json:"book_ticks"`
	Trades     int64      `db:"trades" json:"trades"`
	LastUpdate *time.Time `db:"last_update" json:"last_update,omitempty"`
}

// DBStats is the control plane's database statistics payload.
type DBStats struct {
	TotalBookTicker int64         `json:"total_book_ticker"`
	TotalTrades     int64         `json:"total_trades"`
	TotalDepth      int64         `json:"total_depth"`
	LastMinute      []SymbolStats `json:"last_minute"`
	LastHour        []SymbolStats `json:"last_hour"`
	GeneratedAt     time.Time     `json:"generated_at"`
}

// Stats collects per-symbol counts and last-seen timestamps over the
// 1-minute and 1-hour windows.
func (m *Manager) Stats(ctx context.Context) (*DBStats, error) {
	ctx, cancel := context.WithTimeout(ctx, m.QueryTimeout())
	defer cancel()

	out := &DBStats{GeneratedAt: time.Now().UTC()}

	totals := []struct {
		query string
		dest  *int64
	}{
		{`SELECT count(*) FROM marketdata.book_ticker`, &out.TotalBookTicker},
		{`SELECT count(*) FROM marketdata.trades`, &out.TotalTrades},
		{`SELECT count(*) FROM marketdata.depth_events`, &out.TotalDepth},
	}
	for _, t := range totals {
		if err := m.db.QueryRowxContext(ctx, t.query).Scan(t.dest); err != nil {
			return nil, fmt.Errorf("store: stats totals: %w", err)
		}
	}

	var err error
	if out.LastMinute, err = m.windowStats(ctx, time.Minute); err != nil {
		return nil, err
	}
	if out.LastHour, err = m.windowStats(ctx, time.Hour); err != nil {
		return nil, err
	}
	return out, nil
}

func (m *Manager) windowStats(ctx context.Context, window time.Duration) ([]SymbolStats, error) {
	query := `
		SELECT s.symbol,
		       count(bt.*) AS book_ticks,
		       (SELECT count(*) FROM marketdata.trades t
		        WHERE t.symbol_id = s.id AND t.ts_exchange > now() - make_interval(secs => $1)) AS trades,
		       max(bt.ts_exchange) AS last_update
		FROM marketdata.symbols s
		JOIN marketdata.book_ticker bt
		  ON bt.symbol_id = s.id AND bt.ts_exchange > now() - make_interval(secs => $1)
		WHERE s.is_active = true
		GROUP BY s.id, s.symbol
		ORDER BY last_update DESC`

	var rows []SymbolStats
	if err := m.db.SelectContext(ctx, &rows, query, window.Seconds()); err != nil {
		return nil, fmt.Errorf("store: window stats (%s): %w", window, err)
	}
	return rows, nil
}
