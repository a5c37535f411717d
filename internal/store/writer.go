package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/lib/pq"
	"github.com/rs/zerolog/log"

	"github.com/marketflow/collector/internal/models"
	"github.com/marketflow/collector/internal/telemetry"
)

// BatchLimit is one table's flush policy.
type BatchLimit struct {
	Size   int
	MaxAge time.Duration
}

// Backpressure thresholds, expressed in multiples of the flush size.
const (
	highWaterFactor = 4
	hardCapFactor   = 16
)

// BatchWriter fans normalized events out to per-table writers. Each
// table has exactly one flusher task; handoff is a bounded channel so
// a slow store blocks the ingestion path instead of dropping events.
type BatchWriter struct {
	writers map[string]*tableWriter
	wg      sync.WaitGroup
}

// NewBatchWriter builds writers for every table in limits.
func NewBatchWriter(mgr *Manager, limits map[string]BatchLimit, bus *telemetry.Bus, metrics *telemetry.Metrics) *BatchWriter {
	bw := &BatchWriter{writers: make(map[string]*tableWriter, len(limits))}
	for table, lim := range limits {
		bw.writers[table] = newTableWriter(mgr, table, lim, bus, metrics)
	}
	return bw
}

// Start launches one flusher task per table.
func (bw *BatchWriter) Start(ctx context.Context) {
	for _, w := range bw.writers {
		bw.wg.Add(1)
		go func(w *tableWriter) {
			defer bw.wg.Done()
			w.run(ctx)
		}(w)
	}
}

// Enqueue hands an event to its table's writer. It blocks when the
// writer is at its hard cap; callers surface that as backpressure.
func (bw *BatchWriter) Enqueue(ctx context.Context, ev models.Event) error {
	w, ok := bw.writers[ev.Channel.Table()]
	if !ok {
		return fmt.Errorf("store: no writer for channel %q", ev.Channel)
	}
	select {
	case w.in <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Drain closes all inputs and waits for final flushes, bounded by the
// context deadline.
func (bw *BatchWriter) Drain(ctx context.Context) error {
	for _, w := range bw.writers {
		w.closeInput()
	}

	done := make(chan struct{})
	go func() {
		bw.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("store: drain deadline exceeded: %w", ctx.Err())
	}
}

// Depth reports the pending row count for a table, for status output.
func (bw *BatchWriter) Depth(table string) int {
	if w, ok := bw.writers[table]; ok {
		return len(w.in) + w.pendingLen()
	}
	return 0
}

type tableWriter struct {
	mgr     *Manager
	table   string
	limit   BatchLimit
	bus     *telemetry.Bus
	metrics *telemetry.Metrics

	in        chan models.Event
	closeOnce sync.Once

	mu       sync.Mutex
	pending  []models.Event
	lastSend time.Time

	consecutiveFailures int
	degraded            bool
}

func newTableWriter(mgr *Manager, table string, lim BatchLimit, bus *telemetry.Bus, metrics *telemetry.Metrics) *tableWriter {
	if lim.Size <= 0 {
		lim.Size = 500
	}
	if lim.MaxAge <= 0 {
		lim.MaxAge = 5 * time.Second
	}
	return &tableWriter{
		mgr:     mgr,
		table:   table,
		limit:   lim,
		bus:     bus,
		metrics: metrics,
		in:      make(chan models.Event, lim.Size*hardCapFactor),
	}
}

func (w *tableWriter) closeInput() {
	w.closeOnce.Do(func() { close(w.in) })
}

func (w *tableWriter) pendingLen() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.pending)
}

// run is the single flusher task for this table. Flush triggers: size
// threshold, age threshold, input close (final drain).
func (w *tableWriter) run(ctx context.Context) {
	tick := time.NewTicker(500 * time.Millisecond)
	defer tick.Stop()

	lastFlush := time.Now()
	for {
		select {
		case ev, ok := <-w.in:
			if !ok {
				w.flush(context.Background())
				return
			}
			w.mu.Lock()
			w.pending = append(w.pending, ev)
			n := len(w.pending)
			w.mu.Unlock()
			if n >= w.limit.Size {
				w.flush(ctx)
				lastFlush = time.Now()
			}

		case <-tick.C:
			w.mu.Lock()
			n := len(w.pending)
			w.mu.Unlock()
			if n > 0 && time.Since(lastFlush) >= w.limit.MaxAge {
				w.flush(ctx)
				lastFlush = time.Now()
			}
			w.metrics.BufferDepth.WithLabelValues(w.table).Set(float64(n + len(w.in)))

		case <-ctx.Done():
			// Controlled shutdown: keep consuming until the producer
			// side closes the input, then final-flush.
			w.drainRemaining()
			return
		}
	}
}

func (w *tableWriter) drainRemaining() {
	deadline := time.After(10 * time.Second)
	for {
		select {
		case ev, ok := <-w.in:
			if !ok {
				w.flush(context.Background())
				return
			}
			w.mu.Lock()
			w.pending = append(w.pending, ev)
			w.mu.Unlock()
		case <-deadline:
			lost := w.pendingLen() + len(w.in)
			if lost > 0 {
				w.bus.Emit(telemetry.KindBatchDropped, w.table, map[string]interface{}{"rows": lost})
				log.Error().Str("table", w.table).Int("rows", lost).Msg("Drain deadline hit, reporting dropped rows")
			}
			return
		}
	}
}

// flush commits the pending batch with bounded retries. Transient
// store errors keep the batch in memory; persistent constraint
// failures are bisected down to the poison rows.
func (w *tableWriter) flush(ctx context.Context) {
	w.mu.Lock()
	batch := w.pending
	w.pending = nil
	w.mu.Unlock()
	if len(batch) == 0 {
		return
	}

	start := time.Now()
	backoff := 500 * time.Millisecond
	for attempt := 0; attempt < 5; attempt++ {
		err := w.insert(ctx, batch)
		if err == nil {
			w.onFlushSuccess(len(batch), start)
			return
		}

		if isConstraintError(err) {
			quarantined := w.bisect(ctx, batch)
			w.onFlushSuccess(len(batch)-quarantined, start)
			return
		}

		w.consecutiveFailures++
		w.setDegraded(true)
		w.metrics.BatchFlushes.WithLabelValues(w.table, "retry").Inc()
		log.Warn().Err(err).Str("table", w.table).Int("attempt", attempt+1).
			Int("rows", len(batch)).Msg("Batch flush failed, backing off")

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			// Keep the batch for the final drain flush.
			w.requeue(batch)
			return
		}
		if backoff < 8*time.Second {
			backoff *= 2
		}
	}

	// Retry budget exhausted: keep rows buffered so a recovering store
	// can still commit them. Enqueue blocks once the channel fills.
	w.requeue(batch)
	w.metrics.BatchFlushes.WithLabelValues(w.table, "deferred").Inc()
}

func (w *tableWriter) requeue(batch []models.Event) {
	w.mu.Lock()
	w.pending = append(batch, w.pending...)
	w.mu.Unlock()
}

func (w *tableWriter) onFlushSuccess(rows int, start time.Time) {
	w.consecutiveFailures = 0
	w.setDegraded(false)
	w.metrics.BatchFlushes.WithLabelValues(w.table, "ok").Inc()
	w.metrics.BatchRowsFlushed.WithLabelValues(w.table).Add(float64(rows))
	w.metrics.FlushDuration.WithLabelValues(w.table).Observe(time.Since(start).Seconds())
	w.bus.Emit(telemetry.KindBatchFlush, w.table, map[string]interface{}{"rows": rows})
}

func (w *tableWriter) setDegraded(on bool) {
	if w.degraded == on {
		return
	}
	w.degraded = on
	if on {
		w.metrics.Degraded.Set(1)
	} else {
		w.metrics.Degraded.Set(0)
	}
	w.bus.Emit(telemetry.KindDegraded, w.table, map[string]interface{}{"degraded": on})
}

// bisect isolates poison rows: the batch is split until the smallest
// failing unit (one row) is found, quarantined and counted. Returns
// the number of quarantined rows.
func (w *tableWriter) bisect(ctx context.Context, batch []models.Event) int {
	if len(batch) == 1 {
		w.metrics.BatchQuarantined.WithLabelValues(w.table).Inc()
		w.bus.Emit(telemetry.KindBatchDropped, w.table, map[string]interface{}{"rows": 1, "reason": "quarantined"})
		log.Error().Str("table", w.table).Msg("Quarantined poison row")
		return 1
	}

	mid := len(batch) / 2
	total := 0
	for _, half := range [][]models.Event{batch[:mid], batch[mid:]} {
		if err := w.insert(ctx, half); err != nil {
			if isConstraintError(err) {
				total += w.bisect(ctx, half)
			} else {
				// Transient failure mid-bisection: requeue this half.
				w.requeue(half)
			}
		}
	}
	return total
}

// insert performs one bulk upsert with on-conflict-do-nothing.
func (w *tableWriter) insert(ctx context.Context, batch []models.Event) error {
	query, args, err := buildInsert(w.table, batch)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, w.mgr.QueryTimeout())
	defer cancel()

	_, err = w.mgr.DB().ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("store: insert %s batch of %d: %w", w.table, len(batch), err)
	}
	return nil
}

// isConstraintError reports a persistent row-level failure that
// retrying cannot fix (class 23, excluding the unique violations the
// ON CONFLICT clause already absorbs).
func isConstraintError(err error) bool {
	var pqErr *pq.Error
	for e := err; e != nil; {
		if pe, ok := e.(*pq.Error); ok {
			pqErr = pe
			break
		}
		unwrapper, ok := e.(interface{ Unwrap() error })
		if !ok {
			break
		}
		e = unwrapper.Unwrap()
	}
	if pqErr == nil {
		return false
	}
	return strings.HasPrefix(string(pqErr.Code), "23")
}

// buildInsert renders the multi-row VALUES statement for a table.
func buildInsert(table string, batch []models.Event) (string, []interface{}, error) {
	switch table {
	case "book_ticker":
		return buildRows(batch, `INSERT INTO marketdata.book_ticker
			(ts_exchange, ts_ingest, symbol_id, update_id, best_bid, best_ask, bid_qty, ask_qty, spread, mid)`,
			`ON CONFLICT (symbol_id, ts_exchange, update_id) DO NOTHING`,
			func(ev models.Event) ([]interface{}, error) {
				bt := ev.BookTicker
				if bt == nil {
					return nil, fmt.Errorf("store: event for book_ticker has no payload")
				}
				return []interface{}{bt.TsExchange, bt.TsIngest, bt.SymbolID, bt.UpdateID,
					bt.BestBid, bt.BestAsk, bt.BidQty, bt.AskQty, bt.Spread, bt.Mid}, nil
			})

	case "trades":
		return buildRows(batch, `INSERT INTO marketdata.trades
			(ts_exchange, ts_ingest, symbol_id, agg_trade_id, price, qty, is_buyer_maker)`,
			`ON CONFLICT (symbol_id, agg_trade_id, ts_exchange) DO NOTHING`,
			func(ev models.Event) ([]interface{}, error) {
				tr := ev.Trade
				if tr == nil {
					return nil, fmt.Errorf("store: event for trades has no payload")
				}
				return []interface{}{tr.TsExchange, tr.TsIngest, tr.SymbolID, tr.AggTradeID,
					tr.Price, tr.Qty, tr.IsBuyerMaker}, nil
			})

	case "depth_events":
		return buildRows(batch, `INSERT INTO marketdata.depth_events
			(ts_exchange, ts_ingest, symbol_id, first_update_id, final_update_id, prev_final_update_id, bids, asks)`,
			`ON CONFLICT (symbol_id, ts_exchange, final_update_id) DO NOTHING`,
			func(ev models.Event) ([]interface{}, error) {
				d := ev.DepthDelta
				if d == nil {
					return nil, fmt.Errorf("store: event for depth_events has no payload")
				}
				bids, err := json.Marshal(d.Bids)
				if err != nil {
					return nil, fmt.Errorf("store: marshal bids: %w", err)
				}
				asks, err := json.Marshal(d.Asks)
				if err != nil {
					return nil, fmt.Errorf("store: marshal asks: %w", err)
				}
				return []interface{}{d.TsExchange, d.TsIngest, d.SymbolID,
					d.FirstUpdateID, d.FinalUpdateID, d.PrevFinalUpdateID, bids, asks}, nil
			})

	case "mark_price":
		return buildRows(batch, `INSERT INTO marketdata.mark_price
			(ts_exchange, ts_ingest, symbol_id, mark_price, index_price, funding_rate, next_funding_time)`,
			`ON CONFLICT (symbol_id, ts_exchange) DO NOTHING`,
			func(ev models.Event) ([]interface{}, error) {
				mp := ev.MarkPrice
				if mp == nil {
					return nil, fmt.Errorf("store: event for mark_price has no payload")
				}
				return []interface{}{mp.TsExchange, mp.TsIngest, mp.SymbolID,
					mp.MarkPrice, mp.IndexPrice, mp.FundingRate, mp.NextFundingTime}, nil
			})

	case "force_orders":
		return buildRows(batch, `INSERT INTO marketdata.force_orders
			(ts_exchange, ts_ingest, symbol_id, side, price, qty, raw_payload)`,
			`ON CONFLICT (symbol_id, ts_exchange, side, price, qty) DO NOTHING`,
			func(ev models.Event) ([]interface{}, error) {
				fo := ev.ForceOrder
				if fo == nil {
					return nil, fmt.Errorf("store: event for force_orders has no payload")
				}
				return []interface{}{fo.TsExchange, fo.TsIngest, fo.SymbolID,
					fo.Side, fo.Price, fo.Qty, fo.RawPayload}, nil
			})
	}
	return "", nil, fmt.Errorf("store: unknown table %q", table)
}

func buildRows(batch []models.Event, insertHead, conflictTail string, encode func(models.Event) ([]interface{}, error)) (string, []interface{}, error) {
	if len(batch) == 0 {
		return "", nil, fmt.Errorf("store: empty batch")
	}

	var sb strings.Builder
	sb.WriteString(insertHead)
	sb.WriteString(" VALUES ")

	args := make([]interface{}, 0, len(batch)*8)
	placeholder := 1
	for i, ev := range batch {
		row, err := encode(ev)
		if err != nil {
			return "", nil, err
		}
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteByte('(')
		for j := range row {
			if j > 0 {
				sb.WriteString(", ")
			}
			fmt.Fprintf(&sb, "$%d", placeholder)
			placeholder++
		}
		sb.WriteByte(')')
		args = append(args, row...)
	}
	sb.WriteByte(' ')
	sb.WriteString(conflictTail)
	return sb.String(), args, nil
}
