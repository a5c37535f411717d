package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/marketflow/collector/internal/models"
	"github.com/marketflow/collector/internal/registry"
	"github.com/marketflow/collector/internal/telemetry"
)

// SymbolResolver is the slice of the registry the normalizer needs.
type SymbolResolver interface {
	Resolve(ctx context.Context, venue, code string) (int64, error)
}

// Normalizer converts wire frames into internal records. It is
// stateless apart from the reject-warning limiter; invalid events are
// dropped and counted, never written.
type Normalizer struct {
	resolver SymbolResolver
	metrics  *telemetry.Metrics
	warnLim  *rate.Limiter
}

// NewNormalizer wires the resolver and metric sinks.
func NewNormalizer(resolver SymbolResolver, metrics *telemetry.Metrics) *Normalizer {
	return &Normalizer{
		resolver: resolver,
		metrics:  metrics,
		warnLim:  rate.NewLimiter(rate.Every(time.Second), 5),
	}
}

// Normalize decodes one frame from the named stream. A nil event with
// nil error means the frame was structurally valid but rejected by an
// invariant (counted, rate-limited warning).
func (n *Normalizer) Normalize(ctx context.Context, stream string, data []byte) (*models.Event, error) {
	channel := channelOf(stream)
	if !channel.Valid() {
		return nil, fmt.Errorf("ingest: unknown stream %q", stream)
	}

	ingest := time.Now().UTC()
	switch channel {
	case models.ChannelBookTicker:
		return n.normalizeBookTicker(ctx, data, ingest)
	case models.ChannelAggTrade:
		return n.normalizeAggTrade(ctx, data, ingest)
	case models.ChannelDepth:
		return n.normalizeDepth(ctx, data, ingest)
	case models.ChannelMarkPrice:
		return n.normalizeMarkPrice(ctx, data, ingest)
	case models.ChannelForceOrder:
		return n.normalizeForceOrder(ctx, data, ingest)
	}
	return nil, fmt.Errorf("ingest: unhandled channel %q", channel)
}

func (n *Normalizer) normalizeBookTicker(ctx context.Context, data []byte, ingest time.Time) (*models.Event, error) {
	var w models.WireBookTicker
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("ingest: decode bookTicker: %w", err)
	}
	if w.Symbol == "" {
		return n.reject(models.ChannelBookTicker, "missing_symbol", "bookTicker frame without symbol")
	}

	bid, err1 := strconv.ParseFloat(w.BidPrice, 64)
	ask, err2 := strconv.ParseFloat(w.AskPrice, 64)
	bidQty, err3 := strconv.ParseFloat(w.BidQty, 64)
	askQty, err4 := strconv.ParseFloat(w.AskQty, 64)
	if err1 != nil || err2 != nil || err3 != nil || err4 != nil {
		return n.reject(models.ChannelBookTicker, "bad_number", "bookTicker with unparsable prices")
	}
	if bid <= 0 || ask <= 0 {
		return n.reject(models.ChannelBookTicker, "non_positive_price", fmt.Sprintf("%s bid=%f ask=%f", w.Symbol, bid, ask))
	}
	if ask < bid {
		return n.reject(models.ChannelBookTicker, "inverted_book", fmt.Sprintf("%s bid=%f ask=%f", w.Symbol, bid, ask))
	}
	if bidQty < 0 || askQty < 0 {
		return n.reject(models.ChannelBookTicker, "negative_qty", w.Symbol)
	}

	symbolID, err := n.resolver.Resolve(ctx, registry.Venue, w.Symbol)
	if err != nil {
		return nil, err
	}

	n.metrics.EventsIngested.WithLabelValues(string(models.ChannelBookTicker)).Inc()
	return &models.Event{
		Channel:  models.ChannelBookTicker,
		SymbolID: symbolID,
		BookTicker: &models.BookTicker{
			SymbolID:   symbolID,
			TsExchange: msToTime(pickTime(w.EventTime, w.TradeTime)),
			TsIngest:   ingest,
			UpdateID:   w.UpdateID,
			BestBid:    bid,
			BestAsk:    ask,
			BidQty:     bidQty,
			AskQty:     askQty,
			Spread:     ask - bid,
			Mid:        (ask + bid) / 2,
		},
	}, nil
}

func (n *Normalizer) normalizeAggTrade(ctx context.Context, data []byte, ingest time.Time) (*models.Event, error) {
	var w models.WireAggTrade
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("ingest: decode aggTrade: %w", err)
	}
	if w.Symbol == "" {
		return n.reject(models.ChannelAggTrade, "missing_symbol", "aggTrade frame without symbol")
	}

	price, err1 := strconv.ParseFloat(w.Price, 64)
	qty, err2 := strconv.ParseFloat(w.Qty, 64)
	if err1 != nil || err2 != nil {
		return n.reject(models.ChannelAggTrade, "bad_number", w.Symbol)
	}
	if price <= 0 || qty <= 0 {
		return n.reject(models.ChannelAggTrade, "non_positive", fmt.Sprintf("%s price=%f qty=%f", w.Symbol, price, qty))
	}

	symbolID, err := n.resolver.Resolve(ctx, registry.Venue, w.Symbol)
	if err != nil {
		return nil, err
	}

	n.metrics.EventsIngested.WithLabelValues(string(models.ChannelAggTrade)).Inc()
	return &models.Event{
		Channel:  models.ChannelAggTrade,
		SymbolID: symbolID,
		Trade: &models.Trade{
			SymbolID:     symbolID,
			TsExchange:   msToTime(pickTime(w.TradeTime, w.EventTime)),
			TsIngest:     ingest,
			AggTradeID:   w.AggTradeID,
			Price:        price,
			Qty:          qty,
			IsBuyerMaker: w.IsBuyerMaker,
		},
	}, nil
}

func (n *Normalizer) normalizeDepth(ctx context.Context, data []byte, ingest time.Time) (*models.Event, error) {
	var w models.WireDepthUpdate
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("ingest: decode depth: %w", err)
	}
	if w.Symbol == "" || w.FinalUpdateID == 0 {
		return n.reject(models.ChannelDepth, "missing_fields", "depth frame without symbol or update ids")
	}

	symbolID, err := n.resolver.Resolve(ctx, registry.Venue, w.Symbol)
	if err != nil {
		return nil, err
	}

	n.metrics.EventsIngested.WithLabelValues(string(models.ChannelDepth)).Inc()
	return &models.Event{
		Channel:  models.ChannelDepth,
		SymbolID: symbolID,
		DepthDelta: &models.DepthDelta{
			SymbolID:          symbolID,
			TsExchange:        msToTime(pickTime(w.EventTime, w.TransactionTime)),
			TsIngest:          ingest,
			FirstUpdateID:     w.FirstUpdateID,
			FinalUpdateID:     w.FinalUpdateID,
			PrevFinalUpdateID: w.PrevFinalUpdateID,
			Bids:              toLevels(w.Bids),
			Asks:              toLevels(w.Asks),
		},
	}, nil
}

func (n *Normalizer) normalizeMarkPrice(ctx context.Context, data []byte, ingest time.Time) (*models.Event, error) {
	var w models.WireMarkPrice
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("ingest: decode markPrice: %w", err)
	}
	if w.Symbol == "" {
		return n.reject(models.ChannelMarkPrice, "missing_symbol", "markPrice frame without symbol")
	}

	mark, err1 := strconv.ParseFloat(w.MarkPrice, 64)
	if err1 != nil || mark <= 0 {
		return n.reject(models.ChannelMarkPrice, "non_positive_price", w.Symbol)
	}
	index, _ := strconv.ParseFloat(w.IndexPrice, 64)
	funding, _ := strconv.ParseFloat(w.FundingRate, 64)

	symbolID, err := n.resolver.Resolve(ctx, registry.Venue, w.Symbol)
	if err != nil {
		return nil, err
	}

	n.metrics.EventsIngested.WithLabelValues(string(models.ChannelMarkPrice)).Inc()
	return &models.Event{
		Channel:  models.ChannelMarkPrice,
		SymbolID: symbolID,
		MarkPrice: &models.MarkPrice{
			SymbolID:        symbolID,
			TsExchange:      msToTime(w.EventTime),
			TsIngest:        ingest,
			MarkPrice:       mark,
			IndexPrice:      index,
			FundingRate:     funding,
			NextFundingTime: msToTime(w.NextFundingTime),
		},
	}, nil
}

func (n *Normalizer) normalizeForceOrder(ctx context.Context, data []byte, ingest time.Time) (*models.Event, error) {
	var w models.WireForceOrder
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("ingest: decode forceOrder: %w", err)
	}
	if w.Order.Symbol == "" {
		return n.reject(models.ChannelForceOrder, "missing_symbol", "forceOrder frame without symbol")
	}

	price, err1 := strconv.ParseFloat(w.Order.AvgPrice, 64)
	if err1 != nil || price <= 0 {
		price, err1 = strconv.ParseFloat(w.Order.Price, 64)
	}
	qty, err2 := strconv.ParseFloat(w.Order.Qty, 64)
	if err1 != nil || err2 != nil || price <= 0 || qty <= 0 {
		return n.reject(models.ChannelForceOrder, "non_positive", w.Order.Symbol)
	}

	symbolID, err := n.resolver.Resolve(ctx, registry.Venue, w.Order.Symbol)
	if err != nil {
		return nil, err
	}

	n.metrics.EventsIngested.WithLabelValues(string(models.ChannelForceOrder)).Inc()
	return &models.Event{
		Channel:  models.ChannelForceOrder,
		SymbolID: symbolID,
		ForceOrder: &models.ForceOrder{
			SymbolID:   symbolID,
			TsExchange: msToTime(w.EventTime),
			TsIngest:   ingest,
			Side:       w.Order.Side,
			Price:      price,
			Qty:        qty,
			RawPayload: append([]byte(nil), data...),
		},
	}, nil
}

// reject counts a dropped event and logs a rate-limited warning.
func (n *Normalizer) reject(channel models.Channel, reason, detail string) (*models.Event, error) {
	n.metrics.EventsRejected.WithLabelValues(string(channel), reason).Inc()
	if n.warnLim.Allow() {
		log.Warn().Str("channel", string(channel)).Str("reason", reason).Str("detail", detail).
			Msg("Rejected invalid event")
	}
	return nil, nil
}

// channelOf maps a stream name like "btcusdt@depth@100ms" to its
// channel class.
func channelOf(stream string) models.Channel {
	at := strings.Index(stream, "@")
	if at < 0 {
		return models.Channel(stream)
	}
	rest := stream[at+1:]
	if i := strings.Index(rest, "@"); i >= 0 {
		rest = rest[:i]
	}
	if strings.HasPrefix(rest, "depth") {
		return models.ChannelDepth
	}
	return models.Channel(rest)
}

func toLevels(raw [][]string) []models.PriceLevel {
	out := make([]models.PriceLevel, 0, len(raw))
	for _, lv := range raw {
		if len(lv) < 2 {
			continue
		}
		out = append(out, models.PriceLevel{lv[0], lv[1]})
	}
	return out
}

func pickTime(primary, fallback int64) int64 {
	if primary > 0 {
		return primary
	}
	return fallback
}

func msToTime(ms int64) time.Time {
	if ms <= 0 {
		return time.Time{}
	}
	return time.Unix(ms/1000, (ms%1000)*int64(time.Millisecond)).UTC()
}
