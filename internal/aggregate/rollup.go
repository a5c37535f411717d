// Package aggregate maintains the per-second rollup tables and the
// trailing 24h flat grid derived from the raw event tables.
package aggregate

import (
	"sort"
	"time"

	"github.com/marketflow/collector/internal/models"
)

// BookSecond is one closed second of best bid/offer activity.
type BookSecond struct {
	SymbolID    int64     `db:"symbol_id"`
	TsSecond    time.Time `db:"ts_second"`
	MidOpen     float64   `db:"mid_open"`
	MidHigh     float64   `db:"mid_high"`
	MidLow      float64   `db:"mid_low"`
	MidClose    float64   `db:"mid_close"`
	SpreadAvg   float64   `db:"spread_avg"`
	SpreadMax   float64   `db:"spread_max"`
	UpdateCount int64     `db:"update_count"`
	VwMid       *float64  `db:"vw_mid"`
}

// TradeSecond is one closed second of trade activity.
type TradeSecond struct {
	SymbolID   int64     `db:"symbol_id"`
	TsSecond   time.Time `db:"ts_second"`
	TradeCount int64     `db:"trade_count"`
	VolumeSum  float64   `db:"volume_sum"`
	ValueSum   float64   `db:"value_sum"`
	VWAP       *float64  `db:"vwap"`
	BuyCount   int64     `db:"buy_count"`
	SellCount  int64     `db:"sell_count"`
	BuyVolume  float64   `db:"buy_volume"`
	SellVolume float64   `db:"sell_volume"`
	PriceMin   float64   `db:"price_min"`
	PriceMax   float64   `db:"price_max"`
	Imbalance  *float64  `db:"imbalance"`
}

// RollupBook buckets ticks into seconds. Open is the earliest tick of
// the bucket and close the latest; ticks sharing a timestamp are
// ordered by update id, and equal ids keep their arrival order.
func RollupBook(ticks []models.BookTicker) []BookSecond {
	if len(ticks) == 0 {
		return nil
	}

	ordered := make([]models.BookTicker, len(ticks))
	copy(ordered, ticks)
	sort.SliceStable(ordered, func(i, j int) bool {
		a, b := ordered[i], ordered[j]
		if a.SymbolID != b.SymbolID {
			return a.SymbolID < b.SymbolID
		}
		if !a.TsExchange.Equal(b.TsExchange) {
			return a.TsExchange.Before(b.TsExchange)
		}
		return a.UpdateID < b.UpdateID
	})

	var out []BookSecond
	var cur *BookSecond
	var weighted, weight float64

	flush := func() {
		if cur == nil {
			return
		}
		cur.SpreadAvg /= float64(cur.UpdateCount)
		if weight > 0 {
			vw := weighted / weight
			cur.VwMid = &vw
		}
		out = append(out, *cur)
		cur, weighted, weight = nil, 0, 0
	}

	for _, t := range ordered {
		bucket := t.TsExchange.Truncate(time.Second)
		if cur == nil || cur.SymbolID != t.SymbolID || !cur.TsSecond.Equal(bucket) {
			flush()
			cur = &BookSecond{
				SymbolID: t.SymbolID,
				TsSecond: bucket,
				MidOpen:  t.Mid,
				MidHigh:  t.Mid,
				MidLow:   t.Mid,
			}
		}
		cur.MidClose = t.Mid
		if t.Mid > cur.MidHigh {
			cur.MidHigh = t.Mid
		}
		if t.Mid < cur.MidLow {
			cur.MidLow = t.Mid
		}
		cur.SpreadAvg += t.Spread
		if t.Spread > cur.SpreadMax {
			cur.SpreadMax = t.Spread
		}
		cur.UpdateCount++
		if w := t.BidQty + t.AskQty; w > 0 {
			weighted += t.Mid * w
			weight += w
		}
	}
	flush()
	return out
}

// RollupTrades buckets trades into seconds. A trade where the buyer was
// the maker had an aggressive seller, so it counts on the sell side.
func RollupTrades(trades []models.Trade) []TradeSecond {
	if len(trades) == 0 {
		return nil
	}

	ordered := make([]models.Trade, len(trades))
	copy(ordered, trades)
	sort.SliceStable(ordered, func(i, j int) bool {
		a, b := ordered[i], ordered[j]
		if a.SymbolID != b.SymbolID {
			return a.SymbolID < b.SymbolID
		}
		if !a.TsExchange.Equal(b.TsExchange) {
			return a.TsExchange.Before(b.TsExchange)
		}
		return a.AggTradeID < b.AggTradeID
	})

	var out []TradeSecond
	var cur *TradeSecond

	flush := func() {
		if cur == nil {
			return
		}
		if cur.VolumeSum > 0 {
			vwap := cur.ValueSum / cur.VolumeSum
			cur.VWAP = &vwap
			imb := (cur.BuyVolume - cur.SellVolume) / cur.VolumeSum
			cur.Imbalance = &imb
		}
		out = append(out, *cur)
		cur = nil
	}

	for _, t := range ordered {
		bucket := t.TsExchange.Truncate(time.Second)
		if cur == nil || cur.SymbolID != t.SymbolID || !cur.TsSecond.Equal(bucket) {
			flush()
			cur = &TradeSecond{
				SymbolID: t.SymbolID,
				TsSecond: bucket,
				PriceMin: t.Price,
				PriceMax: t.Price,
			}
		}
		cur.TradeCount++
		cur.VolumeSum += t.Qty
		cur.ValueSum += t.Price * t.Qty
		if t.IsBuyerMaker {
			cur.SellCount++
			cur.SellVolume += t.Qty
		} else {
			cur.BuyCount++
			cur.BuyVolume += t.Qty
		}
		if t.Price < cur.PriceMin {
			cur.PriceMin = t.Price
		}
		if t.Price > cur.PriceMax {
			cur.PriceMax = t.Price
		}
	}
	flush()
	return out
}
