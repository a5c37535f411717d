package models

import (
	"time"
)

// Channel identifies a venue stream class.
type Channel string

const (
	ChannelBookTicker Channel = "bookTicker"
	ChannelAggTrade   Channel = "aggTrade"
	ChannelDepth      Channel = "depth"
	ChannelMarkPrice  Channel = "markPrice"
	ChannelForceOrder Channel = "forceOrder"
)

// RawChannels lists every channel the collector knows how to ingest.
var RawChannels = []Channel{
	ChannelBookTicker, ChannelAggTrade, ChannelDepth, ChannelMarkPrice, ChannelForceOrder,
}

// Table returns the raw table a channel's events are written to.
func (c Channel) Table() string {
	switch c {
	case ChannelBookTicker:
		return "book_ticker"
	case ChannelAggTrade:
		return "trades"
	case ChannelDepth:
		return "depth_events"
	case ChannelMarkPrice:
		return "mark_price"
	case ChannelForceOrder:
		return "force_orders"
	}
	return ""
}

// Valid reports whether c is a recognized channel name.
func (c Channel) Valid() bool {
	return c.Table() != ""
}

// Event is the normalized record handed from the normalizer to the
// batch writer. Exactly one of the typed payload fields is set.
type Event struct {
	Channel    Channel
	SymbolID   int64
	BookTicker *BookTicker
	Trade      *Trade
	DepthDelta *DepthDelta
	MarkPrice  *MarkPrice
	ForceOrder *ForceOrder
}

// BookTicker is a top-of-book snapshot. Spread and Mid are derived at
// normalization time so every committed row satisfies spread=ask-bid
// and mid=(ask+bid)/2.
type BookTicker struct {
	SymbolID   int64     `db:"symbol_id"`
	TsExchange time.Time `db:"ts_exchange"`
	TsIngest   time.Time `db:"ts_ingest"`
	UpdateID   int64     `db:"update_id"`
	BestBid    float64   `db:"best_bid"`
	BestAsk    float64   `db:"best_ask"`
	BidQty     float64   `db:"bid_qty"`
	AskQty     float64   `db:"ask_qty"`
	Spread     float64   `db:"spread"`
	Mid        float64   `db:"mid"`
}

// Trade is a venue-aggregated trade. Unique by (symbol_id, agg_trade_id).
type Trade struct {
	SymbolID     int64     `db:"symbol_id"`
	TsExchange   time.Time `db:"ts_exchange"`
	TsIngest     time.Time `db:"ts_ingest"`
	AggTradeID   int64     `db:"agg_trade_id"`
	Price        float64   `db:"price"`
	Qty          float64   `db:"qty"`
	IsBuyerMaker bool      `db:"is_buyer_maker"`
}

// PriceLevel is one [price, qty] pair inside a depth delta. Values are
// kept as the venue's decimal strings for faithful reconstruction.
type PriceLevel [2]string

// DepthDelta is an incremental book update. The update-id chain
// invariant (FirstUpdateID == prev FinalUpdateID + 1) is enforced by
// the stream client; a broken chain triggers a snapshot resync.
type DepthDelta struct {
	SymbolID          int64
	TsExchange        time.Time
	TsIngest          time.Time
	FirstUpdateID     int64
	FinalUpdateID     int64
	PrevFinalUpdateID int64
	Bids              []PriceLevel
	Asks              []PriceLevel
}

// MarkPrice carries the 1s mark-price channel payload.
type MarkPrice struct {
	SymbolID        int64
	TsExchange      time.Time
	TsIngest        time.Time
	MarkPrice       float64
	IndexPrice      float64
	FundingRate     float64
	NextFundingTime time.Time
}

// ForceOrder is a liquidation order event. RawPayload preserves the
// venue frame verbatim.
type ForceOrder struct {
	SymbolID   int64
	TsExchange time.Time
	TsIngest   time.Time
	Side       string
	Price      float64
	Qty        float64
	RawPayload []byte
}

// Symbol is one row of the symbol registry.
type Symbol struct {
	ID              int64   `db:"id"`
	Venue           string  `db:"venue"`
	Symbol          string  `db:"symbol"`
	InstrumentClass string  `db:"instrument_class"`
	BaseAsset       string  `db:"base_asset"`
	QuoteAsset      string  `db:"quote_asset"`
	IsActive        bool    `db:"is_active"`
	TickSize        float64 `db:"tick_size"`
	LotSize         float64 `db:"lot_size"`
}
