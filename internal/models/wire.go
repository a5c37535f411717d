package models

import (
	"encoding/json"
)

// Binance USDⓈ-M futures stream payloads. All price and quantity
// fields arrive as decimal strings and must be parsed, never consumed
// as floats off the wire.

// CombinedFrame is the wrapper used by /stream?streams= connections:
// {"stream":"btcusdt@bookTicker","data":{...}}.
type CombinedFrame struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

// WireBookTicker is a <symbol>@bookTicker frame.
type WireBookTicker struct {
	EventType string `json:"e"`
	EventTime int64  `json:"E"` // ms
	TradeTime int64  `json:"T"` // ms, transaction time
	Symbol    string `json:"s"`
	UpdateID  int64  `json:"u"`
	BidPrice  string `json:"b"`
	BidQty    string `json:"B"`
	AskPrice  string `json:"a"`
	AskQty    string `json:"A"`
}

// WireAggTrade is a <symbol>@aggTrade frame.
type WireAggTrade struct {
	EventType    string `json:"e"`
	EventTime    int64  `json:"E"`
	Symbol       string `json:"s"`
	AggTradeID   int64  `json:"a"`
	Price        string `json:"p"`
	Qty          string `json:"q"`
	FirstTradeID int64  `json:"f"`
	LastTradeID  int64  `json:"l"`
	TradeTime    int64  `json:"T"`
	IsBuyerMaker bool   `json:"m"`
}

// WireDepthUpdate is a <symbol>@depth@100ms frame.
type WireDepthUpdate struct {
	EventType         string     `json:"e"`
	EventTime         int64      `json:"E"`
	TransactionTime   int64      `json:"T"`
	Symbol            string     `json:"s"`
	FirstUpdateID     int64      `json:"U"`
	FinalUpdateID     int64      `json:"u"`
	PrevFinalUpdateID int64      `json:"pu"`
	Bids              [][]string `json:"b"`
	Asks              [][]string `json:"a"`
}

// WireMarkPrice is a <symbol>@markPrice@1s frame.
type WireMarkPrice struct {
	EventType       string `json:"e"`
	EventTime       int64  `json:"E"`
	Symbol          string `json:"s"`
	MarkPrice       string `json:"p"`
	IndexPrice      string `json:"i"`
	SettlePrice     string `json:"P"`
	FundingRate     string `json:"r"`
	NextFundingTime int64  `json:"T"`
}

// WireForceOrder is a <symbol>@forceOrder frame. The order object is
// nested under "o".
type WireForceOrder struct {
	EventType string `json:"e"`
	EventTime int64  `json:"E"`
	Order     struct {
		Symbol       string `json:"s"`
		Side         string `json:"S"`
		OrderType    string `json:"o"`
		TimeInForce  string `json:"f"`
		Qty          string `json:"q"`
		Price        string `json:"p"`
		AvgPrice     string `json:"ap"`
		OrderStatus  string `json:"X"`
		LastFilled   string `json:"l"`
		Filledtotal  string `json:"z"`
		TradeTime    int64  `json:"T"`
	} `json:"o"`
}

// WireDepthSnapshot is the REST /fapi/v1/depth response used by the
// resync flow.
type WireDepthSnapshot struct {
	LastUpdateID    int64      `json:"lastUpdateId"`
	EventTime       int64      `json:"E"`
	TransactionTime int64      `json:"T"`
	Bids            [][]string `json:"bids"`
	Asks            [][]string `json:"asks"`
}

// WireExchangeInfo is the subset of /fapi/v1/exchangeInfo consumed by
// the symbol registry warm-up.
type WireExchangeInfo struct {
	Symbols []WireInstrument `json:"symbols"`
}

// WireInstrument describes one tradable instrument.
type WireInstrument struct {
	Symbol       string `json:"symbol"`
	ContractType string `json:"contractType"`
	Status       string `json:"status"`
	BaseAsset    string `json:"baseAsset"`
	QuoteAsset   string `json:"quoteAsset"`
	Filters      []struct {
		FilterType string `json:"filterType"`
		TickSize   string `json:"tickSize"`
		StepSize   string `json:"stepSize"`
	} `json:"filters"`
}
