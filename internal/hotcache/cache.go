// Package hotcache mirrors the latest tick per symbol into Redis so
// dashboards and downstream consumers can read live state without
// touching the database.
package hotcache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/marketflow/collector/internal/models"
)

const keyPrefix = "md:last:"

// Cache is a last-value store keyed by symbol. A nil *Cache is a valid
// no-op, used when no Redis URL is configured.
type Cache struct {
	client *redis.Client
	ttl    time.Duration
}

// Tick is the cached payload for one symbol.
type Tick struct {
	Symbol     string    `json:"symbol"`
	BestBid    float64   `json:"best_bid"`
	BestAsk    float64   `json:"best_ask"`
	Mid        float64   `json:"mid"`
	Spread     float64   `json:"spread"`
	LastPrice  float64   `json:"last_price,omitempty"`
	LastQty    float64   `json:"last_qty,omitempty"`
	TsExchange time.Time `json:"ts_exchange"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// New connects to Redis and verifies the connection. An empty URL
// returns (nil, nil): hot caching disabled.
func New(ctx context.Context, redisURL string, ttl time.Duration) (*Cache, error) {
	if redisURL == "" {
		return nil, nil
	}
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("hotcache: parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("hotcache: ping: %w", err)
	}

	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	log.Info().Str("addr", opts.Addr).Dur("ttl", ttl).Msg("Hot cache connected")
	return &Cache{client: client, ttl: ttl}, nil
}

// NewFromClient wraps an existing client, used by tests.
func NewFromClient(client *redis.Client, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Cache{client: client, ttl: ttl}
}

// UpdateBook refreshes the quote fields of a symbol's tick. Failures
// are swallowed after logging: the cache is advisory and must never
// stall the hot path.
func (c *Cache) UpdateBook(ctx context.Context, symbol string, bt *models.BookTicker) {
	if c == nil || bt == nil {
		return
	}
	tick := Tick{
		Symbol:     symbol,
		BestBid:    bt.BestBid,
		BestAsk:    bt.BestAsk,
		Mid:        bt.Mid,
		Spread:     bt.Spread,
		TsExchange: bt.TsExchange,
		UpdatedAt:  time.Now().UTC(),
	}
	if prev, err := c.Last(ctx, symbol); err == nil && prev != nil {
		tick.LastPrice = prev.LastPrice
		tick.LastQty = prev.LastQty
	}
	c.set(ctx, symbol, tick)
}

// UpdateTrade refreshes the last-trade fields, keeping cached quotes.
func (c *Cache) UpdateTrade(ctx context.Context, symbol string, tr *models.Trade) {
	if c == nil || tr == nil {
		return
	}
	tick := Tick{Symbol: symbol, LastPrice: tr.Price, LastQty: tr.Qty,
		TsExchange: tr.TsExchange, UpdatedAt: time.Now().UTC()}
	if prev, err := c.Last(ctx, symbol); err == nil && prev != nil {
		tick.BestBid = prev.BestBid
		tick.BestAsk = prev.BestAsk
		tick.Mid = prev.Mid
		tick.Spread = prev.Spread
	}
	c.set(ctx, symbol, tick)
}

// Last returns the cached tick for a symbol, or nil when absent.
func (c *Cache) Last(ctx context.Context, symbol string) (*Tick, error) {
	if c == nil {
		return nil, nil
	}
	raw, err := c.client.Get(ctx, keyPrefix+symbol).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("hotcache: get %s: %w", symbol, err)
	}
	var tick Tick
	if err := json.Unmarshal(raw, &tick); err != nil {
		return nil, fmt.Errorf("hotcache: decode %s: %w", symbol, err)
	}
	return &tick, nil
}

// Close releases the connection. Safe on a nil cache.
func (c *Cache) Close() error {
	if c == nil {
		return nil
	}
	return c.client.Close()
}

func (c *Cache) set(ctx context.Context, symbol string, tick Tick) {
	raw, err := json.Marshal(tick)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, keyPrefix+symbol, string(raw), c.ttl).Err(); err != nil {
		log.Debug().Err(err).Str("symbol", symbol).Msg("Hot cache write failed")
	}
}
