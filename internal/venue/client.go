// Package venue wraps the exchange REST surface the collector needs:
// instrument metadata and the depth snapshot used by the resync flow.
package venue

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/marketflow/collector/internal/models"
)

// Client is a read-only REST client for Binance USDⓈ-M futures.
type Client struct {
	http    *resty.Client
	limiter *rate.Limiter
}

// NewClient builds a client against baseURL (e.g. https://fapi.binance.com).
// Snapshot calls are paced to stay inside the venue weight budget even
// when many symbols break their delta chains at once.
func NewClient(baseURL string) *Client {
	httpClient := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(10 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(500 * time.Millisecond).
		SetHeader("User-Agent", "marketflow-collector/1.0")

	return &Client{
		http:    httpClient,
		limiter: rate.NewLimiter(rate.Every(200*time.Millisecond), 5),
	}
}

// DepthSnapshot fetches an order-book snapshot for the resync flow.
// Deltas with final_update_id <= LastUpdateID must be discarded by the
// caller.
func (c *Client) DepthSnapshot(ctx context.Context, symbol string, limit int) (*models.WireDepthSnapshot, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("depth snapshot rate wait: %w", err)
	}

	var snap models.WireDepthSnapshot
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"symbol": symbol,
			"limit":  strconv.Itoa(limit),
		}).
		SetResult(&snap).
		Get("/fapi/v1/depth")
	if err != nil {
		return nil, fmt.Errorf("depth snapshot %s: %w", symbol, err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("depth snapshot %s: venue returned %d: %s", symbol, resp.StatusCode(), resp.String())
	}

	log.Debug().Str("symbol", symbol).Int64("last_update_id", snap.LastUpdateID).Msg("Fetched depth snapshot")
	return &snap, nil
}

// ExchangeInfo fetches instrument metadata for the registry warm-up.
func (c *Client) ExchangeInfo(ctx context.Context) ([]models.Symbol, error) {
	var info models.WireExchangeInfo
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&info).
		Get("/fapi/v1/exchangeInfo")
	if err != nil {
		return nil, fmt.Errorf("exchange info: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("exchange info: venue returned %d", resp.StatusCode())
	}

	out := make([]models.Symbol, 0, len(info.Symbols))
	for _, inst := range info.Symbols {
		if inst.Status != "TRADING" {
			continue
		}
		sym := models.Symbol{
			Symbol:          inst.Symbol,
			InstrumentClass: instrumentClass(inst.ContractType),
			BaseAsset:       inst.BaseAsset,
			QuoteAsset:      inst.QuoteAsset,
			IsActive:        true,
		}
		for _, f := range inst.Filters {
			switch f.FilterType {
			case "PRICE_FILTER":
				sym.TickSize, _ = strconv.ParseFloat(f.TickSize, 64)
			case "LOT_SIZE":
				sym.LotSize, _ = strconv.ParseFloat(f.StepSize, 64)
			}
		}
		out = append(out, sym)
	}
	return out, nil
}

func instrumentClass(contractType string) string {
	switch contractType {
	case "PERPETUAL":
		return "perpetual"
	case "":
		return "spot"
	default:
		return "delivery"
	}
}
