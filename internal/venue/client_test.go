package venue

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDepthSnapshot(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/fapi/v1/depth", r.URL.Path)
		assert.Equal(t, "BTCUSDT", r.URL.Query().Get("symbol"))
		assert.Equal(t, "1000", r.URL.Query().Get("limit"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"lastUpdateId":123456,
			"bids":[["35000.10","1.5"]],"asks":[["35000.20","2.0"]]}`))
	}))
	defer ts.Close()

	c := NewClient(ts.URL)
	snap, err := c.DepthSnapshot(context.Background(), "BTCUSDT", 1000)
	require.NoError(t, err)
	assert.Equal(t, int64(123456), snap.LastUpdateID)
	require.Len(t, snap.Bids, 1)
	require.Len(t, snap.Asks, 1)
}

func TestDepthSnapshotVenueError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		_, _ = w.Write([]byte(`{"code":-1121,"msg":"Invalid symbol."}`))
	}))
	defer ts.Close()

	c := NewClient(ts.URL)
	_, err := c.DepthSnapshot(context.Background(), "NOPEUSDT", 1000)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "418")
}

func TestExchangeInfoFiltersAndParses(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/fapi/v1/exchangeInfo", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"symbols":[
			{"symbol":"BTCUSDT","status":"TRADING","contractType":"PERPETUAL",
			 "baseAsset":"BTC","quoteAsset":"USDT",
			 "filters":[{"filterType":"PRICE_FILTER","tickSize":"0.10"},
			            {"filterType":"LOT_SIZE","stepSize":"0.001"}]},
			{"symbol":"DEADUSDT","status":"DELISTED","contractType":"PERPETUAL",
			 "baseAsset":"DEAD","quoteAsset":"USDT","filters":[]}
		]}`))
	}))
	defer ts.Close()

	c := NewClient(ts.URL)
	instruments, err := c.ExchangeInfo(context.Background())
	require.NoError(t, err)
	require.Len(t, instruments, 1, "non-trading instruments are dropped")

	inst := instruments[0]
	assert.Equal(t, "BTCUSDT", inst.Symbol)
	assert.Equal(t, "perpetual", inst.InstrumentClass)
	assert.Equal(t, "BTC", inst.BaseAsset)
	assert.Equal(t, 0.10, inst.TickSize)
	assert.Equal(t, 0.001, inst.LotSize)
	assert.True(t, inst.IsActive)
}
