package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marketflow/collector/internal/models"
)

func validBase(t *testing.T) {
	t.Helper()
	t.Setenv("DATABASE_URL", "postgres://localhost/marketdata?sslmode=disable")
}

func TestDefaultsAreValidWithDatabaseURL(t *testing.T) {
	validBase(t)
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "https://fapi.binance.com", cfg.VenueRESTBase)
	assert.Equal(t, "wss://fstream.binance.com", cfg.VenueWSBase)
	assert.GreaterOrEqual(t, len(cfg.Symbols), 150)
	assert.Equal(t, 1000, cfg.Batch["book_ticker"].Size)
	assert.Equal(t, 5*time.Second, cfg.Batch["book_ticker"].MaxAge)
	assert.Equal(t, 500, cfg.Batch["trades"].Size)
	assert.Equal(t, 100, cfg.Batch["depth_events"].Size)
	assert.Equal(t, 24, cfg.Shards.MaxConnections)
}

func TestLoadFailsWithoutDatabaseURL(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	_, err := Load("")
	assert.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	validBase(t)
	t.Setenv("SYMBOLS", "BTCUSDT, ETHUSDT")
	t.Setenv("CHANNELS", "markPrice")
	t.Setenv("SHARDS", "8")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("MONITORING_PORT", "9090")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, []string{"BTCUSDT", "ETHUSDT"}, cfg.Symbols)
	assert.True(t, cfg.Channels.MarkPrice)
	assert.False(t, cfg.Channels.ForceOrder)
	assert.Equal(t, 8, cfg.Shards.MaxConnections)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 9090, cfg.MonitoringPort)
}

func TestYAMLFileOverlay(t *testing.T) {
	validBase(t)
	path := filepath.Join(t.TempDir(), "collector.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
symbols: [BTCUSDT]
channels:
  mark_price: false
  force_order: false
batch:
  book_ticker: {size: 250, max_age: 1s}
  trades: {size: 500, max_age: 3s}
  depth_events: {size: 100, max_age: 2s}
  mark_price: {size: 200, max_age: 5s}
  force_orders: {size: 50, max_age: 5s}
monitoring_port: 7000
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"BTCUSDT"}, cfg.Symbols)
	assert.Equal(t, 250, cfg.Batch["book_ticker"].Size)
	assert.Equal(t, time.Second, cfg.Batch["book_ticker"].MaxAge)
	assert.Equal(t, 7000, cfg.MonitoringPort)
}

func TestValidateRejections(t *testing.T) {
	base := func() Config {
		cfg := Default()
		cfg.DatabaseURL = "postgres://localhost/marketdata"
		return cfg
	}

	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad ws scheme", func(c *Config) { c.VenueWSBase = "http://fstream.binance.com" }},
		{"bad rest scheme", func(c *Config) { c.VenueRESTBase = "ftp://fapi.binance.com" }},
		{"empty universe", func(c *Config) { c.Symbols = nil }},
		{"lowercase symbol", func(c *Config) { c.Symbols = []string{"btcusdt"} }},
		{"zero connections", func(c *Config) { c.Shards.MaxConnections = 0 }},
		{"unknown batch table", func(c *Config) { c.Batch["klines"] = BatchLimit{Size: 1, MaxAge: time.Second} }},
		{"zero batch size", func(c *Config) { c.Batch["trades"] = BatchLimit{Size: 0, MaxAge: time.Second} }},
		{"port out of range", func(c *Config) { c.MonitoringPort = 70000 }},
		{"bad log level", func(c *Config) { c.LogLevel = "loud" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := base()
			tc.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestChannelsEnabled(t *testing.T) {
	always := Channels{}.Enabled()
	assert.Equal(t, []models.Channel{
		models.ChannelBookTicker, models.ChannelAggTrade, models.ChannelDepth,
	}, always)

	all := Channels{MarkPrice: true, ForceOrder: true}.Enabled()
	assert.Len(t, all, 5)
	assert.Equal(t, models.ChannelMarkPrice, all[3])
	assert.Equal(t, models.ChannelForceOrder, all[4])
}

func TestParseLevel(t *testing.T) {
	lvl, err := ParseLevel("WARNING")
	require.NoError(t, err)
	assert.Equal(t, "warn", lvl)

	_, err = ParseLevel("verbose")
	assert.Error(t, err)
}
