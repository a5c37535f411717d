// Package config loads collector configuration from an optional YAML
// file overlaid with environment variables. Configuration errors are
// returned with a specific reason and fail the Start call that carried
// them; they never touch running state.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/marketflow/collector/internal/models"
	"github.com/marketflow/collector/internal/symbols"
)

// Config is the complete process configuration.
type Config struct {
	DatabaseURL string `yaml:"database_url"`
	RedisURL    string `yaml:"redis_url"`

	VenueRESTBase string `yaml:"venue_rest_base"`
	VenueWSBase   string `yaml:"venue_ws_base"`

	Symbols  []string `yaml:"symbols"`
	Channels Channels `yaml:"channels"`

	Shards    ShardConfig           `yaml:"shards"`
	Batch     map[string]BatchLimit `yaml:"batch"`
	Aggregate AggregateConfig       `yaml:"aggregate"`
	Retention RetentionConfig       `yaml:"retention"`

	LogLevel       string `yaml:"log_level"`
	MonitoringPort int    `yaml:"monitoring_port"`

	// Drain deadline applied on Stop before escalating to abort.
	DrainTimeout time.Duration `yaml:"drain_timeout"`
}

// Channels toggles the optional stream classes. bookTicker, aggTrade
// and depth are always collected.
type Channels struct {
	MarkPrice  bool `yaml:"mark_price"`
	ForceOrder bool `yaml:"force_order"`
}

// Enabled returns the channel set to subscribe, in declaration order.
func (c Channels) Enabled() []models.Channel {
	out := []models.Channel{models.ChannelBookTicker, models.ChannelAggTrade, models.ChannelDepth}
	if c.MarkPrice {
		out = append(out, models.ChannelMarkPrice)
	}
	if c.ForceOrder {
		out = append(out, models.ChannelForceOrder)
	}
	return out
}

// ShardConfig bounds the connection plan.
type ShardConfig struct {
	// MaxConnections caps the total stream client count.
	MaxConnections int `yaml:"max_connections"`
	// SymbolsPerShard caps subscriptions per connection by tier.
	TopSymbolsPerShard  int `yaml:"top_symbols_per_shard"`
	MidSymbolsPerShard  int `yaml:"mid_symbols_per_shard"`
	TailSymbolsPerShard int `yaml:"tail_symbols_per_shard"`

	IdleWindow     time.Duration `yaml:"idle_window"`
	BackoffBase    time.Duration `yaml:"backoff_base"`
	BackoffCeiling time.Duration `yaml:"backoff_ceiling"`

	// Circuit breaker: open after BreakerFailures consecutive failures
	// within BreakerWindow, probe after BreakerCooldown. The hold
	// between probes doubles while the shard keeps failing.
	BreakerFailures int           `yaml:"breaker_failures"`
	BreakerWindow   time.Duration `yaml:"breaker_window"`
	BreakerCooldown time.Duration `yaml:"breaker_cooldown"`
}

// BatchLimit is a per-table flush policy.
type BatchLimit struct {
	Size   int           `yaml:"size"`
	MaxAge time.Duration `yaml:"max_age"`
}

// AggregateConfig tunes the rollup and grid loops.
type AggregateConfig struct {
	Grace        time.Duration `yaml:"grace"`
	MaxLateness  time.Duration `yaml:"max_lateness"`
	GridInterval time.Duration `yaml:"grid_interval"`
	GridWindow   time.Duration `yaml:"grid_window"`
	// UpdateLate controls whether events past MaxLateness still update
	// closed aggregate rows. Default is update.
	UpdateLate bool `yaml:"update_late"`
}

// RetentionConfig holds per-table age policies.
type RetentionConfig struct {
	Interval time.Duration          `yaml:"interval"`
	Policies map[string]TablePolicy `yaml:"policies"`
}

// TablePolicy is one table's compress-after / drop-after pair. Zero
// disables the respective action.
type TablePolicy struct {
	CompressAfter time.Duration `yaml:"compress_after"`
	DropAfter     time.Duration `yaml:"drop_after"`
}

// Default returns the baseline configuration before file and env
// overlays.
func Default() Config {
	return Config{
		VenueRESTBase: "https://fapi.binance.com",
		VenueWSBase:   "wss://fstream.binance.com",
		Symbols:       symbols.All(),
		Channels:      Channels{MarkPrice: true, ForceOrder: true},
		Shards: ShardConfig{
			MaxConnections:      24,
			TopSymbolsPerShard:  5,
			MidSymbolsPerShard:  20,
			TailSymbolsPerShard: 50,
			IdleWindow:          30 * time.Second,
			BackoffBase:         time.Second,
			BackoffCeiling:      2 * time.Minute,
			BreakerFailures:     5,
			BreakerWindow:       2 * time.Minute,
			BreakerCooldown:     time.Minute,
		},
		Batch: map[string]BatchLimit{
			"book_ticker":  {Size: 1000, MaxAge: 5 * time.Second},
			"trades":       {Size: 500, MaxAge: 3 * time.Second},
			"depth_events": {Size: 100, MaxAge: 2 * time.Second},
			"mark_price":   {Size: 200, MaxAge: 5 * time.Second},
			"force_orders": {Size: 50, MaxAge: 5 * time.Second},
		},
		Aggregate: AggregateConfig{
			Grace:        2 * time.Second,
			MaxLateness:  30 * time.Second,
			GridInterval: time.Minute,
			GridWindow:   24 * time.Hour,
			UpdateLate:   true,
		},
		Retention: RetentionConfig{
			Interval: time.Hour,
			Policies: map[string]TablePolicy{
				"book_ticker":  {DropAfter: 30 * 24 * time.Hour},
				"trades":       {DropAfter: 30 * 24 * time.Hour},
				"depth_events": {CompressAfter: 24 * time.Hour, DropAfter: 7 * 24 * time.Hour},
				"mark_price":   {DropAfter: 30 * 24 * time.Hour},
				"force_orders": {DropAfter: 30 * 24 * time.Hour},
				"bt_1s":        {CompressAfter: 7 * 24 * time.Hour, DropAfter: 180 * 24 * time.Hour},
				"trade_1s":     {CompressAfter: 7 * 24 * time.Hour, DropAfter: 180 * 24 * time.Hour},
			},
		},
		LogLevel:       "info",
		MonitoringPort: 8080,
		DrainTimeout:   20 * time.Second,
	}
}

// Load builds the effective configuration: defaults, then the YAML
// file at path (if non-empty), then environment variables. A missing
// .env file is not an error.
func Load(path string) (Config, error) {
	_ = godotenv.Load()

	cfg := Default()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.DatabaseURL = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		c.RedisURL = v
	}
	if v := os.Getenv("VENUE_REST_BASE"); v != "" {
		c.VenueRESTBase = v
	}
	if v := os.Getenv("VENUE_WS_BASE"); v != "" {
		c.VenueWSBase = v
	}
	if v := os.Getenv("SYMBOLS"); v != "" {
		c.Symbols = splitList(v)
	}
	if v := os.Getenv("CHANNELS"); v != "" {
		set := make(map[string]bool)
		for _, ch := range splitList(v) {
			set[ch] = true
		}
		c.Channels.MarkPrice = set[string(models.ChannelMarkPrice)]
		c.Channels.ForceOrder = set[string(models.ChannelForceOrder)]
	}
	if v := os.Getenv("BATCH_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			for table, lim := range c.Batch {
				lim.Size = n
				c.Batch[table] = lim
			}
		}
	}
	if v := os.Getenv("BATCH_MAX_AGE"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			for table, lim := range c.Batch {
				lim.MaxAge = d
				c.Batch[table] = lim
			}
		}
	}
	if v := os.Getenv("SHARDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Shards.MaxConnections = n
		}
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("MONITORING_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.MonitoringPort = n
		}
	}
}

// Validate checks the enumerated options and returns the first
// offending field with a specific reason.
func (c Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("config: DATABASE_URL is required")
	}
	if !strings.HasPrefix(c.VenueWSBase, "ws://") && !strings.HasPrefix(c.VenueWSBase, "wss://") {
		return fmt.Errorf("config: venue_ws_base must be a ws:// or wss:// URL, got %q", c.VenueWSBase)
	}
	if !strings.HasPrefix(c.VenueRESTBase, "http://") && !strings.HasPrefix(c.VenueRESTBase, "https://") {
		return fmt.Errorf("config: venue_rest_base must be an http(s) URL, got %q", c.VenueRESTBase)
	}
	if len(c.Symbols) == 0 {
		return fmt.Errorf("config: symbol universe is empty")
	}
	for _, s := range c.Symbols {
		if s == "" || s != strings.ToUpper(s) {
			return fmt.Errorf("config: invalid symbol %q (must be upper-case venue code)", s)
		}
	}
	if c.Shards.MaxConnections <= 0 {
		return fmt.Errorf("config: shards.max_connections must be positive, got %d", c.Shards.MaxConnections)
	}
	for table, lim := range c.Batch {
		if !knownTable(table) {
			return fmt.Errorf("config: unknown batch table %q", table)
		}
		if lim.Size <= 0 || lim.MaxAge <= 0 {
			return fmt.Errorf("config: batch limits for %s must be positive (size=%d max_age=%s)", table, lim.Size, lim.MaxAge)
		}
	}
	if c.MonitoringPort <= 0 || c.MonitoringPort > 65535 {
		return fmt.Errorf("config: monitoring_port %d out of range", c.MonitoringPort)
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

// ParseLevel maps LOG_LEVEL to a zerolog-compatible level string.
func ParseLevel(s string) (string, error) {
	switch strings.ToLower(s) {
	case "trace", "debug", "info", "warn", "error":
		return strings.ToLower(s), nil
	case "warning":
		return "warn", nil
	default:
		return "", fmt.Errorf("config: unknown log level %q", s)
	}
}

func knownTable(table string) bool {
	for _, ch := range models.RawChannels {
		if ch.Table() == table {
			return true
		}
	}
	return false
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
