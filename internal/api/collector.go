// Package api hosts the control plane: the collector orchestrator and
// the HTTP/WebSocket surface that drives it.
package api

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/marketflow/collector/internal/aggregate"
	"github.com/marketflow/collector/internal/config"
	"github.com/marketflow/collector/internal/hotcache"
	"github.com/marketflow/collector/internal/ingest"
	"github.com/marketflow/collector/internal/models"
	"github.com/marketflow/collector/internal/registry"
	"github.com/marketflow/collector/internal/retention"
	"github.com/marketflow/collector/internal/store"
	"github.com/marketflow/collector/internal/telemetry"
	"github.com/marketflow/collector/internal/validate"
	"github.com/marketflow/collector/internal/venue"
)

// ConfigError marks a rejected Start: the configuration was invalid
// and running state is untouched.
type ConfigError struct{ Err error }

func (e *ConfigError) Error() string { return e.Err.Error() }
func (e *ConfigError) Unwrap() error { return e.Err }

// Start verdicts distinguish a fresh accept from a no-op on an already
// running collector and from a rejected configuration.
const (
	VerdictAccepted       = "accepted"
	VerdictAlreadyRunning = "already_running"
	VerdictInvalid        = "invalid"
)

// StartRequest is the optional configuration overlay carried in the
// Start POST body. Absent fields keep the loaded configuration.
type StartRequest struct {
	Symbols        []string            `json:"symbols,omitempty"`
	Channels       []string            `json:"channels,omitempty"`
	LogLevel       string              `json:"log_level,omitempty"`
	ShardOverrides *ShardPlanOverrides `json:"shard_plan_overrides,omitempty"`
}

// ShardPlanOverrides tunes the connection plan for one Start without
// touching the config file.
type ShardPlanOverrides struct {
	MaxConnections      *int `json:"max_connections,omitempty"`
	TopSymbolsPerShard  *int `json:"top_symbols_per_shard,omitempty"`
	MidSymbolsPerShard  *int `json:"mid_symbols_per_shard,omitempty"`
	TailSymbolsPerShard *int `json:"tail_symbols_per_shard,omitempty"`
}

// apply folds the overlay into cfg and re-validates the result.
func (r *StartRequest) apply(cfg *config.Config) error {
	if len(r.Symbols) > 0 {
		cfg.Symbols = r.Symbols
	}
	if r.Channels != nil {
		enabled := make(map[models.Channel]bool, len(r.Channels))
		for _, name := range r.Channels {
			ch := models.Channel(name)
			if !ch.Valid() {
				return fmt.Errorf("api: unknown channel %q", name)
			}
			enabled[ch] = true
		}
		cfg.Channels.MarkPrice = enabled[models.ChannelMarkPrice]
		cfg.Channels.ForceOrder = enabled[models.ChannelForceOrder]
	}
	if r.LogLevel != "" {
		name, err := config.ParseLevel(r.LogLevel)
		if err != nil {
			return err
		}
		cfg.LogLevel = name
		if lvl, err := zerolog.ParseLevel(name); err == nil {
			zerolog.SetGlobalLevel(lvl)
		}
	}
	if o := r.ShardOverrides; o != nil {
		if o.MaxConnections != nil {
			cfg.Shards.MaxConnections = *o.MaxConnections
		}
		if o.TopSymbolsPerShard != nil {
			cfg.Shards.TopSymbolsPerShard = *o.TopSymbolsPerShard
		}
		if o.MidSymbolsPerShard != nil {
			cfg.Shards.MidSymbolsPerShard = *o.MidSymbolsPerShard
		}
		if o.TailSymbolsPerShard != nil {
			cfg.Shards.TailSymbolsPerShard = *o.TailSymbolsPerShard
		}
	}
	return cfg.Validate()
}

// Status is the control plane status payload.
type Status struct {
	State         string               `json:"state"`
	UptimeSeconds float64              `json:"uptime_seconds,omitempty"`
	Symbols       int                  `json:"symbols"`
	Shards        []ingest.ShardStatus `json:"shards,omitempty"`
	Rates         map[string]float64   `json:"rates_per_second,omitempty"`
	BufferDepths  map[string]int       `json:"buffer_depths,omitempty"`
	PoolStats     map[string]int64     `json:"pool_stats,omitempty"`
	DroppedSubs   int64                `json:"dropped_subscribers"`
	GeneratedAt   time.Time            `json:"generated_at"`
}

// Collector owns the ingestion pipeline lifecycle. All control
// operations serialize on one mutex; Start and Stop are idempotent.
type Collector struct {
	loadCfg func() (*config.Config, error)
	bus     *telemetry.Bus
	metrics *telemetry.Metrics
	rates   *telemetry.RateTracker

	mu        sync.Mutex
	cfg       *config.Config
	store     *store.Manager
	writer    *store.BatchWriter
	registry  *registry.Registry
	venue     *venue.Client
	cache     *hotcache.Cache
	sup       *ingest.Supervisor
	agg       *aggregate.Aggregator
	validator *validate.Validator
	cancel    context.CancelFunc
	startedAt time.Time
	running   bool
}

// NewCollector builds a stopped collector. loadCfg is invoked on every
// Start and Restart so config edits take effect without a redeploy.
func NewCollector(loadCfg func() (*config.Config, error), bus *telemetry.Bus, metrics *telemetry.Metrics) *Collector {
	return &Collector{
		loadCfg: loadCfg,
		bus:     bus,
		metrics: metrics,
		rates:   telemetry.NewRateTracker(metrics),
	}
}

// Start brings the pipeline up, applying the optional request overlay
// on top of the loaded configuration. Starting a running collector is
// a no-op reported as such; a config or connectivity failure leaves
// the collector stopped.
func (c *Collector) Start(ctx context.Context, req *StartRequest) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		log.Info().Msg("Start requested while running, ignored")
		return VerdictAlreadyRunning, nil
	}

	cfg, err := c.loadCfg()
	if err != nil {
		return VerdictInvalid, &ConfigError{Err: err}
	}
	if req != nil {
		if err := req.apply(cfg); err != nil {
			return VerdictInvalid, &ConfigError{Err: err}
		}
	}
	if err := c.bringUp(ctx, cfg); err != nil {
		c.tearDown()
		return VerdictInvalid, err
	}
	c.running = true
	c.startedAt = time.Now().UTC()
	log.Info().Int("symbols", len(cfg.Symbols)).Msg("Collector started")
	return VerdictAccepted, nil
}

// Stop drains and shuts the pipeline down. Stopping a stopped
// collector is a no-op.
func (c *Collector) Stop(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running {
		log.Info().Msg("Stop requested while stopped, ignored")
		return nil
	}
	err := c.shutdown(ctx)
	c.running = false
	log.Info().Msg("Collector stopped")
	return err
}

// Restart is Stop followed by Start under one lock, re-reading config.
func (c *Collector) Restart(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		if err := c.shutdown(ctx); err != nil {
			log.Warn().Err(err).Msg("Drain incomplete during restart")
		}
		c.running = false
	}

	cfg, err := c.loadCfg()
	if err != nil {
		return &ConfigError{Err: err}
	}
	if err := c.bringUp(ctx, cfg); err != nil {
		c.tearDown()
		return err
	}
	c.running = true
	c.startedAt = time.Now().UTC()
	log.Info().Msg("Collector restarted")
	return nil
}

// Status reports current pipeline state without blocking control
// operations beyond the snapshot.
func (c *Collector) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := Status{State: "stopped", GeneratedAt: time.Now().UTC(), DroppedSubs: c.bus.DroppedSubscribers()}
	if !c.running {
		return st
	}
	st.State = "running"
	st.UptimeSeconds = time.Since(c.startedAt).Seconds()
	st.Symbols = len(c.cfg.Symbols)
	st.Shards = c.sup.Snapshot()
	st.Rates = c.rates.Rates()
	st.PoolStats = c.store.PoolStats()
	st.BufferDepths = make(map[string]int, len(c.cfg.Batch))
	for table := range c.cfg.Batch {
		st.BufferDepths[table] = c.writer.Depth(table)
	}
	return st
}

// DBStats proxies the store statistics query.
func (c *Collector) DBStats(ctx context.Context) (*store.DBStats, error) {
	c.mu.Lock()
	mgr := c.store
	c.mu.Unlock()
	if mgr == nil {
		return nil, fmt.Errorf("api: collector is stopped")
	}
	return mgr.Stats(ctx)
}

// Validate runs the data-quality checks against the current store.
func (c *Collector) Validate(ctx context.Context) (*validate.Report, error) {
	c.mu.Lock()
	v := c.validator
	c.mu.Unlock()
	if v == nil {
		return nil, fmt.Errorf("api: collector is stopped")
	}
	return v.Run(ctx)
}

// bringUp wires and launches every component under c.mu.
func (c *Collector) bringUp(ctx context.Context, cfg *config.Config) error {
	mgr, err := store.NewManager(store.DefaultConfig(cfg.DatabaseURL))
	if err != nil {
		return fmt.Errorf("api: open store: %w", err)
	}
	c.store = mgr

	if err := mgr.Migrate(ctx); err != nil {
		return err
	}

	c.registry = registry.New(mgr.DB(), mgr.QueryTimeout())
	if err := c.registry.Warm(ctx); err != nil {
		return err
	}
	if err := c.registry.EnsureAll(ctx, cfg.Symbols); err != nil {
		return err
	}

	c.venue = venue.NewClient(cfg.VenueRESTBase)
	c.refreshInstrumentMetadata(ctx, cfg.Symbols)

	cache, err := hotcache.New(ctx, cfg.RedisURL, 5*time.Minute)
	if err != nil {
		// Advisory cache: degrade to database-only reads.
		log.Warn().Err(err).Msg("Hot cache unavailable, continuing without it")
		cache = nil
	}
	c.cache = cache

	runCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel

	limits := make(map[string]store.BatchLimit, len(cfg.Batch))
	for table, lim := range cfg.Batch {
		limits[table] = store.BatchLimit{Size: lim.Size, MaxAge: lim.MaxAge}
	}
	c.writer = store.NewBatchWriter(mgr, limits, c.bus, c.metrics)
	c.writer.Start(runCtx)

	names, err := c.symbolNames(ctx)
	if err != nil {
		return err
	}
	sink := &cachingSink{writer: c.writer, cache: c.cache, names: names}

	norm := ingest.NewNormalizer(c.registry, c.metrics)
	plan, err := ingest.BuildPlan(cfg.Symbols, cfg.Channels.Enabled(), cfg.Shards)
	if err != nil {
		return err
	}
	c.sup = ingest.NewSupervisor(cfg.Shards, ingest.SupervisorDeps{
		WSBase:    cfg.VenueWSBase,
		Norm:      norm,
		Sink:      sink,
		Snapshots: c.venue,
		Bus:       c.bus,
		Metrics:   c.metrics,
	})
	if err := c.sup.Start(runCtx, plan); err != nil {
		return err
	}

	c.agg = aggregate.New(mgr.DB(), cfg.Aggregate, c.metrics, c.bus, mgr.QueryTimeout())
	go c.agg.Run(runCtx)

	ret := retention.NewManager(mgr, cfg.Retention, c.metrics, c.bus)
	go ret.Run(runCtx)

	c.validator = validate.New(mgr, c.bus)

	go c.sampleRates(runCtx)
	go c.healthLoop(runCtx)

	c.cfg = cfg
	return nil
}

// shutdown drains producers before flushing the writer, bounded by the
// configured drain deadline.
func (c *Collector) shutdown(ctx context.Context) error {
	deadline := c.cfg.DrainTimeout
	if deadline <= 0 {
		deadline = 20 * time.Second
	}

	var firstErr error
	if err := c.sup.Drain(deadline); err != nil {
		firstErr = err
	}

	c.cancel()

	drainCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()
	if err := c.writer.Drain(drainCtx); err != nil && firstErr == nil {
		firstErr = err
	}

	c.tearDown()
	return firstErr
}

func (c *Collector) tearDown() {
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	if c.cache != nil {
		_ = c.cache.Close()
		c.cache = nil
	}
	if c.store != nil {
		_ = c.store.Close()
		c.store = nil
	}
	c.writer = nil
	c.registry = nil
	c.venue = nil
	c.sup = nil
	c.agg = nil
	c.validator = nil
}

// refreshInstrumentMetadata pulls tick/lot sizes from the venue.
// Failures are non-fatal; collection runs on stale metadata.
func (c *Collector) refreshInstrumentMetadata(ctx context.Context, universe []string) {
	want := make(map[string]bool, len(universe))
	for _, s := range universe {
		want[s] = true
	}
	instruments, err := c.venue.ExchangeInfo(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("Exchange info unavailable, keeping stored instrument metadata")
		return
	}
	updated := 0
	for _, inst := range instruments {
		if !want[inst.Symbol] {
			continue
		}
		if err := c.registry.UpdateMetadata(ctx, registry.Venue, inst); err != nil {
			log.Warn().Err(err).Str("symbol", inst.Symbol).Msg("Instrument metadata update failed")
			continue
		}
		updated++
	}
	log.Info().Int("updated", updated).Msg("Instrument metadata refreshed")
}

func (c *Collector) symbolNames(ctx context.Context) (map[int64]string, error) {
	active, err := c.registry.ListActive(ctx)
	if err != nil {
		return nil, err
	}
	names := make(map[int64]string, len(active))
	for _, s := range active {
		names[s.ID] = s.Symbol
	}
	return names, nil
}

// sampleRates keeps per-channel throughput fresh for Status and the
// telemetry push.
func (c *Collector) sampleRates(ctx context.Context) {
	tick := time.NewTicker(time.Second)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			if err := c.rates.Sample(); err != nil {
				log.Debug().Err(err).Msg("Rate sample failed")
			}
		}
	}
}

// healthLoop logs a one-line fleet summary every minute.
func (c *Collector) healthLoop(ctx context.Context) {
	tick := time.NewTicker(time.Minute)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			st := c.Status()
			var total float64
			for _, r := range st.Rates {
				total += r
			}
			log.Info().Int("shards", len(st.Shards)).Float64("events_per_sec", total).
				Int64("dropped_subs", st.DroppedSubs).Msg("Health snapshot")
		}
	}
}

// cachingSink forwards events to the batch writer and mirrors quotes
// and trades into the hot cache.
type cachingSink struct {
	writer *store.BatchWriter
	cache  *hotcache.Cache
	names  map[int64]string
}

func (s *cachingSink) Enqueue(ctx context.Context, ev models.Event) error {
	if err := s.writer.Enqueue(ctx, ev); err != nil {
		return err
	}
	if s.cache == nil {
		return nil
	}
	name, ok := s.names[ev.SymbolID]
	if !ok {
		return nil
	}
	switch ev.Channel {
	case models.ChannelBookTicker:
		s.cache.UpdateBook(ctx, name, ev.BookTicker)
	case models.ChannelAggTrade:
		s.cache.UpdateTrade(ctx, name, ev.Trade)
	}
	return nil
}
