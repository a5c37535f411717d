package ingest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"

	"github.com/marketflow/collector/internal/config"
	"github.com/marketflow/collector/internal/telemetry"
)

// ShardStatus is one shard's entry in the control plane status payload.
type ShardStatus struct {
	ID       string   `json:"id"`
	Tier     string   `json:"tier"`
	State    string   `json:"state"`
	Symbols  int      `json:"symbols"`
	Channels []string `json:"channels"`
	LastErr  string   `json:"last_error,omitempty"`
}

// Supervisor owns the fleet of stream clients for one plan. It creates
// and drains shards on rebalance, restarts clients that fail their
// circuit breaker after the cooldown, and reports fleet state.
type Supervisor struct {
	cfg       config.ShardConfig
	wsBase    string
	norm      *Normalizer
	sink      Sink
	snapshots SnapshotFetcher
	bus       *telemetry.Bus
	metrics   *telemetry.Metrics

	mu      sync.Mutex
	plan    Plan
	running map[string]*managedShard
	wg      sync.WaitGroup
	started bool
}

type managedShard struct {
	shard  Shard
	client *StreamClient
	cancel context.CancelFunc
	done   chan struct{}
}

// SupervisorDeps bundles the shared collaborators for every shard.
type SupervisorDeps struct {
	WSBase    string
	Norm      *Normalizer
	Sink      Sink
	Snapshots SnapshotFetcher
	Bus       *telemetry.Bus
	Metrics   *telemetry.Metrics
}

// NewSupervisor builds an idle supervisor; Start brings up the plan.
func NewSupervisor(cfg config.ShardConfig, deps SupervisorDeps) *Supervisor {
	return &Supervisor{
		cfg:       cfg,
		wsBase:    deps.WSBase,
		norm:      deps.Norm,
		sink:      deps.Sink,
		snapshots: deps.Snapshots,
		bus:       deps.Bus,
		metrics:   deps.Metrics,
		running:   make(map[string]*managedShard),
	}
}

// Start launches every shard in the plan. ctx bounds the lifetime of
// the whole fleet; cancelling it drains all shards.
func (s *Supervisor) Start(ctx context.Context, plan Plan) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return fmt.Errorf("ingest: supervisor already started")
	}
	s.started = true
	s.plan = plan
	for _, shard := range plan.Shards {
		s.launch(ctx, shard)
	}
	log.Info().Int("shards", len(plan.Shards)).Msg("Shard supervisor started")
	return nil
}

// Rebalance applies a new plan with the minimal change set: unchanged
// shards keep their connections, removed shards drain, new shards
// launch.
func (s *Supervisor) Rebalance(ctx context.Context, next Plan) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return fmt.Errorf("ingest: supervisor not started")
	}

	drain, create := Diff(s.plan, next)
	log.Info().Int("drain", len(drain)).Int("create", len(create)).Msg("Rebalancing shard fleet")

	for _, shard := range drain {
		if m, ok := s.running[shard.ID]; ok {
			m.cancel()
			delete(s.running, shard.ID)
		}
	}
	for _, shard := range create {
		s.launch(ctx, shard)
	}
	s.plan = next
	return nil
}

// Drain cancels every shard and waits for their sessions to close, up
// to the deadline.
func (s *Supervisor) Drain(timeout time.Duration) error {
	s.mu.Lock()
	for id, m := range s.running {
		m.cancel()
		delete(s.running, id)
	}
	s.started = false
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("ingest: drain exceeded %s", timeout)
	}
}

// Snapshot reports per-shard status, sorted by shard id.
func (s *Supervisor) Snapshot() []ShardStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]ShardStatus, 0, len(s.running))
	for _, m := range s.running {
		chans := make([]string, len(m.shard.Channels))
		for i, ch := range m.shard.Channels {
			chans[i] = string(ch)
		}
		out = append(out, ShardStatus{
			ID:       m.shard.ID,
			Tier:     string(m.shard.Tier),
			State:    m.client.State().String(),
			Symbols:  len(m.shard.Symbols),
			Channels: chans,
			LastErr:  m.client.LastError(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Healthy reports whether every running shard is connected or in a
// transient state (connecting/reconnecting).
func (s *Supervisor) Healthy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.running {
		if m.client.State() == StateFailed {
			return false
		}
	}
	return len(s.running) > 0
}

// launch starts one shard under s.mu.
func (s *Supervisor) launch(ctx context.Context, shard Shard) {
	shardCtx, cancel := context.WithCancel(ctx)
	client := NewStreamClient(shard, ClientDeps{
		WSBase:     s.wsBase,
		Normalizer: s.norm,
		Sink:       s.sink,
		Snapshots:  s.snapshots,
		Bus:        s.bus,
		Metrics:    s.metrics,
		Breaker:    s.newBreaker(shard.ID),
		IdleWindow: s.cfg.IdleWindow,
		Backoff:    NewBackoff(s.cfg.BackoffBase, s.cfg.BackoffCeiling),
	})
	m := &managedShard{shard: shard, client: client, cancel: cancel, done: make(chan struct{})}
	s.running[shard.ID] = m

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer close(m.done)
		s.runShard(shardCtx, m)
	}()
}

// runShard keeps one shard alive. Run only returns on cancellation or
// with the breaker open; the latter waits out the cooldown so the
// breaker's half-open probe drives recovery. The hold doubles on every
// consecutive open up to a cap and resets once a shard survives a full
// breaker window.
func (s *Supervisor) runShard(ctx context.Context, m *managedShard) {
	cooldown := s.cfg.BreakerCooldown
	for {
		began := time.Now()
		err := m.client.Run(ctx)
		if ctx.Err() != nil {
			return
		}
		if time.Since(began) > s.breakerWindow() {
			cooldown = s.cfg.BreakerCooldown
		}
		if err != nil {
			log.Error().Err(err).Str("shard", m.shard.ID).Dur("cooldown", cooldown).
				Msg("Shard failed, holding for breaker cooldown")
			s.bus.Emit(telemetry.KindAbort, m.shard.ID, map[string]interface{}{
				"error": err.Error(), "cooldown_s": cooldown.Seconds(),
			})
		}
		select {
		case <-time.After(cooldown):
		case <-ctx.Done():
			return
		}
		cooldown = nextCooldown(cooldown, 8*s.cfg.BreakerCooldown)
	}
}

// nextCooldown doubles the hold between breaker probes, bounded by the
// ceiling.
func nextCooldown(cur, ceiling time.Duration) time.Duration {
	next := cur * 2
	if next > ceiling {
		next = ceiling
	}
	return next
}

func (s *Supervisor) breakerWindow() time.Duration {
	if s.cfg.BreakerWindow > 0 {
		return s.cfg.BreakerWindow
	}
	return 2 * time.Minute
}

func (s *Supervisor) newBreaker(shardID string) *gobreaker.CircuitBreaker {
	failures := uint32(s.cfg.BreakerFailures)
	if failures == 0 {
		failures = 5
	}
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name: "shard-" + shardID,
		// Failure counts age out each window while closed, so only
		// failures bunched within the window trip the breaker.
		Interval: s.breakerWindow(),
		Timeout:  s.cfg.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).
				Msg("Circuit breaker state change")
		},
	})
}
