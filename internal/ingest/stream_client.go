package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"

	"github.com/marketflow/collector/internal/models"
	"github.com/marketflow/collector/internal/telemetry"
)

// State is the per-connection lifecycle state.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateDraining
	StateFailed
)

// String renders the state for status payloads.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateDraining:
		return "draining"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// Sink accepts normalized events. Enqueue blocks under backpressure;
// dropping is forbidden on this path.
type Sink interface {
	Enqueue(ctx context.Context, ev models.Event) error
}

// SnapshotFetcher is the depth resync dependency.
type SnapshotFetcher interface {
	DepthSnapshot(ctx context.Context, symbol string, limit int) (*models.WireDepthSnapshot, error)
}

// StreamClient maintains one duplex connection subscribed to a shard's
// combined streams. It emits at most one typed event per inbound frame
// with a monotone per-connection sequence.
type StreamClient struct {
	shard      Shard
	wsBase     string
	normalizer *Normalizer
	sink       Sink
	snapshots  SnapshotFetcher
	bus        *telemetry.Bus
	metrics    *telemetry.Metrics
	breaker    *gobreaker.CircuitBreaker
	idleWindow time.Duration
	backoff    *Backoff

	state     atomic.Int32
	seq       atomic.Uint64
	lastFrame atomic.Int64
	lastErr   atomic.Value // string

	// Depth chain bookkeeping, touched only by the read loop.
	chain  map[string]int64 // symbol → last final_update_id
	floors map[string]int64 // symbol → snapshot last_update_id
}

// ClientDeps bundles the collaborators a stream client needs.
type ClientDeps struct {
	WSBase     string
	Normalizer *Normalizer
	Sink       Sink
	Snapshots  SnapshotFetcher
	Bus        *telemetry.Bus
	Metrics    *telemetry.Metrics
	Breaker    *gobreaker.CircuitBreaker
	IdleWindow time.Duration
	Backoff    *Backoff
}

// NewStreamClient builds a client for one shard.
func NewStreamClient(shard Shard, deps ClientDeps) *StreamClient {
	if deps.IdleWindow <= 0 {
		deps.IdleWindow = 30 * time.Second
	}
	if deps.Backoff == nil {
		deps.Backoff = NewBackoff(time.Second, 2*time.Minute)
	}
	return &StreamClient{
		shard:      shard,
		wsBase:     deps.WSBase,
		normalizer: deps.Normalizer,
		sink:       deps.Sink,
		snapshots:  deps.Snapshots,
		bus:        deps.Bus,
		metrics:    deps.Metrics,
		breaker:    deps.Breaker,
		idleWindow: deps.IdleWindow,
		backoff:    deps.Backoff,
		chain:      make(map[string]int64),
		floors:     make(map[string]int64),
	}
}

// ID returns the shard identifier this client serves.
func (c *StreamClient) ID() string { return c.shard.ID }

// State returns the current connection state.
func (c *StreamClient) State() State { return State(c.state.Load()) }

// LastError returns the most recent session error, if any.
func (c *StreamClient) LastError() string {
	if v := c.lastErr.Load(); v != nil {
		return v.(string)
	}
	return ""
}

// SymbolCount reports the subscription width for status output.
func (c *StreamClient) SymbolCount() int { return len(c.shard.Symbols) }

// Run drives the connect/read/reconnect loop until ctx is cancelled
// (clean drain, returns nil) or the circuit breaker opens (returns the
// breaker error, state Failed).
func (c *StreamClient) Run(ctx context.Context) error {
	for {
		started := time.Now()
		_, err := c.breaker.Execute(func() (interface{}, error) {
			return nil, c.session(ctx)
		})

		if ctx.Err() != nil {
			c.setState(StateDisconnected)
			return nil
		}
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			c.setState(StateFailed)
			c.bus.Emit(telemetry.KindConnState, c.shard.ID, map[string]interface{}{"state": "failed"})
			return fmt.Errorf("ingest: shard %s circuit open: %w", c.shard.ID, err)
		}
		if err != nil {
			c.lastErr.Store(err.Error())
		}

		// A session that survived past the idle window counts as
		// healthy: restart the backoff schedule.
		if time.Since(started) > c.idleWindow {
			c.backoff.Reset()
		}

		c.setState(StateReconnecting)
		c.metrics.Reconnects.WithLabelValues(c.shard.ID).Inc()
		delay := c.backoff.Next()
		log.Warn().Err(err).Str("shard", c.shard.ID).Dur("backoff", delay).Msg("Stream session ended, reconnecting")

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			c.setState(StateDisconnected)
			return nil
		}
	}
}

// session runs one connection from dial to first terminal error.
func (c *StreamClient) session(ctx context.Context) error {
	c.setState(StateConnecting)

	streamURL, err := c.buildURL()
	if err != nil {
		return err
	}

	dialer := *websocket.DefaultDialer
	dialer.HandshakeTimeout = 15 * time.Second
	conn, _, err := dialer.DialContext(ctx, streamURL, nil)
	if err != nil {
		return fmt.Errorf("ingest: dial shard %s: %w", c.shard.ID, err)
	}
	defer conn.Close()

	c.setState(StateConnected)
	c.bus.Emit(telemetry.KindConnState, c.shard.ID, map[string]interface{}{
		"state":   "connected",
		"symbols": len(c.shard.Symbols),
	})
	log.Info().Str("shard", c.shard.ID).Int("symbols", len(c.shard.Symbols)).
		Int("streams", len(c.shard.Streams())).Msg("Stream connected")

	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(c.idleWindow))
	})

	// Venue sends pings; gorilla answers them automatically. Our own
	// pings guard against half-open TCP sessions.
	pingDone := make(chan struct{})
	defer close(pingDone)
	go c.pingLoop(conn, pingDone)

	// On cancellation, drain: stop reads by closing the socket after a
	// close frame. Events already read are handed downstream first.
	go func() {
		select {
		case <-ctx.Done():
			c.setState(StateDraining)
			deadline := time.Now().Add(2 * time.Second)
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "draining"), deadline)
			_ = conn.Close()
		case <-pingDone:
		}
	}()

	for {
		if err := conn.SetReadDeadline(time.Now().Add(c.idleWindow)); err != nil {
			return fmt.Errorf("ingest: set read deadline: %w", err)
		}
		_, payload, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("ingest: read shard %s: %w", c.shard.ID, err)
		}

		c.lastFrame.Store(time.Now().UnixNano())
		c.metrics.FramesReceived.WithLabelValues(c.shard.ID).Inc()

		if err := c.handleFrame(ctx, payload); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			// Single-frame protocol errors are dropped and counted,
			// not treated as transport failures.
			log.Debug().Err(err).Str("shard", c.shard.ID).Msg("Dropped malformed frame")
		}
	}
}

func (c *StreamClient) pingLoop(conn *websocket.Conn, done <-chan struct{}) {
	interval := c.idleWindow / 3
	if interval < 5*time.Second {
		interval = 5 * time.Second
	}
	tick := time.NewTicker(interval)
	defer tick.Stop()
	for {
		select {
		case <-tick.C:
			deadline := time.Now().Add(5 * time.Second)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

func (c *StreamClient) handleFrame(ctx context.Context, payload []byte) error {
	var frame models.CombinedFrame
	if err := json.Unmarshal(payload, &frame); err != nil {
		return fmt.Errorf("ingest: decode combined frame: %w", err)
	}
	if frame.Stream == "" {
		// Control responses carry no stream name; nothing to emit.
		return nil
	}

	ev, err := c.normalizer.Normalize(ctx, frame.Stream, frame.Data)
	if err != nil {
		return err
	}
	if ev == nil {
		return nil
	}

	if ev.Channel == models.ChannelDepth {
		keep, err := c.checkDepthChain(ctx, symbolOf(frame.Stream), ev.DepthDelta)
		if err != nil {
			return err
		}
		if !keep {
			return nil
		}
	}

	c.seq.Add(1)
	return c.enqueue(ctx, *ev)
}

// enqueue hands the event downstream. When the writer is saturated the
// call blocks, pausing reads on this connection; the stall is surfaced
// to telemetry once per episode.
func (c *StreamClient) enqueue(ctx context.Context, ev models.Event) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	done := make(chan error, 1)
	go func() { done <- c.sink.Enqueue(ctx, ev) }()

	select {
	case err := <-done:
		return err
	case <-time.After(time.Second):
		c.bus.Emit(telemetry.KindDegraded, c.shard.ID, map[string]interface{}{
			"reason": "backpressure", "channel": string(ev.Channel),
		})
		return <-done
	}
}

// checkDepthChain enforces delta continuity and drives the snapshot
// resync flow. Returns false when the delta must be discarded.
func (c *StreamClient) checkDepthChain(ctx context.Context, symbol string, d *models.DepthDelta) (bool, error) {
	if floor, ok := c.floors[symbol]; ok {
		if d.FinalUpdateID <= floor {
			return false, nil
		}
		// First delta past the snapshot re-bases the chain.
		delete(c.floors, symbol)
		c.chain[symbol] = d.FinalUpdateID
		return true, nil
	}

	last, seen := c.chain[symbol]
	if seen && !chainContinues(last, d) {
		c.metrics.DepthResyncs.WithLabelValues(symbol).Inc()
		c.bus.Emit(telemetry.KindResync, c.shard.ID, map[string]interface{}{
			"symbol": symbol, "expected": last, "got_prev": d.PrevFinalUpdateID,
		})
		log.Warn().Str("symbol", symbol).Int64("expected_prev", last).
			Int64("got_prev", d.PrevFinalUpdateID).Msg("Depth chain broken, requesting snapshot")

		snap, err := c.snapshots.DepthSnapshot(ctx, symbol, 1000)
		if err != nil {
			// Without a snapshot the chain stays broken; drop deltas
			// until the next successful resync attempt.
			delete(c.chain, symbol)
			return false, fmt.Errorf("ingest: resync %s: %w", symbol, err)
		}
		c.floors[symbol] = snap.LastUpdateID
		if d.FinalUpdateID <= snap.LastUpdateID {
			return false, nil
		}
		delete(c.floors, symbol)
		c.chain[symbol] = d.FinalUpdateID
		return true, nil
	}

	c.chain[symbol] = d.FinalUpdateID
	return true, nil
}

// chainContinues implements the venue's continuity rule: each delta's
// prev_final_update_id must equal the previous delta's
// final_update_id; streams without that field fall back to
// first_update_id == last+1.
func chainContinues(last int64, d *models.DepthDelta) bool {
	if d.PrevFinalUpdateID > 0 {
		return d.PrevFinalUpdateID == last
	}
	return d.FirstUpdateID == last+1
}

func (c *StreamClient) buildURL() (string, error) {
	base, err := url.Parse(c.wsBase)
	if err != nil {
		return "", fmt.Errorf("ingest: parse ws base %q: %w", c.wsBase, err)
	}
	base.Path = "/stream"
	base.RawQuery = "streams=" + strings.Join(c.shard.Streams(), "/")
	return base.String(), nil
}

func (c *StreamClient) setState(s State) {
	old := State(c.state.Swap(int32(s)))
	if old != s {
		c.metrics.ShardState.WithLabelValues(c.shard.ID).Set(float64(s))
	}
}

// symbolOf extracts the upper-case symbol from a stream name.
func symbolOf(stream string) string {
	at := strings.Index(stream, "@")
	if at < 0 {
		return strings.ToUpper(stream)
	}
	return strings.ToUpper(stream[:at])
}
