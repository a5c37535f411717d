package ingest

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marketflow/collector/internal/models"
	"github.com/marketflow/collector/internal/symbols"
	"github.com/marketflow/collector/internal/telemetry"
)

type fakeSnapshots struct {
	lastUpdateID int64
	calls        int
	err          error
}

func (f *fakeSnapshots) DepthSnapshot(_ context.Context, _ string, _ int) (*models.WireDepthSnapshot, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &models.WireDepthSnapshot{LastUpdateID: f.lastUpdateID}, nil
}

type nullSink struct{}

func (nullSink) Enqueue(context.Context, models.Event) error { return nil }

func newChainClient(snaps *fakeSnapshots) *StreamClient {
	shard := Shard{
		ID:       "top-1",
		Tier:     symbols.TierTop,
		Channels: []models.Channel{models.ChannelDepth},
		Symbols:  []string{"BTCUSDT"},
	}
	return NewStreamClient(shard, ClientDeps{
		WSBase:     "wss://example.test",
		Sink:       nullSink{},
		Snapshots:  snaps,
		Bus:        telemetry.NewBus(16),
		Metrics:    telemetry.NewMetrics(),
		IdleWindow: time.Second,
	})
}

func delta(first, final, prev int64) *models.DepthDelta {
	return &models.DepthDelta{FirstUpdateID: first, FinalUpdateID: final, PrevFinalUpdateID: prev}
}

func TestDepthChainContinuity(t *testing.T) {
	snaps := &fakeSnapshots{}
	c := newChainClient(snaps)
	ctx := context.Background()

	keep, err := c.checkDepthChain(ctx, "BTCUSDT", delta(100, 110, 0))
	require.NoError(t, err)
	assert.True(t, keep, "first delta establishes the chain")

	keep, err = c.checkDepthChain(ctx, "BTCUSDT", delta(111, 120, 110))
	require.NoError(t, err)
	assert.True(t, keep)
	assert.Zero(t, snaps.calls, "an unbroken chain never resyncs")
}

func TestDepthChainBreakTriggersResync(t *testing.T) {
	snaps := &fakeSnapshots{lastUpdateID: 150}
	c := newChainClient(snaps)
	ctx := context.Background()

	keep, err := c.checkDepthChain(ctx, "BTCUSDT", delta(100, 110, 0))
	require.NoError(t, err)
	require.True(t, keep)

	// Gap: prev should be 110.
	keep, err = c.checkDepthChain(ctx, "BTCUSDT", delta(131, 140, 130))
	require.NoError(t, err)
	assert.False(t, keep, "delta at or below the snapshot id is discarded")
	assert.Equal(t, 1, snaps.calls)

	// Still behind the snapshot: discarded without a second fetch.
	keep, err = c.checkDepthChain(ctx, "BTCUSDT", delta(141, 150, 140))
	require.NoError(t, err)
	assert.False(t, keep)
	assert.Equal(t, 1, snaps.calls)

	// First delta past the snapshot re-bases the chain.
	keep, err = c.checkDepthChain(ctx, "BTCUSDT", delta(151, 160, 150))
	require.NoError(t, err)
	assert.True(t, keep)

	keep, err = c.checkDepthChain(ctx, "BTCUSDT", delta(161, 170, 160))
	require.NoError(t, err)
	assert.True(t, keep)
}

func TestDepthChainResyncPastSnapshotKeepsDelta(t *testing.T) {
	snaps := &fakeSnapshots{lastUpdateID: 120}
	c := newChainClient(snaps)
	ctx := context.Background()

	_, err := c.checkDepthChain(ctx, "BTCUSDT", delta(100, 110, 0))
	require.NoError(t, err)

	// Broken chain but the incoming delta already exceeds the
	// snapshot: keep it immediately.
	keep, err := c.checkDepthChain(ctx, "BTCUSDT", delta(131, 140, 130))
	require.NoError(t, err)
	assert.True(t, keep)
	assert.Equal(t, 1, snaps.calls)
}

func TestDepthChainSnapshotFailureDropsDelta(t *testing.T) {
	snaps := &fakeSnapshots{err: fmt.Errorf("rate limited")}
	c := newChainClient(snaps)
	ctx := context.Background()

	_, err := c.checkDepthChain(ctx, "BTCUSDT", delta(100, 110, 0))
	require.NoError(t, err)

	keep, err := c.checkDepthChain(ctx, "BTCUSDT", delta(131, 140, 130))
	assert.Error(t, err)
	assert.False(t, keep)

	// Chain was forgotten: next delta starts a fresh chain.
	keep, err = c.checkDepthChain(ctx, "BTCUSDT", delta(141, 150, 140))
	require.NoError(t, err)
	assert.True(t, keep)
}

func TestChainContinuesFallsBackToFirstUpdateID(t *testing.T) {
	assert.True(t, chainContinues(110, delta(111, 120, 0)))
	assert.False(t, chainContinues(110, delta(115, 120, 0)))
	assert.True(t, chainContinues(110, delta(111, 120, 110)))
	assert.False(t, chainContinues(110, delta(111, 120, 109)))
}

func TestBuildURL(t *testing.T) {
	c := newChainClient(&fakeSnapshots{})
	u, err := c.buildURL()
	require.NoError(t, err)
	assert.Equal(t, "wss://example.test/stream?streams=btcusdt@depth@100ms", u)
}

func TestSymbolOf(t *testing.T) {
	assert.Equal(t, "BTCUSDT", symbolOf("btcusdt@depth@100ms"))
	assert.Equal(t, "ETHUSDT", symbolOf("ethusdt@bookTicker"))
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "disconnected", StateDisconnected.String())
	assert.Equal(t, "connected", StateConnected.String())
	assert.Equal(t, "failed", StateFailed.String())
}
