package ingest

import (
	"fmt"
	"sort"

	"github.com/marketflow/collector/internal/config"
	"github.com/marketflow/collector/internal/models"
	"github.com/marketflow/collector/internal/symbols"
)

// Shard declares one stream client: a channel set over a symbol set.
type Shard struct {
	ID       string
	Tier     symbols.Tier
	Channels []models.Channel
	Symbols  []string
}

// Streams renders the venue stream names this shard subscribes to.
func (s Shard) Streams() []string {
	out := make([]string, 0, len(s.Symbols)*len(s.Channels))
	for _, sym := range s.Symbols {
		for _, ch := range s.Channels {
			out = append(out, StreamName(sym, ch))
		}
	}
	return out
}

// Plan is the declarative connection layout for a symbol universe.
type Plan struct {
	Shards []Shard
}

// BuildPlan partitions the universe by liquidity tier. Top-tier
// symbols carry every enabled channel including depth; the mid tier
// carries book and trade streams; the long tail carries book tickers
// only. Optional channels ride on the top-tier shards. The total shard
// count is capped by cfg.MaxConnections; overflow widens the last
// shard of each tier rather than dropping symbols.
func BuildPlan(universe []string, enabled []models.Channel, cfg config.ShardConfig) (Plan, error) {
	if len(universe) == 0 {
		return Plan{}, fmt.Errorf("ingest: cannot plan an empty universe")
	}

	enabledSet := make(map[models.Channel]bool, len(enabled))
	for _, ch := range enabled {
		enabledSet[ch] = true
	}

	byTier := map[symbols.Tier][]string{}
	for _, sym := range universe {
		tier := symbols.TierOf(sym)
		byTier[tier] = append(byTier[tier], sym)
	}
	for _, group := range byTier {
		sort.Strings(group)
	}

	tierChannels := map[symbols.Tier][]models.Channel{
		symbols.TierTop:  filterChannels(enabledSet, models.ChannelBookTicker, models.ChannelAggTrade, models.ChannelDepth, models.ChannelMarkPrice, models.ChannelForceOrder),
		symbols.TierMid:  filterChannels(enabledSet, models.ChannelBookTicker, models.ChannelAggTrade),
		symbols.TierTail: filterChannels(enabledSet, models.ChannelBookTicker),
	}
	tierWidth := map[symbols.Tier]int{
		symbols.TierTop:  cfg.TopSymbolsPerShard,
		symbols.TierMid:  cfg.MidSymbolsPerShard,
		symbols.TierTail: cfg.TailSymbolsPerShard,
	}

	var plan Plan
	for _, tier := range []symbols.Tier{symbols.TierTop, symbols.TierMid, symbols.TierTail} {
		group := byTier[tier]
		if len(group) == 0 {
			continue
		}
		width := tierWidth[tier]
		if width <= 0 {
			width = len(group)
		}
		for i := 0; i < len(group); i += width {
			end := i + width
			if end > len(group) {
				end = len(group)
			}
			plan.Shards = append(plan.Shards, Shard{
				ID:       fmt.Sprintf("%s-%d", tier, i/width+1),
				Tier:     tier,
				Channels: tierChannels[tier],
				Symbols:  group[i:end],
			})
		}
	}

	// Bound the connection count by merging the widest tier's shards.
	for len(plan.Shards) > cfg.MaxConnections && mergeLastPair(&plan) {
	}
	if len(plan.Shards) > cfg.MaxConnections {
		return Plan{}, fmt.Errorf("ingest: plan needs %d connections, cap is %d", len(plan.Shards), cfg.MaxConnections)
	}
	return plan, nil
}

// Diff computes the minimal change set between two plans: shards to
// drain and shards to create. Unchanged shards (same id, channels and
// symbols) are untouched.
func Diff(current, next Plan) (drain, create []Shard) {
	curByID := make(map[string]Shard, len(current.Shards))
	for _, s := range current.Shards {
		curByID[s.ID] = s
	}
	nextByID := make(map[string]Shard, len(next.Shards))
	for _, s := range next.Shards {
		nextByID[s.ID] = s
	}

	for id, cur := range curByID {
		if n, ok := nextByID[id]; !ok || !sameShard(cur, n) {
			drain = append(drain, cur)
		}
	}
	for id, n := range nextByID {
		if cur, ok := curByID[id]; !ok || !sameShard(cur, n) {
			create = append(create, n)
		}
	}
	sort.Slice(drain, func(i, j int) bool { return drain[i].ID < drain[j].ID })
	sort.Slice(create, func(i, j int) bool { return create[i].ID < create[j].ID })
	return drain, create
}

// StreamName renders the venue stream identifier for a symbol+channel.
func StreamName(symbol string, ch models.Channel) string {
	lower := toLower(symbol)
	switch ch {
	case models.ChannelDepth:
		return lower + "@depth@100ms"
	case models.ChannelMarkPrice:
		return lower + "@markPrice@1s"
	default:
		return lower + "@" + string(ch)
	}
}

func filterChannels(enabled map[models.Channel]bool, want ...models.Channel) []models.Channel {
	out := make([]models.Channel, 0, len(want))
	for _, ch := range want {
		if enabled[ch] {
			out = append(out, ch)
		}
	}
	return out
}

func sameShard(a, b Shard) bool {
	if a.ID != b.ID || a.Tier != b.Tier ||
		len(a.Channels) != len(b.Channels) || len(a.Symbols) != len(b.Symbols) {
		return false
	}
	for i := range a.Channels {
		if a.Channels[i] != b.Channels[i] {
			return false
		}
	}
	for i := range a.Symbols {
		if a.Symbols[i] != b.Symbols[i] {
			return false
		}
	}
	return true
}

// mergeLastPair folds the last two shards of the most numerous tier
// into one. Returns false when no merge is possible.
func mergeLastPair(plan *Plan) bool {
	counts := map[symbols.Tier][]int{}
	for i, s := range plan.Shards {
		counts[s.Tier] = append(counts[s.Tier], i)
	}
	var tier symbols.Tier
	best := 0
	for t, idxs := range counts {
		if len(idxs) > best {
			best = len(idxs)
			tier = t
		}
	}
	if best < 2 {
		return false
	}
	idxs := counts[tier]
	a, b := idxs[len(idxs)-2], idxs[len(idxs)-1]
	plan.Shards[a].Symbols = append(plan.Shards[a].Symbols, plan.Shards[b].Symbols...)
	plan.Shards = append(plan.Shards[:b], plan.Shards[b+1:]...)
	return true
}

func toLower(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + 32
		}
	}
	return string(b)
}
