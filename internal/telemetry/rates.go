package telemetry

import (
	"sync"
	"time"

	dto "github.com/prometheus/client_model/go"
)

// RateTracker derives per-channel events-per-second figures from the
// gathered collector_events_ingested_total counters. Status snapshots
// read these instead of re-counting in the hot path.
type RateTracker struct {
	metrics *Metrics

	mu       sync.Mutex
	lastScan time.Time
	lastVals map[string]float64
	rates    map[string]float64
}

// NewRateTracker wraps a metric set.
func NewRateTracker(m *Metrics) *RateTracker {
	return &RateTracker{
		metrics:  m,
		lastVals: make(map[string]float64),
		rates:    make(map[string]float64),
	}
}

// Sample gathers the registry and updates the per-channel rates based
// on the delta since the previous call.
func (rt *RateTracker) Sample() error {
	families, err := rt.metrics.Registry().Gather()
	if err != nil {
		return err
	}

	now := time.Now()
	current := make(map[string]float64)
	for _, fam := range families {
		if fam.GetName() != "collector_events_ingested_total" {
			continue
		}
		for _, metric := range fam.GetMetric() {
			channel := labelValue(metric, "channel")
			if channel == "" {
				continue
			}
			current[channel] = metric.GetCounter().GetValue()
		}
	}

	rt.mu.Lock()
	defer rt.mu.Unlock()

	if !rt.lastScan.IsZero() {
		elapsed := now.Sub(rt.lastScan).Seconds()
		if elapsed > 0 {
			for channel, val := range current {
				rt.rates[channel] = (val - rt.lastVals[channel]) / elapsed
			}
		}
	}
	rt.lastScan = now
	rt.lastVals = current
	return nil
}

// Rates returns a copy of the latest per-channel events/sec values.
func (rt *RateTracker) Rates() map[string]float64 {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	out := make(map[string]float64, len(rt.rates))
	for k, v := range rt.rates {
		out[k] = v
	}
	return out
}

func labelValue(m *dto.Metric, name string) string {
	for _, lp := range m.GetLabel() {
		if lp.GetName() == name {
			return lp.GetValue()
		}
	}
	return ""
}
