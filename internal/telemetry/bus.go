// Package telemetry provides the in-process event bus and the
// prometheus metrics registry shared by every component.
package telemetry

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// EventKind classifies bus events.
type EventKind string

const (
	KindConnState    EventKind = "conn_state"
	KindIngestRate   EventKind = "ingest_rate"
	KindBatchFlush   EventKind = "batch_flush"
	KindBatchDropped EventKind = "batch_dropped"
	KindResync       EventKind = "depth_resync"
	KindDegraded     EventKind = "degraded"
	KindValidation   EventKind = "validation"
	KindRetention    EventKind = "retention"
	KindAbort        EventKind = "task_abort"
)

// Event is one broadcast message. Fields carries kind-specific
// payload; values must be JSON-serializable for the control plane.
type Event struct {
	Kind      EventKind              `json:"kind"`
	Source    string                 `json:"source"`
	Timestamp time.Time              `json:"ts"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// Bus is a bounded fan-out broadcaster. Publishing never blocks: a
// subscriber whose queue is full is disconnected and counted, per the
// slow-consumer policy.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string]chan Event
	queueSize   int
	dropped     int64
	closed      bool
}

// NewBus creates a bus whose subscribers get queues of queueSize.
func NewBus(queueSize int) *Bus {
	if queueSize <= 0 {
		queueSize = 256
	}
	return &Bus{
		subscribers: make(map[string]chan Event),
		queueSize:   queueSize,
	}
}

// Subscribe registers a consumer and returns its id, receive channel,
// and a cancel func. The channel is closed on cancel, slow-consumer
// eviction, or bus close.
func (b *Bus) Subscribe() (string, <-chan Event, func()) {
	id := uuid.New().String()[:8]
	ch := make(chan Event, b.queueSize)

	b.mu.Lock()
	if b.closed {
		close(ch)
	} else {
		b.subscribers[id] = ch
	}
	b.mu.Unlock()

	cancel := func() { b.evict(id) }
	return id, ch, cancel
}

// Publish broadcasts an event, stamping the timestamp if unset.
func (b *Bus) Publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	var slow []string
	b.mu.RLock()
	for id, ch := range b.subscribers {
		select {
		case ch <- ev:
		default:
			slow = append(slow, id)
		}
	}
	b.mu.RUnlock()

	for _, id := range slow {
		b.evict(id)
		b.mu.Lock()
		b.dropped++
		b.mu.Unlock()
		log.Warn().Str("subscriber", id).Str("kind", string(ev.Kind)).Msg("Telemetry subscriber too slow, disconnected")
	}
}

// Emit is a convenience wrapper for Publish.
func (b *Bus) Emit(kind EventKind, source string, fields map[string]interface{}) {
	b.Publish(Event{Kind: kind, Source: source, Fields: fields})
}

// DroppedSubscribers returns how many consumers were evicted for
// falling behind.
func (b *Bus) DroppedSubscribers() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.dropped
}

// SubscriberCount returns the live consumer count.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Close disconnects all subscribers. The bus is unusable afterwards.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subscribers {
		close(ch)
		delete(b.subscribers, id)
	}
}

func (b *Bus) evict(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.subscribers[id]; ok {
		close(ch)
		delete(b.subscribers, id)
	}
}
