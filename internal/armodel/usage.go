package armodel

import (
	"context"
	"sync"
	"time"
)

// UsageEvent records one successful forecast made with a model.
type UsageEvent struct {
	InstrumentID string
	ModelVersion string
	At           time.Time
}

// UsageRecorder receives usage events. Implementations must be safe for concurrent use.
type UsageRecorder interface {
	RecordUsage(ctx context.Context, event UsageEvent) error
}

type usageStat struct {
	lastUsed time.Time
	uses     int64
}

// UsageTracker is an in-process append-only usage log.
type UsageTracker struct {
	mu     sync.RWMutex
	events []UsageEvent
	stats  map[string]usageStat
	limit  int
}

// NewUsageTracker keeps at least the last limit events in memory; limit <= 0 keeps every event.
// The log is compacted once it holds twice the limit.
func NewUsageTracker(limit int) *UsageTracker {
	return &UsageTracker{stats: make(map[string]usageStat), limit: limit}
}

// RecordUsage appends an event.
func (t *UsageTracker) RecordUsage(_ context.Context, event UsageEvent) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.events = append(t.events, event)
	if t.limit > 0 && len(t.events) >= 2*t.limit {
		n := copy(t.events, t.events[len(t.events)-t.limit:])
		clear(t.events[n:])
		t.events = t.events[:n]
	}

	stat := t.stats[event.InstrumentID]
	stat.uses++
	if event.At.After(stat.lastUsed) {
		stat.lastUsed = event.At
	}
	t.stats[event.InstrumentID] = stat
	return nil
}

// LastUsedAt reports the most recent use of any model for the instrument.
func (t *UsageTracker) LastUsedAt(instrumentID string) (time.Time, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	stat, ok := t.stats[instrumentID]
	return stat.lastUsed, ok
}

// Uses reports how many forecasts used a model for the instrument.
func (t *UsageTracker) Uses(instrumentID string) int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.stats[instrumentID].uses
}

// Events returns a snapshot of the last limit events, oldest first.
func (t *UsageTracker) Events() []UsageEvent {
	t.mu.RLock()
	defer t.mu.RUnlock()
	events := t.events
	if t.limit > 0 && len(events) > t.limit {
		events = events[len(events)-t.limit:]
	}
	return append([]UsageEvent(nil), events...)
}

// MultiRecorder fans an event out to several recorders and returns the first failure.
type MultiRecorder []UsageRecorder

// RecordUsage implements UsageRecorder.
func (m MultiRecorder) RecordUsage(ctx context.Context, event UsageEvent) error {
	var first error
	for _, r := range m {
		if r == nil {
			continue
		}
		if err := r.RecordUsage(ctx, event); err != nil && first == nil {
			first = err
		}
	}
	return first
}

var _ UsageRecorder = (*UsageTracker)(nil)
var _ UsageRecorder = MultiRecorder(nil)
