// Package usecase contains application business logic.
package usecase

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/eliteGoblin/hs3guard/internal/domain"
)

// DefaultRetention is how long safety events stay in memory.
const DefaultRetention = 7 * 24 * time.Hour

const storeWriteTimeout = 2 * time.Second

// EventLog keeps the safety audit trail in memory and mirrors every entry
// to an optional store. Purge only trims memory; the store keeps history.
type EventLog struct {
	events    []domain.SafetyEvent
	retention time.Duration
	store     domain.SafetyEventStore
	logger    *zap.Logger
}

// NewEventLog creates an event log. store may be nil.
func NewEventLog(retention time.Duration, store domain.SafetyEventStore, logger *zap.Logger) *EventLog {
	if logger == nil {
		logger = zap.NewNop()
	}
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &EventLog{retention: retention, store: store, logger: logger}
}

// Append records an event. A store failure is logged and does not lose the
// in-memory entry.
func (l *EventLog) Append(ev domain.SafetyEvent) {
	l.events = append(l.events, ev)
	if l.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeWriteTimeout)
	defer cancel()
	if err := l.store.AppendSafetyEvent(ctx, ev); err != nil {
		l.logger.Warn("Failed to persist safety event",
			zap.String("type", string(ev.Type)),
			zap.Error(err))
	}
}

// Purge drops events older than the retention horizon and returns how many
// were removed.
func (l *EventLog) Purge(now time.Time) int {
	cutoff := now.Add(-l.retention)
	kept := l.events[:0]
	for _, ev := range l.events {
		if !ev.Timestamp.Before(cutoff) {
			kept = append(kept, ev)
		}
	}
	removed := len(l.events) - len(kept)
	for i := len(kept); i < len(l.events); i++ {
		l.events[i] = domain.SafetyEvent{}
	}
	l.events = kept
	return removed
}

// Recent returns up to n of the newest events, oldest first.
func (l *EventLog) Recent(n int) []domain.SafetyEvent {
	if n <= 0 || n > len(l.events) {
		n = len(l.events)
	}
	out := make([]domain.SafetyEvent, n)
	copy(out, l.events[len(l.events)-n:])
	return out
}

// Since returns the events at or after t.
func (l *EventLog) Since(t time.Time) []domain.SafetyEvent {
	var out []domain.SafetyEvent
	for _, ev := range l.events {
		if !ev.Timestamp.Before(t) {
			out = append(out, ev)
		}
	}
	return out
}

// Len returns the number of events held in memory.
func (l *EventLog) Len() int {
	return len(l.events)
}

// CountAtLeast returns how many events are at or above level.
func (l *EventLog) CountAtLeast(level domain.SafetyLevel) int {
	n := 0
	for _, ev := range l.events {
		if ev.Level >= level {
			n++
		}
	}
	return n
}
