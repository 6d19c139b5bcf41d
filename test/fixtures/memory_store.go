package fixtures

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/eliteGoblin/hs3guard/internal/domain"
)

// MemoryStore is an in-memory SessionRecordStore and SafetyEventStore.
type MemoryStore struct {
	mu      sync.Mutex
	records []domain.SessionRecord
	events  []domain.SafetyEvent

	// Err, when set, is returned by every write.
	Err error
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) SaveSessionRecord(_ context.Context, rec domain.SessionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	for i, r := range s.records {
		if r.SessionID == rec.SessionID {
			s.records[i] = rec
			return nil
		}
	}
	s.records = append(s.records, rec)
	return nil
}

func (s *MemoryStore) ListSessionRecords(_ context.Context, patientID string, limit int) ([]domain.SessionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.SessionRecord
	for i := len(s.records) - 1; i >= 0; i-- {
		if patientID == "" || s.records[i].PatientID == patientID {
			out = append(out, s.records[i])
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) AppendSafetyEvent(_ context.Context, ev domain.SafetyEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	s.events = append(s.events, ev)
	return nil
}

func (s *MemoryStore) ListSafetyEvents(_ context.Context, since time.Time, limit int) ([]domain.SafetyEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.SafetyEvent
	for _, ev := range s.events {
		if !ev.Timestamp.Before(since) {
			out = append(out, ev)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Records returns the saved records in insertion order.
func (s *MemoryStore) Records() []domain.SessionRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.SessionRecord(nil), s.records...)
}

// SafetyEvents returns the appended events in insertion order.
func (s *MemoryStore) SafetyEvents() []domain.SafetyEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.SafetyEvent(nil), s.events...)
}

var (
	_ domain.SessionRecordStore = (*MemoryStore)(nil)
	_ domain.SafetyEventStore   = (*MemoryStore)(nil)
)
