package usecase

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eliteGoblin/hs3guard/internal/domain"
	"github.com/eliteGoblin/hs3guard/test/fixtures"
)

func safetyEvent(at time.Time, level domain.SafetyLevel, msg string) domain.SafetyEvent {
	return domain.SafetyEvent{Timestamp: at, Type: domain.EventParameterLimit, Level: level, Message: msg}
}

func TestEventLog_AppendPersists(t *testing.T) {
	store := fixtures.NewMemoryStore()
	log := NewEventLog(0, store, nil)
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	log.Append(safetyEvent(now, domain.LevelWarning, "a"))
	log.Append(safetyEvent(now.Add(time.Second), domain.LevelCritical, "b"))

	assert.Equal(t, 2, log.Len())
	assert.Len(t, store.SafetyEvents(), 2)
	assert.Equal(t, 1, log.CountAtLeast(domain.LevelCritical))
	assert.Equal(t, 2, log.CountAtLeast(domain.LevelWarning))
}

func TestEventLog_StoreFailureKeepsMemory(t *testing.T) {
	store := fixtures.NewMemoryStore()
	store.Err = errors.New("locked")
	log := NewEventLog(time.Hour, store, nil)

	log.Append(safetyEvent(time.Now(), domain.LevelSafe, "kept"))
	assert.Equal(t, 1, log.Len())
	assert.Empty(t, store.SafetyEvents())
}

func TestEventLog_PurgeHonoursRetention(t *testing.T) {
	log := NewEventLog(24*time.Hour, nil, nil)
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		log.Append(safetyEvent(base.Add(time.Duration(i)*12*time.Hour), domain.LevelSafe, "e"))
	}

	removed := log.Purge(base.Add(60 * time.Hour))
	assert.Equal(t, 2, removed, "events at 0h and 12h are older than 24h")
	assert.Equal(t, 3, log.Len())
	assert.Equal(t, 0, log.Purge(base.Add(60*time.Hour)))
}

func TestEventLog_RecentAndSince(t *testing.T) {
	log := NewEventLog(0, nil, nil)
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	for i, msg := range []string{"a", "b", "c", "d"} {
		log.Append(safetyEvent(base.Add(time.Duration(i)*time.Minute), domain.LevelSafe, msg))
	}

	assert.Equal(t, []string{"c", "d"}, messages(log.Recent(2)))
	assert.Len(t, log.Recent(0), 4)
	assert.Len(t, log.Recent(99), 4)

	since := log.Since(base.Add(2 * time.Minute))
	require.Len(t, since, 2)
	assert.Equal(t, "c", since[0].Message)

	recent := log.Recent(1)
	recent[0].Message = "mutated"
	assert.Equal(t, "d", log.Recent(1)[0].Message, "callers get copies")
}
