package infra

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func fakeSampler(conflicting []string, mem float64, memErr error, procs []string, procErr error) *HostSampler {
	h := NewHostSampler(conflicting)
	h.memoryFn = func() (float64, error) { return mem, memErr }
	h.loadFn = func() (float64, error) { return 0.5, nil }
	h.processesFn = func() ([]string, error) { return procs, procErr }
	return h
}

func TestHostSampler_Sample(t *testing.T) {
	tests := []struct {
		name      string
		sampler   *HostSampler
		available bool
		memory    float64
		conflicts []string
		errSet    bool
	}{
		{
			name:      "healthy host",
			sampler:   fakeSampler(DefaultConflictingProcesses, 42, nil, []string{"bash", "hs3guard"}, nil),
			available: true,
			memory:    42,
		},
		{
			name:      "conflicting vendor tool",
			sampler:   fakeSampler(DefaultConflictingProcesses, 42, nil, []string{"bash", "tiepiemulti.exe", "TiePieMulti.exe"}, nil),
			available: true,
			memory:    42,
			conflicts: []string{"tiepiemulti.exe", "TiePieMulti.exe"},
		},
		{
			name:    "memory unreadable",
			sampler: fakeSampler(DefaultConflictingProcesses, 0, errors.New("no /proc"), nil, nil),
			errSet:  true,
		},
		{
			name:      "process table unreadable keeps memory",
			sampler:   fakeSampler(DefaultConflictingProcesses, 80, nil, nil, errors.New("permission denied")),
			available: true,
			memory:    80,
			errSet:    true,
		},
		{
			name:      "no patterns skips process scan",
			sampler:   fakeSampler(nil, 10, nil, nil, errors.New("not called")),
			available: true,
			memory:    10,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := tt.sampler.Sample()
			assert.Equal(t, tt.available, st.Available)
			assert.Equal(t, tt.memory, st.MemoryUsedPercent)
			assert.Equal(t, tt.conflicts, st.ConflictingProcesses)
			assert.Equal(t, tt.errSet, st.Err != "")
		})
	}
}

func TestHostSampler_Real(t *testing.T) {
	st := NewHostSampler([]string{"definitely-not-running-hs3-vendor-tool"}).Sample()
	if !st.Available {
		t.Skipf("host stats unavailable: %s", st.Err)
	}
	assert.GreaterOrEqual(t, st.MemoryUsedPercent, 0.0)
	assert.LessOrEqual(t, st.MemoryUsedPercent, 100.0)
	assert.Empty(t, st.ConflictingProcesses)
}
