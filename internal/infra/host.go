// Package infra implements the adapters behind the domain interfaces:
// serial transport, device probes, host sampling, the encrypted store and
// event sinks.
package infra

import (
	"strings"

	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/eliteGoblin/hs3guard/internal/domain"
)

// DefaultConflictingProcesses are vendor tools that grab the HS3 port.
var DefaultConflictingProcesses = []string{"TiePieMulti", "MultiChannel", "HS3Control"}

// HostSampler implements domain.HostSampler using gopsutil.
type HostSampler struct {
	conflicting []string

	memoryFn    func() (float64, error)
	loadFn      func() (float64, error)
	processesFn func() ([]string, error)
}

// NewHostSampler creates a sampler that flags any running process whose
// name contains one of conflicting (case-insensitive).
func NewHostSampler(conflicting []string) *HostSampler {
	return &HostSampler{
		conflicting: conflicting,
		memoryFn:    virtualMemoryPercent,
		loadFn:      load1,
		processesFn: processNames,
	}
}

// Sample reads memory, load and the process table. Available is false only
// when memory cannot be read; rules skip host checks in that case.
func (h *HostSampler) Sample() domain.HostStats {
	var st domain.HostStats

	used, err := h.memoryFn()
	if err != nil {
		st.Err = err.Error()
		return st
	}
	st.Available = true
	st.MemoryUsedPercent = used

	if l, err := h.loadFn(); err == nil {
		st.Load1 = l
	}

	if len(h.conflicting) == 0 {
		return st
	}
	names, err := h.processesFn()
	if err != nil {
		st.Err = err.Error()
		return st
	}
	st.ConflictingProcesses = matchProcesses(names, h.conflicting)
	return st
}

// matchProcesses returns the running names matching any pattern, each once.
func matchProcesses(names, patterns []string) []string {
	var found []string
	seen := make(map[string]bool)
	for _, name := range names {
		lower := strings.ToLower(name)
		for _, pattern := range patterns {
			if pattern == "" {
				continue
			}
			if strings.EqualFold(name, pattern) || strings.Contains(lower, strings.ToLower(pattern)) {
				if !seen[name] {
					seen[name] = true
					found = append(found, name)
				}
				break
			}
		}
	}
	return found
}

func virtualMemoryPercent() (float64, error) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return 0, err
	}
	return vm.UsedPercent, nil
}

func load1() (float64, error) {
	avg, err := load.Avg()
	if err != nil {
		return 0, err
	}
	return avg.Load1, nil
}

func processNames() ([]string, error) {
	procs, err := process.Processes()
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(procs))
	for _, p := range procs {
		name, err := p.Name()
		if err != nil {
			continue // exited
		}
		names = append(names, name)
	}
	return names, nil
}

var _ domain.HostSampler = (*HostSampler)(nil)
