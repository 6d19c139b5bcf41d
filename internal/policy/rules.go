package policy

import (
	"fmt"
	"math"

	"github.com/eliteGoblin/hs3guard/internal/domain"
)

// Built-in rule IDs.
const (
	RuleHardwareConnected   = "hardware_connected"
	RuleParameterLimits     = "parameter_limits"
	RuleTotalVoltage        = "total_voltage"
	RuleConfigurationLimits = "configuration_limits"
	RuleHostResources       = "host_resources"
	RuleConflictingSoftware = "conflicting_software"
)

// Rule is one safety check evaluated against a snapshot.
// Check returns true when the snapshot is safe.
type Rule struct {
	ID          string
	Name        string
	Description string
	Level       domain.SafetyLevel
	Enabled     bool
	Check       func(domain.SystemSnapshot) bool
}

// RuleOptions tunes the built-in rules.
type RuleOptions struct {
	// MemoryThresholdPercent fails host_resources above this usage.
	MemoryThresholdPercent float64
}

// DefaultRuleOptions returns the options used when none are configured.
func DefaultRuleOptions() RuleOptions {
	return RuleOptions{MemoryThresholdPercent: 95}
}

// DefaultRules returns the built-in rules in evaluation order.
func DefaultRules(opts RuleOptions) []*Rule {
	return []*Rule{
		{
			ID:          RuleHardwareConnected,
			Name:        "Hardware connected",
			Description: "The generator must be connected and answer status queries while generating",
			Level:       domain.LevelCritical,
			Enabled:     true,
			Check:       checkHardwareConnected,
		},
		{
			ID:          RuleParameterLimits,
			Name:        "Parameter limits",
			Description: "Applied parameters must be within the configured limits while generating",
			Level:       domain.LevelCritical,
			Enabled:     true,
			Check:       checkParameterLimits,
		},
		{
			ID:          RuleTotalVoltage,
			Name:        "Total voltage",
			Description: "Amplitude plus absolute offset must not exceed the maximum amplitude",
			Level:       domain.LevelCritical,
			Enabled:     true,
			Check: func(s domain.SystemSnapshot) bool {
				return s.Device.Applied.TotalVoltage() <= s.Limits.MaxAmplitude+combinedTolerance
			},
		},
		{
			ID:          RuleConfigurationLimits,
			Name:        "Configuration limits",
			Description: "Configured limits must stay inside the hard outer bounds",
			Level:       domain.LevelCritical,
			Enabled:     true,
			Check: func(s domain.SystemSnapshot) bool {
				return ViewWithinBounds(s.Limits, HardBounds)
			},
		},
		{
			ID:          RuleHostResources,
			Name:        "Host resources",
			Description: fmt.Sprintf("Host memory usage must stay below %.0f%%", opts.MemoryThresholdPercent),
			Level:       domain.LevelWarning,
			Enabled:     true,
			Check: func(s domain.SystemSnapshot) bool {
				return !s.Host.Available || s.Host.MemoryUsedPercent < opts.MemoryThresholdPercent
			},
		},
		{
			ID:          RuleConflictingSoftware,
			Name:        "Conflicting software",
			Description: "No other generator control software may be running",
			Level:       domain.LevelWarning,
			Enabled:     true,
			Check: func(s domain.SystemSnapshot) bool {
				return len(s.Host.ConflictingProcesses) == 0
			},
		},
	}
}

// checkHardwareConnected also fails a link that still reports Connected but
// whose status query failed while the output is on. A pulled cable looks
// like that until the port is closed.
func checkHardwareConnected(s domain.SystemSnapshot) bool {
	if !s.Device.Connected {
		return false
	}
	return !s.Device.Generating || s.Device.Warning == ""
}

func checkParameterLimits(s domain.SystemSnapshot) bool {
	if !s.Device.Generating {
		return true
	}
	p, l := s.Device.Applied, s.Limits
	if math.IsNaN(p.Amplitude) || math.IsNaN(p.Offset) || math.IsNaN(p.Frequency) {
		return false
	}
	return p.Amplitude >= l.MinAmplitude && p.Amplitude <= l.MaxAmplitude &&
		p.Offset >= l.MinOffset && p.Offset <= l.MaxOffset &&
		p.Frequency >= l.MinFrequency && p.Frequency <= l.MaxFrequency
}

// RuleSet holds rules in registration order. Evaluation follows that order.
type RuleSet struct {
	order []string
	rules map[string]*Rule
}

// NewRuleSet creates a rule set with the built-in rules.
func NewRuleSet(opts RuleOptions) *RuleSet {
	rs, _ := NewRuleSetWithRules(DefaultRules(opts)...)
	return rs
}

// NewRuleSetWithRules creates a rule set with custom rules (for testing).
func NewRuleSetWithRules(rules ...*Rule) (*RuleSet, error) {
	rs := &RuleSet{rules: make(map[string]*Rule)}
	for _, r := range rules {
		if err := rs.Add(r); err != nil {
			return nil, err
		}
	}
	return rs, nil
}

// Add appends a rule. IDs must be unique and Check must be set.
func (rs *RuleSet) Add(r *Rule) error {
	if r == nil || r.ID == "" {
		return fmt.Errorf("rule must have an id")
	}
	if r.Check == nil {
		return fmt.Errorf("rule %s has no check", r.ID)
	}
	if _, exists := rs.rules[r.ID]; exists {
		return fmt.Errorf("rule already registered: %s", r.ID)
	}
	rs.rules[r.ID] = r
	rs.order = append(rs.order, r.ID)
	return nil
}

// Get returns a copy of a rule by ID.
func (rs *RuleSet) Get(id string) (Rule, bool) {
	r, ok := rs.rules[id]
	if !ok {
		return Rule{}, false
	}
	return *r, true
}

// SetEnabled toggles a rule.
func (rs *RuleSet) SetEnabled(id string, enabled bool) error {
	r, ok := rs.rules[id]
	if !ok {
		return fmt.Errorf("rule not found: %s", id)
	}
	r.Enabled = enabled
	return nil
}

// Enabled returns copies of the enabled rules in evaluation order.
func (rs *RuleSet) Enabled() []Rule {
	out := make([]Rule, 0, len(rs.order))
	for _, id := range rs.order {
		if r := rs.rules[id]; r.Enabled {
			out = append(out, *r)
		}
	}
	return out
}

// All returns copies of every rule in evaluation order.
func (rs *RuleSet) All() []Rule {
	out := make([]Rule, 0, len(rs.order))
	for _, id := range rs.order {
		out = append(out, *rs.rules[id])
	}
	return out
}

// List returns all rule IDs in evaluation order.
func (rs *RuleSet) List() []string {
	return append([]string(nil), rs.order...)
}
