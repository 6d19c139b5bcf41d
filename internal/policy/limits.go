// Package policy holds the configured safety limits, the parameter validator
// and the ordered set of safety rules evaluated by the monitor.
package policy

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/eliteGoblin/hs3guard/internal/domain"
)

// Limits is the authoritative configuration of permitted output.
// A Validator keeps its own copy; there is no way to relax it at runtime.
type Limits struct {
	MinAmplitude     float64 `yaml:"min_amplitude"`
	MaxAmplitude     float64 `yaml:"max_amplitude"`
	DefaultAmplitude float64 `yaml:"default_amplitude"`

	MinOffset     float64 `yaml:"min_offset"`
	MaxOffset     float64 `yaml:"max_offset"`
	DefaultOffset float64 `yaml:"default_offset"`

	MinFrequency     float64 `yaml:"min_frequency"`
	MaxFrequency     float64 `yaml:"max_frequency"`
	DefaultFrequency float64 `yaml:"default_frequency"`

	MinDurationMinutes     int `yaml:"min_duration_minutes"`
	MaxDurationMinutes     int `yaml:"max_duration_minutes"`
	DefaultDurationMinutes int `yaml:"default_duration_minutes"`

	SerialTimeout time.Duration `yaml:"serial_timeout"`
	BaudRate      int           `yaml:"baud_rate"`
}

// DefaultLimits returns the compiled-in limits.
func DefaultLimits() Limits {
	return Limits{
		MinAmplitude:     0.1,
		MaxAmplitude:     5.0,
		DefaultAmplitude: 2.0,

		MinOffset:     -2.5,
		MaxOffset:     2.5,
		DefaultOffset: 0.0,

		MinFrequency:     0.1,
		MaxFrequency:     1_000_000.0,
		DefaultFrequency: 1000.0,

		MinDurationMinutes:     1,
		MaxDurationMinutes:     60,
		DefaultDurationMinutes: 5,

		SerialTimeout: 2 * time.Second,
		BaudRate:      115200,
	}
}

// Bounds are the hard outer limits no administrative override may exceed.
type Bounds struct {
	MaxAmplitude       float64
	MaxAbsOffset       float64
	MaxFrequency       float64
	MaxDurationMinutes int
}

// HardBounds are enforced on every Limits value, compiled-in or loaded.
var HardBounds = Bounds{
	MaxAmplitude:       10.0,
	MaxAbsOffset:       5.0,
	MaxFrequency:       2_000_000.0,
	MaxDurationMinutes: 240,
}

// Check verifies the limits are internally consistent and inside b.
func (l Limits) Check(b Bounds) error {
	var errs []error
	finite := func(name string, v float64) {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			errs = append(errs, fmt.Errorf("%s must be a finite number", name))
		}
	}
	finite("min_amplitude", l.MinAmplitude)
	finite("max_amplitude", l.MaxAmplitude)
	finite("default_amplitude", l.DefaultAmplitude)
	finite("min_offset", l.MinOffset)
	finite("max_offset", l.MaxOffset)
	finite("default_offset", l.DefaultOffset)
	finite("min_frequency", l.MinFrequency)
	finite("max_frequency", l.MaxFrequency)
	finite("default_frequency", l.DefaultFrequency)
	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	if l.MinAmplitude <= 0 {
		errs = append(errs, errors.New("min_amplitude must be positive"))
	}
	if l.MaxAmplitude > b.MaxAmplitude {
		errs = append(errs, fmt.Errorf("max_amplitude %v exceeds hard bound %v", l.MaxAmplitude, b.MaxAmplitude))
	}
	if l.MinOffset < -b.MaxAbsOffset || l.MaxOffset > b.MaxAbsOffset {
		errs = append(errs, fmt.Errorf("offset range [%v, %v] exceeds hard bound ±%v", l.MinOffset, l.MaxOffset, b.MaxAbsOffset))
	}
	if l.MinFrequency <= 0 {
		errs = append(errs, errors.New("min_frequency must be positive"))
	}
	if l.MaxFrequency > b.MaxFrequency {
		errs = append(errs, fmt.Errorf("max_frequency %v exceeds hard bound %v", l.MaxFrequency, b.MaxFrequency))
	}
	if l.MinDurationMinutes < 1 {
		errs = append(errs, errors.New("min_duration_minutes must be at least 1"))
	}
	if l.MaxDurationMinutes > b.MaxDurationMinutes {
		errs = append(errs, fmt.Errorf("max_duration_minutes %d exceeds hard bound %d", l.MaxDurationMinutes, b.MaxDurationMinutes))
	}
	if l.SerialTimeout <= 0 {
		errs = append(errs, errors.New("serial_timeout must be positive"))
	}
	if l.BaudRate <= 0 {
		errs = append(errs, errors.New("baud_rate must be positive"))
	}

	orderF := func(name string, lo, def, hi float64) {
		if !(lo <= def && def <= hi) {
			errs = append(errs, fmt.Errorf("%s: expected min <= default <= max, got %v <= %v <= %v", name, lo, def, hi))
		}
	}
	orderF("amplitude", l.MinAmplitude, l.DefaultAmplitude, l.MaxAmplitude)
	orderF("offset", l.MinOffset, l.DefaultOffset, l.MaxOffset)
	orderF("frequency", l.MinFrequency, l.DefaultFrequency, l.MaxFrequency)
	if !(l.MinDurationMinutes <= l.DefaultDurationMinutes && l.DefaultDurationMinutes <= l.MaxDurationMinutes) {
		errs = append(errs, fmt.Errorf("duration: expected min <= default <= max, got %d <= %d <= %d",
			l.MinDurationMinutes, l.DefaultDurationMinutes, l.MaxDurationMinutes))
	}
	if l.MinAmplitude+math.Abs(l.DefaultOffset) > l.MaxAmplitude {
		errs = append(errs, errors.New("default offset leaves no room for the minimum amplitude"))
	}

	return errors.Join(errs...)
}

// View returns the limits as seen by safety rules.
func (l Limits) View() domain.LimitsView {
	return domain.LimitsView{
		MinAmplitude: l.MinAmplitude,
		MaxAmplitude: l.MaxAmplitude,
		MinOffset:    l.MinOffset,
		MaxOffset:    l.MaxOffset,
		MinFrequency: l.MinFrequency,
		MaxFrequency: l.MaxFrequency,
	}
}

// ViewWithinBounds reports whether a limits view stays inside b.
// Used by the configuration tamper rule.
func ViewWithinBounds(v domain.LimitsView, b Bounds) bool {
	if v.MaxAmplitude > b.MaxAmplitude || v.MaxFrequency > b.MaxFrequency {
		return false
	}
	if math.Abs(v.MinOffset) > b.MaxAbsOffset || math.Abs(v.MaxOffset) > b.MaxAbsOffset {
		return false
	}
	return v.MinAmplitude > 0 && v.MinFrequency > 0
}

// LoadLimits reads an administrative override file on top of DefaultLimits.
// An empty path yields the defaults. Unknown keys and out-of-bound values are
// rejected.
func LoadLimits(path string) (Limits, error) {
	limits := DefaultLimits()
	if path == "" {
		return limits, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return Limits{}, fmt.Errorf("failed to read limits file: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&limits); err != nil && !errors.Is(err, io.EOF) {
		return Limits{}, fmt.Errorf("failed to parse limits file: %w", err)
	}

	if err := limits.Check(HardBounds); err != nil {
		return Limits{}, fmt.Errorf("invalid limits in %s: %w", path, err)
	}
	return limits, nil
}
