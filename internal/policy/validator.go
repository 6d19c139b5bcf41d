package policy

import (
	"fmt"
	"math"

	"github.com/eliteGoblin/hs3guard/internal/domain"
)

// combinedTolerance absorbs float rounding in amplitude + |offset| comparisons.
const combinedTolerance = 1e-9

// Validator checks parameters against a fixed copy of the limits.
// It has no state besides the limits and performs no I/O.
type Validator struct {
	limits Limits
}

// NewValidator creates a validator bound to a copy of l.
func NewValidator(l Limits) *Validator {
	return &Validator{limits: l}
}

// Limits returns a copy of the limits the validator enforces.
func (v *Validator) Limits() Limits {
	return v.limits
}

func invalid(field string, value float64, msg string) *domain.ValidationError {
	return &domain.ValidationError{Field: field, Value: value, Message: msg}
}

func notFinite(f float64) bool {
	return math.IsNaN(f) || math.IsInf(f, 0)
}

// ValidateAmplitude checks amplitude in volts against the inclusive bounds.
func (v *Validator) ValidateAmplitude(a float64) error {
	switch {
	case notFinite(a):
		return invalid("amplitude", a, "Amplitude deve ser um número")
	case a < v.limits.MinAmplitude:
		return invalid("amplitude", a, "Amplitude mínima: "+decimal(v.limits.MinAmplitude)+"V")
	case a > v.limits.MaxAmplitude:
		return invalid("amplitude", a, "Amplitude máxima: "+decimal(v.limits.MaxAmplitude)+"V")
	}
	return nil
}

// ValidateOffset checks DC offset in volts against the inclusive bounds.
func (v *Validator) ValidateOffset(o float64) error {
	switch {
	case notFinite(o):
		return invalid("offset", o, "Offset deve ser um número")
	case o < v.limits.MinOffset:
		return invalid("offset", o, "Offset mínimo: "+decimal(v.limits.MinOffset)+"V")
	case o > v.limits.MaxOffset:
		return invalid("offset", o, "Offset máximo: "+decimal(v.limits.MaxOffset)+"V")
	}
	return nil
}

// ValidateFrequency checks frequency in hertz against the inclusive bounds.
func (v *Validator) ValidateFrequency(f float64) error {
	switch {
	case notFinite(f):
		return invalid("frequency", f, "Frequência deve ser um número")
	case f < v.limits.MinFrequency:
		return invalid("frequency", f, "Frequência mínima: "+decimal(v.limits.MinFrequency)+"Hz")
	case f > v.limits.MaxFrequency:
		return invalid("frequency", f, "Frequência máxima: "+grouped(v.limits.MaxFrequency)+"Hz")
	}
	return nil
}

// ValidateDuration checks a duration in whole minutes.
func (v *Validator) ValidateDuration(minutes int) error {
	switch {
	case minutes < v.limits.MinDurationMinutes:
		return invalid("duration", float64(minutes), fmt.Sprintf("Duração mínima: %d minuto(s)", v.limits.MinDurationMinutes))
	case minutes > v.limits.MaxDurationMinutes:
		return invalid("duration", float64(minutes), fmt.Sprintf("Duração máxima: %d minuto(s)", v.limits.MaxDurationMinutes))
	}
	return nil
}

// ValidateCombined enforces amplitude + |offset| <= max amplitude.
func (v *Validator) ValidateCombined(p domain.ParameterSet) error {
	total := p.TotalVoltage()
	if total > v.limits.MaxAmplitude+combinedTolerance {
		return invalid("total_voltage", total, fmt.Sprintf("Tensão total %sV excede o máximo de %sV",
			decimal(math.Round(total*1000)/1000), decimal(v.limits.MaxAmplitude)))
	}
	return nil
}

// ValidateParameters checks amplitude, offset, frequency and the combined bound.
func (v *Validator) ValidateParameters(p domain.ParameterSet) error {
	if err := v.ValidateAmplitude(p.Amplitude); err != nil {
		return err
	}
	if err := v.ValidateOffset(p.Offset); err != nil {
		return err
	}
	if err := v.ValidateFrequency(p.Frequency); err != nil {
		return err
	}
	return v.ValidateCombined(p)
}

// ValidateAll checks every field and reports the first failure prefixed with
// the field that caused it ("Amplitude inválida: Amplitude máxima: 5.0V").
func (v *Validator) ValidateAll(p domain.ParameterSet, durationMinutes int) error {
	checks := []struct {
		prefix string
		err    error
	}{
		{"Amplitude inválida: ", v.ValidateAmplitude(p.Amplitude)},
		{"Offset inválido: ", v.ValidateOffset(p.Offset)},
		{"Frequência inválida: ", v.ValidateFrequency(p.Frequency)},
		{"Duração inválida: ", v.ValidateDuration(durationMinutes)},
	}
	for _, c := range checks {
		if c.err != nil {
			verr := c.err.(*domain.ValidationError)
			return invalid(verr.Field, verr.Value, c.prefix+verr.Message)
		}
	}
	return v.ValidateCombined(p)
}

// StepMinutes converts a step duration to the whole minutes the duration
// limits are expressed in. Sub-minute steps count as one minute. It rounds
// down, so ValidateStep checks the maximum against seconds directly.
func StepMinutes(seconds int) int {
	m := seconds / 60
	if m < 1 {
		return 1
	}
	return m
}

// ValidateStep checks a single plan step. Messages are the raw field messages.
func (v *Validator) ValidateStep(s domain.StepSpec) error {
	if err := v.ValidateAmplitude(s.Amplitude); err != nil {
		return err
	}
	if err := v.ValidateOffset(s.Offset); err != nil {
		return err
	}
	if err := v.ValidateFrequency(s.Frequency); err != nil {
		return err
	}
	if s.DurationSeconds <= 0 {
		return invalid("duration", float64(s.DurationSeconds), "Duração deve ser positiva")
	}
	if s.DurationSeconds > v.limits.MaxDurationMinutes*60 {
		return invalid("duration", float64(s.DurationSeconds)/60,
			fmt.Sprintf("Duração máxima: %d minuto(s)", v.limits.MaxDurationMinutes))
	}
	if err := v.ValidateDuration(StepMinutes(s.DurationSeconds)); err != nil {
		return err
	}
	return v.ValidateCombined(s.Parameters())
}

// NewStep builds a step and validates it.
func (v *Validator) NewStep(frequency, amplitude, offset float64, durationSeconds int, description string) (domain.StepSpec, error) {
	s := domain.StepSpec{
		Frequency:       frequency,
		Amplitude:       amplitude,
		Offset:          offset,
		DurationSeconds: durationSeconds,
		Description:     description,
	}
	if err := v.ValidateStep(s); err != nil {
		return domain.StepSpec{}, err
	}
	return s, nil
}

// Partial is a parameter request where any field may be missing.
type Partial struct {
	Frequency *float64
	Amplitude *float64
	Offset    *float64
}

func clampF(val, lo, hi float64) float64 {
	if math.IsNaN(val) {
		return lo
	}
	return math.Max(lo, math.Min(hi, val))
}

// Clamp returns a ParameterSet inside the limits. Missing fields take the
// configured defaults; supplied ones are clamped. If amplitude + |offset|
// still exceeds the maximum, amplitude is reduced first and then offset.
// Clamp(Clamp(x)) == Clamp(x).
func (v *Validator) Clamp(p Partial) domain.ParameterSet {
	l := v.limits
	out := domain.ParameterSet{
		Frequency: l.DefaultFrequency,
		Amplitude: l.DefaultAmplitude,
		Offset:    l.DefaultOffset,
	}
	if p.Frequency != nil {
		out.Frequency = clampF(*p.Frequency, l.MinFrequency, l.MaxFrequency)
	}
	if p.Amplitude != nil {
		out.Amplitude = clampF(*p.Amplitude, l.MinAmplitude, l.MaxAmplitude)
	}
	if p.Offset != nil {
		out.Offset = clampF(*p.Offset, l.MinOffset, l.MaxOffset)
	}

	if out.TotalVoltage() > l.MaxAmplitude+combinedTolerance {
		out.Amplitude = math.Max(l.MinAmplitude, l.MaxAmplitude-math.Abs(out.Offset))
		if out.TotalVoltage() > l.MaxAmplitude+combinedTolerance {
			room := l.MaxAmplitude - out.Amplitude
			out.Offset = math.Copysign(room, out.Offset)
		}
	}
	return out
}

// ClampDuration returns the duration in minutes, defaulted and clamped.
func (v *Validator) ClampDuration(minutes *int) int {
	l := v.limits
	if minutes == nil {
		return l.DefaultDurationMinutes
	}
	m := *minutes
	if m < l.MinDurationMinutes {
		return l.MinDurationMinutes
	}
	if m > l.MaxDurationMinutes {
		return l.MaxDurationMinutes
	}
	return m
}
