package usecase

import (
	"errors"
	"fmt"
	"time"

	"github.com/eliteGoblin/hs3guard/internal/domain"
	"github.com/eliteGoblin/hs3guard/internal/policy"
)

// Plan is a validated, immutable sequence of steps.
type Plan struct {
	id        string
	label     string
	createdAt time.Time
	steps     []domain.StepSpec
}

// NewPlan validates every step and returns a plan, or the first
// ValidationError with Step set to the 1-based step number.
func NewPlan(v *policy.Validator, id, label string, createdAt time.Time, steps []domain.StepSpec) (*Plan, error) {
	if len(steps) == 0 {
		return nil, &domain.ValidationError{Field: "steps", Message: "Plano deve conter pelo menos um passo"}
	}
	for i, s := range steps {
		if err := v.ValidateStep(s); err != nil {
			var verr *domain.ValidationError
			if errors.As(err, &verr) {
				out := *verr
				out.Step = i + 1
				return nil, &out
			}
			return nil, fmt.Errorf("failed to validate step %d: %w", i+1, err)
		}
	}
	return &Plan{
		id:        id,
		label:     label,
		createdAt: createdAt,
		steps:     append([]domain.StepSpec(nil), steps...),
	}, nil
}

func (p *Plan) ID() string           { return p.id }
func (p *Plan) Label() string        { return p.label }
func (p *Plan) CreatedAt() time.Time { return p.createdAt }
func (p *Plan) Len() int             { return len(p.steps) }

// Steps returns a copy of the steps.
func (p *Plan) Steps() []domain.StepSpec {
	return append([]domain.StepSpec(nil), p.steps...)
}

// Step returns step i.
func (p *Plan) Step(i int) domain.StepSpec {
	return p.steps[i]
}

// TotalDuration is the sum of all step durations.
func (p *Plan) TotalDuration() time.Duration {
	var d time.Duration
	for _, s := range p.steps {
		d += s.Duration()
	}
	return d
}

// SimplePlanSteps builds one step per frequency with shared amplitude,
// offset and dwell. Every value is clamped into the limits, so the result
// always validates.
func SimplePlanSteps(v *policy.Validator, freqs []float64, amplitude, offset *float64, stepMinutes *int) []domain.StepSpec {
	minutes := v.ClampDuration(stepMinutes)
	steps := make([]domain.StepSpec, 0, len(freqs))
	for _, f := range freqs {
		f := f
		p := v.Clamp(policy.Partial{Frequency: &f, Amplitude: amplitude, Offset: offset})
		steps = append(steps, domain.StepSpec{
			Frequency:       p.Frequency,
			Amplitude:       p.Amplitude,
			Offset:          p.Offset,
			DurationSeconds: minutes * 60,
			Description:     fmt.Sprintf("Frequência %g Hz", p.Frequency),
		})
	}
	return steps
}

// SweepPlanSteps builds n linearly spaced steps from start to end Hz.
func SweepPlanSteps(v *policy.Validator, start, end float64, n int, amplitude *float64, stepSeconds int) ([]domain.StepSpec, error) {
	if n < 2 {
		return nil, fmt.Errorf("sweep needs at least 2 steps, got %d", n)
	}
	if stepSeconds <= 0 {
		return nil, fmt.Errorf("sweep step duration must be positive, got %d", stepSeconds)
	}
	lo, hi := v.Clamp(policy.Partial{Frequency: &start}), v.Clamp(policy.Partial{Frequency: &end})
	stride := (hi.Frequency - lo.Frequency) / float64(n-1)
	steps := make([]domain.StepSpec, 0, n)
	for i := 0; i < n; i++ {
		f := lo.Frequency + stride*float64(i)
		if i == n-1 {
			f = hi.Frequency
		}
		p := v.Clamp(policy.Partial{Frequency: &f, Amplitude: amplitude})
		steps = append(steps, domain.StepSpec{
			Frequency:       p.Frequency,
			Amplitude:       p.Amplitude,
			Offset:          p.Offset,
			DurationSeconds: stepSeconds,
			Description:     fmt.Sprintf("Varredura %d/%d: %g Hz", i+1, n, p.Frequency),
		})
	}
	return steps, nil
}
