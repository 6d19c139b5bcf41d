package policy

import (
	"errors"
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eliteGoblin/hs3guard/internal/domain"
)

func fp(v float64) *float64 { return &v }
func ip(v int) *int         { return &v }

func requireValidationMessage(t *testing.T, err error, want string) {
	t.Helper()
	require.Error(t, err)
	var verr *domain.ValidationError
	require.True(t, errors.As(err, &verr), "expected ValidationError, got %T", err)
	assert.Equal(t, want, verr.Message)
}

func TestValidator_Amplitude(t *testing.T) {
	v := NewValidator(DefaultLimits())

	tests := []struct {
		name    string
		value   float64
		wantMsg string
	}{
		{name: "minimum inclusive", value: 0.1},
		{name: "maximum inclusive", value: 5.0},
		{name: "default", value: 2.0},
		{name: "below minimum", value: 0.09, wantMsg: "Amplitude mínima: 0.1V"},
		{name: "above maximum", value: 6.0, wantMsg: "Amplitude máxima: 5.0V"},
		{name: "nan", value: math.NaN(), wantMsg: "Amplitude deve ser um número"},
		{name: "inf", value: math.Inf(1), wantMsg: "Amplitude deve ser um número"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.ValidateAmplitude(tt.value)
			if tt.wantMsg == "" {
				assert.NoError(t, err)
				return
			}
			requireValidationMessage(t, err, tt.wantMsg)
		})
	}
}

func TestValidator_Offset(t *testing.T) {
	v := NewValidator(DefaultLimits())

	assert.NoError(t, v.ValidateOffset(-2.5))
	assert.NoError(t, v.ValidateOffset(2.5))
	assert.NoError(t, v.ValidateOffset(0))
	requireValidationMessage(t, v.ValidateOffset(-2.6), "Offset mínimo: -2.5V")
	requireValidationMessage(t, v.ValidateOffset(3), "Offset máximo: 2.5V")
}

func TestValidator_Frequency(t *testing.T) {
	v := NewValidator(DefaultLimits())

	assert.NoError(t, v.ValidateFrequency(0.1))
	assert.NoError(t, v.ValidateFrequency(1_000_000))
	requireValidationMessage(t, v.ValidateFrequency(0.05), "Frequência mínima: 0.1Hz")
	requireValidationMessage(t, v.ValidateFrequency(1_000_000.5), "Frequência máxima: 1,000,000.0Hz")
	requireValidationMessage(t, v.ValidateFrequency(math.NaN()), "Frequência deve ser um número")
}

func TestValidator_Duration(t *testing.T) {
	v := NewValidator(DefaultLimits())

	assert.NoError(t, v.ValidateDuration(1))
	assert.NoError(t, v.ValidateDuration(60))
	requireValidationMessage(t, v.ValidateDuration(0), "Duração mínima: 1 minuto(s)")
	requireValidationMessage(t, v.ValidateDuration(61), "Duração máxima: 60 minuto(s)")
}

func TestValidator_ValidateAll(t *testing.T) {
	v := NewValidator(DefaultLimits())

	err := v.ValidateAll(domain.ParameterSet{Frequency: 1000, Amplitude: 6, Offset: 0}, 5)
	requireValidationMessage(t, err, "Amplitude inválida: Amplitude máxima: 5.0V")

	err = v.ValidateAll(domain.ParameterSet{Frequency: 1000, Amplitude: 2, Offset: 0}, 90)
	requireValidationMessage(t, err, "Duração inválida: Duração máxima: 60 minuto(s)")

	err = v.ValidateAll(domain.ParameterSet{Frequency: 1000, Amplitude: 4, Offset: 2}, 5)
	require.Error(t, err)
	var verr *domain.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "total_voltage", verr.Field)

	assert.NoError(t, v.ValidateAll(domain.ParameterSet{Frequency: 1000, Amplitude: 3, Offset: -2}, 5))
}

func TestValidator_ValidateStep(t *testing.T) {
	v := NewValidator(DefaultLimits())

	tests := []struct {
		name    string
		step    domain.StepSpec
		wantErr bool
	}{
		{name: "short step counts as one minute", step: domain.StepSpec{Frequency: 100, Amplitude: 1, DurationSeconds: 5}},
		{name: "one hour", step: domain.StepSpec{Frequency: 100, Amplitude: 1, DurationSeconds: 3600}},
		{name: "zero seconds", step: domain.StepSpec{Frequency: 100, Amplitude: 1, DurationSeconds: 0}, wantErr: true},
		{name: "one second over one hour", step: domain.StepSpec{Frequency: 100, Amplitude: 1, DurationSeconds: 3601}, wantErr: true},
		{name: "partial minute over one hour", step: domain.StepSpec{Frequency: 100, Amplitude: 1, DurationSeconds: 3659}, wantErr: true},
		{name: "over one hour", step: domain.StepSpec{Frequency: 100, Amplitude: 1, DurationSeconds: 61 * 60}, wantErr: true},
		{name: "combined voltage", step: domain.StepSpec{Frequency: 100, Amplitude: 4, Offset: -1.5, DurationSeconds: 60}, wantErr: true},
		{name: "amplitude too high", step: domain.StepSpec{Frequency: 100, Amplitude: 6, DurationSeconds: 60}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.ValidateStep(tt.step)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidator_NewStep(t *testing.T) {
	v := NewValidator(DefaultLimits())

	s, err := v.NewStep(100, 2.0, 0, 5, "A")
	require.NoError(t, err)
	assert.Equal(t, domain.StepSpec{Frequency: 100, Amplitude: 2, DurationSeconds: 5, Description: "A"}, s)

	_, err = v.NewStep(100, 6.0, 0, 5, "B")
	requireValidationMessage(t, err, "Amplitude máxima: 5.0V")
}

func TestValidator_ClampDefaults(t *testing.T) {
	v := NewValidator(DefaultLimits())

	got := v.Clamp(Partial{})
	assert.Equal(t, domain.ParameterSet{Frequency: 1000, Amplitude: 2.0, Offset: 0}, got)
	assert.Equal(t, 5, v.ClampDuration(nil))
	assert.Equal(t, 60, v.ClampDuration(ip(500)))
	assert.Equal(t, 1, v.ClampDuration(ip(-3)))
}

func TestValidator_ClampCombined(t *testing.T) {
	v := NewValidator(DefaultLimits())

	got := v.Clamp(Partial{Amplitude: fp(5), Offset: fp(2.5), Frequency: fp(2e6)})
	assert.Equal(t, 1_000_000.0, got.Frequency)
	assert.Equal(t, 2.5, got.Offset)
	assert.InDelta(t, 2.5, got.Amplitude, 1e-12)
	assert.NoError(t, v.ValidateParameters(got))
}

func TestValidator_ClampProperties(t *testing.T) {
	v := NewValidator(DefaultLimits())
	rng := rand.New(rand.NewSource(42))

	for i := 0; i < 2000; i++ {
		p := Partial{}
		if rng.Intn(4) > 0 {
			p.Frequency = fp(rng.Float64()*4e6 - 1e6)
		}
		if rng.Intn(4) > 0 {
			p.Amplitude = fp(rng.Float64()*20 - 5)
		}
		if rng.Intn(4) > 0 {
			p.Offset = fp(rng.Float64()*20 - 10)
		}

		once := v.Clamp(p)
		require.NoError(t, v.ValidateParameters(once), "clamp result must validate: %+v", once)

		twice := v.Clamp(Partial{Frequency: &once.Frequency, Amplitude: &once.Amplitude, Offset: &once.Offset})
		require.Equal(t, once, twice)
	}
}

func TestValidator_DurationMaxMessage(t *testing.T) {
	v := NewValidator(DefaultLimits())
	requireValidationMessage(t, v.ValidateStep(domain.StepSpec{Frequency: 100, Amplitude: 1, DurationSeconds: 3601}),
		"Duração máxima: 60 minuto(s)")
}

func TestValidator_AcceptedStepsStayUnderMaxAmplitude(t *testing.T) {
	limits := DefaultLimits()
	v := NewValidator(limits)
	rng := rand.New(rand.NewSource(7))

	accepted := 0
	for i := 0; i < 5000; i++ {
		s := domain.StepSpec{
			Frequency:       rng.Float64()*2e6 - 1e5,
			Amplitude:       rng.Float64()*8 - 1,
			Offset:          rng.Float64()*8 - 4,
			DurationSeconds: rng.Intn(4000) - 100,
		}
		if v.ValidateStep(s) != nil {
			continue
		}
		accepted++
		require.LessOrEqual(t, s.Amplitude+math.Abs(s.Offset), limits.MaxAmplitude+combinedTolerance, "accepted %+v", s)
		require.LessOrEqual(t, s.DurationSeconds, limits.MaxDurationMinutes*60, "accepted %+v", s)
	}
	assert.Positive(t, accepted)
}

func TestFormat(t *testing.T) {
	assert.Equal(t, "5.0", decimal(5))
	assert.Equal(t, "0.1", decimal(0.1))
	assert.Equal(t, "-2.5", decimal(-2.5))
	assert.Equal(t, "1,000,000.0", grouped(1_000_000))
	assert.Equal(t, "2,000,000.5", grouped(2_000_000.5))
	assert.Equal(t, "999.0", grouped(999))
	assert.Equal(t, "-1,500.0", grouped(-1500))
}
