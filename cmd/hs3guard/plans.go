package main

import (
	"errors"
	"fmt"

	"github.com/eliteGoblin/hs3guard/internal/domain"
	"github.com/eliteGoblin/hs3guard/internal/infra"
	"github.com/eliteGoblin/hs3guard/internal/policy"
	"github.com/eliteGoblin/hs3guard/internal/usecase"
)

// planSource is where the run and validate commands take their steps from.
type planSource struct {
	planFile    string
	xlsxFile    string
	condition   string
	amplitude   float64
	stepMinutes int
}

func (s planSource) amplitudePtr() *float64 {
	if s.amplitude <= 0 {
		return nil
	}
	a := s.amplitude
	return &a
}

func (s planSource) minutesPtr() *int {
	if s.stepMinutes <= 0 {
		return nil
	}
	m := s.stepMinutes
	return &m
}

// resolve returns the label and steps described by s.
func (s planSource) resolve(v *policy.Validator) (string, []domain.StepSpec, error) {
	switch {
	case s.planFile != "" && s.xlsxFile != "":
		return "", nil, errors.New("use either --plan or --xlsx, not both")
	case s.planFile != "":
		pf, err := infra.LoadPlanFile(s.planFile)
		if err != nil {
			return "", nil, err
		}
		steps, err := planFileSteps(v, pf)
		return pf.Label, steps, err
	case s.xlsxFile != "":
		if s.condition == "" {
			return "", nil, errors.New("--disease is required with --xlsx")
		}
		src, err := infra.OpenXLSXProtocolSource(s.xlsxFile)
		if err != nil {
			return "", nil, err
		}
		freqs, err := src.Frequencies(s.condition)
		if err != nil {
			return "", nil, err
		}
		return s.condition, usecase.SimplePlanSteps(v, freqs, s.amplitudePtr(), nil, s.minutesPtr()), nil
	}
	return "", nil, errors.New("a plan is required: --plan FILE or --xlsx FILE --disease NAME")
}

// planFileSteps expands whichever section the plan file defines.
func planFileSteps(v *policy.Validator, pf *infra.PlanFile) ([]domain.StepSpec, error) {
	switch {
	case len(pf.Steps) > 0:
		return pf.Steps, nil
	case pf.Simple != nil:
		s := pf.Simple
		return usecase.SimplePlanSteps(v, s.Frequencies, s.Amplitude, s.Offset, s.StepMinutes), nil
	case pf.Sweep != nil:
		s := pf.Sweep
		return usecase.SweepPlanSteps(v, s.Start, s.End, s.Count, s.Amplitude, s.StepSeconds)
	}
	return nil, fmt.Errorf("plan file %q has no steps", pf.Label)
}
