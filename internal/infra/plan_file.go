package infra

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/eliteGoblin/hs3guard/internal/domain"
)

// PlanFile is the YAML description of a plan. Exactly one of Steps, Simple
// or Sweep is set.
type PlanFile struct {
	Label  string            `yaml:"label"`
	Steps  []domain.StepSpec `yaml:"steps,omitempty"`
	Simple *SimpleSection    `yaml:"simple,omitempty"`
	Sweep  *SweepSection     `yaml:"sweep,omitempty"`
}

// SimpleSection lists frequencies sharing amplitude, offset and dwell.
// Missing values fall back to the configured defaults.
type SimpleSection struct {
	Frequencies []float64 `yaml:"frequencies"`
	Amplitude   *float64  `yaml:"amplitude_v,omitempty"`
	Offset      *float64  `yaml:"offset_v,omitempty"`
	StepMinutes *int      `yaml:"step_minutes,omitempty"`
}

// SweepSection is a linear sweep from Start to End Hz in Count steps.
type SweepSection struct {
	Start       float64  `yaml:"start_hz"`
	End         float64  `yaml:"end_hz"`
	Count       int      `yaml:"count"`
	Amplitude   *float64 `yaml:"amplitude_v,omitempty"`
	StepSeconds int      `yaml:"step_seconds"`
}

// LoadPlanFile reads and decodes a plan file.
func LoadPlanFile(path string) (*PlanFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read plan file: %w", err)
	}
	pf, err := DecodePlanFile(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return pf, nil
}

// DecodePlanFile decodes strictly: unknown keys are errors.
func DecodePlanFile(r io.Reader) (*PlanFile, error) {
	var pf PlanFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&pf); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("plan file is empty")
		}
		return nil, fmt.Errorf("failed to parse plan file: %w", err)
	}

	sections := 0
	if len(pf.Steps) > 0 {
		sections++
	}
	if pf.Simple != nil {
		sections++
	}
	if pf.Sweep != nil {
		sections++
	}
	if sections != 1 {
		return nil, fmt.Errorf("plan file must define exactly one of steps, simple or sweep")
	}
	if pf.Simple != nil && len(pf.Simple.Frequencies) == 0 {
		return nil, fmt.Errorf("simple plan needs at least one frequency")
	}
	return &pf, nil
}

// Encode writes the plan file as YAML.
func (pf *PlanFile) Encode(w io.Writer) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(pf); err != nil {
		return fmt.Errorf("failed to encode plan file: %w", err)
	}
	return enc.Close()
}
