package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/eliteGoblin/hs3guard/internal/policy"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func writeWorkbook(t *testing.T) string {
	t.Helper()
	f := excelize.NewFile()
	defer f.Close()
	sheet := f.GetSheetName(0)
	rows := [][]any{
		{"Disease", "Freq 1", "Freq 2", "Freq 3"},
		{"Insomnia", 3.5, 7.83, "nan"},
	}
	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		require.NoError(t, err)
		require.NoError(t, f.SetSheetRow(sheet, cell, &row))
	}
	path := filepath.Join(t.TempDir(), "freqs.xlsx")
	require.NoError(t, f.SaveAs(path))
	return path
}

func TestPlanSource_Resolve(t *testing.T) {
	v := policy.NewValidator(policy.DefaultLimits())

	t.Run("explicit steps", func(t *testing.T) {
		path := writeFile(t, "plan.yaml", `
label: Two steps
steps:
  - {frequency_hz: 10, amplitude_v: 1, offset_v: 0, duration_s: 60}
  - {frequency_hz: 20, amplitude_v: 1.5, offset_v: 0, duration_s: 120}
`)
		label, steps, err := planSource{planFile: path}.resolve(v)
		require.NoError(t, err)
		assert.Equal(t, "Two steps", label)
		require.Len(t, steps, 2)
		assert.Equal(t, 120, steps[1].DurationSeconds)
	})

	t.Run("simple section", func(t *testing.T) {
		path := writeFile(t, "plan.yaml", `
label: Simple
simple:
  frequencies: [100, 200, 300]
  amplitude_v: 2
  step_minutes: 3
`)
		_, steps, err := planSource{planFile: path}.resolve(v)
		require.NoError(t, err)
		require.Len(t, steps, 3)
		for _, s := range steps {
			assert.Equal(t, 2.0, s.Amplitude)
			assert.Equal(t, 180, s.DurationSeconds)
		}
	})

	t.Run("sweep section", func(t *testing.T) {
		path := writeFile(t, "plan.yaml", `
label: Sweep
sweep:
  start_hz: 100
  end_hz: 500
  count: 5
  step_seconds: 30
`)
		_, steps, err := planSource{planFile: path}.resolve(v)
		require.NoError(t, err)
		require.Len(t, steps, 5)
		assert.Equal(t, 100.0, steps[0].Frequency)
		assert.Equal(t, 500.0, steps[4].Frequency)
	})

	t.Run("workbook condition", func(t *testing.T) {
		path := writeWorkbook(t)
		label, steps, err := planSource{xlsxFile: path, condition: "insomnia", amplitude: 1.2, stepMinutes: 2}.resolve(v)
		require.NoError(t, err)
		assert.Equal(t, "insomnia", label)
		require.Len(t, steps, 2)
		assert.Equal(t, 3.5, steps[0].Frequency)
		assert.Equal(t, 1.2, steps[0].Amplitude)
		assert.Equal(t, 120, steps[0].DurationSeconds)
	})

	errCases := []struct {
		name string
		src  func(t *testing.T) planSource
	}{
		{"nothing", func(t *testing.T) planSource { return planSource{} }},
		{"both", func(t *testing.T) planSource { return planSource{planFile: "a.yaml", xlsxFile: "b.xlsx"} }},
		{"xlsx without condition", func(t *testing.T) planSource { return planSource{xlsxFile: writeWorkbook(t)} }},
		{"unknown condition", func(t *testing.T) planSource {
			return planSource{xlsxFile: writeWorkbook(t), condition: "Migraine"}
		}},
		{"missing plan file", func(t *testing.T) planSource {
			return planSource{planFile: filepath.Join(t.TempDir(), "absent.yaml")}
		}},
	}
	for _, tt := range errCases {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := tt.src(t).resolve(v)
			assert.Error(t, err)
		})
	}
}
