package infra

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/eliteGoblin/hs3guard/internal/domain"
)

// workbook builds an in-memory frequency list.
func workbook(t *testing.T, rows [][]interface{}) *bytes.Buffer {
	t.Helper()
	f := excelize.NewFile()
	defer f.Close()
	for r, row := range rows {
		for c, v := range row {
			require.NoError(t, setCellValue(f, "Sheet1", c+1, r+1, v))
		}
	}
	var buf bytes.Buffer
	_, err := f.WriteTo(&buf)
	require.NoError(t, err)
	return &buf
}

func TestReadXLSXProtocolSource(t *testing.T) {
	buf := workbook(t, [][]interface{}{
		{"Indikationen", "Disease", "Freq 1", "Freq 2", "Freq 3", "Freq 4"},
		{"Kopfschmerz", "Headache", 10, 160, "nan", 2_000_000},
		{"Angst", "", 727.5, -5, 0, "abc"},
		{"", "", 100, 200},
		{"Leer", "Empty", "", "", "", ""},
		{"", "Headache", 880},
	})

	src, err := ReadXLSXProtocolSource(buf)
	require.NoError(t, err)

	assert.Equal(t, []string{"Headache", "Angst"}, src.Conditions())

	freqs, err := src.Frequencies("headache")
	require.NoError(t, err)
	assert.Equal(t, []float64{10, 160, 880}, freqs)

	freqs, err = src.Frequencies("Angst")
	require.NoError(t, err)
	assert.Equal(t, []float64{727.5}, freqs)

	_, err = src.Frequencies("Empty")
	assert.ErrorContains(t, err, "not found")

	assert.Equal(t, []string{"Headache"}, src.Search("ache"))
}

func TestReadXLSXProtocolSource_BadSheets(t *testing.T) {
	tests := []struct {
		name    string
		rows    [][]interface{}
		wantErr string
	}{
		{name: "empty", rows: nil, wantErr: "is empty"},
		{name: "no name column", rows: [][]interface{}{{"Freq 1"}, {10}}, wantErr: "neither"},
		{name: "no frequency columns", rows: [][]interface{}{{"Disease"}, {"x"}}, wantErr: "no"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ReadXLSXProtocolSource(workbook(t, tt.rows))
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}

	_, err := ReadXLSXProtocolSource(bytes.NewReader([]byte("not a zip")))
	assert.Error(t, err)
}

func TestOpenXLSXProtocolSource(t *testing.T) {
	path := filepath.Join(t.TempDir(), "FrequencyList.xlsx")
	buf := workbook(t, [][]interface{}{{"Disease", "Freq 1"}, {"Flu", 333}})
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0600))

	src, err := OpenXLSXProtocolSource(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"Flu"}, src.Conditions())

	_, err = OpenXLSXProtocolSource(filepath.Join(t.TempDir(), "missing.xlsx"))
	assert.Error(t, err)
}

func TestWriteSessionHistoryXLSX(t *testing.T) {
	start := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	records := []domain.SessionRecord{
		{SessionID: "s1", PatientID: "p1", PatientName: "Ana", ProtocolName: "Sweep", StartTime: start,
			EndTime: start.Add(time.Minute), Status: domain.RecordCompleted, StepsCompleted: 3, TotalSteps: 3},
		{SessionID: "s2", PatientID: "p2", ProtocolName: "Simple", StartTime: start,
			EndTime: start, Status: domain.RecordEmergencyStopped, StepsCompleted: 1, TotalSteps: 4, Notes: "cable"},
	}

	var buf bytes.Buffer
	require.NoError(t, WriteSessionHistoryXLSX(&buf, records))

	f, err := excelize.OpenReader(&buf)
	require.NoError(t, err)
	defer f.Close()

	assert.Equal(t, "Sessions", f.GetSheetName(0))
	rows, err := f.GetRows("Sessions")
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, historyHeaders, rows[0])
	assert.Equal(t, []string{"s1", "Ana", "Sweep", "2026-03-01 09:00:00", "2026-03-01 09:01:00", "completed", "3/3"}, rows[1])
	assert.Equal(t, "p2", rows[2][1])
	assert.Equal(t, "emergency_stopped", rows[2][5])
	assert.Equal(t, "cable", rows[2][7])
}
