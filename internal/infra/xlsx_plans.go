package infra

import (
	"bytes"
	"fmt"
	"io"
	"math"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/eliteGoblin/hs3guard/internal/domain"
)

const (
	colIndication = "Indikationen"
	colDisease    = "Disease"
	freqPrefix    = "Freq "

	minListFrequency = 0.1
	maxListFrequency = 1_000_000
)

// XLSXProtocolSource is a frequency-list workbook: one condition per row,
// named by Disease (falling back to Indikationen), with frequencies in the
// "Freq 1".."Freq N" columns.
type XLSXProtocolSource struct {
	conditions map[string][]float64
	order      []string
}

// OpenXLSXProtocolSource reads the first sheet of the workbook at path.
func OpenXLSXProtocolSource(path string) (*XLSXProtocolSource, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read workbook: %w", err)
	}
	return ReadXLSXProtocolSource(bytes.NewReader(data))
}

// ReadXLSXProtocolSource parses a workbook from r.
func ReadXLSXProtocolSource(r io.Reader) (*XLSXProtocolSource, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, fmt.Errorf("failed to open workbook: %w", err)
	}
	defer f.Close()

	sheetName := f.GetSheetName(0)
	if sheetName == "" {
		return nil, fmt.Errorf("workbook has no sheets")
	}
	rows, err := f.GetRows(sheetName)
	if err != nil {
		return nil, fmt.Errorf("failed to read rows: %w", err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("sheet %q is empty", sheetName)
	}

	header := rows[0]
	indicationCol, diseaseCol := -1, -1
	var freqCols []int
	for i, h := range header {
		h = strings.TrimSpace(h)
		switch {
		case h == colIndication:
			indicationCol = i
		case h == colDisease:
			diseaseCol = i
		case strings.HasPrefix(h, freqPrefix):
			freqCols = append(freqCols, i)
		}
	}
	if indicationCol < 0 && diseaseCol < 0 {
		return nil, fmt.Errorf("sheet %q has neither %s nor %s column", sheetName, colDisease, colIndication)
	}
	if len(freqCols) == 0 {
		return nil, fmt.Errorf("sheet %q has no %q columns", sheetName, freqPrefix+"N")
	}

	src := &XLSXProtocolSource{conditions: make(map[string][]float64)}
	for _, row := range rows[1:] {
		name := cell(row, diseaseCol)
		if name == "" {
			name = cell(row, indicationCol)
		}
		if name == "" {
			continue
		}
		var freqs []float64
		for _, c := range freqCols {
			if f, ok := parseListFrequency(cell(row, c)); ok {
				freqs = append(freqs, f)
			}
		}
		if len(freqs) == 0 {
			continue
		}
		if _, seen := src.conditions[name]; !seen {
			src.order = append(src.order, name)
		}
		src.conditions[name] = append(src.conditions[name], freqs...)
	}
	return src, nil
}

func cell(row []string, i int) string {
	if i < 0 || i >= len(row) {
		return ""
	}
	s := strings.TrimSpace(row[i])
	if strings.EqualFold(s, "nan") {
		return ""
	}
	return s
}

func parseListFrequency(s string) (float64, bool) {
	if s == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(strings.ReplaceAll(s, ",", "."), 64)
	if err != nil || math.IsNaN(f) || f < minListFrequency || f > maxListFrequency {
		return 0, false
	}
	return f, true
}

// Conditions returns the condition names in workbook order.
func (s *XLSXProtocolSource) Conditions() []string {
	return append([]string(nil), s.order...)
}

// Frequencies returns the frequencies listed for name (case-insensitive).
func (s *XLSXProtocolSource) Frequencies(name string) ([]float64, error) {
	if freqs, ok := s.conditions[name]; ok {
		return append([]float64(nil), freqs...), nil
	}
	for k, freqs := range s.conditions {
		if strings.EqualFold(k, name) {
			return append([]float64(nil), freqs...), nil
		}
	}
	return nil, fmt.Errorf("condition %q not found in workbook", name)
}

// Search returns condition names containing term, sorted.
func (s *XLSXProtocolSource) Search(term string) []string {
	term = strings.ToLower(term)
	var out []string
	for _, name := range s.order {
		if strings.Contains(strings.ToLower(name), term) {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

var historyHeaders = []string{"Session", "Patient", "Protocol", "Start", "End", "Status", "Steps", "Notes"}

// WriteSessionHistoryXLSX exports records as a workbook with a frozen header row.
func WriteSessionHistoryXLSX(w io.Writer, records []domain.SessionRecord) error {
	f := excelize.NewFile()
	defer f.Close()

	const sheetName = "Sessions"
	index, err := f.NewSheet(sheetName)
	if err != nil {
		return fmt.Errorf("failed to create sheet: %w", err)
	}
	f.DeleteSheet("Sheet1")
	f.SetActiveSheet(index)

	headerStyle, err := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true},
		Fill: excelize.Fill{Type: "pattern", Color: []string{"#E6F3FF"}, Pattern: 1},
	})
	if err != nil {
		return fmt.Errorf("failed to create header style: %w", err)
	}
	for col, h := range historyHeaders {
		if err := setCellValue(f, sheetName, col+1, 1, h); err != nil {
			return fmt.Errorf("failed to set header: %w", err)
		}
	}
	last, _ := excelize.CoordinatesToCellName(len(historyHeaders), 1)
	if err := f.SetCellStyle(sheetName, "A1", last, headerStyle); err != nil {
		return fmt.Errorf("failed to set header style: %w", err)
	}
	if err := f.SetColWidth(sheetName, "A", "H", 22); err != nil {
		return fmt.Errorf("failed to set column width: %w", err)
	}

	for i, rec := range records {
		row := i + 2
		patient := rec.PatientName
		if patient == "" {
			patient = rec.PatientID
		}
		values := []interface{}{
			rec.SessionID,
			patient,
			rec.ProtocolName,
			rec.StartTime.Format(time.DateTime),
			rec.EndTime.Format(time.DateTime),
			string(rec.Status),
			fmt.Sprintf("%d/%d", rec.StepsCompleted, rec.TotalSteps),
			rec.Notes,
		}
		for col, v := range values {
			if v == "" {
				continue
			}
			if err := setCellValue(f, sheetName, col+1, row, v); err != nil {
				return fmt.Errorf("failed to set cell at row %d: %w", row, err)
			}
		}
	}

	if err := f.SetPanes(sheetName, &excelize.Panes{
		Freeze:      true,
		YSplit:      1,
		TopLeftCell: "A2",
		ActivePane:  "bottomLeft",
	}); err != nil {
		return fmt.Errorf("failed to freeze panes: %w", err)
	}

	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("failed to write workbook: %w", err)
	}
	return nil
}

func setCellValue(f *excelize.File, sheet string, col, row int, value interface{}) error {
	name, err := excelize.CoordinatesToCellName(col, row)
	if err != nil {
		return err
	}
	return f.SetCellValue(sheet, name, value)
}
