// Package importer loads call records from spreadsheets and feeds them to
// the ingest path.
package importer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/xuri/excelize/v2"

	"github.com/iago/recording-reconciler/internal/logger"
	"github.com/iago/recording-reconciler/internal/service"
)

var (
	ErrNoSheets     = errors.New("workbook has no sheets")
	ErrNoDataRows   = errors.New("sheet has no data rows")
	ErrMissingField = errors.New("required column missing")
)

type column int

const (
	colID column = iota
	colLeadID
	colUpstreamCallID
	colAgent
	colStartedAt
	colEndedAt
	colDuration
	colRecordingURL
)

var headerAliases = map[string]column{
	"id":               colID,
	"call_id":          colID,
	"lead_id":          colLeadID,
	"lead":             colLeadID,
	"upstream_call_id": colUpstreamCallID,
	"convoso_call_id":  colUpstreamCallID,
	"agent":            colAgent,
	"agent_name":       colAgent,
	"user":             colAgent,
	"started_at":       colStartedAt,
	"start_time":       colStartedAt,
	"call_date":        colStartedAt,
	"ended_at":         colEndedAt,
	"end_time":         colEndedAt,
	"duration":         colDuration,
	"duration_seconds": colDuration,
	"call_length":      colDuration,
	"recording_url":    colRecordingURL,
	"recording":        colRecordingURL,
}

var timeLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04",
	"01/02/2006 15:04:05",
	"01/02/2006 15:04",
}

// Options control how a sheet is read.
type Options struct {
	// Sheet defaults to the first sheet of the workbook.
	Sheet string
	// Location applies to timestamps written without an offset. Defaults to UTC.
	Location *time.Location
}

// RowError ties a parse failure to its 1-based spreadsheet row.
type RowError struct {
	Row int
	Err error
}

func (e RowError) Error() string {
	return fmt.Sprintf("row %d: %v", e.Row, e.Err)
}

func (e RowError) Unwrap() error {
	return e.Err
}

// Row is one parsed data row.
type Row struct {
	Number  int
	Request service.IngestRequest
}

// Workbook is the parsed content of a sheet. Bad rows are reported in Errors
// and do not stop the rest of the sheet from loading.
type Workbook struct {
	Sheet  string
	Rows   []Row
	Errors []RowError
}

// LoadFile opens an .xlsx file from disk.
func LoadFile(path string, opts Options) (*Workbook, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("open workbook: %w", err)
	}
	defer f.Close()
	return load(f, opts)
}

// LoadWorkbook reads an .xlsx document from r.
func LoadWorkbook(r io.Reader, opts Options) (*Workbook, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, fmt.Errorf("open workbook: %w", err)
	}
	defer f.Close()
	return load(f, opts)
}

func load(f *excelize.File, opts Options) (*Workbook, error) {
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	sheet := opts.Sheet
	if sheet == "" {
		sheets := f.GetSheetList()
		if len(sheets) == 0 {
			return nil, ErrNoSheets
		}
		sheet = sheets[0]
	}

	rows, err := f.GetRows(sheet, excelize.Options{RawCellValue: true})
	if err != nil {
		return nil, fmt.Errorf("read rows of %s: %w", sheet, err)
	}
	if len(rows) <= 1 {
		return nil, ErrNoDataRows
	}

	columns := mapHeader(rows[0])
	for _, required := range []column{colAgent, colStartedAt} {
		if _, ok := columns[required]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrMissingField, requiredName(required))
		}
	}

	wb := &Workbook{Sheet: sheet}
	for i, cells := range rows[1:] {
		number := i + 2
		if blank(cells) {
			continue
		}
		req, err := parseRow(cells, columns, opts.Location)
		if err != nil {
			wb.Errors = append(wb.Errors, RowError{Row: number, Err: err})
			continue
		}
		wb.Rows = append(wb.Rows, Row{Number: number, Request: req})
	}
	return wb, nil
}

func mapHeader(header []string) map[column]int {
	columns := make(map[column]int, len(header))
	for i, name := range header {
		key := strings.ToLower(strings.TrimSpace(name))
		key = strings.NewReplacer(" ", "_", "-", "_").Replace(key)
		col, ok := headerAliases[key]
		if !ok {
			continue
		}
		if _, seen := columns[col]; !seen {
			columns[col] = i
		}
	}
	return columns
}

func requiredName(col column) string {
	if col == colAgent {
		return "agent_name"
	}
	return "started_at"
}

func blank(cells []string) bool {
	for _, cell := range cells {
		if strings.TrimSpace(cell) != "" {
			return false
		}
	}
	return true
}

func cell(cells []string, columns map[column]int, col column) string {
	idx, ok := columns[col]
	if !ok || idx >= len(cells) {
		return ""
	}
	return strings.TrimSpace(cells[idx])
}

func parseRow(cells []string, columns map[column]int, loc *time.Location) (service.IngestRequest, error) {
	req := service.IngestRequest{
		ID:             cell(cells, columns, colID),
		LeadID:         cell(cells, columns, colLeadID),
		UpstreamCallID: cell(cells, columns, colUpstreamCallID),
		AgentName:      cell(cells, columns, colAgent),
		RecordingURL:   cell(cells, columns, colRecordingURL),
	}

	startedAt, err := parseTime(cell(cells, columns, colStartedAt), loc)
	if err != nil {
		return req, fmt.Errorf("started_at: %w", err)
	}
	req.StartedAt = startedAt

	if raw := cell(cells, columns, colEndedAt); raw != "" {
		endedAt, err := parseTime(raw, loc)
		if err != nil {
			return req, fmt.Errorf("ended_at: %w", err)
		}
		req.EndedAt = &endedAt
	}

	if raw := cell(cells, columns, colDuration); raw != "" {
		seconds, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return req, fmt.Errorf("duration %q is not a number", raw)
		}
		req.DurationSeconds = int(seconds + 0.5)
	}
	return req, nil
}

// parseTime accepts Excel date serials as well as textual timestamps.
func parseTime(raw string, loc *time.Location) (time.Time, error) {
	if raw == "" {
		return time.Time{}, errors.New("value is empty")
	}
	if serial, err := strconv.ParseFloat(raw, 64); err == nil {
		t, err := excelize.ExcelDateToTime(serial, false)
		if err != nil {
			return time.Time{}, err
		}
		wall := t.Round(time.Second)
		return time.Date(wall.Year(), wall.Month(), wall.Day(), wall.Hour(), wall.Minute(), wall.Second(), 0, loc).UTC(), nil
	}
	for _, layout := range timeLayouts {
		if t, err := time.ParseInLocation(layout, raw, loc); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", raw)
}

// Ingester is the call ingest entry point.
type Ingester interface {
	Ingest(ctx context.Context, req service.IngestRequest) (*service.IngestResult, error)
}

// Summary counts what an import did.
type Summary struct {
	Created    int
	Duplicates int
	Queued     int
	Scheduled  int
	Failed     []RowError
}

// Import ingests every row in order. Rows rejected by validation are
// collected; any other error aborts the import.
func Import(ctx context.Context, ingester Ingester, rows []Row, log logrus.FieldLogger) (Summary, error) {
	log = logger.OrDiscard(log)
	var summary Summary
	for _, row := range rows {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		result, err := ingester.Ingest(ctx, row.Request)
		if err != nil {
			if errors.Is(err, service.ErrInvalidCall) {
				summary.Failed = append(summary.Failed, RowError{Row: row.Number, Err: err})
				continue
			}
			return summary, fmt.Errorf("row %d: %w", row.Number, err)
		}
		switch {
		case result.Duplicate:
			summary.Duplicates++
		case result.Job != nil:
			summary.Created++
			summary.Queued++
		default:
			summary.Created++
			summary.Scheduled++
		}
		log.WithFields(logrus.Fields{"row": row.Number, "call_id": result.Call.ID, "duplicate": result.Duplicate}).Debug("row imported")
	}
	return summary, nil
}
