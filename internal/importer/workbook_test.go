package importer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/iago/recording-reconciler/internal/domain"
	"github.com/iago/recording-reconciler/internal/service"
)

func buildWorkbook(t *testing.T, rows [][]any) *bytes.Buffer {
	t.Helper()
	f := excelize.NewFile()
	defer f.Close()
	for i, row := range rows {
		cellRef, err := excelize.CoordinatesToCellName(1, i+1)
		if err != nil {
			t.Fatalf("cell name: %v", err)
		}
		row := row
		if err := f.SetSheetRow("Sheet1", cellRef, &row); err != nil {
			t.Fatalf("set row %d: %v", i+1, err)
		}
	}
	buf, err := f.WriteToBuffer()
	if err != nil {
		t.Fatalf("write workbook: %v", err)
	}
	return buf
}

func TestLoadWorkbookParsesRows(t *testing.T) {
	started := time.Date(2025, 1, 15, 10, 30, 0, 0, time.UTC)
	buf := buildWorkbook(t, [][]any{
		{"Call ID", "Lead ID", "Agent Name", "Start Time", "Duration", "Recording URL"},
		{"call-1", "L1", "Ana", "2025-01-15 10:30:00", 300, ""},
		{"call-2", "L2", "Bruno", started, "61.6", "https://rec.example/2.mp3"},
		{" ", ""},
		{"call-3", "L3", "Caio", "yesterday", 10, ""},
	})

	wb, err := LoadWorkbook(buf, Options{})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if wb.Sheet != "Sheet1" {
		t.Fatalf("expected first sheet, got %s", wb.Sheet)
	}
	if len(wb.Rows) != 2 {
		t.Fatalf("expected 2 rows, got %d (errors %v)", len(wb.Rows), wb.Errors)
	}

	first := wb.Rows[0]
	if first.Number != 2 || first.Request.ID != "call-1" || first.Request.AgentName != "Ana" {
		t.Fatalf("unexpected first row %+v", first)
	}
	if !first.Request.StartedAt.Equal(started) || first.Request.DurationSeconds != 300 {
		t.Fatalf("unexpected timing %+v", first.Request)
	}

	second := wb.Rows[1].Request
	if !second.StartedAt.Equal(started) {
		t.Fatalf("expected excel date serial to parse, got %s", second.StartedAt)
	}
	if second.DurationSeconds != 62 || second.RecordingURL != "https://rec.example/2.mp3" {
		t.Fatalf("unexpected second row %+v", second)
	}

	if len(wb.Errors) != 1 || wb.Errors[0].Row != 5 {
		t.Fatalf("expected row 5 to fail, got %v", wb.Errors)
	}
}

func TestLoadWorkbookAppliesLocation(t *testing.T) {
	buf := buildWorkbook(t, [][]any{
		{"agent", "started_at"},
		{"Ana", "2025-01-15 10:30"},
	})
	loc := time.FixedZone("UTC-5", -5*3600)

	wb, err := LoadWorkbook(buf, Options{Location: loc})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	want := time.Date(2025, 1, 15, 15, 30, 0, 0, time.UTC)
	if got := wb.Rows[0].Request.StartedAt; !got.Equal(want) {
		t.Fatalf("expected %s, got %s", want, got)
	}
}

func TestLoadWorkbookRequiresColumns(t *testing.T) {
	buf := buildWorkbook(t, [][]any{
		{"lead_id", "started_at"},
		{"L1", "2025-01-15 10:30"},
	})
	if _, err := LoadWorkbook(buf, Options{}); !errors.Is(err, ErrMissingField) {
		t.Fatalf("expected missing column error, got %v", err)
	}

	buf = buildWorkbook(t, [][]any{{"agent", "started_at"}})
	if _, err := LoadWorkbook(buf, Options{}); !errors.Is(err, ErrNoDataRows) {
		t.Fatalf("expected no data rows error, got %v", err)
	}
}

func TestLoadFileReadsNamedSheet(t *testing.T) {
	f := excelize.NewFile()
	if _, err := f.NewSheet("Calls"); err != nil {
		t.Fatalf("new sheet: %v", err)
	}
	row := []any{"agent_name", "call_date"}
	if err := f.SetSheetRow("Calls", "A1", &row); err != nil {
		t.Fatalf("set header: %v", err)
	}
	row = []any{"Ana", "2025-01-15T10:30:00Z"}
	if err := f.SetSheetRow("Calls", "A2", &row); err != nil {
		t.Fatalf("set row: %v", err)
	}
	path := filepath.Join(t.TempDir(), "calls.xlsx")
	if err := f.SaveAs(path); err != nil {
		t.Fatalf("save: %v", err)
	}
	_ = f.Close()

	wb, err := LoadFile(path, Options{Sheet: "Calls"})
	if err != nil {
		t.Fatalf("load file: %v", err)
	}
	if len(wb.Rows) != 1 || wb.Rows[0].Request.AgentName != "Ana" {
		t.Fatalf("unexpected rows %+v", wb.Rows)
	}
}

type fakeIngester struct {
	seen map[string]bool
}

func (f *fakeIngester) Ingest(_ context.Context, req service.IngestRequest) (*service.IngestResult, error) {
	if req.AgentName == "" {
		return nil, fmt.Errorf("%w: agent name is required", service.ErrInvalidCall)
	}
	if req.AgentName == "boom" {
		return nil, errors.New("database unavailable")
	}
	call := &domain.CallRecord{ID: req.ID, AgentName: req.AgentName}
	if f.seen[req.ID] {
		return &service.IngestResult{Call: call, Duplicate: true}, nil
	}
	f.seen[req.ID] = true
	if req.RecordingURL != "" {
		return &service.IngestResult{Call: call, Job: &domain.TranscriptionJob{ID: "job-" + req.ID}}, nil
	}
	return &service.IngestResult{Call: call, Pending: &domain.PendingRecording{ID: "p-" + req.ID}}, nil
}

func TestImportCountsOutcomes(t *testing.T) {
	ingester := &fakeIngester{seen: map[string]bool{}}
	rows := []Row{
		{Number: 2, Request: service.IngestRequest{ID: "a", AgentName: "Ana", RecordingURL: "https://rec/a.mp3"}},
		{Number: 3, Request: service.IngestRequest{ID: "b", AgentName: "Bruno"}},
		{Number: 4, Request: service.IngestRequest{ID: "a", AgentName: "Ana", RecordingURL: "https://rec/a.mp3"}},
		{Number: 5, Request: service.IngestRequest{ID: "c"}},
	}

	summary, err := Import(context.Background(), ingester, rows, nil)
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if summary.Created != 2 || summary.Queued != 1 || summary.Scheduled != 1 || summary.Duplicates != 1 {
		t.Fatalf("unexpected summary %+v", summary)
	}
	if len(summary.Failed) != 1 || summary.Failed[0].Row != 5 {
		t.Fatalf("expected row 5 to be rejected, got %v", summary.Failed)
	}
}

func TestImportStopsOnInfrastructureErrors(t *testing.T) {
	ingester := &fakeIngester{seen: map[string]bool{}}
	rows := []Row{
		{Number: 2, Request: service.IngestRequest{ID: "a", AgentName: "boom"}},
		{Number: 3, Request: service.IngestRequest{ID: "b", AgentName: "Bruno"}},
	}
	summary, err := Import(context.Background(), ingester, rows, nil)
	if err == nil {
		t.Fatalf("expected import to stop")
	}
	if summary.Created != 0 {
		t.Fatalf("expected nothing imported after the failure")
	}
}
