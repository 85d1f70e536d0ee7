package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/iago/recording-reconciler/internal/domain"
	"github.com/iago/recording-reconciler/internal/repository"
	"github.com/iago/recording-reconciler/internal/scheduler"
	"github.com/iago/recording-reconciler/internal/transcription"
)

var ingestNow = time.Date(2025, 1, 15, 11, 0, 0, 0, time.UTC)

func newTestCallsService(t *testing.T) (*CallsService, *repository.MemoryStore) {
	t.Helper()
	store := repository.NewMemoryStore()
	now := func() time.Time { return ingestNow }
	queue := transcription.NewQueue(transcription.QueueConfig{}, transcription.QueueDependencies{Repository: store, Now: now})
	sched := scheduler.New(scheduler.Config{}, scheduler.Dependencies{
		Calls:          store,
		Pending:        store,
		Unmatched:      store,
		Transcriptions: queue,
		Now:            now,
	})
	service := NewCallsService(store, sched, queue, CallsConfig{}, nil)
	service.now = now
	return service, store
}

func TestIngestWithoutRecordingSchedulesLookup(t *testing.T) {
	service, store := newTestCallsService(t)
	ctx := context.Background()

	result, err := service.Ingest(ctx, IngestRequest{
		LeadID:          "L1",
		AgentName:       " A ",
		StartedAt:       time.Date(2025, 1, 15, 10, 30, 0, 0, time.UTC),
		DurationSeconds: 300,
	})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if result.Duplicate || result.Pending == nil || result.Job != nil {
		t.Fatalf("expected a pending lookup, got %+v", result)
	}
	if result.Call.AgentName != "A" || result.Call.Fingerprint == "" {
		t.Fatalf("expected normalized call with fingerprint, got %+v", result.Call)
	}
	if !result.Pending.ScheduledFor.Equal(ingestNow) {
		t.Fatalf("ended call should be due now, got %v", result.Pending.ScheduledFor)
	}
	if _, err := store.GetLivePending(ctx, result.Call.ID); err != nil {
		t.Fatalf("expected live pending row: %v", err)
	}
}

func TestIngestWithRecordingQueuesTranscription(t *testing.T) {
	service, store := newTestCallsService(t)
	ctx := context.Background()

	result, err := service.Ingest(ctx, IngestRequest{
		ID:           "call-7",
		AgentName:    "A",
		StartedAt:    time.Date(2025, 1, 15, 10, 30, 0, 0, time.UTC),
		RecordingURL: "https://rec/7.mp3",
	})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if result.Job == nil || result.Pending != nil {
		t.Fatalf("expected a transcription job, got %+v", result)
	}
	if result.Job.Priority != transcription.PriorityIngest || result.Job.Source != domain.JobSourceIngest {
		t.Fatalf("unexpected job %+v", result.Job)
	}
	if _, err := store.GetLivePending(ctx, "call-7"); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected no pending lookup, got %v", err)
	}
}

func TestIngestDeduplicatesByFingerprint(t *testing.T) {
	service, _ := newTestCallsService(t)
	ctx := context.Background()
	req := IngestRequest{
		LeadID:          "L1",
		AgentName:       "A",
		StartedAt:       time.Date(2025, 1, 15, 10, 30, 0, 0, time.UTC),
		DurationSeconds: 300,
	}

	first, err := service.Ingest(ctx, req)
	if err != nil {
		t.Fatalf("first ingest: %v", err)
	}
	req.AgentName = "a"
	second, err := service.Ingest(ctx, req)
	if err != nil {
		t.Fatalf("second ingest: %v", err)
	}
	if !second.Duplicate || second.Call.ID != first.Call.ID || second.Pending != nil {
		t.Fatalf("expected duplicate of %s, got %+v", first.Call.ID, second)
	}

	req.DurationSeconds = 301
	third, err := service.Ingest(ctx, req)
	if err != nil {
		t.Fatalf("third ingest: %v", err)
	}
	if third.Duplicate {
		t.Fatalf("one second of duration must produce a new call")
	}
}

func TestIngestRejectsInvalidCalls(t *testing.T) {
	service, _ := newTestCallsService(t)
	start := time.Date(2025, 1, 15, 10, 30, 0, 0, time.UTC)
	before := start.Add(-time.Minute)

	cases := map[string]IngestRequest{
		"missing agent":    {StartedAt: start},
		"missing start":    {AgentName: "A"},
		"far future":       {AgentName: "A", StartedAt: ingestNow.Add(time.Hour)},
		"negative":         {AgentName: "A", StartedAt: start, DurationSeconds: -1},
		"end before start": {AgentName: "A", StartedAt: start, EndedAt: &before},
		"bad url":          {AgentName: "A", StartedAt: start, RecordingURL: "s3://bucket/key"},
	}
	for name, req := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := service.Ingest(context.Background(), req); !errors.Is(err, ErrInvalidCall) {
				t.Fatalf("expected ErrInvalidCall, got %v", err)
			}
		})
	}
}

func TestIngestDerivesDurationFromEndTime(t *testing.T) {
	service, _ := newTestCallsService(t)
	start := time.Date(2025, 1, 15, 10, 30, 0, 0, time.UTC)
	end := start.Add(298 * time.Second)

	result, err := service.Ingest(context.Background(), IngestRequest{AgentName: "A", StartedAt: start, EndedAt: &end})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if result.Call.DurationSeconds != 298 || result.Call.EndedAt == nil {
		t.Fatalf("expected derived duration, got %+v", result.Call)
	}
}
