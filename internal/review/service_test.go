package review

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/iago/recording-reconciler/internal/domain"
	"github.com/iago/recording-reconciler/internal/repository"
	"github.com/iago/recording-reconciler/internal/transcription"
)

var reviewTime = time.Date(2025, 1, 15, 18, 0, 0, 0, time.UTC)

func newTestService(t *testing.T) (*Service, *repository.MemoryStore) {
	t.Helper()
	store := repository.NewMemoryStore()
	now := func() time.Time { return reviewTime }
	queue := transcription.NewQueue(transcription.QueueConfig{}, transcription.QueueDependencies{
		Repository: store,
		Now:        now,
	})
	service := NewService(Dependencies{
		Calls:          store,
		Unmatched:      store,
		Transcriptions: queue,
		Now:            now,
	})
	return service, store
}

func seedEntry(t *testing.T, store *repository.MemoryStore, id, callID string, createdAt time.Time) {
	t.Helper()
	ctx := context.Background()
	if err := store.CreateCall(ctx, &domain.CallRecord{ID: callID, LeadID: "L1", AgentName: "A", StartedAt: createdAt}); err != nil {
		t.Fatalf("create call: %v", err)
	}
	err := store.CreateUnmatched(ctx, &domain.UnmatchedRecording{
		ID:           id,
		CallID:       callID,
		LeadID:       "L1",
		Reason:       domain.UnmatchedReasonExhausted,
		ReviewStatus: domain.ReviewStatusPending,
		Candidates: []domain.ScoredCandidate{{
			Candidate:         domain.RecordingCandidate{RecordingID: "r1", URL: "https://rec/r1.mp3"},
			StartDeltaSeconds: 40,
		}},
		CreatedAt: createdAt,
	})
	if err != nil {
		t.Fatalf("create unmatched: %v", err)
	}
}

func TestResolveAttachesRecordingAndQueuesReviewJob(t *testing.T) {
	service, store := newTestService(t)
	ctx := context.Background()
	seedEntry(t, store, "u1", "call-1", reviewTime.Add(-time.Hour))

	job, err := service.Resolve(ctx, "u1", " https://rec/manual.mp3 ", "ops@example.com")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if job.Priority != transcription.PriorityReview || job.Source != domain.JobSourceReview || job.Status != domain.JobStatusPending {
		t.Fatalf("unexpected job %+v", job)
	}

	call, err := store.GetCall(ctx, "call-1")
	if err != nil {
		t.Fatalf("get call: %v", err)
	}
	if call.RecordingURL != "https://rec/manual.mp3" || call.MatchTier != domain.MatchTierManual {
		t.Fatalf("expected manual recording on call, got %+v", call)
	}

	entry, err := store.GetUnmatched(ctx, "u1")
	if err != nil {
		t.Fatalf("get unmatched: %v", err)
	}
	if entry.ReviewStatus != domain.ReviewStatusResolved || entry.ResolvedBy != "ops@example.com" {
		t.Fatalf("expected resolved entry, got %+v", entry)
	}

	if _, err := service.Resolve(ctx, "u1", "https://rec/other.mp3", "ops"); !errors.Is(err, ErrAlreadyResolved) {
		t.Fatalf("expected ErrAlreadyResolved, got %v", err)
	}
}

func TestResolveRejectsBadInput(t *testing.T) {
	service, store := newTestService(t)
	seedEntry(t, store, "u1", "call-1", reviewTime)

	for _, raw := range []string{"", "not a url", "ftp://rec/1.mp3", "/relative.mp3"} {
		if _, err := service.Resolve(context.Background(), "u1", raw, "ops"); !errors.Is(err, ErrInvalidURL) {
			t.Fatalf("expected ErrInvalidURL for %q, got %v", raw, err)
		}
	}

	_, err := service.Resolve(context.Background(), "missing", "https://rec/1.mp3", "ops")
	if !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestListAttachesCallsNewestFirst(t *testing.T) {
	service, store := newTestService(t)
	ctx := context.Background()
	seedEntry(t, store, "u1", "call-1", reviewTime.Add(-2*time.Hour))
	seedEntry(t, store, "u2", "call-2", reviewTime.Add(-time.Hour))

	items, total, err := service.List(ctx, domain.UnmatchedFilter{Status: domain.ReviewStatusPending})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if total != 2 || len(items) != 2 {
		t.Fatalf("expected 2 items, got %d", total)
	}
	if items[0].ID != "u2" || items[0].Call == nil || items[0].Call.ID != "call-2" {
		t.Fatalf("expected newest entry with its call first, got %+v", items[0])
	}
	if len(items[1].Candidates) != 1 || items[1].Candidates[0].StartDeltaSeconds != 40 {
		t.Fatalf("expected candidates with deltas, got %+v", items[1].Candidates)
	}

	if _, err := service.Resolve(ctx, "u1", "https://rec/1.mp3", "ops"); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	counts, err := service.Counts(ctx)
	if err != nil {
		t.Fatalf("counts: %v", err)
	}
	if counts.Pending != 1 || counts.Resolved != 1 {
		t.Fatalf("unexpected counts %+v", counts)
	}
}
