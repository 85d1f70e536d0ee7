package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/iago/recording-reconciler/internal/domain"
)

var baseTime = time.Date(2025, 1, 15, 10, 30, 0, 0, time.UTC)

func TestMemoryCreateCallRejectsDuplicateFingerprint(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if err := store.CreateCall(ctx, &domain.CallRecord{ID: "c1", Fingerprint: "fp"}); err != nil {
		t.Fatalf("create call: %v", err)
	}
	err := store.CreateCall(ctx, &domain.CallRecord{ID: "c2", Fingerprint: "fp"})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}

	found, err := store.FindCallByFingerprint(ctx, "fp")
	if err != nil || found.ID != "c1" {
		t.Fatalf("expected to find c1, got %+v err=%v", found, err)
	}
}

func TestMemoryCreatePendingKeepsSingleLiveRow(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	created, err := store.CreatePending(ctx, &domain.PendingRecording{ID: "p1", CallID: "c1", ScheduledFor: baseTime})
	if err != nil || !created {
		t.Fatalf("expected first insert to succeed, created=%v err=%v", created, err)
	}
	created, err = store.CreatePending(ctx, &domain.PendingRecording{ID: "p2", CallID: "c1", ScheduledFor: baseTime})
	if err != nil || created {
		t.Fatalf("expected duplicate live row to be skipped, created=%v err=%v", created, err)
	}

	if err := store.MarkPendingProcessed(ctx, "p1", "", 1, domain.PendingOutcomeMatched, "", baseTime); err != nil {
		t.Fatalf("mark processed: %v", err)
	}
	created, err = store.CreatePending(ctx, &domain.PendingRecording{ID: "p3", CallID: "c1", ScheduledFor: baseTime})
	if err != nil || !created {
		t.Fatalf("expected new row after processing, created=%v err=%v", created, err)
	}
}

func TestMemoryClaimDuePendingOrdersEndedFirstAndLeases(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	ended := baseTime

	rows := []*domain.PendingRecording{
		{ID: "open-early", CallID: "c1", ScheduledFor: baseTime.Add(-10 * time.Minute)},
		{ID: "ended-late", CallID: "c2", ScheduledFor: baseTime.Add(-1 * time.Minute), CallEndedAt: &ended},
		{ID: "future", CallID: "c3", ScheduledFor: baseTime.Add(time.Hour)},
	}
	for _, row := range rows {
		if _, err := store.CreatePending(ctx, row); err != nil {
			t.Fatalf("create pending: %v", err)
		}
	}

	claimed, err := store.ClaimDuePending(ctx, baseTime, 10, "worker-a", time.Minute)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(claimed) != 2 {
		t.Fatalf("expected 2 due rows, got %d", len(claimed))
	}
	if claimed[0].ID != "ended-late" || claimed[1].ID != "open-early" {
		t.Fatalf("unexpected claim order: %s, %s", claimed[0].ID, claimed[1].ID)
	}

	again, err := store.ClaimDuePending(ctx, baseTime, 10, "worker-b", time.Minute)
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("expected leased rows to be skipped, got %d", len(again))
	}

	expired, err := store.ClaimDuePending(ctx, baseTime.Add(2*time.Minute), 10, "worker-b", time.Minute)
	if err != nil {
		t.Fatalf("claim after lease expiry: %v", err)
	}
	if len(expired) != 2 {
		t.Fatalf("expected expired leases to be reclaimable, got %d", len(expired))
	}
}

func TestMemoryReschedulePendingNeverMovesBackwards(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	if _, err := store.CreatePending(ctx, &domain.PendingRecording{ID: "p1", CallID: "c1", ScheduledFor: baseTime}); err != nil {
		t.Fatalf("create pending: %v", err)
	}

	err := store.ReschedulePending(ctx, &domain.PendingRecording{ID: "p1", Attempts: 1, ScheduledFor: baseTime.Add(-time.Hour)}, "")
	if err != nil {
		t.Fatalf("reschedule: %v", err)
	}
	live, err := store.GetLivePending(ctx, "c1")
	if err != nil {
		t.Fatalf("get live: %v", err)
	}
	if !live.ScheduledFor.Equal(baseTime) {
		t.Fatalf("expected scheduled_for to stay at %v, got %v", baseTime, live.ScheduledFor)
	}
}

func TestMemoryPendingUpdatesRequireLeaseOwner(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	if _, err := store.CreatePending(ctx, &domain.PendingRecording{ID: "p1", CallID: "c1", ScheduledFor: baseTime}); err != nil {
		t.Fatalf("create pending: %v", err)
	}
	if _, err := store.ClaimDuePending(ctx, baseTime, 1, "worker-a", time.Minute); err != nil {
		t.Fatalf("claim a: %v", err)
	}
	if _, err := store.ClaimDuePending(ctx, baseTime.Add(2*time.Minute), 1, "worker-b", time.Minute); err != nil {
		t.Fatalf("claim b: %v", err)
	}
	if err := store.ReschedulePending(ctx, &domain.PendingRecording{ID: "p1", Attempts: 4, ScheduledFor: baseTime.Add(time.Hour)}, "worker-b"); err != nil {
		t.Fatalf("owner reschedule: %v", err)
	}

	err := store.ReschedulePending(ctx, &domain.PendingRecording{ID: "p1", Attempts: 1, ScheduledFor: baseTime}, "worker-a")
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict for a lost lease, got %v", err)
	}
	err = store.MarkPendingProcessed(ctx, "p1", "worker-a", 1, domain.PendingOutcomeAbandoned, "late", baseTime)
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict for a lost lease, got %v", err)
	}

	live, err := store.GetLivePending(ctx, "c1")
	if err != nil {
		t.Fatalf("get live: %v", err)
	}
	if live.Attempts != 4 {
		t.Fatalf("expected attempts to stay at 4, got %d", live.Attempts)
	}
}

func TestMemoryUpsertJobMergesByCall(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	first, err := store.UpsertJob(ctx, &domain.TranscriptionJob{ID: "j1", CallID: "c1", RecordingURL: "u1", Priority: 5, Status: domain.JobStatusPending})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	second, err := store.UpsertJob(ctx, &domain.TranscriptionJob{ID: "j2", CallID: "c1", RecordingURL: "u2", Priority: 1, Status: domain.JobStatusPending})
	if err != nil {
		t.Fatalf("upsert again: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("expected same job id, got %s and %s", first.ID, second.ID)
	}
	if second.Priority != 5 || second.RecordingURL != "u2" {
		t.Fatalf("expected max priority and replaced url, got %+v", second)
	}
}

func TestMemoryFinishJobRequiresOwner(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	if _, err := store.UpsertJob(ctx, &domain.TranscriptionJob{ID: "j1", CallID: "c1", Status: domain.JobStatusPending}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if _, err := store.ClaimNextJob(ctx, baseTime, "w1", 3); err != nil {
		t.Fatalf("claim: %v", err)
	}

	if err := store.FinishJob(ctx, "j1", "w2", domain.JobStatusCompleted, "", baseTime); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict for foreign worker, got %v", err)
	}
	if err := store.FinishJob(ctx, "j1", "w1", domain.JobStatusCompleted, "", baseTime); err != nil {
		t.Fatalf("finish: %v", err)
	}
	if err := store.FinishJob(ctx, "j1", "w1", domain.JobStatusCompleted, "", baseTime); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict on double completion, got %v", err)
	}
}

func TestMemoryListUnmatchedNewestFirstWithPaging(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	for i, id := range []string{"u1", "u2", "u3"} {
		err := store.CreateUnmatched(ctx, &domain.UnmatchedRecording{
			ID:           id,
			CallID:       "call-" + id,
			ReviewStatus: domain.ReviewStatusPending,
			CreatedAt:    baseTime.Add(time.Duration(i) * time.Minute),
		})
		if err != nil {
			t.Fatalf("create unmatched: %v", err)
		}
	}
	if err := store.ResolveUnmatched(ctx, "u1", "https://r/1.mp3", "ops", baseTime); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if err := store.ResolveUnmatched(ctx, "u1", "https://r/1.mp3", "ops", baseTime); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict on second resolve, got %v", err)
	}

	items, total, err := store.ListUnmatched(ctx, domain.UnmatchedFilter{Page: 1, PageSize: 1})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if total != 3 || len(items) != 1 || items[0].ID != "u3" {
		t.Fatalf("expected newest item first, got total=%d items=%+v", total, items)
	}

	pending, total, err := store.ListUnmatched(ctx, domain.UnmatchedFilter{Status: domain.ReviewStatusPending})
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if total != 2 || len(pending) != 2 {
		t.Fatalf("expected 2 pending items, got %d", total)
	}

	counts, err := store.ReviewCounts(ctx)
	if err != nil {
		t.Fatalf("counts: %v", err)
	}
	if counts.Pending != 2 || counts.Resolved != 1 {
		t.Fatalf("unexpected counts: %+v", counts)
	}
}
