//go:build integration

package repository

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iago/recording-reconciler/internal/domain"
)

// Run with: TEST_DATABASE_URL=postgres://... go test -tags integration ./internal/repository
// The tables are truncated, so point it at a throwaway database.
func newPostgresTestStore(t *testing.T) *PostgresStore {
	t.Helper()
	databaseURL := os.Getenv("TEST_DATABASE_URL")
	if databaseURL == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}

	ctx := context.Background()
	store, err := NewPostgresStore(ctx, databaseURL)
	require.NoError(t, err)
	t.Cleanup(store.Close)

	require.NoError(t, Migrate(ctx, store.Pool()))
	_, err = store.Pool().Exec(ctx, `TRUNCATE unmatched_recordings, transcription_queue, pending_recordings, call_records`)
	require.NoError(t, err)
	return store
}

func seedCall(t *testing.T, store *PostgresStore, id string) {
	t.Helper()
	err := store.CreateCall(context.Background(), &domain.CallRecord{
		ID:          id,
		AgentName:   "A",
		StartedAt:   baseTime,
		Fingerprint: "fp-" + id,
		CreatedAt:   baseTime,
		UpdatedAt:   baseTime,
	})
	require.NoError(t, err)
}

func seedPending(t *testing.T, store *PostgresStore, id, callID string) bool {
	t.Helper()
	created, err := store.CreatePending(context.Background(), &domain.PendingRecording{
		ID:            id,
		CallID:        callID,
		Phase:         domain.RetryPhaseQuick,
		ScheduledFor:  baseTime,
		CallStartedAt: baseTime,
		CreatedAt:     baseTime,
		UpdatedAt:     baseTime,
	})
	require.NoError(t, err)
	return created
}

func TestPostgresCreateCallRejectsDuplicateFingerprint(t *testing.T) {
	store := newPostgresTestStore(t)
	seedCall(t, store, "c1")

	err := store.CreateCall(context.Background(), &domain.CallRecord{
		ID: "c2", AgentName: "A", StartedAt: baseTime, Fingerprint: "fp-c1", CreatedAt: baseTime, UpdatedAt: baseTime,
	})
	assert.ErrorIs(t, err, ErrConflict)
}

func TestPostgresCreatePendingKeepsSingleLiveRow(t *testing.T) {
	store := newPostgresTestStore(t)
	seedCall(t, store, "c1")

	assert.True(t, seedPending(t, store, "p1", "c1"))
	assert.False(t, seedPending(t, store, "p2", "c1"))

	require.NoError(t, store.MarkPendingProcessed(context.Background(), "p1", "", 1, domain.PendingOutcomeMatched, "", baseTime))
	assert.True(t, seedPending(t, store, "p3", "c1"))
}

func TestPostgresClaimDuePendingIsExclusive(t *testing.T) {
	store := newPostgresTestStore(t)
	for i := 0; i < 10; i++ {
		callID := fmt.Sprintf("c%d", i)
		seedCall(t, store, callID)
		seedPending(t, store, "p"+callID, callID)
	}

	var mu sync.Mutex
	var wg sync.WaitGroup
	seen := make(map[string]string)
	errs := make(chan error, 16)
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(owner string) {
			defer wg.Done()
			claimed, err := store.ClaimDuePending(context.Background(), baseTime, 3, owner, time.Minute)
			if err != nil {
				errs <- err
				return
			}
			mu.Lock()
			defer mu.Unlock()
			for _, row := range claimed {
				if previous, ok := seen[row.ID]; ok {
					errs <- fmt.Errorf("row %s claimed by %s and %s", row.ID, previous, owner)
				}
				seen[row.ID] = owner
			}
		}(fmt.Sprintf("worker-%d", w))
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
	assert.Len(t, seen, 10)
}

func TestPostgresPendingUpdatesRequireLeaseOwner(t *testing.T) {
	store := newPostgresTestStore(t)
	ctx := context.Background()
	seedCall(t, store, "c1")
	seedPending(t, store, "p1", "c1")

	_, err := store.ClaimDuePending(ctx, baseTime, 1, "worker-a", time.Minute)
	require.NoError(t, err)
	claimed, err := store.ClaimDuePending(ctx, baseTime.Add(2*time.Minute), 1, "worker-b", time.Minute)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	next := claimed[0]
	next.Attempts = 3
	next.ScheduledFor = baseTime.Add(time.Hour)
	require.NoError(t, store.ReschedulePending(ctx, &next, "worker-b"))

	stale := claimed[0]
	stale.Attempts = 1
	assert.ErrorIs(t, store.ReschedulePending(ctx, &stale, "worker-a"), ErrConflict)
	assert.ErrorIs(t, store.MarkPendingProcessed(ctx, "p1", "worker-a", 1, domain.PendingOutcomeAbandoned, "late", baseTime), ErrConflict)

	live, err := store.GetLivePending(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, 3, live.Attempts)
	assert.True(t, live.ScheduledFor.Equal(baseTime.Add(time.Hour)))
}

func TestPostgresJobUpsertClaimAndRelease(t *testing.T) {
	store := newPostgresTestStore(t)
	ctx := context.Background()
	seedCall(t, store, "c1")

	first, err := store.UpsertJob(ctx, &domain.TranscriptionJob{
		ID: "j1", CallID: "c1", RecordingURL: "u1", Priority: 5, Source: domain.JobSourceMatch, CreatedAt: baseTime, UpdatedAt: baseTime,
	})
	require.NoError(t, err)
	second, err := store.UpsertJob(ctx, &domain.TranscriptionJob{
		ID: "j2", CallID: "c1", RecordingURL: "u2", Priority: 20, Source: domain.JobSourceReview, CreatedAt: baseTime, UpdatedAt: baseTime,
	})
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 20, second.Priority)
	assert.Equal(t, "u2", second.RecordingURL)

	claimed, err := store.ClaimNextJob(ctx, baseTime, "w1", 3)
	require.NoError(t, err)
	assert.Equal(t, 1, claimed.Attempts)

	_, err = store.ClaimNextJob(ctx, baseTime, "w2", 3)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, store.FinishJob(ctx, "j1", "w2", domain.JobStatusCompleted, "", baseTime), ErrConflict)

	require.NoError(t, store.ReleaseJob(ctx, "j1", "w1", baseTime))
	released, err := store.GetJob(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusPending, released.Status)
	assert.Equal(t, 0, released.Attempts)
}

func TestPostgresUnmatchedKeepsSingleOpenEntry(t *testing.T) {
	store := newPostgresTestStore(t)
	ctx := context.Background()
	seedCall(t, store, "c1")

	item := func(id string) *domain.UnmatchedRecording {
		return &domain.UnmatchedRecording{
			ID:           id,
			CallID:       "c1",
			Reason:       domain.UnmatchedReasonExhausted,
			ReviewStatus: domain.ReviewStatusPending,
			CreatedAt:    baseTime,
		}
	}
	require.NoError(t, store.CreateUnmatched(ctx, item("u1")))
	assert.ErrorIs(t, store.CreateUnmatched(ctx, item("u2")), ErrConflict)

	require.NoError(t, store.ResolveUnmatched(ctx, "u1", "https://rec/manual.mp3", "ops", baseTime))
	assert.ErrorIs(t, store.ResolveUnmatched(ctx, "u1", "https://rec/other.mp3", "ops", baseTime), ErrConflict)
	require.NoError(t, store.CreateUnmatched(ctx, item("u3")))
}
