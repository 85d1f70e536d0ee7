package repository

import (
	"context"
	"errors"
	"time"

	"github.com/iago/recording-reconciler/internal/domain"
)

var (
	ErrNotFound = errors.New("resource not found")
	ErrConflict = errors.New("resource state conflict")
)

// CallsRepository persists call records. CreateCall returns ErrConflict when a
// call with the same fingerprint already exists.
type CallsRepository interface {
	CreateCall(ctx context.Context, call *domain.CallRecord) error
	GetCall(ctx context.Context, callID string) (*domain.CallRecord, error)
	FindCallByFingerprint(ctx context.Context, fingerprint string) (*domain.CallRecord, error)
	SetRecording(ctx context.Context, callID, recordingURL string, tier domain.MatchTier, now time.Time) error
}

// PendingRepository persists reconciliation tasks.
type PendingRepository interface {
	// CreatePending inserts the task unless the call already has a live one.
	CreatePending(ctx context.Context, pending *domain.PendingRecording) (bool, error)
	GetLivePending(ctx context.Context, callID string) (*domain.PendingRecording, error)
	// ClaimDuePending leases up to limit due tasks to owner, ended calls first.
	ClaimDuePending(ctx context.Context, now time.Time, limit int, owner string, lease time.Duration) ([]domain.PendingRecording, error)
	// ReschedulePending stores the next attempt state and drops the lease. Both
	// it and MarkPendingProcessed return ErrConflict unless owner still holds
	// the row, so a worker whose lease expired cannot overwrite newer progress.
	ReschedulePending(ctx context.Context, pending *domain.PendingRecording, owner string) error
	MarkPendingProcessed(ctx context.Context, id, owner string, attempts int, outcome domain.PendingOutcome, lastError string, now time.Time) error
	ReleasePending(ctx context.Context, id, owner string) error
	PendingStats(ctx context.Context) (domain.PendingStats, error)
}

// TranscriptionRepository persists the transcription job queue.
type TranscriptionRepository interface {
	// UpsertJob inserts or merges the job keyed by call id and returns the stored row.
	UpsertJob(ctx context.Context, job *domain.TranscriptionJob) (*domain.TranscriptionJob, error)
	GetJob(ctx context.Context, jobID string) (*domain.TranscriptionJob, error)
	GetJobByCall(ctx context.Context, callID string) (*domain.TranscriptionJob, error)
	// ClaimNextJob returns ErrNotFound when no job is claimable.
	ClaimNextJob(ctx context.Context, now time.Time, workerID string, maxAttempts int) (*domain.TranscriptionJob, error)
	// FinishJob returns ErrConflict unless workerID holds the job in processing.
	FinishJob(ctx context.Context, jobID, workerID string, status domain.JobStatus, lastError string, now time.Time) error
	// ReleaseJob returns a processing job to pending and gives back the attempt
	// its claim consumed. It returns ErrConflict unless workerID holds the job.
	ReleaseJob(ctx context.Context, jobID, workerID string, now time.Time) error
	ListStaleJobs(ctx context.Context, startedBefore time.Time) ([]domain.TranscriptionJob, error)
	DeleteCompletedJobsBefore(ctx context.Context, before time.Time) (int, error)
	JobStats(ctx context.Context) (domain.QueueStats, error)
}

// UnmatchedRepository persists the manual review queue.
type UnmatchedRepository interface {
	// CreateUnmatched returns ErrConflict when the call already awaits review.
	CreateUnmatched(ctx context.Context, item *domain.UnmatchedRecording) error
	GetUnmatched(ctx context.Context, id string) (*domain.UnmatchedRecording, error)
	ListUnmatched(ctx context.Context, filter domain.UnmatchedFilter) ([]domain.UnmatchedRecording, int, error)
	// ResolveUnmatched returns ErrConflict when the entry is already resolved.
	ResolveUnmatched(ctx context.Context, id, recordingURL, resolvedBy string, now time.Time) error
	ReviewCounts(ctx context.Context) (domain.ReviewCounts, error)
}

// Store bundles every repository the pipeline needs.
type Store interface {
	CallsRepository
	PendingRepository
	TranscriptionRepository
	UnmatchedRepository
	Ping(ctx context.Context) error
	Close()
}

func normalizePage(filter domain.UnmatchedFilter) domain.UnmatchedFilter {
	if filter.Page <= 0 {
		filter.Page = 1
	}
	if filter.PageSize <= 0 {
		filter.PageSize = 20
	}
	if filter.PageSize > 200 {
		filter.PageSize = 200
	}
	return filter
}
