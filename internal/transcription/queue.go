package transcription

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/iago/recording-reconciler/internal/domain"
	"github.com/iago/recording-reconciler/internal/logger"
	"github.com/iago/recording-reconciler/internal/metrics"
	"github.com/iago/recording-reconciler/internal/repository"
)

const (
	PriorityIngest   = 0
	PriorityProbable = 5
	PriorityMatch    = 10
	PriorityReview   = 20
)

// PriorityForTier maps how a recording was attached to its queue priority.
func PriorityForTier(tier domain.MatchTier) int {
	switch tier {
	case domain.MatchTierExact, domain.MatchTierFuzzy:
		return PriorityMatch
	case domain.MatchTierProbable:
		return PriorityProbable
	case domain.MatchTierManual:
		return PriorityReview
	default:
		return PriorityIngest
	}
}

// Publisher wakes workers up when a job becomes claimable.
type Publisher interface {
	Enqueue(ctx context.Context, message domain.QueueMessage) error
}

type QueueConfig struct {
	MaxAttempts       int
	ProcessingTimeout time.Duration
	Retention         time.Duration
}

type EnqueueRequest struct {
	CallID       string
	RecordingURL string
	Priority     int
	Source       domain.JobSource
}

// Queue is the durable, at-most-once transcription job queue.
type Queue struct {
	repo      repository.TranscriptionRepository
	publisher Publisher
	config    QueueConfig
	metrics   *metrics.Metrics
	logger    logrus.FieldLogger
	now       func() time.Time
}

type QueueDependencies struct {
	Repository repository.TranscriptionRepository
	Publisher  Publisher
	Metrics    *metrics.Metrics
	Logger     logrus.FieldLogger
	Now        func() time.Time
}

func NewQueue(config QueueConfig, deps QueueDependencies) *Queue {
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 3
	}
	if config.ProcessingTimeout <= 0 {
		config.ProcessingTimeout = 10 * time.Minute
	}
	if config.Retention <= 0 {
		config.Retention = 24 * time.Hour
	}
	now := deps.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Queue{
		repo:      deps.Repository,
		publisher: deps.Publisher,
		config:    config,
		metrics:   deps.Metrics,
		logger:    logger.OrDiscard(deps.Logger),
		now:       now,
	}
}

func (q *Queue) MaxAttempts() int {
	return q.config.MaxAttempts
}

// Enqueue upserts the job for the call. Priority only grows, the URL is
// replaced, and a failed job is revived with a fresh attempt budget.
func (q *Queue) Enqueue(ctx context.Context, req EnqueueRequest) (*domain.TranscriptionJob, error) {
	if strings.TrimSpace(req.CallID) == "" {
		return nil, errors.New("enqueue transcription: call id is required")
	}
	if strings.TrimSpace(req.RecordingURL) == "" {
		return nil, errors.New("enqueue transcription: recording url is required")
	}

	now := q.now()
	job, err := q.repo.UpsertJob(ctx, &domain.TranscriptionJob{
		ID:           uuid.NewString(),
		CallID:       req.CallID,
		RecordingURL: strings.TrimSpace(req.RecordingURL),
		Priority:     req.Priority,
		Status:       domain.JobStatusPending,
		Source:       req.Source,
		CreatedAt:    now,
		UpdatedAt:    now,
	})
	if err != nil {
		return nil, fmt.Errorf("enqueue transcription: %w", err)
	}

	q.logger.WithFields(logrus.Fields{
		"job_id":   job.ID,
		"call_id":  job.CallID,
		"priority": job.Priority,
		"status":   job.Status,
	}).Info("transcription job enqueued")

	if job.Status == domain.JobStatusPending {
		q.signal(ctx, job)
	}
	return job, nil
}

func (q *Queue) signal(ctx context.Context, job *domain.TranscriptionJob) {
	if q.publisher == nil {
		return
	}
	err := q.publisher.Enqueue(ctx, domain.QueueMessage{
		JobID:       job.ID,
		CallID:      job.CallID,
		Priority:    job.Priority,
		RequestedAt: q.now(),
	})
	if err != nil {
		// the row stays claimable, cron drains it
		q.logger.WithError(err).WithField("job_id", job.ID).Warn("publish transcription wake-up failed")
	}
}

// Claim hands the next job to workerID. It returns nil, nil when the queue is empty.
func (q *Queue) Claim(ctx context.Context, workerID string) (*domain.TranscriptionJob, error) {
	job, err := q.repo.ClaimNextJob(ctx, q.now(), workerID, q.config.MaxAttempts)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("claim transcription job: %w", err)
	}
	return job, nil
}

// Complete records the outcome reported by the worker holding the job.
func (q *Queue) Complete(ctx context.Context, jobID, workerID string, outcome domain.JobOutcome) (domain.JobStatus, error) {
	job, err := q.repo.GetJob(ctx, jobID)
	if err != nil {
		return "", fmt.Errorf("load transcription job: %w", err)
	}
	if job.Status != domain.JobStatusProcessing || job.ClaimedBy != workerID {
		return "", ErrNotOwner
	}

	status, label := q.nextStatus(job, outcome)
	lastError := ""
	if !outcome.Success {
		lastError = outcome.Error
		if lastError == "" {
			lastError = "unknown error"
		}
	}

	if err := q.repo.FinishJob(ctx, jobID, workerID, status, lastError, q.now()); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return "", ErrNotOwner
		}
		return "", fmt.Errorf("complete transcription job: %w", err)
	}

	q.metrics.RecordJobOutcome(label)
	entry := q.logger.WithFields(logrus.Fields{
		"job_id":   jobID,
		"call_id":  job.CallID,
		"attempts": job.Attempts,
		"status":   status,
	})
	if outcome.Success {
		entry.Info("transcription job completed")
	} else {
		entry.WithField("error", lastError).Warn("transcription job failed")
	}

	if status == domain.JobStatusPending {
		job.Status = status
		q.signal(ctx, job)
	}
	return status, nil
}

// Release hands a job back to the queue without counting the attempt. Workers
// call it when they stop mid-job for reasons unrelated to the job itself.
func (q *Queue) Release(ctx context.Context, jobID, workerID string) error {
	if err := q.repo.ReleaseJob(ctx, jobID, workerID, q.now()); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return ErrNotOwner
		}
		return fmt.Errorf("release transcription job: %w", err)
	}
	q.logger.WithField("job_id", jobID).Info("transcription job released")
	return nil
}

func (q *Queue) nextStatus(job *domain.TranscriptionJob, outcome domain.JobOutcome) (domain.JobStatus, string) {
	switch {
	case outcome.Success:
		return domain.JobStatusCompleted, "completed"
	case outcome.Permanent:
		return domain.JobStatusFailed, "permanent_failure"
	case job.Attempts >= q.config.MaxAttempts:
		return domain.JobStatusFailed, "retries_exhausted"
	default:
		return domain.JobStatusPending, "retry"
	}
}

// RecoverStale fails jobs stuck in processing past the timeout as transient
// failures, returning how many were recovered.
func (q *Queue) RecoverStale(ctx context.Context) (int, error) {
	stale, err := q.repo.ListStaleJobs(ctx, q.now().Add(-q.config.ProcessingTimeout))
	if err != nil {
		return 0, fmt.Errorf("list stale jobs: %w", err)
	}

	recovered := 0
	for _, job := range stale {
		_, err := q.Complete(ctx, job.ID, job.ClaimedBy, domain.JobOutcome{Error: "processing timeout"})
		if err != nil {
			if errors.Is(err, ErrNotOwner) {
				continue
			}
			return recovered, err
		}
		recovered++
	}
	if recovered > 0 {
		q.logger.WithField("count", recovered).Warn("recovered stale transcription jobs")
	}
	return recovered, nil
}

// Cleanup purges completed jobs older than the retention window.
func (q *Queue) Cleanup(ctx context.Context) (int, error) {
	deleted, err := q.repo.DeleteCompletedJobsBefore(ctx, q.now().Add(-q.config.Retention))
	if err != nil {
		return 0, fmt.Errorf("cleanup transcription jobs: %w", err)
	}
	return deleted, nil
}

func (q *Queue) Stats(ctx context.Context) (domain.QueueStats, error) {
	stats, err := q.repo.JobStats(ctx)
	if err != nil {
		return domain.QueueStats{}, fmt.Errorf("transcription stats: %w", err)
	}
	q.metrics.SetQueueStats(stats)
	return stats, nil
}
