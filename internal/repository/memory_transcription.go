package repository

import (
	"context"
	"time"

	"github.com/iago/recording-reconciler/internal/domain"
)

func (s *MemoryStore) UpsertJob(_ context.Context, job *domain.TranscriptionJob) (*domain.TranscriptionJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.jobs {
		if existing.CallID != job.CallID {
			continue
		}
		existing.RecordingURL = job.RecordingURL
		if job.Priority > existing.Priority {
			existing.Priority = job.Priority
		}
		if existing.Status == domain.JobStatusFailed {
			existing.Status = domain.JobStatusPending
			existing.Attempts = 0
			existing.LastError = ""
			existing.ClaimedBy = ""
			existing.CompletedAt = nil
		}
		existing.UpdatedAt = job.UpdatedAt
		return cloneJob(existing), nil
	}

	stored := cloneJob(job)
	s.jobs[stored.ID] = stored
	s.order[stored.ID] = s.nextSeq()
	return cloneJob(stored), nil
}

func (s *MemoryStore) GetJob(_ context.Context, jobID string) (*domain.TranscriptionJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneJob(job), nil
}

func (s *MemoryStore) GetJobByCall(_ context.Context, callID string) (*domain.TranscriptionJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, job := range s.jobs {
		if job.CallID == callID {
			return cloneJob(job), nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) ClaimNextJob(
	_ context.Context,
	now time.Time,
	workerID string,
	maxAttempts int,
) (*domain.TranscriptionJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var next *domain.TranscriptionJob
	for _, job := range s.jobs {
		if job.Status != domain.JobStatusPending || job.Attempts >= maxAttempts {
			continue
		}
		if next == nil || s.claimsBefore(job, next) {
			next = job
		}
	}
	if next == nil {
		return nil, ErrNotFound
	}

	startedAt := now
	next.Status = domain.JobStatusProcessing
	next.Attempts++
	next.StartedAt = &startedAt
	next.ClaimedBy = workerID
	next.UpdatedAt = now
	return cloneJob(next), nil
}

func (s *MemoryStore) claimsBefore(left, right *domain.TranscriptionJob) bool {
	if left.Priority != right.Priority {
		return left.Priority > right.Priority
	}
	if !left.CreatedAt.Equal(right.CreatedAt) {
		return left.CreatedAt.Before(right.CreatedAt)
	}
	return s.order[left.ID] < s.order[right.ID]
}

func (s *MemoryStore) FinishJob(
	_ context.Context,
	jobID string,
	workerID string,
	status domain.JobStatus,
	lastError string,
	now time.Time,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return ErrNotFound
	}
	if job.Status != domain.JobStatusProcessing || job.ClaimedBy != workerID {
		return ErrConflict
	}

	job.Status = status
	job.LastError = lastError
	job.UpdatedAt = now
	job.ClaimedBy = ""
	switch status {
	case domain.JobStatusCompleted, domain.JobStatusFailed:
		completedAt := now
		job.CompletedAt = &completedAt
	default:
		job.StartedAt = nil
	}
	return nil
}

func (s *MemoryStore) ReleaseJob(_ context.Context, jobID, workerID string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return ErrNotFound
	}
	if job.Status != domain.JobStatusProcessing || job.ClaimedBy != workerID {
		return ErrConflict
	}
	job.Status = domain.JobStatusPending
	if job.Attempts > 0 {
		job.Attempts--
	}
	job.ClaimedBy = ""
	job.StartedAt = nil
	job.UpdatedAt = now
	return nil
}

func (s *MemoryStore) ListStaleJobs(_ context.Context, startedBefore time.Time) ([]domain.TranscriptionJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stale := make([]domain.TranscriptionJob, 0)
	for _, job := range s.jobs {
		if job.Status != domain.JobStatusProcessing || job.StartedAt == nil {
			continue
		}
		if job.StartedAt.Before(startedBefore) {
			stale = append(stale, *cloneJob(job))
		}
	}
	return stale, nil
}

func (s *MemoryStore) DeleteCompletedJobsBefore(_ context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	deleted := 0
	for id, job := range s.jobs {
		if job.Status != domain.JobStatusCompleted || job.CompletedAt == nil {
			continue
		}
		if job.CompletedAt.Before(before) {
			delete(s.jobs, id)
			delete(s.order, id)
			deleted++
		}
	}
	return deleted, nil
}

func (s *MemoryStore) JobStats(context.Context) (domain.QueueStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var stats domain.QueueStats
	for _, job := range s.jobs {
		switch job.Status {
		case domain.JobStatusPending:
			stats.Pending++
		case domain.JobStatusProcessing:
			stats.Processing++
		case domain.JobStatusCompleted:
			stats.Completed++
		case domain.JobStatusFailed:
			stats.Failed++
		}
	}
	return stats, nil
}
