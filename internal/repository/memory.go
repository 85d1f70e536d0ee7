package repository

import (
	"context"
	"sync"
	"time"

	"github.com/iago/recording-reconciler/internal/domain"
)

// MemoryStore keeps every table in process memory for local development and
// tests. A single mutex makes claims compare-and-set.
type MemoryStore struct {
	mu        sync.RWMutex
	calls     map[string]*domain.CallRecord
	pending   map[string]*domain.PendingRecording
	jobs      map[string]*domain.TranscriptionJob
	unmatched map[string]*domain.UnmatchedRecording
	order     map[string]int64
	seq       int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		calls:     make(map[string]*domain.CallRecord),
		pending:   make(map[string]*domain.PendingRecording),
		jobs:      make(map[string]*domain.TranscriptionJob),
		unmatched: make(map[string]*domain.UnmatchedRecording),
		order:     make(map[string]int64),
	}
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) Close() {}

// nextSeq orders rows inserted within the same clock tick. Callers hold mu.
func (s *MemoryStore) nextSeq() int64 {
	s.seq++
	return s.seq
}

func cloneTime(value *time.Time) *time.Time {
	if value == nil {
		return nil
	}
	copied := *value
	return &copied
}

func cloneCall(call *domain.CallRecord) *domain.CallRecord {
	if call == nil {
		return nil
	}
	clone := *call
	clone.EndedAt = cloneTime(call.EndedAt)
	return &clone
}

func clonePending(pending *domain.PendingRecording) *domain.PendingRecording {
	if pending == nil {
		return nil
	}
	clone := *pending
	clone.CallEndedAt = cloneTime(pending.CallEndedAt)
	clone.EstimatedEndTime = cloneTime(pending.EstimatedEndTime)
	clone.ProcessedAt = cloneTime(pending.ProcessedAt)
	clone.LeaseExpiresAt = cloneTime(pending.LeaseExpiresAt)
	return &clone
}

func cloneJob(job *domain.TranscriptionJob) *domain.TranscriptionJob {
	if job == nil {
		return nil
	}
	clone := *job
	clone.StartedAt = cloneTime(job.StartedAt)
	clone.CompletedAt = cloneTime(job.CompletedAt)
	return &clone
}

func cloneUnmatched(item *domain.UnmatchedRecording) *domain.UnmatchedRecording {
	if item == nil {
		return nil
	}
	clone := *item
	clone.Candidates = append([]domain.ScoredCandidate(nil), item.Candidates...)
	clone.ResolvedAt = cloneTime(item.ResolvedAt)
	return &clone
}
