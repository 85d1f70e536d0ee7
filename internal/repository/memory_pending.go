package repository

import (
	"context"
	"sort"
	"time"

	"github.com/iago/recording-reconciler/internal/domain"
)

func (s *MemoryStore) CreatePending(_ context.Context, pending *domain.PendingRecording) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.pending {
		if existing.CallID == pending.CallID && existing.Live() {
			return false, nil
		}
	}
	s.pending[pending.ID] = clonePending(pending)
	return true, nil
}

func (s *MemoryStore) GetLivePending(_ context.Context, callID string) (*domain.PendingRecording, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, existing := range s.pending {
		if existing.CallID == callID && existing.Live() {
			return clonePending(existing), nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) ClaimDuePending(
	_ context.Context,
	now time.Time,
	limit int,
	owner string,
	lease time.Duration,
) ([]domain.PendingRecording, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	due := make([]*domain.PendingRecording, 0)
	for _, pending := range s.pending {
		if !pending.Live() || pending.ScheduledFor.After(now) {
			continue
		}
		if pending.LeaseExpiresAt != nil && pending.LeaseExpiresAt.After(now) {
			continue
		}
		due = append(due, pending)
	}
	sortClaimOrder(due)
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	expires := now.Add(lease)
	claimed := make([]domain.PendingRecording, 0, len(due))
	for _, pending := range due {
		pending.ClaimedBy = owner
		pending.LeaseExpiresAt = &expires
		pending.UpdatedAt = now
		claimed = append(claimed, *clonePending(pending))
	}
	return claimed, nil
}

func (s *MemoryStore) ReschedulePending(_ context.Context, pending *domain.PendingRecording, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.pending[pending.ID]
	if !ok {
		return ErrNotFound
	}
	if !existing.Live() || existing.ClaimedBy != owner {
		return ErrConflict
	}
	if pending.Attempts > existing.Attempts {
		existing.Attempts = pending.Attempts
	}
	existing.LastError = pending.LastError
	existing.Phase = pending.Phase
	if pending.ScheduledFor.After(existing.ScheduledFor) {
		existing.ScheduledFor = pending.ScheduledFor
	}
	existing.UpdatedAt = pending.UpdatedAt
	existing.ClaimedBy = ""
	existing.LeaseExpiresAt = nil
	return nil
}

func (s *MemoryStore) MarkPendingProcessed(
	_ context.Context,
	id, owner string,
	attempts int,
	outcome domain.PendingOutcome,
	lastError string,
	now time.Time,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.pending[id]
	if !ok {
		return ErrNotFound
	}
	if !existing.Live() || existing.ClaimedBy != owner {
		return ErrConflict
	}
	processedAt := now
	existing.ProcessedAt = &processedAt
	if attempts > existing.Attempts {
		existing.Attempts = attempts
	}
	existing.Outcome = outcome
	if lastError != "" {
		existing.LastError = lastError
	}
	existing.UpdatedAt = now
	existing.ClaimedBy = ""
	existing.LeaseExpiresAt = nil
	return nil
}

func (s *MemoryStore) ReleasePending(_ context.Context, id, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.pending[id]
	if !ok {
		return ErrNotFound
	}
	if existing.ClaimedBy != owner {
		return ErrConflict
	}
	existing.ClaimedBy = ""
	existing.LeaseExpiresAt = nil
	return nil
}

func (s *MemoryStore) PendingStats(context.Context) (domain.PendingStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var stats domain.PendingStats
	for _, pending := range s.pending {
		if !pending.Live() {
			switch pending.Outcome {
			case domain.PendingOutcomeMatched:
				stats.Succeeded++
			case domain.PendingOutcomeAbandoned:
				stats.Abandoned++
			}
			continue
		}
		switch pending.Phase {
		case domain.RetryPhaseQuick:
			stats.Quick++
		case domain.RetryPhaseBackoff:
			stats.Backoff++
		case domain.RetryPhaseFinal:
			stats.Final++
		}
	}
	return stats, nil
}

// sortClaimOrder puts calls known to have ended first, then earliest schedule.
func sortClaimOrder(rows []*domain.PendingRecording) {
	sort.SliceStable(rows, func(i, j int) bool {
		leftEnded := rows[i].CallEndedAt != nil
		rightEnded := rows[j].CallEndedAt != nil
		if leftEnded != rightEnded {
			return leftEnded
		}
		if !rows[i].ScheduledFor.Equal(rows[j].ScheduledFor) {
			return rows[i].ScheduledFor.Before(rows[j].ScheduledFor)
		}
		return rows[i].CreatedAt.Before(rows[j].CreatedAt)
	})
}

// SortClaimed applies the claim order to rows returned by a store.
func SortClaimed(rows []domain.PendingRecording) {
	pointers := make([]*domain.PendingRecording, len(rows))
	for i := range rows {
		pointers[i] = &rows[i]
	}
	sortClaimOrder(pointers)
	sorted := make([]domain.PendingRecording, len(rows))
	for i, row := range pointers {
		sorted[i] = *row
	}
	copy(rows, sorted)
}
