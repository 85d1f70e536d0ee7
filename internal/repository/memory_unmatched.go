package repository

import (
	"context"
	"sort"
	"time"

	"github.com/iago/recording-reconciler/internal/domain"
)

func (s *MemoryStore) CreateUnmatched(_ context.Context, item *domain.UnmatchedRecording) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.unmatched {
		if existing.CallID == item.CallID && existing.ReviewStatus == domain.ReviewStatusPending {
			return ErrConflict
		}
	}
	s.unmatched[item.ID] = cloneUnmatched(item)
	s.order[item.ID] = s.nextSeq()
	return nil
}

func (s *MemoryStore) GetUnmatched(_ context.Context, id string) (*domain.UnmatchedRecording, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	item, ok := s.unmatched[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneUnmatched(item), nil
}

func (s *MemoryStore) ListUnmatched(
	_ context.Context,
	filter domain.UnmatchedFilter,
) ([]domain.UnmatchedRecording, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	filter = normalizePage(filter)

	items := make([]*domain.UnmatchedRecording, 0)
	for _, item := range s.unmatched {
		if filter.Status != "" && item.ReviewStatus != filter.Status {
			continue
		}
		items = append(items, item)
	}
	sort.Slice(items, func(i, j int) bool {
		if !items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].CreatedAt.After(items[j].CreatedAt)
		}
		return s.order[items[i].ID] > s.order[items[j].ID]
	})

	total := len(items)
	start := (filter.Page - 1) * filter.PageSize
	if start >= total {
		return []domain.UnmatchedRecording{}, total, nil
	}
	end := start + filter.PageSize
	if end > total {
		end = total
	}

	page := make([]domain.UnmatchedRecording, 0, end-start)
	for _, item := range items[start:end] {
		page = append(page, *cloneUnmatched(item))
	}
	return page, total, nil
}

func (s *MemoryStore) ResolveUnmatched(_ context.Context, id, recordingURL, resolvedBy string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.unmatched[id]
	if !ok {
		return ErrNotFound
	}
	if item.ReviewStatus == domain.ReviewStatusResolved {
		return ErrConflict
	}
	resolvedAt := now
	item.ReviewStatus = domain.ReviewStatusResolved
	item.ResolvedURL = recordingURL
	item.ResolvedBy = resolvedBy
	item.ResolvedAt = &resolvedAt
	return nil
}

func (s *MemoryStore) ReviewCounts(context.Context) (domain.ReviewCounts, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var counts domain.ReviewCounts
	for _, item := range s.unmatched {
		switch item.ReviewStatus {
		case domain.ReviewStatusPending:
			counts.Pending++
		case domain.ReviewStatusResolved:
			counts.Resolved++
		}
	}
	return counts, nil
}
