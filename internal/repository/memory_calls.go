package repository

import (
	"context"
	"time"

	"github.com/iago/recording-reconciler/internal/domain"
)

func (s *MemoryStore) CreateCall(_ context.Context, call *domain.CallRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.calls[call.ID]; ok {
		return ErrConflict
	}
	if call.Fingerprint != "" {
		for _, existing := range s.calls {
			if existing.Fingerprint == call.Fingerprint {
				return ErrConflict
			}
		}
	}
	s.calls[call.ID] = cloneCall(call)
	return nil
}

func (s *MemoryStore) GetCall(_ context.Context, callID string) (*domain.CallRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	call, ok := s.calls[callID]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneCall(call), nil
}

func (s *MemoryStore) FindCallByFingerprint(_ context.Context, fingerprint string) (*domain.CallRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, call := range s.calls {
		if call.Fingerprint == fingerprint {
			return cloneCall(call), nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) SetRecording(_ context.Context, callID, recordingURL string, tier domain.MatchTier, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	call, ok := s.calls[callID]
	if !ok {
		return ErrNotFound
	}
	call.RecordingURL = recordingURL
	call.MatchTier = tier
	call.UpdatedAt = now
	return nil
}
