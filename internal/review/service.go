package review

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/iago/recording-reconciler/internal/domain"
	"github.com/iago/recording-reconciler/internal/logger"
	"github.com/iago/recording-reconciler/internal/repository"
	"github.com/iago/recording-reconciler/internal/transcription"
)

var (
	ErrAlreadyResolved = errors.New("review entry already resolved")
	ErrInvalidURL      = errors.New("recording url must be an absolute http(s) url")
)

// JobEnqueuer hands resolved recordings to the transcription queue.
type JobEnqueuer interface {
	Enqueue(ctx context.Context, req transcription.EnqueueRequest) (*domain.TranscriptionJob, error)
}

// Item is a review entry together with the call it belongs to. Call is nil
// when the call record has disappeared.
type Item struct {
	domain.UnmatchedRecording
	Call *domain.CallRecord
}

type Dependencies struct {
	Calls          repository.CallsRepository
	Unmatched      repository.UnmatchedRepository
	Transcriptions JobEnqueuer
	Logger         logrus.FieldLogger
	Now            func() time.Time
}

// Service exposes the manual review queue for calls that automatic
// matching gave up on.
type Service struct {
	calls          repository.CallsRepository
	unmatched      repository.UnmatchedRepository
	transcriptions JobEnqueuer
	logger         logrus.FieldLogger
	now            func() time.Time
}

func NewService(deps Dependencies) *Service {
	now := deps.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Service{
		calls:          deps.Calls,
		unmatched:      deps.Unmatched,
		transcriptions: deps.Transcriptions,
		logger:         logger.OrDiscard(deps.Logger),
		now:            now,
	}
}

// List returns a page of review entries, newest first.
func (s *Service) List(ctx context.Context, filter domain.UnmatchedFilter) ([]Item, int, error) {
	entries, total, err := s.unmatched.ListUnmatched(ctx, filter)
	if err != nil {
		return nil, 0, fmt.Errorf("list review entries: %w", err)
	}

	items := make([]Item, 0, len(entries))
	for _, entry := range entries {
		item := Item{UnmatchedRecording: entry}
		call, err := s.calls.GetCall(ctx, entry.CallID)
		switch {
		case err == nil:
			item.Call = call
		case errors.Is(err, repository.ErrNotFound):
		default:
			return nil, 0, fmt.Errorf("load call %s: %w", entry.CallID, err)
		}
		items = append(items, item)
	}
	return items, total, nil
}

// Resolve attaches a manually chosen recording to the call and queues it for
// transcription ahead of automatic matches.
func (s *Service) Resolve(ctx context.Context, id, recordingURL, resolvedBy string) (*domain.TranscriptionJob, error) {
	recordingURL = strings.TrimSpace(recordingURL)
	if !validURL(recordingURL) {
		return nil, ErrInvalidURL
	}
	resolvedBy = strings.TrimSpace(resolvedBy)
	if resolvedBy == "" {
		resolvedBy = "unknown"
	}

	entry, err := s.unmatched.GetUnmatched(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load review entry: %w", err)
	}
	if entry.ReviewStatus == domain.ReviewStatusResolved {
		return nil, ErrAlreadyResolved
	}

	now := s.now()
	if err := s.calls.SetRecording(ctx, entry.CallID, recordingURL, domain.MatchTierManual, now); err != nil {
		return nil, fmt.Errorf("attach recording: %w", err)
	}

	job, err := s.transcriptions.Enqueue(ctx, transcription.EnqueueRequest{
		CallID:       entry.CallID,
		RecordingURL: recordingURL,
		Priority:     transcription.PriorityReview,
		Source:       domain.JobSourceReview,
	})
	if err != nil {
		return nil, fmt.Errorf("enqueue transcription: %w", err)
	}

	if err := s.unmatched.ResolveUnmatched(ctx, id, recordingURL, resolvedBy, now); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return nil, ErrAlreadyResolved
		}
		return nil, fmt.Errorf("resolve review entry: %w", err)
	}

	s.logger.WithFields(logrus.Fields{
		"review_id":   id,
		"call_id":     entry.CallID,
		"job_id":      job.ID,
		"resolved_by": resolvedBy,
	}).Info("review entry resolved")
	return job, nil
}

func (s *Service) Counts(ctx context.Context) (domain.ReviewCounts, error) {
	counts, err := s.unmatched.ReviewCounts(ctx)
	if err != nil {
		return domain.ReviewCounts{}, fmt.Errorf("review counts: %w", err)
	}
	return counts, nil
}

func validURL(raw string) bool {
	parsed, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return (parsed.Scheme == "http" || parsed.Scheme == "https") && parsed.Host != ""
}
