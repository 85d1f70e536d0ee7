package service

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/iago/recording-reconciler/internal/domain"
	"github.com/iago/recording-reconciler/internal/fingerprint"
	"github.com/iago/recording-reconciler/internal/logger"
	"github.com/iago/recording-reconciler/internal/repository"
	"github.com/iago/recording-reconciler/internal/transcription"
)

var ErrInvalidCall = errors.New("invalid call record")

// Reconciler opens recording lookups for calls ingested without a recording.
type Reconciler interface {
	Enqueue(ctx context.Context, call domain.CallRecord) (*domain.PendingRecording, bool, error)
}

// JobEnqueuer queues recordings for transcription.
type JobEnqueuer interface {
	Enqueue(ctx context.Context, req transcription.EnqueueRequest) (*domain.TranscriptionJob, error)
}

type IngestRequest struct {
	ID              string     `json:"id"`
	LeadID          string     `json:"lead_id"`
	UpstreamCallID  string     `json:"upstream_call_id"`
	AgentName       string     `json:"agent_name"`
	StartedAt       time.Time  `json:"started_at"`
	EndedAt         *time.Time `json:"ended_at,omitempty"`
	DurationSeconds int        `json:"duration_seconds"`
	RecordingURL    string     `json:"recording_url,omitempty"`
}

// IngestResult says where an ingested call went. Exactly one of Pending and
// Job is set for a new call; both are nil for a duplicate.
type IngestResult struct {
	Call      *domain.CallRecord
	Pending   *domain.PendingRecording
	Job       *domain.TranscriptionJob
	Duplicate bool
}

type CallsConfig struct {
	// MaxFutureSkew bounds how far in the future a start time may be.
	MaxFutureSkew time.Duration
}

type CallsService struct {
	calls          repository.CallsRepository
	reconciler     Reconciler
	transcriptions JobEnqueuer
	config         CallsConfig
	logger         logrus.FieldLogger
	now            func() time.Time
}

func NewCallsService(
	calls repository.CallsRepository,
	reconciler Reconciler,
	transcriptions JobEnqueuer,
	config CallsConfig,
	log logrus.FieldLogger,
) *CallsService {
	if config.MaxFutureSkew <= 0 {
		config.MaxFutureSkew = 10 * time.Minute
	}
	return &CallsService{
		calls:          calls,
		reconciler:     reconciler,
		transcriptions: transcriptions,
		config:         config,
		logger:         logger.OrDiscard(log),
		now:            func() time.Time { return time.Now().UTC() },
	}
}

// Ingest stores a new call and routes it either straight to transcription or
// to the recording reconciler. Calls with a fingerprint seen before are
// returned as duplicates without side effects.
func (s *CallsService) Ingest(ctx context.Context, req IngestRequest) (*IngestResult, error) {
	now := s.now()
	call, err := s.buildCall(req, now)
	if err != nil {
		return nil, err
	}

	if existing, err := s.calls.FindCallByFingerprint(ctx, call.Fingerprint); err == nil {
		return &IngestResult{Call: existing, Duplicate: true}, nil
	} else if !errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("lookup call fingerprint: %w", err)
	}

	if err := s.calls.CreateCall(ctx, call); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			existing, lookupErr := s.calls.FindCallByFingerprint(ctx, call.Fingerprint)
			if lookupErr == nil {
				return &IngestResult{Call: existing, Duplicate: true}, nil
			}
			return nil, fmt.Errorf("%w: call id %s already exists", ErrInvalidCall, call.ID)
		}
		return nil, fmt.Errorf("create call: %w", err)
	}

	log := s.logger.WithFields(logrus.Fields{"call_id": call.ID, "lead_id": call.LeadID})
	result := &IngestResult{Call: call}

	if call.HasRecording() {
		job, err := s.transcriptions.Enqueue(ctx, transcription.EnqueueRequest{
			CallID:       call.ID,
			RecordingURL: call.RecordingURL,
			Priority:     transcription.PriorityIngest,
			Source:       domain.JobSourceIngest,
		})
		if err != nil {
			return nil, fmt.Errorf("enqueue transcription: %w", err)
		}
		result.Job = job
		log.Info("call ingested with recording")
		return result, nil
	}

	pending, _, err := s.reconciler.Enqueue(ctx, *call)
	if err != nil {
		return nil, fmt.Errorf("schedule recording lookup: %w", err)
	}
	result.Pending = pending
	log.WithField("scheduled_for", pending.ScheduledFor).Info("call ingested without recording")
	return result, nil
}

func (s *CallsService) buildCall(req IngestRequest, now time.Time) (*domain.CallRecord, error) {
	agent := strings.TrimSpace(req.AgentName)
	if agent == "" {
		return nil, fmt.Errorf("%w: agent name is required", ErrInvalidCall)
	}
	if req.StartedAt.IsZero() {
		return nil, fmt.Errorf("%w: start time is required", ErrInvalidCall)
	}
	startedAt := req.StartedAt.UTC()
	if startedAt.After(now.Add(s.config.MaxFutureSkew)) {
		return nil, fmt.Errorf("%w: start time %s is in the future", ErrInvalidCall, startedAt.Format(time.RFC3339))
	}
	if req.DurationSeconds < 0 {
		return nil, fmt.Errorf("%w: duration must not be negative", ErrInvalidCall)
	}

	duration := req.DurationSeconds
	var endedAt *time.Time
	if req.EndedAt != nil && !req.EndedAt.IsZero() {
		ended := req.EndedAt.UTC()
		if ended.Before(startedAt) {
			return nil, fmt.Errorf("%w: end time before start time", ErrInvalidCall)
		}
		endedAt = &ended
		if duration == 0 {
			duration = int(ended.Sub(startedAt).Seconds())
		}
	}

	recordingURL := strings.TrimSpace(req.RecordingURL)
	if recordingURL != "" {
		parsed, err := url.Parse(recordingURL)
		if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
			return nil, fmt.Errorf("%w: recording url must be an absolute http(s) url", ErrInvalidCall)
		}
	}

	id := strings.TrimSpace(req.ID)
	if id == "" {
		id = uuid.NewString()
	}

	call := &domain.CallRecord{
		ID:              id,
		LeadID:          domain.NormalizeLeadID(req.LeadID),
		UpstreamCallID:  strings.TrimSpace(req.UpstreamCallID),
		AgentName:       agent,
		StartedAt:       startedAt,
		EndedAt:         endedAt,
		DurationSeconds: duration,
		RecordingURL:    recordingURL,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	call.Fingerprint = fingerprint.ForCall(*call)
	return call, nil
}

// GetCall returns a stored call by id.
func (s *CallsService) GetCall(ctx context.Context, callID string) (*domain.CallRecord, error) {
	call, err := s.calls.GetCall(ctx, callID)
	if err != nil {
		return nil, fmt.Errorf("get call: %w", err)
	}
	return call, nil
}
