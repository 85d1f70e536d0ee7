package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/iago/recording-reconciler/internal/domain"
	"github.com/iago/recording-reconciler/internal/logger"
	"github.com/iago/recording-reconciler/internal/matcher"
	"github.com/iago/recording-reconciler/internal/metrics"
	"github.com/iago/recording-reconciler/internal/repository"
	"github.com/iago/recording-reconciler/internal/transcription"
	"github.com/iago/recording-reconciler/internal/upstream"
)

// Fetcher searches the upstream platform for recordings of a call.
type Fetcher interface {
	FetchRecordings(ctx context.Context, query upstream.Query) ([]domain.RecordingCandidate, error)
}

// JobEnqueuer hands matched recordings to the transcription queue.
type JobEnqueuer interface {
	Enqueue(ctx context.Context, req transcription.EnqueueRequest) (*domain.TranscriptionJob, error)
}

type Config struct {
	WorkerID   string
	BatchSize  int
	LeaseTTL   time.Duration
	TickBudget time.Duration
	// CandidateLimit caps how many rejected candidates are kept for review.
	CandidateLimit int
	Policy         Policy
}

type Dependencies struct {
	Calls          repository.CallsRepository
	Pending        repository.PendingRepository
	Unmatched      repository.UnmatchedRepository
	Fetcher        Fetcher
	Matcher        *matcher.Matcher
	Transcriptions JobEnqueuer
	Metrics        *metrics.Metrics
	Logger         logrus.FieldLogger
	Now            func() time.Time
}

// Scheduler retries recording lookups for calls that were ingested without
// a recording URL until they match or are handed to manual review.
type Scheduler struct {
	config         Config
	policy         Policy
	calls          repository.CallsRepository
	pending        repository.PendingRepository
	unmatched      repository.UnmatchedRepository
	fetcher        Fetcher
	matcher        *matcher.Matcher
	transcriptions JobEnqueuer
	metrics        *metrics.Metrics
	logger         logrus.FieldLogger
	now            func() time.Time
}

// TickReport summarizes one scheduler pass.
type TickReport struct {
	Claimed     int `json:"claimed"`
	Matched     int `json:"matched"`
	Rescheduled int `json:"rescheduled"`
	Abandoned   int `json:"abandoned"`
	Skipped     int `json:"skipped"`
	Released    int `json:"released"`
	Errors      int `json:"errors"`
}

type attemptResult int

const (
	resultMatched attemptResult = iota
	resultRescheduled
	resultAbandoned
	resultSkipped
)

func New(config Config, deps Dependencies) *Scheduler {
	if config.WorkerID == "" {
		config.WorkerID = "scheduler-" + uuid.NewString()[:8]
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 50
	}
	if config.LeaseTTL <= 0 {
		config.LeaseTTL = 5 * time.Minute
	}
	if config.TickBudget <= 0 {
		config.TickBudget = 50 * time.Second
	}
	if config.CandidateLimit <= 0 {
		config.CandidateLimit = 5
	}
	matcherImpl := deps.Matcher
	if matcherImpl == nil {
		matcherImpl = matcher.New(matcher.DefaultThresholds())
	}
	now := deps.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Scheduler{
		config:         config,
		policy:         config.Policy.withDefaults(),
		calls:          deps.Calls,
		pending:        deps.Pending,
		unmatched:      deps.Unmatched,
		fetcher:        deps.Fetcher,
		matcher:        matcherImpl,
		transcriptions: deps.Transcriptions,
		metrics:        deps.Metrics,
		logger:         logger.OrDiscard(deps.Logger),
		now:            now,
	}
}

// Enqueue opens a reconciliation task for call. When the call already has a
// live task that task is returned and created is false.
func (s *Scheduler) Enqueue(ctx context.Context, call domain.CallRecord) (*domain.PendingRecording, bool, error) {
	now := s.now()
	scheduled, estimatedEnd := s.policy.InitialSchedule(call, now)

	pending := &domain.PendingRecording{
		ID:               uuid.NewString(),
		CallID:           call.ID,
		LeadID:           domain.NormalizeLeadID(call.LeadID),
		Phase:            domain.RetryPhaseQuick,
		ScheduledFor:     scheduled,
		CallStartedAt:    call.StartedAt,
		CallEndedAt:      callEnd(call),
		EstimatedEndTime: estimatedEnd,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	created, err := s.pending.CreatePending(ctx, pending)
	if err != nil {
		return nil, false, fmt.Errorf("create pending recording: %w", err)
	}
	if !created {
		existing, err := s.pending.GetLivePending(ctx, call.ID)
		if err != nil {
			return nil, false, fmt.Errorf("load live pending recording: %w", err)
		}
		return existing, false, nil
	}

	s.logger.WithFields(logrus.Fields{
		"call_id":       call.ID,
		"pending_id":    pending.ID,
		"scheduled_for": pending.ScheduledFor,
	}).Info("pending recording scheduled")
	return pending, true, nil
}

func callEnd(call domain.CallRecord) *time.Time {
	if call.EndedAt != nil {
		ended := *call.EndedAt
		return &ended
	}
	if call.DurationSeconds > 0 {
		ended := call.StartedAt.Add(time.Duration(call.DurationSeconds) * time.Second)
		return &ended
	}
	return nil
}

// Tick claims the due tasks and runs one attempt for each until the tick
// budget runs out. Tasks left over are released for the next tick.
func (s *Scheduler) Tick(ctx context.Context) (TickReport, error) {
	var report TickReport
	deadline := time.Now().Add(s.config.TickBudget)

	claimed, err := s.pending.ClaimDuePending(ctx, s.now(), s.config.BatchSize, s.config.WorkerID, s.config.LeaseTTL)
	if err != nil {
		return report, fmt.Errorf("claim due pending recordings: %w", err)
	}
	report.Claimed = len(claimed)

	for i, row := range claimed {
		if ctx.Err() != nil || time.Now().After(deadline) {
			report.Released += s.release(ctx, claimed[i:])
			break
		}

		result, err := s.attempt(ctx, row)
		if err != nil {
			report.Errors++
			s.logger.WithError(err).WithFields(logrus.Fields{
				"call_id":    row.CallID,
				"pending_id": row.ID,
			}).Error("pending recording attempt failed")
			report.Released += s.release(ctx, claimed[i:i+1])
			continue
		}

		switch result {
		case resultMatched:
			report.Matched++
		case resultRescheduled:
			report.Rescheduled++
		case resultAbandoned:
			report.Abandoned++
		case resultSkipped:
			report.Skipped++
		}
	}

	if report.Claimed > 0 {
		s.logger.WithFields(logrus.Fields{
			"claimed":     report.Claimed,
			"matched":     report.Matched,
			"rescheduled": report.Rescheduled,
			"abandoned":   report.Abandoned,
			"released":    report.Released,
			"errors":      report.Errors,
		}).Info("scheduler tick finished")
	}
	return report, nil
}

func (s *Scheduler) release(ctx context.Context, rows []domain.PendingRecording) int {
	releaseCtx := context.WithoutCancel(ctx)
	released := 0
	for _, row := range rows {
		if err := s.pending.ReleasePending(releaseCtx, row.ID, s.config.WorkerID); err != nil {
			s.logger.WithError(err).WithField("pending_id", row.ID).Warn("release pending lease failed")
			continue
		}
		released++
	}
	return released
}

func (s *Scheduler) attempt(ctx context.Context, pending domain.PendingRecording) (attemptResult, error) {
	attempts := pending.Attempts + 1
	log := s.logger.WithFields(logrus.Fields{
		"call_id":    pending.CallID,
		"pending_id": pending.ID,
		"phase":      pending.Phase,
		"attempt":    attempts,
	})

	call, err := s.calls.GetCall(ctx, pending.CallID)
	if err != nil {
		if !errors.Is(err, repository.ErrNotFound) {
			return 0, fmt.Errorf("load call: %w", err)
		}
		log.Warn("call record missing, dropping pending recording")
		return s.finish(ctx, pending, attempts, domain.PendingOutcomeAbandoned, "call record not found")
	}

	if call.HasRecording() {
		if err := s.enqueueJob(ctx, call); err != nil {
			return 0, err
		}
		log.Info("call already has a recording, closing pending recording")
		return s.finish(ctx, pending, pending.Attempts, domain.PendingOutcomeMatched, "")
	}

	candidates, err := s.fetcher.FetchRecordings(ctx, upstream.Query{
		LeadID:          call.LeadID,
		UpstreamCallID:  call.UpstreamCallID,
		AgentName:       call.AgentName,
		StartedAt:       call.StartedAt,
		DurationSeconds: call.DurationSeconds,
	})
	if err != nil {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		if upstream.IsPermanent(err) {
			log.WithError(err).Warn("upstream reports no recording, sending call to review")
			return s.abandon(ctx, pending, call, attempts, domain.UnmatchedReasonPermanent, err.Error(), nil)
		}
		log.WithError(err).Info("recording search failed")
		return s.miss(ctx, pending, call, attempts, "fetch recordings: "+err.Error(), nil)
	}

	result := s.matcher.Match(*call, candidates)
	if !result.Matched {
		return s.miss(ctx, pending, call, attempts, missReason(result), result.Scored)
	}

	best := result.Best
	now := s.now()
	if err := s.calls.SetRecording(ctx, call.ID, best.Candidate.URL, best.Tier, now); err != nil {
		return 0, fmt.Errorf("attach recording: %w", err)
	}
	call.RecordingURL = best.Candidate.URL
	call.MatchTier = best.Tier
	if err := s.enqueueJob(ctx, call); err != nil {
		return 0, err
	}

	s.metrics.RecordMatch(best.Tier)
	log.WithFields(logrus.Fields{
		"tier":         best.Tier,
		"recording_id": best.Candidate.RecordingID,
		"start_delta":  best.StartDeltaSeconds,
		"confidence":   best.Confidence,
	}).Info("recording matched")
	return s.finish(ctx, pending, attempts, domain.PendingOutcomeMatched, "")
}

func missReason(result matcher.Result) string {
	if result.Closest == nil {
		return "no recordings found"
	}
	closest := result.Closest
	return fmt.Sprintf(
		"closest recording %s rejected: start delta %.0fs, duration delta %.0fs",
		closest.Candidate.RecordingID,
		closest.StartDeltaSeconds,
		closest.DurationDeltaSeconds,
	)
}

func (s *Scheduler) enqueueJob(ctx context.Context, call *domain.CallRecord) error {
	source := domain.JobSourceMatch
	if call.MatchTier == domain.MatchTierManual {
		source = domain.JobSourceReview
	}
	_, err := s.transcriptions.Enqueue(ctx, transcription.EnqueueRequest{
		CallID:       call.ID,
		RecordingURL: call.RecordingURL,
		Priority:     transcription.PriorityForTier(call.MatchTier),
		Source:       source,
	})
	if err != nil {
		return fmt.Errorf("enqueue transcription: %w", err)
	}
	return nil
}

func (s *Scheduler) miss(
	ctx context.Context,
	pending domain.PendingRecording,
	call *domain.CallRecord,
	attempts int,
	lastError string,
	scored []domain.ScoredCandidate,
) (attemptResult, error) {
	now := s.now()
	decision := s.policy.Next(pending, attempts, now)
	if decision.Abandon {
		return s.abandon(ctx, pending, call, attempts, domain.UnmatchedReasonExhausted, lastError, scored)
	}

	next := pending
	next.Attempts = attempts
	next.LastError = lastError
	next.Phase = decision.Phase
	next.ScheduledFor = decision.ScheduledFor
	next.UpdatedAt = now
	if err := s.pending.ReschedulePending(ctx, &next, s.config.WorkerID); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return resultSkipped, nil
		}
		return 0, fmt.Errorf("reschedule pending recording: %w", err)
	}

	s.metrics.RecordAttempt(pending.Phase, "rescheduled")
	s.logger.WithFields(logrus.Fields{
		"call_id":       pending.CallID,
		"attempt":       attempts,
		"phase":         decision.Phase,
		"scheduled_for": decision.ScheduledFor,
		"last_error":    lastError,
	}).Info("pending recording rescheduled")
	return resultRescheduled, nil
}

func (s *Scheduler) abandon(
	ctx context.Context,
	pending domain.PendingRecording,
	call *domain.CallRecord,
	attempts int,
	reason domain.UnmatchedReason,
	lastError string,
	scored []domain.ScoredCandidate,
) (attemptResult, error) {
	held, err := s.holdsLease(ctx, pending)
	if err != nil {
		return 0, err
	}
	if !held {
		s.logger.WithField("pending_id", pending.ID).Warn("lease lost before abandoning, leaving row to its new owner")
		return resultSkipped, nil
	}

	err = s.unmatched.CreateUnmatched(ctx, &domain.UnmatchedRecording{
		ID:           uuid.NewString(),
		CallID:       call.ID,
		LeadID:       domain.NormalizeLeadID(call.LeadID),
		Candidates:   matcher.Top(scored, s.config.CandidateLimit),
		Reason:       reason,
		LastError:    lastError,
		ReviewStatus: domain.ReviewStatusPending,
		CreatedAt:    s.now(),
	})
	if err != nil && !errors.Is(err, repository.ErrConflict) {
		return 0, fmt.Errorf("create unmatched recording: %w", err)
	}

	s.metrics.RecordUnmatched(reason)
	s.logger.WithFields(logrus.Fields{
		"call_id":    call.ID,
		"attempt":    attempts,
		"reason":     reason,
		"candidates": len(scored),
	}).Warn("pending recording abandoned to review")
	return s.finish(ctx, pending, attempts, domain.PendingOutcomeAbandoned, lastError)
}

func (s *Scheduler) holdsLease(ctx context.Context, pending domain.PendingRecording) (bool, error) {
	live, err := s.pending.GetLivePending(ctx, pending.CallID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("load live pending recording: %w", err)
	}
	return live.ID == pending.ID && live.ClaimedBy == s.config.WorkerID, nil
}

func (s *Scheduler) finish(
	ctx context.Context,
	pending domain.PendingRecording,
	attempts int,
	outcome domain.PendingOutcome,
	lastError string,
) (attemptResult, error) {
	err := s.pending.MarkPendingProcessed(ctx, pending.ID, s.config.WorkerID, attempts, outcome, lastError, s.now())
	if err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return resultSkipped, nil
		}
		return 0, fmt.Errorf("mark pending recording processed: %w", err)
	}
	s.metrics.RecordAttempt(pending.Phase, string(outcome))

	if outcome == domain.PendingOutcomeMatched {
		return resultMatched, nil
	}
	return resultAbandoned, nil
}

// Stats returns the backlog by phase and the processed totals.
func (s *Scheduler) Stats(ctx context.Context) (domain.PendingStats, error) {
	stats, err := s.pending.PendingStats(ctx)
	if err != nil {
		return domain.PendingStats{}, fmt.Errorf("pending stats: %w", err)
	}
	s.metrics.SetPendingStats(stats)
	return stats, nil
}
