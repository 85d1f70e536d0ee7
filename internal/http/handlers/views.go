package handlers

import (
	"time"

	"github.com/iago/recording-reconciler/internal/domain"
	"github.com/iago/recording-reconciler/internal/review"
)

type callView struct {
	ID              string     `json:"id"`
	LeadID          string     `json:"lead_id,omitempty"`
	UpstreamCallID  string     `json:"upstream_call_id,omitempty"`
	AgentName       string     `json:"agent_name"`
	StartedAt       time.Time  `json:"started_at"`
	EndedAt         *time.Time `json:"ended_at,omitempty"`
	DurationSeconds int        `json:"duration_seconds"`
	RecordingURL    string     `json:"recording_url,omitempty"`
	MatchTier       string     `json:"match_tier,omitempty"`
	Fingerprint     string     `json:"fingerprint"`
	CreatedAt       time.Time  `json:"created_at"`
}

func newCallView(call *domain.CallRecord) *callView {
	if call == nil {
		return nil
	}
	return &callView{
		ID:              call.ID,
		LeadID:          call.LeadID,
		UpstreamCallID:  call.UpstreamCallID,
		AgentName:       call.AgentName,
		StartedAt:       call.StartedAt,
		EndedAt:         call.EndedAt,
		DurationSeconds: call.DurationSeconds,
		RecordingURL:    call.RecordingURL,
		MatchTier:       string(call.MatchTier),
		Fingerprint:     call.Fingerprint,
		CreatedAt:       call.CreatedAt,
	}
}

type pendingView struct {
	ID           string    `json:"id"`
	Phase        string    `json:"phase"`
	Attempts     int       `json:"attempts"`
	ScheduledFor time.Time `json:"scheduled_for"`
	LastError    string    `json:"last_error,omitempty"`
}

func newPendingView(pending *domain.PendingRecording) *pendingView {
	if pending == nil {
		return nil
	}
	return &pendingView{
		ID:           pending.ID,
		Phase:        string(pending.Phase),
		Attempts:     pending.Attempts,
		ScheduledFor: pending.ScheduledFor,
		LastError:    pending.LastError,
	}
}

type jobView struct {
	ID           string     `json:"id"`
	CallID       string     `json:"call_id"`
	RecordingURL string     `json:"recording_url"`
	Priority     int        `json:"priority"`
	Status       string     `json:"status"`
	Source       string     `json:"source"`
	Attempts     int        `json:"attempts"`
	LastError    string     `json:"last_error,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}

func newJobView(job *domain.TranscriptionJob) *jobView {
	if job == nil {
		return nil
	}
	return &jobView{
		ID:           job.ID,
		CallID:       job.CallID,
		RecordingURL: job.RecordingURL,
		Priority:     job.Priority,
		Status:       string(job.Status),
		Source:       string(job.Source),
		Attempts:     job.Attempts,
		LastError:    job.LastError,
		CreatedAt:    job.CreatedAt,
		CompletedAt:  job.CompletedAt,
	}
}

type reviewItemView struct {
	ID          string                   `json:"id"`
	CallID      string                   `json:"call_id"`
	LeadID      string                   `json:"lead_id,omitempty"`
	Reason      string                   `json:"reason"`
	LastError   string                   `json:"last_error,omitempty"`
	Status      string                   `json:"status"`
	Candidates  []domain.ScoredCandidate `json:"candidates"`
	ResolvedURL string                   `json:"resolved_url,omitempty"`
	ResolvedBy  string                   `json:"resolved_by,omitempty"`
	ResolvedAt  *time.Time               `json:"resolved_at,omitempty"`
	CreatedAt   time.Time                `json:"created_at"`
	Call        *callView                `json:"call,omitempty"`
}

func newReviewItemView(item review.Item) reviewItemView {
	candidates := item.Candidates
	if candidates == nil {
		candidates = []domain.ScoredCandidate{}
	}
	return reviewItemView{
		ID:          item.ID,
		CallID:      item.CallID,
		LeadID:      item.LeadID,
		Reason:      string(item.Reason),
		LastError:   item.LastError,
		Status:      string(item.ReviewStatus),
		Candidates:  candidates,
		ResolvedURL: item.ResolvedURL,
		ResolvedBy:  item.ResolvedBy,
		ResolvedAt:  item.ResolvedAt,
		CreatedAt:   item.CreatedAt,
		Call:        newCallView(item.Call),
	}
}
