package domain

import "time"

// RetryPhase governs how aggressively a pending reconciliation is retried.
type RetryPhase string

const (
	RetryPhaseQuick   RetryPhase = "quick"
	RetryPhaseBackoff RetryPhase = "backoff"
	RetryPhaseFinal   RetryPhase = "final"
)

// Order returns the position of the phase in the quick → backoff → final progression.
func (p RetryPhase) Order() int {
	switch p {
	case RetryPhaseQuick:
		return 0
	case RetryPhaseBackoff:
		return 1
	case RetryPhaseFinal:
		return 2
	default:
		return -1
	}
}

// PendingOutcome records how a processed task ended.
type PendingOutcome string

const (
	PendingOutcomeMatched   PendingOutcome = "matched"
	PendingOutcomeAbandoned PendingOutcome = "abandoned"
)

// PendingRecording is one outstanding reconciliation task for a call that has
// no recording URL yet. At most one unprocessed row exists per CallID.
type PendingRecording struct {
	ID               string
	CallID           string
	LeadID           string
	Attempts         int
	LastError        string
	Phase            RetryPhase
	ScheduledFor     time.Time
	CallStartedAt    time.Time
	CallEndedAt      *time.Time
	EstimatedEndTime *time.Time
	ProcessedAt      *time.Time
	Outcome          PendingOutcome
	ClaimedBy        string
	LeaseExpiresAt   *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Live reports whether the task still awaits processing.
func (p PendingRecording) Live() bool {
	return p.ProcessedAt == nil
}

// PendingStats summarizes the reconciliation backlog.
type PendingStats struct {
	Quick     int `json:"quick_pending"`
	Backoff   int `json:"backoff_pending"`
	Final     int `json:"final_pending"`
	Succeeded int `json:"total_succeeded"`
	Abandoned int `json:"total_abandoned"`
}
