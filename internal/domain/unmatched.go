package domain

import "time"

type ReviewStatus string

const (
	ReviewStatusPending  ReviewStatus = "pending"
	ReviewStatusResolved ReviewStatus = "resolved"
)

type UnmatchedReason string

const (
	UnmatchedReasonExhausted UnmatchedReason = "exhausted"
	UnmatchedReasonPermanent UnmatchedReason = "permanent"
)

// ScoredCandidate is a candidate with the deltas it was scored on.
type ScoredCandidate struct {
	Candidate            RecordingCandidate `json:"candidate"`
	Tier                 MatchTier          `json:"tier,omitempty"`
	StartDeltaSeconds    float64            `json:"start_delta_seconds"`
	DurationDeltaSeconds float64            `json:"duration_delta_seconds"`
	DurationKnown        bool               `json:"duration_known"`
	Confidence           float64            `json:"confidence"`
}

// CombinedDelta is the tie-break distance between a call and a candidate.
func (s ScoredCandidate) CombinedDelta() float64 {
	return s.StartDeltaSeconds + s.DurationDeltaSeconds
}

// UnmatchedRecording records a call that exhausted automatic matching.
type UnmatchedRecording struct {
	ID           string
	CallID       string
	LeadID       string
	Candidates   []ScoredCandidate
	Reason       UnmatchedReason
	LastError    string
	ReviewStatus ReviewStatus
	ResolvedURL  string
	ResolvedBy   string
	ResolvedAt   *time.Time
	CreatedAt    time.Time
}

type UnmatchedFilter struct {
	Status   ReviewStatus
	Page     int
	PageSize int
}

type ReviewCounts struct {
	Pending  int `json:"pending"`
	Resolved int `json:"resolved"`
}
