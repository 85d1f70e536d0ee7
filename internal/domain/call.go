package domain

import (
	"strings"
	"time"
)

// MatchTier expresses how certain a recording-to-call attribution is.
type MatchTier string

const (
	MatchTierExact    MatchTier = "exact"
	MatchTierFuzzy    MatchTier = "fuzzy"
	MatchTierProbable MatchTier = "probable"
	MatchTierManual   MatchTier = "manual"
	MatchTierNone     MatchTier = ""
)

// Rank orders tiers from most to least certain. Lower is better.
func (t MatchTier) Rank() int {
	switch t {
	case MatchTierExact:
		return 0
	case MatchTierFuzzy:
		return 1
	case MatchTierProbable:
		return 2
	default:
		return 3
	}
}

// CallRecord is a call known to the system. Identity fields never change after
// creation; RecordingURL and MatchTier are the only fields the pipeline mutates.
type CallRecord struct {
	ID              string
	LeadID          string
	UpstreamCallID  string
	AgentName       string
	StartedAt       time.Time
	EndedAt         *time.Time
	DurationSeconds int
	RecordingURL    string
	MatchTier       MatchTier
	Fingerprint     string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// HasEnded reports whether the call looks finished at ingestion time.
func (c CallRecord) HasEnded() bool {
	return c.EndedAt != nil || c.DurationSeconds > 0
}

// HasRecording reports whether a recording URL is already attached.
func (c CallRecord) HasRecording() bool {
	return strings.TrimSpace(c.RecordingURL) != ""
}

// NormalizeLeadID maps the upstream's placeholder lead ids to empty.
func NormalizeLeadID(leadID string) string {
	trimmed := strings.TrimSpace(leadID)
	switch strings.ToLower(trimmed) {
	case "", "0", "-1", "null", "undefined", "none":
		return ""
	}
	return trimmed
}

// RecordingCandidate is a transient result of an upstream recording search.
// DurationSeconds is 0 when the upstream omitted it.
type RecordingCandidate struct {
	RecordingID     string    `json:"recording_id"`
	LeadID          string    `json:"lead_id,omitempty"`
	URL             string    `json:"url"`
	StartedAt       time.Time `json:"started_at"`
	DurationSeconds int       `json:"duration_seconds"`
}
