package matcher

import (
	"math"
	"time"

	"github.com/iago/recording-reconciler/internal/domain"
)

// Threshold bounds the start and duration deltas accepted for a tier.
type Threshold struct {
	StartDelta    time.Duration
	DurationDelta time.Duration
}

type Thresholds struct {
	Exact    Threshold
	Fuzzy    Threshold
	Probable Threshold
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		Exact:    Threshold{StartDelta: 1 * time.Second, DurationDelta: 1 * time.Second},
		Fuzzy:    Threshold{StartDelta: 5 * time.Second, DurationDelta: 5 * time.Second},
		Probable: Threshold{StartDelta: 30 * time.Second, DurationDelta: 15 * time.Second},
	}
}

var confidenceByTier = map[domain.MatchTier]float64{
	domain.MatchTierExact:    1.0,
	domain.MatchTierFuzzy:    0.95,
	domain.MatchTierProbable: 0.8,
}

// Confidence returns the score recorded alongside a tier.
func Confidence(tier domain.MatchTier) float64 {
	return confidenceByTier[tier]
}

// Result is the outcome of scoring one call against its candidates.
// Scored holds every candidate ordered best first.
type Result struct {
	Matched bool
	Best    domain.ScoredCandidate
	Closest *domain.ScoredCandidate
	Scored  []domain.ScoredCandidate
}

type Matcher struct {
	thresholds Thresholds
}

func New(thresholds Thresholds) *Matcher {
	defaults := DefaultThresholds()
	if thresholds.Exact == (Threshold{}) {
		thresholds.Exact = defaults.Exact
	}
	if thresholds.Fuzzy == (Threshold{}) {
		thresholds.Fuzzy = defaults.Fuzzy
	}
	if thresholds.Probable == (Threshold{}) {
		thresholds.Probable = defaults.Probable
	}
	return &Matcher{thresholds: thresholds}
}

// Match picks the best accepted candidate for target. When nothing clears the
// probable tier the closest rejected candidate is surfaced but never assigned.
func (m *Matcher) Match(target domain.CallRecord, candidates []domain.RecordingCandidate) Result {
	scored := make([]domain.ScoredCandidate, 0, len(candidates))
	for _, candidate := range candidates {
		scored = append(scored, m.Score(target, candidate))
	}
	sortScored(scored)

	result := Result{Scored: scored}
	if len(scored) == 0 {
		return result
	}
	if scored[0].Tier != domain.MatchTierNone {
		result.Matched = true
		result.Best = scored[0]
		return result
	}
	closest := scored[0]
	result.Closest = &closest
	return result
}

// Score computes the deltas and tier of a single candidate.
func (m *Matcher) Score(target domain.CallRecord, candidate domain.RecordingCandidate) domain.ScoredCandidate {
	startDelta := math.Abs(candidate.StartedAt.Sub(target.StartedAt).Seconds())
	durationKnown := target.DurationSeconds > 0 && candidate.DurationSeconds > 0

	var durationDelta float64
	if durationKnown {
		durationDelta = math.Abs(float64(candidate.DurationSeconds - target.DurationSeconds))
	}

	tier := m.tierFor(startDelta, durationDelta, durationKnown)
	return domain.ScoredCandidate{
		Candidate:            candidate,
		Tier:                 tier,
		StartDeltaSeconds:    startDelta,
		DurationDeltaSeconds: durationDelta,
		DurationKnown:        durationKnown,
		Confidence:           Confidence(tier),
	}
}

func (m *Matcher) tierFor(startDelta, durationDelta float64, durationKnown bool) domain.MatchTier {
	if !durationKnown {
		// without both durations the best we can claim is a probable match
		if within(startDelta, m.thresholds.Probable.StartDelta) {
			return domain.MatchTierProbable
		}
		return domain.MatchTierNone
	}

	ordered := []struct {
		tier      domain.MatchTier
		threshold Threshold
	}{
		{domain.MatchTierExact, m.thresholds.Exact},
		{domain.MatchTierFuzzy, m.thresholds.Fuzzy},
		{domain.MatchTierProbable, m.thresholds.Probable},
	}
	for _, step := range ordered {
		if within(startDelta, step.threshold.StartDelta) && within(durationDelta, step.threshold.DurationDelta) {
			return step.tier
		}
	}
	return domain.MatchTierNone
}

func within(delta float64, limit time.Duration) bool {
	return delta <= limit.Seconds()
}
