package scheduler

import (
	"time"

	"github.com/iago/recording-reconciler/internal/domain"
)

// Policy is the tiered retry schedule for pending reconciliations.
// Attempts are numbered from 1: the first QuickAttempts run in the quick
// phase, the next BackoffAttempts in the backoff phase and the remaining
// FinalAttempts in the final phase.
type Policy struct {
	QuickAttempts int
	QuickDelay    time.Duration

	BackoffAttempts int
	BackoffInitial  time.Duration
	BackoffMax      time.Duration

	FinalAttempts int
	FinalDelay    time.Duration

	// MaxWait forces the final phase once this long has passed since the
	// task was created.
	MaxWait time.Duration

	AverageCallDuration time.Duration
	GracePeriod         time.Duration
}

func DefaultPolicy() Policy {
	return Policy{
		QuickAttempts:       5,
		QuickDelay:          2 * time.Minute,
		BackoffAttempts:     6,
		BackoffInitial:      5 * time.Minute,
		BackoffMax:          60 * time.Minute,
		FinalAttempts:       1,
		FinalDelay:          3 * time.Hour,
		MaxWait:             8 * time.Hour,
		AverageCallDuration: 5 * time.Minute,
		GracePeriod:         2 * time.Minute,
	}
}

func (p Policy) withDefaults() Policy {
	defaults := DefaultPolicy()
	if p.QuickAttempts < 0 {
		p.QuickAttempts = 0
	}
	if p.QuickAttempts == 0 && p.BackoffAttempts == 0 && p.FinalAttempts == 0 {
		p.QuickAttempts = defaults.QuickAttempts
		p.BackoffAttempts = defaults.BackoffAttempts
		p.FinalAttempts = defaults.FinalAttempts
	}
	if p.BackoffAttempts < 0 {
		p.BackoffAttempts = 0
	}
	if p.FinalAttempts <= 0 {
		p.FinalAttempts = 1
	}
	if p.QuickDelay <= 0 {
		p.QuickDelay = defaults.QuickDelay
	}
	if p.BackoffInitial <= 0 {
		p.BackoffInitial = defaults.BackoffInitial
	}
	if p.BackoffMax < p.BackoffInitial {
		p.BackoffMax = max(defaults.BackoffMax, p.BackoffInitial)
	}
	if p.FinalDelay <= 0 {
		p.FinalDelay = defaults.FinalDelay
	}
	if p.MaxWait <= 0 {
		p.MaxWait = defaults.MaxWait
	}
	if p.AverageCallDuration <= 0 {
		p.AverageCallDuration = defaults.AverageCallDuration
	}
	if p.GracePeriod <= 0 {
		p.GracePeriod = defaults.GracePeriod
	}
	return p
}

// LastAttempt is the number of the final attempt before abandonment.
func (p Policy) LastAttempt() int {
	return p.QuickAttempts + p.BackoffAttempts + p.FinalAttempts
}

// PhaseFor returns the phase attempt number k belongs to.
func (p Policy) PhaseFor(k int) domain.RetryPhase {
	switch {
	case k <= p.QuickAttempts:
		return domain.RetryPhaseQuick
	case k <= p.QuickAttempts+p.BackoffAttempts:
		return domain.RetryPhaseBackoff
	default:
		return domain.RetryPhaseFinal
	}
}

// InitialSchedule returns when the first attempt for call should run.
func (p Policy) InitialSchedule(call domain.CallRecord, now time.Time) (time.Time, *time.Time) {
	if call.HasEnded() {
		return now, nil
	}
	estimatedEnd := call.StartedAt.Add(p.AverageCallDuration)
	scheduled := estimatedEnd.Add(p.GracePeriod)
	if scheduled.Before(now) {
		scheduled = now
	}
	return scheduled, &estimatedEnd
}

// Decision is what happens after a missed attempt.
type Decision struct {
	Abandon      bool
	Phase        domain.RetryPhase
	ScheduledFor time.Time
}

// Next decides the follow-up for a task whose attempt number `attempts` just
// missed. The phase never moves backwards and the schedule never moves
// earlier than the task's current one.
func (p Policy) Next(pending domain.PendingRecording, attempts int, now time.Time) Decision {
	current := pending.Phase
	if current == "" {
		current = p.PhaseFor(attempts)
	}
	waited := now.Sub(pending.CreatedAt)

	if attempts >= p.LastAttempt() {
		return Decision{Abandon: true, Phase: current}
	}
	if current == domain.RetryPhaseFinal && waited >= p.MaxWait {
		return Decision{Abandon: true, Phase: current}
	}

	next := p.PhaseFor(attempts + 1)
	if waited >= p.MaxWait {
		next = domain.RetryPhaseFinal
	}
	if next.Order() < current.Order() {
		next = current
	}

	scheduled := now.Add(p.delay(next, attempts+1))
	if scheduled.Before(pending.ScheduledFor) {
		scheduled = pending.ScheduledFor
	}
	return Decision{Phase: next, ScheduledFor: scheduled}
}

func (p Policy) delay(phase domain.RetryPhase, k int) time.Duration {
	switch phase {
	case domain.RetryPhaseQuick:
		return p.QuickDelay
	case domain.RetryPhaseBackoff:
		step := k - p.QuickAttempts - 1
		if step < 0 {
			step = 0
		}
		delay := p.BackoffInitial
		for i := 0; i < step; i++ {
			delay *= 2
			if delay >= p.BackoffMax {
				return p.BackoffMax
			}
		}
		return min(delay, p.BackoffMax)
	default:
		return p.FinalDelay
	}
}
