package scheduler

import (
	"testing"
	"time"

	"github.com/iago/recording-reconciler/internal/domain"
)

var policyStart = time.Date(2025, 1, 15, 10, 30, 0, 0, time.UTC)

func TestPolicyPhaseForDefaults(t *testing.T) {
	policy := DefaultPolicy()
	cases := map[int]domain.RetryPhase{
		1:  domain.RetryPhaseQuick,
		5:  domain.RetryPhaseQuick,
		6:  domain.RetryPhaseBackoff,
		11: domain.RetryPhaseBackoff,
		12: domain.RetryPhaseFinal,
	}
	for attempt, want := range cases {
		if got := policy.PhaseFor(attempt); got != want {
			t.Fatalf("PhaseFor(%d) = %s, want %s", attempt, got, want)
		}
	}
	if policy.LastAttempt() != 12 {
		t.Fatalf("expected 12 attempts, got %d", policy.LastAttempt())
	}
}

func TestPolicyScheduleIsMonotonicAndTerminates(t *testing.T) {
	policy := DefaultPolicy()
	pending := domain.PendingRecording{
		Phase:        domain.RetryPhaseQuick,
		ScheduledFor: policyStart,
		CreatedAt:    policyStart,
	}

	var delays []time.Duration
	for attempt := 1; ; attempt++ {
		if attempt > 50 {
			t.Fatalf("policy never abandoned")
		}
		now := pending.ScheduledFor
		decision := policy.Next(pending, attempt, now)
		if decision.Abandon {
			if attempt != policy.LastAttempt() {
				t.Fatalf("abandoned at attempt %d, want %d", attempt, policy.LastAttempt())
			}
			break
		}
		if decision.Phase.Order() < pending.Phase.Order() {
			t.Fatalf("phase moved backwards from %s to %s", pending.Phase, decision.Phase)
		}
		if decision.ScheduledFor.Before(pending.ScheduledFor) {
			t.Fatalf("schedule moved backwards at attempt %d", attempt)
		}
		delays = append(delays, decision.ScheduledFor.Sub(now))
		pending.Phase = decision.Phase
		pending.ScheduledFor = decision.ScheduledFor
		pending.Attempts = attempt
	}

	want := []time.Duration{
		2 * time.Minute, 2 * time.Minute, 2 * time.Minute, 2 * time.Minute,
		5 * time.Minute, 10 * time.Minute, 20 * time.Minute, 40 * time.Minute, 60 * time.Minute, 60 * time.Minute,
		3 * time.Hour,
	}
	if len(delays) != len(want) {
		t.Fatalf("expected %d reschedules, got %d (%v)", len(want), len(delays), delays)
	}
	for i := range want {
		if delays[i] != want[i] {
			t.Fatalf("delay %d = %s, want %s", i, delays[i], want[i])
		}
	}
}

func TestPolicyMaxWaitForcesFinalPhase(t *testing.T) {
	policy := DefaultPolicy()
	pending := domain.PendingRecording{
		Phase:        domain.RetryPhaseBackoff,
		Attempts:     6,
		ScheduledFor: policyStart.Add(8 * time.Hour),
		CreatedAt:    policyStart,
	}

	now := policyStart.Add(8 * time.Hour)
	decision := policy.Next(pending, 7, now)
	if decision.Abandon || decision.Phase != domain.RetryPhaseFinal {
		t.Fatalf("expected forced final phase, got %+v", decision)
	}
	if !decision.ScheduledFor.Equal(now.Add(3 * time.Hour)) {
		t.Fatalf("expected final delay, got %v", decision.ScheduledFor)
	}

	pending.Phase = decision.Phase
	pending.ScheduledFor = decision.ScheduledFor
	pending.Attempts = 7
	if decision := policy.Next(pending, 8, decision.ScheduledFor); !decision.Abandon {
		t.Fatalf("expected abandonment after forced final attempt, got %+v", decision)
	}
}

func TestPolicyNeverMovesPhaseOrScheduleBackwards(t *testing.T) {
	policy := DefaultPolicy()
	pending := domain.PendingRecording{
		Phase:        domain.RetryPhaseBackoff,
		Attempts:     1,
		ScheduledFor: policyStart.Add(10 * time.Hour),
		CreatedAt:    policyStart,
	}

	decision := policy.Next(pending, 2, policyStart.Add(time.Minute))
	if decision.Phase != domain.RetryPhaseBackoff {
		t.Fatalf("expected phase to stay backoff, got %s", decision.Phase)
	}
	if !decision.ScheduledFor.Equal(pending.ScheduledFor) {
		t.Fatalf("expected schedule to stay at %v, got %v", pending.ScheduledFor, decision.ScheduledFor)
	}
}

func TestPolicyInitialSchedule(t *testing.T) {
	policy := DefaultPolicy()

	ended := domain.CallRecord{StartedAt: policyStart, DurationSeconds: 300}
	scheduled, estimated := policy.InitialSchedule(ended, policyStart.Add(10*time.Minute))
	if !scheduled.Equal(policyStart.Add(10*time.Minute)) || estimated != nil {
		t.Fatalf("ended call should be due now, got %v estimated=%v", scheduled, estimated)
	}

	live := domain.CallRecord{StartedAt: policyStart}
	scheduled, estimated = policy.InitialSchedule(live, policyStart)
	if estimated == nil || !estimated.Equal(policyStart.Add(5*time.Minute)) {
		t.Fatalf("expected estimated end at start+5m, got %v", estimated)
	}
	if !scheduled.Equal(policyStart.Add(7 * time.Minute)) {
		t.Fatalf("expected schedule at estimated end plus grace, got %v", scheduled)
	}

	old := domain.CallRecord{StartedAt: policyStart.Add(-time.Hour)}
	scheduled, _ = policy.InitialSchedule(old, policyStart)
	if !scheduled.Equal(policyStart) {
		t.Fatalf("overdue call should be due now, got %v", scheduled)
	}
}

func TestPolicyWithDefaultsFillsZeroValues(t *testing.T) {
	policy := Policy{}.withDefaults()
	if policy != DefaultPolicy() {
		t.Fatalf("expected defaults, got %+v", policy)
	}

	custom := Policy{QuickAttempts: 2, BackoffAttempts: 1, FinalAttempts: 1, QuickDelay: time.Minute}.withDefaults()
	if custom.LastAttempt() != 4 || custom.QuickDelay != time.Minute {
		t.Fatalf("unexpected custom policy %+v", custom)
	}
}
