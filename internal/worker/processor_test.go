package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/iago/recording-reconciler/internal/domain"
	"github.com/iago/recording-reconciler/internal/queue"
	"github.com/iago/recording-reconciler/internal/repository"
	"github.com/iago/recording-reconciler/internal/transcription"
)

type stubEngine struct {
	mu   sync.Mutex
	seen []string
	err  error
}

func (e *stubEngine) Transcribe(_ context.Context, job domain.TranscriptionJob) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.seen = append(e.seen, job.CallID)
	return e.err
}

func (e *stubEngine) Seen() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.seen...)
}

type processorHarness struct {
	store     *repository.MemoryStore
	queue     *transcription.Queue
	engine    *stubEngine
	processor *Processor
}

func newProcessorHarness(t *testing.T, consumer queue.Consumer, publisher transcription.Publisher) *processorHarness {
	t.Helper()
	store := repository.NewMemoryStore()
	jobs := transcription.NewQueue(transcription.QueueConfig{MaxAttempts: 2}, transcription.QueueDependencies{
		Repository: store,
		Publisher:  publisher,
	})
	engine := &stubEngine{}
	processor := NewProcessor(consumer, jobs, engine, store, ProcessorConfig{
		WorkerID:                "worker-test",
		MinTranscribableSeconds: 10,
	}, nil)
	return &processorHarness{store: store, queue: jobs, engine: engine, processor: processor}
}

func (h *processorHarness) seed(t *testing.T, callID string, duration, priority int) {
	t.Helper()
	ctx := context.Background()
	call := &domain.CallRecord{ID: callID, AgentName: "A", StartedAt: time.Now().UTC(), DurationSeconds: duration}
	if err := h.store.CreateCall(ctx, call); err != nil {
		t.Fatalf("create call: %v", err)
	}
	_, err := h.queue.Enqueue(ctx, transcription.EnqueueRequest{
		CallID:       callID,
		RecordingURL: "https://rec/" + callID + ".mp3",
		Priority:     priority,
		Source:       domain.JobSourceMatch,
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
}

func (h *processorHarness) status(t *testing.T, callID string) domain.JobStatus {
	t.Helper()
	job, err := h.store.GetJobByCall(context.Background(), callID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	return job.Status
}

func TestDrainRunsJobsByPriority(t *testing.T) {
	h := newProcessorHarness(t, nil, nil)
	h.seed(t, "call-low", 120, transcription.PriorityIngest)
	h.seed(t, "call-high", 120, transcription.PriorityReview)

	processed, err := h.processor.Drain(context.Background())
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if processed != 2 {
		t.Fatalf("expected 2 jobs, got %d", processed)
	}
	seen := h.engine.Seen()
	if len(seen) != 2 || seen[0] != "call-high" {
		t.Fatalf("expected high priority first, got %v", seen)
	}
	if h.status(t, "call-low") != domain.JobStatusCompleted {
		t.Fatalf("expected completed job")
	}
}

func TestDrainRejectsShortCallsWithoutCallingEngine(t *testing.T) {
	h := newProcessorHarness(t, nil, nil)
	h.seed(t, "call-short", 4, transcription.PriorityMatch)

	if _, err := h.processor.Drain(context.Background()); err != nil {
		t.Fatalf("drain: %v", err)
	}
	if len(h.engine.Seen()) != 0 {
		t.Fatalf("engine must not see short calls")
	}
	if h.status(t, "call-short") != domain.JobStatusFailed {
		t.Fatalf("expected short call to fail permanently")
	}
}

func TestDrainSendsUnknownDurationToEngine(t *testing.T) {
	h := newProcessorHarness(t, nil, nil)
	h.seed(t, "call-unknown", 0, transcription.PriorityMatch)

	if _, err := h.processor.Drain(context.Background()); err != nil {
		t.Fatalf("drain: %v", err)
	}
	if len(h.engine.Seen()) != 1 {
		t.Fatalf("expected unknown duration call to be transcribed")
	}
}

func TestDrainRetriesTransientFailuresUntilCap(t *testing.T) {
	h := newProcessorHarness(t, nil, nil)
	h.engine.err = &transcription.EngineError{StatusCode: 503, Message: "busy"}
	h.seed(t, "call-1", 120, transcription.PriorityMatch)

	processed, err := h.processor.Drain(context.Background())
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if processed != 2 {
		t.Fatalf("expected the job to run twice before hitting the cap, got %d", processed)
	}
	if h.status(t, "call-1") != domain.JobStatusFailed {
		t.Fatalf("expected failed job after exhausting attempts")
	}
}

func TestDrainPermanentEngineFailure(t *testing.T) {
	h := newProcessorHarness(t, nil, nil)
	h.engine.err = &transcription.EngineError{StatusCode: 200, Code: "no_recording"}
	h.seed(t, "call-1", 120, transcription.PriorityMatch)

	processed, err := h.processor.Drain(context.Background())
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if processed != 1 || h.status(t, "call-1") != domain.JobStatusFailed {
		t.Fatalf("expected a single permanent failure, processed=%d", processed)
	}
}

type cancellingEngine struct {
	cancel context.CancelFunc
}

func (e cancellingEngine) Transcribe(ctx context.Context, _ domain.TranscriptionJob) error {
	e.cancel()
	<-ctx.Done()
	return ctx.Err()
}

func TestDrainReleasesJobOnShutdownWithoutSpendingAttempt(t *testing.T) {
	h := newProcessorHarness(t, nil, nil)
	h.seed(t, "call-1", 120, transcription.PriorityMatch)

	ctx, cancel := context.WithCancel(context.Background())
	h.processor.engine = cancellingEngine{cancel: cancel}
	if _, err := h.processor.Drain(ctx); err != nil {
		t.Fatalf("drain: %v", err)
	}

	job, err := h.store.GetJobByCall(context.Background(), "call-1")
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if job.Status != domain.JobStatusPending || job.Attempts != 0 || job.ClaimedBy != "" {
		t.Fatalf("expected job back in the queue untouched, got %+v", job)
	}
}

func TestProcessorDrainsOnWakeUpSignal(t *testing.T) {
	signals := queue.NewLocalQueue(8, 3, nil)
	h := newProcessorHarness(t, signals, signals)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.processor.Start(ctx)
		close(done)
	}()

	h.seed(t, "call-1", 120, transcription.PriorityMatch)

	deadline := time.Now().Add(2 * time.Second)
	for h.status(t, "call-1") != domain.JobStatusCompleted {
		if time.Now().After(deadline) {
			t.Fatalf("job was not processed after the wake-up signal")
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("processor did not stop")
	}
}

type failingJobs struct{}

func (failingJobs) Claim(context.Context, string) (*domain.TranscriptionJob, error) {
	return nil, errors.New("database unavailable")
}

func (failingJobs) Complete(context.Context, string, string, domain.JobOutcome) (domain.JobStatus, error) {
	return "", nil
}

func (failingJobs) Release(context.Context, string, string) error {
	return nil
}

func TestProcessMessageSurfacesClaimErrors(t *testing.T) {
	processor := NewProcessor(nil, failingJobs{}, &stubEngine{}, nil, ProcessorConfig{}, nil)
	err := processor.processMessage(context.Background(), domain.QueueMessage{JobID: "job-1"})
	if err == nil {
		t.Fatalf("expected claim error to be returned so the signal is retried")
	}
}
