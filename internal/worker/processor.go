package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/iago/recording-reconciler/internal/domain"
	"github.com/iago/recording-reconciler/internal/logger"
	"github.com/iago/recording-reconciler/internal/queue"
	"github.com/iago/recording-reconciler/internal/repository"
	"github.com/iago/recording-reconciler/internal/transcription"
)

// Transcriber runs one transcription job to completion.
type Transcriber interface {
	Transcribe(ctx context.Context, job domain.TranscriptionJob) error
}

// JobQueue is the durable transcription queue the processor drains.
type JobQueue interface {
	Claim(ctx context.Context, workerID string) (*domain.TranscriptionJob, error)
	Complete(ctx context.Context, jobID, workerID string, outcome domain.JobOutcome) (domain.JobStatus, error)
	Release(ctx context.Context, jobID, workerID string) error
}

type ProcessorConfig struct {
	WorkerID string
	// MinTranscribableSeconds rejects known-short calls before they reach the
	// engine. Calls with unknown duration are always sent.
	MinTranscribableSeconds int
	JobTimeout              time.Duration
	MaxJobsPerDrain         int
}

// Processor claims transcription jobs and reports their outcome. It drains
// the queue whenever a wake-up signal arrives and when cron asks it to.
type Processor struct {
	consumer queue.Consumer
	jobs     JobQueue
	engine   Transcriber
	calls    repository.CallsRepository
	config   ProcessorConfig
	logger   logrus.FieldLogger
}

func NewProcessor(
	consumer queue.Consumer,
	jobs JobQueue,
	engine Transcriber,
	calls repository.CallsRepository,
	config ProcessorConfig,
	log logrus.FieldLogger,
) *Processor {
	if config.WorkerID == "" {
		config.WorkerID = "transcriber-1"
	}
	if config.JobTimeout <= 0 {
		config.JobTimeout = 6 * time.Minute
	}
	if config.MaxJobsPerDrain <= 0 {
		config.MaxJobsPerDrain = 25
	}
	return &Processor{
		consumer: consumer,
		jobs:     jobs,
		engine:   engine,
		calls:    calls,
		config:   config,
		logger:   logger.OrDiscard(log).WithField("worker_id", config.WorkerID),
	}
}

func (p *Processor) Start(ctx context.Context) {
	if p.consumer == nil {
		return
	}
	for {
		if ctx.Err() != nil {
			return
		}

		err := p.consumer.Consume(ctx, p.processMessage)
		if err == nil || ctx.Err() != nil {
			return
		}
		p.logger.WithError(err).Error("worker consume loop error")

		timer := time.NewTimer(2 * time.Second)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (p *Processor) processMessage(ctx context.Context, message domain.QueueMessage) error {
	p.logger.WithFields(logrus.Fields{
		"job_id":   message.JobID,
		"call_id":  message.CallID,
		"priority": message.Priority,
	}).Debug("transcription wake-up received")

	if _, err := p.Drain(ctx); err != nil {
		return fmt.Errorf("drain after signal %s: %w", message.JobID, err)
	}
	return nil
}

// Drain claims and runs jobs until the queue is empty or the per-drain cap is
// reached. It returns how many jobs were run.
func (p *Processor) Drain(ctx context.Context) (int, error) {
	processed := 0
	for processed < p.config.MaxJobsPerDrain {
		if ctx.Err() != nil {
			return processed, nil
		}

		job, err := p.jobs.Claim(ctx, p.config.WorkerID)
		if err != nil {
			return processed, err
		}
		if job == nil {
			return processed, nil
		}

		if err := p.run(ctx, job); err != nil {
			return processed, err
		}
		processed++
	}
	return processed, nil
}

func (p *Processor) run(ctx context.Context, job *domain.TranscriptionJob) error {
	log := p.logger.WithFields(logrus.Fields{
		"job_id":   job.ID,
		"call_id":  job.CallID,
		"attempts": job.Attempts,
	})

	runErr := p.precheck(ctx, job)
	if runErr == nil {
		jobCtx, cancel := context.WithTimeout(ctx, p.config.JobTimeout)
		runErr = p.engine.Transcribe(jobCtx, *job)
		cancel()
	}

	if ctx.Err() != nil {
		// Shutting down: the job is not at fault, so it keeps its attempt.
		if err := p.jobs.Release(context.WithoutCancel(ctx), job.ID, p.config.WorkerID); err != nil && !errors.Is(err, transcription.ErrNotOwner) {
			return fmt.Errorf("release job %s: %w", job.ID, err)
		}
		log.Info("job released on shutdown")
		return nil
	}

	outcome := transcription.Outcome(runErr)
	status, err := p.jobs.Complete(context.WithoutCancel(ctx), job.ID, p.config.WorkerID, outcome)
	if err != nil {
		if errors.Is(err, transcription.ErrNotOwner) {
			log.Warn("job was reclaimed before completion")
			return nil
		}
		return fmt.Errorf("complete job %s: %w", job.ID, err)
	}

	if runErr != nil {
		log.WithError(runErr).WithField("status", status).Warn("transcription attempt failed")
		return nil
	}
	log.Info("transcription finished")
	return nil
}

func (p *Processor) precheck(ctx context.Context, job *domain.TranscriptionJob) error {
	if p.calls == nil {
		return nil
	}
	call, err := p.calls.GetCall(ctx, job.CallID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return fmt.Errorf("%w: call %s not found", transcription.ErrPermanent, job.CallID)
		}
		return fmt.Errorf("load call: %w", err)
	}
	minimum := p.config.MinTranscribableSeconds
	if minimum > 0 && call.DurationSeconds > 0 && call.DurationSeconds < minimum {
		return fmt.Errorf("%w: call lasted %ds, below the %ds minimum", transcription.ErrPermanent, call.DurationSeconds, minimum)
	}
	return nil
}
