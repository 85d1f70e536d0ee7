package worker

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/iago/recording-reconciler/internal/domain"
	"github.com/iago/recording-reconciler/internal/logger"
	"github.com/iago/recording-reconciler/internal/metrics"
	"github.com/iago/recording-reconciler/internal/scheduler"
)

const (
	JobReconcile    = "reconcile"
	JobDrain        = "drain"
	JobRecoverStale = "recover_stale"
	JobCleanup      = "cleanup"
	JobStats        = "stats"
)

// Reconciler is the retry scheduler pass.
type Reconciler interface {
	Tick(ctx context.Context) (scheduler.TickReport, error)
	Stats(ctx context.Context) (domain.PendingStats, error)
}

// QueueMaintainer covers the transcription queue housekeeping.
type QueueMaintainer interface {
	RecoverStale(ctx context.Context) (int, error)
	Cleanup(ctx context.Context) (int, error)
	Stats(ctx context.Context) (domain.QueueStats, error)
}

// Drainer runs claimable transcription jobs.
type Drainer interface {
	Drain(ctx context.Context) (int, error)
}

type CronConfig struct {
	ReconcileSchedule string
	DrainSchedule     string
	RecoverSchedule   string
	CleanupSchedule   string
	StatsSchedule     string
	JobTimeout        time.Duration
}

func (c CronConfig) withDefaults() CronConfig {
	if c.ReconcileSchedule == "" {
		c.ReconcileSchedule = "@every 1m"
	}
	if c.DrainSchedule == "" {
		c.DrainSchedule = "@every 30s"
	}
	if c.RecoverSchedule == "" {
		c.RecoverSchedule = "@every 2m"
	}
	if c.CleanupSchedule == "" {
		c.CleanupSchedule = "@every 1h"
	}
	if c.StatsSchedule == "" {
		c.StatsSchedule = "@every 30s"
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = 5 * time.Minute
	}
	return c
}

type cronJob struct {
	schedule string
	run      func(ctx context.Context) error
}

// CronManager invokes the stateless pipeline steps on a schedule.
type CronManager struct {
	cron       *cron.Cron
	config     CronConfig
	reconciler Reconciler
	queue      QueueMaintainer
	drainer    Drainer
	metrics    *metrics.Metrics
	logger     logrus.FieldLogger
	jobs       map[string]cronJob
}

func NewCronManager(
	config CronConfig,
	reconciler Reconciler,
	queue QueueMaintainer,
	drainer Drainer,
	m *metrics.Metrics,
	log logrus.FieldLogger,
) *CronManager {
	log = logger.OrDiscard(log)
	return &CronManager{
		cron: cron.New(cron.WithChain(
			cron.Recover(cron.PrintfLogger(log)),
			cron.SkipIfStillRunning(cron.PrintfLogger(log)),
		)),
		config:     config.withDefaults(),
		reconciler: reconciler,
		queue:      queue,
		drainer:    drainer,
		metrics:    m,
		logger:     log,
		jobs:       make(map[string]cronJob),
	}
}

// SetupJobs registers every scheduled job. Components left nil are skipped.
func (cm *CronManager) SetupJobs() error {
	if cm.reconciler != nil {
		cm.jobs[JobReconcile] = cronJob{cm.config.ReconcileSchedule, cm.reconcile}
	}
	if cm.drainer != nil {
		cm.jobs[JobDrain] = cronJob{cm.config.DrainSchedule, cm.drain}
	}
	if cm.queue != nil {
		cm.jobs[JobRecoverStale] = cronJob{cm.config.RecoverSchedule, cm.recoverStale}
		cm.jobs[JobCleanup] = cronJob{cm.config.CleanupSchedule, cm.cleanup}
	}
	cm.jobs[JobStats] = cronJob{cm.config.StatsSchedule, cm.stats}

	for _, name := range cm.JobNames() {
		name := name
		job := cm.jobs[name]
		if _, err := cm.cron.AddFunc(job.schedule, func() { _ = cm.RunJob(context.Background(), name) }); err != nil {
			return fmt.Errorf("schedule %s job: %w", name, err)
		}
		cm.logger.WithFields(logrus.Fields{"job": name, "schedule": job.schedule}).Info("cron job configured")
	}
	return nil
}

// JobNames lists the registered jobs in a stable order.
func (cm *CronManager) JobNames() []string {
	names := make([]string, 0, len(cm.jobs))
	for name := range cm.jobs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RunJob runs a registered job immediately with the configured timeout.
func (cm *CronManager) RunJob(ctx context.Context, name string) error {
	job, ok := cm.jobs[name]
	if !ok {
		return fmt.Errorf("unknown cron job %q", name)
	}

	ctx, cancel := context.WithTimeout(ctx, cm.config.JobTimeout)
	defer cancel()

	started := time.Now()
	err := job.run(ctx)
	cm.metrics.RecordCronRun(name, err)

	entry := cm.logger.WithFields(logrus.Fields{"job": name, "elapsed": time.Since(started).String()})
	if err != nil {
		entry.WithError(err).Error("cron job failed")
		return err
	}
	entry.Debug("cron job finished")
	return nil
}

func (cm *CronManager) Start() {
	cm.logger.Info("starting cron scheduler")
	cm.cron.Start()
}

// Stop halts scheduling and waits for running jobs to finish.
func (cm *CronManager) Stop() {
	cm.logger.Info("stopping cron scheduler")
	<-cm.cron.Stop().Done()
}

func (cm *CronManager) reconcile(ctx context.Context) error {
	report, err := cm.reconciler.Tick(ctx)
	if err != nil {
		return err
	}
	if report.Matched > 0 && cm.drainer != nil {
		if _, err := cm.drainer.Drain(ctx); err != nil {
			return fmt.Errorf("drain after reconcile: %w", err)
		}
	}
	return nil
}

func (cm *CronManager) drain(ctx context.Context) error {
	processed, err := cm.drainer.Drain(ctx)
	if processed > 0 {
		cm.logger.WithField("jobs", processed).Info("drained transcription queue")
	}
	return err
}

func (cm *CronManager) recoverStale(ctx context.Context) error {
	_, err := cm.queue.RecoverStale(ctx)
	return err
}

func (cm *CronManager) cleanup(ctx context.Context) error {
	deleted, err := cm.queue.Cleanup(ctx)
	if deleted > 0 {
		cm.logger.WithField("deleted", deleted).Info("purged completed transcription jobs")
	}
	return err
}

func (cm *CronManager) stats(ctx context.Context) error {
	if cm.reconciler != nil {
		if _, err := cm.reconciler.Stats(ctx); err != nil {
			return err
		}
	}
	if cm.queue != nil {
		if _, err := cm.queue.Stats(ctx); err != nil {
			return err
		}
	}
	return nil
}
