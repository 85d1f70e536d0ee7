package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/iago/recording-reconciler/internal/app"
	"github.com/iago/recording-reconciler/internal/config"
	httpserver "github.com/iago/recording-reconciler/internal/http"
	"github.com/iago/recording-reconciler/internal/http/handlers"
	"github.com/iago/recording-reconciler/internal/logger"
	"github.com/iago/recording-reconciler/internal/worker"
)

func main() {
	dotenvErr := config.LoadDotEnv(".env", ".env.local")
	cfg := config.Load()
	log := logger.New(cfg.Env, cfg.LogLevel)
	if dotenvErr != nil {
		log.WithError(dotenvErr).Warn("failed loading .env files")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.Build(ctx, cfg, log)
	if err != nil {
		log.WithError(err).Fatal("failed to initialize pipeline")
	}
	defer a.Close()

	api := handlers.NewAPI(handlers.Dependencies{
		Calls:     a.Calls,
		Review:    a.Review,
		Scheduler: a.Scheduler,
		Queue:     a.Jobs,
		Store:     a.Store,
		Logger:    log,
	})
	handler := httpserver.NewRouter(ctx, httpserver.RouterDependencies{
		API:            api,
		Logger:         log,
		Metrics:        a.Metrics,
		AuthToken:      cfg.AuthToken,
		RateLimitRPS:   cfg.RateLimitRPS,
		RateLimitBurst: cfg.RateLimitBurst,
	})

	cronManager := startWorkers(ctx, cfg, a, log)

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handler,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		log.WithField("port", cfg.Port).Info("api listening")
		errChan <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-errChan:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Error("server failed")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("graceful shutdown failed")
	}
	if cronManager != nil {
		cronManager.Stop()
	}
}

func startWorkers(ctx context.Context, cfg config.Config, a *app.App, log logrus.FieldLogger) *worker.CronManager {
	if !cfg.WorkerEnabled {
		log.Info("worker disabled by configuration")
		return nil
	}

	processor := worker.NewProcessor(a.Consumer, a.Jobs, a.Engine, a.Store, worker.ProcessorConfig{
		WorkerID:                cfg.WorkerID,
		MinTranscribableSeconds: cfg.MinTranscribableSeconds,
		JobTimeout:              cfg.TranscriptionJobTimeout,
		MaxJobsPerDrain:         cfg.TranscriptionDrainMaxJobs,
	}, log)
	go processor.Start(ctx)

	cronManager := worker.NewCronManager(worker.CronConfig{
		ReconcileSchedule: cfg.CronReconcile,
		DrainSchedule:     cfg.CronDrain,
		RecoverSchedule:   cfg.CronRecoverStale,
		CleanupSchedule:   cfg.CronCleanup,
		StatsSchedule:     cfg.CronStats,
		JobTimeout:        cfg.CronJobTimeout,
	}, a.Scheduler, a.Jobs, processor, a.Metrics, log)
	if err := cronManager.SetupJobs(); err != nil {
		log.WithError(err).Fatal("failed to schedule cron jobs")
	}
	cronManager.Start()
	log.Info("transcription worker and cron scheduler started")
	return cronManager
}
