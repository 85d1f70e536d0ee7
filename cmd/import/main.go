package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/iago/recording-reconciler/internal/app"
	"github.com/iago/recording-reconciler/internal/config"
	"github.com/iago/recording-reconciler/internal/importer"
	"github.com/iago/recording-reconciler/internal/logger"
)

func main() {
	dotenvErr := config.LoadDotEnv(".env", ".env.local")
	cfg := config.Load()
	log := logger.New(cfg.Env, cfg.LogLevel)
	if dotenvErr != nil {
		log.WithError(dotenvErr).Warn("failed loading .env files")
	}

	var (
		path     = flag.String("file", "", "path to the .xlsx workbook")
		sheet    = flag.String("sheet", "", "sheet name, defaults to the first sheet")
		timezone = flag.String("tz", cfg.UpstreamTimezone, "timezone for timestamps without an offset")
		dryRun   = flag.Bool("dry-run", false, "parse the workbook without ingesting")
	)
	flag.Parse()

	if *path == "" {
		log.Fatal("-file is required")
	}
	location, err := time.LoadLocation(*timezone)
	if err != nil {
		log.WithError(err).Fatal("invalid timezone")
	}

	wb, err := importer.LoadFile(*path, importer.Options{Sheet: *sheet, Location: location})
	if err != nil {
		log.WithError(err).Fatal("failed to load workbook")
	}
	for _, rowErr := range wb.Errors {
		log.WithField("row", rowErr.Row).WithError(rowErr.Err).Warn("row skipped")
	}
	log.WithFields(logrus.Fields{"sheet": wb.Sheet, "rows": len(wb.Rows), "invalid": len(wb.Errors)}).Info("workbook parsed")
	if *dryRun {
		return
	}
	if cfg.DatabaseURL == "" {
		log.WithError(app.ErrNoStore).Fatal("refusing to import into the in-memory store")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Signals go through the configured queue so running workers pick up
	// imported calls that already carry a recording.
	cfg.QueueBatchingEnabled = false
	a, err := app.Build(ctx, cfg, log)
	if err != nil {
		log.WithError(err).Fatal("failed to initialize pipeline")
	}
	defer a.Close()

	summary, err := importer.Import(ctx, a.Calls, wb.Rows, log)
	for _, rowErr := range summary.Failed {
		log.WithField("row", rowErr.Row).WithError(rowErr.Err).Warn("row rejected")
	}
	fields := logrus.Fields{
		"created":    summary.Created,
		"duplicates": summary.Duplicates,
		"queued":     summary.Queued,
		"scheduled":  summary.Scheduled,
		"rejected":   len(summary.Failed),
	}
	if err != nil {
		log.WithFields(fields).WithError(err).Error("import aborted")
		a.Close()
		os.Exit(1)
	}
	log.WithFields(fields).Info("import finished")
}
