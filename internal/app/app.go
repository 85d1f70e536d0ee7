// Package app wires the pipeline components from configuration. Both the API
// server and the import CLI build on it.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/iago/recording-reconciler/internal/config"
	"github.com/iago/recording-reconciler/internal/matcher"
	"github.com/iago/recording-reconciler/internal/metrics"
	"github.com/iago/recording-reconciler/internal/queue"
	"github.com/iago/recording-reconciler/internal/repository"
	"github.com/iago/recording-reconciler/internal/review"
	"github.com/iago/recording-reconciler/internal/scheduler"
	"github.com/iago/recording-reconciler/internal/service"
	"github.com/iago/recording-reconciler/internal/transcription"
	"github.com/iago/recording-reconciler/internal/upstream"
)

// ErrNoStore is returned by commands that need durable storage.
var ErrNoStore = errors.New("DATABASE_URL is required")

// App holds the wired components. Close releases them in reverse order.
type App struct {
	Config    config.Config
	Logger    logrus.FieldLogger
	Metrics   *metrics.Metrics
	Store     repository.Store
	Redis     *redis.Client
	Producer  queue.Producer
	Consumer  queue.Consumer
	Upstream  *upstream.Client
	Scheduler *scheduler.Scheduler
	Jobs      *transcription.Queue
	Engine    *transcription.EngineClient
	Calls     *service.CallsService
	Review    *review.Service

	closers []func()
}

func Build(ctx context.Context, cfg config.Config, log logrus.FieldLogger) (*App, error) {
	a := &App{Config: cfg, Logger: log, Metrics: metrics.New()}

	store, err := setupStore(ctx, cfg, log)
	if err != nil {
		return nil, err
	}
	a.Store = store
	a.closers = append(a.closers, store.Close)

	a.Redis = setupRedis(ctx, cfg, log)
	if a.Redis != nil {
		client := a.Redis
		a.closers = append(a.closers, func() { _ = client.Close() })
	}

	producer, consumer, queueCloser := setupQueue(ctx, cfg, a.Redis, log)
	a.Producer, a.Consumer = producer, consumer
	a.closers = append(a.closers, queueCloser)

	location, err := time.LoadLocation(cfg.UpstreamTimezone)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("load upstream timezone %q: %w", cfg.UpstreamTimezone, err)
	}

	a.Upstream = upstream.NewClient(upstream.ClientConfig{
		BaseURL:         cfg.UpstreamBaseURL,
		AuthToken:       cfg.UpstreamAuthToken,
		Limit:           cfg.UpstreamLimit,
		Timeout:         cfg.UpstreamTimeout,
		RetryMaxElapsed: cfg.UpstreamRetryMaxElapsed,
		FetchWindow:     cfg.UpstreamFetchWindow,
		Location:        location,
	}, log,
		upstream.WithThrottle(setupThrottle(cfg, a.Redis, log)),
		upstream.WithCache(upstream.NewCandidateCache(upstream.CacheConfig{
			TTL:        cfg.CandidateCacheTTL,
			MaxEntries: cfg.CandidateCacheSize,
		})),
		upstream.WithMetrics(a.Metrics),
	)

	a.Jobs = transcription.NewQueue(transcription.QueueConfig{
		MaxAttempts:       cfg.TranscriptionMaxAttempts,
		ProcessingTimeout: cfg.TranscriptionTimeout,
		Retention:         cfg.TranscriptionRetention,
	}, transcription.QueueDependencies{
		Repository: store,
		Publisher:  producer,
		Metrics:    a.Metrics,
		Logger:     log,
	})

	a.Engine = transcription.NewEngineClient(transcription.EngineConfig{
		BaseURL:      cfg.EngineBaseURL,
		APIKey:       cfg.EngineAPIKey,
		Timeout:      cfg.EngineTimeout,
		PollInterval: cfg.EnginePollInterval,
		PollTimeout:  cfg.EnginePollTimeout,
	}, log)

	a.Scheduler = scheduler.New(scheduler.Config{
		WorkerID:       cfg.WorkerID,
		BatchSize:      cfg.SchedulerBatchSize,
		LeaseTTL:       cfg.SchedulerLeaseTTL,
		TickBudget:     cfg.SchedulerTickBudget,
		CandidateLimit: cfg.SchedulerCandidateLimit,
		Policy: scheduler.Policy{
			QuickAttempts:       cfg.SchedulerQuickAttempts,
			QuickDelay:          cfg.SchedulerQuickDelay,
			BackoffAttempts:     cfg.SchedulerBackoffAttempts,
			BackoffInitial:      cfg.SchedulerBackoffInitial,
			BackoffMax:          cfg.SchedulerBackoffMax,
			FinalAttempts:       cfg.SchedulerFinalAttempts,
			FinalDelay:          cfg.SchedulerFinalDelay,
			MaxWait:             cfg.SchedulerMaxWait,
			AverageCallDuration: cfg.SchedulerAvgCallDuration,
			GracePeriod:         cfg.SchedulerGracePeriod,
		},
	}, scheduler.Dependencies{
		Calls:          store,
		Pending:        store,
		Unmatched:      store,
		Fetcher:        a.Upstream,
		Matcher:        matcher.New(thresholds(cfg)),
		Transcriptions: a.Jobs,
		Metrics:        a.Metrics,
		Logger:         log,
	})

	a.Calls = service.NewCallsService(store, a.Scheduler, a.Jobs, service.CallsConfig{
		MaxFutureSkew: cfg.IngestMaxFutureSkew,
	}, log)
	a.Review = review.NewService(review.Dependencies{
		Calls:          store,
		Unmatched:      store,
		Transcriptions: a.Jobs,
		Logger:         log,
	})

	return a, nil
}

// Close releases queue, redis and store resources.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

func thresholds(cfg config.Config) matcher.Thresholds {
	return matcher.Thresholds{
		Exact:    matcher.Threshold{StartDelta: cfg.MatchExactStart, DurationDelta: cfg.MatchExactDuration},
		Fuzzy:    matcher.Threshold{StartDelta: cfg.MatchFuzzyStart, DurationDelta: cfg.MatchFuzzyDuration},
		Probable: matcher.Threshold{StartDelta: cfg.MatchProbableStart, DurationDelta: cfg.MatchProbableDuration},
	}
}

func setupStore(ctx context.Context, cfg config.Config, log logrus.FieldLogger) (repository.Store, error) {
	if cfg.DatabaseURL == "" {
		log.Warn("DATABASE_URL not configured, using in-memory store")
		return repository.NewMemoryStore(), nil
	}

	store, err := repository.NewPostgresStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if cfg.RunMigrations {
		if err := repository.Migrate(ctx, store.Pool()); err != nil {
			store.Close()
			return nil, fmt.Errorf("run migrations: %w", err)
		}
	}
	log.Info("postgres store initialized")
	return store, nil
}

func setupRedis(ctx context.Context, cfg config.Config, log logrus.FieldLogger) *redis.Client {
	if cfg.RedisAddr == "" {
		log.Info("REDIS_ADDR not configured, using process-local queue and throttle")
		return nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		log.WithError(err).Warn("redis unreachable, using process-local queue and throttle")
		_ = client.Close()
		return nil
	}
	return client
}

func setupThrottle(cfg config.Config, client *redis.Client, log logrus.FieldLogger) upstream.Throttle {
	throttleConfig := upstream.ThrottleConfig{
		RatePerSecond: cfg.ThrottleRPS,
		Burst:         cfg.ThrottleBurst,
		MaxWait:       cfg.ThrottleMaxWait,
	}
	if client != nil && cfg.ThrottleShared {
		log.Info("upstream throttle shared through redis")
		return upstream.NewRedisThrottle(client, "", throttleConfig)
	}
	return upstream.NewLocalThrottle(throttleConfig)
}

func setupQueue(
	ctx context.Context,
	cfg config.Config,
	client *redis.Client,
	log logrus.FieldLogger,
) (queue.Producer, queue.Consumer, func()) {
	var (
		baseProducer queue.Producer
		consumer     queue.Consumer
		baseCloser   = func() {}
	)

	if client != nil {
		streams, err := queue.NewStreamsQueueWithClient(ctx, client, queue.StreamsConfig{
			Stream:      cfg.RedisStream,
			DLQStream:   cfg.RedisDLQ,
			Group:       cfg.RedisGroup,
			Consumer:    cfg.RedisConsumer,
			MaxAttempts: cfg.TranscriptionSignalRetries,
		})
		if err == nil {
			log.Info("redis streams queue initialized")
			baseProducer, consumer = streams, streams
			baseCloser = func() { _ = streams.Close() }
		} else {
			log.WithError(err).Warn("failed to initialize redis streams queue, fallback to local")
		}
	}
	if baseProducer == nil {
		local := queue.NewLocalQueue(cfg.TranscriptionSignalBuffer, cfg.TranscriptionSignalRetries, log)
		baseProducer, consumer = local, local
	}

	if !cfg.QueueBatchingEnabled {
		return baseProducer, consumer, baseCloser
	}

	batching := queue.NewBatchingProducer(ctx, baseProducer, queue.BatchingConfig{
		MaxBatchSize:  cfg.QueueBatchSize,
		FlushInterval: time.Duration(cfg.QueueBatchFlushMS) * time.Millisecond,
		FlushTimeout:  time.Duration(cfg.QueueBatchFlushTimeoutMS) * time.Millisecond,
		QueueCapacity: cfg.QueueBatchQueueCapacity,
	})
	log.WithFields(logrus.Fields{
		"size":           cfg.QueueBatchSize,
		"flush_ms":       cfg.QueueBatchFlushMS,
		"queue_capacity": cfg.QueueBatchQueueCapacity,
	}).Info("queue batching enabled")

	return batching, consumer, func() {
		batching.Close()
		log.WithField("coalesced", batching.Coalesced()).Info("queue batching stopped")
		baseCloser()
	}
}
