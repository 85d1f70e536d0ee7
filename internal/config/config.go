package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config centralizes runtime settings for the API and workers.
type Config struct {
	Env      string
	LogLevel string

	Port      string
	AuthToken string

	RateLimitRPS   float64
	RateLimitBurst int

	DatabaseURL   string
	RunMigrations bool

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisStream   string
	RedisDLQ      string
	RedisGroup    string
	RedisConsumer string

	UpstreamBaseURL         string
	UpstreamAuthToken       string
	UpstreamLimit           int
	UpstreamTimeout         time.Duration
	UpstreamRetryMaxElapsed time.Duration
	UpstreamFetchWindow     time.Duration
	UpstreamTimezone        string

	ThrottleRPS        float64
	ThrottleBurst      int
	ThrottleMaxWait    time.Duration
	ThrottleShared     bool
	CandidateCacheTTL  time.Duration
	CandidateCacheSize int

	MatchExactStart       time.Duration
	MatchExactDuration    time.Duration
	MatchFuzzyStart       time.Duration
	MatchFuzzyDuration    time.Duration
	MatchProbableStart    time.Duration
	MatchProbableDuration time.Duration

	SchedulerBatchSize         int
	SchedulerLeaseTTL          time.Duration
	SchedulerTickBudget        time.Duration
	SchedulerCandidateLimit    int
	SchedulerQuickAttempts     int
	SchedulerQuickDelay        time.Duration
	SchedulerBackoffAttempts   int
	SchedulerBackoffInitial    time.Duration
	SchedulerBackoffMax        time.Duration
	SchedulerFinalAttempts     int
	SchedulerFinalDelay        time.Duration
	SchedulerMaxWait           time.Duration
	SchedulerAvgCallDuration   time.Duration
	SchedulerGracePeriod       time.Duration
	IngestMaxFutureSkew        time.Duration
	TranscriptionMaxAttempts   int
	TranscriptionTimeout       time.Duration
	TranscriptionRetention     time.Duration
	MinTranscribableSeconds    int
	EngineBaseURL              string
	EngineAPIKey               string
	EngineTimeout              time.Duration
	EnginePollInterval         time.Duration
	EnginePollTimeout          time.Duration
	TranscriptionJobTimeout    time.Duration
	TranscriptionDrainMaxJobs  int
	TranscriptionSignalBuffer  int
	TranscriptionSignalRetries int

	QueueBatchingEnabled     bool
	QueueBatchSize           int
	QueueBatchFlushMS        int
	QueueBatchFlushTimeoutMS int
	QueueBatchQueueCapacity  int

	WorkerEnabled    bool
	WorkerID         string
	CronReconcile    string
	CronDrain        string
	CronRecoverStale string
	CronCleanup      string
	CronStats        string
	CronJobTimeout   time.Duration
	ShutdownTimeout  time.Duration
}

func Load() Config {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "worker-1"
	}

	return Config{
		Env:      getEnv("APP_ENV", "local"),
		LogLevel: getEnv("LOG_LEVEL", "info"),

		Port:      getEnv("PORT", "8080"),
		AuthToken: getEnv("API_AUTH_TOKEN", ""),

		RateLimitRPS:   getEnvFloat("RATE_LIMIT_RPS", 20),
		RateLimitBurst: getEnvInt("RATE_LIMIT_BURST", 40),

		DatabaseURL:   getEnv("DATABASE_URL", ""),
		RunMigrations: getEnvBool("RUN_MIGRATIONS", true),

		RedisAddr:     getEnv("REDIS_ADDR", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),
		RedisStream:   getEnv("REDIS_STREAM", "transcription_signals"),
		RedisDLQ:      getEnv("REDIS_DLQ_STREAM", "transcription_signals_dlq"),
		RedisGroup:    getEnv("REDIS_GROUP", "transcription_workers"),
		RedisConsumer: getEnv("REDIS_CONSUMER", hostname),

		UpstreamBaseURL:         getEnv("UPSTREAM_BASE_URL", "https://api.convoso.com/v1"),
		UpstreamAuthToken:       getEnv("UPSTREAM_AUTH_TOKEN", ""),
		UpstreamLimit:           getEnvInt("UPSTREAM_LIMIT", 20),
		UpstreamTimeout:         getEnvDuration("UPSTREAM_TIMEOUT", 10*time.Second),
		UpstreamRetryMaxElapsed: getEnvDuration("UPSTREAM_RETRY_MAX_ELAPSED", 5*time.Second),
		UpstreamFetchWindow:     getEnvDuration("UPSTREAM_FETCH_WINDOW", 10*time.Minute),
		UpstreamTimezone:        getEnv("UPSTREAM_TIMEZONE", "UTC"),

		ThrottleRPS:        getEnvFloat("THROTTLE_RPS", 5),
		ThrottleBurst:      getEnvInt("THROTTLE_BURST", 10),
		ThrottleMaxWait:    getEnvDuration("THROTTLE_MAX_WAIT", 5*time.Second),
		ThrottleShared:     getEnvBool("THROTTLE_SHARED", true),
		CandidateCacheTTL:  getEnvDuration("CANDIDATE_CACHE_TTL", 30*time.Second),
		CandidateCacheSize: getEnvInt("CANDIDATE_CACHE_MAX_ENTRIES", 1000),

		MatchExactStart:       getEnvDuration("MATCH_EXACT_START", time.Second),
		MatchExactDuration:    getEnvDuration("MATCH_EXACT_DURATION", time.Second),
		MatchFuzzyStart:       getEnvDuration("MATCH_FUZZY_START", 5*time.Second),
		MatchFuzzyDuration:    getEnvDuration("MATCH_FUZZY_DURATION", 5*time.Second),
		MatchProbableStart:    getEnvDuration("MATCH_PROBABLE_START", 30*time.Second),
		MatchProbableDuration: getEnvDuration("MATCH_PROBABLE_DURATION", 15*time.Second),

		SchedulerBatchSize:       getEnvInt("SCHEDULER_BATCH_SIZE", 50),
		SchedulerLeaseTTL:        getEnvDuration("SCHEDULER_LEASE_TTL", 5*time.Minute),
		SchedulerTickBudget:      getEnvDuration("SCHEDULER_TICK_BUDGET", 50*time.Second),
		SchedulerCandidateLimit:  getEnvInt("SCHEDULER_CANDIDATE_LIMIT", 5),
		SchedulerQuickAttempts:   getEnvInt("SCHEDULER_QUICK_ATTEMPTS", 5),
		SchedulerQuickDelay:      getEnvDuration("SCHEDULER_QUICK_DELAY", 2*time.Minute),
		SchedulerBackoffAttempts: getEnvInt("SCHEDULER_BACKOFF_ATTEMPTS", 6),
		SchedulerBackoffInitial:  getEnvDuration("SCHEDULER_BACKOFF_INITIAL", 5*time.Minute),
		SchedulerBackoffMax:      getEnvDuration("SCHEDULER_BACKOFF_MAX", time.Hour),
		SchedulerFinalAttempts:   getEnvInt("SCHEDULER_FINAL_ATTEMPTS", 1),
		SchedulerFinalDelay:      getEnvDuration("SCHEDULER_FINAL_DELAY", 3*time.Hour),
		SchedulerMaxWait:         getEnvDuration("SCHEDULER_MAX_WAIT", 8*time.Hour),
		SchedulerAvgCallDuration: getEnvDuration("SCHEDULER_AVG_CALL_DURATION", 5*time.Minute),
		SchedulerGracePeriod:     getEnvDuration("SCHEDULER_GRACE_PERIOD", 2*time.Minute),
		IngestMaxFutureSkew:      getEnvDuration("INGEST_MAX_FUTURE_SKEW", 10*time.Minute),

		TranscriptionMaxAttempts:   getEnvInt("TRANSCRIPTION_MAX_ATTEMPTS", 3),
		TranscriptionTimeout:       getEnvDuration("TRANSCRIPTION_PROCESSING_TIMEOUT", 10*time.Minute),
		TranscriptionRetention:     getEnvDuration("TRANSCRIPTION_RETENTION", 24*time.Hour),
		MinTranscribableSeconds:    getEnvInt("MIN_TRANSCRIBABLE_SECONDS", 10),
		EngineBaseURL:              getEnv("ENGINE_BASE_URL", ""),
		EngineAPIKey:               getEnv("ENGINE_API_KEY", ""),
		EngineTimeout:              getEnvDuration("ENGINE_TIMEOUT", 15*time.Second),
		EnginePollInterval:         getEnvDuration("ENGINE_POLL_INTERVAL", 2*time.Second),
		EnginePollTimeout:          getEnvDuration("ENGINE_POLL_TIMEOUT", 5*time.Minute),
		TranscriptionJobTimeout:    getEnvDuration("TRANSCRIPTION_JOB_TIMEOUT", 6*time.Minute),
		TranscriptionDrainMaxJobs:  getEnvInt("TRANSCRIPTION_DRAIN_MAX_JOBS", 25),
		TranscriptionSignalBuffer:  getEnvInt("TRANSCRIPTION_SIGNAL_BUFFER", 512),
		TranscriptionSignalRetries: getEnvInt("TRANSCRIPTION_SIGNAL_RETRIES", 3),

		QueueBatchingEnabled:     getEnvBool("QUEUE_BATCHING_ENABLED", true),
		QueueBatchSize:           getEnvInt("QUEUE_BATCH_SIZE", 32),
		QueueBatchFlushMS:        getEnvInt("QUEUE_BATCH_FLUSH_MS", 25),
		QueueBatchFlushTimeoutMS: getEnvInt("QUEUE_BATCH_FLUSH_TIMEOUT_MS", 3000),
		QueueBatchQueueCapacity:  getEnvInt("QUEUE_BATCH_QUEUE_CAPACITY", 2048),

		WorkerEnabled:    getEnvBool("WORKER_ENABLED", true),
		WorkerID:         getEnv("WORKER_ID", hostname),
		CronReconcile:    getEnv("CRON_RECONCILE", "@every 1m"),
		CronDrain:        getEnv("CRON_DRAIN", "@every 30s"),
		CronRecoverStale: getEnv("CRON_RECOVER_STALE", "@every 2m"),
		CronCleanup:      getEnv("CRON_CLEANUP", "@every 1h"),
		CronStats:        getEnv("CRON_STATS", "@every 30s"),
		CronJobTimeout:   getEnvDuration("CRON_JOB_TIMEOUT", 5*time.Minute),
		ShutdownTimeout:  getEnvDuration("SHUTDOWN_TIMEOUT", 10*time.Second),
	}
}

func getEnv(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getEnvInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvFloat(key string, fallback float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvBool(key string, fallback bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}

// getEnvDuration accepts Go durations ("90s") and bare integers as seconds.
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	if seconds, err := strconv.Atoi(value); err == nil {
		return time.Duration(seconds) * time.Second
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return parsed
}
