package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/iago/recording-reconciler/internal/domain"
)

// Metrics holds the pipeline collectors. Each instance owns its registry so
// tests can build as many as they need. A nil *Metrics is a no-op.
type Metrics struct {
	registry *prometheus.Registry

	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	PendingAttempts   *prometheus.CounterVec
	Matches           *prometheus.CounterVec
	Unmatched         *prometheus.CounterVec
	UpstreamFetches   *prometheus.HistogramVec
	CandidateCache    *prometheus.CounterVec
	TranscriptionJobs *prometheus.CounterVec
	QueueDepth        *prometheus.GaugeVec
	PendingBacklog    *prometheus.GaugeVec
	CronRuns          *prometheus.CounterVec
}

func New() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,
		HTTPRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		PendingAttempts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reconciler_pending_attempts_total",
				Help: "Reconciliation attempts by retry phase and outcome",
			},
			[]string{"phase", "outcome"},
		),
		Matches: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reconciler_matches_total",
				Help: "Recordings attached to calls by match tier",
			},
			[]string{"tier"},
		),
		Unmatched: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reconciler_unmatched_total",
				Help: "Calls escalated to manual review by reason",
			},
			[]string{"reason"},
		),
		UpstreamFetches: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "reconciler_upstream_fetch_duration_seconds",
				Help:    "Upstream recording search latency",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
			[]string{"result"},
		),
		CandidateCache: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reconciler_candidate_cache_total",
				Help: "Candidate cache lookups by result",
			},
			[]string{"result"},
		),
		TranscriptionJobs: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "transcription_jobs_total",
				Help: "Transcription job completions by outcome",
			},
			[]string{"outcome"},
		),
		QueueDepth: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "transcription_queue_depth",
				Help: "Transcription jobs by status",
			},
			[]string{"status"},
		),
		PendingBacklog: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "reconciler_pending_backlog",
				Help: "Live reconciliation tasks by retry phase",
			},
			[]string{"phase"},
		),
		CronRuns: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cron_runs_total",
				Help: "Scheduled job executions by job and result",
			},
			[]string{"job", "result"},
		),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) ObserveHTTP(method, path string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path).Observe(elapsed.Seconds())
}

func (m *Metrics) RecordAttempt(phase domain.RetryPhase, outcome string) {
	if m == nil {
		return
	}
	m.PendingAttempts.WithLabelValues(string(phase), outcome).Inc()
}

func (m *Metrics) RecordMatch(tier domain.MatchTier) {
	if m == nil {
		return
	}
	m.Matches.WithLabelValues(string(tier)).Inc()
}

func (m *Metrics) RecordUnmatched(reason domain.UnmatchedReason) {
	if m == nil {
		return
	}
	m.Unmatched.WithLabelValues(string(reason)).Inc()
}

func (m *Metrics) ObserveFetch(result string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.UpstreamFetches.WithLabelValues(result).Observe(elapsed.Seconds())
}

func (m *Metrics) RecordCacheLookup(hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.CandidateCache.WithLabelValues(result).Inc()
}

func (m *Metrics) RecordJobOutcome(outcome string) {
	if m == nil {
		return
	}
	m.TranscriptionJobs.WithLabelValues(outcome).Inc()
}

func (m *Metrics) SetQueueStats(stats domain.QueueStats) {
	if m == nil {
		return
	}
	m.QueueDepth.WithLabelValues(string(domain.JobStatusPending)).Set(float64(stats.Pending))
	m.QueueDepth.WithLabelValues(string(domain.JobStatusProcessing)).Set(float64(stats.Processing))
	m.QueueDepth.WithLabelValues(string(domain.JobStatusCompleted)).Set(float64(stats.Completed))
	m.QueueDepth.WithLabelValues(string(domain.JobStatusFailed)).Set(float64(stats.Failed))
}

func (m *Metrics) SetPendingStats(stats domain.PendingStats) {
	if m == nil {
		return
	}
	m.PendingBacklog.WithLabelValues(string(domain.RetryPhaseQuick)).Set(float64(stats.Quick))
	m.PendingBacklog.WithLabelValues(string(domain.RetryPhaseBackoff)).Set(float64(stats.Backoff))
	m.PendingBacklog.WithLabelValues(string(domain.RetryPhaseFinal)).Set(float64(stats.Final))
}

func (m *Metrics) RecordCronRun(job string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.CronRuns.WithLabelValues(job, result).Inc()
}
