// Command loadtest runs the whole pipeline in-process against fake upstream
// and engine servers and reports latency percentiles per scenario.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/iago/recording-reconciler/internal/app"
	"github.com/iago/recording-reconciler/internal/config"
	httpserver "github.com/iago/recording-reconciler/internal/http"
	"github.com/iago/recording-reconciler/internal/http/handlers"
	"github.com/iago/recording-reconciler/internal/logger"
	"github.com/iago/recording-reconciler/internal/worker"
)

const (
	upstreamLayout = "2006-01-02 15:04:05"
	maxTicks       = 1000
)

type scenarioResult struct {
	Name          string   `json:"name"`
	Total         int      `json:"total"`
	Success       int      `json:"success"`
	Errors        int      `json:"errors"`
	P50MS         float64  `json:"p50_ms"`
	P95MS         float64  `json:"p95_ms"`
	P99MS         float64  `json:"p99_ms"`
	MaxMS         float64  `json:"max_ms"`
	ThroughputRPS float64  `json:"throughput_rps"`
	ErrorSamples  []string `json:"error_samples,omitempty"`
}

type pipelineResult struct {
	Ticks           int     `json:"ticks"`
	Matched         int     `json:"matched"`
	Abandoned       int     `json:"abandoned"`
	Transcribed     int     `json:"transcribed"`
	ReconcileMS     float64 `json:"reconcile_ms"`
	DrainMS         float64 `json:"drain_ms"`
	JobsPerSecond   float64 `json:"jobs_per_second"`
	PendingLeftOver int     `json:"pending_left_over"`
}

type runResult struct {
	GeneratedAtUTC string           `json:"generated_at_utc"`
	Environment    string           `json:"environment"`
	Results        []scenarioResult `json:"results"`
	Pipeline       pipelineResult   `json:"pipeline"`
	SLOEvaluation  map[string]bool  `json:"slo_evaluation"`
}

type benchmarkEnv struct {
	app       *app.App
	server    *httptest.Server
	upstream  *httptest.Server
	engine    *httptest.Server
	processor *worker.Processor
	recorded  *sync.Map
	cancel    context.CancelFunc
}

func (e *benchmarkEnv) Close() {
	e.cancel()
	e.server.Close()
	e.app.Close()
	e.upstream.Close()
	e.engine.Close()
}

func main() {
	withRecordingTotal := flag.Int("with-recording-total", 300, "ingest requests carrying a recording url")
	pendingTotal := flag.Int("pending-total", 300, "ingest requests without a recording url")
	concurrency := flag.Int("concurrency", 24, "concurrent http clients per scenario")
	statsTotal := flag.Int("stats-total", 120, "stats requests")
	outputPath := flag.String("output", "", "optional path to persist benchmark results JSON")
	flag.Parse()

	log := logger.Discard()
	env, err := startBenchmarkEnvironment(log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to start local benchmark environment: %v\n", err)
		os.Exit(1)
	}
	defer env.Close()

	client := &http.Client{Timeout: 10 * time.Second}
	base := time.Now().UTC().Add(-2 * time.Hour).Truncate(time.Second)

	withRecording := runScenario("ingest_with_recording", *withRecordingTotal, *concurrency, func(index int) error {
		payload := map[string]any{
			"lead_id":          fmt.Sprintf("LR-%d", index),
			"agent_name":       fmt.Sprintf("agent-%d", index%12),
			"started_at":       base.Add(time.Duration(index) * time.Second).Format(time.RFC3339),
			"duration_seconds": 60 + index%240,
			"recording_url":    fmt.Sprintf("https://recordings.local/direct-%d.mp3", index),
		}
		return postJSON(client, env.server.URL+"/v1/calls", payload, http.StatusAccepted)
	})

	pending := runScenario("ingest_pending", *pendingTotal, *concurrency, func(index int) error {
		leadID := fmt.Sprintf("LP-%d", index)
		startedAt := base.Add(time.Duration(index) * time.Second)
		duration := 60 + index%240
		env.recorded.Store(leadID, recordingEntry(index, leadID, startedAt, duration))
		payload := map[string]any{
			"lead_id":          leadID,
			"agent_name":       fmt.Sprintf("agent-%d", index%12),
			"started_at":       startedAt.Format(time.RFC3339),
			"duration_seconds": duration,
		}
		return postJSON(client, env.server.URL+"/v1/calls", payload, http.StatusAccepted)
	})

	stats := runScenario("stats", *statsTotal, *concurrency, func(int) error {
		return getJSON(client, env.server.URL+"/v1/stats", http.StatusOK)
	})

	pipeline := runPipeline(env)

	slo := map[string]bool{
		"ingest_p95_le_250ms":      withRecording.P95MS <= 250 && pending.P95MS <= 250,
		"stats_p95_le_500ms":       stats.P95MS <= 500,
		"all_pending_reconciled":   pipeline.PendingLeftOver == 0 && pipeline.Abandoned == 0,
		"every_job_transcribed":    pipeline.Transcribed == *withRecordingTotal+pipeline.Matched,
		"reconcile_under_a_minute": pipeline.ReconcileMS < 60_000,
	}

	report := runResult{
		GeneratedAtUTC: time.Now().UTC().Format(time.RFC3339Nano),
		Environment:    "local-httptest",
		Results:        []scenarioResult{withRecording, pending, stats},
		Pipeline:       pipeline,
		SLOEvaluation:  slo,
	}

	encoded, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to marshal benchmark report: %v\n", err)
		os.Exit(1)
	}
	if *outputPath != "" {
		if err := os.WriteFile(*outputPath, encoded, 0o644); err != nil {
			fmt.Fprintf(os.Stderr, "failed to write output file: %v\n", err)
			os.Exit(1)
		}
	}
	_, _ = fmt.Fprintln(os.Stdout, string(encoded))
}

func recordingEntry(index int, leadID string, startedAt time.Time, duration int) map[string]any {
	return map[string]any{
		"recording_id": fmt.Sprintf("rec-%d", index),
		"lead_id":      leadID,
		"start_time":   startedAt.Add(time.Second).Format(upstreamLayout),
		"seconds":      duration - 1,
		"url":          fmt.Sprintf("https://recordings.local/matched-%d.mp3", index),
	}
}

func startBenchmarkEnvironment(log logrus.FieldLogger) (*benchmarkEnv, error) {
	recorded := &sync.Map{}

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		entries := []any{}
		if entry, ok := recorded.Load(r.URL.Query().Get("lead_id")); ok {
			entries = append(entries, entry)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"success": true, "data": map[string]any{"entries": entries}})
	}))

	engine := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if r.Method == http.MethodPost {
			w.WriteHeader(http.StatusAccepted)
			_, _ = w.Write([]byte(`{"id":"eng","status":"queued"}`))
			return
		}
		_, _ = w.Write([]byte(`{"id":"eng","status":"completed"}`))
	}))

	cfg := config.Load()
	cfg.DatabaseURL = ""
	cfg.RedisAddr = ""
	cfg.UpstreamBaseURL = upstream.URL
	cfg.UpstreamTimezone = "UTC"
	cfg.EngineBaseURL = engine.URL
	cfg.EnginePollInterval = time.Millisecond
	cfg.ThrottleRPS = 10_000
	cfg.ThrottleBurst = 10_000
	cfg.SchedulerBatchSize = 200
	cfg.TranscriptionDrainMaxJobs = 1_000_000
	cfg.TranscriptionSignalBuffer = 16_384

	ctx, cancel := context.WithCancel(context.Background())
	a, err := app.Build(ctx, cfg, log)
	if err != nil {
		cancel()
		upstream.Close()
		engine.Close()
		return nil, err
	}

	api := handlers.NewAPI(handlers.Dependencies{
		Calls:     a.Calls,
		Review:    a.Review,
		Scheduler: a.Scheduler,
		Queue:     a.Jobs,
		Store:     a.Store,
		Logger:    log,
	})
	router := httpserver.NewRouter(ctx, httpserver.RouterDependencies{
		API:            api,
		Logger:         log,
		Metrics:        a.Metrics,
		RateLimitRPS:   20000,
		RateLimitBurst: 20000,
	})

	// No consumer: the benchmark drains explicitly so it can time the drain.
	processor := worker.NewProcessor(nil, a.Jobs, a.Engine, a.Store, worker.ProcessorConfig{
		WorkerID:        "loadtest",
		MaxJobsPerDrain: cfg.TranscriptionDrainMaxJobs,
	}, log)

	return &benchmarkEnv{
		app:       a,
		server:    httptest.NewServer(router),
		upstream:  upstream,
		engine:    engine,
		processor: processor,
		recorded:  recorded,
		cancel:    cancel,
	}, nil
}

func runPipeline(env *benchmarkEnv) pipelineResult {
	ctx := context.Background()
	var result pipelineResult

	started := time.Now()
	for result.Ticks < maxTicks {
		report, err := env.app.Scheduler.Tick(ctx)
		if err != nil {
			break
		}
		result.Ticks++
		result.Matched += report.Matched
		result.Abandoned += report.Abandoned
		if report.Claimed == 0 {
			break
		}
	}
	result.ReconcileMS = round2(float64(time.Since(started).Microseconds()) / 1000.0)

	started = time.Now()
	transcribed, _ := env.processor.Drain(ctx)
	elapsed := time.Since(started)
	result.Transcribed = transcribed
	result.DrainMS = round2(float64(elapsed.Microseconds()) / 1000.0)
	if elapsed > 0 {
		result.JobsPerSecond = round2(float64(transcribed) / elapsed.Seconds())
	}

	if stats, err := env.app.Scheduler.Stats(ctx); err == nil {
		result.PendingLeftOver = stats.Quick + stats.Backoff + stats.Final
	}
	return result
}

func runScenario(
	name string,
	total int,
	concurrency int,
	requestFn func(index int) error,
) scenarioResult {
	if total <= 0 {
		return scenarioResult{Name: name}
	}
	if concurrency <= 0 {
		concurrency = 1
	}

	startedAt := time.Now()
	type sample struct {
		durationMS float64
		err        string
	}

	jobs := make(chan int, total)
	results := make(chan sample, total)
	for i := 0; i < total; i++ {
		jobs <- i
	}
	close(jobs)

	var wg sync.WaitGroup
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for index := range jobs {
				requestStart := time.Now()
				err := requestFn(index)
				s := sample{durationMS: float64(time.Since(requestStart).Microseconds()) / 1000.0}
				if err != nil {
					s.err = err.Error()
				}
				results <- s
			}
		}()
	}
	wg.Wait()
	close(results)

	durations := make([]float64, 0, total)
	errorSamples := make([]string, 0, 5)
	success := 0
	for item := range results {
		durations = append(durations, item.durationMS)
		if item.err == "" {
			success++
			continue
		}
		if len(errorSamples) < 5 {
			errorSamples = append(errorSamples, item.err)
		}
	}

	sort.Float64s(durations)
	elapsedSeconds := time.Since(startedAt).Seconds()
	throughput := 0.0
	if elapsedSeconds > 0 {
		throughput = float64(total) / elapsedSeconds
	}

	return scenarioResult{
		Name:          name,
		Total:         total,
		Success:       success,
		Errors:        total - success,
		P50MS:         percentile(durations, 0.50),
		P95MS:         percentile(durations, 0.95),
		P99MS:         percentile(durations, 0.99),
		MaxMS:         percentile(durations, 1.00),
		ThroughputRPS: round2(throughput),
		ErrorSamples:  errorSamples,
	}
}

func postJSON(client *http.Client, url string, payload any, expectedStatus int) error {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	request, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(encoded))
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	request.Header.Set("Content-Type", "application/json")
	return do(client, request, expectedStatus)
}

func getJSON(client *http.Client, url string, expectedStatus int) error {
	request, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	return do(client, request, expectedStatus)
}

func do(client *http.Client, request *http.Request, expectedStatus int) error {
	request.Header.Set("Accept", "application/json")
	response, err := client.Do(request)
	if err != nil {
		return err
	}
	defer response.Body.Close()

	if response.StatusCode != expectedStatus {
		body, _ := io.ReadAll(io.LimitReader(response.Body, 1024))
		return fmt.Errorf("unexpected status %d (expected %d): %s", response.StatusCode, expectedStatus, strings.TrimSpace(string(body)))
	}
	_, _ = io.Copy(io.Discard, response.Body)
	return nil
}

func percentile(values []float64, p float64) float64 {
	if len(values) == 0 {
		return 0
	}
	if p <= 0 {
		return round2(values[0])
	}
	if p >= 1 {
		return round2(values[len(values)-1])
	}
	rank := int(math.Ceil(float64(len(values))*p)) - 1
	if rank < 0 {
		rank = 0
	}
	if rank >= len(values) {
		rank = len(values) - 1
	}
	return round2(values[rank])
}

func round2(value float64) float64 {
	return math.Round(value*100) / 100
}
