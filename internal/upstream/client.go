package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"github.com/iago/recording-reconciler/internal/domain"
	"github.com/iago/recording-reconciler/internal/logger"
	"github.com/iago/recording-reconciler/internal/metrics"
)

type ClientConfig struct {
	BaseURL         string
	AuthToken       string
	CallerID        string
	Limit           int
	Timeout         time.Duration
	RetryMaxElapsed time.Duration
	FetchWindow     time.Duration
	// Location is used for timestamps the upstream sends without an offset.
	Location *time.Location
}

// Query describes the call whose recording is being searched for.
type Query struct {
	LeadID          string
	UpstreamCallID  string
	// AgentName is searched with the time window when the call carries no
	// usable lead id or upstream call id.
	AgentName       string
	StartedAt       time.Time
	DurationSeconds int
}

// Client searches the upstream platform for call recordings.
type Client struct {
	config     ClientConfig
	httpClient *http.Client
	throttle   Throttle
	cache      *CandidateCache
	metrics    *metrics.Metrics
	logger     logrus.FieldLogger
}

type ClientOption func(*Client)

func WithThrottle(throttle Throttle) ClientOption {
	return func(c *Client) { c.throttle = throttle }
}

func WithCache(cache *CandidateCache) ClientOption {
	return func(c *Client) { c.cache = cache }
}

func WithMetrics(m *metrics.Metrics) ClientOption {
	return func(c *Client) { c.metrics = m }
}

func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = httpClient }
}

func NewClient(config ClientConfig, log logrus.FieldLogger, opts ...ClientOption) *Client {
	if config.Limit <= 0 {
		config.Limit = 20
	}
	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Second
	}
	if config.RetryMaxElapsed <= 0 {
		config.RetryMaxElapsed = 5 * time.Second
	}
	if config.FetchWindow <= 0 {
		config.FetchWindow = 10 * time.Minute
	}
	if config.Location == nil {
		config.Location = time.UTC
	}
	if strings.TrimSpace(config.CallerID) == "" {
		config.CallerID = "default"
	}
	config.BaseURL = strings.TrimRight(config.BaseURL, "/")

	client := &Client{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
		logger:     logger.OrDiscard(log),
	}
	for _, opt := range opts {
		opt(client)
	}
	return client
}

// FetchRecordings returns the recordings that fall inside the query's window.
// Calls with a lead id or upstream call id are searched by lead; the rest are
// searched by agent over the window.
func (c *Client) FetchRecordings(ctx context.Context, query Query) ([]domain.RecordingCandidate, error) {
	leadID := domain.NormalizeLeadID(query.LeadID)
	callID := strings.TrimSpace(query.UpstreamCallID)
	agent := strings.TrimSpace(query.AgentName)

	var (
		path      string
		params    = url.Values{}
		signature string
	)
	switch {
	case leadID != "" || callID != "":
		path = "/leads/get-recordings"
		if leadID != "" {
			params.Set("lead_id", leadID)
		}
		if callID != "" {
			params.Set("call_id", callID)
		}
		signature = c.cache.BuildSignature("lead", leadID, callID, strconv.Itoa(c.config.Limit))
	case agent != "":
		from, to := searchWindow(query, c.config.FetchWindow)
		path = "/users/get-recordings"
		params.Set("user", agent)
		params.Set("start_time", from.In(c.config.Location).Format(upstreamTimeLayout))
		params.Set("end_time", to.In(c.config.Location).Format(upstreamTimeLayout))
		signature = c.cache.BuildSignature("agent", agent, params.Get("start_time"), params.Get("end_time"), strconv.Itoa(c.config.Limit))
	default:
		return nil, ErrUnsearchable
	}

	if entries, ok := c.cache.Get(signature); ok {
		c.metrics.RecordCacheLookup(true)
		return FilterWindow(entries, query, c.config.FetchWindow), nil
	}
	if c.cache != nil {
		c.metrics.RecordCacheLookup(false)
	}

	started := time.Now()
	entries, err := c.search(ctx, path, params)
	c.metrics.ObserveFetch(fetchResult(err), time.Since(started))
	if err != nil {
		return nil, err
	}

	c.cache.Set(signature, entries)
	return FilterWindow(entries, query, c.config.FetchWindow), nil
}

func fetchResult(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrNoRecording):
		return "no_recording"
	case errors.Is(err, ErrRateLimited), errors.Is(err, ErrThrottled):
		return "rate_limited"
	default:
		return "error"
	}
}

func (c *Client) search(ctx context.Context, path string, params url.Values) ([]domain.RecordingCandidate, error) {
	params.Set("auth_token", c.config.AuthToken)
	params.Set("limit", strconv.Itoa(c.config.Limit))
	endpoint := c.config.BaseURL + path + "?" + params.Encode()

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 200 * time.Millisecond
	policy.MaxElapsedTime = c.config.RetryMaxElapsed

	var payload recordingsResponse
	operation := func() error {
		if c.throttle != nil {
			if err := c.throttle.Wait(ctx, c.config.CallerID); err != nil {
				return backoff.Permanent(err)
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("build recordings request: %w", err))
		}
		req.Header.Set("Accept", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("request recordings: %w", err)
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
		if err != nil {
			return fmt.Errorf("read recordings response: %w", err)
		}

		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			return backoff.Permanent(ErrRateLimited)
		case resp.StatusCode >= 500:
			return &HTTPError{StatusCode: resp.StatusCode, Body: truncate(string(body))}
		case resp.StatusCode >= 300:
			return backoff.Permanent(&HTTPError{StatusCode: resp.StatusCode, Body: truncate(string(body))})
		}

		payload = recordingsResponse{}
		if err := json.Unmarshal(body, &payload); err != nil {
			return backoff.Permanent(fmt.Errorf("decode recordings response: %w", err))
		}
		return nil
	}

	if err := backoff.Retry(operation, backoff.WithContext(policy, ctx)); err != nil {
		c.logger.WithError(err).WithFields(logrus.Fields{
			"path":    path,
			"lead_id": params.Get("lead_id"),
			"user":    params.Get("user"),
		}).Warn("recording search failed")
		return nil, err
	}

	if !payload.Success {
		if isNoRecordingCode(payload.Error) {
			return nil, fmt.Errorf("%w: %s", ErrNoRecording, payload.Error)
		}
		return nil, fmt.Errorf("recording search unsuccessful: %s", payload.Error)
	}

	return c.toCandidates(payload.Data.Entries), nil
}

func isNoRecordingCode(code string) bool {
	switch strings.ToLower(strings.TrimSpace(code)) {
	case "no_recording", "no_recordings", "recording_not_found":
		return true
	}
	return false
}

func (c *Client) toCandidates(entries []recordingEntry) []domain.RecordingCandidate {
	candidates := make([]domain.RecordingCandidate, 0, len(entries))
	for _, entry := range entries {
		recordingURL := strings.TrimSpace(entry.URL)
		if recordingURL == "" {
			continue
		}
		startedAt, ok := parseTimestamp(entry.StartTime, c.config.Location)
		if !ok {
			c.logger.WithField("recording_id", string(entry.RecordingID)).Debug("skipping recording without start time")
			continue
		}

		duration := int(entry.Seconds)
		if duration <= 0 {
			if endedAt, ok := parseTimestamp(entry.EndTime, c.config.Location); ok && endedAt.After(startedAt) {
				duration = int(endedAt.Sub(startedAt).Seconds())
			}
		}

		candidates = append(candidates, domain.RecordingCandidate{
			RecordingID:     string(entry.RecordingID),
			LeadID:          string(entry.LeadID),
			URL:             recordingURL,
			StartedAt:       startedAt,
			DurationSeconds: duration,
		})
	}
	return candidates
}

func searchWindow(query Query, window time.Duration) (time.Time, time.Time) {
	from := query.StartedAt.Add(-window)
	to := query.StartedAt.Add(time.Duration(query.DurationSeconds)*time.Second + window)
	return from, to
}

// FilterWindow drops candidates outside [start-window, start+duration+window].
func FilterWindow(candidates []domain.RecordingCandidate, query Query, window time.Duration) []domain.RecordingCandidate {
	from, to := searchWindow(query, window)

	filtered := make([]domain.RecordingCandidate, 0, len(candidates))
	for _, candidate := range candidates {
		if candidate.StartedAt.Before(from) || candidate.StartedAt.After(to) {
			continue
		}
		filtered = append(filtered, candidate)
	}
	return filtered
}

func truncate(value string) string {
	const max = 512
	if len(value) <= max {
		return value
	}
	return value[:max]
}
