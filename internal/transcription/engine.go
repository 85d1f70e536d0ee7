package transcription

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"github.com/iago/recording-reconciler/internal/domain"
	"github.com/iago/recording-reconciler/internal/logger"
)

type EngineConfig struct {
	BaseURL         string
	APIKey          string
	Timeout         time.Duration
	RetryMaxElapsed time.Duration
	PollInterval    time.Duration
	PollTimeout     time.Duration
}

// EngineClient submits recordings to the transcription engine and waits for
// them to finish.
type EngineClient struct {
	config     EngineConfig
	httpClient *http.Client
	logger     logrus.FieldLogger
}

func NewEngineClient(config EngineConfig, log logrus.FieldLogger) *EngineClient {
	if config.Timeout <= 0 {
		config.Timeout = 15 * time.Second
	}
	if config.RetryMaxElapsed <= 0 {
		config.RetryMaxElapsed = 10 * time.Second
	}
	if config.PollInterval <= 0 {
		config.PollInterval = 2 * time.Second
	}
	if config.PollTimeout <= 0 {
		config.PollTimeout = 5 * time.Minute
	}
	config.BaseURL = strings.TrimRight(config.BaseURL, "/")
	return &EngineClient{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
		logger:     logger.OrDiscard(log),
	}
}

type submitRequest struct {
	CallID       string `json:"call_id"`
	RecordingURL string `json:"recording_url"`
}

type engineStatus struct {
	ID      string `json:"id"`
	Status  string `json:"status"`
	Error   string `json:"error"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Transcribe runs the job to completion on the engine.
func (c *EngineClient) Transcribe(ctx context.Context, job domain.TranscriptionJob) error {
	log := c.logger.WithFields(logrus.Fields{"job_id": job.ID, "call_id": job.CallID})

	body, err := json.Marshal(submitRequest{CallID: job.CallID, RecordingURL: job.RecordingURL})
	if err != nil {
		return fmt.Errorf("encode transcribe request: %w", err)
	}

	var submitted engineStatus
	if err := c.doJSON(ctx, http.MethodPost, c.config.BaseURL+"/transcribe", body, &submitted); err != nil {
		return err
	}
	if submitted.ID == "" {
		return fmt.Errorf("engine accepted job without id")
	}
	log.WithField("engine_id", submitted.ID).Info("transcription submitted")

	if done, err := terminal(submitted); done {
		return err
	}
	return c.poll(ctx, submitted.ID, log)
}

func (c *EngineClient) poll(ctx context.Context, engineID string, log logrus.FieldLogger) error {
	deadline := time.NewTimer(c.config.PollTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(c.config.PollInterval)
	defer ticker.Stop()

	endpoint := c.config.BaseURL + "/transcriptions/" + url.PathEscape(engineID)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return ErrPollTimeout
		case <-ticker.C:
		}

		var status engineStatus
		if err := c.doJSON(ctx, http.MethodGet, endpoint, nil, &status); err != nil {
			if Classify(err) {
				return err
			}
			log.WithError(err).Warn("polling transcription failed")
			continue
		}

		log.WithField("status", status.Status).Debug("polling transcription")
		if done, err := terminal(status); done {
			return err
		}
	}
}

func terminal(status engineStatus) (bool, error) {
	switch strings.ToLower(status.Status) {
	case "completed":
		return true, nil
	case "failed":
		code := status.Code
		if code == "" {
			code = status.Error
		}
		message := status.Message
		if message == "" {
			message = status.Error
		}
		return true, &EngineError{StatusCode: http.StatusOK, Code: code, Message: message}
	default:
		return false, nil
	}
}

func (c *EngineClient) doJSON(ctx context.Context, method, endpoint string, body []byte, target any) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 250 * time.Millisecond
	policy.MaxElapsedTime = c.config.RetryMaxElapsed

	operation := func() error {
		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("build engine request: %w", err))
		}
		req.Header.Set("Accept", "application/json")
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if c.config.APIKey != "" {
			req.Header.Set("Authorization", "Bearer "+c.config.APIKey)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("call engine: %w", err)
		}
		defer resp.Body.Close()

		raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return fmt.Errorf("read engine response: %w", err)
		}

		if resp.StatusCode >= 300 {
			engineErr := decodeEngineError(resp.StatusCode, raw)
			if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
				return engineErr
			}
			return backoff.Permanent(engineErr)
		}

		if err := json.Unmarshal(raw, target); err != nil {
			return backoff.Permanent(fmt.Errorf("decode engine response: %w", err))
		}
		return nil
	}

	return backoff.Retry(operation, backoff.WithContext(policy, ctx))
}

func decodeEngineError(statusCode int, raw []byte) *EngineError {
	engineErr := &EngineError{StatusCode: statusCode}

	var payload struct {
		Code    string          `json:"code"`
		Message string          `json:"message"`
		Error   json.RawMessage `json:"error"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		engineErr.Message = strings.TrimSpace(string(raw))
		return engineErr
	}
	engineErr.Code = payload.Code
	engineErr.Message = payload.Message

	if len(payload.Error) > 0 {
		var text string
		var nested struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		switch {
		case json.Unmarshal(payload.Error, &text) == nil:
			if engineErr.Code == "" {
				engineErr.Code = text
			}
		case json.Unmarshal(payload.Error, &nested) == nil:
			if engineErr.Code == "" {
				engineErr.Code = nested.Code
			}
			if engineErr.Message == "" {
				engineErr.Message = nested.Message
			}
		}
	}
	if engineErr.Message == "" {
		engineErr.Message = http.StatusText(statusCode)
	}
	return engineErr
}
