package transcription

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/iago/recording-reconciler/internal/domain"
)

var (
	// ErrPermanent marks a failure that retrying cannot fix.
	ErrPermanent = errors.New("permanent transcription failure")
	// ErrNotOwner is returned when a completion comes from a worker that no
	// longer holds the job.
	ErrNotOwner    = errors.New("job not held by worker")
	ErrPollTimeout = errors.New("transcription poll timed out")
)

var permanentCodes = map[string]struct{}{
	"short_call":        {},
	"no_recording":      {},
	"recording_missing": {},
}

// EngineError is a failure reported by the transcription engine.
type EngineError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *EngineError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("engine error %d (%s): %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("engine error %d: %s", e.StatusCode, e.Message)
}

// Classify reports whether err is permanent. Engine 404s and the
// short_call/no_recording/recording_missing codes are permanent, as is
// anything wrapping ErrPermanent. Everything else is retried.
func Classify(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrPermanent) {
		return true
	}
	var engineErr *EngineError
	if errors.As(err, &engineErr) {
		if engineErr.StatusCode == http.StatusNotFound {
			return true
		}
		if _, ok := permanentCodes[strings.ToLower(strings.TrimSpace(engineErr.Code))]; ok {
			return true
		}
	}
	return false
}

// Outcome converts a run result into the completion reported to the queue.
func Outcome(err error) domain.JobOutcome {
	if err == nil {
		return domain.JobOutcome{Success: true}
	}
	return domain.JobOutcome{Permanent: Classify(err), Error: err.Error()}
}
