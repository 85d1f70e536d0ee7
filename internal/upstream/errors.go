package upstream

import (
	"errors"
	"fmt"
)

var (
	// ErrNoRecording is the upstream's permanent answer that a lead has no recording.
	ErrNoRecording  = errors.New("upstream reports no recording")
	ErrRateLimited  = errors.New("upstream rate limited")
	ErrThrottled    = errors.New("recording search throttled")
	// ErrUnsearchable means the query has no lead id, upstream call id or agent.
	// It is not an upstream answer, so it is never permanent.
	ErrUnsearchable = errors.New("call has nothing to search recordings by")
)

// HTTPError carries a non-success upstream status.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("upstream returned status %d: %s", e.StatusCode, e.Body)
}

// IsPermanent reports whether err means the call will never get a recording
// from the upstream without manual intervention.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrNoRecording)
}
