package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/iago/recording-reconciler/internal/domain"
	"github.com/iago/recording-reconciler/internal/http/middleware"
	"github.com/iago/recording-reconciler/internal/logger"
	"github.com/iago/recording-reconciler/internal/review"
	"github.com/iago/recording-reconciler/internal/scheduler"
	"github.com/iago/recording-reconciler/internal/service"
	"github.com/iago/recording-reconciler/internal/transcription"
)

var errInvalidPayload = errors.New("invalid payload")

// Store is the read side the handlers need beyond the services.
type Store interface {
	Ping(ctx context.Context) error
	GetLivePending(ctx context.Context, callID string) (*domain.PendingRecording, error)
	GetJobByCall(ctx context.Context, callID string) (*domain.TranscriptionJob, error)
}

type API struct {
	calls     *service.CallsService
	review    *review.Service
	scheduler *scheduler.Scheduler
	queue     *transcription.Queue
	store     Store
	logger    logrus.FieldLogger
}

type Dependencies struct {
	Calls     *service.CallsService
	Review    *review.Service
	Scheduler *scheduler.Scheduler
	Queue     *transcription.Queue
	Store     Store
	Logger    logrus.FieldLogger
}

func NewAPI(deps Dependencies) *API {
	return &API{
		calls:     deps.Calls,
		review:    deps.Review,
		scheduler: deps.Scheduler,
		queue:     deps.Queue,
		store:     deps.Store,
		logger:    logger.OrDiscard(deps.Logger),
	}
}

type errorPayload struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
	RequestID string `json:"request_id"`
}

func writeJSON(w http.ResponseWriter, statusCode int, value any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(value)
}

func writeError(w http.ResponseWriter, r *http.Request, statusCode int, code, message string) {
	payload := errorPayload{RequestID: middleware.GetRequestID(r.Context())}
	payload.Error.Code = code
	payload.Error.Message = message
	writeJSON(w, statusCode, payload)
}

// writeInternal logs err with the request id and hides it from the client.
func (api *API) writeInternal(w http.ResponseWriter, r *http.Request, message string, err error) {
	api.logger.WithError(err).WithField("request_id", middleware.GetRequestID(r.Context())).Error(message)
	writeError(w, r, http.StatusInternalServerError, "internal_error", message)
}

func decodeJSON(r *http.Request, value any) error {
	decoder := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(value); err != nil {
		return errInvalidPayload
	}
	return nil
}

func queryInt(r *http.Request, key string, fallback int) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return fallback, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < 0 {
		return 0, errInvalidPayload
	}
	return value, nil
}
