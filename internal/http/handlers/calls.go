package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/iago/recording-reconciler/internal/repository"
	"github.com/iago/recording-reconciler/internal/service"
)

type ingestResponse struct {
	Call      *callView    `json:"call"`
	Duplicate bool         `json:"duplicate"`
	Pending   *pendingView `json:"pending,omitempty"`
	Job       *jobView     `json:"job,omitempty"`
}

type callStatusResponse struct {
	Call    *callView    `json:"call"`
	Pending *pendingView `json:"pending,omitempty"`
	Job     *jobView     `json:"job,omitempty"`
}

// IngestCall handles POST /v1/calls.
func (api *API) IngestCall(w http.ResponseWriter, r *http.Request) {
	var req service.IngestRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_payload", "request body must be a valid call record")
		return
	}

	result, err := api.calls.Ingest(r.Context(), req)
	if err != nil {
		if errors.Is(err, service.ErrInvalidCall) {
			writeError(w, r, http.StatusBadRequest, "invalid_call", err.Error())
			return
		}
		api.writeInternal(w, r, "failed to ingest call", err)
		return
	}

	status := http.StatusAccepted
	if result.Duplicate {
		status = http.StatusOK
	}
	writeJSON(w, status, ingestResponse{
		Call:      newCallView(result.Call),
		Duplicate: result.Duplicate,
		Pending:   newPendingView(result.Pending),
		Job:       newJobView(result.Job),
	})
}

// GetCall handles GET /v1/calls/{id}.
func (api *API) GetCall(w http.ResponseWriter, r *http.Request) {
	callID := strings.TrimSpace(r.PathValue("id"))
	if callID == "" {
		writeError(w, r, http.StatusNotFound, "not_found", "call not found")
		return
	}

	call, err := api.calls.GetCall(r.Context(), callID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, "not_found", "call not found")
			return
		}
		api.writeInternal(w, r, "failed to load call", err)
		return
	}

	response := callStatusResponse{Call: newCallView(call)}
	if pending, err := api.store.GetLivePending(r.Context(), callID); err == nil {
		response.Pending = newPendingView(pending)
	} else if !errors.Is(err, repository.ErrNotFound) {
		api.writeInternal(w, r, "failed to load reconciliation task", err)
		return
	}
	if job, err := api.store.GetJobByCall(r.Context(), callID); err == nil {
		response.Job = newJobView(job)
	} else if !errors.Is(err, repository.ErrNotFound) {
		api.writeInternal(w, r, "failed to load transcription job", err)
		return
	}
	writeJSON(w, http.StatusOK, response)
}
