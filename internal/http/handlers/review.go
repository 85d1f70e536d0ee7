package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/iago/recording-reconciler/internal/domain"
	"github.com/iago/recording-reconciler/internal/repository"
	"github.com/iago/recording-reconciler/internal/review"
)

type reviewListResponse struct {
	Items    []reviewItemView `json:"items"`
	Total    int              `json:"total"`
	Page     int              `json:"page"`
	PageSize int              `json:"page_size"`
}

type resolveRequest struct {
	RecordingURL string `json:"recording_url"`
	ResolvedBy   string `json:"resolved_by"`
}

// ListReview handles GET /v1/review?status=pending&page=1&page_size=20.
func (api *API) ListReview(w http.ResponseWriter, r *http.Request) {
	status := domain.ReviewStatus(strings.TrimSpace(r.URL.Query().Get("status")))
	switch status {
	case "":
		status = domain.ReviewStatusPending
	case domain.ReviewStatusPending, domain.ReviewStatusResolved:
	default:
		writeError(w, r, http.StatusBadRequest, "invalid_status", "status must be pending or resolved")
		return
	}

	page, err := queryInt(r, "page", 1)
	if err != nil || page == 0 {
		writeError(w, r, http.StatusBadRequest, "invalid_page", "page must be a positive integer")
		return
	}
	pageSize, err := queryInt(r, "page_size", 20)
	if err != nil || pageSize == 0 || pageSize > 100 {
		writeError(w, r, http.StatusBadRequest, "invalid_page_size", "page_size must be between 1 and 100")
		return
	}

	items, total, err := api.review.List(r.Context(), domain.UnmatchedFilter{Status: status, Page: page, PageSize: pageSize})
	if err != nil {
		api.writeInternal(w, r, "failed to list review queue", err)
		return
	}

	views := make([]reviewItemView, 0, len(items))
	for _, item := range items {
		views = append(views, newReviewItemView(item))
	}
	writeJSON(w, http.StatusOK, reviewListResponse{Items: views, Total: total, Page: page, PageSize: pageSize})
}

// ResolveReview handles POST /v1/review/{id}/resolve.
func (api *API) ResolveReview(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("id"))

	var req resolveRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_payload", "request body must contain recording_url")
		return
	}

	job, err := api.review.Resolve(r.Context(), id, req.RecordingURL, req.ResolvedBy)
	switch {
	case err == nil:
	case errors.Is(err, review.ErrInvalidURL):
		writeError(w, r, http.StatusBadRequest, "invalid_url", err.Error())
		return
	case errors.Is(err, repository.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "not_found", "review entry not found")
		return
	case errors.Is(err, review.ErrAlreadyResolved):
		writeError(w, r, http.StatusConflict, "already_resolved", err.Error())
		return
	default:
		api.writeInternal(w, r, "failed to resolve review entry", err)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{"job": newJobView(job)})
}
