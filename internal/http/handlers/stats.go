package handlers

import (
	"net/http"

	"github.com/iago/recording-reconciler/internal/domain"
)

type statsResponse struct {
	Pending       domain.PendingStats `json:"pending"`
	Transcription domain.QueueStats   `json:"transcription"`
	Review        domain.ReviewCounts `json:"review"`
}

// Stats handles GET /v1/stats. Reading the stats also refreshes the gauges.
func (api *API) Stats(w http.ResponseWriter, r *http.Request) {
	pending, err := api.scheduler.Stats(r.Context())
	if err != nil {
		api.writeInternal(w, r, "failed to load pending stats", err)
		return
	}
	queue, err := api.queue.Stats(r.Context())
	if err != nil {
		api.writeInternal(w, r, "failed to load transcription stats", err)
		return
	}
	counts, err := api.review.Counts(r.Context())
	if err != nil {
		api.writeInternal(w, r, "failed to load review counts", err)
		return
	}
	writeJSON(w, http.StatusOK, statsResponse{Pending: pending, Transcription: queue, Review: counts})
}
