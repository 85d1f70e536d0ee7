package httpserver

import (
	"context"
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/iago/recording-reconciler/internal/http/handlers"
	"github.com/iago/recording-reconciler/internal/http/middleware"
	"github.com/iago/recording-reconciler/internal/metrics"
)

type RouterDependencies struct {
	API            *handlers.API
	Logger         logrus.FieldLogger
	Metrics        *metrics.Metrics
	AuthToken      string
	RateLimitRPS   float64
	RateLimitBurst int
}

// NewRouter builds the operations API. ctx bounds the rate limiter janitor.
func NewRouter(ctx context.Context, deps RouterDependencies) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", deps.API.Health)
	mux.Handle("GET /metrics", deps.Metrics.Handler())
	mux.HandleFunc("POST /v1/calls", deps.API.IngestCall)
	mux.HandleFunc("GET /v1/calls/{id}", deps.API.GetCall)
	mux.HandleFunc("GET /v1/review", deps.API.ListReview)
	mux.HandleFunc("POST /v1/review/{id}/resolve", deps.API.ResolveReview)
	mux.HandleFunc("GET /v1/stats", deps.API.Stats)

	limiter := middleware.NewIPRateLimiter(ctx, deps.RateLimitRPS, deps.RateLimitBurst)

	handler := http.Handler(mux)
	handler = middleware.Auth(deps.AuthToken)(handler)
	handler = limiter.Middleware(handler)
	handler = middleware.Trace(deps.Logger, deps.Metrics)(handler)
	handler = middleware.RequestID(handler)

	return handler
}
