// Package router configures HTTP routes for the forecaster's HTTP API.
//
// Routes configured:
//   - GET /forecast/current?pv_id=<id> - Latest stored forecast of a site
//   - GET /predict?pv_id=<id>[&ts=<RFC 3339>] - Forecast computed on demand
//   - GET /healthz - Health check endpoint
//   - GET /metrics - Prometheus metrics endpoint
//
// Forecasts are JSON objects with null powers where the model has no
// prediction. Stored forecasts older than the stale threshold carry an
// X-Pvsite-Stale header.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/HatiCode/pvsite/pkg/datasources"
	"github.com/HatiCode/pvsite/pkg/httpx"
	"github.com/HatiCode/pvsite/pkg/models"
	"github.com/HatiCode/pvsite/pkg/rpc"
	"github.com/HatiCode/pvsite/pkg/storage"
)

// StaleHeader marks forecasts older than the stale threshold.
const StaleHeader = "X-Pvsite-Stale"

const (
	storeTimeout   = 2 * time.Second
	predictTimeout = 30 * time.Second
)

// Options configure SetupRoutes.
type Options struct {
	Store      storage.Store
	Predictor  rpc.Predictor
	StaleAfter time.Duration

	// Ready is the health check; nil means always healthy.
	Ready func() error

	// Metrics defaults to promhttp.Handler().
	Metrics http.Handler

	Logger *slog.Logger
}

// SetupRoutes configures HTTP endpoints for the forecaster.
func SetupRoutes(opts Options) *http.ServeMux {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	metricsHandler := opts.Metrics
	if metricsHandler == nil {
		metricsHandler = promhttp.Handler()
	}

	mux := http.NewServeMux()
	mux.Handle("GET /healthz", httpx.HealthHandlerWithCheck(opts.Ready))
	mux.HandleFunc("GET /forecast/current", handleGetSnapshot(opts.Store, opts.StaleAfter, logger))
	if opts.Predictor != nil {
		mux.HandleFunc("GET /predict", handlePredict(opts.Predictor, logger))
	}
	mux.Handle("GET /metrics", metricsHandler)
	return mux
}

func pvIDParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	pvID := r.URL.Query().Get("pv_id")
	if pvID == "" {
		httpx.WriteErrorMessage(w, http.StatusBadRequest, "pv_id parameter required")
		return "", false
	}
	if err := storage.ValidateKey(pvID); err != nil {
		httpx.WriteErrorMessage(w, http.StatusBadRequest, "invalid pv_id format")
		return "", false
	}
	return pvID, true
}

// handleGetSnapshot returns a handler for GET /forecast/current?pv_id=<id>.
func handleGetSnapshot(store storage.Store, staleAfter time.Duration, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		pvID, ok := pvIDParam(w, r)
		if !ok {
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), storeTimeout)
		defer cancel()

		snapshot, found, err := store.GetLatest(ctx, pvID)
		if err != nil {
			logger.Error("failed to get snapshot", "pv_id", pvID, "error", err)
			httpx.WriteErrorMessage(w, http.StatusInternalServerError, "internal server error")
			return
		}
		if !found {
			httpx.WriteErrorMessage(w, http.StatusNotFound, fmt.Sprintf("no forecast for pv %q", pvID))
			return
		}

		if staleAfter > 0 && time.Since(snapshot.GeneratedAt) > staleAfter {
			w.Header().Set(StaleHeader, "true")
		}
		if err := httpx.WriteJSON(w, http.StatusOK, snapshot); err != nil {
			logger.Error("failed to write JSON response", "error", err)
		}
	}
}

// handlePredict returns a handler for GET /predict?pv_id=<id>&ts=<time>.
func handlePredict(predictor rpc.Predictor, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		pvID, ok := pvIDParam(w, r)
		if !ok {
			return
		}
		ts := time.Now().UTC()
		if raw := r.URL.Query().Get("ts"); raw != "" {
			parsed, err := time.Parse(time.RFC3339, raw)
			if err != nil {
				httpx.WriteErrorMessage(w, http.StatusBadRequest, "ts must be RFC 3339")
				return
			}
			ts = parsed.UTC()
		}

		ctx, cancel := context.WithTimeout(r.Context(), predictTimeout)
		defer cancel()

		snapshot, err := predictor.PredictAt(ctx, pvID, ts)
		if err != nil {
			status := statusFromError(err)
			if status == http.StatusInternalServerError {
				logger.Error("prediction failed", "pv_id", pvID, "ts", ts, "error", err)
			}
			httpx.WriteError(w, status, err)
			return
		}
		if err := httpx.WriteJSON(w, http.StatusOK, snapshot); err != nil {
			logger.Error("failed to write JSON response", "error", err)
		}
	}
}

// statusFromError maps prediction errors to HTTP status codes.
func statusFromError(err error) int {
	switch {
	case errors.Is(err, datasources.ErrUnknownPvID):
		return http.StatusNotFound
	case errors.Is(err, models.ErrBeforeAllModels),
		errors.Is(err, models.ErrBeforeFirstForecast),
		errors.Is(err, datasources.ErrNoNwpAvailable),
		errors.Is(err, models.ErrNotTrained):
		return http.StatusUnprocessableEntity
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
