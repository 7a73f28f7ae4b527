// Package httpapi serves the operational surface of the dispatcher: health,
// worker status and metrics. The product inference API lives elsewhere.
package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"dispatchd/pkg/types"
)

// Service is what the ops surface needs from the dispatch manager.
type Service interface {
	BrokerAlive() bool
	WorkerStatus() map[string]types.WorkerStatus
}

// NewMux builds the ops router: GET /healthz, /status, /metrics.
func NewMux(svc Service, logger zerolog.Logger) http.Handler {
	log := logger.With().Str("component", "httpapi").Logger()

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet},
	}))
	r.Use(requestLogger(log))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]bool{"ok": true})
	})

	r.Get("/status", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		body := types.StatusResponse{
			BrokerAlive: svc.BrokerAlive(),
			Workers:     svc.WorkerStatus(),
		}
		if err := json.NewEncoder(w).Encode(body); err != nil {
			log.Error().Err(err).Msg("failed to encode status response")
		}
	})

	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	return r
}

// requestLogger logs one line per request at debug level.
func requestLogger(log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			next.ServeHTTP(w, r)
			log.Debug().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Dur("duration", time.Since(start)).
				Msg("request")
		})
	}
}
