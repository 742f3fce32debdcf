// Package health serves the keep-alive, readiness and metrics endpoints.
package health

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/gorilla/mux"
	"github.com/maneesh/permastore/internal/storage"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// DefaultCheckTimeout bounds one readiness probe of a backend
const DefaultCheckTimeout = 2 * time.Second

// Handler serves the probe endpoints
type Handler struct {
	checks  map[string]storage.Pinger
	metrics http.Handler
	timeout time.Duration
	logger  *slog.Logger
}

// NewHandler creates a Handler. checks maps backend names to pingers probed by /ready;
// metrics may be nil.
func NewHandler(checks map[string]storage.Pinger, metrics http.Handler, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if checks == nil {
		checks = map[string]storage.Pinger{}
	}
	return &Handler{
		checks:  checks,
		metrics: metrics,
		timeout: DefaultCheckTimeout,
		logger:  logger,
	}
}

// Router builds the mux router. Probe routes are not traced; /ready is.
func (h *Handler) Router() *mux.Router {
	router := mux.NewRouter()

	router.HandleFunc("/", h.alive).Methods(http.MethodGet, http.MethodHead)
	router.HandleFunc("/health", h.alive).Methods(http.MethodGet, http.MethodHead)
	router.Handle("/ready", otelhttp.NewHandler(http.HandlerFunc(h.ready), "GET /ready")).Methods(http.MethodGet)
	if h.metrics != nil {
		router.Handle("/metrics", h.metrics).Methods(http.MethodGet)
	}
	return router
}

func (h *Handler) alive(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

type readyResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

func (h *Handler) ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	resp := readyResponse{Status: "ok", Checks: make(map[string]string, len(names))}
	status := http.StatusOK
	for _, name := range names {
		if err := h.checks[name].Ping(ctx); err != nil {
			h.logger.Warn("readiness check failed", "backend", name, "error", err)
			resp.Checks[name] = err.Error()
			resp.Status = "unavailable"
			status = http.StatusServiceUnavailable
			continue
		}
		resp.Checks[name] = "ok"
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(resp)
}

// NewServer wraps the router in an http.Server
func NewServer(addr string, h *Handler) *http.Server {
	return &http.Server{
		Addr:         addr,
		Handler:      h.Router(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}
