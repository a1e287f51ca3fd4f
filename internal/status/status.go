// Package status provides the HTTP surface of the auricle daemon.
//
// The package exposes four endpoints:
//
//   - /healthz: liveness probe; always returns 200 OK.
//   - /readyz: readiness probe; returns 200 only when all registered
//     [Checker] functions pass.
//   - /status: JSON snapshot of pipeline state and telemetry.
//   - /metrics: Prometheus scrape endpoint backed by the OTel bridge.
//
// Health responses are JSON objects with a top-level "status" field ("ok" or
// "fail") and a "checks" map containing the result of each named checker.
package status

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/auricle-dev/auricle/internal/capture"
	"github.com/auricle-dev/auricle/internal/coordinator"
	"github.com/auricle-dev/auricle/internal/playback"
	"github.com/auricle-dev/auricle/internal/processor"
	"github.com/auricle-dev/auricle/pkg/vad"
)

// checkTimeout is the maximum time a single readiness check may take before
// the context is cancelled.
const checkTimeout = 5 * time.Second

// Checker is a named health check function. The Check function should return
// nil when the dependency is healthy and a non-nil error describing the
// failure otherwise.
type Checker struct {
	// Name is a short, human-readable label for this check (e.g. "device",
	// "sink"). It appears as a key in the JSON response.
	Name string

	// Check probes the dependency. It must respect context cancellation.
	Check func(ctx context.Context) error
}

// Snapshot is the /status response body.
type Snapshot struct {
	Mode            string            `json:"mode"`
	CoordinatorMode string            `json:"coordinator_mode"`
	Capture         capture.Stats     `json:"capture"`
	CaptureMetrics  capture.Metrics   `json:"capture_metrics"`
	Playback        playback.Stats    `json:"playback"`
	Processor       processor.Stats   `json:"processor"`
	Coordinator     coordinator.Stats `json:"coordinator"`
	VAD             vad.Stats         `json:"vad"`
}

// SnapshotFunc produces the current pipeline snapshot for /status.
type SnapshotFunc func() Snapshot

// result is the JSON response body for health endpoints.
type result struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Handler serves the status endpoints. It is safe for concurrent use; the
// checker list is fixed at construction time.
type Handler struct {
	snapshot SnapshotFunc
	checkers []Checker
}

// New creates a [Handler] that evaluates the given checkers on each /readyz
// request and serves snapshot on /status. snapshot may be nil, in which case
// /status returns an empty object.
func New(snapshot SnapshotFunc, checkers ...Checker) *Handler {
	if snapshot == nil {
		snapshot = func() Snapshot { return Snapshot{} }
	}
	c := make([]Checker, len(checkers))
	copy(c, checkers)
	return &Handler{snapshot: snapshot, checkers: c}
}

// Healthz is a liveness probe that always returns 200 OK. A running process
// that can serve HTTP is considered alive.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, result{Status: "ok"})
}

// Readyz is a readiness probe that returns 200 only when every registered
// [Checker] passes. Each checker is given a context with a [checkTimeout]
// deadline derived from the request context.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string, len(h.checkers))
	allOK := true

	for _, c := range h.checkers {
		ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
		err := c.Check(ctx)
		cancel()

		if err != nil {
			checks[c.Name] = "fail: " + err.Error()
			allOK = false
		} else {
			checks[c.Name] = "ok"
		}
	}

	res := result{
		Status: "ok",
		Checks: checks,
	}
	status := http.StatusOK
	if !allOK {
		res.Status = "fail"
		status = http.StatusServiceUnavailable
	}

	writeJSON(w, status, res)
}

// Status serves the pipeline snapshot.
func (h *Handler) Status(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.snapshot())
}

// Register adds the status routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
	mux.HandleFunc("GET /status", h.Status)
	mux.Handle("GET /metrics", promhttp.Handler())
}

// writeJSON encodes v as JSON and writes it with the given status code. On
// encoding failure it falls back to a plain-text 500 response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}
