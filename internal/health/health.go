// Package health exposes the liveness and readiness probes of the Calm
// Recall server.
//
//   - /healthz — liveness; a process that can serve HTTP is alive.
//   - /readyz  — readiness; the caregiver companion app polls this before
//     offering to start a listening session.
//
// Readiness distinguishes two tiers of checks. Critical checks (the question
// database, the matching pipeline) flip readiness to 503 when they fail.
// Informational checks report conditions the caregiver should see but that
// must not take the authoring API down with them — most notably "no
// listening device attached", which is the normal state right after boot.
// When only informational checks fail the endpoint stays 200 with status
// "degraded".
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// checkTimeout bounds one readiness check. The database ping and the
// pipeline inspection are both sub-second in practice.
const checkTimeout = 3 * time.Second

// Checker is one named readiness probe.
type Checker struct {
	// Name keys the check in the JSON response (e.g. "database",
	// "pipeline", "listening").
	Name string

	// Check probes the subsystem. It must respect context cancellation and
	// return nil when healthy.
	Check func(ctx context.Context) error

	// Informational marks a check whose failure degrades the report without
	// flipping readiness to 503.
	Informational bool
}

// checkStatus is the per-check JSON fragment.
type checkStatus struct {
	OK        bool   `json:"ok"`
	Error     string `json:"error,omitempty"`
	LatencyMs int64  `json:"latency_ms"`
}

// report is the JSON response body. Status is "ok", "degraded" (only
// informational failures), or "unavailable".
type report struct {
	Status string                 `json:"status"`
	Checks map[string]checkStatus `json:"checks,omitempty"`
}

// Handler serves the health endpoints. The checker list is fixed at
// construction; safe for concurrent use.
type Handler struct {
	checkers []Checker
}

// New creates a [Handler]. Checkers run sequentially in the order given on
// every /readyz request.
func New(checkers ...Checker) *Handler {
	c := make([]Checker, len(checkers))
	copy(c, checkers)
	return &Handler{checkers: c}
}

// Healthz always answers 200.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, report{Status: "ok"})
}

// Readyz runs every checker and reports per-check outcome and latency.
// Any critical failure answers 503; informational failures alone answer 200
// with status "degraded".
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]checkStatus, len(h.checkers))
	criticalFailed := false
	degraded := false

	for _, c := range h.checkers {
		ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
		start := time.Now()
		err := c.Check(ctx)
		latency := time.Since(start)
		cancel()

		cs := checkStatus{OK: err == nil, LatencyMs: latency.Milliseconds()}
		if err != nil {
			cs.Error = err.Error()
			if c.Informational {
				degraded = true
			} else {
				criticalFailed = true
			}
		}
		checks[c.Name] = cs
	}

	rep := report{Status: "ok", Checks: checks}
	status := http.StatusOK
	switch {
	case criticalFailed:
		rep.Status = "unavailable"
		status = http.StatusServiceUnavailable
	case degraded:
		rep.Status = "degraded"
	}

	writeJSON(w, status, rep)
}

// Register adds the /healthz and /readyz routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}
