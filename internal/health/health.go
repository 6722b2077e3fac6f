// Package health provides HTTP liveness and readiness handlers.
//
//   - /healthz — liveness probe; returns 200 while the process serves HTTP.
//   - /readyz  — readiness probe; returns 200 only when every registered
//     [Checker] passes (e.g. the call ledger answers a ping).
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// checkTimeout caps a single readiness check.
const checkTimeout = 5 * time.Second

// Checker is a named readiness probe. Check returns nil when the dependency
// is usable and must respect context cancellation.
type Checker struct {
	Name  string
	Check func(ctx context.Context) error
}

// checkResult is the per-checker JSON fragment of a /readyz response.
type checkResult struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// response is the JSON body of both endpoints.
type response struct {
	Status string                 `json:"status"`
	Checks map[string]checkResult `json:"checks,omitempty"`
}

// Handler serves the health endpoints. The checker list is fixed at
// construction time, so it is safe for concurrent use.
type Handler struct {
	checkers []Checker
}

// New creates a [Handler] evaluating the given checkers, in order, on each
// /readyz request.
func New(checkers ...Checker) *Handler {
	c := make([]Checker, len(checkers))
	copy(c, checkers)
	return &Handler{checkers: c}
}

// Healthz always reports 200.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeResponse(w, http.StatusOK, response{Status: "ok"})
}

// Readyz runs every checker under a [checkTimeout] deadline derived from the
// request context and reports 503 if any fails.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]checkResult, len(h.checkers))
	status := http.StatusOK
	res := response{Status: "ok", Checks: checks}

	for _, c := range h.checkers {
		ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
		err := c.Check(ctx)
		cancel()

		if err != nil {
			checks[c.Name] = checkResult{Status: "fail", Error: err.Error()}
			res.Status = "fail"
			status = http.StatusServiceUnavailable
		} else {
			checks[c.Name] = checkResult{Status: "ok"}
		}
	}

	writeResponse(w, status, res)
}

// Register adds the /healthz and /readyz routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

func writeResponse(w http.ResponseWriter, status int, v response) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}
