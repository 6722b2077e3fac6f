// Package server exposes the caredial HTTP surface: the operator API for
// placing and ending calls, the telephony callback receiver, the media
// websocket, and the status/health/metrics endpoints.
package server

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/caredial/caredial/internal/app"
	"github.com/caredial/caredial/internal/config"
	"github.com/caredial/caredial/internal/health"
	"github.com/caredial/caredial/internal/observe"
	"github.com/caredial/caredial/pkg/telephony"
	"github.com/caredial/caredial/pkg/telephony/acs"
)

// Server binds the HTTP routes to a call manager.
type Server struct {
	cfg       *config.Config
	manager   *app.CallManager
	format    telephony.OutboundFormat
	log       *slog.Logger
	startedAt time.Time
}

// New creates a Server around manager.
func New(cfg *config.Config, manager *app.CallManager) *Server {
	return &Server{
		cfg:       cfg,
		manager:   manager,
		format:    telephony.OutboundFormat(cfg.Telephony.OutboundFormat),
		log:       slog.Default(),
		startedAt: time.Now().UTC(),
	}
}

// Handler builds the route table. Every route is wrapped in the metrics
// middleware.
func (s *Server) Handler(metrics *observe.Metrics, checkers ...health.Checker) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/call", s.handleStartCall)
	mux.HandleFunc("DELETE /api/call/{id}", s.handleHangUp)
	mux.HandleFunc("POST /api/callbacks", s.handleCallbacks)
	mux.HandleFunc("GET /ws/media/{token}", s.handleMedia)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.Handle("GET /metrics", promhttp.Handler())
	health.New(checkers...).Register(mux)

	return observe.Middleware(metrics)(mux)
}

// ── /api/call ─────────────────────────────────────────────────────────────────

type startCallRequest struct {
	TargetNumber string `json:"target_number"`
	Instructions string `json:"instructions,omitempty"`
}

type startCallResponse struct {
	CallID           string `json:"call_id"`
	CallConnectionID string `json:"call_connection_id"`
}

func (s *Server) handleStartCall(w http.ResponseWriter, r *http.Request) {
	var req startCallRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.TargetNumber == "" {
		writeError(w, http.StatusBadRequest, "target_number is required")
		return
	}

	mc, err := s.manager.StartCall(r.Context(), req.TargetNumber, req.Instructions)
	if err != nil {
		observe.Logger(r.Context()).Error("start call failed", "target", req.TargetNumber, "err", err)
		writeError(w, http.StatusBadGateway, "call placement failed")
		return
	}

	writeJSON(w, http.StatusCreated, startCallResponse{
		CallID:           mc.ID,
		CallConnectionID: mc.ConnectionID,
	})
}

func (s *Server) handleHangUp(w http.ResponseWriter, r *http.Request) {
	callID := r.PathValue("id")
	if err := s.manager.HangUp(r.Context(), callID); err != nil {
		if errors.Is(err, app.ErrCallNotFound) {
			writeError(w, http.StatusNotFound, "unknown call")
			return
		}
		observe.Logger(r.Context()).Error("hangup failed", "call_id", callID, "err", err)
		writeError(w, http.StatusInternalServerError, "hangup failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ending"})
}

// ── /api/callbacks ────────────────────────────────────────────────────────────

// handleCallbacks receives telephony lifecycle events. The provider retries
// on non-2xx, so unknown or unparsable events are acknowledged after logging.
func (s *Server) handleCallbacks(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}
	events, err := acs.ParseEvents(data)
	if err != nil {
		observe.Logger(r.Context()).Warn("undecodable callback payload", "err", err)
		w.WriteHeader(http.StatusOK)
		return
	}

	for _, ev := range events {
		s.manager.HandleEvent(r.Context(), ev)
	}
	w.WriteHeader(http.StatusOK)
}

// ── /status ───────────────────────────────────────────────────────────────────

type statusResponse struct {
	Status string           `json:"status"`
	Uptime string           `json:"uptime"`
	Calls  []app.CallStatus `json:"calls"`
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, statusResponse{
		Status: "ok",
		Uptime: time.Since(s.startedAt).Round(time.Second).String(),
		Calls:  s.manager.Snapshot(),
	})
}

// ── helpers ───────────────────────────────────────────────────────────────────

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error":"encoding failed"}`, http.StatusInternalServerError)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
