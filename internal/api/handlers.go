package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/mattjoyce/logrun/internal/events"
)

// handleHealthz handles GET /healthz (no auth).
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	resp := HealthzResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		Phase:         s.status.Status().Phase,
		Version:       s.config.Version,
	}
	respondJSON(w, http.StatusOK, resp)
}

// handleStatus handles GET /status.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, StatusResponse{
		Status:        s.status.Status(),
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
	})
}

// handleEvents handles GET /events?since=N. Events are returned oldest
// first; a client polls with the last id it saw.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	since, ok := parseSince(r.URL.Query().Get("since"))
	if !ok {
		s.writeError(w, http.StatusBadRequest, "since must be a non-negative integer")
		return
	}

	resp := EventsResponse{Events: []events.Event{}, LastID: since}
	if s.events != nil {
		resp.Events = s.events.SnapshotSince(since)
	}
	if n := len(resp.Events); n > 0 {
		resp.LastID = resp.Events[n-1].ID
	}
	respondJSON(w, http.StatusOK, resp)
}

// handleOpenAPI handles GET /openapi.json (no auth).
func (s *Server) handleOpenAPI(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, buildOpenAPIDoc(s.config.Version, s.config.Token != ""))
}

func parseSince(v string) (int64, bool) {
	if v == "" {
		return 0, true
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response
func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}
