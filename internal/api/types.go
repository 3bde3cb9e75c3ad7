package api

import (
	"github.com/mattjoyce/logrun/internal/events"
	"github.com/mattjoyce/logrun/internal/run"
)

// ErrorResponse is returned on errors
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	Phase         string `json:"phase"`
	Version       string `json:"version,omitempty"`
}

// StatusResponse is returned by GET /status.
type StatusResponse struct {
	run.Status
	UptimeSeconds int64 `json:"uptime_seconds"`
}

// EventsResponse is returned by GET /events.
type EventsResponse struct {
	Events []events.Event `json:"events"`
	// LastID is the id to pass as ?since= on the next poll.
	LastID int64 `json:"last_id"`
}
