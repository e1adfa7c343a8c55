package controlsurface

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/qaforge/orchestrator-core/internal/eventtypes"
)

var errEmptyType = errors.New("controlsurface: event type must not be empty")

type publishEventRequest struct {
	Type     string              `json:"type"`
	Payload  map[string]any      `json:"payload"`
	Priority eventtypes.Priority `json:"priority,omitempty"`
}

// handlePublishEvent exposes manual event injection (spec §6.3 "event
// injection (manual publish)").
func (s *Server) handlePublishEvent(w http.ResponseWriter, r *http.Request) {
	var req publishEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Type == "" {
		writeError(w, http.StatusBadRequest, errEmptyType)
		return
	}
	ev := eventtypes.New(req.Type, req.Payload, req.Priority)
	persisted, err := s.bus.Publish(r.Context(), ev)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	writeJSON(w, http.StatusCreated, persisted)
}
