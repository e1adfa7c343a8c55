package controlsurface

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/qaforge/orchestrator-core/internal/reslock"
	"github.com/qaforge/orchestrator-core/internal/runtime"
)

type startInstanceRequest struct {
	AgentID string `json:"agent_id"`
	Version string `json:"version,omitempty"`
}

func (s *Server) handleStartInstance(w http.ResponseWriter, r *http.Request) {
	var req startInstanceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	instanceID, err := s.rt.StartAgent(r.Context(), req.AgentID, req.Version)
	if err != nil {
		writeError(w, instanceStatusFor(err), err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"instance_id": instanceID})
}

func (s *Server) handleListInstances(w http.ResponseWriter, r *http.Request) {
	filter := runtime.Filter{
		AgentID: r.URL.Query().Get("agent_id"),
		State:   runtime.InstanceState(r.URL.Query().Get("state")),
	}
	writeJSON(w, http.StatusOK, s.rt.ListInstances(filter))
}

func (s *Server) handleInstanceStatus(w http.ResponseWriter, r *http.Request) {
	instanceID := chi.URLParam(r, "instanceID")
	snap, err := s.rt.Status(instanceID)
	if err != nil {
		writeError(w, instanceStatusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleStopInstance(w http.ResponseWriter, r *http.Request) {
	instanceID := chi.URLParam(r, "instanceID")
	if err := s.rt.StopAgent(r.Context(), instanceID); err != nil {
		writeError(w, instanceStatusFor(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePauseInstance(w http.ResponseWriter, r *http.Request) {
	instanceID := chi.URLParam(r, "instanceID")
	if err := s.rt.PauseAgent(instanceID); err != nil {
		writeError(w, instanceStatusFor(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleResumeInstance(w http.ResponseWriter, r *http.Request) {
	instanceID := chi.URLParam(r, "instanceID")
	if err := s.rt.ResumeAgent(instanceID); err != nil {
		writeError(w, instanceStatusFor(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type dispatchRequest struct {
	Message string `json:"message"`
}

func (s *Server) handleDispatchMessage(w http.ResponseWriter, r *http.Request) {
	instanceID := chi.URLParam(r, "instanceID")
	var req dispatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	taskID, err := s.rt.Dispatch(r.Context(), instanceID, req.Message)
	if err != nil {
		writeError(w, instanceStatusFor(err), err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"task_id": taskID})
}

func (s *Server) handleLockStatus(w http.ResponseWriter, r *http.Request) {
	resourceID := chi.URLParam(r, "resourceID")
	status, err := s.locks.Status(r.Context(), resourceID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func instanceStatusFor(err error) int {
	switch {
	case errors.Is(err, runtime.ErrInstanceNotFound):
		return http.StatusNotFound
	case errors.Is(err, runtime.ErrInstanceNotRunning), errors.Is(err, runtime.ErrInstanceTerminal), errors.Is(err, runtime.ErrInstanceError):
		return http.StatusConflict
	case errors.Is(err, runtime.ErrQueueFull):
		return http.StatusTooManyRequests
	case errors.Is(err, reslock.ErrTimedOut):
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}
