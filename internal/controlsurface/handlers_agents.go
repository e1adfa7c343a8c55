package controlsurface

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/qaforge/orchestrator-core/internal/registry"
)

func (s *Server) handleRegisterAgent(w http.ResponseWriter, r *http.Request) {
	var def registry.AgentDefinition
	if err := json.NewDecoder(r.Body).Decode(&def); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	id, err := s.reg.Register(def)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func (s *Server) handleImportAgent(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	format := registry.Format(r.URL.Query().Get("format"))
	id, err := s.reg.ImportFromText(body, format)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func (s *Server) handleExportAgent(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")
	version := chi.URLParam(r, "version")
	format := registry.Format(r.URL.Query().Get("format"))
	text, err := s.reg.ExportToText(agentID, version, format)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(text)
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	filter := registry.Filter{
		Status: registry.AgentStatus(r.URL.Query().Get("status")),
		Goal:   registry.GoalKind(r.URL.Query().Get("goal")),
	}
	writeJSON(w, http.StatusOK, s.reg.List(filter))
}

func (s *Server) handleListVersions(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")
	writeJSON(w, http.StatusOK, s.reg.ListVersions(agentID))
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")
	version := chi.URLParam(r, "version")
	def, err := s.reg.Get(agentID, version)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, def)
}

func (s *Server) handlePublishAgent(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")
	version := chi.URLParam(r, "version")
	if err := s.reg.Publish(agentID, version); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeprecateAgent(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")
	version := chi.URLParam(r, "version")
	if err := s.reg.Deprecate(agentID, version); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeleteAgent(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")
	version := chi.URLParam(r, "version")
	if err := s.reg.Delete(agentID, version); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// statusFor maps the spec §7 error taxonomy's sentinel errors to HTTP
// status codes for the control surface's responses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, registry.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, registry.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, registry.ErrConflict):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
