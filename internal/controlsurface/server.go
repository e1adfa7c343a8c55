// Package controlsurface implements the thin request-routing surface
// described at spec §6.3: CRUD over agents, runtime control
// (start/stop/pause/resume/status), and manual event injection, plus a
// join point for the streaming push surface (internal/progress). The
// HTTP/WebSocket serving layer itself is explicitly out of scope (spec
// §1); this package is the one concrete stub the spec calls for so the
// contract is exercised against the real components rather than left
// undocumented. Grounded on the teacher's cmd/nexus/handlers_*.go
// convention (one handler file per concern, thin delegation into
// internal packages) using github.com/go-chi/chi/v5 (from
// kadirpekel-hector's go.mod) for routing.
package controlsurface

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/qaforge/orchestrator-core/internal/eventbus"
	"github.com/qaforge/orchestrator-core/internal/progress"
	"github.com/qaforge/orchestrator-core/internal/registry"
	"github.com/qaforge/orchestrator-core/internal/reslock"
	"github.com/qaforge/orchestrator-core/internal/runtime"
)

// Server exposes the control surface over HTTP. One Server is typically
// owned by the application root (spec §9).
type Server struct {
	logger *slog.Logger
	reg    *registry.Registry
	rt     *runtime.Runtime
	bus    *eventbus.Bus
	locks  *reslock.Manager
	hub    *progress.Hub

	router chi.Router
}

// New builds a Server wiring every route to the real components passed
// in; hub may be nil to disable the streaming-push join routes.
func New(reg *registry.Registry, rt *runtime.Runtime, bus *eventbus.Bus, locks *reslock.Manager, hub *progress.Hub, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default().With("component", "controlsurface")
	}
	s := &Server{logger: logger, reg: reg, rt: rt, bus: bus, locks: locks, hub: hub}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)

	r.Route("/agents", func(r chi.Router) {
		r.Post("/", s.handleRegisterAgent)
		r.Post("/import", s.handleImportAgent)
		r.Get("/", s.handleListAgents)
		r.Get("/{agentID}/versions", s.handleListVersions)
		r.Get("/{agentID}/{version}", s.handleGetAgent)
		r.Get("/{agentID}/{version}/export", s.handleExportAgent)
		r.Post("/{agentID}/{version}/publish", s.handlePublishAgent)
		r.Post("/{agentID}/{version}/deprecate", s.handleDeprecateAgent)
		r.Delete("/{agentID}/{version}", s.handleDeleteAgent)
	})

	r.Route("/instances", func(r chi.Router) {
		r.Post("/", s.handleStartInstance)
		r.Get("/", s.handleListInstances)
		r.Get("/{instanceID}", s.handleInstanceStatus)
		r.Post("/{instanceID}/stop", s.handleStopInstance)
		r.Post("/{instanceID}/pause", s.handlePauseInstance)
		r.Post("/{instanceID}/resume", s.handleResumeInstance)
		r.Post("/{instanceID}/dispatch", s.handleDispatchMessage)
	})

	r.Route("/locks", func(r chi.Router) {
		r.Get("/{resourceID}", s.handleLockStatus)
	})

	r.Post("/events", s.handlePublishEvent)

	if hub != nil {
		r.Get("/stream/rooms/{room}", func(w http.ResponseWriter, req *http.Request) {
			room := chi.URLParam(req, "room")
			if err := hub.ServeRoom(w, req, room); err != nil {
				s.logger.Warn("progress room upgrade failed", "room", room, "error", err)
			}
		})
		r.Get("/stream/sessions/{sessionID}", func(w http.ResponseWriter, req *http.Request) {
			sid := chi.URLParam(req, "sessionID")
			if err := hub.ServeSession(w, req, sid); err != nil {
				s.logger.Warn("progress session upgrade failed", "session", sid, "error", err)
			}
		})
	}

	s.router = r
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorBody{Error: err.Error()})
}
