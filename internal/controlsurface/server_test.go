package controlsurface

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/qaforge/orchestrator-core/internal/eventbus"
	"github.com/qaforge/orchestrator-core/internal/progress"
	"github.com/qaforge/orchestrator-core/internal/registry"
	"github.com/qaforge/orchestrator-core/internal/reslock"
	"github.com/qaforge/orchestrator-core/internal/runtime"
	"github.com/qaforge/orchestrator-core/internal/storage"
	"github.com/qaforge/orchestrator-core/internal/telemetry"
)

type stubLLM struct{}

func (stubLLM) Complete(ctx context.Context, req runtime.CompletionRequest) (runtime.CompletionResponse, error) {
	return runtime.CompletionResponse{Text: "ok", StopReason: "end_turn"}, nil
}

type stubTools struct{}

func (stubTools) Call(ctx context.Context, name string, params map[string]any) (runtime.ToolResult, error) {
	return runtime.ToolResult{}, nil
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	store := storage.NewMemoryStore()
	bus := eventbus.New(store)
	locks := reslock.New(store, bus)
	reg := registry.New()
	rt := runtime.New(reg, bus, locks, stubLLM{}, stubTools{}, telemetry.Telemetry{})
	hub := progress.New(nil)
	return New(reg, rt, bus, locks, hub, nil)
}

func sampleAgentDoc() registry.AgentDefinition {
	return registry.AgentDefinition{
		Metadata:   registry.Metadata{ID: "qa-mobile", Version: "1.0.0", Name: "QA Mobile"},
		Goal:       registry.GoalOnDemand,
		Triggers:   []registry.Trigger{{EventType: "alert.blackscreen", Priority: "critical"}},
		EventPools: []string{"mobile"},
		Config:     registry.ExecutionConfig{MaxParallelTasks: 1},
	}
}

func TestRegisterAndPublishAgent(t *testing.T) {
	s := newTestServer(t)

	body, err := json.Marshal(sampleAgentDoc())
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/agents/", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code)

	pub := httptest.NewRequest(http.MethodPost, "/agents/qa-mobile/1.0.0/publish", nil)
	pubRec := httptest.NewRecorder()
	s.ServeHTTP(pubRec, pub)
	require.Equal(t, http.StatusNoContent, pubRec.Code)

	get := httptest.NewRequest(http.MethodGet, "/agents/qa-mobile/1.0.0", nil)
	getRec := httptest.NewRecorder()
	s.ServeHTTP(getRec, get)
	require.Equal(t, http.StatusOK, getRec.Code)

	var def registry.AgentDefinition
	require.NoError(t, json.Unmarshal(getRec.Body.Bytes(), &def))
	require.Equal(t, registry.StatusPublished, def.Status)
}

func TestGetUnknownAgentReturns404(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/agents/nope/1.0.0", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStartStopInstance(t *testing.T) {
	s := newTestServer(t)

	body, _ := json.Marshal(sampleAgentDoc())
	regReq := httptest.NewRequest(http.MethodPost, "/agents/", bytes.NewReader(body))
	regRec := httptest.NewRecorder()
	s.ServeHTTP(regRec, regReq)
	require.Equal(t, http.StatusCreated, regRec.Code)

	pub := httptest.NewRequest(http.MethodPost, "/agents/qa-mobile/1.0.0/publish", nil)
	pubRec := httptest.NewRecorder()
	s.ServeHTTP(pubRec, pub)
	require.Equal(t, http.StatusNoContent, pubRec.Code)

	startBody, _ := json.Marshal(startInstanceRequest{AgentID: "qa-mobile"})
	startReq := httptest.NewRequest(http.MethodPost, "/instances/", bytes.NewReader(startBody))
	startRec := httptest.NewRecorder()
	s.ServeHTTP(startRec, startReq)
	require.Equal(t, http.StatusCreated, startRec.Code)

	var started map[string]string
	require.NoError(t, json.Unmarshal(startRec.Body.Bytes(), &started))
	instanceID := started["instance_id"]
	require.NotEmpty(t, instanceID)

	statusReq := httptest.NewRequest(http.MethodGet, "/instances/"+instanceID, nil)
	statusRec := httptest.NewRecorder()
	s.ServeHTTP(statusRec, statusReq)
	require.Equal(t, http.StatusOK, statusRec.Code)

	stopReq := httptest.NewRequest(http.MethodPost, "/instances/"+instanceID+"/stop", nil)
	stopRec := httptest.NewRecorder()
	s.ServeHTTP(stopRec, stopReq)
	require.Equal(t, http.StatusNoContent, stopRec.Code)
}

func TestPublishEventRejectsEmptyType(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/events", bytes.NewReader([]byte(`{}`)))
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPublishEventSucceeds(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/events", bytes.NewReader([]byte(`{"type":"alert.blackscreen","payload":{"device_id":"d1"},"priority":"critical"}`)))
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code)
}
