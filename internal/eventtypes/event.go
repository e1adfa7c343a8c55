// Package eventtypes defines the wire-level event shape shared by the
// event bus, router, and runtime.
package eventtypes

import (
	"time"

	"github.com/google/uuid"
)

// Priority orders lock waiters and is carried as event metadata (spec §4.1).
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityNormal   Priority = "normal"
	PriorityLow      Priority = "low"
)

// Rank returns the total order used by the lock manager's wait queue
// (lower rank means served first). Unknown priorities rank as normal.
func (p Priority) Rank() int {
	switch p {
	case PriorityCritical:
		return 0
	case PriorityHigh:
		return 1
	case PriorityLow:
		return 3
	default:
		return 2
	}
}

// Valid reports whether p is one of the four declared enum values.
func (p Priority) Valid() bool {
	switch p {
	case PriorityCritical, PriorityHigh, PriorityNormal, PriorityLow:
		return true
	default:
		return false
	}
}

// Well-known event types recognized by the core (spec §6.1).
const (
	TypeResourceAcquired = "resource.acquired"
	TypeResourceReleased = "resource.released"
	TypeResourceQueued   = "resource.queued"
	TypeResourceReaped   = "resource.reaped"

	TypeAgentStarted    = "agent.started"
	TypeAgentStopped    = "agent.stopped"
	TypeTaskStarted     = "task.started"
	TypeTaskCompleted   = "task.completed"
	TypeTaskFailed      = "task.failed"
	TypeEventUnhandled  = "event.unhandled"

	// Completion signals (spec §6.1): payload carries
	// {script_result_id, script_name, report_url, logs_url, success} and
	// enqueues into the analysis worker's completion queue.
	TypeScriptCompleted         = "script.completed"
	TypeTestcaseCompleted       = "testcase.completed"
	TypeDeploymentExecutionDone = "deployment.execution_done"
)

// CompletionEventTypes lists the event types that carry a script/test
// execution completion signal (spec §6.1), consumed by
// internal/analysis's bus source to enqueue analysis tasks.
var CompletionEventTypes = []string{
	TypeScriptCompleted,
	TypeTestcaseCompleted,
	TypeDeploymentExecutionDone,
}

// Event is the durable, routable unit published on the bus (spec §3 Event).
type Event struct {
	ID          string         `json:"id"`
	Type        string         `json:"type"`
	Payload     map[string]any `json:"payload"`
	Priority    Priority       `json:"priority"`
	OriginAt    time.Time      `json:"origin_at"`
	ProcessedBy string         `json:"processed_by,omitempty"`
	ProcessedAt *time.Time     `json:"processed_at,omitempty"`
}

// New builds an Event with a generated id and current origin time.
// Payload is defensively copied so later caller mutation cannot corrupt
// the persisted row.
func New(eventType string, payload map[string]any, priority Priority) Event {
	if priority == "" {
		priority = PriorityNormal
	}
	cloned := make(map[string]any, len(payload))
	for k, v := range payload {
		cloned[k] = v
	}
	return Event{
		ID:       uuid.NewString(),
		Type:     eventType,
		Payload:  cloned,
		Priority: priority,
		OriginAt: time.Now(),
	}
}

// MarkProcessed records which agent consumed the event.
func (e *Event) MarkProcessed(agentID string, at time.Time) {
	e.ProcessedBy = agentID
	e.ProcessedAt = &at
}
