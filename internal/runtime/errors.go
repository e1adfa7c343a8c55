package runtime

import "errors"

// Sentinel errors for runtime operations (spec §7 taxonomy).
var (
	// ErrInstanceNotFound is returned by operations on an unknown instance id.
	ErrInstanceNotFound = errors.New("runtime: instance not found")

	// ErrInstanceNotRunning is returned when an operation requires the
	// running state but the instance is in another state.
	ErrInstanceNotRunning = errors.New("runtime: instance not running")

	// ErrInstanceTerminal is returned when an operation targets a stopped instance.
	ErrInstanceTerminal = errors.New("runtime: instance is stopped")

	// ErrInstanceError is returned for an instance in the fatal error state.
	ErrInstanceError = errors.New("runtime: instance is in error state")

	// ErrDelegationCycle is returned when a delegation chain would revisit
	// an agent already on the current task's delegation path (spec §9
	// "Cyclic references... detect cycles during delegation with a
	// per-task visited-set and fail fast with Conflict").
	ErrDelegationCycle = errors.New("runtime: delegation cycle detected")

	// ErrDelegationNotDeclared is returned when DELEGATE TO names an
	// agent not in the current agent's declared sub-agents list.
	ErrDelegationNotDeclared = errors.New("runtime: target agent is not a declared sub-agent")

	// ErrEmptyResponse marks the §4.7 empty-response failure mode.
	ErrEmptyResponse = errors.New("runtime: empty LLM response with end_turn stop reason")

	// ErrTaskTimeout marks a task cancelled due to its configured timeout.
	ErrTaskTimeout = errors.New("runtime: task timeout exceeded")

	// ErrTaskCancelled marks a task cancelled via stop/pause.
	ErrTaskCancelled = errors.New("runtime: task cancelled")

	// ErrQueueFull is returned when an on-demand agent's instance queue is
	// at capacity (spec §4.5 back-pressure).
	ErrQueueFull = errors.New("runtime: per-instance event queue is full")
)
