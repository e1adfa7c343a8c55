package analysis

import "errors"

var (
	// ErrQueueNotConfigured is returned when an operation names a queue
	// with no matching QueueConfig.
	ErrQueueNotConfigured = errors.New("analysis: queue not configured")

	// ErrArtifactFetch wraps a failure fetching a report/logs artifact
	// through the persistence adapter (spec §4.9 step 2).
	ErrArtifactFetch = errors.New("analysis: artifact fetch failed")

	// ErrClassifierFailed wraps a failure running the classifier skill
	// (spec §4.9 step 3).
	ErrClassifierFailed = errors.New("analysis: classifier failed")

	// ErrUnknownClassification is returned when classifier output does
	// not contain a recognized classification label.
	ErrUnknownClassification = errors.New("analysis: unrecognized classification")

	// ErrPersistFailed wraps a failure persisting a classification
	// (spec §4.9 step 5).
	ErrPersistFailed = errors.New("analysis: persist classification failed")

	// ErrNoQueuesConfigured is returned by Start when the worker was
	// constructed with zero queues.
	ErrNoQueuesConfigured = errors.New("analysis: no queues configured")
)
