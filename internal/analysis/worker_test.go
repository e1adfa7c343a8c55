package analysis

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/qaforge/orchestrator-core/internal/eventbus"
	"github.com/qaforge/orchestrator-core/internal/eventtypes"
	"github.com/qaforge/orchestrator-core/internal/storage"
	"github.com/qaforge/orchestrator-core/internal/telemetry"
)

// queuedClassifier answers Complete calls in a fixed order, falling back
// to VALID_PASS once exhausted.
type queuedClassifier struct {
	mu        sync.Mutex
	responses []string
	idx       int
	errs      []error
}

func (q *queuedClassifier) Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.idx < len(q.errs) && q.errs[q.idx] != nil {
		err := q.errs[q.idx]
		q.idx++
		return "", err
	}
	if q.idx >= len(q.responses) {
		return string(ValidPass), nil
	}
	r := q.responses[q.idx]
	q.idx++
	return r, nil
}

// staticFetcher returns canned artifact text, or fails the first N calls
// if configured to.
type staticFetcher struct {
	mu       sync.Mutex
	report   string
	logs     string
	failFor  int
	attempts int
}

func (f *staticFetcher) Fetch(ctx context.Context, url string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts++
	if f.attempts <= f.failFor {
		return "", errUnavailable
	}
	if url == "report" {
		return f.report, nil
	}
	return f.logs, nil
}

type errString string

func (e errString) Error() string { return string(e) }

const errUnavailable = errString("artifact store unavailable")

type recordedBroadcast struct {
	room    string
	payload map[string]any
}

type fakeBroadcaster struct {
	mu    sync.Mutex
	calls []recordedBroadcast
}

func (b *fakeBroadcaster) Broadcast(ctx context.Context, room string, payload map[string]any) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, recordedBroadcast{room: room, payload: payload})
	return nil
}

func (b *fakeBroadcaster) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.calls)
}

func newTestWorker(t *testing.T, store storage.AnalysisQueueStore, classifier *queuedClassifier, fetcher *staticFetcher, broadcaster *fakeBroadcaster, cfg QueueConfig) *Worker {
	t.Helper()
	return New(store, []QueueConfig{cfg}, classifier, fetcher, broadcaster, telemetry.Telemetry{})
}

// TestClassifiesPersistsAndBroadcasts exercises spec.md §4.9's main
// success path end to end against an in-memory store.
func TestClassifiesPersistsAndBroadcasts(t *testing.T) {
	store := storage.NewMemoryStore()
	classifier := &queuedClassifier{responses: []string{"VALID_PASS"}}
	fetcher := &staticFetcher{report: "report body", logs: "log body"}
	broadcaster := &fakeBroadcaster{}
	w := newTestWorker(t, store, classifier, fetcher, broadcaster, QueueConfig{Name: "mobile", VisibilityTimeout: time.Minute, MaxRetries: 2})

	ctx := context.Background()
	require.NoError(t, w.Enqueue(ctx, storage.AnalysisTaskRow{
		Queue: "mobile", ScriptResultID: "sr-1", ScriptName: "login_flow",
		ReportURL: "report", LogsURL: "logs", Success: true,
	}))

	processed, err := w.ProcessOnce(ctx, "mobile")
	require.NoError(t, err)
	require.True(t, processed)

	rec, ok := store.GetClassification("sr-1")
	require.True(t, ok)
	require.Equal(t, "VALID_PASS", rec.Classification)
	require.False(t, rec.Discard)
	require.Equal(t, 1, broadcaster.count())

	// Queue is drained: a second ProcessOnce finds nothing visible.
	processed, err = w.ProcessOnce(ctx, "mobile")
	require.NoError(t, err)
	require.False(t, processed)
}

// TestDiscardRulesMatchClassificationTable exercises spec.md §4.9 step
// 4's classification-rules table directly.
func TestDiscardRulesMatchClassificationTable(t *testing.T) {
	cases := map[Classification]bool{
		ValidPass:   false,
		ValidFail:   false,
		Bug:         false,
		ScriptIssue: true,
		SystemIssue: true,
	}
	for classification, wantDiscard := range cases {
		require.Equal(t, wantDiscard, classification.Discard(), "classification %s", classification)
		require.True(t, classification.Valid())
	}
}

// TestTransientFetchFailureRequeuesForRetry exercises spec.md §4.9 step
// 1's "on handler crash, requeue up to a bounded retry count": a
// transient fetch failure requeues the task, which becomes immediately
// visible again rather than waiting out the full visibility timeout.
func TestTransientFetchFailureRequeuesForRetry(t *testing.T) {
	store := storage.NewMemoryStore()
	classifier := &queuedClassifier{responses: []string{"VALID_PASS"}}
	fetcher := &staticFetcher{report: "report body", logs: "log body", failFor: 1}
	broadcaster := &fakeBroadcaster{}
	w := newTestWorker(t, store, classifier, fetcher, broadcaster, QueueConfig{Name: "mobile", VisibilityTimeout: time.Minute, MaxRetries: 3})

	ctx := context.Background()
	require.NoError(t, w.Enqueue(ctx, storage.AnalysisTaskRow{
		Queue: "mobile", ScriptResultID: "sr-2", ScriptName: "checkout_flow",
		ReportURL: "report", LogsURL: "logs", Success: false,
	}))

	processed, err := w.ProcessOnce(ctx, "mobile")
	require.Error(t, err)
	require.True(t, processed)
	_, ok := store.GetClassification("sr-2")
	require.False(t, ok, "no classification should be persisted on a failed attempt")

	// Requeue resets visibility immediately, so the retry is visible now.
	processed, err = w.ProcessOnce(ctx, "mobile")
	require.NoError(t, err)
	require.True(t, processed)
	rec, ok := store.GetClassification("sr-2")
	require.True(t, ok)
	require.Equal(t, "VALID_PASS", rec.Classification)
}

// TestExceedsRetryBudgetDropsTask exercises the bounded-retry-count half
// of spec.md §4.9 step 1: once a task's attempt count exceeds
// MaxRetries+1, it is dropped (acked without classification) instead of
// retried forever.
func TestExceedsRetryBudgetDropsTask(t *testing.T) {
	store := storage.NewMemoryStore()
	classifier := &queuedClassifier{}
	fetcher := &staticFetcher{failFor: 100}
	broadcaster := &fakeBroadcaster{}
	w := newTestWorker(t, store, classifier, fetcher, broadcaster, QueueConfig{Name: "mobile", VisibilityTimeout: time.Minute, MaxRetries: 2})

	ctx := context.Background()
	require.NoError(t, w.Enqueue(ctx, storage.AnalysisTaskRow{
		Queue: "mobile", ScriptResultID: "sr-3", ScriptName: "flaky_flow",
		ReportURL: "report", LogsURL: "logs",
	}))

	// Attempts 1 through MaxRetries+1 (here 1-3) all fail at the fetch
	// step and requeue; the next attempt exceeds the budget and drops.
	for i := 0; i < 3; i++ {
		processed, err := w.ProcessOnce(ctx, "mobile")
		require.True(t, processed)
		require.Error(t, err)
	}
	processed, err := w.ProcessOnce(ctx, "mobile")
	require.NoError(t, err)
	require.True(t, processed)

	_, ok := store.GetClassification("sr-3")
	require.False(t, ok)
	// The queue is now empty: the task was acked away, not requeued again.
	processed, err = w.ProcessOnce(ctx, "mobile")
	require.NoError(t, err)
	require.False(t, processed)
}

// TestSubscribeBusEnqueuesFromCompletionEvent exercises spec.md §3
// AnalysisTask's "enqueued when an external execution completed signal
// fires" lifecycle step: publishing a script.completed event results in
// a task visible on the named queue.
func TestSubscribeBusEnqueuesFromCompletionEvent(t *testing.T) {
	store := storage.NewMemoryStore()
	classifier := &queuedClassifier{responses: []string{"BUG"}}
	fetcher := &staticFetcher{report: "r", logs: "l"}
	broadcaster := &fakeBroadcaster{}
	w := newTestWorker(t, store, classifier, fetcher, broadcaster, QueueConfig{Name: "mobile", VisibilityTimeout: time.Minute})

	bus := eventbus.New(store)
	tokens := w.SubscribeBus(bus, "mobile")
	require.Len(t, tokens, len(eventtypes.CompletionEventTypes))

	ctx := context.Background()
	_, err := bus.Publish(ctx, eventtypes.New(eventtypes.TypeScriptCompleted, map[string]any{
		"script_result_id": "sr-4",
		"script_name":      "login_flow",
		"report_url":       "report",
		"logs_url":         "logs",
		"success":          false,
	}, eventtypes.PriorityNormal))
	require.NoError(t, err)

	// Non-serial bus handlers run on their own goroutine, so wait for the
	// enqueueing handler to finish before draining the queue.
	require.Eventually(t, func() bool { return bus.Stats().Delivered >= 1 }, time.Second, 5*time.Millisecond)

	processed, err := w.ProcessOnce(ctx, "mobile")
	require.NoError(t, err)
	require.True(t, processed)
	rec, ok := store.GetClassification("sr-4")
	require.True(t, ok)
	require.Equal(t, "BUG", rec.Classification)
	require.False(t, rec.Discard)
}

// TestParseClassificationTolerantOfProse exercises the classifier
// label-extraction parser against free-form model output.
func TestParseClassificationTolerantOfProse(t *testing.T) {
	got, err := ParseClassification("Looking at the logs, this looks like a SCRIPT_ISSUE to me.")
	require.NoError(t, err)
	require.Equal(t, ScriptIssue, got)

	_, err = ParseClassification("not sure what happened here")
	require.ErrorIs(t, err, ErrUnknownClassification)
}
