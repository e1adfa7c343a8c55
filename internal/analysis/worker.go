package analysis

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/qaforge/orchestrator-core/internal/eventbus"
	"github.com/qaforge/orchestrator-core/internal/eventtypes"
	"github.com/qaforge/orchestrator-core/internal/storage"
	"github.com/qaforge/orchestrator-core/internal/telemetry"
)

// maxArtifactBytes bounds how much of a report/logs artifact is folded
// into the classifier prompt, so one oversized log cannot blow the
// token budget of a single classification call.
const maxArtifactBytes = 256 * 1024

// ProgressRoom is the default external push-channel room identifier
// broadcast progress events target (spec §4.9 step 6).
const ProgressRoom = "background_tasks"

// QueueConfig configures one named analysis queue (spec's "Supplemented
// Features": retry count and poll interval are per-queue, not global,
// since separate queues may see different artifact-fetch latencies).
type QueueConfig struct {
	Name              string
	PollInterval      time.Duration
	VisibilityTimeout time.Duration
	MaxRetries        int
	Concurrency       int
}

func (cfg QueueConfig) withDefaults() QueueConfig {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.VisibilityTimeout <= 0 {
		cfg.VisibilityTimeout = 30 * time.Second
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	return cfg
}

// ArtifactFetcher retrieves the text content of a report or logs
// artifact referenced by an AnalysisTask (spec §4.9 step 2).
type ArtifactFetcher interface {
	Fetch(ctx context.Context, url string) (string, error)
}

// LLMClient is the minimal single-shot completion contract the
// classifier skill needs: one system prompt, one user prompt, one text
// response, no tool-call loop (the artifacts are already folded into
// the prompt, so there is nothing left for the model to fetch).
type LLMClient interface {
	Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// Broadcaster pushes a progress event to a named external room (spec
// §4.9 step 6). internal/progress implements this once wired at the
// composition root; tests can use an in-process fake.
type Broadcaster interface {
	Broadcast(ctx context.Context, room string, payload map[string]any) error
}

// Notifier optionally forwards a human-readable message to a team chat
// channel (spec §4.9 step 6 "optionally to a notification channel").
type Notifier interface {
	Notify(ctx context.Context, message string) error
}

// Worker drains one or more named analysis queues (spec §4.9).
type Worker struct {
	store      storage.AnalysisQueueStore
	classifier LLMClient
	fetcher    ArtifactFetcher
	broadcast  Broadcaster
	notifier   Notifier

	logger *slog.Logger
	now    func() time.Time

	systemPrompt string
	room         string

	processed telemetry.Counter
	failed    telemetry.Counter
	dropped   telemetry.Counter

	queues map[string]QueueConfig

	mu      sync.Mutex
	started bool
	wg      sync.WaitGroup
}

// Option configures a Worker.
type Option func(*Worker)

// WithLogger overrides the component logger.
func WithLogger(logger *slog.Logger) Option {
	return func(w *Worker) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// WithNotifier configures an optional notification-channel forwarder.
func WithNotifier(n Notifier) Option {
	return func(w *Worker) {
		if n != nil {
			w.notifier = n
		}
	}
}

// WithNow overrides the clock, for tests.
func WithNow(now func() time.Time) Option {
	return func(w *Worker) {
		if now != nil {
			w.now = now
		}
	}
}

// WithSystemPrompt overrides the classifier skill's system prompt.
func WithSystemPrompt(prompt string) Option {
	return func(w *Worker) {
		if prompt != "" {
			w.systemPrompt = prompt
		}
	}
}

// WithProgressRoom overrides the default broadcast room.
func WithProgressRoom(room string) Option {
	return func(w *Worker) {
		if room != "" {
			w.room = room
		}
	}
}

const defaultClassifierPrompt = "You are a test-result classifier. Given a script execution's " +
	"declared outcome and its report and log artifacts, respond with exactly one of: " +
	"VALID_PASS, VALID_FAIL, BUG, SCRIPT_ISSUE, SYSTEM_ISSUE. " +
	"Use BUG when artifact evidence contradicts the declared outcome. " +
	"Use SCRIPT_ISSUE for selector or timing faults in the test itself. " +
	"Use SYSTEM_ISSUE for blackscreen, no-signal, or device-offline conditions."

// New creates a Worker over the given queues. classifier, fetcher, and
// broadcast are required; notifier is optional (set via WithNotifier).
func New(store storage.AnalysisQueueStore, queues []QueueConfig, classifier LLMClient, fetcher ArtifactFetcher, broadcast Broadcaster, tel telemetry.Telemetry, opts ...Option) *Worker {
	w := &Worker{
		store:        store,
		classifier:   classifier,
		fetcher:      fetcher,
		broadcast:    broadcast,
		logger:       tel.Logger,
		now:          time.Now,
		systemPrompt: defaultClassifierPrompt,
		room:         ProgressRoom,
		queues:       make(map[string]QueueConfig, len(queues)),
	}
	for _, cfg := range queues {
		w.queues[cfg.Name] = cfg.withDefaults()
	}
	if w.logger == nil {
		w.logger = slog.Default().With("component", "analysis")
	}
	if tel.Registry != nil {
		w.processed = telemetry.NewCounter(tel.Registry, "orchestrator_analysis_processed_total", "analysis tasks classified and acked", "queue")
		w.failed = telemetry.NewCounter(tel.Registry, "orchestrator_analysis_failed_total", "analysis tasks that errored and were requeued", "queue")
		w.dropped = telemetry.NewCounter(tel.Registry, "orchestrator_analysis_dropped_total", "analysis tasks dropped after exceeding the retry budget", "queue")
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Enqueue queues one analysis task, stamping an id and enqueued-at if
// absent.
func (w *Worker) Enqueue(ctx context.Context, task storage.AnalysisTaskRow) error {
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if task.EnqueuedAt.IsZero() {
		task.EnqueuedAt = w.now()
	}
	return w.store.Enqueue(ctx, task)
}

// SubscribeBus wires a completion-signal event source (spec §3
// AnalysisTask "enqueued when an external execution completed signal
// fires"): script.completed, testcase.completed, and
// deployment.execution_done events are translated into analysis tasks
// on the queue named by the event's "queue" payload field (defaulting
// to defaultQueue).
func (w *Worker) SubscribeBus(bus *eventbus.Bus, defaultQueue string) []string {
	var tokens []string
	for _, eventType := range eventtypes.CompletionEventTypes {
		eventType := eventType
		token := bus.Subscribe(eventbus.Subscription{
			EventType: eventType,
			Serial:    false,
			Handler: func(ctx context.Context, ev eventtypes.Event) {
				row := rowFromPayload(ev, defaultQueue)
				if err := w.Enqueue(ctx, row); err != nil {
					w.logger.Warn("analysis enqueue from event failed", "event_id", ev.ID, "error", err)
				}
			},
		})
		tokens = append(tokens, token)
	}
	return tokens
}

func rowFromPayload(ev eventtypes.Event, defaultQueue string) storage.AnalysisTaskRow {
	queue := stringField(ev.Payload, "queue")
	if queue == "" {
		queue = defaultQueue
	}
	return storage.AnalysisTaskRow{
		ID:             uuid.NewString(),
		Queue:          queue,
		ScriptResultID: stringField(ev.Payload, "script_result_id"),
		ScriptName:     stringField(ev.Payload, "script_name"),
		ReportURL:      stringField(ev.Payload, "report_url"),
		LogsURL:        stringField(ev.Payload, "logs_url"),
		Success:        boolField(ev.Payload, "success"),
		EnqueuedAt:     ev.OriginAt,
	}
}

func stringField(payload map[string]any, key string) string {
	v, ok := payload[key].(string)
	if !ok {
		return ""
	}
	return v
}

func boolField(payload map[string]any, key string) bool {
	v, ok := payload[key].(bool)
	return ok && v
}

// Start launches one poll loop per configured queue. It returns
// immediately; loops run until ctx is cancelled.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		return nil
	}
	if len(w.queues) == 0 {
		w.mu.Unlock()
		return ErrNoQueuesConfigured
	}
	w.started = true
	w.mu.Unlock()

	for _, cfg := range w.queues {
		cfg := cfg
		w.wg.Add(1)
		go w.runQueue(ctx, cfg)
	}
	return nil
}

// Stop waits for all poll loops and in-flight processing to finish.
func (w *Worker) Stop(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Worker) runQueue(ctx context.Context, cfg QueueConfig) {
	defer w.wg.Done()
	sem := make(chan struct{}, cfg.Concurrency)
	ticker := time.NewTicker(cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.drain(ctx, cfg, sem)
		}
	}
}

// drain dequeues up to cfg.Concurrency tasks without blocking beyond
// the currently available semaphore slots (spec §5 "Analysis worker
// honors a semaphore bounded by configured concurrency").
func (w *Worker) drain(ctx context.Context, cfg QueueConfig, sem chan struct{}) {
	for {
		select {
		case sem <- struct{}{}:
		default:
			return
		}
		row, ok, err := w.store.Dequeue(ctx, cfg.Name, cfg.VisibilityTimeout)
		if err != nil {
			<-sem
			w.logger.Warn("analysis dequeue failed", "queue", cfg.Name, "error", err)
			return
		}
		if !ok {
			<-sem
			return
		}
		w.wg.Add(1)
		go func(row storage.AnalysisTaskRow) {
			defer w.wg.Done()
			defer func() { <-sem }()
			if err := w.process(ctx, cfg, row); err != nil {
				w.logger.Warn("analysis task failed", "queue", cfg.Name, "id", row.ID, "error", err)
			}
		}(row)
	}
}

// ProcessOnce dequeues and processes a single task from queueName if
// one is currently visible, returning processed=false when the queue is
// empty. Intended for tests and manual draining; Start's poll loops use
// drain instead.
func (w *Worker) ProcessOnce(ctx context.Context, queueName string) (processed bool, err error) {
	cfg, ok := w.queues[queueName]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrQueueNotConfigured, queueName)
	}
	row, ok, err := w.store.Dequeue(ctx, cfg.Name, cfg.VisibilityTimeout)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	return true, w.process(ctx, cfg, row)
}

func (w *Worker) process(ctx context.Context, cfg QueueConfig, row storage.AnalysisTaskRow) error {
	if cfg.MaxRetries > 0 && row.Attempt > cfg.MaxRetries+1 {
		w.logger.Warn("analysis task exceeded retry budget, dropping", "queue", cfg.Name, "id", row.ID, "attempt", row.Attempt)
		w.dropped.Inc(cfg.Name)
		return w.store.Ack(ctx, row.ID)
	}

	report, err := w.fetcher.Fetch(ctx, row.ReportURL)
	if err != nil {
		return w.requeue(ctx, cfg, row, fmt.Errorf("%w: %v", ErrArtifactFetch, err))
	}
	logs, err := w.fetcher.Fetch(ctx, row.LogsURL)
	if err != nil {
		return w.requeue(ctx, cfg, row, fmt.Errorf("%w: %v", ErrArtifactFetch, err))
	}

	prompt := buildClassifierPrompt(row, report, logs)
	raw, err := w.classifier.Complete(ctx, w.systemPrompt, prompt)
	if err != nil {
		return w.requeue(ctx, cfg, row, fmt.Errorf("%w: %v", ErrClassifierFailed, err))
	}
	classification, err := ParseClassification(raw)
	if err != nil {
		return w.requeue(ctx, cfg, row, err)
	}

	rec := storage.ClassificationRecord{
		ScriptResultID: row.ScriptResultID,
		Classification: string(classification),
		Discard:        classification.Discard(),
		ClassifiedAt:   w.now(),
	}
	if err := w.store.SaveClassification(ctx, rec); err != nil {
		return w.requeue(ctx, cfg, row, fmt.Errorf("%w: %v", ErrPersistFailed, err))
	}

	w.broadcastProgress(ctx, row, rec)

	if err := w.store.Ack(ctx, row.ID); err != nil {
		w.logger.Warn("analysis task ack failed", "id", row.ID, "error", err)
	}
	w.processed.Inc(cfg.Name)
	return nil
}

func (w *Worker) requeue(ctx context.Context, cfg QueueConfig, row storage.AnalysisTaskRow, cause error) error {
	w.logger.Warn("analysis task requeued", "queue", cfg.Name, "id", row.ID, "error", cause)
	if err := w.store.Requeue(ctx, row.ID); err != nil {
		w.logger.Warn("analysis task requeue failed", "id", row.ID, "error", err)
	}
	w.failed.Inc(cfg.Name)
	return cause
}

func (w *Worker) broadcastProgress(ctx context.Context, row storage.AnalysisTaskRow, rec storage.ClassificationRecord) {
	payload := map[string]any{
		"script_result_id": row.ScriptResultID,
		"script_name":      row.ScriptName,
		"classification":   rec.Classification,
		"discard":          rec.Discard,
	}
	if w.broadcast != nil {
		if err := w.broadcast.Broadcast(ctx, w.room, payload); err != nil {
			w.logger.Warn("analysis progress broadcast failed", "id", row.ID, "error", err)
		}
	}
	if w.notifier != nil {
		msg := fmt.Sprintf("%s classified %s (discard=%s)", row.ScriptName, rec.Classification, strconv.FormatBool(rec.Discard))
		if err := w.notifier.Notify(ctx, msg); err != nil {
			w.logger.Warn("analysis notification failed", "id", row.ID, "error", err)
		}
	}
}

func buildClassifierPrompt(row storage.AnalysisTaskRow, report, logs string) string {
	return fmt.Sprintf(
		"script: %s\ndeclared success: %t\n\n--- report ---\n%s\n\n--- logs ---\n%s\n",
		row.ScriptName, row.Success, report, logs,
	)
}

// HTTPArtifactFetcher fetches artifact content over HTTP through the
// persistence adapter's signed URLs (spec §4.9 step 2).
type HTTPArtifactFetcher struct {
	client *http.Client
}

// NewHTTPArtifactFetcher wraps client (http.DefaultClient if nil).
func NewHTTPArtifactFetcher(client *http.Client) *HTTPArtifactFetcher {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPArtifactFetcher{client: client}
}

// Fetch retrieves the artifact at url. An empty url is not an error: it
// simply contributes no content to the prompt.
func (f *HTTPArtifactFetcher) Fetch(ctx context.Context, url string) (string, error) {
	if url == "" {
		return "", nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("build artifact request: %w", err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("artifact request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("artifact fetch returned status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxArtifactBytes))
	if err != nil {
		return "", fmt.Errorf("read artifact body: %w", err)
	}
	return string(body), nil
}
