// Package pg implements the storage.EventStore, storage.LockStore,
// storage.AnalysisQueueStore, and storage.HistoryStore contracts
// against Postgres via pgx, with
// schema migrations applied through golang-migrate. Grounded on the
// jackc/pgx/v5 + golang-migrate/migrate/v4 pairing used by
// codeready-toolchain-tarsy and vanducng-goclaw.
package pg

import (
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/qaforge/orchestrator-core/internal/eventtypes"
	"github.com/qaforge/orchestrator-core/internal/storage"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// Store is a Postgres-backed storage.EventStore + storage.LockStore.
type Store struct {
	pool *pgxpool.Pool
}

// Open connects to Postgres and applies pending migrations.
func Open(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("pg: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pg: ping: %w", err)
	}
	if err := applyMigrations(dsn); err != nil {
		pool.Close()
		return nil, err
	}
	return &Store{pool: pool}, nil
}

func applyMigrations(dsn string) error {
	src, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return fmt.Errorf("pg: migration source: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, dsn)
	if err != nil {
		return fmt.Errorf("pg: migration init: %w", err)
	}
	defer m.Close()
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("pg: migrate up: %w", err)
	}
	return nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

func (s *Store) Append(ctx context.Context, ev eventtypes.Event) error {
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return fmt.Errorf("pg: marshal payload: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO event_log (id, type, payload, priority, origin_at, processed_by, processed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING`,
		ev.ID, ev.Type, payload, string(ev.Priority), ev.OriginAt, nullableString(ev.ProcessedBy), ev.ProcessedAt)
	if err != nil {
		return fmt.Errorf("pg: append event: %w", err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (eventtypes.Event, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, type, payload, priority, origin_at, processed_by, processed_at
		FROM event_log WHERE id = $1`, id)
	return scanEvent(row)
}

func (s *Store) Replay(ctx context.Context, since time.Time, typeFilter string) ([]eventtypes.Event, error) {
	query := `SELECT id, type, payload, priority, origin_at, processed_by, processed_at
		FROM event_log WHERE origin_at >= $1`
	args := []any{since}
	if typeFilter != "" {
		query += ` AND type = $2`
		args = append(args, typeFilter)
	}
	query += ` ORDER BY origin_at ASC`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("pg: replay: %w", err)
	}
	defer rows.Close()

	var out []eventtypes.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (eventtypes.Event, error) {
	var (
		ev          eventtypes.Event
		payload     []byte
		priority    string
		processedBy *string
	)
	if err := row.Scan(&ev.ID, &ev.Type, &payload, &priority, &ev.OriginAt, &processedBy, &ev.ProcessedAt); err != nil {
		return eventtypes.Event{}, fmt.Errorf("pg: scan event: %w", err)
	}
	ev.Priority = eventtypes.Priority(priority)
	if processedBy != nil {
		ev.ProcessedBy = *processedBy
	}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &ev.Payload); err != nil {
			return eventtypes.Event{}, fmt.Errorf("pg: unmarshal payload: %w", err)
		}
	}
	return ev, nil
}

func (s *Store) GetLock(ctx context.Context, resourceID string) (storage.LockRow, bool, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT resource_id, resource_kind, owner_id, owner_kind, acquired_at, expires_at, priority
		FROM resource_locks WHERE resource_id = $1`, resourceID)

	var lr storage.LockRow
	var priority string
	if err := row.Scan(&lr.ResourceID, &lr.ResourceKind, &lr.OwnerID, &lr.OwnerKind, &lr.AcquiredAt, &lr.ExpiresAt, &priority); err != nil {
		if err.Error() == "no rows in result set" {
			return storage.LockRow{}, false, nil
		}
		return storage.LockRow{}, false, fmt.Errorf("pg: get lock: %w", err)
	}
	lr.Priority = eventtypes.Priority(priority)
	return lr, true, nil
}

func (s *Store) PutLock(ctx context.Context, row storage.LockRow) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO resource_locks (resource_id, resource_kind, owner_id, owner_kind, acquired_at, expires_at, priority)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (resource_id) DO UPDATE SET
			resource_kind = EXCLUDED.resource_kind,
			owner_id = EXCLUDED.owner_id,
			owner_kind = EXCLUDED.owner_kind,
			acquired_at = EXCLUDED.acquired_at,
			expires_at = EXCLUDED.expires_at,
			priority = EXCLUDED.priority`,
		row.ResourceID, row.ResourceKind, row.OwnerID, row.OwnerKind, row.AcquiredAt, row.ExpiresAt, string(row.Priority))
	if err != nil {
		return fmt.Errorf("pg: put lock: %w", err)
	}
	return nil
}

func (s *Store) DeleteLock(ctx context.Context, resourceID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM resource_locks WHERE resource_id = $1`, resourceID)
	if err != nil {
		return fmt.Errorf("pg: delete lock: %w", err)
	}
	return nil
}

func (s *Store) ListLocks(ctx context.Context) ([]storage.LockRow, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT resource_id, resource_kind, owner_id, owner_kind, acquired_at, expires_at, priority
		FROM resource_locks`)
	if err != nil {
		return nil, fmt.Errorf("pg: list locks: %w", err)
	}
	defer rows.Close()

	var out []storage.LockRow
	for rows.Next() {
		var lr storage.LockRow
		var priority string
		if err := rows.Scan(&lr.ResourceID, &lr.ResourceKind, &lr.OwnerID, &lr.OwnerKind, &lr.AcquiredAt, &lr.ExpiresAt, &priority); err != nil {
			return nil, fmt.Errorf("pg: scan lock: %w", err)
		}
		lr.Priority = eventtypes.Priority(priority)
		out = append(out, lr)
	}
	return out, rows.Err()
}

func (s *Store) EnqueueWaiter(ctx context.Context, row storage.WaiterRow) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO lock_waiters (resource_id, owner_id, priority, queued_at, timeout_ms)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (resource_id, owner_id) DO UPDATE SET
			priority = EXCLUDED.priority, queued_at = EXCLUDED.queued_at, timeout_ms = EXCLUDED.timeout_ms`,
		row.ResourceID, row.OwnerID, string(row.Priority), row.QueuedAt, row.Timeout.Milliseconds())
	if err != nil {
		return fmt.Errorf("pg: enqueue waiter: %w", err)
	}
	return nil
}

func (s *Store) DequeueWaiter(ctx context.Context, resourceID, ownerID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM lock_waiters WHERE resource_id = $1 AND owner_id = $2`, resourceID, ownerID)
	if err != nil {
		return fmt.Errorf("pg: dequeue waiter: %w", err)
	}
	return nil
}

func (s *Store) ListWaiters(ctx context.Context, resourceID string) ([]storage.WaiterRow, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT resource_id, owner_id, priority, queued_at, timeout_ms
		FROM lock_waiters WHERE resource_id = $1
		ORDER BY CASE priority
			WHEN 'critical' THEN 0
			WHEN 'high' THEN 1
			WHEN 'low' THEN 3
			ELSE 2
		END ASC, queued_at ASC`, resourceID)
	if err != nil {
		return nil, fmt.Errorf("pg: list waiters: %w", err)
	}
	defer rows.Close()

	var out []storage.WaiterRow
	for rows.Next() {
		var wr storage.WaiterRow
		var priority string
		var timeoutMS int64
		if err := rows.Scan(&wr.ResourceID, &wr.OwnerID, &priority, &wr.QueuedAt, &timeoutMS); err != nil {
			return nil, fmt.Errorf("pg: scan waiter: %w", err)
		}
		wr.Priority = eventtypes.Priority(priority)
		wr.Timeout = time.Duration(timeoutMS) * time.Millisecond
		out = append(out, wr)
	}
	return out, rows.Err()
}

func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

type analysisPayload struct {
	ScriptResultID string `json:"script_result_id"`
	ScriptName     string `json:"script_name"`
	ReportURL      string `json:"report_url"`
	LogsURL        string `json:"logs_url"`
	Success        bool   `json:"success"`
}

func (s *Store) Enqueue(ctx context.Context, task storage.AnalysisTaskRow) error {
	payload, err := json.Marshal(analysisPayload{
		ScriptResultID: task.ScriptResultID,
		ScriptName:     task.ScriptName,
		ReportURL:      task.ReportURL,
		LogsURL:        task.LogsURL,
		Success:        task.Success,
	})
	if err != nil {
		return fmt.Errorf("pg: marshal analysis payload: %w", err)
	}
	visibleAt := task.VisibleAt
	if visibleAt.IsZero() {
		visibleAt = task.EnqueuedAt
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO analysis_queue (queue_name, task_id, payload, enqueued_at, attempts, visible_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (queue_name, task_id) DO NOTHING`,
		task.Queue, task.ID, payload, task.EnqueuedAt, task.Attempt, visibleAt)
	if err != nil {
		return fmt.Errorf("pg: enqueue analysis task: %w", err)
	}
	return nil
}

// Dequeue atomically claims the oldest currently-visible task in queue
// using SELECT ... FOR UPDATE SKIP LOCKED, so multiple worker processes
// can drain the same queue without double-claiming a row (spec §4.9
// step 1).
func (s *Store) Dequeue(ctx context.Context, queue string, visibilityTimeout time.Duration) (storage.AnalysisTaskRow, bool, error) {
	row := s.pool.QueryRow(ctx, `
		WITH next AS (
			SELECT task_id FROM analysis_queue
			WHERE queue_name = $1 AND visible_at <= now()
			ORDER BY enqueued_at ASC
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		UPDATE analysis_queue AS q
		SET attempts = q.attempts + 1,
		    visible_at = now() + ($2 * INTERVAL '1 millisecond')
		FROM next
		WHERE q.task_id = next.task_id AND q.queue_name = $1
		RETURNING q.task_id, q.queue_name, q.payload, q.enqueued_at, q.attempts`,
		queue, float64(visibilityTimeout.Milliseconds()))

	var (
		out     storage.AnalysisTaskRow
		payload []byte
	)
	if err := row.Scan(&out.ID, &out.Queue, &payload, &out.EnqueuedAt, &out.Attempt); err != nil {
		if err.Error() == "no rows in result set" {
			return storage.AnalysisTaskRow{}, false, nil
		}
		return storage.AnalysisTaskRow{}, false, fmt.Errorf("pg: dequeue analysis task: %w", err)
	}
	var p analysisPayload
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &p); err != nil {
			return storage.AnalysisTaskRow{}, false, fmt.Errorf("pg: unmarshal analysis payload: %w", err)
		}
	}
	out.ScriptResultID = p.ScriptResultID
	out.ScriptName = p.ScriptName
	out.ReportURL = p.ReportURL
	out.LogsURL = p.LogsURL
	out.Success = p.Success
	return out, true, nil
}

func (s *Store) Ack(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM analysis_queue WHERE task_id = $1`, id)
	if err != nil {
		return fmt.Errorf("pg: ack analysis task: %w", err)
	}
	return nil
}

func (s *Store) Requeue(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `UPDATE analysis_queue SET visible_at = now() WHERE task_id = $1`, id)
	if err != nil {
		return fmt.Errorf("pg: requeue analysis task: %w", err)
	}
	return nil
}

func (s *Store) SaveInstance(ctx context.Context, row storage.InstanceRow) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO instances (instance_id, agent_id, version, state, started_at, updated_at, last_heartbeat)
		VALUES ($1, $2, $3, $4, $5, now(), $6)
		ON CONFLICT (instance_id) DO UPDATE SET
			state = EXCLUDED.state,
			updated_at = now(),
			last_heartbeat = EXCLUDED.last_heartbeat`,
		row.InstanceID, row.AgentID, row.Version, row.State, row.StartedAt, row.LastHeartbeat)
	if err != nil {
		return fmt.Errorf("pg: save instance: %w", err)
	}
	return nil
}

func (s *Store) SaveExecution(ctx context.Context, row storage.ExecutionRow) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO task_history (task_id, instance_id, agent_id, trigger_event_id, state, started_at, ended_at, tokens_in, tokens_out, cost_usd, error_kind)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (task_id) DO UPDATE SET
			state = EXCLUDED.state,
			ended_at = EXCLUDED.ended_at,
			tokens_in = EXCLUDED.tokens_in,
			tokens_out = EXCLUDED.tokens_out,
			cost_usd = EXCLUDED.cost_usd,
			error_kind = EXCLUDED.error_kind`,
		row.TaskID, row.InstanceID, row.AgentID, nullableString(row.TriggerEventID), row.State,
		row.StartedAt, row.EndedAt, row.TokensIn, row.TokensOut, row.CostUSD, nullableString(row.ErrorKind))
	if err != nil {
		return fmt.Errorf("pg: save execution: %w", err)
	}
	return nil
}

func (s *Store) ListExecutions(ctx context.Context, instanceID string) ([]storage.ExecutionRow, error) {
	query := `SELECT task_id, instance_id, agent_id, trigger_event_id, state, started_at, ended_at, tokens_in, tokens_out, cost_usd, error_kind
		FROM task_history`
	args := []any{}
	if instanceID != "" {
		query += ` WHERE instance_id = $1`
		args = append(args, instanceID)
	}
	query += ` ORDER BY started_at ASC`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("pg: list executions: %w", err)
	}
	defer rows.Close()

	var out []storage.ExecutionRow
	for rows.Next() {
		var (
			er        storage.ExecutionRow
			triggerID *string
			endedAt   *time.Time
			errorKind *string
		)
		if err := rows.Scan(&er.TaskID, &er.InstanceID, &er.AgentID, &triggerID, &er.State, &er.StartedAt, &endedAt, &er.TokensIn, &er.TokensOut, &er.CostUSD, &errorKind); err != nil {
			return nil, fmt.Errorf("pg: scan execution: %w", err)
		}
		if triggerID != nil {
			er.TriggerEventID = *triggerID
		}
		if endedAt != nil {
			er.EndedAt = *endedAt
		}
		if errorKind != nil {
			er.ErrorKind = *errorKind
		}
		out = append(out, er)
	}
	return out, rows.Err()
}

func (s *Store) SaveClassification(ctx context.Context, rec storage.ClassificationRecord) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO analysis_classifications (script_result_id, classification, discard, classified_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (script_result_id) DO UPDATE SET
			classification = EXCLUDED.classification,
			discard = EXCLUDED.discard,
			classified_at = EXCLUDED.classified_at`,
		rec.ScriptResultID, rec.Classification, rec.Discard, rec.ClassifiedAt)
	if err != nil {
		return fmt.Errorf("pg: save classification: %w", err)
	}
	return nil
}
