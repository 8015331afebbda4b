// Package sqlite provides the production Store implementation backed by an
// embedded, WAL-mode SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	flow "goa.design/flow"
	"goa.design/flow/flowerrors"
	"goa.design/flow/store"
)

// Compile-time interface assertions.
var (
	_ store.Store = (*Store)(nil)
	_ store.KV    = (*kv)(nil)
)

// Store is a SQLite-backed implementation of store.Store.
type Store struct {
	db *sql.DB
	kv *kv
}

// Config configures the SQLite connection.
type Config struct {
	// Path is the database file path. Use ":memory:" only for tests;
	// production deployments must use a file path so state survives
	// process restarts.
	Path string
}

// New opens (and if necessary creates and migrates) a SQLite-backed Store.
func New(cfg Config) (*Store, error) {
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// SQLite serializes writes; a single connection avoids SQLITE_BUSY
	// errors racing against the journal/WAL checkpoint.
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	s := &Store{db: db}
	s.kv = &kv{db: db}

	if err := s.configurePragmas(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure pragmas: %w", err)
	}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return s, nil
}

func (s *Store) configurePragmas(ctx context.Context) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	}
	for _, p := range pragmas {
		if _, err := s.db.ExecContext(ctx, p); err != nil {
			return fmt.Errorf("exec %s: %w", p, err)
		}
	}
	return nil
}

func (s *Store) migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS workflows (
			id TEXT PRIMARY KEY,
			definition TEXT NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			workflow_id TEXT NOT NULL,
			status TEXT NOT NULL,
			payload BLOB,
			started_at TEXT NOT NULL,
			completed_at TEXT,
			error TEXT,
			last_output BLOB,
			attempt INTEGER DEFAULT 0,
			labels TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_workflow ON runs(workflow_id)`,
		`CREATE TABLE IF NOT EXISTS step_states (
			run_id TEXT NOT NULL,
			step_id TEXT NOT NULL,
			status TEXT NOT NULL,
			attempt INTEGER DEFAULT 0,
			started_at TEXT,
			completed_at TEXT,
			output BLOB,
			error TEXT,
			next_retry_at TEXT,
			PRIMARY KEY (run_id, step_id),
			FOREIGN KEY (run_id) REFERENCES runs(id) ON DELETE CASCADE
		)`,
		`CREATE TABLE IF NOT EXISTS pauses (
			token TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			step_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			created_at TEXT NOT NULL,
			expires_at TEXT,
			event_name TEXT,
			resume_payload BLOB
		)`,
		`CREATE INDEX IF NOT EXISTS idx_pauses_event ON pauses(event_name)`,
		`CREATE TABLE IF NOT EXISTS state_kv (
			namespace TEXT NOT NULL,
			key TEXT NOT NULL,
			value BLOB,
			created_at TEXT NOT NULL,
			expires_at TEXT,
			PRIMARY KEY (namespace, key)
		)`,
		`CREATE TABLE IF NOT EXISTS schedules (
			trigger_id TEXT PRIMARY KEY,
			workflow_id TEXT NOT NULL,
			cron TEXT NOT NULL,
			next_fire_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS idempotency_keys (
			key TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			expires_at TEXT NOT NULL
		)`,
	}
	for _, m := range migrations {
		if _, err := s.db.ExecContext(ctx, m); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) KV() store.KV { return s.kv }

func (s *Store) PutWorkflow(ctx context.Context, def flow.Workflow) error {
	data, err := json.Marshal(def)
	if err != nil {
		return flowerrors.Wrap(flowerrors.Store, "marshal workflow", err)
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO workflows (id, definition, created_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET definition = excluded.definition, updated_at = excluded.updated_at
	`, def.ID, string(data), now, now)
	if err != nil {
		return flowerrors.Wrap(flowerrors.Store, "put workflow", err)
	}
	return nil
}

func (s *Store) GetWorkflow(ctx context.Context, id string) (flow.Workflow, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT definition FROM workflows WHERE id = ?`, id).Scan(&data)
	if err == sql.ErrNoRows {
		return flow.Workflow{}, flowerrors.New(flowerrors.NotFound, "workflow not found: "+id)
	}
	if err != nil {
		return flow.Workflow{}, flowerrors.Wrap(flowerrors.Store, "get workflow", err)
	}
	var def flow.Workflow
	if err := json.Unmarshal([]byte(data), &def); err != nil {
		return flow.Workflow{}, flowerrors.Wrap(flowerrors.Store, "unmarshal workflow", err)
	}
	return def, nil
}

func (s *Store) ListWorkflows(ctx context.Context) ([]flow.Workflow, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT definition FROM workflows ORDER BY id`)
	if err != nil {
		return nil, flowerrors.Wrap(flowerrors.Store, "list workflows", err)
	}
	defer rows.Close()

	var out []flow.Workflow
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, flowerrors.Wrap(flowerrors.Store, "scan workflow", err)
		}
		var def flow.Workflow
		if err := json.Unmarshal([]byte(data), &def); err != nil {
			return nil, flowerrors.Wrap(flowerrors.Store, "unmarshal workflow", err)
		}
		out = append(out, def)
	}
	return out, rows.Err()
}

func (s *Store) DeleteWorkflow(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM workflows WHERE id = ?`, id)
	if err != nil {
		return flowerrors.Wrap(flowerrors.Store, "delete workflow", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return flowerrors.New(flowerrors.NotFound, "workflow not found: "+id)
	}
	return nil
}

func (s *Store) CreateRun(ctx context.Context, workflowID string, payload []byte) (flow.Run, error) {
	run := flow.Run{
		ID:         uuid.NewString(),
		WorkflowID: workflowID,
		Status:     flow.RunPending,
		Payload:    payload,
		StartedAt:  time.Now().UTC(),
		StepStates: make(map[string]flow.StepState),
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (id, workflow_id, status, payload, started_at, attempt)
		VALUES (?, ?, ?, ?, ?, 0)
	`, run.ID, run.WorkflowID, string(run.Status), run.Payload, run.StartedAt.Format(time.RFC3339Nano))
	if err != nil {
		return flow.Run{}, flowerrors.Wrap(flowerrors.Store, "create run", err)
	}
	return run, nil
}

func (s *Store) GetRun(ctx context.Context, runID string) (flow.Run, error) {
	run, err := s.scanRun(ctx, runID)
	if err != nil {
		return flow.Run{}, err
	}
	states, err := s.loadStepStates(ctx, runID)
	if err != nil {
		return flow.Run{}, err
	}
	run.StepStates = states
	return run, nil
}

func (s *Store) scanRun(ctx context.Context, runID string) (flow.Run, error) {
	var run flow.Run
	var status string
	var completedAt, runErr, labels sql.NullString
	var startedAt string
	row := s.db.QueryRowContext(ctx, `
		SELECT id, workflow_id, status, payload, started_at, completed_at, error, last_output, attempt, labels
		FROM runs WHERE id = ?
	`, runID)
	err := row.Scan(&run.ID, &run.WorkflowID, &status, &run.Payload, &startedAt, &completedAt, &runErr, &run.LastOutput, &run.Attempt, &labels)
	if err == sql.ErrNoRows {
		return flow.Run{}, flowerrors.New(flowerrors.NotFound, "run not found: "+runID)
	}
	if err != nil {
		return flow.Run{}, flowerrors.Wrap(flowerrors.Store, "get run", err)
	}
	run.Status = flow.RunStatus(status)
	run.StartedAt, _ = time.Parse(time.RFC3339Nano, startedAt)
	if completedAt.Valid {
		t, _ := time.Parse(time.RFC3339Nano, completedAt.String)
		run.CompletedAt = &t
	}
	if runErr.Valid {
		run.Error = runErr.String
	}
	if labels.Valid && labels.String != "" {
		if err := json.Unmarshal([]byte(labels.String), &run.Labels); err != nil {
			return flow.Run{}, flowerrors.Wrap(flowerrors.Store, "unmarshal labels", err)
		}
	}
	return run, nil
}

func (s *Store) loadStepStates(ctx context.Context, runID string) (map[string]flow.StepState, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT step_id, status, attempt, started_at, completed_at, output, error, next_retry_at
		FROM step_states WHERE run_id = ?
	`, runID)
	if err != nil {
		return nil, flowerrors.Wrap(flowerrors.Store, "list step states", err)
	}
	defer rows.Close()

	states := make(map[string]flow.StepState)
	for rows.Next() {
		var stepID, status string
		var st flow.StepState
		var startedAt, completedAt, nextRetryAt sql.NullString
		var errStr sql.NullString
		if err := rows.Scan(&stepID, &status, &st.Attempt, &startedAt, &completedAt, &st.Output, &errStr, &nextRetryAt); err != nil {
			return nil, flowerrors.Wrap(flowerrors.Store, "scan step state", err)
		}
		st.Status = flow.StepStatus(status)
		if errStr.Valid {
			st.Error = errStr.String
		}
		if startedAt.Valid {
			t, _ := time.Parse(time.RFC3339Nano, startedAt.String)
			st.StartedAt = &t
		}
		if completedAt.Valid {
			t, _ := time.Parse(time.RFC3339Nano, completedAt.String)
			st.CompletedAt = &t
		}
		if nextRetryAt.Valid {
			t, _ := time.Parse(time.RFC3339Nano, nextRetryAt.String)
			st.NextRetryAt = &t
		}
		states[stepID] = st
	}
	return states, rows.Err()
}

func (s *Store) UpdateRunStatus(ctx context.Context, runID string, status flow.RunStatus, ts time.Time, runErr string) error {
	var completedAt any
	if status.IsTerminal() {
		completedAt = ts.UTC().Format(time.RFC3339Nano)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE runs SET status = ?, error = ?, completed_at = COALESCE(?, completed_at) WHERE id = ?
	`, string(status), nullString(runErr), completedAt, runID)
	if err != nil {
		return flowerrors.Wrap(flowerrors.Store, "update run status", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return flowerrors.New(flowerrors.NotFound, "run not found: "+runID)
	}
	return nil
}

func (s *Store) SetRunLastOutput(ctx context.Context, runID string, output []byte) error {
	res, err := s.db.ExecContext(ctx, `UPDATE runs SET last_output = ? WHERE id = ?`, output, runID)
	if err != nil {
		return flowerrors.Wrap(flowerrors.Store, "set run last output", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return flowerrors.New(flowerrors.NotFound, "run not found: "+runID)
	}
	return nil
}

func (s *Store) ListPendingRuns(ctx context.Context) ([]flow.Run, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM runs WHERE status NOT IN (?, ?, ?)
	`, string(flow.RunCompleted), string(flow.RunFailed), string(flow.RunCancelled))
	if err != nil {
		return nil, flowerrors.Wrap(flowerrors.Store, "list pending runs", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, flowerrors.Wrap(flowerrors.Store, "scan run id", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]flow.Run, 0, len(ids))
	for _, id := range ids {
		run, err := s.GetRun(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	return out, nil
}

func (s *Store) ListRunsByWorkflow(ctx context.Context, workflowID string, statuses []flow.RunStatus) ([]flow.Run, error) {
	query := `SELECT id FROM runs WHERE workflow_id = ?`
	args := []any{workflowID}
	if len(statuses) > 0 {
		placeholders := make([]string, len(statuses))
		for i, st := range statuses {
			placeholders[i] = "?"
			args = append(args, string(st))
		}
		query += fmt.Sprintf(" AND status IN (%s)", strings.Join(placeholders, ","))
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, flowerrors.Wrap(flowerrors.Store, "list runs by workflow", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, flowerrors.Wrap(flowerrors.Store, "scan run id", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]flow.Run, 0, len(ids))
	for _, id := range ids {
		run, err := s.GetRun(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	return out, nil
}

// UpsertStepState implements the compare-and-set described on
// store.Store.UpsertStepState using a transaction: it reads the current
// status, checks it against expectStatus, and only commits the write if it
// matches; an empty expectStatus writes unconditionally, whether or not a
// row exists.
func (s *Store) UpsertStepState(ctx context.Context, runID, stepID string, expectStatus flow.StepStatus, state flow.StepState) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, flowerrors.Wrap(flowerrors.Store, "begin tx", err)
	}
	defer tx.Rollback()

	var current string
	err = tx.QueryRowContext(ctx, `SELECT status FROM step_states WHERE run_id = ? AND step_id = ?`, runID, stepID).Scan(&current)
	switch {
	case err == sql.ErrNoRows:
		if expectStatus != "" {
			return false, nil
		}
	case err != nil:
		return false, flowerrors.Wrap(flowerrors.Store, "read step state", err)
	default:
		if expectStatus != "" && flow.StepStatus(current) != expectStatus {
			return false, nil
		}
	}

	var startedAt, completedAt, nextRetryAt any
	if state.StartedAt != nil {
		startedAt = state.StartedAt.UTC().Format(time.RFC3339Nano)
	}
	if state.CompletedAt != nil {
		completedAt = state.CompletedAt.UTC().Format(time.RFC3339Nano)
	}
	if state.NextRetryAt != nil {
		nextRetryAt = state.NextRetryAt.UTC().Format(time.RFC3339Nano)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO step_states (run_id, step_id, status, attempt, started_at, completed_at, output, error, next_retry_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (run_id, step_id) DO UPDATE SET
			status = excluded.status, attempt = excluded.attempt,
			started_at = excluded.started_at, completed_at = excluded.completed_at,
			output = excluded.output, error = excluded.error, next_retry_at = excluded.next_retry_at
	`, runID, stepID, string(state.Status), state.Attempt, startedAt, completedAt, state.Output, nullString(state.Error), nextRetryAt)
	if err != nil {
		return false, flowerrors.Wrap(flowerrors.Store, "upsert step state", err)
	}
	if err := tx.Commit(); err != nil {
		return false, flowerrors.Wrap(flowerrors.Store, "commit tx", err)
	}
	return true, nil
}

func (s *Store) GetStepState(ctx context.Context, runID, stepID string) (flow.StepState, error) {
	states, err := s.loadStepStates(ctx, runID)
	if err != nil {
		return flow.StepState{}, err
	}
	st, ok := states[stepID]
	if !ok {
		return flow.StepState{}, flowerrors.New(flowerrors.NotFound, "step not found: "+stepID)
	}
	return st, nil
}

func (s *Store) CreatePause(ctx context.Context, p flow.Pause) error {
	var expiresAt any
	if p.ExpiresAt != nil {
		expiresAt = p.ExpiresAt.UTC().Format(time.RFC3339Nano)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pauses (token, run_id, step_id, kind, created_at, expires_at, event_name, resume_payload)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, p.Token, p.RunID, p.StepID, string(p.Kind), p.CreatedAt.UTC().Format(time.RFC3339Nano), expiresAt, nullString(p.EventName), p.ResumePayload)
	if err != nil {
		return flowerrors.Wrap(flowerrors.Store, "create pause", err)
	}
	return nil
}

func (s *Store) GetPause(ctx context.Context, token string) (flow.Pause, error) {
	var p flow.Pause
	var kind, createdAt string
	var expiresAt, eventName sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT token, run_id, step_id, kind, created_at, expires_at, event_name, resume_payload
		FROM pauses WHERE token = ?
	`, token).Scan(&p.Token, &p.RunID, &p.StepID, &kind, &createdAt, &expiresAt, &eventName, &p.ResumePayload)
	if err == sql.ErrNoRows {
		return flow.Pause{}, flowerrors.New(flowerrors.NotFound, "pause not found: "+token)
	}
	if err != nil {
		return flow.Pause{}, flowerrors.Wrap(flowerrors.Store, "get pause", err)
	}
	p.Kind = flow.PauseKind(kind)
	p.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	if expiresAt.Valid {
		t, _ := time.Parse(time.RFC3339Nano, expiresAt.String)
		p.ExpiresAt = &t
	}
	if eventName.Valid {
		p.EventName = eventName.String
	}
	return p, nil
}

func (s *Store) DeletePause(ctx context.Context, token string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM pauses WHERE token = ?`, token)
	if err != nil {
		return flowerrors.Wrap(flowerrors.Store, "delete pause", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return flowerrors.New(flowerrors.NotFound, "pause not found: "+token)
	}
	return nil
}

func (s *Store) ListPausesByEvent(ctx context.Context, eventName string) ([]flow.Pause, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT token, run_id, step_id, kind, created_at, expires_at, event_name, resume_payload
		FROM pauses WHERE kind = ? AND event_name = ?
	`, string(flow.PauseEvent), eventName)
	if err != nil {
		return nil, flowerrors.Wrap(flowerrors.Store, "list pauses by event", err)
	}
	defer rows.Close()

	var out []flow.Pause
	for rows.Next() {
		var p flow.Pause
		var kind, createdAt string
		var expiresAt, ev sql.NullString
		if err := rows.Scan(&p.Token, &p.RunID, &p.StepID, &kind, &createdAt, &expiresAt, &ev, &p.ResumePayload); err != nil {
			return nil, flowerrors.Wrap(flowerrors.Store, "scan pause", err)
		}
		p.Kind = flow.PauseKind(kind)
		p.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		if expiresAt.Valid {
			t, _ := time.Parse(time.RFC3339Nano, expiresAt.String)
			p.ExpiresAt = &t
		}
		if ev.Valid {
			p.EventName = ev.String
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Store) PutSchedule(ctx context.Context, triggerID, workflowID, cronExpr string, nextFireAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO schedules (trigger_id, workflow_id, cron, next_fire_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (trigger_id) DO UPDATE SET workflow_id = excluded.workflow_id, cron = excluded.cron, next_fire_at = excluded.next_fire_at
	`, triggerID, workflowID, cronExpr, nextFireAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return flowerrors.Wrap(flowerrors.Store, "put schedule", err)
	}
	return nil
}

func (s *Store) DueSchedules(ctx context.Context, asOf time.Time) ([]store.Schedule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT trigger_id, workflow_id, cron, next_fire_at FROM schedules WHERE next_fire_at <= ?
	`, asOf.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return nil, flowerrors.Wrap(flowerrors.Store, "due schedules", err)
	}
	defer rows.Close()

	var out []store.Schedule
	for rows.Next() {
		var sch store.Schedule
		var nextFireAt string
		if err := rows.Scan(&sch.TriggerID, &sch.WorkflowID, &sch.Cron, &nextFireAt); err != nil {
			return nil, flowerrors.Wrap(flowerrors.Store, "scan schedule", err)
		}
		sch.NextFireAt, _ = time.Parse(time.RFC3339Nano, nextFireAt)
		out = append(out, sch)
	}
	return out, rows.Err()
}

func (s *Store) AdvanceSchedule(ctx context.Context, triggerID string, nextFireAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE schedules SET next_fire_at = ? WHERE trigger_id = ?`, nextFireAt.UTC().Format(time.RFC3339Nano), triggerID)
	if err != nil {
		return flowerrors.Wrap(flowerrors.Store, "advance schedule", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return flowerrors.New(flowerrors.NotFound, "schedule not found: "+triggerID)
	}
	return nil
}

func (s *Store) PutIdempotencyKey(ctx context.Context, key, runID string, ttl time.Duration) error {
	expiresAt := time.Now().Add(ttl).UTC().Format(time.RFC3339Nano)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO idempotency_keys (key, run_id, expires_at)
		VALUES (?, ?, ?)
		ON CONFLICT (key) DO UPDATE SET run_id = excluded.run_id, expires_at = excluded.expires_at
	`, key, runID, expiresAt)
	if err != nil {
		return flowerrors.Wrap(flowerrors.Store, "put idempotency key", err)
	}
	return nil
}

func (s *Store) GetIdempotencyKey(ctx context.Context, key string) (string, bool, error) {
	var runID, expiresAt string
	err := s.db.QueryRowContext(ctx, `SELECT run_id, expires_at FROM idempotency_keys WHERE key = ?`, key).Scan(&runID, &expiresAt)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, flowerrors.Wrap(flowerrors.Store, "get idempotency key", err)
	}
	exp, _ := time.Parse(time.RFC3339Nano, expiresAt)
	if time.Now().After(exp) {
		return "", false, nil
	}
	return runID, true, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// kv implements store.KV directly against the state_kv table.
type kv struct {
	db *sql.DB
}

func (k *kv) Get(ctx context.Context, ns, key string) ([]byte, bool, error) {
	var value []byte
	var expiresAt sql.NullString
	err := k.db.QueryRowContext(ctx, `SELECT value, expires_at FROM state_kv WHERE namespace = ? AND key = ?`, ns, key).Scan(&value, &expiresAt)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, flowerrors.Wrap(flowerrors.Store, "kv get", err)
	}
	if expiresAt.Valid {
		exp, _ := time.Parse(time.RFC3339Nano, expiresAt.String)
		if time.Now().After(exp) {
			return nil, false, nil
		}
	}
	return value, true, nil
}

func (k *kv) Set(ctx context.Context, ns, key string, val []byte, ttl time.Duration) error {
	var expiresAt any
	if ttl > 0 {
		expiresAt = time.Now().Add(ttl).UTC().Format(time.RFC3339Nano)
	}
	_, err := k.db.ExecContext(ctx, `
		INSERT INTO state_kv (namespace, key, value, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (namespace, key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at
	`, ns, key, val, time.Now().UTC().Format(time.RFC3339Nano), expiresAt)
	if err != nil {
		return flowerrors.Wrap(flowerrors.Store, "kv set", err)
	}
	return nil
}

func (k *kv) Delete(ctx context.Context, ns, key string) error {
	_, err := k.db.ExecContext(ctx, `DELETE FROM state_kv WHERE namespace = ? AND key = ?`, ns, key)
	if err != nil {
		return flowerrors.Wrap(flowerrors.Store, "kv delete", err)
	}
	return nil
}

// Incr performs an atomic read-modify-write inside a transaction since
// SQLite has no native numeric UPSERT-increment.
func (k *kv) Incr(ctx context.Context, ns, key string, delta int64) (int64, error) {
	tx, err := k.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, flowerrors.Wrap(flowerrors.Store, "kv incr begin tx", err)
	}
	defer tx.Rollback()

	var cur int64
	var value []byte
	var expiresAt sql.NullString
	err = tx.QueryRowContext(ctx, `SELECT value, expires_at FROM state_kv WHERE namespace = ? AND key = ?`, ns, key).Scan(&value, &expiresAt)
	switch {
	case err == sql.ErrNoRows:
		cur = 0
	case err != nil:
		return 0, flowerrors.Wrap(flowerrors.Store, "kv incr read", err)
	default:
		expired := false
		if expiresAt.Valid {
			exp, _ := time.Parse(time.RFC3339Nano, expiresAt.String)
			expired = time.Now().After(exp)
		}
		if !expired {
			cur, err = strconv.ParseInt(strings.TrimSpace(string(value)), 10, 64)
			if err != nil {
				return 0, flowerrors.Wrap(flowerrors.TypeMismatch, fmt.Sprintf("value for %s/%s is not numeric", ns, key), err)
			}
		}
	}

	next := cur + delta
	_, err = tx.ExecContext(ctx, `
		INSERT INTO state_kv (namespace, key, value, created_at, expires_at)
		VALUES (?, ?, ?, ?, NULL)
		ON CONFLICT (namespace, key) DO UPDATE SET value = excluded.value
	`, ns, key, []byte(strconv.FormatInt(next, 10)), time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, flowerrors.Wrap(flowerrors.Store, "kv incr write", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, flowerrors.Wrap(flowerrors.Store, "kv incr commit", err)
	}
	return next, nil
}

func (k *kv) Scan(ctx context.Context, ns, pattern string) ([]string, error) {
	rows, err := k.db.QueryContext(ctx, `
		SELECT key, expires_at FROM state_kv WHERE namespace = ?
	`, ns)
	if err != nil {
		return nil, flowerrors.Wrap(flowerrors.Store, "kv scan", err)
	}
	defer rows.Close()

	now := time.Now()
	prefix := strings.TrimSuffix(pattern, "*")
	hasWildcard := strings.HasSuffix(pattern, "*")

	var out []string
	for rows.Next() {
		var key string
		var expiresAt sql.NullString
		if err := rows.Scan(&key, &expiresAt); err != nil {
			return nil, flowerrors.Wrap(flowerrors.Store, "kv scan row", err)
		}
		if expiresAt.Valid {
			exp, _ := time.Parse(time.RFC3339Nano, expiresAt.String)
			if now.After(exp) {
				continue
			}
		}
		if pattern == "" || pattern == "*" || (hasWildcard && strings.HasPrefix(key, prefix)) || (!hasWildcard && key == pattern) {
			out = append(out, key)
		}
	}
	return out, rows.Err()
}

func (k *kv) ReapExpired(ctx context.Context) (int, error) {
	res, err := k.db.ExecContext(ctx, `DELETE FROM state_kv WHERE expires_at IS NOT NULL AND expires_at <= ?`, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, flowerrors.Wrap(flowerrors.Store, "kv reap", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
