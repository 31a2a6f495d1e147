// Package journal persists runs and their progress events to SQLite so a
// finished run can be inspected after the process exits.
package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/eferist/weft/internal/engine"
	"github.com/eferist/weft/internal/outcome"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	run_id TEXT PRIMARY KEY,
	plan_fingerprint TEXT NOT NULL,
	request TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	output TEXT NOT NULL,
	warnings TEXT NOT NULL DEFAULT '[]',
	started_at INTEGER NOT NULL,
	finished_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS run_outcomes (
	run_id TEXT NOT NULL,
	subtask_id TEXT NOT NULL,
	kind TEXT NOT NULL,
	output TEXT NOT NULL DEFAULT '',
	failure_reason TEXT NOT NULL DEFAULT '',
	strategy TEXT NOT NULL DEFAULT '',
	attempts INTEGER NOT NULL DEFAULT 0,
	exhausted INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY(run_id, subtask_id),
	FOREIGN KEY(run_id) REFERENCES runs(run_id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS run_events (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	id TEXT NOT NULL UNIQUE,
	run_id TEXT NOT NULL,
	kind TEXT NOT NULL,
	subtask_id TEXT NOT NULL DEFAULT '',
	at INTEGER NOT NULL,
	payload TEXT NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS idx_run_events_run ON run_events(run_id, seq);
`

// Journal is an engine.Observer that writes every event as it arrives, plus
// a RecordRun call for the final result. Events are inserted before their run
// row exists, so run_events carries no foreign key.
type Journal struct {
	db *sql.DB

	mu       sync.Mutex
	writeErr error
}

var _ engine.Observer = (*Journal)(nil)

func Open(dbPath string) (*Journal, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, stmt := range pragmas {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set sqlite pragma %q: %w", stmt, err)
		}
	}

	return &Journal{db: db}, nil
}

func (j *Journal) Close() error {
	return j.db.Close()
}

func (j *Journal) Migrate(ctx context.Context) error {
	if _, err := j.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	return nil
}

// OnEvent records one progress event. The observer contract has no error
// channel, so insert failures are kept for Err instead of being raised.
func (j *Journal) OnEvent(ev engine.Event) {
	payload := []byte("{}")
	if len(ev.Payload) > 0 {
		b, err := json.Marshal(ev.Payload)
		if err != nil {
			j.keepErr(fmt.Errorf("marshal event payload: %w", err))
			return
		}
		payload = b
	}
	_, err := j.db.Exec(
		`INSERT INTO run_events(id, run_id, kind, subtask_id, at, payload)
		VALUES(?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.RunID, string(ev.Kind), ev.SubtaskID, ev.At.UnixMilli(), string(payload),
	)
	if err != nil {
		j.keepErr(fmt.Errorf("insert event: %w", err))
	}
}

// Err returns the first write failure seen by OnEvent, if any.
func (j *Journal) Err() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.writeErr
}

func (j *Journal) keepErr(err error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.writeErr == nil {
		j.writeErr = err
	}
}

// RecordRun stores the final result and every subtask outcome in one
// transaction.
func (j *Journal) RecordRun(ctx context.Context, res engine.RunResult) error {
	warnings := res.Warnings
	if warnings == nil {
		warnings = []string{}
	}
	wb, err := json.Marshal(warnings)
	if err != nil {
		return fmt.Errorf("marshal warnings: %w", err)
	}

	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx record run: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	_, err = tx.ExecContext(
		ctx,
		`INSERT INTO runs(run_id, plan_fingerprint, request, status, output, warnings, started_at, finished_at)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?)`,
		res.RunID, res.PlanFingerprint, res.Request, string(res.Status), res.Output, string(wb),
		res.StartedAt.UnixMilli(), res.FinishedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}

	for _, out := range res.Outcomes {
		exhausted := 0
		if out.Exhausted {
			exhausted = 1
		}
		_, err := tx.ExecContext(
			ctx,
			`INSERT INTO run_outcomes(run_id, subtask_id, kind, output, failure_reason, strategy, attempts, exhausted)
			VALUES(?, ?, ?, ?, ?, ?, ?, ?)`,
			res.RunID, out.SubtaskID, string(out.Kind), out.Output, out.FailureReason,
			out.Strategy, out.Attempts, exhausted,
		)
		if err != nil {
			return fmt.Errorf("insert outcome %s: %w", out.SubtaskID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit record run: %w", err)
	}
	return nil
}

// RunRecord is one stored run, without its outcomes or events.
type RunRecord struct {
	RunID           string
	PlanFingerprint string
	Request         string
	Status          string
	Output          string
	Warnings        []string
	StartedAt       time.Time
	FinishedAt      time.Time
}

func (j *Journal) Run(ctx context.Context, runID string) (RunRecord, error) {
	row := j.db.QueryRowContext(
		ctx,
		`SELECT run_id, plan_fingerprint, request, status, output, warnings, started_at, finished_at
		FROM runs WHERE run_id = ?`,
		runID,
	)
	var r RunRecord
	var warnings string
	var started, finished int64
	if err := row.Scan(&r.RunID, &r.PlanFingerprint, &r.Request, &r.Status, &r.Output, &warnings, &started, &finished); err != nil {
		return RunRecord{}, fmt.Errorf("get run: %w", err)
	}
	if err := json.Unmarshal([]byte(warnings), &r.Warnings); err != nil {
		return RunRecord{}, fmt.Errorf("parse run warnings: %w", err)
	}
	r.StartedAt = time.UnixMilli(started).UTC()
	r.FinishedAt = time.UnixMilli(finished).UTC()
	return r, nil
}

func (j *Journal) ListRuns(ctx context.Context, limit int) ([]RunRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := j.db.QueryContext(
		ctx,
		`SELECT run_id, plan_fingerprint, request, status, output, warnings, started_at, finished_at
		FROM runs ORDER BY started_at DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	result := make([]RunRecord, 0, limit)
	for rows.Next() {
		var r RunRecord
		var warnings string
		var started, finished int64
		if err := rows.Scan(&r.RunID, &r.PlanFingerprint, &r.Request, &r.Status, &r.Output, &warnings, &started, &finished); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		if err := json.Unmarshal([]byte(warnings), &r.Warnings); err != nil {
			return nil, fmt.Errorf("parse run warnings: %w", err)
		}
		r.StartedAt = time.UnixMilli(started).UTC()
		r.FinishedAt = time.UnixMilli(finished).UTC()
		result = append(result, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return result, nil
}

// Outcomes returns a run's subtask outcomes ordered by subtask id.
func (j *Journal) Outcomes(ctx context.Context, runID string) ([]outcome.Outcome, error) {
	rows, err := j.db.QueryContext(
		ctx,
		`SELECT subtask_id, kind, output, failure_reason, strategy, attempts, exhausted
		FROM run_outcomes WHERE run_id = ? ORDER BY subtask_id ASC`,
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("list outcomes: %w", err)
	}
	defer rows.Close()

	var result []outcome.Outcome
	for rows.Next() {
		var out outcome.Outcome
		var kind string
		var exhausted int
		if err := rows.Scan(&out.SubtaskID, &kind, &out.Output, &out.FailureReason, &out.Strategy, &out.Attempts, &exhausted); err != nil {
			return nil, fmt.Errorf("scan outcome: %w", err)
		}
		out.Kind = outcome.Kind(kind)
		out.Exhausted = exhausted != 0
		result = append(result, out)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate outcomes: %w", err)
	}
	return result, nil
}

// Events returns a run's progress events in arrival order.
func (j *Journal) Events(ctx context.Context, runID string) ([]engine.Event, error) {
	rows, err := j.db.QueryContext(
		ctx,
		`SELECT id, run_id, kind, subtask_id, at, payload
		FROM run_events WHERE run_id = ? ORDER BY seq ASC`,
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var result []engine.Event
	for rows.Next() {
		var ev engine.Event
		var kind, payload string
		var at int64
		if err := rows.Scan(&ev.ID, &ev.RunID, &kind, &ev.SubtaskID, &at, &payload); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.Kind = engine.EventKind(kind)
		ev.At = time.UnixMilli(at).UTC()
		if payload != "" && payload != "{}" {
			if err := json.Unmarshal([]byte(payload), &ev.Payload); err != nil {
				return nil, fmt.Errorf("parse event payload: %w", err)
			}
		}
		result = append(result, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return result, nil
}
