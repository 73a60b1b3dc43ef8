package tasks

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore keeps timestamps as fixed-width RFC 3339 text so values
// round-trip exactly and sort lexically.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One writer; the manager already serializes saves.
	db.SetMaxOpenConns(1)

	schema := `
	CREATE TABLE IF NOT EXISTS hitl_tasks (
		id                 TEXT PRIMARY KEY,
		title              TEXT NOT NULL,
		description        TEXT NOT NULL DEFAULT '',
		priority           TEXT NOT NULL,
		status             TEXT NOT NULL,
		assignee_id        TEXT NOT NULL DEFAULT '',
		candidate_ids      TEXT NOT NULL DEFAULT '[]',
		created_at         TEXT NOT NULL,
		updated_at         TEXT NOT NULL,
		due_at             TEXT NOT NULL,
		escalation_due_at  TEXT NOT NULL,
		assigned_at        TEXT NULL,
		escalated_at       TEXT NULL,
		completed_at       TEXT NULL,
		cancelled_at       TEXT NULL,
		escalation_level   INTEGER NOT NULL DEFAULT 0,
		sla_hours          REAL NOT NULL DEFAULT 0,
		escalation_hours   REAL NOT NULL DEFAULT 0,
		result             TEXT NULL,
		cancel_reason      TEXT NOT NULL DEFAULT '',
		request_id         TEXT NOT NULL DEFAULT '',
		routing_request_id TEXT NOT NULL DEFAULT '',
		routing_decision   TEXT NOT NULL DEFAULT '',
		metadata           TEXT NOT NULL DEFAULT '{}',
		tags               TEXT NOT NULL DEFAULT '[]'
	);
	CREATE INDEX IF NOT EXISTS idx_hitl_tasks_assignee_created ON hitl_tasks(assignee_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_hitl_tasks_status ON hitl_tasks(status);

	CREATE TABLE IF NOT EXISTS hitl_task_history (
		task_id     TEXT NOT NULL,
		seq         INTEGER NOT NULL,
		action      TEXT NOT NULL,
		actor       TEXT NOT NULL,
		at          TEXT NOT NULL,
		from_status TEXT NOT NULL DEFAULT '',
		to_status   TEXT NOT NULL,
		signal_id   TEXT NOT NULL DEFAULT '',
		detail      TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (task_id, seq)
	);
	`
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init sqlite task schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteTaskColumns = pgTaskColumns

func (s *SQLiteStore) SaveTask(ctx context.Context, task Task) error {
	b, err := encodeBlobs(task)
	if err != nil {
		return err
	}
	var result any
	if b.Result != nil {
		result = string(b.Result)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO hitl_tasks (`+sqliteTaskColumns+`) VALUES (
			?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?
		)
		ON CONFLICT (id) DO UPDATE SET
			title=excluded.title,
			description=excluded.description,
			priority=excluded.priority,
			status=excluded.status,
			assignee_id=excluded.assignee_id,
			candidate_ids=excluded.candidate_ids,
			updated_at=excluded.updated_at,
			due_at=excluded.due_at,
			escalation_due_at=excluded.escalation_due_at,
			assigned_at=excluded.assigned_at,
			escalated_at=excluded.escalated_at,
			completed_at=excluded.completed_at,
			cancelled_at=excluded.cancelled_at,
			escalation_level=excluded.escalation_level,
			sla_hours=excluded.sla_hours,
			escalation_hours=excluded.escalation_hours,
			result=excluded.result,
			cancel_reason=excluded.cancel_reason,
			routing_request_id=excluded.routing_request_id,
			routing_decision=excluded.routing_decision,
			metadata=excluded.metadata,
			tags=excluded.tags`,
		task.ID,
		task.Title,
		task.Description,
		string(task.Priority),
		string(task.Status),
		task.AssigneeID,
		string(b.CandidateIDs),
		formatTime(task.CreatedAt),
		formatTime(task.UpdatedAt),
		formatTime(task.DueAt),
		formatTime(task.EscalationDueAt),
		formatTimePtr(task.AssignedAt),
		formatTimePtr(task.EscalatedAt),
		formatTimePtr(task.CompletedAt),
		formatTimePtr(task.CancelledAt),
		task.EscalationLevel,
		task.SLAHours,
		task.EscalationHours,
		result,
		task.CancelReason,
		task.RequestID,
		task.RoutingRequestID,
		task.RoutingDecision,
		string(b.Metadata),
		string(b.Tags),
	)
	if err != nil {
		return fmt.Errorf("upsert task: %w", err)
	}

	for _, c := range task.History {
		_, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO hitl_task_history (
				task_id, seq, action, actor, at, from_status, to_status, signal_id, detail
			) VALUES (?,?,?,?,?,?,?,?,?)`,
			task.ID,
			c.Seq,
			string(c.Action),
			c.Actor,
			formatTime(c.At),
			string(c.FromStatus),
			string(c.ToStatus),
			c.SignalID,
			c.Detail,
		)
		if err != nil {
			return fmt.Errorf("insert task history: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetTask(ctx context.Context, taskID string) (Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sqliteTaskColumns+` FROM hitl_tasks WHERE id=?`, taskID)
	task, err := scanSQLiteTask(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Task{}, ErrStoreNotFound
		}
		return Task{}, fmt.Errorf("get task: %w", err)
	}
	task.History, err = s.loadHistory(ctx, task.ID)
	if err != nil {
		return Task{}, err
	}
	return task, nil
}

func (s *SQLiteStore) ListTasksByAssignee(ctx context.Context, assigneeID string) ([]Task, error) {
	return s.listTasks(ctx,
		`SELECT `+sqliteTaskColumns+` FROM hitl_tasks WHERE assignee_id=? ORDER BY created_at ASC, id ASC`,
		assigneeID,
	)
}

func (s *SQLiteStore) ListOpenTasks(ctx context.Context) ([]Task, error) {
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(openStatuses)), ",")
	args := make([]any, 0, len(openStatuses))
	for _, st := range openStatuses {
		args = append(args, st)
	}
	return s.listTasks(ctx,
		`SELECT `+sqliteTaskColumns+` FROM hitl_tasks WHERE status IN (`+placeholders+`) ORDER BY created_at ASC, id ASC`,
		args...,
	)
}

func (s *SQLiteStore) listTasks(ctx context.Context, query string, args ...any) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	out := make([]Task, 0, 16)
	for rows.Next() {
		task, err := scanSQLiteTask(rows)
		if err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scan task row: %w", err)
		}
		out = append(out, task)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, fmt.Errorf("iterate task rows: %w", err)
	}
	// Release the single connection before loading history.
	_ = rows.Close()

	for i := range out {
		out[i].History, err = s.loadHistory(ctx, out[i].ID)
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *SQLiteStore) loadHistory(ctx context.Context, taskID string) ([]Change, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, action, actor, at, from_status, to_status, signal_id, detail
		   FROM hitl_task_history WHERE task_id=? ORDER BY seq ASC`,
		taskID,
	)
	if err != nil {
		return nil, fmt.Errorf("list task history: %w", err)
	}
	defer rows.Close()

	history := make([]Change, 0, 8)
	for rows.Next() {
		var (
			c                              Change
			action, at, fromStatus, toStat string
		)
		if err := rows.Scan(&c.Seq, &action, &c.Actor, &at, &fromStatus, &toStat, &c.SignalID, &c.Detail); err != nil {
			return nil, fmt.Errorf("scan task history: %w", err)
		}
		if c.At, err = parseTime(at); err != nil {
			return nil, err
		}
		c.Action = Action(action)
		c.FromStatus = TaskStatus(fromStatus)
		c.ToStatus = TaskStatus(toStat)
		history = append(history, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate task history rows: %w", err)
	}
	return history, nil
}

type sqlScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteTask(row sqlScanner) (Task, error) {
	var (
		task                                      Task
		priority, status                          string
		candidates, metadata, tags                string
		created, updated, due, escalationDue      string
		assigned, escalated, completed, cancelled sql.NullString
		result                                    sql.NullString
	)
	if err := row.Scan(
		&task.ID,
		&task.Title,
		&task.Description,
		&priority,
		&status,
		&task.AssigneeID,
		&candidates,
		&created,
		&updated,
		&due,
		&escalationDue,
		&assigned,
		&escalated,
		&completed,
		&cancelled,
		&task.EscalationLevel,
		&task.SLAHours,
		&task.EscalationHours,
		&result,
		&task.CancelReason,
		&task.RequestID,
		&task.RoutingRequestID,
		&task.RoutingDecision,
		&metadata,
		&tags,
	); err != nil {
		return Task{}, err
	}
	task.Priority = Priority(priority)
	task.Status = TaskStatus(status)

	var err error
	for _, f := range []struct {
		raw string
		dst *time.Time
	}{
		{created, &task.CreatedAt},
		{updated, &task.UpdatedAt},
		{due, &task.DueAt},
		{escalationDue, &task.EscalationDueAt},
	} {
		if *f.dst, err = parseTime(f.raw); err != nil {
			return Task{}, err
		}
	}
	if task.AssignedAt, err = parseNullTime(assigned); err != nil {
		return Task{}, err
	}
	if task.EscalatedAt, err = parseNullTime(escalated); err != nil {
		return Task{}, err
	}
	if task.CompletedAt, err = parseNullTime(completed); err != nil {
		return Task{}, err
	}
	if task.CancelledAt, err = parseNullTime(cancelled); err != nil {
		return Task{}, err
	}

	b := blobs{Metadata: []byte(metadata), Tags: []byte(tags), CandidateIDs: []byte(candidates)}
	if result.Valid {
		b.Result = []byte(result.String)
	}
	if err := b.decodeInto(&task); err != nil {
		return Task{}, err
	}
	return task, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(sqliteTimeLayout)
}

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTime(raw string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse stored time %q: %w", raw, err)
	}
	return t.UTC(), nil
}

func parseNullTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
