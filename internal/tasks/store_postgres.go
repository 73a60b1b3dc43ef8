package tasks

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, strings.TrimSpace(databaseURL))
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := initPostgresSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

func initPostgresSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS hitl_tasks (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			priority TEXT NOT NULL,
			status TEXT NOT NULL,
			assignee_id TEXT NOT NULL DEFAULT '',
			candidate_ids JSONB NOT NULL DEFAULT '[]',
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			due_at TIMESTAMPTZ NOT NULL,
			escalation_due_at TIMESTAMPTZ NOT NULL,
			assigned_at TIMESTAMPTZ NULL,
			escalated_at TIMESTAMPTZ NULL,
			completed_at TIMESTAMPTZ NULL,
			cancelled_at TIMESTAMPTZ NULL,
			escalation_level INTEGER NOT NULL DEFAULT 0,
			sla_hours DOUBLE PRECISION NOT NULL DEFAULT 0,
			escalation_hours DOUBLE PRECISION NOT NULL DEFAULT 0,
			result JSONB NULL,
			cancel_reason TEXT NOT NULL DEFAULT '',
			request_id TEXT NOT NULL DEFAULT '',
			routing_request_id TEXT NOT NULL DEFAULT '',
			routing_decision TEXT NOT NULL DEFAULT '',
			metadata JSONB NOT NULL DEFAULT '{}',
			tags JSONB NOT NULL DEFAULT '[]'
		);`,
		`CREATE INDEX IF NOT EXISTS idx_hitl_tasks_assignee_created ON hitl_tasks (assignee_id, created_at ASC);`,
		`CREATE INDEX IF NOT EXISTS idx_hitl_tasks_status_due ON hitl_tasks (status, due_at);`,
		`CREATE TABLE IF NOT EXISTS hitl_task_history (
			task_id TEXT NOT NULL REFERENCES hitl_tasks(id) ON DELETE CASCADE,
			seq INTEGER NOT NULL,
			action TEXT NOT NULL,
			actor TEXT NOT NULL,
			at TIMESTAMPTZ NOT NULL,
			from_status TEXT NOT NULL DEFAULT '',
			to_status TEXT NOT NULL,
			signal_id TEXT NOT NULL DEFAULT '',
			detail TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (task_id, seq)
		);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init task schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

const pgTaskColumns = `id, title, description, priority, status, assignee_id, candidate_ids,
	created_at, updated_at, due_at, escalation_due_at, assigned_at, escalated_at, completed_at, cancelled_at,
	escalation_level, sla_hours, escalation_hours, result, cancel_reason, request_id,
	routing_request_id, routing_decision, metadata, tags`

func (s *PostgresStore) SaveTask(ctx context.Context, task Task) error {
	b, err := encodeBlobs(task)
	if err != nil {
		return err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx,
		`INSERT INTO hitl_tasks (`+pgTaskColumns+`) VALUES (
			$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25
		)
		ON CONFLICT (id) DO UPDATE SET
			title=EXCLUDED.title,
			description=EXCLUDED.description,
			priority=EXCLUDED.priority,
			status=EXCLUDED.status,
			assignee_id=EXCLUDED.assignee_id,
			candidate_ids=EXCLUDED.candidate_ids,
			updated_at=EXCLUDED.updated_at,
			due_at=EXCLUDED.due_at,
			escalation_due_at=EXCLUDED.escalation_due_at,
			assigned_at=EXCLUDED.assigned_at,
			escalated_at=EXCLUDED.escalated_at,
			completed_at=EXCLUDED.completed_at,
			cancelled_at=EXCLUDED.cancelled_at,
			escalation_level=EXCLUDED.escalation_level,
			sla_hours=EXCLUDED.sla_hours,
			escalation_hours=EXCLUDED.escalation_hours,
			result=EXCLUDED.result,
			cancel_reason=EXCLUDED.cancel_reason,
			routing_request_id=EXCLUDED.routing_request_id,
			routing_decision=EXCLUDED.routing_decision,
			metadata=EXCLUDED.metadata,
			tags=EXCLUDED.tags`,
		task.ID,
		task.Title,
		task.Description,
		string(task.Priority),
		string(task.Status),
		task.AssigneeID,
		b.CandidateIDs,
		task.CreatedAt,
		task.UpdatedAt,
		task.DueAt,
		task.EscalationDueAt,
		task.AssignedAt,
		task.EscalatedAt,
		task.CompletedAt,
		task.CancelledAt,
		task.EscalationLevel,
		task.SLAHours,
		task.EscalationHours,
		b.Result,
		task.CancelReason,
		task.RequestID,
		task.RoutingRequestID,
		task.RoutingDecision,
		b.Metadata,
		b.Tags,
	)
	if err != nil {
		return fmt.Errorf("upsert task: %w", err)
	}

	// History is append-only; rows already stored are left untouched.
	for _, c := range task.History {
		_, err := tx.Exec(ctx,
			`INSERT INTO hitl_task_history (
				task_id, seq, action, actor, at, from_status, to_status, signal_id, detail
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
			ON CONFLICT (task_id, seq) DO NOTHING`,
			task.ID,
			c.Seq,
			string(c.Action),
			c.Actor,
			c.At,
			string(c.FromStatus),
			string(c.ToStatus),
			c.SignalID,
			c.Detail,
		)
		if err != nil {
			return fmt.Errorf("insert task history: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetTask(ctx context.Context, taskID string) (Task, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+pgTaskColumns+` FROM hitl_tasks WHERE id=$1`, taskID)
	task, err := scanPostgresTask(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
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

func (s *PostgresStore) ListTasksByAssignee(ctx context.Context, assigneeID string) ([]Task, error) {
	return s.listTasks(ctx,
		`SELECT `+pgTaskColumns+` FROM hitl_tasks WHERE assignee_id=$1 ORDER BY created_at ASC, id ASC`,
		assigneeID,
	)
}

func (s *PostgresStore) ListOpenTasks(ctx context.Context) ([]Task, error) {
	return s.listTasks(ctx,
		`SELECT `+pgTaskColumns+` FROM hitl_tasks WHERE status = ANY($1) ORDER BY created_at ASC, id ASC`,
		openStatuses,
	)
}

func (s *PostgresStore) listTasks(ctx context.Context, query string, args ...any) ([]Task, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	out := make([]Task, 0, 16)
	for rows.Next() {
		task, err := scanPostgresTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task row: %w", err)
		}
		out = append(out, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate task rows: %w", err)
	}
	rows.Close()

	for i := range out {
		out[i].History, err = s.loadHistory(ctx, out[i].ID)
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *PostgresStore) loadHistory(ctx context.Context, taskID string) ([]Change, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT seq, action, actor, at, from_status, to_status, signal_id, detail
		   FROM hitl_task_history WHERE task_id=$1 ORDER BY seq ASC`,
		taskID,
	)
	if err != nil {
		return nil, fmt.Errorf("list task history: %w", err)
	}
	defer rows.Close()

	history := make([]Change, 0, 8)
	for rows.Next() {
		var (
			c                          Change
			action, fromStatus, toStat string
		)
		if err := rows.Scan(&c.Seq, &action, &c.Actor, &c.At, &fromStatus, &toStat, &c.SignalID, &c.Detail); err != nil {
			return nil, fmt.Errorf("scan task history: %w", err)
		}
		c.Action = Action(action)
		c.FromStatus = TaskStatus(fromStatus)
		c.ToStatus = TaskStatus(toStat)
		c.At = c.At.UTC()
		history = append(history, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate task history rows: %w", err)
	}
	return history, nil
}

func scanPostgresTask(row pgx.Row) (Task, error) {
	var (
		task                 Task
		priority, status     string
		b                    blobs
		assigned, escalated  *time.Time
		completed, cancelled *time.Time
	)
	if err := row.Scan(
		&task.ID,
		&task.Title,
		&task.Description,
		&priority,
		&status,
		&task.AssigneeID,
		&b.CandidateIDs,
		&task.CreatedAt,
		&task.UpdatedAt,
		&task.DueAt,
		&task.EscalationDueAt,
		&assigned,
		&escalated,
		&completed,
		&cancelled,
		&task.EscalationLevel,
		&task.SLAHours,
		&task.EscalationHours,
		&b.Result,
		&task.CancelReason,
		&task.RequestID,
		&task.RoutingRequestID,
		&task.RoutingDecision,
		&b.Metadata,
		&b.Tags,
	); err != nil {
		return Task{}, err
	}
	task.Priority = Priority(priority)
	task.Status = TaskStatus(status)
	task.CreatedAt = task.CreatedAt.UTC()
	task.UpdatedAt = task.UpdatedAt.UTC()
	task.DueAt = task.DueAt.UTC()
	task.EscalationDueAt = task.EscalationDueAt.UTC()
	task.AssignedAt = utcPtr(assigned)
	task.EscalatedAt = utcPtr(escalated)
	task.CompletedAt = utcPtr(completed)
	task.CancelledAt = utcPtr(cancelled)
	if err := b.decodeInto(&task); err != nil {
		return Task{}, err
	}
	return task, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
