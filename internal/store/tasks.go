package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"taskboard/internal/domain"
)

const taskColumns = `id,project_id,title,status,review_status,archived,assigned_to,due_date,recurrence,
sla_due_at,sla_reminder_count,sla_last_reminded_at,sla_reminded_at,sla_escalated_at,created_at,updated_at`

// SlaUpdate is a partial update of a task's SLA bookkeeping. Nil fields are
// left untouched.
type SlaUpdate struct {
	// ExpectedReminderCount guards ReminderCount: the row is only updated
	// while its stored count still equals this value.
	ExpectedReminderCount int
	ReminderCount         *int
	LastRemindedAt        *time.Time
	// RemindedAt is written only when the row has no first-reminder marker yet.
	RemindedAt *time.Time
	// EscalatedAt is written only when the row has not been escalated yet.
	EscalatedAt *time.Time
}

// InsertTask stores a task. The engine never creates tasks itself; this
// exists for fixtures and for collaborators sharing the database.
func (s *Store) InsertTask(ctx context.Context, t domain.Task) (string, error) {
	if t.ID == "" {
		t.ID = newID("tsk_")
	}
	if t.Status == "" {
		t.Status = domain.StatusTodo
	}
	if t.ReviewStatus == "" {
		t.ReviewStatus = domain.ReviewNone
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	if t.UpdatedAt.IsZero() {
		t.UpdatedAt = t.CreatedAt
	}
	_, err := s.db.ExecContext(ctx, s.q(`
INSERT INTO tasks (`+taskColumns+`)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`),
		t.ID, t.ProjectID, t.Title, t.Status, t.ReviewStatus, t.Archived, t.AssignedTo, tsPtr(t.DueDate), t.Recurrence,
		tsPtr(t.SlaDueAt), t.SlaReminderCount, tsPtr(t.SlaLastRemindedAt), tsPtr(t.SlaRemindedAt), tsPtr(t.SlaEscalatedAt),
		ts(t.CreatedAt), ts(t.UpdatedAt))
	if err != nil {
		return "", fmt.Errorf("insert task: %w", err)
	}
	return t.ID, nil
}

func (s *Store) GetTask(ctx context.Context, id string) (domain.Task, error) {
	var t domain.Task
	err := s.db.GetContext(ctx, &t, s.q(`SELECT `+taskColumns+` FROM tasks WHERE id=?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Task{}, ErrNotFound
	}
	if err != nil {
		return domain.Task{}, fmt.Errorf("get task %s: %w", id, err)
	}
	return t, nil
}

// SelectOverdueTasks returns open, assigned tasks past their SLA due time that
// still have reminders left and whose last reminder is at least repeatHours old.
func (s *Store) SelectOverdueTasks(ctx context.Context, now time.Time, maxReminders, repeatHours int) ([]domain.Task, error) {
	cutoff := now.Add(-time.Duration(repeatHours) * time.Hour)
	var out []domain.Task
	err := s.db.SelectContext(ctx, &out, s.q(`
SELECT `+taskColumns+` FROM tasks
WHERE status <> 'done' AND archived = ?
  AND assigned_to IS NOT NULL AND assigned_to <> ''
  AND sla_due_at IS NOT NULL AND sla_due_at <= ?
  AND sla_reminder_count < ?
  AND (sla_last_reminded_at IS NULL OR sla_last_reminded_at <= ?)
ORDER BY sla_due_at, id`), false, ts(now), maxReminders, ts(cutoff))
	if err != nil {
		return nil, fmt.Errorf("select overdue tasks: %w", err)
	}
	return out, nil
}

// SelectEscalationCandidates returns open tasks whose first reminder is at
// least escalationHours old and that were never escalated.
func (s *Store) SelectEscalationCandidates(ctx context.Context, now time.Time, escalationHours int) ([]domain.Task, error) {
	cutoff := now.Add(-time.Duration(escalationHours) * time.Hour)
	var out []domain.Task
	err := s.db.SelectContext(ctx, &out, s.q(`
SELECT `+taskColumns+` FROM tasks
WHERE status <> 'done' AND archived = ?
  AND sla_reminded_at IS NOT NULL AND sla_escalated_at IS NULL
  AND sla_reminded_at <= ?
ORDER BY sla_reminded_at, id`), false, ts(cutoff))
	if err != nil {
		return nil, fmt.Errorf("select escalation candidates: %w", err)
	}
	return out, nil
}

// UpdateTaskSlaState applies u to one task with a single conditional update.
// It reports false when the guard conditions no longer hold, which means
// another writer got there first.
func (s *Store) UpdateTaskSlaState(ctx context.Context, id string, u SlaUpdate, now time.Time) (bool, error) {
	var (
		sets  []string
		conds = []string{"id = ?"}
		args  []any
		cargs = []any{id}
	)
	if u.ReminderCount != nil {
		sets = append(sets, "sla_reminder_count = ?")
		args = append(args, *u.ReminderCount)
		conds = append(conds, "sla_reminder_count = ?")
		cargs = append(cargs, u.ExpectedReminderCount)
	}
	if u.LastRemindedAt != nil {
		sets = append(sets, "sla_last_reminded_at = ?")
		args = append(args, ts(*u.LastRemindedAt))
	}
	if u.RemindedAt != nil {
		sets = append(sets, "sla_reminded_at = COALESCE(sla_reminded_at, ?)")
		args = append(args, ts(*u.RemindedAt))
	}
	if u.EscalatedAt != nil {
		sets = append(sets, "sla_escalated_at = ?")
		args = append(args, ts(*u.EscalatedAt))
		conds = append(conds, "sla_escalated_at IS NULL")
	}
	if len(sets) == 0 {
		return false, nil
	}
	sets = append(sets, "updated_at = ?")
	args = append(args, ts(now))

	query := "UPDATE tasks SET " + strings.Join(sets, ", ") + " WHERE " + strings.Join(conds, " AND ")
	res, err := s.db.ExecContext(ctx, s.q(query), append(args, cargs...)...)
	if err != nil {
		return false, fmt.Errorf("update task %s sla state: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update task %s sla state: %w", id, err)
	}
	return n > 0, nil
}

// SelectTasksWithDueDate returns the unarchived tasks of a project that have a due date.
func (s *Store) SelectTasksWithDueDate(ctx context.Context, projectID string) ([]domain.Task, error) {
	var out []domain.Task
	err := s.db.SelectContext(ctx, &out, s.q(`
SELECT `+taskColumns+` FROM tasks
WHERE project_id = ? AND due_date IS NOT NULL AND archived = ?
ORDER BY due_date, id`), projectID, false)
	if err != nil {
		return nil, fmt.Errorf("select tasks with due date: %w", err)
	}
	return out, nil
}

// SelectUnseededSlaTasks returns open, assigned tasks that have no SLA due time yet.
func (s *Store) SelectUnseededSlaTasks(ctx context.Context, limit int) ([]domain.Task, error) {
	var out []domain.Task
	err := s.db.SelectContext(ctx, &out, s.q(`
SELECT `+taskColumns+` FROM tasks
WHERE status <> 'done' AND archived = ?
  AND assigned_to IS NOT NULL AND assigned_to <> ''
  AND sla_due_at IS NULL
ORDER BY created_at, id
LIMIT ?`), false, limit)
	if err != nil {
		return nil, fmt.Errorf("select unseeded sla tasks: %w", err)
	}
	return out, nil
}

// SetSlaDueAt stamps the SLA due time on a task that has none.
func (s *Store) SetSlaDueAt(ctx context.Context, id string, dueAt, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.q(`
UPDATE tasks SET sla_due_at = ?, updated_at = ? WHERE id = ? AND sla_due_at IS NULL`), ts(dueAt), ts(now), id)
	if err != nil {
		return false, fmt.Errorf("set sla due for task %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// SelectStaleReviews returns done tasks still waiting for review since before the cutoff.
func (s *Store) SelectStaleReviews(ctx context.Context, before time.Time) ([]domain.Task, error) {
	var out []domain.Task
	err := s.db.SelectContext(ctx, &out, s.q(`
SELECT `+taskColumns+` FROM tasks
WHERE status = 'done' AND review_status = 'pending' AND archived = ?
  AND updated_at <= ?
ORDER BY updated_at, id`), false, ts(before))
	if err != nil {
		return nil, fmt.Errorf("select stale reviews: %w", err)
	}
	return out, nil
}

// CountDigest computes the board-wide counters for the daily summary.
func (s *Store) CountDigest(ctx context.Context, now time.Time) (domain.DigestCounts, error) {
	var c domain.DigestCounts
	err := s.db.GetContext(ctx, &c, s.q(`
SELECT
  COALESCE(SUM(CASE WHEN status = 'todo' THEN 1 ELSE 0 END), 0) AS open_count,
  COALESCE(SUM(CASE WHEN status = 'in_progress' THEN 1 ELSE 0 END), 0) AS in_progress_count,
  COALESCE(SUM(CASE WHEN status = 'done' AND review_status = 'pending' THEN 1 ELSE 0 END), 0) AS pending_review_count,
  COALESCE(SUM(CASE WHEN status <> 'done' AND sla_due_at IS NOT NULL AND sla_due_at <= ? THEN 1 ELSE 0 END), 0) AS overdue_count
FROM tasks WHERE archived = ?`), ts(now), false)
	if err != nil {
		return domain.DigestCounts{}, fmt.Errorf("count digest: %w", err)
	}
	return c, nil
}
