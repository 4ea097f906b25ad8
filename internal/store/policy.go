package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"taskboard/internal/domain"
)

// PolicyRow is the persisted SLA policy override. Columns may be NULL or out
// of range when written by older releases; readers clamp.
type PolicyRow struct {
	Enabled          sql.NullBool  `db:"enabled"`
	DefaultHours     sql.NullInt64 `db:"default_hours"`
	RepeatHours      sql.NullInt64 `db:"repeat_hours"`
	MaxReminders     sql.NullInt64 `db:"max_reminders"`
	EscalationHours  sql.NullInt64 `db:"escalation_hours"`
	ScanEverySeconds sql.NullInt64 `db:"scan_every_seconds"`
}

// LoadPolicy returns the stored override, or ErrNotFound when none was saved.
func (s *Store) LoadPolicy(ctx context.Context) (PolicyRow, error) {
	var r PolicyRow
	err := s.db.GetContext(ctx, &r, s.q(`
SELECT enabled,default_hours,repeat_hours,max_reminders,escalation_hours,scan_every_seconds
FROM sla_policy WHERE id = 1`))
	if errors.Is(err, sql.ErrNoRows) {
		return PolicyRow{}, ErrNotFound
	}
	if err != nil {
		return PolicyRow{}, fmt.Errorf("load sla policy: %w", err)
	}
	return r, nil
}

func (s *Store) SavePolicy(ctx context.Context, p domain.SlaPolicy, actorID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, s.q(`
INSERT INTO sla_policy (id,enabled,default_hours,repeat_hours,max_reminders,escalation_hours,scan_every_seconds,updated_by,updated_at)
VALUES (1,?,?,?,?,?,?,?,?)
ON CONFLICT (id) DO UPDATE SET
  enabled = excluded.enabled,
  default_hours = excluded.default_hours,
  repeat_hours = excluded.repeat_hours,
  max_reminders = excluded.max_reminders,
  escalation_hours = excluded.escalation_hours,
  scan_every_seconds = excluded.scan_every_seconds,
  updated_by = excluded.updated_by,
  updated_at = excluded.updated_at`),
		p.Enabled, p.DefaultHours, p.RepeatHours, p.MaxReminders, p.EscalationHours, p.ScanEverySeconds, actorID, ts(at))
	if err != nil {
		return fmt.Errorf("save sla policy: %w", err)
	}
	return nil
}
