package monitor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"taskboard/internal/domain"
	"taskboard/internal/notify"
	"taskboard/internal/store"
)

const (
	seedBatch = 500
	// Reminder and escalation keys are unique per reminder number or
	// recipient, so their window only has to outlive a task's SLA life.
	slaDedupeHours = 24 * 30
)

type SLAStore interface {
	Directory
	Auditor
	SelectUnseededSlaTasks(ctx context.Context, limit int) ([]domain.Task, error)
	SetSlaDueAt(ctx context.Context, id string, dueAt, now time.Time) (bool, error)
	SelectOverdueTasks(ctx context.Context, now time.Time, maxReminders, repeatHours int) ([]domain.Task, error)
	SelectEscalationCandidates(ctx context.Context, now time.Time, escalationHours int) ([]domain.Task, error)
	UpdateTaskSlaState(ctx context.Context, id string, u store.SlaUpdate, now time.Time) (bool, error)
}

type PolicySource interface {
	Get(ctx context.Context) (domain.SlaPolicy, error)
}

// SLA reminds assignees of overdue tasks and escalates tasks that stay
// overdue past the escalation grace period.
type SLA struct {
	store    SLAStore
	policy   PolicySource
	notifier Notifier
	log      zerolog.Logger
	now      func() time.Time
	guard
}

func NewSLA(s SLAStore, p PolicySource, n Notifier) *SLA {
	return &SLA{
		store:    s,
		policy:   p,
		notifier: n,
		log:      log.With().Str("component", "sla_monitor").Logger(),
		now:      time.Now,
	}
}

func (m *SLA) WithClock(now func() time.Time) *SLA {
	m.now = now
	return m
}

// Run is the scheduler entry point.
func (m *SLA) Run(ctx context.Context) error {
	res, err := m.Scan(ctx)
	if res.Reminded+res.Escalated+res.Seeded > 0 || res.Errors > 0 {
		m.log.Info().Interface("result", res).Msg("sla scan finished")
	}
	return err
}

// Scan runs the seed, overdue and escalation passes in that order. It is a
// no-op while another scan is running or the policy is disabled. A failing
// pass does not stop the passes after it.
func (m *SLA) Scan(ctx context.Context) (ScanResult, error) {
	if !m.enter() {
		return ScanResult{Skipped: true}, nil
	}
	defer m.leave()

	pol, err := m.policy.Get(ctx)
	if err != nil {
		return ScanResult{}, fmt.Errorf("load sla policy: %w", err)
	}
	if !pol.Enabled {
		return ScanResult{Disabled: true}, nil
	}

	var res ScanResult
	errs := []error{
		m.seed(ctx, pol, &res),
		m.remind(ctx, pol, &res),
		m.escalate(ctx, pol, &res),
	}
	return res, errors.Join(errs...)
}

// seed stamps an SLA due time on open, assigned tasks that have none: the
// task's due date, else its creation time plus the policy's default hours.
func (m *SLA) seed(ctx context.Context, pol domain.SlaPolicy, res *ScanResult) error {
	tasks, err := m.store.SelectUnseededSlaTasks(ctx, seedBatch)
	if err != nil {
		return err
	}
	now := m.now()
	for _, t := range tasks {
		due := t.CreatedAt.Add(time.Duration(pol.DefaultHours) * time.Hour)
		if t.DueDate != nil {
			due = *t.DueDate
		}
		ok, err := m.store.SetSlaDueAt(ctx, t.ID, due, now)
		if err != nil {
			res.Errors++
			m.log.Error().Err(err).Str("task_id", t.ID).Msg("failed to seed sla due time")
			continue
		}
		if ok {
			res.Seeded++
		}
	}
	return nil
}

func (m *SLA) remind(ctx context.Context, pol domain.SlaPolicy, res *ScanResult) error {
	now := m.now()
	tasks, err := m.store.SelectOverdueTasks(ctx, now, pol.MaxReminders, pol.RepeatHours)
	if err != nil {
		return err
	}
	for _, t := range tasks {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		l := m.log.With().Str("task_id", t.ID).Logger()
		n := t.SlaReminderCount + 1

		nr, err := m.notifier.Notify(ctx, notify.Request{
			UserID:      *t.AssignedTo,
			TaskID:      t.ID,
			Type:        domain.TypeTaskSlaOverdue,
			Title:       "Task overdue",
			Message:     fmt.Sprintf("%q is past its SLA (reminder %d of %d)", t.Title, n, pol.MaxReminders),
			DedupeKey:   fmt.Sprintf("%s:%s:%d", domain.TypeTaskSlaOverdue, t.ID, n),
			DedupeHours: slaDedupeHours,
		})
		if err != nil {
			res.Errors++
			l.Error().Err(err).Msg("failed to send overdue reminder")
			continue
		}
		res.count(nr)
		if nr.Skipped == "" {
			m.audit(ctx, l, "task.sla.reminded", t.ID, fmt.Sprintf("reminder %d sent to %s", n, *t.AssignedTo), now)
		}

		ok, err := m.store.UpdateTaskSlaState(ctx, t.ID, store.SlaUpdate{
			ExpectedReminderCount: t.SlaReminderCount,
			ReminderCount:         &n,
			LastRemindedAt:        &now,
			RemindedAt:            &now,
		}, now)
		switch {
		case err != nil:
			res.Errors++
			l.Error().Err(err).Msg("failed to advance sla reminder count")
		case !ok:
			res.Conflicts++
			l.Debug().Msg("sla state changed concurrently")
		default:
			res.Reminded++
		}
	}
	return nil
}

func (m *SLA) escalate(ctx context.Context, pol domain.SlaPolicy, res *ScanResult) error {
	now := m.now()
	tasks, err := m.store.SelectEscalationCandidates(ctx, now, pol.EscalationHours)
	if err != nil || len(tasks) == 0 {
		return err
	}
	recipients, err := m.store.ListPrivileged(ctx)
	if err != nil {
		return err
	}
	if len(recipients) == 0 {
		// Leave the tasks unmarked so they escalate once someone can receive it.
		m.log.Warn().Int("tasks", len(tasks)).Msg("no privileged users to escalate to")
		return nil
	}

	for _, t := range tasks {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		l := m.log.With().Str("task_id", t.ID).Logger()
		failed := false
		for _, u := range recipients {
			nr, err := m.notifier.Notify(ctx, notify.Request{
				UserID:      u.ID,
				TaskID:      t.ID,
				Type:        domain.TypeTaskSlaEscalated,
				Title:       "Task escalated",
				Message:     fmt.Sprintf("%q is still overdue after %d reminder(s)", t.Title, t.SlaReminderCount),
				DedupeKey:   fmt.Sprintf("%s:%s:%s", domain.TypeTaskSlaEscalated, t.ID, u.ID),
				DedupeHours: slaDedupeHours,
			})
			if err != nil {
				failed = true
				res.Errors++
				l.Error().Err(err).Str("user_id", u.ID).Msg("failed to send escalation")
				continue
			}
			res.count(nr)
		}
		// Recipients already notified are covered by their dedupe keys on
		// the next attempt.
		if failed {
			continue
		}
		m.audit(ctx, l, "task.sla.escalated", t.ID, fmt.Sprintf("escalated to %d user(s)", len(recipients)), now)

		ok, err := m.store.UpdateTaskSlaState(ctx, t.ID, store.SlaUpdate{EscalatedAt: &now}, now)
		switch {
		case err != nil:
			res.Errors++
			l.Error().Err(err).Msg("failed to mark task escalated")
		case !ok:
			res.Conflicts++
		default:
			res.Escalated++
		}
	}
	return nil
}

func (m *SLA) audit(ctx context.Context, l zerolog.Logger, action, taskID, detail string, at time.Time) {
	err := m.store.RecordAudit(ctx, domain.AuditEntry{
		ActorID:    "system",
		Action:     action,
		EntityType: "task",
		EntityID:   taskID,
		Detail:     detail,
		CreatedAt:  at,
	})
	if err != nil {
		l.Warn().Err(err).Str("action", action).Msg("failed to record audit entry")
	}
}
