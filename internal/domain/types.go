package domain

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

const (
	StatusTodo       = "todo"
	StatusInProgress = "in_progress"
	StatusDone       = "done"
)

const (
	ReviewNone     = "none"
	ReviewPending  = "pending"
	ReviewApproved = "approved"
	ReviewRejected = "rejected"
)

// Task is the subset of a board task the engine reads and writes.
type Task struct {
	ID                string         `db:"id" json:"id"`
	ProjectID         string         `db:"project_id" json:"project_id"`
	Title             string         `db:"title" json:"title"`
	Status            string         `db:"status" json:"status"`
	ReviewStatus      string         `db:"review_status" json:"review_status"`
	Archived          bool           `db:"archived" json:"archived"`
	AssignedTo        *string        `db:"assigned_to" json:"assigned_to,omitempty"`
	DueDate           *time.Time     `db:"due_date" json:"due_date,omitempty"`
	Recurrence        RecurrenceRule `db:"recurrence" json:"recurrence"`
	SlaDueAt          *time.Time     `db:"sla_due_at" json:"sla_due_at,omitempty"`
	SlaReminderCount  int            `db:"sla_reminder_count" json:"sla_reminder_count"`
	SlaLastRemindedAt *time.Time     `db:"sla_last_reminded_at" json:"sla_last_reminded_at,omitempty"`
	SlaRemindedAt     *time.Time     `db:"sla_reminded_at" json:"sla_reminded_at,omitempty"`
	SlaEscalatedAt    *time.Time     `db:"sla_escalated_at" json:"sla_escalated_at,omitempty"`
	CreatedAt         time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time      `db:"updated_at" json:"updated_at"`
}

const (
	RecurrenceNone    = "none"
	RecurrenceDaily   = "daily"
	RecurrenceWeekly  = "weekly"
	RecurrenceMonthly = "monthly"
)

const (
	MonthlyDayOfMonth      = "day_of_month"
	MonthlyLastBusinessDay = "last_business_day"
)

// RecurrenceRule describes how a task repeats. It is persisted as a JSON
// document in the task row.
type RecurrenceRule struct {
	Type        string     `json:"type"`
	Interval    int        `json:"interval,omitempty"`
	Weekdays    []string   `json:"weekdays,omitempty"`
	DayOfMonth  int        `json:"day_of_month,omitempty"`
	MonthlyMode string     `json:"monthly_mode,omitempty"`
	EndAt       *time.Time `json:"end_at,omitempty"`
}

// Recurring reports whether the rule produces more than the due date itself.
func (r RecurrenceRule) Recurring() bool {
	return r.Type != "" && r.Type != RecurrenceNone
}

func (r RecurrenceRule) Value() (driver.Value, error) {
	if r.Type == "" {
		r.Type = RecurrenceNone
	}
	b, err := json.Marshal(r)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (r *RecurrenceRule) Scan(src any) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		*r = RecurrenceRule{Type: RecurrenceNone}
		return nil
	case string:
		raw = []byte(v)
	case []byte:
		raw = v
	default:
		return fmt.Errorf("recurrence: unsupported column type %T", src)
	}
	if len(raw) == 0 {
		*r = RecurrenceRule{Type: RecurrenceNone}
		return nil
	}
	var out RecurrenceRule
	if err := json.Unmarshal(raw, &out); err != nil {
		return fmt.Errorf("recurrence: %w", err)
	}
	if out.Type == "" {
		out.Type = RecurrenceNone
	}
	*r = out
	return nil
}

// Occurrence is one concrete calendar instance of a task.
type Occurrence struct {
	TaskID         string    `json:"task_id"`
	Title          string    `json:"title"`
	Start          time.Time `json:"start"`
	End            time.Time `json:"end"`
	Status         string    `json:"status"`
	ReviewStatus   string    `json:"review_status"`
	Archived       bool      `json:"archived"`
	RecurrenceType string    `json:"recurrence_type"`
	Recurring      bool      `json:"recurring"`
}

// SlaPolicy is the live-tunable reminder and escalation policy.
type SlaPolicy struct {
	Enabled          bool `json:"enabled"`
	DefaultHours     int  `json:"defaultHours"`
	RepeatHours      int  `json:"repeatHours"`
	MaxReminders     int  `json:"maxReminders"`
	EscalationHours  int  `json:"escalationHours"`
	ScanEverySeconds int  `json:"scanEverySeconds"`
}

const (
	RoleMember  = "member"
	RoleManager = "manager"
	RoleAdmin   = "admin"
)

type User struct {
	ID    string `db:"id" json:"id"`
	Name  string `db:"name" json:"name"`
	Role  string `db:"role" json:"role"`
	Phone string `db:"phone" json:"phone,omitempty"`
}

// Privileged reports whether the user receives escalations, review
// reminders and digests.
func (u User) Privileged() bool {
	return u.Role == RoleAdmin || u.Role == RoleManager
}

type AuditEntry struct {
	ID         string    `db:"id" json:"id"`
	ActorID    string    `db:"actor_id" json:"actor_id"`
	Action     string    `db:"action" json:"action"`
	EntityType string    `db:"entity_type" json:"entity_type"`
	EntityID   string    `db:"entity_id" json:"entity_id"`
	Detail     string    `db:"detail" json:"detail"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
}

// DigestCounts are the aggregate counters sent in the daily summary.
type DigestCounts struct {
	Open          int `db:"open_count" json:"open"`
	InProgress    int `db:"in_progress_count" json:"in_progress"`
	PendingReview int `db:"pending_review_count" json:"pending_review"`
	Overdue       int `db:"overdue_count" json:"overdue"`
}
