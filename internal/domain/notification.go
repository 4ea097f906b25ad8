package domain

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// NotificationType is the closed set of notification kinds the engine emits.
// Adding a kind means adding a constant, a name and a row in defaultChannels.
type NotificationType int

const (
	TypeUnknown NotificationType = iota
	TypeTaskDonePendingReview
	TypeTaskReviewRejected
	TypeTaskReviewReminder
	TypeTaskSlaOverdue
	TypeTaskSlaEscalated
	TypeProjectWipLimitExceeded
	TypeDigestDailySummary

	typeCount
)

var typeNames = [typeCount]string{
	TypeUnknown:                 "",
	TypeTaskDonePendingReview:   "task.done.pending_review",
	TypeTaskReviewRejected:      "task.review.rejected",
	TypeTaskReviewReminder:      "task.review.reminder",
	TypeTaskSlaOverdue:          "task.sla.overdue",
	TypeTaskSlaEscalated:        "task.sla.escalated",
	TypeProjectWipLimitExceeded: "project.wip.limit.exceeded",
	TypeDigestDailySummary:      "digest.daily.summary",
}

var defaultChannels = [typeCount]ChannelSet{
	TypeUnknown:                 0,
	TypeTaskDonePendingReview:   InApp | WhatsApp,
	TypeTaskReviewRejected:      InApp | WhatsApp,
	TypeTaskReviewReminder:      InApp | WhatsApp,
	TypeTaskSlaOverdue:          InApp | WhatsApp,
	TypeTaskSlaEscalated:        InApp | WhatsApp,
	TypeProjectWipLimitExceeded: InApp | WhatsApp,
	TypeDigestDailySummary:      InApp | WhatsApp,
}

// NotificationTypes lists every known type in declaration order.
func NotificationTypes() []NotificationType {
	out := make([]NotificationType, 0, typeCount-1)
	for t := TypeUnknown + 1; t < typeCount; t++ {
		out = append(out, t)
	}
	return out
}

func (t NotificationType) Valid() bool { return t > TypeUnknown && t < typeCount }

func (t NotificationType) String() string {
	if t < 0 || t >= typeCount {
		return ""
	}
	return typeNames[t]
}

// DefaultChannels returns the channels a type is delivered on when the
// caller does not override them.
func (t NotificationType) DefaultChannels() ChannelSet {
	if !t.Valid() {
		return 0
	}
	return defaultChannels[t]
}

// ParseNotificationType maps a wire name to its type.
func ParseNotificationType(s string) (NotificationType, error) {
	for t := TypeUnknown + 1; t < typeCount; t++ {
		if typeNames[t] == s {
			return t, nil
		}
	}
	return TypeUnknown, fmt.Errorf("unknown notification type %q", s)
}

func (t NotificationType) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

func (t *NotificationType) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	v, err := ParseNotificationType(s)
	if err != nil {
		return err
	}
	*t = v
	return nil
}

func (t NotificationType) Value() (driver.Value, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("invalid notification type %d", int(t))
	}
	return t.String(), nil
}

func (t *NotificationType) Scan(src any) error {
	switch v := src.(type) {
	case string:
		return t.setFromString(v)
	case []byte:
		return t.setFromString(string(v))
	default:
		return fmt.Errorf("notification type: unsupported column type %T", src)
	}
}

func (t *NotificationType) setFromString(s string) error {
	v, err := ParseNotificationType(s)
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// Channel is a delivery channel.
type Channel uint8

const (
	InApp Channel = 1 << iota
	WhatsApp
)

func (c Channel) String() string {
	switch c {
	case InApp:
		return "in_app"
	case WhatsApp:
		return "whatsapp"
	}
	return fmt.Sprintf("channel(%d)", uint8(c))
}

// ParseChannel maps a wire name to its channel.
func ParseChannel(s string) (Channel, error) {
	switch s {
	case "in_app":
		return InApp, nil
	case "whatsapp":
		return WhatsApp, nil
	}
	return 0, fmt.Errorf("unknown channel %q", s)
}

// ChannelSet is a set of channels.
type ChannelSet = Channel

// Has reports whether set contains c.
func Has(set ChannelSet, c Channel) bool { return set&c != 0 }

// Notification is an in-app notification row.
type Notification struct {
	ID        string           `db:"id" json:"id"`
	UserID    string           `db:"user_id" json:"user_id"`
	TaskID    *string          `db:"task_id" json:"task_id,omitempty"`
	Type      NotificationType `db:"type" json:"type"`
	Title     string           `db:"title" json:"title"`
	Message   string           `db:"message" json:"message"`
	IsRead    bool             `db:"is_read" json:"is_read"`
	CreatedAt time.Time        `db:"created_at" json:"created_at"`
	RemindAt  time.Time        `db:"remind_at" json:"remind_at"`
	DedupeKey *string          `db:"dedupe_key" json:"dedupe_key,omitempty"`
	// InApp is false for rows that only record an external delivery; they
	// take part in dedupe but are not shown to the user.
	InApp bool `db:"in_app" json:"-"`
}

// NotificationPreference holds a user's delivery settings.
type NotificationPreference struct {
	UserID                string `db:"user_id" json:"user_id"`
	InAppEnabled          bool   `db:"in_app_enabled" json:"in_app_enabled"`
	WhatsappEnabled       bool   `db:"whatsapp_enabled" json:"whatsapp_enabled"`
	QuietHoursEnabled     bool   `db:"quiet_hours_enabled" json:"quiet_hours_enabled"`
	QuietHoursStart       int    `db:"quiet_hours_start" json:"quiet_hours_start"`
	QuietHoursEnd         int    `db:"quiet_hours_end" json:"quiet_hours_end"`
	TimezoneOffsetMinutes int    `db:"timezone_offset_minutes" json:"timezone_offset_minutes"`
}

// DefaultPreference is used for users who never stored preferences.
func DefaultPreference(userID string) NotificationPreference {
	return NotificationPreference{
		UserID:          userID,
		InAppEnabled:    true,
		WhatsappEnabled: true,
		QuietHoursStart: 22,
		QuietHoursEnd:   8,
	}
}

// InQuietHours reports whether now, shifted into the user's local time,
// falls inside the quiet window. The window wraps midnight when start > end
// and covers the whole day when start == end.
func (p NotificationPreference) InQuietHours(now time.Time) bool {
	if !p.QuietHoursEnabled {
		return false
	}
	hour := now.UTC().Add(time.Duration(p.TimezoneOffsetMinutes) * time.Minute).Hour()
	start, end := p.QuietHoursStart, p.QuietHoursEnd
	switch {
	case start == end:
		return true
	case start < end:
		return hour >= start && hour < end
	default:
		return hour >= start || hour < end
	}
}
