package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"taskboard/internal/domain"
)

const notificationColumns = `id,user_id,task_id,type,title,message,is_read,created_at,remind_at,dedupe_key,in_app`

func (s *Store) CreateNotification(ctx context.Context, n *domain.Notification) error {
	if n.ID == "" {
		n.ID = newID("ntf_")
	}
	n.CreatedAt = ts(n.CreatedAt)
	n.RemindAt = ts(n.RemindAt)
	_, err := s.db.ExecContext(ctx, s.q(`
INSERT INTO notifications (`+notificationColumns+`)
VALUES (?,?,?,?,?,?,?,?,?,?,?)`),
		n.ID, n.UserID, n.TaskID, n.Type, n.Title, n.Message, n.IsRead, n.CreatedAt, n.RemindAt, n.DedupeKey, n.InApp)
	if err != nil {
		return fmt.Errorf("insert notification: %w", err)
	}
	return nil
}

// NotificationExistsSince reports whether the user already got a notification
// of this type since the given instant. A non-empty dedupeKey is matched
// against the stored key; otherwise the message text is compared.
func (s *Store) NotificationExistsSince(ctx context.Context, userID string, typ domain.NotificationType, dedupeKey, message string, since time.Time) (bool, error) {
	query := `SELECT COUNT(1) FROM notifications WHERE user_id = ? AND type = ? AND created_at >= ? AND `
	arg := message
	if dedupeKey != "" {
		query += `dedupe_key = ?`
		arg = dedupeKey
	} else {
		query += `message = ?`
	}
	var n int
	if err := s.db.GetContext(ctx, &n, s.q(query), userID, typ, ts(since), arg); err != nil {
		return false, fmt.Errorf("check notification dedupe: %w", err)
	}
	return n > 0, nil
}

func (s *Store) ListNotifications(ctx context.Context, userID string, unreadOnly bool, limit int) ([]domain.Notification, error) {
	query := `SELECT ` + notificationColumns + ` FROM notifications WHERE user_id = ? AND in_app = ?`
	args := []any{userID, true}
	if unreadOnly {
		query += ` AND is_read = ?`
		args = append(args, false)
	}
	query += ` ORDER BY created_at DESC, id LIMIT ?`
	args = append(args, limit)

	var out []domain.Notification
	if err := s.db.SelectContext(ctx, &out, s.q(query), args...); err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	return out, nil
}

// MarkNotificationRead flips a user's notification to read.
func (s *Store) MarkNotificationRead(ctx context.Context, userID, id string) error {
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE notifications SET is_read = ? WHERE id = ? AND user_id = ? AND in_app = ?`), true, id, userID, true)
	if err != nil {
		return fmt.Errorf("mark notification read: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ClearReadNotifications deletes read notifications, and external delivery
// records, created before the cutoff.
func (s *Store) ClearReadNotifications(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.q(`DELETE FROM notifications WHERE (is_read = ? OR in_app = ?) AND created_at < ?`), true, false, ts(before))
	if err != nil {
		return 0, fmt.Errorf("clear read notifications: %w", err)
	}
	return res.RowsAffected()
}

// GetPreference returns the user's stored preferences, or the defaults.
func (s *Store) GetPreference(ctx context.Context, userID string) (domain.NotificationPreference, error) {
	var p domain.NotificationPreference
	err := s.db.GetContext(ctx, &p, s.q(`
SELECT user_id,in_app_enabled,whatsapp_enabled,quiet_hours_enabled,quiet_hours_start,quiet_hours_end,timezone_offset_minutes
FROM notification_preferences WHERE user_id = ?`), userID)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.DefaultPreference(userID), nil
	}
	if err != nil {
		return domain.NotificationPreference{}, fmt.Errorf("get preferences for %s: %w", userID, err)
	}
	return p, nil
}

func (s *Store) UpsertPreference(ctx context.Context, p domain.NotificationPreference) error {
	_, err := s.db.ExecContext(ctx, s.q(`
INSERT INTO notification_preferences
  (user_id,in_app_enabled,whatsapp_enabled,quiet_hours_enabled,quiet_hours_start,quiet_hours_end,timezone_offset_minutes)
VALUES (?,?,?,?,?,?,?)
ON CONFLICT (user_id) DO UPDATE SET
  in_app_enabled = excluded.in_app_enabled,
  whatsapp_enabled = excluded.whatsapp_enabled,
  quiet_hours_enabled = excluded.quiet_hours_enabled,
  quiet_hours_start = excluded.quiet_hours_start,
  quiet_hours_end = excluded.quiet_hours_end,
  timezone_offset_minutes = excluded.timezone_offset_minutes`),
		p.UserID, p.InAppEnabled, p.WhatsappEnabled, p.QuietHoursEnabled, p.QuietHoursStart, p.QuietHoursEnd, p.TimezoneOffsetMinutes)
	if err != nil {
		return fmt.Errorf("upsert preferences for %s: %w", p.UserID, err)
	}
	return nil
}
