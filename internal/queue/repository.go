package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"taskboard/internal/domain"
	"taskboard/internal/store"
)

const outboundColumns = `id,channel,recipient,body,status,attempts,max_attempts,last_error,next_attempt_at,sent_at,created_at,updated_at`

// Repository persists outbound messages.
type Repository interface {
	Enqueue(ctx context.Context, m domain.OutboundMessage) (string, error)
	Due(ctx context.Context, now time.Time, limit int) ([]domain.OutboundMessage, error)
	// Succeed and Retry only touch the row while its attempts still equal the
	// value the caller read; they report false otherwise.
	Succeed(ctx context.Context, id string, attempts int, now time.Time) (bool, error)
	Retry(ctx context.Context, id string, attempts int, errStr string, next, now time.Time) (bool, error)
	Requeue(ctx context.Context, id string, now time.Time) error
	Get(ctx context.Context, id string) (domain.OutboundMessage, error)
	List(ctx context.Context, status string, limit int) ([]domain.OutboundMessage, error)
}

type sqlRepo struct{ db *sqlx.DB }

func NewRepository(db *sqlx.DB) Repository { return &sqlRepo{db: db} }

func ts(t time.Time) time.Time { return t.UTC().Truncate(time.Microsecond) }

func (r *sqlRepo) Enqueue(ctx context.Context, m domain.OutboundMessage) (string, error) {
	id := m.ID
	if id == "" {
		id = "out_" + uuid.NewString()
	}
	if m.Channel == "" {
		m.Channel = "whatsapp"
	}
	if m.MaxAttempts == 0 {
		m.MaxAttempts = DefaultMaxAttempts
	}
	_, err := r.db.ExecContext(ctx, r.db.Rebind(`
INSERT INTO outbound_messages (`+outboundColumns+`)
VALUES (?,?,?,?,'pending',0,?,NULL,?,NULL,?,?)`),
		id, m.Channel, m.Recipient, m.Body, m.MaxAttempts, ts(m.NextAttemptAt), ts(m.CreatedAt), ts(m.CreatedAt))
	if err != nil {
		return "", fmt.Errorf("enqueue outbound: %w", err)
	}
	return id, nil
}

func (r *sqlRepo) Due(ctx context.Context, now time.Time, limit int) ([]domain.OutboundMessage, error) {
	var out []domain.OutboundMessage
	err := r.db.SelectContext(ctx, &out, r.db.Rebind(`
SELECT `+outboundColumns+` FROM outbound_messages
WHERE status = 'pending' AND next_attempt_at <= ?
ORDER BY next_attempt_at, id
LIMIT ?`), ts(now), limit)
	if err != nil {
		return nil, fmt.Errorf("select due outbound: %w", err)
	}
	return out, nil
}

func (r *sqlRepo) Succeed(ctx context.Context, id string, attempts int, now time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, r.db.Rebind(`
UPDATE outbound_messages SET status='sent', sent_at=?, updated_at=?
WHERE id=? AND status='pending' AND attempts=?`), ts(now), ts(now), id, attempts)
	if err != nil {
		return false, fmt.Errorf("mark outbound %s sent: %w", id, err)
	}
	return affected(res)
}

func (r *sqlRepo) Retry(ctx context.Context, id string, attempts int, errStr string, next, now time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, r.db.Rebind(`
UPDATE outbound_messages
SET attempts = attempts + 1,
    status = CASE WHEN attempts + 1 >= max_attempts THEN 'failed' ELSE 'pending' END,
    last_error = ?,
    next_attempt_at = ?,
    updated_at = ?
WHERE id=? AND status='pending' AND attempts=?`), errStr, ts(next), ts(now), id, attempts)
	if err != nil {
		return false, fmt.Errorf("record outbound %s failure: %w", id, err)
	}
	return affected(res)
}

// Requeue makes a message eligible for the next drain with a fresh attempt
// budget. Sent messages are left alone.
func (r *sqlRepo) Requeue(ctx context.Context, id string, now time.Time) error {
	res, err := r.db.ExecContext(ctx, r.db.Rebind(`
UPDATE outbound_messages SET status='pending', attempts=0, next_attempt_at=?, updated_at=?
WHERE id=? AND status <> 'sent'`), ts(now), ts(now), id)
	if err != nil {
		return fmt.Errorf("requeue outbound %s: %w", id, err)
	}
	ok, err := affected(res)
	if err != nil {
		return err
	}
	if !ok {
		return store.ErrNotFound
	}
	return nil
}

func (r *sqlRepo) Get(ctx context.Context, id string) (domain.OutboundMessage, error) {
	var m domain.OutboundMessage
	err := r.db.GetContext(ctx, &m, r.db.Rebind(`SELECT `+outboundColumns+` FROM outbound_messages WHERE id=?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.OutboundMessage{}, store.ErrNotFound
	}
	if err != nil {
		return domain.OutboundMessage{}, fmt.Errorf("get outbound %s: %w", id, err)
	}
	return m, nil
}

// List returns the most recent messages, optionally filtered by status.
func (r *sqlRepo) List(ctx context.Context, status string, limit int) ([]domain.OutboundMessage, error) {
	query := `SELECT ` + outboundColumns + ` FROM outbound_messages`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC, id LIMIT ?`
	args = append(args, limit)

	var out []domain.OutboundMessage
	if err := r.db.SelectContext(ctx, &out, r.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("list outbound: %w", err)
	}
	return out, nil
}

func affected(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
