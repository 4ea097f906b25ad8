package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"taskboard/internal/domain"
)

func (s *Store) InsertUser(ctx context.Context, u domain.User) error {
	if u.Role == "" {
		u.Role = domain.RoleMember
	}
	_, err := s.db.ExecContext(ctx, s.q(`INSERT INTO users (id,name,role,phone) VALUES (?,?,?,?)`), u.ID, u.Name, u.Role, u.Phone)
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

func (s *Store) GetUser(ctx context.Context, id string) (domain.User, error) {
	var u domain.User
	err := s.db.GetContext(ctx, &u, s.q(`SELECT id,name,role,phone FROM users WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.User{}, ErrNotFound
	}
	if err != nil {
		return domain.User{}, fmt.Errorf("get user %s: %w", id, err)
	}
	return u, nil
}

// ListPrivileged returns the managers and admins, ordered by id.
func (s *Store) ListPrivileged(ctx context.Context) ([]domain.User, error) {
	var out []domain.User
	err := s.db.SelectContext(ctx, &out, s.q(`SELECT id,name,role,phone FROM users WHERE role IN ('admin','manager') ORDER BY id`))
	if err != nil {
		return nil, fmt.Errorf("list privileged users: %w", err)
	}
	return out, nil
}

// Phone returns the user's messaging address; empty when none is on file.
func (s *Store) Phone(ctx context.Context, userID string) (string, error) {
	u, err := s.GetUser(ctx, userID)
	if errors.Is(err, ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return u.Phone, nil
}

func (s *Store) RecordAudit(ctx context.Context, e domain.AuditEntry) error {
	if e.ID == "" {
		e.ID = newID("aud_")
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, s.q(`
INSERT INTO audit_log (id,actor_id,action,entity_type,entity_id,detail,created_at) VALUES (?,?,?,?,?,?,?)`),
		e.ID, e.ActorID, e.Action, e.EntityType, e.EntityID, e.Detail, ts(e.CreatedAt))
	if err != nil {
		return fmt.Errorf("record audit %s: %w", e.Action, err)
	}
	return nil
}

func (s *Store) ListAudit(ctx context.Context, entityType, entityID string) ([]domain.AuditEntry, error) {
	var out []domain.AuditEntry
	err := s.db.SelectContext(ctx, &out, s.q(`
SELECT id,actor_id,action,entity_type,entity_id,detail,created_at FROM audit_log
WHERE entity_type = ? AND entity_id = ? ORDER BY created_at, id`), entityType, entityID)
	if err != nil {
		return nil, fmt.Errorf("list audit: %w", err)
	}
	return out, nil
}
