// Package inapp tells open client sessions that a user has a new notification.
package inapp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"taskboard/internal/domain"
)

// Signaler announces a freshly stored notification.
type Signaler interface {
	Signal(ctx context.Context, n domain.Notification) error
}

// Channel is the pub/sub channel a user's sessions subscribe to.
func Channel(userID string) string { return "notifications:user:" + userID }

type event struct {
	ID     string `json:"id"`
	Type   string `json:"type"`
	Title  string `json:"title"`
	TaskID string `json:"task_id,omitempty"`
}

type RedisSignaler struct {
	client redis.UniversalClient
}

func NewRedisSignaler(client redis.UniversalClient) *RedisSignaler {
	return &RedisSignaler{client: client}
}

func (s *RedisSignaler) Signal(ctx context.Context, n domain.Notification) error {
	ev := event{ID: n.ID, Type: n.Type.String(), Title: n.Title}
	if n.TaskID != nil {
		ev.TaskID = *n.TaskID
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if err := s.client.Publish(ctx, Channel(n.UserID), payload).Err(); err != nil {
		return fmt.Errorf("publish notification signal: %w", err)
	}
	return nil
}

// Nop is used when no pub/sub backend is configured.
type Nop struct{}

func (Nop) Signal(context.Context, domain.Notification) error { return nil }
