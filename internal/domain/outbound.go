package domain

import "time"

const (
	OutboundPending = "pending"
	OutboundSent    = "sent"
	OutboundFailed  = "failed"
)

// OutboundMessage is a durable external-channel send.
type OutboundMessage struct {
	ID            string     `db:"id" json:"id"`
	Channel       string     `db:"channel" json:"channel"`
	Recipient     string     `db:"recipient" json:"recipient"`
	Body          string     `db:"body" json:"body"`
	Status        string     `db:"status" json:"status"`
	Attempts      int        `db:"attempts" json:"attempts"`
	MaxAttempts   int        `db:"max_attempts" json:"max_attempts"`
	LastError     *string    `db:"last_error" json:"last_error,omitempty"`
	NextAttemptAt time.Time  `db:"next_attempt_at" json:"next_attempt_at"`
	SentAt        *time.Time `db:"sent_at" json:"sent_at,omitempty"`
	CreatedAt     time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time  `db:"updated_at" json:"updated_at"`
}
