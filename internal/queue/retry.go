// Package queue is the durable retry queue for external-channel messages that
// could not be delivered inline.
package queue

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"taskboard/internal/domain"
	"taskboard/internal/metrics"
)

const (
	DefaultMaxAttempts = 5
	DefaultBatchSize   = 50
	maxErrorLen        = 500
)

// Sender delivers one free-text message on the external channel.
type Sender interface {
	SendText(ctx context.Context, to, body string) error
}

type Config struct {
	BatchSize   int
	MaxAttempts int
}

// DrainResult summarizes one drain pass.
type DrainResult struct {
	Skipped   bool `json:"skipped"`
	Picked    int  `json:"picked"`
	Sent      int  `json:"sent"`
	Retried   int  `json:"retried"`
	Failed    int  `json:"failed"`
	Conflicts int  `json:"conflicts"`
}

type RetryQueue struct {
	repo    Repository
	sender  Sender
	cfg     Config
	metrics *metrics.Metrics
	log     zerolog.Logger
	now     func() time.Time

	draining atomic.Bool
}

func NewRetryQueue(repo Repository, sender Sender, cfg Config, m *metrics.Metrics) *RetryQueue {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	return &RetryQueue{
		repo:    repo,
		sender:  sender,
		cfg:     cfg,
		metrics: m,
		log:     log.With().Str("component", "outbound").Logger(),
		now:     time.Now,
	}
}

// WithClock replaces the queue's time source.
func (q *RetryQueue) WithClock(now func() time.Time) *RetryQueue {
	q.now = now
	return q
}

// Enqueue stores a message for delivery on the next drain. maxAttempts <= 0
// selects the configured default.
func (q *RetryQueue) Enqueue(ctx context.Context, recipient, body string, maxAttempts int) (string, error) {
	if recipient == "" {
		return "", errors.New("enqueue outbound: empty recipient")
	}
	if maxAttempts <= 0 {
		maxAttempts = q.cfg.MaxAttempts
	}
	now := q.now()
	id, err := q.repo.Enqueue(ctx, domain.OutboundMessage{
		Recipient:     recipient,
		Body:          body,
		MaxAttempts:   maxAttempts,
		NextAttemptAt: now,
		CreatedAt:     now,
	})
	if err != nil {
		return "", err
	}
	q.log.Info().Str("message_id", id).Int("max_attempts", maxAttempts).Msg("outbound message queued")
	return id, nil
}

// DrainOnce attempts every due message once. A call that overlaps a drain
// already in progress returns immediately with Skipped set.
func (q *RetryQueue) DrainOnce(ctx context.Context) (DrainResult, error) {
	if !q.draining.CompareAndSwap(false, true) {
		return DrainResult{Skipped: true}, nil
	}
	defer q.draining.Store(false)

	var res DrainResult
	msgs, err := q.repo.Due(ctx, q.now(), q.cfg.BatchSize)
	if err != nil {
		return res, err
	}
	res.Picked = len(msgs)
	q.metrics.OutboundDrained.Observe(float64(len(msgs)))

	for _, m := range msgs {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		q.attempt(ctx, m, &res)
	}
	if res.Picked > 0 {
		q.log.Info().Int("picked", res.Picked).Int("sent", res.Sent).Int("retried", res.Retried).
			Int("failed", res.Failed).Msg("outbound drain finished")
	}
	return res, nil
}

func (q *RetryQueue) attempt(ctx context.Context, m domain.OutboundMessage, res *DrainResult) {
	l := q.log.With().Str("message_id", m.ID).Int("attempts", m.Attempts).Logger()

	sendErr := q.sender.SendText(ctx, m.Recipient, m.Body)
	now := q.now()
	if sendErr == nil {
		ok, err := q.repo.Succeed(ctx, m.ID, m.Attempts, now)
		switch {
		case err != nil:
			l.Error().Err(err).Msg("failed to mark outbound message sent")
		case !ok:
			res.Conflicts++
		default:
			res.Sent++
			q.metrics.OutboundSent.Inc()
		}
		return
	}

	attempts := m.Attempts + 1
	next := now.Add(Backoff(attempts))
	ok, err := q.repo.Retry(ctx, m.ID, m.Attempts, truncate(sendErr.Error(), maxErrorLen), next, now)
	switch {
	case err != nil:
		l.Error().Err(err).Msg("failed to record outbound failure")
	case !ok:
		res.Conflicts++
	case attempts >= m.MaxAttempts:
		res.Failed++
		q.metrics.OutboundFailed.Inc()
		l.Warn().Err(sendErr).Msg("outbound message failed permanently")
	default:
		res.Retried++
		q.metrics.OutboundRetried.Inc()
		l.Debug().Err(sendErr).Time("next_attempt_at", next).Msg("outbound message rescheduled")
	}
}

// Requeue puts a failed or pending message back at the head of the queue.
func (q *RetryQueue) Requeue(ctx context.Context, id string) error {
	if err := q.repo.Requeue(ctx, id, q.now()); err != nil {
		return err
	}
	q.log.Info().Str("message_id", id).Msg("outbound message requeued")
	return nil
}

func (q *RetryQueue) Get(ctx context.Context, id string) (domain.OutboundMessage, error) {
	return q.repo.Get(ctx, id)
}

func (q *RetryQueue) List(ctx context.Context, status string, limit int) ([]domain.OutboundMessage, error) {
	return q.repo.List(ctx, status, limit)
}

// Backoff is the delay before the next attempt once a message has failed
// attempts times: two minutes per attempt, between one and thirty minutes.
func Backoff(attempts int) time.Duration {
	m := attempts * 2
	if m < 1 {
		m = 1
	}
	if m > 30 {
		m = 30
	}
	return time.Duration(m) * time.Minute
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
