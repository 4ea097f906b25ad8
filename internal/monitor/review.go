package monitor

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"taskboard/internal/domain"
	"taskboard/internal/notify"
)

const DefaultReviewAfter = 24 * time.Hour

type ReviewStore interface {
	Directory
	SelectStaleReviews(ctx context.Context, before time.Time) ([]domain.Task, error)
}

// Review reminds privileged users of done tasks that have waited for review
// longer than after. Each (task, recipient) pair is reminded once per day.
type Review struct {
	store    ReviewStore
	notifier Notifier
	after    time.Duration
	loc      *time.Location
	log      zerolog.Logger
	now      func() time.Time
	guard
}

func NewReview(s ReviewStore, n Notifier, after time.Duration, loc *time.Location) *Review {
	if after <= 0 {
		after = DefaultReviewAfter
	}
	if loc == nil {
		loc = time.UTC
	}
	return &Review{
		store:    s,
		notifier: n,
		after:    after,
		loc:      loc,
		log:      log.With().Str("component", "review_monitor").Logger(),
		now:      time.Now,
	}
}

func (m *Review) WithClock(now func() time.Time) *Review {
	m.now = now
	return m
}

func (m *Review) Run(ctx context.Context) error {
	res, err := m.Scan(ctx)
	if res.Notified > 0 || res.Errors > 0 {
		m.log.Info().Interface("result", res).Msg("review scan finished")
	}
	return err
}

func (m *Review) Scan(ctx context.Context) (ScanResult, error) {
	if !m.enter() {
		return ScanResult{Skipped: true}, nil
	}
	defer m.leave()

	now := m.now()
	tasks, err := m.store.SelectStaleReviews(ctx, now.Add(-m.after))
	if err != nil || len(tasks) == 0 {
		return ScanResult{}, err
	}
	recipients, err := m.store.ListPrivileged(ctx)
	if err != nil {
		return ScanResult{}, err
	}

	var res ScanResult
	today := day(now, m.loc)
	for _, t := range tasks {
		for _, u := range recipients {
			nr, err := m.notifier.Notify(ctx, notify.Request{
				UserID:      u.ID,
				TaskID:      t.ID,
				Type:        domain.TypeTaskReviewReminder,
				Title:       "Review pending",
				Message:     fmt.Sprintf("%q has been waiting for review since %s", t.Title, t.UpdatedAt.In(m.loc).Format(time.DateOnly)),
				DedupeKey:   fmt.Sprintf("%s:%s:%s:%s", domain.TypeTaskReviewReminder, t.ID, u.ID, today),
				DedupeHours: 24,
			})
			if err != nil {
				res.Errors++
				m.log.Error().Err(err).Str("task_id", t.ID).Str("user_id", u.ID).Msg("failed to send review reminder")
				continue
			}
			res.count(nr)
		}
	}
	return res, nil
}
