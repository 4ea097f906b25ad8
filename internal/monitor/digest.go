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

const DefaultDigestCron = "0 8 * * *"

type DigestStore interface {
	Directory
	CountDigest(ctx context.Context, now time.Time) (domain.DigestCounts, error)
}

// Digest sends every privileged user one board summary per calendar day.
type Digest struct {
	store    DigestStore
	notifier Notifier
	loc      *time.Location
	log      zerolog.Logger
	now      func() time.Time
	guard
}

func NewDigest(s DigestStore, n Notifier, loc *time.Location) *Digest {
	if loc == nil {
		loc = time.UTC
	}
	return &Digest{
		store:    s,
		notifier: n,
		loc:      loc,
		log:      log.With().Str("component", "digest_monitor").Logger(),
		now:      time.Now,
	}
}

func (m *Digest) WithClock(now func() time.Time) *Digest {
	m.now = now
	return m
}

func (m *Digest) Run(ctx context.Context) error {
	res, err := m.Scan(ctx)
	if res.Notified > 0 || res.Errors > 0 {
		m.log.Info().Interface("result", res).Msg("digest sent")
	}
	return err
}

func (m *Digest) Scan(ctx context.Context) (ScanResult, error) {
	if !m.enter() {
		return ScanResult{Skipped: true}, nil
	}
	defer m.leave()

	now := m.now()
	counts, err := m.store.CountDigest(ctx, now)
	if err != nil {
		return ScanResult{}, err
	}
	recipients, err := m.store.ListPrivileged(ctx)
	if err != nil {
		return ScanResult{}, err
	}

	var res ScanResult
	today := day(now, m.loc)
	msg := fmt.Sprintf("Open: %d, in progress: %d, pending review: %d, overdue: %d",
		counts.Open, counts.InProgress, counts.PendingReview, counts.Overdue)
	for _, u := range recipients {
		nr, err := m.notifier.Notify(ctx, notify.Request{
			UserID:      u.ID,
			Type:        domain.TypeDigestDailySummary,
			Title:       "Daily summary " + today,
			Message:     msg,
			DedupeKey:   fmt.Sprintf("%s:%s:%s", domain.TypeDigestDailySummary, u.ID, today),
			DedupeHours: 24,
		})
		if err != nil {
			res.Errors++
			m.log.Error().Err(err).Str("user_id", u.ID).Msg("failed to send digest")
			continue
		}
		res.count(nr)
	}
	return res, nil
}
