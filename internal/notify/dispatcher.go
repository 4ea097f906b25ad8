// Package notify decides where a notification goes and delivers it.
package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"taskboard/internal/channel/inapp"
	"taskboard/internal/domain"
	"taskboard/internal/metrics"
)

const (
	SkipInvalid   = "invalid"
	SkipDeduped   = "deduped"
	SkipNoChannel = "no_channel"

	// defaultDedupeWindow applies when a key is given without a window.
	defaultDedupeWindow = 24 * time.Hour
	phoneCacheTTL       = 5 * time.Minute
)

// Request is one notification to deliver.
type Request struct {
	UserID  string                  `json:"userId"`
	TaskID  string                  `json:"taskId,omitempty"`
	Type    domain.NotificationType `json:"type"`
	Title   string                  `json:"title"`
	Message string                  `json:"message"`
	// RemindAt defaults to now.
	RemindAt time.Time `json:"remindAt,omitempty"`
	// Channels overrides the type's default channels when non-zero.
	Channels domain.ChannelSet `json:"-"`
	// Address overrides the user's phone on file.
	Address string `json:"address,omitempty"`
	// ExternalBody replaces the title and message on the external channel.
	ExternalBody string `json:"externalBody,omitempty"`
	DedupeKey    string `json:"dedupeKey,omitempty"`
	DedupeHours  int    `json:"dedupeHours,omitempty"`
}

type Result struct {
	OK           bool                 `json:"ok"`
	Skipped      string               `json:"skipped,omitempty"`
	Notification *domain.Notification `json:"notification,omitempty"`
}

// Store is the persistence the dispatcher needs.
type Store interface {
	GetPreference(ctx context.Context, userID string) (domain.NotificationPreference, error)
	NotificationExistsSince(ctx context.Context, userID string, typ domain.NotificationType, dedupeKey, message string, since time.Time) (bool, error)
	CreateNotification(ctx context.Context, n *domain.Notification) error
	Phone(ctx context.Context, userID string) (string, error)
}

// Sender delivers on the external channel.
type Sender interface {
	SendText(ctx context.Context, to, body string) error
	SendTemplate(ctx context.Context, to, name, lang string, params ...string) error
}

// Enqueuer hands failed external sends to the retry queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, recipient, body string, maxAttempts int) (string, error)
}

// Template names a provider template used for one notification type. The
// title and message are passed as its two body parameters.
type Template struct {
	Name     string
	Language string
}

type Dispatcher struct {
	store     Store
	signaler  inapp.Signaler
	sender    Sender
	queue     Enqueuer
	templates map[domain.NotificationType]Template
	phones    *cache.Cache
	metrics   *metrics.Metrics
	log       zerolog.Logger
	now       func() time.Time
}

// New builds a dispatcher. A nil sender disables the external channel.
func New(store Store, signaler inapp.Signaler, sender Sender, queue Enqueuer, templates map[domain.NotificationType]Template, m *metrics.Metrics) *Dispatcher {
	if signaler == nil {
		signaler = inapp.Nop{}
	}
	return &Dispatcher{
		store:     store,
		signaler:  signaler,
		sender:    sender,
		queue:     queue,
		templates: templates,
		phones:    cache.New(phoneCacheTTL, 2*phoneCacheTTL),
		metrics:   m,
		log:       log.With().Str("component", "notify").Logger(),
		now:       time.Now,
	}
}

func (d *Dispatcher) WithClock(now func() time.Time) *Dispatcher {
	d.now = now
	return d
}

// Notify delivers req. Only store failures are returned as errors; external
// channel failures end up in the retry queue.
func (d *Dispatcher) Notify(ctx context.Context, req Request) (Result, error) {
	if req.UserID == "" || !req.Type.Valid() || req.Title == "" {
		d.metrics.NotificationsSkipped.WithLabelValues(SkipInvalid).Inc()
		return Result{Skipped: SkipInvalid}, nil
	}
	l := d.log.With().Str("user_id", req.UserID).Stringer("type", req.Type).Logger()

	channels := req.Channels
	if channels == 0 {
		channels = req.Type.DefaultChannels()
	}
	pref, err := d.store.GetPreference(ctx, req.UserID)
	if err != nil {
		return Result{}, err
	}
	now := d.now()

	inAppDue := domain.Has(channels, domain.InApp) && pref.InAppEnabled
	externalDue := domain.Has(channels, domain.WhatsApp) && pref.WhatsappEnabled && d.sender != nil
	if externalDue && pref.InQuietHours(now) {
		externalDue = false
		d.metrics.NotificationsSkipped.WithLabelValues("quiet_hours").Inc()
		l.Debug().Msg("external delivery suppressed by quiet hours")
	}

	if window := dedupeWindow(req); window > 0 {
		dup, err := d.store.NotificationExistsSince(ctx, req.UserID, req.Type, req.DedupeKey, req.Message, now.Add(-window))
		if err != nil {
			return Result{}, err
		}
		if dup {
			d.metrics.NotificationsSkipped.WithLabelValues(SkipDeduped).Inc()
			l.Debug().Str("dedupe_key", req.DedupeKey).Msg("notification deduplicated")
			return Result{OK: true, Skipped: SkipDeduped}, nil
		}
	}

	if !inAppDue && !externalDue {
		d.metrics.NotificationsSkipped.WithLabelValues(SkipNoChannel).Inc()
		return Result{OK: true, Skipped: SkipNoChannel}, nil
	}

	var res Result
	if inAppDue {
		n, err := d.record(ctx, req, now, true)
		if err != nil {
			return Result{}, err
		}
		res.Notification = n
		d.metrics.NotificationsDispatched.WithLabelValues(req.Type.String(), domain.InApp.String()).Inc()
		if err := d.signaler.Signal(ctx, *n); err != nil {
			l.Warn().Err(err).Msg("failed to signal new notification")
		}
	} else if _, err := d.record(ctx, req, now, false); err != nil {
		// The hidden row is what the next dedupe check finds.
		return Result{}, err
	}
	if externalDue {
		d.deliverExternal(ctx, req, l)
	}
	res.OK = true
	return res, nil
}

func dedupeWindow(req Request) time.Duration {
	if req.DedupeHours > 0 {
		return time.Duration(req.DedupeHours) * time.Hour
	}
	if req.DedupeKey != "" {
		return defaultDedupeWindow
	}
	return 0
}

// record stores the notification row. Rows with inApp false only mark an
// external delivery.
func (d *Dispatcher) record(ctx context.Context, req Request, now time.Time, inApp bool) (*domain.Notification, error) {
	n := &domain.Notification{
		InApp:     inApp,
		UserID:    req.UserID,
		Type:      req.Type,
		Title:     req.Title,
		Message:   req.Message,
		CreatedAt: now,
		RemindAt:  now,
	}
	if !req.RemindAt.IsZero() {
		n.RemindAt = req.RemindAt
	}
	if req.TaskID != "" {
		n.TaskID = &req.TaskID
	}
	if req.DedupeKey != "" {
		n.DedupeKey = &req.DedupeKey
	}
	if err := d.store.CreateNotification(ctx, n); err != nil {
		return nil, err
	}
	return n, nil
}

// deliverExternal never fails the request: whatever cannot be sent now is
// queued for the retry loop.
func (d *Dispatcher) deliverExternal(ctx context.Context, req Request, l zerolog.Logger) {
	to, err := d.address(ctx, req)
	if err != nil {
		l.Warn().Err(err).Msg("failed to resolve external address")
		return
	}
	if to == "" {
		l.Debug().Msg("no external address on file")
		return
	}

	body := req.ExternalBody
	if body == "" {
		body = req.Title
		if req.Message != "" {
			body += "\n" + req.Message
		}
	}

	if tpl, ok := d.templates[req.Type]; ok && tpl.Name != "" {
		err := d.sender.SendTemplate(ctx, to, tpl.Name, tpl.Language, req.Title, req.Message)
		if err == nil {
			d.metrics.NotificationsDispatched.WithLabelValues(req.Type.String(), domain.WhatsApp.String()).Inc()
			return
		}
		l.Debug().Err(err).Str("template", tpl.Name).Msg("template send failed, falling back to text")
	}

	sendErr := d.sender.SendText(ctx, to, body)
	if sendErr == nil {
		d.metrics.NotificationsDispatched.WithLabelValues(req.Type.String(), domain.WhatsApp.String()).Inc()
		return
	}
	if d.queue == nil {
		l.Warn().Err(sendErr).Msg("external send failed and no retry queue is configured")
		return
	}
	id, err := d.queue.Enqueue(ctx, to, body, 0)
	if err != nil {
		l.Error().Err(errors.Join(sendErr, err)).Msg("failed to queue external message")
		return
	}
	d.metrics.NotificationsDispatched.WithLabelValues(req.Type.String(), "queued").Inc()
	l.Info().Err(sendErr).Str("message_id", id).Msg("external send failed, queued for retry")
}

func (d *Dispatcher) address(ctx context.Context, req Request) (string, error) {
	if req.Address != "" {
		return req.Address, nil
	}
	if v, ok := d.phones.Get(req.UserID); ok {
		return v.(string), nil
	}
	phone, err := d.store.Phone(ctx, req.UserID)
	if err != nil {
		return "", fmt.Errorf("lookup phone for %s: %w", req.UserID, err)
	}
	if phone != "" {
		d.phones.SetDefault(req.UserID, phone)
	}
	return phone, nil
}
