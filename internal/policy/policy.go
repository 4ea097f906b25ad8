// Package policy holds the live-tunable SLA policy. Every read goes to the
// database so edits are observed on the next monitor tick.
package policy

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/log"

	"taskboard/internal/domain"
	"taskboard/internal/store"
)

var ErrInvalidPatch = errors.New("invalid sla policy patch")

type bound struct{ min, max, def int }

var (
	defaultHours     = bound{1, 168, 24}
	repeatHours      = bound{1, 168, 24}
	maxReminders     = bound{1, 50, 3}
	escalationHours  = bound{1, 168, 24}
	scanEverySeconds = bound{30, 3600, 300}
)

// Defaults is the compiled-in policy used when nothing is stored.
func Defaults() domain.SlaPolicy {
	return domain.SlaPolicy{
		Enabled:          true,
		DefaultHours:     defaultHours.def,
		RepeatHours:      repeatHours.def,
		MaxReminders:     maxReminders.def,
		EscalationHours:  escalationHours.def,
		ScanEverySeconds: scanEverySeconds.def,
	}
}

// Patch is a partial policy update. Nil fields keep their current value.
type Patch struct {
	Enabled          *bool `json:"enabled"`
	DefaultHours     *int  `json:"defaultHours" validate:"omitempty,min=1,max=168"`
	RepeatHours      *int  `json:"repeatHours" validate:"omitempty,min=1,max=168"`
	MaxReminders     *int  `json:"maxReminders" validate:"omitempty,min=1,max=50"`
	EscalationHours  *int  `json:"escalationHours" validate:"omitempty,min=1,max=168"`
	ScanEverySeconds *int  `json:"scanEverySeconds" validate:"omitempty,min=30,max=3600"`
}

// Repository is the persistence the policy needs.
type Repository interface {
	LoadPolicy(ctx context.Context) (store.PolicyRow, error)
	SavePolicy(ctx context.Context, p domain.SlaPolicy, actorID string, at time.Time) error
	RecordAudit(ctx context.Context, e domain.AuditEntry) error
}

type Store struct {
	repo     Repository
	validate *validator.Validate
	now      func() time.Time
}

func NewStore(repo Repository) *Store {
	return &Store{repo: repo, validate: validator.New(), now: time.Now}
}

// Get returns the stored policy merged over the defaults. Missing or out of
// range values are replaced by defaults or clamped; only a store failure is
// reported, together with the defaults.
func (s *Store) Get(ctx context.Context) (domain.SlaPolicy, error) {
	row, err := s.repo.LoadPolicy(ctx)
	if errors.Is(err, store.ErrNotFound) {
		return Defaults(), nil
	}
	if err != nil {
		return Defaults(), err
	}
	p := Defaults()
	if row.Enabled.Valid {
		p.Enabled = row.Enabled.Bool
	}
	p.DefaultHours = defaultHours.clamp(row.DefaultHours.Int64, row.DefaultHours.Valid)
	p.RepeatHours = repeatHours.clamp(row.RepeatHours.Int64, row.RepeatHours.Valid)
	p.MaxReminders = maxReminders.clamp(row.MaxReminders.Int64, row.MaxReminders.Valid)
	p.EscalationHours = escalationHours.clamp(row.EscalationHours.Int64, row.EscalationHours.Valid)
	p.ScanEverySeconds = scanEverySeconds.clamp(row.ScanEverySeconds.Int64, row.ScanEverySeconds.Valid)
	return p, nil
}

// Update validates patch, merges it over the current policy and persists the
// result. Out-of-range fields are rejected with ErrInvalidPatch.
func (s *Store) Update(ctx context.Context, patch Patch, actorID string) (domain.SlaPolicy, error) {
	if err := s.validate.Struct(patch); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fmt.Sprintf("%s must be %s %s", jsonName(fe.Field()), fe.Tag(), fe.Param()))
			}
			return domain.SlaPolicy{}, fmt.Errorf("%w: %s", ErrInvalidPatch, strings.Join(fields, "; "))
		}
		return domain.SlaPolicy{}, fmt.Errorf("%w: %v", ErrInvalidPatch, err)
	}

	cur, err := s.Get(ctx)
	if err != nil {
		return domain.SlaPolicy{}, err
	}
	next := patch.apply(cur)

	now := s.now()
	if err := s.repo.SavePolicy(ctx, next, actorID, now); err != nil {
		return domain.SlaPolicy{}, err
	}
	if err := s.repo.RecordAudit(ctx, domain.AuditEntry{
		ActorID:    actorID,
		Action:     "sla_policy.updated",
		EntityType: "sla_policy",
		EntityID:   "1",
		Detail:     fmt.Sprintf("%+v", next),
		CreatedAt:  now,
	}); err != nil {
		log.Warn().Err(err).Str("user_id", actorID).Msg("failed to audit sla policy update")
	}
	log.Info().Str("user_id", actorID).Interface("policy", next).Msg("sla policy updated")
	return next, nil
}

func (p Patch) apply(cur domain.SlaPolicy) domain.SlaPolicy {
	if p.Enabled != nil {
		cur.Enabled = *p.Enabled
	}
	if p.DefaultHours != nil {
		cur.DefaultHours = *p.DefaultHours
	}
	if p.RepeatHours != nil {
		cur.RepeatHours = *p.RepeatHours
	}
	if p.MaxReminders != nil {
		cur.MaxReminders = *p.MaxReminders
	}
	if p.EscalationHours != nil {
		cur.EscalationHours = *p.EscalationHours
	}
	if p.ScanEverySeconds != nil {
		cur.ScanEverySeconds = *p.ScanEverySeconds
	}
	return cur
}

func (b bound) clamp(v int64, valid bool) int {
	switch {
	case !valid:
		return b.def
	case v < int64(b.min):
		return b.min
	case v > int64(b.max):
		return b.max
	}
	return int(v)
}

func jsonName(field string) string {
	return strings.ToLower(field[:1]) + field[1:]
}

// ScanInterval is the SLA scan cadence currently configured. Store failures
// fall back to the default cadence.
func (s *Store) ScanInterval() time.Duration {
	p, err := s.Get(context.Background())
	if err != nil {
		log.Warn().Err(err).Msg("failed to read sla policy, using default scan interval")
	}
	return time.Duration(p.ScanEverySeconds) * time.Second
}
