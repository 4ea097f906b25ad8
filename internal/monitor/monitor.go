// Package monitor holds the periodic scans that turn task state into
// reminders: SLA overdue and escalation, stale reviews, and the daily digest.
package monitor

import (
	"context"
	"sync/atomic"
	"time"

	"taskboard/internal/domain"
	"taskboard/internal/notify"
)

// Notifier is the dispatcher entry point the monitors use.
type Notifier interface {
	Notify(ctx context.Context, req notify.Request) (notify.Result, error)
}

// Directory lists the users that receive escalations, review reminders and
// digests.
type Directory interface {
	ListPrivileged(ctx context.Context) ([]domain.User, error)
}

type Auditor interface {
	RecordAudit(ctx context.Context, e domain.AuditEntry) error
}

// ScanResult counts what one scan did.
type ScanResult struct {
	Skipped   bool `json:"skipped,omitempty"`
	Disabled  bool `json:"disabled,omitempty"`
	Seeded    int  `json:"seeded,omitempty"`
	Reminded  int  `json:"reminded,omitempty"`
	Escalated int  `json:"escalated,omitempty"`
	Notified  int  `json:"notified,omitempty"`
	Deduped   int  `json:"deduped,omitempty"`
	Conflicts int  `json:"conflicts,omitempty"`
	Errors    int  `json:"errors,omitempty"`
}

// guard keeps a scan from overlapping itself.
type guard struct{ running atomic.Bool }

func (g *guard) enter() bool { return g.running.CompareAndSwap(false, true) }
func (g *guard) leave()      { g.running.Store(false) }

func (r *ScanResult) count(res notify.Result) {
	switch {
	case res.Skipped == notify.SkipDeduped:
		r.Deduped++
	case res.OK:
		r.Notified++
	}
}

func day(t time.Time, loc *time.Location) string {
	return t.In(loc).Format("2006-01-02")
}
