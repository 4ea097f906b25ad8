package monitor_test

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskboard/internal/domain"
	"taskboard/internal/metrics"
	"taskboard/internal/monitor"
	"taskboard/internal/notify"
	"taskboard/internal/policy"
	"taskboard/internal/store"
	"taskboard/internal/store/storetest"
)

type env struct {
	store  *store.Store
	policy *policy.Store
	sla    *monitor.SLA
	review *monitor.Review
	digest *monitor.Digest
	now    time.Time
}

func newEnv(t *testing.T) *env {
	t.Helper()
	e := &env{store: storetest.New(t), now: time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)}
	clock := func() time.Time { return e.now }
	storetest.Users(t, e.store,
		domain.User{ID: "alice", Name: "Alice"},
		domain.User{ID: "mgr", Name: "Manager", Role: domain.RoleManager},
	)
	e.policy = policy.NewStore(e.store)
	d := notify.New(e.store, nil, nil, nil, nil, metrics.New(prometheus.NewRegistry())).WithClock(clock)
	e.sla = monitor.NewSLA(e.store, e.policy, d).WithClock(clock)
	e.review = monitor.NewReview(e.store, d, 0, nil).WithClock(clock)
	e.digest = monitor.NewDigest(e.store, d, nil).WithClock(clock)
	return e
}

func (e *env) task(t *testing.T, tk domain.Task) string {
	t.Helper()
	if tk.ProjectID == "" {
		tk.ProjectID = "p1"
	}
	if tk.Title == "" {
		tk.Title = "Fix login"
	}
	if tk.CreatedAt.IsZero() {
		tk.CreatedAt = e.now.Add(-72 * time.Hour)
	}
	id, err := e.store.InsertTask(context.Background(), tk)
	require.NoError(t, err)
	return id
}

func (e *env) inbox(t *testing.T, userID string, typ domain.NotificationType) []domain.Notification {
	t.Helper()
	all, err := e.store.ListNotifications(context.Background(), userID, false, 100)
	require.NoError(t, err)
	var out []domain.Notification
	for _, n := range all {
		if n.Type == typ {
			out = append(out, n)
		}
	}
	return out
}

func ptr[T any](v T) *T { return &v }

func TestSLA_ReminderLifecycle(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	id := e.task(t, domain.Task{AssignedTo: ptr("alice"), SlaDueAt: ptr(e.now.Add(-time.Hour))})

	res, err := e.sla.Scan(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Reminded)
	inbox := e.inbox(t, "alice", domain.TypeTaskSlaOverdue)
	require.Len(t, inbox, 1)
	assert.Equal(t, "task.sla.overdue:"+id+":1", *inbox[0].DedupeKey)

	res, err = e.sla.Scan(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Reminded)
	assert.Len(t, e.inbox(t, "alice", domain.TypeTaskSlaOverdue), 1)

	e.now = e.now.Add(24 * time.Hour)
	_, err = e.sla.Scan(ctx)
	require.NoError(t, err)
	inbox = e.inbox(t, "alice", domain.TypeTaskSlaOverdue)
	require.Len(t, inbox, 2)
	assert.Equal(t, "task.sla.overdue:"+id+":2", *inbox[0].DedupeKey)

	tk, err := e.store.GetTask(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 2, tk.SlaReminderCount)

	audit, err := e.store.ListAudit(ctx, "task", id)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(audit), 2)
}

func TestSLA_MaxRemindersNeverReselected(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.task(t, domain.Task{AssignedTo: ptr("alice"), SlaDueAt: ptr(e.now.Add(-1000 * time.Hour)), SlaReminderCount: 3,
		SlaLastRemindedAt: ptr(e.now.Add(-500 * time.Hour))})

	for i := 0; i < 3; i++ {
		res, err := e.sla.Scan(ctx)
		require.NoError(t, err)
		assert.Zero(t, res.Reminded)
		e.now = e.now.Add(48 * time.Hour)
	}
	assert.Empty(t, e.inbox(t, "alice", domain.TypeTaskSlaOverdue))
}

func TestSLA_EscalatesOnce(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	first := e.now.Add(-30 * time.Hour)
	id := e.task(t, domain.Task{AssignedTo: ptr("alice"), SlaDueAt: ptr(first), SlaReminderCount: 3,
		SlaLastRemindedAt: ptr(first), SlaRemindedAt: ptr(first)})

	res, err := e.sla.Scan(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Escalated)

	tk, err := e.store.GetTask(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, tk.SlaEscalatedAt)
	escalatedAt := *tk.SlaEscalatedAt

	for i := 0; i < 3; i++ {
		e.now = e.now.Add(30 * 24 * time.Hour)
		res, err = e.sla.Scan(ctx)
		require.NoError(t, err)
		assert.Zero(t, res.Escalated)
	}

	tk, err = e.store.GetTask(ctx, id)
	require.NoError(t, err)
	assert.True(t, escalatedAt.Equal(*tk.SlaEscalatedAt))

	escalations := e.inbox(t, "mgr", domain.TypeTaskSlaEscalated)
	require.Len(t, escalations, 1)
	assert.Equal(t, "task.sla.escalated:"+id+":mgr", *escalations[0].DedupeKey)
	assert.Empty(t, e.inbox(t, "alice", domain.TypeTaskSlaEscalated), "members are not escalation recipients")
}

func TestSLA_NoEscalationWithoutRecipients(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	s := storetest.New(t)
	storetest.Users(t, s, domain.User{ID: "alice", Name: "Alice"})
	d := notify.New(s, nil, nil, nil, nil, metrics.New(prometheus.NewRegistry())).WithClock(clock)
	sla := monitor.NewSLA(s, policy.NewStore(s), d).WithClock(clock)

	first := now.Add(-30 * time.Hour)
	id, err := s.InsertTask(ctx, domain.Task{ProjectID: "p1", Title: "Fix login", AssignedTo: ptr("alice"),
		SlaDueAt: ptr(first), SlaReminderCount: 3, SlaLastRemindedAt: ptr(first), SlaRemindedAt: ptr(first),
		CreatedAt: now.Add(-72 * time.Hour)})
	require.NoError(t, err)

	res, err := sla.Scan(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Escalated)
	tk, err := s.GetTask(ctx, id)
	require.NoError(t, err)
	assert.Nil(t, tk.SlaEscalatedAt)

	storetest.Users(t, s, domain.User{ID: "mgr", Name: "Manager", Role: domain.RoleManager})
	res, err = sla.Scan(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Escalated)
	assert.Equal(t, 1, res.Notified)
}

func TestSLA_DedupedReminderIsNotAudited(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	id := e.task(t, domain.Task{AssignedTo: ptr("alice"), SlaDueAt: ptr(e.now.Add(-time.Hour))})

	key := "task.sla.overdue:" + id + ":1"
	require.NoError(t, e.store.CreateNotification(ctx, &domain.Notification{UserID: "alice", TaskID: &id,
		Type: domain.TypeTaskSlaOverdue, Title: "Task overdue", CreatedAt: e.now.Add(-time.Minute),
		RemindAt: e.now.Add(-time.Minute), DedupeKey: &key, InApp: true}))

	res, err := e.sla.Scan(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Deduped)
	assert.Equal(t, 1, res.Reminded, "the count still advances")

	audit, err := e.store.ListAudit(ctx, "task", id)
	require.NoError(t, err)
	assert.Empty(t, audit)
}

func TestSLA_SeedsThenReminds(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	id := e.task(t, domain.Task{AssignedTo: ptr("alice"), DueDate: ptr(e.now.Add(-2 * time.Hour))})
	fresh := e.task(t, domain.Task{AssignedTo: ptr("alice"), CreatedAt: e.now.Add(-time.Hour)})

	res, err := e.sla.Scan(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Seeded)
	assert.Equal(t, 1, res.Reminded)

	tk, err := e.store.GetTask(ctx, id)
	require.NoError(t, err)
	assert.True(t, e.now.Add(-2*time.Hour).Equal(*tk.SlaDueAt))

	tk, err = e.store.GetTask(ctx, fresh)
	require.NoError(t, err)
	assert.True(t, e.now.Add(23*time.Hour).Equal(*tk.SlaDueAt), "created_at plus default hours")
}

func TestSLA_DisabledPolicyIsNoop(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.task(t, domain.Task{AssignedTo: ptr("alice"), SlaDueAt: ptr(e.now.Add(-time.Hour))})

	off := false
	_, err := e.policy.Update(ctx, policy.Patch{Enabled: &off}, "mgr")
	require.NoError(t, err)

	res, err := e.sla.Scan(ctx)
	require.NoError(t, err)
	assert.True(t, res.Disabled)
	assert.Empty(t, e.inbox(t, "alice", domain.TypeTaskSlaOverdue))

	on := true
	_, err = e.policy.Update(ctx, policy.Patch{Enabled: &on}, "mgr")
	require.NoError(t, err)
	res, err = e.sla.Scan(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Reminded, "policy edits apply on the next scan")
}

type blockingPolicy struct {
	entered chan struct{}
	release chan struct{}
}

func (b *blockingPolicy) Get(context.Context) (domain.SlaPolicy, error) {
	b.entered <- struct{}{}
	<-b.release
	p := policy.Defaults()
	p.Enabled = false
	return p, nil
}

func TestSLA_ScanDoesNotOverlap(t *testing.T) {
	e := newEnv(t)
	bp := &blockingPolicy{entered: make(chan struct{}, 1), release: make(chan struct{})}
	m := monitor.NewSLA(e.store, bp, nil)

	done := make(chan monitor.ScanResult)
	go func() {
		res, _ := m.Scan(context.Background())
		done <- res
	}()
	<-bp.entered

	res, err := m.Scan(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Skipped)

	close(bp.release)
	assert.True(t, (<-done).Disabled)
}

func TestReview_OncePerRecipientPerDay(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	id := e.task(t, domain.Task{Status: domain.StatusDone, ReviewStatus: domain.ReviewPending, UpdatedAt: e.now.Add(-48 * time.Hour)})
	e.task(t, domain.Task{Status: domain.StatusDone, ReviewStatus: domain.ReviewPending, UpdatedAt: e.now.Add(-time.Hour)})
	e.task(t, domain.Task{Status: domain.StatusDone, ReviewStatus: domain.ReviewApproved, UpdatedAt: e.now.Add(-48 * time.Hour)})

	res, err := e.review.Scan(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Notified)

	e.now = e.now.Add(3 * time.Hour)
	res, err = e.review.Scan(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Deduped)

	e.now = e.now.Add(24 * time.Hour)
	_, err = e.review.Scan(ctx)
	require.NoError(t, err)

	got := e.inbox(t, "mgr", domain.TypeTaskReviewReminder)
	require.Len(t, got, 2)
	assert.Equal(t, "task.review.reminder:"+id+":mgr:2025-03-11", *got[0].DedupeKey)
	assert.Empty(t, e.inbox(t, "alice", domain.TypeTaskReviewReminder))
}

func TestDigest_OncePerDay(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.task(t, domain.Task{})
	e.task(t, domain.Task{Status: domain.StatusInProgress, SlaDueAt: ptr(e.now.Add(-time.Hour))})
	e.task(t, domain.Task{Status: domain.StatusDone, ReviewStatus: domain.ReviewPending})

	res, err := e.digest.Scan(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Notified)

	res, err = e.digest.Scan(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Deduped)

	got := e.inbox(t, "mgr", domain.TypeDigestDailySummary)
	require.Len(t, got, 1)
	assert.Equal(t, "Open: 1, in progress: 1, pending review: 1, overdue: 1", got[0].Message)
	assert.Equal(t, "Daily summary 2025-03-10", got[0].Title)
}
