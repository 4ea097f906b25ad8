package api_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskboard/internal/api"
	"taskboard/internal/domain"
	"taskboard/internal/metrics"
	"taskboard/internal/notify"
	"taskboard/internal/policy"
	"taskboard/internal/queue"
	"taskboard/internal/recurrence"
	"taskboard/internal/scheduler"
	"taskboard/internal/store"
	"taskboard/internal/store/storetest"
)

type downSender struct{}

func (downSender) SendText(context.Context, string, string) error { return errors.New("down") }

type fixture struct {
	store   *store.Store
	queue   *queue.RetryQueue
	handler http.Handler
	jobRuns int
	now     time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	f := &fixture{store: storetest.New(t), now: time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)}
	storetest.Users(t, f.store,
		domain.User{ID: "admin", Name: "Admin", Role: domain.RoleAdmin},
		domain.User{ID: "alice", Name: "Alice"},
	)

	f.queue = queue.NewRetryQueue(queue.NewRepository(f.store.DB()), downSender{}, queue.Config{MaxAttempts: 1}, m)
	sched := scheduler.NewService(m)
	require.NoError(t, sched.Register(scheduler.Job{
		Name:     "sla",
		Schedule: scheduler.Every(time.Hour),
		Run: func(context.Context) error {
			f.jobRuns++
			return nil
		},
	}))

	f.handler = api.NewServer(api.Deps{
		Users:    f.store,
		Policy:   policy.NewStore(f.store),
		Outbound: f.queue,
		Notifier: notify.New(f.store, nil, nil, nil, nil, m),
		Jobs:     sched,
		Calendar: recurrence.NewCalendar(f.store),
		Metrics:  promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		Now:      func() time.Time { return f.now },
	})
	return f
}

func (f *fixture) do(t *testing.T, method, path, user, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if user != "" {
		req.Header.Set("X-User-ID", user)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func TestHealthAndMetrics(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/health", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())

	f.do(t, http.MethodPost, "/api/notifications", "alice", `{"userId":"alice","type":"task.review.rejected","title":"Rejected"}`)
	rec = f.do(t, http.MethodGet, "/metrics", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "taskboard_notify_dispatched_total")
}

func TestAuth(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, http.StatusUnauthorized, f.do(t, http.MethodGet, "/api/notifications", "", "").Code)
	assert.Equal(t, http.StatusUnauthorized, f.do(t, http.MethodGet, "/api/notifications", "ghost", "").Code)
	assert.Equal(t, http.StatusForbidden, f.do(t, http.MethodGet, "/api/admin/sla-policy", "alice", "").Code)
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/api/admin/sla-policy", "admin", "").Code)
}

func TestPolicyEndpoints(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPatch, "/api/admin/sla-policy", "admin", `{"repeatHours":6,"enabled":false}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var p domain.SlaPolicy
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &p))
	assert.Equal(t, 6, p.RepeatHours)
	assert.False(t, p.Enabled)

	rec = f.do(t, http.MethodPatch, "/api/admin/sla-policy", "admin", `{"repeatHours":6,"color":"red"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "unknown fields are rejected")

	rec = f.do(t, http.MethodPatch, "/api/admin/sla-policy", "admin", `{"maxReminders":99}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "maxReminders")

	rec = f.do(t, http.MethodGet, "/api/admin/sla-policy", "admin", "")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &p))
	assert.Equal(t, 6, p.RepeatHours)
	assert.Equal(t, 3, p.MaxReminders)
}

func TestNotificationEndpoints(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/notifications", "admin",
		`{"userId":"alice","taskId":"tsk_1","type":"task.done.pending_review","title":"Ready for review","channels":["in_app"],"dedupeKey":"k1"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var res notify.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	require.NotNil(t, res.Notification)

	rec = f.do(t, http.MethodPost, "/api/notifications", "admin",
		`{"userId":"alice","type":"task.done.pending_review","title":"Ready for review","dedupeKey":"k1"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"skipped":"deduped"`)

	assert.Equal(t, http.StatusUnprocessableEntity, f.do(t, http.MethodPost, "/api/notifications", "admin", `{"userId":"alice","type":"task.done.pending_review"}`).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/api/notifications", "admin", `{"userId":"alice","type":"task.exploded","title":"x"}`).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/api/notifications", "admin", `{"userId":"alice","type":"task.review.rejected","title":"x","channels":["pager"]}`).Code)

	rec = f.do(t, http.MethodGet, "/api/notifications?unread=true", "alice", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var list []domain.Notification
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list, 1)
	assert.Equal(t, domain.TypeTaskDonePendingReview, list[0].Type)

	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodPost, "/api/notifications/"+list[0].ID+"/read", "admin", "").Code, "only the owner can mark it read")
	assert.Equal(t, http.StatusNoContent, f.do(t, http.MethodPost, "/api/notifications/"+list[0].ID+"/read", "alice", "").Code)

	rec = f.do(t, http.MethodGet, "/api/notifications?unread=true", "alice", "")
	assert.JSONEq(t, `[]`, rec.Body.String())

	f.now = time.Now().Add(48 * time.Hour)
	rec = f.do(t, http.MethodDelete, "/api/admin/notifications/read?older_than_days=1", "admin", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"deleted":1}`, rec.Body.String())
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodDelete, "/api/admin/notifications/read?older_than_days=x", "admin", "").Code)
}

func TestOutboundEndpoints(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id, err := f.queue.Enqueue(ctx, "+15550001", "hello", 0)
	require.NoError(t, err)
	_, err = f.queue.DrainOnce(ctx)
	require.NoError(t, err)

	rec := f.do(t, http.MethodGet, "/api/admin/outbound?status=failed", "admin", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var msgs []domain.OutboundMessage
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &msgs))
	require.Len(t, msgs, 1)
	assert.Equal(t, id, msgs[0].ID)
	require.NotNil(t, msgs[0].LastError)
	assert.Equal(t, "down", *msgs[0].LastError)

	assert.Equal(t, http.StatusNoContent, f.do(t, http.MethodPost, "/api/admin/outbound/"+id+"/requeue", "admin", "").Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodPost, "/api/admin/outbound/out_nope/requeue", "admin", "").Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/api/admin/outbound?status=lost", "admin", "").Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/api/admin/outbound?limit=0", "admin", "").Code)

	rec = f.do(t, http.MethodGet, "/api/admin/outbound?status=pending", "admin", "")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &msgs))
	assert.Len(t, msgs, 1)
}

func TestRunJob(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/api/admin/jobs/sla/run", "admin", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, f.jobRuns)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodPost, "/api/admin/jobs/nope/run", "admin", "").Code)
}

func TestProjectCalendar(t *testing.T) {
	f := newFixture(t)
	due := time.Date(2025, 3, 3, 9, 0, 0, 0, time.UTC)
	_, err := f.store.InsertTask(context.Background(), domain.Task{
		ID: "tsk_daily", ProjectID: "p1", Title: "Standup", DueDate: &due,
		Recurrence: domain.RecurrenceRule{Type: domain.RecurrenceDaily, Interval: 1},
	})
	require.NoError(t, err)

	rec := f.do(t, http.MethodGet, "/api/projects/p1/calendar?from=2025-03-03T00:00:00Z&to=2025-03-05T23:59:59Z", "alice", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var occ []domain.Occurrence
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &occ))
	require.Len(t, occ, 3)
	assert.Equal(t, due.AddDate(0, 0, 2), occ[2].Start.UTC())

	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/api/projects/p1/calendar?from=yesterday", "alice", "").Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/api/projects/p1/calendar?from=2025-03-05T00:00:00Z&to=2025-03-01T00:00:00Z", "alice", "").Code)
}
