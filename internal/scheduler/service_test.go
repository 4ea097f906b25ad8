package scheduler_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskboard/internal/metrics"
	"taskboard/internal/scheduler"
)

func newService() (*scheduler.Service, *metrics.Metrics) {
	m := metrics.New(prometheus.NewRegistry())
	return scheduler.NewService(m), m
}

func TestService_RunsJobsOnSchedule(t *testing.T) {
	s, _ := newService()
	var runs atomic.Int32
	require.NoError(t, s.Register(scheduler.Job{
		Name:     "tick",
		Schedule: scheduler.Every(5 * time.Millisecond),
		Run: func(context.Context) error {
			runs.Add(1)
			return nil
		},
	}))

	s.Start(context.Background())
	require.Eventually(t, func() bool { return runs.Load() >= 3 }, time.Second, time.Millisecond)
	s.Stop()

	after := runs.Load()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, after, runs.Load(), "no runs after Stop")
	_, ok := s.LastRun("tick")
	assert.True(t, ok)
}

func TestService_TriggerIsGuarded(t *testing.T) {
	s, m := newService()
	entered := make(chan struct{})
	release := make(chan struct{})
	require.NoError(t, s.Register(scheduler.Job{
		Name:     "slow",
		Schedule: scheduler.Every(time.Hour),
		Run: func(context.Context) error {
			entered <- struct{}{}
			<-release
			return nil
		},
	}))

	done := make(chan error)
	go func() { done <- s.Trigger(context.Background(), "slow") }()
	<-entered

	err := s.Trigger(context.Background(), "slow")
	assert.ErrorIs(t, err, scheduler.ErrJobRunning)

	close(release)
	assert.NoError(t, <-done)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.JobRuns.WithLabelValues("slow", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.JobRuns.WithLabelValues("slow", "skipped")))
}

func TestService_TriggerErrorsAndPanics(t *testing.T) {
	s, m := newService()
	boom := errors.New("boom")
	require.NoError(t, s.Register(scheduler.Job{Name: "fails", Schedule: scheduler.Every(time.Hour), Run: func(context.Context) error { return boom }}))
	require.NoError(t, s.Register(scheduler.Job{Name: "panics", Schedule: scheduler.Every(time.Hour), Run: func(context.Context) error { panic("nil map") }}))

	assert.ErrorIs(t, s.Trigger(context.Background(), "fails"), boom)

	err := s.Trigger(context.Background(), "panics")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nil map")
	// The guard is released after a panic.
	assert.Error(t, s.Trigger(context.Background(), "panics"))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.JobRuns.WithLabelValues("panics", "error")))

	assert.ErrorIs(t, s.Trigger(context.Background(), "nope"), scheduler.ErrUnknownJob)
}

func TestService_Register(t *testing.T) {
	s, _ := newService()
	run := func(context.Context) error { return nil }
	require.NoError(t, s.Register(scheduler.Job{Name: "b", Schedule: scheduler.Every(time.Second), Run: run}))
	require.NoError(t, s.Register(scheduler.Job{Name: "a", Schedule: scheduler.Every(time.Second), Run: run}))
	assert.Error(t, s.Register(scheduler.Job{Name: "a", Schedule: scheduler.Every(time.Second), Run: run}))
	assert.Error(t, s.Register(scheduler.Job{Name: "c", Run: run}))
	assert.Equal(t, []string{"a", "b"}, s.Jobs())
}

func TestDynamicScheduleReadsIntervalEachTime(t *testing.T) {
	interval := 5 * time.Minute
	sched := scheduler.Dynamic(func() time.Duration { return interval })
	base := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)

	assert.Equal(t, base.Add(5*time.Minute), sched.Next(base))
	interval = 30 * time.Second
	assert.Equal(t, base.Add(30*time.Second), sched.Next(base))
}

func TestParseCronInLocation(t *testing.T) {
	sched, err := scheduler.ParseCron("0 8 * * *")
	require.NoError(t, err)

	berlin, err := time.LoadLocation("Europe/Berlin")
	require.NoError(t, err)
	next := scheduler.InLocation(sched, berlin).Next(time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC))
	assert.Equal(t, time.Date(2025, 3, 11, 7, 0, 0, 0, time.UTC), next.UTC())

	_, err = scheduler.ParseCron("not a cron")
	assert.Error(t, err)
}
