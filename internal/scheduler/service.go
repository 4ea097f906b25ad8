package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"taskboard/internal/metrics"
)

var (
	ErrJobRunning = errors.New("job already running")
	ErrUnknownJob = errors.New("unknown job")
)

// Job is a named unit of periodic work.
type Job struct {
	Name     string
	Schedule cron.Schedule
	Run      func(ctx context.Context) error
}

type job struct {
	Job
	running atomic.Bool
	lastRun atomic.Pointer[time.Time]
}

// Service owns the periodic jobs. Each job gets its own loop, and a job
// never overlaps itself whether it fires from its schedule or a Trigger.
type Service struct {
	jobs    map[string]*job
	metrics *metrics.Metrics
	log     zerolog.Logger
	now     func() time.Time

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewService(m *metrics.Metrics) *Service {
	return &Service{
		jobs:    map[string]*job{},
		metrics: m,
		log:     log.With().Str("component", "scheduler").Logger(),
		now:     time.Now,
		stop:    make(chan struct{}),
	}
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Register adds a job. It must be called before Start.
func (s *Service) Register(j Job) error {
	if j.Name == "" || j.Schedule == nil || j.Run == nil {
		return fmt.Errorf("register job %q: name, schedule and run are required", j.Name)
	}
	if _, ok := s.jobs[j.Name]; ok {
		return fmt.Errorf("register job %q: duplicate name", j.Name)
	}
	s.jobs[j.Name] = &job{Job: j}
	return nil
}

// Jobs returns the registered job names, sorted.
func (s *Service) Jobs() []string {
	names := make([]string, 0, len(s.jobs))
	for name := range s.jobs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// LastRun reports when a job last finished.
func (s *Service) LastRun(name string) (time.Time, bool) {
	j, ok := s.jobs[name]
	if !ok {
		return time.Time{}, false
	}
	if t := j.lastRun.Load(); t != nil {
		return *t, true
	}
	return time.Time{}, false
}

// Start launches one loop per job and returns immediately.
func (s *Service) Start(ctx context.Context) {
	for _, name := range s.Jobs() {
		j := s.jobs[name]
		s.wg.Add(1)
		go s.loop(ctx, j)
	}
	s.log.Info().Strs("jobs", s.Jobs()).Msg("scheduler started")
}

// Stop ends every loop and waits for in-flight runs to return.
func (s *Service) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
	s.wg.Wait()
}

// Trigger runs a job now, outside its schedule.
func (s *Service) Trigger(ctx context.Context, name string) error {
	j, ok := s.jobs[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	return s.run(ctx, j)
}

func (s *Service) loop(ctx context.Context, j *job) {
	defer s.wg.Done()
	for {
		now := s.now()
		next := j.Schedule.Next(now)
		if next.IsZero() {
			s.log.Warn().Str("job", j.Name).Msg("schedule has no next run, loop stopped")
			return
		}
		timer := time.NewTimer(next.Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-s.stop:
			timer.Stop()
			return
		case <-timer.C:
			if err := s.run(ctx, j); err != nil && !errors.Is(err, ErrJobRunning) {
				s.log.Error().Err(err).Str("job", j.Name).Msg("job failed")
			}
		}
	}
}

func (s *Service) run(ctx context.Context, j *job) (err error) {
	if !j.running.CompareAndSwap(false, true) {
		s.metrics.JobRuns.WithLabelValues(j.Name, "skipped").Inc()
		return fmt.Errorf("%w: %s", ErrJobRunning, j.Name)
	}
	defer j.running.Store(false)

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job %s panicked: %v", j.Name, r)
			s.log.Error().Str("job", j.Name).Interface("panic", r).Msg("job panicked")
		}
		outcome := "ok"
		if err != nil {
			outcome = "error"
		}
		s.metrics.JobRuns.WithLabelValues(j.Name, outcome).Inc()
		s.metrics.JobDuration.WithLabelValues(j.Name).Observe(time.Since(start).Seconds())
		finished := s.now()
		j.lastRun.Store(&finished)
	}()

	return j.Run(ctx)
}

// Every fires at a fixed interval after the previous run.
type Every time.Duration

func (e Every) Next(t time.Time) time.Time { return t.Add(time.Duration(e)) }

// Dynamic reads its interval each time a run is scheduled, so an interval
// changed at runtime applies from the next run on.
type Dynamic func() time.Duration

func (d Dynamic) Next(t time.Time) time.Time { return t.Add(d()) }

// ParseCron parses a standard five-field cron expression.
func ParseCron(expr string) (cron.Schedule, error) {
	sched, err := cron.ParseStandard(expr)
	if err != nil {
		return nil, fmt.Errorf("parse cron %q: %w", expr, err)
	}
	return sched, nil
}

// InLocation evaluates a schedule in loc.
func InLocation(sched cron.Schedule, loc *time.Location) cron.Schedule {
	return located{sched: sched, loc: loc}
}

type located struct {
	sched cron.Schedule
	loc   *time.Location
}

func (l located) Next(t time.Time) time.Time { return l.sched.Next(t.In(l.loc)) }
