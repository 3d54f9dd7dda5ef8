package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/osvaldoandrade/inspector/internal/metrics"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
)

// ErrJobExists is returned when a job id is registered twice.
var ErrJobExists = errors.New("job already registered")

// JobFunc is a recurring callback. Arguments are bound by closure at registration.
type JobFunc func(ctx context.Context)

type JobScheduler interface {
	// AddIntervalJob runs fn every interval, the first run one interval after registration.
	AddIntervalJob(id string, interval time.Duration, fn JobFunc) error
	// RemoveJob cancels id. Unknown ids are logged and reported as false.
	RemoveJob(id string) bool
	HasJob(id string) bool
	Jobs() []string
	// Start resumes delivery of due jobs; jobs run with contexts derived from ctx.
	Start(ctx context.Context)
	// Stop pauses delivery. Registrations are kept.
	Stop()
	// Shutdown stops delivery and waits for in-flight runs until ctx is done.
	Shutdown(ctx context.Context) error
	Running() bool
}

type scheduledJob struct {
	id       string
	interval time.Duration
	fn       JobFunc
	next     time.Time
}

type jobScheduler struct {
	logger          *slog.Logger
	now             func() time.Time
	defaultInterval time.Duration
	resolution      time.Duration
	sem             *semaphore.Weighted

	mu       sync.Mutex
	jobs     map[string]*scheduledJob
	inflight map[string]bool
	jobCtx   context.Context
	cancel   context.CancelFunc
	done     chan struct{}
	wg       sync.WaitGroup
}

type JobSchedulerOptions struct {
	// DefaultInterval is used when a job is added with a non-positive interval.
	DefaultInterval time.Duration
	// Resolution is how often the dispatcher looks for due jobs.
	Resolution time.Duration
	Workers    int
	Now        func() time.Time
	Logger     *slog.Logger
}

func NewJobScheduler(opts JobSchedulerOptions) JobScheduler {
	if opts.DefaultInterval <= 0 {
		opts.DefaultInterval = time.Hour
	}
	if opts.Resolution <= 0 {
		opts.Resolution = 500 * time.Millisecond
	}
	if opts.Workers <= 0 {
		opts.Workers = 8
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &jobScheduler{
		logger:          opts.Logger.With("component", "scheduler"),
		now:             opts.Now,
		defaultInterval: opts.DefaultInterval,
		resolution:      opts.Resolution,
		sem:             semaphore.NewWeighted(int64(opts.Workers)),
		jobs:            map[string]*scheduledJob{},
		inflight:        map[string]bool{},
	}
}

func (s *jobScheduler) AddIntervalJob(id string, interval time.Duration, fn JobFunc) error {
	if id == "" || fn == nil {
		return errors.New("job id and callback are required")
	}
	if interval <= 0 {
		interval = s.defaultInterval
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[id]; ok {
		return fmt.Errorf("%w: %s", ErrJobExists, id)
	}
	s.jobs[id] = &scheduledJob{id: id, interval: interval, fn: fn, next: s.now().Add(interval)}
	metrics.SchedulerJobs.Set(float64(len(s.jobs)))
	s.logger.Debug("job added", "job", id, "interval", interval)
	return nil
}

func (s *jobScheduler) RemoveJob(id string) bool {
	s.mu.Lock()
	_, ok := s.jobs[id]
	delete(s.jobs, id)
	n := len(s.jobs)
	s.mu.Unlock()
	if !ok {
		s.logger.Info("remove of unknown job ignored", "job", id)
		return false
	}
	metrics.SchedulerJobs.Set(float64(n))
	s.logger.Debug("job removed", "job", id)
	return true
}

func (s *jobScheduler) HasJob(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.jobs[id]
	return ok
}

func (s *jobScheduler) Jobs() []string {
	s.mu.Lock()
	ids := make([]string, 0, len(s.jobs))
	for id := range s.jobs {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	sort.Strings(ids)
	return ids
}

func (s *jobScheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancel != nil
}

func (s *jobScheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	s.jobCtx = ctx
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.loop(loopCtx, s.done)
	s.logger.Info("scheduler started", "jobs", len(s.jobs))
}

func (s *jobScheduler) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	s.logger.Info("scheduler stopped")
}

func (s *jobScheduler) Shutdown(ctx context.Context) error {
	s.Stop()
	idle := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(idle)
	}()
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("scheduler shutdown: %w", ctx.Err())
	}
}

// loop runs until Stop or until the Start context ends. In the latter case it clears the
// running state itself so a later Start resumes delivery.
func (s *jobScheduler) loop(ctx context.Context, done chan struct{}) {
	defer func() {
		s.mu.Lock()
		if s.done == done {
			s.cancel()
			s.cancel, s.done = nil, nil
			s.logger.Info("scheduler stopped", "reason", ctx.Err())
		}
		s.mu.Unlock()
		close(done)
	}()
	ticker := time.NewTicker(s.resolution)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.dispatch()
		}
	}
}

// dispatch fires every due job that is not already running. A job that cannot get a worker
// stays due and is retried on the next pass.
func (s *jobScheduler) dispatch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel == nil {
		return
	}
	now := s.now()
	for id, j := range s.jobs {
		if now.Before(j.next) {
			continue
		}
		if s.inflight[id] {
			j.next = now.Add(j.interval)
			metrics.SchedulerRunsTotal.WithLabelValues("skipped").Inc()
			s.logger.Warn("job still running; skipping this run", "job", id)
			continue
		}
		if !s.sem.TryAcquire(1) {
			continue
		}
		j.next = now.Add(j.interval)
		s.inflight[id] = true
		s.wg.Add(1)
		go s.run(s.jobCtx, id, j.fn)
	}
}

func (s *jobScheduler) run(ctx context.Context, id string, fn JobFunc) {
	runID := uuid.NewString()
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			metrics.SchedulerRunsTotal.WithLabelValues("panic").Inc()
			s.logger.Error("job panicked", "job", id, "run", runID, "panic", r, "stack", string(debug.Stack()))
		}
		metrics.SchedulerRunSeconds.Observe(time.Since(start).Seconds())
		s.mu.Lock()
		delete(s.inflight, id)
		s.mu.Unlock()
		s.sem.Release(1)
		s.wg.Done()
	}()
	s.logger.Debug("job run", "job", id, "run", runID)
	fn(ctx)
	metrics.SchedulerRunsTotal.WithLabelValues("ok").Inc()
}
