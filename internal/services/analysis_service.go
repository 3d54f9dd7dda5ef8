package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/osvaldoandrade/inspector/internal/backends"
	"github.com/osvaldoandrade/inspector/internal/metrics"
	"github.com/osvaldoandrade/inspector/internal/tracing"
	"github.com/osvaldoandrade/inspector/pkg/domain"
	"github.com/osvaldoandrade/inspector/pkg/persistence"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

// TaskOptions carries request-level settings for a new task.
type TaskOptions struct {
	// Webhook receives the final view once every analyser completed.
	Webhook string
}

type AnalysisService interface {
	CreateURLTask(ctx context.Context, rawURL string, opts TaskOptions) (*domain.Task, error)
	CreateFileTask(ctx context.Context, data []byte, filename string, opts TaskOptions) (*domain.Task, error)
	CreateFileTaskFromFingerprint(ctx context.Context, fingerprint string, opts TaskOptions) (*domain.Task, error)

	// PollTick is the scheduler callback for the task with fingerprint.
	PollTick(ctx context.Context, fingerprint string)

	// GetView returns nil, nil for an unknown fingerprint.
	GetView(ctx context.Context, fingerprint string) (map[string]*domain.ScoreView, error)
	ViewOf(task *domain.Task) map[string]*domain.ScoreView
	GetTask(ctx context.Context, fingerprint string) (*domain.Task, error)
	GetTaskByID(ctx context.Context, id int64) (*domain.Task, error)

	RegisterJobFor(task *domain.Task) error
	// RecoverPending registers poll jobs for incomplete tasks nobody is watching.
	RecoverPending(ctx context.Context) (int, error)

	UsableAnalyserNames() []string
	Analyser(name string) backends.Analyser
}

// DispatchError collects the analysers whose submission failed while creating a task.
type DispatchError struct {
	Errors map[string]error
}

func (e *DispatchError) Error() string {
	names := make([]string, 0, len(e.Errors))
	for name := range e.Errors {
		names = append(names, name)
	}
	sort.Strings(names)
	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, fmt.Sprintf("%s: %v", name, e.Errors[name]))
	}
	return "submission failed for " + strings.Join(parts, "; ")
}

func (e *DispatchError) Unwrap() []error {
	out := make([]error, 0, len(e.Errors))
	for _, err := range e.Errors {
		out = append(out, err)
	}
	return out
}

type AnalysisOptions struct {
	Store     persistence.TaskStorage
	Backends  *backends.Set
	Scheduler JobScheduler
	// Callbacks is optional.
	Callbacks    ResultCallbackService
	PollInterval time.Duration
	// FileAnalysers names the analysers that receive raw file uploads.
	FileAnalysers       []string
	DispatchConcurrency int
	RecoveryBatchSize   int
	Now                 func() time.Time
	Logger              *slog.Logger
}

type analysisService struct {
	store         persistence.TaskStorage
	backends      *backends.Set
	scheduler     JobScheduler
	callbacks     ResultCallbackService
	pollInterval  time.Duration
	fileAnalysers map[string]bool
	concurrency   int
	recoveryBatch int
	now           func() time.Time
	logger        *slog.Logger
	tracer        trace.Tracer
}

func NewAnalysisService(opts AnalysisOptions) AnalysisService {
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Hour
	}
	if opts.DispatchConcurrency <= 0 {
		opts.DispatchConcurrency = 4
	}
	if opts.RecoveryBatchSize <= 0 {
		opts.RecoveryBatchSize = 500
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Backends == nil {
		opts.Backends = &backends.Set{}
	}
	fileAnalysers := make(map[string]bool, len(opts.FileAnalysers))
	for _, name := range opts.FileAnalysers {
		fileAnalysers[strings.TrimSpace(name)] = true
	}
	return &analysisService{
		store:         opts.Store,
		backends:      opts.Backends,
		scheduler:     opts.Scheduler,
		callbacks:     opts.Callbacks,
		pollInterval:  opts.PollInterval,
		fileAnalysers: fileAnalysers,
		concurrency:   opts.DispatchConcurrency,
		recoveryBatch: opts.RecoveryBatchSize,
		now:           opts.Now,
		logger:        opts.Logger.With("component", "analysis"),
		tracer:        tracing.Tracer(),
	}
}

// AnalysisRegistry holds the single analysis service of a process.
type AnalysisRegistry struct {
	mu  sync.Mutex
	svc AnalysisService
}

// Init builds the service once; a second call returns domain.ErrDuplicateInitialization.
func (r *AnalysisRegistry) Init(opts AnalysisOptions) (AnalysisService, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.svc != nil {
		return nil, domain.ErrDuplicateInitialization
	}
	if opts.Store == nil || opts.Scheduler == nil {
		return nil, fmt.Errorf("%w: analysis service needs a store and a scheduler", domain.ErrConfiguration)
	}
	r.svc = NewAnalysisService(opts)
	return r.svc, nil
}

func (r *AnalysisRegistry) Get() (AnalysisService, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.svc == nil {
		return nil, domain.ErrNotInitialized
	}
	return r.svc, nil
}

type submitFunc func(ctx context.Context, a backends.Analyser, task *domain.Task) (string, error)

func submitTask(ctx context.Context, a backends.Analyser, task *domain.Task) (string, error) {
	return a.Submit(ctx, task)
}

func submitFingerprint(ctx context.Context, a backends.Analyser, task *domain.Task) (string, error) {
	return a.(backends.FingerprintSubmitter).SubmitFromFingerprint(ctx, task.Fingerprint)
}

func (s *analysisService) CreateURLTask(ctx context.Context, rawURL string, opts TaskOptions) (*domain.Task, error) {
	task, err := domain.NewURLTask(rawURL, s.now())
	if err != nil {
		return nil, err
	}
	return s.create(ctx, task, opts, true, s.backends.Usable(), submitTask)
}

func (s *analysisService) CreateFileTask(ctx context.Context, data []byte, filename string, opts TaskOptions) (*domain.Task, error) {
	task, err := domain.NewFileTask(data, filename, s.now())
	if err != nil {
		return nil, err
	}
	targets := make([]backends.Analyser, 0, len(s.fileAnalysers))
	for _, a := range s.backends.Usable() {
		if s.fileAnalysers[a.Name()] {
			targets = append(targets, a)
		}
	}
	return s.create(ctx, task, opts, false, targets, submitTask)
}

func (s *analysisService) CreateFileTaskFromFingerprint(ctx context.Context, fingerprint string, opts TaskOptions) (*domain.Task, error) {
	task, err := domain.NewFileTaskFromFingerprint(fingerprint, s.now())
	if err != nil {
		return nil, err
	}
	var targets []backends.Analyser
	for _, a := range s.backends.Usable() {
		if _, ok := a.(backends.FingerprintSubmitter); ok {
			targets = append(targets, a)
		}
	}
	return s.create(ctx, task, opts, false, targets, submitFingerprint)
}

// create validates, dispatches, persists and schedules task. A fingerprint that is already
// stored returns the stored task and makes sure it is watched.
func (s *analysisService) create(ctx context.Context, task *domain.Task, opts TaskOptions, validate bool, targets []backends.Analyser, submit submitFunc) (*domain.Task, error) {
	ctx, span := s.tracer.Start(ctx, "inspector.create_task", trace.WithAttributes(
		attribute.String("task.kind", string(task.Kind)),
		attribute.String("task.fingerprint", task.Fingerprint),
	))
	defer span.End()

	if opts.Webhook != "" {
		u, err := url.Parse(opts.Webhook)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return nil, fmt.Errorf("%w: invalid webhook url", domain.ErrParameter)
		}
		task.Webhook = opts.Webhook
	}

	if existing, err := s.store.GetByFingerprint(ctx, task.Fingerprint); err == nil {
		s.logger.Info("task already exists", "fingerprint", task.Fingerprint, "id", existing.ID)
		return s.reuse(ctx, existing, task, targets, submit)
	} else if !errors.Is(err, persistence.ErrNotFound) {
		span.RecordError(err)
		return nil, fmt.Errorf("load task %s: %w", task.Fingerprint, err)
	}

	if validate {
		if err := s.runValidators(ctx, task); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
	}

	results, dispatchErr := s.dispatch(ctx, task, targets, submit)
	if dispatchErr != nil && len(results) == 0 {
		span.RecordError(dispatchErr)
		span.SetStatus(codes.Error, dispatchErr.Error())
		return nil, dispatchErr
	}
	for _, r := range results {
		if err := task.AddResult(r); err != nil {
			return nil, err
		}
	}
	task.TraceParent, task.TraceState = tracing.TraceContextStrings(ctx)
	if task.AnalysersComplete() {
		task.MarkCompleted(s.now())
	}

	if err := s.store.SaveNew(ctx, task); err != nil {
		if errors.Is(err, persistence.ErrAlreadyExists) {
			// Lost a race with a concurrent create for the same fingerprint.
			existing, gerr := s.store.GetByFingerprint(ctx, task.Fingerprint)
			if gerr != nil {
				return nil, fmt.Errorf("load task %s: %w", task.Fingerprint, gerr)
			}
			s.logger.Warn("concurrent create for fingerprint; keeping stored task", "fingerprint", task.Fingerprint, "id", existing.ID)
			return s.reuse(ctx, existing, task, nil, submit)
		}
		span.RecordError(err)
		return nil, fmt.Errorf("save task: %w", err)
	}
	metrics.TaskCreatedTotal.WithLabelValues(string(task.Kind)).Inc()
	span.SetAttributes(attribute.Int64("task.id", task.ID))
	s.logger.Info("task created", "id", task.ID, "kind", task.Kind, "fingerprint", task.Fingerprint, "analysers", len(results))

	if task.Completed {
		s.completed(ctx, task)
	} else {
		s.ensureWatched(task)
	}
	if dispatchErr != nil {
		return task, dispatchErr
	}
	return task, nil
}

// reuse answers a create call for a fingerprint that is already stored. A content-less file
// task picks up the uploaded bytes and is submitted to the targets that have no result yet.
// A webhook is attached when the stored task has none; a task that is already complete
// delivers its view to the new webhook at once.
func (s *analysisService) reuse(ctx context.Context, existing, incoming *domain.Task, targets []backends.Analyser, submit submitFunc) (*domain.Task, error) {
	if existing.Completed {
		if incoming.Webhook != "" && s.callbacks != nil {
			notify := existing.Clone()
			notify.Webhook = incoming.Webhook
			s.callbacks.Send(ctx, notify, s.ViewOf(existing))
		}
		return existing, nil
	}

	attachWebhook := incoming.Webhook != "" && existing.Webhook != incoming.Webhook
	if attachWebhook && existing.Webhook != "" {
		s.logger.Warn("task already has a webhook; keeping it", "fingerprint", existing.Fingerprint)
		attachWebhook = false
	}
	attachContent := existing.IsFile() && !existing.HasContent() && incoming.HasContent()

	var (
		added       []domain.Result
		dispatchErr error
	)
	if attachContent {
		var missing []backends.Analyser
		for _, a := range targets {
			if existing.Result(a.Name()) == nil {
				missing = append(missing, a)
			}
		}
		upload := existing.Clone()
		upload.FileData, upload.FileName = incoming.FileData, incoming.FileName
		added, dispatchErr = s.dispatch(ctx, upload, missing, submit)
	}
	if !attachWebhook && !attachContent {
		s.ensureWatched(existing)
		return existing, nil
	}

	// Reload so a poll tick that saved during dispatch is not overwritten.
	current, err := s.store.GetByFingerprint(ctx, existing.Fingerprint)
	if err != nil {
		return nil, fmt.Errorf("load task %s: %w", existing.Fingerprint, err)
	}
	if current.Completed {
		s.logger.Warn("task completed while updating it; submissions dropped", "fingerprint", current.Fingerprint, "analysers", len(added))
		return current, dispatchErr
	}
	if attachWebhook && current.Webhook == "" {
		current.Webhook = incoming.Webhook
	}
	if attachContent && !current.HasContent() {
		current.FileData, current.FileName = incoming.FileData, incoming.FileName
	}
	for _, r := range added {
		if current.Result(r.ServiceName) != nil {
			continue
		}
		if err := current.AddResult(r); err != nil {
			return nil, err
		}
	}
	if err := s.store.Save(ctx, current); err != nil {
		return nil, fmt.Errorf("save task %s: %w", current.Fingerprint, err)
	}
	s.logger.Info("stored task updated", "id", current.ID, "fingerprint", current.Fingerprint,
		"content", attachContent, "webhook", attachWebhook, "analysers", len(added))

	s.ensureWatched(current)
	return current, dispatchErr
}

// runValidators runs every validator concurrently. The first error aborts creation.
func (s *analysisService) runValidators(ctx context.Context, task *domain.Task) error {
	validators := s.backends.Validators
	out := make([]domain.Result, len(validators))
	g, gctx := errgroup.WithContext(ctx)
	for i, v := range validators {
		g.Go(func() error {
			ok, err := v.Validate(gctx, task)
			if err != nil {
				metrics.ValidationsTotal.WithLabelValues(v.Name(), "error").Inc()
				return fmt.Errorf("%s: %w", v.Name(), err)
			}
			metrics.ValidationsTotal.WithLabelValues(v.Name(), fmt.Sprint(ok)).Inc()
			out[i] = domain.NewValidatorResult(v.Name(), ok)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	for _, r := range out {
		if err := task.AddResult(r); err != nil {
			return err
		}
	}
	return nil
}

// dispatch submits task to every target, bounded by the configured concurrency. Every target
// is tried; results keep target order.
func (s *analysisService) dispatch(ctx context.Context, task *domain.Task, targets []backends.Analyser, submit submitFunc) ([]domain.Result, error) {
	ids := make([]string, len(targets))
	errs := make([]error, len(targets))
	var g errgroup.Group
	g.SetLimit(s.concurrency)
	for i, a := range targets {
		g.Go(func() error {
			id, err := submit(ctx, a, task)
			if err != nil {
				metrics.BackendSubmissionsTotal.WithLabelValues(a.Name(), domain.ErrorKind(err)).Inc()
				s.logger.Error("submission failed", "service", a.Name(), "fingerprint", task.Fingerprint, "err", err)
				errs[i] = err
				return nil
			}
			metrics.BackendSubmissionsTotal.WithLabelValues(a.Name(), "ok").Inc()
			ids[i] = id
			return nil
		})
	}
	_ = g.Wait()

	var (
		results []domain.Result
		failed  map[string]error
	)
	for i, a := range targets {
		if errs[i] != nil {
			if failed == nil {
				failed = map[string]error{}
			}
			failed[a.Name()] = errs[i]
			continue
		}
		results = append(results, domain.NewAnalyserResult(a.Name(), ids[i]))
	}
	if failed != nil {
		return results, &DispatchError{Errors: failed}
	}
	return results, nil
}

func (s *analysisService) ensureWatched(task *domain.Task) {
	if task.Completed {
		return
	}
	if err := s.RegisterJobFor(task); err != nil {
		if errors.Is(err, ErrJobExists) {
			s.logger.Debug("task already watched", "fingerprint", task.Fingerprint)
			return
		}
		s.logger.Error("register poll job", "fingerprint", task.Fingerprint, "err", err)
	}
}

func (s *analysisService) RegisterJobFor(task *domain.Task) error {
	fp := task.Fingerprint
	return s.scheduler.AddIntervalJob(fp, s.pollInterval, func(ctx context.Context) {
		s.PollTick(ctx, fp)
	})
}

func (s *analysisService) PollTick(ctx context.Context, fingerprint string) {
	task, err := s.store.GetByFingerprint(ctx, fingerprint)
	if err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			s.logger.Error("task for poll job not found; removing job", "fingerprint", fingerprint, "err", fmt.Errorf("%w: %v", domain.ErrDb, err))
			s.scheduler.RemoveJob(fingerprint)
			return
		}
		s.logger.Error("load task for poll", "fingerprint", fingerprint, "err", err)
		return
	}

	ctx = tracing.ContextWithRemoteParent(ctx, task.TraceParent, task.TraceState)
	ctx, span := s.tracer.Start(ctx, "inspector.poll_tick", trace.WithAttributes(
		attribute.Int64("task.id", task.ID),
		attribute.String("task.fingerprint", fingerprint),
	))
	defer span.End()

	if task.Completed {
		s.removeJob(fingerprint)
		return
	}

	usable := s.backends.Usable()
	for _, a := range usable {
		s.pollAnalyser(ctx, task, a)
	}

	completedNow := false
	if usableComplete(task, usable) {
		task.MarkCompleted(s.now())
		completedNow = true
	}
	if err := s.store.Save(ctx, task); err != nil {
		span.RecordError(err)
		s.logger.Error("save task after poll", "fingerprint", fingerprint, "err", err)
		return
	}
	if completedNow {
		s.removeJob(fingerprint)
		s.completed(ctx, task)
	}
}

func (s *analysisService) pollAnalyser(ctx context.Context, task *domain.Task, a backends.Analyser) {
	name := a.Name()
	records := task.ResultsFor(name)
	switch {
	case len(records) == 0:
		s.logger.Warn("no result record for analyser", "service", name, "fingerprint", task.Fingerprint)
		return
	case len(records) > 1:
		s.logger.Error("multiple result records for analyser", "service", name, "fingerprint", task.Fingerprint, "count", len(records))
		return
	}
	r := records[0]
	if !r.IsAnalyser() || r.Completed {
		return
	}

	data, err := a.Poll(ctx, task.Kind, r.RemoteID)
	if err != nil {
		metrics.BackendPollsTotal.WithLabelValues(name, "error").Inc()
		s.logger.Error("poll failed", "service", name, "fingerprint", task.Fingerprint, "remote_id", r.RemoteID, "err", err)
		return
	}
	if data == nil {
		metrics.BackendPollsTotal.WithLabelValues(name, "pending").Inc()
		s.logger.Debug("report not ready", "service", name, "fingerprint", task.Fingerprint)
		return
	}
	metrics.BackendPollsTotal.WithLabelValues(name, "ready").Inc()
	if err := a.Merge(r, data); err != nil {
		metrics.BackendMergesTotal.WithLabelValues(name, domain.ErrorKind(err)).Inc()
		s.logger.Error("merge failed", "service", name, "fingerprint", task.Fingerprint, "err", err)
		return
	}
	metrics.BackendMergesTotal.WithLabelValues(name, "ok").Inc()
}

// usableComplete is true when every analyser result of a usable analyser is complete.
func usableComplete(task *domain.Task, usable []backends.Analyser) bool {
	names := make(map[string]bool, len(usable))
	for _, a := range usable {
		names[a.Name()] = true
	}
	for i := range task.Results {
		r := &task.Results[i]
		if r.IsAnalyser() && names[r.ServiceName] && !r.Completed {
			return false
		}
	}
	return true
}

func (s *analysisService) removeJob(fingerprint string) {
	if s.scheduler.HasJob(fingerprint) {
		s.scheduler.RemoveJob(fingerprint)
	}
}

func (s *analysisService) completed(ctx context.Context, task *domain.Task) {
	metrics.TaskCompletedTotal.WithLabelValues(string(task.Kind)).Inc()
	if task.CompletedAt != nil {
		metrics.TaskCompletionLatencySeconds.WithLabelValues(string(task.Kind)).Observe(task.CompletedAt.Sub(task.CreatedAt).Seconds())
	}
	s.logger.Info("task complete", "id", task.ID, "fingerprint", task.Fingerprint)
	if s.callbacks != nil && task.Webhook != "" {
		s.callbacks.Send(ctx, task, s.ViewOf(task))
	}
}

func (s *analysisService) GetView(ctx context.Context, fingerprint string) (map[string]*domain.ScoreView, error) {
	task, err := s.store.GetByFingerprint(ctx, fingerprint)
	if err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return s.ViewOf(task), nil
}

// ViewOf scores task with every usable analyser and every validator.
func (s *analysisService) ViewOf(task *domain.Task) map[string]*domain.ScoreView {
	view := map[string]*domain.ScoreView{}
	for _, a := range s.backends.Usable() {
		if v := a.Score(task); v != nil {
			view[a.Name()] = v
		}
	}
	for _, v := range s.backends.Validators {
		if sv := v.Score(task); sv != nil {
			view[v.Name()] = sv
		}
	}
	return view
}

func (s *analysisService) GetTask(ctx context.Context, fingerprint string) (*domain.Task, error) {
	task, err := s.store.GetByFingerprint(ctx, fingerprint)
	if err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			return nil, fmt.Errorf("%w: no task with fingerprint %s", domain.ErrDb, fingerprint)
		}
		return nil, err
	}
	return task, nil
}

func (s *analysisService) GetTaskByID(ctx context.Context, id int64) (*domain.Task, error) {
	task, err := s.store.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			return nil, fmt.Errorf("%w: no task with id %d", domain.ErrDb, id)
		}
		return nil, err
	}
	return task, nil
}

func (s *analysisService) RecoverPending(ctx context.Context) (int, error) {
	tasks, err := s.store.ListPending(ctx, s.recoveryBatch)
	if err != nil {
		return 0, fmt.Errorf("list pending tasks: %w", err)
	}
	recovered := 0
	for _, task := range tasks {
		if s.scheduler.HasJob(task.Fingerprint) {
			continue
		}
		if err := s.RegisterJobFor(task); err != nil {
			if !errors.Is(err, ErrJobExists) {
				s.logger.Error("register recovered job", "fingerprint", task.Fingerprint, "err", err)
			}
			continue
		}
		recovered++
	}
	if recovered > 0 {
		metrics.RecoveredJobsTotal.Add(float64(recovered))
		s.logger.Info("recovered unwatched tasks", "count", recovered)
	}
	return recovered, nil
}

func (s *analysisService) UsableAnalyserNames() []string {
	usable := s.backends.Usable()
	names := make([]string, 0, len(usable))
	for _, a := range usable {
		names = append(names, a.Name())
	}
	return names
}

func (s *analysisService) Analyser(name string) backends.Analyser {
	return s.backends.Analyser(name)
}
