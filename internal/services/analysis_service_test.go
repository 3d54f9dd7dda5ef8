package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/osvaldoandrade/inspector/internal/backends"
	"github.com/osvaldoandrade/inspector/pkg/domain"
	"github.com/osvaldoandrade/inspector/pkg/persistence"
	redisplugin "github.com/osvaldoandrade/inspector/pkg/persistence/redis"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
)

type analysisFixture struct {
	ctx       context.Context
	svc       AnalysisService
	store     persistence.TaskStorage
	scheduler JobScheduler
	callbacks *fakeCallbacks
}

func setupAnalysisTest(t *testing.T, analysers []backends.Analyser, validators []backends.Validator, fileAnalysers ...string) analysisFixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	plugin := redisplugin.NewPluginWithClient(rdb, persistence.PluginConfig{})

	set, err := backends.NewSet(analysers, validators)
	if err != nil {
		t.Fatalf("NewSet: %v", err)
	}
	sched := NewJobScheduler(JobSchedulerOptions{})
	callbacks := &fakeCallbacks{}

	var registry AnalysisRegistry
	svc, err := registry.Init(AnalysisOptions{
		Store:         plugin.TaskStorage(),
		Backends:      set,
		Scheduler:     sched,
		Callbacks:     callbacks,
		PollInterval:  time.Hour,
		FileAnalysers: fileAnalysers,
	})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	return analysisFixture{ctx: context.Background(), svc: svc, store: plugin.TaskStorage(), scheduler: sched, callbacks: callbacks}
}

func TestAnalysisRegistryLifecycle(t *testing.T) {
	var registry AnalysisRegistry
	if _, err := registry.Get(); !errors.Is(err, domain.ErrNotInitialized) {
		t.Fatalf("expected ErrNotInitialized, got %v", err)
	}
	opts := AnalysisOptions{Store: &nopStore{}, Scheduler: NewJobScheduler(JobSchedulerOptions{})}
	if _, err := registry.Init(opts); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if _, err := registry.Init(opts); !errors.Is(err, domain.ErrDuplicateInitialization) {
		t.Fatalf("expected ErrDuplicateInitialization, got %v", err)
	}
	if svc, err := registry.Get(); err != nil || svc == nil {
		t.Fatalf("Get after Init: %v", err)
	}
}

func TestURLTaskLifecycle(t *testing.T) {
	vt := newFakeAnalyser("virustotal")
	f := setupAnalysisTest(t, []backends.Analyser{vt}, []backends.Validator{&fakeValidator{name: "ssl_validator", ok: true}})

	task, err := f.svc.CreateURLTask(f.ctx, "https://example.com", TaskOptions{})
	if err != nil {
		t.Fatalf("CreateURLTask: %v", err)
	}
	if len(task.Results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(task.Results))
	}
	if r := task.Result("ssl_validator"); r == nil || !r.IsValidator() || !r.Validated {
		t.Fatalf("unexpected validator result %+v", r)
	}
	if r := task.Result("virustotal"); r == nil || !r.IsAnalyser() || r.Completed || r.RemoteID != "virustotal-job" {
		t.Fatalf("unexpected analyser result %+v", r)
	}
	if task.ID == 0 || task.State() != domain.StatePolling {
		t.Fatalf("expected stored polling task, got id=%d state=%s", task.ID, task.State())
	}
	if !f.scheduler.HasJob(task.Fingerprint) {
		t.Fatal("poll job not registered")
	}

	vt.setPoll(ready(42))
	f.svc.PollTick(f.ctx, task.Fingerprint)

	stored, err := f.svc.GetTask(f.ctx, task.Fingerprint)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if !stored.Completed || stored.CompletedAt == nil {
		t.Fatal("task not complete after ready poll")
	}
	if f.scheduler.HasJob(task.Fingerprint) {
		t.Fatal("poll job still registered after completion")
	}

	view, err := f.svc.GetView(f.ctx, task.Fingerprint)
	if err != nil {
		t.Fatalf("GetView: %v", err)
	}
	if len(view) != 2 || view["virustotal"] == nil || view["ssl_validator"] == nil {
		t.Fatalf("unexpected view %v", view)
	}
	if *view["virustotal"].Score != 42 || *view["ssl_validator"].Score != 1 {
		t.Fatalf("unexpected scores %v", view)
	}
}

func TestVacuousCompletion(t *testing.T) {
	unusable := newFakeAnalyser("virustotal")
	unusable.usable = false
	f := setupAnalysisTest(t, []backends.Analyser{unusable}, []backends.Validator{&fakeValidator{name: "top_validator"}})

	task, err := f.svc.CreateURLTask(f.ctx, "https://example.com", TaskOptions{})
	if err != nil {
		t.Fatalf("CreateURLTask: %v", err)
	}
	if !task.Completed || task.State() != domain.StateComplete {
		t.Fatal("task without usable analysers must be complete at creation")
	}
	if len(f.scheduler.Jobs()) != 0 {
		t.Fatalf("no poll job expected, got %v", f.scheduler.Jobs())
	}
	if submits, _ := unusable.counts(); submits != 0 {
		t.Fatal("unusable analyser was submitted to")
	}
}

func TestValidatorErrorAbortsCreation(t *testing.T) {
	vt := newFakeAnalyser("virustotal")
	f := setupAnalysisTest(t, []backends.Analyser{vt}, []backends.Validator{
		&fakeValidator{name: "ssl_validator", err: domain.ErrParameter},
	})

	_, err := f.svc.CreateURLTask(f.ctx, "http://example.com", TaskOptions{})
	if !errors.Is(err, domain.ErrParameter) {
		t.Fatalf("expected parameter error, got %v", err)
	}
	if _, err := f.svc.GetTask(f.ctx, domain.Fingerprint([]byte("http://example.com"))); !errors.Is(err, domain.ErrDb) {
		t.Fatalf("nothing must be stored, got %v", err)
	}
	if submits, _ := vt.counts(); submits != 0 {
		t.Fatal("analyser must not be submitted to when validation fails")
	}
}

func TestPartialDispatchFailure(t *testing.T) {
	ok := newFakeAnalyser("cuckoo")
	bad := newFakeAnalyser("virustotal")
	bad.submitErr = &domain.UpstreamError{Service: "virustotal", Status: 500}
	f := setupAnalysisTest(t, []backends.Analyser{bad, ok}, nil)

	task, err := f.svc.CreateURLTask(f.ctx, "https://example.com", TaskOptions{})
	var de *DispatchError
	if !errors.As(err, &de) || de.Errors["virustotal"] == nil {
		t.Fatalf("expected DispatchError for virustotal, got %v", err)
	}
	if domain.ErrorKind(err) != "upstream" {
		t.Fatalf("ErrorKind = %s", domain.ErrorKind(err))
	}
	if task == nil || task.Result("cuckoo") == nil || task.Result("virustotal") != nil {
		t.Fatalf("expected task with the successful submission only, got %+v", task)
	}
	if !f.scheduler.HasJob(task.Fingerprint) {
		t.Fatal("partially dispatched task must be watched")
	}
}

func TestAllDispatchesFailing(t *testing.T) {
	bad := newFakeAnalyser("virustotal")
	bad.submitErr = &domain.UpstreamError{Service: "virustotal", Status: 503}
	f := setupAnalysisTest(t, []backends.Analyser{bad}, nil)

	task, err := f.svc.CreateURLTask(f.ctx, "https://example.com", TaskOptions{})
	if err == nil || task != nil {
		t.Fatalf("expected failure without task, got %v, %v", task, err)
	}
	if view, _ := f.svc.GetView(f.ctx, domain.Fingerprint([]byte("https://example.com"))); view != nil {
		t.Fatal("nothing must be stored")
	}
}

func TestPollIsolatesBackendFailures(t *testing.T) {
	failing := newFakeAnalyser("cuckoo")
	failing.setPoll(func(string) (backends.Report, error) {
		return nil, &domain.UpstreamError{Service: "cuckoo", Status: 500}
	})
	healthy := newFakeAnalyser("virustotal")
	healthy.setPoll(ready(30))
	f := setupAnalysisTest(t, []backends.Analyser{failing, healthy}, nil)

	task, err := f.svc.CreateURLTask(f.ctx, "https://example.com", TaskOptions{})
	if err != nil {
		t.Fatalf("CreateURLTask: %v", err)
	}
	f.svc.PollTick(f.ctx, task.Fingerprint)

	stored, _ := f.svc.GetTask(f.ctx, task.Fingerprint)
	if r := stored.Result("virustotal"); !r.Completed || *r.Score != 30 {
		t.Fatalf("healthy analyser not merged: %+v", r)
	}
	if stored.Result("cuckoo").Completed || stored.Completed {
		t.Fatal("task must keep polling while cuckoo fails")
	}
	if !f.scheduler.HasJob(task.Fingerprint) {
		t.Fatal("job must stay registered")
	}
}

func TestCompletionIsMonotonic(t *testing.T) {
	vt := newFakeAnalyser("virustotal")
	vt.setPoll(ready(10))
	f := setupAnalysisTest(t, []backends.Analyser{vt}, nil)

	task, _ := f.svc.CreateURLTask(f.ctx, "https://example.com", TaskOptions{Webhook: "https://hooks.example/done"})
	f.svc.PollTick(f.ctx, task.Fingerprint)
	first, _ := f.svc.GetTask(f.ctx, task.Fingerprint)

	// A stale registration must be cleaned up by the next tick without touching the task.
	if err := f.svc.RegisterJobFor(first); err != nil {
		t.Fatalf("RegisterJobFor: %v", err)
	}
	vt.setPoll(func(string) (backends.Report, error) { return nil, errors.New("must not be polled") })
	f.svc.PollTick(f.ctx, task.Fingerprint)

	second, _ := f.svc.GetTask(f.ctx, task.Fingerprint)
	if !second.Completed || !second.CompletedAt.Equal(*first.CompletedAt) {
		t.Fatal("completion changed after a later tick")
	}
	if f.scheduler.HasJob(task.Fingerprint) {
		t.Fatal("job must be absent for a complete task")
	}
	if _, polls := vt.counts(); polls != 1 {
		t.Fatalf("complete task was polled again: %d polls", polls)
	}
	if f.callbacks.count() != 1 {
		t.Fatalf("expected exactly one completion callback, got %d", f.callbacks.count())
	}
}

func TestConcurrentCreatesShareOneJob(t *testing.T) {
	vt := newFakeAnalyser("virustotal")
	f := setupAnalysisTest(t, []backends.Analyser{vt}, nil)

	var wg sync.WaitGroup
	tasks := make([]*domain.Task, 8)
	errs := make([]error, 8)
	for i := range tasks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tasks[i], errs[i] = f.svc.CreateURLTask(f.ctx, "https://example.com", TaskOptions{})
		}()
	}
	wg.Wait()

	for i := range tasks {
		if errs[i] != nil {
			t.Fatalf("create %d: %v", i, errs[i])
		}
		if tasks[i].ID != tasks[0].ID {
			t.Fatalf("creates returned different tasks: %d vs %d", tasks[i].ID, tasks[0].ID)
		}
	}
	if jobs := f.scheduler.Jobs(); len(jobs) != 1 || jobs[0] != tasks[0].Fingerprint {
		t.Fatalf("expected one job for the fingerprint, got %v", jobs)
	}
	stats, _ := f.store.Stats(f.ctx)
	if stats.Tasks != 1 {
		t.Fatalf("expected one stored task, got %d", stats.Tasks)
	}
}

func TestCreateFromFingerprintKeepsPolling(t *testing.T) {
	hash := &fakeHashAnalyser{fakeAnalyser: newFakeAnalyser("virustotal")}
	plain := newFakeAnalyser("cuckoo")
	f := setupAnalysisTest(t, []backends.Analyser{hash, plain}, nil)

	fp := domain.Fingerprint([]byte("never seen"))
	task, err := f.svc.CreateFileTaskFromFingerprint(f.ctx, fp, TaskOptions{})
	if err != nil {
		t.Fatalf("CreateFileTaskFromFingerprint: %v", err)
	}
	if len(hash.fromFingerprint) != 1 || hash.fromFingerprint[0] != fp {
		t.Fatalf("fingerprint submit not invoked: %v", hash.fromFingerprint)
	}
	if submits, _ := plain.counts(); submits != 0 || task.Result("cuckoo") != nil {
		t.Fatal("analyser without fingerprint support must be skipped")
	}
	if !f.scheduler.HasJob(fp) {
		t.Fatal("job not registered")
	}

	for i := 0; i < 3; i++ {
		f.svc.PollTick(f.ctx, fp)
	}
	stored, _ := f.svc.GetTask(f.ctx, fp)
	if stored.State() != domain.StatePolling || !f.scheduler.HasJob(fp) {
		t.Fatalf("null polls must keep the task polling, state=%s", stored.State())
	}

	hash.setPoll(ready(5))
	f.svc.PollTick(f.ctx, fp)
	stored, _ = f.svc.GetTask(f.ctx, fp)
	if !stored.Completed {
		t.Fatal("terminal report must complete the task")
	}
}

func TestFileTaskUsesFileAnalysers(t *testing.T) {
	vt := newFakeAnalyser("virustotal")
	cuckoo := newFakeAnalyser("cuckoo")
	f := setupAnalysisTest(t, []backends.Analyser{vt, cuckoo}, []backends.Validator{&fakeValidator{name: "ssl_validator"}}, "cuckoo")

	task, err := f.svc.CreateFileTask(f.ctx, []byte("MZ..."), "sample.exe", TaskOptions{})
	if err != nil {
		t.Fatalf("CreateFileTask: %v", err)
	}
	if task.Result("cuckoo") == nil || task.Result("virustotal") != nil {
		t.Fatalf("unexpected results %+v", task.Results)
	}
	if task.Result("ssl_validator") != nil {
		t.Fatal("validators only run for url tasks")
	}
	if task.FileName != "sample.exe" {
		t.Fatalf("filename = %q", task.FileName)
	}
}

func TestCreateReturnsExistingTask(t *testing.T) {
	vt := newFakeAnalyser("virustotal")
	f := setupAnalysisTest(t, []backends.Analyser{vt}, nil)

	first, _ := f.svc.CreateURLTask(f.ctx, "https://example.com", TaskOptions{})
	f.scheduler.RemoveJob(first.Fingerprint)
	second, err := f.svc.CreateURLTask(f.ctx, "https://example.com", TaskOptions{})
	if err != nil {
		t.Fatalf("CreateURLTask: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("expected existing task %d, got %d", first.ID, second.ID)
	}
	if submits, _ := vt.counts(); submits != 1 {
		t.Fatalf("existing task must not be resubmitted, got %d submits", submits)
	}
	if !f.scheduler.HasJob(first.Fingerprint) {
		t.Fatal("existing incomplete task must be watched again")
	}
}

func TestUploadAfterFingerprintTaskReachesFileAnalysers(t *testing.T) {
	hash := &fakeHashAnalyser{fakeAnalyser: newFakeAnalyser("virustotal")}
	cuckoo := newFakeAnalyser("cuckoo")
	f := setupAnalysisTest(t, []backends.Analyser{hash, cuckoo}, nil, "cuckoo")

	data := []byte("MZ\x90\x00 sample")
	fp := domain.Fingerprint(data)
	first, err := f.svc.CreateFileTaskFromFingerprint(f.ctx, fp, TaskOptions{})
	if err != nil {
		t.Fatalf("CreateFileTaskFromFingerprint: %v", err)
	}
	if first.HasContent() || first.Result("cuckoo") != nil {
		t.Fatalf("fingerprint task must start without content or cuckoo, got %+v", first)
	}

	task, err := f.svc.CreateFileTask(f.ctx, data, "sample.exe", TaskOptions{})
	if err != nil {
		t.Fatalf("CreateFileTask: %v", err)
	}
	if task.ID != first.ID {
		t.Fatalf("expected the stored task %d, got %d", first.ID, task.ID)
	}
	if submits, _ := cuckoo.counts(); submits != 1 || string(cuckoo.lastData) != string(data) {
		t.Fatalf("upload did not reach cuckoo: submits=%d data=%q", submits, cuckoo.lastData)
	}

	stored, _ := f.svc.GetTask(f.ctx, fp)
	if !stored.HasContent() || stored.FileName != "sample.exe" {
		t.Fatalf("stored task did not pick up the content: name=%q", stored.FileName)
	}
	if r := stored.Result("cuckoo"); r == nil || r.Completed || r.RemoteID != "cuckoo-job" {
		t.Fatalf("expected pending cuckoo result, got %+v", r)
	}
	if stored.Result("virustotal") == nil || len(stored.Results) != 2 {
		t.Fatalf("unexpected results %+v", stored.Results)
	}
	if !f.scheduler.HasJob(fp) {
		t.Fatal("updated task must be watched")
	}

	if _, err := f.svc.CreateFileTask(f.ctx, data, "again.exe", TaskOptions{}); err != nil {
		t.Fatalf("second CreateFileTask: %v", err)
	}
	if submits, _ := cuckoo.counts(); submits != 1 {
		t.Fatalf("a task with content must not be resubmitted, got %d submits", submits)
	}
}

func TestCreateAttachesWebhookToStoredTask(t *testing.T) {
	vt := newFakeAnalyser("virustotal")
	f := setupAnalysisTest(t, []backends.Analyser{vt}, nil)

	task, _ := f.svc.CreateURLTask(f.ctx, "https://example.com", TaskOptions{})
	if _, err := f.svc.CreateURLTask(f.ctx, "https://example.com", TaskOptions{Webhook: "https://hooks.example/first"}); err != nil {
		t.Fatalf("CreateURLTask: %v", err)
	}
	if _, err := f.svc.CreateURLTask(f.ctx, "https://example.com", TaskOptions{Webhook: "https://hooks.example/second"}); err != nil {
		t.Fatalf("CreateURLTask: %v", err)
	}
	stored, _ := f.svc.GetTask(f.ctx, task.Fingerprint)
	if stored.Webhook != "https://hooks.example/first" {
		t.Fatalf("expected the first webhook to be kept, got %q", stored.Webhook)
	}
	if submits, _ := vt.counts(); submits != 1 {
		t.Fatalf("attaching a webhook must not resubmit, got %d submits", submits)
	}

	vt.setPoll(ready(20))
	f.svc.PollTick(f.ctx, task.Fingerprint)
	if f.callbacks.count() != 1 || f.callbacks.last().task.Webhook != "https://hooks.example/first" {
		t.Fatalf("completion must notify the attached webhook, calls=%d", f.callbacks.count())
	}

	if _, err := f.svc.CreateURLTask(f.ctx, "https://example.com", TaskOptions{Webhook: "https://hooks.example/late"}); err != nil {
		t.Fatalf("CreateURLTask: %v", err)
	}
	if f.callbacks.count() != 2 {
		t.Fatalf("a complete task must notify a new webhook at once, calls=%d", f.callbacks.count())
	}
	late := f.callbacks.last()
	if late.task.Webhook != "https://hooks.example/late" || late.view["virustotal"] == nil {
		t.Fatalf("unexpected late notification %+v", late.task)
	}
	stored, _ = f.svc.GetTask(f.ctx, task.Fingerprint)
	if stored.Webhook != "https://hooks.example/first" {
		t.Fatalf("a complete task must not be rewritten, webhook=%q", stored.Webhook)
	}
}

func TestPollTickForMissingTaskRemovesJob(t *testing.T) {
	f := setupAnalysisTest(t, nil, nil)
	fp := domain.Fingerprint([]byte("gone"))
	_ = f.scheduler.AddIntervalJob(fp, time.Hour, func(context.Context) {})

	f.svc.PollTick(f.ctx, fp)
	if f.scheduler.HasJob(fp) {
		t.Fatal("job for a missing task must be removed")
	}
}

func TestGetViewUnknownAndByID(t *testing.T) {
	vt := newFakeAnalyser("virustotal")
	f := setupAnalysisTest(t, []backends.Analyser{vt}, nil)

	view, err := f.svc.GetView(f.ctx, domain.Fingerprint([]byte("unknown")))
	if err != nil || view != nil {
		t.Fatalf("expected nil view, got %v, %v", view, err)
	}

	task, _ := f.svc.CreateURLTask(f.ctx, "https://example.com", TaskOptions{})
	byID, err := f.svc.GetTaskByID(f.ctx, task.ID)
	if err != nil || byID.Fingerprint != task.Fingerprint {
		t.Fatalf("GetTaskByID: %v", err)
	}
	if _, err := f.svc.GetTaskByID(f.ctx, 999); !errors.Is(err, domain.ErrDb) {
		t.Fatalf("expected db error, got %v", err)
	}
	// A pending analyser still contributes an entry with an absent score.
	if v := f.svc.ViewOf(byID)["virustotal"]; v == nil || v.Score != nil {
		t.Fatalf("unexpected pending view %+v", v)
	}
}

func TestRecoverPending(t *testing.T) {
	vt := newFakeAnalyser("virustotal")
	f := setupAnalysisTest(t, []backends.Analyser{vt}, nil)

	a, _ := f.svc.CreateURLTask(f.ctx, "https://a.example", TaskOptions{})
	b, _ := f.svc.CreateURLTask(f.ctx, "https://b.example", TaskOptions{})
	f.scheduler.RemoveJob(a.Fingerprint)

	n, err := f.svc.RecoverPending(f.ctx)
	if err != nil {
		t.Fatalf("RecoverPending: %v", err)
	}
	if n != 1 || !f.scheduler.HasJob(a.Fingerprint) || !f.scheduler.HasJob(b.Fingerprint) {
		t.Fatalf("expected a to be recovered, n=%d jobs=%v", n, f.scheduler.Jobs())
	}
	if n, _ := f.svc.RecoverPending(f.ctx); n != 0 {
		t.Fatalf("second pass recovered %d", n)
	}
}

func TestInvalidWebhookRejected(t *testing.T) {
	f := setupAnalysisTest(t, []backends.Analyser{newFakeAnalyser("virustotal")}, nil)
	if _, err := f.svc.CreateURLTask(f.ctx, "https://example.com", TaskOptions{Webhook: "ftp://x"}); !errors.Is(err, domain.ErrParameter) {
		t.Fatalf("expected parameter error, got %v", err)
	}
}

func TestScheduledPollCompletesTask(t *testing.T) {
	vt := newFakeAnalyser("virustotal")
	vt.setPoll(ready(1))
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	plugin := redisplugin.NewPluginWithClient(rdb, persistence.PluginConfig{})
	set, _ := backends.NewSet([]backends.Analyser{vt}, nil)
	sched := NewJobScheduler(JobSchedulerOptions{Resolution: 5 * time.Millisecond})
	svc := NewAnalysisService(AnalysisOptions{Store: plugin.TaskStorage(), Backends: set, Scheduler: sched, PollInterval: 10 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sched.Start(ctx)
	t.Cleanup(func() { _ = sched.Shutdown(context.Background()) })

	task, err := svc.CreateURLTask(ctx, "https://example.com", TaskOptions{})
	if err != nil {
		t.Fatalf("CreateURLTask: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return !sched.HasJob(task.Fingerprint) })
	stored, _ := svc.GetTask(ctx, task.Fingerprint)
	if !stored.Completed {
		t.Fatal("scheduled tick did not complete the task")
	}
}

// nopStore satisfies persistence.TaskStorage for lifecycle tests.
type nopStore struct{}

func (nopStore) SaveNew(context.Context, *domain.Task) error { return nil }
func (nopStore) Save(context.Context, *domain.Task) error    { return nil }
func (nopStore) GetByFingerprint(context.Context, string) (*domain.Task, error) {
	return nil, persistence.ErrNotFound
}
func (nopStore) GetByID(context.Context, int64) (*domain.Task, error) {
	return nil, persistence.ErrNotFound
}
func (nopStore) ListPending(context.Context, int) ([]*domain.Task, error) { return nil, nil }
func (nopStore) Stats(context.Context) (domain.StoreStats, error) {
	return domain.StoreStats{}, nil
}
