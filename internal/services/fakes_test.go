package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/osvaldoandrade/inspector/internal/backends"
	"github.com/osvaldoandrade/inspector/pkg/domain"
)

type fakeAnalyser struct {
	name      string
	usable    bool
	submitID  string
	submitErr error

	mu       sync.Mutex
	submits  int
	lastData []byte
	polls    int
	pollFn   func(remoteID string) (backends.Report, error)
}

func newFakeAnalyser(name string) *fakeAnalyser {
	return &fakeAnalyser{name: name, usable: true, submitID: name + "-job"}
}

func (f *fakeAnalyser) Name() string { return f.name }
func (f *fakeAnalyser) Usable() bool { return f.usable }

func (f *fakeAnalyser) Submit(ctx context.Context, task *domain.Task) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submits++
	f.lastData = task.FileData
	if f.submitErr != nil {
		return "", f.submitErr
	}
	return f.submitID, nil
}

func (f *fakeAnalyser) Poll(ctx context.Context, kind domain.TaskKind, remoteID string) (backends.Report, error) {
	f.mu.Lock()
	f.polls++
	fn := f.pollFn
	f.mu.Unlock()
	if fn == nil {
		return nil, nil
	}
	return fn(remoteID)
}

func (f *fakeAnalyser) setPoll(fn func(remoteID string) (backends.Report, error)) {
	f.mu.Lock()
	f.pollFn = fn
	f.mu.Unlock()
}

func (f *fakeAnalyser) Merge(result *domain.Result, data backends.Report) error {
	score, ok := data.Float("score")
	if !ok {
		return domain.ErrResponse
	}
	return result.Update(data, &score, time.Now())
}

func (f *fakeAnalyser) Score(task *domain.Task) *domain.ScoreView {
	r := task.Result(f.name)
	if r == nil {
		return nil
	}
	return domain.NewScoreView(f.name, r.Score, nil)
}

func (f *fakeAnalyser) counts() (submits, polls int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.submits, f.polls
}

// fakeHashAnalyser can also start from a fingerprint.
type fakeHashAnalyser struct {
	*fakeAnalyser
	fromFingerprint []string
}

func (f *fakeHashAnalyser) SubmitFromFingerprint(ctx context.Context, fingerprint string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fromFingerprint = append(f.fromFingerprint, fingerprint)
	return fingerprint, nil
}

type fakeValidator struct {
	name string
	ok   bool
	err  error
}

func (v *fakeValidator) Name() string { return v.name }

func (v *fakeValidator) Validate(ctx context.Context, task *domain.Task) (bool, error) {
	return v.ok, v.err
}

func (v *fakeValidator) Score(task *domain.Task) *domain.ScoreView {
	r := task.Result(v.name)
	if r == nil {
		return nil
	}
	return domain.BoolScore(v.name, r.Validated)
}

type recordedCallback struct {
	task *domain.Task
	view map[string]*domain.ScoreView
}

type fakeCallbacks struct {
	mu    sync.Mutex
	calls []recordedCallback
}

func (f *fakeCallbacks) Send(ctx context.Context, task *domain.Task, view map[string]*domain.ScoreView) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, recordedCallback{task: task.Clone(), view: view})
}

func (f *fakeCallbacks) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeCallbacks) last() recordedCallback {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[len(f.calls)-1]
}

func ready(score float64) func(string) (backends.Report, error) {
	return func(string) (backends.Report, error) {
		return backends.Report{"score": score}, nil
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", timeout)
}
