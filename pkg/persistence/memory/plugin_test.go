package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/osvaldoandrade/inspector/pkg/domain"
	"github.com/osvaldoandrade/inspector/pkg/persistence"
)

func setupPlugin(t *testing.T) persistence.PluginPersistence {
	t.Helper()
	plugin, err := NewPlugin(persistence.PluginConfig{Config: []byte("{}"), Timezone: time.UTC})
	if err != nil {
		t.Fatalf("Failed to create plugin: %v", err)
	}
	t.Cleanup(func() { _ = plugin.Close() })
	return plugin
}

func TestMemoryPlugin(t *testing.T) {
	plugin := setupPlugin(t)
	ctx := context.Background()
	if err := plugin.Health(ctx); err != nil {
		t.Errorf("Health check failed: %v", err)
	}

	store := plugin.TaskStorage()
	task, _ := domain.NewURLTask("http://example.com", time.Now())
	_ = task.AddResult(domain.NewAnalyserResult("virustotal", "r-1"))

	if err := store.SaveNew(ctx, task); err != nil {
		t.Fatalf("SaveNew failed: %v", err)
	}
	if task.ID != 1 {
		t.Errorf("expected ID 1, got %d", task.ID)
	}

	dup, _ := domain.NewURLTask("http://example.com", time.Now())
	if err := store.SaveNew(ctx, dup); !errors.Is(err, persistence.ErrAlreadyExists) {
		t.Errorf("expected ErrAlreadyExists, got %v", err)
	}

	got, err := store.GetByFingerprint(ctx, task.Fingerprint)
	if err != nil {
		t.Fatalf("GetByFingerprint failed: %v", err)
	}
	if got.ID != task.ID || len(got.Results) != 1 {
		t.Errorf("unexpected task %+v", got)
	}

	byID, err := store.GetByID(ctx, task.ID)
	if err != nil || byID.Fingerprint != task.Fingerprint {
		t.Fatalf("GetByID = %v, %v", byID, err)
	}

	if _, err := store.GetByFingerprint(ctx, "missing"); !errors.Is(err, persistence.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if _, err := store.GetByID(ctx, 99); !errors.Is(err, persistence.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryPluginWorkingCopies(t *testing.T) {
	plugin := setupPlugin(t)
	ctx := context.Background()
	store := plugin.TaskStorage()

	task, _ := domain.NewURLTask("http://example.com", time.Now())
	_ = task.AddResult(domain.NewAnalyserResult("cuckoo", "1"))
	if err := store.SaveNew(ctx, task); err != nil {
		t.Fatalf("SaveNew failed: %v", err)
	}

	copy1, _ := store.GetByFingerprint(ctx, task.Fingerprint)
	_ = copy1.Result("cuckoo").Update(map[string]any{"malscore": 2.0}, domain.Float(2), time.Now())

	copy2, _ := store.GetByFingerprint(ctx, task.Fingerprint)
	if copy2.Result("cuckoo").Completed {
		t.Fatalf("unsaved change on a working copy must not be visible")
	}

	copy1.MarkCompleted(time.Now())
	if err := store.Save(ctx, copy1); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	copy3, _ := store.GetByFingerprint(ctx, task.Fingerprint)
	if !copy3.Completed || !copy3.Result("cuckoo").Completed {
		t.Fatalf("saved change not visible")
	}

	stats, _ := store.Stats(ctx)
	if stats.Tasks != 1 || stats.Pending != 0 {
		t.Errorf("unexpected stats %+v", stats)
	}
}

func TestMemoryPluginListPending(t *testing.T) {
	plugin := setupPlugin(t)
	ctx := context.Background()
	store := plugin.TaskStorage()

	for _, u := range []string{"http://a", "http://b", "http://c"} {
		task, _ := domain.NewURLTask(u, time.Now())
		if u == "http://b" {
			task.MarkCompleted(time.Now())
		}
		if err := store.SaveNew(ctx, task); err != nil {
			t.Fatalf("SaveNew failed: %v", err)
		}
	}
	pending, err := store.ListPending(ctx, 0)
	if err != nil {
		t.Fatalf("ListPending failed: %v", err)
	}
	if len(pending) != 2 || pending[0].URL != "http://a" || pending[1].URL != "http://c" {
		t.Fatalf("unexpected pending set %v", pending)
	}
	limited, _ := store.ListPending(ctx, 1)
	if len(limited) != 1 {
		t.Fatalf("limit not applied: %d", len(limited))
	}
}

func TestMemoryCredentialStorage(t *testing.T) {
	plugin := setupPlugin(t)
	ctx := context.Background()
	creds := plugin.CredentialStorage()

	if _, err := creds.Get(ctx, "virustotal"); !errors.Is(err, persistence.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := creds.Set(ctx, "virustotal", domain.Credentials{APIKey: "k"}); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	got, err := creds.Get(ctx, "virustotal")
	if err != nil || got.APIKey != "k" {
		t.Fatalf("Get = %+v, %v", got, err)
	}
	all, _ := creds.All(ctx)
	if len(all) != 1 {
		t.Fatalf("expected one entry, got %v", all)
	}
}
