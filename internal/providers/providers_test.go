package providers

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLocalArtifactStorePutGet(t *testing.T) {
	tmpDir := t.TempDir()
	store := NewLocalArtifactStore(tmpDir)
	ctx := context.Background()

	path, err := store.Put(ctx, "lists/top-1m.csv.zip", []byte("zip bytes"))
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if path != filepath.Join(tmpDir, "lists", "top-1m.csv.zip") {
		t.Fatalf("unexpected path %s", path)
	}
	got, err := store.Get(ctx, "lists/top-1m.csv.zip")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(got) != "zip bytes" {
		t.Errorf("Expected content 'zip bytes', got %s", got)
	}

	entries, _ := os.ReadDir(filepath.Join(tmpDir, "lists"))
	if len(entries) != 1 {
		t.Errorf("temp files left behind: %v", entries)
	}
}

func TestLocalArtifactStoreStaysInRoot(t *testing.T) {
	tmpDir := t.TempDir()
	store := NewLocalArtifactStore(tmpDir)
	if p := store.Path("../../etc/passwd"); !strings.HasPrefix(p, tmpDir) {
		t.Fatalf("path escaped root: %s", p)
	}
}

func TestLocalArtifactStoreMissing(t *testing.T) {
	store := NewLocalArtifactStore(t.TempDir())
	if _, err := store.Get(context.Background(), "missing"); !os.IsNotExist(err) {
		t.Fatalf("expected not-exist error, got %v", err)
	}
}

func TestNewRedisProvider(t *testing.T) {
	rdb := NewRedisProvider(RedisOptions{Addr: "localhost:0", DB: 2})
	defer rdb.Close()
	if rdb.Options().DB != 2 || rdb.Options().Addr != "localhost:0" {
		t.Fatalf("options not applied: %+v", rdb.Options())
	}
}
