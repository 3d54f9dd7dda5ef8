package providers

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// ArtifactStore keeps downloaded artifacts (such as the top-sites archive) on local disk so a
// later start can fall back to them when the remote source is unreachable.
type ArtifactStore interface {
	Put(ctx context.Context, name string, data []byte) (string, error)
	Get(ctx context.Context, name string) ([]byte, error)
	Path(name string) string
}

type localArtifactStore struct {
	rootDir string
}

func NewLocalArtifactStore(rootDir string) ArtifactStore {
	return &localArtifactStore{rootDir: rootDir}
}

func (s *localArtifactStore) Path(name string) string {
	return filepath.Join(s.rootDir, filepath.Clean("/"+name))
}

// Put writes through a temp file and rename so readers never see a partial artifact.
func (s *localArtifactStore) Put(ctx context.Context, name string, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	dst := s.Path(name)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", fmt.Errorf("artifact dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(dst), ".artifact-*")
	if err != nil {
		return "", fmt.Errorf("artifact temp: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return "", fmt.Errorf("artifact write: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("artifact close: %w", err)
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return "", fmt.Errorf("artifact rename: %w", err)
	}
	return dst, nil
}

func (s *localArtifactStore) Get(ctx context.Context, name string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return os.ReadFile(s.Path(name))
}
