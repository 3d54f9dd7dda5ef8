package persistence

import (
	"context"
	"errors"

	"github.com/osvaldoandrade/inspector/pkg/domain"
)

var (
	// ErrNotFound is returned when a key does not exist
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists is returned when a key already exists
	ErrAlreadyExists = errors.New("already exists")
)

// PluginPersistence provides storage operations for persistence plugins.
// This is the main interface that all persistence backends must implement.
type PluginPersistence interface {
	// TaskStorage returns the task storage implementation
	TaskStorage() TaskStorage

	// CredentialStorage returns the backend credential storage implementation
	CredentialStorage() CredentialStorage

	// Health checks if the persistence backend is healthy
	Health(ctx context.Context) error

	// Close releases resources held by the persistence backend
	Close() error
}

// TaskStorage persists tasks with their result ledger. Every read returns a working copy
// owned by the caller; writes replace the stored task as a whole (last writer wins).
type TaskStorage interface {
	// SaveNew assigns task.ID and stores the task. A second task with the same
	// fingerprint returns ErrAlreadyExists.
	SaveNew(ctx context.Context, task *domain.Task) error

	// Save overwrites a previously stored task.
	Save(ctx context.Context, task *domain.Task) error

	// GetByFingerprint returns ErrNotFound when no task has fp.
	GetByFingerprint(ctx context.Context, fp string) (*domain.Task, error)

	// GetByID returns ErrNotFound when no task has id.
	GetByID(ctx context.Context, id int64) (*domain.Task, error)

	// ListPending returns up to limit incomplete tasks, oldest first.
	ListPending(ctx context.Context, limit int) ([]*domain.Task, error)

	// Stats returns counters for the metrics collector.
	Stats(ctx context.Context) (domain.StoreStats, error)
}

// CredentialStorage keeps analyser credentials keyed by backend name.
type CredentialStorage interface {
	// Get returns ErrNotFound when nothing is stored for service.
	Get(ctx context.Context, service string) (domain.Credentials, error)

	Set(ctx context.Context, service string, creds domain.Credentials) error

	All(ctx context.Context) (map[string]domain.Credentials, error)
}
