package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/osvaldoandrade/inspector/pkg/domain"
	"github.com/osvaldoandrade/inspector/pkg/persistence"
)

// Plugin implements PluginPersistence for in-memory storage
// This is primarily for testing and should not be used in production
type Plugin struct {
	mu          sync.RWMutex
	nextID      int64
	tasks       map[string]*domain.Task
	byID        map[int64]string
	credentials map[string]domain.Credentials
	tz          *time.Location
}

// NewPlugin creates a new in-memory persistence plugin
func NewPlugin(config persistence.PluginConfig) (persistence.PluginPersistence, error) {
	tz := config.Timezone
	if tz == nil {
		tz = time.UTC
	}
	return &Plugin{
		tasks:       make(map[string]*domain.Task),
		byID:        make(map[int64]string),
		credentials: make(map[string]domain.Credentials),
		tz:          tz,
	}, nil
}

// TaskStorage returns the task storage implementation
func (p *Plugin) TaskStorage() persistence.TaskStorage {
	return &taskStorage{plugin: p}
}

// CredentialStorage returns the credential storage implementation
func (p *Plugin) CredentialStorage() persistence.CredentialStorage {
	return &credentialStorage{plugin: p}
}

// Health always returns nil for in-memory storage
func (p *Plugin) Health(ctx context.Context) error {
	return nil
}

// Close is a no-op for in-memory storage
func (p *Plugin) Close() error {
	return nil
}

func init() {
	persistence.RegisterProvider("memory", NewPlugin)
}

// taskStorage implements persistence.TaskStorage for in-memory storage.
// Stored tasks are never handed out; every read and write goes through Clone.
type taskStorage struct {
	plugin *Plugin
}

func (s *taskStorage) SaveNew(ctx context.Context, task *domain.Task) error {
	if task == nil || task.Fingerprint == "" {
		return fmt.Errorf("memory: task without fingerprint")
	}
	p := s.plugin
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.tasks[task.Fingerprint]; exists {
		return fmt.Errorf("memory task %s: %w", task.Fingerprint, persistence.ErrAlreadyExists)
	}
	p.nextID++
	task.ID = p.nextID
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now().In(p.tz)
	}
	p.tasks[task.Fingerprint] = task.Clone()
	p.byID[task.ID] = task.Fingerprint
	return nil
}

func (s *taskStorage) Save(ctx context.Context, task *domain.Task) error {
	p := s.plugin
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.tasks[task.Fingerprint]; !exists {
		return fmt.Errorf("memory task %s: %w", task.Fingerprint, persistence.ErrNotFound)
	}
	p.tasks[task.Fingerprint] = task.Clone()
	p.byID[task.ID] = task.Fingerprint
	return nil
}

func (s *taskStorage) GetByFingerprint(ctx context.Context, fp string) (*domain.Task, error) {
	p := s.plugin
	p.mu.RLock()
	defer p.mu.RUnlock()

	t, ok := p.tasks[fp]
	if !ok {
		return nil, persistence.ErrNotFound
	}
	return t.Clone(), nil
}

func (s *taskStorage) GetByID(ctx context.Context, id int64) (*domain.Task, error) {
	p := s.plugin
	p.mu.RLock()
	defer p.mu.RUnlock()

	fp, ok := p.byID[id]
	if !ok {
		return nil, persistence.ErrNotFound
	}
	return p.tasks[fp].Clone(), nil
}

func (s *taskStorage) ListPending(ctx context.Context, limit int) ([]*domain.Task, error) {
	p := s.plugin
	p.mu.RLock()
	out := make([]*domain.Task, 0)
	for _, t := range p.tasks {
		if !t.Completed {
			out = append(out, t.Clone())
		}
	}
	p.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *taskStorage) Stats(ctx context.Context) (domain.StoreStats, error) {
	p := s.plugin
	p.mu.RLock()
	defer p.mu.RUnlock()

	stats := domain.StoreStats{Tasks: int64(len(p.tasks))}
	for _, t := range p.tasks {
		if !t.Completed {
			stats.Pending++
		}
	}
	return stats, nil
}

type credentialStorage struct {
	plugin *Plugin
}

func (s *credentialStorage) Get(ctx context.Context, service string) (domain.Credentials, error) {
	p := s.plugin
	p.mu.RLock()
	defer p.mu.RUnlock()

	c, ok := p.credentials[service]
	if !ok {
		return domain.Credentials{}, persistence.ErrNotFound
	}
	return c, nil
}

func (s *credentialStorage) Set(ctx context.Context, service string, creds domain.Credentials) error {
	p := s.plugin
	p.mu.Lock()
	defer p.mu.Unlock()
	p.credentials[service] = creds
	return nil
}

func (s *credentialStorage) All(ctx context.Context) (map[string]domain.Credentials, error) {
	p := s.plugin
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make(map[string]domain.Credentials, len(p.credentials))
	for k, v := range p.credentials {
		out[k] = v
	}
	return out, nil
}
