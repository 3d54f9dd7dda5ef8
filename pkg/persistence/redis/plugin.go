package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/osvaldoandrade/inspector/internal/providers"
	"github.com/osvaldoandrade/inspector/internal/repository"
	"github.com/osvaldoandrade/inspector/pkg/persistence"

	"github.com/go-redis/redis/v8"
)

// Config holds Redis-specific configuration
type Config struct {
	Addr     string `json:"addr"`
	Password string `json:"password,omitempty"`
	DB       int    `json:"db,omitempty"`
	PoolSize int    `json:"poolSize,omitempty"`
}

// Plugin implements PluginPersistence for Redis/KVRocks
type Plugin struct {
	client    *redis.Client
	taskRepo  repository.TaskRepository
	credsRepo repository.CredentialsRepository
}

// NewPlugin creates a new Redis persistence plugin
func NewPlugin(config persistence.PluginConfig) (persistence.PluginPersistence, error) {
	var cfg Config
	if len(config.Config) > 0 {
		if err := json.Unmarshal(config.Config, &cfg); err != nil {
			return nil, fmt.Errorf("redis persistence config: %w", err)
		}
	}
	if cfg.Addr == "" {
		cfg.Addr = "localhost:6379"
	}

	client := providers.NewRedisProvider(providers.RedisOptions{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})
	return NewPluginWithClient(client, config), nil
}

// NewPluginWithClient wraps an existing client; the plugin takes ownership and closes it.
func NewPluginWithClient(client *redis.Client, config persistence.PluginConfig) persistence.PluginPersistence {
	return &Plugin{
		client:    client,
		taskRepo:  repository.NewTaskRepository(client, config.Timezone),
		credsRepo: repository.NewCredentialsRepository(client),
	}
}

// TaskStorage returns the task storage implementation
func (p *Plugin) TaskStorage() persistence.TaskStorage {
	return p.taskRepo
}

// CredentialStorage returns the credential storage implementation
func (p *Plugin) CredentialStorage() persistence.CredentialStorage {
	return p.credsRepo
}

// Client exposes the underlying connection for the rate limiter and the metrics collector.
func (p *Plugin) Client() *redis.Client {
	return p.client
}

// Health checks if Redis is healthy
func (p *Plugin) Health(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}

// Close releases Redis connection
func (p *Plugin) Close() error {
	return p.client.Close()
}

func init() {
	persistence.RegisterProvider("redis", NewPlugin)
}
