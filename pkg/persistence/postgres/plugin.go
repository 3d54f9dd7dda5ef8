package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/osvaldoandrade/inspector/pkg/domain"
	"github.com/osvaldoandrade/inspector/pkg/persistence"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Config holds PostgreSQL-specific configuration
type Config struct {
	DSN      string `json:"dsn"`
	MinConns int32  `json:"minConns,omitempty"`
	MaxConns int32  `json:"maxConns,omitempty"`
}

const schema = `
CREATE TABLE IF NOT EXISTS inspector_tasks (
	id           BIGSERIAL PRIMARY KEY,
	fingerprint  TEXT NOT NULL UNIQUE,
	kind         TEXT NOT NULL,
	completed    BOOLEAN NOT NULL DEFAULT FALSE,
	created_at   TIMESTAMPTZ NOT NULL,
	completed_at TIMESTAMPTZ,
	data         JSONB NOT NULL
);
CREATE INDEX IF NOT EXISTS inspector_tasks_pending_idx ON inspector_tasks (id) WHERE NOT completed;
CREATE TABLE IF NOT EXISTS inspector_credentials (
	service    TEXT PRIMARY KEY,
	data       JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);`

// Plugin implements PluginPersistence on PostgreSQL. Tasks are stored as one JSONB
// document per fingerprint next to the columns needed for lookups.
type Plugin struct {
	pool   *pgxpool.Pool
	tracer trace.Tracer
	tz     *time.Location
}

// NewPlugin connects, pings and applies the schema.
func NewPlugin(config persistence.PluginConfig) (persistence.PluginPersistence, error) {
	var cfg Config
	if err := json.Unmarshal(config.Config, &cfg); err != nil {
		return nil, fmt.Errorf("postgres persistence config: %w", err)
	}
	if cfg.DSN == "" {
		return nil, errors.New("postgres persistence: dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parsing db config: %w", err)
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("creating db pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging db: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}

	tz := config.Timezone
	if tz == nil {
		tz = time.UTC
	}
	return &Plugin{pool: pool, tracer: otel.Tracer("inspector/postgres"), tz: tz}, nil
}

func (p *Plugin) TaskStorage() persistence.TaskStorage {
	return &taskStore{plugin: p}
}

func (p *Plugin) CredentialStorage() persistence.CredentialStorage {
	return &credentialStore{plugin: p}
}

func (p *Plugin) Health(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func (p *Plugin) Close() error {
	p.pool.Close()
	return nil
}

func init() {
	persistence.RegisterProvider("postgres", NewPlugin)
}

// trace runs fn inside a client span named op.
func (p *Plugin) trace(ctx context.Context, op string, attrs []attribute.KeyValue, fn func(ctx context.Context) error) error {
	ctx, span := p.tracer.Start(ctx, op,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(append([]attribute.KeyValue{attribute.String("db.system", "postgresql")}, attrs...)...),
	)
	defer span.End()
	err := fn(ctx)
	if err != nil && !errors.Is(err, persistence.ErrNotFound) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

type taskStore struct {
	plugin *Plugin
}

func (s *taskStore) SaveNew(ctx context.Context, task *domain.Task) error {
	attrs := []attribute.KeyValue{attribute.String("fingerprint", task.Fingerprint)}
	return s.plugin.trace(ctx, "postgres.save_new_task", attrs, func(ctx context.Context) error {
		if task.CreatedAt.IsZero() {
			task.CreatedAt = time.Now().In(s.plugin.tz)
		}
		data, err := json.Marshal(task)
		if err != nil {
			return fmt.Errorf("marshal task: %w", err)
		}
		var id int64
		err = s.plugin.pool.QueryRow(ctx, `
			INSERT INTO inspector_tasks (fingerprint, kind, completed, created_at, completed_at, data)
			VALUES ($1, $2, $3, $4, $5, $6)
			RETURNING id`,
			task.Fingerprint, string(task.Kind), task.Completed, task.CreatedAt, task.CompletedAt, data,
		).Scan(&id)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == "23505" {
				return fmt.Errorf("task %s: %w", task.Fingerprint, persistence.ErrAlreadyExists)
			}
			return fmt.Errorf("insert task: %w", err)
		}
		task.ID = id
		return nil
	})
}

func (s *taskStore) Save(ctx context.Context, task *domain.Task) error {
	attrs := []attribute.KeyValue{attribute.String("fingerprint", task.Fingerprint)}
	return s.plugin.trace(ctx, "postgres.save_task", attrs, func(ctx context.Context) error {
		data, err := json.Marshal(task)
		if err != nil {
			return fmt.Errorf("marshal task: %w", err)
		}
		tag, err := s.plugin.pool.Exec(ctx, `
			UPDATE inspector_tasks SET completed = $2, completed_at = $3, data = $4
			WHERE fingerprint = $1`,
			task.Fingerprint, task.Completed, task.CompletedAt, data,
		)
		if err != nil {
			return fmt.Errorf("update task: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("task %s: %w", task.Fingerprint, persistence.ErrNotFound)
		}
		return nil
	})
}

func (s *taskStore) GetByFingerprint(ctx context.Context, fp string) (*domain.Task, error) {
	var task *domain.Task
	attrs := []attribute.KeyValue{attribute.String("fingerprint", fp)}
	err := s.plugin.trace(ctx, "postgres.get_task", attrs, func(ctx context.Context) error {
		row := s.plugin.pool.QueryRow(ctx, `SELECT id, data FROM inspector_tasks WHERE fingerprint = $1`, fp)
		t, err := scanTask(row)
		task = t
		return err
	})
	return task, err
}

func (s *taskStore) GetByID(ctx context.Context, id int64) (*domain.Task, error) {
	var task *domain.Task
	attrs := []attribute.KeyValue{attribute.Int64("task_id", id)}
	err := s.plugin.trace(ctx, "postgres.get_task_by_id", attrs, func(ctx context.Context) error {
		row := s.plugin.pool.QueryRow(ctx, `SELECT id, data FROM inspector_tasks WHERE id = $1`, id)
		t, err := scanTask(row)
		task = t
		return err
	})
	return task, err
}

func (s *taskStore) ListPending(ctx context.Context, limit int) ([]*domain.Task, error) {
	var out []*domain.Task
	err := s.plugin.trace(ctx, "postgres.list_pending_tasks", nil, func(ctx context.Context) error {
		var lim any
		if limit > 0 {
			lim = limit
		}
		rows, err := s.plugin.pool.Query(ctx,
			`SELECT id, data FROM inspector_tasks WHERE NOT completed ORDER BY id LIMIT $1`, lim)
		if err != nil {
			return fmt.Errorf("query pending tasks: %w", err)
		}
		defer rows.Close()
		out = make([]*domain.Task, 0)
		for rows.Next() {
			t, err := scanTask(rows)
			if err != nil {
				return err
			}
			out = append(out, t)
		}
		return rows.Err()
	})
	return out, err
}

func (s *taskStore) Stats(ctx context.Context) (domain.StoreStats, error) {
	var stats domain.StoreStats
	err := s.plugin.trace(ctx, "postgres.task_stats", nil, func(ctx context.Context) error {
		return s.plugin.pool.QueryRow(ctx,
			`SELECT count(*), count(*) FILTER (WHERE NOT completed) FROM inspector_tasks`,
		).Scan(&stats.Tasks, &stats.Pending)
	})
	return stats, err
}

func scanTask(row pgx.Row) (*domain.Task, error) {
	var (
		id   int64
		data []byte
	)
	if err := row.Scan(&id, &data); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, persistence.ErrNotFound
		}
		return nil, fmt.Errorf("scan task: %w", err)
	}
	var t domain.Task
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("unmarshal task: %w", err)
	}
	t.ID = id
	if t.Results == nil {
		t.Results = []domain.Result{}
	}
	return &t, nil
}

type credentialStore struct {
	plugin *Plugin
}

func (s *credentialStore) Get(ctx context.Context, service string) (domain.Credentials, error) {
	var creds domain.Credentials
	attrs := []attribute.KeyValue{attribute.String("service", service)}
	err := s.plugin.trace(ctx, "postgres.get_credentials", attrs, func(ctx context.Context) error {
		var data []byte
		err := s.plugin.pool.QueryRow(ctx, `SELECT data FROM inspector_credentials WHERE service = $1`, service).Scan(&data)
		if errors.Is(err, pgx.ErrNoRows) {
			return persistence.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("select credentials: %w", err)
		}
		return json.Unmarshal(data, &creds)
	})
	return creds, err
}

func (s *credentialStore) Set(ctx context.Context, service string, creds domain.Credentials) error {
	attrs := []attribute.KeyValue{attribute.String("service", service)}
	return s.plugin.trace(ctx, "postgres.set_credentials", attrs, func(ctx context.Context) error {
		data, err := json.Marshal(creds)
		if err != nil {
			return fmt.Errorf("marshal credentials: %w", err)
		}
		_, err = s.plugin.pool.Exec(ctx, `
			INSERT INTO inspector_credentials (service, data, updated_at) VALUES ($1, $2, now())
			ON CONFLICT (service) DO UPDATE SET data = EXCLUDED.data, updated_at = now()`,
			service, data)
		if err != nil {
			return fmt.Errorf("upsert credentials: %w", err)
		}
		return nil
	})
}

func (s *credentialStore) All(ctx context.Context) (map[string]domain.Credentials, error) {
	out := map[string]domain.Credentials{}
	err := s.plugin.trace(ctx, "postgres.all_credentials", nil, func(ctx context.Context) error {
		rows, err := s.plugin.pool.Query(ctx, `SELECT service, data FROM inspector_credentials`)
		if err != nil {
			return fmt.Errorf("select credentials: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var (
				service string
				data    []byte
			)
			if err := rows.Scan(&service, &data); err != nil {
				return fmt.Errorf("scan credentials: %w", err)
			}
			var c domain.Credentials
			if err := json.Unmarshal(data, &c); err != nil {
				return fmt.Errorf("unmarshal credentials %s: %w", service, err)
			}
			out[service] = c
		}
		return rows.Err()
	})
	return out, err
}
