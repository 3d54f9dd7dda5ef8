package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/osvaldoandrade/inspector/pkg/domain"
	"github.com/osvaldoandrade/inspector/pkg/persistence"

	"github.com/go-redis/redis/v8"
)

type TaskRepository interface {
	SaveNew(ctx context.Context, task *domain.Task) error
	Save(ctx context.Context, task *domain.Task) error
	GetByFingerprint(ctx context.Context, fp string) (*domain.Task, error)
	GetByID(ctx context.Context, id int64) (*domain.Task, error)
	ListPending(ctx context.Context, limit int) ([]*domain.Task, error)
	Stats(ctx context.Context) (domain.StoreStats, error)
}

type taskRedisRepo struct {
	rdb *redis.Client
	tz  *time.Location
}

func NewTaskRepository(rdb *redis.Client, tz *time.Location) TaskRepository {
	if tz == nil {
		tz = time.UTC
	}
	return &taskRedisRepo{rdb: rdb, tz: tz}
}

// ===== Redis keys =====
func (r *taskRedisRepo) keyTasksHash() string { return "inspector:tasks" }         // HASH field=fingerprint, value=JSON
func (r *taskRedisRepo) keyIDsHash() string   { return "inspector:tasks:ids" }     // HASH field=id, value=fingerprint
func (r *taskRedisRepo) keySequence() string  { return "inspector:tasks:seq" }     // INCR counter for task ids
func (r *taskRedisRepo) keyPending() string   { return "inspector:tasks:pending" } // ZSET member=fingerprint, score=id

func (r *taskRedisRepo) now() time.Time { return time.Now().In(r.tz) }

func marshalTask(t *domain.Task) (string, error) {
	b, err := json.Marshal(t)
	if err != nil {
		return "", fmt.Errorf("marshal task: %w", err)
	}
	return string(b), nil
}

func unmarshalTask(jsonStr string) (*domain.Task, error) {
	var t domain.Task
	if err := json.Unmarshal([]byte(jsonStr), &t); err != nil {
		return nil, fmt.Errorf("unmarshal task: %w", err)
	}
	if t.Results == nil {
		t.Results = []domain.Result{}
	}
	return &t, nil
}

func (r *taskRedisRepo) SaveNew(ctx context.Context, task *domain.Task) error {
	if task.Fingerprint == "" {
		return fmt.Errorf("%w: task without fingerprint", domain.ErrParameter)
	}
	id, err := r.rdb.Incr(ctx, r.keySequence()).Result()
	if err != nil {
		return fmt.Errorf("redis INCR task seq: %w", err)
	}
	task.ID = id
	if task.CreatedAt.IsZero() {
		task.CreatedAt = r.now()
	}
	js, err := marshalTask(task)
	if err != nil {
		return err
	}

	ok, err := r.rdb.HSetNX(ctx, r.keyTasksHash(), task.Fingerprint, js).Result()
	if err != nil {
		return fmt.Errorf("redis HSETNX task: %w", err)
	}
	if !ok {
		return fmt.Errorf("task %s: %w", task.Fingerprint, persistence.ErrAlreadyExists)
	}

	pipe := r.rdb.TxPipeline()
	pipe.HSet(ctx, r.keyIDsHash(), strconv.FormatInt(id, 10), task.Fingerprint)
	if !task.Completed {
		pipe.ZAdd(ctx, r.keyPending(), &redis.Z{Score: float64(id), Member: task.Fingerprint})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis index task: %w", err)
	}
	return nil
}

func (r *taskRedisRepo) Save(ctx context.Context, task *domain.Task) error {
	exists, err := r.rdb.HExists(ctx, r.keyTasksHash(), task.Fingerprint).Result()
	if err != nil {
		return fmt.Errorf("redis HEXISTS task: %w", err)
	}
	if !exists {
		return fmt.Errorf("task %s: %w", task.Fingerprint, persistence.ErrNotFound)
	}
	js, err := marshalTask(task)
	if err != nil {
		return err
	}

	pipe := r.rdb.TxPipeline()
	pipe.HSet(ctx, r.keyTasksHash(), task.Fingerprint, js)
	if task.Completed {
		pipe.ZRem(ctx, r.keyPending(), task.Fingerprint)
	} else {
		pipe.ZAdd(ctx, r.keyPending(), &redis.Z{Score: float64(task.ID), Member: task.Fingerprint})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis HSET task: %w", err)
	}
	return nil
}

func (r *taskRedisRepo) GetByFingerprint(ctx context.Context, fp string) (*domain.Task, error) {
	js, err := r.rdb.HGet(ctx, r.keyTasksHash(), fp).Result()
	if errors.Is(err, redis.Nil) || (err == nil && js == "") {
		return nil, persistence.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis HGET task: %w", err)
	}
	return unmarshalTask(js)
}

func (r *taskRedisRepo) GetByID(ctx context.Context, id int64) (*domain.Task, error) {
	fp, err := r.rdb.HGet(ctx, r.keyIDsHash(), strconv.FormatInt(id, 10)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, persistence.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis HGET task id: %w", err)
	}
	return r.GetByFingerprint(ctx, fp)
}

func (r *taskRedisRepo) ListPending(ctx context.Context, limit int) ([]*domain.Task, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit) - 1
	}
	fps, err := r.rdb.ZRange(ctx, r.keyPending(), 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("redis ZRANGE pending: %w", err)
	}
	if len(fps) == 0 {
		return []*domain.Task{}, nil
	}
	vals, err := r.rdb.HMGet(ctx, r.keyTasksHash(), fps...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis HMGET tasks: %w", err)
	}
	out := make([]*domain.Task, 0, len(vals))
	for _, v := range vals {
		js, ok := v.(string)
		if !ok || js == "" {
			continue
		}
		t, err := unmarshalTask(js)
		if err != nil {
			return nil, err
		}
		if !t.Completed {
			out = append(out, t)
		}
	}
	return out, nil
}

func (r *taskRedisRepo) Stats(ctx context.Context) (domain.StoreStats, error) {
	pipe := r.rdb.Pipeline()
	total := pipe.HLen(ctx, r.keyTasksHash())
	pending := pipe.ZCard(ctx, r.keyPending())
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return domain.StoreStats{}, fmt.Errorf("redis task stats: %w", err)
	}
	return domain.StoreStats{Tasks: total.Val(), Pending: pending.Val()}, nil
}
