package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/osvaldoandrade/inspector/pkg/domain"
	"github.com/osvaldoandrade/inspector/pkg/persistence"

	"github.com/go-redis/redis/v8"
)

type CredentialsRepository interface {
	Get(ctx context.Context, service string) (domain.Credentials, error)
	Set(ctx context.Context, service string, creds domain.Credentials) error
	All(ctx context.Context) (map[string]domain.Credentials, error)
}

type credentialsRedisRepo struct {
	rdb *redis.Client
}

func NewCredentialsRepository(rdb *redis.Client) CredentialsRepository {
	return &credentialsRedisRepo{rdb: rdb}
}

func (r *credentialsRedisRepo) keyCredentialsHash() string { return "inspector:credentials" }

func (r *credentialsRedisRepo) Get(ctx context.Context, service string) (domain.Credentials, error) {
	js, err := r.rdb.HGet(ctx, r.keyCredentialsHash(), service).Result()
	if errors.Is(err, redis.Nil) {
		return domain.Credentials{}, persistence.ErrNotFound
	}
	if err != nil {
		return domain.Credentials{}, fmt.Errorf("redis HGET credentials: %w", err)
	}
	var c domain.Credentials
	if err := json.Unmarshal([]byte(js), &c); err != nil {
		return domain.Credentials{}, fmt.Errorf("unmarshal credentials: %w", err)
	}
	return c, nil
}

func (r *credentialsRedisRepo) Set(ctx context.Context, service string, creds domain.Credentials) error {
	b, err := json.Marshal(creds)
	if err != nil {
		return fmt.Errorf("marshal credentials: %w", err)
	}
	if err := r.rdb.HSet(ctx, r.keyCredentialsHash(), service, string(b)).Err(); err != nil {
		return fmt.Errorf("redis HSET credentials: %w", err)
	}
	return nil
}

func (r *credentialsRedisRepo) All(ctx context.Context) (map[string]domain.Credentials, error) {
	raw, err := r.rdb.HGetAll(ctx, r.keyCredentialsHash()).Result()
	if err != nil {
		return nil, fmt.Errorf("redis HGETALL credentials: %w", err)
	}
	out := make(map[string]domain.Credentials, len(raw))
	for service, js := range raw {
		var c domain.Credentials
		if err := json.Unmarshal([]byte(js), &c); err != nil {
			return nil, fmt.Errorf("unmarshal credentials %s: %w", service, err)
		}
		out[service] = c
	}
	return out, nil
}
