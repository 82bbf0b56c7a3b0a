package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisPrefix namespaces attendance keys.
const DefaultRedisPrefix = "rollgo:attendance:"

// Redis stores one JSON value per registration number. SETNX makes the
// insert itself the uniqueness check.
type Redis struct {
	client *redis.Client
	prefix string
}

// NewRedis parses url (redis://host:port/db) and pings the server.
func NewRedis(ctx context.Context, url, prefix string) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis URL: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, unavailable("redis ping", err)
	}
	return NewRedisFromClient(client, prefix), nil
}

// NewRedisFromClient wraps an existing client. The store takes ownership.
func NewRedisFromClient(client *redis.Client, prefix string) *Redis {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &Redis{client: client, prefix: prefix}
}

func (r *Redis) key(registrationNumber string) string {
	return r.prefix + registrationNumber
}

func (r *Redis) FindByKey(ctx context.Context, registrationNumber string) (Record, error) {
	data, err := r.client.Get(ctx, r.key(registrationNumber)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, unavailable("redis get", err)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, fmt.Errorf("decode record %q: %w", registrationNumber, err)
	}
	return rec, nil
}

func (r *Redis) Insert(ctx context.Context, rec Record) error {
	if rec.MarkedAt.IsZero() {
		rec.MarkedAt = time.Now()
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	ok, err := r.client.SetNX(ctx, r.key(rec.RegistrationNumber), data, 0).Result()
	if err != nil {
		return unavailable("redis setnx", err)
	}
	if !ok {
		return ErrConflict
	}
	return nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}
