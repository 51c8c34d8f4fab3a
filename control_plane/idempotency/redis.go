package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/itskum47/deployplane/control_plane/observability"
)

const keyPrefix = "deployplane:idempotency:"

func resultKey(key string) string { return keyPrefix + "result:" + key }
func lockKey(key string) string   { return keyPrefix + "lock:" + key }

// RedisBackend shares idempotency records between control-plane restarts.
type RedisBackend struct {
	client *redis.Client
}

// NewRedisBackend connects and pings Redis.
func NewRedisBackend(ctx context.Context, addr, password string, db int) (*RedisBackend, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, err
	}
	return &RedisBackend{client: client}, nil
}

func (r *RedisBackend) Close() error {
	return r.client.Close()
}

func observe(start time.Time) {
	observability.RedisLatency.Observe(time.Since(start).Seconds())
}

// Get checks the result first, then the lock.
func (r *RedisBackend) Get(ctx context.Context, key string) (*Record, error) {
	defer observe(time.Now())

	data, err := r.client.Get(ctx, resultKey(key)).Bytes()
	if err == nil {
		var rec Record
		if err := json.Unmarshal(data, &rec); err != nil {
			return nil, err
		}
		return &rec, nil
	}
	if !errors.Is(err, redis.Nil) {
		return nil, err
	}

	data, err = r.client.Get(ctx, lockKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// Lock uses SET NX so only one request executes.
func (r *RedisBackend) Lock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	defer observe(time.Now())

	data, err := json.Marshal(Record{State: StateLocked, CreatedAt: time.Now()})
	if err != nil {
		return false, err
	}
	return r.client.SetNX(ctx, lockKey(key), data, ttl).Result()
}

// Store writes the RESULT and releases the lock in one pipeline.
func (r *RedisBackend) Store(ctx context.Context, key string, resp *Response, ttl time.Duration) error {
	defer observe(time.Now())

	data, err := json.Marshal(Record{State: StateResult, Response: resp, CreatedAt: time.Now()})
	if err != nil {
		return err
	}
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, resultKey(key), data, ttl)
		pipe.Del(ctx, lockKey(key))
		return nil
	})
	return err
}

func (r *RedisBackend) Unlock(ctx context.Context, key string) error {
	defer observe(time.Now())
	return r.client.Del(ctx, lockKey(key)).Err()
}
