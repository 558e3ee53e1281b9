package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	redisKeyPrefix  = "ct:doc:"
	redisChanPrefix = "ct:changes:"
)

// Redis backs the document store with redis string keys. WriteIfAbsent maps
// to SETNX, which gives the atomic create-if-absent the admission path needs.
type Redis struct {
	Client *redis.Client
}

// NewRedis connects to redis with short timeouts.
func NewRedis(addr string) *Redis {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  1 * time.Second,
		WriteTimeout: 1 * time.Second,
	})
	return &Redis{Client: client}
}

// Healthy verifies redis connectivity.
func (r *Redis) Healthy(ctx context.Context) bool {
	if r == nil || r.Client == nil {
		return false
	}
	return r.Client.Ping(ctx).Err() == nil
}

func (r *Redis) ReadAt(ctx context.Context, path string, out any) (bool, error) {
	data, err := r.Client.Get(ctx, redisKeyPrefix+path).Bytes()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return true, json.Unmarshal(data, out)
}

func (r *Redis) WriteIfAbsent(ctx context.Context, path string, v any) (bool, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return false, err
	}
	written, err := r.Client.SetNX(ctx, redisKeyPrefix+path, data, 0).Result()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if written {
		r.Client.Publish(ctx, redisChanPrefix+path, data)
	}
	return written, nil
}

func (r *Redis) Write(ctx context.Context, path string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if err := r.Client.Set(ctx, redisKeyPrefix+path, data, 0).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	r.Client.Publish(ctx, redisChanPrefix+path, data)
	return nil
}

func (r *Redis) Delete(ctx context.Context, path string) error {
	if err := r.Client.Del(ctx, redisKeyPrefix+path).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (r *Redis) List(ctx context.Context, prefix string) ([]string, error) {
	var paths []string
	iter := r.Client.Scan(ctx, 0, redisKeyPrefix+prefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		paths = append(paths, strings.TrimPrefix(iter.Val(), redisKeyPrefix))
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return paths, nil
}

func (r *Redis) Subscribe(ctx context.Context, path string, fn func(data []byte)) (func(), error) {
	sub := r.Client.Subscribe(ctx, redisChanPrefix+path)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	go func() {
		for msg := range sub.Channel() {
			fn([]byte(msg.Payload))
		}
	}()
	return func() { _ = sub.Close() }, nil
}
