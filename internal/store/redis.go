package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"
)

// Redis is a KeyedStore shared across processes. Values use SET with
// NX/EX; window logs are sorted sets scored by microsecond timestamps.
type Redis struct {
	client *redis.Client
	prefix string
	seq    atomic.Uint64
}

// Dial parses a redis:// URL, connects and pings the server.
func Dial(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return client, nil
}

// NewRedis wraps client; every key is stored under prefix.
func NewRedis(client *redis.Client, prefix string) *Redis {
	return &Redis{client: client, prefix: prefix}
}

func (r *Redis) key(k string) string { return r.prefix + k }

func score(t time.Time) string { return strconv.FormatInt(t.UnixMicro(), 10) }

func (r *Redis) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := r.client.Get(ctx, r.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get %s: %w", key, err)
	}
	return val, true, nil
}

func (r *Redis) Set(ctx context.Context, key string, val []byte, ttl time.Duration) error {
	if err := r.client.Set(ctx, r.key(key), val, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

func (r *Redis) SetNX(ctx context.Context, key string, val []byte, ttl time.Duration) (bool, error) {
	ok, err := r.client.SetNX(ctx, r.key(key), val, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx %s: %w", key, err)
	}
	return ok, nil
}

func (r *Redis) Delete(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, r.key(key)).Err(); err != nil {
		return fmt.Errorf("redis del %s: %w", key, err)
	}
	return nil
}

func (r *Redis) Append(ctx context.Context, key string, at time.Time, ttl time.Duration) error {
	k := r.key(key)
	member := fmt.Sprintf("%d-%d", at.UnixNano(), r.seq.Add(1))
	pipe := r.client.TxPipeline()
	pipe.ZAdd(ctx, k, &redis.Z{Score: float64(at.UnixMicro()), Member: member})
	if ttl > 0 {
		pipe.Expire(ctx, k, ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis append %s: %w", key, err)
	}
	return nil
}

func (r *Redis) Count(ctx context.Context, key string, since time.Time) (int, error) {
	n, err := r.client.ZCount(ctx, r.key(key), score(since), "+inf").Result()
	if err != nil {
		return 0, fmt.Errorf("redis count %s: %w", key, err)
	}
	return int(n), nil
}

func (r *Redis) Oldest(ctx context.Context, key string, since time.Time) (time.Time, bool, error) {
	zs, err := r.client.ZRangeByScoreWithScores(ctx, r.key(key), &redis.ZRangeBy{
		Min:   score(since),
		Max:   "+inf",
		Count: 1,
	}).Result()
	if err != nil {
		return time.Time{}, false, fmt.Errorf("redis oldest %s: %w", key, err)
	}
	if len(zs) == 0 {
		return time.Time{}, false, nil
	}
	return time.UnixMicro(int64(zs[0].Score)), true, nil
}

// Trim removes entries before cutoff. Redis deletes a sorted set once its
// last member is removed.
func (r *Redis) Trim(ctx context.Context, key string, cutoff time.Time) error {
	if err := r.client.ZRemRangeByScore(ctx, r.key(key), "-inf", "("+score(cutoff)).Err(); err != nil {
		return fmt.Errorf("redis trim %s: %w", key, err)
	}
	return nil
}

// Sweep is a no-op: Redis expires keys through their TTLs.
func (r *Redis) Sweep(context.Context) (int, error) { return 0, nil }
