package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"
)

const (
	backendRedis = "redis"

	// DefaultRedisPrefix namespaces every key the store writes.
	DefaultRedisPrefix = "offline"
)

// RedisStore keeps generations in Redis: one set listing generation names and
// one hash per generation mapping key strings to JSON snapshots.
type RedisStore struct {
	redis  *redis.Client
	prefix string
}

// NewRedisStore creates a store backed by redisClient. An empty prefix
// selects DefaultRedisPrefix.
func NewRedisStore(redisClient *redis.Client, prefix string) *RedisStore {
	if redisClient == nil {
		panic("redis client cannot be nil")
	}
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisStore{
		redis:  redisClient,
		prefix: prefix,
	}
}

func (r *RedisStore) namesKey() string {
	return r.prefix + ":generations"
}

func (r *RedisStore) generationKey(generation string) string {
	return r.prefix + ":gen:" + generation
}

func (r *RedisStore) Open(ctx context.Context, generation string) error {
	if err := validateGeneration(generation); err != nil {
		return err
	}
	if err := r.redis.SAdd(ctx, r.namesKey(), generation).Err(); err != nil {
		return observeError(backendRedis, "open", fmt.Errorf("redis sadd: %w", err))
	}
	return nil
}

func (r *RedisStore) Has(ctx context.Context, generation string) (bool, error) {
	ok, err := r.redis.SIsMember(ctx, r.namesKey(), generation).Result()
	if err != nil {
		return false, observeError(backendRedis, "has", fmt.Errorf("redis sismember: %w", err))
	}
	return ok, nil
}

func (r *RedisStore) Names(ctx context.Context) ([]string, error) {
	names, err := r.redis.SMembers(ctx, r.namesKey()).Result()
	if err != nil {
		return nil, observeError(backendRedis, "names", fmt.Errorf("redis smembers: %w", err))
	}
	sort.Strings(names)
	return names, nil
}

func (r *RedisStore) Drop(ctx context.Context, generation string) (bool, error) {
	var removed *redis.IntCmd
	_, err := r.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, r.generationKey(generation))
		removed = pipe.SRem(ctx, r.namesKey(), generation)
		return nil
	})
	if err != nil {
		return false, observeError(backendRedis, "drop", fmt.Errorf("redis drop generation: %w", err))
	}
	existed := removed.Val() > 0
	if existed {
		GenerationsDropped.WithLabelValues(backendRedis).Inc()
	}
	return existed, nil
}

func (r *RedisStore) Match(ctx context.Context, generation string, key Key) (*Snapshot, error) {
	data, err := r.redis.HGet(ctx, r.generationKey(generation), key.String()).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			observeMatch(backendRedis, ErrCacheMiss)
			return nil, ErrCacheMiss
		}
		err = fmt.Errorf("redis hget: %w", err)
		observeMatch(backendRedis, err)
		return nil, err
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		err = fmt.Errorf("%w: %v", ErrInvalidSnapshot, err)
		observeMatch(backendRedis, err)
		return nil, err
	}

	observeMatch(backendRedis, nil)
	return &snap, nil
}

func (r *RedisStore) Put(ctx context.Context, generation string, key Key, snap *Snapshot) error {
	return r.PutAll(ctx, generation, []Entry{{Key: key, Snapshot: snap}})
}

func (r *RedisStore) PutAll(ctx context.Context, generation string, entries []Entry) error {
	if err := validateGeneration(generation); err != nil {
		return err
	}

	fields := make([]interface{}, 0, len(entries)*2)
	for _, e := range entries {
		if err := validateEntry(e.Key, e.Snapshot); err != nil {
			return err
		}
		data, err := json.Marshal(e.Snapshot)
		if err != nil {
			return observeError(backendRedis, "put", fmt.Errorf("marshal snapshot: %w", err))
		}
		fields = append(fields, e.Key.String(), data)
	}

	// MULTI/EXEC so readers see either none or all of the entries
	_, err := r.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SAdd(ctx, r.namesKey(), generation)
		if len(fields) > 0 {
			pipe.HSet(ctx, r.generationKey(generation), fields...)
		}
		return nil
	})
	if err != nil {
		return observeError(backendRedis, "put", fmt.Errorf("redis put: %w", err))
	}

	CacheWrites.WithLabelValues(backendRedis).Add(float64(len(entries)))
	return nil
}

func (r *RedisStore) Remove(ctx context.Context, generation string, key Key) (bool, error) {
	n, err := r.redis.HDel(ctx, r.generationKey(generation), key.String()).Result()
	if err != nil {
		return false, observeError(backendRedis, "remove", fmt.Errorf("redis hdel: %w", err))
	}
	return n > 0, nil
}

func (r *RedisStore) Keys(ctx context.Context, generation string) ([]Key, error) {
	ok, err := r.Has(ctx, generation)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrGenerationNotFound
	}
	raw, err := r.redis.HKeys(ctx, r.generationKey(generation)).Result()
	if err != nil {
		return nil, observeError(backendRedis, "keys", fmt.Errorf("redis hkeys: %w", err))
	}
	return parseKeys(raw)
}

// Close closes the underlying client.
func (r *RedisStore) Close() error {
	return r.redis.Close()
}
