package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisRepo stores one string key per record plus a set of known ids, all
// under a key prefix so the cache never collides with other data in the
// same database.
type RedisRepo struct {
	client redis.Cmdable
	prefix string
}

// NewRedisRepo wraps client. The caller owns the client lifetime.
func NewRedisRepo(client redis.Cmdable, prefix string) *RedisRepo {
	if prefix == "" {
		prefix = "mediameta"
	}
	return &RedisRepo{client: client, prefix: prefix}
}

func (r *RedisRepo) recordKey(id string) string { return r.prefix + ":record:" + id }

func (r *RedisRepo) idsKey() string { return r.prefix + ":ids" }

func (r *RedisRepo) Get(ctx context.Context, id string) ([]byte, error) {
	payload, err := r.client.Get(ctx, r.recordKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("redis get %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("redis get: %w", err)
	}
	return payload, nil
}

func (r *RedisRepo) Put(ctx context.Context, id string, payload []byte) error {
	pipe := r.client.TxPipeline()
	pipe.Set(ctx, r.recordKey(id), payload, 0)
	pipe.SAdd(ctx, r.idsKey(), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis put: %w", err)
	}
	return nil
}

func (r *RedisRepo) Delete(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	keys := make([]string, len(ids))
	members := make([]any, len(ids))
	for i, id := range ids {
		keys[i] = r.recordKey(id)
		members[i] = id
	}
	pipe := r.client.TxPipeline()
	pipe.Del(ctx, keys...)
	pipe.SRem(ctx, r.idsKey(), members...)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis delete: %w", err)
	}
	return nil
}

// Clear deletes records in chunks walked from the id set, then the set itself.
func (r *RedisRepo) Clear(ctx context.Context) error {
	var cursor uint64
	for {
		ids, next, err := r.client.SScan(ctx, r.idsKey(), cursor, "", 500).Result()
		if err != nil {
			return fmt.Errorf("redis clear scan: %w", err)
		}
		if len(ids) > 0 {
			keys := make([]string, len(ids))
			for i, id := range ids {
				keys[i] = r.recordKey(id)
			}
			if err := r.client.Del(ctx, keys...).Err(); err != nil {
				return fmt.Errorf("redis clear: %w", err)
			}
		}
		if cursor = next; cursor == 0 {
			break
		}
	}
	if err := r.client.Del(ctx, r.idsKey()).Err(); err != nil {
		return fmt.Errorf("redis clear ids: %w", err)
	}
	return nil
}

func (r *RedisRepo) Count(ctx context.Context) (int64, error) {
	n, err := r.client.SCard(ctx, r.idsKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("redis count: %w", err)
	}
	return n, nil
}

// Sample draws distinct random ids from the id set.
func (r *RedisRepo) Sample(ctx context.Context, n int) ([]string, error) {
	ids, err := r.client.SRandMemberN(ctx, r.idsKey(), int64(n)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis sample: %w", err)
	}
	return ids, nil
}

func (r *RedisRepo) Close() error { return nil }
