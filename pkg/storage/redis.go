package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"
)

func init() {
	register("redis", func(ctx context.Context, cfg Config) (Store, error) {
		return NewRedis(ctx, cfg.Redis)
	})
}

// redisStore maps streams onto Redis lists. Redis deletes empty lists, so a
// companion set records which streams exist; Create touches only the set.
type redisStore struct {
	client *redis.Client
	prefix string
}

// NewRedis connects to Redis and pings it.
func NewRedis(ctx context.Context, cfg RedisConfig) (Store, error) {
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "quillstream"
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("%w: ping redis: %v", ErrStorage, err)
	}
	return &redisStore{client: client, prefix: prefix}, nil
}

func (r *redisStore) setKey() string {
	return r.prefix + ":streams"
}

func (r *redisStore) listKey(key string) string {
	return r.prefix + ":stream:" + key
}

func (r *redisStore) member(ctx context.Context, key string) (bool, error) {
	ok, err := r.client.SIsMember(ctx, r.setKey(), key).Result()
	if err != nil {
		return false, fmt.Errorf("%w: membership check: %v", ErrStorage, err)
	}
	return ok, nil
}

func (r *redisStore) Create(ctx context.Context, key string) error {
	if err := r.client.SAdd(ctx, r.setKey(), key).Err(); err != nil {
		return fmt.Errorf("%w: create stream: %v", ErrStorage, err)
	}
	return nil
}

func (r *redisStore) Append(ctx context.Context, key string, doc []byte) error {
	ok, err := r.member(ctx, key)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("append %q: %w", key, ErrNotFound)
	}
	if err := r.client.RPush(ctx, r.listKey(key), doc).Err(); err != nil {
		return fmt.Errorf("%w: append: %v", ErrStorage, err)
	}
	return nil
}

func (r *redisStore) Read(ctx context.Context, key string) ([][]byte, error) {
	ok, err := r.member(ctx, key)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("read %q: %w", key, ErrNotFound)
	}
	items, err := r.client.LRange(ctx, r.listKey(key), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: read: %v", ErrStorage, err)
	}
	docs := make([][]byte, len(items))
	for i, item := range items {
		docs[i] = []byte(item)
	}
	return docs, nil
}

func (r *redisStore) Last(ctx context.Context, key string) ([]byte, error) {
	doc, err := r.client.LIndex(ctx, r.listKey(key), -1).Result()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("last %q: %w", key, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: last: %v", ErrStorage, err)
	}
	return []byte(doc), nil
}

func (r *redisStore) Rename(ctx context.Context, oldKey, newKey string) error {
	ok, err := r.member(ctx, oldKey)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("rename %q: %w", oldKey, ErrNotFound)
	}
	if oldKey == newKey {
		return nil
	}

	// RENAME fails on a missing source, and an empty stream has no list.
	length, err := r.client.LLen(ctx, r.listKey(oldKey)).Result()
	if err != nil {
		return fmt.Errorf("%w: rename: %v", ErrStorage, err)
	}

	pipe := r.client.TxPipeline()
	pipe.Del(ctx, r.listKey(newKey))
	if length > 0 {
		pipe.Rename(ctx, r.listKey(oldKey), r.listKey(newKey))
	}
	pipe.SRem(ctx, r.setKey(), oldKey)
	pipe.SAdd(ctx, r.setKey(), newKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%w: rename: %v", ErrStorage, err)
	}
	return nil
}

func (r *redisStore) Delete(ctx context.Context, key string) error {
	removed, err := r.client.SRem(ctx, r.setKey(), key).Result()
	if err != nil {
		return fmt.Errorf("%w: delete: %v", ErrStorage, err)
	}
	if removed == 0 {
		return fmt.Errorf("delete %q: %w", key, ErrNotFound)
	}
	if err := r.client.Del(ctx, r.listKey(key)).Err(); err != nil {
		return fmt.Errorf("%w: delete: %v", ErrStorage, err)
	}
	return nil
}

func (r *redisStore) Exists(ctx context.Context, key string) (bool, error) {
	return r.member(ctx, key)
}

func (r *redisStore) Keys(ctx context.Context) ([]string, error) {
	keys, err := r.client.SMembers(ctx, r.setKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: keys: %v", ErrStorage, err)
	}
	sort.Strings(keys)
	return keys, nil
}

func (r *redisStore) Close() error {
	return r.client.Close()
}
