// Package redis stores entries as plain string keys of a Redis database.
package redis

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strings"

	"go.miragespace.co/kv"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const scanCount = 256

type RedisKV struct {
	client *redis.Client
	prefix string
	logger *zap.Logger
}

var (
	_ kv.Store[[]byte]    = (*RedisKV)(nil)
	_ kv.Haser            = (*RedisKV)(nil)
	_ kv.Clearer          = (*RedisKV)(nil)
	_ kv.Prefixer[[]byte] = (*RedisKV)(nil)
)

func init() {
	kv.Register(func(_ context.Context, uri string, logger *zap.Logger) (kv.Store[[]byte], error) {
		return FromURL(uri, logger)
	}, kv.SchemeMatcher("redis", "rediss", "redis+unix"))
}

// FromURL connects to the server described by a redis://, rediss:// or
// redis+unix:// URL.
func FromURL(uri string, logger *zap.Logger) (*RedisKV, error) {
	opts, err := redis.ParseURL(strings.TrimPrefix(uri, "redis+"))
	if err != nil {
		return nil, fmt.Errorf("parsing redis URL: %w", err)
	}
	return New(redis.NewClient(opts), logger), nil
}

func New(client *redis.Client, logger *zap.Logger) *RedisKV {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisKV{
		client: client,
		logger: logger.With(zap.String("component", "redis"), zap.String("addr", client.Options().Addr)),
	}
}

func (r *RedisKV) String() string {
	if r.prefix != "" {
		return fmt.Sprintf("RedisKV(%q, prefix=%q)", r.client.Options().Addr, r.prefix)
	}
	return fmt.Sprintf("RedisKV(%q)", r.client.Options().Addr)
}

// Close closes the client. It is a no-op on prefixed views.
func (r *RedisKV) Close() error {
	if r.prefix != "" {
		return nil
	}
	return r.client.Close()
}

func (r *RedisKV) Prefixed(prefix string) kv.Store[[]byte] {
	c := *r
	c.prefix = kv.JoinPrefix(r.prefix, prefix)
	return &c
}

func (r *RedisKV) Insert(ctx context.Context, key string, val []byte) error {
	if err := r.client.Set(ctx, r.prefix+key, val, 0).Err(); err != nil {
		return r.storeError(key, err)
	}
	return nil
}

func (r *RedisKV) Read(ctx context.Context, key string) ([]byte, error) {
	v, err := r.client.Get(ctx, r.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, kv.InexistentItem(key)
	}
	if err != nil {
		return nil, r.storeError(key, err)
	}
	return v, nil
}

func (r *RedisKV) Delete(ctx context.Context, key string) error {
	n, err := r.client.Del(ctx, r.prefix+key).Result()
	if err != nil {
		return r.storeError(key, err)
	}
	if n == 0 {
		return kv.InexistentItem(key)
	}
	return nil
}

func (r *RedisKV) Has(ctx context.Context, key string) (bool, error) {
	n, err := r.client.Exists(ctx, r.prefix+key).Result()
	if err != nil {
		return false, r.storeError(key, err)
	}
	return n > 0, nil
}

// Keys walks the keyspace with SCAN. A key may be reported more than once if
// the keyspace is rehashed during the walk.
func (r *RedisKV) Keys(ctx context.Context) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		it := r.client.Scan(ctx, 0, r.pattern(), scanCount).Iterator()
		for it.Next(ctx) {
			rest := strings.TrimPrefix(it.Val(), r.prefix)
			if rest == "" {
				continue
			}
			if !yield(rest, nil) {
				return
			}
		}
		if err := it.Err(); err != nil {
			yield("", r.storeError("", err))
		}
	}
}

// Clear flushes the whole database, or deletes the keys under the prefix of
// a prefixed view.
func (r *RedisKV) Clear(ctx context.Context) error {
	if r.prefix == "" {
		if err := r.client.FlushDB(ctx).Err(); err != nil {
			return r.storeError("", err)
		}
		return nil
	}

	it := r.client.Scan(ctx, 0, r.pattern(), scanCount).Iterator()
	batch := make([]string, 0, scanCount)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		err := r.client.Del(ctx, batch...).Err()
		batch = batch[:0]
		return err
	}
	for it.Next(ctx) {
		batch = append(batch, it.Val())
		if len(batch) == scanCount {
			if err := flush(); err != nil {
				return r.storeError("", err)
			}
		}
	}
	if err := it.Err(); err != nil {
		return r.storeError("", err)
	}
	if err := flush(); err != nil {
		return r.storeError("", err)
	}
	return nil
}

func (r *RedisKV) pattern() string {
	if r.prefix == "" {
		return ""
	}
	return globEscaper.Replace(r.prefix) + "*"
}

var globEscaper = strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)

func (r *RedisKV) storeError(key string, err error) error {
	r.logger.Warn("redis command failed", zap.String("key", key), zap.Error(err))
	e := kv.StoreError(err)
	e.Key = key
	return e
}
