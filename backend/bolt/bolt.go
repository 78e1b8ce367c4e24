// Package bolt stores entries in one bucket of a Bolt database file.
package bolt

import (
	"bytes"
	"context"
	"fmt"
	"iter"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.miragespace.co/kv"

	"github.com/boltdb/bolt"
	"go.uber.org/zap"
)

const (
	DefaultBucket = "kv"
	batchSize     = 256
)

type Option func(*BoltKV)

// Bucket selects the bucket holding the entries. Defaults to "kv".
func Bucket(name string) Option {
	return func(b *BoltKV) {
		if name != "" {
			b.bucketName = []byte(name)
		}
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(b *BoltKV) {
		b.logger = logger
	}
}

type BoltKV struct {
	db         *bolt.DB
	bucketName []byte
	logger     *zap.Logger
}

var (
	_ kv.Store[[]byte] = (*BoltKV)(nil)
	_ kv.Haser         = (*BoltKV)(nil)
	_ kv.Clearer       = (*BoltKV)(nil)
)

func init() {
	kv.Register(func(_ context.Context, uri string, logger *zap.Logger) (kv.Store[[]byte], error) {
		path, params, err := kv.SplitParams(strings.TrimPrefix(uri, "bolt://"))
		if err != nil {
			return nil, err
		}
		return Open(path, Bucket(params["bucket"]), WithLogger(logger))
	}, kv.SchemeMatcher("bolt"))
}

// Open opens the database file at path, creating it when missing.
func Open(path string, opts ...Option) (*BoltKV, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening bolt database %q: %w", path, err)
	}
	b, err := New(db, opts...)
	if err != nil {
		db.Close()
		return nil, err
	}
	return b, nil
}

// New uses an already opened database, creating the bucket when missing.
func New(db *bolt.DB, opts ...Option) (*BoltKV, error) {
	b := &BoltKV{
		db:         db,
		bucketName: []byte(DefaultBucket),
	}
	for _, apply := range opts {
		apply(b)
	}
	if b.logger == nil {
		b.logger = zap.NewNop()
	}
	b.logger = b.logger.With(zap.String("component", "bolt"), zap.ByteString("bucket", b.bucketName))

	if err := b.prepare(); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *BoltKV) prepare() error {
	return b.db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(b.bucketName)
		return err
	})
}

func (b *BoltKV) String() string {
	return fmt.Sprintf("BoltKV(%q, bucket=%q)", b.db.Path(), b.bucketName)
}

func (b *BoltKV) Close() error {
	return b.db.Close()
}

func (b *BoltKV) Insert(ctx context.Context, key string, val []byte) error {
	err := b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(b.bucketName).Put([]byte(key), val)
	})
	if err != nil {
		return b.storeError(key, err)
	}
	return nil
}

func (b *BoltKV) Read(ctx context.Context, key string) (val []byte, err error) {
	err = b.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(b.bucketName).Get([]byte(key))
		if v == nil {
			return kv.InexistentItem(key)
		}
		// only valid for the life of the transaction
		val = bytes.Clone(v)
		return nil
	})
	if err != nil {
		return nil, b.wrap(key, err)
	}
	return val, nil
}

func (b *BoltKV) Delete(ctx context.Context, key string) error {
	err := b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(b.bucketName)
		if bucket.Get([]byte(key)) == nil {
			return kv.InexistentItem(key)
		}
		return bucket.Delete([]byte(key))
	})
	return b.wrap(key, err)
}

func (b *BoltKV) Has(ctx context.Context, key string) (ok bool, err error) {
	err = b.db.View(func(tx *bolt.Tx) error {
		ok = tx.Bucket(b.bucketName).Get([]byte(key)) != nil
		return nil
	})
	if err != nil {
		return false, b.storeError(key, err)
	}
	return ok, nil
}

// Keys pages through the bucket so that no transaction is open while the
// consumer runs.
func (b *BoltKV) Keys(ctx context.Context) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		var last []byte
		for {
			if err := ctx.Err(); err != nil {
				yield("", kv.StoreError(err))
				return
			}
			batch := make([]string, 0, batchSize)
			err := b.db.View(func(tx *bolt.Tx) error {
				c := tx.Bucket(b.bucketName).Cursor()
				var k []byte
				if last == nil {
					k, _ = c.First()
				} else {
					k, _ = c.Seek(last)
					if bytes.Equal(k, last) {
						k, _ = c.Next()
					}
				}
				for ; k != nil && len(batch) < batchSize; k, _ = c.Next() {
					batch = append(batch, string(k))
				}
				return nil
			})
			if err != nil {
				yield("", b.storeError("", err))
				return
			}
			for _, k := range batch {
				if !yield(k, nil) {
					return
				}
			}
			if len(batch) < batchSize {
				return
			}
			last = []byte(batch[len(batch)-1])
		}
	}
}

// Clear drops and recreates the bucket.
func (b *BoltKV) Clear(ctx context.Context) error {
	err := b.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(b.bucketName); err != nil && err != bolt.ErrBucketNotFound {
			return err
		}
		_, err := tx.CreateBucket(b.bucketName)
		return err
	})
	if err != nil {
		return b.storeError("", err)
	}
	return nil
}

func (b *BoltKV) wrap(key string, err error) error {
	if err == nil {
		return nil
	}
	if kv.IsInexistent(err) {
		return err
	}
	return b.storeError(key, err)
}

func (b *BoltKV) storeError(key string, err error) error {
	b.logger.Warn("bolt operation failed", zap.String("key", key), zap.Error(err))
	e := kv.StoreError(err)
	e.Key = key
	return e
}
