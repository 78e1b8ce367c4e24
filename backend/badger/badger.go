// Package badger stores entries in a BadgerDB directory, optionally expiring
// them after a fixed TTL.
package badger

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"iter"
	"strings"
	"time"

	"go.miragespace.co/kv"

	badger "github.com/dgraph-io/badger/v3"
	"go.uber.org/zap"
)

const batchSize = 256

type Option func(*BadgerKV)

// TTL expires every entry the given duration after it was written. Zero
// keeps entries forever.
func TTL(ttl time.Duration) Option {
	return func(b *BadgerKV) {
		b.keyTTL = ttl
	}
}

// InMemory keeps the database in memory only. The directory is ignored.
func InMemory() Option {
	return func(b *BadgerKV) {
		b.inMemory = true
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(b *BadgerKV) {
		b.logger = logger
	}
}

type BadgerKV struct {
	connection *badger.DB
	dir        string
	keyTTL     time.Duration
	inMemory   bool
	logger     *zap.Logger
}

var (
	_ kv.Store[[]byte]      = (*BadgerKV)(nil)
	_ kv.Haser              = (*BadgerKV)(nil)
	_ kv.Clearer            = (*BadgerKV)(nil)
	_ kv.ItemLister[[]byte] = (*BadgerKV)(nil)
)

func init() {
	kv.Register(func(_ context.Context, uri string, logger *zap.Logger) (kv.Store[[]byte], error) {
		dir, params, err := kv.SplitParams(strings.TrimPrefix(uri, "badger://"))
		if err != nil {
			return nil, err
		}
		opts := []Option{WithLogger(logger)}
		if raw, ok := params["ttl"]; ok {
			ttl, err := time.ParseDuration(raw)
			if err != nil {
				return nil, fmt.Errorf("parsing TTL %q: %w", raw, err)
			}
			opts = append(opts, TTL(ttl))
		}
		return New(dir, opts...)
	}, kv.SchemeMatcher("badger"))
}

// New opens the database in dir. It is up to the caller to close it.
func New(dir string, opts ...Option) (*BadgerKV, error) {
	b := &BadgerKV{dir: dir}
	for _, apply := range opts {
		apply(b)
	}
	if b.logger == nil {
		b.logger = zap.NewNop()
	}
	b.logger = b.logger.With(zap.String("component", "badger"), zap.String("dir", dir))

	options := badger.DefaultOptions(dir).WithLogger(badgerLogger{b.logger.Sugar()})
	if b.inMemory {
		options = badger.DefaultOptions("").WithInMemory(true).WithLogger(badgerLogger{b.logger.Sugar()})
	}
	db, err := badger.Open(options)
	if err != nil {
		return nil, fmt.Errorf("can't open the db connection: %w", err)
	}
	b.connection = db
	return b, nil
}

func (b *BadgerKV) String() string {
	if b.inMemory {
		return "BadgerKV(in-memory)"
	}
	return fmt.Sprintf("BadgerKV(%q)", b.dir)
}

func (b *BadgerKV) Close() error {
	return b.connection.Close()
}

func (b *BadgerKV) Insert(ctx context.Context, key string, val []byte) error {
	err := b.connection.Update(func(txn *badger.Txn) error {
		e := badger.NewEntry([]byte(key), val)
		if b.keyTTL > 0 {
			e = e.WithTTL(b.keyTTL)
		}
		return txn.SetEntry(e)
	})
	if err != nil {
		return b.storeError(key, err)
	}
	return nil
}

func (b *BadgerKV) Read(ctx context.Context, key string) (val []byte, err error) {
	err = b.connection.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		// item.Value is undefined outside the transaction
		val, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		return nil, b.translate(key, err)
	}
	if val == nil {
		val = []byte{}
	}
	return val, nil
}

func (b *BadgerKV) Delete(ctx context.Context, key string) error {
	err := b.connection.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get([]byte(key)); err != nil {
			return err
		}
		return txn.Delete([]byte(key))
	})
	if err != nil {
		return b.translate(key, err)
	}
	return nil
}

func (b *BadgerKV) Has(ctx context.Context, key string) (bool, error) {
	err := b.connection.View(func(txn *badger.Txn) error {
		_, err := txn.Get([]byte(key))
		return err
	})
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, badger.ErrKeyNotFound):
		return false, nil
	default:
		return false, b.storeError(key, err)
	}
}

func (b *BadgerKV) Keys(ctx context.Context) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		for e, err := range b.page(ctx, false) {
			if !yield(e.Key, err) || err != nil {
				return
			}
		}
	}
}

func (b *BadgerKV) Items(ctx context.Context) iter.Seq2[kv.Entry[[]byte], error] {
	return b.page(ctx, true)
}

// page iterates in key order, batchSize entries per read transaction.
func (b *BadgerKV) page(ctx context.Context, withValues bool) iter.Seq2[kv.Entry[[]byte], error] {
	return func(yield func(kv.Entry[[]byte], error) bool) {
		var last []byte
		for {
			if err := ctx.Err(); err != nil {
				yield(kv.Entry[[]byte]{}, kv.StoreError(err))
				return
			}
			batch := make([]kv.Entry[[]byte], 0, batchSize)
			err := b.connection.View(func(txn *badger.Txn) error {
				opts := badger.DefaultIteratorOptions
				opts.PrefetchValues = withValues
				it := txn.NewIterator(opts)
				defer it.Close()

				if last == nil {
					it.Rewind()
				} else {
					it.Seek(last)
					if it.Valid() && bytes.Equal(it.Item().Key(), last) {
						it.Next()
					}
				}
				for ; it.Valid() && len(batch) < batchSize; it.Next() {
					item := it.Item()
					e := kv.Entry[[]byte]{Key: string(item.Key())}
					if withValues {
						v, err := item.ValueCopy(nil)
						if err != nil {
							return err
						}
						e.Value = v
					}
					batch = append(batch, e)
				}
				return nil
			})
			if err != nil {
				yield(kv.Entry[[]byte]{}, b.storeError("", err))
				return
			}
			for _, e := range batch {
				if !yield(e, nil) {
					return
				}
			}
			if len(batch) < batchSize {
				return
			}
			last = []byte(batch[len(batch)-1].Key)
		}
	}
}

func (b *BadgerKV) Clear(ctx context.Context) error {
	if err := b.connection.DropAll(); err != nil {
		return b.storeError("", err)
	}
	return nil
}

// Cleanup runs the value log garbage collection, which is when expired and
// deleted entries are actually reclaimed.
func (b *BadgerKV) Cleanup() error {
	err := b.connection.RunValueLogGC(.5)
	if errors.Is(err, badger.ErrNoRewrite) {
		return nil
	}
	return err
}

func (b *BadgerKV) translate(key string, err error) error {
	if errors.Is(err, badger.ErrKeyNotFound) {
		return kv.InexistentItem(key)
	}
	return b.storeError(key, err)
}

func (b *BadgerKV) storeError(key string, err error) error {
	b.logger.Warn("badger operation failed", zap.String("key", key), zap.Error(err))
	e := kv.StoreError(err)
	e.Key = key
	return e
}

// badgerLogger routes badger's internal logging to zap.
type badgerLogger struct {
	*zap.SugaredLogger
}

func (l badgerLogger) Warningf(format string, args ...interface{}) {
	l.Warnf(format, args...)
}
