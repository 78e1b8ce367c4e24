// Package leveldb stores entries in a LevelDB database. Prefixed views are
// served natively by range iteration.
package leveldb

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strings"

	"go.miragespace.co/kv"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
	"go.uber.org/zap"
)

type LeveldbKV struct {
	DB     *leveldb.DB
	name   string
	prefix string
	sync   bool
	logger *zap.Logger
}

var (
	_ kv.Store[[]byte]      = (*LeveldbKV)(nil)
	_ kv.Haser              = (*LeveldbKV)(nil)
	_ kv.Clearer            = (*LeveldbKV)(nil)
	_ kv.ItemLister[[]byte] = (*LeveldbKV)(nil)
	_ kv.Prefixer[[]byte]   = (*LeveldbKV)(nil)
)

func init() {
	kv.Register(func(_ context.Context, uri string, logger *zap.Logger) (kv.Store[[]byte], error) {
		dir, params, err := kv.SplitParams(strings.TrimPrefix(uri, "leveldb://"))
		if err != nil {
			return nil, err
		}
		return Open(dir, strings.EqualFold(params["sync"], "true"), logger)
	}, kv.SchemeMatcher("leveldb"))
}

// Open opens (creating if needed) the database in dir. When sync is set,
// every write is flushed before returning.
func Open(dir string, sync bool, logger *zap.Logger) (*LeveldbKV, error) {
	db, err := leveldb.OpenFile(dir, nil)
	if err != nil {
		return nil, fmt.Errorf("opening leveldb %q: %w", dir, err)
	}
	return New(db, dir, sync, logger), nil
}

// OpenMemory opens a database that lives in memory only.
func OpenMemory(logger *zap.Logger) (*LeveldbKV, error) {
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	if err != nil {
		return nil, err
	}
	return New(db, "memory", false, logger), nil
}

func New(db *leveldb.DB, name string, sync bool, logger *zap.Logger) *LeveldbKV {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LeveldbKV{
		DB:     db,
		name:   name,
		sync:   sync,
		logger: logger.With(zap.String("component", "leveldb"), zap.String("name", name)),
	}
}

func (l *LeveldbKV) String() string {
	if l.prefix != "" {
		return fmt.Sprintf("LeveldbKV(%q, prefix=%q)", l.name, l.prefix)
	}
	return fmt.Sprintf("LeveldbKV(%q)", l.name)
}

// Close closes the database. It is a no-op on prefixed views.
func (l *LeveldbKV) Close() error {
	if l.prefix != "" {
		return nil
	}
	return l.DB.Close()
}

func (l *LeveldbKV) Prefixed(prefix string) kv.Store[[]byte] {
	c := *l
	c.prefix = kv.JoinPrefix(l.prefix, prefix)
	return &c
}

func (l *LeveldbKV) writeOptions() *opt.WriteOptions {
	return &opt.WriteOptions{
		Sync: l.sync,
	}
}

func (l *LeveldbKV) Insert(ctx context.Context, key string, val []byte) error {
	if err := l.DB.Put([]byte(l.prefix+key), val, l.writeOptions()); err != nil {
		return l.storeError(key, err)
	}
	return nil
}

func (l *LeveldbKV) Read(ctx context.Context, key string) ([]byte, error) {
	v, err := l.DB.Get([]byte(l.prefix+key), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, kv.InexistentItem(key)
	}
	if err != nil {
		return nil, l.storeError(key, err)
	}
	if v == nil {
		v = []byte{}
	}
	return v, nil
}

// Delete is check-then-delete: two racing deletes of the same key may both
// succeed.
func (l *LeveldbKV) Delete(ctx context.Context, key string) error {
	ok, err := l.Has(ctx, key)
	if err != nil {
		return err
	}
	if !ok {
		return kv.InexistentItem(key)
	}
	if err := l.DB.Delete([]byte(l.prefix+key), l.writeOptions()); err != nil {
		return l.storeError(key, err)
	}
	return nil
}

func (l *LeveldbKV) Has(ctx context.Context, key string) (bool, error) {
	ok, err := l.DB.Has([]byte(l.prefix+key), nil)
	if err != nil {
		return false, l.storeError(key, err)
	}
	return ok, nil
}

func (l *LeveldbKV) Keys(ctx context.Context) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		for e, err := range l.scan(ctx, false) {
			if !yield(e.Key, err) || err != nil {
				return
			}
		}
	}
}

func (l *LeveldbKV) Items(ctx context.Context) iter.Seq2[kv.Entry[[]byte], error] {
	return l.scan(ctx, true)
}

// scan iterates over an implicit snapshot, so writes made by the consumer
// neither block nor show up in the running iteration.
func (l *LeveldbKV) scan(ctx context.Context, withValues bool) iter.Seq2[kv.Entry[[]byte], error] {
	return func(yield func(kv.Entry[[]byte], error) bool) {
		it := l.DB.NewIterator(l.keyRange(), nil)
		defer it.Release()

		for it.Next() {
			if err := ctx.Err(); err != nil {
				yield(kv.Entry[[]byte]{}, kv.StoreError(err))
				return
			}
			rest := strings.TrimPrefix(string(it.Key()), l.prefix)
			if rest == "" {
				continue
			}
			e := kv.Entry[[]byte]{Key: rest}
			if withValues {
				e.Value = append([]byte{}, it.Value()...)
			}
			if !yield(e, nil) {
				return
			}
		}
		if err := it.Error(); err != nil {
			yield(kv.Entry[[]byte]{}, l.storeError("", err))
		}
	}
}

func (l *LeveldbKV) keyRange() *util.Range {
	if l.prefix == "" {
		return nil
	}
	return util.BytesPrefix([]byte(l.prefix))
}

// Clear deletes every key under the view's prefix in one batch.
func (l *LeveldbKV) Clear(ctx context.Context) error {
	it := l.DB.NewIterator(l.keyRange(), &opt.ReadOptions{DontFillCache: true})
	batch := new(leveldb.Batch)
	for it.Next() {
		batch.Delete(append([]byte{}, it.Key()...))
	}
	it.Release()
	if err := it.Error(); err != nil {
		return l.storeError("", err)
	}
	if err := l.DB.Write(batch, l.writeOptions()); err != nil {
		return l.storeError("", err)
	}
	return nil
}

func (l *LeveldbKV) storeError(key string, err error) error {
	l.logger.Warn("leveldb operation failed", zap.String("key", key), zap.Error(err))
	e := kv.StoreError(err)
	e.Key = key
	return e
}
