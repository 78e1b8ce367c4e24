package memory

import (
	"context"
	"iter"

	"go.miragespace.co/kv"

	"github.com/puzpuzpuz/xsync/v2"
	"go.uber.org/zap"
)

// MemoryKV keeps entries in a concurrent map. Values are copied on the way in
// and out, so callers may reuse their buffers.
type MemoryKV struct {
	store *xsync.MapOf[string, []byte]
}

var (
	_ kv.Store[[]byte] = (*MemoryKV)(nil)
	_ kv.Haser         = (*MemoryKV)(nil)
	_ kv.Clearer       = (*MemoryKV)(nil)
)

func init() {
	kv.Register(func(_ context.Context, uri string, _ *zap.Logger) (kv.Store[[]byte], error) {
		return New(), nil
	}, kv.SchemeMatcher("memory"))
}

func New() *MemoryKV {
	return &MemoryKV{
		store: xsync.NewMapOf[[]byte](),
	}
}

func (m *MemoryKV) String() string {
	return "MemoryKV"
}

func (m *MemoryKV) Read(ctx context.Context, key string) ([]byte, error) {
	v, ok := m.store.Load(key)
	if !ok {
		return nil, kv.InexistentItem(key)
	}
	return clone(v), nil
}

func (m *MemoryKV) Insert(ctx context.Context, key string, val []byte) error {
	m.store.Store(key, clone(val))
	return nil
}

func (m *MemoryKV) Delete(ctx context.Context, key string) error {
	if _, deleted := m.store.LoadAndDelete(key); !deleted {
		return kv.InexistentItem(key)
	}
	return nil
}

func (m *MemoryKV) Has(ctx context.Context, key string) (bool, error) {
	_, ok := m.store.Load(key)
	return ok, nil
}

func (m *MemoryKV) Keys(ctx context.Context) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		m.store.Range(func(key string, _ []byte) bool {
			return yield(key, nil)
		})
	}
}

func (m *MemoryKV) Clear(ctx context.Context) error {
	m.store.Range(func(key string, _ []byte) bool {
		m.store.Delete(key)
		return true
	})
	return nil
}

// Len returns the number of entries.
func (m *MemoryKV) Len() int {
	return m.store.Size()
}

func clone(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	c := make([]byte, len(b))
	copy(c, b)
	return c
}
