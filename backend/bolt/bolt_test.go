package bolt

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"go.miragespace.co/kv"
	"go.miragespace.co/kv/kvtest"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestKV(t *testing.T, opts ...Option) *BoltKV {
	b, err := Open(filepath.Join(t.TempDir(), "kv.db"), append(opts, WithLogger(zaptest.NewLogger(t)))...)
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })
	return b
}

func TestConformance(t *testing.T) {
	kvtest.Suite(t, func(t *testing.T) kv.Store[[]byte] {
		return newTestKV(t)
	})
}

func TestReadCopiesValue(t *testing.T) {
	as := require.New(t)
	ctx := context.Background()
	b := newTestKV(t)

	as.NoError(b.Insert(ctx, "k", []byte("value")))
	v, err := b.Read(ctx, "k")
	as.NoError(err)

	as.NoError(b.Insert(ctx, "k", []byte("other")))
	as.Equal([]byte("value"), v)
}

func TestKeysAcrossPages(t *testing.T) {
	as := require.New(t)
	ctx := context.Background()
	b := newTestKV(t, Bucket("pages"))

	const n = batchSize + 10
	for i := 0; i < n; i++ {
		as.NoError(b.Insert(ctx, fmt.Sprintf("%05d", i), []byte("x")))
	}

	count := 0
	for k, err := range b.Keys(ctx) {
		as.NoError(err)
		// writes from the consumer must not block on an open transaction
		as.NoError(b.Delete(ctx, k))
		count++
	}
	as.Equal(n, count)
}

func TestDeleteMissing(t *testing.T) {
	as := require.New(t)
	b := newTestKV(t)

	err := b.Delete(context.Background(), "nope")
	var kvErr *kv.Error
	as.ErrorAs(err, &kvErr)
	as.Equal(kv.KindInexistentItem, kvErr.Kind)
	as.Equal("nope", kvErr.Key)
}

func TestOpen(t *testing.T) {
	as := require.New(t)

	path := filepath.Join(t.TempDir(), "nested", "kv.db")
	s, err := kv.Open(context.Background(), "bolt://"+path+";Bucket=things", nil)
	as.NoError(err)
	defer kv.Close(s)

	b, ok := s.(*BoltKV)
	as.True(ok)
	as.Equal([]byte("things"), b.bucketName)
}
