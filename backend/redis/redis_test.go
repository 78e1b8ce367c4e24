package redis

import (
	"context"
	"testing"

	"go.miragespace.co/kv"
	"go.miragespace.co/kv/kvtest"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestKV(t *testing.T) (*RedisKV, *miniredis.Miniredis) {
	mr := miniredis.RunT(t)
	r := New(redis.NewClient(&redis.Options{Addr: mr.Addr()}), zaptest.NewLogger(t))
	t.Cleanup(func() { r.Close() })
	return r, mr
}

func TestConformance(t *testing.T) {
	kvtest.Suite(t, func(t *testing.T) kv.Store[[]byte] {
		r, _ := newTestKV(t)
		return r
	})
}

func TestNativePrefix(t *testing.T) {
	as := require.New(t)
	ctx := context.Background()
	r, mr := newTestKV(t)

	view := kv.Prefixed[[]byte](r, "tenant*")
	as.NoError(view.Insert(ctx, "k", []byte("v")))
	as.NoError(r.Insert(ctx, "tenantX/k", []byte("outside")))

	got, err := mr.Get("tenant*/k")
	as.NoError(err)
	as.Equal("v", got)

	keys, err := kv.CollectKeys(ctx, view)
	as.NoError(err)
	as.Equal([]string{"k"}, keys)

	as.NoError(kv.Clear(ctx, view))
	as.False(mr.Exists("tenant*/k"))
	as.True(mr.Exists("tenantX/k"))
}

func TestServerDown(t *testing.T) {
	as := require.New(t)
	ctx := context.Background()
	r, mr := newTestKV(t)

	mr.Close()

	err := r.Insert(ctx, "k", []byte("v"))
	as.Equal(kv.KindStoreError, kv.KindOf(err))

	_, err = r.Read(ctx, "k")
	as.Equal(kv.KindStoreError, kv.KindOf(err))

	_, err = kv.CollectKeys[[]byte](ctx, r)
	as.Equal(kv.KindStoreError, kv.KindOf(err))
}

func TestFromURL(t *testing.T) {
	as := require.New(t)
	mr := miniredis.RunT(t)

	s, err := kv.Open(context.Background(), "redis://"+mr.Addr()+"/0", nil)
	as.NoError(err)
	defer kv.Close(s)
	as.NoError(s.Insert(context.Background(), "k", []byte("v")))
	as.True(mr.Exists("k"))

	r, err := FromURL("redis+unix:///tmp/redis.sock", nil)
	as.NoError(err)
	as.Equal("unix", r.client.Options().Network)
	r.Close()
}
