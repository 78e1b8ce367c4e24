package badger

import (
	"context"
	"testing"
	"time"

	"go.miragespace.co/kv"
	"go.miragespace.co/kv/kvtest"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestKV(t *testing.T, opts ...Option) *BadgerKV {
	b, err := New("", append(opts, InMemory(), WithLogger(zaptest.NewLogger(t)))...)
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })
	return b
}

func TestConformance(t *testing.T) {
	kvtest.Suite(t, func(t *testing.T) kv.Store[[]byte] {
		return newTestKV(t)
	})
}

func TestOnDisk(t *testing.T) {
	as := require.New(t)
	ctx := context.Background()
	dir := t.TempDir()

	b, err := New(dir)
	as.NoError(err)
	as.NoError(b.Insert(ctx, "persisted", []byte("yes")))
	as.NoError(b.Close())

	b, err = New(dir)
	as.NoError(err)
	defer b.Close()

	v, err := b.Read(ctx, "persisted")
	as.NoError(err)
	as.Equal([]byte("yes"), v)
}

func TestTTL(t *testing.T) {
	if testing.Short() {
		t.Skip("waits for expiry")
	}
	as := require.New(t)
	ctx := context.Background()
	b := newTestKV(t, TTL(time.Second))

	as.NoError(b.Insert(ctx, "ephemeral", []byte("x")))
	ok, err := b.Has(ctx, "ephemeral")
	as.NoError(err)
	as.True(ok)

	time.Sleep(2100 * time.Millisecond)

	_, err = b.Read(ctx, "ephemeral")
	as.True(kv.IsInexistent(err))
}

func TestOpen(t *testing.T) {
	as := require.New(t)

	s, err := kv.Open(context.Background(), "badger://"+t.TempDir()+";TTL=168h", nil)
	as.NoError(err)
	defer kv.Close(s)

	b, ok := s.(*BadgerKV)
	as.True(ok)
	as.Equal(168*time.Hour, b.keyTTL)

	_, err = kv.Open(context.Background(), "badger://"+t.TempDir()+";TTL=forever", nil)
	as.Error(err)
}
