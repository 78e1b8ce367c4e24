package fs

import (
	"context"
	"testing"

	"go.miragespace.co/kv"
	"go.miragespace.co/kv/kvtest"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
)

func newMem(t *testing.T, opts ...Option) *FilesystemKV {
	f, err := New("/kv", append([]Option{FileSystem(afero.NewMemMapFs())}, opts...)...)
	require.NoError(t, err)
	return f
}

func TestConformance(t *testing.T) {
	kvtest.Suite(t, func(t *testing.T) kv.Store[[]byte] {
		return newMem(t)
	})
}

func TestConformanceOnDisk(t *testing.T) {
	kvtest.Suite(t, func(t *testing.T) kv.Store[[]byte] {
		f, err := New(t.TempDir(), Extension(".json"))
		require.NoError(t, err)
		return f
	})
}

func TestExtension(t *testing.T) {
	as := require.New(t)
	ctx := context.Background()

	mem := afero.NewMemMapFs()
	f, err := New("/kv", FileSystem(mem), Extension(".json"))
	as.NoError(err)

	as.NoError(f.Insert(ctx, "a/b", []byte(`1`)))
	as.NoError(afero.WriteFile(mem, "/kv/stray.txt", []byte("x"), 0o644))

	data, err := afero.ReadFile(mem, "/kv/a/b.json")
	as.NoError(err)
	as.Equal([]byte(`1`), data)

	keys, err := kv.CollectKeys(ctx, f)
	as.NoError(err)
	as.Equal([]string{"a/b"}, keys)
}

func TestDirectoryIsNotAKey(t *testing.T) {
	as := require.New(t)
	ctx := context.Background()
	f := newMem(t)

	as.NoError(f.Insert(ctx, "dir/key", []byte("v")))

	_, err := f.Read(ctx, "dir")
	as.True(kv.IsInexistent(err))

	ok, err := f.Has(ctx, "dir")
	as.NoError(err)
	as.False(ok)
}

func TestEscapingKey(t *testing.T) {
	as := require.New(t)
	ctx := context.Background()
	f := newMem(t)

	_, err := f.Read(ctx, "../../etc/passwd")
	as.Error(err)
	as.NotEqual(kv.KindInvalidData, kv.KindOf(err))

	as.NoError(f.Insert(ctx, "a/b", []byte("1")))
	as.NoError(f.Insert(ctx, "c", []byte("2")))

	for _, key := range []string{"a//b", "./c", "c/", "/c", "a/./b", "a/../c", "..", ".kv-tmp-x"} {
		err := f.Insert(ctx, key, []byte("x"))
		as.Equal(kv.KindStoreError, kv.KindOf(err), key)

		_, err = f.Read(ctx, key)
		as.True(kv.IsInexistent(err), key)
		as.True(kv.IsInexistent(f.Delete(ctx, key)), key)
		ok, err := f.Has(ctx, key)
		as.NoError(err)
		as.False(ok, key)
	}

	keys, err := kv.CollectKeys[[]byte](ctx, f)
	as.NoError(err)
	as.ElementsMatch([]string{"a/b", "c"}, keys)
	v, err := f.Read(ctx, "c")
	as.NoError(err)
	as.Equal([]byte("2"), v)

	as.Equal(kv.KindStoreError, kv.KindOf(kv.Copy[[]byte](ctx, f, "c", f, "d//e")))
}

func TestNativeCopyMove(t *testing.T) {
	as := require.New(t)
	ctx := context.Background()

	mem := afero.NewMemMapFs()
	a, err := New("/a", FileSystem(mem))
	as.NoError(err)
	b, err := New("/b", FileSystem(mem))
	as.NoError(err)

	as.NoError(a.Insert(ctx, "x", []byte("payload")))

	as.NoError(kv.Copy[[]byte](ctx, a, "x", b, "y"))
	got, err := b.Read(ctx, "y")
	as.NoError(err)
	as.Equal([]byte("payload"), got)

	as.NoError(kv.Move[[]byte](ctx, a, "x", b, "nested/z"))
	_, err = a.Read(ctx, "x")
	as.True(kv.IsInexistent(err))
	got, err = b.Read(ctx, "nested/z")
	as.NoError(err)
	as.Equal([]byte("payload"), got)

	err = kv.Move[[]byte](ctx, a, "x", b, "w")
	as.True(kv.IsInexistent(err))
}

func TestOpen(t *testing.T) {
	as := require.New(t)
	ctx := context.Background()

	dir := t.TempDir()
	s, err := kv.Open(ctx, "file://"+dir+";Extension=.bin", nil)
	as.NoError(err)

	f, ok := s.(*FilesystemKV)
	as.True(ok)
	as.Equal(".bin", f.ext)
	as.Equal(dir, f.baseDir)
}
