package kv_test

import (
	"context"
	"errors"
	"iter"
	"testing"

	"go.miragespace.co/kv"
	"go.miragespace.co/kv/backend/memory"

	"github.com/stretchr/testify/require"
)

func TestScenario(t *testing.T) {
	as := require.New(t)
	ctx := context.Background()
	s := kv.Typed(memory.New(), kv.String)

	for k, v := range map[string]string{"a": "1", "b": "2", "c": "3"} {
		as.NoError(s.Insert(ctx, k, v))
	}

	keys, err := kv.CollectKeys(ctx, s)
	as.NoError(err)
	as.ElementsMatch([]string{"a", "b", "c"}, keys)

	v, err := s.Read(ctx, "a")
	as.NoError(err)
	as.Equal("1", v)

	as.NoError(s.Delete(ctx, "a"))
	_, err = s.Read(ctx, "a")
	as.ErrorIs(err, kv.ErrInexistentItem)

	as.NoError(kv.Clear(ctx, s))
	keys, err = kv.CollectKeys(ctx, s)
	as.NoError(err)
	as.Empty(keys)
}

func TestCrossBackendCopy(t *testing.T) {
	as := require.New(t)
	ctx := context.Background()

	source := kv.Typed(memory.New(), kv.JSON[map[string]any]())
	target := kv.Typed(&listOnly{data: map[string][]byte{}}, kv.JSON[map[string]any]())

	doc := map[string]any{"x": float64(1)}
	as.NoError(source.Insert(ctx, "doc", doc))

	before, err := source.Read(ctx, "doc")
	as.NoError(err)

	as.NoError(kv.Copy[map[string]any](ctx, source, "doc", target, "doc"))
	after, err := target.Read(ctx, "doc")
	as.NoError(err)
	as.Equal(before, after)

	as.NoError(kv.Move[map[string]any](ctx, source, "doc", target, "moved"))
	_, err = source.Read(ctx, "doc")
	as.True(kv.IsInexistent(err))
}

func TestDerivedDefaults(t *testing.T) {
	as := require.New(t)
	ctx := context.Background()
	s := &listOnly{data: map[string][]byte{}}

	ok, err := kv.Has[[]byte](ctx, s, "k")
	as.NoError(err)
	as.False(ok)

	as.NoError(s.Insert(ctx, "k", []byte("v")))
	ok, err = kv.Has[[]byte](ctx, s, "k")
	as.NoError(err)
	as.True(ok)

	var values [][]byte
	for v, err := range kv.Values[[]byte](ctx, s) {
		as.NoError(err)
		values = append(values, v)
	}
	as.Equal([][]byte{[]byte("v")}, values)

	as.NoError(kv.Rename[[]byte](ctx, s, "k", "k"))
	as.NoError(kv.Rename[[]byte](ctx, s, "k", "renamed"))
	_, err = s.Read(ctx, "k")
	as.True(kv.IsInexistent(err))

	err = kv.Rename[[]byte](ctx, s, "k", "k")
	as.True(kv.IsInexistent(err))

	as.NoError(kv.Clear[[]byte](ctx, s))
	as.Empty(s.data)
}

func TestMoveSurfacesDeleteFailure(t *testing.T) {
	as := require.New(t)
	ctx := context.Background()

	source := &listOnly{data: map[string][]byte{"k": []byte("v")}, failDelete: true}
	target := memory.New()

	err := kv.Move[[]byte](ctx, source, "k", target, "k")
	as.Equal(kv.KindStoreError, kv.KindOf(err))

	// the copy step is not rolled back
	v, err := target.Read(ctx, "k")
	as.NoError(err)
	as.Equal([]byte("v"), v)
}

func TestMoveOntoItself(t *testing.T) {
	as := require.New(t)
	ctx := context.Background()
	s := memory.New()
	as.NoError(s.Insert(ctx, "a", []byte("1")))

	as.NoError(kv.Move[[]byte](ctx, s, "a", s, "a"))
	v, err := s.Read(ctx, "a")
	as.NoError(err)
	as.Equal([]byte("1"), v)

	err = kv.Move[[]byte](ctx, s, "missing", s, "missing")
	as.True(kv.IsInexistent(err))
}

func TestItemsSkipsVanishedKeys(t *testing.T) {
	as := require.New(t)
	ctx := context.Background()

	s := &listOnly{data: map[string][]byte{"a": []byte("1")}, phantom: "gone"}
	var keys []string
	for e, err := range kv.Items[[]byte](ctx, s) {
		as.NoError(err)
		keys = append(keys, e.Key)
	}
	as.Equal([]string{"a"}, keys)
}

func TestKeysFailureIsStoreError(t *testing.T) {
	as := require.New(t)
	ctx := context.Background()

	s := &listOnly{data: map[string][]byte{}, listErr: errors.New("connection reset")}
	_, err := kv.CollectKeys[[]byte](ctx, s)
	as.ErrorIs(err, kv.ErrStoreError)

	_, err = kv.Has[[]byte](ctx, s, "k")
	as.ErrorIs(err, kv.ErrStoreError)
}

// listOnly implements the four primitives and nothing else, so every free
// function takes its generic path.
type listOnly struct {
	data       map[string][]byte
	phantom    string
	listErr    error
	failDelete bool
}

func (l *listOnly) Insert(ctx context.Context, key string, value []byte) error {
	l.data[key] = value
	return nil
}

func (l *listOnly) Read(ctx context.Context, key string) ([]byte, error) {
	v, ok := l.data[key]
	if !ok {
		return nil, kv.InexistentItem(key)
	}
	return v, nil
}

func (l *listOnly) Delete(ctx context.Context, key string) error {
	if l.failDelete {
		return kv.StoreErrorf("delete refused")
	}
	if _, ok := l.data[key]; !ok {
		return kv.InexistentItem(key)
	}
	delete(l.data, key)
	return nil
}

func (l *listOnly) Keys(ctx context.Context) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		if l.listErr != nil {
			yield("", l.listErr)
			return
		}
		if l.phantom != "" && !yield(l.phantom, nil) {
			return
		}
		keys := make([]string, 0, len(l.data))
		for k := range l.data {
			keys = append(keys, k)
		}
		for _, k := range keys {
			if !yield(k, nil) {
				return
			}
		}
	}
}
