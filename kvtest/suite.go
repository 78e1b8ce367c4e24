package kvtest

import (
	"context"
	"testing"

	"go.miragespace.co/kv"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// Opener returns a fresh, empty byte-level store for one sub-test.
type Opener func(t *testing.T) kv.Store[[]byte]

// Run runs Check against s and fails t on any violation.
func Run[T any](t testing.TB, s kv.Store[T], samples map[string]T) {
	t.Helper()
	err := Check(context.Background(), s, samples, zaptest.NewLogger(t))
	require.NoError(t, err)
}

// Suite runs the conformance procedure and the additional properties for
// every sample set, each over a store returned by open.
func Suite(t *testing.T, open Opener) {
	t.Run("bytes", func(t *testing.T) {
		suite(t, open(t), Bytes)
	})
	t.Run("strings", func(t *testing.T) {
		suite(t, kv.Typed(open(t), kv.String), Strings)
	})
	t.Run("ints", func(t *testing.T) {
		suite(t, kv.Typed(open(t), kv.JSON[int64]()), Ints)
	})
	t.Run("floats", func(t *testing.T) {
		suite(t, kv.Typed(open(t), kv.JSON[float64]()), Floats)
	})
	t.Run("bools", func(t *testing.T) {
		suite(t, kv.Typed(open(t), kv.JSON[bool]()), Bools)
	})
	t.Run("dicts", func(t *testing.T) {
		suite(t, kv.Typed(open(t), kv.JSON[map[string]any]()), Dicts)
	})
	t.Run("lists", func(t *testing.T) {
		suite(t, kv.Typed(open(t), kv.JSON[[]any]()), Lists)
	})
}

func suite[T any](t *testing.T, s kv.Store[T], samples map[string]T) {
	t.Run("Conformance", func(t *testing.T) {
		Run(t, s, samples)
	})
	Properties(t, s, samples)
}

// Properties checks the behavior layered on top of the base contract: the
// empty-store boundary, Has, Items, prefix composition, copy and move within
// a store, and clear idempotence. s must be empty and is left empty.
func Properties[T any](t *testing.T, s kv.Store[T], samples map[string]T) {
	ctx := context.Background()

	fill := func(t *testing.T, s kv.Store[T]) {
		for k, v := range samples {
			require.NoError(t, s.Insert(ctx, k, v))
		}
	}
	reset := func(t *testing.T) {
		t.Cleanup(func() {
			require.NoError(t, kv.Clear(ctx, s))
		})
	}

	t.Run("EmptyBoundary", func(t *testing.T) {
		as := require.New(t)
		key := uuid.NewString()

		_, err := s.Read(ctx, key)
		as.True(kv.IsInexistent(err), "read of missing key: %v", err)

		err = s.Delete(ctx, key)
		as.True(kv.IsInexistent(err), "delete of missing key: %v", err)

		keys, err := kv.CollectKeys(ctx, s)
		as.NoError(err)
		as.Empty(keys)
	})

	t.Run("Has", func(t *testing.T) {
		as := require.New(t)
		reset(t)
		fill(t, s)

		for k := range samples {
			ok, err := kv.Has(ctx, s, k)
			as.NoError(err)
			as.True(ok, k)
		}
		ok, err := kv.Has(ctx, s, uuid.NewString())
		as.NoError(err)
		as.False(ok)
	})

	t.Run("Items", func(t *testing.T) {
		as := require.New(t)
		reset(t)
		fill(t, s)

		got := make(map[string]T)
		for e, err := range kv.Items(ctx, s) {
			as.NoError(err)
			got[e.Key] = e.Value
		}
		as.Equal(samples, got)
	})

	t.Run("PrefixComposition", func(t *testing.T) {
		as := require.New(t)
		reset(t)

		nested := kv.Prefixed(kv.Prefixed(s, "outer"), "inner")
		flat := kv.Prefixed(s, "outer/inner")
		fill(t, nested)

		for k, v := range samples {
			got, err := flat.Read(ctx, k)
			as.NoError(err)
			as.Equal(v, got)

			got, err = s.Read(ctx, "outer/inner/"+k)
			as.NoError(err)
			as.Equal(v, got)
		}

		keys, err := kv.CollectKeys(ctx, nested)
		as.NoError(err)
		as.ElementsMatch(sampleKeys(samples), keys)

		keys, err = kv.CollectKeys(ctx, kv.Prefixed(s, "elsewhere"))
		as.NoError(err)
		as.Empty(keys)

		for k := range samples {
			_, err := nested.Read(ctx, k+"-missing")
			var kvErr *kv.Error
			as.ErrorAs(err, &kvErr)
			as.Equal(kv.KindInexistentItem, kvErr.Kind)
			as.Equal(k+"-missing", kvErr.Key)
		}
	})

	t.Run("CopyMove", func(t *testing.T) {
		as := require.New(t)
		reset(t)

		src := kv.Prefixed(s, "src")
		dst := kv.Prefixed(s, "dst")
		fill(t, src)

		n, err := kv.CopyAll(ctx, src, dst, kv.BulkOptions{})
		as.NoError(err)
		as.Equal(len(samples), n)

		for k, v := range samples {
			got, err := dst.Read(ctx, k)
			as.NoError(err)
			as.Equal(v, got)
		}

		as.NoError(kv.Clear(ctx, dst))
		n, err = kv.MoveAll(ctx, src, dst, kv.BulkOptions{Concurrency: 2})
		as.NoError(err)
		as.Equal(len(samples), n)

		keys, err := kv.CollectKeys(ctx, src)
		as.NoError(err)
		as.Empty(keys)
		keys, err = kv.CollectKeys(ctx, dst)
		as.NoError(err)
		as.ElementsMatch(sampleKeys(samples), keys)

		for k, v := range samples {
			renamed := k + "-renamed"
			as.NoError(kv.Rename(ctx, dst, k, renamed))

			got, err := dst.Read(ctx, renamed)
			as.NoError(err)
			as.Equal(v, got)

			_, err = dst.Read(ctx, k)
			as.True(kv.IsInexistent(err))
		}
	})

	t.Run("ClearIdempotent", func(t *testing.T) {
		as := require.New(t)
		fill(t, s)

		as.NoError(kv.Clear(ctx, s))
		as.NoError(kv.Clear(ctx, s))

		keys, err := kv.CollectKeys(ctx, s)
		as.NoError(err)
		as.Empty(keys)
	})
}
