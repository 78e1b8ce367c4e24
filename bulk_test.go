package kv_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"go.miragespace.co/kv"
	"go.miragespace.co/kv/backend/memory"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func fill(t *testing.T, s kv.Store[[]byte], n int) {
	for i := 0; i < n; i++ {
		key := fmt.Sprintf("key-%03d", i)
		require.NoError(t, s.Insert(context.Background(), key, []byte(key)))
	}
}

func TestCopyAll(t *testing.T) {
	as := require.New(t)
	ctx := context.Background()

	from, to := memory.New(), memory.New()
	fill(t, from, 100)

	var progress atomic.Int64
	n, err := kv.CopyAll[[]byte](ctx, from, to, kv.BulkOptions{
		Concurrency: 4,
		Logger:      zaptest.NewLogger(t),
		Progress: func(key string, err error) {
			progress.Add(1)
		},
	})
	as.NoError(err)
	as.Equal(100, n)
	as.EqualValues(100, progress.Load())
	as.Equal(100, to.Len())
	as.Equal(100, from.Len())
}

func TestMoveAll(t *testing.T) {
	as := require.New(t)
	ctx := context.Background()

	from, to := memory.New(), memory.New()
	fill(t, from, 50)

	n, err := kv.MoveAll[[]byte](ctx, from, to, kv.BulkOptions{})
	as.NoError(err)
	as.Equal(50, n)
	as.Equal(0, from.Len())
	as.Equal(50, to.Len())
}

func TestMoveAllOntoItself(t *testing.T) {
	as := require.New(t)
	ctx := context.Background()

	s := memory.New()
	fill(t, s, 20)

	n, err := kv.MoveAll[[]byte](ctx, s, s, kv.BulkOptions{})
	as.NoError(err)
	as.Equal(20, n)
	as.Equal(20, s.Len())
}

func TestBulkCollectsFailures(t *testing.T) {
	as := require.New(t)
	ctx := context.Background()

	from := memory.New()
	fill(t, from, 20)
	to := &flaky{MemoryKV: memory.New(), fail: func(key string) bool {
		return strings.HasSuffix(key, "5")
	}}

	n, err := kv.CopyAll[[]byte](ctx, from, to, kv.BulkOptions{Concurrency: 3})
	as.Equal(18, n)

	var bulkErr *kv.BulkError
	as.ErrorAs(err, &bulkErr)
	as.Len(bulkErr.Failures, 2)

	failed := []string{bulkErr.Failures[0].Key, bulkErr.Failures[1].Key}
	as.ElementsMatch([]string{"key-005", "key-015"}, failed)
	as.ErrorIs(err, kv.ErrStoreError)
}

func TestBulkFailFast(t *testing.T) {
	as := require.New(t)
	ctx := context.Background()

	from := memory.New()
	fill(t, from, 200)
	to := &flaky{MemoryKV: memory.New(), fail: func(string) bool { return true }}

	n, err := kv.CopyAll[[]byte](ctx, from, to, kv.BulkOptions{Concurrency: 1, FailFast: true})
	as.Equal(0, n)

	var bulkErr *kv.BulkError
	as.ErrorAs(err, &bulkErr)
	as.Len(bulkErr.Failures, 1)
	as.EqualValues(1, to.attempts.Load())
}

func TestBulkConcurrencyBound(t *testing.T) {
	as := require.New(t)
	ctx := context.Background()

	from := memory.New()
	fill(t, from, 64)

	var (
		mu       sync.Mutex
		inFlight int
		peak     int
	)
	to := &flaky{MemoryKV: memory.New(), before: func() func() {
		mu.Lock()
		inFlight++
		if inFlight > peak {
			peak = inFlight
		}
		mu.Unlock()
		return func() {
			mu.Lock()
			inFlight--
			mu.Unlock()
		}
	}}

	_, err := kv.CopyAll[[]byte](ctx, from, to, kv.BulkOptions{Concurrency: 5})
	as.NoError(err)
	as.LessOrEqual(peak, 5)
}

type flaky struct {
	*memory.MemoryKV
	fail     func(key string) bool
	before   func() func()
	attempts atomic.Int64
}

func (f *flaky) Insert(ctx context.Context, key string, val []byte) error {
	f.attempts.Add(1)
	if f.before != nil {
		defer f.before()()
	}
	if f.fail != nil && f.fail(key) {
		return kv.StoreError(errors.New("refused"))
	}
	return f.MemoryKV.Insert(ctx, key, val)
}
