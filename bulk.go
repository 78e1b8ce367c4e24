package kv

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

const DefaultBulkConcurrency = 16

// BulkOptions tunes CopyAll and MoveAll.
type BulkOptions struct {
	// Concurrency caps in-flight per-key operations. Defaults to
	// DefaultBulkConcurrency.
	Concurrency int64
	// FailFast stops scheduling new keys after the first failure.
	FailFast bool
	// Progress, when set, is called once per key after its operation
	// finished. It may be called from several goroutines at once.
	Progress func(key string, err error)
	Logger   *zap.Logger
}

// KeyError is the failure of one key in a bulk operation. Key is empty when
// the failure happened while listing the source.
type KeyError struct {
	Key string
	Err error
}

func (e *KeyError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("listing keys: %v", e.Err)
	}
	return fmt.Sprintf("%q: %v", e.Key, e.Err)
}

func (e *KeyError) Unwrap() error {
	return e.Err
}

// BulkError collects every per-key failure of a bulk operation.
type BulkError struct {
	Failures []*KeyError
	err      error
}

func (e *BulkError) Error() string {
	return fmt.Sprintf("kv: %d key(s) failed: %v", len(e.Failures), e.err)
}

func (e *BulkError) Unwrap() []error {
	return multierr.Errors(e.err)
}

// CopyAll copies every key of from into to under the same key. It returns
// the number of keys copied and a *BulkError if any key failed.
func CopyAll[T any](ctx context.Context, from, to Store[T], opts BulkOptions) (int, error) {
	return bulk(ctx, from, opts, "copy", func(ctx context.Context, key string) error {
		return Copy(ctx, from, key, to, key)
	})
}

// MoveAll moves every key of from into to under the same key. Keys whose
// delete step failed are reported but remain copied.
func MoveAll[T any](ctx context.Context, from, to Store[T], opts BulkOptions) (int, error) {
	return bulk(ctx, from, opts, "move", func(ctx context.Context, key string) error {
		return Move(ctx, from, key, to, key)
	})
}

func bulk[T any](ctx context.Context, from Store[T], opts BulkOptions, op string, fn func(context.Context, string) error) (int, error) {
	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = DefaultBulkConcurrency
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "bulk"), zap.String("op", op))

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		limiter = semaphore.NewWeighted(concurrency)
		wg      sync.WaitGroup
		mu      sync.Mutex
		done    atomic.Int64
		errs    error
		failed  []*KeyError
	)

	record := func(key string, err error) {
		if opts.FailFast && runCtx.Err() != nil && errors.Is(err, context.Canceled) {
			return
		}
		ke := &KeyError{Key: key, Err: err}
		mu.Lock()
		failed = append(failed, ke)
		errs = multierr.Append(errs, ke)
		mu.Unlock()
		logger.Warn("key failed", zap.String("key", key), zap.Error(err))
		if opts.FailFast {
			cancel()
		}
	}

	for key, err := range from.Keys(runCtx) {
		if err != nil {
			record("", err)
			if opts.FailFast {
				break
			}
			continue
		}
		if err := limiter.Acquire(runCtx, 1); err != nil {
			break
		}
		if runCtx.Err() != nil {
			limiter.Release(1)
			break
		}
		wg.Add(1)
		go func(key string) {
			defer wg.Done()
			defer limiter.Release(1)
			err := fn(runCtx, key)
			if err != nil {
				record(key, err)
			} else {
				done.Add(1)
			}
			if opts.Progress != nil {
				opts.Progress(key, err)
			}
		}(key)
	}
	wg.Wait()

	n := int(done.Load())
	logger.Debug("bulk operation finished", zap.Int("succeeded", n), zap.Int("failed", len(failed)))

	if len(failed) > 0 {
		return n, &BulkError{Failures: failed, err: errs}
	}
	if err := ctx.Err(); err != nil {
		return n, StoreError(err)
	}
	return n, nil
}
