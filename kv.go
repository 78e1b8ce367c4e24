// Package kv defines a uniform key-value contract that heterogeneous backends
// implement, the codecs that give byte payloads a type, and the decorators
// (prefixing, URL rendering, serving) that compose over any conforming store.
//
// Every operation reports failures as *Error with one of three kinds:
// InexistentItem, InvalidData or StoreError. Operations beyond the four
// primitives of Store are free functions; they use a backend's native
// implementation when it provides one and fall back to a generic derivation
// otherwise.
package kv

import (
	"context"
	"iter"
	"reflect"
)

// Store is the primitive operation set every backend implements natively.
//
// Keys returns a lazy, single-pass sequence. A failure to produce a key is
// yielded as ("", err) and the sequence may continue. Iterate a fresh call to
// Keys to traverse again.
type Store[T any] interface {
	// Insert upserts value at key.
	Insert(ctx context.Context, key string, value T) error
	// Read returns the value at key, or an InexistentItem error.
	Read(ctx context.Context, key string) (T, error)
	// Delete removes key, or returns an InexistentItem error.
	Delete(ctx context.Context, key string) error
	// Keys yields every key currently present, in no particular order.
	Keys(ctx context.Context) iter.Seq2[string, error]
}

// Entry is a key/value pair as observed through Items.
type Entry[T any] struct {
	Key   string
	Value T
}

// Haser is implemented by stores with a native existence check.
type Haser interface {
	Has(ctx context.Context, key string) (bool, error)
}

// Clearer is implemented by stores with a native bulk delete.
type Clearer interface {
	Clear(ctx context.Context) error
}

// ItemLister is implemented by stores that can read keys and values together.
type ItemLister[T any] interface {
	Items(ctx context.Context) iter.Seq2[Entry[T], error]
}

// Copier is implemented by stores with a native copy path. ok is false when
// the store cannot handle the given target natively, in which case the
// generic read+insert is used.
type Copier[T any] interface {
	CopyTo(ctx context.Context, key string, to Store[T], toKey string) (ok bool, err error)
}

// Mover is the native counterpart of Move, with the same ok convention as
// Copier.
type Mover[T any] interface {
	MoveTo(ctx context.Context, key string, to Store[T], toKey string) (ok bool, err error)
}

// Has reports whether key is present.
func Has[T any](ctx context.Context, s Store[T], key string) (bool, error) {
	if h, ok := s.(Haser); ok {
		return h.Has(ctx, key)
	}
	for k, err := range s.Keys(ctx) {
		if err != nil {
			return false, Wrap(err)
		}
		if k == key {
			return true, nil
		}
	}
	return false, nil
}

// Items yields every entry of s. Per-entry failures (StoreError or
// InvalidData) are yielded with a zero Entry and iteration continues.
func Items[T any](ctx context.Context, s Store[T]) iter.Seq2[Entry[T], error] {
	if l, ok := s.(ItemLister[T]); ok {
		return l.Items(ctx)
	}
	return func(yield func(Entry[T], error) bool) {
		for k, err := range s.Keys(ctx) {
			if err != nil {
				if !yield(Entry[T]{}, Wrap(err)) {
					return
				}
				continue
			}
			v, err := s.Read(ctx, k)
			if IsInexistent(err) {
				// deleted between listing and reading
				continue
			}
			if err != nil {
				if !yield(Entry[T]{}, err) {
					return
				}
				continue
			}
			if !yield(Entry[T]{Key: k, Value: v}, nil) {
				return
			}
		}
	}
}

// Values yields every value of s.
func Values[T any](ctx context.Context, s Store[T]) iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		for e, err := range Items(ctx, s) {
			if !yield(e.Value, err) {
				return
			}
		}
	}
}

// Copy writes from[key] to to[toKey]. The stores may be of different
// backends.
func Copy[T any](ctx context.Context, from Store[T], key string, to Store[T], toKey string) error {
	if c, ok := from.(Copier[T]); ok {
		if handled, err := c.CopyTo(ctx, key, to, toKey); handled {
			return err
		}
	}
	v, err := from.Read(ctx, key)
	if err != nil {
		return err
	}
	return to.Insert(ctx, toKey, v)
}

// Move copies from[key] to to[toKey] and then deletes from[key]. It is not
// atomic: if the delete fails, the copy stays in place and the delete error
// is returned. Moving a key onto itself only checks that it exists.
func Move[T any](ctx context.Context, from Store[T], key string, to Store[T], toKey string) error {
	if key == toKey && sameStore(from, to) {
		_, err := from.Read(ctx, key)
		return err
	}
	if m, ok := from.(Mover[T]); ok {
		if handled, err := m.MoveTo(ctx, key, to, toKey); handled {
			return err
		}
	}
	if err := Copy(ctx, from, key, to, toKey); err != nil {
		return err
	}
	return from.Delete(ctx, key)
}

// Rename moves key to newKey within s.
func Rename[T any](ctx context.Context, s Store[T], key, newKey string) error {
	return Move(ctx, s, key, s, newKey)
}

func sameStore(a, b any) bool {
	if reflect.TypeOf(a) != reflect.TypeOf(b) || a == nil {
		return false
	}
	return reflect.ValueOf(a).Comparable() && a == b
}

// Clear deletes every key of s. Keys that vanish concurrently are not
// reported as failures.
func Clear[T any](ctx context.Context, s Store[T]) error {
	if c, ok := s.(Clearer); ok {
		return c.Clear(ctx)
	}
	for k, err := range s.Keys(ctx) {
		if err != nil {
			return Wrap(err)
		}
		if err := s.Delete(ctx, k); err != nil && !IsInexistent(err) {
			return err
		}
	}
	return nil
}

// CollectKeys drains Keys into a slice, stopping at the first failure.
func CollectKeys[T any](ctx context.Context, s Store[T]) ([]string, error) {
	keys := make([]string, 0)
	for k, err := range s.Keys(ctx) {
		if err != nil {
			return nil, Wrap(err)
		}
		keys = append(keys, k)
	}
	return keys, nil
}
