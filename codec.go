package kv

import (
	"context"
	"errors"
	"fmt"
	"iter"
)

// Codec converts between stored bytes and values of T. Implementations must
// be stateless and safe for concurrent use. Parse failures are reported as
// InvalidData, and Parse(Dump(v)) must equal v for every v Dump accepts.
type Codec[T any] interface {
	Parse(data []byte) (T, error)
	Dump(value T) ([]byte, error)
}

type rawCodec struct{}

// Raw is the identity codec on bytes. It never fails.
var Raw Codec[[]byte] = rawCodec{}

func (rawCodec) Parse(data []byte) ([]byte, error) { return data, nil }
func (rawCodec) Dump(value []byte) ([]byte, error) { return value, nil }

type stringCodec struct{}

// String stores values as their UTF-8 bytes.
var String Codec[string] = stringCodec{}

func (stringCodec) Parse(data []byte) (string, error) { return string(data), nil }
func (stringCodec) Dump(value string) ([]byte, error) { return []byte(value), nil }

type jsonCodec[T any] struct{}

// JSON returns a codec storing values as JSON documents. Documents that do not
// decode into T, including ones with trailing data, are InvalidData.
func JSON[T any]() Codec[T] {
	return jsonCodec[T]{}
}

func (jsonCodec[T]) Parse(data []byte) (T, error) {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		var zero T
		return zero, InvalidData(err)
	}
	return v, nil
}

func (jsonCodec[T]) Dump(value T) ([]byte, error) {
	return json.Marshal(value)
}

// Validator returns a function reporting whether data parses with c, for
// consumers that only move bytes around (such as an HTTP server).
func Validator[T any](c Codec[T]) func(data []byte) error {
	return func(data []byte) error {
		if _, err := c.Parse(data); err != nil {
			return asInvalid(err)
		}
		return nil
	}
}

func asInvalid(err error) error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return InvalidData(err)
}

// TypedKV layers a Codec over a byte-level Store.
type TypedKV[T any] struct {
	inner Store[[]byte]
	codec Codec[T]
}

var (
	_ Store[any]      = (*TypedKV[any])(nil)
	_ Haser           = (*TypedKV[any])(nil)
	_ Clearer         = (*TypedKV[any])(nil)
	_ ItemLister[any] = (*TypedKV[any])(nil)
	_ Prefixer[any]   = (*TypedKV[any])(nil)
)

// Typed binds codec to inner. The codec is fixed for the lifetime of the
// returned store.
func Typed[T any](inner Store[[]byte], codec Codec[T]) *TypedKV[T] {
	return &TypedKV[T]{inner: inner, codec: codec}
}

func (t *TypedKV[T]) String() string {
	return fmt.Sprintf("Typed(%v)", t.inner)
}

func (t *TypedKV[T]) Insert(ctx context.Context, key string, value T) error {
	data, err := t.codec.Dump(value)
	if err != nil {
		return StoreErrorf("encoding %q: %w", key, err)
	}
	return t.inner.Insert(ctx, key, data)
}

func (t *TypedKV[T]) Read(ctx context.Context, key string) (T, error) {
	data, err := t.inner.Read(ctx, key)
	if err != nil {
		var zero T
		return zero, err
	}
	return t.parse(data)
}

func (t *TypedKV[T]) parse(data []byte) (T, error) {
	v, err := t.codec.Parse(data)
	if err != nil {
		var zero T
		return zero, asInvalid(err)
	}
	return v, nil
}

func (t *TypedKV[T]) Delete(ctx context.Context, key string) error {
	return t.inner.Delete(ctx, key)
}

func (t *TypedKV[T]) Keys(ctx context.Context) iter.Seq2[string, error] {
	return t.inner.Keys(ctx)
}

func (t *TypedKV[T]) Has(ctx context.Context, key string) (bool, error) {
	return Has(ctx, t.inner, key)
}

func (t *TypedKV[T]) Clear(ctx context.Context) error {
	return Clear(ctx, t.inner)
}

func (t *TypedKV[T]) Items(ctx context.Context) iter.Seq2[Entry[T], error] {
	return func(yield func(Entry[T], error) bool) {
		for e, err := range Items(ctx, t.inner) {
			if err != nil {
				if !yield(Entry[T]{}, err) {
					return
				}
				continue
			}
			v, err := t.parse(e.Value)
			if err != nil {
				if !yield(Entry[T]{}, err) {
					return
				}
				continue
			}
			if !yield(Entry[T]{Key: e.Key, Value: v}, nil) {
				return
			}
		}
	}
}

func (t *TypedKV[T]) Prefixed(prefix string) Store[T] {
	return Typed(Prefixed(t.inner, prefix), t.codec)
}

func (t *TypedKV[T]) unwrap() (any, string) {
	return t.inner, ""
}
