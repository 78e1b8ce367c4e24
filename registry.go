package kv

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"go.uber.org/zap"
)

var ErrBackingNotFound = errors.New("kv: backing not found")

var kvBacking = []matched{}

type matched struct {
	matcher     Matcher
	constructor Constructor
}

// Constructor opens a byte-level store from a connection string.
type Constructor func(ctx context.Context, uri string, logger *zap.Logger) (Store[[]byte], error)

// Matcher reports whether a connection string belongs to a backend.
type Matcher func(uri string) bool

// Register makes a backend available to Open. It is meant to be called from
// the backend package's init function.
func Register(constructor Constructor, matcher Matcher) {
	kvBacking = append(kvBacking, matched{
		constructor: constructor,
		matcher:     matcher,
	})
}

// SchemeMatcher matches connection strings starting with any of the given
// "scheme://" prefixes.
func SchemeMatcher(schemes ...string) Matcher {
	return func(uri string) bool {
		for _, s := range schemes {
			if strings.HasPrefix(uri, s+"://") {
				return true
			}
		}
		return false
	}
}

// Open resolves uri against the registered backends and opens the store.
func Open(ctx context.Context, uri string, logger *zap.Logger) (Store[[]byte], error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	for _, s := range kvBacking {
		if !s.matcher(uri) {
			continue
		}
		store, err := s.constructor(ctx, uri, logger)
		if err != nil {
			return nil, err
		}
		logger.Debug("store opened", zap.Stringer("store", describe(store)))
		return store, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrBackingNotFound, redact(uri))
}

// OpenTyped opens uri and binds codec to it.
func OpenTyped[T any](ctx context.Context, uri string, codec Codec[T], logger *zap.Logger) (Store[T], error) {
	s, err := Open(ctx, uri, logger)
	if err != nil {
		return nil, err
	}
	return Typed(s, codec), nil
}

// Close releases the medium behind s when its backend holds one. Decorators
// are looked through.
func Close(s any) error {
	for {
		if c, ok := s.(io.Closer); ok {
			return c.Close()
		}
		w, ok := s.(wrapper)
		if !ok {
			return nil
		}
		s, _ = w.unwrap()
	}
}

// SplitParams splits a connection string of the form
// "<base>;Key=Value;Other=Value" into its base and parameters. Parameter names
// are case-insensitive and returned lower-cased.
func SplitParams(uri string) (string, map[string]string, error) {
	parts := strings.Split(uri, ";")
	params := make(map[string]string, len(parts)-1)
	for _, p := range parts[1:] {
		if p == "" {
			continue
		}
		k, v, ok := strings.Cut(p, "=")
		if !ok {
			return "", nil, fmt.Errorf("kv: malformed parameter %q in connection string", p)
		}
		params[strings.ToLower(strings.TrimSpace(k))] = strings.TrimSpace(v)
	}
	return parts[0], params, nil
}

type stringer struct{ v any }

func (s stringer) String() string { return fmt.Sprint(s.v) }

func describe(v any) fmt.Stringer {
	if s, ok := v.(fmt.Stringer); ok {
		return s
	}
	return stringer{v}
}

// redact keeps connection strings with credentials out of error messages.
func redact(uri string) string {
	if len(uri) > 16 {
		return uri[:16] + "..."
	}
	return uri
}
