package kv

import (
	"context"
	"fmt"
	"iter"
	"strings"
)

// Prefixer is implemented by stores that namespace keys natively. The prefix
// passed to Prefixed is already normalized by JoinPrefix.
type Prefixer[T any] interface {
	Prefixed(prefix string) Store[T]
}

// JoinPrefix normalizes and concatenates prefix fragments. Fragments are split
// on "/", empty segments are dropped, and a non-empty result always ends with
// a single "/". JoinPrefix("a", "b"), JoinPrefix("a/b") and
// JoinPrefix("/a//", "b/") are all "a/b/".
func JoinPrefix(fragments ...string) string {
	var b strings.Builder
	for _, f := range fragments {
		for _, seg := range strings.Split(f, "/") {
			if seg == "" {
				continue
			}
			b.WriteString(seg)
			b.WriteByte('/')
		}
	}
	return b.String()
}

// Prefixed returns a view of s whose keys are the keys of s starting with
// prefix, with the prefix stripped. Prefixing an already prefixed view
// concatenates the prefixes, so Prefixed(Prefixed(s, a), b) is the same view
// as Prefixed(s, a+"/"+b). An empty prefix returns s.
func Prefixed[T any](s Store[T], prefix string) Store[T] {
	p := JoinPrefix(prefix)
	if p == "" {
		return s
	}
	if n, ok := s.(Prefixer[T]); ok {
		return n.Prefixed(p)
	}
	return &PrefixedKV[T]{inner: s, prefix: p}
}

// PrefixedKV is the generic prefixing decorator, used for stores without a
// native Prefixer.
type PrefixedKV[T any] struct {
	inner  Store[T]
	prefix string
}

var (
	_ Store[any]    = (*PrefixedKV[any])(nil)
	_ Prefixer[any] = (*PrefixedKV[any])(nil)
	_ Haser         = (*PrefixedKV[any])(nil)
)

func (p *PrefixedKV[T]) String() string {
	return fmt.Sprintf("Prefixed(%v, %q)", p.inner, p.prefix)
}

// Prefix returns the normalized prefix of the view.
func (p *PrefixedKV[T]) Prefix() string {
	return p.prefix
}

func (p *PrefixedKV[T]) Insert(ctx context.Context, key string, value T) error {
	return p.inner.Insert(ctx, p.prefix+key, value)
}

func (p *PrefixedKV[T]) Read(ctx context.Context, key string) (T, error) {
	v, err := p.inner.Read(ctx, p.prefix+key)
	return v, p.strip(err)
}

func (p *PrefixedKV[T]) Delete(ctx context.Context, key string) error {
	return p.strip(p.inner.Delete(ctx, p.prefix+key))
}

func (p *PrefixedKV[T]) Has(ctx context.Context, key string) (bool, error) {
	return Has(ctx, p.inner, p.prefix+key)
}

func (p *PrefixedKV[T]) Keys(ctx context.Context) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		for k, err := range p.inner.Keys(ctx) {
			if err != nil {
				if !yield("", err) {
					return
				}
				continue
			}
			rest, ok := strings.CutPrefix(k, p.prefix)
			if !ok || rest == "" {
				continue
			}
			if !yield(rest, nil) {
				return
			}
		}
	}
}

func (p *PrefixedKV[T]) Prefixed(prefix string) Store[T] {
	return &PrefixedKV[T]{inner: p.inner, prefix: JoinPrefix(p.prefix, prefix)}
}

// strip rewrites the key of an InexistentItem back into the caller's key
// space.
func (p *PrefixedKV[T]) strip(err error) error {
	e, ok := err.(*Error)
	if !ok || e.Kind != KindInexistentItem {
		return err
	}
	if rest, ok := strings.CutPrefix(e.Key, p.prefix); ok {
		c := *e
		c.Key = rest
		return &c
	}
	return err
}

func (p *PrefixedKV[T]) unwrap() (any, string) {
	return p.inner, p.prefix
}
