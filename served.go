package kv

import (
	"context"
	"fmt"
	"iter"
	"net/url"
	"strings"
	"time"
)

// Served describes a store as it is reachable over HTTP at a base URL. It
// behaves exactly like the wrapped store and additionally renders URLs
// following the HTTP wire contract. It does not listen on anything: serving
// the routes is the job of an HTTP handler mounted at the base URL.
type Served[T any] struct {
	inner   Store[T]
	view    Store[T]
	baseURL string
	prefix  string
	secret  string
}

var (
	_ Store[any]      = (*Served[any])(nil)
	_ Locatable       = (*Served[any])(nil)
	_ Prefixer[any]   = (*Served[any])(nil)
	_ Haser           = (*Served[any])(nil)
	_ Clearer         = (*Served[any])(nil)
	_ ItemLister[any] = (*Served[any])(nil)
)

type ServeOption func(*serveOptions)

type serveOptions struct {
	secret string
}

// WithSecret makes rendered URLs carry a token signed with secret, valid
// until the expiry passed to URL.
func WithSecret(secret string) ServeOption {
	return func(o *serveOptions) {
		o.secret = secret
	}
}

// Serve wraps s as reachable at baseURL.
func Serve[T any](s Store[T], baseURL string, opts ...ServeOption) *Served[T] {
	var o serveOptions
	for _, opt := range opts {
		opt(&o)
	}
	return &Served[T]{
		inner:   s,
		view:    s,
		baseURL: strings.TrimRight(baseURL, "/"),
		secret:  o.secret,
	}
}

func (s *Served[T]) String() string {
	return fmt.Sprintf("Served(%v, %q, prefix=%q)", s.inner, s.baseURL, s.prefix)
}

func (s *Served[T]) URL(key string, expiry time.Time) (string, error) {
	q := url.Values{}
	q.Set("key", key)
	if s.prefix != "" {
		q.Set("prefix", s.prefix)
	}
	if s.secret != "" {
		token, err := SignToken(s.secret, expiry)
		if err != nil {
			return "", err
		}
		q.Set("token", token)
	}
	return s.baseURL + "/read?" + q.Encode(), nil
}

func (s *Served[T]) Prefixed(prefix string) Store[T] {
	p := JoinPrefix(s.prefix, prefix)
	return &Served[T]{
		inner:   s.inner,
		view:    Prefixed(s.inner, p),
		baseURL: s.baseURL,
		prefix:  p,
		secret:  s.secret,
	}
}

func (s *Served[T]) Insert(ctx context.Context, key string, value T) error {
	return s.view.Insert(ctx, key, value)
}

func (s *Served[T]) Read(ctx context.Context, key string) (T, error) {
	return s.view.Read(ctx, key)
}

func (s *Served[T]) Delete(ctx context.Context, key string) error {
	return s.view.Delete(ctx, key)
}

func (s *Served[T]) Keys(ctx context.Context) iter.Seq2[string, error] {
	return s.view.Keys(ctx)
}

func (s *Served[T]) Has(ctx context.Context, key string) (bool, error) {
	return Has(ctx, s.view, key)
}

func (s *Served[T]) Clear(ctx context.Context) error {
	return Clear(ctx, s.view)
}

func (s *Served[T]) Items(ctx context.Context) iter.Seq2[Entry[T], error] {
	return Items(ctx, s.view)
}
