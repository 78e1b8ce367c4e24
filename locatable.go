package kv

import (
	"errors"
	"time"
)

var ErrNotLocatable = errors.New("kv: store cannot render URLs")

// Locatable is implemented by stores backed by addressable media. URL returns
// a dereferenceable location for key; a zero expiry asks for a URL that does
// not expire, where the medium allows it.
type Locatable interface {
	URL(key string, expiry time.Time) (string, error)
}

type wrapper interface {
	unwrap() (inner any, prefix string)
}

// AsLocatable returns the Locatable capability of s, looking through the
// package's own decorators. Prefixes applied on the way are carried into the
// rendered URLs.
func AsLocatable(s any) (Locatable, bool) {
	prefix := ""
	for {
		if l, ok := s.(Locatable); ok {
			if prefix == "" {
				return l, true
			}
			return &prefixedLocator{inner: l, prefix: prefix}, true
		}
		w, ok := s.(wrapper)
		if !ok {
			return nil, false
		}
		var p string
		s, p = w.unwrap()
		prefix = p + prefix
	}
}

// URL renders the URL of key in s, or returns ErrNotLocatable.
func URL(s any, key string, expiry time.Time) (string, error) {
	l, ok := AsLocatable(s)
	if !ok {
		return "", ErrNotLocatable
	}
	return l.URL(key, expiry)
}

type prefixedLocator struct {
	inner  Locatable
	prefix string
}

func (p *prefixedLocator) URL(key string, expiry time.Time) (string, error) {
	return p.inner.URL(p.prefix+key, expiry)
}
