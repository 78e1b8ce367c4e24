// Package swift stores every key as an object of an OpenStack Swift
// container.
//
// Container listings are eventually consistent: an object written a moment
// ago may be missing from Keys, and a deleted one may still be listed.
package swift

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strings"
	"time"

	"go.miragespace.co/kv"

	"github.com/ncw/swift"
	"go.uber.org/zap"
)

const listLimit = 1000

// noExpiry stands in for "never" in temporary URLs, which always carry one.
const noExpiry = 100 * 365 * 24 * time.Hour

type SwiftKV struct {
	conn       *swift.Connection
	container  string
	prefix     string
	tempURLKey string
	logger     *zap.Logger
}

var (
	_ kv.Store[[]byte]    = (*SwiftKV)(nil)
	_ kv.Haser            = (*SwiftKV)(nil)
	_ kv.Prefixer[[]byte] = (*SwiftKV)(nil)
	_ kv.Copier[[]byte]   = (*SwiftKV)(nil)
	_ kv.Locatable        = (*SwiftKV)(nil)
)

func init() {
	kv.Register(func(_ context.Context, uri string, logger *zap.Logger) (kv.Store[[]byte], error) {
		base, params, err := kv.SplitParams(strings.TrimPrefix(uri, "swift+"))
		if err != nil {
			return nil, err
		}
		if params["container"] == "" {
			return nil, fmt.Errorf("missing container in connection string, expected 'swift+https://<auth>;User=<user>;Key=<key>;Container=<container>'")
		}
		conn := &swift.Connection{
			AuthUrl:  base,
			UserName: params["user"],
			ApiKey:   params["key"],
			Tenant:   params["tenant"],
			Region:   params["region"],
		}
		return New(conn, params["container"], params["tempurlkey"], logger)
	}, kv.SchemeMatcher("swift+http", "swift+https"))
}

// New authenticates conn when needed and ensures the container exists.
// tempURLKey enables URL rendering; it must match the account's
// X-Account-Meta-Temp-URL-Key.
func New(conn *swift.Connection, container, tempURLKey string, logger *zap.Logger) (*SwiftKV, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if !conn.Authenticated() {
		if err := conn.Authenticate(); err != nil {
			return nil, fmt.Errorf("authenticating to %q: %w", conn.AuthUrl, err)
		}
	}
	if err := conn.ContainerCreate(container, nil); err != nil {
		return nil, fmt.Errorf("creating container %q: %w", container, err)
	}
	return &SwiftKV{
		conn:       conn,
		container:  container,
		tempURLKey: tempURLKey,
		logger:     logger.With(zap.String("component", "swift"), zap.String("container", container)),
	}, nil
}

func (s *SwiftKV) String() string {
	if s.prefix != "" {
		return fmt.Sprintf("SwiftKV(%q, prefix=%q)", s.container, s.prefix)
	}
	return fmt.Sprintf("SwiftKV(%q)", s.container)
}

func (s *SwiftKV) Prefixed(prefix string) kv.Store[[]byte] {
	c := *s
	c.prefix = kv.JoinPrefix(s.prefix, prefix)
	return &c
}

func (s *SwiftKV) Insert(ctx context.Context, key string, val []byte) error {
	if err := s.conn.ObjectPutBytes(s.container, s.prefix+key, val, ""); err != nil {
		return s.storeError(key, err)
	}
	return nil
}

func (s *SwiftKV) Read(ctx context.Context, key string) ([]byte, error) {
	data, err := s.conn.ObjectGetBytes(s.container, s.prefix+key)
	if err != nil {
		return nil, s.translate(key, err)
	}
	if data == nil {
		data = []byte{}
	}
	return data, nil
}

func (s *SwiftKV) Delete(ctx context.Context, key string) error {
	if err := s.conn.ObjectDelete(s.container, s.prefix+key); err != nil {
		return s.translate(key, err)
	}
	return nil
}

func (s *SwiftKV) Has(ctx context.Context, key string) (bool, error) {
	_, _, err := s.conn.Object(s.container, s.prefix+key)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, swift.ObjectNotFound):
		return false, nil
	default:
		return false, s.storeError(key, err)
	}
}

// Keys pages through the container listing by marker.
func (s *SwiftKV) Keys(ctx context.Context) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		stop := errors.New("stop")
		opts := &swift.ObjectsOpts{
			Prefix: s.prefix,
			Limit:  listLimit,
		}
		err := s.conn.ObjectsWalk(s.container, opts, func(opts *swift.ObjectsOpts) (interface{}, error) {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			names, err := s.conn.ObjectNames(s.container, opts)
			if err != nil {
				return nil, err
			}
			for _, name := range names {
				rest := strings.TrimPrefix(name, s.prefix)
				if rest == "" {
					continue
				}
				if !yield(rest, nil) {
					return nil, stop
				}
			}
			return names, nil
		})
		if err != nil && err != stop {
			yield("", s.storeError("", err))
		}
	}
}

// CopyTo copies server-side when the target lives on the same connection.
func (s *SwiftKV) CopyTo(ctx context.Context, key string, to kv.Store[[]byte], toKey string) (bool, error) {
	dst, ok := to.(*SwiftKV)
	if !ok || dst.conn != s.conn {
		return false, nil
	}
	_, err := s.conn.ObjectCopy(s.container, s.prefix+key, dst.container, dst.prefix+toKey, nil)
	if err != nil {
		return true, s.translate(key, err)
	}
	return true, nil
}

// URL renders a temporary GET URL. It requires a temp URL key.
func (s *SwiftKV) URL(key string, expiry time.Time) (string, error) {
	if s.tempURLKey == "" {
		return "", fmt.Errorf("%w: no temp URL key configured", kv.ErrNotLocatable)
	}
	if expiry.IsZero() {
		expiry = time.Now().Add(noExpiry)
	}
	return s.conn.ObjectTempUrl(s.container, s.prefix+key, s.tempURLKey, "GET", expiry), nil
}

func (s *SwiftKV) translate(key string, err error) error {
	if errors.Is(err, swift.ObjectNotFound) {
		return kv.InexistentItem(key)
	}
	return s.storeError(key, err)
}

func (s *SwiftKV) storeError(key string, err error) error {
	s.logger.Warn("swift request failed", zap.String("key", key), zap.Error(err))
	e := kv.StoreError(err)
	e.Key = key
	return e
}
