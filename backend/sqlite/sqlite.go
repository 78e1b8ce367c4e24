// Package sqlite stores entries in a single SQLite table of (key, value)
// rows.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"go.miragespace.co/kv"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

const (
	DefaultTable = "kv"
	batchSize    = 256
)

var validTable = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

type Option func(*SQLiteKV)

// Table selects the table holding the entries. Defaults to "kv".
func Table(name string) Option {
	return func(s *SQLiteKV) {
		if name != "" {
			s.table = name
		}
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(s *SQLiteKV) {
		s.logger = logger
	}
}

// SQLiteKV is a view over one table. Views returned by Prefixed share the
// database handle with the store they came from; only the root store owns it.
type SQLiteKV struct {
	db     *sql.DB
	path   string
	table  string
	prefix string
	logger *zap.Logger
}

var (
	_ kv.Store[[]byte]      = (*SQLiteKV)(nil)
	_ kv.Haser              = (*SQLiteKV)(nil)
	_ kv.Clearer            = (*SQLiteKV)(nil)
	_ kv.ItemLister[[]byte] = (*SQLiteKV)(nil)
	_ kv.Prefixer[[]byte]   = (*SQLiteKV)(nil)
)

func init() {
	kv.Register(func(_ context.Context, uri string, logger *zap.Logger) (kv.Store[[]byte], error) {
		path, params, err := kv.SplitParams(strings.TrimPrefix(uri, "sqlite://"))
		if err != nil {
			return nil, err
		}
		return New(path, Table(params["table"]), WithLogger(logger))
	}, kv.SchemeMatcher("sqlite"))
}

// New opens the database at path, creating its directory and the table when
// missing.
func New(path string, opts ...Option) (*SQLiteKV, error) {
	s := &SQLiteKV{
		path:  path,
		table: DefaultTable,
	}
	for _, apply := range opts {
		apply(s)
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	s.logger = s.logger.With(zap.String("component", "sqlite"), zap.String("table", s.table))

	if !validTable.MatchString(s.table) {
		return nil, fmt.Errorf("invalid table name %q", s.table)
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite3", "file:"+path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, err
	}
	// iteration pages never hold a connection across a yield, so one
	// connection serializes writers without deadlocking readers
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %q (
		key TEXT NOT NULL PRIMARY KEY,
		value BLOB NOT NULL
	)`, s.table)); err != nil {
		db.Close()
		return nil, err
	}
	s.db = db
	return s, nil
}

func (s *SQLiteKV) String() string {
	if s.prefix != "" {
		return fmt.Sprintf("SQLiteKV(%q, table=%q, prefix=%q)", s.path, s.table, s.prefix)
	}
	return fmt.Sprintf("SQLiteKV(%q, table=%q)", s.path, s.table)
}

// Close closes the database. It is a no-op on prefixed views.
func (s *SQLiteKV) Close() error {
	if s.prefix != "" {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteKV) Prefixed(prefix string) kv.Store[[]byte] {
	c := *s
	c.prefix = kv.JoinPrefix(s.prefix, prefix)
	return &c
}

func (s *SQLiteKV) Insert(ctx context.Context, key string, val []byte) error {
	if val == nil {
		val = []byte{}
	}
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(
		`INSERT INTO %q (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`, s.table),
		s.prefix+key, val,
	)
	if err != nil {
		return s.storeError(key, err)
	}
	return nil
}

func (s *SQLiteKV) Read(ctx context.Context, key string) ([]byte, error) {
	var val []byte
	err := s.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT value FROM %q WHERE key = ?`, s.table),
		s.prefix+key,
	).Scan(&val)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, kv.InexistentItem(key)
	}
	if err != nil {
		return nil, s.storeError(key, err)
	}
	if val == nil {
		val = []byte{}
	}
	return val, nil
}

func (s *SQLiteKV) Delete(ctx context.Context, key string) error {
	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM %q WHERE key = ?`, s.table),
		s.prefix+key,
	)
	if err != nil {
		return s.storeError(key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return s.storeError(key, err)
	}
	if n == 0 {
		return kv.InexistentItem(key)
	}
	return nil
}

func (s *SQLiteKV) Has(ctx context.Context, key string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT 1 FROM %q WHERE key = ?`, s.table),
		s.prefix+key,
	).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, s.storeError(key, err)
	}
	return true, nil
}

func (s *SQLiteKV) Keys(ctx context.Context) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		for e, err := range s.page(ctx, "key") {
			if !yield(e.Key, err) {
				return
			}
			if err != nil {
				return
			}
		}
	}
}

// Items reads keys and values together, in batches.
func (s *SQLiteKV) Items(ctx context.Context) iter.Seq2[kv.Entry[[]byte], error] {
	return func(yield func(kv.Entry[[]byte], error) bool) {
		for e, err := range s.page(ctx, "key, value") {
			if !yield(e, err) {
				return
			}
			if err != nil {
				return
			}
		}
	}
}

// page walks the rows under the view's prefix in key order, batchSize at a
// time. Each batch is fully read and its cursor closed before any entry is
// yielded.
func (s *SQLiteKV) page(ctx context.Context, columns string) iter.Seq2[kv.Entry[[]byte], error] {
	return func(yield func(kv.Entry[[]byte], error) bool) {
		where, args := s.scope()
		query := fmt.Sprintf(`SELECT %s FROM %q WHERE key > ?%s ORDER BY key LIMIT %d`,
			columns, s.table, where, batchSize)
		withValue := strings.Contains(columns, "value")

		last := s.prefix
		for {
			batch, err := s.fetch(ctx, query, append([]any{last}, args...), withValue)
			if err != nil {
				yield(kv.Entry[[]byte]{}, s.storeError("", err))
				return
			}
			for _, e := range batch {
				last = e.Key
				rest := strings.TrimPrefix(e.Key, s.prefix)
				if rest == "" {
					continue
				}
				e.Key = rest
				if !yield(e, nil) {
					return
				}
			}
			if len(batch) < batchSize {
				return
			}
		}
	}
}

func (s *SQLiteKV) fetch(ctx context.Context, query string, args []any, withValue bool) ([]kv.Entry[[]byte], error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	batch := make([]kv.Entry[[]byte], 0, batchSize)
	for rows.Next() {
		var e kv.Entry[[]byte]
		if withValue {
			err = rows.Scan(&e.Key, &e.Value)
		} else {
			err = rows.Scan(&e.Key)
		}
		if err != nil {
			return nil, err
		}
		batch = append(batch, e)
	}
	return batch, rows.Err()
}

// Clear deletes every row under the view's prefix.
func (s *SQLiteKV) Clear(ctx context.Context) error {
	query := fmt.Sprintf(`DELETE FROM %q`, s.table)
	var args []any
	if s.prefix != "" {
		where, scope := s.scope()
		query += ` WHERE key >= ?` + where
		args = append([]any{s.prefix}, scope...)
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return s.storeError("", err)
	}
	return nil
}

// scope returns the upper-bound condition restricting rows to the prefix.
func (s *SQLiteKV) scope() (string, []any) {
	if s.prefix == "" {
		return "", nil
	}
	return ` AND key < ?`, []any{upperBound(s.prefix)}
}

// upperBound returns the smallest string greater than every string starting
// with prefix.
func upperBound(prefix string) string {
	b := []byte(prefix)
	for i := len(b) - 1; i >= 0; i-- {
		if b[i] < 0xff {
			b[i]++
			return string(b[:i+1])
		}
	}
	return ""
}

func (s *SQLiteKV) storeError(key string, err error) error {
	s.logger.Warn("query failed", zap.String("key", key), zap.Error(err))
	e := kv.StoreError(err)
	e.Key = key
	return e
}
