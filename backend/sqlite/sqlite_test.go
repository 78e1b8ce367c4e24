package sqlite

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"go.miragespace.co/kv"
	"go.miragespace.co/kv/kvtest"

	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"go.uber.org/zap/zaptest"
)

type SQLiteSuite struct {
	suite.Suite
	store *SQLiteKV
}

func (s *SQLiteSuite) SetupTest() {
	store, err := New(filepath.Join(s.T().TempDir(), "db", "kv.sqlite"), WithLogger(zaptest.NewLogger(s.T())))
	s.Require().NoError(err)
	s.store = store
}

func (s *SQLiteSuite) TearDownTest() {
	s.Require().NoError(s.store.Close())
}

func (s *SQLiteSuite) TestOverwrite() {
	ctx := context.Background()
	s.Require().NoError(s.store.Insert(ctx, "k", []byte("1")))
	s.Require().NoError(s.store.Insert(ctx, "k", []byte("2")))

	got, err := s.store.Read(ctx, "k")
	s.Require().NoError(err)
	s.Equal([]byte("2"), got)
}

func (s *SQLiteSuite) TestPaging() {
	ctx := context.Background()
	const n = batchSize*2 + 7
	for i := 0; i < n; i++ {
		s.Require().NoError(s.store.Insert(ctx, fmt.Sprintf("key-%04d", i), []byte{byte(i)}))
	}

	// deleting while iterating must not deadlock or skip
	seen := 0
	for k, err := range s.store.Keys(ctx) {
		s.Require().NoError(err)
		s.Require().NoError(s.store.Delete(ctx, k))
		seen++
	}
	s.Equal(n, seen)

	keys, err := kv.CollectKeys(ctx, s.store)
	s.Require().NoError(err)
	s.Empty(keys)
}

func (s *SQLiteSuite) TestNativePrefix() {
	ctx := context.Background()

	view := kv.Prefixed[[]byte](s.store, "users")
	_, native := view.(*SQLiteKV)
	s.True(native)

	s.Require().NoError(view.Insert(ctx, "alice", []byte("a")))
	s.Require().NoError(s.store.Insert(ctx, "usersX", []byte("not under the prefix")))
	s.Require().NoError(s.store.Insert(ctx, "USERS/bob", []byte("different case")))

	keys, err := kv.CollectKeys(ctx, view)
	s.Require().NoError(err)
	s.Equal([]string{"alice"}, keys)

	_, err = view.Read(ctx, "bob")
	var kvErr *kv.Error
	s.Require().ErrorAs(err, &kvErr)
	s.Equal(kv.KindInexistentItem, kvErr.Kind)
	s.Equal("bob", kvErr.Key)

	s.Require().NoError(kv.Clear(ctx, view))
	keys, err = kv.CollectKeys(ctx, s.store)
	s.Require().NoError(err)
	s.ElementsMatch([]string{"usersX", "USERS/bob"}, keys)

	s.NoError(kv.Close(view))
}

func (s *SQLiteSuite) TestItems() {
	ctx := context.Background()
	s.Require().NoError(s.store.Insert(ctx, "a", []byte("1")))
	s.Require().NoError(s.store.Insert(ctx, "b", []byte("2")))

	got := map[string]string{}
	for e, err := range kv.Items[[]byte](ctx, s.store) {
		s.Require().NoError(err)
		got[e.Key] = string(e.Value)
	}
	s.Equal(map[string]string{"a": "1", "b": "2"}, got)
}

func TestSQLiteSuite(t *testing.T) {
	suite.Run(t, new(SQLiteSuite))
}

func TestConformance(t *testing.T) {
	kvtest.Suite(t, func(t *testing.T) kv.Store[[]byte] {
		s, err := New(filepath.Join(t.TempDir(), "kv.sqlite"))
		require.NoError(t, err)
		t.Cleanup(func() { s.Close() })
		return s
	})
}

func TestOpen(t *testing.T) {
	as := require.New(t)

	path := filepath.Join(t.TempDir(), "kv.sqlite")
	s, err := kv.Open(context.Background(), "sqlite://"+path+";Table=things", nil)
	as.NoError(err)
	defer kv.Close(s)

	store, ok := s.(*SQLiteKV)
	as.True(ok)
	as.Equal("things", store.table)

	_, err = New(path, Table("drop table;"))
	as.Error(err)
}

func TestUpperBound(t *testing.T) {
	as := require.New(t)
	as.Equal("a0", upperBound("a/"))
	as.Equal("b", upperBound("a\xff"))
}
