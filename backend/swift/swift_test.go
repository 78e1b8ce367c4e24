package swift

import (
	"context"
	"net/url"
	"strings"
	"testing"
	"time"

	"go.miragespace.co/kv"
	"go.miragespace.co/kv/kvtest"

	"github.com/google/uuid"
	"github.com/ncw/swift"
	"github.com/ncw/swift/swifttest"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newConnection(t *testing.T) *swift.Connection {
	srv, err := swifttest.NewSwiftServer("localhost")
	require.NoError(t, err)
	t.Cleanup(srv.Close)

	return &swift.Connection{
		UserName: swifttest.TEST_ACCOUNT,
		ApiKey:   swifttest.TEST_ACCOUNT,
		AuthUrl:  srv.AuthURL,
	}
}

func newTestKV(t *testing.T, conn *swift.Connection) *SwiftKV {
	s, err := New(conn, "kv-"+uuid.NewString(), "secret", zaptest.NewLogger(t))
	require.NoError(t, err)
	return s
}

func TestConformance(t *testing.T) {
	kvtest.Suite(t, func(t *testing.T) kv.Store[[]byte] {
		return newTestKV(t, newConnection(t))
	})
}

func TestServerSideCopy(t *testing.T) {
	as := require.New(t)
	ctx := context.Background()

	conn := newConnection(t)
	a := newTestKV(t, conn)
	b := newTestKV(t, conn)

	as.NoError(a.Insert(ctx, "obj", []byte("payload")))

	handled, err := a.CopyTo(ctx, "obj", b, "copied")
	as.True(handled)
	as.NoError(err)

	got, err := b.Read(ctx, "copied")
	as.NoError(err)
	as.Equal([]byte("payload"), got)

	handled, err = a.CopyTo(ctx, "missing", b, "x")
	as.True(handled)
	as.True(kv.IsInexistent(err))
}

func TestNativePrefix(t *testing.T) {
	as := require.New(t)
	ctx := context.Background()
	s := newTestKV(t, newConnection(t))

	view := kv.Prefixed[[]byte](s, "photos")
	as.NoError(view.Insert(ctx, "cat.jpg", []byte("meow")))
	as.NoError(s.Insert(ctx, "photosets", []byte("outside")))

	keys, err := kv.CollectKeys(ctx, view)
	as.NoError(err)
	as.Equal([]string{"cat.jpg"}, keys)

	got, err := s.Read(ctx, "photos/cat.jpg")
	as.NoError(err)
	as.Equal([]byte("meow"), got)
}

func TestTempURL(t *testing.T) {
	as := require.New(t)
	s := newTestKV(t, newConnection(t))

	view := kv.Prefixed[[]byte](s, "photos")
	raw, err := kv.URL(view, "cat.jpg", time.Now().Add(time.Hour))
	as.NoError(err)

	u, err := url.Parse(raw)
	as.NoError(err)
	as.True(strings.HasSuffix(u.Path, "/"+s.container+"/photos/cat.jpg"), u.Path)
	as.NotEmpty(u.Query().Get("temp_url_sig"))
	as.NotEmpty(u.Query().Get("temp_url_expires"))

	s.tempURLKey = ""
	_, err = s.URL("cat.jpg", time.Time{})
	as.ErrorIs(err, kv.ErrNotLocatable)
}

func TestOpenRequiresContainer(t *testing.T) {
	_, err := kv.Open(context.Background(), "swift+https://auth.example.com/v2.0;User=u;Key=k", nil)
	require.Error(t, err)
}
