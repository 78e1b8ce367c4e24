package script

import (
	"context"
	"testing"
	"time"

	"go.miragespace.co/kv"
	"go.miragespace.co/kv/backend/memory"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
)

const testScriptRoundTrip = `
(async () => {
	await kv.main.put("a", "1")
	await kv.main.put("b", "2")
	const a = await kv.main.get("a")
	const missing = await kv.main.get("zzz")
	const keys = (await kv.main.keys()).sort().join(",")
	const had = await kv.main.has("b")
	const deleted = await kv.main.del("b")
	const deletedAgain = await kv.main.del("b")
	await kv.results.put("summary", JSON.stringify({ a, missing, keys, had, deleted, deletedAgain }))
})()
`

const testScriptErrors = `
(async () => {
	try {
		await kv.failing.get("anything")
	} catch (e) {
		await kv.results.put("kind", e.kind)
	}
})()
`

const testScriptPrefixed = `
const users = kv.main.prefixed("users").prefixed("eu")
users.put("ada", "x").then(() => console.log("stored", "ada"))
`

func newRuntime(t *testing.T, logger *zap.Logger, opts ...Option) (*Runtime, *kv.Manager) {
	t.Helper()
	m := kv.NewManager(logger)
	m.Set("main", memory.New())
	m.Set("results", memory.New())
	rt, err := New(m, logger, opts...)
	require.NoError(t, err)
	return rt, m
}

func read(t *testing.T, m *kv.Manager, name, key string) string {
	t.Helper()
	s, ok := m.Get(name)
	require.True(t, ok)
	val, err := s.Read(context.Background(), key)
	require.NoError(t, err)
	return string(val)
}

func TestRoundTrip(t *testing.T) {
	as := require.New(t)
	rt, m := newRuntime(t, zaptest.NewLogger(t))

	as.NoError(rt.Run(context.Background(), "roundtrip.js", testScriptRoundTrip))
	as.JSONEq(`{
		"a": "1",
		"missing": null,
		"keys": "a,b",
		"had": true,
		"deleted": true,
		"deletedAgain": false
	}`, read(t, m, "results", "summary"))
}

const testScriptBinary = `
(async () => {
	const buf = new Uint8Array([104, 105])
	const pending = kv.main.put("bin", buf.buffer)
	buf[0] = 122
	await pending
	buf[1] = 122
})()
`

func TestBinaryPayloadIsCopied(t *testing.T) {
	as := require.New(t)
	rt, m := newRuntime(t, zaptest.NewLogger(t))

	as.NoError(rt.Run(context.Background(), "binary.js", testScriptBinary))
	as.Equal("hi", read(t, m, "main", "bin"))
}

func TestErrorKind(t *testing.T) {
	as := require.New(t)
	rt, m := newRuntime(t, zaptest.NewLogger(t))
	m.Set("failing", failing{MemoryKV: memory.New()})

	as.NoError(rt.Run(context.Background(), "errors.js", testScriptErrors))
	as.Equal("store-error", read(t, m, "results", "kind"))
}

func TestPendingCallsAreAwaited(t *testing.T) {
	as := require.New(t)
	core, logs := observer.New(zap.InfoLevel)
	rt, m := newRuntime(t, zap.New(core))

	// the script's completion value is not a promise, but its store call
	// still completes before Run returns
	as.NoError(rt.Run(context.Background(), "prefixed.js", testScriptPrefixed))
	as.Equal("x", read(t, m, "main", "users/eu/ada"))

	entries := logs.FilterMessage("stored ada").All()
	as.Len(entries, 1)
	as.Equal("prefixed.js", entries[0].ContextMap()["script"])
}

func TestRejection(t *testing.T) {
	as := require.New(t)
	rt, _ := newRuntime(t, zaptest.NewLogger(t))
	ctx := context.Background()

	err := rt.Run(ctx, "reject.js", `(async () => { throw new Error("boom") })()`)
	as.ErrorContains(err, "boom")

	err = rt.Run(ctx, "throw.js", `throw new Error("sync boom")`)
	as.ErrorContains(err, "sync boom")

	err = rt.Run(ctx, "syntax.js", `this is not javascript`)
	as.ErrorContains(err, "error compiling script")

	err = rt.Run(ctx, "unknown.js", `kv.nope.get("a")`)
	as.Error(err)
}

func TestInterrupt(t *testing.T) {
	as := require.New(t)
	rt, _ := newRuntime(t, zaptest.NewLogger(t))

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	err := rt.Run(ctx, "spin.js", `while (true) {}`)
	as.ErrorIs(err, context.DeadlineExceeded)
}

func TestRunFile(t *testing.T) {
	as := require.New(t)
	fs := afero.NewMemMapFs()
	as.NoError(afero.WriteFile(fs, "/scripts/lib.js", []byte(`
module.exports = { greet: (name) => "hello " + name }
`), 0644))
	as.NoError(afero.WriteFile(fs, "/scripts/main.js", []byte(`
const lib = require("./lib.js")
kv.results.put("greeting", lib.greet("ada"))
`), 0644))

	rt, m := newRuntime(t, zaptest.NewLogger(t), WithFs(fs))
	as.NoError(rt.RunFile(context.Background(), "/scripts/main.js"))
	as.Equal("hello ada", read(t, m, "results", "greeting"))

	as.Error(rt.RunFile(context.Background(), "/scripts/missing.js"))
}

func TestNilManager(t *testing.T) {
	_, err := New(nil, nil)
	require.ErrorIs(t, err, ErrNoManager)
}

type failing struct {
	*memory.MemoryKV
}

func (failing) Read(context.Context, string) ([]byte, error) {
	return nil, kv.StoreErrorf("unreachable")
}
