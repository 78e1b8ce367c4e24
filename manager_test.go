package kv_test

import (
	"context"
	"testing"

	"go.miragespace.co/kv"
	"go.miragespace.co/kv/backend/memory"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestManager(t *testing.T) {
	as := require.New(t)
	ctx := context.Background()

	m := kv.NewManager(zaptest.NewLogger(t))
	as.NoError(m.Configure(ctx, "sessions", "memory://"))
	as.Error(m.Configure(ctx, "broken", "nosuchscheme://"))

	first := &closable{MemoryKV: memory.New()}
	m.Set("cache", first)
	as.Equal([]string{"cache", "sessions"}, m.Names())

	s, ok := m.Get("cache")
	as.True(ok)
	as.Same(first, s)

	// replacing a store closes the old one
	second := &closable{MemoryKV: memory.New()}
	m.Set("cache", second)
	as.True(first.closed)
	as.False(second.closed)

	_, ok = m.Get("broken")
	as.False(ok)

	as.NoError(m.Close())
	as.True(second.closed)
	as.Empty(m.Names())
}
