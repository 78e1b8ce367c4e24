package kv

import (
	"context"
	"fmt"
	"sort"

	"github.com/puzpuzpuz/xsync/v2"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Manager keeps a set of named stores opened from connection strings.
type Manager struct {
	logger    *zap.Logger
	kvMapping *xsync.MapOf[string, Store[[]byte]]
}

func NewManager(logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		logger:    logger.With(zap.String("component", "manager")),
		kvMapping: xsync.NewMapOf[Store[[]byte]](),
	}
}

// Configure opens uri and registers it under name, closing any store
// previously registered under the same name.
func (m *Manager) Configure(ctx context.Context, name string, uri string) error {
	backing, err := Open(ctx, uri, m.logger)
	if err != nil {
		return fmt.Errorf("configuring %q: %w", name, err)
	}
	m.Set(name, backing)
	return nil
}

// Set registers an already opened store under name.
func (m *Manager) Set(name string, s Store[[]byte]) {
	if old, loaded := m.kvMapping.LoadAndStore(name, s); loaded && old != s {
		if err := Close(old); err != nil {
			m.logger.Warn("closing replaced store", zap.String("name", name), zap.Error(err))
		}
	}
	m.logger.Info("store configured", zap.String("name", name), zap.Stringer("store", describe(s)))
}

func (m *Manager) Get(name string) (Store[[]byte], bool) {
	return m.kvMapping.Load(name)
}

// Names returns the configured names in lexical order.
func (m *Manager) Names() []string {
	names := make([]string, 0, m.kvMapping.Size())
	m.kvMapping.Range(func(name string, _ Store[[]byte]) bool {
		names = append(names, name)
		return true
	})
	sort.Strings(names)
	return names
}

func (m *Manager) Range(fn func(name string, s Store[[]byte]) bool) {
	m.kvMapping.Range(fn)
}

// Close closes every store and forgets it.
func (m *Manager) Close() error {
	var errs error
	for _, name := range m.Names() {
		s, ok := m.kvMapping.LoadAndDelete(name)
		if !ok {
			continue
		}
		errs = multierr.Append(errs, Close(s))
	}
	return errs
}
