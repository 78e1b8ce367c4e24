package script

import (
	"context"

	"go.miragespace.co/kv"

	"github.com/dop251/goja"
	"github.com/dop251/goja_nodejs/eventloop"
)

// storeMapper is the global "kv" object: one property per configured store.
type storeMapper struct {
	proxies   map[string]*storeProxy
	names     []string
	nativeObj *goja.Object
}

var _ goja.DynamicObject = (*storeMapper)(nil)

func newStoreMapper(ctx context.Context, exec *execution, manager *kv.Manager, vm *goja.Runtime, eventLoop *eventloop.EventLoop) *storeMapper {
	names := manager.Names()
	m := &storeMapper{
		proxies: make(map[string]*storeProxy, len(names)),
		names:   make([]string, 0, len(names)),
	}
	for _, name := range names {
		backing, ok := manager.Get(name)
		if !ok {
			continue
		}
		m.proxies[name] = newStoreProxy(ctx, exec, backing, vm, eventLoop)
		m.names = append(m.names, name)
	}
	m.nativeObj = vm.NewDynamicObject(m)
	return m
}

func (m *storeMapper) NativeObject() goja.Value {
	return m.nativeObj
}

func (m *storeMapper) Get(key string) goja.Value {
	if p, ok := m.proxies[key]; ok {
		return p.nativeObj
	}
	return goja.Undefined()
}

func (m *storeMapper) Set(key string, val goja.Value) bool {
	return false
}

func (m *storeMapper) Has(key string) bool {
	_, ok := m.proxies[key]
	return ok
}

func (m *storeMapper) Delete(key string) bool {
	return false
}

func (m *storeMapper) Keys() []string {
	return m.names
}
