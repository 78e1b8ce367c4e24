package script

import (
	"bytes"
	"context"

	"go.miragespace.co/kv"

	"github.com/dop251/goja"
	"github.com/dop251/goja_nodejs/eventloop"
)

var storeProperties = []string{"get", "put", "del", "has", "keys", "prefixed"}

// storeProxy exposes one store to scripts. Every method returns a promise
// settled on the event loop once the store call returns.
type storeProxy struct {
	ctx       context.Context
	exec      *execution
	backing   kv.Store[[]byte]
	methods   map[string]goja.Value
	nativeObj *goja.Object
	vm        *goja.Runtime
	eventLoop *eventloop.EventLoop
}

var _ goja.DynamicObject = (*storeProxy)(nil)

func newStoreProxy(ctx context.Context, exec *execution, backing kv.Store[[]byte], vm *goja.Runtime, eventLoop *eventloop.EventLoop) *storeProxy {
	p := &storeProxy{
		ctx:       ctx,
		exec:      exec,
		backing:   backing,
		methods:   make(map[string]goja.Value, len(storeProperties)),
		vm:        vm,
		eventLoop: eventLoop,
	}
	p.nativeObj = vm.NewDynamicObject(p)
	return p
}

// async runs op off the loop and settles the returned promise with its result.
// A nil result resolves to undefined.
func (p *storeProxy) async(vm *goja.Runtime, op func() (any, error)) goja.Value {
	promise, resolve, reject := vm.NewPromise()
	p.exec.begin()
	go func() {
		val, err := op()
		p.eventLoop.RunOnLoop(func(vm *goja.Runtime) {
			defer p.exec.end()
			if err != nil {
				reject(jsError(vm, err))
				return
			}
			if val == nil {
				resolve(goja.Undefined())
				return
			}
			resolve(val)
		})
	}()
	return vm.ToValue(promise)
}

func (p *storeProxy) get(fc goja.FunctionCall, vm *goja.Runtime) goja.Value {
	key := fc.Argument(0).String()
	return p.async(vm, func() (any, error) {
		val, err := p.backing.Read(p.ctx, key)
		if kv.IsInexistent(err) {
			return goja.Null(), nil
		}
		if err != nil {
			return nil, err
		}
		return string(val), nil
	})
}

func (p *storeProxy) put(fc goja.FunctionCall, vm *goja.Runtime) goja.Value {
	key := fc.Argument(0).String()
	val := payload(fc.Argument(1))
	return p.async(vm, func() (any, error) {
		return nil, p.backing.Insert(p.ctx, key, val)
	})
}

func (p *storeProxy) del(fc goja.FunctionCall, vm *goja.Runtime) goja.Value {
	key := fc.Argument(0).String()
	return p.async(vm, func() (any, error) {
		err := p.backing.Delete(p.ctx, key)
		if kv.IsInexistent(err) {
			return false, nil
		}
		if err != nil {
			return nil, err
		}
		return true, nil
	})
}

func (p *storeProxy) has(fc goja.FunctionCall, vm *goja.Runtime) goja.Value {
	key := fc.Argument(0).String()
	return p.async(vm, func() (any, error) {
		return kv.Has(p.ctx, p.backing, key)
	})
}

func (p *storeProxy) keys(_ goja.FunctionCall, vm *goja.Runtime) goja.Value {
	return p.async(vm, func() (any, error) {
		keys, err := kv.CollectKeys(p.ctx, p.backing)
		if err != nil {
			return nil, err
		}
		list := make([]any, len(keys))
		for i, k := range keys {
			list[i] = k
		}
		return list, nil
	})
}

func (p *storeProxy) prefixed(fc goja.FunctionCall, vm *goja.Runtime) goja.Value {
	view := kv.Prefixed(p.backing, fc.Argument(0).String())
	return newStoreProxy(p.ctx, p.exec, view, vm, p.eventLoop).nativeObj
}

// payload accepts strings and binary values from scripts. Binary values are
// copied since the script may reuse its buffer before the store call runs.
func payload(v goja.Value) []byte {
	switch b := v.Export().(type) {
	case goja.ArrayBuffer:
		return bytes.Clone(b.Bytes())
	case []byte:
		return bytes.Clone(b)
	default:
		return []byte(v.String())
	}
}

// jsError turns a store failure into a JavaScript error whose "kind"
// property carries the failure class.
func jsError(vm *goja.Runtime, err error) goja.Value {
	e := vm.NewGoError(err)
	e.Set("kind", kv.KindOf(err).String())
	return e
}

func (p *storeProxy) Get(key string) goja.Value {
	if m, ok := p.methods[key]; ok {
		return m
	}
	var fn func(goja.FunctionCall, *goja.Runtime) goja.Value
	switch key {
	case "get":
		fn = p.get
	case "put":
		fn = p.put
	case "del":
		fn = p.del
	case "has":
		fn = p.has
	case "keys":
		fn = p.keys
	case "prefixed":
		fn = p.prefixed
	default:
		return goja.Undefined()
	}
	m := p.vm.ToValue(fn)
	p.methods[key] = m
	return m
}

func (p *storeProxy) Set(key string, val goja.Value) bool {
	return false
}

func (p *storeProxy) Has(key string) bool {
	for _, k := range storeProperties {
		if k == key {
			return true
		}
	}
	return false
}

func (p *storeProxy) Delete(key string) bool {
	return false
}

func (p *storeProxy) Keys() []string {
	return storeProperties
}
