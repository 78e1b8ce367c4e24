// Package script runs JavaScript against configured stores. Every store of a
// kv.Manager is reachable as kv.<name>, whose get, put, del, has and keys
// methods return promises. console output goes to zap.
//
// A script is done when its completion value has settled (when it is a
// promise) and no store call is pending:
//
//	(async () => {
//		await kv.sessions.put("a", "1")
//		console.log(await kv.sessions.keys())
//	})()
package script

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sync/atomic"
	"time"

	"go.miragespace.co/kv"

	"github.com/dop251/goja"
	"github.com/dop251/goja_nodejs/eventloop"
	"github.com/dop251/goja_nodejs/require"
	"github.com/spf13/afero"
	"go.uber.org/zap"
)

var ErrNoManager = errors.New("script: manager cannot be nil")

type Runtime struct {
	logger  *zap.Logger
	manager *kv.Manager
	fs      afero.Fs
}

type Option func(*Runtime)

// WithFs sets the file system scripts and their require()d modules are read
// from. Defaults to the OS file system.
func WithFs(fs afero.Fs) Option {
	return func(rt *Runtime) {
		rt.fs = fs
	}
}

func New(manager *kv.Manager, logger *zap.Logger, opts ...Option) (*Runtime, error) {
	if manager == nil {
		return nil, ErrNoManager
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	rt := &Runtime{
		logger:  logger.With(zap.String("component", "script")),
		manager: manager,
		fs:      afero.NewOsFs(),
	}
	for _, opt := range opts {
		opt(rt)
	}
	return rt, nil
}

// RunFile runs the script at path. Relative require() calls resolve against
// the script's directory.
func (rt *Runtime) RunFile(ctx context.Context, file string) error {
	src, err := afero.ReadFile(rt.fs, file)
	if err != nil {
		return fmt.Errorf("reading script: %w", err)
	}
	return rt.run(ctx, file, string(src), path.Dir(file))
}

// Run runs source. name is used in stack traces.
func (rt *Runtime) Run(ctx context.Context, name, source string) error {
	return rt.run(ctx, name, source, ".")
}

func (rt *Runtime) run(ctx context.Context, name, source, dir string) error {
	prog, err := goja.Compile(name, source, true)
	if err != nil {
		return fmt.Errorf("error compiling script: %w", err)
	}

	logger := rt.logger.With(zap.String("script", name))
	registry := require.NewRegistryWithLoader(func(p string) ([]byte, error) {
		if !path.IsAbs(p) {
			p = path.Join(dir, p)
		}
		data, err := afero.ReadFile(rt.fs, p)
		if err != nil {
			return nil, require.ModuleFileDoesNotExistError
		}
		return data, nil
	})
	registry.RegisterNativeModule(consoleModule, requireConsole(logger))

	eventLoop := eventloop.NewEventLoop(
		eventloop.EnableConsole(false),
		eventloop.WithRegistry(registry),
	)
	eventLoop.Start()
	defer eventLoop.Stop()

	exec := newExecution()
	start := time.Now()

	eventLoop.RunOnLoop(func(vm *goja.Runtime) {
		exec.vm.Store(vm)
		vm.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))
		vm.Set("console", require.Require(vm, consoleModule))
		vm.Set("kv", newStoreMapper(ctx, exec, rt.manager, vm, eventLoop).NativeObject())

		ret, err := vm.RunProgram(prog)
		if err != nil {
			exec.fail(err)
			return
		}
		exec.await(vm, ret)
	})

	select {
	case err = <-exec.done:
	case <-ctx.Done():
		exec.interrupt(ctx.Err())
		err = ctx.Err()
	}

	if err != nil {
		logger.Warn("script failed", zap.Duration("duration", time.Since(start)), zap.Error(err))
		return fmt.Errorf("running %s: %w", name, err)
	}
	logger.Debug("script finished", zap.Duration("duration", time.Since(start)))
	return nil
}

// execution tracks one script run. Apart from vm, its fields are only
// touched on the event loop.
type execution struct {
	vm       atomic.Pointer[goja.Runtime]
	inflight int
	settled  bool
	result   error
	done     chan error
}

func newExecution() *execution {
	return &execution{done: make(chan error, 1)}
}

func (e *execution) begin() {
	e.inflight++
}

func (e *execution) end() {
	e.inflight--
	e.finish()
}

func (e *execution) fail(err error) {
	e.settled = true
	e.result = err
	e.inflight = 0
	e.finish()
}

// await waits for ret when it is a promise.
func (e *execution) await(vm *goja.Runtime, ret goja.Value) {
	p, ok := ret.Export().(*goja.Promise)
	if !ok {
		e.settled = true
		e.finish()
		return
	}
	switch p.State() {
	case goja.PromiseStateFulfilled:
		e.settled = true
		e.finish()
		return
	case goja.PromiseStateRejected:
		e.fail(rejection(p.Result()))
		return
	}

	then, _ := goja.AssertFunction(ret.ToObject(vm).Get("then"))
	onFulfilled := vm.ToValue(func(goja.FunctionCall) goja.Value {
		e.settled = true
		e.finish()
		return goja.Undefined()
	})
	onRejected := vm.ToValue(func(call goja.FunctionCall) goja.Value {
		e.fail(rejection(call.Argument(0)))
		return goja.Undefined()
	})
	if _, err := then(ret, onFulfilled, onRejected); err != nil {
		e.fail(err)
	}
}

func (e *execution) finish() {
	if !e.settled || e.inflight > 0 {
		return
	}
	select {
	case e.done <- e.result:
	default:
	}
}

func (e *execution) interrupt(err error) {
	if vm := e.vm.Load(); vm != nil {
		vm.Interrupt(err)
	}
}

func rejection(reason goja.Value) error {
	if obj, ok := reason.(*goja.Object); ok {
		if stack := obj.Get("stack"); stack != nil && !goja.IsUndefined(stack) {
			return fmt.Errorf("uncaught rejection: %s", stack.String())
		}
	}
	return fmt.Errorf("uncaught rejection: %s", reason.String())
}
