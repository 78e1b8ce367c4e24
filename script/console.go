package script

import (
	"github.com/dop251/goja"
	"github.com/dop251/goja_nodejs/require"
	"github.com/dop251/goja_nodejs/util"
	"go.uber.org/zap"
)

const consoleModule = "node:console"

type console struct {
	runtime *goja.Runtime
	util    *goja.Object
}

func (c *console) log(log func(msg string, fields ...zap.Field)) func(goja.FunctionCall, *goja.Runtime) goja.Value {
	return func(call goja.FunctionCall, vm *goja.Runtime) goja.Value {
		format, ok := goja.AssertFunction(c.util.Get("format"))
		if !ok {
			panic(c.runtime.NewTypeError("util.format is not a function"))
		}
		ret, err := format(c.util, call.Arguments...)
		if err != nil {
			panic(err)
		}

		fields := make([]zap.Field, 0, 2)
		if stack := vm.CaptureCallStack(2, nil); len(stack) > 1 {
			caller := stack[1]
			fields = append(fields,
				zap.String("position", caller.Position().String()),
				zap.String("funcName", caller.FuncName()),
			)
		}
		log(ret.String(), fields...)
		return nil
	}
}

// requireConsole builds the console module printing through logger.
func requireConsole(logger *zap.Logger) require.ModuleLoader {
	return func(runtime *goja.Runtime, module *goja.Object) {
		c := &console{
			runtime: runtime,
			util:    require.Require(runtime, util.ModuleName).(*goja.Object),
		}

		o := module.Get("exports").(*goja.Object)
		o.Set("log", c.log(logger.Info))
		o.Set("info", c.log(logger.Info))
		o.Set("debug", c.log(logger.Debug))
		o.Set("warn", c.log(logger.Warn))
		o.Set("error", c.log(logger.Error))
	}
}
