package sandbox

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	lua "github.com/yuin/gopher-lua"
)

const chunkName = "console"

// Libraries opened in every state. io, os, debug and package are never opened.
var openLibs = []struct {
	name string
	fn   lua.LGFunction
}{
	{lua.BaseLibName, lua.OpenBase},
	{lua.TabLibName, lua.OpenTable},
	{lua.StringLibName, lua.OpenString},
	{lua.MathLibName, lua.OpenMath},
	{lua.CoroutineLibName, lua.OpenCoroutine},
}

// Base-library globals removed from every state.
var strippedGlobals = []string{
	"dofile", "loadfile", "load", "loadstring", "require", "module",
	"collectgarbage", "setfenv", "getfenv", "newproxy", "_printregs",
}

// newState builds a fresh, capability-limited state bound to ctx.
func newState(ctx context.Context) (*lua.LState, error) {
	L := lua.NewState(lua.Options{
		SkipOpenLibs:        true,
		CallStackSize:       256,
		RegistrySize:        1024 * 4,
		RegistryMaxSize:     1024 * 256,
		IncludeGoStackTrace: false,
	})

	for _, lib := range openLibs {
		if err := L.CallByParam(lua.P{Fn: L.NewFunction(lib.fn), NRet: 0, Protect: true}, lua.LString(lib.name)); err != nil {
			L.Close()
			return nil, fmt.Errorf("opening lua library %s: %w", lib.name, err)
		}
	}

	for _, name := range strippedGlobals {
		L.SetGlobal(name, lua.LNil)
	}
	if str, ok := L.GetGlobal(lua.StringLibName).(*lua.LTable); ok {
		str.RawSetString("dump", lua.LNil)
	}

	L.SetContext(ctx)
	return L, nil
}

// helpers returns the built-in capabilities: print, inspect, defined and sleep.
func helpers(out io.Writer) Capability {
	return CapabilityFunc(func(L *lua.LState) error {
		L.SetGlobal("print", L.NewFunction(func(L *lua.LState) int {
			top := L.GetTop()
			parts := make([]string, top)
			for i := 1; i <= top; i++ {
				parts[i-1] = L.ToStringMeta(L.Get(i)).String()
			}
			_, _ = io.WriteString(out, strings.Join(parts, "\t")+"\n")
			return 0
		}))

		L.SetGlobal("inspect", L.NewFunction(func(L *lua.LState) int {
			L.Push(lua.LString(Inspect(L.Get(1))))
			return 1
		}))

		L.SetGlobal("defined", L.NewFunction(func(L *lua.LState) int {
			name := L.CheckString(1)
			L.Push(lua.LBool(L.GetGlobal(name) != lua.LNil))
			return 1
		}))

		L.SetGlobal("sleep", L.NewFunction(func(L *lua.LState) int {
			seconds := float64(L.CheckNumber(1))
			if seconds <= 0 {
				return 0
			}
			timer := time.NewTimer(time.Duration(seconds * float64(time.Second)))
			defer timer.Stop()

			ctx := L.Context()
			if ctx == nil {
				<-timer.C
				return 0
			}
			select {
			case <-timer.C:
			case <-ctx.Done():
				L.RaiseError("sleep interrupted: %v", ctx.Err())
			}
			return 0
		}))
		return nil
	})
}

// compile loads snippet with REPL semantics: as an expression first, then
// as a statement chunk.
func compile(L *lua.LState, snippet string) (*lua.LFunction, error) {
	if fn, err := L.Load(strings.NewReader("return "+snippet), chunkName); err == nil {
		return fn, nil
	}
	return L.Load(strings.NewReader(snippet), chunkName)
}

// invoke calls fn with args in protected mode and collects every return value.
func invoke(L *lua.LState, fn lua.LValue, args ...lua.LValue) ([]lua.LValue, error) {
	base := L.GetTop()
	L.Push(fn)
	for _, a := range args {
		L.Push(a)
	}
	if err := L.PCall(len(args), lua.MultRet, nil); err != nil {
		return nil, err
	}

	top := L.GetTop()
	values := make([]lua.LValue, 0, top-base)
	for i := base + 1; i <= top; i++ {
		values = append(values, L.Get(i))
	}
	L.SetTop(base)
	return values, nil
}

// classify maps a Lua error onto an ErrorInfo.
func classify(err error) *ErrorInfo {
	if apiErr, ok := err.(*lua.ApiError); ok {
		msg := apiErr.Error()
		if apiErr.Object != nil {
			msg = apiErr.Object.String()
		}
		if apiErr.Type == lua.ApiErrorSyntax {
			return &ErrorInfo{Message: msg, Kind: KindSyntax}
		}
		return &ErrorInfo{Message: msg, Kind: KindExecution}
	}
	return &ErrorInfo{Message: err.Error(), Kind: KindExecution}
}
