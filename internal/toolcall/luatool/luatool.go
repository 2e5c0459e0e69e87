// Package luatool runs tools written as Lua scripts. A script defines a
// global function invoke(input) that returns a table.
//
//	function invoke(input)
//	  if input.district == nil then
//	    error({kind = "validation", message = "district required"})
//	  end
//	  return { restaurants = { "Tim Ho Wan" } }
//	end
package luatool

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	lua "github.com/yuin/gopher-lua"
	"github.com/yuin/gopher-lua/parse"

	"github.com/opentalon/orchestra/internal/toolcall"
)

// Tool is a compiled script. Each call runs in a fresh Lua state, so a Tool
// is safe for concurrent use.
type Tool struct {
	id    string
	proto *lua.FunctionProto
}

// Compile parses source once; syntax errors surface here rather than on the
// first call.
func Compile(id, source string) (*Tool, error) {
	chunk, err := parse.Parse(strings.NewReader(source), id)
	if err != nil {
		return nil, fmt.Errorf("tool %s: parse script: %w", id, err)
	}
	proto, err := lua.Compile(chunk, id)
	if err != nil {
		return nil, fmt.Errorf("tool %s: compile script: %w", id, err)
	}
	return &Tool{id: id, proto: proto}, nil
}

func Load(id, path string) (*Tool, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("script path: %w", err)
	}
	src, err := os.ReadFile(abs)
	if err != nil {
		return nil, fmt.Errorf("tool %s: read script: %w", id, err)
	}
	return Compile(id, string(src))
}

func (t *Tool) ID() string { return t.id }

// Invoke runs invoke(input). The script is interrupted when ctx ends.
// error({kind=..., message=...}) raises a classified tool error; any other
// runtime error is permanent.
func (t *Tool) Invoke(ctx context.Context, _ string, input toolcall.Input, _ time.Duration) (toolcall.Output, error) {
	L := lua.NewState()
	defer L.Close()
	L.PreloadModule("os", osModuleLoader)
	L.SetContext(ctx)

	L.Push(L.NewFunctionFromProto(t.proto))
	if err := L.PCall(0, 0, nil); err != nil {
		return nil, t.scriptError(ctx, err)
	}

	fn := L.GetGlobal("invoke")
	if fn.Type() != lua.LTFunction {
		return nil, toolcall.Permanent(t.id, "script must define global function invoke(input)")
	}
	L.Push(fn)
	L.Push(toLua(L, map[string]any(input)))
	if err := L.PCall(1, 1, nil); err != nil {
		return nil, t.scriptError(ctx, err)
	}
	ret := L.Get(-1)
	L.Pop(1)

	switch v := ret.(type) {
	case *lua.LTable:
		out, ok := fromLua(v).(map[string]any)
		if !ok {
			// An array result is wrapped so Output stays an object.
			return toolcall.Output{"results": fromLua(v)}, nil
		}
		return toolcall.Output(out), nil
	case *lua.LNilType:
		return toolcall.Output{}, nil
	default:
		return nil, toolcall.Permanent(t.id, "invoke() must return a table, got "+ret.Type().String())
	}
}

func (t *Tool) scriptError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return fmt.Errorf("tool %s: %w", t.id, ctx.Err())
	}
	if apiErr, ok := err.(*lua.ApiError); ok {
		if tbl, ok := apiErr.Object.(*lua.LTable); ok {
			kind := toolcall.Kind(lua.LVAsString(tbl.RawGetString("kind")))
			if kind == toolcall.KindNone {
				kind = toolcall.KindPermanent
			}
			return &toolcall.Error{Kind: kind, Tool: t.id, Message: lua.LVAsString(tbl.RawGetString("message"))}
		}
	}
	return &toolcall.Error{Kind: toolcall.KindPermanent, Tool: t.id, Message: "script error", Err: err}
}

func toLua(L *lua.LState, v any) lua.LValue {
	switch x := v.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(x)
	case string:
		return lua.LString(x)
	case int:
		return lua.LNumber(x)
	case int64:
		return lua.LNumber(x)
	case float64:
		return lua.LNumber(x)
	case []string:
		tbl := L.NewTable()
		for _, s := range x {
			tbl.Append(lua.LString(s))
		}
		return tbl
	case []any:
		tbl := L.NewTable()
		for _, e := range x {
			tbl.Append(toLua(L, e))
		}
		return tbl
	case map[string]string:
		tbl := L.NewTable()
		for k, s := range x {
			tbl.RawSetString(k, lua.LString(s))
		}
		return tbl
	case map[string]any:
		tbl := L.NewTable()
		for k, e := range x {
			tbl.RawSetString(k, toLua(L, e))
		}
		return tbl
	case toolcall.Output:
		return toLua(L, map[string]any(x))
	default:
		return lua.LString(fmt.Sprint(x))
	}
}

// fromLua converts tables with keys 1..n into slices and every other table
// into a string-keyed map. Integral numbers become int.
func fromLua(v lua.LValue) any {
	switch x := v.(type) {
	case *lua.LNilType:
		return nil
	case lua.LBool:
		return bool(x)
	case lua.LString:
		return string(x)
	case lua.LNumber:
		f := float64(x)
		if f == math.Trunc(f) && math.Abs(f) < 1<<53 {
			return int(f)
		}
		return f
	case *lua.LTable:
		n := x.MaxN()
		keys := 0
		x.ForEach(func(lua.LValue, lua.LValue) { keys++ })
		if n > 0 && n == keys {
			out := make([]any, 0, n)
			for i := 1; i <= n; i++ {
				out = append(out, fromLua(x.RawGetInt(i)))
			}
			return out
		}
		out := make(map[string]any, keys)
		x.ForEach(func(k, val lua.LValue) {
			out[k.String()] = fromLua(val)
		})
		return out
	default:
		return v.String()
	}
}

// osModuleLoader exposes getenv and time to scripts.
func osModuleLoader(L *lua.LState) int {
	mod := L.NewTable()
	L.SetField(mod, "getenv", L.NewFunction(func(ls *lua.LState) int {
		ls.Push(lua.LString(os.Getenv(ls.CheckString(1))))
		return 1
	}))
	L.SetField(mod, "time", L.NewFunction(func(ls *lua.LState) int {
		ls.Push(lua.LNumber(time.Now().Unix()))
		return 1
	}))
	L.Push(mod)
	return 1
}
