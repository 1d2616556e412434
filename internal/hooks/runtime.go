// Package hooks runs the optional verify hook script, .mpca/hooks/verify.lua,
// in a sandboxed Lua state.
//
// A script may define:
//
//	checks(feature)                    -> { {name=, cmd=, args={...}}, ... }
//	evaluate(name, exit_code, output)  -> { passed=, failed= }
//
// and may call log(message).
package hooks

import (
	"context"
	"fmt"

	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"

	"github.com/mpataki/mpca/internal/errs"
	"github.com/mpataki/mpca/internal/models"
)

// VerifyScript is the hook file name inside the hooks directory.
const VerifyScript = "verify.lua"

// Runtime holds one loaded script. It is not safe for concurrent use.
type Runtime struct {
	L    *lua.LState
	name string
	log  *zap.Logger
	logs []string
}

// Load executes the script source so its functions are defined.
func Load(name, source string, log *zap.Logger) (*Runtime, error) {
	if log == nil {
		log = zap.NewNop()
	}
	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	r := &Runtime{L: L, name: name, log: log.Named("hooks")}
	r.openSafeLibs()
	L.SetGlobal("log", L.NewFunction(r.luaLog))

	if err := L.DoString(source); err != nil {
		L.Close()
		return nil, errs.Withf(errs.ErrVerificationFailed, "load hook %s: %v", name, err)
	}
	return r, nil
}

func (r *Runtime) Close() { r.L.Close() }

// Logs returns the messages passed to log() so far.
func (r *Runtime) Logs() []string { return r.logs }

// openSafeLibs loads base, table, string and math without the functions that
// reach the filesystem or are non-deterministic.
func (r *Runtime) openSafeLibs() {
	L := r.L
	lua.OpenBase(L)
	for _, name := range []string{"loadfile", "dofile", "load", "loadstring", "print", "require"} {
		L.SetGlobal(name, lua.LNil)
	}
	lua.OpenTable(L)
	lua.OpenString(L)
	lua.OpenMath(L)
	if tbl, ok := L.GetGlobal("math").(*lua.LTable); ok {
		L.SetField(tbl, "random", lua.LNil)
		L.SetField(tbl, "randomseed", lua.LNil)
	}
}

func (r *Runtime) HasChecks() bool   { return r.fn("checks") != nil }
func (r *Runtime) HasEvaluate() bool { return r.fn("evaluate") != nil }

// Checks calls checks(feature) and converts the returned list.
func (r *Runtime) Checks(ctx context.Context, feature string) ([]models.Check, error) {
	ret, err := r.call(ctx, "checks", lua.LString(feature))
	if err != nil {
		return nil, err
	}
	tbl, ok := ret.(*lua.LTable)
	if !ok {
		return nil, errs.Withf(errs.ErrVerificationFailed, "%s: checks() returned %s, want a table", r.name, ret.Type())
	}

	var out []models.Check
	var convErr error
	tbl.ForEach(func(_, v lua.LValue) {
		if convErr != nil {
			return
		}
		entry, ok := v.(*lua.LTable)
		if !ok {
			convErr = errs.Withf(errs.ErrVerificationFailed, "%s: check entry is %s, want a table", r.name, v.Type())
			return
		}
		c := models.Check{
			Name: lua.LVAsString(entry.RawGetString("name")),
			Cmd:  lua.LVAsString(entry.RawGetString("cmd")),
		}
		if args, ok := entry.RawGetString("args").(*lua.LTable); ok {
			args.ForEach(func(_, a lua.LValue) {
				c.Args = append(c.Args, lua.LVAsString(a))
			})
		}
		if c.Cmd == "" {
			convErr = errs.Withf(errs.ErrVerificationFailed, "%s: check %q has no cmd", r.name, c.Name)
			return
		}
		if c.Name == "" {
			c.Name = c.Cmd
		}
		out = append(out, c)
	})
	return out, convErr
}

// Evaluate calls evaluate(name, exit_code, output) and returns its counts.
func (r *Runtime) Evaluate(ctx context.Context, name string, exitCode int, output string) (passed, failed int, err error) {
	ret, err := r.call(ctx, "evaluate", lua.LString(name), lua.LNumber(exitCode), lua.LString(output))
	if err != nil {
		return 0, 0, err
	}
	tbl, ok := ret.(*lua.LTable)
	if !ok {
		return 0, 0, errs.Withf(errs.ErrVerificationFailed, "%s: evaluate() returned %s, want a table", r.name, ret.Type())
	}
	return int(lua.LVAsNumber(tbl.RawGetString("passed"))), int(lua.LVAsNumber(tbl.RawGetString("failed"))), nil
}

func (r *Runtime) fn(name string) *lua.LFunction {
	f, _ := r.L.GetGlobal(name).(*lua.LFunction)
	return f
}

func (r *Runtime) call(ctx context.Context, name string, args ...lua.LValue) (lua.LValue, error) {
	f := r.fn(name)
	if f == nil {
		return nil, errs.Withf(errs.ErrVerificationFailed, "%s does not define %s()", r.name, name)
	}
	r.L.SetContext(ctx)
	defer r.L.RemoveContext()

	if err := r.L.CallByParam(lua.P{Fn: f, NRet: 1, Protect: true}, args...); err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%s: %s(): %w", r.name, name, ctx.Err())
		}
		return nil, errs.Withf(errs.ErrVerificationFailed, "%s: %s(): %v", r.name, name, err)
	}
	ret := r.L.Get(-1)
	r.L.Pop(1)
	return ret, nil
}

func (r *Runtime) luaLog(L *lua.LState) int {
	msg := L.CheckString(1)
	r.logs = append(r.logs, msg)
	r.log.Info(msg, zap.String("script", r.name))
	return 0
}
