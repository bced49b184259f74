package app

import (
	"fmt"
	"reflect"

	"github.com/nanojs/nano/internal/core"
	v8 "github.com/tommie/v8go"
)

// v8Runtime adapts one V8 isolate+context pair to core.JSRuntime, the
// interface every internal/webapi Setup* function and internal/eventloop
// use to drive script execution for a single tenant's worker.
type v8Runtime struct {
	iso *v8.Isolate
	ctx *v8.Context
}

var _ core.JSRuntime = (*v8Runtime)(nil)
var _ core.BinaryTransferer = (*v8Runtime)(nil)

// Eval runs js and discards the result. Used for loading Web API shims and
// the worker module itself.
func (r *v8Runtime) Eval(js string) error {
	_, err := r.ctx.RunScript(js, "eval.js")
	return err
}

// EvalString runs js and coerces the result to a Go string, used by the
// request executor to pull a response body back out of the isolate.
func (r *v8Runtime) EvalString(js string) (string, error) {
	val, err := r.ctx.RunScript(js, "eval_string.js")
	if err != nil {
		return "", err
	}
	if val == nil {
		return "", nil
	}
	return val.String(), nil
}

// EvalBool runs js and coerces the result to a Go bool, used by the executor
// to poll "is the response promise settled yet" style checks.
func (r *v8Runtime) EvalBool(js string) (bool, error) {
	val, err := r.ctx.RunScript(js, "eval_bool.js")
	if err != nil {
		return false, err
	}
	if val == nil {
		return false, nil
	}
	return val.Boolean(), nil
}

// EvalInt runs js and coerces the result to a Go int, used to read numeric
// state such as a response status code or a fetch handle id.
func (r *v8Runtime) EvalInt(js string) (int, error) {
	val, err := r.ctx.RunScript(js, "eval_int.js")
	if err != nil {
		return 0, err
	}
	if val == nil {
		return 0, nil
	}
	return int(val.Integer()), nil
}

// RegisterFunc exposes a Go function as a global JS function backed by a V8
// FunctionTemplate. It is how every Web API shim (fetch, crypto digests,
// timers, console) reaches back into Go: the shim's JS class calls a
// double-underscore global that RegisterFunc wired up here.
//
// Supported Go signatures:
//   - func(args...)               — JS call returns undefined
//   - func(args...) T             — JS call returns T
//   - func(args...) (T, error)    — error throws its message as a JS string, else returns T
//
// Supported argument/return kinds are whatever marshalArg/marshalResult
// (marshal.go) know how to convert — string, int, float64, bool today.
func (r *v8Runtime) RegisterFunc(name string, fn any) error {
	fnVal := reflect.ValueOf(fn)
	fnType := fnVal.Type()
	if fnType.Kind() != reflect.Func {
		return fmt.Errorf("RegisterFunc: expected function, got %T", fn)
	}

	tmpl := v8.NewFunctionTemplate(r.iso, func(info *v8.FunctionCallbackInfo) *v8.Value {
		args := info.Args()
		if len(args) < fnType.NumIn() {
			return r.throwf("%s requires at least %d argument(s), got %d", name, fnType.NumIn(), len(args))
		}

		goArgs := make([]reflect.Value, fnType.NumIn())
		for i := 0; i < fnType.NumIn(); i++ {
			goArgs[i] = marshalArg(args[i], fnType.In(i))
		}

		results := fnVal.Call(goArgs)
		switch fnType.NumOut() {
		case 0:
			return nil
		case 1:
			return marshalResult(r.iso, results[0])
		case 2:
			if errVal := results[1]; !errVal.IsNil() {
				return r.throwf("calling %s: %s", name, errVal.Interface().(error).Error())
			}
			return marshalResult(r.iso, results[0])
		default:
			return nil
		}
	})

	return r.ctx.Global().Set(name, tmpl.GetFunction(r.ctx))
}

// throwf throws a formatted message as a JS string value and returns
// the nil *v8.Value RegisterFunc's callback must return after throwing.
func (r *v8Runtime) throwf(format string, args ...any) *v8.Value {
	jsMsg, _ := v8.NewValue(r.iso, fmt.Sprintf(format, args...))
	r.iso.ThrowException(jsMsg)
	return nil
}

// SetGlobal assigns value onto the JS global object under name, used to
// seed per-request bindings (__req, __env) before a handler runs.
func (r *v8Runtime) SetGlobal(name string, value any) error {
	jsVal, err := goAnyToJSValue(r.iso, r.ctx, value)
	if err != nil {
		return fmt.Errorf("converting value for %q: %w", name, err)
	}
	return r.ctx.Global().Set(name, jsVal)
}

// RunMicrotasks drains V8's microtask queue, advancing any settled promises
// before the eventloop checks for more pending timers or fetches.
func (r *v8Runtime) RunMicrotasks() {
	r.ctx.PerformMicrotaskCheckpoint()
}

// Iso returns the underlying V8 isolate for callers that need direct access
// (the watchdog's TerminateExecution, the pool's heap-statistics check).
func (r *v8Runtime) Iso() *v8.Isolate { return r.iso }

// Ctx returns the underlying V8 context for callers that run their own
// scripts outside the JSRuntime interface (pool setup, the REPL).
func (r *v8Runtime) Ctx() *v8.Context { return r.ctx }
