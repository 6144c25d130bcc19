//go:build v8

package v8engine

import (
	"fmt"
	"reflect"

	"github.com/goccy/go-json"
	v8 "github.com/tommie/v8go"

	"github.com/cryguy/flydns/internal/core"
)

// host implements core.ScriptHost for the V8 engine.
type host struct {
	iso *v8.Isolate
	ctx *v8.Context

	newTypeError *v8.Function // lazily compiled TypeError factory
}

var _ core.ScriptHost = (*host)(nil)

// Eval evaluates JavaScript and discards the result.
func (h *host) Eval(js string) error {
	_, err := h.ctx.RunScript(js, "eval.js")
	return err
}

// EvalString evaluates JavaScript and returns the result as a Go string.
func (h *host) EvalString(js string) (string, error) {
	val, err := h.ctx.RunScript(js, "eval_string.js")
	if err != nil {
		return "", err
	}
	if val == nil || val.IsUndefined() || val.IsNull() {
		return "", nil
	}
	return val.String(), nil
}

// Expose installs fn as a global JavaScript function.
// Supported shapes are func(args...), func(args...) T and
// func(args...) (T, error); a non-nil error is thrown as a TypeError so
// scripts see the same failure as under QuickJS. Arguments and results may
// be string, int, int64, float64 or bool.
func (h *host) Expose(name string, fn any) error {
	fnVal := reflect.ValueOf(fn)
	fnType := fnVal.Type()
	if fnType.Kind() != reflect.Func {
		return fmt.Errorf("expose %s: expected function, got %T", name, fn)
	}

	tmpl := v8.NewFunctionTemplate(h.iso, func(info *v8.FunctionCallbackInfo) *v8.Value {
		args := info.Args()
		if len(args) < fnType.NumIn() {
			return h.throw(fmt.Sprintf("%s requires %d argument(s), got %d", name, fnType.NumIn(), len(args)))
		}

		goArgs := make([]reflect.Value, fnType.NumIn())
		for i := range goArgs {
			goArgs[i] = argValue(args[i], fnType.In(i))
		}
		results := fnVal.Call(goArgs)

		if len(results) == 0 {
			return v8.Undefined(h.iso)
		}
		if last := results[len(results)-1]; len(results) == 2 && !last.IsNil() {
			return h.throw(fmt.Sprintf("%s: %v", name, last.Interface()))
		}
		v, err := jsValue(h.iso, h.ctx, results[0].Interface())
		if err != nil {
			return h.throw(fmt.Sprintf("%s: %v", name, err))
		}
		return v
	})

	return h.ctx.Global().Set(name, tmpl.GetFunction(h.ctx))
}

// throw raises a TypeError carrying msg in the current context.
func (h *host) throw(msg string) *v8.Value {
	jsMsg, _ := v8.NewValue(h.iso, msg)
	if h.newTypeError == nil {
		if fv, err := h.ctx.RunScript("(function(m) { return new TypeError(m); })", "type_error.js"); err == nil {
			h.newTypeError, _ = fv.AsFunction()
		}
	}
	if h.newTypeError != nil {
		if errObj, err := h.newTypeError.Call(v8.Undefined(h.iso), jsMsg); err == nil {
			return h.iso.ThrowException(errObj)
		}
	}
	return h.iso.ThrowException(jsMsg)
}

// Define sets a global variable on the JS context.
func (h *host) Define(name string, value any) error {
	jsVal, err := jsValue(h.iso, h.ctx, value)
	if err != nil {
		return fmt.Errorf("converting value for %q: %w", name, err)
	}
	return h.ctx.Global().Set(name, jsVal)
}

// DrainMicrotasks pumps the V8 microtask queue.
func (h *host) DrainMicrotasks() {
	h.ctx.PerformMicrotaskCheckpoint()
}

// argValue converts a script argument to the Go parameter type want.
func argValue(val *v8.Value, want reflect.Type) reflect.Value {
	var out any
	switch want.Kind() {
	case reflect.String:
		out = val.String()
	case reflect.Int:
		out = int(val.Integer())
	case reflect.Int64:
		out = val.Integer()
	case reflect.Float64:
		out = val.Number()
	case reflect.Bool:
		out = val.Boolean()
	default:
		return reflect.Zero(want)
	}
	return reflect.ValueOf(out).Convert(want)
}

// jsValue converts a Go value to a script value. Scalars map directly;
// anything else is sent through JSON.
func jsValue(iso *v8.Isolate, ctx *v8.Context, value any) (*v8.Value, error) {
	switch v := value.(type) {
	case nil:
		return v8.Undefined(iso), nil
	case *v8.Value:
		return v, nil
	case string, bool, float64:
		return v8.NewValue(iso, v)
	case int:
		return v8.NewValue(iso, float64(v))
	case int32:
		return v8.NewValue(iso, v)
	case int64:
		return v8.NewValue(iso, float64(v))
	case float32:
		return v8.NewValue(iso, float64(v))
	}
	data, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("marshaling value: %w", err)
	}
	quoted, err := json.Marshal(string(data))
	if err != nil {
		return nil, err
	}
	return ctx.RunScript("JSON.parse("+string(quoted)+")", "define.js")
}
