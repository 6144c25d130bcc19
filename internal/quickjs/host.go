//go:build !v8

package quickjs

import (
	"fmt"
	"reflect"
	"unsafe"

	"modernc.org/libc"
	lib "modernc.org/libquickjs"
	"modernc.org/quickjs"

	"github.com/cryguy/flydns/internal/core"
)

// hostUnwrap converts the [value, error] pairs the quickjs package returns
// for (T, error) Go functions into a plain return or a thrown TypeError.
const hostUnwrap = `globalThis.__hostUnwrap = function(raw, name) {
	return function() {
		var r = raw.apply(this, arguments);
		if (!Array.isArray(r)) return r;
		if (r[1] != null) throw new TypeError(name + ": " + r[1]);
		return r[0];
	};
};`

// host adapts a *quickjs.VM to core.ScriptHost.
type host struct {
	vm *quickjs.VM

	// C runtime handle and TLS used to run pending jobs, zero when the
	// quickjs package layout could not be read.
	cRuntime uintptr
	tls      *libc.TLS

	unwrapReady bool
}

var _ core.ScriptHost = (*host)(nil)

func newHost(vm *quickjs.VM) *host {
	h := &host{vm: vm}
	h.cRuntime, h.tls = jobQueue(vm)
	return h
}

func (h *host) Eval(js string) error {
	v, err := h.vm.EvalValue(js, quickjs.EvalGlobal)
	if err != nil {
		return err
	}
	v.Free()
	return nil
}

func (h *host) EvalString(js string) (string, error) {
	out, err := h.vm.Eval(js, quickjs.EvalGlobal)
	if err != nil || out == nil {
		return "", err
	}
	return fmt.Sprint(out), nil
}

// Expose registers fn under a private name and publishes an unwrapping
// shim as name.
func (h *host) Expose(name string, fn any) error {
	if !h.unwrapReady {
		if err := h.Eval(hostUnwrap); err != nil {
			return fmt.Errorf("installing host shim: %w", err)
		}
		h.unwrapReady = true
	}
	private := "__go_" + name
	if err := h.vm.RegisterFunc(private, fn, false); err != nil {
		return fmt.Errorf("expose %s: %w", name, err)
	}
	return h.Eval(fmt.Sprintf("globalThis[%q] = __hostUnwrap(globalThis[%q], %q); delete globalThis[%q];",
		name, private, name, private))
}

func (h *host) Define(name string, value any) error {
	atom, err := h.vm.NewAtom(name)
	if err != nil {
		return fmt.Errorf("define %s: %w", name, err)
	}
	glob := h.vm.GlobalObject()
	defer glob.Free()
	return glob.SetProperty(atom, value)
}

// DrainMicrotasks runs every pending promise job. The quickjs package never
// calls JS_ExecutePendingJob itself.
func (h *host) DrainMicrotasks() {
	if h.tls == nil {
		return
	}
	for lib.XJS_ExecutePendingJob(h.tls, h.cRuntime, 0) > 0 {
	}
}

// jobQueue reads the unexported C runtime handle out of vm. It depends on
// modernc.org/quickjs keeping VM.runtime as a *runtime holding cRuntime
// uintptr and tls *libc.TLS.
func jobQueue(vm *quickjs.VM) (uintptr, *libc.TLS) {
	field := reflect.ValueOf(vm).Elem().FieldByName("runtime")
	if !field.IsValid() || field.IsNil() {
		return 0, nil
	}
	rt := reflect.NewAt(field.Type().Elem(), unsafe.Pointer(field.Pointer())).Elem()

	handle := rt.FieldByName("cRuntime")
	tls := rt.FieldByName("tls")
	if !handle.IsValid() || !tls.IsValid() || tls.IsNil() {
		return 0, nil
	}
	return uintptr(handle.Uint()), (*libc.TLS)(unsafe.Pointer(tls.Pointer()))
}
