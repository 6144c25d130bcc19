package webapi

import (
	"time"

	"github.com/cryguy/flydns/internal/core"
	"github.com/cryguy/flydns/internal/eventloop"
)

// timersJS keeps timer callbacks and pending async-op promises in closures.
// The event loop reaches them through __timerFire and __opSettle.
const timersJS = `
(function() {
	var timers = new Map();
	var ops = new Map();

	function arm(fn, delay, args, repeat) {
		if (typeof fn !== 'function') return 0;
		var id = __timerRegister(Math.max(0, Number(delay) | 0), repeat);
		timers.set(id, { fn: fn, args: args, repeat: repeat });
		return id;
	}
	function disarm(id) {
		if (typeof id !== 'number' || !timers.has(id)) return;
		timers.delete(id);
		__timerClear(id);
	}
	var slice = Array.prototype.slice;

	globalThis.setTimeout = function(fn, delay) { return arm(fn, delay, slice.call(arguments, 2), false); };
	globalThis.setInterval = function(fn, delay) { return arm(fn, delay, slice.call(arguments, 2), true); };
	globalThis.setImmediate = function(fn) { return arm(fn, 0, slice.call(arguments, 1), false); };
	globalThis.clearTimeout = disarm;
	globalThis.clearInterval = disarm;
	globalThis.clearImmediate = disarm;

	globalThis.__timerFire = function(id) {
		var t = timers.get(id);
		if (!t) return;
		if (!t.repeat) timers.delete(id);
		t.fn.apply(undefined, t.args);
	};

	globalThis.__opAwait = function(id) {
		return new Promise(function(resolve, reject) {
			ops.set(id, { resolve: resolve, reject: reject });
		});
	};
	globalThis.__opSettle = function(id, ok, payload) {
		var op = ops.get(id);
		if (!op) return;
		ops.delete(id);
		(ok ? op.resolve : op.reject)(payload);
	};
})();
`

// SetupTimers installs setTimeout and friends on the event loop, plus the
// promise bridge used by Go-backed async operations.
func SetupTimers(rt core.ScriptHost, el *eventloop.EventLoop) error {
	if err := rt.Expose("__timerRegister", func(delayMs int, repeat bool) int {
		return el.RegisterTimer(time.Duration(delayMs)*time.Millisecond, repeat)
	}); err != nil {
		return err
	}
	if err := rt.Expose("__timerClear", el.ClearTimer); err != nil {
		return err
	}
	return rt.Eval(timersJS)
}
