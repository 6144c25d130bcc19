package webapi

import (
	"fmt"
	"time"

	"github.com/cryguy/flydns/internal/core"
	"github.com/cryguy/flydns/internal/eventloop"
)

// globalsJS defines the small set of ambient globals scripts commonly
// expect to exist.
const globalsJS = `
globalThis.window = globalThis;
globalThis.self = globalThis;

if (typeof globalThis.queueMicrotask !== 'function') {
	globalThis.queueMicrotask = function(fn) {
		if (typeof fn !== 'function') throw new TypeError('queueMicrotask requires a function');
		Promise.resolve().then(fn);
	};
}

globalThis.structuredClone = function(value) {
	if (value === undefined) return undefined;
	return JSON.parse(JSON.stringify(value));
};

(function() {
	var origin = __hostNow();
	globalThis.performance = {
		timeOrigin: origin,
		now: function() { return __hostNow() - origin; },
	};
})();
`

// SetupGlobals registers window/self, queueMicrotask, structuredClone and
// performance.now.
func SetupGlobals(rt core.ScriptHost, _ *eventloop.EventLoop) error {
	if err := rt.Expose("__hostNow", func() float64 {
		return float64(time.Now().UnixNano()) / float64(time.Millisecond)
	}); err != nil {
		return err
	}
	if err := rt.Eval(globalsJS); err != nil {
		return fmt.Errorf("evaluating globals.js: %w", err)
	}
	return nil
}
