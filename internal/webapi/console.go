package webapi

import (
	"context"
	"log/slog"

	"github.com/cryguy/flydns/internal/core"
	"github.com/cryguy/flydns/internal/eventloop"
)

// consoleJS defines console on top of __console(level, line). Non-string
// arguments are rendered as JSON where possible.
const consoleJS = `
(function() {
	function show(v) {
		if (typeof v === 'string') return v;
		if (v instanceof Error) return v.stack ? String(v) + '\n' + v.stack : String(v);
		if (v !== null && typeof v === 'object') {
			try { return JSON.stringify(v); } catch (_) { return Object.prototype.toString.call(v); }
		}
		return String(v);
	}
	function emit(level, args) {
		var out = [];
		for (var i = 0; i < args.length; i++) out.push(show(args[i]));
		__console(level, out.join(' '));
	}
	var counts = Object.create(null);
	globalThis.console = {
		log:   function() { emit('info', arguments); },
		info:  function() { emit('info', arguments); },
		debug: function() { emit('debug', arguments); },
		trace: function() { emit('debug', arguments); },
		warn:  function() { emit('warn', arguments); },
		error: function() { emit('error', arguments); },
		assert: function(ok) {
			if (ok) return;
			var rest = Array.prototype.slice.call(arguments, 1);
			rest.unshift('assertion failed:');
			emit('error', rest);
		},
		count: function(label) {
			label = label === undefined ? 'default' : String(label);
			counts[label] = (counts[label] || 0) + 1;
			emit('info', [label + ': ' + counts[label]]);
		},
		countReset: function(label) {
			delete counts[label === undefined ? 'default' : String(label)];
		},
	};
})();
`

// SetupConsole routes console output to logger with source=script.
func SetupConsole(rt core.ScriptHost, _ *eventloop.EventLoop, logger *slog.Logger) error {
	scriptLog := logger.With("source", "script")
	if err := rt.Expose("__console", func(level, line string) {
		scriptLog.Log(context.Background(), scriptLevel(level), line)
	}); err != nil {
		return err
	}
	return rt.Eval(consoleJS)
}

func scriptLevel(name string) slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(name)); err != nil {
		return slog.LevelInfo
	}
	return l
}
