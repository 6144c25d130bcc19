// Package webapi installs the built-in globals a resolver script sees
// (console, timers, the DNS classes, resolv, fly.cache and fly.data) on any
// core.ScriptHost, and drives request dispatch through them.
package webapi

import (
	"fmt"
	"log/slog"

	"github.com/cryguy/flydns/internal/core"
	"github.com/cryguy/flydns/internal/eventloop"
)

// SetupFunc installs one group of built-ins into a runtime.
type SetupFunc func(rt core.ScriptHost, el *eventloop.EventLoop) error

// SetupFuncs returns the ordered list of setup functions for an engine.
// Later entries may depend on globals installed by earlier ones.
func SetupFuncs(cfg core.EngineConfig, b core.Bindings) []SetupFunc {
	logger := b.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return []SetupFunc{
		SetupGlobals,
		func(rt core.ScriptHost, el *eventloop.EventLoop) error {
			return SetupConsole(rt, el, logger)
		},
		SetupTimers,
		SetupDNS,
		func(rt core.ScriptHost, el *eventloop.EventLoop) error {
			return SetupResolv(rt, el, cfg)
		},
		func(rt core.ScriptHost, el *eventloop.EventLoop) error {
			return SetupCache(rt, el, cfg, b.Cache)
		},
		func(rt core.ScriptHost, el *eventloop.EventLoop) error {
			return SetupData(rt, el, cfg, b.Data)
		},
	}
}

// Setup runs every setup function against rt.
func Setup(rt core.ScriptHost, el *eventloop.EventLoop, cfg core.EngineConfig, b core.Bindings) error {
	for i, setup := range SetupFuncs(cfg, b) {
		if err := setup(rt, el); err != nil {
			return fmt.Errorf("setup step %d: %w", i, err)
		}
	}
	return nil
}
