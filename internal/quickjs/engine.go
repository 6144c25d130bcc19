//go:build !v8

// Package quickjs is the default script engine, built on modernc.org/quickjs.
package quickjs

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/cryguy/flydns/internal/core"
	"github.com/cryguy/flydns/internal/eventloop"
	"github.com/cryguy/flydns/internal/webapi"
	"modernc.org/quickjs"
)

// Engine implements core.Engine on a single QuickJS VM. It is not safe for
// concurrent use.
type Engine struct {
	vm       *quickjs.VM
	rt       *host
	el       *eventloop.EventLoop
	cfg      core.EngineConfig
	bindings core.Bindings
	logger   *slog.Logger

	guard  *core.InterruptGuard
	broken error // set when the VM could not shake off an interrupt
}

var _ core.Engine = (*Engine)(nil)

// NewEngine creates a QuickJS VM with the configured memory limit.
func NewEngine(cfg core.EngineConfig, b core.Bindings) (*Engine, error) {
	vm, err := quickjs.NewVM()
	if err != nil {
		return nil, fmt.Errorf("creating QuickJS VM: %w", err)
	}
	if cfg.MemoryLimitMB > 0 {
		vm.SetMemoryLimit(uintptr(cfg.MemoryLimitMB) * 1024 * 1024)
	}

	logger := b.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		vm:       vm,
		rt:       newHost(vm),
		el:       eventloop.New(),
		cfg:      cfg,
		bindings: b,
		logger:   logger,
		guard:    core.NewInterruptGuard(vm.Interrupt),
	}, nil
}

// Bootstrap installs the built-in globals.
func (e *Engine) Bootstrap() error {
	return webapi.Setup(e.rt, e.el, e.cfg, e.bindings)
}

// Evaluate runs source in the global scope, then drains the microtasks it
// queued.
func (e *Engine) Evaluate(label, source string) error {
	return e.guarded(label, func() error {
		v, err := e.vm.EvalValue(source, quickjs.EvalGlobal)
		if err != nil {
			return &core.ScriptError{Label: label, Err: err}
		}
		v.Free()
		e.rt.DrainMicrotasks()
		return nil
	})
}

// Invoke dispatches req to the resolv listeners.
func (e *Engine) Invoke(req *core.Request, deadline time.Time) (resp *core.Response, err error) {
	err = e.guarded("resolv listener", func() error {
		resp, err = webapi.Invoke(e.rt, e.el, req, deadline, e.logger)
		return err
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// Tick fires due timers and delivers completed lookups.
func (e *Engine) Tick(now time.Time) (next time.Time, err error) {
	err = e.guarded("timer", func() error {
		next, err = webapi.Tick(e.rt, e.el, now, e.logger)
		return err
	})
	return next, err
}

// Interrupt stops the script that is running, if any.
func (e *Engine) Interrupt() {
	e.guard.Interrupt()
}

// settleScript gives a pending interrupt something to land on.
const settleScript = `(function() { for (var i = 0; i < 100000; i++) {} })()`

// guarded runs fn with interrupts armed. An interrupt may still be pending
// in the VM when fn returns, so the VM then runs settleScript until it
// completes cleanly; if it never does the engine is marked broken.
func (e *Engine) guarded(label string, fn func() error) error {
	if e.broken != nil {
		return e.broken
	}
	interrupted, err := e.guard.Run(fn)
	if !interrupted {
		return err
	}
	var serr error
	for range 2 {
		if serr = e.rt.Eval(settleScript); serr == nil {
			break
		}
	}
	if serr != nil {
		e.broken = fmt.Errorf("quickjs: vm unusable after interrupt: %w", serr)
	}
	e.logger.Warn("script interrupted", "label", label, "error", err)
	return core.Interrupted(label, err)
}

// Wake is signalled when an off-thread lookup completes.
func (e *Engine) Wake() <-chan struct{} {
	return e.el.Wake()
}

// Close resets the event loop and frees the VM.
func (e *Engine) Close() {
	e.el.Reset()
	e.vm.Close()
}
