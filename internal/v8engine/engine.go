//go:build v8

// Package v8engine is the V8 script engine, selected with -tags v8.
package v8engine

import (
	"fmt"
	"log/slog"
	"time"

	v8 "github.com/tommie/v8go"

	"github.com/cryguy/flydns/internal/core"
	"github.com/cryguy/flydns/internal/eventloop"
	"github.com/cryguy/flydns/internal/webapi"
)

// Engine implements core.Engine on one V8 isolate and context. It is not
// safe for concurrent use.
type Engine struct {
	iso      *v8.Isolate
	ctx      *v8.Context
	rt       *host
	el       *eventloop.EventLoop
	cfg      core.EngineConfig
	bindings core.Bindings
	logger   *slog.Logger

	guard  *core.InterruptGuard
	broken error // set when the VM could not shake off an interrupt
}

var _ core.Engine = (*Engine)(nil)

// NewEngine creates an isolate and context. V8 heap limits are fixed by
// the isolate defaults; cfg.MemoryLimitMB is only honoured by QuickJS.
func NewEngine(cfg core.EngineConfig, b core.Bindings) (*Engine, error) {
	iso := v8.NewIsolate()
	ctx := v8.NewContext(iso)

	logger := b.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		iso:      iso,
		ctx:      ctx,
		rt:       &host{iso: iso, ctx: ctx},
		el:       eventloop.New(),
		cfg:      cfg,
		bindings: b,
		logger:   logger,
		guard:    core.NewInterruptGuard(iso.TerminateExecution),
	}, nil
}

// Bootstrap installs the built-in globals.
func (e *Engine) Bootstrap() error {
	return webapi.Setup(e.rt, e.el, e.cfg, e.bindings)
}

// Evaluate runs source as a classic script and drains its microtasks.
func (e *Engine) Evaluate(label, source string) error {
	return e.guarded(label, func() error {
		if _, err := e.ctx.RunScript(source, label); err != nil {
			return &core.ScriptError{Label: label, Err: err}
		}
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

// Interrupt terminates the script that is running, if any.
// TerminateExecution is the one isolate call that is safe off-thread.
func (e *Engine) Interrupt() {
	e.guard.Interrupt()
}

// settleScript runs after an interrupt so a termination that arrived late
// is consumed before the next call.
const settleScript = `(function() { for (var i = 0; i < 100000; i++) {} })()`

// guarded runs fn with interrupts armed and marks the engine broken when
// the isolate keeps refusing script afterwards.
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
		e.broken = fmt.Errorf("v8: isolate unusable after termination: %w", serr)
	}
	e.logger.Warn("script interrupted", "label", label, "error", err)
	return core.Interrupted(label, err)
}

// Wake is signalled when an off-thread lookup completes.
func (e *Engine) Wake() <-chan struct{} {
	return e.el.Wake()
}

// Close resets the event loop and disposes the isolate.
func (e *Engine) Close() {
	e.el.Reset()
	e.ctx.Close()
	e.iso.Dispose()
}
