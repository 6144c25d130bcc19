package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrInterrupted marks script execution stopped by Engine.Interrupt.
var ErrInterrupted = errors.New("script execution interrupted")

// InterruptGuard forwards interrupts to an engine only while it is running
// script, so a late watchdog cannot poison the next call.
type InterruptGuard struct {
	stop func()

	mu   sync.Mutex
	busy bool
	hit  bool
}

// NewInterruptGuard returns a guard that calls stop to halt running script.
// stop must be safe to call from any goroutine.
func NewInterruptGuard(stop func()) *InterruptGuard {
	return &InterruptGuard{stop: stop}
}

// Interrupt halts the call currently inside Run, if any. It is safe to call
// from any goroutine and at most one stop is delivered per Run.
func (g *InterruptGuard) Interrupt() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.busy && !g.hit {
		g.hit = true
		g.stop()
	}
}

// Run calls fn with interrupts armed. interrupted reports whether a stop
// was delivered while fn ran.
func (g *InterruptGuard) Run(fn func() error) (interrupted bool, err error) {
	g.mu.Lock()
	g.busy, g.hit = true, false
	g.mu.Unlock()

	defer func() {
		g.mu.Lock()
		interrupted = g.hit
		g.busy, g.hit = false, false
		g.mu.Unlock()
	}()
	return false, fn()
}

// Interrupted rewrites the error of a call that was interrupted. A nil err
// means the call finished before the stop landed and stays nil; deadline
// errors pass through unchanged.
func Interrupted(label string, err error) error {
	if err == nil || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var serr *ScriptError
	if errors.As(err, &serr) {
		label, err = serr.Label, serr.Err
	}
	return &ScriptError{Label: label, Err: fmt.Errorf("%w: %v", ErrInterrupted, err)}
}
