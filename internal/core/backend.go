package core

import "time"

// Engine is the script engine boundary. Implementations (QuickJS, V8) are
// not safe for concurrent use: every method must be called from the single
// goroutine that owns the engine.
type Engine interface {
	// Bootstrap installs the built-in globals (console, timers, DNS types,
	// fly.cache, fly.data, resolv).
	Bootstrap() error

	// Evaluate runs source in the global scope. Script failures are
	// returned as *ScriptError.
	Evaluate(label, source string) error

	// Invoke dispatches req to the script's resolv listeners and waits,
	// pumping the event loop, until a response settles or deadline passes.
	Invoke(req *Request, deadline time.Time) (*Response, error)

	// Tick fires due timers and delivers completed async operations. It
	// returns the next timer deadline, or the zero time when none is armed.
	Tick(now time.Time) (time.Time, error)

	// Interrupt stops script that is running inside Evaluate, Invoke or
	// Tick; the call then fails with ErrInterrupted. It is the one method
	// safe to call from any goroutine and does nothing while the engine is
	// idle.
	Interrupt()

	// Wake is signalled when an async operation completes off-thread.
	Wake() <-chan struct{}

	// Close releases the engine.
	Close()
}
