package core

// ScriptHost is the slice of a JavaScript VM that the built-ins in
// internal/webapi and the loop in internal/eventloop are written against.
// QuickJS and V8 each provide one.
type ScriptHost interface {
	Eval(js string) error
	EvalString(js string) (string, error)

	// Expose installs fn as a global function. A non-nil error result is
	// thrown into the script as a TypeError.
	Expose(name string, fn any) error

	// Define assigns a string, number or bool to a global.
	Define(name string, value any) error

	// DrainMicrotasks runs queued promise reactions until none remain.
	DrainMicrotasks()
}
