package core

import (
	"errors"
	"fmt"
)

// ErrNoResponse is returned by Engine.Invoke when no resolv listener called
// respondWith for the request.
var ErrNoResponse = errors.New("no resolv listener responded")

// ConfigError reports a malformed configuration source.
type ConfigError struct {
	Source string // file path or "env"
	Key    string // flattened key, empty when the whole source is bad
	Err    error
}

func (e *ConfigError) Error() string {
	switch {
	case e.Key != "" && e.Source != "":
		return fmt.Sprintf("config %s: %s: %v", e.Source, e.Key, e.Err)
	case e.Key != "":
		return fmt.Sprintf("config: %s: %v", e.Key, e.Err)
	case e.Source != "":
		return fmt.Sprintf("config %s: %v", e.Source, e.Err)
	}
	return fmt.Sprintf("config: %v", e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// EngineInitError reports a failure to create the engine, install its
// built-ins, or evaluate the entry script.
type EngineInitError struct {
	Phase string // "bundle", "create", "bootstrap" or "evaluate"
	Err   error
}

func (e *EngineInitError) Error() string {
	return fmt.Sprintf("engine %s: %v", e.Phase, e.Err)
}

func (e *EngineInitError) Unwrap() error { return e.Err }

// ProtocolError reports an inbound message the codec could not decode.
type ProtocolError struct {
	Err error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("malformed query: %v", e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// ScriptError reports a failure raised while running script code.
type ScriptError struct {
	Label string // script or operation that failed
	Err   error
}

func (e *ScriptError) Error() string {
	if e.Label == "" {
		return fmt.Sprintf("script error: %v", e.Err)
	}
	return fmt.Sprintf("script error in %s: %v", e.Label, e.Err)
}

func (e *ScriptError) Unwrap() error { return e.Err }
