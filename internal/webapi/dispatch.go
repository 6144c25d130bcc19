package webapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/goccy/go-json"

	"github.com/cryguy/flydns/internal/core"
	"github.com/cryguy/flydns/internal/eventloop"
)

const listenerLabel = "resolv listener"

type pollResult struct {
	State    string         `json:"state"`
	Error    string         `json:"error"`
	Response *core.Response `json:"response"`
}

// Invoke hands req to the script's resolv listeners and pumps microtasks,
// timers and async completions until the response promise settles or
// deadline passes. It returns core.ErrNoResponse when no listener called
// respondWith.
func Invoke(rt core.ScriptHost, el *eventloop.EventLoop, req *core.Request, deadline time.Time, logger *slog.Logger) (*core.Response, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}
	if err := rt.Define("__request_json", string(payload)); err != nil {
		return nil, fmt.Errorf("staging request: %w", err)
	}
	if err := rt.Eval(`(function() {
		var json = globalThis.__request_json;
		delete globalThis.__request_json;
		__dispatch(json);
	})()`); err != nil {
		return nil, &core.ScriptError{Label: listenerLabel, Err: err}
	}
	defer func() { _ = rt.Eval("__abandon()") }()

	onErr := callbackLogger(logger)
	for {
		rt.DrainMicrotasks()

		out, err := rt.EvalString("__poll()")
		if err != nil {
			return nil, &core.ScriptError{Label: listenerLabel, Err: err}
		}
		if out != "" {
			return decodePoll(out)
		}

		now := time.Now()
		if !now.Before(deadline) {
			return nil, fmt.Errorf("%s: %w", listenerLabel, context.DeadlineExceeded)
		}
		ran, err := el.RunDue(rt, now, onErr)
		if err != nil {
			return nil, err
		}
		if ran {
			continue
		}
		if !el.HasPending() {
			return nil, &core.ScriptError{Label: listenerLabel, Err: errors.New("response promise can never settle")}
		}

		wait := deadline.Sub(now)
		if next, ok := el.NextDeadline(); ok && next.Sub(now) < wait {
			wait = next.Sub(now)
		}
		if wait > 0 {
			t := time.NewTimer(wait)
			select {
			case <-el.Wake():
			case <-t.C:
			}
			t.Stop()
		}
	}
}

func decodePoll(out string) (*core.Response, error) {
	var res pollResult
	if err := json.Unmarshal([]byte(out), &res); err != nil {
		return nil, fmt.Errorf("decoding listener result: %w", err)
	}
	switch res.State {
	case "unanswered":
		return nil, core.ErrNoResponse
	case "rejected":
		return nil, &core.ScriptError{Label: listenerLabel, Err: errors.New(res.Error)}
	case "fulfilled":
		if res.Response == nil {
			return nil, &core.ScriptError{Label: listenerLabel, Err: errors.New("empty response")}
		}
		return res.Response, nil
	}
	return nil, fmt.Errorf("unknown listener state %q", res.State)
}

// Tick runs due timers and delivers completed async operations outside of
// an invocation. It returns the next timer deadline, or the zero time.
// A throwing timer callback is logged and does not fail the tick; only a
// completion that cannot be handed to the script does.
func Tick(rt core.ScriptHost, el *eventloop.EventLoop, now time.Time, logger *slog.Logger) (time.Time, error) {
	if _, err := el.RunDue(rt, now, callbackLogger(logger)); err != nil {
		return time.Time{}, err
	}
	next, ok := el.NextDeadline()
	if !ok {
		return time.Time{}, nil
	}
	return next, nil
}

func callbackLogger(logger *slog.Logger) func(error) {
	if logger == nil {
		logger = slog.Default()
	}
	return func(err error) {
		logger.Warn("script callback failed", "source", "script", "error", err)
	}
}
