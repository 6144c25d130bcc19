//go:build v8

package v8engine

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/cryguy/flydns/internal/core"
)

func newTestEngine(t *testing.T, source string) *Engine {
	t.Helper()
	e, err := NewEngine(core.EngineConfig{}, core.Bindings{})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	t.Cleanup(e.Close)
	if err := e.Bootstrap(); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	if err := e.Evaluate("entry.js", source); err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	return e
}

func aQuery(name string) *core.Request {
	return &core.Request{ID: 7, Opcode: "QUERY", Queries: []core.Question{{Name: name, Type: "A", Class: "IN"}}}
}

func TestInvoke_Respond(t *testing.T) {
	e := newTestEngine(t, `respond("A", "1.2.3.4");`)

	resp, err := e.Invoke(aQuery("example.test."), time.Now().Add(time.Second))
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if len(resp.Answers) != 1 || resp.Answers[0].Data != "1.2.3.4" || resp.Answers[0].TTL != 300 {
		t.Fatalf("answers = %+v", resp.Answers)
	}
}

func TestInvoke_TimerListener(t *testing.T) {
	e := newTestEngine(t, `
addEventListener('resolv', function(e) {
	e.respondWith(new Promise(function(resolve) {
		setTimeout(function() { resolve(new DNSResponse({ responseCode: 'REFUSED' })); }, 5);
	}));
});`)

	resp, err := e.Invoke(aQuery("example.test."), time.Now().Add(time.Second))
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if resp.Rcode != "REFUSED" {
		t.Errorf("rcode = %q", resp.Rcode)
	}
}

func TestCacheWithoutStore_ThrowsTypeError(t *testing.T) {
	e := newTestEngine(t, `
addEventListener('resolv', function(e) {
	e.respondWith(fly.cache.get('k').catch(function(err) {
		return new DNSResponse({ responseCode: err instanceof TypeError ? 'NXDOMAIN' : 'SERVFAIL' });
	}));
});`)

	resp, err := e.Invoke(aQuery("example.test."), time.Now().Add(time.Second))
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if resp.Rcode != "NXDOMAIN" {
		t.Errorf("rcode = %q, want NXDOMAIN (TypeError)", resp.Rcode)
	}
}

func TestEvaluate_ScriptError(t *testing.T) {
	e, err := NewEngine(core.EngineConfig{}, core.Bindings{})
	if err != nil {
		t.Fatal(err)
	}
	defer e.Close()
	err = e.Evaluate("bad.js", "throw new Error('at load')")
	var serr *core.ScriptError
	if !errors.As(err, &serr) || !strings.Contains(err.Error(), "at load") {
		t.Fatalf("err = %v", err)
	}
}

func TestInvoke_TerminatedLoop(t *testing.T) {
	e := newTestEngine(t, `
addEventListener('resolv', function(e) {
	if (e.request.queries[0].name === 'spin.test.') { for (;;) {} }
});
respond("A", "1.2.3.4");`)

	watchdog := time.AfterFunc(50*time.Millisecond, e.Interrupt)
	defer watchdog.Stop()
	_, err := e.Invoke(aQuery("spin.test."), time.Now().Add(time.Second))
	if !errors.Is(err, core.ErrInterrupted) {
		t.Fatalf("err = %v, want ErrInterrupted", err)
	}

	resp, err := e.Invoke(aQuery("example.test."), time.Now().Add(time.Second))
	if err != nil {
		t.Fatalf("Invoke after termination: %v", err)
	}
	if len(resp.Answers) != 1 {
		t.Errorf("answers = %+v", resp.Answers)
	}
}
