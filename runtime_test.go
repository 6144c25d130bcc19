package flydns

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cryguy/flydns/internal/core"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeEngine records how many invocations run at once.
type fakeEngine struct {
	delay   time.Duration
	evalErr error
	tickErr atomic.Pointer[error]
	gate    chan struct{} // when set, each Invoke waits for a token

	active  atomic.Int32
	overlap atomic.Bool
	calls   atomic.Int32
	closed  atomic.Bool

	mu    sync.Mutex
	order []uint16

	wake chan struct{}

	// interrupts receives one token per Interrupt call; "spin" work
	// blocks on it the way a looping script would.
	interrupts chan struct{}
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{wake: make(chan struct{}, 1), interrupts: make(chan struct{}, 1)}
}

func (f *fakeEngine) Bootstrap() error { return nil }

func (f *fakeEngine) Evaluate(label, source string) error {
	if source == "spin" {
		<-f.interrupts
		return &core.ScriptError{Label: label, Err: core.ErrInterrupted}
	}
	if f.evalErr != nil {
		return &core.ScriptError{Label: label, Err: f.evalErr}
	}
	return nil
}

func (f *fakeEngine) Invoke(req *core.Request, deadline time.Time) (*core.Response, error) {
	if f.active.Add(1) > 1 {
		f.overlap.Store(true)
	}
	defer f.active.Add(-1)
	f.calls.Add(1)

	if f.gate != nil {
		<-f.gate
	}
	f.mu.Lock()
	f.order = append(f.order, req.ID)
	f.mu.Unlock()

	if len(req.Queries) > 0 && req.Queries[0].Name == "panic.test." {
		panic("engine blew up")
	}
	if len(req.Queries) > 0 && req.Queries[0].Name == "spin.test." {
		<-f.interrupts
		return nil, &core.ScriptError{Label: "resolv listener", Err: core.ErrInterrupted}
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	return &core.Response{
		Rcode:   "NOERROR",
		Answers: []core.Record{{Name: "x.", Type: "TXT", TTL: 1, Data: fmt.Sprintf("%q", fmt.Sprint(req.ID))}},
	}, nil
}

func (f *fakeEngine) Tick(time.Time) (time.Time, error) {
	if p := f.tickErr.Load(); p != nil {
		return time.Time{}, *p
	}
	return time.Time{}, nil
}

func (f *fakeEngine) Wake() <-chan struct{} { return f.wake }

func (f *fakeEngine) Interrupt() {
	select {
	case f.interrupts <- struct{}{}:
	default:
	}
}

func (f *fakeEngine) Close() { f.closed.Store(true) }

func startFake(t *testing.T, f *fakeEngine, opts RuntimeOptions) *Runtime {
	t.Helper()
	opts.Logger = discardLogger()
	opts.newEngine = func(core.EngineConfig, core.Bindings) (core.Engine, error) { return f, nil }
	rt, err := StartRuntimeSource(context.Background(), "entry.js", "", opts)
	if err != nil {
		t.Fatalf("StartRuntimeSource: %v", err)
	}
	t.Cleanup(rt.Close)
	return rt
}

func req(id uint16, name string) *core.Request {
	return &core.Request{ID: id, Opcode: "QUERY", Queries: []core.Question{{Name: name, Type: "A", Class: "IN"}}}
}

func TestRuntime_ConcurrentInvocationsAreSerialized(t *testing.T) {
	f := newFakeEngine()
	f.delay = 2 * time.Millisecond
	rt := startFake(t, f, RuntimeOptions{})

	const n = 32
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := range n {
		wg.Add(1)
		go func(id uint16) {
			defer wg.Done()
			resp, err := rt.Invoke(context.Background(), req(id, "example.test."))
			if err != nil {
				errs <- err
				return
			}
			if want := fmt.Sprintf("%q", fmt.Sprint(id)); resp.Answers[0].Data != want {
				errs <- fmt.Errorf("request %d got answer %s", id, resp.Answers[0].Data)
			}
		}(uint16(i))
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}

	if f.overlap.Load() {
		t.Fatal("two invocations ran inside the engine at once")
	}
	if got := f.calls.Load(); got != n {
		t.Errorf("engine saw %d invocations, want %d", got, n)
	}
}

func TestRuntime_FIFO(t *testing.T) {
	f := newFakeEngine()
	f.gate = make(chan struct{})
	rt := startFake(t, f, RuntimeOptions{})

	var wg sync.WaitGroup
	submit := func(id uint16) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = rt.Invoke(context.Background(), req(id, "example.test."))
		}()
	}

	// The first job occupies the engine; the rest queue behind it in order.
	submit(0)
	waitFor(t, func() bool { return f.active.Load() == 1 })
	for id := uint16(1); id <= 5; id++ {
		submit(id)
		waitFor(t, func() bool { return len(rt.jobs) == int(id) })
	}
	for range 6 {
		f.gate <- struct{}{}
	}
	wg.Wait()

	f.mu.Lock()
	defer f.mu.Unlock()
	for i, id := range f.order {
		if int(id) != i {
			t.Fatalf("execution order = %v, want submission order", f.order)
		}
	}
}

func TestRuntime_AbandonedRequestDoesNotBreakNext(t *testing.T) {
	f := newFakeEngine()
	f.delay = 100 * time.Millisecond
	rt := startFake(t, f, RuntimeOptions{})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := rt.Invoke(ctx, req(1, "example.test.")); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want DeadlineExceeded", err)
	}

	resp, err := rt.Invoke(context.Background(), req(2, "example.test."))
	if err != nil {
		t.Fatalf("follow-up Invoke: %v", err)
	}
	if resp.Answers[0].Data != `"2"` {
		t.Errorf("follow-up got answer %s", resp.Answers[0].Data)
	}
}

func TestRuntime_PanicIsPerRequest(t *testing.T) {
	f := newFakeEngine()
	rt := startFake(t, f, RuntimeOptions{})

	_, err := rt.Invoke(context.Background(), req(1, "panic.test."))
	var serr *core.ScriptError
	if !errors.As(err, &serr) {
		t.Fatalf("err = %v, want *core.ScriptError", err)
	}
	if _, err := rt.Invoke(context.Background(), req(2, "example.test.")); err != nil {
		t.Fatalf("Invoke after panic: %v", err)
	}
}

func TestRuntime_EvaluateFailure(t *testing.T) {
	f := newFakeEngine()
	f.evalErr = errors.New("SyntaxError: unexpected token")
	_, err := StartRuntimeSource(context.Background(), "entry.js", "", RuntimeOptions{
		Logger:    discardLogger(),
		newEngine: func(core.EngineConfig, core.Bindings) (core.Engine, error) { return f, nil },
	})
	var ierr *core.EngineInitError
	if !errors.As(err, &ierr) || ierr.Phase != "evaluate" {
		t.Fatalf("err = %v, want EngineInitError in evaluate", err)
	}
	var serr *core.ScriptError
	if !errors.As(err, &serr) {
		t.Errorf("evaluate failure does not wrap the script error: %v", err)
	}
	if !f.closed.Load() {
		t.Error("engine not closed after failed evaluation")
	}
}

func TestRuntime_CreateFailure(t *testing.T) {
	_, err := StartRuntimeSource(context.Background(), "entry.js", "", RuntimeOptions{
		Logger: discardLogger(),
		newEngine: func(core.EngineConfig, core.Bindings) (core.Engine, error) {
			return nil, errors.New("out of memory")
		},
	})
	var ierr *core.EngineInitError
	if !errors.As(err, &ierr) || ierr.Phase != "create" {
		t.Fatalf("err = %v, want EngineInitError in create", err)
	}
}

func TestRuntime_TickFailureStopsRuntime(t *testing.T) {
	f := newFakeEngine()
	rt := startFake(t, f, RuntimeOptions{})

	tickErr := errors.New("timer callback corrupted state")
	f.tickErr.Store(&tickErr)
	f.wake <- struct{}{}

	select {
	case <-rt.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("runtime did not stop after tick failure")
	}
	if !errors.Is(rt.Err(), tickErr) {
		t.Errorf("Err() = %v", rt.Err())
	}
	if _, err := rt.Invoke(context.Background(), req(1, "example.test.")); !errors.Is(err, ErrRuntimeClosed) {
		t.Errorf("Invoke after stop = %v, want ErrRuntimeClosed", err)
	}
	if !f.closed.Load() {
		t.Error("engine not closed")
	}
}

func TestRuntime_Close(t *testing.T) {
	f := newFakeEngine()
	rt := startFake(t, f, RuntimeOptions{})
	rt.Close()
	rt.Close()

	if rt.Err() != nil {
		t.Errorf("Err() after Close = %v", rt.Err())
	}
	if _, err := rt.Invoke(context.Background(), req(1, "example.test.")); !errors.Is(err, ErrRuntimeClosed) {
		t.Errorf("Invoke after Close = %v", err)
	}
}

func TestRuntime_ExecutionTimeoutCapsDeadline(t *testing.T) {
	var got time.Time
	f := &deadlineEngine{fakeEngine: newFakeEngine(), seen: &got}
	opts := RuntimeOptions{ExecutionTimeout: 50 * time.Millisecond, Logger: discardLogger()}
	opts.newEngine = func(core.EngineConfig, core.Bindings) (core.Engine, error) { return f, nil }
	rt, err := StartRuntimeSource(context.Background(), "entry.js", "", opts)
	if err != nil {
		t.Fatal(err)
	}
	defer rt.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Hour)
	defer cancel()
	start := time.Now()
	if _, err := rt.Invoke(ctx, req(1, "example.test.")); err != nil {
		t.Fatal(err)
	}
	if d := got.Sub(start); d > time.Second {
		t.Errorf("engine deadline %v away, want about 50ms", d)
	}
}

type deadlineEngine struct {
	*fakeEngine
	seen *time.Time
}

func (d *deadlineEngine) Invoke(req *core.Request, deadline time.Time) (*core.Response, error) {
	*d.seen = deadline
	return d.fakeEngine.Invoke(req, deadline)
}

func TestRuntime_LoopingInvocationIsInterrupted(t *testing.T) {
	f := newFakeEngine()
	rt := startFake(t, f, RuntimeOptions{ExecutionTimeout: 50 * time.Millisecond})

	start := time.Now()
	_, err := rt.Invoke(context.Background(), req(1, "spin.test."))
	if !errors.Is(err, core.ErrInterrupted) {
		t.Fatalf("err = %v, want ErrInterrupted", err)
	}
	if d := time.Since(start); d > 2*time.Second {
		t.Errorf("interrupt took %v", d)
	}

	resp, err := rt.Invoke(context.Background(), req(2, "example.test."))
	if err != nil {
		t.Fatalf("Invoke after interrupt: %v", err)
	}
	if resp.Answers[0].Data != `"2"` {
		t.Errorf("follow-up got answer %s", resp.Answers[0].Data)
	}
}

func TestRuntime_CloseInterruptsRunningInvocation(t *testing.T) {
	f := newFakeEngine()
	rt := startFake(t, f, RuntimeOptions{ExecutionTimeout: time.Hour})

	errc := make(chan error, 1)
	go func() {
		_, err := rt.Invoke(context.Background(), req(1, "spin.test."))
		errc <- err
	}()
	waitFor(t, func() bool { return f.active.Load() == 1 })

	closed := make(chan struct{})
	go func() {
		rt.Close()
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("Close blocked on a looping invocation")
	}
	if err := <-errc; err == nil {
		t.Error("interrupted invocation reported success")
	}
	if !f.closed.Load() {
		t.Error("engine not closed")
	}
}

func TestStartRuntimeSource_CancelDuringEvaluate(t *testing.T) {
	f := newFakeEngine()
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := StartRuntimeSource(ctx, "entry.js", "spin", RuntimeOptions{
		ExecutionTimeout: time.Hour,
		Logger:           discardLogger(),
		newEngine:        func(core.EngineConfig, core.Bindings) (core.Engine, error) { return f, nil },
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want DeadlineExceeded", err)
	}
	if d := time.Since(start); d > 2*time.Second {
		t.Errorf("StartRuntimeSource returned after %v", d)
	}
	if !f.closed.Load() {
		t.Error("engine not closed after cancelled start")
	}
}

func TestRuntime_EvaluateTimeout(t *testing.T) {
	f := newFakeEngine()
	_, err := StartRuntimeSource(context.Background(), "entry.js", "spin", RuntimeOptions{
		ExecutionTimeout: 50 * time.Millisecond,
		Logger:           discardLogger(),
		newEngine:        func(core.EngineConfig, core.Bindings) (core.Engine, error) { return f, nil },
	})
	var ierr *core.EngineInitError
	if !errors.As(err, &ierr) || ierr.Phase != "evaluate" {
		t.Fatalf("err = %v, want EngineInitError in evaluate", err)
	}
	if !errors.Is(err, core.ErrInterrupted) {
		t.Errorf("err = %v, want ErrInterrupted in chain", err)
	}
}

func TestRuntime_RealEngineInterruptsInfiniteLoop(t *testing.T) {
	src := `
addEventListener('resolv', function(e) {
	if (e.request.queries[0].name === 'spin.test.') { for (;;) {} }
});
respond("A", "1.2.3.4");`
	rt, err := StartRuntimeSource(context.Background(), "entry.js", src, RuntimeOptions{
		ExecutionTimeout: 200 * time.Millisecond,
		Logger:           discardLogger(),
	})
	if err != nil {
		t.Fatalf("StartRuntimeSource: %v", err)
	}
	defer rt.Close()

	_, err = rt.Invoke(context.Background(), req(1, "spin.test."))
	var serr *core.ScriptError
	if !errors.As(err, &serr) || !errors.Is(err, core.ErrInterrupted) {
		t.Fatalf("err = %v, want interrupted ScriptError", err)
	}

	resp, err := rt.Invoke(context.Background(), req(2, "example.test."))
	if err != nil {
		t.Fatalf("Invoke after loop: %v", err)
	}
	if len(resp.Answers) != 1 || resp.Answers[0].Data != "1.2.3.4" {
		t.Fatalf("answers = %+v", resp.Answers)
	}
	if rt.Err() != nil {
		t.Errorf("runtime stopped: %v", rt.Err())
	}
}

func TestStartRuntimeSource_RealEngine(t *testing.T) {
	rt, err := StartRuntimeSource(context.Background(), "entry.js", `respond("A", "1.2.3.4");`, RuntimeOptions{
		Logger: discardLogger(),
	})
	if err != nil {
		t.Fatalf("StartRuntimeSource: %v", err)
	}
	defer rt.Close()

	resp, err := rt.Invoke(context.Background(), req(9, "example.test."))
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if len(resp.Answers) != 1 || resp.Answers[0].Data != "1.2.3.4" {
		t.Fatalf("answers = %+v", resp.Answers)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(time.Millisecond)
	}
}
