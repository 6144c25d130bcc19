package flydns

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	goruntime "runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cryguy/flydns/internal/core"
)

// ErrRuntimeClosed is returned by Invoke once the runtime has stopped.
var ErrRuntimeClosed = errors.New("runtime is closed")

const (
	defaultQueueSize        = 1024
	defaultExecutionTimeout = 5 * time.Second

	// closeInterruptEvery paces the interrupts Close sends while the owner
	// goroutine is still inside the engine.
	closeInterruptEvery = 50 * time.Millisecond
)

// RuntimeOptions configures a Runtime.
type RuntimeOptions struct {
	Engine   core.EngineConfig
	Bindings core.Bindings

	// QueueSize bounds the number of invocations waiting for the engine.
	QueueSize int

	// ExecutionTimeout caps each stretch of script execution: evaluating
	// the entry script, one invocation, or one event loop tick. Script
	// still running when it expires is interrupted. The caller's context
	// deadline applies to an invocation when it is earlier.
	ExecutionTimeout time.Duration

	Logger *slog.Logger

	// newEngine overrides the build-tag selected engine constructor.
	newEngine func(core.EngineConfig, core.Bindings) (core.Engine, error)
}

type invocation struct {
	ctx      context.Context
	req      *core.Request
	deadline time.Time
	reply    chan invocationResult
}

type invocationResult struct {
	resp *core.Response
	err  error
}

// Runtime owns the process's script engine. The engine is created, loaded
// and driven by one goroutine locked to its OS thread; every other
// goroutine reaches it through Invoke, which queues the request and waits
// for the owner to answer it.
type Runtime struct {
	jobs        chan *invocation
	quit        chan struct{}
	done        chan struct{}
	closeOnce   sync.Once
	execTimeout time.Duration
	logger      *slog.Logger

	// interrupt stops the engine's running script; nil until it exists.
	interrupt atomic.Pointer[func()]

	err error // set by the owner goroutine before done is closed
}

// StartRuntime bundles the script at entryPath and starts a runtime that
// evaluates it. It returns once the entry script has been evaluated.
func StartRuntime(ctx context.Context, entryPath string, opts RuntimeOptions) (*Runtime, error) {
	source, err := BundleEntry(entryPath)
	if err != nil {
		return nil, &core.EngineInitError{Phase: "bundle", Err: err}
	}
	return StartRuntimeSource(ctx, filepath.Base(entryPath), source, opts)
}

// StartRuntimeSource starts a runtime that evaluates source under label.
// Engine creation and evaluation failures are returned as
// *core.EngineInitError.
func StartRuntimeSource(ctx context.Context, label, source string, opts RuntimeOptions) (*Runtime, error) {
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	if opts.ExecutionTimeout <= 0 {
		opts.ExecutionTimeout = defaultExecutionTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Bindings.Logger == nil {
		opts.Bindings.Logger = opts.Logger
	}
	factory := opts.newEngine
	if factory == nil {
		factory = newEngine
	}

	r := &Runtime{
		jobs:        make(chan *invocation, opts.QueueSize),
		quit:        make(chan struct{}),
		done:        make(chan struct{}),
		execTimeout: opts.ExecutionTimeout,
		logger:      opts.Logger,
	}

	ready := make(chan error, 1)
	go r.run(label, source, opts, factory, ready)

	select {
	case err := <-ready:
		if err != nil {
			<-r.done
			return nil, err
		}
		return r, nil
	case <-ctx.Done():
		r.Close()
		return nil, ctx.Err()
	}
}

func (r *Runtime) run(label, source string, opts RuntimeOptions, factory func(core.EngineConfig, core.Bindings) (core.Engine, error), ready chan<- error) {
	goruntime.LockOSThread()
	defer goruntime.UnlockOSThread()
	defer close(r.done)

	eng, err := r.initEngine(label, source, opts, factory)
	if err != nil {
		r.err = err
		ready <- err
		return
	}
	defer eng.Close()
	ready <- nil

	r.err = r.serve(eng)
	if r.err != nil {
		r.logger.Error("runtime stopped", "error", r.err)
	}
	r.drain()
}

// initEngine runs the create, bootstrap and evaluate phases.
func (r *Runtime) initEngine(label, source string, opts RuntimeOptions, factory func(core.EngineConfig, core.Bindings) (core.Engine, error)) (eng core.Engine, err error) {
	phase := "create"
	defer func() {
		if p := recover(); p != nil {
			if eng != nil {
				eng.Close()
				eng = nil
			}
			err = &core.EngineInitError{Phase: phase, Err: fmt.Errorf("panic: %v", p)}
		}
	}()

	eng, err = factory(opts.Engine, opts.Bindings)
	if err != nil {
		return nil, &core.EngineInitError{Phase: phase, Err: err}
	}
	stop := eng.Interrupt
	r.interrupt.Store(&stop)
	phase = "bootstrap"
	if err := eng.Bootstrap(); err != nil {
		eng.Close()
		return nil, &core.EngineInitError{Phase: phase, Err: err}
	}
	phase = "evaluate"
	watchdog := time.AfterFunc(opts.ExecutionTimeout, eng.Interrupt)
	defer watchdog.Stop()
	if err := eng.Evaluate(label, source); err != nil {
		eng.Close()
		return nil, &core.EngineInitError{Phase: phase, Err: err}
	}
	return eng, nil
}

// serve is the owner loop. Between invocations it keeps the engine's
// timers and async lookups moving.
func (r *Runtime) serve(eng core.Engine) error {
	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		next, err := r.tick(eng)
		if err != nil {
			return fmt.Errorf("event loop: %w", err)
		}

		var timerC <-chan time.Time
		if !next.IsZero() {
			timer.Reset(max(time.Until(next), 0))
			timerC = timer.C
		}

		select {
		case <-r.quit:
			return nil
		case job := <-r.jobs:
			r.execute(eng, job)
		case <-eng.Wake():
		case <-timerC:
		}
		timer.Stop()
	}
}

func (r *Runtime) tick(eng core.Engine) (next time.Time, err error) {
	watchdog := time.AfterFunc(r.execTimeout, eng.Interrupt)
	defer watchdog.Stop()
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	return eng.Tick(time.Now())
}

// execute runs one invocation. A requester that gave up while the job was
// queued is skipped; one that gives up mid-run simply never reads the
// result. Script still running at the job deadline is interrupted.
func (r *Runtime) execute(eng core.Engine, job *invocation) {
	if err := job.ctx.Err(); err != nil {
		job.reply <- invocationResult{err: err}
		return
	}
	select {
	case <-r.quit:
		job.reply <- invocationResult{err: ErrRuntimeClosed}
		return
	default:
	}
	watchdog := time.AfterFunc(time.Until(job.deadline), eng.Interrupt)
	defer watchdog.Stop()
	resp, err := invoke(eng, job)
	job.reply <- invocationResult{resp: resp, err: err}
}

func invoke(eng core.Engine, job *invocation) (resp *core.Response, err error) {
	defer func() {
		if p := recover(); p != nil {
			resp = nil
			err = &core.ScriptError{Label: "invoke", Err: fmt.Errorf("panic: %v", p)}
		}
	}()
	return eng.Invoke(job.req, job.deadline)
}

// drain fails every invocation still queued after the owner loop exits.
func (r *Runtime) drain() {
	for {
		select {
		case job := <-r.jobs:
			job.reply <- invocationResult{err: ErrRuntimeClosed}
		default:
			return
		}
	}
}

// Invoke hands req to the engine and waits for its response. Requests are
// served one at a time in the order they were queued.
func (r *Runtime) Invoke(ctx context.Context, req *core.Request) (*core.Response, error) {
	deadline := time.Now().Add(r.execTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	job := &invocation{
		ctx:      ctx,
		req:      req,
		deadline: deadline,
		reply:    make(chan invocationResult, 1),
	}

	select {
	case r.jobs <- job:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-r.done:
		return nil, ErrRuntimeClosed
	}

	select {
	case res := <-job.reply:
		return res.resp, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-r.done:
		select {
		case res := <-job.reply:
			return res.resp, res.err
		default:
			return nil, ErrRuntimeClosed
		}
	}
}

// Done is closed when the owner goroutine has stopped.
func (r *Runtime) Done() <-chan struct{} {
	return r.done
}

// Err reports why the runtime stopped. It is nil while the runtime is
// running and after a clean Close.
func (r *Runtime) Err() error {
	select {
	case <-r.done:
		return r.err
	default:
		return nil
	}
}

// Close stops the owner goroutine and releases the engine. Script that is
// still running is interrupted rather than waited for.
func (r *Runtime) Close() {
	r.closeOnce.Do(func() { close(r.quit) })

	// The owner may be about to enter the engine, so keep interrupting
	// until it is out.
	ticker := time.NewTicker(closeInterruptEvery)
	defer ticker.Stop()
	for {
		if stop := r.interrupt.Load(); stop != nil {
			(*stop)()
		}
		select {
		case <-r.done:
			return
		case <-ticker.C:
		}
	}
}
