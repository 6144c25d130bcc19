package eventloop

import (
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/cryguy/flydns/internal/core"
)

// minInterval is the shortest period a setInterval timer may have.
const minInterval = 10 * time.Millisecond

// timerEntry is the Go side of a script timer. The callback itself stays in
// the script and is looked up by id when the timer fires.
type timerEntry struct {
	deadline time.Time
	interval time.Duration // 0 for setTimeout, >0 for setInterval
	id       int
}

// Completion is the outcome of an async operation finished off the JS
// goroutine. It is handed to globalThis.__opSettle on the next drain.
type Completion struct {
	ID      string
	Payload string
	Err     error
}

// EventLoop tracks Go-backed timers and async operations (resolv lookups)
// whose results must be delivered on the goroutine that owns the runtime.
// Complete and Wake are safe to call from any goroutine; everything that
// touches the ScriptHost must run on the owning goroutine.
type EventLoop struct {
	mu         sync.Mutex
	timers     map[int]*timerEntry
	nextID     int
	nextOp     uint64
	pendingOps map[string]struct{}
	completed  []Completion
	wake       chan struct{}
}

// New creates a new EventLoop.
func New() *EventLoop {
	return &EventLoop{
		timers:     make(map[int]*timerEntry),
		pendingOps: make(map[string]struct{}),
		wake:       make(chan struct{}, 1),
	}
}

// RegisterTimer creates a timer entry and returns its ID.
func (el *EventLoop) RegisterTimer(delay time.Duration, isInterval bool) int {
	el.mu.Lock()
	defer el.mu.Unlock()
	el.nextID++
	id := el.nextID
	if delay < 0 {
		delay = 0
	}
	entry := &timerEntry{
		deadline: time.Now().Add(delay),
		id:       id,
	}
	if isInterval {
		if delay < minInterval {
			delay = minInterval
			entry.deadline = time.Now().Add(delay)
		}
		entry.interval = delay
	}
	el.timers[id] = entry
	return id
}

// ClearTimer cancels a timer by ID.
func (el *EventLoop) ClearTimer(id int) {
	el.mu.Lock()
	defer el.mu.Unlock()
	delete(el.timers, id)
}

// StartOp registers an async operation and returns its ID. The caller must
// eventually call Complete with the same ID.
func (el *EventLoop) StartOp() string {
	el.mu.Lock()
	defer el.mu.Unlock()
	el.nextOp++
	id := "op-" + strconv.FormatUint(el.nextOp, 10)
	el.pendingOps[id] = struct{}{}
	return id
}

// Complete records the result of an async operation and wakes the owner.
// Completions for unknown IDs (for example after Reset) are dropped.
func (el *EventLoop) Complete(id, payload string, err error) {
	el.mu.Lock()
	if _, ok := el.pendingOps[id]; !ok {
		el.mu.Unlock()
		return
	}
	delete(el.pendingOps, id)
	el.completed = append(el.completed, Completion{ID: id, Payload: payload, Err: err})
	el.mu.Unlock()

	select {
	case el.wake <- struct{}{}:
	default:
	}
}

// Wake is signalled after Complete queues a result.
func (el *EventLoop) Wake() <-chan struct{} {
	return el.wake
}

// NextDeadline returns the earliest armed timer deadline.
func (el *EventLoop) NextDeadline() (time.Time, bool) {
	el.mu.Lock()
	defer el.mu.Unlock()
	var next time.Time
	found := false
	for _, t := range el.timers {
		if !found || t.deadline.Before(next) {
			next = t.deadline
			found = true
		}
	}
	return next, found
}

// HasPending returns true if there are any armed timers, outstanding async
// operations, or completions waiting to be delivered.
func (el *EventLoop) HasPending() bool {
	el.mu.Lock()
	defer el.mu.Unlock()
	return len(el.timers) > 0 || len(el.pendingOps) > 0 || len(el.completed) > 0
}

// HasPendingOps reports whether async work can still arrive through Wake.
func (el *EventLoop) HasPendingOps() bool {
	el.mu.Lock()
	defer el.mu.Unlock()
	return len(el.pendingOps) > 0 || len(el.completed) > 0
}

// RunDue delivers queued completions and fires every timer whose deadline
// is at or before now, pumping microtasks after each callback. Callback
// failures are passed to onErr and do not stop the loop; an error is
// returned only when a completion could not be handed to the host at all.
// Reports whether anything ran.
// Must be called on the runtime's goroutine (JS engines are single-threaded).
func (el *EventLoop) RunDue(rt core.ScriptHost, now time.Time, onErr func(error)) (bool, error) {
	didWork := false

	el.mu.Lock()
	completed := el.completed
	el.completed = nil
	el.mu.Unlock()

	for i, c := range completed {
		if err := stageOp(rt, c); err != nil {
			el.requeue(completed[i+1:])
			return true, err
		}
		if err := settleOp(rt, c); err != nil && onErr != nil {
			onErr(err)
		}
		rt.DrainMicrotasks()
		didWork = true
	}

	for _, id := range el.dueTimers(now) {
		if err := fireTimer(rt, id); err != nil && onErr != nil {
			onErr(err)
		}
		rt.DrainMicrotasks()
		didWork = true
	}
	return didWork, nil
}

func (el *EventLoop) requeue(rest []Completion) {
	if len(rest) == 0 {
		return
	}
	el.mu.Lock()
	el.completed = append(rest, el.completed...)
	el.mu.Unlock()
}

// dueTimers collects the IDs of expired timers in deadline order,
// rescheduling intervals and removing one-shot timers.
func (el *EventLoop) dueTimers(now time.Time) []int {
	el.mu.Lock()
	defer el.mu.Unlock()

	var due []*timerEntry
	for _, t := range el.timers {
		if !t.deadline.After(now) {
			due = append(due, t)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].deadline.Equal(due[j].deadline) {
			return due[i].id < due[j].id
		}
		return due[i].deadline.Before(due[j].deadline)
	})

	ids := make([]int, 0, len(due))
	for _, t := range due {
		ids = append(ids, t.id)
		if t.interval > 0 {
			t.deadline = now.Add(t.interval)
		} else {
			delete(el.timers, t.id)
		}
	}
	return ids
}

// fireTimer runs the script callback registered for timer id.
func fireTimer(rt core.ScriptHost, id int) error {
	if err := rt.Eval(fmt.Sprintf("__timerFire(%d)", id)); err != nil {
		return fmt.Errorf("timer %d: %w", id, err)
	}
	return nil
}

// stageOp places the completion payload where the settle script reads it.
func stageOp(rt core.ScriptHost, c Completion) error {
	payload := c.Payload
	if c.Err != nil {
		payload = c.Err.Error()
	}
	if err := rt.Define("__op_payload", payload); err != nil {
		return fmt.Errorf("op %s: staging payload: %w", c.ID, err)
	}
	return nil
}

// settleOp resolves or rejects the script promise waiting on an async
// operation with the staged payload.
func settleOp(rt core.ScriptHost, c Completion) error {
	js := fmt.Sprintf(`(function(p) { delete globalThis.__op_payload; __opSettle(%q, %t, p); })(globalThis.__op_payload)`, c.ID, c.Err == nil)
	if err := rt.Eval(js); err != nil {
		return fmt.Errorf("op %s: %w", c.ID, err)
	}
	return nil
}

// Reset clears all timers, operations and queued completions.
func (el *EventLoop) Reset() {
	el.mu.Lock()
	defer el.mu.Unlock()
	el.timers = make(map[int]*timerEntry)
	el.nextID = 0
	el.pendingOps = make(map[string]struct{})
	el.completed = nil
}
