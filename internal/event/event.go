// Package event implements the kernel's single blocking primitive
// primitive: a multi-wait Event
// with pending-count semantics, plus the timer built on top of it.
// The classic kernel shape, which this
// is a line-for-line port of in spirit: lock events in array order,
// check for already-pending events, otherwise attach listeners and
// block; event_trigger wakes every listener or bumps pending.
//
// A real kernel parks the calling thread by dequeuing it from the
// scheduler's run queue before yielding, so that the enqueue done by
// event_trigger is never missed. Userspace Go has no run queue to
// dequeue from; blocking on a channel receive plays the identical
// role (the goroutine simply isn't runnable until someone sends),
// which is what Waiter does below. "Woken by signal" is expressed
// the idiomatic Go way, via ctx.Done().
package event

import (
	"context"
	"sync"

	"lyrekernel/internal/defs"
)

const (
	maxListeners      = 32 // EVENT_MAX_LISTENERS
	maxAttachedEvents = 32 // MAX_EVENTS, enforced by callers awaiting >32 events
)

/// Waiter is a single in-flight Await call. It is shared across every
/// event in that call's array so that whichever event fires first
/// wakes the same goroutine exactly once.
type Waiter struct {
	wake chan int // buffered, capacity 1
}

func newWaiter() *Waiter {
	return &Waiter{wake: make(chan int, 1)}
}

type listener_t struct {
	w     *Waiter
	which int
}

/// Event_t is the kernel's multi-wait primitive (Data Model "Event").
type Event_t struct {
	mu        sync.Mutex
	pending   int
	listeners [maxListeners]listener_t
	nlist     int
}

func (e *Event_t) attach(w *Waiter, which int) {
	if e.nlist == maxListeners {
		panic("event listeners exhausted")
	}
	e.listeners[e.nlist] = listener_t{w, which}
	e.nlist++
}

func (e *Event_t) detach(w *Waiter) {
	for i := 0; i < e.nlist; i++ {
		if e.listeners[i].w == w {
			e.nlist--
			e.listeners[i] = e.listeners[e.nlist]
			return
		}
	}
}

func lockAll(events []*Event_t) {
	for _, ev := range events {
		ev.mu.Lock()
	}
}

func unlockAll(events []*Event_t) {
	for _, ev := range events {
		ev.mu.Unlock()
	}
}

func checkPending(events []*Event_t) int {
	for i, ev := range events {
		if ev.pending > 0 {
			ev.pending--
			return i
		}
	}
	return -1
}

/// Await blocks the calling goroutine until one of events fires, ctx
/// is done, or, if block is false, returns immediately. It returns the
/// index of the event that fired, or -1 with 0 on a non-blocking miss,
/// or -1 with EINTR (positive) if ctx was cancelled first.
func Await(ctx context.Context, events []*Event_t, block bool) (int, defs.Err_t) {
	if len(events) > maxAttachedEvents {
		panic("awaiting too many events")
	}
	lockAll(events)
	if i := checkPending(events); i != -1 {
		unlockAll(events)
		return i, 0
	}
	if !block {
		unlockAll(events)
		return -1, 0
	}
	w := newWaiter()
	for i, ev := range events {
		ev.attach(w, i)
	}
	unlockAll(events)

	var ret int
	var err defs.Err_t
	select {
	case which := <-w.wake:
		ret = which
	case <-ctx.Done():
		ret, err = -1, EINTR
	}

	lockAll(events)
	for _, ev := range events {
		ev.detach(w)
	}
	unlockAll(events)

	return ret, err
}

// EINTR is re-exported so callers of Await don't need to import defs
// just to compare against it.
const EINTR = defs.EINTR

/// Trigger wakes every attached listener (passing each its own `which`
/// index), or, if nobody is listening and drop is false, increments
/// the pending counter so the next Await observes it immediately. It
/// returns the number of listeners woken.
func (e *Event_t) Trigger(drop bool) int {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.nlist == 0 {
		if !drop {
			e.pending++
		}
		return 0
	}

	n := e.nlist
	for i := 0; i < n; i++ {
		l := e.listeners[i]
		select {
		case l.w.wake <- l.which:
		default:
			// the waiter's buffered slot is already full because a
			// sibling event in the same Await fired first; fine, this
			// listener is about to be detached anyway.
		}
	}
	e.nlist = 0
	return n
}

/// Pending reports the current pending count, for diagnostics/tests.
func (e *Event_t) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pending
}
