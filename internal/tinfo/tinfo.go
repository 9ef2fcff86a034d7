// Package tinfo tracks per-thread kernel state: whether a thread has
// been killed, and the condition variable other threads use to wait
// for it to notice. There is no portable hook for implicit
// per-goroutine storage, so the "current thread" is carried
// explicitly on a context.Context, the idiomatic stand-in for
// thread-local storage in ordinary Go.
package tinfo

import (
	"context"
	"sync"

	"lyrekernel/internal/defs"
)

/// Tnote_t stores per-thread state used by the scheduler.
type Tnote_t struct {
	State    interface{}
	Alive    bool
	Killed   bool
	Isdoomed bool
	// protects Killed, Killnaps.Cond and Kerr, and is a leaf lock
	sync.Mutex
	Killnaps struct {
		Killch chan bool
		Cond   *sync.Cond
		Kerr   defs.Err_t
	}
}

/// Doomed reports whether the thread is marked as doomed.
func (t *Tnote_t) Doomed() bool {
	t.Lock()
	defer t.Unlock()
	return t.Isdoomed
}

/// Threadinfo_t tracks all live thread notes, keyed by tid.
type Threadinfo_t struct {
	sync.Mutex
	Notes map[defs.Tid_t]*Tnote_t
}

/// Init initializes the thread info map.
func (t *Threadinfo_t) Init() {
	t.Notes = make(map[defs.Tid_t]*Tnote_t)
}

/// Add registers a new thread note under tid.
func (t *Threadinfo_t) Add(tid defs.Tid_t, n *Tnote_t) {
	t.Lock()
	defer t.Unlock()
	t.Notes[tid] = n
}

/// Remove drops the thread note for tid.
func (t *Threadinfo_t) Remove(tid defs.Tid_t) {
	t.Lock()
	defer t.Unlock()
	delete(t.Notes, tid)
}

type ctxkey struct{}

/// WithCurrent attaches note as the thread note carried by ctx.
func WithCurrent(ctx context.Context, note *Tnote_t) context.Context {
	return context.WithValue(ctx, ctxkey{}, note)
}

/// Current returns the thread note carried by ctx, panicking if the
/// context was never tagged with one.
func Current(ctx context.Context) *Tnote_t {
	n, ok := ctx.Value(ctxkey{}).(*Tnote_t)
	if !ok || n == nil {
		panic("nuts: no thread note on context")
	}
	return n
}
