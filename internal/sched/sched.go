// Package sched implements the kernel's thread model: thread
// creation, kill/join, and a per-thread Context carrying the
// cancellation signal used by event.Await to implement "woken by
// signal", built around tinfo.Tnote_t's Alive/Killed/Isdoomed state.
//
// A real kernel's scheduler decides *which* runnable thread a CPU
// executes next, via run queues and a preemption timer. Hosted Go
// already has a scheduler doing exactly that job for goroutines, so
// internal/sched does not reimplement run-queue placement or
// preemption; "new_kernel_thread"/"new_user_thread" become `go`
// statements, and this package supplies the kernel-visible thread
// identity, lifecycle, and cancellation semantics layered on top.
package sched

import (
	"context"
	"sync"
	"sync/atomic"

	"lyrekernel/internal/accnt"
	"lyrekernel/internal/defs"
	"lyrekernel/internal/tinfo"
)

/// Thread_t is one kernel (or user) thread of control.
type Thread_t struct {
	Tid    defs.Tid_t
	Note   *tinfo.Tnote_t
	Acct   *accnt.Accnt_t
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	start  int
}

/// Context returns the thread's context, tagged with its Tnote_t so
/// blocking calls (event.Await) can recover it via tinfo.Current and
/// observe cancellation via ctx.Done() when the thread is killed.
func (t *Thread_t) Context() context.Context { return t.ctx }

/// Wait blocks until the thread's function has returned.
func (t *Thread_t) Wait() { <-t.done }

/// Rusage returns a getrusage(2)-shaped rusage snapshot for this
/// thread. Hosted Go has no timer-interrupt boundary splitting user
/// from system time, so the whole of a thread's wall-clock lifetime to
/// date is charged to Sysns (documented approximation, not a claim
/// this simulation distinguishes ring-0 from ring-3 execution).
func (t *Thread_t) Rusage() []uint8 { return t.Acct.Fetch() }

/// Sched_t is the kernel-wide thread table (Data Model "Scheduler").
type Sched_t struct {
	mu      sync.Mutex
	threads map[defs.Tid_t]*Thread_t
	next    int64
	info    tinfo.Threadinfo_t
}

/// New builds an empty thread table.
func New() *Sched_t {
	s := &Sched_t{threads: map[defs.Tid_t]*Thread_t{}}
	s.info.Init()
	return s
}

func (s *Sched_t) allocTid() defs.Tid_t {
	return defs.Tid_t(atomic.AddInt64(&s.next, 1))
}

/// NewKernelThread spawns fn as a new kernel thread and returns its
/// handle. fn is passed the thread's own context, which it must
/// thread through any blocking call it makes so that Kill can
/// interrupt it.
func (s *Sched_t) NewKernelThread(fn func(ctx context.Context)) *Thread_t {
	return s.spawn(fn)
}

/// NewUserThread is identical to NewKernelThread; with no ring
/// transition in a hosted simulation, the kernel/user distinction has
/// no referent, so both paths share one implementation.
func (s *Sched_t) NewUserThread(fn func(ctx context.Context)) *Thread_t {
	return s.spawn(fn)
}

func (s *Sched_t) spawn(fn func(ctx context.Context)) *Thread_t {
	note := &tinfo.Tnote_t{Alive: true}
	note.Killnaps.Killch = make(chan bool, 1)

	tid := s.allocTid()
	ctx, cancel := context.WithCancel(context.Background())
	ctx = tinfo.WithCurrent(ctx, note)

	acct := &accnt.Accnt_t{}
	th := &Thread_t{Tid: tid, Note: note, Acct: acct, ctx: ctx, cancel: cancel, done: make(chan struct{}), start: acct.Now()}

	s.mu.Lock()
	s.threads[tid] = th
	s.mu.Unlock()
	s.info.Add(tid, note)

	go func() {
		defer close(th.done)
		defer func() {
			acct.Finish(th.start)
			note.Lock()
			note.Alive = false
			note.Unlock()
			s.mu.Lock()
			delete(s.threads, tid)
			s.mu.Unlock()
			s.info.Remove(tid)
		}()
		fn(ctx)
	}()
	return th
}

/// Kill marks t doomed and cancels its context, waking any blocking
/// call (event.Await) it is currently parked in with EINTR.
func (s *Sched_t) Kill(t *Thread_t) {
	t.Note.Lock()
	t.Note.Killed = true
	t.Note.Isdoomed = true
	select {
	case t.Note.Killnaps.Killch <- true:
	default:
	}
	t.Note.Unlock()
	t.cancel()
}

/// Lookup returns the thread registered under tid, if still alive.
func (s *Sched_t) Lookup(tid defs.Tid_t) (*Thread_t, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	th, ok := s.threads[tid]
	return th, ok
}

/// Count returns the number of currently live threads.
func (s *Sched_t) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.threads)
}
