// Package pipe implements anonymous pipes, built directly on top of
// internal/circbuf and internal/event so that a blocked reader is
// woken the instant a writer adds data, and vice versa for a full
// buffer.
package pipe

import (
	"sync"

	"context"

	"lyrekernel/internal/circbuf"
	"lyrekernel/internal/defs"
	"lyrekernel/internal/event"
	"lyrekernel/internal/fdops"
	"lyrekernel/internal/limits"
	"lyrekernel/internal/mem"
)

const pipesz = 4096

/// Pipe_t is the shared state between a pipe's read and write ends.
type Pipe_t struct {
	mu         sync.Mutex
	cb         circbuf.Circbuf_t
	readers    int
	writers    int
	readEvent  event.Event_t // triggered when data becomes available
	writeEvent event.Event_t // triggered when space becomes available
	released   bool
}

/// New allocates a pipe with both ends open, backed by m for its
/// circular buffer's page. Returns nil when the system-wide pipe
/// limit is exhausted; the caller converts that to ENOMEM.
func New(m mem.Page_i) *Pipe_t {
	if !limits.Syslimit.Pipes.Take() {
		limits.Lhits++
		return nil
	}
	p := &Pipe_t{readers: 1, writers: 1}
	p.cb.Cb_init(pipesz, m)
	return p
}

// release returns the pipe's limit slot once both ends are gone.
// Caller holds p.mu; the flag guards against a Reopen racing the last
// Close.
func (p *Pipe_t) release() {
	if p.readers == 0 && p.writers == 0 && !p.released {
		p.released = true
		limits.Syslimit.Pipes.Give()
	}
}

/// ReadEnd returns the Fdops_i for the pipe's read end.
func (p *Pipe_t) ReadEnd() fdops.Fdops_i { return &readEnd{p: p} }

/// WriteEnd returns the Fdops_i for the pipe's write end.
func (p *Pipe_t) WriteEnd() fdops.Fdops_i { return &writeEnd{p: p} }

type readEnd struct{ p *Pipe_t }

func (r *readEnd) Close() defs.Err_t {
	r.p.mu.Lock()
	r.p.readers--
	r.p.release()
	r.p.mu.Unlock()
	r.p.writeEvent.Trigger(false) // wake any writer blocked on EPIPE detection
	return 0
}
func (r *readEnd) Reopen() defs.Err_t {
	r.p.mu.Lock()
	r.p.readers++
	r.p.mu.Unlock()
	return 0
}
func (r *readEnd) Fstat(st fdops.StatStore) defs.Err_t { return 0 }
func (r *readEnd) Lseek(int, int) (int, defs.Err_t)    { return 0, -defs.ESPIPE }
func (r *readEnd) Mmapi(int, int, bool) ([]fdops.MmapInfo, defs.Err_t) {
	return nil, -defs.EINVAL
}
func (r *readEnd) Msync() defs.Err_t { return 0 }

func (r *readEnd) Read(dst fdops.Userio_i) (int, defs.Err_t) {
	p := r.p
	for {
		p.mu.Lock()
		if !p.cb.Empty() {
			n, err := p.cb.Copyout(dst)
			p.mu.Unlock()
			p.writeEvent.Trigger(false)
			return n, err
		}
		if p.writers == 0 {
			p.mu.Unlock()
			return 0, 0 // EOF
		}
		p.mu.Unlock()
		event.Await(context.Background(), []*event.Event_t{&p.readEvent}, true)
	}
}
func (r *readEnd) Pread(dst fdops.Userio_i, offset int) (int, defs.Err_t) {
	return r.Read(dst)
}
func (r *readEnd) Write(fdops.Userio_i) (int, defs.Err_t)        { return 0, -defs.EBADF }
func (r *readEnd) Pwrite(fdops.Userio_i, int) (int, defs.Err_t)  { return 0, -defs.EBADF }
func (r *readEnd) Truncate(uint) defs.Err_t                      { return -defs.EINVAL }
func (r *readEnd) Fullpath() (string, defs.Err_t)                { return "", -defs.ENOSYS }
func (r *readEnd) Poll(want fdops.Ready_t) (fdops.Ready_t, defs.Err_t) {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()
	var ready fdops.Ready_t
	if !r.p.cb.Empty() || r.p.writers == 0 {
		ready |= fdops.POLLIN & want
	}
	return ready, 0
}

type writeEnd struct{ p *Pipe_t }

func (w *writeEnd) Close() defs.Err_t {
	w.p.mu.Lock()
	w.p.writers--
	w.p.release()
	w.p.mu.Unlock()
	w.p.readEvent.Trigger(false)
	return 0
}
func (w *writeEnd) Reopen() defs.Err_t {
	w.p.mu.Lock()
	w.p.writers++
	w.p.mu.Unlock()
	return 0
}
func (w *writeEnd) Fstat(st fdops.StatStore) defs.Err_t { return 0 }
func (w *writeEnd) Lseek(int, int) (int, defs.Err_t)    { return 0, -defs.ESPIPE }
func (w *writeEnd) Mmapi(int, int, bool) ([]fdops.MmapInfo, defs.Err_t) {
	return nil, -defs.EINVAL
}
func (w *writeEnd) Msync() defs.Err_t { return 0 }

func (w *writeEnd) Write(src fdops.Userio_i) (int, defs.Err_t) {
	p := w.p
	for {
		p.mu.Lock()
		if p.readers == 0 {
			p.mu.Unlock()
			return 0, -defs.EPIPE
		}
		if !p.cb.Full() {
			n, err := p.cb.Copyin(src)
			p.mu.Unlock()
			p.readEvent.Trigger(false)
			return n, err
		}
		p.mu.Unlock()
		event.Await(context.Background(), []*event.Event_t{&p.writeEvent}, true)
	}
}
func (w *writeEnd) Pwrite(src fdops.Userio_i, offset int) (int, defs.Err_t) {
	return w.Write(src)
}
func (w *writeEnd) Read(fdops.Userio_i) (int, defs.Err_t)       { return 0, -defs.EBADF }
func (w *writeEnd) Pread(fdops.Userio_i, int) (int, defs.Err_t) { return 0, -defs.EBADF }
func (w *writeEnd) Truncate(uint) defs.Err_t                    { return -defs.EINVAL }
func (w *writeEnd) Fullpath() (string, defs.Err_t)              { return "", -defs.ENOSYS }
func (w *writeEnd) Poll(want fdops.Ready_t) (fdops.Ready_t, defs.Err_t) {
	w.p.mu.Lock()
	defer w.p.mu.Unlock()
	var ready fdops.Ready_t
	if !w.p.cb.Full() || w.p.readers == 0 {
		ready |= fdops.POLLOUT & want
	}
	return ready, 0
}
