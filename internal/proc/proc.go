// Package proc implements the process model: pid/ppid identity, the
// owned address space and descriptor table, cwd, umask, the
// per-process anonymous-mmap base, fork, exit/wait reaping, and the
// futex table. Thread lifecycle is delegated to internal/sched.
package proc

import (
	"context"
	"encoding/binary"
	"sync"
	"sync/atomic"

	"lyrekernel/internal/defs"
	"lyrekernel/internal/event"
	"lyrekernel/internal/fd"
	"lyrekernel/internal/limits"
	"lyrekernel/internal/mem"
	"lyrekernel/internal/sched"
	"lyrekernel/internal/ustr"
	"lyrekernel/internal/vm"
)

// mmapAnonStart is where a fresh process's anonymous-mmap allocations
// begin; each Mmap bumps the base by length plus one guard page.
const mmapAnonStart = 0x40000000

/// Utsname_t is the uname(2) result.
type Utsname_t struct {
	Sysname  string
	Nodename string
	Release  string
	Version  string
	Machine  string
}

/// Proc_t is one process: the owner of an address space, a descriptor
/// table, a cwd, and a set of threads.
type Proc_t struct {
	Pid  defs.Pid_t
	Ppid defs.Pid_t
	Name string

	mu     sync.Mutex
	Aspace *vm.AS
	Fds    *fd.Table_t
	Cwd    *fd.Cwd_t
	umask  uint32

	mmapAnonBase uintptr

	threads  []*sched.Thread_t
	children map[defs.Pid_t]*Proc_t

	dead   bool
	status int

	// childEvent fires when any child of this process exits, waking a
	// blocked Wait
	childEvent event.Event_t

	table *Table_t
}

/// Table_t is the kernel-wide process table plus the futex map shared
/// by every process. Futexes key on physical addresses, so a shared
/// mapping's futex is visible across address spaces.
type Table_t struct {
	mu      sync.Mutex
	procs   map[defs.Pid_t]*Proc_t
	nextPid int64

	pmm   *mem.PMM
	sched *sched.Sched_t

	futexMu sync.Mutex
	futexes map[mem.Pa_t]*event.Event_t
}

/// NewTable builds an empty process table over pmm and s.
func NewTable(pmm *mem.PMM, s *sched.Sched_t) *Table_t {
	return &Table_t{
		procs:   map[defs.Pid_t]*Proc_t{},
		pmm:     pmm,
		sched:   s,
		futexes: map[mem.Pa_t]*event.Event_t{},
	}
}

/// Scheduler returns the thread table processes spawn through.
func (t *Table_t) Scheduler() *sched.Sched_t { return t.sched }

/// NewProc allocates a fresh process with an empty address space and
/// descriptor table, cwd at "/", and the default umask.
func (t *Table_t) NewProc(name string) (*Proc_t, defs.Err_t) {
	t.mu.Lock()
	if len(t.procs) >= limits.Syslimit.Sysprocs {
		t.mu.Unlock()
		limits.Lhits++
		return nil, -defs.EAGAIN
	}
	t.mu.Unlock()

	as, err := vm.NewAS(t.pmm)
	if err != 0 {
		return nil, err
	}
	p := &Proc_t{
		Pid:          defs.Pid_t(atomic.AddInt64(&t.nextPid, 1)),
		Name:         name,
		Aspace:       as,
		Fds:          fd.NewTable(),
		Cwd:          &fd.Cwd_t{Path: ustr.MkUstrRoot()},
		umask:        0o022,
		mmapAnonBase: mmapAnonStart,
		children:     map[defs.Pid_t]*Proc_t{},
		table:        t,
	}
	t.mu.Lock()
	t.procs[p.Pid] = p
	t.mu.Unlock()
	return p, 0
}

/// Lookup returns the process registered under pid.
func (t *Table_t) Lookup(pid defs.Pid_t) (*Proc_t, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.procs[pid]
	return p, ok
}

/// Count returns the number of live processes.
func (t *Table_t) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.procs)
}

/// Fork clones p: a copy-on-write duplicate of its address space, a
/// descriptor table whose slots share p's open-file-descriptions, and
/// the same cwd, umask, and anonymous-mmap base. The child starts with
/// no threads; the caller spawns its first one.
func (p *Proc_t) Fork(name string) (*Proc_t, defs.Err_t) {
	t := p.table
	t.mu.Lock()
	if len(t.procs) >= limits.Syslimit.Sysprocs {
		t.mu.Unlock()
		limits.Lhits++
		return nil, -defs.EAGAIN
	}
	t.mu.Unlock()

	cas, err := p.Aspace.Fork()
	if err != 0 {
		return nil, err
	}

	p.mu.Lock()
	child := &Proc_t{
		Pid:          defs.Pid_t(atomic.AddInt64(&t.nextPid, 1)),
		Ppid:         p.Pid,
		Name:         name,
		Aspace:       cas,
		Fds:          p.Fds.Clone(),
		Cwd:          &fd.Cwd_t{Fd: p.Cwd.Fd, Path: append(ustr.Ustr(nil), p.Cwd.Path...)},
		umask:        p.umask,
		mmapAnonBase: p.mmapAnonBase,
		children:     map[defs.Pid_t]*Proc_t{},
		table:        t,
	}
	p.children[child.Pid] = child
	p.mu.Unlock()

	t.mu.Lock()
	t.procs[child.Pid] = child
	t.mu.Unlock()
	return child, 0
}

/// StartThread spawns fn as a new thread of p.
func (p *Proc_t) StartThread(fn func(ctx context.Context)) *sched.Thread_t {
	th := p.table.sched.NewUserThread(fn)
	p.mu.Lock()
	p.threads = append(p.threads, th)
	p.mu.Unlock()
	return th
}

/// MmapAnon maps length bytes of zeroed anonymous memory at the next
/// free anonymous base, bumping it by the rounded length plus one
/// guard page, and returns the chosen address.
func (p *Proc_t) MmapAnon(length int, perms mem.Pa_t, shared bool) (uintptr, defs.Err_t) {
	if length <= 0 {
		return 0, -defs.EINVAL
	}
	rounded := (length + mem.PGSIZE - 1) &^ (mem.PGSIZE - 1)
	p.mu.Lock()
	base := p.mmapAnonBase
	p.mmapAnonBase += uintptr(rounded) + uintptr(mem.PGSIZE)
	p.mu.Unlock()
	mt := vm.VANON
	if shared {
		mt = vm.VSANON
	}
	if err := p.Aspace.Mmap(int(base), rounded, perms, mt, nil, 0, shared); err != 0 {
		return 0, err
	}
	return base, 0
}

/// Umask replaces the process umask and returns the previous value.
func (p *Proc_t) Umask(mask uint32) uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	old := p.umask
	p.umask = mask & 0o777
	return old
}

/// CurUmask reads the process umask.
func (p *Proc_t) CurUmask() uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.umask
}

/// Exit terminates p: kills its threads, closes every descriptor,
/// frees its address space, records status, and wakes the parent's
/// Wait. The process stays in its parent's children map as a zombie
/// until reaped.
func (p *Proc_t) Exit(status int) {
	p.mu.Lock()
	if p.dead {
		p.mu.Unlock()
		return
	}
	p.dead = true
	p.status = status
	threads := p.threads
	p.threads = nil
	p.mu.Unlock()

	for _, th := range threads {
		p.table.sched.Kill(th)
	}
	p.Fds.CloseAll()
	p.Aspace.Free()

	if parent, ok := p.table.Lookup(p.Ppid); ok {
		parent.childEvent.Trigger(false)
	}
}

/// Dead reports whether p has exited.
func (p *Proc_t) Dead() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dead
}

/// Wait reaps one exited child, blocking until one exists. Returns
/// the child's pid and exit status.
func (p *Proc_t) Wait(ctx context.Context) (defs.Pid_t, int, defs.Err_t) {
	for {
		p.mu.Lock()
		if len(p.children) == 0 {
			p.mu.Unlock()
			return 0, 0, -defs.EINVAL // ECHILD shape; EINVAL is the closest in the table
		}
		for pid, c := range p.children {
			if c.Dead() {
				delete(p.children, pid)
				p.mu.Unlock()
				p.table.mu.Lock()
				delete(p.table.procs, pid)
				p.table.mu.Unlock()
				c.mu.Lock()
				st := c.status
				c.mu.Unlock()
				return pid, st, 0
			}
		}
		p.mu.Unlock()
		if _, err := event.Await(ctx, []*event.Event_t{&p.childEvent}, true); err != 0 {
			return 0, 0, -defs.EINTR
		}
	}
}

/// Uname reports the kernel's identity, matching syscall_uname's
/// fixed strings.
func Uname() Utsname_t {
	return Utsname_t{
		Sysname:  "Lyre",
		Nodename: "lyre",
		Release:  "0.0.1",
		Version:  "lyrekernel",
		Machine:  "x86_64",
	}
}

// loadInt reads the 4-byte little-endian value at va in p's address
// space, faulting the page in first if it has not been touched yet
// (the "*(volatile int *)ptr" touch in syscall_futex_wake).
func (p *Proc_t) loadInt(va uintptr) (int32, bool) {
	if _, ok := p.Aspace.Virt2phys(va); !ok {
		if err := p.Aspace.PageFault(va, false); err != 0 {
			return 0, false
		}
	}
	phys, ok := p.Aspace.Virt2phys(va)
	if !ok {
		return 0, false
	}
	page := p.table.pmm.Dmap(phys &^ mem.PGOFFSET)
	off := int(phys & mem.PGOFFSET)
	return int32(binary.LittleEndian.Uint32(page[off : off+4])), true
}

// futexEvent returns (creating on demand) the event keyed by phys.
func (t *Table_t) futexEvent(phys mem.Pa_t) (*event.Event_t, defs.Err_t) {
	t.futexMu.Lock()
	defer t.futexMu.Unlock()
	if ev, ok := t.futexes[phys]; ok {
		return ev, 0
	}
	if len(t.futexes) >= limits.Syslimit.Futexes {
		limits.Lhits++
		return nil, -defs.ENOMEM
	}
	ev := &event.Event_t{}
	t.futexes[phys] = ev
	return ev, 0
}

/// FutexWait blocks p's calling thread until a FutexWake on the same
/// address, provided the int at va still holds expected (EAGAIN
/// otherwise, exactly syscall_futex_wait's check).
func (t *Table_t) FutexWait(ctx context.Context, p *Proc_t, va uintptr, expected int32) defs.Err_t {
	val, ok := p.loadInt(va)
	if !ok {
		return -defs.EFAULT
	}
	if val != expected {
		return -defs.EAGAIN
	}
	phys, ok := p.Aspace.Virt2phys(va)
	if !ok {
		return -defs.EFAULT
	}
	ev, err := t.futexEvent(phys)
	if err != 0 {
		return err
	}
	if _, aerr := event.Await(ctx, []*event.Event_t{ev}, true); aerr != 0 {
		return -defs.EINTR
	}
	return 0
}

/// FutexWake wakes every waiter on the futex at va in p's address
/// space. Waking with no waiters is a no-op, not a stored wakeup.
func (t *Table_t) FutexWake(p *Proc_t, va uintptr) defs.Err_t {
	// make sure the page isn't demand paged
	if _, ok := p.loadInt(va); !ok {
		return -defs.EFAULT
	}
	phys, ok := p.Aspace.Virt2phys(va)
	if !ok {
		return -defs.EFAULT
	}
	t.futexMu.Lock()
	ev, ok := t.futexes[phys]
	t.futexMu.Unlock()
	if !ok {
		return 0
	}
	ev.Trigger(true)
	return 0
}
