// Package sys is the system-call boundary: one method per syscall,
// each logging DEBUG_SYSCALL_ENTER/LEAVE with the decoded errno name
// and returning a value plus a defs.Err_t, funneled into one dispatch
// type the way a syscall table funnels vectors.
package sys

import (
	"context"
	"time"

	"lyrekernel/internal/defs"
	"lyrekernel/internal/event"
	"lyrekernel/internal/fdops"
	"lyrekernel/internal/klog"
	"lyrekernel/internal/mem"
	"lyrekernel/internal/netdev"
	"lyrekernel/internal/oommsg"
	"lyrekernel/internal/pipe"
	"lyrekernel/internal/proc"
	"lyrekernel/internal/res"
	"lyrekernel/internal/socket"
	"lyrekernel/internal/stat"
	"lyrekernel/internal/stats"
	"lyrekernel/internal/tmpfs"
	"lyrekernel/internal/ustr"
	"lyrekernel/internal/vfs"
	"lyrekernel/internal/vm"
)

// Sysstats_t counts syscall traffic, dumped by the debug syscall via
// stats.Stats2String and exported as a pprof profile.
type Sysstats_t struct {
	Nopen  stats.Counter_t
	Nclose stats.Counter_t
	Nread  stats.Counter_t
	Nwrite stats.Counter_t
	Nmmap  stats.Counter_t
	Nsock  stats.Counter_t
	Nfork  stats.Counter_t
	Nsleep stats.Counter_t
}

/// Kernel_t binds every subsystem a syscall can reach: the process
/// table, the VFS, the physical allocator, the timer wheel, and the
/// adapter AF_INET sockets are created against.
type Kernel_t struct {
	Procs   *proc.Table_t
	VFS     *vfs.VFS_t
	Pmm     *mem.PMM
	Wheel   *event.Wheel
	Adapter *netdev.Adapter_t

	stats Sysstats_t
}

/// New wires a Kernel_t and starts the OOM watcher thread draining
/// oommsg.OomCh (the allocator posts there on exhaustion).
func New(procs *proc.Table_t, v *vfs.VFS_t, pmm *mem.PMM, wheel *event.Wheel, adapter *netdev.Adapter_t) *Kernel_t {
	k := &Kernel_t{Procs: procs, VFS: v, Pmm: pmm, Wheel: wheel, Adapter: adapter}
	procs.Scheduler().NewKernelThread(k.oomWatcher)
	return k
}

// oomWatcher logs every out-of-memory notification the allocator
// posts. A full kernel would pick a victim process here; reporting
// plus the allocator's own ENOMEM propagation is this core's whole
// policy.
func (k *Kernel_t) oomWatcher(ctx context.Context) {
	for {
		select {
		case msg := <-oommsg.OomCh:
			c := k.Pmm.Counters()
			klog.Info("oom: allocation of %d pages failed (used %d / usable %d)", msg.Need, c.Used, c.Usable)
			if msg.Resume != nil {
				msg.Resume <- true
			}
		case <-ctx.Done():
			return
		}
	}
}

// Buf_t adapts a kernel byte slice to fdops.Userio_i for syscalls
// whose buffers originate in kernel space (tests, the init bring-up).
type Buf_t struct {
	buf []byte
	off int
}

/// NewBuf wraps b.
func NewBuf(b []byte) *Buf_t { return &Buf_t{buf: b} }

func (u *Buf_t) Uioread(dst []uint8) (int, defs.Err_t) {
	n := copy(dst, u.buf[u.off:])
	u.off += n
	return n, 0
}
func (u *Buf_t) Uiowrite(src []uint8) (int, defs.Err_t) {
	n := copy(u.buf[u.off:], src)
	u.off += n
	return n, 0
}
func (u *Buf_t) Remain() int  { return len(u.buf) - u.off }
func (u *Buf_t) Totalsz() int { return len(u.buf) }

// resolve canonicalizes path against the process cwd (AT_FDCWD) or a
// directory descriptor's recorded path.
func (k *Kernel_t) resolve(p *proc.Proc_t, dirfd int, path ustr.Ustr) (ustr.Ustr, defs.Err_t) {
	if path.IsAbsolute() || dirfd == defs.AT_FDCWD {
		return p.Cwd.Canonicalpath(path), 0
	}
	desc, err := p.Fds.Get(dirfd)
	if err != 0 {
		return nil, err
	}
	dir, ferr := desc.Ops().Fullpath()
	if ferr != 0 {
		return nil, -defs.ENOTDIR
	}
	full := ustr.Ustr(dir).Extend(path)
	return p.Cwd.Canonicalpath(full), 0
}

// dirOps_t backs a descriptor opened on a directory: Fullpath for
// *at resolution, ChildNames for readdir, everything byte-shaped
// rejected with EISDIR.
type dirOps_t struct {
	node *vfs.Node_t
}

func (d *dirOps_t) Close() defs.Err_t  { return 0 }
func (d *dirOps_t) Reopen() defs.Err_t { return 0 }
func (d *dirOps_t) Fstat(st fdops.StatStore) defs.Err_t {
	st.Wmode(0o040000 | 0o755)
	return 0
}
func (d *dirOps_t) Lseek(int, int) (int, defs.Err_t) { return 0, -defs.EISDIR }
func (d *dirOps_t) Mmapi(int, int, bool) ([]fdops.MmapInfo, defs.Err_t) {
	return nil, -defs.ENODEV
}
func (d *dirOps_t) Msync() defs.Err_t                              { return 0 }
func (d *dirOps_t) Read(fdops.Userio_i) (int, defs.Err_t)          { return 0, -defs.EISDIR }
func (d *dirOps_t) Write(fdops.Userio_i) (int, defs.Err_t)         { return 0, -defs.EISDIR }
func (d *dirOps_t) Truncate(uint) defs.Err_t                       { return -defs.EISDIR }
func (d *dirOps_t) Pread(fdops.Userio_i, int) (int, defs.Err_t)    { return 0, -defs.EISDIR }
func (d *dirOps_t) Pwrite(fdops.Userio_i, int) (int, defs.Err_t)   { return 0, -defs.EISDIR }
func (d *dirOps_t) Fullpath() (string, defs.Err_t) {
	return vfs.Pathname(d.node).String(), 0
}
func (d *dirOps_t) Poll(want fdops.Ready_t) (fdops.Ready_t, defs.Err_t) { return 0, 0 }

/// Openat opens path relative to dirfd, honoring O_CREAT, O_EXCL,
/// O_TRUNC, O_DIRECTORY, O_NOFOLLOW, and O_CLOEXEC, and returns the
/// installed fd number.
func (k *Kernel_t) Openat(p *proc.Proc_t, dirfd int, path string, flags int, mode uint32) (int, defs.Err_t) {
	klog.SyscallEnter(int(p.Pid), "openat", dirfd, path, flags)
	fdnum, err := k.openat(p, dirfd, path, flags, mode)
	klog.SyscallLeave(int(p.Pid), "openat", fdnum, err)
	return fdnum, err
}

func (k *Kernel_t) openat(p *proc.Proc_t, dirfd int, path string, flags int, mode uint32) (int, defs.Err_t) {
	k.stats.Nopen.Inc()
	full, err := k.resolve(p, dirfd, ustr.Ustr(path))
	if err != 0 {
		return -1, err
	}
	node, err := k.VFS.Lookup(full)
	if err == -defs.ENOENT && flags&defs.O_CREAT != 0 {
		file := tmpfs.NewFile()
		node, err = k.VFS.Create(full, vfs.KindFile, func() (fdops.Fdops_i, defs.Err_t) {
			return file.Open(), 0
		})
		_ = mode &^ p.CurUmask() // mode bits are not stored per node; umask still applies
	} else if err == 0 && flags&defs.O_CREAT != 0 && flags&defs.O_EXCL != 0 {
		return -1, -defs.EEXIST
	}
	if err != 0 {
		return -1, err
	}
	if flags&defs.O_NOFOLLOW != 0 {
		raw, nerr := k.VFS.LookupNoFollow(full)
		if nerr == 0 && raw.Kind() == vfs.KindSymlink {
			return -1, -defs.ELOOP
		}
	}
	if flags&defs.O_DIRECTORY != 0 && node.Kind() != vfs.KindDir {
		return -1, -defs.ENOTDIR
	}

	var desc *res.Resource_t
	if node.Kind() == vfs.KindDir {
		if flags&defs.O_TRUNC != 0 {
			return -1, -defs.EISDIR
		}
		desc = res.New(res.KindDir, &dirOps_t{node: node})
	} else {
		kind := res.KindFile
		if node.Kind() == vfs.KindDev {
			kind = res.KindDev
		}
		var oerr defs.Err_t
		desc, oerr = node.Open(kind)
		if oerr != 0 {
			return -1, oerr
		}
		if flags&defs.O_TRUNC != 0 {
			desc.Ops().Truncate(0)
		}
	}
	return p.Fds.Install(desc, flags&defs.O_CLOEXEC != 0), 0
}

/// Close tears down a descriptor slot.
func (k *Kernel_t) Close(p *proc.Proc_t, fdnum int) defs.Err_t {
	klog.SyscallEnter(int(p.Pid), "close", fdnum)
	k.stats.Nclose.Inc()
	err := p.Fds.Close(fdnum)
	klog.SyscallLeave(int(p.Pid), "close", err.Rc(), err)
	return err
}

/// Dup duplicates a descriptor, sharing its open-file-description.
func (k *Kernel_t) Dup(p *proc.Proc_t, fdnum int) (int, defs.Err_t) {
	klog.SyscallEnter(int(p.Pid), "dup", fdnum)
	nfd, err := p.Fds.Dup(fdnum)
	klog.SyscallLeave(int(p.Pid), "dup", nfd, err)
	return nfd, err
}

/// Read fills buf from fdnum's description.
func (k *Kernel_t) Read(p *proc.Proc_t, fdnum int, buf []byte) (int, defs.Err_t) {
	klog.SyscallEnter(int(p.Pid), "read", fdnum, len(buf))
	k.stats.Nread.Inc()
	n, err := k.rw(p, fdnum, buf, false)
	klog.SyscallLeave(int(p.Pid), "read", n, err)
	return n, err
}

/// Write sends buf through fdnum's description.
func (k *Kernel_t) Write(p *proc.Proc_t, fdnum int, buf []byte) (int, defs.Err_t) {
	klog.SyscallEnter(int(p.Pid), "write", fdnum, len(buf))
	k.stats.Nwrite.Inc()
	n, err := k.rw(p, fdnum, buf, true)
	klog.SyscallLeave(int(p.Pid), "write", n, err)
	return n, err
}

func (k *Kernel_t) rw(p *proc.Proc_t, fdnum int, buf []byte, write bool) (int, defs.Err_t) {
	desc, err := p.Fds.Get(fdnum)
	if err != 0 {
		return 0, err
	}
	u := NewBuf(buf)
	if write {
		return desc.Ops().Write(u)
	}
	return desc.Ops().Read(u)
}

/// Fstat fills st from fdnum's resource.
func (k *Kernel_t) Fstat(p *proc.Proc_t, fdnum int, st *stat.Stat_t) defs.Err_t {
	klog.SyscallEnter(int(p.Pid), "stat", fdnum)
	err := p.Fds.Fstat(fdnum, st)
	klog.SyscallLeave(int(p.Pid), "stat", err.Rc(), err)
	return err
}

/// Getcwd reports the process's working directory.
func (k *Kernel_t) Getcwd(p *proc.Proc_t) (string, defs.Err_t) {
	klog.SyscallEnter(int(p.Pid), "getcwd")
	cwd := p.Cwd.Path.String()
	klog.SyscallLeave(int(p.Pid), "getcwd", len(cwd), 0)
	return cwd, 0
}

/// Chdir moves the process's working directory.
func (k *Kernel_t) Chdir(p *proc.Proc_t, path string) defs.Err_t {
	klog.SyscallEnter(int(p.Pid), "chdir", path)
	err := k.chdir(p, path)
	klog.SyscallLeave(int(p.Pid), "chdir", err.Rc(), err)
	return err
}

func (k *Kernel_t) chdir(p *proc.Proc_t, path string) defs.Err_t {
	full := p.Cwd.Canonicalpath(ustr.Ustr(path))
	node, err := k.VFS.Lookup(full)
	if err != 0 {
		return err
	}
	if node.Kind() != vfs.KindDir {
		return -defs.ENOTDIR
	}
	p.Cwd.Lock()
	p.Cwd.Path = full
	p.Cwd.Unlock()
	return 0
}

/// Readdir lists the entries of the directory opened at fdnum.
func (k *Kernel_t) Readdir(p *proc.Proc_t, fdnum int) ([]string, defs.Err_t) {
	klog.SyscallEnter(int(p.Pid), "readdir", fdnum)
	names, err := k.readdir(p, fdnum)
	klog.SyscallLeave(int(p.Pid), "readdir", len(names), err)
	return names, err
}

func (k *Kernel_t) readdir(p *proc.Proc_t, fdnum int) ([]string, defs.Err_t) {
	desc, err := p.Fds.Get(fdnum)
	if err != 0 {
		return nil, err
	}
	d, ok := desc.Ops().(*dirOps_t)
	if !ok {
		return nil, -defs.ENOTDIR
	}
	return d.node.ChildNames()
}

/// Readlinkat returns the target of the symlink at path.
func (k *Kernel_t) Readlinkat(p *proc.Proc_t, dirfd int, path string) (string, defs.Err_t) {
	klog.SyscallEnter(int(p.Pid), "readlinkat", dirfd, path)
	target, err := k.readlinkat(p, dirfd, path)
	klog.SyscallLeave(int(p.Pid), "readlinkat", len(target), err)
	return target, err
}

func (k *Kernel_t) readlinkat(p *proc.Proc_t, dirfd int, path string) (string, defs.Err_t) {
	full, err := k.resolve(p, dirfd, ustr.Ustr(path))
	if err != 0 {
		return "", err
	}
	node, err := k.VFS.LookupNoFollow(full)
	if err != 0 {
		return "", err
	}
	target, ok := node.SymlinkTarget()
	if !ok {
		return "", -defs.EINVAL
	}
	return target.String(), 0
}

/// Linkat creates a hard link.
func (k *Kernel_t) Linkat(p *proc.Proc_t, olddirfd int, oldpath string, newdirfd int, newpath string) defs.Err_t {
	klog.SyscallEnter(int(p.Pid), "linkat", oldpath, newpath)
	err := k.linkat(p, olddirfd, oldpath, newdirfd, newpath)
	klog.SyscallLeave(int(p.Pid), "linkat", err.Rc(), err)
	return err
}

func (k *Kernel_t) linkat(p *proc.Proc_t, olddirfd int, oldpath string, newdirfd int, newpath string) defs.Err_t {
	oldfull, err := k.resolve(p, olddirfd, ustr.Ustr(oldpath))
	if err != 0 {
		return err
	}
	newfull, err := k.resolve(p, newdirfd, ustr.Ustr(newpath))
	if err != 0 {
		return err
	}
	return k.VFS.Link(oldfull, newfull)
}

/// Unlinkat removes the entry at path.
func (k *Kernel_t) Unlinkat(p *proc.Proc_t, dirfd int, path string) defs.Err_t {
	klog.SyscallEnter(int(p.Pid), "unlinkat", dirfd, path)
	full, err := k.resolve(p, dirfd, ustr.Ustr(path))
	if err == 0 {
		err = k.VFS.Unlink(full)
	}
	klog.SyscallLeave(int(p.Pid), "unlinkat", err.Rc(), err)
	return err
}

/// Mkdirat creates a directory at path.
func (k *Kernel_t) Mkdirat(p *proc.Proc_t, dirfd int, path string, mode uint32) defs.Err_t {
	klog.SyscallEnter(int(p.Pid), "mkdirat", dirfd, path, mode)
	full, err := k.resolve(p, dirfd, ustr.Ustr(path))
	if err == 0 {
		_, err = k.VFS.Create(full, vfs.KindDir, nil)
	}
	klog.SyscallLeave(int(p.Pid), "mkdirat", err.Rc(), err)
	return err
}

// protPerms converts PROT_* bits into page-table permission bits.
func protPerms(prot int) mem.Pa_t {
	perms := mem.PTE_U
	if prot&defs.PROT_WRITE != 0 {
		perms |= mem.PTE_W
	}
	if prot&defs.PROT_EXEC == 0 {
		perms |= mem.PTE_NX
	}
	return perms
}

/// Mmap maps length bytes at addr (or at the process's bumped
/// anonymous base when addr is 0), anonymous or backed by fdnum's
/// resource at offset off.
func (k *Kernel_t) Mmap(p *proc.Proc_t, addr uintptr, length, prot, flags, fdnum, off int) (uintptr, defs.Err_t) {
	klog.SyscallEnter(int(p.Pid), "mmap", addr, length, prot, flags)
	base, err := k.mmap(p, addr, length, prot, flags, fdnum, off)
	klog.SyscallLeave(int(p.Pid), "mmap", int(base), err)
	return base, err
}

func (k *Kernel_t) mmap(p *proc.Proc_t, addr uintptr, length, prot, flags, fdnum, off int) (uintptr, defs.Err_t) {
	k.stats.Nmmap.Inc()
	if length <= 0 {
		return 0, -defs.EINVAL
	}
	shared := flags&defs.MAP_SHARED != 0
	if flags&defs.MAP_ANONYMOUS != 0 {
		if addr == 0 {
			return p.MmapAnon(length, protPerms(prot), shared)
		}
		if flags&defs.MAP_FIXED != 0 {
			p.Aspace.Munmap(int(addr), length)
		}
		mt := vm.VANON
		if shared {
			mt = vm.VSANON
		}
		if err := p.Aspace.Mmap(int(addr), length, protPerms(prot), mt, nil, 0, shared); err != 0 {
			return 0, err
		}
		return addr, 0
	}
	desc, err := p.Fds.Get(fdnum)
	if err != 0 {
		return 0, err
	}
	if addr == 0 {
		return 0, -defs.EINVAL // file mappings need a caller-chosen base here
	}
	if flags&defs.MAP_FIXED != 0 {
		p.Aspace.Munmap(int(addr), length)
	}
	if err := p.Aspace.Mmap(int(addr), length, protPerms(prot), vm.VFILE, desc.Ops(), off, shared); err != 0 {
		return 0, err
	}
	return addr, 0
}

/// Munmap removes the mapping at [addr, addr+length).
func (k *Kernel_t) Munmap(p *proc.Proc_t, addr uintptr, length int) defs.Err_t {
	klog.SyscallEnter(int(p.Pid), "munmap", addr, length)
	err := p.Aspace.Munmap(int(addr), length)
	klog.SyscallLeave(int(p.Pid), "munmap", err.Rc(), err)
	return err
}

/// Mprotect changes the protection of [addr, addr+length).
func (k *Kernel_t) Mprotect(p *proc.Proc_t, addr uintptr, length, prot int) defs.Err_t {
	klog.SyscallEnter(int(p.Pid), "mprotect", addr, length, prot)
	err := p.Aspace.Mprotect(int(addr), length, protPerms(prot))
	klog.SyscallLeave(int(p.Pid), "mprotect", err.Rc(), err)
	return err
}

/// Pipe creates an anonymous pipe and returns (readfd, writefd).
func (k *Kernel_t) Pipe(p *proc.Proc_t) (int, int, defs.Err_t) {
	klog.SyscallEnter(int(p.Pid), "pipe")
	pp := pipe.New(k.Pmm.AsPageAllocator())
	if pp == nil {
		klog.SyscallLeave(int(p.Pid), "pipe", -1, -defs.ENOMEM)
		return -1, -1, -defs.ENOMEM
	}
	rfd := p.Fds.Install(res.New(res.KindPipe, pp.ReadEnd()), false)
	wfd := p.Fds.Install(res.New(res.KindPipe, pp.WriteEnd()), false)
	klog.SyscallLeave(int(p.Pid), "pipe", rfd, 0)
	return rfd, wfd, 0
}

/// Socket creates a socket descriptor for (domain, typ).
func (k *Kernel_t) Socket(p *proc.Proc_t, domain, typ int) (int, defs.Err_t) {
	klog.SyscallEnter(int(p.Pid), "socket", domain, typ)
	fdnum, err := k.socket(p, domain, typ)
	klog.SyscallLeave(int(p.Pid), "socket", fdnum, err)
	return fdnum, err
}

func (k *Kernel_t) socket(p *proc.Proc_t, domain, typ int) (int, defs.Err_t) {
	k.stats.Nsock.Inc()
	var s fdops.Sock_i
	switch domain {
	case socket.AF_INET:
		switch typ {
		case socket.SOCK_DGRAM:
			s = socket.NewUDP(k.Adapter)
		case socket.SOCK_STREAM:
			s = socket.NewTCP(k.Adapter)
		default:
			return -1, -defs.EPROTOTYPE
		}
	case socket.AF_UNIX:
		if typ != socket.SOCK_STREAM && typ != socket.SOCK_DGRAM {
			return -1, -defs.EPROTOTYPE
		}
		s = socket.NewUnix()
	default:
		return -1, -defs.EPROTONOSUPPORT
	}
	return p.Fds.Install(res.New(res.KindSock, s), false), 0
}

/// Socketpair creates two connected AF_UNIX sockets.
func (k *Kernel_t) Socketpair(p *proc.Proc_t, domain, typ int) (int, int, defs.Err_t) {
	klog.SyscallEnter(int(p.Pid), "socketpair", domain, typ)
	if domain != socket.AF_UNIX {
		klog.SyscallLeave(int(p.Pid), "socketpair", -1, -defs.EOPNOTSUPP)
		return -1, -1, -defs.EOPNOTSUPP
	}
	a, b := socket.NewUnixPair()
	afd := p.Fds.Install(res.New(res.KindSock, a), false)
	bfd := p.Fds.Install(res.New(res.KindSock, b), false)
	klog.SyscallLeave(int(p.Pid), "socketpair", afd, 0)
	return afd, bfd, 0
}

// sock fetches fdnum's Sock_i, ENOTSOCK for anything else.
func (k *Kernel_t) sock(p *proc.Proc_t, fdnum int) (fdops.Sock_i, defs.Err_t) {
	desc, err := p.Fds.Get(fdnum)
	if err != 0 {
		return nil, err
	}
	s, ok := desc.Ops().(fdops.Sock_i)
	if !ok {
		return nil, -defs.ENOTSOCK
	}
	return s, 0
}

/// Bind assigns a local address to a socket.
func (k *Kernel_t) Bind(p *proc.Proc_t, fdnum int, saddr []uint8) defs.Err_t {
	klog.SyscallEnter(int(p.Pid), "bind", fdnum)
	s, err := k.sock(p, fdnum)
	if err == 0 {
		err = s.Bind(saddr)
	}
	klog.SyscallLeave(int(p.Pid), "bind", err.Rc(), err)
	return err
}

/// Connect initiates (TCP/UNIX) or records (UDP) a connection.
func (k *Kernel_t) Connect(p *proc.Proc_t, fdnum int, saddr []uint8) defs.Err_t {
	klog.SyscallEnter(int(p.Pid), "connect", fdnum)
	s, err := k.sock(p, fdnum)
	if err == 0 {
		err = s.Connect(saddr)
	}
	klog.SyscallLeave(int(p.Pid), "connect", err.Rc(), err)
	return err
}

/// Listen moves a socket into the passive-open state.
func (k *Kernel_t) Listen(p *proc.Proc_t, fdnum, backlog int) defs.Err_t {
	klog.SyscallEnter(int(p.Pid), "listen", fdnum, backlog)
	s, err := k.sock(p, fdnum)
	if err == 0 {
		_, err = s.Listen(backlog)
	}
	klog.SyscallLeave(int(p.Pid), "listen", err.Rc(), err)
	return err
}

/// Accept takes one pending connection and installs it as a new fd.
func (k *Kernel_t) Accept(p *proc.Proc_t, fdnum int, fromaddr fdops.Userio_i) (int, defs.Err_t) {
	klog.SyscallEnter(int(p.Pid), "accept", fdnum)
	nfd, err := k.accept(p, fdnum, fromaddr)
	klog.SyscallLeave(int(p.Pid), "accept", nfd, err)
	return nfd, err
}

func (k *Kernel_t) accept(p *proc.Proc_t, fdnum int, fromaddr fdops.Userio_i) (int, defs.Err_t) {
	s, err := k.sock(p, fdnum)
	if err != 0 {
		return -1, err
	}
	child, _, aerr := s.Accept(fromaddr)
	if aerr != 0 {
		return -1, aerr
	}
	return p.Fds.Install(res.New(res.KindSock, child), false), 0
}

/// Getsockname reports a socket's local address.
func (k *Kernel_t) Getsockname(p *proc.Proc_t, fdnum int) ([]uint8, defs.Err_t) {
	s, err := k.sock(p, fdnum)
	if err != 0 {
		return nil, err
	}
	return s.Getsockname()
}

/// Getpeername reports a socket's remote address.
func (k *Kernel_t) Getpeername(p *proc.Proc_t, fdnum int) ([]uint8, defs.Err_t) {
	s, err := k.sock(p, fdnum)
	if err != 0 {
		return nil, err
	}
	return s.Getpeername()
}

/// Sendmsg transmits buf, optionally to toaddr.
func (k *Kernel_t) Sendmsg(p *proc.Proc_t, fdnum int, buf []byte, toaddr []uint8, flags int) (int, defs.Err_t) {
	klog.SyscallEnter(int(p.Pid), "sendmsg", fdnum, len(buf))
	s, err := k.sock(p, fdnum)
	var n int
	if err == 0 {
		n, err = s.Sendmsg(NewBuf(buf), toaddr, flags)
	}
	klog.SyscallLeave(int(p.Pid), "sendmsg", n, err)
	return n, err
}

/// Recvmsg receives into buf, filling fromaddr when non-nil.
func (k *Kernel_t) Recvmsg(p *proc.Proc_t, fdnum int, buf []byte, fromaddr fdops.Userio_i, flags int) (int, defs.Err_t) {
	klog.SyscallEnter(int(p.Pid), "recvmsg", fdnum, len(buf))
	s, err := k.sock(p, fdnum)
	var n int
	if err == 0 {
		n, _, err = s.Recvmsg(NewBuf(buf), fromaddr, flags)
	}
	klog.SyscallLeave(int(p.Pid), "recvmsg", n, err)
	return n, err
}

/// Getsockopt reads a socket option's integer value.
func (k *Kernel_t) Getsockopt(p *proc.Proc_t, fdnum, level, opt int) (int, defs.Err_t) {
	s, err := k.sock(p, fdnum)
	if err != 0 {
		return 0, err
	}
	return s.Getsockopt(level, opt, nil, 0)
}

/// Setsockopt writes a socket option's integer value.
func (k *Kernel_t) Setsockopt(p *proc.Proc_t, fdnum, level, opt, val int) defs.Err_t {
	s, err := k.sock(p, fdnum)
	if err != 0 {
		return err
	}
	return s.Setsockopt(level, opt, nil, val)
}

/// Sleep blocks the calling thread for d, woken early only by kill.
func (k *Kernel_t) Sleep(ctx context.Context, p *proc.Proc_t, d time.Duration) defs.Err_t {
	klog.SyscallEnter(int(p.Pid), "sleep", d)
	k.stats.Nsleep.Inc()
	t := k.Wheel.New(d)
	_, err := event.Await(ctx, []*event.Event_t{t.Event()}, true)
	k.Wheel.Disarm(t)
	if err != 0 {
		klog.SyscallLeave(int(p.Pid), "sleep", -1, -defs.EINTR)
		return -defs.EINTR
	}
	klog.SyscallLeave(int(p.Pid), "sleep", 0, 0)
	return 0
}

/// Getclock reads the selected clock in nanoseconds.
func (k *Kernel_t) Getclock(p *proc.Proc_t, which int) (int64, defs.Err_t) {
	switch which {
	case defs.CLOCK_MONOTONIC:
		return k.Wheel.MonotonicNs(), 0
	case defs.CLOCK_REALTIME:
		return k.Wheel.WallClockNs(), 0
	}
	return 0, -defs.EINVAL
}

/// FutexWait blocks until a wake on the futex at va, provided it
/// still holds expected.
func (k *Kernel_t) FutexWait(ctx context.Context, p *proc.Proc_t, va uintptr, expected int32) defs.Err_t {
	klog.SyscallEnter(int(p.Pid), "futex_wait", va, expected)
	err := k.Procs.FutexWait(ctx, p, va, expected)
	klog.SyscallLeave(int(p.Pid), "futex_wait", err.Rc(), err)
	return err
}

/// FutexWake wakes the waiters on the futex at va.
func (k *Kernel_t) FutexWake(p *proc.Proc_t, va uintptr) defs.Err_t {
	klog.SyscallEnter(int(p.Pid), "futex_wake", va)
	err := k.Procs.FutexWake(p, va)
	klog.SyscallLeave(int(p.Pid), "futex_wake", err.Rc(), err)
	return err
}

/// Umask replaces the process umask, returning the old one.
func (k *Kernel_t) Umask(p *proc.Proc_t, mask uint32) uint32 {
	klog.SyscallEnter(int(p.Pid), "umask", mask)
	old := p.Umask(mask)
	klog.SyscallLeave(int(p.Pid), "umask", int(old), 0)
	return old
}

/// Uname reports the kernel identity.
func (k *Kernel_t) Uname(p *proc.Proc_t) proc.Utsname_t {
	klog.SyscallEnter(int(p.Pid), "uname")
	u := proc.Uname()
	klog.SyscallLeave(int(p.Pid), "uname", 0, 0)
	return u
}

/// Fork clones the calling process.
func (k *Kernel_t) Fork(p *proc.Proc_t, name string) (*proc.Proc_t, defs.Err_t) {
	klog.SyscallEnter(int(p.Pid), "fork")
	k.stats.Nfork.Inc()
	child, err := p.Fork(name)
	pid := -1
	if err == 0 {
		pid = int(child.Pid)
	}
	klog.SyscallLeave(int(p.Pid), "fork", pid, err)
	return child, err
}

/// Debug dumps kernel diagnostics: syscall counters (as both a text
/// dump and a pprof profile), allocator counters,
/// and process/thread census.
func (k *Kernel_t) Debug(p *proc.Proc_t) defs.Err_t {
	klog.SyscallEnter(int(p.Pid), "debug")
	c := k.Pmm.Counters()
	prof := stats.ToProfile(k.stats)
	klog.Info("debug: %d procs, %d threads, pmm used %d/%d, %d stat samples%s",
		k.Procs.Count(), k.Procs.Scheduler().Count(), c.Used, c.Usable,
		len(prof.Sample), stats.Stats2String(k.stats))
	klog.SyscallLeave(int(p.Pid), "debug", 0, 0)
	return 0
}
