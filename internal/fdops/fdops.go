// Package fdops defines the narrow interfaces the VFS descriptor layer
// (internal/fd, internal/res) and its callers share: a way to move
// bytes between kernel and "user" buffers, and the operation table a
// file descriptor dispatches through. vm.Userbuf_t is the concrete
// Uioread/Uiowrite implementation.
package fdops

import "lyrekernel/internal/defs"

/// Userio_i abstracts a user-memory buffer so kernel code (pipes,
/// circular buffers, resources) can read from or write into it without
/// depending on the VMM directly.
type Userio_i interface {
	// Uioread copies from the user buffer into dst, returning the
	// number of bytes copied.
	Uioread(dst []uint8) (int, defs.Err_t)
	// Uiowrite copies from src into the user buffer.
	Uiowrite(src []uint8) (int, defs.Err_t)
	// Remain returns the number of bytes left in the buffer.
	Remain() int
	// Totalsz returns the buffer's original total size.
	Totalsz() int
}

/// MmapInfo describes one page mapped in response to Mmapi.
type MmapInfo struct {
	Pg   uintptr
	Phys uintptr
}

/// Ready_t is a bitset of readiness conditions, mirroring poll(2).
type Ready_t uint

const (
	POLLIN  Ready_t = 1 << 0
	POLLOUT Ready_t = 1 << 1
	POLLERR Ready_t = 1 << 2
	POLLHUP Ready_t = 1 << 3
)

/// Fdops_i is the operation table every resource-backed descriptor
/// dispatches through. Concrete resources (tmpfs files, devfs nodes,
/// pipes, block devices) implement it directly; sockets implement the
/// richer Sock_i below.
type Fdops_i interface {
	Close() defs.Err_t
	Fstat(StatStore) defs.Err_t
	Lseek(offset, whence int) (int, defs.Err_t)
	Mmapi(offset, length int, inhibit bool) ([]MmapInfo, defs.Err_t)
	Msync() defs.Err_t
	Read(Userio_i) (int, defs.Err_t)
	Write(Userio_i) (int, defs.Err_t)
	Reopen() defs.Err_t
	Truncate(newlen uint) defs.Err_t
	Pread(dst Userio_i, offset int) (int, defs.Err_t)
	Pwrite(src Userio_i, offset int) (int, defs.Err_t)
	Fullpath() (string, defs.Err_t)
	Poll(want Ready_t) (Ready_t, defs.Err_t)
}

/// Sock_i extends Fdops_i with the BSD socket calls. UDP,
/// TCP and UNIX-domain sockets all implement it; Read/Write on a
/// Sock_i behave as zero-flag Recvmsg/Sendmsg.
type Sock_i interface {
	Fdops_i
	Accept(fromaddr Userio_i) (Sock_i, uint, defs.Err_t)
	Bind(saddr []uint8) defs.Err_t
	Connect(saddr []uint8) defs.Err_t
	Listen(backlog int) (Sock_i, defs.Err_t)
	Sendmsg(src Userio_i, toaddr []uint8, flags int) (int, defs.Err_t)
	Recvmsg(dst Userio_i, fromaddr Userio_i, flags int) (int, int, defs.Err_t)
	Getsockopt(level, opt int, bufarg Userio_i, intarg int) (int, defs.Err_t)
	Setsockopt(level, opt int, bufarg Userio_i, intarg int) defs.Err_t
	Shutdown(read, write bool) defs.Err_t
	Getsockname() ([]uint8, defs.Err_t)
	Getpeername() ([]uint8, defs.Err_t)
}

/// StatStore mirrors the fields internal/stat.Stat_t exposes, declared
/// here (rather than importing internal/stat) to avoid a dependency
/// cycle between fdops and the filesystem packages that implement
/// Fdops_i and also want to populate a Stat_t.
type StatStore interface {
	Wdev(uint)
	Wino(uint)
	Wmode(uint)
	Wsize(uint)
	Wrdev(uint)
}
