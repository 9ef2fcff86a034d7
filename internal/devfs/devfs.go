// Package devfs implements the handful of character devices every
// booted kernel needs mounted at /dev: the null/zero/console node
// trio the console syscall path depends on.
package devfs

import (
	"fmt"
	"io"

	"lyrekernel/internal/defs"
	"lyrekernel/internal/fdops"
)

type nullOps struct{}

func (nullOps) Close() defs.Err_t  { return 0 }
func (nullOps) Reopen() defs.Err_t { return 0 }
func (nullOps) Fstat(st fdops.StatStore) defs.Err_t {
	st.Wmode(0666)
	return 0
}
func (nullOps) Lseek(int, int) (int, defs.Err_t) { return 0, 0 }
func (nullOps) Mmapi(int, int, bool) ([]fdops.MmapInfo, defs.Err_t) {
	return nil, -defs.ENODEV
}
func (nullOps) Msync() defs.Err_t                       { return 0 }
func (nullOps) Read(fdops.Userio_i) (int, defs.Err_t)   { return 0, 0 }
func (nullOps) Write(u fdops.Userio_i) (int, defs.Err_t) {
	return u.Remain(), 0 // discard, report everything consumed
}
func (nullOps) Truncate(uint) defs.Err_t               { return 0 }
func (nullOps) Pread(fdops.Userio_i, int) (int, defs.Err_t)  { return 0, 0 }
func (nullOps) Pwrite(u fdops.Userio_i, offset int) (int, defs.Err_t) {
	return u.Remain(), 0
}
func (nullOps) Fullpath() (string, defs.Err_t) { return "/dev/null", 0 }
func (nullOps) Poll(want fdops.Ready_t) (fdops.Ready_t, defs.Err_t) {
	return want, 0
}

type zeroOps struct{ nullOps }

func (zeroOps) Read(dst fdops.Userio_i) (int, defs.Err_t) {
	buf := make([]byte, 4096)
	n, err := dst.Uiowrite(buf)
	return n, err
}
func (zeroOps) Pread(dst fdops.Userio_i, offset int) (int, defs.Err_t) {
	return zeroOps{}.Read(dst)
}

// consoleOps writes through to w (the kernel's log sink) and always
// reads as empty, since this hosted simulation has no real tty input.
type consoleOps struct {
	nullOps
	w io.Writer
}

func (c consoleOps) Write(src fdops.Userio_i) (int, defs.Err_t) {
	buf := make([]byte, src.Remain())
	n, err := src.Uioread(buf)
	if err != 0 {
		return n, err
	}
	fmt.Fprint(c.w, string(buf[:n]))
	return n, 0
}
func (c consoleOps) Pwrite(src fdops.Userio_i, offset int) (int, defs.Err_t) {
	return c.Write(src)
}
func (c consoleOps) Fullpath() (string, defs.Err_t) { return "/dev/console", 0 }

/// Null returns an Fdops_i matching /dev/null semantics: reads EOF,
/// writes discard.
func Null() fdops.Fdops_i { return nullOps{} }

/// Zero returns an Fdops_i matching /dev/zero semantics: reads return
/// zero bytes, writes discard.
func Zero() fdops.Fdops_i { return zeroOps{} }

/// Console returns an Fdops_i that writes through to w, the kernel's
/// log sink (internal/klog in production).
func Console(w io.Writer) fdops.Fdops_i { return consoleOps{w: w} }
