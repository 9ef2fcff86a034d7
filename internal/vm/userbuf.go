package vm

import (
	"lyrekernel/internal/defs"
	"lyrekernel/internal/mem"
)

/// Userbuf_t walks va-by-page through an address space to read or
/// write user memory, faulting pages in on demand via an incremental
/// per-page copy loop over AS.PageFault/walk.
type Userbuf_t struct {
	as     *AS
	va     uintptr
	length int
	off    int
}

/// Mkuserbuf builds a Userbuf_t over [va, va+length) in as.
func (as *AS) Mkuserbuf(va uintptr, length int) *Userbuf_t {
	return &Userbuf_t{as: as, va: va, length: length}
}

func (u *Userbuf_t) pageFor(write bool) ([]byte, defs.Err_t) {
	va := u.va + uintptr(u.off)
	aligned := va &^ uintptr(mem.PGOFFSET)
	voff := int(va & uintptr(mem.PGOFFSET))

	u.as.Lock()
	pte, ok := u.as.walk(aligned, false)
	needfault := !ok || *pte&mem.PTE_P == 0
	if !needfault && write {
		needfault = *pte&mem.PTE_W == 0
	}
	u.as.Unlock()
	if needfault {
		if err := u.as.PageFault(va, write); err != 0 {
			return nil, err
		}
		u.as.Lock()
		pte, _ = u.as.walk(aligned, false)
		u.as.Unlock()
		if write && *pte&mem.PTE_W == 0 {
			// the first fault mapped the page copy-on-write; retry
			// the way an instruction restart would, so the write
			// fault breaks the COW before we touch the page
			if err := u.as.PageFault(va, write); err != 0 {
				return nil, err
			}
			u.as.Lock()
			pte, _ = u.as.walk(aligned, false)
			u.as.Unlock()
		}
	}
	pg := u.as.pmm.Dmap(*pte & mem.PTE_ADDR)
	return pg[voff:], 0
}

/// Uioread copies from user memory into dst.
func (u *Userbuf_t) Uioread(dst []uint8) (int, defs.Err_t) {
	n := 0
	for n < len(dst) && u.off < u.length {
		src, err := u.pageFor(false)
		if err != 0 {
			return n, err
		}
		c := copy(dst[n:], src)
		if rem := u.length - u.off; c > rem {
			c = rem
		}
		n += c
		u.off += c
	}
	return n, 0
}

/// Uiowrite copies from src into user memory.
func (u *Userbuf_t) Uiowrite(src []uint8) (int, defs.Err_t) {
	n := 0
	for n < len(src) && u.off < u.length {
		dst, err := u.pageFor(true)
		if err != 0 {
			return n, err
		}
		c := copy(dst, src[n:])
		if rem := u.length - u.off; c > rem {
			c = rem
		}
		n += c
		u.off += c
	}
	return n, 0
}

/// Remain returns the number of bytes left unread/unwritten.
func (u *Userbuf_t) Remain() int { return u.length - u.off }

/// Totalsz returns the buffer's total configured length.
func (u *Userbuf_t) Totalsz() int { return u.length }
