// Package slab implements the kernel's small-object allocator:
// ten fixed size classes from 8 to 1024 bytes, each backed by whole
// pages carved into same-sized objects threaded on a free list, with
// allocations above 1024 bytes satisfied directly from the physical
// allocator behind a small header.
package slab

import (
	"sync"
	"unsafe"

	"lyrekernel/internal/defs"
	"lyrekernel/internal/mem"
)

// sizeClasses are the ten fixed allocation sizes a Cache_t may serve;
// anything larger falls through to big-object allocation.
var sizeClasses = [10]int{8, 16, 24, 32, 48, 64, 128, 256, 512, 1024}

const bigHeaderSize = 16 // stores the original byte length, 8-byte aligned

// multiPage_i is the extra contiguous-run surface big-object
// allocation needs beyond mem.Page_i; the PMM's page allocator
// adapter provides it.
type multiPage_i interface {
	AllocPages(n int) (mem.Pa_t, bool)
	FreePages(pa mem.Pa_t, n int)
	Dmap(pa mem.Pa_t) *mem.Bytepg_t
}

type freeObj struct {
	next *freeObj
}

// cache_t is one size class: a free list threaded through unused
// object slots and the set of pages currently carved up for it.
type cache_t struct {
	sync.Mutex
	objsz int
	free  *freeObj
	pages []mem.Pa_t
}

func (c *cache_t) grow(m mem.Page_i) bool {
	pa, pg, ok := m.Alloc()
	if !ok {
		return false
	}
	c.pages = append(c.pages, pa)
	n := mem.PGSIZE / c.objsz
	base := unsafe.Pointer(pg)
	for i := 0; i < n; i++ {
		obj := (*freeObj)(unsafe.Pointer(uintptr(base) + uintptr(i*c.objsz)))
		obj.next = c.free
		c.free = obj
	}
	return true
}

func (c *cache_t) alloc(m mem.Page_i) (unsafe.Pointer, bool) {
	c.Lock()
	defer c.Unlock()
	if c.free == nil {
		if !c.grow(m) {
			return nil, false
		}
	}
	obj := c.free
	c.free = obj.next
	return unsafe.Pointer(obj), true
}

func (c *cache_t) release(p unsafe.Pointer) {
	c.Lock()
	defer c.Unlock()
	obj := (*freeObj)(p)
	obj.next = c.free
	c.free = obj
}

/// Allocator_t is the kernel-wide slab allocator: one cache_t per size
/// class, plus direct page allocation for big objects.
type Allocator_t struct {
	mem    mem.Page_i
	caches [len(sizeClasses)]*cache_t
}

/// New builds an Allocator_t backed by m (normally
/// (*mem.PMM).AsPageAllocator()).
func New(m mem.Page_i) *Allocator_t {
	a := &Allocator_t{mem: m}
	for i, sz := range sizeClasses {
		a.caches[i] = &cache_t{objsz: sz}
	}
	return a
}

func classFor(n int) int {
	for i, sz := range sizeClasses {
		if n <= sz {
			return i
		}
	}
	return -1
}

/// Alloc returns a zeroed slice of exactly n usable bytes, or a nil
/// slice with a negative errno if the allocator is out of memory.
func (a *Allocator_t) Alloc(n int) ([]byte, defs.Err_t) {
	if n <= 0 {
		panic("bad slab size")
	}
	if cls := classFor(n); cls >= 0 {
		c := a.caches[cls]
		p, ok := c.alloc(a.mem)
		if !ok {
			return nil, -defs.ENOMEM
		}
		buf := unsafe.Slice((*byte)(p), c.objsz)
		for i := range buf {
			buf[i] = 0
		}
		return buf[:n], 0
	}
	return a.allocBig(n)
}

// allocBig satisfies a >1024 byte request directly from the physical
// allocator, prefixing a header so Free knows how many pages to
// return without the caller having to remember the size.
func (a *Allocator_t) allocBig(n int) ([]byte, defs.Err_t) {
	total := n + bigHeaderSize
	npages := (total + mem.PGSIZE - 1) / mem.PGSIZE
	pmm, ok := a.mem.(multiPage_i)
	if !ok {
		return nil, -defs.ENOMEM
	}
	pa, ok := pmm.AllocPages(npages)
	if !ok {
		return nil, -defs.ENOMEM
	}
	base := unsafe.Slice((*byte)(unsafe.Pointer(pmm.Dmap(pa))), npages*mem.PGSIZE)
	hdr := (*[2]uint64)(unsafe.Pointer(&base[0]))
	hdr[0] = uint64(npages)
	hdr[1] = uint64(pa)
	return base[bigHeaderSize : bigHeaderSize+n], 0
}

/// Free returns buf, previously returned by Alloc, to its owning size
/// class or back to the physical allocator for big objects.
func (a *Allocator_t) Free(buf []byte) {
	n := cap(buf)
	if cls := classFor(n); cls >= 0 && n == sizeClasses[cls] {
		a.caches[cls].release(unsafe.Pointer(&buf[:1][0]))
		return
	}
	// big object: walk back to the header to learn the page count and
	// the frame's own physical address (stashed there by allocBig).
	ptr := unsafe.Pointer(&buf[:1][0])
	hdr := (*[2]uint64)(unsafe.Pointer(uintptr(ptr) - bigHeaderSize))
	npages := int(hdr[0])
	pa := mem.Pa_t(hdr[1])
	pmm, ok := a.mem.(multiPage_i)
	if !ok {
		return
	}
	pmm.FreePages(pa, npages)
}
