// Package mem implements the physical memory manager and the
// page/pagetable types shared with the virtual memory manager
// (internal/vm).
package mem

import "unsafe"

/// PGSHIFT is the base-2 exponent for the page size.
const PGSHIFT uint = 12

/// PGSIZE is the size of a single page in bytes.
const PGSIZE int = 1 << PGSHIFT

/// PGOFFSET masks offsets within a page.
const PGOFFSET Pa_t = 0xfff

/// PGMASK masks the page number of an address.
const PGMASK Pa_t = ^(PGOFFSET)

/// Page table entry flag bits, identical across all four levels.
const (
	PTE_P   Pa_t = 1 << 0 /// present
	PTE_W   Pa_t = 1 << 1 /// writable
	PTE_U   Pa_t = 1 << 2 /// user accessible
	PTE_PCD Pa_t = 1 << 4 /// page cache disable
	PTE_PS  Pa_t = 1 << 7 /// large page
	PTE_G   Pa_t = 1 << 8 /// global
	// PTE_COW is a software-defined bit (ignored by hardware in the
	// architecture's reserved-for-OS range) marking a copy-on-write
	// private page created by fork.
	PTE_COW Pa_t = 1 << 9
	PTE_NX  Pa_t = 1 << 63 /// no-execute

	PTE_ADDR Pa_t = PGMASK
)

/// Pa_t represents a physical address.
type Pa_t uintptr

/// Bytepg_t is a byte-addressed page.
type Bytepg_t [PGSIZE]uint8

/// Pg_t is a generic page of words, used where callers want int-sized access.
type Pg_t [PGSIZE / 8]int64

/// Pmap_t is a single page-table level: 512 64-bit entries.
type Pmap_t [512]Pa_t

/// Page_i abstracts frame allocation for callers that only need single
/// pages (the slab allocator, circular buffers) and should not reach
/// into PMM internals directly.
type Page_i interface {
	Alloc() (Pa_t, *Bytepg_t, bool)
	Free(Pa_t)
}

/// Pg2bytes reinterprets a word-page as a byte page.
func Pg2bytes(pg *Pg_t) *Bytepg_t {
	return (*Bytepg_t)(unsafe.Pointer(pg))
}

/// Bytepg2pg reinterprets a byte page as a word page.
func Bytepg2pg(pg *Bytepg_t) *Pg_t {
	return (*Pg_t)(unsafe.Pointer(pg))
}

func pg2pmap(pg *Bytepg_t) *Pmap_t {
	return (*Pmap_t)(unsafe.Pointer(pg))
}
