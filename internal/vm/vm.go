// Package vm implements the per-process virtual memory manager:
// a 4-level x86-64 page table walker, the two-layer mmap range model
// (one global range per logical mapping, one local range per address
// space viewing it), copy-on-write fork, mprotect, and a page-fault
// handler resolving anonymous, file-backed, and copy-on-write faults
// lazily.
//
// A Global_t owns the mapping's canonical faulted-in pages (the
// shadow page map) plus the list of locals viewing it; faulting a
// page into one local maps it into the shadow and into every other
// local sharing the global, so MAP_SHARED views in different address
// spaces observe each other's pages. Independent shared mappings of
// the same file converge on the same physical pages through a
// resource page cache keyed by file identity.
//
// There is no multi-CPU TLB shootdown here: this is a hosted
// simulation with one address space per process and no hardware TLB,
// so the call would have no referent. Physical-page reference
// counting lives in a small global ref-count table, since the bitmap
// PMM (internal/mem) does not track per-page refcounts itself.
package vm

import (
	"sync"

	"lyrekernel/internal/defs"
	"lyrekernel/internal/diag"
	"lyrekernel/internal/fdops"
	"lyrekernel/internal/klog"
	"lyrekernel/internal/mem"
	"lyrekernel/internal/util"
)

/// Mtype_t classifies a virtual memory region.
type Mtype_t int

const (
	VANON  Mtype_t = iota // private anonymous, copy-on-write across fork
	VSANON                // shared anonymous, never copy-on-write
	VFILE                 // file-backed, shared or private per Shared
)

/// Global_t is one logical mapping: the canonical set of faulted-in
/// pages (the shadow page map, a flat va-to-frame table since nothing
/// hardware-walks it) plus every local range viewing the mapping.
/// Faulting a page in maps it into the shadow first and then into
/// every overlapping local's page table, so all sharers observe it.
type Global_t struct {
	mu     sync.Mutex
	shadow map[uintptr]mem.Pa_t
	locals []*Region_t
	fops   fdops.Fdops_i
}

/// Region_t is one local range: a single address space's view of a
/// Global_t, carrying that view's own permissions, type, and file
/// offset.
type Region_t struct {
	Start, Len uintptr // bytes, page-aligned
	Perms      mem.Pa_t
	Mtype      Mtype_t
	Foff       uintptr
	Shared     bool

	as     *AS
	global *Global_t
}

func (r *Region_t) end() uintptr { return r.Start + r.Len }
func (r *Region_t) contains(va uintptr) bool {
	return va >= r.Start && va < r.end()
}

// private reports whether writes to this local must not reach the
// backing pages other sharers see.
func (r *Region_t) private() bool {
	return !r.Shared && (r.Mtype == VANON || r.Mtype == VFILE)
}

// global physical-page refcount table backing the COW machinery and
// the shadow/local dual ownership (see package doc). Every present
// local PTE holds one reference, every shadow entry holds one, and
// every resource page-cache entry holds one.
var (
	refMu sync.Mutex
	refs  = map[mem.Pa_t]int32{}
)

func refUp(pa mem.Pa_t) {
	refMu.Lock()
	refs[pa]++
	refMu.Unlock()
}

// refDown drops pa's refcount, freeing it back to pmm once it hits
// zero, and reports whether that happened.
func refDown(pmm *mem.PMM, pa mem.Pa_t) bool {
	refMu.Lock()
	refs[pa]--
	n := refs[pa]
	if n <= 0 {
		delete(refs, pa)
	}
	refMu.Unlock()
	if n <= 0 {
		pmm.Free(pa, 1)
		return true
	}
	return false
}

func refCount(pa mem.Pa_t) int32 {
	refMu.Lock()
	defer refMu.Unlock()
	return refs[pa]
}

// Pager_i is the optional identity hook a file resource implements so
// independent opens of the same file share one set of cached pages:
// PageKey returns a value identifying the underlying file, not the
// open (tmpfs returns its *File_t). Resources without it are cached
// per open-instance.
type Pager_i interface {
	PageKey() interface{}
}

// pageCache is the resource page cache: the physical page backing
// (file, page index), shared by every mapping that reads that page.
// Each entry holds one reference; entries live until process teardown
// of the whole simulation (no eviction, the way a real page cache
// only sheds pages under memory pressure this simulation never
// reaches).
type pagerKey struct {
	id   interface{}
	page uintptr
}

var (
	pageCacheMu sync.Mutex
	pageCache   = map[pagerKey]mem.Pa_t{}
)

func fileIdentity(fops fdops.Fdops_i) interface{} {
	if pk, ok := fops.(Pager_i); ok {
		return pk.PageKey()
	}
	return fops
}

/// AS is a process address space: a 4-level page table plus the
/// local-range list that the page-fault handler consults to decide
/// how to populate a PTE lazily.
type AS struct {
	sync.Mutex
	pmm     *mem.PMM
	PML4    mem.Pa_t
	regions []*Region_t
}

/// NewAS allocates an empty address space backed by pmm.
func NewAS(pmm *mem.PMM) (*AS, defs.Err_t) {
	pml4, ok := pmm.Alloc(1)
	if !ok {
		return nil, -defs.ENOMEM
	}
	return &AS{pmm: pmm, PML4: pml4}, 0
}

func pageIndex(va uintptr, level uint) uintptr {
	return (va >> (12 + 9*level)) & 0x1ff
}

// walk returns a pointer to the leaf (level-0) PTE for va, allocating
// intermediate table pages along the way when create is true.
func (as *AS) walk(va uintptr, create bool) (*mem.Pa_t, bool) {
	table := as.pmm.Pmap(as.PML4)
	for level := uint(3); level > 0; level-- {
		idx := pageIndex(va, level)
		entry := &table[idx]
		if *entry&mem.PTE_P == 0 {
			if !create {
				return nil, false
			}
			child, ok := as.pmm.Alloc(1)
			if !ok {
				return nil, false
			}
			*entry = child | mem.PTE_P | mem.PTE_W | mem.PTE_U
		}
		table = as.pmm.Pmap(*entry & mem.PTE_ADDR)
	}
	idx := pageIndex(va, 0)
	return &table[idx], true
}

func (as *AS) lookup(va uintptr) (*Region_t, bool) {
	for _, r := range as.regions {
		if r.contains(va) {
			return r, true
		}
	}
	return nil, false
}

/// Mmap inserts a new lazily-populated mapping: a fresh Global_t with
/// an empty shadow, viewed by one local range in this address space.
/// No physical page is touched until the first access faults it in.
func (as *AS) Mmap(start, length int, perms mem.Pa_t, mt Mtype_t, fops fdops.Fdops_i, foff int, shared bool) defs.Err_t {
	if length <= 0 || (uintptr(start|length)&uintptr(mem.PGOFFSET)) != 0 {
		return -defs.EINVAL
	}
	g := &Global_t{shadow: map[uintptr]mem.Pa_t{}, fops: fops}
	r := &Region_t{
		Start: uintptr(start), Len: uintptr(util.Roundup(length, mem.PGSIZE)),
		Perms: perms, Mtype: mt, Foff: uintptr(foff), Shared: shared,
		as: as, global: g,
	}
	g.locals = []*Region_t{r}
	as.Lock()
	as.regions = append(as.regions, r)
	as.Unlock()
	return 0
}

// detachLocal removes r from its global's local list; once the last
// local is gone the shadow's page references are released too.
func detachLocal(r *Region_t) {
	g := r.global
	g.mu.Lock()
	kept := g.locals[:0]
	for _, l := range g.locals {
		if l != r {
			kept = append(kept, l)
		}
	}
	g.locals = kept
	if len(g.locals) == 0 {
		for _, pa := range g.shadow {
			refDown(r.as.pmm, pa)
		}
		g.shadow = map[uintptr]mem.Pa_t{}
	}
	g.mu.Unlock()
}

/// Munmap removes the mapping covering [start, start+length) and
/// releases any pages that were faulted in for it.
func (as *AS) Munmap(start, length int) defs.Err_t {
	va := uintptr(start)
	end := va + uintptr(util.Roundup(length, mem.PGSIZE))

	as.Lock()
	var doomed []*Region_t
	kept := as.regions[:0]
	for _, r := range as.regions {
		if r.Start >= va && r.end() <= end {
			doomed = append(doomed, r)
			continue
		}
		kept = append(kept, r)
	}
	as.regions = kept
	as.Unlock()

	// detach before unmapping, so a concurrent fault on a sibling
	// local no longer propagates pages into this address space
	for _, r := range doomed {
		detachLocal(r)
	}
	as.Lock()
	for _, r := range doomed {
		for p := r.Start; p < r.end(); p += uintptr(mem.PGSIZE) {
			as.unmapOne(p)
		}
	}
	as.Unlock()
	return 0
}

// unmapOne clears one PTE and drops its page reference. Caller holds
// as's lock.
func (as *AS) unmapOne(va uintptr) {
	pte, ok := as.walk(va, false)
	if !ok || *pte&mem.PTE_P == 0 {
		return
	}
	pa := *pte & mem.PTE_ADDR
	*pte = 0
	refDown(as.pmm, pa)
}

/// Mprotect updates the permission bits of every region overlapping
/// [start, start+length), and clears PTE_W on any already-mapped pages
/// whose new permissions no longer allow writes.
func (as *AS) Mprotect(start, length int, perms mem.Pa_t) defs.Err_t {
	as.Lock()
	defer as.Unlock()
	va := uintptr(start)
	end := va + uintptr(util.Roundup(length, mem.PGSIZE))
	for _, r := range as.regions {
		if r.Start >= end || r.end() <= va {
			continue
		}
		r.Perms = perms
		for p := r.Start; p < r.end(); p += uintptr(mem.PGSIZE) {
			pte, ok := as.walk(p, false)
			if !ok || *pte&mem.PTE_P == 0 {
				continue
			}
			np := *pte &^ mem.PTE_W
			if perms&mem.PTE_W != 0 {
				np |= mem.PTE_W
			}
			*pte = np
		}
	}
	return 0
}

/// Virt2phys translates va through the page tables, returning the
/// physical address or a false sentinel when no present mapping
/// covers it.
func (as *AS) Virt2phys(va uintptr) (mem.Pa_t, bool) {
	as.Lock()
	defer as.Unlock()
	pte, ok := as.walk(va&^uintptr(mem.PGOFFSET), false)
	if !ok || *pte&mem.PTE_P == 0 {
		return 0, false
	}
	return *pte&mem.PTE_ADDR | mem.Pa_t(va&uintptr(mem.PGOFFSET)), true
}

/// PageFault resolves a fault at va: a page already present (racing
/// fault or copy-on-write break), or a missing page populated lazily
/// through the owning global (anonymous zero page or file page) and
/// mapped into every local sharing it.
func (as *AS) PageFault(va uintptr, write bool) defs.Err_t {
	aligned := va &^ uintptr(mem.PGOFFSET)

	as.Lock()
	r, ok := as.lookup(va)
	if !ok {
		as.reportFault(va)
		as.Unlock()
		return -defs.EFAULT
	}
	if write && r.Perms&mem.PTE_W == 0 {
		as.reportFault(va)
		as.Unlock()
		return -defs.EFAULT
	}
	pte, ok := as.walk(aligned, true)
	if !ok {
		as.Unlock()
		return -defs.ENOMEM
	}
	if *pte&mem.PTE_P != 0 {
		cow := write && *pte&mem.PTE_COW != 0
		as.Unlock()
		if cow {
			return as.resolveCOW(r, aligned)
		}
		return 0 // a racing fault on the same page already resolved it
	}
	as.Unlock()

	return as.faultIn(r, aligned)
}

// faultIn obtains the backing page for aligned through r's global
// (reusing the shadow's page if a sibling local already faulted it
// in) and maps it into the shadow and into every overlapping local.
func (as *AS) faultIn(r *Region_t, aligned uintptr) defs.Err_t {
	g := r.global
	g.mu.Lock()
	defer g.mu.Unlock()

	pa, have := g.shadow[aligned]
	if !have {
		var err defs.Err_t
		switch r.Mtype {
		case VANON, VSANON:
			var ok bool
			pa, ok = as.pmm.Alloc(1)
			if !ok {
				return -defs.ENOMEM
			}
		case VFILE:
			pa, err = as.filePage(g, r, aligned)
			if err != 0 {
				return err
			}
		}
		refUp(pa) // the shadow's own reference
		g.shadow[aligned] = pa
	}

	for _, l := range g.locals {
		if !l.contains(aligned) {
			continue
		}
		perms := mem.PTE_P | mem.PTE_U
		if l.Perms&mem.PTE_W != 0 {
			perms |= mem.PTE_W
		}
		if l.private() && l.Perms&mem.PTE_W != 0 {
			perms = perms&^mem.PTE_W | mem.PTE_COW
		}
		l.as.Lock()
		lpte, ok := l.as.walk(aligned, true)
		if ok && *lpte&mem.PTE_P == 0 {
			refUp(pa)
			*lpte = pa | perms
		}
		l.as.Unlock()
	}
	return 0
}

// filePage returns the physical page caching file page aligned of g's
// resource, reading it in on the first use. Caller holds g.mu.
func (as *AS) filePage(g *Global_t, r *Region_t, aligned uintptr) (mem.Pa_t, defs.Err_t) {
	fileOff := r.Foff + (aligned - r.Start)
	key := pagerKey{id: fileIdentity(g.fops), page: fileOff / uintptr(mem.PGSIZE)}

	pageCacheMu.Lock()
	if pa, ok := pageCache[key]; ok {
		pageCacheMu.Unlock()
		return pa, 0
	}
	pageCacheMu.Unlock()

	pa, ok := as.pmm.Alloc(1)
	if !ok {
		return 0, -defs.ENOMEM
	}
	dst := as.pmm.Dmap(pa)
	ub := &fakeReaderUio{dst: dst[:]}
	if _, err := g.fops.Pread(ub, int(fileOff)); err != 0 {
		as.pmm.Free(pa, 1)
		return 0, err
	}

	pageCacheMu.Lock()
	if prior, ok := pageCache[key]; ok {
		// another mapping raced the read in first; keep its page
		pageCacheMu.Unlock()
		as.pmm.Free(pa, 1)
		return prior, 0
	}
	refUp(pa) // the cache's own reference
	pageCache[key] = pa
	pageCacheMu.Unlock()
	return pa, 0
}

// reportFault renders a best-effort diagnostic dump for a fault
// PageFault cannot resolve, decoding whatever instruction bytes
// already sit at the faulting page.
// This hosted simulation has no separate CR2/RIP registers to plumb
// through the caller chain, so the faulting address itself stands in
// for the instruction pointer. It is an approximation, not a
// hardware-accurate disassembly of the actual trapping instruction.
// Caller holds as's lock.
func (as *AS) reportFault(va uintptr) {
	aligned := va &^ uintptr(mem.PGOFFSET)
	pte, ok := as.walk(aligned, false)
	if !ok || *pte&mem.PTE_P == 0 {
		klog.Debugf("page fault: va=%#x (unmapped, no instruction bytes available)", va)
		return
	}
	page := as.pmm.Dmap(*pte & mem.PGMASK)
	off := int(va & uintptr(mem.PGOFFSET))
	end := off + diag.MaxInstLen
	if end > len(page) {
		end = len(page)
	}
	report := diag.Decode(uint64(va), page[off:end])
	klog.Debugf("page fault: %s", report)
}

// resolveCOW breaks copy-on-write on a first write fault. A page
// whose only remaining references are this PTE and its own global's
// shadow is reused in place; a page still shared with a forked
// sibling is copied. Single-local (private) globals track the break
// in their shadow so the shadow keeps describing what this mapping's
// pages hold.
func (as *AS) resolveCOW(r *Region_t, aligned uintptr) defs.Err_t {
	g := r.global
	g.mu.Lock()
	defer g.mu.Unlock()

	as.Lock()
	pte, ok := as.walk(aligned, false)
	if !ok || *pte&mem.PTE_P == 0 || *pte&mem.PTE_COW == 0 {
		as.Unlock()
		return 0 // raced: another thread already broke this page
	}
	pa := *pte & mem.PTE_ADDR

	sole := len(g.locals) == 1 && g.shadow[aligned] == pa && refCount(pa) <= 2
	if sole {
		*pte = pa | mem.PTE_P | mem.PTE_U | mem.PTE_W
		as.Unlock()
		return 0
	}

	npa, allocok := as.pmm.Alloc(1)
	if !allocok {
		as.Unlock()
		return -defs.ENOMEM
	}
	*as.pmm.Dmap(npa) = *as.pmm.Dmap(pa)
	refUp(npa)
	refDown(as.pmm, pa)
	*pte = npa | mem.PTE_P | mem.PTE_U | mem.PTE_W
	as.Unlock()

	if len(g.locals) == 1 {
		if old, ok := g.shadow[aligned]; ok {
			refDown(as.pmm, old)
		}
		refUp(npa)
		g.shadow[aligned] = npa
	}
	return 0
}

/// Fork creates a child address space. Shared locals join the
/// parent's global (the same shadow, so later faults propagate to
/// both) with present pages mapped by value; private locals get a
/// fresh global whose shadow and page tables reference the parent's
/// pages copy-on-write, so the first write on either side faults in a
/// fresh frame.
func (as *AS) Fork() (*AS, defs.Err_t) {
	child, err := NewAS(as.pmm)
	if err != 0 {
		return nil, err
	}

	as.Lock()
	parents := append([]*Region_t(nil), as.regions...)
	as.Unlock()

	for _, r := range parents {
		nr := &Region_t{
			Start: r.Start, Len: r.Len, Perms: r.Perms, Mtype: r.Mtype,
			Foff: r.Foff, Shared: r.Shared, as: child,
		}
		if r.Shared {
			nr.global = r.global
			g := r.global
			g.mu.Lock()
			g.locals = append(g.locals, nr)
			g.mu.Unlock()
		} else {
			nr.global = &Global_t{shadow: map[uintptr]mem.Pa_t{}, fops: r.global.fops, locals: nil}
			nr.global.locals = []*Region_t{nr}
		}
		child.regions = append(child.regions, nr)

		as.Lock()
		for va := r.Start; va < r.end(); va += uintptr(mem.PGSIZE) {
			pte, ok := as.walk(va, false)
			if !ok || *pte&mem.PTE_P == 0 {
				continue
			}
			pa := *pte & mem.PTE_ADDR
			flags := *pte &^ mem.PTE_ADDR
			if r.private() {
				flags = flags&^mem.PTE_W | mem.PTE_COW
				*pte = pa | flags // parent loses write access too
			}
			cpte, ok := child.walk(va, true)
			if !ok {
				as.Unlock()
				return nil, -defs.ENOMEM
			}
			refUp(pa)
			*cpte = pa | flags
			if !r.Shared {
				refUp(pa)
				nr.global.shadow[va] = pa
			}
		}
		as.Unlock()
	}
	return child, 0
}

/// Free releases every mapped page, detaches every local from its
/// global, and frees the page-table hierarchy itself, for process
/// teardown.
func (as *AS) Free() {
	as.Lock()
	regions := as.regions
	as.regions = nil
	as.Unlock()

	for _, r := range regions {
		detachLocal(r)
	}
	as.Lock()
	for _, r := range regions {
		for va := r.Start; va < r.end(); va += uintptr(mem.PGSIZE) {
			as.unmapOne(va)
		}
	}
	as.freeTable(as.PML4, 3)
	as.Unlock()
}

func (as *AS) freeTable(pa mem.Pa_t, level uint) {
	if level > 0 {
		table := as.pmm.Pmap(pa)
		for _, e := range table {
			if e&mem.PTE_P != 0 {
				as.freeTable(e&mem.PTE_ADDR, level-1)
			}
		}
	}
	as.pmm.Free(pa, 1)
}

// fakeReaderUio adapts a plain byte slice to fdops.Userio_i so
// filePage can hand a destination to Fops.Pread without involving a
// real user-memory buffer (there is none: the fault is resolved
// kernel-side, for the kernel's own address space bookkeeping).
type fakeReaderUio struct {
	dst []byte
	off int
}

func (u *fakeReaderUio) Uioread(dst []uint8) (int, defs.Err_t) {
	n := copy(dst, u.dst[u.off:])
	u.off += n
	return n, 0
}
func (u *fakeReaderUio) Uiowrite(src []uint8) (int, defs.Err_t) {
	n := copy(u.dst[u.off:], src)
	u.off += n
	return n, 0
}
func (u *fakeReaderUio) Remain() int  { return len(u.dst) - u.off }
func (u *fakeReaderUio) Totalsz() int { return len(u.dst) }
