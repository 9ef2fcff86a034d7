package mem

import (
	"fmt"
	"sync"
	"unsafe"

	"lyrekernel/internal/oommsg"
)

/// MapKind classifies a boot memory-map entry, mirroring the
/// Limine-class boot protocol response.
type MapKind int

const (
	MapUsable MapKind = iota
	MapReserved
	MapACPIReclaimable
	MapACPINVS
	MapBootloaderReclaimable
	MapKernelAndModules
	MapBadMemory
)

/// MapEntry is one range from the boot-supplied physical memory map.
type MapEntry struct {
	Base   Pa_t
	Length uint64
	Kind   MapKind
}

/// PMM is the bitmap-backed physical frame allocator. One bit per
/// frame; 0 means free. The bitmap itself lives inside the largest
/// usable hole of the supplied memory map, so that no extra
/// allocation is needed to boot the allocator.
type PMM struct {
	mu sync.Mutex

	// ram simulates the machine's physical address space: Pa_t values
	// are byte offsets into this slice. A hosted kernel has no real
	// physical memory to allocate from, so this stands in for it; Dmap
	// indexes directly into it rather than through a separate HHDM
	// alias, which would otherwise just be ram again.
	ram []byte

	bitmap        []byte
	highestFrame  uint64
	lastUsedIndex uint64
	usableFrames  uint64
	reservedFrames uint64
	usedFrames    uint64
}

/// NewPMM builds a PMM over the given memory map. ramSize must cover the
/// highest address named by any entry; tests typically size it to
/// exactly that.
func NewPMM(entries []MapEntry, ramSize uint64) (*PMM, error) {
	p := &PMM{ram: make([]byte, ramSize)}

	var highestAddr uint64
	for _, e := range entries {
		switch e.Kind {
		case MapUsable:
			p.usableFrames += divRoundup(e.Length, uint64(PGSIZE))
			if top := uint64(e.Base) + e.Length; top > highestAddr {
				highestAddr = top
			}
		case MapReserved, MapACPIReclaimable, MapACPINVS,
			MapBootloaderReclaimable, MapKernelAndModules:
			p.reservedFrames += divRoundup(e.Length, uint64(PGSIZE))
		}
	}
	p.highestFrame = highestAddr / uint64(PGSIZE)
	bitmapSize := alignUp(p.highestFrame/8, uint64(PGSIZE))
	if bitmapSize == 0 {
		bitmapSize = uint64(PGSIZE)
	}

	// Find a hole for the bitmap: the largest usable entry big enough
	// to hold it. The entry is shrunk to exclude the bitmap's own bytes.
	best := -1
	holes := append([]MapEntry(nil), entries...)
	for i := range holes {
		e := &holes[i]
		if e.Kind != MapUsable || e.Length < bitmapSize {
			continue
		}
		if uint64(e.Base)+bitmapSize > ramSize {
			continue
		}
		if best < 0 || e.Length > holes[best].Length {
			best = i
		}
	}
	if best >= 0 {
		e := &holes[best]
		p.bitmap = p.ram[e.Base : uint64(e.Base)+bitmapSize]
		for i := range p.bitmap {
			p.bitmap[i] = 0xff
		}
		e.Base += Pa_t(bitmapSize)
		e.Length -= bitmapSize
	}
	if best < 0 {
		return nil, fmt.Errorf("pmm: no usable hole fits a %d byte bitmap", bitmapSize)
	}
	// The frames backing the bitmap itself are permanently used; they
	// are never returned to the free pool, so count them up front
	// rather than via Alloc so used+free==usable always holds.
	p.usedFrames = bitmapSize / uint64(PGSIZE)

	for _, e := range holes {
		if e.Kind != MapUsable {
			continue
		}
		for off := uint64(0); off < e.Length; off += uint64(PGSIZE) {
			frame := (uint64(e.Base) + off) / uint64(PGSIZE)
			p.bitmapReset(frame)
		}
	}
	return p, nil
}

func divRoundup(a, b uint64) uint64 { return (a + b - 1) / b }
func alignUp(v, b uint64) uint64    { return divRoundup(v, b) * b }

func (p *PMM) bitmapTest(frame uint64) bool {
	return p.bitmap[frame/8]&(1<<(frame%8)) != 0
}
func (p *PMM) bitmapSet(frame uint64) {
	p.bitmap[frame/8] |= 1 << (frame % 8)
}
func (p *PMM) bitmapReset(frame uint64) {
	p.bitmap[frame/8] &^= 1 << (frame % 8)
}

func (p *PMM) innerAlloc(pages, limit uint64) (uint64, bool) {
	run := uint64(0)
	for p.lastUsedIndex < limit {
		idx := p.lastUsedIndex
		p.lastUsedIndex++
		if !p.bitmapTest(idx) {
			run++
			if run == pages {
				page := p.lastUsedIndex - pages
				for i := page; i < p.lastUsedIndex; i++ {
					p.bitmapSet(i)
				}
				return page, true
			}
		} else {
			run = 0
		}
	}
	return 0, false
}

/// AllocNoZero allocates n contiguous frames without zeroing them,
/// first-fit from lastUsedIndex, wrapping once on exhaustion.
func (p *PMM) AllocNoZero(n int) (Pa_t, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	last := p.lastUsedIndex
	page, ok := p.innerAlloc(uint64(n), p.highestFrame)
	if !ok {
		p.lastUsedIndex = 0
		page, ok = p.innerAlloc(uint64(n), last)
	}
	if !ok {
		// notify the OOM watcher without blocking the allocator; the
		// caller still sees the failure and propagates ENOMEM
		select {
		case oommsg.OomCh <- oommsg.Oommsg_t{Need: n}:
		default:
		}
		return 0, false
	}
	p.usedFrames += uint64(n)
	return Pa_t(page * uint64(PGSIZE)), true
}

/// Alloc allocates n contiguous, zeroed frames.
func (p *PMM) Alloc(n int) (Pa_t, bool) {
	pa, ok := p.AllocNoZero(n)
	if !ok {
		return 0, false
	}
	buf := p.ram[pa : uint64(pa)+uint64(n)*uint64(PGSIZE)]
	for i := range buf {
		buf[i] = 0
	}
	return pa, true
}

/// Free clears n frames starting at base, returning them to the pool.
/// No coalescing is necessary: the bitmap is page-granular.
func (p *PMM) Free(base Pa_t, n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	page := uint64(base) / uint64(PGSIZE)
	for i := page; i < page+uint64(n); i++ {
		p.bitmapReset(i)
	}
	p.usedFrames -= uint64(n)
}

/// Dmap maps a physical frame to its byte-addressable page. Frame 0 is
/// not a legal argument (Pa_t's null sentinel).
func (p *PMM) Dmap(pa Pa_t) *Bytepg_t {
	return (*Bytepg_t)(unsafe.Pointer(&p.ram[pa]))
}

/// Pmap returns the frame reinterpreted as a page-table level.
func (p *PMM) Pmap(pa Pa_t) *Pmap_t {
	return pg2pmap(p.Dmap(pa))
}

/// Counters snapshots the allocator's bookkeeping for diagnostics.
type Counters struct {
	Usable, Used, Reserved, Free uint64
}

func (p *PMM) Counters() Counters {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Counters{
		Usable:   p.usableFrames,
		Used:     p.usedFrames,
		Reserved: p.reservedFrames,
		Free:     p.usableFrames - p.usedFrames,
	}
}

/// Used reports whether the frame at pa is currently allocated.
func (p *PMM) Used(pa Pa_t) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.bitmapTest(uint64(pa) / uint64(PGSIZE))
}

// pageAllocator adapts PMM to the single-page mem.Page_i interface used
// by the slab allocator and circular buffers.
type pageAllocator struct{ p *PMM }

/// AsPageAllocator exposes the PMM through the single-page Page_i
/// interface consumed by slab and circbuf.
func (p *PMM) AsPageAllocator() Page_i { return pageAllocator{p} }

func (a pageAllocator) Alloc() (Pa_t, *Bytepg_t, bool) {
	pa, ok := a.p.Alloc(1)
	if !ok {
		return 0, nil, false
	}
	return pa, a.p.Dmap(pa), true
}

func (a pageAllocator) Free(pa Pa_t) { a.p.Free(pa, 1) }

// Multi-page passthroughs for the slab allocator's big-object path.
func (a pageAllocator) AllocPages(n int) (Pa_t, bool) { return a.p.Alloc(n) }
func (a pageAllocator) FreePages(pa Pa_t, n int)      { a.p.Free(pa, n) }
func (a pageAllocator) Dmap(pa Pa_t) *Bytepg_t        { return a.p.Dmap(pa) }
