// Package nvme implements a host-side NVMe block device driver:
// admin and I/O queue pairs, the I/O side modeled as a command
// channel and a single worker goroutine per queue pair, driving
// namespace reads and writes through a per-namespace block cache
// against a backing store. Completion is a channel rather than an
// interrupt, since there is no real interrupt controller in a hosted
// simulation.
//
// Real NVMe uses PRP lists to scatter-gather a command's data buffer
// across non-contiguous physical pages via DMA; this driver has
// neither DMA nor physical discontiguity to work around; a command's
// buffer is simply a Go byte slice, and the PRP layer has no work to
// do, so it has no code here (documented rather than stubbed).
package nvme

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"lyrekernel/internal/defs"
	"lyrekernel/internal/msi"
)

/// BlockSize is the logical block size this driver assumes (LBA format
/// 0, 512-byte blocks, the common default before 4Kn formatting).
const BlockSize = 512

// cacheBlocks is the fixed size of a namespace's block cache.
const cacheBlocks = 512

// blocksPerCacheLine is cacheblocksize / lba_size: each cache line
// covers four consecutive LBAs.
const blocksPerCacheLine = 4
const cacheLineSize = blocksPerCacheLine * BlockSize

/// Opcode_t mirrors the NVMe I/O command set's opcode byte.
type Opcode_t uint8

const (
	OpFlush Opcode_t = 0x00
	OpWrite Opcode_t = 0x01
	OpRead  Opcode_t = 0x02
)

/// Backing abstracts the namespace's storage medium: a raw disk image
/// in production, a file or in-memory buffer in tests.
type Backing interface {
	ReadAt(p []byte, off int64) (int, error)
	WriteAt(p []byte, off int64) (int, error)
}

/// Command_t is one submission-queue entry.
type Command_t struct {
	Op      Opcode_t
	NSID    uint32
	LBA     uint64
	NBlocks uint32
	Buf     []byte // length NBlocks*BlockSize for read/write
}

/// Completion_t is one completion-queue entry.
type Completion_t struct {
	Status defs.Err_t
}

// cacheState_t is one cache line's membership state.
type cacheState_t int

const (
	cacheEmpty cacheState_t = iota
	cacheReady
	cacheDirty
)

// cacheLine_t is one fixed-size cache buffer: the data, the block
// index it caches, and its state.
type cacheLine_t struct {
	state cacheState_t
	index uint64 // blockIndex = lba / blocksPerCacheLine
	buf   [cacheLineSize]byte
}

// namespaceCache_t is the 512-line direct-mapped-by-search cache with
// round-robin eviction driven by the overwritten cursor.
type namespaceCache_t struct {
	lines       [cacheBlocks]cacheLine_t
	overwritten int
}

// lookup returns the cache line already holding blockIndex, if any
// READY or DIRTY line matches it. At most one line per block index is
// ever in either state.
func (nc *namespaceCache_t) lookup(blockIndex uint64) *cacheLine_t {
	for i := range nc.lines {
		l := &nc.lines[i]
		if l.state != cacheEmpty && l.index == blockIndex {
			return l
		}
	}
	return nil
}

// evict picks the next round-robin victim line for a new blockIndex.
func (nc *namespaceCache_t) evict() *cacheLine_t {
	l := &nc.lines[nc.overwritten]
	nc.overwritten = (nc.overwritten + 1) % cacheBlocks
	l.state = cacheEmpty
	return l
}

/// Namespace_t is one NVMe namespace: a contiguous LBA range over a
/// Backing, fronted by its own block cache.
type Namespace_t struct {
	ID      uint32
	Backing Backing
	Blocks  uint64

	cache namespaceCache_t
}

// cacheLine returns the cache line covering blockIndex, reading it
// in from Backing on a miss. Only ever called from the namespace's
// own queue-pair worker goroutine, so the cache needs no lock of its
// own beyond the serialization that worker already provides.
func (ns *Namespace_t) cacheLine(blockIndex uint64) (*cacheLine_t, error) {
	if l := ns.cache.lookup(blockIndex); l != nil {
		return l, nil
	}
	l := ns.cache.evict()
	off := int64(blockIndex) * cacheLineSize
	if _, err := ns.Backing.ReadAt(l.buf[:], off); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	l.index = blockIndex
	l.state = cacheReady
	return l, nil
}

// cachedRead copies len(buf) bytes starting at lba through the cache,
// one cache line's worth at a time.
func (ns *Namespace_t) cachedRead(lba uint64, buf []byte) error {
	for done := 0; done < len(buf); {
		curLBA := lba + uint64(done)/BlockSize
		blockIndex := curLBA / blocksPerCacheLine
		line, err := ns.cacheLine(blockIndex)
		if err != nil {
			return err
		}
		lineOff := int(curLBA%blocksPerCacheLine) * BlockSize
		n := copy(buf[done:], line.buf[lineOff:])
		done += n
	}
	return nil
}

// cachedWrite copies len(buf) bytes starting at lba into the cache
// and write-through's each touched line to Backing before returning,
// so that after a write returns, the on-disk content of the affected
// block equals the cache. No write coalescing.
func (ns *Namespace_t) cachedWrite(lba uint64, buf []byte) error {
	for done := 0; done < len(buf); {
		curLBA := lba + uint64(done)/BlockSize
		blockIndex := curLBA / blocksPerCacheLine
		line, err := ns.cacheLine(blockIndex)
		if err != nil {
			return err
		}
		lineOff := int(curLBA%blocksPerCacheLine) * BlockSize
		n := copy(line.buf[lineOff:], buf[done:])
		line.state = cacheDirty
		if _, err := ns.Backing.WriteAt(line.buf[:], int64(blockIndex)*cacheLineSize); err != nil {
			return err
		}
		line.state = cacheReady
		done += n
	}
	return nil
}

/// Controller_t is one NVMe controller: an admin queue (namespace
/// identify) and one I/O queue pair per namespace, each served by its
/// own worker goroutine standing in for the hardware queue pair.
type Controller_t struct {
	mu    sync.Mutex
	ns    map[uint32]*Namespace_t
	queue map[uint32]chan ioRequest
	wg    sync.WaitGroup

	// populated by Attach's admin bring-up; zero-valued on bare
	// NewController construction (tests that skip the admin path)
	mdts     uint8
	ioQueues uint32
	vec      msi.Msivec_t
	haveVec  bool
}

type ioRequest struct {
	cmd  Command_t
	done chan Completion_t
}

/// NewController returns an empty controller; namespaces are attached
/// with AttachNamespace (standing in for admin-queue namespace
/// discovery at boot).
func NewController() *Controller_t {
	return &Controller_t{ns: map[uint32]*Namespace_t{}, queue: map[uint32]chan ioRequest{}}
}

/// AttachNamespace registers a namespace and starts its I/O queue pair
/// worker.
func (c *Controller_t) AttachNamespace(id uint32, backing Backing, blocks uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ns := &Namespace_t{ID: id, Backing: backing, Blocks: blocks}
	c.ns[id] = ns
	q := make(chan ioRequest, 64)
	c.queue[id] = q
	c.wg.Add(1)
	go c.worker(ns, q)
}

func (c *Controller_t) worker(ns *Namespace_t, q chan ioRequest) {
	defer c.wg.Done()
	for req := range q {
		req.done <- execute(ns, req.cmd)
	}
}

func execute(ns *Namespace_t, cmd Command_t) Completion_t {
	if cmd.LBA+uint64(cmd.NBlocks) > ns.Blocks {
		return Completion_t{Status: -defs.EINVAL}
	}
	switch cmd.Op {
	case OpRead:
		if err := ns.cachedRead(cmd.LBA, cmd.Buf); err != nil {
			return Completion_t{Status: -defs.EIO}
		}
	case OpWrite:
		if err := ns.cachedWrite(cmd.LBA, cmd.Buf); err != nil {
			return Completion_t{Status: -defs.EIO}
		}
	case OpFlush:
		// writes are already write-through, so there is nothing
		// dirty to flush
	default:
		return Completion_t{Status: -defs.ENOSYS}
	}
	return Completion_t{Status: 0}
}

/// Submit enqueues cmd on its namespace's I/O queue pair and blocks
/// for the matching completion, exactly as a driver spins or sleeps
/// waiting for its completion-queue doorbell in the real protocol.
func (c *Controller_t) Submit(cmd Command_t) Completion_t {
	c.mu.Lock()
	q, ok := c.queue[cmd.NSID]
	c.mu.Unlock()
	if !ok {
		return Completion_t{Status: -defs.ENODEV}
	}
	done := make(chan Completion_t, 1)
	q <- ioRequest{cmd: cmd, done: done}
	return <-done
}

/// ReadBlocks reads nblocks starting at lba from namespace nsid into buf.
func (c *Controller_t) ReadBlocks(nsid uint32, lba uint64, buf []byte) defs.Err_t {
	nblocks := uint32(len(buf) / BlockSize)
	cp := c.Submit(Command_t{Op: OpRead, NSID: nsid, LBA: lba, NBlocks: nblocks, Buf: buf})
	return cp.Status
}

/// WriteBlocks writes buf (a multiple of BlockSize) starting at lba on
/// namespace nsid.
func (c *Controller_t) WriteBlocks(nsid uint32, lba uint64, buf []byte) defs.Err_t {
	nblocks := uint32(len(buf) / BlockSize)
	cp := c.Submit(Command_t{Op: OpWrite, NSID: nsid, LBA: lba, NBlocks: nblocks, Buf: buf})
	return cp.Status
}

/// Identify returns a human-readable namespace summary, standing in
/// for the admin Identify Namespace data structure.
func (c *Controller_t) Identify(nsid uint32) (string, defs.Err_t) {
	c.mu.Lock()
	ns, ok := c.ns[nsid]
	c.mu.Unlock()
	if !ok {
		return "", -defs.ENODEV
	}
	return fmt.Sprintf("nvme: ns=%d blocks=%d blocksize=%d cachelines=%d", ns.ID, ns.Blocks, BlockSize, cacheBlocks), 0
}

/// MDTS reports the controller's max-data-transfer shift as learned
/// from IDENTIFY during Attach.
func (c *Controller_t) MDTS() uint8 { return c.mdts }

/// IOQueues reports the queue-pair count granted by the SET FEATURES
/// negotiation during Attach.
func (c *Controller_t) IOQueues() uint32 { return c.ioQueues }

/// Shutdown drains and stops every namespace's queue-pair worker and
/// releases the controller's interrupt vector.
func (c *Controller_t) Shutdown() {
	c.mu.Lock()
	for _, q := range c.queue {
		close(q)
	}
	c.mu.Unlock()
	c.wg.Wait()
	if c.haveVec {
		msi.Msi_free(c.vec)
		c.haveVec = false
	}
}
