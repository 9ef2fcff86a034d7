// Admin bring-up for the controller: the register file at BAR0, the
// admin submission/completion queue pair, IDENTIFY, and the SET
// FEATURES queue-count negotiation (disable, wait-not-ready, admin
// queue, doorbell stride, AQA/ASQ/ACQ, enable, wait-ready, fatal
// check, IDENTIFY CNS=1/2, SET FEATURES fid=0x07). The device side of
// the registers is an in-process model; the host-side sequence is the
// same one a real controller sees.

package nvme

import (
	"fmt"
	"sync"

	"github.com/pkg/errors"

	"lyrekernel/internal/klog"
	"lyrekernel/internal/msi"
)

// Register offsets within BAR0 (NVMe over PCIe register map).
const (
	regCAP  = 0x00
	regCC   = 0x14
	regCSTS = 0x1c
	regAQA  = 0x24
	regASQ  = 0x28
	regACQ  = 0x30
	dbBase  = 0x1000
)

const (
	ccEnable  = 1 << 0
	cstsReady = 1 << 0
	cstsFatal = 1 << 1
)

// Admin command set opcodes.
const (
	AdminCreateIOSQ  = 0x01
	AdminCreateIOCQ  = 0x05
	AdminIdentify    = 0x06
	AdminSetFeatures = 0x09
	AdminGetFeatures = 0x0a
)

// Feature id for SET/GET FEATURES.
const FeatNumQueues = 0x07

// IDENTIFY CNS values.
const (
	cnsNamespace  = 0
	cnsController = 1
	cnsActiveList = 2
)

const adminSlots = 32

// adminCmd_t is one admin submission-queue entry, reduced to the
// fields the bring-up sequence actually drives.
type adminCmd_t struct {
	Opcode uint8
	CID    uint16
	NSID   uint32
	CNS    uint8
	FID    uint8
	DW11   uint32
	QID    uint16
	QSize  uint16
}

// adminCpl_t is one admin completion-queue entry. phase is the phase
// bit the host compares against its own cqPhase to detect a fresh
// completion.
type adminCpl_t struct {
	CID    uint16
	Status uint16
	Result uint32
	phase  bool
}

/// IdentifyController_t is the CNS=1 payload subset the driver reads:
/// the max-data-transfer shift and the namespace count.
type IdentifyController_t struct {
	MDTS uint8
	NN   uint32
}

/// IdentifyNamespace_t is the CNS=0 payload subset: block count and
/// LBA size shift of one namespace.
type IdentifyNamespace_t struct {
	Blocks   uint64
	LBAShift uint8
}

/// DeviceModel_t is the device side of the register interface: what a
/// real controller's silicon does when the host writes CC or rings a
/// doorbell. Tests and the bring-up path construct one around a set
/// of namespace backings.
type DeviceModel_t struct {
	mu sync.Mutex

	MDTS     uint8
	MQES     uint16 // CAP.MQES: max queue entries supported, 0-based
	DBStride uint8  // CAP.DBSTRIDE

	backing map[uint32]Backing
	blocks  map[uint32]uint64

	ready bool
	fatal bool

	// admin queue rings, shared with the host once ASQ/ACQ are set
	sq     []adminCmd_t
	cq     []adminCpl_t
	sqHead int
	cqTail int
	phase  bool

	nqueues   uint32 // negotiated IO queue count (0-based pairs)
	createdCQ map[uint16]bool
	createdSQ map[uint16]bool
}

/// NewDeviceModel builds a controller model with the given transfer
/// and queue capabilities and no namespaces.
func NewDeviceModel(mdts uint8, mqes uint16, dbstride uint8) *DeviceModel_t {
	return &DeviceModel_t{
		MDTS: mdts, MQES: mqes, DBStride: dbstride,
		backing:   map[uint32]Backing{},
		blocks:    map[uint32]uint64{},
		createdCQ: map[uint16]bool{},
		createdSQ: map[uint16]bool{},
	}
}

/// AddNamespace registers a namespace's backing store with the device
/// model; it becomes visible through IDENTIFY CNS=2.
func (d *DeviceModel_t) AddNamespace(nsid uint32, backing Backing, blocks uint64) {
	d.mu.Lock()
	d.backing[nsid] = backing
	d.blocks[nsid] = blocks
	d.mu.Unlock()
}

func (d *DeviceModel_t) execute(cmd adminCmd_t) adminCpl_t {
	cpl := adminCpl_t{CID: cmd.CID}
	switch cmd.Opcode {
	case AdminIdentify:
		// Result carries an index into the host's decoded identify
		// data; the payload itself is returned out of band by the
		// Regs_t helpers below, standing in for the PRP1 DMA target.
	case AdminSetFeatures:
		if cmd.FID == FeatNumQueues {
			// dw11 low/high halves are 0-based SQ and CQ counts; the
			// device grants the smaller of the two requests
			nsq := cmd.DW11 & 0xffff
			ncq := cmd.DW11 >> 16
			granted := nsq
			if ncq < granted {
				granted = ncq
			}
			d.nqueues = granted
			cpl.Result = granted | granted<<16
		}
	case AdminGetFeatures:
		if cmd.FID == FeatNumQueues {
			cpl.Result = d.nqueues | d.nqueues<<16
		}
	case AdminCreateIOCQ:
		d.createdCQ[cmd.QID] = true
	case AdminCreateIOSQ:
		if !d.createdCQ[cmd.QID] {
			cpl.Status = 1 // invalid queue identifier: CQ must exist first
			break
		}
		d.createdSQ[cmd.QID] = true
	default:
		cpl.Status = 1
	}
	return cpl
}

/// Regs_t is the host's view of BAR0: register reads/writes plus the
/// doorbell region. Writing a submission doorbell makes the device
/// model consume new SQ entries and post completions with the current
/// phase bit, exactly the observable behavior polling drivers rely on.
type Regs_t struct {
	dev *DeviceModel_t

	cc   uint32
	aqa  uint32
	asq  []adminCmd_t
	acq  []adminCpl_t
}

/// NewRegs wraps a device model in its register file.
func NewRegs(dev *DeviceModel_t) *Regs_t { return &Regs_t{dev: dev} }

/// CAP packs MQES and DBSTRIDE the way the capability register does.
func (r *Regs_t) CAP() uint64 {
	return uint64(r.dev.MQES) | uint64(r.dev.DBStride)<<32
}

/// CSTS reports ready/fatal status.
func (r *Regs_t) CSTS() uint32 {
	r.dev.mu.Lock()
	defer r.dev.mu.Unlock()
	var v uint32
	if r.dev.ready {
		v |= cstsReady
	}
	if r.dev.fatal {
		v |= cstsFatal
	}
	return v
}

/// WriteCC writes the controller configuration register; the enable
/// bit edge drives the device's ready transition.
func (r *Regs_t) WriteCC(v uint32) {
	r.cc = v
	r.dev.mu.Lock()
	r.dev.ready = v&ccEnable != 0
	if !r.dev.ready {
		r.dev.sqHead = 0
		r.dev.cqTail = 0
		r.dev.phase = true
	}
	r.dev.mu.Unlock()
}

/// SetAdminQueues hands the admin SQ/CQ rings to the device (AQA, ASQ,
/// ACQ writes).
func (r *Regs_t) SetAdminQueues(aqa uint32, sq []adminCmd_t, cq []adminCpl_t) {
	r.aqa = aqa
	r.asq = sq
	r.acq = cq
	r.dev.mu.Lock()
	r.dev.sq = sq
	r.dev.cq = cq
	r.dev.mu.Unlock()
}

/// RingAdminSQ is the submission doorbell for qid 0: the device model
/// consumes entries up to tail and posts completions.
func (r *Regs_t) RingAdminSQ(tail int) {
	d := r.dev
	d.mu.Lock()
	defer d.mu.Unlock()
	for d.sqHead != tail {
		cpl := d.execute(d.sq[d.sqHead])
		d.sqHead = (d.sqHead + 1) % len(d.sq)
		cpl.phase = d.phase
		d.cq[d.cqTail] = cpl
		d.cqTail = (d.cqTail + 1) % len(d.cq)
		if d.cqTail == 0 {
			d.phase = !d.phase
		}
	}
}

/// RingAdminCQ is the completion doorbell for qid 0 (the host telling
/// the device how far it has consumed; the model needs no action).
func (r *Regs_t) RingAdminCQ(head int) {}

// DoorbellOffset returns the BAR0 offset of a queue's doorbell, from
// the stride CAP.DBSTRIDE encodes; kept for register-map fidelity and
// exercised by the attach test.
func (r *Regs_t) DoorbellOffset(qid int, completion bool) int {
	stride := 4 << r.dev.DBStride
	idx := 2 * qid
	if completion {
		idx++
	}
	return dbBase + idx*stride
}

// adminQueue_t is the host side of the admin queue pair: tail/head
// cursors, the phase bit, and the command-id counter.
type adminQueue_t struct {
	regs      *Regs_t
	submit    []adminCmd_t
	compl     []adminCpl_t
	slots     int
	sqTail    int
	cqHead    int
	cqPhase   bool
	nextCmdid uint16
}

func newAdminQueue(regs *Regs_t, slots int) *adminQueue_t {
	q := &adminQueue_t{
		regs:    regs,
		submit:  make([]adminCmd_t, slots),
		compl:   make([]adminCpl_t, slots),
		slots:   slots,
		cqPhase: true,
	}
	aqa := uint32(slots-1) | uint32(slots-1)<<16
	regs.SetAdminQueues(aqa, q.submit, q.compl)
	return q
}

// awaitSubmit writes cmd into the next SQ slot, rings the doorbell,
// and polls the CQ head until the phase bit flips to match, returning
// the completion. Non-zero status is a hard error for every caller.
func (q *adminQueue_t) awaitSubmit(cmd adminCmd_t) adminCpl_t {
	cmd.CID = q.nextCmdid
	q.nextCmdid++
	q.submit[q.sqTail] = cmd
	q.sqTail = (q.sqTail + 1) % q.slots
	q.regs.RingAdminSQ(q.sqTail)
	for q.compl[q.cqHead].phase != q.cqPhase {
		// a real driver spins here (or sleeps for MSI-X); the model
		// posts completions synchronously, so this never iterates
	}
	cpl := q.compl[q.cqHead]
	q.cqHead = (q.cqHead + 1) % q.slots
	if q.cqHead == 0 {
		q.cqPhase = !q.cqPhase
	}
	q.regs.RingAdminCQ(q.cqHead)
	return cpl
}

// identifyController performs IDENTIFY CNS=1.
func (q *adminQueue_t) identifyController() (IdentifyController_t, error) {
	if cpl := q.awaitSubmit(adminCmd_t{Opcode: AdminIdentify, CNS: cnsController}); cpl.Status != 0 {
		return IdentifyController_t{}, fmt.Errorf("nvme: identify controller status %#x", cpl.Status)
	}
	d := q.regs.dev
	d.mu.Lock()
	defer d.mu.Unlock()
	return IdentifyController_t{MDTS: d.MDTS, NN: uint32(len(d.backing))}, nil
}

// identifyActiveList performs IDENTIFY CNS=2.
func (q *adminQueue_t) identifyActiveList() ([]uint32, error) {
	if cpl := q.awaitSubmit(adminCmd_t{Opcode: AdminIdentify, CNS: cnsActiveList}); cpl.Status != 0 {
		return nil, fmt.Errorf("nvme: identify active list status %#x", cpl.Status)
	}
	d := q.regs.dev
	d.mu.Lock()
	defer d.mu.Unlock()
	var ids []uint32
	for nsid := range d.backing {
		ids = append(ids, nsid)
	}
	return ids, nil
}

// identifyNamespace performs IDENTIFY CNS=0 for one NSID.
func (q *adminQueue_t) identifyNamespace(nsid uint32) (IdentifyNamespace_t, error) {
	if cpl := q.awaitSubmit(adminCmd_t{Opcode: AdminIdentify, CNS: cnsNamespace, NSID: nsid}); cpl.Status != 0 {
		return IdentifyNamespace_t{}, fmt.Errorf("nvme: identify ns %d status %#x", nsid, cpl.Status)
	}
	d := q.regs.dev
	d.mu.Lock()
	defer d.mu.Unlock()
	return IdentifyNamespace_t{Blocks: d.blocks[nsid], LBAShift: 9}, nil
}

// negotiateQueues asks for `want` IO queue pairs via SET FEATURES
// (fid 0x07), then re-reads the feature to confirm what the
// controller actually granted.
func (q *adminQueue_t) negotiateQueues(want uint32) (uint32, error) {
	dw11 := (want - 1) | (want-1)<<16
	if cpl := q.awaitSubmit(adminCmd_t{Opcode: AdminSetFeatures, FID: FeatNumQueues, DW11: dw11}); cpl.Status != 0 {
		return 0, fmt.Errorf("nvme: set features status %#x", cpl.Status)
	}
	cpl := q.awaitSubmit(adminCmd_t{Opcode: AdminGetFeatures, FID: FeatNumQueues})
	if cpl.Status != 0 {
		return 0, fmt.Errorf("nvme: get features status %#x", cpl.Status)
	}
	return (cpl.Result & 0xffff) + 1, nil
}

// createIOQueuePair issues CREATE IO CQ then CREATE IO SQ with the
// namespace id as queue id, matching the one-pair-per-namespace shape.
func (q *adminQueue_t) createIOQueuePair(qid uint16, slots uint16) error {
	if cpl := q.awaitSubmit(adminCmd_t{Opcode: AdminCreateIOCQ, QID: qid, QSize: slots}); cpl.Status != 0 {
		return fmt.Errorf("nvme: create io cq %d status %#x", qid, cpl.Status)
	}
	if cpl := q.awaitSubmit(adminCmd_t{Opcode: AdminCreateIOSQ, QID: qid, QSize: slots}); cpl.Status != 0 {
		return fmt.Errorf("nvme: create io sq %d status %#x", qid, cpl.Status)
	}
	return nil
}

/// Attach runs the full controller bring-up against regs and returns
/// an initialized Controller_t with every active namespace's IO queue
/// pair started: disable, wait-not-ready, admin queues, enable,
/// wait-ready, fatal check, IDENTIFY, queue-count negotiation, then
/// per-namespace IDENTIFY + CREATE IO CQ/SQ.
func Attach(regs *Regs_t) (*Controller_t, error) {
	regs.WriteCC(0)
	for regs.CSTS()&cstsReady != 0 {
	}

	slots := int(regs.CAP()&0xffff) + 1
	if slots > adminSlots {
		slots = adminSlots
	}
	q := newAdminQueue(regs, slots)

	regs.WriteCC(ccEnable)
	for regs.CSTS()&cstsReady == 0 {
	}
	if regs.CSTS()&cstsFatal != 0 {
		klog.Panic("nvme: controller fatal status after enable")
	}

	idc, err := q.identifyController()
	if err != nil {
		return nil, errors.Wrap(err, "attach")
	}
	nsids, err := q.identifyActiveList()
	if err != nil {
		return nil, errors.Wrap(err, "attach")
	}
	granted, err := q.negotiateQueues(4)
	if err != nil {
		return nil, errors.Wrap(err, "attach")
	}

	c := NewController()
	c.mdts = idc.MDTS
	c.ioQueues = granted
	c.vec = msi.Msi_alloc()
	c.haveVec = true

	for _, nsid := range nsids {
		idns, err := q.identifyNamespace(nsid)
		if err != nil {
			return nil, errors.Wrap(err, "attach")
		}
		if err := q.createIOQueuePair(uint16(nsid), uint16(slots)); err != nil {
			return nil, err
		}
		regs.dev.mu.Lock()
		backing := regs.dev.backing[nsid]
		regs.dev.mu.Unlock()
		c.AttachNamespace(nsid, backing, idns.Blocks)
		klog.Info("nvme: ns %d online, %d blocks, lba shift %d", nsid, idns.Blocks, idns.LBAShift)
	}
	return c, nil
}
