// Command lyre brings the kernel core up in dependency order (PMM →
// VMM → slab → event/timer → scheduler → PCI → NVMe → partitions →
// VFS → net → sockets) and runs a small init process over the syscall
// boundary, standing in for the boot path a real machine's loader
// would enter.
package main

import (
	"context"
	"encoding/binary"
	"os"
	"time"

	"lyrekernel/internal/boot"
	"lyrekernel/internal/defs"
	"lyrekernel/internal/devfs"
	"lyrekernel/internal/event"
	"lyrekernel/internal/fdops"
	"lyrekernel/internal/gpt"
	"lyrekernel/internal/inet"
	"lyrekernel/internal/klog"
	"lyrekernel/internal/mem"
	"lyrekernel/internal/netdev"
	"lyrekernel/internal/nvme"
	"lyrekernel/internal/pci"
	"lyrekernel/internal/proc"
	"lyrekernel/internal/sched"
	"lyrekernel/internal/slab"
	"lyrekernel/internal/socket"
	"lyrekernel/internal/sys"
	"lyrekernel/internal/ustr"
	"lyrekernel/internal/vfs"
)

const ramBytes = 64 << 20

// ramdisk backs the NVMe namespace with plain memory.
type ramdisk struct {
	buf []byte
}

func (r *ramdisk) ReadAt(p []byte, off int64) (int, error) {
	n := copy(p, r.buf[off:])
	return n, nil
}
func (r *ramdisk) WriteAt(p []byte, off int64) (int, error) {
	n := copy(r.buf[off:], p)
	return n, nil
}

// fakeConfig is a one-slot PCI configuration space holding the NVMe
// controller's function, what a real MMCONFIG window would expose.
type fakeConfig struct{}

func (fakeConfig) ReadFunction(bus, slot, fn int) (pci.Function_t, bool) {
	if bus == 0 && slot == 1 && fn == 0 {
		return pci.Function_t{
			Bus: bus, Slot: slot, Func: fn,
			VendorID: 0x1b36, DeviceID: 0x0010,
			Class: pci.ClassMassStorage, Subclass: pci.SubclassNVM, ProgIf: pci.ProgIfNVMExpress,
		}, true
	}
	return pci.Function_t{VendorID: 0xffff}, false
}

// mbrDisk builds a ram-backed disk with one legacy MBR partition, so
// the partition probe has something to enumerate at boot.
func mbrDisk(sectors int) *ramdisk {
	d := &ramdisk{buf: make([]byte, sectors*512)}
	d.buf[510] = 0x55
	d.buf[511] = 0xaa
	d.buf[446+4] = 0x83
	binary.LittleEndian.PutUint32(d.buf[446+8:], 2048)
	binary.LittleEndian.PutUint32(d.buf[446+12:], uint32(sectors-2048))
	return d
}

func main() {
	klog.SetLevel(klog.LevelInfo)

	bi := &boot.Info{
		MemMap: []boot.MemRegion_t{
			{Base: 0, Length: 1 << 20, Kind: boot.MemKernelAndModules},
			{Base: 1 << 20, Length: ramBytes - (1 << 20), Kind: boot.MemUsable},
		},
		BootUnixNano: time.Now().UnixNano(),
	}

	var entries []mem.MapEntry
	for _, r := range bi.MemMap {
		kind := mem.MapReserved
		switch r.Kind {
		case boot.MemUsable:
			kind = mem.MapUsable
		case boot.MemKernelAndModules:
			kind = mem.MapKernelAndModules
		}
		entries = append(entries, mem.MapEntry{Base: mem.Pa_t(r.Base), Length: uint64(r.Length), Kind: kind})
	}
	pmm, err := mem.NewPMM(entries, ramBytes)
	if err != nil {
		klog.Panic("pmm: %v", err)
	}
	heap := slab.New(pmm.AsPageAllocator())
	if scratch, serr := heap.Alloc(256); serr != 0 {
		klog.Panic("slab: errno %d", serr)
	} else {
		heap.Free(scratch)
	}

	wheel := event.NewWheel(bi.BootUnixNano)
	s := sched.New()
	procs := proc.NewTable(pmm, s)

	// PCI walk, NVMe attach, partition probe
	fn, found := pci.FindNVMe(fakeConfig{})
	if !found {
		klog.Panic("pci: no NVMe controller")
	}
	klog.Info("pci: %v", fn)
	disk := mbrDisk(1 << 16)
	dev := nvme.NewDeviceModel(4, 63, 0)
	dev.AddNamespace(1, disk, 1<<16)
	ctrl, aerr := nvme.Attach(nvme.NewRegs(dev))
	if aerr != nil {
		klog.Panic("nvme: %v", aerr)
	}
	defer ctrl.Shutdown()
	parts, perr := gpt.Probe(disk)
	if perr != 0 {
		klog.Panic("partition probe: errno %d", perr)
	}
	for i, p := range parts {
		klog.Info("nvme0n1p%d: start %d, %d sectors", i+1, p.FirstLBA, p.Len())
	}

	// VFS: tmpfs-ish root with /dev and /tmp
	v := vfs.New()
	for _, dir := range []string{"/dev", "/tmp"} {
		if _, cerr := v.Create(ustr.Ustr(dir), vfs.KindDir, nil); cerr != 0 {
			klog.Panic("vfs: mkdir %s: errno %d", dir, cerr)
		}
	}
	devNode := func(name string, ops fdops.Fdops_i) {
		if _, cerr := v.Create(ustr.Ustr("/dev/"+name), vfs.KindDev, func() (fdops.Fdops_i, defs.Err_t) {
			return ops, 0
		}); cerr != 0 {
			klog.Panic("vfs: mknod %s: errno %d", name, cerr)
		}
	}
	devNode("null", devfs.Null())
	devNode("zero", devfs.Zero())
	devNode("console", devfs.Console(os.Stdout))

	// loopback adapter
	bus := netdev.NewBus()
	lo := netdev.NewAdapter("lo", inet.MAC_t{}, inet.Loopback, inet.IPv4_t{}, inet.IPv4(255, 0, 0, 0), bus)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go lo.Run(ctx)

	k := sys.New(procs, v, pmm, wheel, lo)

	initProc, ierr := procs.NewProc("init")
	if ierr != 0 {
		klog.Panic("proc: errno %d", ierr)
	}
	th := initProc.StartThread(func(tctx context.Context) {
		runInit(tctx, k, initProc)
	})
	th.Wait()
	k.Debug(initProc)
	initProc.Exit(0)
}

// runInit is the in-kernel stand-in for the userspace init binary:
// it exercises the syscall surface end to end on the freshly built
// kernel.
func runInit(ctx context.Context, k *sys.Kernel_t, p *proc.Proc_t) {
	u := k.Uname(p)
	confd, err := k.Openat(p, defs.AT_FDCWD, "/dev/console", defs.O_WRONLY, 0)
	if err != 0 {
		klog.Panic("init: open console: errno %d", err)
	}
	banner := u.Sysname + " " + u.Release + " booting\n"
	k.Write(p, confd, []byte(banner))

	// a file under /tmp, created and written
	fdnum, err := k.Openat(p, defs.AT_FDCWD, "/tmp/hello", defs.O_CREAT|defs.O_RDWR, 0o644)
	if err != 0 {
		klog.Panic("init: creat: errno %d", err)
	}
	k.Write(p, fdnum, []byte("hello from init\n"))
	k.Close(p, fdnum)

	// a pipe between two threads of init
	rfd, wfd, err := k.Pipe(p)
	if err != 0 {
		klog.Panic("init: pipe: errno %d", err)
	}
	writer := p.StartThread(func(context.Context) {
		k.Write(p, wfd, []byte("ping"))
	})
	buf := make([]byte, 4)
	k.Read(p, rfd, buf)
	writer.Wait()
	k.Write(p, confd, append([]byte("pipe: "), append(buf, '\n')...))

	// a UDP datagram over loopback
	sfd, err := k.Socket(p, socket.AF_INET, socket.SOCK_DGRAM)
	if err != 0 {
		klog.Panic("init: socket: errno %d", err)
	}
	dfd, _ := k.Socket(p, socket.AF_INET, socket.SOCK_DGRAM)
	dst := socket.SockaddrIn_t{Port: 4100, IP: inet.Loopback}
	if err := k.Bind(p, dfd, dst.Marshal()); err != 0 {
		klog.Panic("init: bind: errno %d", err)
	}
	k.Sendmsg(p, sfd, []byte("lo"), dst.Marshal(), 0)
	rbuf := make([]byte, 16)
	n, err := k.Recvmsg(p, dfd, rbuf, nil, 0)
	if err != 0 {
		klog.Panic("init: recvmsg: errno %d", err)
	}
	k.Write(p, confd, append([]byte("udp: "), append(rbuf[:n], '\n')...))

	k.Sleep(ctx, p, 5*time.Millisecond)

	k.Close(p, sfd)
	k.Close(p, dfd)
	k.Close(p, rfd)
	k.Close(p, wfd)
	k.Close(p, confd)
}
