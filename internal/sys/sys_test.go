package sys

import (
	"context"
	"testing"
	"time"

	"lyrekernel/internal/defs"
	"lyrekernel/internal/event"
	"lyrekernel/internal/inet"
	"lyrekernel/internal/mem"
	"lyrekernel/internal/netdev"
	"lyrekernel/internal/proc"
	"lyrekernel/internal/sched"
	"lyrekernel/internal/socket"
	"lyrekernel/internal/vfs"
)

func testKernel(t *testing.T) (*Kernel_t, *proc.Proc_t, context.CancelFunc) {
	t.Helper()
	entries := []mem.MapEntry{{Base: 0, Length: 4096 * 2048, Kind: mem.MapUsable}}
	pmm, err := mem.NewPMM(entries, 4096*2048)
	if err != nil {
		t.Fatalf("NewPMM: %v", err)
	}
	procs := proc.NewTable(pmm, sched.New())
	v := vfs.New()
	wheel := event.NewWheel(0)

	bus := netdev.NewBus()
	lo := netdev.NewAdapter("lo", inet.MAC_t{}, inet.Loopback, inet.IPv4_t{}, inet.IPv4(255, 0, 0, 0), bus)
	ctx, cancel := context.WithCancel(context.Background())
	go lo.Run(ctx)

	k := New(procs, v, pmm, wheel, lo)
	p, errt := procs.NewProc("test")
	if errt != 0 {
		t.Fatal(errt)
	}
	return k, p, func() {
		cancel()
		wheel.Close()
	}
}

func TestOpenWriteReadAndDupSharedOffset(t *testing.T) {
	k, p, stop := testKernel(t)
	defer stop()

	fdnum, errt := k.Openat(p, defs.AT_FDCWD, "/f", defs.O_CREAT|defs.O_RDWR, 0o644)
	if errt != 0 {
		t.Fatal(errt)
	}
	if n, errt := k.Write(p, fdnum, []byte("abcdef")); errt != 0 || n != 6 {
		t.Fatalf("write: n=%d err=%d", n, errt)
	}

	// a second open gets its own offset and reads from the start
	fd2, errt := k.Openat(p, defs.AT_FDCWD, "/f", defs.O_RDWR, 0)
	if errt != 0 {
		t.Fatal(errt)
	}
	buf := make([]byte, 3)
	if n, errt := k.Read(p, fd2, buf); errt != 0 || n != 3 || string(buf) != "abc" {
		t.Fatalf("read: n=%d err=%d buf=%q", n, errt, buf)
	}

	// a dup of fd2 shares fd2's offset and continues from it
	fd3, errt := k.Dup(p, fd2)
	if errt != 0 {
		t.Fatal(errt)
	}
	if n, errt := k.Read(p, fd3, buf); errt != 0 || n != 3 || string(buf) != "def" {
		t.Fatalf("read via dup: n=%d err=%d buf=%q", n, errt, buf)
	}

	k.Close(p, fdnum)
	k.Close(p, fd2)
	k.Close(p, fd3)
}

func TestMkdirReaddirUnlink(t *testing.T) {
	k, p, stop := testKernel(t)
	defer stop()

	if errt := k.Mkdirat(p, defs.AT_FDCWD, "/d", 0o755); errt != 0 {
		t.Fatal(errt)
	}
	if fdnum, errt := k.Openat(p, defs.AT_FDCWD, "/d/x", defs.O_CREAT|defs.O_WRONLY, 0o644); errt != 0 {
		t.Fatal(errt)
	} else {
		k.Close(p, fdnum)
	}

	dfd, errt := k.Openat(p, defs.AT_FDCWD, "/d", defs.O_DIRECTORY, 0)
	if errt != 0 {
		t.Fatal(errt)
	}
	names, errt := k.Readdir(p, dfd)
	if errt != 0 || len(names) != 1 || names[0] != "x" {
		t.Fatalf("readdir: %v err=%d", names, errt)
	}
	k.Close(p, dfd)

	if errt := k.Unlinkat(p, defs.AT_FDCWD, "/d/x"); errt != 0 {
		t.Fatal(errt)
	}
	if _, errt := k.Openat(p, defs.AT_FDCWD, "/d/x", 0, 0); errt != -defs.ENOENT {
		t.Fatalf("open after unlink: %d, want -ENOENT", errt)
	}
}

func TestChdirAffectsRelativeOpens(t *testing.T) {
	k, p, stop := testKernel(t)
	defer stop()

	k.Mkdirat(p, defs.AT_FDCWD, "/d", 0o755)
	if fdnum, errt := k.Openat(p, defs.AT_FDCWD, "/d/y", defs.O_CREAT|defs.O_WRONLY, 0o644); errt != 0 {
		t.Fatal(errt)
	} else {
		k.Close(p, fdnum)
	}
	if errt := k.Chdir(p, "/d"); errt != 0 {
		t.Fatal(errt)
	}
	if cwd, _ := k.Getcwd(p); cwd != "/d" {
		t.Fatalf("getcwd %q, want /d", cwd)
	}
	fdnum, errt := k.Openat(p, defs.AT_FDCWD, "y", 0, 0)
	if errt != 0 {
		t.Fatalf("relative open after chdir: %d", errt)
	}
	k.Close(p, fdnum)
}

func TestPipeRoundTrip(t *testing.T) {
	k, p, stop := testKernel(t)
	defer stop()

	rfd, wfd, errt := k.Pipe(p)
	if errt != 0 {
		t.Fatal(errt)
	}
	go k.Write(p, wfd, []byte("ping"))
	buf := make([]byte, 4)
	if n, errt := k.Read(p, rfd, buf); errt != 0 || string(buf[:n]) != "ping" {
		t.Fatalf("pipe read: n=%d err=%d buf=%q", n, errt, buf)
	}
	k.Close(p, rfd)
	k.Close(p, wfd)
}

func TestSocketpairRoundTrip(t *testing.T) {
	k, p, stop := testKernel(t)
	defer stop()

	afd, bfd, errt := k.Socketpair(p, socket.AF_UNIX, socket.SOCK_STREAM)
	if errt != 0 {
		t.Fatal(errt)
	}
	if n, errt := k.Sendmsg(p, afd, []byte("hi"), nil, 0); errt != 0 || n != 2 {
		t.Fatalf("sendmsg: n=%d err=%d", n, errt)
	}
	buf := make([]byte, 8)
	if n, errt := k.Recvmsg(p, bfd, buf, nil, 0); errt != 0 || string(buf[:n]) != "hi" {
		t.Fatalf("recvmsg: n=%d err=%d buf=%q", n, errt, buf)
	}
	k.Close(p, afd)
	k.Close(p, bfd)
}

func TestUDPOverLoopback(t *testing.T) {
	k, p, stop := testKernel(t)
	defer stop()

	dfd, errt := k.Socket(p, socket.AF_INET, socket.SOCK_DGRAM)
	if errt != 0 {
		t.Fatal(errt)
	}
	dst := socket.SockaddrIn_t{Port: 41002, IP: inet.Loopback}
	if errt := k.Bind(p, dfd, dst.Marshal()); errt != 0 {
		t.Fatal(errt)
	}
	sfd, _ := k.Socket(p, socket.AF_INET, socket.SOCK_DGRAM)
	if n, errt := k.Sendmsg(p, sfd, []byte("hello"), dst.Marshal(), 0); errt != 0 || n != 5 {
		t.Fatalf("sendmsg: n=%d err=%d", n, errt)
	}
	buf := make([]byte, 16)
	from := NewBuf(make([]byte, 16))
	n, errt := k.Recvmsg(p, dfd, buf, from, 0)
	if errt != 0 || string(buf[:n]) != "hello" {
		t.Fatalf("recvmsg: n=%d err=%d buf=%q", n, errt, buf)
	}
	k.Close(p, sfd)
	k.Close(p, dfd)
}

func TestMmapAnonReadWrite(t *testing.T) {
	k, p, stop := testKernel(t)
	defer stop()

	base, errt := k.Mmap(p, 0, mem.PGSIZE, defs.PROT_READ|defs.PROT_WRITE, defs.MAP_PRIVATE|defs.MAP_ANONYMOUS, -1, 0)
	if errt != 0 {
		t.Fatal(errt)
	}
	p.Aspace.Mkuserbuf(base, 4).Uiowrite([]byte("mmap"))
	buf := make([]byte, 4)
	p.Aspace.Mkuserbuf(base, 4).Uioread(buf)
	if string(buf) != "mmap" {
		t.Fatalf("mmap round-trip: %q", buf)
	}
	if errt := k.Munmap(p, base, mem.PGSIZE); errt != 0 {
		t.Fatal(errt)
	}
}

func TestSleepAndGetclock(t *testing.T) {
	k, p, stop := testKernel(t)
	defer stop()

	before, _ := k.Getclock(p, defs.CLOCK_MONOTONIC)
	if errt := k.Sleep(context.Background(), p, 20*time.Millisecond); errt != 0 {
		t.Fatal(errt)
	}
	after, _ := k.Getclock(p, defs.CLOCK_MONOTONIC)
	if after < before {
		t.Fatalf("monotonic clock went backwards: %d -> %d", before, after)
	}
}

func TestUmaskAndUname(t *testing.T) {
	k, p, stop := testKernel(t)
	defer stop()

	if old := k.Umask(p, 0o077); old != 0o022 {
		t.Fatalf("umask returned %o, want 022", old)
	}
	if u := k.Uname(p); u.Sysname != "Lyre" {
		t.Fatalf("uname sysname %q", u.Sysname)
	}
	if errt := k.Debug(p); errt != 0 {
		t.Fatal(errt)
	}
}
