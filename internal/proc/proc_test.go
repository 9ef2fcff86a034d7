package proc

import (
	"context"
	"testing"

	"lyrekernel/internal/defs"
	"lyrekernel/internal/mem"
	"lyrekernel/internal/sched"
)

func testTable(t *testing.T) *Table_t {
	t.Helper()
	entries := []mem.MapEntry{{Base: 0, Length: 4096 * 1024, Kind: mem.MapUsable}}
	pmm, err := mem.NewPMM(entries, 4096*1024)
	if err != nil {
		t.Fatalf("NewPMM: %v", err)
	}
	return NewTable(pmm, sched.New())
}

func TestForkSharesDescriptionsAndIsolatesMemory(t *testing.T) {
	tab := testTable(t)
	parent, errt := tab.NewProc("parent")
	if errt != 0 {
		t.Fatal(errt)
	}

	base, errt := parent.MmapAnon(mem.PGSIZE, mem.PTE_W, false)
	if errt != 0 {
		t.Fatal(errt)
	}
	parent.Aspace.Mkuserbuf(base, 2).Uiowrite([]byte{0x34, 0x12})

	child, errt := parent.Fork("child")
	if errt != 0 {
		t.Fatal(errt)
	}
	if child.Ppid != parent.Pid {
		t.Fatalf("child ppid %d, want %d", child.Ppid, parent.Pid)
	}

	// child's first write must land on a private copy
	child.Aspace.Mkuserbuf(base, 2).Uiowrite([]byte{0x78, 0x56})

	pbuf := make([]byte, 2)
	parent.Aspace.Mkuserbuf(base, 2).Uioread(pbuf)
	if pbuf[0] != 0x34 || pbuf[1] != 0x12 {
		t.Fatalf("parent memory mutated by child: % x", pbuf)
	}
}

func TestWaitReapsExitedChild(t *testing.T) {
	tab := testTable(t)
	parent, _ := tab.NewProc("parent")
	child, errt := parent.Fork("child")
	if errt != 0 {
		t.Fatal(errt)
	}

	child.Exit(7)

	pid, status, errt := parent.Wait(context.Background())
	if errt != 0 {
		t.Fatal(errt)
	}
	if pid != child.Pid || status != 7 {
		t.Fatalf("reaped (%d, %d), want (%d, 7)", pid, status, child.Pid)
	}
	if _, ok := tab.Lookup(child.Pid); ok {
		t.Fatal("reaped child still in the process table")
	}
}

func TestUmaskReturnsPrevious(t *testing.T) {
	tab := testTable(t)
	p, _ := tab.NewProc("p")
	if old := p.Umask(0o027); old != 0o022 {
		t.Fatalf("default umask %o, want 022", old)
	}
	if cur := p.CurUmask(); cur != 0o027 {
		t.Fatalf("umask %o after set, want 027", cur)
	}
}

func TestFutexWaitWake(t *testing.T) {
	tab := testTable(t)
	p, _ := tab.NewProc("p")
	base, errt := p.MmapAnon(mem.PGSIZE, mem.PTE_W, false)
	if errt != 0 {
		t.Fatal(errt)
	}
	// the futex word starts zeroed (fresh anonymous page), so waiting
	// on any other expected value fails the compare immediately
	if errt := tab.FutexWait(context.Background(), p, base, 1); errt != -defs.EAGAIN {
		t.Fatalf("mismatched expected value: got %d, want -EAGAIN", errt)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		tab.FutexWait(context.Background(), p, base, 0)
	}()
	// wake until the waiter has gone through attach + wake
	for {
		tab.FutexWake(p, base)
		select {
		case <-done:
			return
		default:
		}
	}
}

func TestUnameIsStable(t *testing.T) {
	u := Uname()
	if u.Sysname != "Lyre" || u.Machine != "x86_64" {
		t.Fatalf("unexpected uname: %+v", u)
	}
}
