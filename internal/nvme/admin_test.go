package nvme

import (
	"bytes"
	"testing"
)

func TestAttachBringsUpNamespaces(t *testing.T) {
	dev := NewDeviceModel(4, 63, 0)
	b := &memBacking{buf: make([]byte, 1024*BlockSize)}
	dev.AddNamespace(1, b, 1024)

	c, err := Attach(NewRegs(dev))
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	defer c.Shutdown()

	if c.MDTS() != 4 {
		t.Fatalf("MDTS %d, want 4 (from IDENTIFY CNS=1)", c.MDTS())
	}
	if c.IOQueues() != 4 {
		t.Fatalf("negotiated %d IO queues, want 4", c.IOQueues())
	}

	// the attached namespace's queue pair must carry I/O
	data := bytes.Repeat([]byte{0x5a}, BlockSize)
	if errt := c.WriteBlocks(1, 3, data); errt != 0 {
		t.Fatalf("WriteBlocks: %d", errt)
	}
	got := make([]byte, BlockSize)
	if errt := c.ReadBlocks(1, 3, got); errt != 0 {
		t.Fatalf("ReadBlocks: %d", errt)
	}
	if !bytes.Equal(got, data) {
		t.Fatal("round-trip mismatch through attached namespace")
	}
}

func TestAttachCreatesCQBeforeSQ(t *testing.T) {
	dev := NewDeviceModel(4, 63, 0)
	dev.AddNamespace(7, &memBacking{buf: make([]byte, 64 * BlockSize)}, 64)
	c, err := Attach(NewRegs(dev))
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	defer c.Shutdown()
	if !dev.createdCQ[7] || !dev.createdSQ[7] {
		t.Fatal("expected IO CQ and SQ created with the namespace id as queue id")
	}
}

func TestDoorbellStride(t *testing.T) {
	dev := NewDeviceModel(4, 63, 2) // stride 4 << 2 = 16 bytes
	regs := NewRegs(dev)
	if off := regs.DoorbellOffset(0, false); off != dbBase {
		t.Fatalf("admin SQ doorbell at %#x, want %#x", off, dbBase)
	}
	if off := regs.DoorbellOffset(1, true); off != dbBase+3*16 {
		t.Fatalf("io CQ doorbell at %#x, want %#x", off, dbBase+3*16)
	}
}

func TestNegotiateQueuesGrantsMinOfRequest(t *testing.T) {
	dev := NewDeviceModel(4, 15, 0)
	regs := NewRegs(dev)
	regs.WriteCC(0)
	q := newAdminQueue(regs, 16)
	regs.WriteCC(ccEnable)

	granted, err := q.negotiateQueues(4)
	if err != nil {
		t.Fatalf("negotiateQueues: %v", err)
	}
	if granted != 4 {
		t.Fatalf("granted %d, want 4", granted)
	}
	// the re-read must observe the same grant
	again, err := q.negotiateQueues(4)
	if err != nil || again != granted {
		t.Fatalf("re-negotiation drifted: %d vs %d (%v)", again, granted, err)
	}
}
