package udp

import (
	"testing"

	"lyrekernel/internal/inet"
)

func TestHeaderRoundTrip(t *testing.T) {
	src, dst := inet.IPv4(10, 0, 0, 1), inet.IPv4(10, 0, 0, 2)
	h := Header_t{SrcPort: 5000, DestPort: 53}
	raw := h.Marshal(src, dst, []byte("query"))
	gh, payload, err := Unmarshal(raw)
	if err != nil {
		t.Fatal(err)
	}
	if gh != h {
		t.Fatalf("header mismatch: %+v", gh)
	}
	if string(payload) != "query" {
		t.Fatalf("payload mismatch: %q", payload)
	}
}

func TestPortAllocatorUniqueness(t *testing.T) {
	a := NewPortAllocator()
	seen := map[uint16]bool{}
	for i := 0; i < 100; i++ {
		p := a.Alloc()
		if p == 0 {
			t.Fatal("unexpected exhaustion")
		}
		if seen[p] {
			t.Fatalf("port %d allocated twice", p)
		}
		seen[p] = true
	}
}

func TestPortAllocatorReleaseAllowsReuse(t *testing.T) {
	a := NewPortAllocator()
	p := a.Alloc()
	a.Release(p)
	if !a.Reserve(p) {
		t.Fatal("expected to be able to reserve a released port")
	}
}

func TestReserveRejectsDuplicate(t *testing.T) {
	a := NewPortAllocator()
	if !a.Reserve(6000) {
		t.Fatal("first reserve should succeed")
	}
	if a.Reserve(6000) {
		t.Fatal("second reserve of the same port should fail")
	}
}
