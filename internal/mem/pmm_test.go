package mem

import "testing"

func testPMM(t *testing.T) *PMM {
	t.Helper()
	ramSize := uint64(64 * PGSIZE)
	entries := []MapEntry{
		{Base: 0, Length: ramSize, Kind: MapUsable},
	}
	p, err := NewPMM(entries, ramSize)
	if err != nil {
		t.Fatalf("NewPMM: %v", err)
	}
	return p
}

// PMM round-trip property: every frame in a run returned by Alloc
// is marked used, and every frame is marked free again after Free.
func TestAllocFreeRoundTrip(t *testing.T) {
	p := testPMM(t)

	pa, ok := p.Alloc(4)
	if !ok {
		t.Fatal("alloc failed")
	}
	for i := 0; i < 4; i++ {
		fp := pa + Pa_t(i*PGSIZE)
		if !p.Used(fp) {
			t.Fatalf("frame %d not marked used", i)
		}
	}
	before := p.Counters()
	p.Free(pa, 4)
	after := p.Counters()
	if after.Used != before.Used-4 {
		t.Fatalf("used counter did not drop by 4: %d -> %d", before.Used, after.Used)
	}
	for i := 0; i < 4; i++ {
		fp := pa + Pa_t(i*PGSIZE)
		if p.Used(fp) {
			t.Fatalf("frame %d still marked used after free", i)
		}
	}
}

func TestAllocZeroesMemory(t *testing.T) {
	p := testPMM(t)
	pa, ok := p.Alloc(1)
	if !ok {
		t.Fatal("alloc failed")
	}
	buf := p.Dmap(pa)
	buf[10] = 0xAA
	p.Free(pa, 1)
	pa2, ok := p.Alloc(1)
	if !ok {
		t.Fatal("alloc failed")
	}
	if pa2 != pa {
		t.Skip("allocator did not reuse the freed frame this run")
	}
	buf2 := p.Dmap(pa2)
	if buf2[10] != 0 {
		t.Fatalf("freshly allocated page not zeroed: got %x", buf2[10])
	}
}

func TestAllocExhaustion(t *testing.T) {
	p := testPMM(t)
	if _, ok := p.Alloc(65); ok {
		t.Fatal("expected allocation beyond usable frames to fail")
	}
}

func TestCountersConserveUsable(t *testing.T) {
	p := testPMM(t)
	c := p.Counters()
	if c.Used+c.Free != c.Usable {
		t.Fatalf("used+free != usable: %+v", c)
	}
}
