package gpt

import (
	"bytes"
	"encoding/binary"
	"testing"
)

type memDisk struct {
	buf []byte
}

func (m *memDisk) ReadAt(p []byte, off int64) (int, error) {
	n := copy(p, m.buf[off:])
	return n, nil
}
func (m *memDisk) WriteAt(p []byte, off int64) (int, error) {
	n := copy(m.buf[off:], p)
	return n, nil
}

func buildSyntheticGPT(numSectors int) *memDisk {
	d := &memDisk{buf: make([]byte, numSectors*sectorSize)}

	entries := []Entry_t{
		{TypeLow: 1, FirstLBA: 34, LastLBA: 1000},
		{TypeLow: 1, FirstLBA: 1001, LastLBA: 2000},
	}
	namesUTF16 := [][]uint16{toUTF16("root"), toUTF16("swap")}
	for i := range entries {
		copy(entries[i].NameUTF16[:], namesUTF16[i])
	}

	partLBA := uint64(2)
	hdr := Header_t{
		Revision:     0x00010000,
		HeaderSize:   92,
		CurrentLBA:   headerLBA,
		FirstUsable:  34,
		LastUsable:   uint64(numSectors) - 34,
		PartEntryLBA: partLBA,
		NumEntries:   uint32(len(entries)),
		EntrySize:    entrySize,
	}
	copy(hdr.Sig[:], sigExpected)

	var hbuf bytes.Buffer
	binary.Write(&hbuf, binary.LittleEndian, &hdr)
	copy(d.buf[headerLBA*sectorSize:], hbuf.Bytes())

	for i, e := range entries {
		var ebuf bytes.Buffer
		binary.Write(&ebuf, binary.LittleEndian, &e)
		off := int64(partLBA)*sectorSize + int64(i)*entrySize
		copy(d.buf[off:], ebuf.Bytes())
	}
	return d
}

func toUTF16(s string) []uint16 {
	out := make([]uint16, 0, len(s))
	for _, r := range s {
		out = append(out, uint16(r))
	}
	return out
}

func TestReadParsesSyntheticPartitionTable(t *testing.T) {
	d := buildSyntheticGPT(4096)
	parts, err := Read(d)
	if err != nil {
		t.Fatal(err)
	}
	if len(parts) != 2 {
		t.Fatalf("expected 2 partitions, got %d", len(parts))
	}
	if parts[0].Name != "root" || parts[1].Name != "swap" {
		t.Fatalf("unexpected names: %q %q", parts[0].Name, parts[1].Name)
	}
	if parts[0].Len() != 1000-34+1 {
		t.Fatalf("unexpected partition length: %d", parts[0].Len())
	}
}

func TestReadRejectsBadSignature(t *testing.T) {
	d := &memDisk{buf: make([]byte, 4096*sectorSize)}
	if _, err := Read(d); err != ErrNotGPT {
		t.Fatalf("expected ErrNotGPT, got %v", err)
	}
}

func TestProbeFallsBackToMBR(t *testing.T) {
	d := &memDisk{buf: make([]byte, 4096*sectorSize)}
	d.buf[510] = 0x55
	d.buf[511] = 0xaa
	entOff := 446
	binary.LittleEndian.PutUint32(d.buf[entOff+4:], 0) // status/chs unused; type at +4
	d.buf[entOff+4] = 0x83
	binary.LittleEndian.PutUint32(d.buf[entOff+8:], 2048)
	binary.LittleEndian.PutUint32(d.buf[entOff+12:], 4096)

	parts, err := Probe(d)
	if err != 0 {
		t.Fatal(err)
	}
	if len(parts) != 1 {
		t.Fatalf("expected 1 legacy partition, got %d", len(parts))
	}
	if parts[0].FirstLBA != 2048 {
		t.Fatalf("unexpected start LBA %d", parts[0].FirstLBA)
	}
}

func TestDeviceRejectsOutOfRangeAccess(t *testing.T) {
	root := &memDisk{buf: make([]byte, 4096*sectorSize)}
	dev := &Device_t{Root: root, StartLBA: 100, Sectors: 10}
	buf := make([]byte, sectorSize)
	if _, err := dev.ReadAt(buf, int64(10*sectorSize)); err == nil {
		t.Fatal("expected an error reading past the partition end")
	}
	if _, err := dev.ReadAt(buf, 0); err != nil {
		t.Fatalf("in-range read should succeed: %v", err)
	}
}
