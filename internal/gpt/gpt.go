// Package gpt parses GUID Partition Tables (and falls back to reading
// a legacy MBR's boot signature) over a block device's first few
// sectors: read the header at LBA 1, validate the "EFI PART"
// signature and header length, then walk the fixed-size entries
// starting at the header's partition-entry LBA.
package gpt

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/pkg/errors"
	"golang.org/x/text/encoding/unicode"

	"lyrekernel/internal/defs"
)

const (
	sectorSize  = 512
	headerLBA   = 1
	entrySize   = 128 // the on-disk default; entries are always this size here
	sigExpected = "EFI PART"
)

// Attribute bits excluding an entry from enumeration.
const (
	AttrDontMount = 2
	AttrLegacy    = 4
)

/// Header_t is the on-disk GPT header (sans the trailing padding to a
/// full sector, which this parser never needs).
type Header_t struct {
	Sig          [8]byte
	Revision     uint32
	HeaderSize   uint32
	CRC32        uint32
	_            uint32
	CurrentLBA   uint64
	BackupLBA    uint64
	FirstUsable  uint64
	LastUsable   uint64
	GUIDLow      uint64
	GUIDHigh     uint64
	PartEntryLBA uint64
	NumEntries   uint32
	EntrySize    uint32
	EntriesCRC32 uint32
}

/// Entry_t is one 128-byte GPT partition entry.
type Entry_t struct {
	TypeLow, TypeHigh uint64
	GUIDLow, GUIDHigh uint64
	FirstLBA, LastLBA uint64
	Attributes        uint64
	NameUTF16         [36]uint16
}

/// Partition_t is a decoded, human-usable partition entry.
type Partition_t struct {
	Name              string
	FirstLBA, LastLBA uint64
	Attributes        uint64
}

/// Len reports the partition's size in sectors (inclusive LBA range).
func (p Partition_t) Len() uint64 { return p.LastLBA - p.FirstLBA + 1 }

func isZeroEntry(e Entry_t) bool {
	return e.TypeLow == 0 && e.TypeHigh == 0
}

/// Read parses the GPT on dev, an io.ReaderAt over the whole block
/// device (e.g. an nvme.Namespace_t-backed reader). It returns
/// ErrNotGPT if the signature doesn't match, so callers can fall back
/// to ReadMBR.
func Read(dev io.ReaderAt) ([]Partition_t, error) {
	hdrBuf := make([]byte, sectorSize)
	if _, err := dev.ReadAt(hdrBuf, headerLBA*sectorSize); err != nil {
		return nil, errors.Wrap(err, "gpt: reading header")
	}
	var hdr Header_t
	if err := binary.Read(bytes.NewReader(hdrBuf), binary.LittleEndian, &hdr); err != nil {
		return nil, err
	}
	if !bytes.Equal(hdr.Sig[:], []byte(sigExpected)) {
		return nil, ErrNotGPT
	}
	if hdr.HeaderSize < 92 {
		return nil, errors.Errorf("gpt: header length %d too short", hdr.HeaderSize)
	}
	if hdr.CurrentLBA != headerLBA {
		return nil, errors.Errorf("gpt: header claims LBA %d, expected %d", hdr.CurrentLBA, headerLBA)
	}
	if hdr.FirstUsable > hdr.LastUsable {
		return nil, errors.Errorf("gpt: first usable LBA %d > last usable LBA %d", hdr.FirstUsable, hdr.LastUsable)
	}

	decoder := unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM).NewDecoder()
	parts := make([]Partition_t, 0, hdr.NumEntries)
	entBuf := make([]byte, entrySize)
	for i := uint32(0); i < hdr.NumEntries; i++ {
		off := int64(hdr.PartEntryLBA)*sectorSize + int64(i)*entrySize
		if _, err := dev.ReadAt(entBuf, off); err != nil {
			return nil, errors.Wrapf(err, "gpt: reading entry %d", i)
		}
		var e Entry_t
		if err := binary.Read(bytes.NewReader(entBuf), binary.LittleEndian, &e); err != nil {
			return nil, err
		}
		if isZeroEntry(e) {
			continue
		}
		if e.Attributes&(AttrDontMount|AttrLegacy) != 0 {
			continue
		}
		raw := make([]byte, len(e.NameUTF16)*2)
		for j, u := range e.NameUTF16 {
			binary.LittleEndian.PutUint16(raw[j*2:], u)
		}
		name, err := decoder.Bytes(raw)
		if err != nil {
			name = raw
		}
		parts = append(parts, Partition_t{
			Name:       decodeName(name),
			FirstLBA:   e.FirstLBA,
			LastLBA:    e.LastLBA,
			Attributes: e.Attributes,
		})
	}
	return parts, nil
}

func decodeName(utf8 []byte) string {
	n := bytes.IndexByte(utf8, 0)
	if n < 0 {
		n = len(utf8)
	}
	return string(utf8[:n])
}

/// ErrNotGPT is returned by Read when the "EFI PART" signature is
/// absent, signalling the caller to try ReadMBR instead.
var ErrNotGPT = errors.Errorf("gpt: no EFI PART signature at LBA %d", headerLBA)

/// MBREntry_t is one legacy 16-byte MBR partition table entry.
type MBREntry_t struct {
	Status    uint8
	CHSStart  [3]byte
	Type      uint8
	CHSEnd    [3]byte
	StartLBA  uint32
	NumSec    uint32
}

/// ReadMBR validates the 0x55AA boot signature and decodes the four
/// legacy primary partition table entries; used only when Read
/// reports ErrNotGPT.
func ReadMBR(dev io.ReaderAt) ([]MBREntry_t, error) {
	sector := make([]byte, sectorSize)
	if _, err := dev.ReadAt(sector, 0); err != nil {
		return nil, errors.Wrap(err, "gpt: reading MBR sector")
	}
	if sector[510] != 0x55 || sector[511] != 0xaa {
		return nil, errors.New("gpt: missing 0x55AA boot signature")
	}
	var entries []MBREntry_t
	for i := 0; i < 4; i++ {
		off := 446 + i*16
		var e MBREntry_t
		if err := binary.Read(bytes.NewReader(sector[off:off+16]), binary.LittleEndian, &e); err != nil {
			return nil, err
		}
		if e.Type == 0 {
			continue
		}
		entries = append(entries, e)
	}
	return entries, nil
}

/// Probe tries Read first and falls back to ReadMBR, returning a
/// uniform partition list; it does not report which table kind was
/// found.
func Probe(dev io.ReaderAt) ([]Partition_t, defs.Err_t) {
	parts, err := Read(dev)
	if err == nil {
		return parts, 0
	}
	if err != ErrNotGPT {
		return nil, -defs.EIO
	}
	mbrEntries, merr := ReadMBR(dev)
	if merr != nil {
		return nil, -defs.EINVAL
	}
	out := make([]Partition_t, 0, len(mbrEntries))
	for _, e := range mbrEntries {
		out = append(out, Partition_t{
			Name:     fmt.Sprintf("mbr-type-%02x", e.Type),
			FirstLBA: uint64(e.StartLBA),
			LastLBA:  uint64(e.StartLBA) + uint64(e.NumSec) - 1,
		})
	}
	return out, 0
}

/// Device_t presents one partition as an independent block device,
/// offsetting every access by the partition's starting LBA and
/// rejecting accesses past its end before forwarding to the root
/// block device.
type Device_t struct {
	Root  interface {
		io.ReaderAt
		io.WriterAt
	}
	StartLBA uint64
	Sectors  uint64
}

func (d *Device_t) bound(off int64, n int) (int64, defs.Err_t) {
	if off < 0 || uint64(off)+uint64(n) > d.Sectors*sectorSize {
		return 0, -defs.EINVAL
	}
	return off + int64(d.StartLBA)*sectorSize, 0
}

func (d *Device_t) ReadAt(p []byte, off int64) (int, error) {
	aoff, err := d.bound(off, len(p))
	if err != 0 {
		return 0, errors.New("gpt: partition read out of range")
	}
	return d.Root.ReadAt(p, aoff)
}

func (d *Device_t) WriteAt(p []byte, off int64) (int, error) {
	aoff, err := d.bound(off, len(p))
	if err != 0 {
		return 0, errors.New("gpt: partition write out of range")
	}
	return d.Root.WriteAt(p, aoff)
}
