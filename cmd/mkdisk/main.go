// Command mkdisk builds a raw GPT-partitioned disk image suitable for
// the nvme.Namespace_t file-backed test harness and internal/gpt's
// partition enumeration.
//
// An earlier incarnation of this tool built an ext2-shaped filesystem
// image by walking a skeleton directory. That target filesystem is an
// external collaborator, so this version builds the one on-disk
// artifact the core itself owns: a GPT-labeled block device image with
// caller-specified partitions, using golang.org/x/sys/unix for the
// same file-backed I/O shape pread/pwrite/Flock give a real block
// device and github.com/pkg/errors to wrap host I/O failures with
// context.
package main

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"strconv"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"lyrekernel/internal/gpt"
)

const sectorSize = 512

// partLBA is where the partition entry array begins; one sector after
// the GPT header, matching the layout gpt_test.go exercises.
const partLBA = 2

// usableStart leaves room for the header and entry array before the
// first partition's first usable LBA.
const usableStart = 34

func usage() {
	fmt.Fprintf(os.Stderr, "usage: mkdisk <image> <total-MiB> <part-MiB>...\n")
	os.Exit(1)
}

func main() {
	if len(os.Args) < 4 {
		usage()
	}
	image := os.Args[1]
	totalMiB, err := strconv.ParseUint(os.Args[2], 10, 64)
	if err != nil {
		fmt.Fprintf(os.Stderr, "mkdisk: bad total size %q: %v\n", os.Args[2], err)
		os.Exit(1)
	}
	partsMiB := make([]uint64, 0, len(os.Args)-3)
	for _, a := range os.Args[3:] {
		v, err := strconv.ParseUint(a, 10, 64)
		if err != nil {
			fmt.Fprintf(os.Stderr, "mkdisk: bad partition size %q: %v\n", a, err)
			os.Exit(1)
		}
		partsMiB = append(partsMiB, v)
	}

	if err := build(image, totalMiB, partsMiB); err != nil {
		fmt.Fprintf(os.Stderr, "mkdisk: %v\n", err)
		os.Exit(1)
	}
}

func build(image string, totalMiB uint64, partsMiB []uint64) error {
	totalSectors := totalMiB * 1024 * 1024 / sectorSize

	f, err := os.OpenFile(image, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return errors.Wrapf(err, "creating %s", image)
	}
	defer f.Close()

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
		return errors.Wrap(err, "flock image")
	}
	defer unix.Flock(int(f.Fd()), unix.LOCK_UN)

	if err := unix.Fallocate(int(f.Fd()), 0, 0, int64(totalSectors*sectorSize)); err != nil {
		// Fallocate is unsupported on some filesystems (tmpfs); fall
		// back to a plain truncate, which still reserves the size.
		if err := f.Truncate(int64(totalSectors * sectorSize)); err != nil {
			return errors.Wrap(err, "sizing image")
		}
	}

	entries, err := layoutPartitions(totalSectors, partsMiB)
	if err != nil {
		return err
	}

	if err := writeProtectiveMBR(f, totalSectors); err != nil {
		return err
	}
	if err := writeGPT(f, totalSectors, entries); err != nil {
		return err
	}
	return nil
}

// layoutPartitions packs each requested partition size, in order,
// starting at usableStart, leaving one sector of slack between them.
func layoutPartitions(totalSectors uint64, partsMiB []uint64) ([]gpt.Entry_t, error) {
	entries := make([]gpt.Entry_t, 0, len(partsMiB))
	next := uint64(usableStart)
	for i, mib := range partsMiB {
		sectors := mib * 1024 * 1024 / sectorSize
		if sectors == 0 {
			return nil, errors.Errorf("partition %d: size %d MiB is smaller than one sector", i, mib)
		}
		last := next + sectors - 1
		if last >= totalSectors {
			return nil, errors.Errorf("partition %d: does not fit in a %d-sector image", i, totalSectors)
		}
		e := gpt.Entry_t{
			TypeLow:  1,
			FirstLBA: next,
			LastLBA:  last,
		}
		name := []rune(fmt.Sprintf("part%d", i))
		for j, r := range name {
			if j >= len(e.NameUTF16) {
				break
			}
			e.NameUTF16[j] = uint16(r)
		}
		entries = append(entries, e)
		next = last + 2
	}
	return entries, nil
}

func writeGPT(f *os.File, totalSectors uint64, entries []gpt.Entry_t) error {
	hdr := gpt.Header_t{
		Revision:     0x00010000,
		HeaderSize:   92,
		CurrentLBA:   1,
		FirstUsable:  usableStart,
		LastUsable:   totalSectors - usableStart,
		PartEntryLBA: partLBA,
		NumEntries:   uint32(len(entries)),
		EntrySize:    128,
	}
	copy(hdr.Sig[:], "EFI PART")

	var hbuf bytes.Buffer
	if err := binary.Write(&hbuf, binary.LittleEndian, &hdr); err != nil {
		return errors.Wrap(err, "encoding gpt header")
	}
	if _, err := unix.Pwrite(int(f.Fd()), hbuf.Bytes(), 1*sectorSize); err != nil {
		return errors.Wrap(err, "writing gpt header")
	}

	for i, e := range entries {
		var ebuf bytes.Buffer
		if err := binary.Write(&ebuf, binary.LittleEndian, &e); err != nil {
			return errors.Wrapf(err, "encoding partition entry %d", i)
		}
		off := int64(partLBA)*sectorSize + int64(i)*128
		if _, err := unix.Pwrite(int(f.Fd()), ebuf.Bytes(), off); err != nil {
			return errors.Wrapf(err, "writing partition entry %d", i)
		}
	}
	return nil
}

// writeProtectiveMBR marks the whole disk as belonging to a single
// 0xEE (GPT protective) MBR partition, the usual hint to legacy tools
// that this is not a plain MBR disk.
func writeProtectiveMBR(f *os.File, totalSectors uint64) error {
	sector := make([]byte, sectorSize)
	sector[446] = 0          // status
	sector[446+4] = 0xEE     // type: GPT protective
	binary.LittleEndian.PutUint32(sector[446+8:], 1)
	max := totalSectors - 1
	if max > 0xFFFFFFFF {
		max = 0xFFFFFFFF
	}
	binary.LittleEndian.PutUint32(sector[446+12:], uint32(max))
	sector[510] = 0x55
	sector[511] = 0xaa
	_, err := unix.Pwrite(int(f.Fd()), sector, 0)
	if err != nil {
		return errors.Wrap(err, "writing protective MBR")
	}
	return nil
}
