package tmpfs

import (
	"testing"

	"lyrekernel/internal/defs"
)

// sliceUio is a minimal fdops.Userio_i over a plain byte slice, used
// in place of a real user-memory buffer (vm.Userbuf_t) for unit tests
// that don't need a whole address space.
type sliceUio struct {
	buf []byte
	off int
}

func (u *sliceUio) Uioread(dst []uint8) (int, defs.Err_t) {
	n := copy(dst, u.buf[u.off:])
	u.off += n
	return n, 0
}
func (u *sliceUio) Uiowrite(src []uint8) (int, defs.Err_t) {
	if u.off+len(src) > len(u.buf) {
		grown := make([]byte, u.off+len(src))
		copy(grown, u.buf)
		u.buf = grown
	}
	n := copy(u.buf[u.off:], src)
	u.off += n
	return n, 0
}
func (u *sliceUio) Remain() int  { return len(u.buf) - u.off }
func (u *sliceUio) Totalsz() int { return len(u.buf) }

func TestWriteThenReadRoundTrip(t *testing.T) {
	f := NewFile()
	h := f.Open()
	src := &sliceUio{buf: []byte("hello tmpfs")}
	if n, err := h.Write(src); err != 0 || n != len(src.buf) {
		t.Fatalf("write n=%d err=%v", n, err)
	}
	h2 := f.Open() // independent offset, same backing data
	dst := &sliceUio{buf: make([]byte, len(src.buf))}
	if n, err := h2.Read(dst); err != 0 || n != len(src.buf) {
		t.Fatalf("read n=%d err=%v", n, err)
	}
	if string(dst.buf) != "hello tmpfs" {
		t.Fatalf("got %q", dst.buf)
	}
}

func TestTruncateGrowsWithZeros(t *testing.T) {
	f := NewFile()
	h := f.Open()
	h.Write(&sliceUio{buf: []byte("ab")})
	if err := h.Truncate(5); err != 0 {
		t.Fatal(err)
	}
	if len(f.data) != 5 {
		t.Fatalf("expected length 5, got %d", len(f.data))
	}
	for _, b := range f.data[2:] {
		if b != 0 {
			t.Fatal("grown region must be zero-filled")
		}
	}
}

func TestPreadDoesNotAdvanceOffset(t *testing.T) {
	f := NewFile()
	h := f.Open()
	h.Write(&sliceUio{buf: []byte("0123456789")})
	dst := &sliceUio{buf: make([]byte, 4)}
	h.Pread(dst, 2)
	if string(dst.buf) != "2345" {
		t.Fatalf("got %q", dst.buf)
	}
	if hh, ok := h.(*handle); ok && hh.off != 10 {
		t.Fatalf("Pread must not move the sequential offset, got %d", hh.off)
	}
}
