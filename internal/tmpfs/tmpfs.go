// Package tmpfs implements an in-memory regular-file filesystem:
// files are just growable byte buffers with no backing device,
// expressed through the fdops.Fdops_i operation table internal/vfs
// dispatches through.
package tmpfs

import (
	"sync"

	"lyrekernel/internal/defs"
	"lyrekernel/internal/fdops"
)

/// File_t is a single tmpfs regular file: a growable byte buffer with
/// an independent read/write offset per open (each Open returns a
/// handle that carries its own offset).
type File_t struct {
	mu   sync.Mutex
	data []byte
}

/// NewFile allocates an empty tmpfs file. The openat syscall calls this
/// once per O_CREAT of a new path and reuses the *File_t across every
/// subsequent Open.
func NewFile() *File_t {
	return &File_t{}
}

/// Open returns a fresh, independently-offset Fdops_i view onto f.
func (f *File_t) Open() fdops.Fdops_i {
	return &handle{f: f}
}

// handle is one open file description: shared data, private offset.
type handle struct {
	f   *File_t
	off int
}

func (h *handle) Close() defs.Err_t  { return 0 }
func (h *handle) Reopen() defs.Err_t { return 0 }

// PageKey identifies the file behind this open, so mappings created
// through independent opens of one file share cached pages (the
// vm.Pager_i hook).
func (h *handle) PageKey() interface{} { return h.f }

func (h *handle) Fstat(st fdops.StatStore) defs.Err_t {
	h.f.mu.Lock()
	defer h.f.mu.Unlock()
	st.Wsize(uint(len(h.f.data)))
	st.Wmode(0644)
	return 0
}

func (h *handle) Lseek(offset, whence int) (int, defs.Err_t) {
	h.f.mu.Lock()
	defer h.f.mu.Unlock()
	switch whence {
	case 0: // SEEK_SET
		h.off = offset
	case 1: // SEEK_CUR
		h.off += offset
	case 2: // SEEK_END
		h.off = len(h.f.data) + offset
	default:
		return 0, -defs.EINVAL
	}
	if h.off < 0 {
		h.off = 0
		return 0, -defs.EINVAL
	}
	return h.off, 0
}

func (h *handle) Mmapi(offset, length int, inhibit bool) ([]fdops.MmapInfo, defs.Err_t) {
	return nil, -defs.ENOSYS
}
func (h *handle) Msync() defs.Err_t { return 0 }

func (h *handle) Read(dst fdops.Userio_i) (int, defs.Err_t) {
	h.f.mu.Lock()
	n, err := h.readAt(dst, h.off)
	if err == 0 {
		h.off += n
	}
	h.f.mu.Unlock()
	return n, err
}

func (h *handle) Pread(dst fdops.Userio_i, offset int) (int, defs.Err_t) {
	h.f.mu.Lock()
	defer h.f.mu.Unlock()
	return h.readAt(dst, offset)
}

func (h *handle) readAt(dst fdops.Userio_i, offset int) (int, defs.Err_t) {
	if offset < 0 || offset >= len(h.f.data) {
		return 0, 0
	}
	end := len(h.f.data)
	if r := dst.Remain(); offset+r < end {
		end = offset + r
	}
	return dst.Uiowrite(h.f.data[offset:end])
}

func (h *handle) Write(src fdops.Userio_i) (int, defs.Err_t) {
	h.f.mu.Lock()
	n, err := h.writeAt(src, h.off)
	if err == 0 {
		h.off += n
	}
	h.f.mu.Unlock()
	return n, err
}

func (h *handle) Pwrite(src fdops.Userio_i, offset int) (int, defs.Err_t) {
	h.f.mu.Lock()
	defer h.f.mu.Unlock()
	return h.writeAt(src, offset)
}

func (h *handle) writeAt(src fdops.Userio_i, offset int) (int, defs.Err_t) {
	need := offset + src.Remain()
	if need > len(h.f.data) {
		grown := make([]byte, need)
		copy(grown, h.f.data)
		h.f.data = grown
	}
	n, err := src.Uioread(h.f.data[offset:])
	return n, err
}

func (h *handle) Truncate(newlen uint) defs.Err_t {
	h.f.mu.Lock()
	defer h.f.mu.Unlock()
	if int(newlen) <= len(h.f.data) {
		h.f.data = h.f.data[:newlen]
		return 0
	}
	grown := make([]byte, newlen)
	copy(grown, h.f.data)
	h.f.data = grown
	return 0
}

func (h *handle) Fullpath() (string, defs.Err_t) { return "", -defs.ENOSYS }

func (h *handle) Poll(want fdops.Ready_t) (fdops.Ready_t, defs.Err_t) {
	return want & (fdops.POLLIN | fdops.POLLOUT), 0
}
