// Package fd is the top layer of the three-layer descriptor model
// (Resource -> open-file-description -> fdnum): a small
// per-process table of integer fd-slots, each naming a shared
// *res.Resource_t (the middle, open-file-description layer) and
// carrying its own FD_CLOEXEC bit. dup()'ing a descriptor installs a
// second slot pointing at the same Resource_t, so both slots share
// one offset and status through the one underlying Fdops_i instance;
// FD_CLOEXEC is per-slot and is never copied by dup, exactly as
// dup(2) and fcntl(F_DUPFD) behave.
package fd

import "sync"

import "lyrekernel/internal/bpath"
import "lyrekernel/internal/defs"
import "lyrekernel/internal/fdops"
import "lyrekernel/internal/hashtable"
import "lyrekernel/internal/res"
import "lyrekernel/internal/stat"
import "lyrekernel/internal/ustr"

/// File descriptor permission bits.
const (
	FD_READ    = 0x1 /// read permission
	FD_WRITE   = 0x2 /// write permission
	FD_CLOEXEC = 0x4 /// close-on-exec flag
)

/// Fd_t represents an open file descriptor.
type Fd_t struct {
       // fops is an interface implemented via a "pointer receiver", thus fops
       // is a reference, not a value
       Fops  fdops.Fdops_i /// descriptor operations
       Perms int           /// permission bits
}

/// Copyfd duplicates an open file descriptor by reopening it.
func Copyfd(fd *Fd_t) (*Fd_t, defs.Err_t) {
	nfd := &Fd_t{}
	*nfd = *fd
	err := nfd.Fops.Reopen()
	if err != 0 {
		return nil, err
	}
	return nfd, 0
}

/// Close_panic closes the descriptor and panics on failure.
func Close_panic(f *Fd_t) {
	if f.Fops.Close() != 0 {
		panic("must succeed")
	}
}

/// Cwd_t tracks the current working directory for a process.
type Cwd_t struct {
       sync.Mutex // to serialize chdirs
       Fd   *Fd_t    /// current directory fd
       Path ustr.Ustr /// canonical path
}

/// Fullpath joins cwd with p if p is not already absolute.
func (cwd *Cwd_t) Fullpath(p ustr.Ustr) ustr.Ustr {
	if p.IsAbsolute() {
		return p
	} else {
		full := append(cwd.Path, '/')
		return append(full, p...)
	}
}

/// Canonicalpath resolves path components relative to cwd.
func (cwd *Cwd_t) Canonicalpath(p ustr.Ustr) ustr.Ustr {
	p1 := cwd.Fullpath(p)
	return bpath.Canonicalize(p1)
}

/// MkRootCwd constructs a Cwd_t rooted at "/".
func MkRootCwd(fd *Fd_t) *Cwd_t {
	c := &Cwd_t{}
	c.Fd = fd
	c.Path = ustr.MkUstrRoot()
	return c
}

// slot_t is one fd-slot entry: the open-file-description it names plus
// its own close-on-exec bit.
type slot_t struct {
	desc    *res.Resource_t
	cloexec bool
}

/// Table_t is a process's file descriptor table: the fdnum/fd-slot
/// layer over shared *res.Resource_t open-file-descriptions. Backed by
/// internal/hashtable since fd numbers are sparse small integers
/// looked up far more often than the table is resized.
type Table_t struct {
	mu    sync.Mutex
	slots *hashtable.Hashtable_t
	next  int
}

/// NewTable allocates an empty descriptor table.
func NewTable() *Table_t {
	return &Table_t{slots: hashtable.MkHash(64)}
}

// lowestFree finds the smallest unused fd number at or after hint.
// Caller holds t.mu.
func (t *Table_t) lowestFree(hint int) int {
	fdnum := hint
	for {
		if _, ok := t.slots.Get(fdnum); !ok {
			return fdnum
		}
		fdnum++
	}
}

/// Install reserves the lowest unused fd number for desc, carrying
/// cloexec as that slot's own FD_CLOEXEC bit, and returns the number.
func (t *Table_t) Install(desc *res.Resource_t, cloexec bool) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	fdnum := t.lowestFree(t.next)
	t.next = fdnum + 1
	t.slots.Set(fdnum, &slot_t{desc: desc, cloexec: cloexec})
	return fdnum
}

/// Get returns the open-file-description installed at fdnum.
func (t *Table_t) Get(fdnum int) (*res.Resource_t, defs.Err_t) {
	t.mu.Lock()
	v, ok := t.slots.Get(fdnum)
	t.mu.Unlock()
	if !ok {
		return nil, -defs.EBADF
	}
	return v.(*slot_t).desc, 0
}

/// Dup installs a new fd-slot aliasing the same open-file-description
/// as fdnum. The two slots share one offset and status (both read
/// through the same *res.Resource_t's single Fdops_i instance), so an
/// Lseek through either slot is visible through the other; the new
/// slot's FD_CLOEXEC always starts clear, matching dup(2).
func (t *Table_t) Dup(fdnum int) (int, defs.Err_t) {
	t.mu.Lock()
	v, ok := t.slots.Get(fdnum)
	t.mu.Unlock()
	if !ok {
		return -1, -defs.EBADF
	}
	desc := v.(*slot_t).desc
	desc.Ref()
	return t.Install(desc, false), 0
}

/// SetCloexec sets or clears fdnum's own FD_CLOEXEC bit without
/// touching any other slot referencing the same description.
func (t *Table_t) SetCloexec(fdnum int, on bool) defs.Err_t {
	t.mu.Lock()
	defer t.mu.Unlock()
	v, ok := t.slots.Get(fdnum)
	if !ok {
		return -defs.EBADF
	}
	v.(*slot_t).cloexec = on
	return 0
}

/// Close removes fdnum's slot and unrefs its open-file-description,
/// which closes the underlying resource once every slot (original and
/// every Dup) referencing it has gone.
func (t *Table_t) Close(fdnum int) defs.Err_t {
	t.mu.Lock()
	v, ok := t.slots.Get(fdnum)
	if ok {
		t.slots.Del(fdnum)
		if fdnum < t.next {
			t.next = fdnum
		}
	}
	t.mu.Unlock()
	if !ok {
		return -defs.EBADF
	}
	return v.(*slot_t).desc.Unref()
}

/// CloseExec closes every slot with FD_CLOEXEC set, standing in for
/// exec(2)'s descriptor-table scrub.
func (t *Table_t) CloseExec() {
	var doomed []int
	t.mu.Lock()
	for _, p := range t.slots.Elems() {
		if p.Value.(*slot_t).cloexec {
			doomed = append(doomed, p.Key.(int))
		}
	}
	t.mu.Unlock()
	for _, fdnum := range doomed {
		t.Close(fdnum)
	}
}

/// CloseAll tears down every slot, for process exit.
func (t *Table_t) CloseAll() {
	var doomed []int
	t.mu.Lock()
	for _, p := range t.slots.Elems() {
		doomed = append(doomed, p.Key.(int))
	}
	t.mu.Unlock()
	for _, fdnum := range doomed {
		t.Close(fdnum)
	}
}

/// Clone duplicates the whole table for fork(2): every slot's
/// description gains a reference and keeps its own FD_CLOEXEC bit, so
/// parent and child share offsets (dup semantics across fork) while
/// closing independently.
func (t *Table_t) Clone() *Table_t {
	nt := NewTable()
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, p := range t.slots.Elems() {
		s := p.Value.(*slot_t)
		s.desc.Ref()
		nt.slots.Set(p.Key.(int), &slot_t{desc: s.desc, cloexec: s.cloexec})
	}
	nt.next = 0
	return nt
}

/// Fstat populates st with fdnum's resource's stat information.
func (t *Table_t) Fstat(fdnum int, st *stat.Stat_t) defs.Err_t {
	desc, err := t.Get(fdnum)
	if err != 0 {
		return err
	}
	return desc.Ops().Fstat(st)
}
