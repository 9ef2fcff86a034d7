// Package vfs implements the kernel's virtual filesystem tree: an
// in-memory node graph, path resolution that crosses mountpoints and
// follows symlinks, and the mount/unmount/create/symlink/link/unlink
// operations, with path canonicalization delegated to internal/bpath.
package vfs

import (
	"sync"

	"lyrekernel/internal/bpath"
	"lyrekernel/internal/defs"
	"lyrekernel/internal/fdops"
	"lyrekernel/internal/res"
	"lyrekernel/internal/ustr"
)

const maxSymlinkDepth = 16

/// Kind_t classifies a Node_t.
type Kind_t int

const (
	KindDir Kind_t = iota
	KindFile
	KindSymlink
	KindDev
)

/// Open constructs the Fdops_i backing a node's contents; tmpfs files,
/// devfs device nodes, and pipes each supply their own.
type Open func() (fdops.Fdops_i, defs.Err_t)

/// Node_t is one entry in the VFS tree.
type Node_t struct {
	mu       sync.Mutex
	name     string
	kind     Kind_t
	parent   *Node_t
	children map[string]*Node_t
	target   ustr.Ustr // symlink target, absolute
	mount    *Node_t   // if non-nil, this directory is a mountpoint redirecting here
	open     Open
}

/// NewDir allocates a detached directory node named name.
func NewDir(name string) *Node_t {
	return &Node_t{name: name, kind: KindDir, children: map[string]*Node_t{}}
}

/// NewFile allocates a detached file node backed by open.
func NewFile(name string, open Open) *Node_t {
	return &Node_t{name: name, kind: KindFile, open: open}
}

/// NewDev allocates a detached device node backed by open.
func NewDev(name string, open Open) *Node_t {
	return &Node_t{name: name, kind: KindDev, open: open}
}

/// NewSymlink allocates a detached symlink pointing at target.
func NewSymlink(name string, target ustr.Ustr) *Node_t {
	return &Node_t{name: name, kind: KindSymlink, target: target}
}

func (n *Node_t) resolved() *Node_t {
	if n.kind == KindDir && n.mount != nil {
		return n.mount
	}
	return n
}

/// VFS_t is the kernel-wide filesystem tree, rooted at "/".
type VFS_t struct {
	mu   sync.Mutex
	root *Node_t
}

/// New builds a VFS rooted at an empty directory.
func New() *VFS_t {
	return &VFS_t{root: NewDir("/")}
}

/// Root returns the tree's root node.
func (v *VFS_t) Root() *Node_t { return v.root }

// walk resolves components starting at start, following mountpoints
// and symlinks (up to maxSymlinkDepth), returning the final node or
// ENOENT/ELOOP.
func (v *VFS_t) walk(start *Node_t, parts []ustr.Ustr, depth int) (*Node_t, defs.Err_t) {
	cur := start.resolved()
	for _, comp := range parts {
		name := comp.String()
		if cur.kind != KindDir {
			return nil, -defs.ENOTDIR
		}
		cur.mu.Lock()
		child, ok := cur.children[name]
		cur.mu.Unlock()
		if !ok {
			return nil, -defs.ENOENT
		}
		if child.kind == KindSymlink {
			if depth >= maxSymlinkDepth {
				return nil, -defs.ELOOP
			}
			target, err := v.walk(v.root, bpath.Split(bpath.Canonicalize(child.target)), depth+1)
			if err != 0 {
				return nil, err
			}
			cur = target
			continue
		}
		cur = child.resolved()
	}
	return cur, 0
}

/// Lookup resolves an absolute path to its node.
func (v *VFS_t) Lookup(path ustr.Ustr) (*Node_t, defs.Err_t) {
	parts := bpath.Split(bpath.Canonicalize(path))
	v.mu.Lock()
	root := v.root
	v.mu.Unlock()
	return v.walk(root, parts, 0)
}

/// Mount grafts subtreeRoot onto the directory at path, which must
/// already exist; lookups under path are redirected into subtreeRoot.
func (v *VFS_t) Mount(path ustr.Ustr, subtreeRoot *Node_t) defs.Err_t {
	n, err := v.Lookup(path)
	if err != 0 {
		return err
	}
	if n.kind != KindDir {
		return -defs.ENOTDIR
	}
	n.mu.Lock()
	n.mount = subtreeRoot
	n.mu.Unlock()
	return 0
}

/// Create adds a new node of kind kind under the directory named by
/// the parent of path, named by path's final component.
func (v *VFS_t) Create(path ustr.Ustr, kind Kind_t, open Open) (*Node_t, defs.Err_t) {
	parentPath, name := bpath.Dir(bpath.Canonicalize(path))
	if len(name) == 0 {
		return nil, -defs.EINVAL
	}
	parent, err := v.Lookup(parentPath)
	if err != 0 {
		return nil, err
	}
	if parent.kind != KindDir {
		return nil, -defs.ENOTDIR
	}
	var node *Node_t
	switch kind {
	case KindDir:
		node = NewDir(name.String())
	case KindFile:
		node = NewFile(name.String(), open)
	case KindDev:
		node = NewDev(name.String(), open)
	default:
		return nil, -defs.EINVAL
	}
	node.parent = parent
	parent.mu.Lock()
	defer parent.mu.Unlock()
	if _, exists := parent.children[node.name]; exists {
		return nil, -defs.EEXIST
	}
	parent.children[node.name] = node
	return node, 0
}

/// Symlink creates a symlink at path pointing at target.
func (v *VFS_t) Symlink(path ustr.Ustr, target ustr.Ustr) defs.Err_t {
	parentPath, name := bpath.Dir(bpath.Canonicalize(path))
	parent, err := v.Lookup(parentPath)
	if err != 0 {
		return err
	}
	link := NewSymlink(name.String(), target)
	link.parent = parent
	parent.mu.Lock()
	defer parent.mu.Unlock()
	if _, exists := parent.children[link.name]; exists {
		return -defs.EEXIST
	}
	parent.children[link.name] = link
	return 0
}

/// Link creates a hard link at newpath aliasing the same node as
/// oldpath (tmpfs/devfs nodes carry no separate inode identity here,
/// so aliasing is simply sharing the *Node_t under a second name).
func (v *VFS_t) Link(oldpath, newpath ustr.Ustr) defs.Err_t {
	target, err := v.Lookup(oldpath)
	if err != 0 {
		return err
	}
	if target.kind == KindDir {
		return -defs.EPERM
	}
	parentPath, name := bpath.Dir(bpath.Canonicalize(newpath))
	parent, err := v.Lookup(parentPath)
	if err != 0 {
		return err
	}
	parent.mu.Lock()
	defer parent.mu.Unlock()
	if _, exists := parent.children[name.String()]; exists {
		return -defs.EEXIST
	}
	parent.children[name.String()] = target
	return 0
}

/// Unlink removes the node named by path's final component from its
/// parent directory. Mount points are rejected with EBUSY; they must
/// be unmounted first.
func (v *VFS_t) Unlink(path ustr.Ustr) defs.Err_t {
	parentPath, name := bpath.Dir(bpath.Canonicalize(path))
	parent, err := v.Lookup(parentPath)
	if err != 0 {
		return err
	}
	parent.mu.Lock()
	defer parent.mu.Unlock()
	n, ok := parent.children[name.String()]
	if !ok {
		return -defs.ENOENT
	}
	if n.mount != nil {
		return -defs.EBUSY
	}
	if n.kind == KindDir && len(n.children) > 0 {
		return -defs.ENOTEMPTY
	}
	delete(parent.children, name.String())
	return 0
}

/// Unmount detaches the subtree mounted on the directory at path. A
/// mounted root still holding entries is busy; emptying it first (the
/// way a real unmount requires no open references) makes the original
/// directory's own contents visible again.
func (v *VFS_t) Unmount(path ustr.Ustr) defs.Err_t {
	parentPath, name := bpath.Dir(bpath.Canonicalize(path))
	parent, err := v.Lookup(parentPath)
	if err != 0 {
		return err
	}
	parent.mu.Lock()
	n, ok := parent.children[name.String()]
	parent.mu.Unlock()
	if !ok {
		return -defs.ENOENT
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.mount == nil {
		return -defs.EINVAL
	}
	n.mount.mu.Lock()
	busy := len(n.mount.children) > 0
	n.mount.mu.Unlock()
	if busy {
		return -defs.EBUSY
	}
	n.mount = nil
	return 0
}

/// Pathname reconstructs the absolute path of n by walking its parent
/// chain, for Fullpath()-style Fdops_i calls.
func Pathname(n *Node_t) ustr.Ustr {
	var names []string
	for cur := n; cur != nil && cur.parent != nil; cur = cur.parent {
		names = append([]string{cur.name}, names...)
	}
	p := ustr.MkUstrRoot()
	for i, name := range names {
		if i > 0 {
			p = append(p, '/')
		}
		p = append(p, name...)
	}
	return p
}

/// Open constructs a fresh open-file-description for a file or device
/// node: a new Fdops_i instance (the node's own constructor decides
/// whether that means a fresh independent offset, as tmpfs/devfs do)
/// wrapped in a refcounted *res.Resource_t. Open is the boundary
/// between the VFS tree (the Resource layer) and the descriptor model
/// above it: callers install the returned Resource_t into an
/// internal/fd.Table_t fd-slot, and a later Dup of that slot shares
/// this same Resource_t (and so this same offset) rather than calling
/// Open again.
func (n *Node_t) Open(kind res.Kind_t) (*res.Resource_t, defs.Err_t) {
	if n.open == nil {
		return nil, -defs.EISDIR
	}
	ops, err := n.open()
	if err != 0 {
		return nil, err
	}
	return res.New(kind, ops), 0
}

/// Kind reports the node's kind.
func (n *Node_t) Kind() Kind_t { return n.kind }

/// Name reports the node's own (non-path) name.
func (n *Node_t) Name() string { return n.name }

/// SymlinkTarget returns the node's link target; false for anything
/// that is not a symlink.
func (n *Node_t) SymlinkTarget() (ustr.Ustr, bool) {
	if n.kind != KindSymlink {
		return nil, false
	}
	return n.target, true
}

/// ChildNames lists a directory's entries, the readdir(2) payload.
/// Mountpoints list the mounted root's entries, matching what a path
/// walk through this node would see.
func (n *Node_t) ChildNames() ([]string, defs.Err_t) {
	cur := n.resolved()
	if cur.kind != KindDir {
		return nil, -defs.ENOTDIR
	}
	cur.mu.Lock()
	defer cur.mu.Unlock()
	names := make([]string, 0, len(cur.children))
	for name := range cur.children {
		names = append(names, name)
	}
	return names, 0
}

/// LookupNoFollow resolves path like Lookup but does not follow a
/// symlink in the final component, for readlinkat and O_NOFOLLOW.
func (v *VFS_t) LookupNoFollow(path ustr.Ustr) (*Node_t, defs.Err_t) {
	parentPath, name := bpath.Dir(bpath.Canonicalize(path))
	if len(name) == 0 {
		return v.Lookup(path)
	}
	parent, err := v.Lookup(parentPath)
	if err != 0 {
		return nil, err
	}
	if parent.kind != KindDir {
		return nil, -defs.ENOTDIR
	}
	parent.mu.Lock()
	defer parent.mu.Unlock()
	child, ok := parent.children[name.String()]
	if !ok {
		return nil, -defs.ENOENT
	}
	return child, 0
}
