// Package res defines the kernel's generic resource abstraction: the
// refcounted wrapper every VFS node, pipe, socket, and device file
// descriptor is opened through, plus Resadd_noblock-style admission
// control.
package res

import (
	"sync"

	"lyrekernel/internal/defs"
	"lyrekernel/internal/fdops"
)

/// Kind_t enumerates the concrete resource kinds backing a descriptor.
type Kind_t int

const (
	KindFile Kind_t = iota
	KindDir
	KindDev
	KindPipe
	KindSock
)

/// Resource_t is the refcounted wrapper around an Fdops_i. Every open
/// of a VFS node, pipe end, or socket holds one reference; the last
/// Unref drops the underlying Fdops_i's Close.
type Resource_t struct {
	mu   sync.Mutex
	refs int
	kind Kind_t
	ops  fdops.Fdops_i
}

/// New wraps ops, grounded with one initial reference.
func New(kind Kind_t, ops fdops.Fdops_i) *Resource_t {
	return &Resource_t{refs: 1, kind: kind, ops: ops}
}

/// Kind reports the resource's concrete kind.
func (r *Resource_t) Kind() Kind_t { return r.kind }

/// Ops returns the underlying operation table.
func (r *Resource_t) Ops() fdops.Fdops_i { return r.ops }

/// Ref bumps the reference count, e.g. on dup()/fork().
func (r *Resource_t) Ref() {
	r.mu.Lock()
	r.refs++
	r.mu.Unlock()
}

/// Unref drops a reference and closes the underlying resource once
/// the count reaches zero.
func (r *Resource_t) Unref() defs.Err_t {
	r.mu.Lock()
	r.refs--
	last := r.refs == 0
	r.mu.Unlock()
	if !last {
		return 0
	}
	return r.ops.Close()
}

// budget is a coarse admission-control limit on outstanding kernel
// resources. A bare-metal kernel would gate on real physical heap
// pressure; this hosted simulation has no comparable global heap
// limit to consult, so a configurable unit budget stands in.
var (
	budgetMu   sync.Mutex
	budgetUsed int
	BudgetMax  = 1 << 20
)

/// Resadd_noblock reserves n units of resource budget without
/// blocking, returning false if doing so would exceed BudgetMax.
func Resadd_noblock(n int) bool {
	budgetMu.Lock()
	defer budgetMu.Unlock()
	if budgetUsed+n > BudgetMax {
		return false
	}
	budgetUsed += n
	return true
}

/// Resdel returns n units of budget previously reserved.
func Resdel(n int) {
	budgetMu.Lock()
	budgetUsed -= n
	budgetMu.Unlock()
}
