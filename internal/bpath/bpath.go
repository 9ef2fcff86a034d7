// Package bpath implements path canonicalization and component
// splitting for the VFS path resolver.
package bpath

import "lyrekernel/internal/ustr"

/// Canonicalize collapses "." and ".." components and duplicate
/// slashes out of an absolute path, without touching the filesystem.
/// Lifted out of Cwd_t.Canonicalpath so the VFS resolver can reuse it
/// for symlink targets too.
func Canonicalize(p ustr.Ustr) ustr.Ustr {
	parts := Split(p)
	out := make([]ustr.Ustr, 0, len(parts))
	for _, c := range parts {
		switch {
		case c.Isdot() || len(c) == 0:
			continue
		case c.Isdotdot():
			if len(out) > 0 {
				out = out[:len(out)-1]
			}
		default:
			out = append(out, c)
		}
	}
	r := ustr.MkUstrRoot()
	for i, c := range out {
		if i > 0 {
			r = append(r, '/')
		}
		r = append(r, c...)
	}
	return r
}

/// Split breaks a path into its '/'-separated components, dropping
/// empty components produced by leading/trailing/duplicate slashes.
func Split(p ustr.Ustr) []ustr.Ustr {
	var out []ustr.Ustr
	start := 0
	for i := 0; i <= len(p); i++ {
		if i == len(p) || p[i] == '/' {
			if i > start {
				out = append(out, p[start:i])
			}
			start = i + 1
		}
	}
	return out
}

/// Dir returns the parent path of p and the final component's name.
func Dir(p ustr.Ustr) (ustr.Ustr, ustr.Ustr) {
	parts := Split(p)
	if len(parts) == 0 {
		return ustr.MkUstrRoot(), ustr.MkUstr()
	}
	name := parts[len(parts)-1]
	parent := ustr.MkUstrRoot()
	for i := 0; i < len(parts)-1; i++ {
		if i > 0 {
			parent = append(parent, '/')
		}
		parent = append(parent, parts[i]...)
	}
	return parent, name
}
