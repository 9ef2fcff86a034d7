package vfs

import (
	"testing"

	"lyrekernel/internal/defs"
	"lyrekernel/internal/fdops"
	"lyrekernel/internal/res"
	"lyrekernel/internal/tmpfs"
	"lyrekernel/internal/ustr"
)

func tmpfsOpen(f *tmpfs.File_t) Open {
	return func() (fdops.Fdops_i, defs.Err_t) { return f.Open(), 0 }
}

func TestCreateAndLookupRoundTrip(t *testing.T) {
	v := New()
	v.Create(ustr.Ustr("/etc"), KindDir, nil)
	f := tmpfs.NewFile()
	if _, err := v.Create(ustr.Ustr("/etc/passwd"), KindFile, tmpfsOpen(f)); err != 0 {
		t.Fatal(err)
	}
	n, err := v.Lookup(ustr.Ustr("/etc/passwd"))
	if err != 0 {
		t.Fatal(err)
	}
	if n.Kind() != KindFile || n.Name() != "passwd" {
		t.Fatalf("unexpected node: kind=%d name=%s", n.Kind(), n.Name())
	}
}

func TestSymlinkFollowed(t *testing.T) {
	v := New()
	v.Create(ustr.Ustr("/a"), KindDir, nil)
	f := tmpfs.NewFile()
	v.Create(ustr.Ustr("/a/real"), KindFile, tmpfsOpen(f))
	v.Symlink(ustr.Ustr("/link"), ustr.Ustr("/a/real"))
	n, err := v.Lookup(ustr.Ustr("/link"))
	if err != 0 {
		t.Fatal(err)
	}
	if n.Kind() != KindFile {
		t.Fatalf("expected symlink to resolve to the file, got kind %d", n.Kind())
	}
}

func TestUnlinkRemovesNode(t *testing.T) {
	v := New()
	f := tmpfs.NewFile()
	v.Create(ustr.Ustr("/x"), KindFile, tmpfsOpen(f))
	if err := v.Unlink(ustr.Ustr("/x")); err != 0 {
		t.Fatal(err)
	}
	if _, err := v.Lookup(ustr.Ustr("/x")); err != -defs.ENOENT {
		t.Fatalf("expected ENOENT after unlink, got %v", err)
	}
}

func TestMountRedirectsLookup(t *testing.T) {
	v := New()
	v.Create(ustr.Ustr("/mnt"), KindDir, nil)
	sub := NewDir("/")
	f := tmpfs.NewFile()
	child := NewFile("hi", tmpfsOpen(f))
	child.parent = sub
	sub.children["hi"] = child
	if err := v.Mount(ustr.Ustr("/mnt"), sub); err != 0 {
		t.Fatal(err)
	}
	n, err := v.Lookup(ustr.Ustr("/mnt/hi"))
	if err != 0 {
		t.Fatal(err)
	}
	if n.Name() != "hi" {
		t.Fatalf("expected mounted node, got %s", n.Name())
	}
}

func TestCreateThenOpenFile(t *testing.T) {
	v := New()
	f := tmpfs.NewFile()
	n, err := v.Create(ustr.Ustr("/data"), KindFile, tmpfsOpen(f))
	if err != 0 {
		t.Fatal(err)
	}
	r, err := n.Open(res.KindFile)
	if err != 0 {
		t.Fatal(err)
	}
	defer r.Unref()
}

func TestUnmountBusyThenSucceeds(t *testing.T) {
	v := New()
	v.Create(ustr.Ustr("/a"), KindDir, nil)
	if _, err := v.Create(ustr.Ustr("/a/orig"), KindDir, nil); err != 0 {
		t.Fatal(err)
	}

	sub := NewDir("/")
	if err := v.Mount(ustr.Ustr("/a"), sub); err != 0 {
		t.Fatal(err)
	}
	f := tmpfs.NewFile()
	if _, err := v.Create(ustr.Ustr("/a/b"), KindFile, tmpfsOpen(f)); err != 0 {
		t.Fatal(err)
	}

	// the mount hides the original directory's contents
	if _, err := v.Lookup(ustr.Ustr("/a/orig")); err != -defs.ENOENT {
		t.Fatalf("original contents visible through mount: %d", err)
	}
	// removing the mountpoint entry itself is refused while mounted
	if err := v.Unlink(ustr.Ustr("/a")); err != -defs.EBUSY {
		t.Fatalf("unlink of mountpoint: %d, want -EBUSY", err)
	}
	// unmount is refused while the mounted root still has entries
	if err := v.Unmount(ustr.Ustr("/a")); err != -defs.EBUSY {
		t.Fatalf("unmount of busy mount: %d, want -EBUSY", err)
	}

	if err := v.Unlink(ustr.Ustr("/a/b")); err != 0 {
		t.Fatal(err)
	}
	if err := v.Unmount(ustr.Ustr("/a")); err != 0 {
		t.Fatalf("unmount after emptying: %d", err)
	}
	// the original directory's contents reappear
	if _, err := v.Lookup(ustr.Ustr("/a/orig")); err != 0 {
		t.Fatalf("original contents missing after unmount: %d", err)
	}
}
