package klog

import (
	"bytes"
	"strings"
	"testing"

	"lyrekernel/internal/defs"
)

func withCapturedOutput(t *testing.T, fn func()) string {
	t.Helper()
	var buf bytes.Buffer
	mu.Lock()
	prevOut := out
	out = &buf
	mu.Unlock()
	defer func() {
		mu.Lock()
		out = prevOut
		mu.Unlock()
	}()
	fn()
	return buf.String()
}

func TestInfoRespectsLevel(t *testing.T) {
	SetLevel(LevelSilent)
	s := withCapturedOutput(t, func() { Info("hello %d", 1) })
	if s != "" {
		t.Fatalf("expected nothing at LevelSilent, got %q", s)
	}

	SetLevel(LevelInfo)
	s = withCapturedOutput(t, func() { Info("hello %d", 1) })
	if !strings.Contains(s, "hello 1") {
		t.Fatalf("expected message, got %q", s)
	}
	SetLevel(LevelInfo)
}

func TestSyscallLeaveDecodesErrno(t *testing.T) {
	SetLevel(LevelSyscall)
	s := withCapturedOutput(t, func() {
		SyscallLeave(1, "read", -22, -defs.EINVAL)
	})
	if !strings.Contains(s, "EINVAL") {
		t.Fatalf("expected decoded errno name, got %q", s)
	}
	SetLevel(LevelInfo)
}
