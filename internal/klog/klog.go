// Package klog is the kernel's boot-console logger: level-gated
// fmt.Fprintf to os.Stderr. A kernel's console is not wired to a log
// collector, so there is no structured-logging dependency here, just
// named levels over the classic debug-constant-gated print idiom.
package klog

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"lyrekernel/internal/caller"
	"lyrekernel/internal/defs"
)

// Level gates which messages reach the console.
type Level int

const (
	LevelSilent Level = iota
	LevelInfo
	LevelSyscall
	LevelDebug
)

var (
	mu      sync.Mutex
	current = LevelInfo
	out     io.Writer = os.Stderr
)

// SetLevel changes the minimum level printed. Boot code calls this
// once after parsing any debug flags; tests may raise it to LevelDebug.
func SetLevel(l Level) {
	mu.Lock()
	current = l
	mu.Unlock()
}

func enabled(l Level) bool {
	mu.Lock()
	defer mu.Unlock()
	return current >= l
}

func printf(format string, args ...interface{}) {
	mu.Lock()
	defer mu.Unlock()
	fmt.Fprintf(out, format, args...)
}

// Info prints an always-relevant boot/status message.
func Info(format string, args ...interface{}) {
	if enabled(LevelInfo) {
		printf("[info] "+format+"\n", args...)
	}
}

// Debugf prints a verbose diagnostic, gated behind LevelDebug.
func Debugf(format string, args ...interface{}) {
	if enabled(LevelDebug) {
		printf("[debug] "+format+"\n", args...)
	}
}

// SyscallEnter logs a syscall entry.
func SyscallEnter(pid int, name string, args ...interface{}) {
	if enabled(LevelSyscall) {
		printf("[sys>] pid=%d %s(%v)\n", pid, name, args)
	}
}

// SyscallLeave logs a syscall's result with the decoded errno name.
func SyscallLeave(pid int, name string, rc int, err defs.Err_t) {
	if enabled(LevelSyscall) {
		printf("[sys<] pid=%d %s -> %d (%s)\n", pid, name, rc, err.Name())
	}
}

// Panic prints a fatal diagnostic plus the caller's stack (via
// internal/caller's Callerdump) and terminates. Panics are reserved
// for broken invariants and missing boot prerequisites; there is no
// recovery.
func Panic(format string, args ...interface{}) {
	mu.Lock()
	fmt.Fprintf(out, "[panic] %s\n", time.Now().UTC().Format(time.RFC3339Nano))
	fmt.Fprintf(out, format+"\n", args...)
	mu.Unlock()
	caller.Callerdump(2)
	panic(fmt.Sprintf(format, args...))
}
