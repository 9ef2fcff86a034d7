// Package diag produces diagnostic dumps for fatal kernel conditions:
// today, decoding the x86-64 instruction at the faulting RIP for a
// page-fault or general-protection-fault report.
package diag

import (
	"fmt"
	"strings"

	"golang.org/x/arch/x86/x86asm"
)

// FaultReport describes one decoded instruction at a fault site, plus
// the raw bytes it was decoded from (kept for a hex dump when decoding
// fails).
type FaultReport struct {
	RIP     uint64
	Bytes   []byte
	Inst    x86asm.Inst
	Decoded bool
	Err     error
}

// MaxInstLen is the longest possible x86-64 instruction encoding;
// callers reading fault-site bytes out of mapped memory need this to
// know how much to read before calling Decode.
const MaxInstLen = 15

// Decode disassembles the instruction at rip given the bytes read from
// that address (the caller supplies up to MaxInstLen bytes read via
// the HHDM alias; a short read is decoded best-effort).
func Decode(rip uint64, code []byte) FaultReport {
	r := FaultReport{RIP: rip, Bytes: code}
	inst, err := x86asm.Decode(code, 64)
	if err != nil {
		r.Err = err
		return r
	}
	r.Inst = inst
	r.Decoded = true
	return r
}

// String renders a one-line report suitable for a panic message,
// mirroring the instruction-pointer-plus-mnemonic line a kernel crash
// dump traditionally prints.
func (r FaultReport) String() string {
	if !r.Decoded {
		return fmt.Sprintf("rip=%#x <undecodable: %v> bytes=%s", r.RIP, r.Err, hexBytes(r.Bytes))
	}
	return fmt.Sprintf("rip=%#x %s", r.RIP, x86asm.GNUSyntax(r.Inst, r.RIP, nil))
}

func hexBytes(b []byte) string {
	n := len(b)
	if n > MaxInstLen {
		n = MaxInstLen
	}
	parts := make([]string, n)
	for i := 0; i < n; i++ {
		parts[i] = fmt.Sprintf("%02x", b[i])
	}
	return strings.Join(parts, " ")
}
