package diag

import "testing"

func TestDecodeNop(t *testing.T) {
	r := Decode(0x1000, []byte{0x90})
	if !r.Decoded {
		t.Fatalf("expected nop to decode, got err %v", r.Err)
	}
	if r.Inst.Len != 1 {
		t.Fatalf("expected 1-byte instruction, got %d", r.Inst.Len)
	}
}

func TestDecodeRet(t *testing.T) {
	r := Decode(0x2000, []byte{0xc3})
	if !r.Decoded {
		t.Fatalf("expected ret to decode, got err %v", r.Err)
	}
}

func TestDecodeInvalidReportsUndecodable(t *testing.T) {
	r := Decode(0x3000, []byte{0x06})
	if r.Decoded {
		t.Fatalf("expected undecodable opcode to fail")
	}
	if r.String() == "" {
		t.Fatal("expected non-empty diagnostic string even on decode failure")
	}
}
