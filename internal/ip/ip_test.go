package ip

import (
	"testing"

	"lyrekernel/internal/inet"
)

func TestHeaderRoundTrip(t *testing.T) {
	h := Header_t{TTL: DefaultTTL, Protocol: inet.ProtoUDP, ID: 7, Src: inet.IPv4(10, 0, 0, 1), Dest: inet.IPv4(10, 0, 0, 2)}
	payload := []byte("payload bytes")
	raw := h.Marshal(payload)
	gh, gp, err := Unmarshal(raw)
	if err != nil {
		t.Fatal(err)
	}
	if gh.TTL != h.TTL || gh.Protocol != h.Protocol || gh.ID != h.ID || gh.Src != h.Src || gh.Dest != h.Dest {
		t.Fatalf("header mismatch: %+v", gh)
	}
	if string(gp) != string(payload) {
		t.Fatalf("payload mismatch: %q", gp)
	}
}

func TestUnmarshalRejectsCorruptChecksum(t *testing.T) {
	h := Header_t{TTL: 1, Protocol: inet.ProtoTCP, Src: inet.IPv4(1, 2, 3, 4), Dest: inet.IPv4(5, 6, 7, 8)}
	raw := h.Marshal(nil)
	raw[11] ^= 0xff
	if _, _, err := Unmarshal(raw); err == nil {
		t.Fatal("expected a checksum mismatch error")
	}
}

func TestUnmarshalRejectsTooShort(t *testing.T) {
	if _, _, err := Unmarshal([]byte{1, 2, 3}); err == nil {
		t.Fatal("expected an error for a too-short packet")
	}
}
