package inet

import "testing"

func TestFrameRoundTrip(t *testing.T) {
	f := Frame_t{Dest: Broadcast, Src: MAC_t{1, 2, 3, 4, 5, 6}, Type: EtherTypeARP, Payload: []byte("hi")}
	raw := f.Marshal()
	got, err := UnmarshalFrame(raw)
	if err != nil {
		t.Fatal(err)
	}
	if got.Dest != f.Dest || got.Src != f.Src || got.Type != f.Type || string(got.Payload) != "hi" {
		t.Fatalf("round trip mismatch: %+v", got)
	}
}

func TestUnmarshalFrameTooShort(t *testing.T) {
	if _, err := UnmarshalFrame([]byte{1, 2, 3}); err == nil {
		t.Fatal("expected an error for a too-short frame")
	}
}

func TestChecksumSelfVerifies(t *testing.T) {
	data := []byte{0x45, 0x00, 0x00, 0x1c, 0x00, 0x01, 0x00, 0x00, 0x40, 0x01, 0x00, 0x00, 127, 0, 0, 1, 127, 0, 0, 1}
	sum := Checksum(data)
	data[10] = byte(sum >> 8)
	data[11] = byte(sum)
	if Checksum(data) != 0 {
		t.Fatalf("checksum of a self-checksummed header should fold to 0, got %#04x", Checksum(data))
	}
}

func TestIPv4Uint32RoundTrip(t *testing.T) {
	ip := IPv4(192, 168, 1, 42)
	if got := IPv4FromUint32(ip.Uint32()); got != ip {
		t.Fatalf("expected %v, got %v", ip, got)
	}
}
