package icmp

import "testing"

func TestMessageRoundTrip(t *testing.T) {
	m := Message_t{Type: TypeEchoRequest, ID: 42, Sequence: 1, Data: []byte("ping")}
	got, err := Unmarshal(m.Marshal())
	if err != nil {
		t.Fatal(err)
	}
	if got.Type != m.Type || got.ID != m.ID || got.Sequence != m.Sequence || string(got.Data) != "ping" {
		t.Fatalf("mismatch: %+v", got)
	}
}

func TestReplyMirrorsRequest(t *testing.T) {
	req := Message_t{Type: TypeEchoRequest, ID: 7, Sequence: 3, Data: []byte("x")}
	rep := Reply(req)
	if rep.Type != TypeEchoReply || rep.ID != req.ID || rep.Sequence != req.Sequence || string(rep.Data) != "x" {
		t.Fatalf("unexpected reply: %+v", rep)
	}
}

func TestUnmarshalRejectsBadChecksum(t *testing.T) {
	m := Message_t{Type: TypeEchoRequest, ID: 1, Sequence: 1}
	raw := m.Marshal()
	raw[3] ^= 0xff
	if _, err := Unmarshal(raw); err == nil {
		t.Fatal("expected checksum error")
	}
}
