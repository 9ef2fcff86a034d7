package socket

import (
	"testing"

	"lyrekernel/internal/inet"
)

func TestSockaddrInRoundTrip(t *testing.T) {
	s := SockaddrIn_t{Port: 8080, IP: inet.IPv4(10, 0, 0, 5)}
	got, err := UnmarshalSockaddrIn(s.Marshal())
	if err != nil {
		t.Fatal(err)
	}
	if got != s {
		t.Fatalf("mismatch: %+v vs %+v", got, s)
	}
}

func TestSockaddrUnRoundTrip(t *testing.T) {
	s := SockaddrUn_t{Path: "/tmp/sock"}
	got, err := UnmarshalSockaddrUn(s.Marshal())
	if err != nil {
		t.Fatal(err)
	}
	if got != s {
		t.Fatalf("mismatch: %+v vs %+v", got, s)
	}
}

func TestUnmarshalSockaddrInRejectsWrongFamily(t *testing.T) {
	s := SockaddrUn_t{Path: "/x"}
	if _, err := UnmarshalSockaddrIn(s.Marshal()); err == nil {
		t.Fatal("expected family mismatch error")
	}
}
