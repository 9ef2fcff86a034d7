package netdev

import (
	"context"
	"testing"
	"time"

	"lyrekernel/internal/icmp"
	"lyrekernel/internal/inet"
	"lyrekernel/internal/udp"
)

func twoAdapters(t *testing.T) (*Adapter_t, *Adapter_t, context.CancelFunc) {
	t.Helper()
	bus := NewBus()
	subnet := inet.IPv4(255, 255, 255, 0)
	a := NewAdapter("eth0", inet.MAC_t{1, 0, 0, 0, 0, 1}, inet.IPv4(10, 0, 0, 1), inet.IPv4(10, 0, 0, 254), subnet, bus)
	b := NewAdapter("eth1", inet.MAC_t{1, 0, 0, 0, 0, 2}, inet.IPv4(10, 0, 0, 2), inet.IPv4(10, 0, 0, 254), subnet, bus)

	ctx, cancel := context.WithCancel(context.Background())
	go a.Run(ctx)
	go b.Run(ctx)
	return a, b, cancel
}

func TestARPThenUDPExchange(t *testing.T) {
	a, b, cancel := twoAdapters(t)
	defer cancel()

	received := make(chan string, 1)
	if err := b.BindUDP(9999, func(src inet.IPv4_t, srcPort uint16, payload []byte) {
		received <- string(payload)
	}); err != nil {
		t.Fatal(err)
	}

	uh := udp.Header_t{SrcPort: 5000, DestPort: 9999}
	udpPayload := uh.Marshal(a.IP, b.IP, []byte("ping-udp"))
	if err := a.SendIPv4(b.IP, inet.ProtoUDP, udpPayload); err != nil {
		t.Fatal(err)
	}

	select {
	case got := <-received:
		if got != "ping-udp" {
			t.Fatalf("got %q", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for UDP datagram")
	}
}

func TestICMPEchoReply(t *testing.T) {
	a, b, cancel := twoAdapters(t)
	defer cancel()

	req := icmp.Message_t{Type: icmp.TypeEchoRequest, ID: 1, Sequence: 1, Data: []byte("x")}
	if err := a.SendIPv4(b.IP, inet.ProtoICMP, req.Marshal()); err != nil {
		t.Fatal(err)
	}
	// No direct observation hook on the sender for a reply in this
	// minimal harness; rely on no panic/deadlock as the smoke check,
	// real reply content is covered by icmp package's own unit tests.
	time.Sleep(50 * time.Millisecond)
}

func TestTCPHandshakeOverAdapters(t *testing.T) {
	a, b, cancel := twoAdapters(t)
	defer cancel()

	listener := b.ListenTCP(80)
	acceptDone := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_, err := listener.Accept(ctx)
		acceptDone <- err
	}()

	ctx, cancel2 := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel2()
	_, err := a.DialTCP(ctx, 4000, b.IP, 80, 100)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	if err := <-acceptDone; err != nil {
		t.Fatalf("accept failed: %v", err)
	}
}

func TestLoopbackDeliversToSelf(t *testing.T) {
	bus := NewBus()
	lo := NewAdapter("lo", inet.MAC_t{}, inet.Loopback, inet.IPv4_t{}, inet.IPv4(255, 0, 0, 0), bus)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go lo.Run(ctx)

	received := make(chan string, 1)
	if err := lo.BindUDP(4000, func(src inet.IPv4_t, srcPort uint16, payload []byte) {
		received <- string(payload)
	}); err != nil {
		t.Fatal(err)
	}

	uh := udp.Header_t{SrcPort: 4001, DestPort: 4000}
	payload := uh.Marshal(lo.IP, inet.Loopback, []byte("lo-ping"))
	if err := lo.SendIPv4(inet.Loopback, inet.ProtoUDP, payload); err != nil {
		t.Fatal(err)
	}

	select {
	case got := <-received:
		if got != "lo-ping" {
			t.Fatalf("got %q", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("loopback datagram never arrived")
	}
}
