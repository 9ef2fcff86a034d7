package arp

import (
	"context"
	"testing"
	"time"

	"lyrekernel/internal/inet"
)

func TestPacketRoundTrip(t *testing.T) {
	p := Packet_t{
		Op:        OpRequest,
		SenderMAC: inet.MAC_t{1, 2, 3, 4, 5, 6},
		SenderIP:  inet.IPv4(10, 0, 0, 1),
		TargetMAC: inet.Zero,
		TargetIP:  inet.IPv4(10, 0, 0, 2),
	}
	got, err := Unmarshal(p.Marshal())
	if err != nil {
		t.Fatal(err)
	}
	if got != p {
		t.Fatalf("round trip mismatch: %+v vs %+v", got, p)
	}
}

func TestCacheResolveBlocksUntilInsert(t *testing.T) {
	c := NewCache()
	target := inet.IPv4(10, 0, 0, 5)
	mac := inet.MAC_t{9, 9, 9, 9, 9, 9}

	sent := make(chan struct{}, 1)
	go func() {
		<-sent
		time.Sleep(time.Millisecond)
		c.Insert(target, mac)
	}()

	got, err := c.Resolve(context.Background(), target, func() { sent <- struct{}{} })
	if err != nil {
		t.Fatal(err)
	}
	if got != mac {
		t.Fatalf("expected %v, got %v", mac, got)
	}
}

func TestCacheResolveCancelled(t *testing.T) {
	c := NewCache()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := c.Resolve(ctx, inet.IPv4(1, 2, 3, 4), func() {}); err == nil {
		t.Fatal("expected an error from a pre-cancelled context")
	}
}

func TestCacheHitSkipsSend(t *testing.T) {
	c := NewCache()
	ip := inet.IPv4(1, 1, 1, 1)
	mac := inet.MAC_t{1, 1, 1, 1, 1, 1}
	c.Insert(ip, mac)
	called := false
	got, err := c.Resolve(context.Background(), ip, func() { called = true })
	if err != nil {
		t.Fatal(err)
	}
	if called {
		t.Fatal("send must not be called on a cache hit")
	}
	if got != mac {
		t.Fatalf("expected %v, got %v", mac, got)
	}
}
