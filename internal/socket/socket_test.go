package socket

import (
	"context"
	"testing"
	"time"

	"lyrekernel/internal/defs"
	"lyrekernel/internal/inet"
	"lyrekernel/internal/netdev"
)

// sliceUio is a minimal fdops.Userio_i over a plain byte slice, used
// in these tests in place of a real vm.Userbuf_t.
type sliceUio struct {
	buf []byte
	off int
}

func (u *sliceUio) Uioread(dst []uint8) (int, defs.Err_t) {
	n := copy(dst, u.buf[u.off:])
	u.off += n
	return n, 0
}
func (u *sliceUio) Uiowrite(src []uint8) (int, defs.Err_t) {
	if u.off+len(src) > len(u.buf) {
		grown := make([]byte, u.off+len(src))
		copy(grown, u.buf)
		u.buf = grown
	}
	n := copy(u.buf[u.off:], src)
	u.off += n
	return n, 0
}
func (u *sliceUio) Remain() int  { return len(u.buf) - u.off }
func (u *sliceUio) Totalsz() int { return len(u.buf) }

func twoAdapters(t *testing.T) (*netdev.Adapter_t, *netdev.Adapter_t, context.CancelFunc) {
	t.Helper()
	bus := netdev.NewBus()
	subnet := inet.IPv4(255, 255, 255, 0)
	a := netdev.NewAdapter("eth0", inet.MAC_t{2, 0, 0, 0, 0, 1}, inet.IPv4(10, 1, 0, 1), inet.IPv4(10, 1, 0, 254), subnet, bus)
	b := netdev.NewAdapter("eth1", inet.MAC_t{2, 0, 0, 0, 0, 2}, inet.IPv4(10, 1, 0, 2), inet.IPv4(10, 1, 0, 254), subnet, bus)
	ctx, cancel := context.WithCancel(context.Background())
	go a.Run(ctx)
	go b.Run(ctx)
	return a, b, cancel
}

func TestUDPSocketSendRecv(t *testing.T) {
	a, b, cancel := twoAdapters(t)
	defer cancel()

	server := NewUDP(b)
	if err := server.Bind(SockaddrIn_t{Port: 7000, IP: b.IP}.Marshal()); err != 0 {
		t.Fatal(err)
	}

	client := NewUDP(a)
	src := &sliceUio{buf: []byte("hello")}
	if _, err := client.Sendmsg(src, SockaddrIn_t{Port: 7000, IP: b.IP}.Marshal(), 0); err != 0 {
		t.Fatal(err)
	}

	dst := &sliceUio{buf: make([]byte, 16)}
	n, _, err := server.Recvmsg(dst, nil, 0)
	if err != 0 {
		t.Fatal(err)
	}
	if string(dst.buf[:n]) != "hello" {
		t.Fatalf("got %q", dst.buf[:n])
	}
}

func TestTCPSocketConnectAcceptSendRecv(t *testing.T) {
	a, b, cancel := twoAdapters(t)
	defer cancel()

	server := NewTCP(b)
	if err := server.Bind(SockaddrIn_t{Port: 8000}.Marshal()); err != 0 {
		t.Fatal(err)
	}
	ln, lerr := server.Listen(4)
	if lerr != 0 {
		t.Fatal(lerr)
	}

	type acceptResult struct {
		sock *TCPSocket_t
		err  defs.Err_t
	}
	results := make(chan acceptResult, 1)
	go func() {
		sock, _, err := ln.Accept(nil)
		ts, _ := sock.(*TCPSocket_t)
		results <- acceptResult{sock: ts, err: err}
	}()

	client := NewTCP(a)
	if err := client.Connect(SockaddrIn_t{Port: 8000, IP: b.IP}.Marshal()); err != 0 {
		t.Fatalf("connect failed: %v", err)
	}

	var accepted *TCPSocket_t
	select {
	case r := <-results:
		if r.err != 0 {
			t.Fatal(r.err)
		}
		accepted = r.sock
	case <-time.After(2 * time.Second):
		t.Fatal("accept never completed")
	}

	src := &sliceUio{buf: []byte("tcp payload")}
	if _, err := client.Sendmsg(src, nil, 0); err != 0 {
		t.Fatal(err)
	}
	dst := &sliceUio{buf: make([]byte, 32)}
	n, _, rerr := accepted.Recvmsg(dst, nil, 0)
	if rerr != 0 {
		t.Fatal(rerr)
	}
	if string(dst.buf[:n]) != "tcp payload" {
		t.Fatalf("got %q", dst.buf[:n])
	}
}

func TestUnixSocketConnectSendRecv(t *testing.T) {
	server := NewUnix()
	if err := server.Bind(SockaddrUn_t{Path: "/tmp/test.sock"}.Marshal()); err != 0 {
		t.Fatal(err)
	}
	if _, err := server.Listen(4); err != 0 {
		t.Fatal(err)
	}
	defer server.Close()

	type acceptResult struct {
		sock *UnixSocket_t
	}
	results := make(chan acceptResult, 1)
	go func() {
		sock, _, _ := server.Accept(nil)
		us, _ := sock.(*UnixSocket_t)
		results <- acceptResult{sock: us}
	}()

	client := NewUnix()
	if err := client.Connect(SockaddrUn_t{Path: "/tmp/test.sock"}.Marshal()); err != 0 {
		t.Fatalf("connect failed: %v", err)
	}

	var accepted *UnixSocket_t
	select {
	case r := <-results:
		accepted = r.sock
	case <-time.After(time.Second):
		t.Fatal("accept never completed")
	}

	src := &sliceUio{buf: []byte("unix payload")}
	if _, err := client.Sendmsg(src, nil, 0); err != 0 {
		t.Fatal(err)
	}
	dst := &sliceUio{buf: make([]byte, 32)}
	n, _, rerr := accepted.Recvmsg(dst, nil, 0)
	if rerr != 0 {
		t.Fatal(rerr)
	}
	if string(dst.buf[:n]) != "unix payload" {
		t.Fatalf("got %q", dst.buf[:n])
	}
}

func TestUDPConnectRecordsPeer(t *testing.T) {
	a, b, cancel := twoAdapters(t)
	defer cancel()

	server := NewUDP(b)
	if err := server.Bind(SockaddrIn_t{Port: 7100, IP: b.IP}.Marshal()); err != 0 {
		t.Fatal(err)
	}

	client := NewUDP(a)
	peer := SockaddrIn_t{Port: 7100, IP: b.IP}
	if err := client.Connect(peer.Marshal()); err != 0 {
		t.Fatal(err)
	}
	got, err := client.Getpeername()
	if err != 0 {
		t.Fatal(err)
	}
	decoded, derr := UnmarshalSockaddrIn(got)
	if derr != nil || decoded != peer {
		t.Fatalf("getpeername %+v, want %+v", decoded, peer)
	}

	// connected sockets send without an explicit destination
	src := &sliceUio{buf: []byte("via peer")}
	if _, err := client.Sendmsg(src, nil, 0); err != 0 {
		t.Fatal(err)
	}
	dst := &sliceUio{buf: make([]byte, 16)}
	n, _, rerr := server.Recvmsg(dst, nil, 0)
	if rerr != 0 || string(dst.buf[:n]) != "via peer" {
		t.Fatalf("recv after connected send: %q err=%d", dst.buf[:n], rerr)
	}
}

func TestUDPRecvmsgDontwaitOnEmptyQueue(t *testing.T) {
	a, _, cancel := twoAdapters(t)
	defer cancel()
	s := NewUDP(a)
	if err := s.Bind(SockaddrIn_t{Port: 7200}.Marshal()); err != 0 {
		t.Fatal(err)
	}
	dst := &sliceUio{buf: make([]byte, 8)}
	if _, _, err := s.Recvmsg(dst, nil, MSG_DONTWAIT); err != -defs.EAGAIN {
		t.Fatalf("expected -EAGAIN, got %d", err)
	}
}

func TestUDPBroadcastNeedsSocketOption(t *testing.T) {
	a, _, cancel := twoAdapters(t)
	defer cancel()
	s := NewUDP(a)
	bcast := SockaddrIn_t{Port: 7300, IP: inet.Broadcast4}
	src := &sliceUio{buf: []byte("x")}
	if _, err := s.Sendmsg(src, bcast.Marshal(), 0); err != -defs.EINVAL {
		t.Fatalf("broadcast without SO_BROADCAST: %d, want -EINVAL", err)
	}
	if err := s.Setsockopt(SOL_SOCKET, SO_BROADCAST, nil, 1); err != 0 {
		t.Fatal(err)
	}
	src = &sliceUio{buf: []byte("x")}
	if _, err := s.Sendmsg(src, bcast.Marshal(), 0); err != 0 {
		t.Fatalf("broadcast with SO_BROADCAST set: %d", err)
	}
}

func TestUnixSocketpair(t *testing.T) {
	a, b := NewUnixPair()
	src := &sliceUio{buf: []byte("pair")}
	if _, err := a.Sendmsg(src, nil, 0); err != 0 {
		t.Fatal(err)
	}
	dst := &sliceUio{buf: make([]byte, 8)}
	n, _, err := b.Recvmsg(dst, nil, 0)
	if err != 0 || string(dst.buf[:n]) != "pair" {
		t.Fatalf("socketpair recv: %q err=%d", dst.buf[:n], err)
	}
}

func TestTCPMaxsegSockopt(t *testing.T) {
	a, b, cancel := twoAdapters(t)
	defer cancel()

	server := NewTCP(b)
	server.Bind(SockaddrIn_t{Port: 8100}.Marshal())
	if _, err := server.Listen(1); err != 0 {
		t.Fatal(err)
	}
	go server.Accept(nil)

	client := NewTCP(a)
	if err := client.Connect(SockaddrIn_t{Port: 8100, IP: b.IP}.Marshal()); err != 0 {
		t.Fatal(err)
	}
	mss, err := client.Getsockopt(IPPROTO_TCP, TCP_MAXSEG, nil, 0)
	if err != 0 || mss <= 0 {
		t.Fatalf("TCP_MAXSEG read: %d err=%d", mss, err)
	}
	if err := client.Setsockopt(IPPROTO_TCP, TCP_MAXSEG, nil, 600); err != 0 {
		t.Fatal(err)
	}
	if got, _ := client.Getsockopt(IPPROTO_TCP, TCP_MAXSEG, nil, 0); got != 600 {
		t.Fatalf("TCP_MAXSEG after set: %d, want 600", got)
	}
}

func TestUDPBindDuplicatePortFails(t *testing.T) {
	a, _, cancel := twoAdapters(t)
	defer cancel()
	s1 := NewUDP(a)
	if err := s1.Bind(SockaddrIn_t{Port: 9000}.Marshal()); err != 0 {
		t.Fatal(err)
	}
	s2 := NewUDP(a)
	if err := s2.Bind(SockaddrIn_t{Port: 9000}.Marshal()); err == 0 {
		t.Fatal("expected duplicate bind to fail")
	}
}
