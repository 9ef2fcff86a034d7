package tcp

import (
	"context"
	"testing"
	"time"

	"lyrekernel/internal/inet"
)

// wireEnd relays raw segments between two Conn_t, standing in for a
// real netdev demux for unit tests.
type wireEnd struct {
	peer func(seg []byte)
}

func (w *wireEnd) Send(seg []byte) error {
	go w.peer(seg)
	return nil
}

func connectPair(t *testing.T) (*Conn_t, *Conn_t) {
	t.Helper()
	local := inet.IPv4(10, 0, 0, 1)
	remote := inet.IPv4(10, 0, 0, 2)

	var serverConn *Conn_t
	listener := Listen(remote, 80, 1500)

	clientSend := &wireEnd{}
	serverSend := &wireEnd{}
	clientConn := NewConn(local, remote, 4000, 80, clientSend, 1500)

	clientSend.peer = func(seg []byte) {
		h, payload, err := Unmarshal(seg)
		if err != nil {
			return
		}
		if serverConn == nil {
			serverConn = listener.Input(local, h.SrcPort, h, serverSend, h.Seq)
		} else {
			serverConn.Input(h, payload)
		}
	}
	serverSend.peer = func(seg []byte) {
		h, payload, err := Unmarshal(seg)
		if err != nil {
			return
		}
		clientConn.Input(h, payload)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := clientConn.Connect(ctx, 1000); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	deadline := time.Now().Add(time.Second)
	for serverConn == nil || serverConn.State() != Established {
		if time.Now().After(deadline) {
			t.Fatal("server side never reached Established")
		}
		time.Sleep(time.Millisecond)
	}
	return clientConn, serverConn
}

func TestThreeWayHandshakeReachesEstablished(t *testing.T) {
	c, s := connectPair(t)
	if c.State() != Established {
		t.Fatalf("client state = %v, want Established", c.State())
	}
	if s.State() != Established {
		t.Fatalf("server state = %v, want Established", s.State())
	}
}

func TestDataTransferAfterHandshake(t *testing.T) {
	client, server := connectPair(t)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := client.Write(ctx, []byte("hello")); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 16)
	n, err := server.Read(ctx, buf)
	if err != nil {
		t.Fatal(err)
	}
	if string(buf[:n]) != "hello" {
		t.Fatalf("got %q", buf[:n])
	}
}

// TestRetransmitOnDroppedSegment drops the client's first data segment
// once and checks the retransmit queue resends it within one RTO
// interval, without the caller ever learning the first copy was lost.
func TestRetransmitOnDroppedSegment(t *testing.T) {
	local := inet.IPv4(10, 0, 0, 1)
	remote := inet.IPv4(10, 0, 0, 2)

	var serverConn *Conn_t
	listener := Listen(remote, 80, 1500)

	clientSend := &wireEnd{}
	serverSend := &wireEnd{}
	clientConn := NewConn(local, remote, 4000, 80, clientSend, 1500)

	dropped := false
	clientSend.peer = func(seg []byte) {
		h, payload, err := Unmarshal(seg)
		if err != nil {
			return
		}
		if serverConn == nil {
			serverConn = listener.Input(local, h.SrcPort, h, serverSend, h.Seq)
			return
		}
		if len(payload) > 0 && !dropped {
			dropped = true
			return
		}
		serverConn.Input(h, payload)
	}
	serverSend.peer = func(seg []byte) {
		h, payload, err := Unmarshal(seg)
		if err != nil {
			return
		}
		clientConn.Input(h, payload)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := clientConn.Connect(ctx, 1000); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	deadline := time.Now().Add(time.Second)
	for serverConn == nil || serverConn.State() != Established {
		if time.Now().After(deadline) {
			t.Fatal("server side never reached Established")
		}
		time.Sleep(time.Millisecond)
	}

	if _, err := clientConn.Write(ctx, []byte("hello")); err != nil {
		t.Fatal(err)
	}
	deadline = time.Now().Add(time.Second)
	for !dropped {
		if time.Now().After(deadline) {
			t.Fatal("test setup error: first segment was never dropped")
		}
		time.Sleep(time.Millisecond)
	}

	readCtx, readCancel := context.WithTimeout(context.Background(), time.Second)
	defer readCancel()
	buf := make([]byte, 16)
	n, err := serverConn.Read(readCtx, buf)
	if err != nil {
		t.Fatalf("data never arrived after retransmit: %v", err)
	}
	if string(buf[:n]) != "hello" {
		t.Fatalf("got %q", buf[:n])
	}
}

// TestWriteChunksByMSS forces a tiny MTU so a payload larger than one
// segment must be split; the server must see it arrive as more than
// one Input call and reassemble it whole via repeated Read.
func TestWriteChunksByMSS(t *testing.T) {
	local := inet.IPv4(10, 0, 0, 1)
	remote := inet.IPv4(10, 0, 0, 2)
	const tinyMTU = 100 // forces effectiveMSS down near minMSS

	var serverConn *Conn_t
	listener := Listen(remote, 80, tinyMTU)

	clientSend := &wireEnd{}
	serverSend := &wireEnd{}
	clientConn := NewConn(local, remote, 4000, 80, clientSend, tinyMTU)

	segments := 0
	clientSend.peer = func(seg []byte) {
		h, payload, err := Unmarshal(seg)
		if err != nil {
			return
		}
		if serverConn == nil {
			serverConn = listener.Input(local, h.SrcPort, h, serverSend, h.Seq)
			return
		}
		if len(payload) > 0 {
			segments++
		}
		serverConn.Input(h, payload)
	}
	serverSend.peer = func(seg []byte) {
		h, payload, err := Unmarshal(seg)
		if err != nil {
			return
		}
		clientConn.Input(h, payload)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := clientConn.Connect(ctx, 1000); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	deadline := time.Now().Add(time.Second)
	for serverConn == nil || serverConn.State() != Established {
		if time.Now().After(deadline) {
			t.Fatal("server side never reached Established")
		}
		time.Sleep(time.Millisecond)
	}

	payload := make([]byte, minMSS*3)
	for i := range payload {
		payload[i] = byte(i)
	}
	if _, err := clientConn.Write(ctx, payload); err != nil {
		t.Fatal(err)
	}

	got := make([]byte, 0, len(payload))
	for len(got) < len(payload) {
		readCtx, readCancel := context.WithTimeout(context.Background(), time.Second)
		buf := make([]byte, len(payload))
		n, err := serverConn.Read(readCtx, buf)
		readCancel()
		if err != nil {
			t.Fatalf("read failed with %d/%d bytes received: %v", len(got), len(payload), err)
		}
		got = append(got, buf[:n]...)
	}
	if segments < 2 {
		t.Fatalf("expected Write to split across multiple segments on a %d-byte MTU, saw %d", tinyMTU, segments)
	}
	for i := range payload {
		if got[i] != payload[i] {
			t.Fatalf("byte %d mismatch: got %d want %d", i, got[i], payload[i])
		}
	}
}

func TestCloseHandshakeReachesClosed(t *testing.T) {
	client, server := connectPair(t)
	client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	buf := make([]byte, 4)
	if _, err := server.Read(ctx, buf); err != errEOF {
		t.Fatalf("expected EOF on server read after client FIN, got %v", err)
	}
	server.Close()

	deadline := time.Now().Add(time.Second)
	for client.State() != Closed && client.State() != TimeWait {
		if time.Now().After(deadline) {
			t.Fatalf("client never reached Closed/TimeWait, stuck at %v", client.State())
		}
		time.Sleep(time.Millisecond)
	}
}
