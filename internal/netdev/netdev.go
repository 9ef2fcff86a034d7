// Package netdev wires the protocol packages (internal/arp,
// internal/ip, internal/icmp, internal/udp, internal/tcp) into one
// network adapter abstraction: a receive loop that demultiplexes
// incoming Ethernet frames by type and IP protocol, and a send path
// that resolves the next hop and transmits. An adapter carries its
// identity (mac, ip, gateway, subnet mask), a per-adapter ARP cache,
// and the bound-socket tables the demultiplexer consults.
package netdev

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"lyrekernel/internal/arp"
	"lyrekernel/internal/icmp"
	"lyrekernel/internal/inet"
	"lyrekernel/internal/ip"
	"lyrekernel/internal/tcp"
	"lyrekernel/internal/udp"
)

/// Link_i is the raw transmit/receive primitive a real NIC driver
/// would implement; netdev.Bus_t below is the in-process stand-in
/// used when there is no physical Ethernet segment to attach to.
type Link_i interface {
	Transmit(frame []byte) error
}

/// Bus_t is a shared broadcast medium connecting every Adapter_t
/// registered on it, standing in for a physical Ethernet segment (a
/// hub: every frame is delivered to every other port, and each
/// adapter filters by destination MAC).
type Bus_t struct {
	mu    sync.Mutex
	ports []*Adapter_t
}

func NewBus() *Bus_t { return &Bus_t{} }

func (b *Bus_t) attach(a *Adapter_t) {
	b.mu.Lock()
	b.ports = append(b.ports, a)
	b.mu.Unlock()
}

func (b *Bus_t) broadcast(from *Adapter_t, frame []byte) {
	b.mu.Lock()
	ports := append([]*Adapter_t(nil), b.ports...)
	b.mu.Unlock()
	for _, p := range ports {
		if p == from {
			continue
		}
		select {
		case p.rx <- frame:
		default:
		}
	}
}

/// Adapter_t is one network interface: an identity (MAC/IPv4/gateway/
/// subnet), an ARP cache, a UDP port allocator, and dispatch tables
/// for UDP/TCP sockets bound through it.
type Adapter_t struct {
	Name string
	Mac  inet.MAC_t
	IP   inet.IPv4_t

	Gateway inet.IPv4_t
	Subnet  inet.IPv4_t
	MTU     int

	bus   *Bus_t
	rx    chan []byte
	cache *arp.Cache_t
	ports *udp.PortAllocator_t

	mu        sync.Mutex
	ipID      uint16
	udpSocks  map[uint16]func(src inet.IPv4_t, srcPort uint16, payload []byte)
	tcpConns  map[tcpKey]*tcp.Conn_t
	listeners map[uint16]*tcp.Listener_t

	group *errgroup.Group
}

type tcpKey struct {
	remoteIP   inet.IPv4_t
	remotePort uint16
	localPort  uint16
}

const defaultMTU = 1500

/// NewAdapter creates an adapter and attaches it to bus.
func NewAdapter(name string, mac inet.MAC_t, ip, gateway, subnet inet.IPv4_t, bus *Bus_t) *Adapter_t {
	a := &Adapter_t{
		Name: name, Mac: mac, IP: ip, Gateway: gateway, Subnet: subnet, MTU: defaultMTU,
		bus: bus, rx: make(chan []byte, 256),
		cache: arp.NewCache(), ports: udp.NewPortAllocator(),
		udpSocks: map[uint16]func(inet.IPv4_t, uint16, []byte){},
		tcpConns: map[tcpKey]*tcp.Conn_t{}, listeners: map[uint16]*tcp.Listener_t{},
	}
	bus.attach(a)
	return a
}

/// Run starts the adapter's receive loop as one errgroup-managed
/// goroutine, returning when ctx is cancelled or the loop errors.
func (a *Adapter_t) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	a.group = g
	g.Go(func() error {
		for {
			select {
			case frame := <-a.rx:
				a.handleFrame(frame)
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	})
	return g.Wait()
}

func (a *Adapter_t) handleFrame(raw []byte) {
	f, err := inet.UnmarshalFrame(raw)
	if err != nil {
		return
	}
	if f.Dest != inet.Broadcast && f.Dest != a.Mac {
		return
	}
	switch f.Type {
	case inet.EtherTypeARP:
		a.handleARP(f.Payload)
	case inet.EtherTypeIPv4:
		a.handleIPv4(f.Payload)
	}
}

func (a *Adapter_t) handleARP(payload []byte) {
	pkt, err := arp.Unmarshal(payload)
	if err != nil {
		return
	}
	a.cache.Insert(pkt.SenderIP, pkt.SenderMAC)
	if pkt.Op == arp.OpRequest && pkt.TargetIP == a.IP {
		reply := arp.Packet_t{Op: arp.OpReply, SenderMAC: a.Mac, SenderIP: a.IP, TargetMAC: pkt.SenderMAC, TargetIP: pkt.SenderIP}
		a.sendEthernet(pkt.SenderMAC, inet.EtherTypeARP, reply.Marshal())
	}
}

func (a *Adapter_t) handleIPv4(payload []byte) {
	hdr, body, err := ip.Unmarshal(payload)
	if err != nil {
		return
	}
	switch hdr.Protocol {
	case inet.ProtoICMP:
		a.handleICMP(hdr, body)
	case inet.ProtoUDP:
		a.handleUDP(hdr, body)
	case inet.ProtoTCP:
		a.handleTCP(hdr, body)
	}
}

func (a *Adapter_t) handleICMP(hdr ip.Header_t, body []byte) {
	msg, err := icmp.Unmarshal(body)
	if err != nil || msg.Type != icmp.TypeEchoRequest {
		return
	}
	rep := icmp.Reply(msg)
	a.SendIPv4(hdr.Src, inet.ProtoICMP, rep.Marshal())
}

func (a *Adapter_t) handleUDP(hdr ip.Header_t, body []byte) {
	uh, payload, err := udp.Unmarshal(body)
	if err != nil {
		return
	}
	a.mu.Lock()
	cb := a.udpSocks[uh.DestPort]
	a.mu.Unlock()
	if cb != nil {
		cb(hdr.Src, uh.SrcPort, payload)
	}
}

type tcpSender struct {
	a          *Adapter_t
	remoteIP   inet.IPv4_t
}

func (s tcpSender) Send(seg []byte) error {
	return s.a.SendIPv4(s.remoteIP, inet.ProtoTCP, seg)
}

func (a *Adapter_t) handleTCP(hdr ip.Header_t, body []byte) {
	th, payload, err := tcp.Unmarshal(body)
	if err != nil {
		return
	}
	key := tcpKey{remoteIP: hdr.Src, remotePort: th.SrcPort, localPort: th.DestPort}
	a.mu.Lock()
	conn, ok := a.tcpConns[key]
	listener, hasListener := a.listeners[th.DestPort]
	a.mu.Unlock()
	if ok {
		conn.Input(th, payload)
		return
	}
	if hasListener {
		sender := tcpSender{a: a, remoteIP: hdr.Src}
		newConn := listener.Input(hdr.Src, th.SrcPort, th, sender, th.Seq)
		if newConn != nil {
			a.mu.Lock()
			a.tcpConns[key] = newConn
			a.mu.Unlock()
			newConn.OnClose(func() { a.dropTCPConn(key) })
		}
	}
}

// dropTCPConn removes a connection's demux table entry once it has
// reached CLOSED (normal close, RST, TIME_WAIT expiry, or retransmit
// give-up), so no socket outlives the TIME_WAIT grace in the table.
func (a *Adapter_t) dropTCPConn(key tcpKey) {
	a.mu.Lock()
	delete(a.tcpConns, key)
	a.mu.Unlock()
}

func (a *Adapter_t) sendEthernet(dest inet.MAC_t, etype uint16, payload []byte) {
	f := inet.Frame_t{Dest: dest, Src: a.Mac, Type: etype, Payload: payload}
	a.bus.broadcast(a, f.Marshal())
}

/// onLocalSubnet reports whether dest shares this adapter's subnet
/// (and thus is ARP-resolved directly rather than via the gateway).
func (a *Adapter_t) onLocalSubnet(dest inet.IPv4_t) bool {
	return dest.Uint32()&a.Subnet.Uint32() == a.IP.Uint32()&a.Subnet.Uint32()
}

/// SendIPv4 builds and transmits an IPv4 packet to dest, resolving
/// the next-hop MAC via ARP; loopback and own-address destinations
/// skip the wire entirely.
func (a *Adapter_t) SendIPv4(dest inet.IPv4_t, protocol uint8, payload []byte) error {
	if len(payload) > a.MTU-inet.EthHeaderLen-ip.HeaderLen {
		return errors.New("netdev: payload exceeds adapter MTU")
	}
	var destMAC inet.MAC_t
	loop := false
	if dest == inet.Broadcast4 {
		destMAC = inet.Broadcast
	} else if dest == inet.Loopback || dest == a.IP {
		// loopback and our own address never touch the wire; the frame
		// is queued straight back onto this adapter's receive path
		destMAC = a.Mac
		loop = true
	} else {
		nextHop := dest
		if !a.onLocalSubnet(dest) {
			nextHop = a.Gateway
		}
		ctx, cancel := context.WithTimeout(context.Background(), arpTimeout)
		defer cancel()
		mac, err := a.cache.Resolve(ctx, nextHop, func() {
			req := arp.Packet_t{Op: arp.OpRequest, SenderMAC: a.Mac, SenderIP: a.IP, TargetMAC: inet.Zero, TargetIP: nextHop}
			a.sendEthernet(inet.Broadcast, inet.EtherTypeARP, req.Marshal())
		})
		if err != nil {
			return fmt.Errorf("netdev: ARP resolution for %v failed: %w", nextHop, err)
		}
		destMAC = mac
	}
	a.mu.Lock()
	a.ipID++
	id := a.ipID
	a.mu.Unlock()
	h := ip.Header_t{TTL: ip.DefaultTTL, Protocol: protocol, ID: id, Src: a.IP, Dest: dest}
	if loop {
		f := inet.Frame_t{Dest: a.Mac, Src: a.Mac, Type: inet.EtherTypeIPv4, Payload: h.Marshal(payload)}
		select {
		case a.rx <- f.Marshal():
		default:
			return errors.New("netdev: loopback queue full")
		}
		return nil
	}
	a.sendEthernet(destMAC, inet.EtherTypeIPv4, h.Marshal(payload))
	return nil
}

const arpTimeout = 2000000000 // 2s, expressed in ns to avoid importing "time" for one constant

/// BindUDP registers cb to receive every UDP datagram addressed to
/// port on this adapter: one callback per port rather than a list,
/// since this stack has no SO_REUSEPORT.
func (a *Adapter_t) BindUDP(port uint16, cb func(src inet.IPv4_t, srcPort uint16, payload []byte)) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, taken := a.udpSocks[port]; taken {
		return errors.New("netdev: UDP port already bound")
	}
	a.udpSocks[port] = cb
	return nil
}

func (a *Adapter_t) UnbindUDP(port uint16) {
	a.mu.Lock()
	delete(a.udpSocks, port)
	a.mu.Unlock()
}

func (a *Adapter_t) AllocPort() uint16 { return a.ports.Alloc() }
func (a *Adapter_t) ReservePort(p uint16) bool { return a.ports.Reserve(p) }
func (a *Adapter_t) ReleasePort(p uint16)       { a.ports.Release(p) }

/// ListenTCP registers a passive-open listener on port.
func (a *Adapter_t) ListenTCP(port uint16) *tcp.Listener_t {
	l := tcp.Listen(a.IP, port, a.MTU)
	a.mu.Lock()
	a.listeners[port] = l
	a.mu.Unlock()
	return l
}

/// DialTCP performs an active TCP open to (remoteIP, remotePort),
/// registering the connection in this adapter's demux table before
/// sending the SYN so the handshake's replies route correctly.
func (a *Adapter_t) DialTCP(ctx context.Context, localPort uint16, remoteIP inet.IPv4_t, remotePort uint16, seq uint32) (*tcp.Conn_t, error) {
	sender := tcpSender{a: a, remoteIP: remoteIP}
	conn := tcp.NewConn(a.IP, remoteIP, localPort, remotePort, sender, a.MTU)
	key := tcpKey{remoteIP: remoteIP, remotePort: remotePort, localPort: localPort}
	a.mu.Lock()
	a.tcpConns[key] = conn
	a.mu.Unlock()
	conn.OnClose(func() { a.dropTCPConn(key) })
	if err := conn.Connect(ctx, seq); err != nil {
		return nil, err
	}
	return conn, nil
}
